package scheduler

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanplexian/vigil/internal/checker"
	"github.com/oceanplexian/vigil/internal/objects"
)

type fakeRunner struct {
	mu   sync.Mutex
	jobs []checker.Job
}

func (r *fakeRunner) Submit(j checker.Job) {
	r.mu.Lock()
	r.jobs = append(r.jobs, j)
	r.mu.Unlock()
}

func (r *fakeRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

func (r *fakeRunner) job(i int) checker.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.jobs[i]
}

type schedHarness struct {
	clock   *clockwork.FakeClock
	store   *objects.Store
	program *objects.Program
	runner  *fakeRunner
	sched   *Scheduler
	svc     *objects.Service

	nextCheckEvents int
}

func newSchedHarness(t *testing.T) *schedHarness {
	t.Helper()
	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

	h := &schedHarness{clock: clockwork.NewFakeClockAt(now)}
	h.store = objects.NewStore()
	h.program = objects.NewProgram("test", "node-a", 42, now)
	h.runner = &fakeRunner{}

	host := objects.NewHost("web-01")
	host.Address = "192.0.2.10"
	require.NoError(t, h.store.AddHost(host))
	h.svc = objects.NewService("web-01", "http")
	h.svc.CheckCommandName = "check_http"
	require.NoError(t, h.store.AddService(h.svc))
	require.NoError(t, h.store.AddCommand(&objects.Command{
		Name:    "check_http",
		Line:    "/usr/lib/monitoring/check_http -H $host.address$",
		Timeout: 30 * time.Second,
	}))

	sched, err := NewScheduler(Config{
		Store:   h.store,
		Runner:  h.runner,
		Program: h.program,
		Clock:   h.clock,
	})
	require.NoError(t, err)
	h.sched = sched

	h.store.Events().OnNextCheckChanged(func(*objects.Checkable, time.Time, objects.Origin) {
		h.nextCheckEvents++
	})
	return h
}

// queueAt puts c into Idle with an explicit deadline.
func (h *schedHarness) queueAt(c *objects.Checkable, when time.Time) {
	c.Lock()
	c.NextCheck = when
	c.Unlock()
	h.sched.schedule(c, h.clock.Now())
}

func TestCheckSetOrdering(t *testing.T) {
	s := newCheckSet()
	now := time.Now()
	a := objects.NewService("h", "a")
	b := objects.NewService("h", "b")
	c := objects.NewService("h", "c")

	s.insert(&c.Checkable, now.Add(3*time.Second))
	s.insert(&a.Checkable, now.Add(time.Second))
	s.insert(&b.Checkable, now.Add(2*time.Second))
	require.Equal(t, 3, s.len())

	e, ok := s.pop()
	require.True(t, ok)
	assert.Equal(t, "h!a", e.name)
	e, _ = s.pop()
	assert.Equal(t, "h!b", e.name)
	e, _ = s.pop()
	assert.Equal(t, "h!c", e.name)
	_, ok = s.pop()
	assert.False(t, ok)
}

func TestCheckSetFIFOTieBreak(t *testing.T) {
	s := newCheckSet()
	now := time.Now()
	first := objects.NewService("h", "first")
	second := objects.NewService("h", "second")

	s.insert(&first.Checkable, now)
	s.insert(&second.Checkable, now)

	e, _ := s.pop()
	assert.Equal(t, "h!first", e.name)
	e, _ = s.pop()
	assert.Equal(t, "h!second", e.name)
}

func TestCheckSetRekeyCountsAsReinsertion(t *testing.T) {
	s := newCheckSet()
	now := time.Now()
	first := objects.NewService("h", "first")
	second := objects.NewService("h", "second")

	s.insert(&first.Checkable, now)
	s.insert(&second.Checkable, now)
	require.True(t, s.rekey("h!first", now))

	e, _ := s.pop()
	assert.Equal(t, "h!second", e.name, "re-keyed entry yields its tie-break slot")
}

func TestCheckSetRemove(t *testing.T) {
	s := newCheckSet()
	now := time.Now()
	a := objects.NewService("h", "a")
	b := objects.NewService("h", "b")

	s.insert(&a.Checkable, now.Add(time.Second))
	s.insert(&b.Checkable, now.Add(2*time.Second))

	_, ok := s.remove("h!a")
	require.True(t, ok)
	assert.False(t, s.contains("h!a"))

	e, ok := s.peek()
	require.True(t, ok)
	assert.Equal(t, "h!b", e.name)

	_, ok = s.remove("h!a")
	assert.False(t, ok)
}

func TestCheckSetShiftKeepsOrder(t *testing.T) {
	s := newCheckSet()
	now := time.Now()
	a := objects.NewService("h", "a")
	b := objects.NewService("h", "b")

	s.insert(&a.Checkable, now.Add(time.Minute))
	s.insert(&b.Checkable, now.Add(2*time.Minute))
	s.shift(time.Hour)

	e, _ := s.pop()
	assert.Equal(t, "h!a", e.name)
	assert.Equal(t, now.Add(time.Hour+time.Minute), e.when)
	e, _ = s.pop()
	assert.Equal(t, now.Add(time.Hour+2*time.Minute), e.when)
}

func TestDispatchRunsDueCheck(t *testing.T) {
	h := newSchedHarness(t)
	c := &h.svc.Checkable
	deadline := h.clock.Now()
	h.queueAt(c, deadline)

	h.sched.dispatchDue(h.clock.Now())

	require.Equal(t, 1, h.runner.count())
	job := h.runner.job(0)
	assert.Equal(t, objects.TypeService, job.Kind)
	assert.Equal(t, "web-01!http", job.Name)
	assert.Equal(t, "/usr/lib/monitoring/check_http -H 192.0.2.10", job.Command)
	assert.Empty(t, job.Argv)
	assert.Equal(t, 30*time.Second, job.Timeout)
	assert.Equal(t, deadline, job.ScheduleStart)
	assert.True(t, job.Active)

	assert.Equal(t, 0, h.sched.IdleCount())
	assert.Equal(t, 1, h.sched.PendingCount())
}

func TestDispatchResolvesArgvCommands(t *testing.T) {
	h := newSchedHarness(t)
	require.NoError(t, h.store.AddCommand(&objects.Command{
		Name: "check_tcp",
		Argv: []string{"/usr/lib/monitoring/check_tcp", "-H", "$host.address$", "-p", "$service.vars.port$"},
		Env:  map[string]string{"TARGET": "$host.name$"},
	}))
	h.svc.CheckCommandName = "check_tcp"
	h.svc.Vars["port"] = "8080"

	h.queueAt(&h.svc.Checkable, h.clock.Now())
	h.sched.dispatchDue(h.clock.Now())

	require.Equal(t, 1, h.runner.count())
	job := h.runner.job(0)
	assert.Empty(t, job.Command)
	assert.Equal(t, []string{"/usr/lib/monitoring/check_tcp", "-H", "192.0.2.10", "-p", "8080"}, job.Argv)
	assert.Equal(t, map[string]string{"TARGET": "web-01"}, job.Env)
}

func TestDispatchHonorsTolerance(t *testing.T) {
	h := newSchedHarness(t)
	now := h.clock.Now()
	h.queueAt(&h.svc.Checkable, now.Add(tickTolerance))

	h.sched.dispatchDue(now)
	assert.Equal(t, 1, h.runner.count(), "a deadline within tolerance fires")

	h2 := newSchedHarness(t)
	h2.queueAt(&h2.svc.Checkable, now.Add(tickTolerance+time.Millisecond))
	h2.sched.dispatchDue(now)
	assert.Equal(t, 0, h2.runner.count(), "a deadline past tolerance waits")
	assert.Equal(t, 1, h2.sched.IdleCount())
}

func TestDispatchFIFOAtSameDeadline(t *testing.T) {
	h := newSchedHarness(t)
	now := h.clock.Now()
	var wantOrder []string
	for i := 0; i < 5; i++ {
		svc := objects.NewService("web-01", "svc-"+strconv.Itoa(i))
		svc.CheckCommandName = "check_http"
		require.NoError(t, h.store.AddService(svc))
		h.queueAt(&svc.Checkable, now)
		wantOrder = append(wantOrder, svc.Name())
	}

	h.sched.dispatchDue(now)

	require.Equal(t, 5, h.runner.count())
	for i, want := range wantOrder {
		assert.Equal(t, want, h.runner.job(i).Name)
	}
}

func TestDispatchDropsUnowned(t *testing.T) {
	h := newSchedHarness(t)
	c := &h.svc.Checkable
	h.queueAt(c, h.clock.Now())
	c.Lock()
	c.CheckAuthority = "node-b"
	c.Unlock()

	h.sched.dispatchDue(h.clock.Now())

	assert.Equal(t, 0, h.runner.count())
	assert.Equal(t, 0, h.sched.IdleCount(), "entry is evicted, not rescheduled")
	assert.Equal(t, 0, h.sched.PendingCount())
}

func TestDispatchGatedChecksReschedule(t *testing.T) {
	h := newSchedHarness(t)
	c := &h.svc.Checkable
	now := h.clock.Now()
	h.queueAt(c, now)
	c.Lock()
	c.ActiveChecksEnabled = false
	c.Unlock()

	h.sched.dispatchDue(now)

	assert.Equal(t, 0, h.runner.count())
	assert.Equal(t, 1, h.sched.IdleCount())
	c.Lock()
	next := c.NextCheck
	c.Unlock()
	assert.Equal(t, now.Add(c.CheckInterval), next)
	assert.Equal(t, 1, h.nextCheckEvents, "reschedule is published")
}

func TestDispatchGatedByGlobalSwitch(t *testing.T) {
	h := newSchedHarness(t)
	h.program.SetActiveChecksEnabled(false)
	h.queueAt(&h.svc.Checkable, h.clock.Now())

	h.sched.dispatchDue(h.clock.Now())

	assert.Equal(t, 0, h.runner.count())
	assert.Equal(t, 1, h.sched.IdleCount())
}

func TestDispatchGatedByCheckPeriod(t *testing.T) {
	h := newSchedHarness(t)
	require.NoError(t, h.store.AddTimeperiod(&objects.Timeperiod{
		Name:   "never",
		Ranges: map[time.Weekday]string{},
	}))
	h.svc.CheckPeriodName = "never"
	h.queueAt(&h.svc.Checkable, h.clock.Now())

	h.sched.dispatchDue(h.clock.Now())

	assert.Equal(t, 0, h.runner.count())
	assert.Equal(t, 1, h.sched.IdleCount())
}

func TestForcedCheckBypassesGates(t *testing.T) {
	h := newSchedHarness(t)
	c := &h.svc.Checkable
	h.queueAt(c, h.clock.Now())
	c.Lock()
	c.ActiveChecksEnabled = false
	c.ForceNextCheck = true
	c.Unlock()

	h.sched.dispatchDue(h.clock.Now())

	assert.Equal(t, 1, h.runner.count())
	c.Lock()
	forced := c.ForceNextCheck
	c.Unlock()
	assert.False(t, forced, "force flag is consumed by the dispatch")
}

func TestDispatchMissingCommandReschedules(t *testing.T) {
	h := newSchedHarness(t)
	h.svc.CheckCommandName = "no_such_command"
	h.queueAt(&h.svc.Checkable, h.clock.Now())

	h.sched.dispatchDue(h.clock.Now())

	assert.Equal(t, 0, h.runner.count())
	assert.Equal(t, 1, h.sched.IdleCount())
	assert.Equal(t, 0, h.sched.PendingCount())
}

func TestCompletionRequeuesAtCheckInterval(t *testing.T) {
	h := newSchedHarness(t)
	c := &h.svc.Checkable
	h.queueAt(c, h.clock.Now())
	h.sched.dispatchDue(h.clock.Now())
	require.Equal(t, 1, h.sched.PendingCount())

	h.clock.Advance(3 * time.Second)
	cr := &objects.CheckResult{ExitStatus: 0, Output: "OK", Active: true}
	h.store.Events().EmitCheckResult(c, cr, objects.Origin{})

	assert.Equal(t, 0, h.sched.PendingCount())
	assert.Equal(t, 1, h.sched.IdleCount())
	c.Lock()
	next := c.NextCheck
	c.Unlock()
	assert.Equal(t, h.clock.Now().Add(c.CheckInterval), next)
}

func TestCompletionUsesRetryIntervalWhileSoft(t *testing.T) {
	h := newSchedHarness(t)
	c := &h.svc.Checkable
	h.queueAt(c, h.clock.Now())
	h.sched.dispatchDue(h.clock.Now())

	c.Lock()
	c.State = objects.StateCritical
	c.StateType = objects.StateTypeSoft
	c.Unlock()
	h.store.Events().EmitCheckResult(c, &objects.CheckResult{ExitStatus: 2, Active: true}, objects.Origin{})

	c.Lock()
	next := c.NextCheck
	c.Unlock()
	assert.Equal(t, h.clock.Now().Add(c.RetryInterval), next)
}

func TestCompletionDropsDisabledCheckable(t *testing.T) {
	h := newSchedHarness(t)
	c := &h.svc.Checkable
	h.queueAt(c, h.clock.Now())
	h.sched.dispatchDue(h.clock.Now())

	c.Lock()
	c.ActiveChecksEnabled = false
	c.Unlock()
	h.store.Events().EmitCheckResult(c, &objects.CheckResult{ExitStatus: 0, Active: true}, objects.Origin{})

	assert.Equal(t, 0, h.sched.PendingCount())
	assert.Equal(t, 0, h.sched.IdleCount())
}

func TestCompletionDropsMovedAuthority(t *testing.T) {
	h := newSchedHarness(t)
	c := &h.svc.Checkable
	h.queueAt(c, h.clock.Now())
	h.sched.dispatchDue(h.clock.Now())

	c.Lock()
	c.CheckAuthority = "node-b"
	c.Unlock()
	h.store.Events().EmitCheckResult(c, &objects.CheckResult{ExitStatus: 0, Active: true}, objects.Origin{})

	assert.Equal(t, 0, h.sched.PendingCount())
	assert.Equal(t, 0, h.sched.IdleCount())
}

func TestOutOfBandResultPushesNextCheck(t *testing.T) {
	h := newSchedHarness(t)
	c := &h.svc.Checkable
	h.queueAt(c, h.clock.Now().Add(time.Minute))

	h.clock.Advance(10 * time.Second)
	h.store.Events().EmitCheckResult(c, &objects.CheckResult{ExitStatus: 0, Output: "OK"}, objects.Origin{Source: "web-01"})

	assert.Equal(t, 1, h.sched.IdleCount())
	c.Lock()
	next := c.NextCheck
	c.Unlock()
	assert.Equal(t, h.clock.Now().Add(c.CheckInterval), next, "passive result postpones the active check")
}

func TestNextCheckChangedRekeysIdleEntry(t *testing.T) {
	h := newSchedHarness(t)
	c := &h.svc.Checkable
	now := h.clock.Now()
	h.queueAt(c, now.Add(time.Hour))

	h.sched.dispatchDue(now)
	require.Equal(t, 0, h.runner.count())

	h.store.Events().EmitNextCheckChanged(c, now, objects.Origin{Authority: "node-b"})
	h.sched.dispatchDue(now)
	assert.Equal(t, 1, h.runner.count(), "moved deadline is honored")
}

func TestAuthorityChangeEvictsAndRestores(t *testing.T) {
	h := newSchedHarness(t)
	c := &h.svc.Checkable
	h.queueAt(c, h.clock.Now().Add(time.Minute))
	require.Equal(t, 1, h.sched.IdleCount())

	h.store.Events().EmitAuthorityChanged(c, objects.FeatureChecker, false)
	assert.Equal(t, 0, h.sched.IdleCount())

	h.store.Events().EmitAuthorityChanged(c, objects.FeatureChecker, true)
	assert.Equal(t, 1, h.sched.IdleCount())
}

func TestNotificationAuthorityChangeIgnored(t *testing.T) {
	h := newSchedHarness(t)
	c := &h.svc.Checkable
	h.queueAt(c, h.clock.Now().Add(time.Minute))

	h.store.Events().EmitAuthorityChanged(c, objects.FeatureNotifications, false)
	assert.Equal(t, 1, h.sched.IdleCount())
}

func TestActiveChecksFlagRequeues(t *testing.T) {
	h := newSchedHarness(t)
	c := &h.svc.Checkable
	c.Lock()
	c.NextCheck = h.clock.Now().Add(time.Minute)
	c.Unlock()
	require.Equal(t, 0, h.sched.IdleCount())

	h.store.Events().EmitFlagChanged(c, objects.FlagActiveChecks, true, objects.Origin{})
	assert.Equal(t, 1, h.sched.IdleCount())

	// Switching off does not evict; dispatch handles it lazily.
	h.store.Events().EmitFlagChanged(c, objects.FlagActiveChecks, false, objects.Origin{})
	assert.Equal(t, 1, h.sched.IdleCount())
}

func TestObjectStoppedEvicts(t *testing.T) {
	h := newSchedHarness(t)
	c := &h.svc.Checkable
	h.queueAt(c, h.clock.Now().Add(time.Minute))

	h.store.Events().EmitObjectStopped(objects.TypeService, c.Name())
	assert.Equal(t, 0, h.sched.IdleCount())
}

func TestRebuildSpreadsFirstChecks(t *testing.T) {
	h := newSchedHarness(t)
	now := h.clock.Now()
	for i := 0; i < 20; i++ {
		svc := objects.NewService("web-01", "spread-"+strconv.Itoa(i))
		svc.CheckCommandName = "check_http"
		require.NoError(t, h.store.AddService(svc))
	}

	h.sched.Rebuild()

	// The harness host and service plus the twenty new ones.
	require.Equal(t, 22, h.sched.IdleCount())
	deadlines := make(map[time.Time]int)
	for _, c := range h.store.Checkables() {
		c.Lock()
		next := c.NextCheck
		interval := c.CheckInterval
		c.Unlock()
		if next.IsZero() {
			continue
		}
		assert.False(t, next.Before(now))
		assert.False(t, next.After(now.Add(interval)))
		deadlines[next]++
	}
	assert.Greater(t, len(deadlines), 1, "first checks are spread, not stacked")
}

func TestRebuildSkipsPassiveOnly(t *testing.T) {
	h := newSchedHarness(t)
	h.svc.ActiveChecksEnabled = false

	h.sched.Rebuild()

	// Only the host is queued.
	assert.Equal(t, 1, h.sched.IdleCount())
}

func TestShiftDeadlinesMovesEverything(t *testing.T) {
	h := newSchedHarness(t)
	c := &h.svc.Checkable
	now := h.clock.Now()
	h.queueAt(c, now.Add(time.Minute))

	h.sched.shiftDeadlines(time.Hour)

	c.Lock()
	next := c.NextCheck
	c.Unlock()
	assert.Equal(t, now.Add(time.Hour+time.Minute), next)
	h.sched.dispatchDue(now)
	assert.Equal(t, 0, h.runner.count(), "shifted deadline is no longer due")
}

func TestRunDispatchesOnTimer(t *testing.T) {
	h := newSchedHarness(t)
	c := &h.svc.Checkable
	h.queueAt(c, h.clock.Now().Add(5*time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.sched.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(10 * time.Second):
			t.Error("run loop did not stop")
		}
	})

	h.clock.BlockUntil(1)
	h.clock.Advance(5 * time.Minute)
	require.Eventually(t, func() bool { return h.runner.count() == 1 },
		10*time.Second, 10*time.Millisecond)

	// Completion requeues; the next interval fires the second run.
	h.store.Events().EmitCheckResult(c, &objects.CheckResult{ExitStatus: 0, Active: true}, objects.Origin{})
	h.clock.BlockUntil(1)
	h.clock.Advance(c.CheckInterval)
	require.Eventually(t, func() bool { return h.runner.count() == 2 },
		10*time.Second, 10*time.Millisecond)
}

func TestConfigValidation(t *testing.T) {
	store := objects.NewStore()
	program := objects.NewProgram("test", "node-a", 1, time.Now())

	_, err := NewScheduler(Config{Runner: &fakeRunner{}, Program: program})
	require.Error(t, err)
	assert.True(t, trace.IsBadParameter(err))

	_, err = NewScheduler(Config{Store: store, Program: program})
	require.Error(t, err)

	_, err = NewScheduler(Config{Store: store, Runner: &fakeRunner{}})
	require.Error(t, err)
}
