package scheduler

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/oceanplexian/vigil/internal/checker"
	"github.com/oceanplexian/vigil/internal/dependency"
	"github.com/oceanplexian/vigil/internal/macros"
	"github.com/oceanplexian/vigil/internal/objects"
)

var log = logrus.WithField(trace.Component, "vigil:scheduler")

var checksDispatched = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "vigil_checks_dispatched_total",
	Help: "Active checks handed to the execution pool.",
})

func init() {
	prometheus.MustRegister(checksDispatched)
}

const (
	// tickTolerance is how far ahead of its deadline a check may fire.
	tickTolerance = 100 * time.Millisecond

	// clockJumpThreshold is the wall-clock discontinuity past which every
	// deadline is shifted by the jump instead of letting the backlog fire
	// at once.
	clockJumpThreshold = 15 * time.Second

	// emptyQueuePoll bounds the sleep while nothing is scheduled.
	emptyQueuePoll = time.Second
)

// Runner accepts check jobs for asynchronous execution. The checker
// executor implements it.
type Runner interface {
	Submit(checker.Job)
}

// Config holds scheduler dependencies.
type Config struct {
	// Store is the object registry.
	Store *objects.Store
	// Runner executes dispatched checks.
	Runner Runner
	// Dependencies answers reachability questions.
	Dependencies *dependency.Checker
	// Program carries the global switches and the local identity.
	Program *objects.Program
	// Clock is the time source.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config.
func (c *Config) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Runner == nil {
		return trace.BadParameter("missing parameter Runner")
	}
	if c.Program == nil {
		return trace.BadParameter("missing parameter Program")
	}
	if c.Dependencies == nil {
		c.Dependencies = &dependency.Checker{Store: c.Store}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Scheduler decides when active checks run. Every locally owned checkable
// with active checks enabled sits in exactly one of two sets: Idle, ordered
// by next_check, and Pending, holding checks whose execution is in flight.
// Results and out-of-band next_check updates arrive through the event bus.
//
// The set mutex is never held across command execution or any other I/O,
// and event emissions happen after it is released.
type Scheduler struct {
	Config
	events *objects.Events

	mu      sync.Mutex
	idle    *checkSet
	pending *checkSet

	wake chan struct{}

	// wall and mono of the previous loop iteration, for jump detection
	lastWall time.Time
	lastMono time.Time
}

// NewScheduler builds a scheduler and subscribes it to the store's event
// bus. Call Rebuild to populate the queue, then Run to dispatch.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	s := &Scheduler{
		Config:  cfg,
		events:  cfg.Store.Events(),
		idle:    newCheckSet(),
		pending: newCheckSet(),
		wake:    make(chan struct{}, 1),
	}
	s.events.OnCheckResult(s.handleCheckResult)
	s.events.OnNextCheckChanged(s.handleNextCheckChanged)
	s.events.OnAuthorityChanged(s.handleAuthorityChanged)
	s.events.OnFlagChanged(s.handleFlagChanged)
	s.events.OnObjectStopped(s.handleObjectStopped)
	return s, nil
}

// Rebuild enumerates the registry and schedules every eligible checkable
// that is not already queued. First-time checkables get a random offset
// within their check interval so a fresh start does not fire everything in
// the same second.
func (s *Scheduler) Rebuild() {
	now := s.Clock.Now()
	queued := 0
	for _, c := range s.Store.Checkables() {
		if s.schedule(c, now) {
			queued++
		}
	}
	log.Infof("Scheduled %v checkables.", queued)
	s.kick()
}

// schedule inserts c into Idle unless it is already queued or ineligible.
func (s *Scheduler) schedule(c *objects.Checkable, now time.Time) bool {
	c.Lock()
	eligible := c.ActiveChecksEnabled && c.CheckInterval > 0
	owned := c.CheckAuthority == "" || c.CheckAuthority == s.Program.Identity
	next := c.NextCheck
	if eligible && next.IsZero() {
		next = now.Add(time.Duration(rand.Float64() * float64(c.CheckInterval)))
		c.NextCheck = next
	}
	c.Unlock()
	if !eligible || !owned {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending.contains(c.Name()) || s.idle.contains(c.Name()) {
		return false
	}
	s.idle.insert(c, next)
	return true
}

// Run dispatches due checks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	now := s.Clock.Now()
	s.lastWall = now.Round(0)
	s.lastMono = now
	for {
		s.mu.Lock()
		wait := emptyQueuePoll
		if e, ok := s.idle.peek(); ok {
			wait = e.when.Sub(s.Clock.Now()) - tickTolerance
			if wait < 0 {
				wait = 0
			}
		}
		s.mu.Unlock()

		timer := s.Clock.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-s.wake:
			timer.Stop()
		case <-timer.Chan():
		}

		s.compensateClockJump()
		s.dispatchDue(s.Clock.Now())
	}
}

// compensateClockJump compares the wall-clock delta against the monotonic
// delta since the previous iteration. When the wall clock jumped, every
// deadline moves by the same amount so the schedule keeps its spacing
// instead of firing a backlog or going silent.
func (s *Scheduler) compensateClockJump() {
	now := s.Clock.Now()
	wall := now.Round(0)
	jump := wall.Sub(s.lastWall) - now.Sub(s.lastMono)
	s.lastWall = wall
	s.lastMono = now
	if jump > -clockJumpThreshold && jump < clockJumpThreshold {
		return
	}
	log.Warningf("System time jumped by %v, adjusting schedule.", jump.Round(time.Second))
	s.shiftDeadlines(jump)
}

// shiftDeadlines moves every queued deadline and the matching next_check
// stamps by delta.
func (s *Scheduler) shiftDeadlines(delta time.Duration) {
	s.mu.Lock()
	s.idle.shift(delta)
	s.pending.shift(delta)
	for _, e := range s.idle.byName {
		c := e.c
		c.Lock()
		if !c.NextCheck.IsZero() {
			c.NextCheck = c.NextCheck.Add(delta)
		}
		c.Unlock()
	}
	s.mu.Unlock()
}

// dispatchDue pops and dispatches every Idle entry whose deadline is within
// tickTolerance of now.
func (s *Scheduler) dispatchDue(now time.Time) {
	for {
		s.mu.Lock()
		e, ok := s.idle.peek()
		if !ok || e.when.After(now.Add(tickTolerance)) {
			s.mu.Unlock()
			return
		}
		s.idle.pop()

		c := e.c
		c.Lock()
		owned := c.CheckAuthority == "" || c.CheckAuthority == s.Program.Identity
		forced := c.ForceNextCheck
		if forced {
			c.ForceNextCheck = false
		}
		active := c.ActiveChecksEnabled
		period := c.CheckPeriodName
		interval := c.NextCheckInterval()
		c.Unlock()
		if interval <= 0 {
			interval = time.Minute
		}

		if !owned {
			s.mu.Unlock()
			log.Debugf("Dropping %v from the queue, check authority moved away.", e.name)
			continue
		}

		blocked := ""
		if !forced {
			switch {
			case !active:
				blocked = "active checks disabled"
			case !s.Program.ActiveChecksEnabled():
				blocked = "active checks disabled globally"
			case !s.Store.InPeriod(period, now):
				blocked = "outside check period"
			case !s.Dependencies.Reachable(c, dependency.PurposeCheck, now):
				blocked = "parent unreachable"
			}
		}
		if blocked != "" {
			next := now.Add(interval)
			c.Lock()
			c.NextCheck = next
			c.Unlock()
			s.idle.insert(c, next)
			s.mu.Unlock()
			log.Debugf("Skipping check of %v: %v.", e.name, blocked)
			s.events.EmitNextCheckChanged(c, next, s.localOrigin())
			continue
		}

		job, err := s.buildJob(c, e.when, now)
		if err != nil {
			next := now.Add(interval)
			c.Lock()
			c.NextCheck = next
			c.Unlock()
			s.idle.insert(c, next)
			s.mu.Unlock()
			log.WithError(err).Warningf("Cannot dispatch check of %v.", e.name)
			s.events.EmitNextCheckChanged(c, next, s.localOrigin())
			continue
		}

		s.pending.insert(c, now)
		s.mu.Unlock()
		checksDispatched.Inc()
		s.Runner.Submit(job)
	}
}

// buildJob resolves the check command and its macros into an executable
// job. when is the deadline the check was scheduled for; the executor
// derives latency from it. The object lock is held across resolution
// because the macro scopes read checkable state lazily.
func (s *Scheduler) buildJob(c *objects.Checkable, when, now time.Time) (checker.Job, error) {
	c.Lock()
	defer c.Unlock()

	cmd, ok := s.Store.GetCommand(c.CheckCommandName)
	if !ok {
		return checker.Job{}, trace.NotFound("check command %q is not defined", c.CheckCommandName)
	}
	timeout := c.CheckTimeout
	if timeout == 0 {
		timeout = cmd.Timeout
	}

	rs := macros.ForCheckable(s.Store, c, now)
	job := checker.Job{
		Kind:          c.Kind,
		Name:          c.Name(),
		Timeout:       timeout,
		ScheduleStart: when,
		Active:        true,
	}
	if len(cmd.Argv) > 0 {
		argv, err := rs.ResolveArgs(cmd.Argv)
		if err != nil {
			return checker.Job{}, trace.Wrap(err)
		}
		job.Argv = argv
	} else {
		line, err := rs.Resolve(cmd.Line)
		if err != nil {
			return checker.Job{}, trace.Wrap(err)
		}
		job.Command = line
	}
	if len(cmd.Env) > 0 {
		job.Env = make(map[string]string, len(cmd.Env))
		for k, v := range cmd.Env {
			ev, err := rs.Resolve(v)
			if err != nil {
				return checker.Job{}, trace.Wrap(err)
			}
			job.Env[k] = ev
		}
	}
	return job, nil
}

// handleCheckResult moves a completed check from Pending back to Idle at
// its next deadline. Results for checkables sitting in Idle are out of
// band (passive or relayed) and push the next active check out by a full
// interval.
func (s *Scheduler) handleCheckResult(c *objects.Checkable, cr *objects.CheckResult, origin objects.Origin) {
	name := c.Name()
	now := s.Clock.Now()

	s.mu.Lock()
	var next time.Time
	if _, ok := s.pending.remove(name); ok {
		c.Lock()
		requeue := c.ActiveChecksEnabled && c.CheckInterval > 0 &&
			(c.CheckAuthority == "" || c.CheckAuthority == s.Program.Identity)
		if requeue {
			next = now.Add(c.NextCheckInterval())
			c.NextCheck = next
		}
		c.Unlock()
		if requeue {
			s.idle.insert(c, next)
		}
	} else if s.idle.contains(name) {
		c.Lock()
		next = now.Add(c.NextCheckInterval())
		c.NextCheck = next
		c.Unlock()
		s.idle.rekey(name, next)
	}
	s.mu.Unlock()

	if !next.IsZero() {
		s.events.EmitNextCheckChanged(c, next, s.localOrigin())
	}
	s.kick()
}

// handleNextCheckChanged re-keys an Idle entry after an out-of-band
// next_check update. Entries in Pending keep their in-flight execution;
// the new stamp takes effect when the result lands.
func (s *Scheduler) handleNextCheckChanged(c *objects.Checkable, t time.Time, origin objects.Origin) {
	s.mu.Lock()
	moved := s.idle.rekey(c.Name(), t)
	s.mu.Unlock()
	if moved {
		s.kick()
	}
}

// handleAuthorityChanged inserts or evicts a checkable when check ownership
// moves. A pending execution is left to finish; its result is dropped on
// completion because the requeue test fails.
func (s *Scheduler) handleAuthorityChanged(c *objects.Checkable, f objects.EndpointFeature, owned bool) {
	if !f.Has(objects.FeatureChecker) {
		return
	}
	if owned {
		if s.schedule(c, s.Clock.Now()) {
			s.kick()
		}
		return
	}
	s.mu.Lock()
	s.idle.remove(c.Name())
	s.mu.Unlock()
}

// handleFlagChanged requeues a checkable when its active checks are
// switched back on. Switching off is lazy: the entry is dropped at
// dispatch time.
func (s *Scheduler) handleFlagChanged(c *objects.Checkable, f objects.Flag, value bool, origin objects.Origin) {
	if f != objects.FlagActiveChecks || !value {
		return
	}
	if s.schedule(c, s.Clock.Now()) {
		s.kick()
	}
}

func (s *Scheduler) handleObjectStopped(kind, name string) {
	s.mu.Lock()
	s.idle.remove(name)
	s.pending.remove(name)
	s.mu.Unlock()
}

// IdleCount returns the number of queued checks.
func (s *Scheduler) IdleCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idle.len()
}

// PendingCount returns the number of in-flight checks.
func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.len()
}

func (s *Scheduler) localOrigin() objects.Origin {
	return objects.Origin{Authority: s.Program.Identity}
}

// kick wakes the run loop so it recomputes its timer.
func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
