package objects

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateFromExit(t *testing.T) {
	svc := NewService("web-01", "http")
	assert.Equal(t, StateOK, svc.StateFromExit(0))
	assert.Equal(t, StateWarning, svc.StateFromExit(1))
	assert.Equal(t, StateCritical, svc.StateFromExit(2))
	assert.Equal(t, StateUnknown, svc.StateFromExit(3))
	assert.Equal(t, StateUnknown, svc.StateFromExit(4))
	assert.Equal(t, StateUnknown, svc.StateFromExit(127))
	assert.Equal(t, StateUnknown, svc.StateFromExit(-1))

	host := NewHost("web-01")
	assert.Equal(t, HostUp, host.StateFromExit(0))
	assert.Equal(t, HostDown, host.StateFromExit(1))
	assert.Equal(t, HostDown, host.StateFromExit(2))
	assert.Equal(t, HostDown, host.StateFromExit(127))
}

func TestStateNamesAndFilterBits(t *testing.T) {
	svc := NewService("web-01", "http")
	assert.Equal(t, "OK", svc.StateName(StateOK))
	assert.Equal(t, "WARNING", svc.StateName(StateWarning))
	assert.Equal(t, "CRITICAL", svc.StateName(StateCritical))
	assert.Equal(t, "UNKNOWN", svc.StateName(StateUnknown))
	assert.Equal(t, FilterWarning, svc.FilterBit(StateWarning))

	host := NewHost("web-01")
	assert.Equal(t, "UP", host.StateName(HostUp))
	assert.Equal(t, "DOWN", host.StateName(HostDown))
	assert.Equal(t, FilterUp, host.FilterBit(HostUp))
	assert.Equal(t, FilterDown, host.FilterBit(HostDown))
}

func TestNotificationTypeBits(t *testing.T) {
	assert.Equal(t, TypeFilter(1<<NotificationProblem), NotificationProblem.Bit())
	assert.Equal(t, "PROBLEM", NotificationProblem.String())
	assert.Equal(t, "RECOVERY", NotificationRecovery.String())
	assert.Equal(t, "ACKNOWLEDGEMENT", NotificationAcknowledgement.String())
	assert.Equal(t, "FLAPPINGSTART", NotificationFlappingStart.String())
	assert.Equal(t, "DOWNTIMESTART", NotificationDowntimeStart.String())
	// Every defined type is admitted by the catch-all mask.
	for nt := NotificationDowntimeStart; nt <= NotificationFlappingEnd; nt++ {
		assert.NotZero(t, TypeFilterAll&nt.Bit(), nt.String())
	}
}

func TestAcknowledgementExpiry(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	ack := Acknowledgement{Type: AckNormal, Time: now}
	assert.False(t, ack.Expired(now.Add(365*24*time.Hour)), "zero expiry never runs out")

	ack.Expiry = now.Add(time.Hour)
	assert.False(t, ack.Expired(now.Add(30*time.Minute)))
	assert.True(t, ack.Expired(now.Add(2*time.Hour)))
}

func TestDowntimeWindows(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	fixed := Downtime{
		Fixed:     true,
		StartTime: now,
		EndTime:   now.Add(time.Hour),
	}
	assert.False(t, fixed.InEffect(now.Add(-time.Minute)))
	assert.True(t, fixed.InEffect(now.Add(time.Minute)))
	assert.False(t, fixed.InEffect(now.Add(2*time.Hour)))
	assert.True(t, fixed.Expired(now.Add(61*time.Minute)))

	flex := Downtime{
		StartTime: now,
		EndTime:   now.Add(time.Hour),
		Duration:  10 * time.Minute,
	}
	// Not triggered yet: only eligible, not in effect.
	assert.False(t, flex.InEffect(now.Add(time.Minute)))
	assert.True(t, flex.CanTrigger(now.Add(time.Minute)))
	assert.False(t, flex.CanTrigger(now.Add(2*time.Hour)))

	flex.TriggerTime = now.Add(5 * time.Minute)
	assert.True(t, flex.InEffect(now.Add(10*time.Minute)))
	assert.False(t, flex.InEffect(now.Add(20*time.Minute)), "duration elapsed")
	// A triggered flexible downtime expires once its window is spent.
	assert.True(t, flex.Expired(now.Add(20*time.Minute)))
}

func TestCheckableProblemAndDowntimeDepth(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	svc := NewService("web-01", "http")

	assert.False(t, svc.IsProblem())
	svc.State = StateCritical
	svc.StateType = StateTypeHard
	assert.True(t, svc.IsProblem())

	assert.False(t, svc.IsAcknowledged(now))
	svc.Ack = Acknowledgement{Type: AckSticky, Time: now}
	assert.True(t, svc.IsAcknowledged(now))

	svc.Downtimes["d1"] = &Downtime{Fixed: true, StartTime: now, EndTime: now.Add(time.Hour)}
	svc.Downtimes["d2"] = &Downtime{Fixed: true, StartTime: now.Add(2 * time.Hour), EndTime: now.Add(3 * time.Hour)}
	assert.Equal(t, 1, svc.DowntimeDepth(now.Add(time.Minute)))
	assert.True(t, svc.InDowntime(now.Add(time.Minute)))
	assert.False(t, svc.InDowntime(now.Add(90*time.Minute)))
}

func TestNextCheckInterval(t *testing.T) {
	svc := NewService("web-01", "http")
	svc.CheckInterval = 5 * time.Minute
	svc.RetryInterval = time.Minute

	assert.Equal(t, 5*time.Minute, svc.NextCheckInterval())

	svc.State = StateCritical
	svc.StateType = StateTypeSoft
	assert.Equal(t, time.Minute, svc.NextCheckInterval())

	svc.StateType = StateTypeHard
	assert.Equal(t, 5*time.Minute, svc.NextCheckInterval())
}

func TestCheckResultTimings(t *testing.T) {
	base := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	cr := &CheckResult{
		ScheduleStart:  base,
		ExecutionStart: base.Add(250 * time.Millisecond),
		ExecutionEnd:   base.Add(1250 * time.Millisecond),
		ScheduleEnd:    base.Add(1300 * time.Millisecond),
	}
	assert.InDelta(t, 0.25, cr.Latency(), 1e-9)
	assert.InDelta(t, 1.0, cr.ExecutionTime(), 1e-9)
}

func TestCheckResultNoStateChange(t *testing.T) {
	before := &StateSnapshot{State: StateOK, StateType: StateTypeHard, Attempt: 1, Reachable: true}

	cr := &CheckResult{VarsBefore: before, VarsAfter: &StateSnapshot{State: StateOK, StateType: StateTypeHard, Attempt: 1, Reachable: true}}
	assert.True(t, cr.NoStateChange())

	cr.VarsAfter = &StateSnapshot{State: StateCritical, StateType: StateTypeSoft, Attempt: 1, Reachable: true}
	assert.False(t, cr.NoStateChange())

	cr.VarsAfter = nil
	assert.False(t, cr.NoStateChange())
}

func TestEndpointLogPositions(t *testing.T) {
	ep := &Endpoint{Name: "node-b"}

	dispatch, ack := ep.AcceptRemoteTs(100.5, 10)
	require.True(t, dispatch)
	require.True(t, ack, "first message leaps the position and owes an ack")

	dispatch, ack = ep.AcceptRemoteTs(99.0, 10)
	assert.False(t, dispatch, "messages behind the position are duplicates")
	assert.False(t, ack)

	// Within the leap window: dispatched, position unchanged.
	dispatch, ack = ep.AcceptRemoteTs(104.0, 10)
	assert.True(t, dispatch)
	assert.False(t, ack)
	assert.Equal(t, 100.5, ep.RemoteLogPosition)

	// Re-delivery of an already dispatched in-window ts is accepted again;
	// handlers are idempotent.
	dispatch, _ = ep.AcceptRemoteTs(104.0, 10)
	assert.True(t, dispatch)

	dispatch, ack = ep.AcceptRemoteTs(111.0, 10)
	assert.True(t, dispatch)
	assert.True(t, ack)
	assert.Equal(t, 111.0, ep.RemoteLogPosition)

	ep.AdvanceLocalLogPosition(50)
	ep.AdvanceLocalLogPosition(40)
	assert.Equal(t, float64(50), ep.LocalLogPosition)
}

func TestRateCounter(t *testing.T) {
	var rc RateCounter
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	rc.Mark(now)
	rc.Mark(now.Add(10 * time.Second))
	rc.Mark(now.Add(70 * time.Second))

	assert.Equal(t, int64(3), rc.Rate(now.Add(70*time.Second), 5))
	assert.Equal(t, int64(1), rc.Rate(now.Add(70*time.Second), 1))
	// Far in the future all buckets have aged out.
	assert.Equal(t, int64(0), rc.Rate(now.Add(time.Hour), 5))
}
