package checker

import (
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/oceanplexian/vigil/internal/dependency"
	"github.com/oceanplexian/vigil/internal/objects"
)

var resultsProcessed = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "vigil_check_results_processed_total",
	Help: "Check results run through the state machine.",
})

func init() {
	prometheus.MustRegister(resultsProcessed)
}

// ProcessorConfig wires the state machine to the registry.
type ProcessorConfig struct {
	// Store is the object registry the processor mutates.
	Store *objects.Store
	// Dependencies answers reachability questions. Defaults to a checker
	// over Store.
	Dependencies *dependency.Checker
	// Program carries the global feature switches and rate counters.
	Program *objects.Program
	// Clock is the time source for stamps and gating.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *ProcessorConfig) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
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

// Processor applies check results to checkables: the soft/hard transition,
// attempt counting, timestamps, flap counters, acknowledgement clearing and
// the notification requests that follow. It holds only the checkable's own
// lock while transitioning and emits events after releasing it.
type Processor struct {
	ProcessorConfig
	events *objects.Events
}

// NewProcessor returns a processor bound to the store's event bus.
func NewProcessor(cfg ProcessorConfig) (*Processor, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Processor{ProcessorConfig: cfg, events: cfg.Store.Events()}, nil
}

// ProcessResult runs one check result through the state machine.
//
// The transition rules: an OK result is always hard with the attempt counter
// reset; the first failure after OK opens a soft state counting that attempt
// as the second of max_check_attempts (or goes hard at once when only one
// attempt is configured); further failures increment the attempt until it
// reaches max_check_attempts, which confirms the state as hard. Recovery is
// a hard problem returning to OK; it clears acknowledgements and resets the
// notification numbers of every attached notification.
func (p *Processor) ProcessResult(c *objects.Checkable, cr *objects.CheckResult, origin objects.Origin) error {
	if c == nil {
		return trace.BadParameter("missing parameter checkable")
	}
	if cr == nil {
		return trace.BadParameter("missing parameter check result")
	}
	now := p.Clock.Now()

	if !cr.Active && (!c.PassiveChecksEnabled || !p.Program.PassiveChecksEnabled()) {
		log.Debugf("Dropped passive result for %v: passive checks disabled.", c.Name())
		return nil
	}
	if cr.CheckSource == "" {
		cr.CheckSource = p.Program.Identity
	}
	resultsProcessed.Inc()

	// Reachability is advisory and read without parent locks, so compute it
	// before taking our own lock.
	reachable := p.Dependencies.Reachable(c, dependency.PurposeCheck, now)

	c.Lock()

	oldState := c.State
	oldType := c.StateType
	oldAttempt := c.Attempt
	wasOK := c.IsStateOK(oldState)
	wasHardProblem := oldType == objects.StateTypeHard && !wasOK

	cr.VarsBefore = c.Snapshot(reachable)

	newState := c.StateFromExit(cr.ExitStatus)
	isOK := c.IsStateOK(newState)

	switch {
	case isOK:
		c.StateType = objects.StateTypeHard
		c.Attempt = 1
	case wasOK:
		if c.MaxCheckAttempts <= 1 {
			c.StateType = objects.StateTypeHard
			c.Attempt = 1
		} else {
			c.StateType = objects.StateTypeSoft
			c.Attempt = 2
		}
	default:
		if oldAttempt < c.MaxCheckAttempts {
			c.StateType = objects.StateTypeSoft
			c.Attempt = oldAttempt + 1
		} else {
			c.StateType = objects.StateTypeHard
			c.Attempt = c.MaxCheckAttempts
		}
	}
	c.State = newState

	changed := newState != oldState
	typeChanged := c.StateType != oldType

	c.HasBeenChecked = true
	c.LastCheckResult = cr
	c.LastCheck = now
	if !cr.ScheduleStart.IsZero() && !cr.ExecutionStart.IsZero() {
		c.Latency = cr.Latency()
	}
	c.ExecutionTime = cr.ExecutionTime()

	if c.IsHost() {
		if newState == objects.HostUp {
			c.LastStateUp = now
		} else {
			c.LastStateDown = now
		}
	} else {
		switch newState {
		case objects.StateOK:
			c.LastStateOK = now
		case objects.StateWarning:
			c.LastStateWarning = now
		case objects.StateCritical:
			c.LastStateCritical = now
		default:
			c.LastStateUnknown = now
		}
	}

	if changed || typeChanged {
		c.LastStateChange = now
	}
	if c.StateType == objects.StateTypeHard && c.State != c.LastHardState {
		c.LastHardStateChange = now
		c.LastHardState = c.State
	}

	recovery := wasHardProblem && isOK
	hardProblem := !isOK && c.StateType == objects.StateTypeHard &&
		(oldType == objects.StateTypeSoft || wasOK || (wasHardProblem && changed))

	ackCleared := false
	if isOK && c.Ack.Type != objects.AckNone {
		c.Ack = objects.Acknowledgement{}
		ackCleared = true
	}

	var flapCrossed, flapStarted bool
	if c.FlapDetectionEnabled && p.Program.FlapDetectionEnabled() {
		updateFlapCounters(c, now, changed)
		flapCrossed, flapStarted = evaluateFlapping(c)
	}

	cr.VarsAfter = c.Snapshot(reachable)
	stateChanged := changed || typeChanged || oldAttempt != c.Attempt
	attempt := c.Attempt
	newType := c.StateType

	c.Unlock()

	if recovery {
		// A recovery rewinds every attached notification so the next problem
		// starts its escalation from zero.
		notifications := p.Store.NotificationsFor(c)
		c.Lock()
		for _, n := range notifications {
			n.NotificationNumber = 0
		}
		c.Unlock()
	}

	p.Program.ChecksRate.Mark(now)

	if stateChanged {
		entry := log.WithFields(logrus.Fields{
			"checkable": c.Name(),
			"state":     c.StateName(newState),
			"attempt":   attempt,
		})
		if typeChanged || (changed && newType == objects.StateTypeHard) {
			entry.Info("State change.")
		} else {
			entry.Debug("State change.")
		}
	}

	// State change first: the downtime manager listens on it and arms
	// flexible downtimes synchronously, so a freshly triggered downtime
	// already suppresses the problem notification below.
	p.events.EmitCheckResult(c, cr, origin)
	if stateChanged {
		p.events.EmitStateChange(c, cr, origin)
	}
	if ackCleared {
		p.events.EmitAckCleared(c, origin)
	}
	if flapCrossed {
		kind := objects.FlapStopped
		if flapStarted {
			kind = objects.FlapStarted
		}
		p.events.EmitFlapChange(c, kind)
	}

	if !recovery && !hardProblem && !flapCrossed {
		return nil
	}

	// Suppression gates are re-read after the emissions above so they see
	// downtimes triggered by this very result.
	c.Lock()
	flapping := c.Flapping
	inDowntime := c.InDowntime(now)
	acked := c.IsAcknowledged(now)
	c.Unlock()
	notifyReachable := p.Dependencies.Reachable(c, dependency.PurposeNotification, now)

	if recovery && !flapping && !inDowntime && notifyReachable {
		p.events.EmitNotificationRequest(c, objects.NotificationRecovery, cr, "", "", false)
	}
	if hardProblem && !flapping && !inDowntime && !acked && notifyReachable {
		p.events.EmitNotificationRequest(c, objects.NotificationProblem, cr, "", "", false)
	}
	if flapCrossed && !inDowntime && notifyReachable {
		t := objects.NotificationFlappingEnd
		if flapStarted {
			t = objects.NotificationFlappingStart
		}
		p.events.EmitNotificationRequest(c, t, cr, "", "", false)
	}
	return nil
}
