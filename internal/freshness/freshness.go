// Package freshness watches passive checkables for stale results. A
// checkable that stops receiving results past its interval either gets
// a forced active check, when a check command exists to run, or a
// synthetic stale result that drives the state machine like any other
// passive submission.
package freshness

import (
	"context"
	"fmt"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/oceanplexian/vigil/internal/checker"
	"github.com/oceanplexian/vigil/internal/objects"
)

var log = logrus.WithField(trace.Component, "vigil:freshness")

var (
	forcedChecks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vigil_freshness_forced_checks_total",
		Help: "Number of stale checkables rescheduled for an immediate forced check.",
	})
	staleResults = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vigil_freshness_stale_results_total",
		Help: "Number of synthetic stale results injected for checkables without a check command.",
	})
)

func init() {
	prometheus.MustRegister(forcedChecks)
	prometheus.MustRegister(staleResults)
}

// goldenRatio limits how far a pre-downtime result can push the
// expiration into the past: results older than 61.8% of the threshold
// at engine start expire relative to the start instead, which stops a
// stale storm right after a long outage.
const goldenRatio = 0.618

// Config wires the freshness checker.
type Config struct {
	Store     *objects.Store
	Program   *objects.Program
	Processor *checker.Processor
	// Interval is the sweep cadence.
	Interval time.Duration
	// Grace is slack added to every threshold so results arriving a
	// little late do not flap staleness.
	Grace time.Duration
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the configuration.
func (c *Config) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Program == nil {
		return trace.BadParameter("missing parameter Program")
	}
	if c.Processor == nil {
		return trace.BadParameter("missing parameter Processor")
	}
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.Grace <= 0 {
		c.Grace = 15 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Checker sweeps the registry for checkables whose results went stale.
type Checker struct {
	Config

	// start anchors expiration for results that predate this process.
	start time.Time
}

// NewChecker validates cfg and builds a checker.
func NewChecker(cfg Config) (*Checker, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Checker{Config: cfg, start: cfg.Clock.Now()}, nil
}

// Run sweeps on the configured cadence until the context ends.
func (c *Checker) Run(ctx context.Context) error {
	log.Infof("Freshness checker running, sweeping every %v.", c.Interval)
	ticker := c.Clock.NewTicker(c.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			if n := c.Sweep(c.Clock.Now()); n > 0 {
				log.Infof("Freshness sweep found %d stale checkables.", n)
			}
		}
	}
}

type action int

const (
	actionNone action = iota
	actionForce
	actionSynthetic
)

// Sweep examines every checkable once and handles the stale ones.
// Returns how many were stale.
func (c *Checker) Sweep(now time.Time) int {
	stale := 0
	for _, chk := range c.Store.Checkables() {
		act, age := c.classify(chk, now)
		switch act {
		case actionNone:
			continue
		case actionForce:
			log.Infof("Result of %v is stale (%v old), forcing a check.", chk.Name(), age.Round(time.Second))
			events := c.Store.Events()
			events.EmitFlagChanged(chk, objects.FlagForceNextCheck, true, objects.Origin{})
			events.EmitNextCheckChanged(chk, now, objects.Origin{})
			forcedChecks.Inc()
		case actionSynthetic:
			c.injectStaleResult(chk, now, age)
			staleResults.Inc()
		}
		stale++
	}
	return stale
}

// classify decides under the checkable's lock. The forced path flips
// ForceNextCheck inside the same critical section so a concurrent
// sweep cannot force twice; events fire after the lock drops.
func (c *Checker) classify(chk *objects.Checkable, now time.Time) (action, time.Duration) {
	chk.Lock()
	defer chk.Unlock()

	// Actively checked objects refresh themselves through the
	// scheduler; freshness guards the passive-only ones.
	if chk.ActiveChecksEnabled || !chk.PassiveChecksEnabled {
		return actionNone, 0
	}
	if chk.CheckAuthority != "" && chk.CheckAuthority != c.Program.Identity {
		return actionNone, 0
	}
	if chk.ForceNextCheck {
		return actionNone, 0
	}

	threshold := chk.CheckInterval
	if !chk.IsStateOK(chk.State) && chk.StateType == objects.StateTypeSoft {
		threshold = chk.RetryInterval
	}
	if threshold <= 0 {
		return actionNone, 0
	}
	threshold += time.Duration(chk.Latency*float64(time.Second)) + c.Grace

	expiration := chk.LastCheck.Add(threshold)
	switch {
	case chk.LastCheck.IsZero():
		expiration = c.start.Add(threshold)
	case chk.LastCheck.Before(c.start):
		if c.start.Sub(chk.LastCheck) > time.Duration(goldenRatio*float64(threshold)) {
			expiration = c.start.Add(threshold)
		}
	}
	if !now.After(expiration) {
		return actionNone, 0
	}

	age := now.Sub(chk.LastCheck)
	if chk.LastCheck.IsZero() {
		age = now.Sub(c.start)
	}
	if chk.CheckCommandName != "" {
		chk.ForceNextCheck = true
		chk.NextCheck = now
		return actionForce, age
	}
	return actionSynthetic, age
}

// injectStaleResult runs a synthetic result through the regular passive
// path: UNKNOWN for services, DOWN for hosts.
func (c *Checker) injectStaleResult(chk *objects.Checkable, now time.Time, age time.Duration) {
	exit := 3
	if chk.IsHost() {
		exit = 1
	}
	cr := &objects.CheckResult{
		ScheduleStart:  now,
		ScheduleEnd:    now,
		ExecutionStart: now,
		ExecutionEnd:   now,
		ExitStatus:     exit,
		Active:         false,
		CheckSource:    c.Program.Identity,
	}
	checker.ApplyOutput(cr, fmt.Sprintf("Check result is stale: no result received for %v", age.Round(time.Second)))
	if err := c.Processor.ProcessResult(chk, cr, objects.Origin{}); err != nil {
		log.WithError(err).Warnf("Failed to process stale result for %v.", chk.Name())
	}
}
