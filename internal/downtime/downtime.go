// Package downtime manages the scheduled-downtime and comment sets owned by
// checkables: scheduling and cancellation, flexible-downtime triggering,
// trigger cascades and the periodic sweep that collects expired entries.
package downtime

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/oceanplexian/vigil/internal/objects"
)

var log = logrus.WithField(trace.Component, "vigil:downtime")

// Config holds the manager dependencies.
type Config struct {
	// Store is the object registry the managed checkables live in.
	Store *objects.Store
	// SweepInterval is how often expired downtimes, comments and
	// acknowledgements are collected.
	SweepInterval time.Duration
	// Clock is the time source, swappable in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Manager owns downtime and comment lifecycle for every checkable in the
// store. Mutations go through the manager so that legacy IDs stay unique and
// every change is announced on the event bus.
type Manager struct {
	Config

	events *objects.Events

	nextDowntimeID atomic.Uint64
	nextCommentID  atomic.Uint64
}

// NewManager builds a manager and wires it to the store's event bus: state
// changes arm flexible downtimes, cleared acknowledgements take their
// comments with them.
func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	m := &Manager{
		Config: cfg,
		events: cfg.Store.Events(),
	}
	m.events.OnStateChange(m.handleStateChange)
	m.events.OnAckCleared(func(c *objects.Checkable, origin objects.Origin) {
		m.RemoveAckComments(c, origin)
	})
	return m, nil
}

// ScheduleDowntime validates and registers a downtime on c, attaches the
// describing comment and announces both. Replicated downtimes arrive with
// their GUID already set; locally scheduled ones get a fresh one.
func (m *Manager) ScheduleDowntime(c *objects.Checkable, d *objects.Downtime, origin objects.Origin) (*objects.Downtime, error) {
	if !d.EndTime.After(d.StartTime) {
		return nil, trace.BadParameter("downtime on %v ends %v, before it starts %v", c.Name(), d.EndTime, d.StartTime)
	}
	if !d.Fixed && d.Duration <= 0 {
		return nil, trace.BadParameter("flexible downtime on %v needs a positive duration", c.Name())
	}

	now := m.Clock.Now()
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.LegacyID == 0 {
		d.LegacyID = m.nextDowntimeID.Add(1)
	} else {
		bumpCounter(&m.nextDowntimeID, d.LegacyID)
	}
	if d.EntryTime.IsZero() {
		d.EntryTime = now
	}
	d.Kind = c.Kind
	d.ParentName = c.Name()

	comment := &objects.Comment{
		Kind:       c.Kind,
		ParentName: c.Name(),
		Author:     d.Author,
		Text:       downtimeCommentText(c, d),
		EntryType:  objects.CommentDowntime,
		EntryTime:  d.EntryTime,
	}
	m.fillComment(comment, now)
	d.CommentID = comment.ID

	c.Lock()
	if _, ok := c.Downtimes[d.ID]; ok {
		c.Unlock()
		return nil, trace.AlreadyExists("downtime %v already scheduled on %v", d.ID, c.Name())
	}
	c.Downtimes[d.ID] = d
	c.Comments[comment.ID] = comment
	c.Unlock()

	log.Debugf("Scheduled downtime %v (#%v) on %v.", d.ID, d.LegacyID, c.Name())
	m.events.EmitCommentAdded(c, comment, origin)
	m.events.EmitDowntimeAdded(c, d, origin)

	// A fixed window that is already open starts immediately.
	if d.Fixed && d.InEffect(now) {
		m.startDowntime(c, d, now)
	}
	return d, nil
}

// RemoveDowntime takes a downtime off c, cancelling it if asked, and removes
// every downtime it triggered. The attached comment goes with it.
func (m *Manager) RemoveDowntime(c *objects.Checkable, id string, cancelled bool, origin objects.Origin) error {
	c.Lock()
	d, ok := c.Downtimes[id]
	if !ok {
		c.Unlock()
		return trace.NotFound("downtime %v not found on %v", id, c.Name())
	}
	if cancelled {
		d.WasCancelled = true
	}
	d.Active = false
	delete(c.Downtimes, id)
	comment := c.Comments[d.CommentID]
	delete(c.Comments, d.CommentID)
	c.Unlock()

	if comment != nil {
		m.events.EmitCommentRemoved(c, comment, origin)
	}
	log.Debugf("Removed downtime %v from %v (cancelled=%v).", d.ID, c.Name(), cancelled)
	m.events.EmitDowntimeRemoved(c, d, origin)

	for _, ref := range m.triggeredBy(d.ID) {
		if err := m.RemoveDowntime(ref.owner, ref.downtime.ID, cancelled, origin); err != nil {
			log.WithError(err).Debugf("Cascaded removal of %v failed.", ref.downtime.ID)
		}
	}
	return nil
}

// RemoveDowntimesFor drops every downtime on c, used when an object is
// deleted or an operator clears the whole set.
func (m *Manager) RemoveDowntimesFor(c *objects.Checkable, cancelled bool, origin objects.Origin) {
	c.Lock()
	ids := make([]string, 0, len(c.Downtimes))
	for id := range c.Downtimes {
		ids = append(ids, id)
	}
	c.Unlock()
	for _, id := range ids {
		if err := m.RemoveDowntime(c, id, cancelled, origin); err != nil && !trace.IsNotFound(err) {
			log.WithError(err).Warnf("Failed to remove downtime %v from %v.", id, c.Name())
		}
	}
}

// RestoreDowntime reattaches a persisted downtime to c without announcing it
// on the bus. The ID counter advances past the restored entry so new
// downtimes stay unique.
func (m *Manager) RestoreDowntime(c *objects.Checkable, d *objects.Downtime) {
	if d.LegacyID != 0 {
		bumpCounter(&m.nextDowntimeID, d.LegacyID)
	}
	c.Lock()
	c.Downtimes[d.ID] = d
	c.Unlock()
}

// TriggerFlexible arms every flexible downtime on c whose window covers now.
// Called on each transition into a hard problem state.
func (m *Manager) TriggerFlexible(c *objects.Checkable, now time.Time) {
	c.Lock()
	var armed []*objects.Downtime
	for _, d := range c.Downtimes {
		if d.TriggeredBy != "" {
			continue
		}
		if d.CanTrigger(now) {
			armed = append(armed, d)
		}
	}
	c.Unlock()
	for _, d := range armed {
		m.startDowntime(c, d, now)
	}
}

// FindDowntimeByLegacyID resolves the numeric ID used by the external command
// interface to the owning checkable and downtime.
func (m *Manager) FindDowntimeByLegacyID(id uint64) (*objects.Checkable, *objects.Downtime, bool) {
	for _, c := range m.Store.Checkables() {
		c.Lock()
		for _, d := range c.Downtimes {
			if d.LegacyID == id {
				c.Unlock()
				return c, d, true
			}
		}
		c.Unlock()
	}
	return nil, nil, false
}

// DowntimesFor returns c's downtimes ordered by start time, untriggered
// entries first on ties.
func (m *Manager) DowntimesFor(c *objects.Checkable) []*objects.Downtime {
	c.Lock()
	out := make([]*objects.Downtime, 0, len(c.Downtimes))
	for _, d := range c.Downtimes {
		out = append(out, d)
	}
	c.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].TriggeredBy == "" && out[j].TriggeredBy != ""
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

// Run sweeps on SweepInterval until the context is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	ticker := m.Clock.NewTicker(m.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			m.Sweep(m.Clock.Now())
		}
	}
}

// Sweep walks every checkable once: fixed downtimes whose window has opened
// are started, expired downtimes and comments are collected, and expired
// acknowledgements are cleared.
func (m *Manager) Sweep(now time.Time) {
	for _, c := range m.Store.Checkables() {
		m.sweepCheckable(c, now)
	}
}

func (m *Manager) sweepCheckable(c *objects.Checkable, now time.Time) {
	var toStart []*objects.Downtime
	var expired []string
	var staleComments []*objects.Comment
	ackExpired := false

	c.Lock()
	for _, d := range c.Downtimes {
		switch {
		case d.Expired(now):
			expired = append(expired, d.ID)
		case d.Fixed && !d.Active && d.InEffect(now):
			toStart = append(toStart, d)
		}
	}
	for id, cm := range c.Comments {
		if cm.Expired(now) {
			staleComments = append(staleComments, cm)
			delete(c.Comments, id)
		}
	}
	if c.Ack.Expired(now) {
		c.Ack = objects.Acknowledgement{}
		ackExpired = true
	}
	c.Unlock()

	for _, cm := range staleComments {
		m.events.EmitCommentRemoved(c, cm, objects.Origin{})
	}
	for _, d := range toStart {
		m.startDowntime(c, d, now)
	}
	for _, id := range expired {
		if err := m.RemoveDowntime(c, id, false, objects.Origin{}); err != nil && !trace.IsNotFound(err) {
			log.WithError(err).Warnf("Failed to expire downtime %v on %v.", id, c.Name())
		}
	}
	if ackExpired {
		log.Infof("Acknowledgement on %v expired.", c.Name())
		m.events.EmitAckCleared(c, objects.Origin{})
	}
}

// startDowntime marks d active, stamps the trigger time and cascades into
// downtimes scheduled with d as their trigger.
func (m *Manager) startDowntime(c *objects.Checkable, d *objects.Downtime, now time.Time) {
	c.Lock()
	if d.Active || d.WasCancelled {
		c.Unlock()
		return
	}
	d.Active = true
	if d.TriggerTime.IsZero() {
		d.TriggerTime = now
	}
	c.Unlock()

	log.Infof("Downtime %v on %v started.", d.ID, c.Name())
	m.events.EmitDowntimeTriggered(c, d)

	for _, ref := range m.triggeredBy(d.ID) {
		m.startDowntime(ref.owner, ref.downtime, now)
	}
}

type downtimeRef struct {
	owner    *objects.Checkable
	downtime *objects.Downtime
}

// triggeredBy collects downtimes across the store whose TriggeredBy names id.
// Cascades may span checkables, a host downtime commonly drags its service
// downtimes along.
func (m *Manager) triggeredBy(id string) []downtimeRef {
	var refs []downtimeRef
	for _, c := range m.Store.Checkables() {
		c.Lock()
		for _, d := range c.Downtimes {
			if d.TriggeredBy == id {
				refs = append(refs, downtimeRef{owner: c, downtime: d})
			}
		}
		c.Unlock()
	}
	return refs
}

func (m *Manager) handleStateChange(c *objects.Checkable, cr *objects.CheckResult, origin objects.Origin) {
	c.Lock()
	hardProblem := c.StateType == objects.StateTypeHard && !c.IsStateOK(c.State)
	c.Unlock()
	if hardProblem {
		m.TriggerFlexible(c, m.Clock.Now())
	}
}

func downtimeCommentText(c *objects.Checkable, d *objects.Downtime) string {
	kind := "host"
	if !c.IsHost() {
		kind = "service"
	}
	if d.Fixed {
		return fmt.Sprintf("This %s has been scheduled for fixed downtime from %s to %s.",
			kind, d.StartTime.Format(time.RFC3339), d.EndTime.Format(time.RFC3339))
	}
	return fmt.Sprintf("This %s has been scheduled for flexible downtime starting between %s and %s and lasting for %s.",
		kind, d.StartTime.Format(time.RFC3339), d.EndTime.Format(time.RFC3339), d.Duration)
}

// bumpCounter keeps a legacy ID counter ahead of an externally supplied ID,
// used when replicated or restored entries carry their numbers with them.
func bumpCounter(counter *atomic.Uint64, seen uint64) {
	for {
		cur := counter.Load()
		if seen < cur {
			return
		}
		if counter.CompareAndSwap(cur, seen) {
			return
		}
	}
}
