// Package dependency evaluates reachability over the child-to-parent edges
// registered in the object store.
package dependency

import (
	"time"

	"github.com/oceanplexian/vigil/internal/objects"
)

// Purpose selects which gate of a dependency edge is being asked about.
type Purpose int

const (
	// PurposeCheck asks whether active checks should run.
	PurposeCheck Purpose = iota
	// PurposeNotification asks whether notifications may be sent.
	PurposeNotification
)

// Checker walks dependency edges. Parents are read without their locks;
// reachability is advisory and the state machine tolerates stale answers.
type Checker struct {
	Store *objects.Store

	// SoftStateDeps evaluates parents on their current state even while a
	// state change is still soft. Off, the last hard state counts.
	SoftStateDeps bool
}

// Reachable reports whether every dependency gating the purpose is
// satisfied for c at now. A checkable with no gating dependencies is
// always reachable.
func (ch *Checker) Reachable(c *objects.Checkable, purpose Purpose, now time.Time) bool {
	return ch.reachable(c, purpose, now, make(map[*objects.Checkable]bool))
}

func (ch *Checker) reachable(c *objects.Checkable, purpose Purpose, now time.Time, visited map[*objects.Checkable]bool) bool {
	if visited[c] {
		// Cycle guard: an edge loop never makes anything unreachable.
		return true
	}
	visited[c] = true

	for _, dep := range ch.Store.DependenciesFor(c) {
		if !gates(dep, purpose) {
			continue
		}
		if dep.PeriodName != "" && !ch.Store.InPeriod(dep.PeriodName, now) {
			continue
		}
		parent, err := ch.Store.Resolve(dep.ParentKind, dep.ParentName)
		if err != nil {
			continue
		}
		if !ch.reachable(parent, purpose, now, visited) {
			return false
		}
		if !ch.satisfied(dep, parent) {
			return false
		}
	}
	return true
}

func gates(d *objects.Dependency, purpose Purpose) bool {
	switch purpose {
	case PurposeCheck:
		return d.DisableChecks
	case PurposeNotification:
		return d.DisableNotifications
	}
	return false
}

// satisfied reports whether the parent sits in a state that keeps the
// child reachable.
func (ch *Checker) satisfied(d *objects.Dependency, parent *objects.Checkable) bool {
	state := parent.State
	if parent.StateType == objects.StateTypeSoft && !ch.SoftStateDeps {
		state = parent.LastHardState
	}

	filter := d.StateFilter
	if filter == 0 {
		// Unset filters fall back to the healthy states of the parent's
		// variant: Up for hosts, OK or Warning for services.
		if parent.IsHost() {
			filter = objects.FilterUp
		} else {
			filter = objects.FilterOK | objects.FilterWarning
		}
	}
	return filter&parent.FilterBit(state) != 0
}
