package objects

import (
	"sync"
	"time"
)

// Endpoint is a cluster peer. The name must match the CN of the peer's
// certificate. Connection state and log positions are runtime attributes
// maintained by the cluster layer under the endpoint's own lock.
type Endpoint struct {
	mu sync.Mutex

	Name string
	Host string
	Port int

	// Runtime, guarded by mu.
	Connected          bool
	LastSeen           time.Time
	LocalLogPosition   float64 // highest log ts the peer acknowledged receiving from us
	RemoteLogPosition  float64 // highest message ts received from the peer
	BlockedUntil       time.Time
	Syncing            bool
	Features           EndpointFeature
	ConnectedEndpoints []string
}

// Lock acquires the endpoint lock.
func (e *Endpoint) Lock() { e.mu.Lock() }

// Unlock releases the endpoint lock.
func (e *Endpoint) Unlock() { e.mu.Unlock() }

// SeenNow stamps the peer as alive at t.
func (e *Endpoint) SeenNow(t time.Time) {
	e.mu.Lock()
	e.LastSeen = t
	e.mu.Unlock()
}

// Fresh reports whether the peer heartbeat is within maxAge of now.
func (e *Endpoint) Fresh(now time.Time, maxAge time.Duration) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.LastSeen.IsZero() && now.Sub(e.LastSeen) <= maxAge
}

// Blocked reports whether relaying to this peer is suppressed at now.
func (e *Endpoint) Blocked(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.BlockedUntil.After(now)
}

// AdvanceLocalLogPosition raises the acknowledged position, never lowering it.
func (e *Endpoint) AdvanceLocalLogPosition(ts float64) {
	e.mu.Lock()
	if ts > e.LocalLogPosition {
		e.LocalLogPosition = ts
	}
	e.mu.Unlock()
}

// AcceptRemoteTs reports whether a message stamped ts from this peer
// should be dispatched, and whether the dedup position moved far enough
// that the peer is owed a log position acknowledgement. The position
// advances in leaps of at least leap seconds; messages stamped between
// the position and the newest observed ts still dispatch, which keeps
// relayed messages from slightly lagging clocks alive.
func (e *Endpoint) AcceptRemoteTs(ts, leap float64) (dispatch, ack bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ts < e.RemoteLogPosition {
		return false, false
	}
	if ts > e.RemoteLogPosition+leap {
		e.RemoteLogPosition = ts
		return true, true
	}
	return true, false
}

// SnapshotState copies the runtime fields for status reporting.
func (e *Endpoint) SnapshotState() (connected bool, lastSeen time.Time, localPos float64, syncing bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Connected, e.LastSeen, e.LocalLogPosition, e.Syncing
}
