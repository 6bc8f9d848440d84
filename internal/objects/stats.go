package objects

import (
	"sync"
	"sync/atomic"
	"time"
)

// rateBuckets is the window width of a RateCounter in minutes.
const rateBuckets = 15

// RateCounter counts events into per-minute buckets so callers can read
// decayed 1/5/15 minute rates without locking. Mark is a pair of atomic ops.
type RateCounter struct {
	buckets [rateBuckets]atomic.Int64
	// minute index the current bucket belongs to, unix minutes
	current atomic.Int64
}

// Mark records one event at time now.
func (r *RateCounter) Mark(now time.Time) {
	minute := now.Unix() / 60
	idx := int(minute % rateBuckets)
	prev := r.current.Load()
	if prev != minute && r.current.CompareAndSwap(prev, minute) {
		// Entering a new minute: clear every bucket that aged out since the
		// previous mark.
		gap := minute - prev
		if prev == 0 || gap >= rateBuckets {
			gap = rateBuckets
		}
		for i := int64(1); i <= gap; i++ {
			r.buckets[int((prev+i)%rateBuckets)].Store(0)
		}
	}
	r.buckets[idx].Add(1)
}

// Rate sums the events of the trailing window minutes (capped at 15).
func (r *RateCounter) Rate(now time.Time, window int) int64 {
	if window > rateBuckets {
		window = rateBuckets
	}
	minute := now.Unix() / 60
	last := r.current.Load()
	var sum int64
	for i := 0; i < window; i++ {
		m := minute - int64(i)
		// Buckets older than the last mark still hold stale counts; skip
		// anything outside the marked window.
		if last != 0 && m > last {
			continue
		}
		if last != 0 && last-m >= rateBuckets {
			break
		}
		sum += r.buckets[int(m%rateBuckets)].Load()
	}
	return sum
}

// Program carries the process-level runtime: identity, start time, and the
// global feature switches mutable via external commands and replication.
type Program struct {
	mu sync.Mutex

	PID       int
	Version   string
	StartTime time.Time
	Identity  string // local endpoint name

	enableNotifications bool
	enableFlapDetection bool
	enableEventHandlers bool
	enableActiveChecks  bool
	enablePassiveChecks bool
	processPerfData     bool

	ChecksRate        RateCounter
	NotificationsRate RateCounter
}

// NewProgram returns program state with every feature enabled.
func NewProgram(version, identity string, pid int, start time.Time) *Program {
	return &Program{
		PID:                 pid,
		Version:             version,
		StartTime:           start,
		Identity:            identity,
		enableNotifications: true,
		enableFlapDetection: true,
		enableEventHandlers: true,
		enableActiveChecks:  true,
		enablePassiveChecks: true,
		processPerfData:     true,
	}
}

func (p *Program) NotificationsEnabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enableNotifications
}

func (p *Program) SetNotificationsEnabled(v bool) {
	p.mu.Lock()
	p.enableNotifications = v
	p.mu.Unlock()
}

func (p *Program) FlapDetectionEnabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enableFlapDetection
}

func (p *Program) SetFlapDetectionEnabled(v bool) {
	p.mu.Lock()
	p.enableFlapDetection = v
	p.mu.Unlock()
}

func (p *Program) EventHandlersEnabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enableEventHandlers
}

func (p *Program) SetEventHandlersEnabled(v bool) {
	p.mu.Lock()
	p.enableEventHandlers = v
	p.mu.Unlock()
}

func (p *Program) ActiveChecksEnabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enableActiveChecks
}

func (p *Program) SetActiveChecksEnabled(v bool) {
	p.mu.Lock()
	p.enableActiveChecks = v
	p.mu.Unlock()
}

func (p *Program) PassiveChecksEnabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enablePassiveChecks
}

func (p *Program) SetPassiveChecksEnabled(v bool) {
	p.mu.Lock()
	p.enablePassiveChecks = v
	p.mu.Unlock()
}

func (p *Program) PerfDataEnabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.processPerfData
}

func (p *Program) SetPerfDataEnabled(v bool) {
	p.mu.Lock()
	p.processPerfData = v
	p.mu.Unlock()
}
