package objects

import (
	"sync"
	"time"
)

// Checkable is the shared monitoring core of hosts and services: check
// wiring, the state-machine coordinates, flap counters, acknowledgement and
// the owned downtime/comment sets. Host and Service embed it; the registry
// hands out *Checkable for everything that does not care about the variant.
//
// Mutable fields are guarded by the checkable's own lock. The state machine
// holds only this lock while transitioning; lock order is always
// checkable-then-store, never the reverse.
type Checkable struct {
	mu sync.Mutex

	// Identity. Kind is TypeHost or TypeService; ServiceName is empty for
	// hosts.
	Kind        string
	HostName    string
	ServiceName string
	DisplayName string

	// Check wiring.
	CheckCommandName string
	MaxCheckAttempts int
	CheckInterval    time.Duration
	RetryInterval    time.Duration
	CheckPeriodName  string
	CheckTimeout     time.Duration // zero falls back to the command's timeout
	EventHandlerName string

	// Per-checkable feature switches.
	ActiveChecksEnabled  bool
	PassiveChecksEnabled bool
	NotificationsEnabled bool
	FlapDetectionEnabled bool
	EventHandlerEnabled  bool
	ProcessPerfData      bool
	FlapThreshold        float64 // state-change percent above which the checkable flaps

	// Cluster placement.
	DomainNames []string
	Authorities []string // endpoint names allowed to own this object; empty = all

	Vars map[string]string

	// State machine, guarded by mu.
	State                 State
	StateType             StateType
	Attempt               int
	HasBeenChecked        bool
	LastCheckResult       *CheckResult
	LastCheck             time.Time
	NextCheck             time.Time
	ForceNextCheck        bool
	ForceNextNotification bool
	LastStateChange       time.Time
	LastHardStateChange   time.Time
	LastHardState         State
	LastStateOK           time.Time
	LastStateWarning      time.Time
	LastStateCritical     time.Time
	LastStateUnknown      time.Time
	LastStateUp           time.Time
	LastStateDown         time.Time
	Latency               float64
	ExecutionTime         float64

	// Flap detection, guarded by mu. Positive and negative are seconds of
	// transition and stability inside the decaying window.
	FlapPositive   float64
	FlapNegative   float64
	FlapLastUpdate time.Time
	Flapping       bool

	Ack Acknowledgement

	// Owned sets, guarded by mu. Keyed by GUID.
	Downtimes map[string]*Downtime
	Comments  map[string]*Comment

	// Weak references; the registry is authoritative.
	NotificationNames []string
	DependencyNames   []string

	// Authority snapshot per feature, refreshed on the cluster tick.
	CheckAuthority  string
	NotifyAuthority string
}

// Lock acquires the per-object lock.
func (c *Checkable) Lock() { c.mu.Lock() }

// Unlock releases the per-object lock.
func (c *Checkable) Unlock() { c.mu.Unlock() }

// Name returns the registry key: the host name, or host!service.
func (c *Checkable) Name() string {
	if c.Kind == TypeService {
		return c.HostName + "!" + c.ServiceName
	}
	return c.HostName
}

// IsHost reports whether the checkable is the host variant.
func (c *Checkable) IsHost() bool { return c.Kind == TypeHost }

// StateFromExit maps a plugin exit status to a state. Hosts collapse every
// non-zero exit to Down; services map codes 0..3 and treat everything else
// as Unknown.
func (c *Checkable) StateFromExit(code int) State {
	if c.IsHost() {
		if code == 0 {
			return HostUp
		}
		return HostDown
	}
	switch code {
	case 0:
		return StateOK
	case 1:
		return StateWarning
	case 2:
		return StateCritical
	case 3:
		return StateUnknown
	default:
		return StateUnknown
	}
}

// IsStateOK reports whether s is the variant's good state.
func (c *Checkable) IsStateOK(s State) bool {
	if c.IsHost() {
		return s == HostUp
	}
	return s == StateOK
}

// StateName renders a state in the variant's vocabulary.
func (c *Checkable) StateName(s State) string {
	if c.IsHost() {
		switch s {
		case HostUp:
			return "UP"
		case HostDown:
			return "DOWN"
		}
		return "UNKNOWN"
	}
	switch s {
	case StateOK:
		return "OK"
	case StateWarning:
		return "WARNING"
	case StateCritical:
		return "CRITICAL"
	case StateUnknown:
		return "UNKNOWN"
	}
	return "UNKNOWN"
}

// FilterBit returns the state-filter bit for state s on this variant.
func (c *Checkable) FilterBit(s State) StateFilter {
	if c.IsHost() {
		if s == HostUp {
			return FilterUp
		}
		return FilterDown
	}
	switch s {
	case StateOK:
		return FilterOK
	case StateWarning:
		return FilterWarning
	case StateCritical:
		return FilterCritical
	default:
		return FilterUnknown
	}
}

// Snapshot captures the state-machine coordinates. Callers hold the lock.
func (c *Checkable) Snapshot(reachable bool) *StateSnapshot {
	return &StateSnapshot{
		State:     c.State,
		StateType: c.StateType,
		Attempt:   c.Attempt,
		Reachable: reachable,
	}
}

// IsProblem reports whether the checkable sits in a non-OK state. Callers
// hold the lock.
func (c *Checkable) IsProblem() bool { return !c.IsStateOK(c.State) }

// IsAcknowledged reports whether an unexpired acknowledgement is present.
// Callers hold the lock.
func (c *Checkable) IsAcknowledged(now time.Time) bool {
	return c.Ack.Type != AckNone && !c.Ack.Expired(now)
}

// DowntimeDepth counts downtimes in effect at t. Callers hold the lock.
func (c *Checkable) DowntimeDepth(t time.Time) int {
	depth := 0
	for _, d := range c.Downtimes {
		if d.InEffect(t) {
			depth++
		}
	}
	return depth
}

// InDowntime reports whether at least one downtime is in effect at t.
// Callers hold the lock.
func (c *Checkable) InDowntime(t time.Time) bool { return c.DowntimeDepth(t) > 0 }

// FlapPercent is the observable state-change percentage of the flap window.
// Callers hold the lock.
func (c *Checkable) FlapPercent() float64 {
	total := c.FlapPositive + c.FlapNegative
	if total <= 0 {
		return 0
	}
	return 100 * c.FlapPositive / total
}

// NextCheckInterval picks the effective interval for the next run:
// retry_interval while confirming a problem, check_interval otherwise.
// Callers hold the lock.
func (c *Checkable) NextCheckInterval() time.Duration {
	if c.IsProblem() && c.StateType == StateTypeSoft {
		if c.RetryInterval > 0 {
			return c.RetryInterval
		}
	}
	return c.CheckInterval
}

// Host is a monitored machine.
type Host struct {
	Checkable

	Address  string
	Address6 string
	Groups   []string
	NotesURL string
}

// Service is a monitored facet of a host.
type Service struct {
	Checkable

	Groups   []string
	NotesURL string
}

// NewHost builds a host with the variant defaults applied.
func NewHost(name string) *Host {
	h := &Host{}
	h.Kind = TypeHost
	h.HostName = name
	h.DisplayName = name
	applyCheckableDefaults(&h.Checkable)
	return h
}

// NewService builds a service bound to a host name.
func NewService(hostName, serviceName string) *Service {
	s := &Service{}
	s.Kind = TypeService
	s.HostName = hostName
	s.ServiceName = serviceName
	s.DisplayName = serviceName
	applyCheckableDefaults(&s.Checkable)
	return s
}

func applyCheckableDefaults(c *Checkable) {
	c.MaxCheckAttempts = 3
	c.CheckInterval = 5 * time.Minute
	c.RetryInterval = time.Minute
	c.ActiveChecksEnabled = true
	c.PassiveChecksEnabled = true
	c.NotificationsEnabled = true
	c.FlapDetectionEnabled = true
	c.ProcessPerfData = true
	c.FlapThreshold = 30
	c.State = StateOK
	c.StateType = StateTypeHard
	c.Attempt = 1
	c.Downtimes = make(map[string]*Downtime)
	c.Comments = make(map[string]*Comment)
	c.Vars = make(map[string]string)
}
