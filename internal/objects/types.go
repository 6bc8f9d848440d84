// Package objects holds the typed object model and the registry that owns it:
// checkables, users, notifications, endpoints, and the event bus the rest of
// the daemon hangs off.
package objects

import (
	"strconv"
	"strings"
	"time"
)

// Object type names as they appear in the registry, in cluster messages and
// in the authority hash.
const (
	TypeHost         = "Host"
	TypeService      = "Service"
	TypeUser         = "User"
	TypeUserGroup    = "UserGroup"
	TypeNotification = "Notification"
	TypeCommand      = "Command"
	TypeTimeperiod   = "Timeperiod"
	TypeEndpoint     = "Endpoint"
	TypeDomain       = "Domain"
	TypeDependency   = "Dependency"
)

// State is a checkable state. Hosts use Up/Down, services OK through Unknown;
// the numeric values double as plugin exit codes for services.
type State int

const (
	StateOK       State = 0
	StateWarning  State = 1
	StateCritical State = 2
	StateUnknown  State = 3

	HostUp   State = 0
	HostDown State = 1
)

// StateType distinguishes unconfirmed (soft) from confirmed (hard) states.
type StateType int

const (
	StateTypeSoft StateType = 0
	StateTypeHard StateType = 1
)

// StateFilter is a bitmask over checkable states used by notifications,
// users and dependencies.
type StateFilter int

const (
	FilterOK       StateFilter = 1
	FilterWarning  StateFilter = 2
	FilterCritical StateFilter = 4
	FilterUnknown  StateFilter = 8
	FilterUp       StateFilter = 16
	FilterDown     StateFilter = 32

	FilterServiceAll = FilterOK | FilterWarning | FilterCritical | FilterUnknown
	FilterHostAll    = FilterUp | FilterDown
	FilterStateAll   = FilterServiceAll | FilterHostAll
)

// NotificationType enumerates the reasons a notification fires. Type filters
// are bitmasks of 1<<type.
type NotificationType int

const (
	NotificationDowntimeStart   NotificationType = 0
	NotificationDowntimeEnd     NotificationType = 1
	NotificationDowntimeRemoved NotificationType = 2
	NotificationCustom          NotificationType = 3
	NotificationAcknowledgement NotificationType = 4
	NotificationProblem         NotificationType = 5
	NotificationRecovery        NotificationType = 6
	NotificationFlappingStart   NotificationType = 7
	NotificationFlappingEnd     NotificationType = 8
)

// TypeFilter is a bitmask over NotificationType values.
type TypeFilter int

const TypeFilterAll TypeFilter = 1<<9 - 1

// Bit returns the filter bit for a notification type.
func (t NotificationType) Bit() TypeFilter { return 1 << t }

// String returns the wire and log name for a notification type.
func (t NotificationType) String() string {
	switch t {
	case NotificationDowntimeStart:
		return "DOWNTIMESTART"
	case NotificationDowntimeEnd:
		return "DOWNTIMEEND"
	case NotificationDowntimeRemoved:
		return "DOWNTIMECANCELLED"
	case NotificationCustom:
		return "CUSTOM"
	case NotificationAcknowledgement:
		return "ACKNOWLEDGEMENT"
	case NotificationProblem:
		return "PROBLEM"
	case NotificationRecovery:
		return "RECOVERY"
	case NotificationFlappingStart:
		return "FLAPPINGSTART"
	case NotificationFlappingEnd:
		return "FLAPPINGEND"
	}
	return "UNKNOWN"
}

// AckType is the acknowledgement kind on a checkable.
type AckType int

const (
	AckNone   AckType = 0
	AckNormal AckType = 1
	AckSticky AckType = 2
)

// Acknowledgement records an operator acknowledgement of a problem. A zero
// Expiry never expires.
type Acknowledgement struct {
	Type    AckType
	Author  string
	Comment string
	Time    time.Time
	Expiry  time.Time
}

// Expired reports whether a non-zero expiry has been crossed.
func (a Acknowledgement) Expired(now time.Time) bool {
	return a.Type != AckNone && !a.Expiry.IsZero() && now.After(a.Expiry)
}

// CommentEntryType says what put a comment on a checkable.
type CommentEntryType int

const (
	CommentUser            CommentEntryType = 1
	CommentDowntime        CommentEntryType = 2
	CommentFlapping        CommentEntryType = 3
	CommentAcknowledgement CommentEntryType = 4
)

// Comment is an operator or system annotation on a checkable. Comments are
// owned by their checkable and die with it.
type Comment struct {
	ID         string
	LegacyID   uint64
	Kind       string // TypeHost or TypeService
	ParentName string
	Author     string
	Text       string
	EntryType  CommentEntryType
	EntryTime  time.Time
	ExpireTime time.Time
}

// Expired reports whether a non-zero expire time has been crossed.
func (c *Comment) Expired(now time.Time) bool {
	return !c.ExpireTime.IsZero() && c.ExpireTime.Before(now)
}

// Downtime is a scheduled notification-suppression window on a checkable.
// Fixed downtimes are in effect for exactly [StartTime, EndTime]; flexible
// downtimes arm during that window and run for Duration once triggered by a
// non-OK result. Downtimes are owned by their checkable.
type Downtime struct {
	ID           string
	LegacyID     uint64
	Kind         string
	ParentName   string
	Author       string
	CommentText  string
	CommentID    string
	EntryTime    time.Time
	StartTime    time.Time
	EndTime      time.Time
	Fixed        bool
	Duration     time.Duration
	TriggeredBy  string // ID of the downtime that cascades into this one
	TriggerTime  time.Time
	Active       bool
	WasCancelled bool
	ScheduledBy  string
}

// InEffect reports whether the downtime suppresses notifications at t.
func (d *Downtime) InEffect(t time.Time) bool {
	if d.WasCancelled {
		return false
	}
	if d.Fixed {
		return !t.Before(d.StartTime) && !t.After(d.EndTime)
	}
	if d.TriggerTime.IsZero() {
		return false
	}
	return !t.Before(d.TriggerTime) && t.Before(d.TriggerTime.Add(d.Duration))
}

// CanTrigger reports whether a flexible downtime may arm at t.
func (d *Downtime) CanTrigger(t time.Time) bool {
	if d.Fixed || d.WasCancelled || !d.TriggerTime.IsZero() {
		return false
	}
	return !t.Before(d.StartTime) && !t.After(d.EndTime)
}

// Expired reports whether the downtime can be swept. A triggered flexible
// downtime expires as soon as its duration is spent, even before end_time.
func (d *Downtime) Expired(t time.Time) bool {
	if d.WasCancelled {
		return true
	}
	if !d.Fixed && !d.TriggerTime.IsZero() {
		return !d.InEffect(t)
	}
	return t.After(d.EndTime)
}

// Command is an executable template for checks, notifications and event
// handlers. Exactly one of Line (shell form) or Argv (direct exec) is set.
type Command struct {
	Name    string
	Line    string
	Argv    []string
	Env     map[string]string
	Timeout time.Duration
}

// Notification binds a checkable to a set of users and delivery rules. The
// registry owns Notification objects; checkables refer to them by name.
type Notification struct {
	Name        string
	Kind        string // parent checkable type
	ParentName  string
	CommandName string
	UserNames   []string
	GroupNames  []string
	PeriodName  string
	StateFilter StateFilter
	TypeFilter  TypeFilter
	Interval    time.Duration
	TimesBegin  time.Duration // escalation window start, relative to last hard change
	TimesEnd    time.Duration // escalation window end; zero = unbounded

	// Runtime, guarded by the parent checkable's lock.
	LastNotification        time.Time
	LastProblemNotification time.Time
	NextNotification        time.Time
	NotificationNumber      int
}

// User is a notification recipient.
type User struct {
	Name                string
	DisplayName         string
	PeriodName          string
	StateFilter         StateFilter
	TypeFilter          TypeFilter
	EnableNotifications bool
	Email               string
	Pager               string
	Vars                map[string]string
	GroupNames          []string
}

// UserGroup is a named set of users. Members are resolved at config load,
// including apply-rule assignments.
type UserGroup struct {
	Name        string
	DisplayName string
	Members     []string
}

// EndpointFeature is the feature bitmap advertised in heartbeats.
type EndpointFeature int

const (
	FeatureChecker       EndpointFeature = 1 << 0
	FeatureNotifications EndpointFeature = 1 << 1
)

// Has reports whether all bits in want are set.
func (f EndpointFeature) Has(want EndpointFeature) bool { return f&want == want }

// String names the feature bits for logs.
func (f EndpointFeature) String() string {
	switch f {
	case FeatureChecker:
		return "checker"
	case FeatureNotifications:
		return "notifications"
	case FeatureChecker | FeatureNotifications:
		return "checker|notifications"
	}
	return "none"
}

// Domain grants per-endpoint privileges over its member objects.
type Domain struct {
	Name string
	ACL  map[string]int // endpoint name -> privilege mask
}

// Privilege bits carried in message security sections.
const (
	PrivRead    = 1 << 0
	PrivCommand = 1 << 1
	PrivAll     = PrivRead | PrivCommand
)

// Dependency is a child→parent edge gating check execution and/or
// notifications on the parent's state.
type Dependency struct {
	Name                 string
	ChildKind            string
	ChildName            string
	ParentKind           string
	ParentName           string
	StateFilter          StateFilter // parent states that keep the child reachable
	PeriodName           string
	DisableChecks        bool
	DisableNotifications bool
}

// StateSnapshot captures the observable state-machine coordinates of a
// checkable around result processing.
type StateSnapshot struct {
	State     State
	StateType StateType
	Attempt   int
	Reachable bool
}

// CheckResult is the immutable outcome of one check execution, active or
// passive.
type CheckResult struct {
	ScheduleStart  time.Time
	ScheduleEnd    time.Time
	ExecutionStart time.Time
	ExecutionEnd   time.Time
	ExitStatus     int
	Output         string
	LongOutput     string
	PerfData       []PerfValue
	CheckSource    string
	Active         bool
	VarsBefore     *StateSnapshot
	VarsAfter      *StateSnapshot
}

// Latency is the scheduling delay in seconds.
func (cr *CheckResult) Latency() float64 {
	if cr.ExecutionStart.IsZero() || cr.ScheduleStart.IsZero() {
		return 0
	}
	return cr.ExecutionStart.Sub(cr.ScheduleStart).Seconds()
}

// ExecutionTime is the plugin runtime in seconds.
func (cr *CheckResult) ExecutionTime() float64 {
	if cr.ExecutionEnd.IsZero() || cr.ExecutionStart.IsZero() {
		return 0
	}
	return cr.ExecutionEnd.Sub(cr.ExecutionStart).Seconds()
}

// NoStateChange reports whether processing left every observable coordinate
// untouched; such results emit no state-change event and no notification.
func (cr *CheckResult) NoStateChange() bool {
	if cr.VarsBefore == nil || cr.VarsAfter == nil {
		return false
	}
	return *cr.VarsBefore == *cr.VarsAfter
}

// PerfValue is one parsed performance-data token.
type PerfValue struct {
	Label string
	Value float64
	Unit  string
	Warn  string
	Crit  string
	Min   string
	Max   string
}

// String renders the token back to plugin format, quoting labels that
// contain spaces and trimming empty trailing fields.
func (p PerfValue) String() string {
	label := p.Label
	if strings.ContainsAny(label, " =") {
		label = "'" + label + "'"
	}
	s := label + "=" + strconv.FormatFloat(p.Value, 'f', -1, 64) + p.Unit
	tail := []string{p.Warn, p.Crit, p.Min, p.Max}
	last := -1
	for i, f := range tail {
		if f != "" {
			last = i
		}
	}
	for i := 0; i <= last; i++ {
		s += ";" + tail[i]
	}
	return s
}

// PerfDataString renders all performance values space-separated.
func (cr *CheckResult) PerfDataString() string {
	parts := make([]string, 0, len(cr.PerfData))
	for _, p := range cr.PerfData {
		parts = append(parts, p.String())
	}
	return strings.Join(parts, " ")
}
