package objects

import (
	"sync"
	"time"
)

// Flag names the per-checkable switches that can be toggled at runtime and
// replicated.
type Flag int

const (
	FlagActiveChecks Flag = iota
	FlagPassiveChecks
	FlagNotifications
	FlagFlapDetection
	FlagForceNextCheck
	FlagForceNextNotification
)

// String returns the wire suffix for a flag toggle.
func (f Flag) String() string {
	switch f {
	case FlagActiveChecks:
		return "active_checks"
	case FlagPassiveChecks:
		return "passive_checks"
	case FlagNotifications:
		return "notifications"
	case FlagFlapDetection:
		return "flap_detection"
	case FlagForceNextCheck:
		return "force_next_check"
	case FlagForceNextNotification:
		return "force_next_notification"
	}
	return "unknown"
}

// FlapEventKind distinguishes flap transitions for history sinks.
type FlapEventKind int

const (
	FlapStarted FlapEventKind = iota
	FlapStopped
	FlapDisabled
)

// Origin says where a mutation came from. Authority is the identity of the
// node that made the original mutation; mutations whose authority is not the
// local node are applied but not re-relayed.
type Origin struct {
	Authority string
	Source    string // peer the message arrived from, empty for local
}

// Local reports whether the mutation originated on the node named self.
func (o Origin) Local(self string) bool {
	return o.Authority == "" || o.Authority == self
}

// Events is the typed event bus. Listener registration happens during
// wiring, before the daemon starts; emission is synchronous and in
// registration order. Handlers that want to block hand off to their own
// worker.
type Events struct {
	mu sync.RWMutex

	checkResult       []func(*Checkable, *CheckResult, Origin)
	stateChange       []func(*Checkable, *CheckResult, Origin)
	notificationReq   []func(*Checkable, NotificationType, *CheckResult, string, string, bool)
	flapChange        []func(*Checkable, FlapEventKind)
	ackSet            []func(*Checkable, Acknowledgement, Origin)
	ackCleared        []func(*Checkable, Origin)
	downtimeAdded     []func(*Checkable, *Downtime, Origin)
	downtimeTriggered []func(*Checkable, *Downtime)
	downtimeRemoved   []func(*Checkable, *Downtime, Origin)
	commentAdded      []func(*Checkable, *Comment, Origin)
	commentRemoved    []func(*Checkable, *Comment, Origin)
	nextCheckChanged  []func(*Checkable, time.Time, Origin)
	flagChanged       []func(*Checkable, Flag, bool, Origin)
	nextNotifChanged  []func(*Notification, time.Time, Origin)
	notifSentUser     []func(*Checkable, *Notification, *User, NotificationType, *CheckResult)
	notifSentAll      []func(*Checkable, *Notification, NotificationType, []string, *CheckResult)
	authorityChanged  []func(*Checkable, EndpointFeature, bool)
	externalCommand   []func(time.Time, string, []string)
	objectStarted     []func(kind, name string)
	objectStopped     []func(kind, name string)
}

// NewEvents returns an empty bus.
func NewEvents() *Events { return &Events{} }

func (e *Events) OnCheckResult(fn func(*Checkable, *CheckResult, Origin)) {
	e.mu.Lock()
	e.checkResult = append(e.checkResult, fn)
	e.mu.Unlock()
}

func (e *Events) EmitCheckResult(c *Checkable, cr *CheckResult, o Origin) {
	e.mu.RLock()
	fns := e.checkResult
	e.mu.RUnlock()
	for _, fn := range fns {
		fn(c, cr, o)
	}
}

func (e *Events) OnStateChange(fn func(*Checkable, *CheckResult, Origin)) {
	e.mu.Lock()
	e.stateChange = append(e.stateChange, fn)
	e.mu.Unlock()
}

func (e *Events) EmitStateChange(c *Checkable, cr *CheckResult, o Origin) {
	e.mu.RLock()
	fns := e.stateChange
	e.mu.RUnlock()
	for _, fn := range fns {
		fn(c, cr, o)
	}
}

// OnNotificationRequest registers for (checkable, type, result, author, text,
// force) requests produced by the state machine and by external commands.
func (e *Events) OnNotificationRequest(fn func(*Checkable, NotificationType, *CheckResult, string, string, bool)) {
	e.mu.Lock()
	e.notificationReq = append(e.notificationReq, fn)
	e.mu.Unlock()
}

func (e *Events) EmitNotificationRequest(c *Checkable, t NotificationType, cr *CheckResult, author, text string, force bool) {
	e.mu.RLock()
	fns := e.notificationReq
	e.mu.RUnlock()
	for _, fn := range fns {
		fn(c, t, cr, author, text, force)
	}
}

func (e *Events) OnFlapChange(fn func(*Checkable, FlapEventKind)) {
	e.mu.Lock()
	e.flapChange = append(e.flapChange, fn)
	e.mu.Unlock()
}

func (e *Events) EmitFlapChange(c *Checkable, kind FlapEventKind) {
	e.mu.RLock()
	fns := e.flapChange
	e.mu.RUnlock()
	for _, fn := range fns {
		fn(c, kind)
	}
}

func (e *Events) OnAckSet(fn func(*Checkable, Acknowledgement, Origin)) {
	e.mu.Lock()
	e.ackSet = append(e.ackSet, fn)
	e.mu.Unlock()
}

func (e *Events) EmitAckSet(c *Checkable, a Acknowledgement, o Origin) {
	e.mu.RLock()
	fns := e.ackSet
	e.mu.RUnlock()
	for _, fn := range fns {
		fn(c, a, o)
	}
}

func (e *Events) OnAckCleared(fn func(*Checkable, Origin)) {
	e.mu.Lock()
	e.ackCleared = append(e.ackCleared, fn)
	e.mu.Unlock()
}

func (e *Events) EmitAckCleared(c *Checkable, o Origin) {
	e.mu.RLock()
	fns := e.ackCleared
	e.mu.RUnlock()
	for _, fn := range fns {
		fn(c, o)
	}
}

func (e *Events) OnDowntimeAdded(fn func(*Checkable, *Downtime, Origin)) {
	e.mu.Lock()
	e.downtimeAdded = append(e.downtimeAdded, fn)
	e.mu.Unlock()
}

func (e *Events) EmitDowntimeAdded(c *Checkable, d *Downtime, o Origin) {
	e.mu.RLock()
	fns := e.downtimeAdded
	e.mu.RUnlock()
	for _, fn := range fns {
		fn(c, d, o)
	}
}

func (e *Events) OnDowntimeTriggered(fn func(*Checkable, *Downtime)) {
	e.mu.Lock()
	e.downtimeTriggered = append(e.downtimeTriggered, fn)
	e.mu.Unlock()
}

func (e *Events) EmitDowntimeTriggered(c *Checkable, d *Downtime) {
	e.mu.RLock()
	fns := e.downtimeTriggered
	e.mu.RUnlock()
	for _, fn := range fns {
		fn(c, d)
	}
}

func (e *Events) OnDowntimeRemoved(fn func(*Checkable, *Downtime, Origin)) {
	e.mu.Lock()
	e.downtimeRemoved = append(e.downtimeRemoved, fn)
	e.mu.Unlock()
}

func (e *Events) EmitDowntimeRemoved(c *Checkable, d *Downtime, o Origin) {
	e.mu.RLock()
	fns := e.downtimeRemoved
	e.mu.RUnlock()
	for _, fn := range fns {
		fn(c, d, o)
	}
}

func (e *Events) OnCommentAdded(fn func(*Checkable, *Comment, Origin)) {
	e.mu.Lock()
	e.commentAdded = append(e.commentAdded, fn)
	e.mu.Unlock()
}

func (e *Events) EmitCommentAdded(c *Checkable, cm *Comment, o Origin) {
	e.mu.RLock()
	fns := e.commentAdded
	e.mu.RUnlock()
	for _, fn := range fns {
		fn(c, cm, o)
	}
}

func (e *Events) OnCommentRemoved(fn func(*Checkable, *Comment, Origin)) {
	e.mu.Lock()
	e.commentRemoved = append(e.commentRemoved, fn)
	e.mu.Unlock()
}

func (e *Events) EmitCommentRemoved(c *Checkable, cm *Comment, o Origin) {
	e.mu.RLock()
	fns := e.commentRemoved
	e.mu.RUnlock()
	for _, fn := range fns {
		fn(c, cm, o)
	}
}

func (e *Events) OnNextCheckChanged(fn func(*Checkable, time.Time, Origin)) {
	e.mu.Lock()
	e.nextCheckChanged = append(e.nextCheckChanged, fn)
	e.mu.Unlock()
}

func (e *Events) EmitNextCheckChanged(c *Checkable, t time.Time, o Origin) {
	e.mu.RLock()
	fns := e.nextCheckChanged
	e.mu.RUnlock()
	for _, fn := range fns {
		fn(c, t, o)
	}
}

func (e *Events) OnFlagChanged(fn func(*Checkable, Flag, bool, Origin)) {
	e.mu.Lock()
	e.flagChanged = append(e.flagChanged, fn)
	e.mu.Unlock()
}

func (e *Events) EmitFlagChanged(c *Checkable, f Flag, v bool, o Origin) {
	e.mu.RLock()
	fns := e.flagChanged
	e.mu.RUnlock()
	for _, fn := range fns {
		fn(c, f, v, o)
	}
}

func (e *Events) OnNextNotificationChanged(fn func(*Notification, time.Time, Origin)) {
	e.mu.Lock()
	e.nextNotifChanged = append(e.nextNotifChanged, fn)
	e.mu.Unlock()
}

func (e *Events) EmitNextNotificationChanged(n *Notification, t time.Time, o Origin) {
	e.mu.RLock()
	fns := e.nextNotifChanged
	e.mu.RUnlock()
	for _, fn := range fns {
		fn(n, t, o)
	}
}

func (e *Events) OnNotificationSentToUser(fn func(*Checkable, *Notification, *User, NotificationType, *CheckResult)) {
	e.mu.Lock()
	e.notifSentUser = append(e.notifSentUser, fn)
	e.mu.Unlock()
}

func (e *Events) EmitNotificationSentToUser(c *Checkable, n *Notification, u *User, t NotificationType, cr *CheckResult) {
	e.mu.RLock()
	fns := e.notifSentUser
	e.mu.RUnlock()
	for _, fn := range fns {
		fn(c, n, u, t, cr)
	}
}

func (e *Events) OnNotificationSentToAllUsers(fn func(*Checkable, *Notification, NotificationType, []string, *CheckResult)) {
	e.mu.Lock()
	e.notifSentAll = append(e.notifSentAll, fn)
	e.mu.Unlock()
}

func (e *Events) EmitNotificationSentToAllUsers(c *Checkable, n *Notification, t NotificationType, users []string, cr *CheckResult) {
	e.mu.RLock()
	fns := e.notifSentAll
	e.mu.RUnlock()
	for _, fn := range fns {
		fn(c, n, t, users, cr)
	}
}

// OnAuthorityChanged fires when ownership of (checkable, feature) moves to or
// from the local node; owned reports the new local standing.
func (e *Events) OnAuthorityChanged(fn func(*Checkable, EndpointFeature, bool)) {
	e.mu.Lock()
	e.authorityChanged = append(e.authorityChanged, fn)
	e.mu.Unlock()
}

func (e *Events) EmitAuthorityChanged(c *Checkable, f EndpointFeature, owned bool) {
	e.mu.RLock()
	fns := e.authorityChanged
	e.mu.RUnlock()
	for _, fn := range fns {
		fn(c, f, owned)
	}
}

// OnExternalCommand fires after an external command has been executed
// successfully. History sinks record it; nothing replays it.
func (e *Events) OnExternalCommand(fn func(time.Time, string, []string)) {
	e.mu.Lock()
	e.externalCommand = append(e.externalCommand, fn)
	e.mu.Unlock()
}

func (e *Events) EmitExternalCommand(ts time.Time, verb string, args []string) {
	e.mu.RLock()
	fns := e.externalCommand
	e.mu.RUnlock()
	for _, fn := range fns {
		fn(ts, verb, args)
	}
}

func (e *Events) OnObjectStarted(fn func(kind, name string)) {
	e.mu.Lock()
	e.objectStarted = append(e.objectStarted, fn)
	e.mu.Unlock()
}

func (e *Events) EmitObjectStarted(kind, name string) {
	e.mu.RLock()
	fns := e.objectStarted
	e.mu.RUnlock()
	for _, fn := range fns {
		fn(kind, name)
	}
}

func (e *Events) OnObjectStopped(fn func(kind, name string)) {
	e.mu.Lock()
	e.objectStopped = append(e.objectStopped, fn)
	e.mu.Unlock()
}

func (e *Events) EmitObjectStopped(kind, name string) {
	e.mu.RLock()
	fns := e.objectStopped
	e.mu.RUnlock()
	for _, fn := range fns {
		fn(kind, name)
	}
}
