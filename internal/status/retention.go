package status

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/oceanplexian/vigil/internal/downtime"
	"github.com/oceanplexian/vigil/internal/objects"
)

const defaultSaveInterval = time.Minute

// RetentionConfig holds the snapshot dependencies.
type RetentionConfig struct {
	// Path is the snapshot destination.
	Path string
	// Store is the object registry state is captured from and restored into.
	Store *objects.Store
	// Program supplies and receives the global feature switches.
	Program *objects.Program
	// Downtimes reattaches persisted downtimes and comments so the legacy
	// ID counters stay ahead of the restored entries.
	Downtimes *downtime.Manager
	// SaveInterval is how often the snapshot is rewritten.
	SaveInterval time.Duration
	// Clock is the time source, swappable in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *RetentionConfig) CheckAndSetDefaults() error {
	if c.Path == "" {
		return trace.BadParameter("missing parameter Path")
	}
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Program == nil {
		return trace.BadParameter("missing parameter Program")
	}
	if c.Downtimes == nil {
		return trace.BadParameter("missing parameter Downtimes")
	}
	if c.SaveInterval <= 0 {
		c.SaveInterval = defaultSaveInterval
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Retention carries runtime state across restarts: a JSON snapshot of every
// checkable's state machine, flap window, acknowledgement, downtimes and
// comments, the per-notification reminder coordinates and the global feature
// switches. Load runs at boot before scheduling starts; Save runs on a timer
// and once more at shutdown.
type Retention struct {
	RetentionConfig
}

// NewRetention validates the config and returns a retention snapshotter.
func NewRetention(cfg RetentionConfig) (*Retention, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Retention{RetentionConfig: cfg}, nil
}

type retainedState struct {
	Version       string                           `json:"version"`
	SavedAt       time.Time                        `json:"saved_at"`
	Program       retainedProgram                  `json:"program"`
	Checkables    map[string]*retainedCheckable    `json:"checkables"`
	Notifications map[string]*retainedNotification `json:"notifications,omitempty"`
}

type retainedProgram struct {
	NotificationsEnabled bool `json:"notifications_enabled"`
	ActiveChecksEnabled  bool `json:"active_checks_enabled"`
	PassiveChecksEnabled bool `json:"passive_checks_enabled"`
	EventHandlersEnabled bool `json:"event_handlers_enabled"`
	FlapDetectionEnabled bool `json:"flap_detection_enabled"`
	PerfDataEnabled      bool `json:"perf_data_enabled"`
}

type retainedCheckable struct {
	Kind                 string                   `json:"kind"`
	State                objects.State            `json:"state"`
	StateType            objects.StateType        `json:"state_type"`
	Attempt              int                      `json:"attempt"`
	HasBeenChecked       bool                     `json:"has_been_checked"`
	LastCheckResult      *objects.CheckResult     `json:"last_check_result,omitempty"`
	LastCheck            time.Time                `json:"last_check"`
	NextCheck            time.Time                `json:"next_check"`
	ForceNextCheck       bool                     `json:"force_next_check,omitempty"`
	ForceNextNotify      bool                     `json:"force_next_notification,omitempty"`
	LastStateChange      time.Time                `json:"last_state_change"`
	LastHardStateChange  time.Time                `json:"last_hard_state_change"`
	LastHardState        objects.State            `json:"last_hard_state"`
	LastStateOK          time.Time                `json:"last_state_ok"`
	LastStateWarning     time.Time                `json:"last_state_warning"`
	LastStateCritical    time.Time                `json:"last_state_critical"`
	LastStateUnknown     time.Time                `json:"last_state_unknown"`
	LastStateUp          time.Time                `json:"last_state_up"`
	LastStateDown        time.Time                `json:"last_state_down"`
	Latency              float64                  `json:"latency"`
	ExecutionTime        float64                  `json:"execution_time"`
	Flapping             bool                     `json:"flapping"`
	FlapPositive         float64                  `json:"flap_positive"`
	FlapNegative         float64                  `json:"flap_negative"`
	FlapLastUpdate       time.Time                `json:"flap_last_update"`
	Ack                  *objects.Acknowledgement `json:"ack,omitempty"`
	NotificationsEnabled bool                     `json:"notifications_enabled"`
	ActiveChecksEnabled  bool                     `json:"active_checks_enabled"`
	PassiveChecksEnabled bool                     `json:"passive_checks_enabled"`
	EventHandlerEnabled  bool                     `json:"event_handler_enabled"`
	FlapDetectionEnabled bool                     `json:"flap_detection_enabled"`
	ProcessPerfData      bool                     `json:"process_perf_data"`
	Downtimes            []*objects.Downtime      `json:"downtimes,omitempty"`
	Comments             []*objects.Comment       `json:"comments,omitempty"`
}

type retainedNotification struct {
	LastNotification        time.Time `json:"last_notification"`
	LastProblemNotification time.Time `json:"last_problem_notification"`
	NextNotification        time.Time `json:"next_notification"`
	NotificationNumber      int       `json:"notification_number"`
}

// Run saves on every tick and once more on shutdown.
func (r *Retention) Run(ctx context.Context) error {
	ticker := r.Clock.NewTicker(r.SaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := r.Save(); err != nil {
				log.WithError(err).Warn("Final state save failed.")
			}
			return ctx.Err()
		case <-ticker.Chan():
			if err := r.Save(); err != nil {
				log.WithError(err).Warn("State save failed.")
			}
		}
	}
}

// Save snapshots the store and writes it atomically.
func (r *Retention) Save() error {
	state := retainedState{
		Version: r.Program.Version,
		SavedAt: r.Clock.Now(),
		Program: retainedProgram{
			NotificationsEnabled: r.Program.NotificationsEnabled(),
			ActiveChecksEnabled:  r.Program.ActiveChecksEnabled(),
			PassiveChecksEnabled: r.Program.PassiveChecksEnabled(),
			EventHandlersEnabled: r.Program.EventHandlersEnabled(),
			FlapDetectionEnabled: r.Program.FlapDetectionEnabled(),
			PerfDataEnabled:      r.Program.PerfDataEnabled(),
		},
		Checkables:    make(map[string]*retainedCheckable),
		Notifications: make(map[string]*retainedNotification),
	}

	for _, c := range r.Store.Checkables() {
		state.Checkables[c.Name()] = snapshotCheckable(c)
	}
	// Notification runtime lives under the parent's lock, so the parent is
	// resolved first and locked around the reads.
	for _, n := range r.Store.Notifications() {
		parent, err := r.Store.Resolve(n.Kind, n.ParentName)
		if err != nil {
			continue
		}
		parent.Lock()
		state.Notifications[n.Name] = &retainedNotification{
			LastNotification:        n.LastNotification,
			LastProblemNotification: n.LastProblemNotification,
			NextNotification:        n.NextNotification,
			NotificationNumber:      n.NotificationNumber,
		}
		parent.Unlock()
	}

	data, err := json.Marshal(&state)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := writeAtomic(r.Path, string(data)); err != nil {
		return trace.Wrap(err)
	}
	log.Debugf("Saved runtime state for %v objects to %v.", len(state.Checkables), r.Path)
	return nil
}

func snapshotCheckable(c *objects.Checkable) *retainedCheckable {
	c.Lock()
	defer c.Unlock()

	rc := &retainedCheckable{
		Kind:                 c.Kind,
		State:                c.State,
		StateType:            c.StateType,
		Attempt:              c.Attempt,
		HasBeenChecked:       c.HasBeenChecked,
		LastCheckResult:      c.LastCheckResult,
		LastCheck:            c.LastCheck,
		NextCheck:            c.NextCheck,
		ForceNextCheck:       c.ForceNextCheck,
		ForceNextNotify:      c.ForceNextNotification,
		LastStateChange:      c.LastStateChange,
		LastHardStateChange:  c.LastHardStateChange,
		LastHardState:        c.LastHardState,
		LastStateOK:          c.LastStateOK,
		LastStateWarning:     c.LastStateWarning,
		LastStateCritical:    c.LastStateCritical,
		LastStateUnknown:     c.LastStateUnknown,
		LastStateUp:          c.LastStateUp,
		LastStateDown:        c.LastStateDown,
		Latency:              c.Latency,
		ExecutionTime:        c.ExecutionTime,
		Flapping:             c.Flapping,
		FlapPositive:         c.FlapPositive,
		FlapNegative:         c.FlapNegative,
		FlapLastUpdate:       c.FlapLastUpdate,
		NotificationsEnabled: c.NotificationsEnabled,
		ActiveChecksEnabled:  c.ActiveChecksEnabled,
		PassiveChecksEnabled: c.PassiveChecksEnabled,
		EventHandlerEnabled:  c.EventHandlerEnabled,
		FlapDetectionEnabled: c.FlapDetectionEnabled,
		ProcessPerfData:      c.ProcessPerfData,
	}
	if c.Ack.Type != objects.AckNone {
		ack := c.Ack
		rc.Ack = &ack
	}
	for _, d := range c.Downtimes {
		dd := *d
		rc.Downtimes = append(rc.Downtimes, &dd)
	}
	for _, cm := range c.Comments {
		cc := *cm
		rc.Comments = append(rc.Comments, &cc)
	}
	return rc
}

// Load restores a snapshot into the store. A missing file is a first boot
// and not an error. Objects that vanished from the configuration since the
// save are skipped, expired downtimes and comments are dropped.
func (r *Retention) Load() error {
	data, err := os.ReadFile(r.Path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Debugf("No retention data at %v.", r.Path)
			return nil
		}
		return trace.ConvertSystemError(err)
	}
	var state retainedState
	if err := json.Unmarshal(data, &state); err != nil {
		return trace.BadParameter("state file %v is corrupt: %v", r.Path, err)
	}

	p := r.Program
	p.SetNotificationsEnabled(state.Program.NotificationsEnabled)
	p.SetActiveChecksEnabled(state.Program.ActiveChecksEnabled)
	p.SetPassiveChecksEnabled(state.Program.PassiveChecksEnabled)
	p.SetEventHandlersEnabled(state.Program.EventHandlersEnabled)
	p.SetFlapDetectionEnabled(state.Program.FlapDetectionEnabled)
	p.SetPerfDataEnabled(state.Program.PerfDataEnabled)

	now := r.Clock.Now()
	restored := 0
	for name, rc := range state.Checkables {
		c, err := r.Store.Resolve(rc.Kind, name)
		if err != nil {
			log.Debugf("Dropping retained state for unknown object %v.", name)
			continue
		}
		r.applyCheckable(c, rc, now)
		restored++
	}
	for name, rn := range state.Notifications {
		n, ok := r.Store.GetNotification(name)
		if !ok {
			continue
		}
		parent, err := r.Store.Resolve(n.Kind, n.ParentName)
		if err != nil {
			continue
		}
		parent.Lock()
		n.LastNotification = rn.LastNotification
		n.LastProblemNotification = rn.LastProblemNotification
		n.NextNotification = rn.NextNotification
		n.NotificationNumber = rn.NotificationNumber
		parent.Unlock()
	}

	log.Infof("Restored runtime state for %v of %v objects (saved %v).",
		restored, len(state.Checkables), state.SavedAt.Format(time.RFC3339))
	return nil
}

func (r *Retention) applyCheckable(c *objects.Checkable, rc *retainedCheckable, now time.Time) {
	c.Lock()
	c.State = rc.State
	c.StateType = rc.StateType
	c.Attempt = rc.Attempt
	c.HasBeenChecked = rc.HasBeenChecked
	c.LastCheckResult = rc.LastCheckResult
	c.LastCheck = rc.LastCheck
	c.NextCheck = rc.NextCheck
	c.ForceNextCheck = rc.ForceNextCheck
	c.ForceNextNotification = rc.ForceNextNotify
	c.LastStateChange = rc.LastStateChange
	c.LastHardStateChange = rc.LastHardStateChange
	c.LastHardState = rc.LastHardState
	c.LastStateOK = rc.LastStateOK
	c.LastStateWarning = rc.LastStateWarning
	c.LastStateCritical = rc.LastStateCritical
	c.LastStateUnknown = rc.LastStateUnknown
	c.LastStateUp = rc.LastStateUp
	c.LastStateDown = rc.LastStateDown
	c.Latency = rc.Latency
	c.ExecutionTime = rc.ExecutionTime
	c.Flapping = rc.Flapping
	c.FlapPositive = rc.FlapPositive
	c.FlapNegative = rc.FlapNegative
	c.FlapLastUpdate = rc.FlapLastUpdate
	if rc.Ack != nil {
		c.Ack = *rc.Ack
	}
	c.NotificationsEnabled = rc.NotificationsEnabled
	c.ActiveChecksEnabled = rc.ActiveChecksEnabled
	c.PassiveChecksEnabled = rc.PassiveChecksEnabled
	c.EventHandlerEnabled = rc.EventHandlerEnabled
	c.FlapDetectionEnabled = rc.FlapDetectionEnabled
	c.ProcessPerfData = rc.ProcessPerfData
	c.Unlock()

	for _, d := range rc.Downtimes {
		if d.Expired(now) {
			continue
		}
		r.Downtimes.RestoreDowntime(c, d)
	}
	for _, cm := range rc.Comments {
		if cm.Expired(now) {
			continue
		}
		r.Downtimes.RestoreComment(c, cm)
	}
}
