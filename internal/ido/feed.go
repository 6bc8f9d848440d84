package ido

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/oceanplexian/vigil/internal/objects"
)

const (
	heartbeatInterval = 10 * time.Second
	defaultQueueDepth = 16384
)

// FeedConfig holds query feed settings.
type FeedConfig struct {
	// Store is the object registry the feed observes.
	Store *objects.Store
	// Program supplies the process state for the heartbeat.
	Program *objects.Program
	// QueueDepth bounds the buffered channel to the writer.
	QueueDepth int
	// Clock stamps rows and drives the heartbeat.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *FeedConfig) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Program == nil {
		return trace.BadParameter("missing parameter Program")
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = defaultQueueDepth
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Feed turns bus events into typed queries. Every history event becomes an
// insert, status-bearing events additionally refresh the live status row.
// When the queue is full queries are dropped rather than back-pressuring
// the state machine; the writer catches the world up from the status
// tables once it drains.
type Feed struct {
	FeedConfig

	queue       chan Query
	lastCommand atomic.Int64
	saturated   atomic.Bool
}

// NewFeed validates the config and subscribes the feed to the bus.
func NewFeed(cfg FeedConfig) (*Feed, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	f := &Feed{FeedConfig: cfg, queue: make(chan Query, cfg.QueueDepth)}
	ev := cfg.Store.Events()
	ev.OnCheckResult(f.handleCheckResult)
	ev.OnStateChange(f.handleStateChange)
	ev.OnNextCheckChanged(f.handleNextCheckChanged)
	ev.OnCommentAdded(f.handleCommentAdded)
	ev.OnCommentRemoved(f.handleCommentRemoved)
	ev.OnDowntimeAdded(f.handleDowntimeAdded)
	ev.OnDowntimeTriggered(f.handleDowntimeTriggered)
	ev.OnDowntimeRemoved(f.handleDowntimeRemoved)
	ev.OnAckSet(f.handleAckSet)
	ev.OnAckCleared(f.handleAckCleared)
	ev.OnNotificationSentToUser(f.handleNotificationSentToUser)
	ev.OnNotificationSentToAllUsers(f.handleNotificationSentToAllUsers)
	ev.OnFlapChange(f.handleFlapChange)
	ev.OnExternalCommand(f.handleExternalCommand)
	return f, nil
}

// Queries is the channel the writer drains.
func (f *Feed) Queries() <-chan Query { return f.queue }

// Run pushes the program-status heartbeat until the context is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	f.push(f.programStatus())
	ticker := f.Clock.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			f.push(f.programStatus())
		}
	}
}

func (f *Feed) push(q Query) {
	select {
	case f.queue <- q:
		queriesQueued.Inc()
		f.saturated.Store(false)
	default:
		queriesDropped.Inc()
		if f.saturated.CompareAndSwap(false, true) {
			log.Warningf("Query queue full, dropping queries until the writer drains.")
		}
	}
}

// statusPatch is a partial update of the subject's live status row.
func (f *Feed) statusPatch(c *objects.Checkable, fields map[string]any) Query {
	table, refCol := statusTable(c)
	return Query{
		Table:        table,
		Type:         QueryUpdate,
		Category:     CatState,
		Fields:       fields,
		Where:        map[string]any{refCol: refFor(c)},
		Object:       refFor(c),
		StatusUpdate: true,
	}
}

func (f *Feed) handleCheckResult(c *objects.Checkable, cr *objects.CheckResult, _ objects.Origin) {
	f.push(f.statusRow(c, cr))
}

// statusRow rebuilds the full live status row after a processed result.
func (f *Feed) statusRow(c *objects.Checkable, cr *objects.CheckResult) Query {
	table, refCol := statusTable(c)
	now := f.Clock.Now()
	c.Lock()
	fields := map[string]any{
		"current_state":                 int(c.State),
		"state_type":                    int(c.StateType),
		"current_check_attempt":         c.Attempt,
		"max_check_attempts":            c.MaxCheckAttempts,
		"has_been_checked":              dbBool(c.HasBeenChecked),
		"should_be_scheduled":           dbBool(c.ActiveChecksEnabled),
		"last_check":                    dbTime(c.LastCheck),
		"next_check":                    dbTime(c.NextCheck),
		"last_state_change":             dbTime(c.LastStateChange),
		"last_hard_state_change":        dbTime(c.LastHardStateChange),
		"last_hard_state":               int(c.LastHardState),
		"latency":                       c.Latency,
		"execution_time":                c.ExecutionTime,
		"is_flapping":                   dbBool(c.Flapping),
		"percent_state_change":          c.FlapPercent(),
		"problem_has_been_acknowledged": dbBool(c.Ack.Type != objects.AckNone),
		"acknowledgement_type":          int(c.Ack.Type),
		"scheduled_downtime_depth":      c.DowntimeDepth(now),
		"active_checks_enabled":         dbBool(c.ActiveChecksEnabled),
		"passive_checks_enabled":        dbBool(c.PassiveChecksEnabled),
		"notifications_enabled":         dbBool(c.NotificationsEnabled),
		"flap_detection_enabled":        dbBool(c.FlapDetectionEnabled),
		"event_handler_enabled":         dbBool(c.EventHandlerEnabled),
		"process_performance_data":      dbBool(c.ProcessPerfData),
		"normal_check_interval":         c.CheckInterval.Minutes(),
		"retry_check_interval":          c.RetryInterval.Minutes(),
		"check_command":                 c.CheckCommandName,
	}
	c.Unlock()
	if cr != nil {
		fields["output"] = cr.Output
		fields["long_output"] = cr.LongOutput
		fields["perfdata"] = cr.PerfDataString()
		fields["check_source"] = cr.CheckSource
		fields["check_type"] = dbBool(!cr.Active) // 0 active, 1 passive
	}
	ref := refFor(c)
	return Query{
		Table:        table,
		Type:         QueryInsertUpdate,
		Category:     CatState,
		Fields:       fields,
		Where:        map[string]any{refCol: ref},
		Object:       ref,
		StatusUpdate: true,
	}
}

func (f *Feed) handleStateChange(c *objects.Checkable, cr *objects.CheckResult, _ objects.Origin) {
	ts := f.Clock.Now()
	if cr != nil && !cr.ExecutionEnd.IsZero() {
		ts = cr.ExecutionEnd
	}
	c.Lock()
	fields := map[string]any{
		"state_time":            ts,
		"state_change":          1,
		"state":                 int(c.State),
		"state_type":            int(c.StateType),
		"current_check_attempt": c.Attempt,
		"max_check_attempts":    c.MaxCheckAttempts,
		"last_hard_state":       int(c.LastHardState),
	}
	c.Unlock()
	if cr != nil {
		fields["output"] = cr.Output
		fields["long_output"] = cr.LongOutput
		fields["check_source"] = cr.CheckSource
		if cr.VarsBefore != nil {
			fields["last_state"] = int(cr.VarsBefore.State)
		}
	}
	fields["object_id"] = refFor(c)
	f.push(Query{
		Table:    "statehistory",
		Type:     QueryInsert,
		Category: CatStateHistory,
		Fields:   fields,
		Object:   refFor(c),
	})
}

func (f *Feed) handleNextCheckChanged(c *objects.Checkable, at time.Time, _ objects.Origin) {
	f.push(f.statusPatch(c, map[string]any{"next_check": dbTime(at)}))
}

func (f *Feed) handleCommentAdded(c *objects.Checkable, cm *objects.Comment, _ objects.Origin) {
	c.Lock()
	snap := *cm
	c.Unlock()
	ref := refFor(c)
	fields := map[string]any{
		"comment_type":        commentType(c),
		"entry_type":          int(snap.EntryType),
		"object_id":           ref,
		"entry_time":          snap.EntryTime,
		"comment_time":        snap.EntryTime,
		"internal_comment_id": snap.LegacyID,
		"author_name":         snap.Author,
		"comment_data":        snap.Text,
		"expires":             dbBool(!snap.ExpireTime.IsZero()),
		"expiration_time":     dbTime(snap.ExpireTime),
	}
	f.push(Query{
		Table:    "commenthistory",
		Type:     QueryInsert,
		Category: CatComment,
		Fields:   fields,
		Object:   ref,
	})
	f.push(Query{
		Table:    "comments",
		Type:     QueryInsertUpdate,
		Category: CatComment,
		Fields:   fields,
		Where:    map[string]any{"internal_comment_id": snap.LegacyID, "object_id": ref},
		Object:   ref,
	})
}

func (f *Feed) handleCommentRemoved(c *objects.Checkable, cm *objects.Comment, _ objects.Origin) {
	ref := refFor(c)
	where := map[string]any{"internal_comment_id": cm.LegacyID, "object_id": ref}
	f.push(Query{
		Table:    "commenthistory",
		Type:     QueryUpdate,
		Category: CatComment,
		Fields:   map[string]any{"deletion_time": f.Clock.Now()},
		Where:    where,
		Object:   ref,
	})
	f.push(Query{
		Table:    "comments",
		Type:     QueryDelete,
		Category: CatComment,
		Where:    where,
		Object:   ref,
	})
}

func (f *Feed) handleDowntimeAdded(c *objects.Checkable, d *objects.Downtime, _ objects.Origin) {
	now := f.Clock.Now()
	c.Lock()
	snap := *d
	c.Unlock()
	ref := refFor(c)
	fields := map[string]any{
		"downtime_type":        downtimeType(c),
		"object_id":            ref,
		"entry_time":           snap.EntryTime,
		"author_name":          snap.Author,
		"comment_data":         snap.CommentText,
		"internal_downtime_id": snap.LegacyID,
		"is_fixed":             dbBool(snap.Fixed),
		"duration":             snap.Duration.Seconds(),
		"scheduled_start_time": snap.StartTime,
		"scheduled_end_time":   snap.EndTime,
		"was_started":          dbBool(!snap.TriggerTime.IsZero()),
		"is_in_effect":         dbBool(snap.InEffect(now)),
	}
	if snap.TriggeredBy != "" {
		fields["triggered_by_id"] = f.triggerParentLegacy(snap.TriggeredBy)
	}
	if !snap.TriggerTime.IsZero() {
		fields["trigger_time"] = snap.TriggerTime
		fields["actual_start_time"] = snap.TriggerTime
	}
	f.push(Query{
		Table:    "downtimehistory",
		Type:     QueryInsert,
		Category: CatDowntime,
		Fields:   fields,
		Object:   ref,
	})
	f.push(Query{
		Table:    "scheduleddowntime",
		Type:     QueryInsertUpdate,
		Category: CatDowntime,
		Fields:   fields,
		Where:    map[string]any{"internal_downtime_id": snap.LegacyID, "object_id": ref},
		Object:   ref,
	})
}

// triggerParentLegacy maps the GUID of a triggering downtime to its
// integer id. Propagated triggers cross checkables, so the scan is
// store-wide.
func (f *Feed) triggerParentLegacy(guid string) uint64 {
	for _, c := range f.Store.Checkables() {
		c.Lock()
		d, ok := c.Downtimes[guid]
		var id uint64
		if ok {
			id = d.LegacyID
		}
		c.Unlock()
		if ok {
			return id
		}
	}
	return 0
}

func (f *Feed) handleDowntimeTriggered(c *objects.Checkable, d *objects.Downtime) {
	c.Lock()
	legacy := d.LegacyID
	triggerTime := d.TriggerTime
	c.Unlock()
	ref := refFor(c)
	fields := map[string]any{
		"was_started":       1,
		"is_in_effect":      1,
		"trigger_time":      dbTime(triggerTime),
		"actual_start_time": dbTime(triggerTime),
	}
	where := map[string]any{"internal_downtime_id": legacy, "object_id": ref}
	f.push(Query{Table: "downtimehistory", Type: QueryUpdate, Category: CatDowntime, Fields: fields, Where: where, Object: ref})
	f.push(Query{Table: "scheduleddowntime", Type: QueryUpdate, Category: CatDowntime, Fields: fields, Where: where, Object: ref})
}

func (f *Feed) handleDowntimeRemoved(c *objects.Checkable, d *objects.Downtime, _ objects.Origin) {
	ref := refFor(c)
	where := map[string]any{"internal_downtime_id": d.LegacyID, "object_id": ref}
	f.push(Query{
		Table:    "downtimehistory",
		Type:     QueryUpdate,
		Category: CatDowntime,
		Fields: map[string]any{
			"actual_end_time": f.Clock.Now(),
			"was_cancelled":   dbBool(d.WasCancelled),
			"is_in_effect":    0,
		},
		Where:  where,
		Object: ref,
	})
	f.push(Query{Table: "scheduleddowntime", Type: QueryDelete, Category: CatDowntime, Where: where, Object: ref})
}

func (f *Feed) handleAckSet(c *objects.Checkable, a objects.Acknowledgement, _ objects.Origin) {
	c.Lock()
	state := c.State
	c.Unlock()
	ref := refFor(c)
	f.push(Query{
		Table:    "acknowledgements",
		Type:     QueryInsert,
		Category: CatAcknowledgement,
		Fields: map[string]any{
			"entry_time":           a.Time,
			"acknowledgement_type": int(a.Type),
			"object_id":            ref,
			"state":                int(state),
			"author_name":          a.Author,
			"comment_data":         a.Comment,
			"is_sticky":            dbBool(a.Type == objects.AckSticky),
			"end_time":             dbTime(a.Expiry),
		},
		Object: ref,
	})
	f.push(f.statusPatch(c, map[string]any{
		"problem_has_been_acknowledged": 1,
		"acknowledgement_type":          int(a.Type),
	}))
}

func (f *Feed) handleAckCleared(c *objects.Checkable, _ objects.Origin) {
	f.push(f.statusPatch(c, map[string]any{
		"problem_has_been_acknowledged": 0,
		"acknowledgement_type":          int(objects.AckNone),
	}))
}

func (f *Feed) handleNotificationSentToUser(c *objects.Checkable, _ *objects.Notification, u *objects.User, t objects.NotificationType, _ *objects.CheckResult) {
	now := f.Clock.Now()
	f.push(Query{
		Table:    "contactnotifications",
		Type:     QueryInsert,
		Category: CatNotification,
		Fields: map[string]any{
			"object_id":           refFor(c),
			"contact_object_id":   ObjectRef{Kind: objects.TypeUser, Name: u.Name},
			"notification_reason": reasonCode(t),
			"start_time":          now,
			"end_time":            now,
		},
		Object: refFor(c),
	})
}

func (f *Feed) handleNotificationSentToAllUsers(c *objects.Checkable, n *objects.Notification, t objects.NotificationType, users []string, cr *objects.CheckResult) {
	now := f.Clock.Now()
	c.Lock()
	state := c.State
	c.Unlock()
	ref := refFor(c)
	fields := map[string]any{
		"notification_type":   hostServiceType(c),
		"notification_reason": reasonCode(t),
		"object_id":           ref,
		"start_time":          now,
		"end_time":            now,
		"state":               int(state),
		"escalated":           dbBool(n.TimesBegin > 0 || n.TimesEnd > 0),
		"contacts_notified":   len(users),
	}
	if cr != nil {
		fields["output"] = cr.Output
		fields["long_output"] = cr.LongOutput
	}
	f.push(Query{
		Table:    "notifications",
		Type:     QueryInsert,
		Category: CatNotification,
		Fields:   fields,
		Object:   ref,
	})
}

func (f *Feed) handleFlapChange(c *objects.Checkable, kind objects.FlapEventKind) {
	c.Lock()
	percent := c.FlapPercent()
	threshold := c.FlapThreshold
	flapping := c.Flapping
	c.Unlock()
	ref := refFor(c)
	eventType, reason := 1000, 0
	switch kind {
	case objects.FlapStopped:
		eventType, reason = 1001, 1
	case objects.FlapDisabled:
		eventType, reason = 1001, 2
	}
	f.push(Query{
		Table:    "flappinghistory",
		Type:     QueryInsert,
		Category: CatFlapping,
		Fields: map[string]any{
			"event_time":           f.Clock.Now(),
			"event_type":           eventType,
			"reason_type":          reason,
			"flapping_type":        hostServiceType(c),
			"object_id":            ref,
			"percent_state_change": percent,
			"high_threshold":       threshold,
		},
		Object: ref,
	})
	f.push(f.statusPatch(c, map[string]any{
		"is_flapping":          dbBool(flapping),
		"percent_state_change": percent,
	}))
}

func (f *Feed) handleExternalCommand(ts time.Time, verb string, args []string) {
	f.lastCommand.Store(f.Clock.Now().Unix())
	f.push(Query{
		Table:    "externalcommands",
		Type:     QueryInsert,
		Category: CatExternalCommand,
		Fields: map[string]any{
			"entry_time":   ts,
			"command_name": verb,
			"command_args": strings.Join(args, ";"),
		},
	})
}

// LogEntry records one activity log line. The compat logger tees its lines
// here so the database keeps the same history as the flat file.
func (f *Feed) LogEntry(ts time.Time, message string) {
	f.push(Query{
		Table:    "logentries",
		Type:     QueryInsert,
		Category: CatLog,
		Fields: map[string]any{
			"logentry_time":           ts,
			"entry_time":              f.Clock.Now(),
			"logentry_data":           message,
			"realtime_data":           1,
			"inferred_data_extracted": 1,
		},
	})
}

// DumpConfig pushes a full configuration dump: every objects row is
// deactivated, then each registered object reasserts itself active with
// its current config. The writer triggers this on every (re)connect.
func (f *Feed) DumpConfig() {
	f.push(Query{
		Table:    "objects",
		Type:     QueryUpdate,
		Category: CatConfig,
		Fields:   map[string]any{"is_active": 0},
		Where:    map[string]any{},
	})
	hosts := f.Store.Hosts()
	services := f.Store.Services()
	users := f.Store.Users()
	for _, h := range hosts {
		f.push(f.hostConfigRow(h))
	}
	for _, s := range services {
		f.push(f.serviceConfigRow(s))
	}
	for _, u := range users {
		f.push(f.contactConfigRow(u))
	}
	log.Infof("Queued config dump: %v hosts, %v services, %v contacts.", len(hosts), len(services), len(users))
}

func (f *Feed) hostConfigRow(h *objects.Host) Query {
	c := &h.Checkable
	ref := refFor(c)
	c.Lock()
	fields := map[string]any{
		"host_object_id":           ref,
		"display_name":             c.DisplayName,
		"address":                  h.Address,
		"address6":                 h.Address6,
		"check_command":            c.CheckCommandName,
		"check_interval":           c.CheckInterval.Minutes(),
		"retry_interval":           c.RetryInterval.Minutes(),
		"max_check_attempts":       c.MaxCheckAttempts,
		"check_timeperiod":         c.CheckPeriodName,
		"notifications_enabled":    dbBool(c.NotificationsEnabled),
		"active_checks_enabled":    dbBool(c.ActiveChecksEnabled),
		"passive_checks_enabled":   dbBool(c.PassiveChecksEnabled),
		"flap_detection_enabled":   dbBool(c.FlapDetectionEnabled),
		"flap_threshold":           c.FlapThreshold,
		"process_performance_data": dbBool(c.ProcessPerfData),
		"notes_url":                h.NotesURL,
	}
	c.Unlock()
	return Query{
		Table:        "hosts",
		Type:         QueryInsertUpdate,
		Category:     CatConfig,
		Fields:       fields,
		Where:        map[string]any{"host_object_id": ref},
		Object:       ref,
		ConfigUpdate: true,
	}
}

func (f *Feed) serviceConfigRow(s *objects.Service) Query {
	c := &s.Checkable
	ref := refFor(c)
	c.Lock()
	fields := map[string]any{
		"service_object_id":        ref,
		"host_object_id":           ObjectRef{Kind: objects.TypeHost, Name: c.HostName},
		"display_name":             c.DisplayName,
		"check_command":            c.CheckCommandName,
		"check_interval":           c.CheckInterval.Minutes(),
		"retry_interval":           c.RetryInterval.Minutes(),
		"max_check_attempts":       c.MaxCheckAttempts,
		"check_timeperiod":         c.CheckPeriodName,
		"notifications_enabled":    dbBool(c.NotificationsEnabled),
		"active_checks_enabled":    dbBool(c.ActiveChecksEnabled),
		"passive_checks_enabled":   dbBool(c.PassiveChecksEnabled),
		"flap_detection_enabled":   dbBool(c.FlapDetectionEnabled),
		"flap_threshold":           c.FlapThreshold,
		"process_performance_data": dbBool(c.ProcessPerfData),
		"notes_url":                s.NotesURL,
	}
	c.Unlock()
	return Query{
		Table:        "services",
		Type:         QueryInsertUpdate,
		Category:     CatConfig,
		Fields:       fields,
		Where:        map[string]any{"service_object_id": ref},
		Object:       ref,
		ConfigUpdate: true,
	}
}

func (f *Feed) contactConfigRow(u *objects.User) Query {
	ref := ObjectRef{Kind: objects.TypeUser, Name: u.Name}
	return Query{
		Table:    "contacts",
		Type:     QueryInsertUpdate,
		Category: CatConfig,
		Fields: map[string]any{
			"contact_object_id":     ref,
			"alias":                 u.DisplayName,
			"email_address":         u.Email,
			"pager_address":         u.Pager,
			"notifications_enabled": dbBool(u.EnableNotifications),
		},
		Where:        map[string]any{"contact_object_id": ref},
		Object:       ref,
		ConfigUpdate: true,
	}
}

// programStatus is the 10s heartbeat row: process identity, feature flags
// and the decayed check rates.
func (f *Feed) programStatus() Query {
	now := f.Clock.Now()
	p := f.Program
	fields := map[string]any{
		"program_version":                p.Version,
		"program_start_time":             p.StartTime,
		"is_currently_running":           1,
		"process_id":                     p.PID,
		"endpoint_name":                  p.Identity,
		"daemon_mode":                    1,
		"notifications_enabled":          dbBool(p.NotificationsEnabled()),
		"active_service_checks_enabled":  dbBool(p.ActiveChecksEnabled()),
		"passive_service_checks_enabled": dbBool(p.PassiveChecksEnabled()),
		"active_host_checks_enabled":     dbBool(p.ActiveChecksEnabled()),
		"passive_host_checks_enabled":    dbBool(p.PassiveChecksEnabled()),
		"event_handlers_enabled":         dbBool(p.EventHandlersEnabled()),
		"flap_detection_enabled":         dbBool(p.FlapDetectionEnabled()),
		"process_performance_data":       dbBool(p.PerfDataEnabled()),
		"active_checks_1min":             p.ChecksRate.Rate(now, 1),
		"active_checks_5min":             p.ChecksRate.Rate(now, 5),
		"active_checks_15min":            p.ChecksRate.Rate(now, 15),
		"notifications_1min":             p.NotificationsRate.Rate(now, 1),
		"notifications_5min":             p.NotificationsRate.Rate(now, 5),
		"notifications_15min":            p.NotificationsRate.Rate(now, 15),
	}
	if last := f.lastCommand.Load(); last != 0 {
		fields["last_command_check"] = time.Unix(last, 0)
	}
	return Query{
		Table:        "programstatus",
		Type:         QueryInsertUpdate,
		Category:     CatProgramStatus,
		Fields:       fields,
		Where:        map[string]any{},
		StatusUpdate: true,
	}
}
