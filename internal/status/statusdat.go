// Package status maintains the flat-file compatibility surfaces: the classic
// status file and objects cache, and the retention snapshot that carries
// runtime state across restarts.
package status

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/oceanplexian/vigil/internal/objects"
)

var log = logrus.WithField(trace.Component, "vigil:status")

const defaultUpdateInterval = 10 * time.Second

// WriterConfig holds the status writer dependencies.
type WriterConfig struct {
	// Store is the object registry being dumped.
	Store *objects.Store
	// Program supplies the program-status block.
	Program *objects.Program
	// StatusPath is the status file destination.
	StatusPath string
	// CachePath is the objects cache destination. Defaults to objects.cache
	// next to the status file.
	CachePath string
	// UpdateInterval is how often the status file is rewritten.
	UpdateInterval time.Duration
	// Clock is the time source, swappable in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *WriterConfig) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Program == nil {
		return trace.BadParameter("missing parameter Program")
	}
	if c.StatusPath == "" {
		return trace.BadParameter("missing parameter StatusPath")
	}
	if c.CachePath == "" {
		c.CachePath = filepath.Join(filepath.Dir(c.StatusPath), "objects.cache")
	}
	if c.UpdateInterval <= 0 {
		c.UpdateInterval = defaultUpdateInterval
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Writer dumps the live object tree to the classic flat files: runtime state
// to the status file, configuration to the objects cache. Each dump is a
// single pass over the store under the per-object locks, written to a temp
// file and renamed into place.
type Writer struct {
	WriterConfig
}

// NewWriter validates the config and returns a writer.
func NewWriter(cfg WriterConfig) (*Writer, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Writer{WriterConfig: cfg}, nil
}

// Run dumps the objects cache once, then rewrites the status file on every
// tick until the context is cancelled.
func (w *Writer) Run(ctx context.Context) error {
	if err := w.WriteObjects(); err != nil {
		log.WithError(err).Warn("Objects cache write failed.")
	}
	if err := w.WriteStatus(); err != nil {
		log.WithError(err).Warn("Status file write failed.")
	}
	ticker := w.Clock.NewTicker(w.UpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			if err := w.WriteStatus(); err != nil {
				log.WithError(err).Warn("Status file write failed.")
			}
		}
	}
}

// ownedComment is a comment snapshot plus the identity of its checkable.
type ownedComment struct {
	host    string
	service string
	c       objects.Comment
}

// ownedDowntime is a downtime snapshot plus the identity of its checkable.
type ownedDowntime struct {
	host    string
	service string
	d       objects.Downtime
}

// WriteStatus dumps runtime state to the status file.
func (w *Writer) WriteStatus() error {
	var b strings.Builder
	now := w.Clock.Now()

	b.WriteString("info {\n")
	fmt.Fprintf(&b, "\tcreated=%d\n", now.Unix())
	fmt.Fprintf(&b, "\tversion=%s\n", w.Program.Version)
	b.WriteString("\t}\n\n")

	w.writeProgramStatus(&b)

	// Comment and downtime blocks render after the status blocks; trigger
	// links resolve through the numeric IDs collected on the way.
	var comments []ownedComment
	var downtimes []ownedDowntime
	legacyByGUID := make(map[string]uint64)

	for _, c := range w.Store.Checkables() {
		c.Lock()
		w.writeCheckableStatus(&b, c, now)
		for _, cm := range c.Comments {
			comments = append(comments, ownedComment{host: c.HostName, service: c.ServiceName, c: *cm})
		}
		for _, d := range c.Downtimes {
			legacyByGUID[d.ID] = d.LegacyID
			downtimes = append(downtimes, ownedDowntime{host: c.HostName, service: c.ServiceName, d: *d})
		}
		c.Unlock()
	}

	sort.Slice(comments, func(i, j int) bool { return comments[i].c.LegacyID < comments[j].c.LegacyID })
	sort.Slice(downtimes, func(i, j int) bool { return downtimes[i].d.LegacyID < downtimes[j].d.LegacyID })
	for i := range comments {
		writeCommentStatus(&b, &comments[i])
	}
	for i := range downtimes {
		writeDowntimeStatus(&b, &downtimes[i], legacyByGUID, now)
	}

	return writeAtomic(w.StatusPath, b.String())
}

func (w *Writer) writeProgramStatus(b *strings.Builder) {
	p := w.Program
	b.WriteString("programstatus {\n")
	fmt.Fprintf(b, "\tnagios_pid=%d\n", p.PID)
	b.WriteString("\tdaemon_mode=1\n")
	fmt.Fprintf(b, "\tprogram_start=%d\n", p.StartTime.Unix())
	fmt.Fprintf(b, "\tenable_notifications=%s\n", boolStr(p.NotificationsEnabled()))
	fmt.Fprintf(b, "\tactive_service_checks_enabled=%s\n", boolStr(p.ActiveChecksEnabled()))
	fmt.Fprintf(b, "\tpassive_service_checks_enabled=%s\n", boolStr(p.PassiveChecksEnabled()))
	fmt.Fprintf(b, "\tactive_host_checks_enabled=%s\n", boolStr(p.ActiveChecksEnabled()))
	fmt.Fprintf(b, "\tpassive_host_checks_enabled=%s\n", boolStr(p.PassiveChecksEnabled()))
	fmt.Fprintf(b, "\tenable_event_handlers=%s\n", boolStr(p.EventHandlersEnabled()))
	fmt.Fprintf(b, "\tenable_flap_detection=%s\n", boolStr(p.FlapDetectionEnabled()))
	fmt.Fprintf(b, "\tprocess_performance_data=%s\n", boolStr(p.PerfDataEnabled()))
	b.WriteString("\t}\n\n")
}

// writeCheckableStatus writes one hoststatus or servicestatus block. Callers
// hold the lock.
func (w *Writer) writeCheckableStatus(b *strings.Builder, c *objects.Checkable, now time.Time) {
	if c.IsHost() {
		b.WriteString("hoststatus {\n")
	} else {
		b.WriteString("servicestatus {\n")
	}
	fmt.Fprintf(b, "\thost_name=%s\n", c.HostName)
	if !c.IsHost() {
		fmt.Fprintf(b, "\tservice_description=%s\n", c.ServiceName)
	}
	fmt.Fprintf(b, "\tcheck_command=%s\n", c.CheckCommandName)
	fmt.Fprintf(b, "\tcheck_period=%s\n", c.CheckPeriodName)
	fmt.Fprintf(b, "\tcheck_interval=%f\n", c.CheckInterval.Minutes())
	fmt.Fprintf(b, "\tretry_interval=%f\n", c.RetryInterval.Minutes())
	fmt.Fprintf(b, "\tevent_handler=%s\n", c.EventHandlerName)
	fmt.Fprintf(b, "\thas_been_checked=%s\n", boolStr(c.HasBeenChecked))
	fmt.Fprintf(b, "\tshould_be_scheduled=%s\n", boolStr(c.ActiveChecksEnabled))
	fmt.Fprintf(b, "\tcheck_execution_time=%f\n", c.ExecutionTime)
	fmt.Fprintf(b, "\tcheck_latency=%f\n", c.Latency)

	checkType := 0
	output, longOutput, perfData, source := "", "", "", ""
	if cr := c.LastCheckResult; cr != nil {
		if !cr.Active {
			checkType = 1
		}
		output = cr.Output
		longOutput = cr.LongOutput
		perfData = cr.PerfDataString()
		source = cr.CheckSource
	}
	fmt.Fprintf(b, "\tcheck_type=%d\n", checkType)
	fmt.Fprintf(b, "\tcheck_source=%s\n", source)
	fmt.Fprintf(b, "\tcurrent_state=%d\n", int(c.State))
	fmt.Fprintf(b, "\tlast_hard_state=%d\n", int(c.LastHardState))
	fmt.Fprintf(b, "\tplugin_output=%s\n", escapeText(output))
	fmt.Fprintf(b, "\tlong_plugin_output=%s\n", escapeText(longOutput))
	fmt.Fprintf(b, "\tperformance_data=%s\n", perfData)
	fmt.Fprintf(b, "\tlast_check=%d\n", timeToUnix(c.LastCheck))
	fmt.Fprintf(b, "\tnext_check=%d\n", timeToUnix(c.NextCheck))
	fmt.Fprintf(b, "\tcurrent_attempt=%d\n", c.Attempt)
	fmt.Fprintf(b, "\tmax_attempts=%d\n", c.MaxCheckAttempts)
	fmt.Fprintf(b, "\tstate_type=%d\n", int(c.StateType))
	fmt.Fprintf(b, "\tlast_state_change=%d\n", timeToUnix(c.LastStateChange))
	fmt.Fprintf(b, "\tlast_hard_state_change=%d\n", timeToUnix(c.LastHardStateChange))
	if c.IsHost() {
		fmt.Fprintf(b, "\tlast_time_up=%d\n", timeToUnix(c.LastStateUp))
		fmt.Fprintf(b, "\tlast_time_down=%d\n", timeToUnix(c.LastStateDown))
	} else {
		fmt.Fprintf(b, "\tlast_time_ok=%d\n", timeToUnix(c.LastStateOK))
		fmt.Fprintf(b, "\tlast_time_warning=%d\n", timeToUnix(c.LastStateWarning))
		fmt.Fprintf(b, "\tlast_time_critical=%d\n", timeToUnix(c.LastStateCritical))
		fmt.Fprintf(b, "\tlast_time_unknown=%d\n", timeToUnix(c.LastStateUnknown))
	}
	fmt.Fprintf(b, "\tproblem_has_been_acknowledged=%s\n", boolStr(c.Ack.Type != objects.AckNone))
	fmt.Fprintf(b, "\tacknowledgement_type=%d\n", int(c.Ack.Type))
	fmt.Fprintf(b, "\tnotifications_enabled=%s\n", boolStr(c.NotificationsEnabled))
	fmt.Fprintf(b, "\tactive_checks_enabled=%s\n", boolStr(c.ActiveChecksEnabled))
	fmt.Fprintf(b, "\tpassive_checks_enabled=%s\n", boolStr(c.PassiveChecksEnabled))
	fmt.Fprintf(b, "\tevent_handler_enabled=%s\n", boolStr(c.EventHandlerEnabled))
	fmt.Fprintf(b, "\tflap_detection_enabled=%s\n", boolStr(c.FlapDetectionEnabled))
	fmt.Fprintf(b, "\tprocess_performance_data=%s\n", boolStr(c.ProcessPerfData))
	fmt.Fprintf(b, "\tis_flapping=%s\n", boolStr(c.Flapping))
	fmt.Fprintf(b, "\tpercent_state_change=%f\n", c.FlapPercent())
	fmt.Fprintf(b, "\tscheduled_downtime_depth=%d\n", c.DowntimeDepth(now))
	for k, v := range c.Vars {
		fmt.Fprintf(b, "\t_%s=0;%s\n", k, v)
	}
	b.WriteString("\t}\n\n")
}

func writeCommentStatus(b *strings.Builder, oc *ownedComment) {
	block := "hostcomment"
	if oc.service != "" {
		block = "servicecomment"
	}
	fmt.Fprintf(b, "%s {\n", block)
	fmt.Fprintf(b, "\thost_name=%s\n", oc.host)
	if oc.service != "" {
		fmt.Fprintf(b, "\tservice_description=%s\n", oc.service)
	}
	cm := &oc.c
	fmt.Fprintf(b, "\tentry_type=%d\n", int(cm.EntryType))
	fmt.Fprintf(b, "\tcomment_id=%d\n", cm.LegacyID)
	fmt.Fprintf(b, "\tsource=%d\n", commentSource(cm.EntryType))
	b.WriteString("\tpersistent=1\n")
	fmt.Fprintf(b, "\tentry_time=%d\n", timeToUnix(cm.EntryTime))
	fmt.Fprintf(b, "\texpires=%s\n", boolStr(!cm.ExpireTime.IsZero()))
	fmt.Fprintf(b, "\texpire_time=%d\n", timeToUnix(cm.ExpireTime))
	fmt.Fprintf(b, "\tauthor=%s\n", cm.Author)
	fmt.Fprintf(b, "\tcomment_data=%s\n", escapeText(cm.Text))
	b.WriteString("\t}\n\n")
}

// commentSource maps to the dialect's origin flag: operator comments are
// external (1), generated ones internal (0).
func commentSource(t objects.CommentEntryType) int {
	if t == objects.CommentUser {
		return 1
	}
	return 0
}

func writeDowntimeStatus(b *strings.Builder, od *ownedDowntime, legacy map[string]uint64, now time.Time) {
	block := "hostdowntime"
	if od.service != "" {
		block = "servicedowntime"
	}
	d := &od.d
	fmt.Fprintf(b, "%s {\n", block)
	fmt.Fprintf(b, "\thost_name=%s\n", od.host)
	if od.service != "" {
		fmt.Fprintf(b, "\tservice_description=%s\n", od.service)
	}
	fmt.Fprintf(b, "\tdowntime_id=%d\n", d.LegacyID)
	fmt.Fprintf(b, "\tentry_time=%d\n", timeToUnix(d.EntryTime))
	fmt.Fprintf(b, "\tstart_time=%d\n", timeToUnix(d.StartTime))
	fmt.Fprintf(b, "\tend_time=%d\n", timeToUnix(d.EndTime))
	fmt.Fprintf(b, "\ttriggered_by=%d\n", legacy[d.TriggeredBy])
	fmt.Fprintf(b, "\tfixed=%s\n", boolStr(d.Fixed))
	fmt.Fprintf(b, "\tduration=%d\n", int64(d.Duration.Seconds()))
	fmt.Fprintf(b, "\ttrigger_time=%d\n", timeToUnix(d.TriggerTime))
	fmt.Fprintf(b, "\tis_in_effect=%s\n", boolStr(d.InEffect(now)))
	fmt.Fprintf(b, "\tauthor=%s\n", d.Author)
	fmt.Fprintf(b, "\tcomment=%s\n", escapeText(d.CommentText))
	b.WriteString("\t}\n\n")
}

// WriteObjects dumps the configuration to the objects cache: one define
// block per registered object, attribute names in the classic dialect.
func (w *Writer) WriteObjects() error {
	var b strings.Builder

	fmt.Fprintf(&b, "# Objects cache written by vigil %s\n\n", w.Program.Version)

	for _, tp := range w.Store.Timeperiods() {
		writeTimeperiodDef(&b, tp)
	}
	for _, cmd := range w.Store.Commands() {
		writeCommandDef(&b, cmd)
	}
	for _, g := range w.Store.UserGroups() {
		writeContactGroupDef(&b, g)
	}
	for _, u := range w.Store.Users() {
		writeContactDef(&b, u)
	}
	for _, h := range w.Store.Hosts() {
		writeHostDef(&b, h)
	}
	for _, svc := range w.Store.Services() {
		writeServiceDef(&b, svc)
	}

	return writeAtomic(w.CachePath, b.String())
}

func writeHostDef(b *strings.Builder, h *objects.Host) {
	c := &h.Checkable
	c.Lock()
	defer c.Unlock()
	b.WriteString("define host {\n")
	fmt.Fprintf(b, "\thost_name\t%s\n", c.HostName)
	fmt.Fprintf(b, "\talias\t%s\n", c.DisplayName)
	fmt.Fprintf(b, "\taddress\t%s\n", h.Address)
	if h.Address6 != "" {
		fmt.Fprintf(b, "\taddress6\t%s\n", h.Address6)
	}
	writeCheckableDef(b, c)
	if len(h.Groups) > 0 {
		fmt.Fprintf(b, "\thostgroups\t%s\n", strings.Join(h.Groups, ","))
	}
	if h.NotesURL != "" {
		fmt.Fprintf(b, "\tnotes_url\t%s\n", h.NotesURL)
	}
	b.WriteString("\t}\n\n")
}

func writeServiceDef(b *strings.Builder, svc *objects.Service) {
	c := &svc.Checkable
	c.Lock()
	defer c.Unlock()
	b.WriteString("define service {\n")
	fmt.Fprintf(b, "\thost_name\t%s\n", c.HostName)
	fmt.Fprintf(b, "\tservice_description\t%s\n", c.ServiceName)
	fmt.Fprintf(b, "\tdisplay_name\t%s\n", c.DisplayName)
	writeCheckableDef(b, c)
	if len(svc.Groups) > 0 {
		fmt.Fprintf(b, "\tservicegroups\t%s\n", strings.Join(svc.Groups, ","))
	}
	if svc.NotesURL != "" {
		fmt.Fprintf(b, "\tnotes_url\t%s\n", svc.NotesURL)
	}
	b.WriteString("\t}\n\n")
}

// writeCheckableDef writes the shared check wiring. Callers hold the lock.
func writeCheckableDef(b *strings.Builder, c *objects.Checkable) {
	fmt.Fprintf(b, "\tcheck_command\t%s\n", c.CheckCommandName)
	if c.CheckPeriodName != "" {
		fmt.Fprintf(b, "\tcheck_period\t%s\n", c.CheckPeriodName)
	}
	if c.EventHandlerName != "" {
		fmt.Fprintf(b, "\tevent_handler\t%s\n", c.EventHandlerName)
	}
	fmt.Fprintf(b, "\tmax_check_attempts\t%d\n", c.MaxCheckAttempts)
	fmt.Fprintf(b, "\tcheck_interval\t%f\n", c.CheckInterval.Minutes())
	fmt.Fprintf(b, "\tretry_interval\t%f\n", c.RetryInterval.Minutes())
	fmt.Fprintf(b, "\tactive_checks_enabled\t%s\n", boolStr(c.ActiveChecksEnabled))
	fmt.Fprintf(b, "\tpassive_checks_enabled\t%s\n", boolStr(c.PassiveChecksEnabled))
	fmt.Fprintf(b, "\tnotifications_enabled\t%s\n", boolStr(c.NotificationsEnabled))
	fmt.Fprintf(b, "\tevent_handler_enabled\t%s\n", boolStr(c.EventHandlerEnabled))
	fmt.Fprintf(b, "\tflap_detection_enabled\t%s\n", boolStr(c.FlapDetectionEnabled))
	fmt.Fprintf(b, "\tflap_threshold\t%f\n", c.FlapThreshold)
	fmt.Fprintf(b, "\tprocess_perf_data\t%s\n", boolStr(c.ProcessPerfData))
	for k, v := range c.Vars {
		fmt.Fprintf(b, "\t_%s\t%s\n", k, v)
	}
}

func writeContactDef(b *strings.Builder, u *objects.User) {
	b.WriteString("define contact {\n")
	fmt.Fprintf(b, "\tcontact_name\t%s\n", u.Name)
	fmt.Fprintf(b, "\talias\t%s\n", u.DisplayName)
	if u.Email != "" {
		fmt.Fprintf(b, "\temail\t%s\n", u.Email)
	}
	if u.Pager != "" {
		fmt.Fprintf(b, "\tpager\t%s\n", u.Pager)
	}
	if u.PeriodName != "" {
		fmt.Fprintf(b, "\thost_notification_period\t%s\n", u.PeriodName)
		fmt.Fprintf(b, "\tservice_notification_period\t%s\n", u.PeriodName)
	}
	fmt.Fprintf(b, "\thost_notifications_enabled\t%s\n", boolStr(u.EnableNotifications))
	fmt.Fprintf(b, "\tservice_notifications_enabled\t%s\n", boolStr(u.EnableNotifications))
	b.WriteString("\t}\n\n")
}

func writeContactGroupDef(b *strings.Builder, g *objects.UserGroup) {
	b.WriteString("define contactgroup {\n")
	fmt.Fprintf(b, "\tcontactgroup_name\t%s\n", g.Name)
	fmt.Fprintf(b, "\talias\t%s\n", g.DisplayName)
	if len(g.Members) > 0 {
		fmt.Fprintf(b, "\tmembers\t%s\n", strings.Join(g.Members, ","))
	}
	b.WriteString("\t}\n\n")
}

func writeCommandDef(b *strings.Builder, cmd *objects.Command) {
	line := cmd.Line
	if line == "" && len(cmd.Argv) > 0 {
		line = strings.Join(cmd.Argv, " ")
	}
	b.WriteString("define command {\n")
	fmt.Fprintf(b, "\tcommand_name\t%s\n", cmd.Name)
	fmt.Fprintf(b, "\tcommand_line\t%s\n", line)
	b.WriteString("\t}\n\n")
}

func writeTimeperiodDef(b *strings.Builder, tp *objects.Timeperiod) {
	b.WriteString("define timeperiod {\n")
	fmt.Fprintf(b, "\ttimeperiod_name\t%s\n", tp.Name)
	fmt.Fprintf(b, "\talias\t%s\n", tp.DisplayName)
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		if r, ok := tp.Ranges[wd]; ok && r != "" {
			fmt.Fprintf(b, "\t%s\t%s\n", strings.ToLower(wd.String()), r)
		}
	}
	if len(tp.Exclusions) > 0 {
		names := make([]string, 0, len(tp.Exclusions))
		for _, exc := range tp.Exclusions {
			names = append(names, exc.Name)
		}
		fmt.Fprintf(b, "\texclude\t%s\n", strings.Join(names, ","))
	}
	b.WriteString("\t}\n\n")
}

// writeAtomic writes content through a temp file in the target directory so
// the rename never crosses filesystems and readers never see a partial file.
func writeAtomic(path, content string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp.*")
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return trace.ConvertSystemError(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return trace.ConvertSystemError(err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return trace.ConvertSystemError(err)
	}
	return nil
}

func boolStr(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

func timeToUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

// escapeText keeps multi-line text on one line, the format is line oriented.
func escapeText(s string) string {
	return strings.ReplaceAll(s, "\n", `\n`)
}
