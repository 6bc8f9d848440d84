package status

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanplexian/vigil/internal/downtime"
	"github.com/oceanplexian/vigil/internal/objects"
)

type statusHarness struct {
	t         *testing.T
	clock     *clockwork.FakeClock
	store     *objects.Store
	program   *objects.Program
	downtimes *downtime.Manager
	writer    *Writer
	host      *objects.Host
	svc       *objects.Service
	dir       string
}

func newStatusHarness(t *testing.T) *statusHarness {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 7, 10, 9, 0, 0, 0, time.UTC))
	store := objects.NewStore()
	program := objects.NewProgram("2.0.0", "node-a", 77, clock.Now())

	host := objects.NewHost("web-01")
	host.Address = "10.0.0.5"
	require.NoError(t, store.AddHost(host))
	svc := objects.NewService("web-01", "http")
	require.NoError(t, store.AddService(svc))

	dm, err := downtime.NewManager(downtime.Config{Store: store, Clock: clock})
	require.NoError(t, err)

	dir := t.TempDir()
	w, err := NewWriter(WriterConfig{
		Store:      store,
		Program:    program,
		StatusPath: dir + "/status.dat",
		Clock:      clock,
	})
	require.NoError(t, err)

	return &statusHarness{
		t:         t,
		clock:     clock,
		store:     store,
		program:   program,
		downtimes: dm,
		writer:    w,
		host:      host,
		svc:       svc,
		dir:       dir,
	}
}

func (h *statusHarness) statusContent() string {
	h.t.Helper()
	require.NoError(h.t, h.writer.WriteStatus())
	data, err := os.ReadFile(h.writer.StatusPath)
	require.NoError(h.t, err)
	return string(data)
}

func (h *statusHarness) cacheContent() string {
	h.t.Helper()
	require.NoError(h.t, h.writer.WriteObjects())
	data, err := os.ReadFile(h.writer.CachePath)
	require.NoError(h.t, err)
	return string(data)
}

func TestWriterConfigValidation(t *testing.T) {
	_, err := NewWriter(WriterConfig{})
	require.True(t, trace.IsBadParameter(err))

	store := objects.NewStore()
	program := objects.NewProgram("2.0.0", "node-a", 77, time.Now())
	_, err = NewWriter(WriterConfig{Store: store, Program: program})
	require.True(t, trace.IsBadParameter(err))

	w, err := NewWriter(WriterConfig{Store: store, Program: program, StatusPath: "/var/lib/vigil/status.dat"})
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/vigil/objects.cache", w.CachePath)
	assert.Equal(t, defaultUpdateInterval, w.UpdateInterval)
}

func TestStatusFileBlocks(t *testing.T) {
	h := newStatusHarness(t)
	now := h.clock.Now()

	c := &h.host.Checkable
	c.Lock()
	c.State = objects.HostDown
	c.StateType = objects.StateTypeHard
	c.Attempt = 3
	c.HasBeenChecked = true
	c.LastCheckResult = &objects.CheckResult{Output: "ping timeout", ExitStatus: 2, Active: true}
	c.LastCheck = now.Add(-time.Minute)
	c.Unlock()

	sc := &h.svc.Checkable
	sc.Lock()
	sc.HasBeenChecked = true
	sc.LastCheckResult = &objects.CheckResult{Output: "HTTP OK\nsecond line", Active: false}
	sc.Unlock()

	content := h.statusContent()

	assert.Contains(t, content, "info {")
	assert.Contains(t, content, fmt.Sprintf("\tcreated=%d\n", now.Unix()))
	assert.Contains(t, content, "\tversion=2.0.0\n")

	assert.Contains(t, content, "programstatus {")
	assert.Contains(t, content, "\tnagios_pid=77\n")
	assert.Contains(t, content, fmt.Sprintf("\tprogram_start=%d\n", now.Unix()))
	assert.Contains(t, content, "\tenable_notifications=1\n")
	assert.Contains(t, content, "\tactive_host_checks_enabled=1\n")

	assert.Contains(t, content, "hoststatus {")
	assert.Contains(t, content, "\thost_name=web-01\n")
	assert.Contains(t, content, "\tcurrent_state=1\n")
	assert.Contains(t, content, "\tcurrent_attempt=3\n")
	assert.Contains(t, content, "\tmax_attempts=3\n")
	assert.Contains(t, content, "\tplugin_output=ping timeout\n")
	assert.Contains(t, content, fmt.Sprintf("\tlast_check=%d\n", now.Add(-time.Minute).Unix()))
	assert.Contains(t, content, "\tcheck_interval=5.000000\n")

	assert.Contains(t, content, "servicestatus {")
	assert.Contains(t, content, "\tservice_description=http\n")
	// Passive result, and newlines stay on one line.
	assert.Contains(t, content, "\tcheck_type=1\n")
	assert.Contains(t, content, `	plugin_output=HTTP OK\nsecond line`+"\n")
}

func TestStatusAckAndDowntime(t *testing.T) {
	h := newStatusHarness(t)
	now := h.clock.Now()

	sc := &h.svc.Checkable
	sc.Lock()
	sc.State = objects.StateCritical
	sc.StateType = objects.StateTypeHard
	sc.Ack = objects.Acknowledgement{Type: objects.AckSticky, Author: "alice", Comment: "known", Time: now}
	sc.Unlock()

	_, err := h.downtimes.ScheduleDowntime(sc, &objects.Downtime{
		Author:      "alice",
		CommentText: "planned maintenance",
		StartTime:   now.Add(-time.Hour),
		EndTime:     now.Add(time.Hour),
		Fixed:       true,
	}, objects.Origin{})
	require.NoError(t, err)

	cm, err := h.downtimes.AddComment(sc, &objects.Comment{
		Author:    "bob",
		Text:      "switch port was\nflapping",
		EntryType: objects.CommentUser,
	}, objects.Origin{})
	require.NoError(t, err)

	content := h.statusContent()

	assert.Contains(t, content, "\tproblem_has_been_acknowledged=1\n")
	assert.Contains(t, content, "\tacknowledgement_type=2\n")
	assert.Contains(t, content, "\tscheduled_downtime_depth=1\n")

	assert.Contains(t, content, "servicedowntime {")
	assert.Contains(t, content, "\tdowntime_id=1\n")
	assert.Contains(t, content, "\tfixed=1\n")
	assert.Contains(t, content, "\tis_in_effect=1\n")
	assert.Contains(t, content, "\tcomment=planned maintenance\n")

	assert.Contains(t, content, "servicecomment {")
	assert.Contains(t, content, fmt.Sprintf("\tcomment_id=%d\n", cm.LegacyID))
	// User comments carry the external source flag.
	assert.Contains(t, content, "\tsource=1\n")
	assert.Contains(t, content, `	comment_data=switch port was\nflapping`+"\n")
	assert.Contains(t, content, "\texpires=0\n")
}

func TestStatusDowntimeTriggerLinks(t *testing.T) {
	h := newStatusHarness(t)
	now := h.clock.Now()

	root, err := h.downtimes.ScheduleDowntime(&h.host.Checkable, &objects.Downtime{
		Author:    "alice",
		StartTime: now.Add(time.Hour),
		EndTime:   now.Add(2 * time.Hour),
		Fixed:     true,
	}, objects.Origin{})
	require.NoError(t, err)

	child, err := h.downtimes.ScheduleDowntime(&h.svc.Checkable, &objects.Downtime{
		Author:      "alice",
		StartTime:   now.Add(time.Hour),
		EndTime:     now.Add(2 * time.Hour),
		Fixed:       true,
		TriggeredBy: root.ID,
	}, objects.Origin{})
	require.NoError(t, err)

	content := h.statusContent()

	assert.Contains(t, content, "hostdowntime {")
	assert.Contains(t, content, fmt.Sprintf("\tdowntime_id=%d\n", root.LegacyID))
	assert.Contains(t, content, "\ttriggered_by=0\n")
	assert.Contains(t, content, "servicedowntime {")
	assert.Contains(t, content, fmt.Sprintf("\tdowntime_id=%d\n", child.LegacyID))
	assert.Contains(t, content, fmt.Sprintf("\ttriggered_by=%d\n", root.LegacyID))
}

func TestObjectsCache(t *testing.T) {
	h := newStatusHarness(t)

	require.NoError(t, h.store.AddUser(&objects.User{
		Name:                "alice",
		DisplayName:         "Alice",
		Email:               "alice@example.com",
		EnableNotifications: true,
	}))
	require.NoError(t, h.store.AddUserGroup(&objects.UserGroup{
		Name:        "ops",
		DisplayName: "Operations",
		Members:     []string{"alice"},
	}))
	require.NoError(t, h.store.AddCommand(&objects.Command{
		Name: "check_http",
		Line: "/usr/lib/monitoring/check_http -H $host.address$",
	}))
	require.NoError(t, h.store.AddTimeperiod(&objects.Timeperiod{
		Name:        "workhours",
		DisplayName: "Work Hours",
		Ranges: map[time.Weekday]string{
			time.Monday: "09:00-17:00",
			time.Friday: "09:00-15:00",
		},
	}))

	h.host.Groups = []string{"linux", "web"}
	h.svc.Checkable.CheckCommandName = "check_http"
	h.svc.Checkable.Vars["env"] = "prod"

	content := h.cacheContent()

	assert.Contains(t, content, "define host {")
	assert.Contains(t, content, "\thost_name\tweb-01\n")
	assert.Contains(t, content, "\taddress\t10.0.0.5\n")
	assert.Contains(t, content, "\tmax_check_attempts\t3\n")
	assert.Contains(t, content, "\tcheck_interval\t5.000000\n")
	assert.Contains(t, content, "\thostgroups\tlinux,web\n")

	assert.Contains(t, content, "define service {")
	assert.Contains(t, content, "\tservice_description\thttp\n")
	assert.Contains(t, content, "\tcheck_command\tcheck_http\n")
	assert.Contains(t, content, "\t_env\tprod\n")

	assert.Contains(t, content, "define contact {")
	assert.Contains(t, content, "\tcontact_name\talice\n")
	assert.Contains(t, content, "\temail\talice@example.com\n")
	assert.Contains(t, content, "\thost_notifications_enabled\t1\n")

	assert.Contains(t, content, "define contactgroup {")
	assert.Contains(t, content, "\tcontactgroup_name\tops\n")
	assert.Contains(t, content, "\tmembers\talice\n")

	assert.Contains(t, content, "define command {")
	assert.Contains(t, content, "\tcommand_name\tcheck_http\n")
	assert.Contains(t, content, "\tcommand_line\t/usr/lib/monitoring/check_http -H $host.address$\n")

	assert.Contains(t, content, "define timeperiod {")
	assert.Contains(t, content, "\ttimeperiod_name\tworkhours\n")
	assert.Contains(t, content, "\tmonday\t09:00-17:00\n")
	assert.Contains(t, content, "\tfriday\t09:00-15:00\n")
}

func TestWriterRunWritesOnTick(t *testing.T) {
	h := newStatusHarness(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.writer.Run(ctx) }()

	// The initial dumps happen before the ticker is registered.
	h.clock.BlockUntil(1)
	first, err := os.ReadFile(h.writer.StatusPath)
	require.NoError(t, err)
	assert.Contains(t, string(first), fmt.Sprintf("\tcreated=%d\n", h.clock.Now().Unix()))
	_, err = os.Stat(h.writer.CachePath)
	require.NoError(t, err)

	h.clock.Advance(h.writer.UpdateInterval)
	want := fmt.Sprintf("\tcreated=%d\n", h.clock.Now().Unix())
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(h.writer.StatusPath)
		return err == nil && strings.Contains(string(data), want)
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestRetentionConfigValidation(t *testing.T) {
	_, err := NewRetention(RetentionConfig{})
	require.True(t, trace.IsBadParameter(err))

	h := newStatusHarness(t)
	ret, err := NewRetention(RetentionConfig{
		Path:      h.dir + "/state.json",
		Store:     h.store,
		Program:   h.program,
		Downtimes: h.downtimes,
		Clock:     h.clock,
	})
	require.NoError(t, err)
	assert.Equal(t, defaultSaveInterval, ret.SaveInterval)
}

func TestRetentionRoundTrip(t *testing.T) {
	h := newStatusHarness(t)
	now := h.clock.Now()

	notif := &objects.Notification{
		Name:        "http-mail",
		Kind:        objects.TypeService,
		ParentName:  "web-01!http",
		CommandName: "mail",
		Interval:    time.Hour,
	}
	require.NoError(t, h.store.AddNotification(notif))

	sc := &h.svc.Checkable
	sc.Lock()
	sc.State = objects.StateCritical
	sc.StateType = objects.StateTypeHard
	sc.Attempt = 3
	sc.HasBeenChecked = true
	sc.LastCheckResult = &objects.CheckResult{Output: "connect refused", ExitStatus: 2, Active: true}
	sc.LastCheck = now.Add(-time.Minute)
	sc.NextCheck = now.Add(4 * time.Minute)
	sc.LastStateChange = now.Add(-10 * time.Minute)
	sc.LastHardStateChange = now.Add(-8 * time.Minute)
	sc.LastHardState = objects.StateCritical
	sc.Flapping = true
	sc.FlapPositive = 12
	sc.FlapNegative = 3
	sc.FlapLastUpdate = now.Add(-time.Minute)
	sc.Ack = objects.Acknowledgement{Type: objects.AckSticky, Author: "alice", Comment: "known", Time: now}
	sc.NotificationsEnabled = false
	notif.NotificationNumber = 4
	notif.LastNotification = now.Add(-30 * time.Minute)
	notif.LastProblemNotification = now.Add(-30 * time.Minute)
	notif.NextNotification = now.Add(30 * time.Minute)
	sc.Unlock()

	d, err := h.downtimes.ScheduleDowntime(sc, &objects.Downtime{
		Author:      "alice",
		CommentText: "maintenance",
		StartTime:   now.Add(-time.Hour),
		EndTime:     now.Add(time.Hour),
		Fixed:       true,
	}, objects.Origin{})
	require.NoError(t, err)
	userComment, err := h.downtimes.AddComment(sc, &objects.Comment{
		Author:    "bob",
		Text:      "watch this one",
		EntryType: objects.CommentUser,
	}, objects.Origin{})
	require.NoError(t, err)

	h.program.SetNotificationsEnabled(false)
	h.program.SetFlapDetectionEnabled(false)

	ret, err := NewRetention(RetentionConfig{
		Path:      h.dir + "/state.json",
		Store:     h.store,
		Program:   h.program,
		Downtimes: h.downtimes,
		Clock:     h.clock,
	})
	require.NoError(t, err)
	require.NoError(t, ret.Save())

	// A fresh daemon with the same configuration and clean runtime state.
	store2 := objects.NewStore()
	host2 := objects.NewHost("web-01")
	require.NoError(t, store2.AddHost(host2))
	svc2 := objects.NewService("web-01", "http")
	require.NoError(t, store2.AddService(svc2))
	notif2 := &objects.Notification{
		Name:        "http-mail",
		Kind:        objects.TypeService,
		ParentName:  "web-01!http",
		CommandName: "mail",
		Interval:    time.Hour,
	}
	require.NoError(t, store2.AddNotification(notif2))
	program2 := objects.NewProgram("2.0.0", "node-a", 78, h.clock.Now())
	dm2, err := downtime.NewManager(downtime.Config{Store: store2, Clock: h.clock})
	require.NoError(t, err)
	ret2, err := NewRetention(RetentionConfig{
		Path:      h.dir + "/state.json",
		Store:     store2,
		Program:   program2,
		Downtimes: dm2,
		Clock:     h.clock,
	})
	require.NoError(t, err)
	require.NoError(t, ret2.Load())

	c2 := &svc2.Checkable
	c2.Lock()
	assert.Equal(t, objects.StateCritical, c2.State)
	assert.Equal(t, objects.StateTypeHard, c2.StateType)
	assert.Equal(t, 3, c2.Attempt)
	assert.True(t, c2.HasBeenChecked)
	require.NotNil(t, c2.LastCheckResult)
	assert.Empty(t, cmp.Diff(
		&objects.CheckResult{Output: "connect refused", ExitStatus: 2, Active: true},
		c2.LastCheckResult))
	assert.True(t, c2.LastCheck.Equal(now.Add(-time.Minute)))
	assert.True(t, c2.NextCheck.Equal(now.Add(4*time.Minute)))
	assert.Equal(t, objects.StateCritical, c2.LastHardState)
	assert.True(t, c2.Flapping)
	assert.Equal(t, 12.0, c2.FlapPositive)
	assert.Equal(t, 3.0, c2.FlapNegative)
	assert.Equal(t, objects.AckSticky, c2.Ack.Type)
	assert.Equal(t, "alice", c2.Ack.Author)
	assert.False(t, c2.NotificationsEnabled)
	assert.Equal(t, 4, notif2.NotificationNumber)
	assert.True(t, notif2.NextNotification.Equal(now.Add(30*time.Minute)))
	c2.Unlock()

	downtimes := dm2.DowntimesFor(c2)
	require.Len(t, downtimes, 1)
	assert.Equal(t, d.LegacyID, downtimes[0].LegacyID)
	assert.Equal(t, "maintenance", downtimes[0].CommentText)
	// The fixed window was already open, so it came back active.
	assert.True(t, downtimes[0].Active)

	comments := dm2.CommentsFor(c2)
	require.Len(t, comments, 2)
	var restoredUser *objects.Comment
	for _, cm := range comments {
		if cm.EntryType == objects.CommentUser {
			restoredUser = cm
		}
	}
	require.NotNil(t, restoredUser)
	assert.Equal(t, userComment.LegacyID, restoredUser.LegacyID)
	assert.Equal(t, "watch this one", restoredUser.Text)

	// The ID counters advanced past the restored entries.
	fresh, err := dm2.ScheduleDowntime(&host2.Checkable, &objects.Downtime{
		Author:    "carol",
		StartTime: now.Add(time.Hour),
		EndTime:   now.Add(2 * time.Hour),
		Fixed:     true,
	}, objects.Origin{})
	require.NoError(t, err)
	assert.Greater(t, fresh.LegacyID, d.LegacyID)

	assert.False(t, program2.NotificationsEnabled())
	assert.False(t, program2.FlapDetectionEnabled())
	assert.True(t, program2.ActiveChecksEnabled())
}

func TestRetentionSkipsExpiredAndUnknown(t *testing.T) {
	h := newStatusHarness(t)
	now := h.clock.Now()

	// A second service that will be dropped from the configuration before
	// the snapshot is loaded.
	disk := objects.NewService("web-01", "disk")
	require.NoError(t, h.store.AddService(disk))
	disk.Checkable.Lock()
	disk.Checkable.State = objects.StateCritical
	disk.Checkable.Unlock()

	sc := &h.svc.Checkable
	sc.Lock()
	sc.State = objects.StateWarning
	sc.Unlock()

	_, err := h.downtimes.ScheduleDowntime(sc, &objects.Downtime{
		Author:    "alice",
		StartTime: now.Add(-2 * time.Hour),
		EndTime:   now.Add(time.Minute),
		Fixed:     true,
	}, objects.Origin{})
	require.NoError(t, err)
	_, err = h.downtimes.AddComment(sc, &objects.Comment{
		Author:     "bob",
		Text:       "short lived",
		EntryType:  objects.CommentUser,
		ExpireTime: now.Add(time.Minute),
	}, objects.Origin{})
	require.NoError(t, err)

	ret, err := NewRetention(RetentionConfig{
		Path:      h.dir + "/state.json",
		Store:     h.store,
		Program:   h.program,
		Downtimes: h.downtimes,
		Clock:     h.clock,
	})
	require.NoError(t, err)
	require.NoError(t, ret.Save())

	// By the time the next boot reads the snapshot, both have expired.
	h.clock.Advance(10 * time.Minute)

	store2 := objects.NewStore()
	host2 := objects.NewHost("web-01")
	require.NoError(t, store2.AddHost(host2))
	svc2 := objects.NewService("web-01", "http")
	require.NoError(t, store2.AddService(svc2))
	program2 := objects.NewProgram("2.0.0", "node-a", 78, h.clock.Now())
	dm2, err := downtime.NewManager(downtime.Config{Store: store2, Clock: h.clock})
	require.NoError(t, err)
	ret2, err := NewRetention(RetentionConfig{
		Path:      h.dir + "/state.json",
		Store:     store2,
		Program:   program2,
		Downtimes: dm2,
		Clock:     h.clock,
	})
	require.NoError(t, err)
	require.NoError(t, ret2.Load())

	// The snapshot entry for web-01!disk has nowhere to land and is
	// silently dropped; everything else restores.
	c2 := &svc2.Checkable
	c2.Lock()
	assert.Equal(t, objects.StateWarning, c2.State)
	c2.Unlock()
	assert.Empty(t, dm2.DowntimesFor(c2))
	for _, cm := range dm2.CommentsFor(c2) {
		assert.NotEqual(t, "short lived", cm.Text)
	}
}

func TestRetentionLoadMissingFile(t *testing.T) {
	h := newStatusHarness(t)
	ret, err := NewRetention(RetentionConfig{
		Path:      h.dir + "/state.json",
		Store:     h.store,
		Program:   h.program,
		Downtimes: h.downtimes,
		Clock:     h.clock,
	})
	require.NoError(t, err)
	require.NoError(t, ret.Load())
}

func TestRetentionLoadCorruptFile(t *testing.T) {
	h := newStatusHarness(t)
	path := h.dir + "/state.json"
	require.NoError(t, os.WriteFile(path, []byte("{truncated"), 0o600))

	ret, err := NewRetention(RetentionConfig{
		Path:      path,
		Store:     h.store,
		Program:   h.program,
		Downtimes: h.downtimes,
		Clock:     h.clock,
	})
	require.NoError(t, err)
	err = ret.Load()
	require.True(t, trace.IsBadParameter(err))
}

func TestRetentionRunSavesOnShutdown(t *testing.T) {
	h := newStatusHarness(t)
	ret, err := NewRetention(RetentionConfig{
		Path:      h.dir + "/state.json",
		Store:     h.store,
		Program:   h.program,
		Downtimes: h.downtimes,
		Clock:     h.clock,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ret.Run(ctx) }()

	h.clock.BlockUntil(1)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	_, err = os.Stat(ret.Path)
	require.NoError(t, err)
}
