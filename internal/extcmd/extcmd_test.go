package extcmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanplexian/vigil/internal/checker"
	"github.com/oceanplexian/vigil/internal/downtime"
	"github.com/oceanplexian/vigil/internal/objects"
)

type cmdHarness struct {
	t         *testing.T
	clock     *clockwork.FakeClock
	store     *objects.Store
	program   *objects.Program
	downtimes *downtime.Manager
	listener  *Listener
	host      *objects.Host
	svc       *objects.Service
	disk      *objects.Service
}

func newCmdHarness(t *testing.T) *cmdHarness {
	t.Helper()
	now := time.Date(2025, 7, 10, 9, 0, 0, 0, time.UTC)

	h := &cmdHarness{t: t, clock: clockwork.NewFakeClockAt(now)}
	h.store = objects.NewStore()
	h.program = objects.NewProgram("test", "node-a", 7, now)

	h.host = objects.NewHost("web-01")
	require.NoError(t, h.store.AddHost(h.host))
	h.svc = objects.NewService("web-01", "http")
	require.NoError(t, h.store.AddService(h.svc))
	h.disk = objects.NewService("web-01", "disk")
	require.NoError(t, h.store.AddService(h.disk))

	processor, err := checker.NewProcessor(checker.ProcessorConfig{
		Store:   h.store,
		Program: h.program,
		Clock:   h.clock,
	})
	require.NoError(t, err)
	downtimes, err := downtime.NewManager(downtime.Config{Store: h.store, Clock: h.clock})
	require.NoError(t, err)
	h.downtimes = downtimes

	l, err := New(Config{
		Store:     h.store,
		Program:   h.program,
		Processor: processor,
		Downtimes: downtimes,
		Clock:     h.clock,
	})
	require.NoError(t, err)
	h.listener = l
	return h
}

func TestConfigValidation(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
	assert.True(t, trace.IsBadParameter(err))
}

func TestSplitLine(t *testing.T) {
	ts, verb, rest, err := splitLine("[1557968778] ENABLE_NOTIFICATIONS")
	require.NoError(t, err)
	assert.Equal(t, int64(1557968778), ts)
	assert.Equal(t, "ENABLE_NOTIFICATIONS", verb)
	assert.Empty(t, rest)

	ts, verb, rest, err = splitLine("[1557968778] PROCESS_SERVICE_CHECK_RESULT;web-01;http;2;CRITICAL - connect refused")
	require.NoError(t, err)
	assert.Equal(t, int64(1557968778), ts)
	assert.Equal(t, "PROCESS_SERVICE_CHECK_RESULT", verb)
	assert.Equal(t, "web-01;http;2;CRITICAL - connect refused", rest)
}

func TestSplitLineRejectsMalformed(t *testing.T) {
	lines := []string{
		"",
		"PROCESS_HOST_CHECK_RESULT;web-01;0;OK",
		"[not-a-ts] ENABLE_NOTIFICATIONS",
		"[1557968778 ENABLE_NOTIFICATIONS",
		"[1557968778]",
		"[1557968778]   ",
	}
	for _, line := range lines {
		_, _, _, err := splitLine(line)
		assert.Error(t, err, "line %q", line)
	}
}

func TestExecuteArgumentBounds(t *testing.T) {
	h := newCmdHarness(t)

	err := h.listener.execute("[1] PROCESS_SERVICE_CHECK_RESULT;web-01;http")
	require.Error(t, err)
	assert.True(t, trace.IsBadParameter(err))

	err = h.listener.execute("[1] ENABLE_NOTIFICATIONS;surprise")
	require.Error(t, err)
	assert.True(t, trace.IsBadParameter(err))

	err = h.listener.execute("[1] NO_SUCH_COMMAND")
	require.Error(t, err)
	assert.True(t, trace.IsBadParameter(err))
}

// The split stops at the verb's argument bound so free text keeps its
// semicolons.
func TestLastArgumentKeepsSemicolons(t *testing.T) {
	h := newCmdHarness(t)
	require.NoError(t, h.listener.execute("[1] ADD_SVC_COMMENT;web-01;http;1;alice;load high; paging oncall; see wiki"))

	comments := h.downtimes.CommentsFor(&h.svc.Checkable)
	require.Len(t, comments, 1)
	assert.Equal(t, "alice", comments[0].Author)
	assert.Equal(t, "load high; paging oncall; see wiki", comments[0].Text)
	assert.Equal(t, objects.CommentUser, comments[0].EntryType)
}

func TestSubmitToleratesGarbage(t *testing.T) {
	h := newCmdHarness(t)
	h.listener.Submit("this is not a command")
	h.listener.Submit("[123] NO_SUCH_COMMAND;x")
	h.listener.Submit("")

	// The feed survives and later commands still apply.
	h.listener.Submit("[123] DISABLE_NOTIFICATIONS")
	assert.False(t, h.program.NotificationsEnabled())
}

func TestExternalCommandEventEmitted(t *testing.T) {
	h := newCmdHarness(t)
	type cmdEvent struct {
		ts   time.Time
		verb string
		args []string
	}
	var events []cmdEvent
	h.store.Events().OnExternalCommand(func(ts time.Time, verb string, args []string) {
		events = append(events, cmdEvent{ts, verb, args})
	})

	h.listener.Submit("[1557968778] DISABLE_NOTIFICATIONS")
	h.listener.Submit("[1557968778] NO_SUCH_COMMAND;x")
	h.listener.Submit("[1557968778] PROCESS_SERVICE_CHECK_RESULT;web-01;http;2;CRITICAL")

	// Only commands that executed successfully are recorded.
	require.Len(t, events, 2)
	assert.Equal(t, "DISABLE_NOTIFICATIONS", events[0].verb)
	assert.Empty(t, events[0].args)
	assert.Equal(t, time.Unix(1557968778, 0), events[0].ts)
	assert.Equal(t, "PROCESS_SERVICE_CHECK_RESULT", events[1].verb)
	assert.Equal(t, []string{"web-01", "http", "2", "CRITICAL"}, events[1].args)
}

func TestIngestFile(t *testing.T) {
	h := newCmdHarness(t)
	path := filepath.Join(t.TempDir(), "batch.cmd")
	lines := "[100] DISABLE_NOTIFICATIONS\nnot a command\n[101] DISABLE_FLAP_DETECTION\n"
	require.NoError(t, os.WriteFile(path, []byte(lines), 0o644))

	require.NoError(t, h.listener.IngestFile(path, false))
	assert.False(t, h.program.NotificationsEnabled())
	assert.False(t, h.program.FlapDetectionEnabled())
	_, err := os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, h.listener.IngestFile(path, true))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestProcessFileCommand(t *testing.T) {
	h := newCmdHarness(t)
	path := filepath.Join(t.TempDir(), "inner.cmd")
	require.NoError(t, os.WriteFile(path, []byte("[100] DISABLE_NOTIFICATIONS\n"), 0o644))

	require.NoError(t, h.listener.execute("[100] PROCESS_FILE;"+path+";1"))
	assert.False(t, h.program.NotificationsEnabled())
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestDrainSpool(t *testing.T) {
	h := newCmdHarness(t)
	dir := t.TempDir()
	h.listener.SpoolDir = dir
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.cmd"), []byte("[100] DISABLE_NOTIFICATIONS\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignore.tmp"), []byte("[100] DISABLE_FLAP_DETECTION\n"), 0o644))

	h.listener.drainSpool()

	assert.False(t, h.program.NotificationsEnabled())
	assert.True(t, h.program.FlapDetectionEnabled())
	_, err := os.Stat(filepath.Join(dir, "a.cmd"))
	assert.True(t, os.IsNotExist(err), "ingested file is unlinked")
	_, err = os.Stat(filepath.Join(dir, "ignore.tmp"))
	require.NoError(t, err, "non-command files stay")
}

func TestSpoolWatcherIngestsDroppedFiles(t *testing.T) {
	h := newCmdHarness(t)
	dir := t.TempDir()
	h.listener.SpoolDir = dir

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.listener.Run(ctx) }()

	// Write-then-rename, the drop convention the watcher relies on.
	tmp := filepath.Join(dir, "drop.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("[100] DISABLE_NOTIFICATIONS\n"), 0o644))
	require.NoError(t, os.Rename(tmp, filepath.Join(dir, "drop.cmd")))

	require.Eventually(t, func() bool {
		return !h.program.NotificationsEnabled()
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, "drop.cmd"))
		return os.IsNotExist(err)
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop")
	}
}

func TestPipeDelivery(t *testing.T) {
	h := newCmdHarness(t)
	h.listener.PipePath = filepath.Join(t.TempDir(), "vigil.cmd")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.listener.Run(ctx) }()

	// The listener may still be creating the FIFO; retry until the write
	// side opens.
	var w *os.File
	require.Eventually(t, func() bool {
		f, err := os.OpenFile(h.listener.PipePath, os.O_WRONLY, 0)
		if err != nil {
			return false
		}
		w = f
		return true
	}, 2*time.Second, 10*time.Millisecond)

	_, err := w.WriteString("[100] ADD_HOST_COMMENT;web-01;1;walter;pipe says hello\n")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	require.Eventually(t, func() bool {
		return len(h.downtimes.CommentsFor(&h.host.Checkable)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop")
	}
}

func TestPipeRejectsRegularFile(t *testing.T) {
	h := newCmdHarness(t)
	path := filepath.Join(t.TempDir(), "not-a-pipe")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	h.listener.PipePath = path

	err := h.listener.Run(context.Background())
	require.Error(t, err)
	assert.True(t, trace.IsBadParameter(err))
}
