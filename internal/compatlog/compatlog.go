// Package compatlog writes the classic activity log: one [unixts] TEXT line
// per alert, notification, flap or downtime transition and external command.
// Log parsers from the classic monitoring ecosystem consume these files, so
// lines keep the exact legacy phrasing. The live file rotates by size into
// gzip archives alongside it.
package compatlog

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/oceanplexian/vigil/internal/objects"
)

var log = logrus.WithField(trace.Component, "vigil:compatlog")

const (
	defaultRotateBytes = 10 << 20

	versionLine = "LOG VERSION: 2.0"
)

var linesWritten = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "vigil_compatlog_lines_total",
		Help: "Lines written to the activity log",
	},
)

func init() {
	prometheus.MustRegister(linesWritten)
}

// Config holds the activity log settings.
type Config struct {
	// Store is the registry whose event bus is logged.
	Store *objects.Store
	// Path is the live log file.
	Path string
	// RotateBytes rotates the live file once it grows past this size.
	RotateBytes int64
	// Tee, when set, receives every line for forwarding to other history
	// sinks.
	Tee func(ts time.Time, line string)
	// Clock is the time source, swappable in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Path == "" {
		return trace.BadParameter("missing parameter Path")
	}
	if c.RotateBytes <= 0 {
		c.RotateBytes = defaultRotateBytes
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Logger appends activity lines as bus events arrive. One writer appends
// under the mutex; rotation happens inline once the live file fills.
type Logger struct {
	Config

	mu           sync.Mutex
	file         *os.File
	size         int64
	lastRotation int64
}

// New opens the live log file and subscribes to the event bus. A fresh file
// starts with the version header the parsers look for.
func New(cfg Config) (*Logger, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0750); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	f, err := os.OpenFile(cfg.Path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0640)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, trace.ConvertSystemError(err)
	}

	l := &Logger{Config: cfg, file: f, size: fi.Size()}
	if l.size == 0 {
		l.Append(versionLine)
	}

	events := cfg.Store.Events()
	events.OnStateChange(l.handleStateChange)
	events.OnNotificationSentToUser(l.handleNotification)
	events.OnFlapChange(l.handleFlapChange)
	events.OnDowntimeTriggered(l.handleDowntimeTriggered)
	events.OnDowntimeRemoved(l.handleDowntimeRemoved)
	events.OnExternalCommand(l.handleExternalCommand)
	return l, nil
}

// Append writes one line stamped with the current time. Write failures are
// absorbed with a warning so a full disk cannot stall the emitters upstream.
func (l *Logger) Append(text string) {
	now := l.Clock.Now()

	l.mu.Lock()
	n, err := fmt.Fprintf(l.file, "[%d] %s\n", now.Unix(), text)
	l.size += int64(n)
	if err != nil {
		l.mu.Unlock()
		log.WithError(err).Warn("Activity log write failed.")
		return
	}
	linesWritten.Inc()
	if l.size >= l.RotateBytes {
		if err := l.rotateLocked(now); err != nil {
			log.WithError(err).Warn("Activity log rotation failed.")
		}
	}
	l.mu.Unlock()

	if l.Tee != nil {
		l.Tee(now, text)
	}
}

// rotateLocked archives the live file to <path>.<unixts>.gz and starts a
// fresh one. Rotations inside one second still get distinct names.
func (l *Logger) rotateLocked(now time.Time) error {
	if err := l.file.Close(); err != nil {
		return trace.ConvertSystemError(err)
	}

	name := now.Unix()
	if name <= l.lastRotation {
		name = l.lastRotation + 1
	}
	target := fmt.Sprintf("%s.%d.gz", l.Path, name)

	src, err := os.Open(l.Path)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0640)
	if err != nil {
		src.Close()
		return trace.ConvertSystemError(err)
	}
	gz := gzip.NewWriter(dst)
	if _, err := io.Copy(gz, src); err != nil {
		src.Close()
		dst.Close()
		return trace.Wrap(err)
	}
	src.Close()
	if err := gz.Close(); err != nil {
		dst.Close()
		return trace.Wrap(err)
	}
	if err := dst.Close(); err != nil {
		return trace.ConvertSystemError(err)
	}

	f, err := os.OpenFile(l.Path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0640)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	l.file = f
	l.size = 0
	l.lastRotation = name

	n, err := fmt.Fprintf(l.file, "[%d] LOG ROTATION: SIZE\n[%d] %s\n", now.Unix(), now.Unix(), versionLine)
	l.size += int64(n)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	log.Debugf("Rotated activity log into %v.", target)
	return nil
}

// Close releases the live file handle.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return trace.ConvertSystemError(l.file.Close())
}

func (l *Logger) handleStateChange(c *objects.Checkable, cr *objects.CheckResult, _ objects.Origin) {
	c.Lock()
	host, svc := c.HostName, c.ServiceName
	isHost := c.IsHost()
	state := c.StateName(c.State)
	stype := stateTypeName(c.StateType)
	attempt := c.Attempt
	c.Unlock()

	output := ""
	if cr != nil {
		output = firstLine(cr.Output)
	}
	if isHost {
		l.Append(fmt.Sprintf("HOST ALERT: %s;%s;%s;%d;%s", host, state, stype, attempt, output))
	} else {
		l.Append(fmt.Sprintf("SERVICE ALERT: %s;%s;%s;%s;%d;%s", host, svc, state, stype, attempt, output))
	}
}

func (l *Logger) handleNotification(c *objects.Checkable, n *objects.Notification, u *objects.User, t objects.NotificationType, cr *objects.CheckResult) {
	c.Lock()
	host, svc := c.HostName, c.ServiceName
	isHost := c.IsHost()
	state := c.StateName(c.State)
	command := n.CommandName
	c.Unlock()

	output := ""
	if cr != nil {
		output = firstLine(cr.Output)
	}
	typeStr := notificationTypeString(t, state)
	if isHost {
		l.Append(fmt.Sprintf("HOST NOTIFICATION: %s;%s;%s;%s;%s", u.Name, host, typeStr, command, output))
	} else {
		l.Append(fmt.Sprintf("SERVICE NOTIFICATION: %s;%s;%s;%s;%s;%s", u.Name, host, svc, typeStr, command, output))
	}
}

func (l *Logger) handleFlapChange(c *objects.Checkable, kind objects.FlapEventKind) {
	c.Lock()
	host, svc := c.HostName, c.ServiceName
	isHost := c.IsHost()
	percent := c.FlapPercent()
	threshold := c.FlapThreshold
	c.Unlock()

	noun, prefix := "Service", fmt.Sprintf("SERVICE FLAPPING ALERT: %s;%s", host, svc)
	if isHost {
		noun, prefix = "Host", fmt.Sprintf("HOST FLAPPING ALERT: %s", host)
	}
	switch kind {
	case objects.FlapStarted:
		l.Append(fmt.Sprintf("%s;STARTED; %s appears to have started flapping (%.1f%% change >= %.1f%% threshold)", prefix, noun, percent, threshold))
	case objects.FlapStopped:
		l.Append(fmt.Sprintf("%s;STOPPED; %s appears to have stopped flapping (%.1f%% change < %.1f%% threshold)", prefix, noun, percent, threshold))
	case objects.FlapDisabled:
		l.Append(fmt.Sprintf("%s;DISABLED; Flap detection has been disabled", prefix))
	}
}

func (l *Logger) handleDowntimeTriggered(c *objects.Checkable, _ *objects.Downtime) {
	noun, prefix := downtimeSubject(c)
	l.Append(fmt.Sprintf("%s;STARTED; %s has entered a period of scheduled downtime", prefix, noun))
}

func (l *Logger) handleDowntimeRemoved(c *objects.Checkable, d *objects.Downtime, _ objects.Origin) {
	noun, prefix := downtimeSubject(c)
	switch {
	case d.WasCancelled:
		l.Append(fmt.Sprintf("%s;CANCELLED; Scheduled downtime for %s has been cancelled.", prefix, strings.ToLower(noun)))
	case !d.TriggerTime.IsZero():
		l.Append(fmt.Sprintf("%s;STOPPED; %s has exited from a period of scheduled downtime", prefix, noun))
	}
	// A pending window that simply expired never announced a start, so its
	// removal stays silent too.
}

func downtimeSubject(c *objects.Checkable) (noun, prefix string) {
	c.Lock()
	host, svc := c.HostName, c.ServiceName
	isHost := c.IsHost()
	c.Unlock()
	if isHost {
		return "Host", fmt.Sprintf("HOST DOWNTIME ALERT: %s", host)
	}
	return "Service", fmt.Sprintf("SERVICE DOWNTIME ALERT: %s;%s", host, svc)
}

func (l *Logger) handleExternalCommand(_ time.Time, verb string, args []string) {
	line := "EXTERNAL COMMAND: " + verb
	if len(args) > 0 {
		line += ";" + strings.Join(args, ";")
	}
	l.Append(line)
}

// notificationTypeString renders the legacy notification discriminator:
// problem and recovery lines carry the bare state, everything else wraps the
// state in the reason.
func notificationTypeString(t objects.NotificationType, state string) string {
	switch t {
	case objects.NotificationProblem, objects.NotificationRecovery:
		return state
	default:
		return fmt.Sprintf("%s (%s)", t, state)
	}
}

func stateTypeName(st objects.StateType) string {
	if st == objects.StateTypeHard {
		return "HARD"
	}
	return "SOFT"
}

// firstLine keeps multi-line plugin output out of the line-oriented format.
func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
