// Package extcmd ingests Nagios-style external commands from the command
// pipe and the spool directory and applies them through the verb registry.
// Handlers emit the same bus events as the equivalent programmatic calls,
// so successful commands replicate across the cluster like any other
// local mutation.
package extcmd

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/oceanplexian/vigil/internal/checker"
	"github.com/oceanplexian/vigil/internal/downtime"
	"github.com/oceanplexian/vigil/internal/objects"
)

var log = logrus.WithField(trace.Component, "vigil:extcmd")

var (
	commandsProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vigil_external_commands_total",
		Help: "Number of external commands applied.",
	})
	commandsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vigil_external_commands_rejected_total",
		Help: "Number of external commands that failed to parse or apply.",
	})
)

func init() {
	prometheus.MustRegister(commandsProcessed)
	prometheus.MustRegister(commandsRejected)
}

const spoolSuffix = ".cmd"

// Command is one parsed external command.
type Command struct {
	Time time.Time
	Verb string
	Args []string
}

type handlerFunc func(*Command) error

// verbSpec binds a verb to its handler and argument bounds. Splitting
// stops at maxArgs, so the last argument keeps its semicolons.
type verbSpec struct {
	fn      handlerFunc
	minArgs int
	maxArgs int
}

// Config holds the listener dependencies.
type Config struct {
	// Store is the registry commands resolve their targets in.
	Store *objects.Store
	// Program carries the global runtime toggles.
	Program *objects.Program
	// Processor receives passive check results.
	Processor *checker.Processor
	// Downtimes applies downtime and comment mutations.
	Downtimes *downtime.Manager
	// PipePath is the named pipe commands arrive on. Empty disables it.
	PipePath string
	// SpoolDir is watched for dropped *.cmd files. Empty disables it.
	SpoolDir string
	// OnShutdown and OnRestart back the process-control verbs.
	OnShutdown func()
	OnRestart  func()
	// Clock is the time source, swappable in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Program == nil {
		return trace.BadParameter("missing parameter Program")
	}
	if c.Processor == nil {
		return trace.BadParameter("missing parameter Processor")
	}
	if c.Downtimes == nil {
		return trace.BadParameter("missing parameter Downtimes")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Listener reads external commands from the pipe and the spool and
// dispatches them through the verb registry.
type Listener struct {
	Config
	verbs map[string]verbSpec
}

// New builds a listener with every verb registered.
func New(cfg Config) (*Listener, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	l := &Listener{Config: cfg}
	l.registerVerbs()
	return l, nil
}

// Run serves the pipe and the spool until the context is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if l.PipePath != "" {
		g.Go(func() error { return l.servePipe(ctx) })
	}
	if l.SpoolDir != "" {
		g.Go(func() error { return l.serveSpool(ctx) })
	}
	return g.Wait()
}

// Submit parses and applies one command line. Malformed lines and
// unknown verbs log and are dropped; the feed itself stays healthy.
func (l *Listener) Submit(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	if err := l.execute(line); err != nil {
		commandsRejected.Inc()
		log.WithError(err).Warningf("External command rejected: %v", line)
		return
	}
	commandsProcessed.Inc()
}

func (l *Listener) execute(line string) error {
	ts, verb, rest, err := splitLine(line)
	if err != nil {
		return trace.Wrap(err)
	}
	spec, ok := l.verbs[verb]
	if !ok {
		return trace.BadParameter("unknown external command %v", verb)
	}
	var args []string
	if rest != "" {
		if spec.maxArgs == 0 {
			return trace.BadParameter("%v takes no arguments", verb)
		}
		args = strings.SplitN(rest, ";", spec.maxArgs)
	}
	if len(args) < spec.minArgs {
		return trace.BadParameter("%v expects at least %v arguments, got %v", verb, spec.minArgs, len(args))
	}
	log.Debugf("Applying external command %v.", verb)
	cmd := &Command{Time: time.Unix(ts, 0), Verb: verb, Args: args}
	if err := spec.fn(cmd); err != nil {
		return trace.Wrap(err)
	}
	l.Store.Events().EmitExternalCommand(cmd.Time, cmd.Verb, cmd.Args)
	return nil
}

// splitLine parses the envelope: [<unix-ts>] <VERB>[;<args>].
func splitLine(line string) (ts int64, verb, rest string, err error) {
	if line == "" || line[0] != '[' {
		return 0, "", "", trace.BadParameter("missing timestamp bracket")
	}
	end := strings.IndexByte(line, ']')
	if end < 0 {
		return 0, "", "", trace.BadParameter("missing closing bracket")
	}
	ts, err = strconv.ParseInt(line[1:end], 10, 64)
	if err != nil {
		return 0, "", "", trace.BadParameter("bad timestamp %q", line[1:end])
	}
	body := strings.TrimSpace(line[end+1:])
	if body == "" {
		return 0, "", "", trace.BadParameter("missing command name")
	}
	if idx := strings.IndexByte(body, ';'); idx >= 0 {
		return ts, body[:idx], body[idx+1:], nil
	}
	return ts, body, "", nil
}

// servePipe reads the FIFO for the life of the context. Opening a FIFO
// read-only blocks until a writer shows up and EOF follows the last
// writer closing, so the loop reopens after every drain.
func (l *Listener) servePipe(ctx context.Context) error {
	fi, err := os.Stat(l.PipePath)
	switch {
	case os.IsNotExist(err):
		if err := mkfifo(l.PipePath); err != nil {
			return trace.ConvertSystemError(err)
		}
	case err != nil:
		return trace.ConvertSystemError(err)
	case fi.Mode()&os.ModeNamedPipe == 0:
		return trace.BadParameter("%v exists and is not a named pipe", l.PipePath)
	}
	// A reader stuck waiting for a writer only wakes when the write
	// side opens, so cancellation opens it non-blocking once.
	unblocked := make(chan struct{})
	defer close(unblocked)
	go func() {
		select {
		case <-ctx.Done():
			// The reader may not have reached open yet; retry briefly.
			for i := 0; i < 10; i++ {
				if wakePipe(l.PipePath) == nil {
					return
				}
				time.Sleep(10 * time.Millisecond)
			}
		case <-unblocked:
		}
	}()

	log.Infof("Listening for external commands on %v.", l.PipePath)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f, err := os.Open(l.PipePath)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.WithError(err).Warningf("Opening command pipe %v failed.", l.PipePath)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-l.Clock.After(time.Second):
			}
			continue
		}
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			if ctx.Err() != nil {
				f.Close()
				return ctx.Err()
			}
			l.Submit(scanner.Text())
		}
		f.Close()
	}
}

// serveSpool ingests *.cmd files dropped into the spool directory.
// Files already present at startup drain first, then fsnotify drives
// ingestion. The drop convention is write-then-rename, so a create
// event means a complete file.
func (l *Listener) serveSpool(ctx context.Context) error {
	if err := os.MkdirAll(l.SpoolDir, 0o750); err != nil {
		return trace.ConvertSystemError(err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return trace.Wrap(err)
	}
	defer watcher.Close()
	if err := watcher.Add(l.SpoolDir); err != nil {
		return trace.ConvertSystemError(err)
	}

	l.drainSpool()
	log.Infof("Watching %v for command files.", l.SpoolDir)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) || !strings.HasSuffix(event.Name, spoolSuffix) {
				continue
			}
			if err := l.IngestFile(event.Name, true); err != nil {
				log.WithError(err).Warningf("Ingesting command file %v failed.", event.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Warningf("Spool watcher error.")
		}
	}
}

func (l *Listener) drainSpool() {
	entries, err := os.ReadDir(l.SpoolDir)
	if err != nil {
		log.WithError(err).Warningf("Reading spool directory %v failed.", l.SpoolDir)
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), spoolSuffix) {
			continue
		}
		path := filepath.Join(l.SpoolDir, e.Name())
		if err := l.IngestFile(path, true); err != nil {
			log.WithError(err).Warningf("Ingesting command file %v failed.", path)
		}
	}
}

// IngestFile feeds every line of a command file through the registry,
// unlinking it afterwards when asked. PROCESS_FILE and the spool both
// land here.
func (l *Listener) IngestFile(path string, unlink bool) error {
	f, err := os.Open(path)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		l.Submit(scanner.Text())
	}
	err = scanner.Err()
	f.Close()
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	if unlink {
		if err := os.Remove(path); err != nil {
			log.WithError(err).Warningf("Removing ingested command file %v failed.", path)
		}
	}
	return nil
}
