// Package perfdata parses plugin performance data and ships it to the
// template-driven perfdata files consumed by RRD-style post-processors.
package perfdata

import (
	"context"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/oceanplexian/vigil/internal/macros"
	"github.com/oceanplexian/vigil/internal/objects"
)

var log = logrus.WithField(trace.Component, "vigil:perfdata")

// Parse splits a plugin perfdata segment into typed values. Tokens are
// whitespace-separated label=value[unit];warn;crit;min;max entries; labels
// containing spaces are single-quoted. Malformed tokens are skipped.
func Parse(raw string) []objects.PerfValue {
	var out []objects.PerfValue
	for _, tok := range splitTokens(raw) {
		pv, err := parseToken(tok)
		if err != nil {
			log.Debugf("Skipping malformed perfdata token %q: %v.", tok, err)
			continue
		}
		out = append(out, pv)
	}
	return out
}

func splitTokens(raw string) []string {
	var toks []string
	inQuote := false
	start := 0
	for i := 0; i < len(raw); i++ {
		switch raw[i] {
		case '\'':
			inQuote = !inQuote
		case ' ', '\t':
			if !inQuote {
				if i > start {
					toks = append(toks, raw[start:i])
				}
				start = i + 1
			}
		}
	}
	if start < len(raw) {
		toks = append(toks, raw[start:])
	}
	return toks
}

func parseToken(tok string) (objects.PerfValue, error) {
	var pv objects.PerfValue

	rest := tok
	if strings.HasPrefix(rest, "'") {
		end := strings.Index(rest, "'=")
		if end < 1 {
			return pv, trace.BadParameter("unterminated quoted label")
		}
		pv.Label = rest[1:end]
		rest = rest[end+2:]
	} else {
		eq := strings.IndexByte(rest, '=')
		if eq <= 0 {
			return pv, trace.BadParameter("missing = separator")
		}
		pv.Label = rest[:eq]
		rest = rest[eq+1:]
	}

	fields := strings.SplitN(rest, ";", 5)
	numPart := strings.TrimRightFunc(fields[0], func(r rune) bool {
		return unicode.IsLetter(r) || r == '%'
	})
	value, err := strconv.ParseFloat(numPart, 64)
	if err != nil {
		return pv, trace.BadParameter("bad value %q", fields[0])
	}
	pv.Value = value
	pv.Unit = fields[0][len(numPart):]
	if len(fields) > 1 {
		pv.Warn = fields[1]
	}
	if len(fields) > 2 {
		pv.Crit = fields[2]
	}
	if len(fields) > 3 {
		pv.Min = fields[3]
	}
	if len(fields) > 4 {
		pv.Max = fields[4]
	}
	return pv, nil
}

// Mode selects how a perfdata file is opened.
type Mode int

const (
	ModeAppend Mode = iota
	ModeWrite
	ModePipe
)

// Default templates follow the classic tab-separated layout that perfdata
// post-processors expect.
const (
	DefaultHostTemplate    = "[HOSTPERFDATA]\t$TIMET$\t$HOSTNAME$\t$HOSTEXECUTIONTIME$\t$HOSTOUTPUT$\t$HOSTPERFDATA$"
	DefaultServiceTemplate = "[SERVICEPERFDATA]\t$TIMET$\t$HOSTNAME$\t$SERVICEDESC$\t$SERVICEEXECUTIONTIME$\t$SERVICELATENCY$\t$SERVICEOUTPUT$\t$SERVICEPERFDATA$"
)

// FileConfig describes one perfdata file: where it lives, the line template
// and the command that post-processes it on rotation.
type FileConfig struct {
	Path              string
	Template          string
	Mode              Mode
	ProcessingCommand string
}

// Config holds the writer dependencies.
type Config struct {
	Store   *objects.Store
	Program *objects.Program

	Host    FileConfig
	Service FileConfig

	// RotationInterval is how often the processing commands run; zero
	// disables rotation.
	RotationInterval time.Duration

	// ProcessEmptyResults writes template lines even when a result carried
	// no perfdata.
	ProcessEmptyResults bool

	CommandTimeout time.Duration
	Clock          clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Host.Template == "" {
		c.Host.Template = DefaultHostTemplate
	}
	if c.Service.Template == "" {
		c.Service.Template = DefaultServiceTemplate
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = 30 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Writer renders check results into the configured perfdata files. It is
// wired to the event bus and called under the checkable's lock.
type Writer struct {
	Config

	mu          sync.Mutex
	hostFile    *os.File
	serviceFile *os.File
}

// NewWriter builds a writer and opens the configured files.
func NewWriter(cfg Config) (*Writer, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	w := &Writer{Config: cfg}
	if err := w.open(); err != nil {
		return nil, trace.Wrap(err)
	}
	return w, nil
}

func (w *Writer) open() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var err error
	if w.Host.Path != "" && w.hostFile == nil {
		if w.hostFile, err = openFile(w.Host.Path, w.Host.Mode); err != nil {
			return trace.ConvertSystemError(err)
		}
	}
	if w.Service.Path != "" && w.serviceFile == nil {
		if w.serviceFile, err = openFile(w.Service.Path, w.Service.Mode); err != nil {
			return trace.ConvertSystemError(err)
		}
	}
	return nil
}

func openFile(path string, mode Mode) (*os.File, error) {
	switch mode {
	case ModeWrite:
		return os.Create(path)
	case ModePipe:
		return os.OpenFile(path, os.O_WRONLY, 0)
	default:
		return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	}
}

// Close releases the open files.
func (w *Writer) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.hostFile != nil {
		w.hostFile.Close()
		w.hostFile = nil
	}
	if w.serviceFile != nil {
		w.serviceFile.Close()
		w.serviceFile = nil
	}
}

// HandleResult renders one check result into the matching perfdata file.
func (w *Writer) HandleResult(c *objects.Checkable, cr *objects.CheckResult, origin objects.Origin) {
	if w.Program != nil && !w.Program.PerfDataEnabled() {
		return
	}
	if !c.ProcessPerfData {
		return
	}
	if len(cr.PerfData) == 0 && !w.ProcessEmptyResults {
		return
	}

	rs := macros.ForCheckable(w.Store, c, w.Clock.Now())
	if c.IsHost() {
		w.writeLine(w.Host.Template, &w.hostFile, rs)
	} else {
		w.writeLine(w.Service.Template, &w.serviceFile, rs)
	}
}

func (w *Writer) writeLine(template string, file **os.File, rs macros.Resolvers) {
	line, err := rs.Resolve(template)
	if err != nil {
		log.Warningf("Failed to render perfdata template: %v.", err)
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if *file == nil {
		return
	}
	if _, err := (*file).WriteString(line + "\n"); err != nil {
		log.Warningf("Failed to write perfdata line: %v.", err)
	}
}

// Run executes the file processing commands on the rotation interval until
// the context is cancelled.
func (w *Writer) Run(ctx context.Context) error {
	if w.RotationInterval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := w.Clock.NewTicker(w.RotationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			w.ProcessHostFile()
			w.ProcessServiceFile()
		}
	}
}

// ProcessHostFile runs the host processing command, closing and reopening
// the file around it when the file is truncate-on-open.
func (w *Writer) ProcessHostFile() {
	w.processFile(w.Host, &w.hostFile)
}

// ProcessServiceFile runs the service processing command.
func (w *Writer) ProcessServiceFile() {
	w.processFile(w.Service, &w.serviceFile)
}

func (w *Writer) processFile(fc FileConfig, file **os.File) {
	if fc.ProcessingCommand == "" {
		return
	}
	w.mu.Lock()
	if *file != nil && fc.Mode == ModeWrite {
		(*file).Close()
		*file = nil
	}
	w.mu.Unlock()

	if err := w.runCommand(fc.ProcessingCommand); err != nil {
		log.Warningf("Perfdata processing command failed: %v.", err)
	}

	if fc.Path != "" && fc.Mode == ModeWrite {
		w.mu.Lock()
		f, err := openFile(fc.Path, fc.Mode)
		if err != nil {
			log.Warningf("Failed to reopen perfdata file %q: %v.", fc.Path, err)
		} else {
			*file = f
		}
		w.mu.Unlock()
	}
}

func (w *Writer) runCommand(cmdLine string) error {
	ctx, cancel := context.WithTimeout(context.Background(), w.CommandTimeout)
	defer cancel()
	return exec.CommandContext(ctx, "/bin/sh", "-c", cmdLine).Run()
}
