package checker

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/oceanplexian/vigil/internal/objects"
)

var commandTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "vigil_command_timeouts_total",
	Help: "Commands killed by the execution timeout.",
})

func init() {
	prometheus.MustRegister(commandTimeouts)
}

// TimeoutOutput replaces plugin output when the wall-clock timeout kills the
// process group.
const TimeoutOutput = "<Timeout exceeded.>"

// SpawnFailureExit is the synthetic exit status for commands that could not
// be started at all.
const SpawnFailureExit = 128

// Pool utilisation bounds. Above the high mark a worker is added per resize
// tick, below the low mark one retires.
const (
	poolGrowThreshold   = 0.8
	poolShrinkThreshold = 0.6
)

const defaultCommandTimeout = time.Minute

// Job is one command execution request. Argv runs by direct exec; Command is
// a shell line, dispatched to a persistent shell worker unless Env forces
// direct exec. Done, when set, receives the result instead of the executor's
// results channel.
type Job struct {
	Kind          string
	Name          string
	Command       string
	Argv          []string
	Env           map[string]string
	Timeout       time.Duration
	ScheduleStart time.Time
	Active        bool
	Done          func(*objects.CheckResult)
}

// Result pairs a finished check with the checkable it belongs to.
type Result struct {
	Kind        string
	Name        string
	CheckResult *objects.CheckResult
}

// Config holds executor tuning.
type Config struct {
	// MinWorkers is the floor of the pool, at least 2.
	MinWorkers int
	// MaxWorkers bounds growth under load.
	MaxWorkers int
	// QueueSize is the job buffer; an overflow spawns a short-lived
	// goroutine rather than blocking the submitter.
	QueueSize int
	// Self is stamped as check_source on produced results.
	Self string
	// ResizeInterval is how often utilisation is sampled.
	ResizeInterval time.Duration
	// Clock is the time source for the resize loop.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.MinWorkers < 2 {
		c.MinWorkers = 2
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 256
	}
	if c.MaxWorkers < c.MinWorkers {
		return trace.BadParameter("MaxWorkers %v below MinWorkers %v", c.MaxWorkers, c.MinWorkers)
	}
	if c.QueueSize <= 0 {
		c.QueueSize = c.MaxWorkers * 4
	}
	if c.ResizeInterval <= 0 {
		c.ResizeInterval = 5 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Executor runs commands on a pool of workers that grows and shrinks with
// load. Workers are started once and read jobs from a buffered channel;
// each owns a persistent /bin/sh process so the daemon does not fork its
// full address space per check.
type Executor struct {
	Config

	jobs    chan Job
	retire  chan struct{}
	results chan Result

	workers atomic.Int64
	busy    atomic.Int64

	sentinel string
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewExecutor builds the pool and starts MinWorkers workers.
func NewExecutor(cfg Config) (*Executor, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	sentinelBytes := make([]byte, 16)
	if _, err := rand.Read(sentinelBytes); err != nil {
		return nil, trace.ConvertSystemError(err)
	}

	e := &Executor{
		Config:   cfg,
		jobs:     make(chan Job, cfg.QueueSize),
		retire:   make(chan struct{}),
		results:  make(chan Result, cfg.QueueSize),
		sentinel: hex.EncodeToString(sentinelBytes),
	}
	for i := 0; i < cfg.MinWorkers; i++ {
		e.spawn()
	}
	return e, nil
}

// Results delivers finished jobs that carry no Done callback.
func (e *Executor) Results() <-chan Result { return e.results }

// Workers returns the current pool size.
func (e *Executor) Workers() int { return int(e.workers.Load()) }

// Busy returns the number of jobs executing right now.
func (e *Executor) Busy() int { return int(e.busy.Load()) }

// Submit queues a job. A full buffer hands off to a short-lived goroutine so
// the scheduler loop never blocks here.
func (e *Executor) Submit(job Job) {
	select {
	case e.jobs <- job:
	default:
		go func() { e.jobs <- job }()
	}
}

// Run resizes the pool on ResizeInterval until the context is cancelled.
func (e *Executor) Run(ctx context.Context) error {
	ticker := e.Clock.NewTicker(e.ResizeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			e.resize()
		}
	}
}

// Stop closes the job feed and waits for in-flight work to finish. Callers
// must have stopped submitting first.
func (e *Executor) Stop() {
	e.stopOnce.Do(func() { close(e.jobs) })
	e.wg.Wait()
}

func (e *Executor) resize() {
	workers := int(e.workers.Load())
	if workers == 0 {
		return
	}
	util := float64(e.busy.Load()) / float64(workers)
	switch {
	case util > poolGrowThreshold && workers < e.MaxWorkers:
		e.spawn()
		log.Debugf("Pool grew to %v workers (utilisation %.0f%%).", workers+1, util*100)
	case util < poolShrinkThreshold && workers > e.MinWorkers:
		select {
		case e.retire <- struct{}{}:
			log.Debugf("Pool retiring one of %v workers (utilisation %.0f%%).", workers, util*100)
		default:
		}
	}
}

func (e *Executor) spawn() {
	e.workers.Add(1)
	e.wg.Add(1)
	go e.worker()
}

// worker owns one persistent shell and serves jobs until retired or the job
// feed closes. A dead shell is respawned once per job before falling back to
// direct exec.
func (e *Executor) worker() {
	defer e.wg.Done()
	defer e.workers.Add(-1)

	sw, err := newShellWorker(e.sentinel)
	if err != nil {
		log.WithError(err).Warn("Persistent shell unavailable, worker falls back to direct exec.")
		sw = nil
	}
	defer func() {
		if sw != nil {
			sw.Close()
		}
	}()

	for {
		select {
		case <-e.retire:
			// A stale token can arrive after others already retired; never
			// shrink below the floor.
			if int(e.workers.Load()) <= e.MinWorkers {
				continue
			}
			return
		case job, ok := <-e.jobs:
			if !ok {
				return
			}
			e.busy.Add(1)
			cr := e.runJob(&sw, job)
			e.busy.Add(-1)
			if job.Done != nil {
				job.Done(cr)
			} else {
				e.results <- Result{Kind: job.Kind, Name: job.Name, CheckResult: cr}
			}
		}
	}
}

func (e *Executor) runJob(swp **shellWorker, job Job) *objects.CheckResult {
	if job.Timeout <= 0 {
		job.Timeout = defaultCommandTimeout
	}
	// Argv and extra-env commands bypass the shared shell.
	if len(job.Argv) > 0 || len(job.Env) > 0 {
		return e.runDirect(job)
	}

	cr := e.runViaShell(*swp, job)
	if cr == nil {
		if *swp != nil {
			(*swp).Close()
		}
		replacement, err := newShellWorker(e.sentinel)
		if err != nil {
			replacement = nil
		}
		*swp = replacement
		if cr = e.runViaShell(*swp, job); cr == nil {
			cr = e.runDirect(job)
		}
	}
	return cr
}

// runViaShell executes through the persistent shell. A nil return asks the
// caller to respawn the shell and retry.
func (e *Executor) runViaShell(sw *shellWorker, job Job) *objects.CheckResult {
	if sw == nil || !sw.alive {
		return nil
	}

	cr := e.newResult(job)
	cr.ExecutionStart = time.Now()
	output, exitCode, timedOut, err := sw.Run(job.Command, job.Timeout)
	cr.ExecutionEnd = time.Now()
	cr.ScheduleEnd = cr.ExecutionEnd

	if timedOut {
		commandTimeouts.Inc()
		cr.ExitStatus = 3
		cr.Output = TimeoutOutput
		return cr
	}
	if err != nil {
		return nil
	}
	cr.ExitStatus = exitCode
	ApplyOutput(cr, output)
	return cr
}

// runDirect forks and execs the command in its own process group, with the
// job environment layered over the inherited one.
func (e *Executor) runDirect(job Job) *objects.CheckResult {
	argv := job.Argv
	if len(argv) == 0 {
		argv = []string{"/bin/sh", "-c", job.Command}
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if len(job.Env) > 0 {
		env := os.Environ()
		for k, v := range job.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	cr := e.newResult(job)
	cr.ExecutionStart = time.Now()
	if err := cmd.Start(); err != nil {
		cr.ExecutionEnd = time.Now()
		cr.ScheduleEnd = cr.ExecutionEnd
		cr.ExitStatus = SpawnFailureExit
		cr.Output = fmt.Sprintf("(Unable to spawn check process: %v)", err)
		return cr
	}

	var killed atomic.Bool
	timer := time.AfterFunc(job.Timeout, func() {
		killed.Store(true)
		syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	})
	err := cmd.Wait()
	timer.Stop()

	cr.ExecutionEnd = time.Now()
	cr.ScheduleEnd = cr.ExecutionEnd

	if killed.Load() {
		commandTimeouts.Inc()
		cr.ExitStatus = 3
		cr.Output = TimeoutOutput
		return cr
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
				cr.ExitStatus = ws.ExitStatus()
			} else {
				cr.ExitStatus = 3
			}
		} else {
			cr.ExitStatus = SpawnFailureExit
			cr.Output = fmt.Sprintf("(Unable to spawn check process: %v)", err)
			return cr
		}
	}
	ApplyOutput(cr, buf.String())
	return cr
}

func (e *Executor) newResult(job Job) *objects.CheckResult {
	scheduleStart := job.ScheduleStart
	if scheduleStart.IsZero() {
		scheduleStart = time.Now()
	}
	return &objects.CheckResult{
		ScheduleStart: scheduleStart,
		CheckSource:   e.Self,
		Active:        job.Active,
	}
}
