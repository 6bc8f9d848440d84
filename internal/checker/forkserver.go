package checker

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gravitational/trace"
)

// shellScript is the POSIX read-eval loop each persistent shell worker runs.
// One command per line on stdin, evaluated with stdout/stderr merged, then a
// sentinel line carrying the exit code. </dev/null keeps child commands from
// consuming the shell's stdin.
const shellScript = `s="$1"; while IFS= read -r c; do (eval "$c") </dev/null 2>&1; printf '%s %d\n' "$s" $?; done`

// shellWorker wraps one persistent /bin/sh process. Running checks through
// it avoids forking the daemon's full address space per check. The worker
// runs in its own process group so a timeout can kill the shell together
// with whatever it spawned.
type shellWorker struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stdout   *bufio.Scanner
	sentinel string
	alive    bool
}

func newShellWorker(sentinel string) (*shellWorker, error) {
	cmd := exec.Command("/bin/sh", "-c", shellScript, "--", sentinel)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, trace.ConvertSystemError(err)
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, trace.ConvertSystemError(err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	return &shellWorker{
		cmd:      cmd,
		stdin:    stdin,
		stdout:   scanner,
		sentinel: sentinel,
		alive:    true,
	}, nil
}

// Run feeds one command to the shell and collects output up to the sentinel
// line. A timeout kills the whole process group and reports timedOut; the
// worker is dead afterwards and must be replaced.
func (sw *shellWorker) Run(command string, timeout time.Duration) (output string, exitCode int, timedOut bool, err error) {
	if !sw.alive {
		return "", -1, false, trace.Errorf("shell worker is dead")
	}

	if _, err := fmt.Fprintf(sw.stdin, "%s\n", command); err != nil {
		sw.alive = false
		return "", -1, false, trace.ConvertSystemError(err)
	}

	var killed atomic.Bool
	timer := time.AfterFunc(timeout, func() {
		killed.Store(true)
		if sw.cmd.Process != nil {
			syscall.Kill(-sw.cmd.Process.Pid, syscall.SIGKILL)
		}
	})
	defer timer.Stop()

	var b strings.Builder
	sentinelPrefix := sw.sentinel + " "
	for sw.stdout.Scan() {
		line := sw.stdout.Text()
		if strings.HasPrefix(line, sentinelPrefix) {
			code, parseErr := strconv.Atoi(line[len(sentinelPrefix):])
			if parseErr != nil {
				code = 3
			}
			out := b.String()
			if len(out) > outputLimit {
				out = out[:outputLimit]
			}
			return out, code, false, nil
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(line)
	}

	// Scanner stopped: the shell died, either our kill or a crash.
	sw.alive = false
	if sw.cmd.ProcessState == nil {
		sw.cmd.Wait()
	}
	if killed.Load() {
		return "", -1, true, nil
	}
	return "", -1, false, trace.Errorf("shell worker exited unexpectedly")
}

// Close kills the shell process group and reaps it.
func (sw *shellWorker) Close() {
	if sw.cmd.Process != nil {
		syscall.Kill(-sw.cmd.Process.Pid, syscall.SIGKILL)
		sw.cmd.Wait()
	}
	sw.alive = false
}
