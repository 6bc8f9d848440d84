package checker

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSentinel() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

func TestShellWorkerRun(t *testing.T) {
	sw, err := newShellWorker(testSentinel())
	require.NoError(t, err)
	defer sw.Close()

	out, code, timedOut, err := sw.Run("echo hello", 5*time.Second)
	require.NoError(t, err)
	assert.False(t, timedOut)
	assert.Equal(t, 0, code)
	assert.Equal(t, "hello", out)
}

func TestShellWorkerExitCodes(t *testing.T) {
	sw, err := newShellWorker(testSentinel())
	require.NoError(t, err)
	defer sw.Close()

	for _, want := range []int{0, 1, 2, 3, 42} {
		_, code, _, err := sw.Run(fmt.Sprintf("exit %d", want), 5*time.Second)
		require.NoError(t, err)
		assert.Equal(t, want, code)
	}
}

func TestShellWorkerSurvivesManyCommands(t *testing.T) {
	sw, err := newShellWorker(testSentinel())
	require.NoError(t, err)
	defer sw.Close()

	for i := 0; i < 50; i++ {
		out, code, _, err := sw.Run("echo run", time.Second)
		require.NoError(t, err)
		require.Equal(t, 0, code)
		require.Equal(t, "run", out)
	}
	assert.True(t, sw.alive)
}

func TestShellWorkerMergesStderr(t *testing.T) {
	sw, err := newShellWorker(testSentinel())
	require.NoError(t, err)
	defer sw.Close()

	out, code, _, err := sw.Run("echo out; echo err 1>&2", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "out")
	assert.Contains(t, out, "err")
}

func TestShellWorkerMultilineOutput(t *testing.T) {
	sw, err := newShellWorker(testSentinel())
	require.NoError(t, err)
	defer sw.Close()

	out, code, _, err := sw.Run(`printf 'line1\nline2\nline3\n'`, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "line1\nline2\nline3", out)
}

func TestShellWorkerTimeoutKillsGroup(t *testing.T) {
	sw, err := newShellWorker(testSentinel())
	require.NoError(t, err)
	defer sw.Close()

	start := time.Now()
	_, _, timedOut, err := sw.Run("sleep 30", 200*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, timedOut)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.False(t, sw.alive)

	// A dead worker refuses further commands.
	_, _, _, err = sw.Run("echo nope", time.Second)
	assert.Error(t, err)
}

func TestShellWorkerOutputTruncated(t *testing.T) {
	sw, err := newShellWorker(testSentinel())
	require.NoError(t, err)
	defer sw.Close()

	out, code, _, err := sw.Run("head -c 20000 /dev/zero | tr '\\0' 'x'", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Len(t, out, outputLimit)
	assert.True(t, strings.HasPrefix(out, "xxx"))
}
