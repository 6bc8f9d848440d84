package replaylog

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payloads := []string{`{"a":1}`, "", `{"method":"cluster::HeartBeat"}`}
	for _, p := range payloads {
		require.NoError(t, WriteFrame(&buf, []byte(p)))
	}
	assert.Equal(t, `7:{"a":1},`+"\n"+"0:,\n"+`31:{"method":"cluster::HeartBeat"},`+"\n", buf.String())

	br := bufio.NewReader(&buf)
	for _, want := range payloads {
		got, err := ReadFrame(br, MaxFrame)
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}
	_, err := ReadFrame(br, MaxFrame)
	assert.Equal(t, io.EOF, err)
}

func TestFrameWithoutNewlineParses(t *testing.T) {
	br := bufio.NewReader(bytes.NewBufferString("5:hello,5:world,\n"))
	got, err := ReadFrame(br, MaxFrame)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
	got, err = ReadFrame(br, MaxFrame)
	require.NoError(t, err)
	assert.Equal(t, "world", string(got))
}

func TestFrameErrors(t *testing.T) {
	for _, tc := range []struct {
		desc  string
		input string
	}{
		{"garbage length", "zzz:abc,"},
		{"negative length", "-4:abcd,"},
		{"oversized length", fmt.Sprintf("%d:x,", MaxFrame+1)},
		{"truncated payload", "10:abc"},
		{"truncated header", "42"},
		{"missing terminator", "3:abcX"},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			_, err := ReadFrame(bufio.NewReader(bytes.NewBufferString(tc.input)), MaxFrame)
			assert.Error(t, err)
			assert.NotEqual(t, io.EOF, err, "corruption must not read as a clean end")
		})
	}
}

func entry(ts float64, source, method string) Entry {
	return Entry{
		Timestamp: ts,
		Source:    source,
		Message:   json.RawMessage(fmt.Sprintf(`{"jsonrpc":"2.0","method":"cluster::%v","ts":%v}`, method, ts)),
	}
}

func collect(t *testing.T, l *Log, s Segment) []Entry {
	t.Helper()
	var out []Entry
	require.NoError(t, l.ReadSegment(s, func(e Entry) error {
		out = append(out, e)
		return nil
	}))
	return out
}

func TestAppendRotateRead(t *testing.T) {
	l, err := New(Config{Dir: t.TempDir()})
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Append(entry(1100.5, "", "CheckResult")))
	require.NoError(t, l.Append(entry(1101, "node-b", "SetNextCheck")))
	require.NoError(t, l.Append(entry(1102.25, "", "CheckResult")))
	assert.Equal(t, 3, l.Len())

	require.NoError(t, l.Rotate())
	assert.Equal(t, 0, l.Len())

	segments, err := l.Segments()
	require.NoError(t, err)
	require.Len(t, segments, 1)
	assert.Equal(t, int64(1103), segments[0].Name, "segment name sits past the newest entry")
	assert.True(t, segments[0].Compressed)

	got := collect(t, l, segments[0])
	require.Len(t, got, 3)
	assert.Equal(t, 1100.5, got[0].Timestamp)
	assert.Equal(t, "node-b", got[1].Source)
	assert.JSONEq(t, `{"jsonrpc":"2.0","method":"cluster::CheckResult","ts":1102.25}`, string(got[2].Message))
}

func TestRotateEmptyIsNoop(t *testing.T) {
	l, err := New(Config{Dir: t.TempDir()})
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Rotate())
	segments, err := l.Segments()
	require.NoError(t, err)
	assert.Empty(t, segments)
}

func TestRotateNamesNeverCollide(t *testing.T) {
	l, err := New(Config{Dir: t.TempDir()})
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Append(entry(500, "", "CheckResult")))
	require.NoError(t, l.Rotate())
	// An entry older than the last rotation still rotates forward.
	require.NoError(t, l.Append(entry(500.2, "", "CheckResult")))
	require.NoError(t, l.Rotate())

	segments, err := l.Segments()
	require.NoError(t, err)
	require.Len(t, segments, 2)
	assert.Equal(t, int64(501), segments[0].Name)
	assert.Equal(t, int64(502), segments[1].Name)
}

func TestRotateAfterThreshold(t *testing.T) {
	l, err := New(Config{Dir: t.TempDir(), RotateAfter: 2})
	require.NoError(t, err)
	defer l.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Append(entry(float64(2000+i), "", "CheckResult")))
	}
	segments, err := l.Segments()
	require.NoError(t, err)
	require.Len(t, segments, 1, "the third append crosses the bound and rotates")
	assert.Equal(t, 0, l.Len())
}

func TestReopenRecoversLiveSegment(t *testing.T) {
	dir := t.TempDir()
	l, err := New(Config{Dir: dir})
	require.NoError(t, err)
	require.NoError(t, l.Append(entry(3000, "", "CheckResult")))
	require.NoError(t, l.Append(entry(3001, "", "CheckResult")))
	require.NoError(t, l.Close())

	l, err = New(Config{Dir: dir})
	require.NoError(t, err)
	defer l.Close()
	assert.Equal(t, 2, l.Len())

	require.NoError(t, l.Append(entry(3002, "", "CheckResult")))
	require.NoError(t, l.Rotate())
	segments, err := l.Segments()
	require.NoError(t, err)
	require.Len(t, segments, 1)
	assert.Equal(t, int64(3003), segments[0].Name)
	assert.Len(t, collect(t, l, segments[0]), 3)
}

func TestReopenTruncatesCorruptTail(t *testing.T) {
	dir := t.TempDir()
	l, err := New(Config{Dir: dir})
	require.NoError(t, err)
	require.NoError(t, l.Append(entry(4000, "", "CheckResult")))
	require.NoError(t, l.Append(entry(4001, "", "CheckResult")))
	require.NoError(t, l.Close())

	// A crash mid-write leaves a partial frame behind.
	f, err := os.OpenFile(filepath.Join(dir, "current"), os.O_WRONLY|os.O_APPEND, 0640)
	require.NoError(t, err)
	_, err = f.WriteString("999:{\"timestamp\"")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	l, err = New(Config{Dir: dir})
	require.NoError(t, err)
	defer l.Close()
	assert.Equal(t, 2, l.Len(), "the partial frame is dropped")

	require.NoError(t, l.Append(entry(4002, "", "CheckResult")))
	require.NoError(t, l.Rotate())
	segments, err := l.Segments()
	require.NoError(t, err)
	require.Len(t, segments, 1)
	got := collect(t, l, segments[0])
	require.Len(t, got, 3)
	assert.Equal(t, 4002.0, got[2].Timestamp)
}

func TestReopenContinuesPastRotatedNames(t *testing.T) {
	dir := t.TempDir()
	l, err := New(Config{Dir: dir})
	require.NoError(t, err)
	require.NoError(t, l.Append(entry(5000, "", "CheckResult")))
	require.NoError(t, l.Rotate())
	require.NoError(t, l.Close())

	// A fresh process must not rotate onto an existing name even when
	// its own high water mark says so.
	l, err = New(Config{Dir: dir})
	require.NoError(t, err)
	defer l.Close()
	require.NoError(t, l.Append(entry(12, "", "CheckResult")))
	require.NoError(t, l.Rotate())

	segments, err := l.Segments()
	require.NoError(t, err)
	require.Len(t, segments, 2)
	assert.Equal(t, int64(5001), segments[0].Name)
	assert.Equal(t, int64(5002), segments[1].Name)
}

func TestReadSegmentStopsAtCorruption(t *testing.T) {
	dir := t.TempDir()
	l, err := New(Config{Dir: dir})
	require.NoError(t, err)
	defer l.Close()

	// Rotated segments may predate compression; readers sniff by
	// suffix, so a plain file with a bad tail exercises both paths.
	var buf bytes.Buffer
	for i := 0; i < 2; i++ {
		frame, err := json.Marshal(entry(float64(6000+i), "", "CheckResult"))
		require.NoError(t, err)
		require.NoError(t, WriteFrame(&buf, frame))
	}
	buf.WriteString("this is not a netstring")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "6002"), buf.Bytes(), 0640))

	segments, err := l.Segments()
	require.NoError(t, err)
	require.Len(t, segments, 1)
	assert.False(t, segments[0].Compressed)

	got := collect(t, l, segments[0])
	assert.Len(t, got, 2, "the intact prefix is delivered")
}

func TestReadSegmentCorruptArchive(t *testing.T) {
	dir := t.TempDir()
	l, err := New(Config{Dir: dir})
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "7000.gz"), []byte("not gzip"), 0640))
	segments, err := l.Segments()
	require.NoError(t, err)
	require.Len(t, segments, 1)
	assert.Empty(t, collect(t, l, segments[0]))
}

func TestReadSegmentPropagatesCallbackError(t *testing.T) {
	l, err := New(Config{Dir: t.TempDir()})
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Append(entry(8000, "", "CheckResult")))
	require.NoError(t, l.Rotate())
	segments, err := l.Segments()
	require.NoError(t, err)
	require.Len(t, segments, 1)

	boom := fmt.Errorf("peer went away")
	err = l.ReadSegment(segments[0], func(Entry) error { return boom })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "peer went away")
}

func TestGC(t *testing.T) {
	l, err := New(Config{Dir: t.TempDir()})
	require.NoError(t, err)
	defer l.Close()

	for _, ts := range []float64{99, 199, 299} {
		require.NoError(t, l.Append(entry(ts, "", "CheckResult")))
		require.NoError(t, l.Rotate())
	}
	segments, err := l.Segments()
	require.NoError(t, err)
	require.Len(t, segments, 3) // 100, 200, 300

	removed, err := l.GC(250)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	segments, err = l.Segments()
	require.NoError(t, err)
	require.Len(t, segments, 1)
	assert.Equal(t, int64(300), segments[0].Name)

	// The cutoff itself stays: the boundary segment may still hold the
	// peer's next entry.
	removed, err = l.GC(300)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestSegmentsIgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	l, err := New(Config{Dir: dir})
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("x"), 0640))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "9999"), 0750))
	require.NoError(t, l.Append(entry(9000, "", "CheckResult")))
	require.NoError(t, l.Rotate())

	segments, err := l.Segments()
	require.NoError(t, err)
	require.Len(t, segments, 1)
	assert.Equal(t, int64(9001), segments[0].Name)
}

func TestRotatedSegmentIsRealGzip(t *testing.T) {
	dir := t.TempDir()
	l, err := New(Config{Dir: dir})
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Append(entry(9500, "node-b", "CheckResult")))
	require.NoError(t, l.Rotate())

	f, err := os.Open(filepath.Join(dir, "9501.gz"))
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	frame, err := ReadFrame(bufio.NewReader(gz), MaxFrame)
	require.NoError(t, err)
	var e Entry
	require.NoError(t, json.Unmarshal(frame, &e))
	assert.Equal(t, "node-b", e.Source)
}

func TestConfigValidation(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}
