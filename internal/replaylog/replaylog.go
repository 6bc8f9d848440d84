// Package replaylog persists cluster relay traffic so peers that were
// away can catch up. Messages append to a live segment named current;
// a full segment rotates to an integer Unix timestamp name just past
// every entry inside it and is gzip compressed. Readers stream rotated
// segments back in order, and GC unlinks segments every peer has
// acknowledged.
package replaylog

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField(trace.Component, "vigil:replaylog")

const (
	currentName        = "current"
	gzipSuffix         = ".gz"
	defaultRotateAfter = 50000
)

var (
	replaySegments = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vigil_replaylog_segments",
			Help: "Number of rotated replay segments on disk",
		},
	)
	replayMessages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_replaylog_messages_total",
			Help: "Messages appended to the replay log",
		},
	)
)

func init() {
	prometheus.MustRegister(replaySegments, replayMessages)
}

// Entry is one persisted relay message.
type Entry struct {
	// Timestamp orders entries and doubles as the replay cursor.
	Timestamp float64 `json:"timestamp"`
	// Source is the identity the message arrived from, empty for local.
	Source string `json:"source,omitempty"`
	// Security carries the privilege envelope when the message is scoped.
	Security json.RawMessage `json:"security,omitempty"`
	// Message is the full wire message as sent.
	Message json.RawMessage `json:"message"`
}

// Segment is a rotated, immutable portion of the log. Name is strictly
// greater than the timestamp of every entry inside.
type Segment struct {
	Name       int64
	Path       string
	Compressed bool
}

// Config holds replay log settings.
type Config struct {
	// Dir is the directory segments live in.
	Dir string
	// RotateAfter bounds messages per segment.
	RotateAfter int
}

// CheckAndSetDefaults checks and sets defaults
func (c *Config) CheckAndSetDefaults() error {
	if c.Dir == "" {
		return trace.BadParameter("missing parameter Dir")
	}
	if c.RotateAfter == 0 {
		c.RotateAfter = defaultRotateAfter
	}
	return nil
}

// Log is the persistent message log. One writer appends under the
// mutex; rotated segments are immutable and read without it.
type Log struct {
	Config

	mu       sync.Mutex
	file     *os.File
	count    int
	maxTS    float64
	lastName int64
}

// New opens the log directory, recovering the live segment. A corrupt
// tail left by a crash is truncated so appends land after the last
// intact frame.
func New(cfg Config) (*Log, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := os.MkdirAll(cfg.Dir, 0750); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	f, err := os.OpenFile(filepath.Join(cfg.Dir, currentName), os.O_RDWR|os.O_CREATE, 0640)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	l := &Log{Config: cfg, file: f}
	if err := l.recover(); err != nil {
		f.Close()
		return nil, trace.Wrap(err)
	}
	segments, err := l.Segments()
	if err != nil {
		f.Close()
		return nil, trace.Wrap(err)
	}
	if len(segments) > 0 {
		l.lastName = segments[len(segments)-1].Name
	}
	return l, nil
}

func (l *Log) recover() error {
	counting := &countingReader{r: l.file}
	br := bufio.NewReader(counting)
	var good int64
	for {
		frame, err := ReadFrame(br, MaxFrame)
		if err == io.EOF {
			break
		}
		var e Entry
		if err == nil {
			err = json.Unmarshal(frame, &e)
		}
		if err != nil {
			log.Warningf("Dropping corrupt tail of the live replay segment at offset %v: %v.", good, err)
			if err := l.file.Truncate(good); err != nil {
				return trace.ConvertSystemError(err)
			}
			break
		}
		l.count++
		if e.Timestamp > l.maxTS {
			l.maxTS = e.Timestamp
		}
		good = counting.n - int64(br.Buffered())
	}
	if _, err := l.file.Seek(good, io.SeekStart); err != nil {
		return trace.ConvertSystemError(err)
	}
	return nil
}

// Append persists one entry, rotating when the live segment fills.
func (l *Log) Append(e Entry) error {
	frame, err := json.Marshal(e)
	if err != nil {
		return trace.Wrap(err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := WriteFrame(l.file, frame); err != nil {
		return trace.Wrap(err)
	}
	l.count++
	if e.Timestamp > l.maxTS {
		l.maxTS = e.Timestamp
	}
	replayMessages.Inc()
	if l.count > l.RotateAfter {
		return l.rotateLocked()
	}
	return nil
}

// Rotate closes out the live segment so replays see an immutable set.
// An empty live segment stays put.
func (l *Log) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rotateLocked()
}

func (l *Log) rotateLocked() error {
	if l.count == 0 {
		return nil
	}
	name := int64(l.maxTS) + 1
	if name <= l.lastName {
		name = l.lastName + 1
	}
	target := filepath.Join(l.Dir, strconv.FormatInt(name, 10)+gzipSuffix)
	if _, err := l.file.Seek(0, io.SeekStart); err != nil {
		return trace.ConvertSystemError(err)
	}
	dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0640)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	gz := gzip.NewWriter(dst)
	if _, err := io.Copy(gz, l.file); err != nil {
		dst.Close()
		return trace.Wrap(err)
	}
	if err := gz.Close(); err != nil {
		dst.Close()
		return trace.Wrap(err)
	}
	if err := dst.Close(); err != nil {
		return trace.ConvertSystemError(err)
	}
	if err := l.file.Truncate(0); err != nil {
		return trace.ConvertSystemError(err)
	}
	if _, err := l.file.Seek(0, io.SeekStart); err != nil {
		return trace.ConvertSystemError(err)
	}
	log.Debugf("Rotated %v messages into %v.", l.count, target)
	l.count, l.maxTS, l.lastName = 0, 0, name
	return nil
}

// Segments lists rotated segments sorted oldest first. The live segment
// is not included.
func (l *Log) Segments() ([]Segment, error) {
	entries, err := os.ReadDir(l.Dir)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	var segments []Segment
	for _, e := range entries {
		if e.IsDir() || e.Name() == currentName {
			continue
		}
		base := strings.TrimSuffix(e.Name(), gzipSuffix)
		name, err := strconv.ParseInt(base, 10, 64)
		if err != nil {
			continue
		}
		segments = append(segments, Segment{
			Name:       name,
			Path:       filepath.Join(l.Dir, e.Name()),
			Compressed: strings.HasSuffix(e.Name(), gzipSuffix),
		})
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].Name < segments[j].Name })
	replaySegments.Set(float64(len(segments)))
	return segments, nil
}

// ReadSegment streams a segment's entries through fn in write order.
// Corruption terminates that segment with a warning rather than an
// error so replay moves on to the next one; fn errors propagate.
func (l *Log) ReadSegment(s Segment, fn func(Entry) error) error {
	f, err := os.Open(s.Path)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	defer f.Close()
	var r io.Reader = f
	if s.Compressed {
		gz, err := gzip.NewReader(f)
		if err != nil {
			log.Warningf("Replay segment %v has a corrupt archive header: %v.", s.Path, err)
			return nil
		}
		defer gz.Close()
		r = gz
	}
	br := bufio.NewReader(r)
	for {
		frame, err := ReadFrame(br, MaxFrame)
		if err == io.EOF {
			return nil
		}
		var e Entry
		if err == nil {
			err = json.Unmarshal(frame, &e)
		}
		if err != nil {
			log.Warningf("Replay segment %v is corrupt, stopping after a partial read: %v.", s.Path, err)
			return nil
		}
		if err := fn(e); err != nil {
			return trace.Wrap(err)
		}
	}
}

// GC unlinks rotated segments named before the cutoff, every entry of
// which the slowest peer has already acknowledged. Returns how many
// were removed.
func (l *Log) GC(before int64) (int, error) {
	segments, err := l.Segments()
	if err != nil {
		return 0, trace.Wrap(err)
	}
	removed := 0
	for _, s := range segments {
		if s.Name >= before {
			break
		}
		if err := os.Remove(s.Path); err != nil {
			log.Warningf("Failed to remove replay segment %v: %v.", s.Path, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		log.Debugf("Removed %v acknowledged replay segments below %v.", removed, before)
		replaySegments.Set(float64(len(segments) - removed))
	}
	return removed, nil
}

// Len reports messages buffered in the live segment.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Close releases the live segment handle.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return trace.ConvertSystemError(l.file.Close())
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
