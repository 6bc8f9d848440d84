package perfdata

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanplexian/vigil/internal/objects"
)

func TestParseBasic(t *testing.T) {
	vals := Parse("rta=1.50ms;100;500;0 pl=0%;20;60;; size=4096B")
	require.Len(t, vals, 3)

	assert.Equal(t, objects.PerfValue{Label: "rta", Value: 1.5, Unit: "ms", Warn: "100", Crit: "500", Min: "0"}, vals[0])
	assert.Equal(t, objects.PerfValue{Label: "pl", Value: 0, Unit: "%", Warn: "20", Crit: "60"}, vals[1])
	assert.Equal(t, objects.PerfValue{Label: "size", Value: 4096, Unit: "B"}, vals[2])
}

func TestParseQuotedLabel(t *testing.T) {
	vals := Parse("'disk usage'=81%;90;95;0;100 'c:\\ space'=12GB")
	require.Len(t, vals, 2)
	assert.Equal(t, "disk usage", vals[0].Label)
	assert.Equal(t, 81.0, vals[0].Value)
	assert.Equal(t, "100", vals[0].Max)
	assert.Equal(t, "c:\\ space", vals[1].Label)
}

func TestParseRangeThresholds(t *testing.T) {
	vals := Parse("load=2.5;0:4;0:8")
	require.Len(t, vals, 1)
	assert.Equal(t, "0:4", vals[0].Warn)
	assert.Equal(t, "0:8", vals[0].Crit)
}

func TestParseSkipsMalformed(t *testing.T) {
	vals := Parse("good=1 noequals bad=abc 'open=5 tail=2")
	require.Len(t, vals, 1)
	assert.Equal(t, "good", vals[0].Label)
}

func TestParseEmpty(t *testing.T) {
	assert.Nil(t, Parse(""))
	assert.Nil(t, Parse("   "))
}

func TestPerfValueRoundTrip(t *testing.T) {
	raw := "'disk usage'=81.5%;90;95;0;100"
	vals := Parse(raw)
	require.Len(t, vals, 1)
	assert.Equal(t, raw, vals[0].String())

	short := Parse("rta=1.5ms")
	require.Len(t, short, 1)
	assert.Equal(t, "rta=1.5ms", short[0].String())
}

func TestWriterHandleResult(t *testing.T) {
	dir := t.TempDir()
	hostPath := filepath.Join(dir, "host-perfdata")
	svcPath := filepath.Join(dir, "service-perfdata")

	store := objects.NewStore()
	h := objects.NewHost("web-01")
	require.NoError(t, store.AddHost(h))
	svc := objects.NewService("web-01", "http")
	require.NoError(t, store.AddService(svc))

	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	w, err := NewWriter(Config{
		Store:   store,
		Host:    FileConfig{Path: hostPath},
		Service: FileConfig{Path: svcPath},
		Clock:   clockwork.NewFakeClockAt(now),
	})
	require.NoError(t, err)
	defer w.Close()

	cr := &objects.CheckResult{
		Output:   "HTTP OK",
		PerfData: Parse("time=0.5s size=1024B"),
	}
	svc.LastCheckResult = cr
	w.HandleResult(&svc.Checkable, cr, objects.Origin{})
	w.Close()

	data, err := os.ReadFile(svcPath)
	require.NoError(t, err)
	line := string(data)
	assert.Contains(t, line, "[SERVICEPERFDATA]\t1772452800\tweb-01\thttp\t")
	assert.Contains(t, line, "HTTP OK")
	assert.Contains(t, line, "time=0.5s size=1024B")

	// Host file stays empty: nothing was recorded against the host.
	hostData, err := os.ReadFile(hostPath)
	require.NoError(t, err)
	assert.Empty(t, hostData)
}

func TestWriterSkipsEmptyPerfData(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "service-perfdata")

	store := objects.NewStore()
	h := objects.NewHost("web-01")
	require.NoError(t, store.AddHost(h))
	svc := objects.NewService("web-01", "http")
	require.NoError(t, store.AddService(svc))

	w, err := NewWriter(Config{Store: store, Service: FileConfig{Path: path}})
	require.NoError(t, err)

	w.HandleResult(&svc.Checkable, &objects.CheckResult{Output: "no perfdata"}, objects.Origin{})
	w.Close()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestWriterRespectsCheckableFlag(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "host-perfdata")

	store := objects.NewStore()
	h := objects.NewHost("web-01")
	h.ProcessPerfData = false
	require.NoError(t, store.AddHost(h))

	w, err := NewWriter(Config{Store: store, Host: FileConfig{Path: path}})
	require.NoError(t, err)

	w.HandleResult(&h.Checkable, &objects.CheckResult{PerfData: Parse("rta=1ms")}, objects.Origin{})
	w.Close()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Empty(t, data)
}
