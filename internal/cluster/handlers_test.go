package cluster

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanplexian/vigil/internal/checker"
	"github.com/oceanplexian/vigil/internal/downtime"
	"github.com/oceanplexian/vigil/internal/objects"
	"github.com/oceanplexian/vigil/internal/replaylog"
)

type clusterHarness struct {
	t       *testing.T
	clock   *clockwork.FakeClock
	store   *objects.Store
	program *objects.Program
	cluster *Cluster
	host    *objects.Host
	svc     *objects.Service
}

func newClusterHarness(t *testing.T) *clusterHarness {
	return newClusterHarnessFeatures(t, objects.FeatureChecker|objects.FeatureNotifications)
}

func newClusterHarnessFeatures(t *testing.T, features objects.EndpointFeature) *clusterHarness {
	t.Helper()
	now := time.Date(2025, 7, 10, 9, 0, 0, 0, time.UTC)

	h := &clusterHarness{t: t, clock: clockwork.NewFakeClockAt(now)}
	h.store = objects.NewStore()
	h.program = objects.NewProgram("test", "node-a", 7, now)

	h.host = objects.NewHost("web-01")
	require.NoError(t, h.store.AddHost(h.host))
	h.svc = objects.NewService("web-01", "http")
	require.NoError(t, h.store.AddService(h.svc))

	require.NoError(t, h.store.AddEndpoint(&objects.Endpoint{Name: "node-b", Host: "203.0.113.2", Port: 5665}))
	require.NoError(t, h.store.AddEndpoint(&objects.Endpoint{Name: "node-c", Host: "203.0.113.3", Port: 5665}))

	processor, err := checker.NewProcessor(checker.ProcessorConfig{
		Store:   h.store,
		Program: h.program,
		Clock:   h.clock,
	})
	require.NoError(t, err)
	downtimes, err := downtime.NewManager(downtime.Config{Store: h.store, Clock: h.clock})
	require.NoError(t, err)

	rlog, err := replaylog.New(replaylog.Config{Dir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { rlog.Close() })

	cl, err := New(Config{
		Store:     h.store,
		Program:   h.program,
		Log:       rlog,
		Processor: processor,
		Downtimes: downtimes,
		Features:  features,
		Clock:     h.clock,
	})
	require.NoError(t, err)
	h.cluster = cl
	return h
}

// remoteFor builds a live remote over an in-memory pipe. Nothing drains
// the send queue, so queued frames can be inspected directly.
func (h *clusterHarness) remoteFor(name string) (*remote, net.Conn) {
	h.t.Helper()
	ep, err := h.store.GetEndpoint(name)
	require.NoError(h.t, err)
	client, server := net.Pipe()
	r := newRemote(name, ep, newLink(server))
	h.t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return r, client
}

func (h *clusterHarness) message(verb string, params any, ts float64) Message {
	h.t.Helper()
	m, err := newMessage(verb, params, ts, nil)
	require.NoError(h.t, err)
	return m
}

// drainOutbound empties the relay queue without blocking.
func (h *clusterHarness) drainOutbound() []outbound {
	var out []outbound
	for {
		select {
		case o := <-h.cluster.relayCh:
			out = append(out, o)
		default:
			return out
		}
	}
}

// queuedFrames empties a remote's send queue and parses the messages.
func queuedFrames(t *testing.T, r *remote) []Message {
	t.Helper()
	var out []Message
	for {
		select {
		case frame := <-r.sendq:
			var m Message
			require.NoError(t, json.Unmarshal(frame, &m))
			out = append(out, m)
		default:
			return out
		}
	}
}

func (h *clusterHarness) ref(c *objects.Checkable) objectRef {
	return objectRef{Kind: c.Kind, Name: c.Name(), Authority: "node-b"}
}

func TestHandleCheckResultInjects(t *testing.T) {
	h := newClusterHarness(t)
	r, _ := h.remoteFor("node-b")
	c := &h.svc.Checkable

	cr := &objects.CheckResult{Active: true, ExitStatus: 2, Output: "CRITICAL - refused"}
	m := h.message(VerbCheckResult, checkResultParams{objectRef: h.ref(c), CheckResult: cr}, 1000)
	h.cluster.dispatch(r, VerbCheckResult, m)

	c.Lock()
	state, stateType := c.State, c.StateType
	source := c.LastCheckResult.CheckSource
	c.Unlock()
	assert.Equal(t, objects.StateCritical, state)
	assert.Equal(t, objects.StateTypeSoft, stateType)
	assert.Equal(t, "node-b", source, "missing check source falls back to the sending endpoint")

	// The result came from a peer, so it must not be announced again.
	assert.Empty(t, h.drainOutbound())
}

func TestHandleSetNextCheck(t *testing.T) {
	h := newClusterHarness(t)
	r, _ := h.remoteFor("node-b")
	c := &h.svc.Checkable

	var gotOrigin objects.Origin
	var gotTime time.Time
	h.store.Events().OnNextCheckChanged(func(_ *objects.Checkable, at time.Time, o objects.Origin) {
		gotTime, gotOrigin = at, o
	})

	next := unixFloat(h.clock.Now().Add(5 * time.Minute))
	m := h.message(VerbSetNextCheck, nextCheckParams{objectRef: h.ref(c), NextCheck: next}, 1000)
	h.cluster.dispatch(r, VerbSetNextCheck, m)

	c.Lock()
	assert.Equal(t, timeFromUnix(next), c.NextCheck)
	c.Unlock()
	assert.Equal(t, "node-b", gotOrigin.Authority)
	assert.Equal(t, "node-b", gotOrigin.Source)
	assert.Equal(t, timeFromUnix(next), gotTime)
	assert.Empty(t, h.drainOutbound())
}

func TestHandleFlagToggles(t *testing.T) {
	h := newClusterHarness(t)
	r, _ := h.remoteFor("node-b")
	c := &h.svc.Checkable

	var flags []objects.Flag
	h.store.Events().OnFlagChanged(func(_ *objects.Checkable, f objects.Flag, v bool, o objects.Origin) {
		flags = append(flags, f)
		assert.False(t, v)
		assert.Equal(t, "node-b", o.Authority)
	})

	for verb, field := range map[string]func() bool{
		VerbSetEnableActiveChecks:  func() bool { return c.ActiveChecksEnabled },
		VerbSetEnablePassiveChecks: func() bool { return c.PassiveChecksEnabled },
		VerbSetEnableNotifications: func() bool { return c.NotificationsEnabled },
		VerbSetEnableFlapping:      func() bool { return c.FlapDetectionEnabled },
	} {
		m := h.message(verb, flagParams{objectRef: h.ref(c), Value: false}, 1000)
		h.cluster.dispatch(r, verb, m)
		c.Lock()
		got := field()
		c.Unlock()
		assert.False(t, got, "%v did not clear its flag", verb)
	}
	assert.Len(t, flags, 4)
	assert.Empty(t, h.drainOutbound())
}

func TestHandleForceFlags(t *testing.T) {
	h := newClusterHarness(t)
	r, _ := h.remoteFor("node-b")
	c := &h.svc.Checkable

	m := h.message(VerbSetForceNextCheck, flagParams{objectRef: h.ref(c), Value: true}, 1000)
	h.cluster.dispatch(r, VerbSetForceNextCheck, m)
	m = h.message(VerbSetForceNextNotification, flagParams{objectRef: h.ref(c), Value: true}, 1001)
	h.cluster.dispatch(r, VerbSetForceNextNotification, m)

	c.Lock()
	assert.True(t, c.ForceNextCheck)
	assert.True(t, c.ForceNextNotification)
	c.Unlock()
}

func TestHandleAcknowledgementRoundTrip(t *testing.T) {
	h := newClusterHarness(t)
	r, _ := h.remoteFor("node-b")
	c := &h.svc.Checkable

	at := unixFloat(h.clock.Now())
	m := h.message(VerbSetAcknowledgement, ackParams{
		objectRef: h.ref(c),
		Author:    "alice",
		Comment:   "known outage",
		AckType:   int(objects.AckSticky),
		Time:      at,
		Expiry:    at + 3600,
	}, 1000)
	h.cluster.dispatch(r, VerbSetAcknowledgement, m)

	c.Lock()
	ack := c.Ack
	c.Unlock()
	assert.Equal(t, objects.AckSticky, ack.Type)
	assert.Equal(t, "alice", ack.Author)
	assert.Equal(t, timeFromUnix(at+3600), ack.Expiry)

	m = h.message(VerbClearAcknowledgement, ackParams{objectRef: h.ref(c)}, 1001)
	h.cluster.dispatch(r, VerbClearAcknowledgement, m)
	c.Lock()
	assert.Equal(t, objects.AckNone, c.Ack.Type)
	c.Unlock()
}

func TestHandleDowntimeLifecycle(t *testing.T) {
	h := newClusterHarness(t)
	r, _ := h.remoteFor("node-b")
	c := &h.svc.Checkable
	now := h.clock.Now()

	d := &objects.Downtime{
		ID:          "6f2a7b1e-replica",
		Kind:        objects.TypeService,
		ParentName:  c.Name(),
		Author:      "alice",
		CommentText: "planned maintenance",
		EntryTime:   now,
		StartTime:   now.Add(time.Hour),
		EndTime:     now.Add(2 * time.Hour),
		Fixed:       true,
	}
	m := h.message(VerbAddDowntime, downtimeParams{objectRef: h.ref(c), Downtime: d}, 1000)
	h.cluster.dispatch(r, VerbAddDowntime, m)

	downtimes := h.cluster.Downtimes.DowntimesFor(c)
	require.Len(t, downtimes, 1)
	assert.Equal(t, "6f2a7b1e-replica", downtimes[0].ID, "replicated downtimes keep their GUID")

	// Replay overlap redelivers the same downtime.
	h.cluster.dispatch(r, VerbAddDowntime, m)
	assert.Len(t, h.cluster.Downtimes.DowntimesFor(c), 1)

	m = h.message(VerbRemoveDowntime, downtimeParams{objectRef: h.ref(c), ID: d.ID, Cancelled: true}, 1001)
	h.cluster.dispatch(r, VerbRemoveDowntime, m)
	assert.Empty(t, h.cluster.Downtimes.DowntimesFor(c))

	// Removing it again is a quiet no-op.
	h.cluster.dispatch(r, VerbRemoveDowntime, m)
	assert.Empty(t, h.cluster.Downtimes.DowntimesFor(c))
}

func TestHandleCommentLifecycle(t *testing.T) {
	h := newClusterHarness(t)
	r, _ := h.remoteFor("node-b")
	c := &h.svc.Checkable

	cm := &objects.Comment{
		ID:         "b51c0a44-replica",
		Kind:       objects.TypeService,
		ParentName: c.Name(),
		Author:     "alice",
		Text:       "watching this one",
		EntryType:  objects.CommentUser,
		EntryTime:  h.clock.Now(),
	}
	m := h.message(VerbAddComment, commentParams{objectRef: h.ref(c), Comment: cm}, 1000)
	h.cluster.dispatch(r, VerbAddComment, m)
	h.cluster.dispatch(r, VerbAddComment, m)

	comments := h.cluster.Downtimes.CommentsFor(c)
	require.Len(t, comments, 1)
	assert.Equal(t, "b51c0a44-replica", comments[0].ID)

	m = h.message(VerbRemoveComment, commentParams{objectRef: h.ref(c), ID: cm.ID}, 1001)
	h.cluster.dispatch(r, VerbRemoveComment, m)
	assert.Empty(t, h.cluster.Downtimes.CommentsFor(c))
}

func TestHandleSetNextNotification(t *testing.T) {
	h := newClusterHarness(t)
	r, _ := h.remoteFor("node-b")

	n := &objects.Notification{
		Name:       "mail-http",
		Kind:       objects.TypeService,
		ParentName: "web-01!http",
	}
	require.NoError(t, h.store.AddNotification(n))

	next := unixFloat(h.clock.Now().Add(30 * time.Minute))
	m := h.message(VerbSetNextNotification, nextNotificationParams{
		Notification:     "mail-http",
		NextNotification: next,
		Authority:        "node-b",
	}, 1000)
	h.cluster.dispatch(r, VerbSetNextNotification, m)

	assert.Equal(t, timeFromUnix(next), n.NextNotification)
	assert.Empty(t, h.drainOutbound())
}

func TestPrivilegeGating(t *testing.T) {
	h := newClusterHarness(t)
	rb, _ := h.remoteFor("node-b")
	rc, _ := h.remoteFor("node-c")
	c := &h.svc.Checkable

	require.NoError(t, h.store.AddDomain(&objects.Domain{
		Name: "secure",
		ACL:  map[string]int{"node-b": objects.PrivRead},
	}))
	c.DomainNames = []string{"secure"}

	// node-b holds read: state updates apply, commands do not.
	next := unixFloat(h.clock.Now().Add(time.Minute))
	m := h.message(VerbSetNextCheck, nextCheckParams{objectRef: h.ref(c), NextCheck: next}, 1000)
	h.cluster.dispatch(rb, VerbSetNextCheck, m)
	c.Lock()
	assert.Equal(t, timeFromUnix(next), c.NextCheck)
	c.Unlock()

	m = h.message(VerbSetAcknowledgement, ackParams{objectRef: h.ref(c), Author: "mallory", AckType: int(objects.AckNormal)}, 1001)
	h.cluster.dispatch(rb, VerbSetAcknowledgement, m)
	c.Lock()
	assert.Equal(t, objects.AckNone, c.Ack.Type, "command from a read-only peer must be dropped")
	c.Unlock()

	// node-c is not in the ACL at all.
	m = h.message(VerbSetNextCheck, nextCheckParams{objectRef: h.ref(c), NextCheck: next + 60}, 1002)
	h.cluster.dispatch(rc, VerbSetNextCheck, m)
	c.Lock()
	assert.Equal(t, timeFromUnix(next), c.NextCheck, "peer outside the domain may not update state")
	c.Unlock()
}

func TestHandleHeartbeatUpdatesVisibility(t *testing.T) {
	h := newClusterHarness(t)
	r, _ := h.remoteFor("node-b")

	// A heartbeat flooded through node-b describing node-c.
	m := h.message(VerbHeartBeat, heartbeatParams{
		Identity:           "node-c",
		Features:           int(objects.FeatureChecker),
		ConnectedEndpoints: []string{"node-b"},
	}, 1000)
	forward := h.cluster.dispatch(r, VerbHeartBeat, m)
	assert.True(t, forward)

	ep, err := h.store.GetEndpoint("node-c")
	require.NoError(t, err)
	ep.Lock()
	assert.Equal(t, objects.FeatureChecker, ep.Features)
	assert.Equal(t, []string{"node-b"}, ep.ConnectedEndpoints)
	assert.Equal(t, h.clock.Now(), ep.LastSeen)
	ep.Unlock()

	// Our own heartbeat coming back around must not circulate.
	m = h.message(VerbHeartBeat, heartbeatParams{Identity: "node-a"}, 1001)
	assert.False(t, h.cluster.dispatch(r, VerbHeartBeat, m))
}

func TestHandleBlockLink(t *testing.T) {
	h := newClusterHarness(t)
	r, _ := h.remoteFor("node-b")

	h.cluster.dispatch(r, VerbBlockLink, h.message(VerbBlockLink, struct{}{}, 0))
	assert.True(t, r.ep.Blocked(h.clock.Now()))
	assert.False(t, r.ep.Blocked(h.clock.Now().Add(blockLinkDuration+time.Second)))
}

func TestHandleSetLogPosition(t *testing.T) {
	h := newClusterHarness(t)
	r, _ := h.remoteFor("node-b")

	h.cluster.dispatch(r, VerbSetLogPosition, h.message(VerbSetLogPosition, logPositionParams{LogPosition: 1500.5}, 0))
	_, _, pos, _ := r.ep.SnapshotState()
	assert.Equal(t, 1500.5, pos)
}

func TestReceiveDuplicateSuppression(t *testing.T) {
	h := newClusterHarness(t)
	r, _ := h.remoteFor("node-b")
	c := &h.svc.Checkable

	first := unixFloat(h.clock.Now().Add(time.Minute))
	h.cluster.receive(r, h.message(VerbSetNextCheck, nextCheckParams{objectRef: h.ref(c), NextCheck: first}, 1000))

	// Behind the position: dropped before dispatch.
	stale := unixFloat(h.clock.Now().Add(2 * time.Hour))
	h.cluster.receive(r, h.message(VerbSetNextCheck, nextCheckParams{objectRef: h.ref(c), NextCheck: stale}, 999))

	c.Lock()
	assert.Equal(t, timeFromUnix(first), c.NextCheck)
	c.Unlock()

	// Only the first message was forwarded.
	forwards := h.drainOutbound()
	require.Len(t, forwards, 1)
	assert.Equal(t, "node-b", forwards[0].source)
	assert.Equal(t, VerbSetNextCheck, forwards[0].msg.Verb())
}

func TestReceiveAcknowledgesInLeaps(t *testing.T) {
	h := newClusterHarness(t)
	r, _ := h.remoteFor("node-b")
	c := &h.svc.Checkable

	next := unixFloat(h.clock.Now().Add(time.Minute))
	ref := h.ref(c)
	h.cluster.receive(r, h.message(VerbSetNextCheck, nextCheckParams{objectRef: ref, NextCheck: next}, 1000))
	h.cluster.receive(r, h.message(VerbSetNextCheck, nextCheckParams{objectRef: ref, NextCheck: next}, 1004))
	h.cluster.receive(r, h.message(VerbSetNextCheck, nextCheckParams{objectRef: ref, NextCheck: next}, 1011))

	var acks []float64
	for _, m := range queuedFrames(t, r) {
		if m.Verb() != VerbSetLogPosition {
			continue
		}
		var p logPositionParams
		require.NoError(t, json.Unmarshal(m.Params, &p))
		assert.Zero(t, m.TS, "position acks carry no timestamp")
		acks = append(acks, p.LogPosition)
	}
	assert.Equal(t, []float64{1000, 1011}, acks, "acks fire on position leaps only")

	h.drainOutbound()
}

func TestReceiveUpdatesLastSeen(t *testing.T) {
	h := newClusterHarness(t)
	r, _ := h.remoteFor("node-b")

	h.clock.Advance(30 * time.Second)
	h.cluster.receive(r, h.message(VerbBlockLink, struct{}{}, 0))
	assert.True(t, r.ep.Fresh(h.clock.Now(), time.Second))
}

func TestDispatchUnknownObject(t *testing.T) {
	h := newClusterHarness(t)
	r, _ := h.remoteFor("node-b")

	m := h.message(VerbSetNextCheck, nextCheckParams{
		objectRef: objectRef{Kind: objects.TypeHost, Name: "no-such-host", Authority: "node-b"},
		NextCheck: 100,
	}, 1000)
	// Must not panic and must not announce anything.
	h.cluster.dispatch(r, VerbSetNextCheck, m)
	assert.Empty(t, h.drainOutbound())
}
