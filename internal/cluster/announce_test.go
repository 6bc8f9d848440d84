package cluster

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanplexian/vigil/internal/objects"
)

func TestAnnounceCheckResult(t *testing.T) {
	h := newClusterHarness(t)
	c := &h.svc.Checkable

	cr := &objects.CheckResult{Active: true, ExitStatus: 0, Output: "OK"}
	h.store.Events().EmitCheckResult(c, cr, objects.Origin{})

	out := h.drainOutbound()
	require.Len(t, out, 1)
	assert.Equal(t, VerbCheckResult, out[0].msg.Verb())
	assert.Empty(t, out[0].source, "local messages have no source")
	assert.Positive(t, out[0].msg.TS)

	var p checkResultParams
	require.NoError(t, json.Unmarshal(out[0].msg.Params, &p))
	assert.Equal(t, objects.TypeService, p.Kind)
	assert.Equal(t, "web-01!http", p.Name)
	assert.Equal(t, "node-a", p.Authority, "mutations carry the local identity as authority")
	require.NotNil(t, p.CheckResult)
	assert.Equal(t, "OK", p.CheckResult.Output)
}

func TestAnnounceSuppressesForeignOrigin(t *testing.T) {
	h := newClusterHarness(t)
	c := &h.svc.Checkable

	cr := &objects.CheckResult{ExitStatus: 0}
	h.store.Events().EmitCheckResult(c, cr, objects.Origin{Authority: "node-b", Source: "node-b"})
	h.store.Events().EmitNextCheckChanged(c, h.clock.Now(), objects.Origin{Authority: "node-c"})
	h.store.Events().EmitAckCleared(c, objects.Origin{Authority: "node-b"})

	assert.Empty(t, h.drainOutbound(), "replicated events must not echo back onto the wire")
}

func TestAnnounceFlagVerbs(t *testing.T) {
	h := newClusterHarness(t)
	c := &h.svc.Checkable

	want := map[objects.Flag]string{
		objects.FlagActiveChecks:          VerbSetEnableActiveChecks,
		objects.FlagPassiveChecks:         VerbSetEnablePassiveChecks,
		objects.FlagNotifications:         VerbSetEnableNotifications,
		objects.FlagFlapDetection:         VerbSetEnableFlapping,
		objects.FlagForceNextCheck:        VerbSetForceNextCheck,
		objects.FlagForceNextNotification: VerbSetForceNextNotification,
	}
	for flag, verb := range want {
		h.store.Events().EmitFlagChanged(c, flag, true, objects.Origin{})
		out := h.drainOutbound()
		require.Len(t, out, 1, "flag %v", flag)
		assert.Equal(t, verb, out[0].msg.Verb())

		var p flagParams
		require.NoError(t, json.Unmarshal(out[0].msg.Params, &p))
		assert.True(t, p.Value)
	}
}

func TestAnnounceAcknowledgement(t *testing.T) {
	h := newClusterHarness(t)
	c := &h.svc.Checkable
	now := h.clock.Now()

	h.store.Events().EmitAckSet(c, objects.Acknowledgement{
		Type:    objects.AckSticky,
		Author:  "alice",
		Comment: "on it",
		Time:    now,
		Expiry:  now.Add(time.Hour),
	}, objects.Origin{})

	out := h.drainOutbound()
	require.Len(t, out, 1)
	assert.Equal(t, VerbSetAcknowledgement, out[0].msg.Verb())

	var p ackParams
	require.NoError(t, json.Unmarshal(out[0].msg.Params, &p))
	assert.Equal(t, int(objects.AckSticky), p.AckType)
	assert.Equal(t, "alice", p.Author)
	assert.Equal(t, unixFloat(now.Add(time.Hour)), p.Expiry)
}

func TestAnnounceSecurityScope(t *testing.T) {
	h := newClusterHarness(t)
	c := &h.svc.Checkable

	// Without domains the message is cluster-wide.
	h.store.Events().EmitNextCheckChanged(c, h.clock.Now(), objects.Origin{})
	out := h.drainOutbound()
	require.Len(t, out, 1)
	assert.Nil(t, out[0].msg.Security)

	c.DomainNames = []string{"secure"}
	h.store.Events().EmitNextCheckChanged(c, h.clock.Now(), objects.Origin{})
	out = h.drainOutbound()
	require.Len(t, out, 1)
	require.NotNil(t, out[0].msg.Security)
	assert.Equal(t, objects.TypeService, out[0].msg.Security.Kind)
	assert.Equal(t, "web-01!http", out[0].msg.Security.Name)
	assert.Equal(t, objects.PrivRead, out[0].msg.Security.Privs)
}

func TestAnnounceSkipsDowntimeComments(t *testing.T) {
	h := newClusterHarness(t)
	c := &h.svc.Checkable

	h.store.Events().EmitCommentAdded(c, &objects.Comment{
		ID:        "dc-1",
		EntryType: objects.CommentDowntime,
	}, objects.Origin{})
	assert.Empty(t, h.drainOutbound(), "downtime comments regenerate with the downtime itself")

	h.store.Events().EmitCommentAdded(c, &objects.Comment{
		ID:        "uc-1",
		EntryType: objects.CommentUser,
		Author:    "alice",
		Text:      "checking",
	}, objects.Origin{})
	out := h.drainOutbound()
	require.Len(t, out, 1)
	assert.Equal(t, VerbAddComment, out[0].msg.Verb())
}

func TestAnnounceDowntimeRemoval(t *testing.T) {
	h := newClusterHarness(t)
	c := &h.svc.Checkable

	h.store.Events().EmitDowntimeRemoved(c, &objects.Downtime{
		ID:           "dt-9",
		WasCancelled: true,
	}, objects.Origin{})

	out := h.drainOutbound()
	require.Len(t, out, 1)
	assert.Equal(t, VerbRemoveDowntime, out[0].msg.Verb())
	var p downtimeParams
	require.NoError(t, json.Unmarshal(out[0].msg.Params, &p))
	assert.Equal(t, "dt-9", p.ID)
	assert.True(t, p.Cancelled)
	assert.Nil(t, p.Downtime)
}

func TestAnnounceTimestampsIncrease(t *testing.T) {
	h := newClusterHarness(t)
	c := &h.svc.Checkable

	// The fake clock stands still; timestamps must still move forward.
	h.store.Events().EmitNextCheckChanged(c, h.clock.Now(), objects.Origin{})
	h.store.Events().EmitNextCheckChanged(c, h.clock.Now(), objects.Origin{})
	h.store.Events().EmitNextCheckChanged(c, h.clock.Now(), objects.Origin{})

	out := h.drainOutbound()
	require.Len(t, out, 3)
	assert.Less(t, out[0].msg.TS, out[1].msg.TS)
	assert.Less(t, out[1].msg.TS, out[2].msg.TS)
}

func TestDeliverPersistsAndFansOut(t *testing.T) {
	h := newClusterHarness(t)
	rb, _ := h.remoteFor("node-b")
	rc, _ := h.remoteFor("node-c")
	h.cluster.mu.Lock()
	h.cluster.remotes["node-b"] = rb
	h.cluster.remotes["node-c"] = rc
	h.cluster.mu.Unlock()

	c := &h.svc.Checkable
	h.store.Events().EmitNextCheckChanged(c, h.clock.Now().Add(time.Minute), objects.Origin{})
	out := h.drainOutbound()
	require.Len(t, out, 1)

	h.cluster.deliver(out[0])

	assert.Equal(t, 1, h.cluster.Log.Len(), "persistent messages land in the replay log")
	require.Len(t, queuedFrames(t, rb), 1)
	require.Len(t, queuedFrames(t, rc), 1)
}

func TestDeliverSkipsSourceBlockedAndSyncing(t *testing.T) {
	h := newClusterHarness(t)
	rb, _ := h.remoteFor("node-b")
	rc, _ := h.remoteFor("node-c")
	h.cluster.mu.Lock()
	h.cluster.remotes["node-b"] = rb
	h.cluster.remotes["node-c"] = rc
	h.cluster.mu.Unlock()

	c := &h.svc.Checkable
	emit := func() outbound {
		h.store.Events().EmitNextCheckChanged(c, h.clock.Now().Add(time.Minute), objects.Origin{})
		out := h.drainOutbound()
		require.Len(t, out, 1)
		return out[0]
	}

	// Source skip: a forward never echoes to where it came from.
	o := emit()
	o.source = "node-b"
	h.cluster.deliver(o)
	assert.Empty(t, queuedFrames(t, rb))
	assert.Len(t, queuedFrames(t, rc), 1)

	// Blocked links carry no flooded traffic.
	rb.ep.Lock()
	rb.ep.BlockedUntil = h.clock.Now().Add(time.Minute)
	rb.ep.Unlock()
	h.cluster.deliver(emit())
	assert.Empty(t, queuedFrames(t, rb))
	assert.Len(t, queuedFrames(t, rc), 1)

	// Syncing peers get their traffic from the replay stream instead.
	rb.ep.Lock()
	rb.ep.BlockedUntil = time.Time{}
	rb.ep.Syncing = true
	rb.ep.Unlock()
	rc.ep.Lock()
	rc.ep.Syncing = true
	rc.ep.Unlock()
	h.cluster.deliver(emit())
	assert.Empty(t, queuedFrames(t, rb))
	assert.Empty(t, queuedFrames(t, rc))
}

func TestDeliverHonoursSecurity(t *testing.T) {
	h := newClusterHarness(t)
	rb, _ := h.remoteFor("node-b")
	rc, _ := h.remoteFor("node-c")
	h.cluster.mu.Lock()
	h.cluster.remotes["node-b"] = rb
	h.cluster.remotes["node-c"] = rc
	h.cluster.mu.Unlock()

	require.NoError(t, h.store.AddDomain(&objects.Domain{
		Name: "secure",
		ACL:  map[string]int{"node-b": objects.PrivRead},
	}))
	c := &h.svc.Checkable
	c.DomainNames = []string{"secure"}

	h.store.Events().EmitNextCheckChanged(c, h.clock.Now().Add(time.Minute), objects.Origin{})
	out := h.drainOutbound()
	require.Len(t, out, 1)
	h.cluster.deliver(out[0])

	assert.Len(t, queuedFrames(t, rb), 1, "node-b holds read privileges")
	assert.Empty(t, queuedFrames(t, rc), "node-c is outside the domain")
}

func TestDeliverExplicitDestination(t *testing.T) {
	h := newClusterHarness(t)
	rb, _ := h.remoteFor("node-b")
	rc, _ := h.remoteFor("node-c")
	h.cluster.mu.Lock()
	h.cluster.remotes["node-b"] = rb
	h.cluster.remotes["node-c"] = rc
	h.cluster.mu.Unlock()

	c := &h.svc.Checkable
	h.store.Events().EmitNextCheckChanged(c, h.clock.Now().Add(time.Minute), objects.Origin{})
	out := h.drainOutbound()
	require.Len(t, out, 1)
	o := out[0]
	o.dest = "node-c"
	h.cluster.deliver(o)

	assert.Empty(t, queuedFrames(t, rb))
	assert.Len(t, queuedFrames(t, rc), 1)
}

func TestHeartbeatSkipsSyncingPeers(t *testing.T) {
	h := newClusterHarness(t)
	rb, _ := h.remoteFor("node-b")
	rc, _ := h.remoteFor("node-c")
	h.cluster.mu.Lock()
	h.cluster.remotes["node-b"] = rb
	h.cluster.remotes["node-c"] = rc
	h.cluster.mu.Unlock()

	rc.ep.Lock()
	rc.ep.Syncing = true
	rc.ep.Unlock()
	// Blocked peers still get heartbeats so spare links stay warm.
	rb.ep.Lock()
	rb.ep.BlockedUntil = h.clock.Now().Add(time.Minute)
	rb.ep.Unlock()

	h.cluster.heartbeat()

	frames := queuedFrames(t, rb)
	require.Len(t, frames, 1)
	assert.Equal(t, VerbHeartBeat, frames[0].Verb())
	assert.Positive(t, frames[0].TS)
	var p heartbeatParams
	require.NoError(t, json.Unmarshal(frames[0].Params, &p))
	assert.Equal(t, "node-a", p.Identity)
	assert.Equal(t, int(objects.FeatureChecker|objects.FeatureNotifications), p.Features)
	assert.ElementsMatch(t, []string{"node-b", "node-c"}, p.ConnectedEndpoints)

	assert.Empty(t, queuedFrames(t, rc), "no live frames while the peer replays")
}
