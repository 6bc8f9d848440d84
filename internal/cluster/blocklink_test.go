package cluster

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanplexian/vigil/internal/objects"
)

func (h *clusterHarness) setNeighbours(name string, neighbours ...string) {
	h.t.Helper()
	ep, err := h.store.GetEndpoint(name)
	require.NoError(h.t, err)
	ep.SeenNow(h.clock.Now())
	ep.Lock()
	ep.ConnectedEndpoints = neighbours
	ep.Unlock()
}

func TestSpanningSubsetTriangle(t *testing.T) {
	keep, reject := spanningSubset([][2]string{
		{"node-a", "node-b"},
		{"node-a", "node-c"},
		{"node-b", "node-c"},
	})
	assert.Equal(t, [][2]string{
		{"node-a", "node-b"},
		{"node-a", "node-c"},
	}, keep)
	assert.Equal(t, [][2]string{{"node-b", "node-c"}}, reject)
}

func TestSpanningSubsetForest(t *testing.T) {
	keep, reject := spanningSubset([][2]string{
		{"a1", "a2"},
		{"b1", "b2"},
	})
	assert.Len(t, keep, 2)
	assert.Empty(t, reject, "disjoint components have nothing to prune")
}

func TestVisibleLinksRequiresMutual(t *testing.T) {
	h := newClusterHarness(t)
	h.setNeighbours("node-b", "node-a", "node-c")
	h.setNeighbours("node-c", "node-b")

	// node-b claims a link to us, but we hold no connection to node-b.
	links := h.cluster.visibleLinks(h.clock.Now())
	assert.Equal(t, [][2]string{{"node-b", "node-c"}}, links)

	rb, _ := h.remoteFor("node-b")
	h.cluster.mu.Lock()
	h.cluster.remotes["node-b"] = rb
	h.cluster.mu.Unlock()

	links = h.cluster.visibleLinks(h.clock.Now())
	assert.Equal(t, [][2]string{
		{"node-a", "node-b"},
		{"node-b", "node-c"},
	}, links)
}

func TestVisibleLinksIgnoresStalePeers(t *testing.T) {
	h := newClusterHarness(t)
	h.setNeighbours("node-b", "node-c")
	h.setNeighbours("node-c", "node-b")
	ep, err := h.store.GetEndpoint("node-c")
	require.NoError(t, err)
	ep.Lock()
	ep.LastSeen = h.clock.Now().Add(-2 * time.Minute)
	ep.Unlock()

	assert.Empty(t, h.cluster.visibleLinks(h.clock.Now()),
		"a stale peer's neighbour list no longer counts")
}

func TestPruneTreeBlocksRedundantLink(t *testing.T) {
	h := newClusterHarness(t)
	require.NoError(t, h.store.AddEndpoint(&objects.Endpoint{Name: "aaa"}))
	require.NoError(t, h.store.AddEndpoint(&objects.Endpoint{Name: "abb"}))
	rAaa, _ := h.remoteFor("aaa")
	rAbb, _ := h.remoteFor("abb")
	h.cluster.mu.Lock()
	h.cluster.remotes["aaa"] = rAaa
	h.cluster.remotes["abb"] = rAbb
	h.cluster.mu.Unlock()
	h.setNeighbours("aaa", "abb", "node-a")
	h.setNeighbours("abb", "aaa", "node-a")

	// Sorted links: aaa|abb, aaa|node-a, abb|node-a. The greedy pass
	// keeps the first two and rejects our link to abb.
	h.cluster.pruneTree(h.clock.Now())

	assert.True(t, rAbb.ep.Blocked(h.clock.Now()))
	frames := queuedFrames(t, rAbb)
	require.Len(t, frames, 1)
	assert.Equal(t, VerbBlockLink, frames[0].Verb())
	assert.Zero(t, frames[0].TS, "control messages skip the dedup window")

	assert.False(t, rAaa.ep.Blocked(h.clock.Now()))
	assert.Empty(t, queuedFrames(t, rAaa))

	// The block heals on its own once the window passes.
	assert.False(t, rAbb.ep.Blocked(h.clock.Now().Add(blockLinkDuration+time.Second)))
}

func TestPruneTreeIgnoresForeignLinks(t *testing.T) {
	h := newClusterHarness(t)
	rb, _ := h.remoteFor("node-b")
	rc, _ := h.remoteFor("node-c")
	h.cluster.mu.Lock()
	h.cluster.remotes["node-b"] = rb
	h.cluster.remotes["node-c"] = rc
	h.cluster.mu.Unlock()
	h.setNeighbours("node-b", "node-a", "node-c")
	h.setNeighbours("node-c", "node-a", "node-b")

	// The rejected link is node-b|node-c; its ends block it, not us.
	h.cluster.pruneTree(h.clock.Now())

	assert.False(t, rb.ep.Blocked(h.clock.Now()))
	assert.False(t, rc.ep.Blocked(h.clock.Now()))
	assert.Empty(t, queuedFrames(t, rb))
	assert.Empty(t, queuedFrames(t, rc))
}
