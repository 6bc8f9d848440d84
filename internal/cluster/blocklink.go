package cluster

import (
	"sort"
	"time"
)

// Redundant links between nodes would multiply flooded messages, so
// every tick each node derives the visible topology from heartbeats,
// keeps a spanning subset and blocks the rest. Blocks expire after 30s,
// which heals the tree when a kept link dies.

// pruneTree blocks the local ends of links the spanning subset
// rejected. Links not touching this node are someone else's to block.
func (c *Cluster) pruneTree(now time.Time) {
	_, rejected := spanningSubset(c.visibleLinks(now))
	for _, l := range rejected {
		var peer string
		switch c.identity {
		case l[0]:
			peer = l[1]
		case l[1]:
			peer = l[0]
		default:
			continue
		}
		r := c.remote(peer)
		if r == nil {
			continue
		}
		r.ep.Lock()
		r.ep.BlockedUntil = now.Add(blockLinkDuration)
		r.ep.Unlock()
		c.sendDirect(r, VerbBlockLink, struct{}{}, false)
		log.Debugf("Blocking redundant link to endpoint %v.", peer)
	}
}

// visibleLinks builds the undirected link set from our own connections
// and the neighbour lists peers flood in heartbeats. Only links both
// ends report count; a half-open connection is not a path.
func (c *Cluster) visibleLinks(now time.Time) [][2]string {
	directed := make(map[string]map[string]bool)
	mine := make(map[string]bool)
	for _, r := range c.snapshotRemotes() {
		mine[r.name] = true
	}
	directed[c.identity] = mine
	for _, ep := range c.Store.Endpoints() {
		if ep.Name == c.identity {
			continue
		}
		if !ep.Fresh(now, lastSeenTimeout) {
			continue
		}
		ep.Lock()
		neighbours := append([]string(nil), ep.ConnectedEndpoints...)
		ep.Unlock()
		seen := make(map[string]bool, len(neighbours))
		for _, n := range neighbours {
			seen[n] = true
		}
		directed[ep.Name] = seen
	}

	var links [][2]string
	dedup := make(map[string]bool)
	for a, peers := range directed {
		for b := range peers {
			if a == b || !directed[b][a] {
				continue
			}
			x, y := a, b
			if y < x {
				x, y = y, x
			}
			key := x + "|" + y
			if dedup[key] {
				continue
			}
			dedup[key] = true
			links = append(links, [2]string{x, y})
		}
	}
	sort.Slice(links, func(i, j int) bool {
		if links[i][0] != links[j][0] {
			return links[i][0] < links[j][0]
		}
		return links[i][1] < links[j][1]
	})
	return links
}

// spanningSubset partitions links into a spanning forest and the
// leftovers. Greedy over the sorted links, so every node picks the same
// subset from the same view.
func spanningSubset(links [][2]string) (keep, reject [][2]string) {
	parent := make(map[string]string)
	var find func(string) string
	find = func(x string) string {
		p, ok := parent[x]
		if !ok || p == x {
			parent[x] = x
			return x
		}
		root := find(p)
		parent[x] = root
		return root
	}
	for _, l := range links {
		ra, rb := find(l[0]), find(l[1])
		if ra == rb {
			reject = append(reject, l)
			continue
		}
		parent[ra] = rb
		keep = append(keep, l)
	}
	return keep, reject
}
