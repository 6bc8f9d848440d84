package cluster

import (
	"hash/fnv"
	"io"
	"sort"
	"time"

	"github.com/oceanplexian/vigil/internal/objects"
)

// electAuthorities assigns each checkable to exactly one node per
// feature. Every node runs the same election over the same flooded
// liveness data and arrives at the same owners.
func (c *Cluster) electAuthorities(now time.Time) {
	checkers := c.featureCandidates(now, objects.FeatureChecker)
	notifiers := c.featureCandidates(now, objects.FeatureNotifications)
	for _, obj := range c.Store.Checkables() {
		c.assign(obj, objects.FeatureChecker, checkers)
		c.assign(obj, objects.FeatureNotifications, notifiers)
	}
}

// featureCandidates lists the nodes eligible to own objects for a
// feature: ourselves plus every fresh endpoint advertising it.
func (c *Cluster) featureCandidates(now time.Time, f objects.EndpointFeature) []string {
	var names []string
	if c.Features.Has(f) {
		names = append(names, c.identity)
	}
	for _, ep := range c.Store.Endpoints() {
		if ep.Name == c.identity {
			continue
		}
		if !ep.Fresh(now, lastSeenTimeout) {
			continue
		}
		ep.Lock()
		features := ep.Features
		ep.Unlock()
		if !features.Has(f) {
			continue
		}
		names = append(names, ep.Name)
	}
	sort.Strings(names)
	return names
}

// assign picks the owner for one object and feature. With no eligible
// candidate the previous owner stays, so a cluster-wide outage does not
// orphan objects into a thrash of reassignments.
func (c *Cluster) assign(obj *objects.Checkable, f objects.EndpointFeature, candidates []string) {
	pool := candidates
	if len(obj.Authorities) > 0 {
		pool = intersect(candidates, obj.Authorities)
	}
	if len(pool) == 0 {
		return
	}
	owner := pool[authorityIndex(obj.Kind, obj.Name(), len(pool))]

	var changed bool
	obj.Lock()
	switch f {
	case objects.FeatureChecker:
		changed = obj.CheckAuthority != owner
		obj.CheckAuthority = owner
	case objects.FeatureNotifications:
		changed = obj.NotifyAuthority != owner
		obj.NotifyAuthority = owner
	}
	obj.Unlock()
	if changed {
		log.Debugf("Authority for %v %v moved to %v.", f, obj.Name(), owner)
		c.Store.Events().EmitAuthorityChanged(obj, f, owner == c.identity)
	}
}

// authorityIndex spreads objects over n candidates deterministically.
func authorityIndex(kind, name string, n int) int {
	h := fnv.New64a()
	io.WriteString(h, kind)
	io.WriteString(h, "\t")
	io.WriteString(h, name)
	return int(h.Sum64() % uint64(n))
}

func intersect(sorted, allowed []string) []string {
	set := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		set[a] = true
	}
	var out []string
	for _, s := range sorted {
		if set[s] {
			out = append(out, s)
		}
	}
	return out
}
