package cluster

import (
	"encoding/json"

	"github.com/gravitational/trace"

	"github.com/oceanplexian/vigil/internal/replaylog"
)

// sync brings a freshly connected peer up to date: config first, then
// the replay log from the peer's acknowledged position.
func (c *Cluster) sync(r *remote) {
	c.pushConfig(r)
	if err := c.replayTo(r); err != nil {
		log.WithError(err).Warningf("Replay to endpoint %v failed.", r.name)
		r.close()
	}
}

// replayTo streams logged messages to the peer in rounds. Each round
// seals the live segment and sends everything past the cursor; when a
// round under the relay lock finds nothing new, the peer is caught up
// and switches to live delivery before the lock releases.
func (c *Cluster) replayTo(r *remote) error {
	if c.Log == nil {
		r.ep.Lock()
		r.ep.Syncing = false
		r.ep.Unlock()
		return nil
	}

	r.ep.Lock()
	cursor := r.ep.LocalLogPosition
	r.ep.Unlock()
	log.Infof("Replaying log to endpoint %v from position %v.", r.name, cursor)

	total := 0
	for {
		sent, next, err := c.replayRound(r, cursor)
		if err != nil {
			return trace.Wrap(err)
		}
		cursor = next
		if sent > 0 {
			total += sent
			continue
		}

		c.relayMu.Lock()
		sent, next, err = c.replayRound(r, cursor)
		if err == nil && sent == 0 {
			r.ep.Lock()
			r.ep.Syncing = false
			r.ep.Unlock()
		}
		c.relayMu.Unlock()
		if err != nil {
			return trace.Wrap(err)
		}
		cursor = next
		total += sent
		if sent == 0 {
			log.Infof("Replayed %v messages to endpoint %v.", total, r.name)
			return nil
		}
	}
}

// replayRound seals the live segment, then walks every segment past the
// cursor and writes the eligible entries straight onto the link. The
// cursor advances over skipped entries too: an entry sourced from the
// peer or denied by privileges stays skipped on every later round.
func (c *Cluster) replayRound(r *remote, cursor float64) (sent int, next float64, err error) {
	if err := c.Log.Rotate(); err != nil {
		return 0, cursor, trace.Wrap(err)
	}
	segments, err := c.Log.Segments()
	if err != nil {
		return 0, cursor, trace.Wrap(err)
	}
	for _, seg := range segments {
		if float64(seg.Name) <= cursor {
			continue
		}
		err := c.Log.ReadSegment(seg, func(e replaylog.Entry) error {
			if e.Timestamp <= cursor {
				return nil
			}
			cursor = e.Timestamp
			if e.Source == r.name {
				return nil
			}
			if len(e.Security) > 0 {
				var sec Security
				if json.Unmarshal(e.Security, &sec) == nil && !c.permitted(&sec, r.name) {
					return nil
				}
			}
			if err := r.link.sendRaw(e.Message, writeTimeout); err != nil {
				return trace.Wrap(err)
			}
			sent++
			return nil
		})
		if err != nil {
			return sent, cursor, trace.Wrap(err)
		}
	}
	return sent, cursor, nil
}
