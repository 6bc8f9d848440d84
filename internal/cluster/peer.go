package cluster

import (
	"sync"

	"github.com/oceanplexian/vigil/internal/objects"
)

// remote is one live connection to a cluster endpoint. Frames to send
// are queued; a slow peer that fills its queue loses the link rather
// than stalling the relay.
type remote struct {
	name string
	ep   *objects.Endpoint
	link *link

	sendq chan []byte
	done  chan struct{}
	once  sync.Once
}

func newRemote(name string, ep *objects.Endpoint, l *link) *remote {
	return &remote{
		name:  name,
		ep:    ep,
		link:  l,
		sendq: make(chan []byte, sendQueueDepth),
		done:  make(chan struct{}),
	}
}

// enqueue hands a frame to the writer pump. Returns false when the
// queue is full, in which case the caller should drop the link.
func (r *remote) enqueue(frame []byte) bool {
	select {
	case r.sendq <- frame:
		return true
	case <-r.done:
		return false
	default:
		return false
	}
}

// writer drains the send queue onto the wire.
func (r *remote) writer() {
	for {
		select {
		case frame := <-r.sendq:
			if err := r.link.sendRaw(frame, writeTimeout); err != nil {
				log.WithError(err).Debugf("Write to endpoint %v failed.", r.name)
				r.close()
				return
			}
		case <-r.done:
			return
		}
	}
}

// close tears the connection down. Safe to call from any goroutine,
// any number of times.
func (r *remote) close() {
	r.once.Do(func() {
		close(r.done)
		r.link.close()
	})
}

func (r *remote) closed() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}
