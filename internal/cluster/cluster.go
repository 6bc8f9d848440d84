// Package cluster replicates monitoring state between nodes. Peers
// connect over mutual TLS, flood state changes with per-message
// timestamps, persist them in a replay log for peers that are offline,
// and elect a per-object authority so every check and notification runs
// on exactly one node.
package cluster

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/oceanplexian/vigil/internal/checker"
	"github.com/oceanplexian/vigil/internal/downtime"
	"github.com/oceanplexian/vigil/internal/objects"
	"github.com/oceanplexian/vigil/internal/replaylog"
)

var log = logrus.WithField(trace.Component, "vigil:cluster")

var (
	connectedPeersGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vigil_cluster_connected_peers",
		Help: "Cluster endpoints with an established connection.",
	})
	relayQueueGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vigil_cluster_relay_queue_depth",
		Help: "Messages waiting on the relay queue.",
	})
	relayedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vigil_cluster_messages_relayed_total",
		Help: "Messages relayed to cluster endpoints.",
	})
)

func init() {
	prometheus.MustRegister(connectedPeersGauge, relayQueueGauge, relayedCounter)
}

const (
	tickInterval      = 5 * time.Second
	lastSeenTimeout   = 60 * time.Second
	blockLinkDuration = 30 * time.Second
	dialTimeout       = 10 * time.Second
	handshakeTimeout  = 10 * time.Second
	readTimeout       = 90 * time.Second
	writeTimeout      = 30 * time.Second
	sendQueueDepth    = 1024
	relayQueueDepth   = 4096
	defaultRetention  = 7 * 24 * time.Hour

	// positionLeap is how far, in seconds of log time, the dedup
	// position trails the newest received timestamp. The slack keeps
	// relayed messages stamped by slightly lagging clocks alive and
	// batches log position acknowledgements.
	positionLeap = 10.0
)

// Config carries the cluster dependencies.
type Config struct {
	// Store holds the configured objects, including endpoints and domains.
	Store *objects.Store
	// Program carries the local identity and feature switches.
	Program *objects.Program
	// Log persists messages for disconnected peers.
	Log *replaylog.Log
	// Processor applies check results received from peers.
	Processor *checker.Processor
	// Downtimes applies comment and downtime mutations received from peers.
	Downtimes *downtime.Manager
	// ListenAddr is the address the cluster listener binds to.
	ListenAddr string
	// Certificate is the node keypair; its CN is the cluster identity.
	Certificate tls.Certificate
	// CA verifies peer certificates.
	CA *x509.CertPool
	// ConfigDir receives config files pushed by peers.
	ConfigDir string
	// ConfigFiles are pushed to connecting peers.
	ConfigFiles []string
	// Features are the roles this node advertises in heartbeats.
	Features objects.EndpointFeature
	// Retention bounds how long disconnected peers pin replay segments.
	Retention time.Duration
	// OnRestartRequest fires when a pushed config changed on disk.
	OnRestartRequest func()
	// Clock is the time source.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the object graph. Listener parameters
// are checked in Run so the relay machinery is usable without a socket.
func (c *Config) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Program == nil {
		return trace.BadParameter("missing parameter Program")
	}
	if c.Log == nil {
		return trace.BadParameter("missing parameter Log")
	}
	if c.Processor == nil {
		return trace.BadParameter("missing parameter Processor")
	}
	if c.Downtimes == nil {
		return trace.BadParameter("missing parameter Downtimes")
	}
	if c.Retention <= 0 {
		c.Retention = defaultRetention
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// outbound is one message headed for the wire. Locally originated
// messages have an empty source; forwarded messages keep the endpoint
// they arrived from so fan-out does not echo them back.
type outbound struct {
	frame  []byte
	msg    Message
	source string
	dest   string
}

// Cluster is the replication engine for one node.
type Cluster struct {
	Config

	identity string

	mu      sync.Mutex
	remotes map[string]*remote
	dialing map[string]bool
	lastTS  float64

	// relayMu serializes log appends plus fan-out against the final
	// replay round, so no message can slip between a peer's last
	// catch-up scan and its switch to live delivery.
	relayMu sync.Mutex

	relayCh chan outbound
	stopped chan struct{}
	once    sync.Once
}

// New wires the cluster into the event bus. No I/O happens until Run.
func New(cfg Config) (*Cluster, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	c := &Cluster{
		Config:   cfg,
		identity: cfg.Program.Identity,
		remotes:  make(map[string]*remote),
		dialing:  make(map[string]bool),
		relayCh:  make(chan outbound, relayQueueDepth),
		stopped:  make(chan struct{}),
	}
	c.subscribe()
	return c, nil
}

// Run serves the cluster listener and the reconnect tick until the
// context is cancelled.
func (c *Cluster) Run(ctx context.Context) error {
	if c.ListenAddr == "" {
		return trace.BadParameter("missing parameter ListenAddr")
	}
	if len(c.Certificate.Certificate) == 0 {
		return trace.BadParameter("missing parameter Certificate")
	}
	if c.CA == nil {
		return trace.BadParameter("missing parameter CA")
	}
	ln, err := net.Listen("tcp", c.ListenAddr)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	tlsLn := tls.NewListener(ln, serverTLSConfig(c.Certificate, c.CA))
	log.Infof("Cluster listener bound to %v as %q.", c.ListenAddr, c.identity)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.acceptLoop(gctx, tlsLn)
	})
	g.Go(func() error {
		c.relayWorker(gctx)
		return nil
	})
	g.Go(func() error {
		c.tickLoop(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		c.shutdown()
		tlsLn.Close()
		return nil
	})
	return g.Wait()
}

func (c *Cluster) shutdown() {
	c.once.Do(func() { close(c.stopped) })
	for _, r := range c.snapshotRemotes() {
		r.close()
	}
}

func (c *Cluster) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return trace.ConvertSystemError(err)
		}
		go c.acceptConn(conn)
	}
}

// acceptConn completes the TLS handshake and registers the peer under
// the identity its certificate carries.
func (c *Cluster) acceptConn(conn net.Conn) {
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		conn.Close()
		return
	}
	tlsConn.SetDeadline(time.Now().Add(handshakeTimeout))
	if err := tlsConn.Handshake(); err != nil {
		log.WithError(err).Debugf("Handshake with %v failed.", conn.RemoteAddr())
		conn.Close()
		return
	}
	tlsConn.SetDeadline(time.Time{})
	name, err := peerIdentity(tlsConn)
	if err != nil {
		log.WithError(err).Warningf("Rejecting connection from %v.", conn.RemoteAddr())
		conn.Close()
		return
	}
	c.register(name, newLink(tlsConn))
}

// dial opens an outbound connection to a configured endpoint.
func (c *Cluster) dial(ep *objects.Endpoint) {
	defer func() {
		c.mu.Lock()
		delete(c.dialing, ep.Name)
		c.mu.Unlock()
	}()

	addr := net.JoinHostPort(ep.Host, strconv.Itoa(ep.Port))
	dialer := &net.Dialer{Timeout: dialTimeout}
	conn, err := tls.DialWithDialer(dialer, "tcp", addr, clientTLSConfig(c.Certificate, c.CA))
	if err != nil {
		log.WithError(err).Debugf("Connecting to endpoint %v at %v failed.", ep.Name, addr)
		return
	}
	name, err := peerIdentity(conn)
	if err != nil {
		log.WithError(err).Warningf("Closing connection to %v.", addr)
		conn.Close()
		return
	}
	if name != ep.Name {
		log.Warningf("Endpoint at %v identifies as %q, expected %q.", addr, name, ep.Name)
	}
	c.register(name, newLink(conn))
}

// register installs a freshly handshaked connection. A duplicate
// connection for the same identity supersedes the old one.
func (c *Cluster) register(name string, l *link) {
	if name == c.identity {
		log.Warningf("Rejecting connection claiming our own identity %q.", name)
		l.close()
		return
	}
	ep, ok := c.Store.GetEndpoint(name)
	if !ok {
		log.Warningf("Rejecting connection from unknown endpoint %q.", name)
		l.close()
		return
	}

	// Syncing goes up before the remote becomes visible to fan-out, so
	// no live-stamped frame can reach the peer ahead of the replay.
	now := c.Clock.Now()
	ep.Lock()
	ep.Connected = true
	ep.Syncing = true
	ep.LastSeen = now
	ep.Unlock()

	r := newRemote(name, ep, l)
	c.mu.Lock()
	if old := c.remotes[name]; old != nil {
		old.close()
	}
	c.remotes[name] = r
	n := len(c.remotes)
	c.mu.Unlock()
	connectedPeersGauge.Set(float64(n))
	log.Infof("Endpoint %v connected.", name)

	go r.writer()
	go c.serveLink(r)
	go c.sync(r)
}

// unregister tears down a connection. When the remote was already
// superseded the endpoint state belongs to the replacement and stays
// untouched.
func (c *Cluster) unregister(r *remote) {
	r.close()
	c.mu.Lock()
	current := c.remotes[r.name] == r
	if current {
		delete(c.remotes, r.name)
	}
	n := len(c.remotes)
	c.mu.Unlock()
	if !current {
		return
	}
	r.ep.Lock()
	r.ep.Connected = false
	r.ep.Syncing = false
	r.ep.Unlock()
	connectedPeersGauge.Set(float64(n))
	log.Infof("Endpoint %v disconnected.", r.name)
}

func (c *Cluster) serveLink(r *remote) {
	defer c.unregister(r)
	for {
		m, err := r.link.recv(readTimeout)
		if err != nil {
			if !r.closed() {
				log.WithError(err).Debugf("Read from endpoint %v failed.", r.name)
			}
			return
		}
		c.receive(r, m)
	}
}

// receive applies one message from a peer. Messages without a timestamp
// are connection control and bypass duplicate suppression.
func (c *Cluster) receive(r *remote, m Message) {
	r.ep.SeenNow(c.Clock.Now())

	verb := m.Verb()
	if m.TS > 0 {
		dispatch, ack := r.ep.AcceptRemoteTs(m.TS, positionLeap)
		if ack {
			c.sendDirect(r, VerbSetLogPosition, logPositionParams{LogPosition: m.TS}, false)
		}
		if !dispatch {
			return
		}
	}

	forward := c.dispatch(r, verb, m)
	if forward && (persistent(verb) || verb == VerbHeartBeat) {
		c.forward(r, m)
	}
}

// forward re-floods a received message under its original timestamp and
// authority. Fan-out skips the endpoint it came from.
func (c *Cluster) forward(r *remote, m Message) {
	frame, err := json.Marshal(m)
	if err != nil {
		return
	}
	c.enqueueOutbound(outbound{frame: frame, msg: m, source: r.name})
}

// submit queues a locally originated message for the relay worker.
func (c *Cluster) submit(verb string, params any, sec *Security) {
	m, err := newMessage(verb, params, c.nextTS(), sec)
	if err != nil {
		log.WithError(err).Warningf("Encoding cluster::%v failed.", verb)
		return
	}
	frame, err := json.Marshal(m)
	if err != nil {
		log.WithError(err).Warningf("Encoding cluster::%v failed.", verb)
		return
	}
	c.enqueueOutbound(outbound{frame: frame, msg: m})
}

func (c *Cluster) enqueueOutbound(o outbound) {
	select {
	case c.relayCh <- o:
		relayQueueGauge.Set(float64(len(c.relayCh)))
	case <-c.stopped:
	}
}

// sendDirect writes a message to a single peer outside the relay path.
// Stamped messages take part in duplicate suppression; unstamped ones
// are pure link control and never touch log positions.
func (c *Cluster) sendDirect(r *remote, verb string, params any, stamped bool) {
	var ts float64
	if stamped {
		ts = c.nextTS()
	}
	m, err := newMessage(verb, params, ts, nil)
	if err != nil {
		log.WithError(err).Warningf("Encoding cluster::%v failed.", verb)
		return
	}
	frame, err := json.Marshal(m)
	if err != nil {
		return
	}
	if !r.enqueue(frame) {
		log.Warningf("Send queue for endpoint %v overflowed, dropping link.", r.name)
		r.close()
	}
}

// nextTS produces strictly increasing message timestamps even when the
// wall clock stalls.
func (c *Cluster) nextTS() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts := unixFloat(c.Clock.Now())
	if ts <= c.lastTS {
		ts = c.lastTS + 1e-6
	}
	c.lastTS = ts
	return ts
}

func (c *Cluster) relayWorker(ctx context.Context) {
	for {
		select {
		case o := <-c.relayCh:
			c.deliver(o)
			relayQueueGauge.Set(float64(len(c.relayCh)))
		case <-ctx.Done():
			return
		}
	}
}

// deliver persists a message and fans it out to eligible peers.
func (c *Cluster) deliver(o outbound) {
	c.relayMu.Lock()
	defer c.relayMu.Unlock()

	verb := o.msg.Verb()
	if persistent(verb) && c.Log != nil {
		var sec json.RawMessage
		if o.msg.Security != nil {
			sec, _ = json.Marshal(o.msg.Security)
		}
		entry := replaylog.Entry{
			Timestamp: o.msg.TS,
			Source:    o.source,
			Security:  sec,
			Message:   o.frame,
		}
		if err := c.Log.Append(entry); err != nil {
			log.WithError(err).Warningf("Appending %v to the replay log failed.", o.msg.Method)
		}
	}

	now := c.Clock.Now()
	for _, r := range c.snapshotRemotes() {
		if r.name == o.source {
			continue
		}
		if o.dest != "" && r.name != o.dest {
			continue
		}
		if r.ep.Blocked(now) {
			continue
		}
		if _, _, _, syncing := r.ep.SnapshotState(); syncing {
			// The replay stream delivers everything persisted; live
			// frames would race it with newer timestamps.
			continue
		}
		if !c.permitted(o.msg.Security, r.name) {
			continue
		}
		if !r.enqueue(o.frame) {
			log.Warningf("Send queue for endpoint %v overflowed, dropping link.", r.name)
			r.close()
			continue
		}
		relayedCounter.Inc()
	}
}

// permitted checks whether a peer holds the privileges a message
// demands. Messages scoped to objects this node does not know pass
// through so partial configs do not break relaying.
func (c *Cluster) permitted(sec *Security, peer string) bool {
	if sec == nil {
		return true
	}
	obj, err := c.Store.Resolve(sec.Kind, sec.Name)
	if err != nil {
		return true
	}
	return c.Store.PeerPrivileges(obj, peer)&sec.Privs == sec.Privs
}

func (c *Cluster) snapshotRemotes() []*remote {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*remote, 0, len(c.remotes))
	for _, r := range c.remotes {
		out = append(out, r)
	}
	return out
}

func (c *Cluster) remote(name string) *remote {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remotes[name]
}

func (c *Cluster) tickLoop(ctx context.Context) {
	ticker := c.Clock.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			c.tick()
		}
	}
}

// tick runs the periodic cluster duties.
func (c *Cluster) tick() {
	now := c.Clock.Now()
	c.reconnect()
	c.heartbeat()
	c.reapStale(now)
	c.electAuthorities(now)
	c.pruneTree(now)
	c.collectGarbage(now)
}

// reconnect dials configured endpoints that have no connection.
func (c *Cluster) reconnect() {
	for _, ep := range c.Store.Endpoints() {
		if ep.Name == c.identity || ep.Host == "" {
			continue
		}
		c.mu.Lock()
		idle := c.remotes[ep.Name] == nil && !c.dialing[ep.Name]
		if idle {
			c.dialing[ep.Name] = true
		}
		c.mu.Unlock()
		if idle {
			go c.dial(ep)
		}
	}
}

// heartbeat announces identity, features and visible neighbours to every
// connected peer. Blocked links still get heartbeats so they stay warm
// as spare paths; syncing peers are skipped until replay hands over to
// live delivery.
func (c *Cluster) heartbeat() {
	remotes := c.snapshotRemotes()
	connected := make([]string, 0, len(remotes))
	for _, r := range remotes {
		connected = append(connected, r.name)
	}
	params := heartbeatParams{
		Identity:           c.identity,
		Features:           int(c.Features),
		ConnectedEndpoints: connected,
	}
	for _, r := range remotes {
		if _, _, _, syncing := r.ep.SnapshotState(); syncing {
			continue
		}
		c.sendDirect(r, VerbHeartBeat, params, true)
	}
}

// reapStale closes connections that have gone silent.
func (c *Cluster) reapStale(now time.Time) {
	for _, r := range c.snapshotRemotes() {
		if r.ep.Fresh(now, lastSeenTimeout) {
			continue
		}
		log.Warningf("Closing connection for endpoint %v: no messages within %v.", r.name, lastSeenTimeout)
		r.close()
	}
}

// collectGarbage unlinks replay segments every peer has acknowledged.
// Peers silent beyond the retention ceiling stop pinning segments.
func (c *Cluster) collectGarbage(now time.Time) {
	if c.Log == nil {
		return
	}
	before := unixFloat(now)
	for _, ep := range c.Store.Endpoints() {
		if ep.Name == c.identity {
			continue
		}
		if !ep.Fresh(now, c.Retention) {
			continue
		}
		_, _, pos, _ := ep.SnapshotState()
		if pos < before {
			before = pos
		}
	}
	if _, err := c.Log.GC(int64(before)); err != nil {
		log.WithError(err).Warningf("Replay log garbage collection failed.")
	}
}
