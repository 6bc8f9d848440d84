package cluster

import (
	"bufio"
	"encoding/json"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"

	"github.com/oceanplexian/vigil/internal/objects"
	"github.com/oceanplexian/vigil/internal/replaylog"
)

// Verbs carried in the method field as cluster::<Verb>.
const (
	VerbHeartBeat                = "HeartBeat"
	VerbBlockLink                = "BlockLink"
	VerbCheckResult              = "CheckResult"
	VerbSetNextCheck             = "SetNextCheck"
	VerbSetForceNextCheck        = "SetForceNextCheck"
	VerbSetForceNextNotification = "SetForceNextNotification"
	VerbSetEnableActiveChecks    = "SetEnableActiveChecks"
	VerbSetEnablePassiveChecks   = "SetEnablePassiveChecks"
	VerbSetEnableNotifications   = "SetEnableNotifications"
	VerbSetEnableFlapping        = "SetEnableFlapping"
	VerbSetNextNotification      = "SetNextNotification"
	VerbAddComment               = "AddComment"
	VerbRemoveComment            = "RemoveComment"
	VerbAddDowntime              = "AddDowntime"
	VerbRemoveDowntime           = "RemoveDowntime"
	VerbSetAcknowledgement       = "SetAcknowledgement"
	VerbClearAcknowledgement     = "ClearAcknowledgement"
	VerbSetLogPosition           = "SetLogPosition"
	VerbConfig                   = "Config"
)

const methodPrefix = "cluster::"

// Message is the JSON-RPC style envelope every cluster frame carries.
type Message struct {
	JSONRPC  string          `json:"jsonrpc"`
	Method   string          `json:"method"`
	Params   json.RawMessage `json:"params,omitempty"`
	TS       float64         `json:"ts"`
	Security *Security       `json:"security,omitempty"`
}

// Security scopes a message to an object so intermediaries can gate
// delivery without understanding the payload.
type Security struct {
	Kind  string `json:"type"`
	Name  string `json:"name"`
	Privs int    `json:"privs"`
}

// Verb strips the method prefix.
func (m Message) Verb() string { return strings.TrimPrefix(m.Method, methodPrefix) }

func newMessage(verb string, params any, ts float64, sec *Security) (Message, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return Message{}, trace.Wrap(err)
	}
	return Message{
		JSONRPC:  "2.0",
		Method:   methodPrefix + verb,
		Params:   raw,
		TS:       ts,
		Security: sec,
	}, nil
}

// persistent reports whether a verb goes through the replay log. Link
// control, liveness and config sync are connection-scoped and never
// replay.
func persistent(verb string) bool {
	switch verb {
	case VerbHeartBeat, VerbBlockLink, VerbSetLogPosition, VerbConfig:
		return false
	}
	return true
}

// commandVerb reports whether applying the verb demands command rather
// than read privileges over the target object.
func commandVerb(verb string) bool {
	switch verb {
	case VerbCheckResult, VerbSetNextCheck, VerbSetNextNotification:
		return false
	}
	return true
}

// objectRef addresses a checkable on the wire. Authority is the node the
// mutation originated on; receivers apply but do not re-announce
// mutations whose authority is somebody else.
type objectRef struct {
	Kind      string `json:"type"`
	Name      string `json:"name"`
	Authority string `json:"authority,omitempty"`
}

type checkResultParams struct {
	objectRef
	CheckResult *objects.CheckResult `json:"cr"`
}

type nextCheckParams struct {
	objectRef
	NextCheck float64 `json:"next_check"`
}

type flagParams struct {
	objectRef
	Value bool `json:"value"`
}

type nextNotificationParams struct {
	Notification     string  `json:"notification"`
	NextNotification float64 `json:"next_notification"`
	Authority        string  `json:"authority,omitempty"`
}

type commentParams struct {
	objectRef
	Comment *objects.Comment `json:"comment,omitempty"`
	ID      string           `json:"id,omitempty"`
}

type downtimeParams struct {
	objectRef
	Downtime  *objects.Downtime `json:"downtime,omitempty"`
	ID        string            `json:"id,omitempty"`
	Cancelled bool              `json:"cancelled,omitempty"`
}

type ackParams struct {
	objectRef
	Author  string  `json:"author"`
	Comment string  `json:"comment"`
	AckType int     `json:"ack_type"`
	Time    float64 `json:"time"`
	Expiry  float64 `json:"expiry,omitempty"`
}

type logPositionParams struct {
	LogPosition float64 `json:"log_position"`
}

type heartbeatParams struct {
	Identity           string   `json:"identity"`
	Features           int      `json:"features"`
	ConnectedEndpoints []string `json:"connected_endpoints,omitempty"`
}

type configParams struct {
	Identity string            `json:"identity"`
	Files    map[string]string `json:"config_files"`
}

func unixFloat(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}

func timeFromUnix(ts float64) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(ts*1e9))
}

// link frames messages over one connection. Reads happen on the owning
// pump goroutine only; writes are serialized by the mutex so heartbeats
// and replay can interleave whole frames.
type link struct {
	conn net.Conn
	br   *bufio.Reader
	wmu  sync.Mutex
}

func newLink(conn net.Conn) *link {
	return &link{conn: conn, br: bufio.NewReader(conn)}
}

func (l *link) send(m Message, timeout time.Duration) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return trace.Wrap(err)
	}
	return l.sendRaw(raw, timeout)
}

func (l *link) sendRaw(frame []byte, timeout time.Duration) error {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	if err := l.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return trace.ConvertSystemError(err)
	}
	return trace.Wrap(replaylog.WriteFrame(l.conn, frame))
}

func (l *link) recv(timeout time.Duration) (Message, error) {
	if err := l.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return Message{}, trace.ConvertSystemError(err)
	}
	frame, err := replaylog.ReadFrame(l.br, replaylog.MaxFrame)
	if err != nil {
		return Message{}, trace.Wrap(err)
	}
	var m Message
	if err := json.Unmarshal(frame, &m); err != nil {
		return Message{}, trace.BadParameter("malformed cluster message: %v", err)
	}
	return m, nil
}

func (l *link) close() {
	l.conn.Close()
}
