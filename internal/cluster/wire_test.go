package cluster

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageEnvelope(t *testing.T) {
	m, err := newMessage(VerbSetNextCheck, nextCheckParams{
		objectRef: objectRef{Kind: "Host", Name: "web-01", Authority: "node-a"},
		NextCheck: 1749999999.5,
	}, 1234.25, &Security{Kind: "Host", Name: "web-01", Privs: 1})
	require.NoError(t, err)

	raw, err := json.Marshal(m)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"jsonrpc": "2.0",
		"method": "cluster::SetNextCheck",
		"params": {"type": "Host", "name": "web-01", "authority": "node-a", "next_check": 1749999999.5},
		"ts": 1234.25,
		"security": {"type": "Host", "name": "web-01", "privs": 1}
	}`, string(raw))

	var back Message
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, "SetNextCheck", back.Verb())
	assert.Equal(t, 1234.25, back.TS)
	require.NotNil(t, back.Security)
	assert.Equal(t, 1, back.Security.Privs)
}

func TestVerbClassification(t *testing.T) {
	for _, verb := range []string{VerbHeartBeat, VerbBlockLink, VerbSetLogPosition, VerbConfig} {
		assert.False(t, persistent(verb), "%v must not be replayed", verb)
	}
	for _, verb := range []string{
		VerbCheckResult, VerbSetNextCheck, VerbSetForceNextCheck,
		VerbSetEnableNotifications, VerbAddComment, VerbRemoveDowntime,
		VerbSetAcknowledgement, VerbSetNextNotification,
	} {
		assert.True(t, persistent(verb), "%v goes through the replay log", verb)
	}

	for _, verb := range []string{VerbCheckResult, VerbSetNextCheck, VerbSetNextNotification} {
		assert.False(t, commandVerb(verb), "%v is a state update", verb)
	}
	for _, verb := range []string{
		VerbSetAcknowledgement, VerbClearAcknowledgement, VerbAddDowntime,
		VerbRemoveComment, VerbSetEnableActiveChecks, VerbSetForceNextCheck,
	} {
		assert.True(t, commandVerb(verb), "%v mutates on command", verb)
	}
}

func TestUnixFloatConversions(t *testing.T) {
	assert.Equal(t, float64(0), unixFloat(time.Time{}))
	assert.True(t, timeFromUnix(0).IsZero())

	at := time.Date(2025, 7, 10, 9, 30, 0, 250_000_000, time.UTC)
	ts := unixFloat(at)
	assert.InDelta(t, float64(at.Unix())+0.25, ts, 1e-6)
	assert.True(t, timeFromUnix(ts).Sub(at).Abs() < time.Millisecond)
}

func TestLinkRoundTrip(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	la, lb := newLink(a), newLink(b)

	sent, err := newMessage(VerbHeartBeat, heartbeatParams{
		Identity:           "node-a",
		Features:           3,
		ConnectedEndpoints: []string{"node-b"},
	}, 42.5, nil)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- la.send(sent, time.Second) }()

	got, err := lb.recv(time.Second)
	require.NoError(t, err)
	require.NoError(t, <-errCh)

	assert.Equal(t, "HeartBeat", got.Verb())
	assert.Equal(t, 42.5, got.TS)
	var p heartbeatParams
	require.NoError(t, json.Unmarshal(got.Params, &p))
	assert.Equal(t, "node-a", p.Identity)
	assert.Equal(t, []string{"node-b"}, p.ConnectedEndpoints)
}

func TestLinkRejectsMalformedFrame(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	lb := newLink(b)

	go func() {
		a.Write([]byte("9:not json!,\n"))
	}()

	_, err := lb.recv(time.Second)
	require.Error(t, err)
}
