package relay

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/speakrelay/internal/metrics"
	"github.com/pscheid92/speakrelay/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	helloSpeak = `{"type":"speak","payload":{"segmentId":1,"replaceFrom":0,"textSuffix":"Hello","isFinal":false}}`
	worldSpeak = `{"type":"speak","payload":{"segmentId":1,"replaceFrom":5,"textSuffix":" world","isFinal":true}}`
)

func testHub(t *testing.T, bridge Bridge) (*Hub, *metrics.RelayMetrics) {
	t.Helper()
	m := metrics.NewRelayMetrics(prometheus.NewRegistry())
	hub := NewHub(bridge, clockwork.NewFakeClock(), m)
	t.Cleanup(hub.Stop)
	return hub, m
}

// flush waits until every previously queued command has been handled.
func flush(t *testing.T, hub *Hub) {
	t.Helper()
	require.GreaterOrEqual(t, hub.GetClientCount(), 0)
}

func register(t *testing.T, hub *Hub, ids ...string) []*fakeConn {
	t.Helper()
	conns := make([]*fakeConn, 0, len(ids))
	for _, id := range ids {
		c := newFakeConn(id)
		require.NoError(t, hub.Register(c))
		conns = append(conns, c)
	}
	return conns
}

func TestHub_RegisterSendsWelcome(t *testing.T) {
	hub, m := testHub(t, nil)
	conns := register(t, hub, "a")

	frames := conns[0].received()
	require.Len(t, frames, 1)

	var welcome struct {
		Type    string `json:"type"`
		Message string `json:"message"`
		TS      int64  `json:"ts"`
	}
	require.NoError(t, json.Unmarshal(frames[0], &welcome))
	assert.Equal(t, protocol.TypeDebug, welcome.Type)
	assert.Equal(t, protocol.WelcomeMessage, welcome.Message)
	assert.NotZero(t, welcome.TS)

	assert.Equal(t, 1, hub.GetClientCount())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectedClients))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectionsTotal))
}

func TestHub_RegisterTwiceIsNoop(t *testing.T) {
	hub, _ := testHub(t, nil)
	conns := register(t, hub, "a")

	require.NoError(t, hub.Register(conns[0]))
	assert.Equal(t, 1, hub.GetClientCount())
	assert.Len(t, conns[0].received(), 1, "welcome is sent once")
}

func TestHub_SpeakReachesEveryoneButSender(t *testing.T) {
	hub, m := testHub(t, nil)
	conns := register(t, hub, "a", "b", "c")
	a, b, c := conns[0], conns[1], conns[2]

	require.True(t, hub.Inbound(a, []byte(helloSpeak)))
	flush(t, hub)

	assert.Empty(t, a.receivedOfType(t, protocol.TypeTranslation))
	for _, peer := range []*fakeConn{b, c} {
		got := peer.receivedOfType(t, protocol.TypeTranslation)
		require.Len(t, got, 1)
		assert.JSONEq(t, `{"type":"translation","payload":{"segmentId":1,"replaceFrom":0,"textSuffix":"Hello","isFinal":false}}`, string(got[0]))
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(m.InboundTotal.WithLabelValues(protocol.TypeSpeak)))
}

func TestHub_DeltaSequenceReconstructsText(t *testing.T) {
	hub, _ := testHub(t, nil)
	conns := register(t, hub, "a", "b")
	a, b := conns[0], conns[1]

	hub.Inbound(a, []byte(helloSpeak))
	hub.Inbound(a, []byte(worldSpeak))
	flush(t, hub)

	got := b.receivedOfType(t, protocol.TypeTranslation)
	require.Len(t, got, 2)

	var text []rune
	for _, frame := range got {
		var env struct {
			Payload struct {
				ReplaceFrom int    `json:"replaceFrom"`
				TextSuffix  string `json:"textSuffix"`
			} `json:"payload"`
		}
		require.NoError(t, json.Unmarshal(frame, &env))
		text = append(text[:env.Payload.ReplaceFrom], []rune(env.Payload.TextSuffix)...)
	}
	assert.Equal(t, "Hello world", string(text))
	assert.Empty(t, a.receivedOfType(t, protocol.TypeTranslation))
}

func TestHub_PayloadPassesThroughVerbatim(t *testing.T) {
	hub, _ := testHub(t, nil)
	conns := register(t, hub, "a", "b")

	payload := `{"lang":"de-DE","segmentId":"seg-7","replaceFrom":2.5,"textSuffix":"über","isFinal":true,"extra":{"k":[1,2]}}`
	hub.Inbound(conns[0], []byte(`{"type":"speak","payload":`+payload+`}`))
	flush(t, hub)

	got := conns[1].receivedOfType(t, protocol.TypeTranslation)
	require.Len(t, got, 1)
	assert.Contains(t, string(got[0]), payload)
}

func TestHub_SoleConnectionSpeakHasNoRecipients(t *testing.T) {
	hub, _ := testHub(t, nil)
	conns := register(t, hub, "c")

	require.True(t, hub.Inbound(conns[0], []byte(helloSpeak)))
	flush(t, hub)

	assert.Empty(t, conns[0].receivedOfType(t, protocol.TypeTranslation))
	assert.Equal(t, 1, hub.GetClientCount())
}

func TestHub_DiscardsUnrelayableFrames(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		reason string
	}{
		{"malformed", `{not json`, "malformed"},
		{"binary garbage", "\x00\x01\x02", "malformed"},
		{"unknown type", `{"type":"shout","payload":{}}`, "unknown_type"},
		{"missing type", `{"payload":{"text":"x"}}`, "unknown_type"},
		{"no text", `{"type":"speak","payload":{"segmentId":1,"isFinal":true}}`, "no_content"},
		{"non-string text", `{"type":"speak","payload":{"text":42}}`, "no_content"},
		{"client debug", `{"type":"debug","message":"hi","ts":1}`, "not_relayable"},
		{"client translation", `{"type":"translation","payload":{"text":"x"}}`, "not_relayable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub, m := testHub(t, nil)
			conns := register(t, hub, "a", "b")
			a, b := conns[0], conns[1]

			require.True(t, hub.Inbound(a, []byte(tt.raw)))
			flush(t, hub)

			assert.Empty(t, b.receivedOfType(t, protocol.TypeTranslation))
			assert.Equal(t, 1.0, testutil.ToFloat64(m.InboundDropped.WithLabelValues(tt.reason)))
			calls, _ := a.closed()
			assert.Zero(t, calls, "sender stays connected")

			// The sender can still relay afterwards.
			hub.Inbound(a, []byte(helloSpeak))
			flush(t, hub)
			assert.Len(t, b.receivedOfType(t, protocol.TypeTranslation), 1)
		})
	}
}

func TestHub_FailedRecipientDoesNotBlockOthers(t *testing.T) {
	hub, _ := testHub(t, nil)
	conns := register(t, hub, "a", "b", "c")
	a, b, c := conns[0], conns[1], conns[2]
	b.failWith(ErrSendBufferFull)

	hub.Inbound(a, []byte(helloSpeak))
	flush(t, hub)

	assert.Len(t, c.receivedOfType(t, protocol.TypeTranslation), 1)
	assert.Equal(t, 3, hub.GetClientCount())
}

func TestHub_UnregisterIsIdempotent(t *testing.T) {
	hub, m := testHub(t, nil)
	conns := register(t, hub, "a", "b")
	a, b := conns[0], conns[1]

	hub.Unregister(b)
	hub.Unregister(b)
	hub.Unregister(newFakeConn("stranger"))
	assert.Equal(t, 1, hub.GetClientCount())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectedClients))

	hub.Inbound(a, []byte(helloSpeak))
	flush(t, hub)
	assert.Empty(t, b.receivedOfType(t, protocol.TypeTranslation), "removed connections receive nothing")
}

func TestHub_SpeakIsPublishedToBridge(t *testing.T) {
	bridge := &fakeBridge{}
	hub, _ := testHub(t, bridge)
	conns := register(t, hub, "a")

	hub.Inbound(conns[0], []byte(helloSpeak))
	hub.Inbound(conns[0], []byte(`{broken`))
	flush(t, hub)

	require.Equal(t, 1, bridge.count())
	assert.JSONEq(t, `{"type":"translation","payload":{"segmentId":1,"replaceFrom":0,"textSuffix":"Hello","isFinal":false}}`, string(bridge.published[0]))
}

func TestHub_DeliverReachesAllWithoutRepublishing(t *testing.T) {
	bridge := &fakeBridge{}
	hub, _ := testHub(t, bridge)
	conns := register(t, hub, "a", "b")

	hub.Deliver([]byte(`{"type":"translation","payload":{"text":"remote"}}`))
	flush(t, hub)

	for _, c := range conns {
		assert.Len(t, c.receivedOfType(t, protocol.TypeTranslation), 1)
	}
	assert.Zero(t, bridge.count())
}

func TestHub_BroadcastDebugReachesAll(t *testing.T) {
	hub, _ := testHub(t, nil)
	conns := register(t, hub, "a", "b")

	frame, err := protocol.EncodeDebug(protocol.HeartbeatMessage, time.Now())
	require.NoError(t, err)
	require.NoError(t, hub.BroadcastDebug(frame))
	flush(t, hub)

	for _, c := range conns {
		// Welcome plus heartbeat.
		assert.Len(t, c.receivedOfType(t, protocol.TypeDebug), 2)
	}
}

func TestHub_StopClosesConnections(t *testing.T) {
	m := metrics.NewRelayMetrics(prometheus.NewRegistry())
	hub := NewHub(nil, clockwork.NewFakeClock(), m)
	conns := register(t, hub, "a", "b")

	hub.Stop()
	hub.Stop()

	for _, c := range conns {
		calls, reason := c.closed()
		assert.Equal(t, 1, calls)
		assert.Equal(t, "server shutting down", reason)
	}
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ConnectedClients))
	assert.Equal(t, -1, hub.GetClientCount())
	assert.ErrorIs(t, hub.Register(newFakeConn("late")), ErrHubStopped)
	assert.ErrorIs(t, hub.BroadcastDebug([]byte(`{}`)), ErrHubStopped)
	assert.False(t, hub.Inbound(conns[0], []byte(helloSpeak)))
}

func TestHub_NilMetrics(t *testing.T) {
	hub := NewHub(nil, clockwork.NewFakeClock(), nil)
	t.Cleanup(hub.Stop)

	register(t, hub, "a")
	assert.Equal(t, 1, hub.GetClientCount())
}

func TestHub_UnregisterAfterRegisterTimeout(t *testing.T) {
	clock := clockwork.NewFakeClock()
	hub := NewHub(nil, clock, nil)
	t.Cleanup(hub.Stop)

	stalled := newStallingConn("stalled")
	stalledDone := make(chan error, 1)
	go func() { stalledDone <- hub.Register(stalled) }()
	<-stalled.entered

	rejected := newFakeConn("rejected")
	rejectedDone := make(chan error, 1)
	go func() { rejectedDone <- hub.Register(rejected) }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	// Hub queue-depth ticker plus both register timers.
	require.NoError(t, clock.BlockUntilContext(ctx, 3))
	clock.Advance(commandTimeout)

	require.Error(t, <-rejectedDone)
	<-stalledDone

	// The endpoint unregisters after a failed register; the queued register lands first.
	hub.Unregister(rejected)
	close(stalled.release)

	assert.Equal(t, 1, hub.GetClientCount())
}

func TestHub_StopClosesConnectionsConcurrently(t *testing.T) {
	hub := NewHub(nil, clockwork.NewFakeClock(), nil)

	barrier := newCloseBarrier(3)
	conns := make([]*barrierConn, 0, 3)
	for _, id := range []string{"a", "b", "c"} {
		c := &barrierConn{fakeConn: newFakeConn(id), barrier: barrier}
		require.NoError(t, hub.Register(c))
		conns = append(conns, c)
	}

	hub.Stop()

	for _, c := range conns {
		calls, reason := c.closed()
		assert.Equal(t, 1, calls, c.ID())
		assert.Equal(t, "server shutting down", reason)
	}
}
