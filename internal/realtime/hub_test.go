package realtime

import (
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagecast/engine/internal/chat"
	"github.com/stagecast/engine/internal/models"
	"github.com/stagecast/engine/internal/protocol"
	"github.com/stagecast/engine/internal/reactions"
	"github.com/stagecast/engine/internal/registry"
)

// tokens are "participant:role" in tests; no signing involved.
func testValidator(token string) (string, models.Role, uuid.UUID, error) {
	parts := strings.SplitN(token, ":", 2)
	if len(parts) != 2 {
		return "", "", uuid.Nil, fmt.Errorf("bad token")
	}
	return parts[0], models.Role(parts[1]), uuid.Nil, nil
}

type testServer struct {
	hub *Hub
	srv *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg := registry.New(0, nil)
	engine := chat.NewEngine(chat.NewMemoryStore(), nil)
	agg := reactions.New(0, 0)
	hub := NewHub(reg, engine, agg, Config{HistoryLimit: 50}, nil, nil, nil)

	router := gin.New()
	router.GET("/ws", ServeWs(hub, hub.logger, testValidator))
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testServer{hub: hub, srv: srv}
}

type testClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func (ts *testServer) connect(t *testing.T, channelID uuid.UUID, participantID string, role models.Role) *testClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") +
		"/ws?channel_id=" + channelID.String() + "&token=" + participantID + ":" + string(role)
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	c := &testClient{t: t, conn: conn}
	t.Cleanup(func() { conn.Close() })
	return c
}

func (c *testClient) send(env protocol.Envelope) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(env))
}

func (c *testClient) sendEvent(eventType string, payload any) {
	c.t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(c.t, err)
	c.send(protocol.Envelope{Type: eventType, Payload: raw})
}

// expect reads frames until one of the wanted type arrives.
func (c *testClient) expect(eventType string) protocol.Envelope {
	c.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		_ = c.conn.SetReadDeadline(deadline)
		var env protocol.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			c.t.Fatalf("waiting for %s: %v", eventType, err)
		}
		if env.Type == eventType {
			return env
		}
	}
}

// expectNone asserts no frame of the given type arrives within the window.
func (c *testClient) expectNone(eventType string, window time.Duration) {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(window))
	for {
		var env protocol.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			return // timeout: nothing arrived
		}
		if env.Type == eventType {
			c.t.Fatalf("unexpected %s frame", eventType)
		}
	}
}

func decodePayload[T any](t *testing.T, env protocol.Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Payload, &v))
	return v
}

func TestOverlayDeltaReachesAllViewers(t *testing.T) {
	ts := newTestServer(t)
	channelID := uuid.New()

	host := ts.connect(t, channelID, "host", models.RoleHost)
	v1 := ts.connect(t, channelID, "v1", models.RoleViewer)
	v2 := ts.connect(t, channelID, "v2", models.RoleViewer)
	v1.expect(protocol.EventStateSnapshot)
	v2.expect(protocol.EventStateSnapshot)

	host.sendEvent(protocol.EventOverlayUpdate, protocol.OverlayUpdate{
		Slot:  string(models.SlotLowerThirds),
		Value: json.RawMessage(`{"visible":true,"text":"Jane Doe","subtext":"Founder"}`),
	})

	for _, c := range []*testClient{host, v1, v2} {
		env := c.expect(protocol.EventOverlayDelta)
		assert.Equal(t, uint64(1), env.Seq)
		upd := decodePayload[protocol.OverlayUpdate](t, env)
		assert.Equal(t, string(models.SlotLowerThirds), upd.Slot)
	}

	state := ts.hub.OverlaySnapshot(channelID)
	assert.True(t, state.LowerThirds.Visible)
	assert.Equal(t, "Jane Doe", state.LowerThirds.Text)
}

func TestViewerCannotUpdateOverlay(t *testing.T) {
	ts := newTestServer(t)
	channelID := uuid.New()

	ts.connect(t, channelID, "host", models.RoleHost)
	v1 := ts.connect(t, channelID, "v1", models.RoleViewer)
	v1.expect(protocol.EventStateSnapshot)

	v1.sendEvent(protocol.EventOverlayUpdate, protocol.OverlayUpdate{
		Slot:  string(models.SlotCountdown),
		Value: json.RawMessage(`{"visible":true}`),
	})

	env := v1.expect(protocol.EventError)
	errPayload := decodePayload[protocol.ErrorPayload](t, env)
	assert.Equal(t, protocol.ErrorKindForbidden, errPayload.Kind)
	assert.False(t, ts.hub.OverlaySnapshot(channelID).Countdown.Visible)
}

func TestViewerJoinWithoutHostIsRejected(t *testing.T) {
	ts := newTestServer(t)
	v1 := ts.connect(t, uuid.New(), "v1", models.RoleViewer)

	env := v1.expect(protocol.EventError)
	errPayload := decodePayload[protocol.ErrorPayload](t, env)
	assert.Equal(t, protocol.ErrorKindNoActiveChannel, errPayload.Kind)
}

func TestPrivateMessageIsolation(t *testing.T) {
	ts := newTestServer(t)
	channelID := uuid.New()

	host := ts.connect(t, channelID, "host", models.RoleHost)
	v1 := ts.connect(t, channelID, "v1", models.RoleViewer)
	v2 := ts.connect(t, channelID, "v2", models.RoleViewer)
	v1.expect(protocol.EventStateSnapshot)
	v2.expect(protocol.EventStateSnapshot)

	v1.sendEvent(protocol.EventChatSend, protocol.ChatSend{Body: "psst", Visibility: "private"})

	for _, c := range []*testClient{host, v1} {
		env := c.expect(protocol.EventChatMessage)
		msg := decodePayload[models.ChatMessage](t, env)
		assert.Equal(t, "psst", msg.Body)
		assert.Equal(t, models.VisibilityPrivate, msg.Visibility)
	}
	v2.expectNone(protocol.EventChatMessage, 200*time.Millisecond)
}

func TestPrivateReplyReachesTarget(t *testing.T) {
	ts := newTestServer(t)
	channelID := uuid.New()

	host := ts.connect(t, channelID, "host", models.RoleHost)
	v1 := ts.connect(t, channelID, "v1", models.RoleViewer)
	v2 := ts.connect(t, channelID, "v2", models.RoleViewer)
	v1.expect(protocol.EventStateSnapshot)
	v2.expect(protocol.EventStateSnapshot)

	host.sendEvent(protocol.EventChatSend, protocol.ChatSend{Body: "just for you", Visibility: "private", ReplyTo: "v1"})

	env := v1.expect(protocol.EventChatMessage)
	msg := decodePayload[models.ChatMessage](t, env)
	assert.Equal(t, "v1", msg.ReplyTo)
	v2.expectNone(protocol.EventChatMessage, 200*time.Millisecond)
}

func TestPinRotation(t *testing.T) {
	ts := newTestServer(t)
	channelID := uuid.New()

	host := ts.connect(t, channelID, "host", models.RoleHost)
	v1 := ts.connect(t, channelID, "v1", models.RoleViewer)
	v1.expect(protocol.EventStateSnapshot)

	host.sendEvent(protocol.EventChatSend, protocol.ChatSend{Body: "first"})
	m1 := decodePayload[models.ChatMessage](t, host.expect(protocol.EventChatMessage))
	host.sendEvent(protocol.EventChatSend, protocol.ChatSend{Body: "second"})
	m2 := decodePayload[models.ChatMessage](t, host.expect(protocol.EventChatMessage))

	host.sendEvent(protocol.EventChatPin, protocol.ChatModerate{MessageID: m1.ID})
	change := decodePayload[protocol.ChatStatusChanged](t, v1.expect(protocol.EventChatStatusChanged))
	assert.Equal(t, m1.ID, change.MessageID)
	assert.Equal(t, string(models.StatusPinned), change.Status)

	// Pinning the second message demotes the first, then pins the second.
	host.sendEvent(protocol.EventChatPin, protocol.ChatModerate{MessageID: m2.ID})
	demote := decodePayload[protocol.ChatStatusChanged](t, v1.expect(protocol.EventChatStatusChanged))
	assert.Equal(t, m1.ID, demote.MessageID)
	assert.Equal(t, string(models.StatusActive), demote.Status)
	promote := decodePayload[protocol.ChatStatusChanged](t, v1.expect(protocol.EventChatStatusChanged))
	assert.Equal(t, m2.ID, promote.MessageID)
	assert.Equal(t, string(models.StatusPinned), promote.Status)
}

func TestViewerCannotPin(t *testing.T) {
	ts := newTestServer(t)
	channelID := uuid.New()

	host := ts.connect(t, channelID, "host", models.RoleHost)
	v1 := ts.connect(t, channelID, "v1", models.RoleViewer)
	v1.expect(protocol.EventStateSnapshot)

	host.sendEvent(protocol.EventChatSend, protocol.ChatSend{Body: "hello"})
	msg := decodePayload[models.ChatMessage](t, v1.expect(protocol.EventChatMessage))

	v1.sendEvent(protocol.EventChatPin, protocol.ChatModerate{MessageID: msg.ID})
	env := v1.expect(protocol.EventError)
	errPayload := decodePayload[protocol.ErrorPayload](t, env)
	assert.Equal(t, protocol.ErrorKindForbidden, errPayload.Kind)
}

func TestReactionNotEchoedToSender(t *testing.T) {
	ts := newTestServer(t)
	channelID := uuid.New()

	host := ts.connect(t, channelID, "host", models.RoleHost)
	v1 := ts.connect(t, channelID, "v1", models.RoleViewer)
	v2 := ts.connect(t, channelID, "v2", models.RoleViewer)
	v1.expect(protocol.EventStateSnapshot)
	v2.expect(protocol.EventStateSnapshot)

	v1.sendEvent(protocol.EventReactionEmit, protocol.ReactionEmit{Kind: "heart"})

	for _, c := range []*testClient{host, v2} {
		env := c.expect(protocol.EventReactionBroadcast)
		rb := decodePayload[protocol.ReactionBroadcast](t, env)
		assert.Equal(t, "heart", rb.Kind)
		assert.Equal(t, "v1", rb.SenderID)
	}
	v1.expectNone(protocol.EventReactionBroadcast, 200*time.Millisecond)
}

func TestLateJoinerGetsFullSnapshot(t *testing.T) {
	ts := newTestServer(t)
	channelID := uuid.New()

	host := ts.connect(t, channelID, "host", models.RoleHost)
	host.sendEvent(protocol.EventOverlayUpdate, protocol.OverlayUpdate{
		Slot:  string(models.SlotSmartCTA),
		Value: json.RawMessage(`{"visible":true,"headline":"Join now"}`),
	})
	host.expect(protocol.EventOverlayDelta)
	host.sendEvent(protocol.EventChatSend, protocol.ChatSend{Body: "welcome"})
	host.expect(protocol.EventChatMessage)
	host.sendEvent(protocol.EventReactionEmit, protocol.ReactionEmit{Kind: "clap"})

	// Give the hub a moment to process the reaction (no frame echoes back to
	// the sender).
	time.Sleep(100 * time.Millisecond)

	v1 := ts.connect(t, channelID, "v1", models.RoleViewer)
	env := v1.expect(protocol.EventStateSnapshot)
	snapshot := decodePayload[protocol.StateSnapshot](t, env)

	assert.True(t, snapshot.Overlay.SmartCTA.Visible)
	assert.Equal(t, "Join now", snapshot.Overlay.SmartCTA.Headline)
	require.Len(t, snapshot.Chat, 1)
	assert.Equal(t, "welcome", snapshot.Chat[0].Body)
	require.Len(t, snapshot.Reactions, 1)
	assert.Equal(t, "clap", snapshot.Reactions[0].Kind)
	// One seq per broadcast: overlay delta, chat message, reaction.
	assert.Equal(t, uint64(3), env.Seq)
}

func TestExplicitResyncRequest(t *testing.T) {
	ts := newTestServer(t)
	channelID := uuid.New()

	host := ts.connect(t, channelID, "host", models.RoleHost)
	v1 := ts.connect(t, channelID, "v1", models.RoleViewer)
	v1.expect(protocol.EventStateSnapshot)

	host.sendEvent(protocol.EventOverlayUpdate, protocol.OverlayUpdate{
		Slot:  string(models.SlotCelebration),
		Value: json.RawMessage(`{"visible":true,"kind":"confetti"}`),
	})
	v1.expect(protocol.EventOverlayDelta)

	v1.send(protocol.Envelope{Type: protocol.EventStateResync})
	env := v1.expect(protocol.EventStateSnapshot)
	snapshot := decodePayload[protocol.StateSnapshot](t, env)
	assert.True(t, snapshot.Overlay.Celebration.Visible)
}

func TestSequenceIsMonotonic(t *testing.T) {
	ts := newTestServer(t)
	channelID := uuid.New()

	host := ts.connect(t, channelID, "host", models.RoleHost)
	v1 := ts.connect(t, channelID, "v1", models.RoleViewer)
	v1.expect(protocol.EventStateSnapshot)

	for i := 0; i < 3; i++ {
		host.sendEvent(protocol.EventOverlayUpdate, protocol.OverlayUpdate{
			Slot:  string(models.SlotSocialProof),
			Value: json.RawMessage(fmt.Sprintf(`{"visible":true,"viewer_count":%d}`, i)),
		})
	}

	var last uint64
	for i := 0; i < 3; i++ {
		env := v1.expect(protocol.EventOverlayDelta)
		assert.Greater(t, env.Seq, last)
		last = env.Seq
	}
}

func TestHostLeaveClosesChannel(t *testing.T) {
	ts := newTestServer(t)
	channelID := uuid.New()

	host := ts.connect(t, channelID, "host", models.RoleHost)
	v1 := ts.connect(t, channelID, "v1", models.RoleViewer)
	v1.expect(protocol.EventStateSnapshot)

	host.send(protocol.Envelope{Type: protocol.EventLeave})

	env := v1.expect(protocol.EventError)
	errPayload := decodePayload[protocol.ErrorPayload](t, env)
	assert.Equal(t, protocol.ErrorKindNoActiveChannel, errPayload.Kind)
}

func TestPollLifecycle(t *testing.T) {
	ts := newTestServer(t)
	channelID := uuid.New()

	host := ts.connect(t, channelID, "host", models.RoleHost)
	v1 := ts.connect(t, channelID, "v1", models.RoleViewer)
	v1.expect(protocol.EventStateSnapshot)

	host.sendEvent(protocol.EventPollStart, protocol.PollStart{Question: "Ship it?", Options: []string{"yes", "no"}})
	env := v1.expect(protocol.EventOverlayDelta)
	upd := decodePayload[protocol.OverlayUpdate](t, env)
	require.Equal(t, string(models.SlotPoll), upd.Slot)
	var poll models.PollSlot
	require.NoError(t, json.Unmarshal(upd.Value, &poll))
	assert.True(t, poll.Visible)
	assert.Equal(t, "Ship it?", poll.Question)

	host.sendEvent(protocol.EventPollEnd, protocol.PollEnd{PollID: poll.ID})
	env = v1.expect(protocol.EventOverlayDelta)
	upd = decodePayload[protocol.OverlayUpdate](t, env)
	require.Equal(t, string(models.SlotPoll), upd.Slot)
	require.NoError(t, json.Unmarshal(upd.Value, &poll))
	assert.False(t, poll.Visible)
}

func TestViewerClaimingHostIdentityIsRejected(t *testing.T) {
	ts := newTestServer(t)
	channelID := uuid.New()

	host := ts.connect(t, channelID, "host", models.RoleHost)
	impostor := ts.connect(t, channelID, "host", models.RoleViewer)

	env := impostor.expect(protocol.EventError)
	errPayload := decodePayload[protocol.ErrorPayload](t, env)
	assert.Equal(t, protocol.ErrorKindForbidden, errPayload.Kind)

	// The studio session keeps receiving its own fan-out.
	host.sendEvent(protocol.EventOverlayUpdate, protocol.OverlayUpdate{
		Slot:  string(models.SlotLowerThirds),
		Value: json.RawMessage(`{"visible":true,"text":"live"}`),
	})
	host.expect(protocol.EventOverlayDelta)
	impostor.expectNone(protocol.EventOverlayDelta, 200*time.Millisecond)
}
