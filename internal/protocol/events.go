// Package protocol defines the wire envelope and event vocabulary shared by the
// broadcast hub, the connection manager, and embedding clients.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/stagecast/engine/internal/models"
)

// Inbound event types (session -> hub).
const (
	EventJoin          = "join"
	EventLeave         = "leave"
	EventOverlayUpdate = "overlay.update"
	EventPollStart     = "poll.start"
	EventPollEnd       = "poll.end"
	EventReactionEmit  = "reaction.emit"
	EventChatSend      = "chat.send"
	EventChatPin       = "chat.pin"
	EventChatUnpin     = "chat.unpin"
	EventChatRemove    = "chat.remove"
	EventChatDelete    = "chat.delete"
	EventStateResync   = "state.resync"
)

// Outbound event types (hub -> session).
const (
	EventStateSnapshot     = "state.snapshot"
	EventOverlayDelta      = "overlay.delta"
	EventReactionBroadcast = "reaction.broadcast"
	EventChatMessage       = "chat.message"
	EventChatStatusChanged = "chat.status_changed"
	EventError             = "error"
)

// Envelope is the message frame carried on the WebSocket in both directions.
// Seq is server-assigned on outbound frames only; consumers use it for gap
// detection and request a full resync rather than retransmission.
type Envelope struct {
	Type      string          `json:"type"`
	ChannelID uuid.UUID       `json:"channel_id"`
	SenderID  string          `json:"sender_id,omitempty"`
	Seq       uint64          `json:"seq,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	SentAt    time.Time       `json:"sent_at"`
}

// OverlayUpdate is the payload of overlay.update and overlay.delta.
// Value is the complete new slot payload; slots are replaced whole, never
// diffed field by field.
type OverlayUpdate struct {
	Slot  string          `json:"slot"`
	Value json.RawMessage `json:"value"`
}

// PollStart is the payload of poll.start.
type PollStart struct {
	Question string   `json:"question"`
	Options  []string `json:"options"`
}

// PollEnd is the payload of poll.end.
type PollEnd struct {
	PollID uuid.UUID `json:"poll_id"`
}

// ReactionEmit is the payload of reaction.emit.
type ReactionEmit struct {
	Kind string `json:"kind"`
}

// ReactionBroadcast is the payload of reaction.broadcast.
type ReactionBroadcast struct {
	Kind     string `json:"kind"`
	SenderID string `json:"sender_id"`
}

// ChatSend is the payload of chat.send.
type ChatSend struct {
	Body       string `json:"body"`
	Visibility string `json:"visibility"`
	ReplyTo    string `json:"reply_to,omitempty"`
}

// ChatModerate is the payload of chat.pin, chat.unpin, chat.remove and chat.delete.
type ChatModerate struct {
	MessageID uuid.UUID `json:"message_id"`
}

// ChatStatusChanged is the payload of chat.status_changed.
type ChatStatusChanged struct {
	MessageID uuid.UUID `json:"message_id"`
	Status    string    `json:"status"`
}

// StateSnapshot is the payload of state.snapshot: the complete overlay state,
// the live reaction window, and the recipient's visible recent chat history.
type StateSnapshot struct {
	Overlay   models.OverlayState    `json:"overlay"`
	Reactions []models.ReactionEvent `json:"reactions,omitempty"`
	Chat      []models.ChatMessage   `json:"chat,omitempty"`
}

// ErrorPayload is the payload of error events surfaced to the originating session.
type ErrorPayload struct {
	Kind   ErrorKind `json:"kind"`
	Detail string    `json:"detail,omitempty"`
}

// MarshalPayload encodes v as the payload of a new envelope of the given type.
// Marshal errors are impossible for the fixed payload types above, so the
// result is returned directly.
func MarshalPayload(eventType string, channelID uuid.UUID, v any) Envelope {
	data, _ := json.Marshal(v)
	return Envelope{
		Type:      eventType,
		ChannelID: channelID,
		Payload:   data,
		SentAt:    time.Now().UTC(),
	}
}
