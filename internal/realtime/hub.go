// Package realtime is the broadcast hub: it accepts inbound session events,
// routes them to the owning engine (overlay merge, chat, reactions) and fans
// the results out to the eligible subset of connected sessions.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stagecast/engine/internal/chat"
	"github.com/stagecast/engine/internal/models"
	"github.com/stagecast/engine/internal/overlay"
	"github.com/stagecast/engine/internal/protocol"
	"github.com/stagecast/engine/internal/reactions"
	"github.com/stagecast/engine/internal/registry"
)

const storeTimeout = 5 * time.Second

// RedisPublisher publishes envelopes to Redis for cross-instance fan-out.
type RedisPublisher interface {
	PublishChannelEvent(channelID uuid.UUID, env protocol.Envelope) error
}

// RedisSubscriber subscribes to a channel's event stream on Redis.
type RedisSubscriber interface {
	SubscribeChannel(channelID uuid.UUID, handler func(env protocol.Envelope)) (cancel func(), err error)
}

// ModerationHandler observes successful moderation actions (pin, unpin,
// remove, delete), e.g. to feed the audit trail.
type ModerationHandler func(channelID, messageID uuid.UUID, action, actorID string)

// Config tunes the hub.
type Config struct {
	// HistoryLimit caps the chat history included in a resync snapshot.
	HistoryLimit int
	// Heartbeat is the server ping interval; pong wait is twice this.
	Heartbeat time.Duration
}

// channelState is the per-channel shared mutable state: the canonical overlay
// and the outbound sequence counter. Its mutex is the single-writer critical
// section for overlay merges and seq assignment; it is held for microseconds
// and never across I/O.
type channelState struct {
	mu      sync.Mutex
	overlay models.OverlayState
	seq     uint64
}

// Hub routes events for all channels of this instance.
type Hub struct {
	registry  *registry.Registry
	chat      *chat.Engine
	reactions *reactions.Aggregator
	cfg       Config
	logger    *zap.Logger
	redis     RedisPublisher
	redisSub  RedisSubscriber

	mu           sync.Mutex
	channels     map[uuid.UUID]*channelState
	subs         map[uuid.UUID]func()
	onModeration ModerationHandler
}

// NewHub creates a broadcast hub. redisPub/redisSub may be nil for
// single-instance deployments; fan-out then stays local.
func NewHub(reg *registry.Registry, chatEngine *chat.Engine, agg *reactions.Aggregator, cfg Config, redisPub RedisPublisher, redisSub RedisSubscriber, logger *zap.Logger) *Hub {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		registry:  reg,
		chat:      chatEngine,
		reactions: agg,
		cfg:       cfg,
		logger:    logger,
		redis:     redisPub,
		redisSub:  redisSub,
		channels:  make(map[uuid.UUID]*channelState),
		subs:      make(map[uuid.UUID]func()),
	}
}

// SetModerationHandler sets the callback invoked after moderation actions.
func (h *Hub) SetModerationHandler(fn ModerationHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onModeration = fn
}

// Registry exposes the channel registry for the HTTP surface.
func (h *Hub) Registry() *registry.Registry {
	return h.registry
}

// state returns (creating if needed) the per-channel state.
func (h *Hub) state(channelID uuid.UUID) *channelState {
	h.mu.Lock()
	defer h.mu.Unlock()
	cs := h.channels[channelID]
	if cs == nil {
		cs = &channelState{}
		h.channels[channelID] = cs
	}
	return cs
}

// Attach registers a session with the channel and, for viewers, pushes the
// full-state snapshot so late joiners never see partially applied history.
// Starts the Redis subscription when this instance's first session attaches.
func (h *Hub) Attach(channelID uuid.UUID, s *registry.Session) error {
	first := h.registry.Count(channelID) == 0
	if err := h.registry.Join(channelID, s); err != nil {
		return err
	}
	if first && h.redisSub != nil {
		h.mu.Lock()
		if _, ok := h.subs[channelID]; !ok {
			cancel, err := h.redisSub.SubscribeChannel(channelID, func(env protocol.Envelope) {
				h.deliver(channelID, env)
			})
			if err != nil {
				h.logger.Warn("redis subscribe failed; channel is local-only",
					zap.Error(err), zap.String("channel_id", channelID.String()))
			} else {
				h.subs[channelID] = cancel
			}
		}
		h.mu.Unlock()
	}
	if s.Role == models.RoleViewer {
		h.Resync(channelID, s)
	}
	return nil
}

// Detach removes a session on connection loss. The channel (and its overlay
// state) survives so a reconnect resumes where it left off.
func (h *Hub) Detach(channelID uuid.UUID, participantID string) {
	h.registry.Detach(channelID, participantID)
	if h.registry.Count(channelID) == 0 {
		h.mu.Lock()
		if cancel, ok := h.subs[channelID]; ok {
			cancel()
			delete(h.subs, channelID)
		}
		h.mu.Unlock()
	}
}

// CloseChannel ends the channel when the studio explicitly leaves: remaining
// sessions are told the channel is gone, then all per-channel state is
// dropped. Viewers keep rendering their last snapshot.
func (h *Hub) CloseChannel(channelID uuid.UUID) {
	remaining := h.registry.Close(channelID)
	out := protocol.MarshalPayload(protocol.EventError, channelID, protocol.ErrorPayload{
		Kind:   protocol.ErrorKindNoActiveChannel,
		Detail: "host ended the stream",
	})
	for _, s := range remaining {
		if s.Role != models.RoleHost {
			s.Sender.Send(out)
		}
	}
	h.reactions.Drop(channelID)
	h.mu.Lock()
	delete(h.channels, channelID)
	if cancel, ok := h.subs[channelID]; ok {
		cancel()
		delete(h.subs, channelID)
	}
	h.mu.Unlock()
}

// Publish routes one inbound session event to its owning engine and fans out
// the result. Errors are terminal for this single request; the caller surfaces
// them to the originating session as an error event.
func (h *Hub) Publish(channelID uuid.UUID, sender *registry.Session, env protocol.Envelope) error {
	switch env.Type {
	case protocol.EventOverlayUpdate:
		return h.handleOverlayUpdate(channelID, sender, env.Payload)
	case protocol.EventPollStart:
		return h.handlePollStart(channelID, sender, env.Payload)
	case protocol.EventPollEnd:
		return h.handlePollEnd(channelID, sender, env.Payload)
	case protocol.EventReactionEmit:
		return h.handleReaction(channelID, sender, env.Payload)
	case protocol.EventChatSend:
		return h.handleChatSend(channelID, sender, env.Payload)
	case protocol.EventChatPin, protocol.EventChatUnpin, protocol.EventChatRemove, protocol.EventChatDelete:
		return h.handleModeration(channelID, sender, env.Type, env.Payload)
	case protocol.EventStateResync:
		h.Resync(channelID, sender)
		return nil
	default:
		h.logger.Debug("ignoring unknown event", zap.String("type", env.Type))
		return nil
	}
}

// requireHost guards overlay-mutating events: the sender must be the host and
// the channel must have a registered host session.
func (h *Hub) requireHost(channelID uuid.UUID, sender *registry.Session) error {
	if sender.Role != models.RoleHost {
		return fmt.Errorf("participant %s: %w", sender.ParticipantID, protocol.ErrForbidden)
	}
	if h.registry.Host(channelID) == nil {
		return fmt.Errorf("channel %s: %w", channelID, protocol.ErrNoActiveChannel)
	}
	return nil
}

func (h *Hub) handleOverlayUpdate(channelID uuid.UUID, sender *registry.Session, payload json.RawMessage) error {
	if err := h.requireHost(channelID, sender); err != nil {
		return err
	}
	var upd protocol.OverlayUpdate
	if err := json.Unmarshal(payload, &upd); err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrInvalidSlot, err)
	}
	patch, err := overlay.DecodePatch(upd.Slot, upd.Value)
	if err != nil {
		return err
	}

	cs := h.state(channelID)
	cs.mu.Lock()
	cs.overlay = overlay.Merge(cs.overlay, patch)
	cs.seq++
	seq := cs.seq
	cs.mu.Unlock()

	out := protocol.MarshalPayload(protocol.EventOverlayDelta, channelID, upd)
	out.SenderID = sender.ParticipantID
	out.Seq = seq
	h.fanOut(channelID, out)
	return nil
}

func (h *Hub) handlePollStart(channelID uuid.UUID, sender *registry.Session, payload json.RawMessage) error {
	if err := h.requireHost(channelID, sender); err != nil {
		return err
	}
	var req protocol.PollStart
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("decode poll.start: %w", err)
	}

	cs := h.state(channelID)
	cs.mu.Lock()
	next, poll := overlay.StartPoll(cs.overlay, req.Question, req.Options)
	cs.overlay = next
	cs.seq++
	seq := cs.seq
	cs.mu.Unlock()

	h.fanOutSlotDelta(channelID, sender.ParticipantID, seq, models.SlotPoll, poll)
	return nil
}

func (h *Hub) handlePollEnd(channelID uuid.UUID, sender *registry.Session, payload json.RawMessage) error {
	if err := h.requireHost(channelID, sender); err != nil {
		return err
	}
	var req protocol.PollEnd
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("decode poll.end: %w", err)
	}

	cs := h.state(channelID)
	cs.mu.Lock()
	next, ended := overlay.EndPoll(cs.overlay, req.PollID)
	var seq uint64
	var poll models.PollSlot
	if ended {
		cs.overlay = next
		cs.seq++
		seq = cs.seq
		poll = next.Poll
	}
	cs.mu.Unlock()

	if ended {
		h.fanOutSlotDelta(channelID, sender.ParticipantID, seq, models.SlotPoll, poll)
	}
	return nil
}

// fanOutSlotDelta broadcasts an overlay.delta carrying one slot's new value.
func (h *Hub) fanOutSlotDelta(channelID uuid.UUID, senderID string, seq uint64, slot models.SlotName, value any) {
	raw, _ := json.Marshal(value)
	out := protocol.MarshalPayload(protocol.EventOverlayDelta, channelID, protocol.OverlayUpdate{
		Slot:  string(slot),
		Value: raw,
	})
	out.SenderID = senderID
	out.Seq = seq
	h.fanOut(channelID, out)
}

func (h *Hub) handleReaction(channelID uuid.UUID, sender *registry.Session, payload json.RawMessage) error {
	var req protocol.ReactionEmit
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("decode reaction.emit: %w", err)
	}
	ev := models.ReactionEvent{
		SenderID:  sender.ParticipantID,
		Kind:      req.Kind,
		EmittedAt: time.Now().UTC(),
	}
	h.reactions.Record(channelID, ev)

	out := protocol.MarshalPayload(protocol.EventReactionBroadcast, channelID, protocol.ReactionBroadcast{
		Kind:     req.Kind,
		SenderID: sender.ParticipantID,
	})
	out.SenderID = sender.ParticipantID
	out.Seq = h.nextSeq(channelID)
	h.fanOut(channelID, out)
	return nil
}

func (h *Hub) handleChatSend(channelID uuid.UUID, sender *registry.Session, payload json.RawMessage) error {
	var req protocol.ChatSend
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("decode chat.send: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	msg, err := h.chat.Send(ctx, channelID, sender.ParticipantID, req)
	if err != nil {
		return err
	}

	out := protocol.MarshalPayload(protocol.EventChatMessage, channelID, msg)
	out.SenderID = sender.ParticipantID
	out.Seq = h.nextSeq(channelID)
	h.fanOut(channelID, out)
	return nil
}

func (h *Hub) handleModeration(channelID uuid.UUID, sender *registry.Session, eventType string, payload json.RawMessage) error {
	var req protocol.ChatModerate
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("decode %s: %w", eventType, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	var changes []chat.StatusChange
	var err error
	var action string
	switch eventType {
	case protocol.EventChatPin:
		action = "pin"
		changes, err = h.chat.Pin(ctx, channelID, req.MessageID, sender.Role)
	case protocol.EventChatUnpin:
		action = "unpin"
		changes, err = h.chat.Unpin(ctx, channelID, req.MessageID, sender.Role)
	case protocol.EventChatRemove:
		action = "remove"
		changes, err = h.chat.Moderate(ctx, channelID, req.MessageID, sender.Role, models.StatusRemoved)
	case protocol.EventChatDelete:
		action = "delete"
		changes, err = h.chat.Moderate(ctx, channelID, req.MessageID, sender.Role, models.StatusDeleted)
	}
	if err != nil {
		return err
	}

	h.mu.Lock()
	onModeration := h.onModeration
	h.mu.Unlock()
	if onModeration != nil && len(changes) > 0 {
		onModeration(channelID, req.MessageID, action, sender.ParticipantID)
	}

	// Status changes travel internally with the full message so every instance
	// can evaluate visibility; deliver() rewrites them to the public
	// {message_id, status} payload per recipient.
	for _, change := range changes {
		out := protocol.MarshalPayload(protocol.EventChatStatusChanged, channelID, change.Message)
		out.SenderID = sender.ParticipantID
		out.Seq = h.nextSeq(channelID)
		h.fanOut(channelID, out)
	}
	return nil
}

// Resync pushes the full current state to one session: overlay snapshot, the
// live reaction window, and the viewer's visible recent chat history. Partial
// update history is never replayed.
func (h *Hub) Resync(channelID uuid.UUID, s *registry.Session) {
	cs := h.state(channelID)
	cs.mu.Lock()
	state := cs.overlay
	seq := cs.seq
	cs.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	history, err := h.chat.History(ctx, channelID, h.cfg.HistoryLimit, s.ParticipantID, s.Role == models.RoleHost)
	if err != nil {
		h.logger.Warn("history fetch for resync failed", zap.Error(err),
			zap.String("channel_id", channelID.String()))
	}

	out := protocol.MarshalPayload(protocol.EventStateSnapshot, channelID, protocol.StateSnapshot{
		Overlay:   state,
		Reactions: h.reactions.Window(channelID),
		Chat:      history,
	})
	out.Seq = seq
	s.Sender.Send(out)
}

// OverlaySnapshot returns the channel's current overlay state.
func (h *Hub) OverlaySnapshot(channelID uuid.UUID) models.OverlayState {
	cs := h.state(channelID)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.overlay
}

// nextSeq increments and returns the channel's outbound sequence number.
func (h *Hub) nextSeq(channelID uuid.UUID) uint64 {
	cs := h.state(channelID)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.seq++
	return cs.seq
}

// fanOut ships an outbound envelope to the channel's eligible sessions. With
// Redis configured the envelope is published once and delivered by every
// instance's subscriber (this one included), so local clients never see
// duplicates; without Redis delivery is direct.
func (h *Hub) fanOut(channelID uuid.UUID, out protocol.Envelope) {
	if h.redis != nil {
		if err := h.redis.PublishChannelEvent(channelID, out); err == nil {
			return
		}
		h.logger.Warn("redis publish failed; delivering locally",
			zap.String("channel_id", channelID.String()))
	}
	h.deliver(channelID, out)
}

// deliver applies the per-event eligibility rules and enqueues the envelope on
// each eligible session. Frames for slow sessions are dropped rather than
// blocking the channel; the consumer's gap detection turns drops into a resync.
func (h *Hub) deliver(channelID uuid.UUID, out protocol.Envelope) {
	sessions := h.registry.Sessions(channelID)
	switch out.Type {
	case protocol.EventReactionBroadcast:
		// The sender already rendered its reaction optimistically; echoing it
		// back would double-play the animation.
		var rb protocol.ReactionBroadcast
		if err := json.Unmarshal(out.Payload, &rb); err != nil {
			return
		}
		for _, s := range sessions {
			if s.ParticipantID == rb.SenderID {
				continue
			}
			s.Sender.Send(out)
		}
	case protocol.EventChatMessage:
		var msg models.ChatMessage
		if err := json.Unmarshal(out.Payload, &msg); err != nil {
			return
		}
		for _, s := range sessions {
			if chat.VisibleTo(msg, s.Role, s.ParticipantID) {
				s.Sender.Send(out)
			}
		}
	case protocol.EventChatStatusChanged:
		var msg models.ChatMessage
		if err := json.Unmarshal(out.Payload, &msg); err != nil {
			return
		}
		public := protocol.MarshalPayload(protocol.EventChatStatusChanged, channelID, protocol.ChatStatusChanged{
			MessageID: msg.ID,
			Status:    string(msg.Status),
		})
		public.Seq = out.Seq
		public.SenderID = out.SenderID
		public.SentAt = out.SentAt
		for _, s := range sessions {
			if chat.VisibleTo(msg, s.Role, s.ParticipantID) {
				s.Sender.Send(public)
			}
		}
	default:
		for _, s := range sessions {
			s.Sender.Send(out)
		}
	}
}
