package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stagecast/engine/internal/models"
	"github.com/stagecast/engine/internal/protocol"
)

// StatusChange records one message status transition produced by a moderation
// action, for fan-out as chat.status_changed.
type StatusChange struct {
	Message models.ChatMessage
	Status  models.MessageStatus
}

// Engine enforces chat semantics on top of a Store: message creation, the
// at-most-one-pinned-message invariant, and host-only moderation.
type Engine struct {
	store  Store
	logger *zap.Logger

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

// NewEngine creates a chat engine over the given store.
func NewEngine(store Store, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:  store,
		logger: logger,
		locks:  make(map[uuid.UUID]*sync.Mutex),
	}
}

// channelLock returns the per-channel critical section guarding the pinned
// message pointer. Only stores without atomic pin swaps need it; there it
// spans the demote-and-promote store round-trips the invariant requires.
func (e *Engine) channelLock(channelID uuid.UUID) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[channelID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[channelID] = l
	}
	return l
}

// Send validates and persists a new message from a session.
func (e *Engine) Send(ctx context.Context, channelID uuid.UUID, senderID string, req protocol.ChatSend) (models.ChatMessage, error) {
	body := strings.TrimSpace(req.Body)
	if body == "" {
		return models.ChatMessage{}, fmt.Errorf("send: empty body")
	}
	visibility := models.MessageVisibility(req.Visibility)
	if visibility != models.VisibilityPrivate {
		visibility = models.VisibilityPublic
	}
	msg := models.ChatMessage{
		ChannelID:  channelID,
		SenderID:   senderID,
		Body:       body,
		Visibility: visibility,
		ReplyTo:    req.ReplyTo,
		Status:     models.StatusActive,
		SentAt:     time.Now().UTC(),
	}
	if err := e.store.Append(ctx, &msg); err != nil {
		return models.ChatMessage{}, fmt.Errorf("append message: %w", err)
	}
	return msg, nil
}

// Pin marks a message as the channel's pinned message, atomically demoting the
// previously pinned one. Stores with atomic swaps carry the whole transition
// in one operation; otherwise it runs inside the channel's critical section so
// two racing pins can never leave two pinned messages.
func (e *Engine) Pin(ctx context.Context, channelID, messageID uuid.UUID, role models.Role) ([]StatusChange, error) {
	if role != models.RoleHost {
		return nil, fmt.Errorf("pin: %w", protocol.ErrForbidden)
	}
	if sw, ok := e.store.(PinSwapper); ok {
		demoted, pinned, err := sw.SwapPinned(ctx, channelID, messageID)
		if err != nil {
			return nil, fmt.Errorf("pin %s: %w", messageID, err)
		}
		if pinned == nil {
			return nil, nil // already pinned
		}
		var changes []StatusChange
		if demoted != nil {
			changes = append(changes, StatusChange{Message: *demoted, Status: models.StatusActive})
		}
		changes = append(changes, StatusChange{Message: *pinned, Status: models.StatusPinned})
		e.logger.Debug("message pinned",
			zap.String("channel_id", channelID.String()),
			zap.String("message_id", messageID.String()))
		return changes, nil
	}
	lock := e.channelLock(channelID)
	lock.Lock()
	defer lock.Unlock()

	msg, err := e.store.Get(ctx, channelID, messageID)
	if err != nil {
		return nil, fmt.Errorf("pin %s: %w", messageID, err)
	}
	if msg.Status == models.StatusDeleted {
		return nil, fmt.Errorf("pin %s: %w", messageID, protocol.ErrNotFound)
	}

	var changes []StatusChange
	prev, err := e.store.Pinned(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("lookup pinned: %w", err)
	}
	if prev != nil && prev.ID == messageID {
		return nil, nil // already pinned
	}
	if prev != nil {
		if err := e.store.UpdateStatus(ctx, channelID, prev.ID, models.StatusActive); err != nil {
			return nil, fmt.Errorf("unpin previous %s: %w", prev.ID, err)
		}
		demoted := *prev
		demoted.Status = models.StatusActive
		changes = append(changes, StatusChange{Message: demoted, Status: models.StatusActive})
	}
	if err := e.store.UpdateStatus(ctx, channelID, messageID, models.StatusPinned); err != nil {
		return nil, fmt.Errorf("pin %s: %w", messageID, err)
	}
	pinned := *msg
	pinned.Status = models.StatusPinned
	changes = append(changes, StatusChange{Message: pinned, Status: models.StatusPinned})

	e.logger.Debug("message pinned",
		zap.String("channel_id", channelID.String()),
		zap.String("message_id", messageID.String()))
	return changes, nil
}

// Unpin clears a message's pinned status. Unpinning a message that is not
// pinned is a no-op, not an error.
func (e *Engine) Unpin(ctx context.Context, channelID, messageID uuid.UUID, role models.Role) ([]StatusChange, error) {
	if role != models.RoleHost {
		return nil, fmt.Errorf("unpin: %w", protocol.ErrForbidden)
	}
	if sw, ok := e.store.(PinSwapper); ok {
		cleared, err := sw.ClearPinned(ctx, channelID, messageID)
		if err != nil {
			return nil, fmt.Errorf("unpin %s: %w", messageID, err)
		}
		if cleared == nil {
			return nil, nil
		}
		return []StatusChange{{Message: *cleared, Status: models.StatusActive}}, nil
	}
	lock := e.channelLock(channelID)
	lock.Lock()
	defer lock.Unlock()

	msg, err := e.store.Get(ctx, channelID, messageID)
	if err != nil {
		return nil, fmt.Errorf("unpin %s: %w", messageID, err)
	}
	if msg.Status != models.StatusPinned {
		return nil, nil
	}
	if err := e.store.UpdateStatus(ctx, channelID, messageID, models.StatusActive); err != nil {
		return nil, fmt.Errorf("unpin %s: %w", messageID, err)
	}
	active := *msg
	active.Status = models.StatusActive
	return []StatusChange{{Message: active, Status: models.StatusActive}}, nil
}

// Moderate transitions a message to removed or deleted. Deleted rows stay in
// the store for audit; they just stop being visible to anyone.
func (e *Engine) Moderate(ctx context.Context, channelID, messageID uuid.UUID, role models.Role, status models.MessageStatus) ([]StatusChange, error) {
	if role != models.RoleHost {
		return nil, fmt.Errorf("moderate: %w", protocol.ErrForbidden)
	}
	if status != models.StatusRemoved && status != models.StatusDeleted {
		return nil, fmt.Errorf("moderate: invalid target status %q", status)
	}
	lock := e.channelLock(channelID)
	lock.Lock()
	defer lock.Unlock()

	msg, err := e.store.Get(ctx, channelID, messageID)
	if err != nil {
		return nil, fmt.Errorf("moderate %s: %w", messageID, err)
	}
	if err := e.store.UpdateStatus(ctx, channelID, messageID, status); err != nil {
		return nil, fmt.Errorf("moderate %s: %w", messageID, err)
	}
	moderated := *msg
	moderated.Status = status
	return []StatusChange{{Message: moderated, Status: status}}, nil
}

// History returns the recent messages visible to the given viewer.
func (e *Engine) History(ctx context.Context, channelID uuid.UUID, limit int, viewerID string, isHost bool) ([]models.ChatMessage, error) {
	return e.store.RecentHistory(ctx, channelID, limit, viewerID, isHost)
}
