package chat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stagecast/engine/internal/models"
	"github.com/stagecast/engine/internal/protocol"
)

// MemoryStore is an in-process Store for tests and single-node local runs.
type MemoryStore struct {
	mu       sync.RWMutex
	channels map[uuid.UUID][]*models.ChatMessage
	byID     map[uuid.UUID]*models.ChatMessage
}

// NewMemoryStore creates an empty in-memory chat store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		channels: make(map[uuid.UUID][]*models.ChatMessage),
		byID:     make(map[uuid.UUID]*models.ChatMessage),
	}
}

// Append persists a message, assigning ID and SentAt.
func (s *MemoryStore) Append(_ context.Context, msg *models.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg.ID = uuid.New()
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}
	stored := *msg
	s.channels[msg.ChannelID] = append(s.channels[msg.ChannelID], &stored)
	s.byID[msg.ID] = &stored
	return nil
}

// RecentHistory returns the newest visible messages, oldest first.
func (s *MemoryStore) RecentHistory(_ context.Context, channelID uuid.UUID, limit int, viewerID string, isHost bool) ([]models.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	role := models.RoleViewer
	if isHost {
		role = models.RoleHost
	}
	msgs := s.channels[channelID]
	out := make([]models.ChatMessage, 0, max(limit, 0))
	for i := len(msgs) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if VisibleTo(*msgs[i], role, viewerID) {
			out = append(out, *msgs[i])
		}
	}
	// reverse into chronological order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Get returns a single message by id.
func (s *MemoryStore) Get(_ context.Context, channelID, messageID uuid.UUID) (*models.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.byID[messageID]
	if !ok || msg.ChannelID != channelID {
		return nil, fmt.Errorf("message %s: %w", messageID, protocol.ErrNotFound)
	}
	copied := *msg
	return &copied, nil
}

// UpdateStatus transitions a message's status.
func (s *MemoryStore) UpdateStatus(_ context.Context, channelID, messageID uuid.UUID, status models.MessageStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.byID[messageID]
	if !ok || msg.ChannelID != channelID {
		return fmt.Errorf("message %s: %w", messageID, protocol.ErrNotFound)
	}
	msg.Status = status
	return nil
}

// Pinned returns the channel's pinned message, or nil.
func (s *MemoryStore) Pinned(_ context.Context, channelID uuid.UUID) (*models.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, msg := range s.channels[channelID] {
		if msg.Status == models.StatusPinned {
			copied := *msg
			return &copied, nil
		}
	}
	return nil, nil
}
