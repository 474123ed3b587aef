package chat

import (
	"context"

	"github.com/google/uuid"

	"github.com/stagecast/engine/internal/models"
)

// Store is the durable chat message store boundary. The engine treats it as
// external: append and history with the same visibility filter the live
// fan-out applies.
type Store interface {
	// Append persists a message, assigning ID and SentAt on the passed value.
	Append(ctx context.Context, msg *models.ChatMessage) error
	// RecentHistory returns the newest messages visible to the given viewer,
	// oldest first, at most limit entries.
	RecentHistory(ctx context.Context, channelID uuid.UUID, limit int, viewerID string, isHost bool) ([]models.ChatMessage, error)
	// Get returns a single message or protocol.ErrNotFound.
	Get(ctx context.Context, channelID, messageID uuid.UUID) (*models.ChatMessage, error)
	// UpdateStatus transitions a message's moderation status.
	UpdateStatus(ctx context.Context, channelID, messageID uuid.UUID, status models.MessageStatus) error
	// Pinned returns the channel's pinned message, or nil if none.
	Pinned(ctx context.Context, channelID uuid.UUID) (*models.ChatMessage, error)
}

// PinSwapper is an optional Store capability: demoting the currently pinned
// message and promoting another as one atomic store operation. The engine
// prefers it over the two-step update so the single-pin invariant holds
// without an in-process lock spanning store round-trips.
type PinSwapper interface {
	// SwapPinned pins messageID, demoting whichever message held the pin.
	// Returns the demoted message (nil when none was pinned) and the newly
	// pinned one; both nil when messageID was already pinned.
	SwapPinned(ctx context.Context, channelID, messageID uuid.UUID) (demoted, pinned *models.ChatMessage, err error)
	// ClearPinned unpins messageID. Returns the now-active message, or nil
	// when messageID was not the pinned message.
	ClearPinned(ctx context.Context, channelID, messageID uuid.UUID) (*models.ChatMessage, error)
}
