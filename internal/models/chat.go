package models

import (
	"time"

	"github.com/google/uuid"
)

// MessageVisibility scopes who may see a chat message.
type MessageVisibility string

const (
	VisibilityPublic  MessageVisibility = "public"
	VisibilityPrivate MessageVisibility = "private"
)

// MessageStatus is the moderation lifecycle of a chat message. Messages are
// never hard-deleted; deleted rows stay in the store for audit.
type MessageStatus string

const (
	StatusActive  MessageStatus = "active"
	StatusPinned  MessageStatus = "pinned"
	StatusRemoved MessageStatus = "removed"
	StatusDeleted MessageStatus = "deleted"
)

// ChatMessage is one chat entry in a channel.
type ChatMessage struct {
	ID         uuid.UUID         `json:"id"`
	ChannelID  uuid.UUID         `json:"channel_id"`
	SenderID   string            `json:"sender_id"`
	Body       string            `json:"body"`
	Visibility MessageVisibility `json:"visibility"`
	// ReplyTo addresses a private reply at a specific viewer's participant id.
	ReplyTo string        `json:"reply_to_participant_id,omitempty"`
	Status  MessageStatus `json:"status"`
	SentAt  time.Time     `json:"sent_at"`
}
