package models

import "time"

// ReactionEvent is an ephemeral audience reaction. The aggregator keeps only a
// short display window of these; nothing is persisted.
type ReactionEvent struct {
	SenderID  string    `json:"sender_id"`
	Kind      string    `json:"kind"`
	EmittedAt time.Time `json:"emitted_at"`
}
