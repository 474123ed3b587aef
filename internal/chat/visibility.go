// Package chat implements message visibility, the single-pinned-message
// invariant, and chat persistence behind a store interface.
package chat

import "github.com/stagecast/engine/internal/models"

// VisibleTo is the one visibility rule of the engine. Every call site that
// filters chat (live fan-out, history queries, the redis cache) goes through
// this function; the postgres store's WHERE clause mirrors it verbatim.
//
// Rules, in order: deleted messages are visible to no one; public messages to
// everyone; private messages only to the host, the sender, and the addressed
// reply target. Removed messages stay visible to the host for moderation.
func VisibleTo(msg models.ChatMessage, role models.Role, participantID string) bool {
	if msg.Status == models.StatusDeleted {
		return false
	}
	if msg.Status == models.StatusRemoved && role != models.RoleHost {
		return false
	}
	if msg.Visibility == models.VisibilityPublic {
		return true
	}
	if role == models.RoleHost {
		return true
	}
	return participantID == msg.SenderID || participantID == msg.ReplyTo
}
