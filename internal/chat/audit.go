package chat

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stagecast/engine/internal/models"
)

// AuditEntry records one moderation action for the audit trail.
type AuditEntry struct {
	ID        uuid.UUID            `json:"id"`
	ChannelID uuid.UUID            `json:"channel_id"`
	MessageID uuid.UUID            `json:"message_id"`
	Action    string               `json:"action"` // pin, unpin, remove, delete
	ActorID   string               `json:"actor_id"`
	Status    models.MessageStatus `json:"status"`
	CreatedAt time.Time            `json:"created_at"`
}

// AuditRepository persists the moderation audit trail.
type AuditRepository struct {
	pool *pgxpool.Pool
}

// NewAuditRepository creates a moderation audit repository.
func NewAuditRepository(pool *pgxpool.Pool) *AuditRepository {
	return &AuditRepository{pool: pool}
}

// Record inserts an audit entry.
func (r *AuditRepository) Record(ctx context.Context, e *AuditEntry) error {
	const query = `INSERT INTO moderation_audit (id, channel_id, message_id, action, actor_id, status)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5)
		RETURNING id, created_at`
	return r.pool.QueryRow(ctx, query, e.ChannelID, e.MessageID, e.Action, e.ActorID, string(e.Status)).
		Scan(&e.ID, &e.CreatedAt)
}

// ListByChannel returns the audit trail for a channel, newest first.
func (r *AuditRepository) ListByChannel(ctx context.Context, channelID uuid.UUID, limit int) ([]AuditEntry, error) {
	const query = `SELECT id, channel_id, message_id, action, actor_id, status, created_at
		FROM moderation_audit WHERE channel_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, channelID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.ChannelID, &e.MessageID, &e.Action, &e.ActorID, &e.Status, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
