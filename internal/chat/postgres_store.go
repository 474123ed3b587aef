package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stagecast/engine/internal/models"
	"github.com/stagecast/engine/internal/protocol"
)

// PostgresStore is the durable Store backed by the chat_messages table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a postgres-backed chat store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Append inserts a new message.
func (s *PostgresStore) Append(ctx context.Context, msg *models.ChatMessage) error {
	const query = `INSERT INTO chat_messages (id, channel_id, sender_id, body, visibility, reply_to, status)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, NULLIF($5, ''), $6)
		RETURNING id, sent_at`
	return s.pool.QueryRow(ctx, query,
		msg.ChannelID, msg.SenderID, msg.Body, string(msg.Visibility), msg.ReplyTo, string(msg.Status)).
		Scan(&msg.ID, &msg.SentAt)
}

// RecentHistory returns the newest messages visible to the viewer, oldest
// first. The WHERE clause mirrors VisibleTo; keep the two in lockstep.
func (s *PostgresStore) RecentHistory(ctx context.Context, channelID uuid.UUID, limit int, viewerID string, isHost bool) ([]models.ChatMessage, error) {
	const query = `SELECT id, channel_id, sender_id, body, visibility, COALESCE(reply_to, ''), status, sent_at
		FROM chat_messages
		WHERE channel_id = $1
		  AND status <> 'deleted'
		  AND ($3 OR status <> 'removed')
		  AND ($3 OR visibility = 'public' OR sender_id = $4 OR reply_to = $4)
		ORDER BY sent_at DESC
		LIMIT $2`
	rows, err := s.pool.Query(ctx, query, channelID, limit, isHost, viewerID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []models.ChatMessage
	for rows.Next() {
		var m models.ChatMessage
		if err := rows.Scan(&m.ID, &m.ChannelID, &m.SenderID, &m.Body, &m.Visibility, &m.ReplyTo, &m.Status, &m.SentAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Get returns a single message by id.
func (s *PostgresStore) Get(ctx context.Context, channelID, messageID uuid.UUID) (*models.ChatMessage, error) {
	const query = `SELECT id, channel_id, sender_id, body, visibility, COALESCE(reply_to, ''), status, sent_at
		FROM chat_messages WHERE channel_id = $1 AND id = $2`
	var m models.ChatMessage
	err := s.pool.QueryRow(ctx, query, channelID, messageID).
		Scan(&m.ID, &m.ChannelID, &m.SenderID, &m.Body, &m.Visibility, &m.ReplyTo, &m.Status, &m.SentAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", messageID, protocol.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return &m, nil
}

// UpdateStatus transitions a message's status.
func (s *PostgresStore) UpdateStatus(ctx context.Context, channelID, messageID uuid.UUID, status models.MessageStatus) error {
	const query = `UPDATE chat_messages SET status = $3 WHERE channel_id = $1 AND id = $2`
	tag, err := s.pool.Exec(ctx, query, channelID, messageID, string(status))
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("message %s: %w", messageID, protocol.ErrNotFound)
	}
	return nil
}

// SwapPinned demotes the channel's pinned message and pins messageID inside a
// single transaction. Row locks serialize racing swaps and the partial unique
// index on status = 'pinned' backstops the invariant.
func (s *PostgresStore) SwapPinned(ctx context.Context, channelID, messageID uuid.UUID) (*models.ChatMessage, *models.ChatMessage, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, nil, fmt.Errorf("begin pin swap: %w", err)
	}
	defer tx.Rollback(ctx)

	const target = `SELECT id, channel_id, sender_id, body, visibility, COALESCE(reply_to, ''), status, sent_at
		FROM chat_messages WHERE channel_id = $1 AND id = $2 FOR UPDATE`
	var m models.ChatMessage
	err = tx.QueryRow(ctx, target, channelID, messageID).
		Scan(&m.ID, &m.ChannelID, &m.SenderID, &m.Body, &m.Visibility, &m.ReplyTo, &m.Status, &m.SentAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, fmt.Errorf("message %s: %w", messageID, protocol.ErrNotFound)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("pin swap: %w", err)
	}
	if m.Status == models.StatusDeleted {
		return nil, nil, fmt.Errorf("message %s: %w", messageID, protocol.ErrNotFound)
	}
	if m.Status == models.StatusPinned {
		return nil, nil, nil
	}

	const demote = `UPDATE chat_messages SET status = 'active'
		WHERE channel_id = $1 AND status = 'pinned' AND id <> $2
		RETURNING id, channel_id, sender_id, body, visibility, COALESCE(reply_to, ''), status, sent_at`
	var demoted *models.ChatMessage
	var d models.ChatMessage
	err = tx.QueryRow(ctx, demote, channelID, messageID).
		Scan(&d.ID, &d.ChannelID, &d.SenderID, &d.Body, &d.Visibility, &d.ReplyTo, &d.Status, &d.SentAt)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// nothing was pinned
	case err != nil:
		return nil, nil, fmt.Errorf("demote pinned: %w", err)
	default:
		demoted = &d
	}

	const promote = `UPDATE chat_messages SET status = 'pinned' WHERE channel_id = $1 AND id = $2`
	if _, err := tx.Exec(ctx, promote, channelID, messageID); err != nil {
		return nil, nil, fmt.Errorf("pin %s: %w", messageID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("commit pin swap: %w", err)
	}
	m.Status = models.StatusPinned
	return demoted, &m, nil
}

// ClearPinned unpins messageID with one conditional update; no transaction
// needed since a single row flips.
func (s *PostgresStore) ClearPinned(ctx context.Context, channelID, messageID uuid.UUID) (*models.ChatMessage, error) {
	const query = `UPDATE chat_messages SET status = 'active'
		WHERE channel_id = $1 AND id = $2 AND status = 'pinned'
		RETURNING id, channel_id, sender_id, body, visibility, COALESCE(reply_to, ''), status, sent_at`
	var m models.ChatMessage
	err := s.pool.QueryRow(ctx, query, channelID, messageID).
		Scan(&m.ID, &m.ChannelID, &m.SenderID, &m.Body, &m.Visibility, &m.ReplyTo, &m.Status, &m.SentAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// Not pinned; distinguish a missing message for the caller.
		if _, err := s.Get(ctx, channelID, messageID); err != nil {
			return nil, err
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("clear pinned: %w", err)
	}
	return &m, nil
}

// Pinned returns the channel's pinned message, or nil.
func (s *PostgresStore) Pinned(ctx context.Context, channelID uuid.UUID) (*models.ChatMessage, error) {
	const query = `SELECT id, channel_id, sender_id, body, visibility, COALESCE(reply_to, ''), status, sent_at
		FROM chat_messages WHERE channel_id = $1 AND status = 'pinned' LIMIT 1`
	var m models.ChatMessage
	err := s.pool.QueryRow(ctx, query, channelID).
		Scan(&m.ID, &m.ChannelID, &m.SenderID, &m.Body, &m.Visibility, &m.ReplyTo, &m.Status, &m.SentAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pinned: %w", err)
	}
	return &m, nil
}
