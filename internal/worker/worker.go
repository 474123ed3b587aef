package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/stagecast/engine/internal/chat"
	"github.com/stagecast/engine/internal/models"
	"github.com/stagecast/engine/pkg/queue"
)

// AuditProcessor consumes moderation audit jobs and persists them. Keeping the
// audit trail off the hot path means a slow database write never delays the
// status broadcast to viewers.
type AuditProcessor struct {
	audits *chat.AuditRepository
	queue  *queue.Queue
	logger *zap.Logger
}

// NewAuditProcessor creates a moderation audit processor.
func NewAuditProcessor(audits *chat.AuditRepository, q *queue.Queue, logger *zap.Logger) *AuditProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditProcessor{audits: audits, queue: q, logger: logger}
}

// Process executes one moderation audit job.
func (p *AuditProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeModerationAudit {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.ModerationAuditPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	entry := &chat.AuditEntry{
		ChannelID: payload.ChannelID,
		MessageID: payload.MessageID,
		Action:    payload.Action,
		ActorID:   payload.ActorID,
		Status:    models.MessageStatus(payload.Status),
	}
	if err := p.audits.Record(ctx, entry); err != nil {
		return fmt.Errorf("record audit entry: %w", err)
	}

	p.logger.Info("moderation audit recorded",
		zap.String("message_id", payload.MessageID.String()),
		zap.String("action", payload.Action),
	)
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *AuditProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("audit worker stopping")
			return
		default:
		}

		job, _, err := p.queue.Dequeue(ctx)
		if err != nil {
			p.logger.Warn("dequeue error", zap.Error(err))
			time.Sleep(queue.RetryBackoff)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			time.Sleep(queue.RetryBackoff)
			continue
		}
	}
}
