// Package worker consumes background jobs for the live-session layer,
// currently the wrap-up job that turns attendance logs into a session
// summary after a broadcast finishes.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/courseloop/backend/internal/models"
	"github.com/courseloop/backend/internal/stats"
	"github.com/courseloop/backend/pkg/queue"
)

// SummaryStore is the slice of the stats layer the wrap-up job touches.
type SummaryStore interface {
	CloseOpenLogs(ctx context.Context, sessionID uuid.UUID, at time.Time) error
	GetWatchTimeAggregates(ctx context.Context, sessionID uuid.UUID) (*stats.WatchTimeAggregates, error)
	WriteSummary(ctx context.Context, summary *models.SessionSummary) error
}

// WrapUpProcessor processes session wrap-up jobs: close dangling attendance
// rows, aggregate watch time, and persist the summary.
type WrapUpProcessor struct {
	stats  SummaryStore
	queue  *queue.Queue
	logger *zap.Logger
}

// NewWrapUpProcessor creates a wrap-up processor.
func NewWrapUpProcessor(statsRepo SummaryStore, q *queue.Queue, logger *zap.Logger) *WrapUpProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WrapUpProcessor{stats: statsRepo, queue: q, logger: logger}
}

// Process executes one wrap-up job. Safe to retry: the open-log close and
// the summary write are both repeatable.
func (p *WrapUpProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeSessionWrapUp {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.SessionWrapUpPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	// Connections dropped by the finish never sent leave; close their rows
	// at the finish timestamp so the aggregates below see them.
	if err := p.stats.CloseOpenLogs(ctx, payload.SessionID, payload.FinishedAt); err != nil {
		return fmt.Errorf("close open logs: %w", err)
	}

	agg, err := p.stats.GetWatchTimeAggregates(ctx, payload.SessionID)
	if err != nil {
		return fmt.Errorf("aggregate watch time: %w", err)
	}

	summary := &models.SessionSummary{
		SessionID:         payload.SessionID,
		FinishReason:      payload.FinishReason,
		ParticipantCount:  payload.ParticipantCount,
		DistinctViewers:   agg.DistinctUsers,
		TotalWatchSeconds: agg.TotalWatchSeconds,
		FinishedAt:        payload.FinishedAt,
	}
	if payload.StartedAt != nil {
		summary.DurationSeconds = int64(payload.FinishedAt.Sub(*payload.StartedAt).Seconds())
	}
	if err := p.stats.WriteSummary(ctx, summary); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}

	p.logger.Info("session wrap-up completed",
		zap.String("session_id", payload.SessionID.String()),
		zap.String("reason", payload.FinishReason),
		zap.Int("distinct_viewers", agg.DistinctUsers),
		zap.Int64("total_watch_seconds", agg.TotalWatchSeconds))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *WrapUpProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("wrap-up worker stopping")
			return
		default:
		}

		job, _, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
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
		}
	}
}
