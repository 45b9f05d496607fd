// Package stats records who attended a live session and for how long, and
// holds the wrap-up summaries the background worker writes after a session
// finishes.
package stats

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/courseloop/backend/internal/models"
)

// AttendeeRow is one attendance entry for a session.
type AttendeeRow struct {
	UserID       uuid.UUID  `json:"user_id"`
	JoinedAt     time.Time  `json:"joined_at"`
	LeftAt       *time.Time `json:"left_at,omitempty"`
	WatchSeconds int64      `json:"watch_seconds"`
}

// Repository handles attendance_logs and session_summaries.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a stats repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// LogJoin inserts a row when a participant joins a session.
func (r *Repository) LogJoin(ctx context.Context, sessionID, userID uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO attendance_logs (session_id, user_id, joined_at) VALUES ($1, $2, NOW())`,
		sessionID, userID)
	return err
}

// LogLeave closes the most recent open attendance row for the user in the
// session, recording the watch duration.
func (r *Repository) LogLeave(ctx context.Context, sessionID, userID uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE attendance_logs a SET left_at = NOW(), watch_seconds = GREATEST(0, EXTRACT(EPOCH FROM (NOW() - a.joined_at))::BIGINT)
		 FROM (SELECT id FROM attendance_logs WHERE session_id = $1 AND user_id = $2 AND left_at IS NULL ORDER BY joined_at DESC LIMIT 1) AS sub
		 WHERE a.id = sub.id`,
		sessionID, userID)
	return err
}

// CloseOpenLogs closes every still-open attendance row of a session, used by
// the wrap-up worker since connections dropped by a finish never send leave.
func (r *Repository) CloseOpenLogs(ctx context.Context, sessionID uuid.UUID, at time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE attendance_logs SET left_at = $2, watch_seconds = GREATEST(0, EXTRACT(EPOCH FROM ($2 - joined_at))::BIGINT)
		 WHERE session_id = $1 AND left_at IS NULL`,
		sessionID, at)
	return err
}

// WatchTimeAggregates holds the attendance aggregates of a session.
type WatchTimeAggregates struct {
	TotalWatchSeconds int64
	DistinctUsers     int
}

// GetWatchTimeAggregates returns total watch time and distinct viewer count
// from closed attendance rows.
func (r *Repository) GetWatchTimeAggregates(ctx context.Context, sessionID uuid.UUID) (*WatchTimeAggregates, error) {
	const q = `SELECT COALESCE(SUM(watch_seconds), 0), COUNT(DISTINCT user_id) FROM attendance_logs WHERE session_id = $1 AND left_at IS NOT NULL`
	var agg WatchTimeAggregates
	if err := r.pool.QueryRow(ctx, q, sessionID).Scan(&agg.TotalWatchSeconds, &agg.DistinctUsers); err != nil {
		return nil, err
	}
	return &agg, nil
}

// ListBySession returns a session's attendance entries, most recent first.
func (r *Repository) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]AttendeeRow, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT user_id, joined_at, left_at, watch_seconds
		 FROM attendance_logs WHERE session_id = $1 ORDER BY joined_at DESC`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []AttendeeRow
	for rows.Next() {
		var row AttendeeRow
		if err := rows.Scan(&row.UserID, &row.JoinedAt, &row.LeftAt, &row.WatchSeconds); err != nil {
			return nil, err
		}
		list = append(list, row)
	}
	return list, rows.Err()
}

// WriteSummary upserts the session's wrap-up record. The wrap-up job may be
// retried, so the write must be repeatable.
func (r *Repository) WriteSummary(ctx context.Context, s *models.SessionSummary) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO session_summaries (session_id, finish_reason, participant_count, distinct_viewers, duration_seconds, total_watch_seconds, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (session_id) DO UPDATE SET
		   finish_reason = EXCLUDED.finish_reason,
		   participant_count = EXCLUDED.participant_count,
		   distinct_viewers = EXCLUDED.distinct_viewers,
		   duration_seconds = EXCLUDED.duration_seconds,
		   total_watch_seconds = EXCLUDED.total_watch_seconds,
		   finished_at = EXCLUDED.finished_at`,
		s.SessionID, s.FinishReason, s.ParticipantCount, s.DistinctViewers, s.DurationSeconds, s.TotalWatchSeconds, s.FinishedAt)
	return err
}

// GetSummary returns the session's wrap-up record, or nil when none exists.
func (r *Repository) GetSummary(ctx context.Context, sessionID uuid.UUID) (*models.SessionSummary, error) {
	var s models.SessionSummary
	err := r.pool.QueryRow(ctx,
		`SELECT session_id, finish_reason, participant_count, distinct_viewers, duration_seconds, total_watch_seconds, finished_at, created_at
		 FROM session_summaries WHERE session_id = $1`,
		sessionID).Scan(&s.SessionID, &s.FinishReason, &s.ParticipantCount, &s.DistinctViewers, &s.DurationSeconds, &s.TotalWatchSeconds, &s.FinishedAt, &s.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}
