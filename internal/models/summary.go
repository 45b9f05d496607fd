package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionSummary is the wrap-up record written after a live session
// finishes: attendance aggregates computed by the background worker.
type SessionSummary struct {
	SessionID         uuid.UUID `json:"session_id"`
	FinishReason      string    `json:"finish_reason"`
	ParticipantCount  int       `json:"participant_count"`
	DistinctViewers   int       `json:"distinct_viewers"`
	DurationSeconds   int64     `json:"duration_seconds"`
	TotalWatchSeconds int64     `json:"total_watch_seconds"`
	FinishedAt        time.Time `json:"finished_at"`
	CreatedAt         time.Time `json:"created_at"`
}
