package models

import (
	"time"

	"github.com/google/uuid"
)

// LiveStatus is the runtime status of a live session. Transitions are
// monotonic: not_started -> started -> finished, finished is terminal.
type LiveStatus string

const (
	LiveStatusNotStarted LiveStatus = "not_started"
	LiveStatusStarted    LiveStatus = "started"
	LiveStatusFinished   LiveStatus = "finished"
)

// Finish reasons recorded when a live session reaches the terminal state.
const (
	FinishReasonFinished            = "finished"
	FinishReasonCreatorDisconnected = "creator_disconnected"
	FinishReasonCreatorDisabled     = "creator_disabled"
)

// LiveSession is the runtime counterpart of exactly one ScheduledSession,
// created lazily on the first admission check. PipelineElementID is the
// claim target for at-most-one media pipeline per session.
type LiveSession struct {
	SessionID             uuid.UUID  `json:"session_id"`
	Status                LiveStatus `json:"status"`
	PipelineElementID     *uuid.UUID `json:"pipeline_element_id,omitempty"`
	StartedAt             *time.Time `json:"started_at,omitempty"`
	FinishedAt            *time.Time `json:"finished_at,omitempty"`
	FinishReason          string     `json:"finish_reason,omitempty"`
	FinalParticipantCount int        `json:"final_participant_count"`
	CreatedAt             time.Time  `json:"created_at"`
}
