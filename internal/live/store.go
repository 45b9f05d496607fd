// Package live implements the run-time state machine of a broadcast
// session: admission checks, monotonic status transitions, participant
// tracking, and the persisted state the media orchestrator claims pipelines
// against.
package live

import (
	"context"

	"github.com/google/uuid"

	"github.com/courseloop/backend/internal/models"
)

// Store persists live-session runtime state: the live session record keyed
// by session ID, participants keyed by connection ID, and media elements.
// Implementations must make TransitionStatus and ClaimPipeline atomic
// (conditional update / compare-and-set).
type Store interface {
	// GetOrCreateLiveSession returns the live session for sessionID,
	// creating it in the not_started state when absent. Idempotent under
	// concurrent callers: at most one record per session ID ever exists.
	GetOrCreateLiveSession(ctx context.Context, sessionID uuid.UUID) (*models.LiveSession, error)
	// GetLiveSession returns the live session, or nil when none exists.
	GetLiveSession(ctx context.Context, sessionID uuid.UUID) (*models.LiveSession, error)
	// TransitionStatus moves the session from one status to another iff it
	// currently holds the from status. Returns false when the session was
	// in any other state, making repeated transitions no-ops.
	TransitionStatus(ctx context.Context, sessionID uuid.UUID, from, to models.LiveStatus) (bool, error)
	// FinishSession marks the session finished unless already finished,
	// recording the reason and the final participant count. Returns false
	// when the session was already finished.
	FinishSession(ctx context.Context, sessionID uuid.UUID, reason string, finalCount int) (bool, error)
	// ClaimPipeline sets the pipeline element reference iff it is unset.
	// Returns true when this caller won the claim.
	ClaimPipeline(ctx context.Context, sessionID, elementID uuid.UUID) (bool, error)
	// ClearPipeline unsets the pipeline element reference.
	ClearPipeline(ctx context.Context, sessionID uuid.UUID) error

	// GetOrCreateParticipant returns the participant for connectionID,
	// creating one bound to (userID, sessionID) when absent. One
	// connection maps to exactly one participant.
	GetOrCreateParticipant(ctx context.Context, connectionID string, userID, sessionID uuid.UUID) (*models.Participant, error)
	// GetParticipant returns the participant for a connection, or nil.
	GetParticipant(ctx context.Context, connectionID string) (*models.Participant, error)
	// ListParticipantsBySession returns the session's current membership.
	ListParticipantsBySession(ctx context.Context, sessionID uuid.UUID) ([]models.Participant, error)
	// ListParticipantsByUser returns every participant of a user
	// (multi-device: one per connection).
	ListParticipantsByUser(ctx context.Context, userID uuid.UUID) ([]models.Participant, error)
	// CountParticipants returns the session's current membership size.
	CountParticipants(ctx context.Context, sessionID uuid.UUID) (int, error)
	// RemoveParticipant deletes the participant for a connection.
	// Idempotent: removing an unknown connection is not an error.
	RemoveParticipant(ctx context.Context, connectionID string) error

	// SaveMediaElement inserts or updates a media element record.
	SaveMediaElement(ctx context.Context, el *models.MediaElement) error
	// GetMediaElement returns an element by ID, or nil.
	GetMediaElement(ctx context.Context, id uuid.UUID) (*models.MediaElement, error)
	// ListMediaElementsBySession returns every element of a session.
	ListMediaElementsBySession(ctx context.Context, sessionID uuid.UUID) ([]models.MediaElement, error)
	// ListMediaElementsByOwner returns the elements owned by a participant.
	ListMediaElementsByOwner(ctx context.Context, ownerParticipantID string) ([]models.MediaElement, error)
	// ListAllMediaElements returns every tracked element across sessions,
	// for the recovery sweep.
	ListAllMediaElements(ctx context.Context) ([]models.MediaElement, error)
	// MarkElementConnected flags an element as connected to the publisher.
	MarkElementConnected(ctx context.Context, id uuid.UUID) error
	// SetElementVideoEnabled toggles the video flag on an element.
	SetElementVideoEnabled(ctx context.Context, id uuid.UUID, enabled bool) error
	// DeleteMediaElement removes an element record. Idempotent.
	DeleteMediaElement(ctx context.Context, id uuid.UUID) error
}

// EventPublisher fans an event out to every participant of a live session.
// The websocket hub implements it; tests substitute a recording stub.
type EventPublisher interface {
	Publish(sessionID uuid.UUID, event string, payload interface{})
}

// Broadcast event names.
const (
	EventStatusChanged       = "status_changed"
	EventVideoEnabledChanged = "video_enabled_changed"
	EventParticipantJoined   = "participant_joined"
	EventParticipantLeft     = "participant_left"
)
