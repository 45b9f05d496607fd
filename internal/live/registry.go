package live

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/courseloop/backend/internal/models"
)

// Registry maps live connections to participants. One connection ID maps to
// exactly one participant; a user on several devices holds several
// participants.
type Registry struct {
	store  Store
	logger *zap.Logger
}

// NewRegistry creates a participant registry.
func NewRegistry(store Store, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{store: store, logger: logger}
}

// GetOrCreate returns the participant for a connection, creating it bound
// to (user, session) on first call. Idempotent for repeated joins on the
// same connection.
func (r *Registry) GetOrCreate(ctx context.Context, connectionID string, userID, sessionID uuid.UUID) (*models.Participant, error) {
	p, err := r.store.GetOrCreateParticipant(ctx, connectionID, userID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get or create participant: %w", err)
	}
	return p, nil
}

// Leave removes the participant for a connection and returns the session's
// remaining membership, which drives endpoint teardown. Removing an unknown
// connection returns (nil, nil).
func (r *Registry) Leave(ctx context.Context, connectionID string) ([]models.Participant, error) {
	p, err := r.store.GetParticipant(ctx, connectionID)
	if err != nil {
		return nil, fmt.Errorf("find participant: %w", err)
	}
	if p == nil {
		return nil, nil
	}
	if err := r.store.RemoveParticipant(ctx, connectionID); err != nil {
		return nil, fmt.Errorf("remove participant: %w", err)
	}
	remaining, err := r.store.ListParticipantsBySession(ctx, p.SessionID)
	if err != nil {
		return nil, fmt.Errorf("list remaining participants: %w", err)
	}
	r.logger.Debug("participant left",
		zap.String("connection_id", connectionID),
		zap.String("session_id", p.SessionID.String()),
		zap.Int("remaining", len(remaining)))
	return remaining, nil
}

// FindByConnection returns the participant for a connection, or nil.
func (r *Registry) FindByConnection(ctx context.Context, connectionID string) (*models.Participant, error) {
	return r.store.GetParticipant(ctx, connectionID)
}

// FindAllByConnection returns every participant record for a connection.
// Used on disconnect to resolve affected sessions; with connection IDs
// unique per participant the slice holds at most one entry.
func (r *Registry) FindAllByConnection(ctx context.Context, connectionID string) ([]models.Participant, error) {
	p, err := r.store.GetParticipant(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, nil
	}
	return []models.Participant{*p}, nil
}

// ListBySession returns a session's current membership.
func (r *Registry) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]models.Participant, error) {
	return r.store.ListParticipantsBySession(ctx, sessionID)
}

// Count returns the session's current membership size.
func (r *Registry) Count(ctx context.Context, sessionID uuid.UUID) (int, error) {
	return r.store.CountParticipants(ctx, sessionID)
}
