// Package scheduling manages a creator's planned session slots: persistence,
// conflict validation, and the edit/delete cutoff tied to the admission
// window.
package scheduling

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/courseloop/backend/internal/errs"
	"github.com/courseloop/backend/internal/models"
)

// UpcomingLister supplies a creator's non-finished upcoming sessions across
// all owned courses.
type UpcomingLister interface {
	UpcomingSessionsByCreator(ctx context.Context, creatorID uuid.UUID, from time.Time) ([]models.ScheduledSession, error)
}

// Validator performs interval-overlap conflict detection over a creator's
// scheduled sessions.
type Validator struct {
	sessions UpcomingLister
	now      func() time.Time
}

// NewValidator creates a conflict validator. nowFn defaults to time.Now.
func NewValidator(sessions UpcomingLister, nowFn func() time.Time) *Validator {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Validator{sessions: sessions, now: nowFn}
}

// Overlaps reports whether two half-open intervals [s1,e1) and [s2,e2)
// intersect. Touching intervals (e1 == s2) do not overlap.
func Overlaps(s1, e1, s2, e2 time.Time) bool {
	return s1.Before(e2) && s2.Before(e1)
}

// Validate checks a candidate slot for the creator. exclude skips one
// session ID so edits do not conflict with themselves. A slot starting at or
// before now is rejected outright; otherwise a conflict is flagged iff the
// candidate interval overlaps any other upcoming session of the creator.
// Read-only; a busy slot is a typed outcome, not an internal failure.
func (v *Validator) Validate(ctx context.Context, creatorID uuid.UUID, startAt time.Time, duration time.Duration, exclude *uuid.UUID) error {
	now := v.now()
	if !startAt.After(now) {
		return errs.ErrPastStart
	}

	others, err := v.sessions.UpcomingSessionsByCreator(ctx, creatorID, now)
	if err != nil {
		return fmt.Errorf("list upcoming sessions: %w", err)
	}

	end := startAt.Add(duration)
	for i := range others {
		other := &others[i]
		if exclude != nil && other.ID == *exclude {
			continue
		}
		if Overlaps(startAt, end, other.StartAt, other.EndAt()) {
			return errs.Newf(errs.CodeSlotConflict,
				"time slot conflicts with session %q at %s", other.Title, other.StartAt.Format(time.RFC3339))
		}
	}
	return nil
}
