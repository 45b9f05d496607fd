package scheduling

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/courseloop/backend/internal/errs"
	"github.com/courseloop/backend/internal/models"
)

type staticLister []models.ScheduledSession

func (s staticLister) UpcomingSessionsByCreator(_ context.Context, _ uuid.UUID, _ time.Time) ([]models.ScheduledSession, error) {
	return s, nil
}

func TestOverlaps(t *testing.T) {
	base := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	at := func(m int) time.Time { return base.Add(time.Duration(m) * time.Minute) }

	cases := []struct {
		name           string
		s1, e1, s2, e2 time.Time
		want           bool
	}{
		{"disjoint before", at(0), at(30), at(60), at(90), false},
		{"disjoint after", at(60), at(90), at(0), at(30), false},
		{"partial overlap", at(0), at(45), at(30), at(90), true},
		{"contained", at(10), at(20), at(0), at(60), true},
		{"identical", at(0), at(60), at(0), at(60), true},
		{"touching end-to-start", at(0), at(30), at(30), at(60), false},
		{"touching start-to-end", at(30), at(60), at(0), at(30), false},
		{"one minute into previous", at(0), at(31), at(30), at(60), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Overlaps(tc.s1, tc.e1, tc.s2, tc.e2); got != tc.want {
				t.Fatalf("Overlaps(%v,%v,%v,%v) = %v, want %v", tc.s1, tc.e1, tc.s2, tc.e2, got, tc.want)
			}
		})
	}
}

func TestValidateRejectsPastStart(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	v := NewValidator(staticLister{}, func() time.Time { return now })
	creator := uuid.New()

	for _, start := range []time.Time{now.Add(-time.Hour), now} {
		err := v.Validate(ctx, creator, start, time.Hour, nil)
		if errs.CodeOf(err) != errs.CodePastStart {
			t.Fatalf("Validate(start=%v) error code = %q, want %q", start, errs.CodeOf(err), errs.CodePastStart)
		}
	}
	if err := v.Validate(ctx, creator, now.Add(time.Second), time.Hour, nil); err != nil {
		t.Fatalf("Validate(start just after now) error = %v, want nil", err)
	}
}

func TestValidateConflicts(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	creator := uuid.New()
	existingID := uuid.New()
	existing := models.ScheduledSession{
		ID:              existingID,
		CreatorID:       creator,
		Title:           "Algebra review",
		StartAt:         time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC),
		DurationMinutes: 60,
	}
	v := NewValidator(staticLister{existing}, func() time.Time { return now })

	// Overlapping the existing slot is a conflict.
	err := v.Validate(ctx, creator, existing.StartAt.Add(30*time.Minute), time.Hour, nil)
	if errs.CodeOf(err) != errs.CodeSlotConflict {
		t.Fatalf("overlapping Validate() error code = %q, want %q", errs.CodeOf(err), errs.CodeSlotConflict)
	}

	// A slot starting exactly when the existing one ends is allowed.
	if err := v.Validate(ctx, creator, existing.EndAt(), time.Hour, nil); err != nil {
		t.Fatalf("back-to-back Validate() error = %v, want nil", err)
	}
	// And one ending exactly when the existing one starts.
	if err := v.Validate(ctx, creator, existing.StartAt.Add(-time.Hour), time.Hour, nil); err != nil {
		t.Fatalf("leading back-to-back Validate() error = %v, want nil", err)
	}

	// Editing a session must not conflict with itself.
	if err := v.Validate(ctx, creator, existing.StartAt, time.Hour, &existingID); err != nil {
		t.Fatalf("self-excluded Validate() error = %v, want nil", err)
	}
}
