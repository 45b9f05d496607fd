package models

import (
	"time"

	"github.com/google/uuid"
)

// TimeStatus is the derived schedule state of a session relative to the
// clock. It is computed, never stored.
type TimeStatus string

const (
	TimeStatusUpcoming TimeStatus = "upcoming"
	TimeStatusStarted  TimeStatus = "started"
	TimeStatusFinished TimeStatus = "finished"
)

// ScheduledSession is a creator's planned live broadcast slot within a
// course. Mutated only by its creator, subject to conflict validation.
type ScheduledSession struct {
	ID              uuid.UUID `json:"id"`
	CourseID        uuid.UUID `json:"course_id"`
	CreatorID       uuid.UUID `json:"creator_id"`
	Title           string    `json:"title"`
	Description     string    `json:"description"`
	StartAt         time.Time `json:"start_at"`
	DurationMinutes int       `json:"duration_minutes"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// EndAt returns the exclusive end of the session's scheduled interval.
func (s *ScheduledSession) EndAt() time.Time {
	return s.StartAt.Add(time.Duration(s.DurationMinutes) * time.Minute)
}

// TimeStatus computes the schedule state for the given clock reading. The
// joinable window opens admissionWindow before the scheduled start and
// closes at start+duration (half-open).
func (s *ScheduledSession) TimeStatus(now time.Time, admissionWindow time.Duration) TimeStatus {
	if now.Before(s.StartAt.Add(-admissionWindow)) {
		return TimeStatusUpcoming
	}
	if now.Before(s.EndAt()) {
		return TimeStatusStarted
	}
	return TimeStatusFinished
}

// SessionDetail is a scheduled session joined with its owning course and
// creator state, as consumed by admission checks.
type SessionDetail struct {
	ScheduledSession
	CourseTitle     string `json:"course_title"`
	CreatorDisabled bool   `json:"-"`
}
