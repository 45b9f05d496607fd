package models

import (
	"time"

	"github.com/google/uuid"
)

// Course is a marketplace course owned by a creator. Live sessions are
// scheduled under a course and are joinable by its subscribers.
type Course struct {
	ID          uuid.UUID `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	CreatorID   uuid.UUID `json:"creator_id"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Subscription links a user to a course.
type Subscription struct {
	CourseID     uuid.UUID `json:"course_id"`
	UserID       uuid.UUID `json:"user_id"`
	SubscribedAt time.Time `json:"subscribed_at"`
}
