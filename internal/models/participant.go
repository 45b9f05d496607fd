package models

import (
	"time"

	"github.com/google/uuid"
)

// Participant maps one live connection to a (user, session) pair. A user on
// multiple devices holds multiple participants, one per connection.
type Participant struct {
	ConnectionID string    `json:"connection_id"`
	UserID       uuid.UUID `json:"user_id"`
	SessionID    uuid.UUID `json:"session_id"`
	JoinedAt     time.Time `json:"joined_at"`
}
