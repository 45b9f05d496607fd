package models

import (
	"time"

	"github.com/google/uuid"
)

// ElementKind identifies a server-side media resource type.
type ElementKind string

const (
	ElementPipeline  ElementKind = "pipeline"
	ElementPublisher ElementKind = "publisher"
	ElementViewer    ElementKind = "viewer"
)

// MediaElement records a media-server resource owned by a live session.
// ExternalID is the opaque handle identifier on the media server; for
// pipelines it carries the instance prefix so orphans can be attributed
// after a restart. OwnerParticipantID is set for publisher/viewer endpoints.
type MediaElement struct {
	ID                 uuid.UUID   `json:"id"`
	SessionID          uuid.UUID   `json:"session_id"`
	Kind               ElementKind `json:"kind"`
	OwnerParticipantID string      `json:"owner_participant_id,omitempty"`
	ExternalID         string      `json:"external_id"`
	IsConnected        bool        `json:"is_connected"`
	IsVideoEnabled     bool        `json:"is_video_enabled"`
	CreatedAt          time.Time   `json:"created_at"`
}
