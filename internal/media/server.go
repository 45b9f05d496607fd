// Package media orchestrates server-side media resources for live sessions:
// one lazily created pipeline per session, publisher/viewer endpoints per
// participant, and the teardown paths that keep the media server and the
// element records consistent.
package media

import (
	"context"

	"github.com/courseloop/backend/internal/models"
)

// Handle is an opaque reference to a resource on the media server. The ID is
// stable across lookups but not across media-server restarts; a handle that
// no longer resolves is stale, not an error in itself.
type Handle interface {
	ID() string
}

// Server abstracts the media server. The in-process WebRTC implementation
// lives in this package; tests substitute a fake. Any call may fail with a
// media-server error, which callers surface as such rather than as a domain
// violation.
type Server interface {
	// CreatePipeline allocates a routing context. The name carries the
	// owning instance prefix so orphans can be attributed after a restart.
	CreatePipeline(ctx context.Context, name string) (Handle, error)
	// CreateEndpoint allocates a publisher or viewer endpoint inside a
	// pipeline.
	CreateEndpoint(ctx context.Context, pipeline Handle, kind models.ElementKind) (Handle, error)
	// Connect wires a viewer endpoint to the publisher's media flow.
	// Connecting an already-connected pair must be harmless.
	Connect(ctx context.Context, viewer, publisher Handle) error
	// SetVideoEnabled toggles the video portion of an endpoint's flow.
	SetVideoEnabled(ctx context.Context, h Handle, enabled bool) error
	// Release frees a resource. Releasing a stale handle returns
	// errs.ErrStaleHandle, which teardown paths treat as already done.
	Release(ctx context.Context, h Handle) error
	// Resolve maps a stored external ID back to a live handle, or
	// errs.ErrStaleHandle when the server no longer knows it.
	Resolve(ctx context.Context, externalID string) (Handle, error)
}
