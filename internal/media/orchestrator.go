package media

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/courseloop/backend/internal/errs"
	"github.com/courseloop/backend/internal/live"
	"github.com/courseloop/backend/internal/models"
	"github.com/courseloop/backend/pkg/metrics"
)

// Orchestrator manages the media elements of live sessions. Each session
// gets at most one pipeline, created lazily on first use: concurrent callers
// in one process share the in-flight creation through singleflight, and
// across processes the pipeline reference on the live session record is
// claimed with a conditional update, so the loser releases its pipeline and
// adopts the winner's.
type Orchestrator struct {
	store   live.Store
	server  Server
	events  live.EventPublisher
	metrics *metrics.Metrics
	prefix  string
	logger  *zap.Logger

	group singleflight.Group

	// locksMu guards locks; each per-session mutex serializes element-set
	// mutations for that session.
	locksMu sync.Mutex
	locks   map[uuid.UUID]*sync.Mutex
}

// NewOrchestrator creates the pipeline orchestrator. prefix identifies this
// server instance in pipeline names; m may be nil.
func NewOrchestrator(store live.Store, server Server, events live.EventPublisher, m *metrics.Metrics, prefix string, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		store:   store,
		server:  server,
		events:  events,
		metrics: m,
		prefix:  prefix,
		logger:  logger,
		locks:   make(map[uuid.UUID]*sync.Mutex),
	}
}

func (o *Orchestrator) sessionLock(sessionID uuid.UUID) *sync.Mutex {
	o.locksMu.Lock()
	defer o.locksMu.Unlock()
	mu, ok := o.locks[sessionID]
	if !ok {
		mu = &sync.Mutex{}
		o.locks[sessionID] = mu
	}
	return mu
}

func (o *Orchestrator) dropSessionLock(sessionID uuid.UUID) {
	o.locksMu.Lock()
	delete(o.locks, sessionID)
	o.locksMu.Unlock()
}

// GetOrCreatePipeline returns the session's pipeline handle, creating the
// pipeline on first use. Safe under concurrent callers: all in-flight
// callers of one process receive the same handle, and the persisted claim
// guarantees at most one pipeline record per session across processes.
func (o *Orchestrator) GetOrCreatePipeline(ctx context.Context, sessionID uuid.UUID) (Handle, error) {
	v, err, _ := o.group.Do("pipeline:"+sessionID.String(), func() (interface{}, error) {
		return o.getOrCreatePipeline(ctx, sessionID)
	})
	if err != nil {
		return nil, err
	}
	return v.(Handle), nil
}

func (o *Orchestrator) getOrCreatePipeline(ctx context.Context, sessionID uuid.UUID) (Handle, error) {
	if h, err := o.resolveExistingPipeline(ctx, sessionID); err != nil {
		return nil, err
	} else if h != nil {
		return h, nil
	}

	handle, err := o.server.CreatePipeline(ctx, o.prefix+":"+sessionID.String())
	if err != nil {
		return nil, errs.Wrap(errs.CodeMediaServer, "create pipeline", err)
	}
	el := &models.MediaElement{
		ID:         uuid.New(),
		SessionID:  sessionID,
		Kind:       models.ElementPipeline,
		ExternalID: handle.ID(),
		CreatedAt:  time.Now(),
	}
	if err := o.store.SaveMediaElement(ctx, el); err != nil {
		_ = o.server.Release(ctx, handle)
		return nil, fmt.Errorf("save pipeline element: %w", err)
	}

	won, err := o.store.ClaimPipeline(ctx, sessionID, el.ID)
	if err != nil {
		_ = o.server.Release(ctx, handle)
		_ = o.store.DeleteMediaElement(ctx, el.ID)
		return nil, fmt.Errorf("claim pipeline: %w", err)
	}
	if !won {
		// Another process claimed first. Discard ours and adopt the winner's.
		_ = o.server.Release(ctx, handle)
		_ = o.store.DeleteMediaElement(ctx, el.ID)
		h, err := o.resolveExistingPipeline(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if h == nil {
			return nil, errs.New(errs.CodeMediaServer, "lost pipeline claim but no winner found")
		}
		return h, nil
	}

	o.metrics.ElementCreated(string(models.ElementPipeline))
	o.logger.Info("pipeline created",
		zap.String("session_id", sessionID.String()),
		zap.String("external_id", handle.ID()))
	return handle, nil
}

// resolveExistingPipeline returns the claimed pipeline's handle, or nil when
// no claim exists. A claim whose handle no longer resolves (media server
// restarted) is cleared so the caller recreates.
func (o *Orchestrator) resolveExistingPipeline(ctx context.Context, sessionID uuid.UUID) (Handle, error) {
	ls, err := o.store.GetLiveSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load live session: %w", err)
	}
	if ls == nil || ls.PipelineElementID == nil {
		return nil, nil
	}
	el, err := o.store.GetMediaElement(ctx, *ls.PipelineElementID)
	if err != nil {
		return nil, fmt.Errorf("load pipeline element: %w", err)
	}
	if el == nil {
		if err := o.store.ClearPipeline(ctx, sessionID); err != nil {
			return nil, fmt.Errorf("clear dangling pipeline claim: %w", err)
		}
		return nil, nil
	}
	h, err := o.server.Resolve(ctx, el.ExternalID)
	if err != nil {
		if errs.CodeOf(err) == errs.CodeStaleHandle {
			o.logger.Warn("pipeline handle stale, recreating",
				zap.String("session_id", sessionID.String()),
				zap.String("external_id", el.ExternalID))
			if err := o.store.DeleteMediaElement(ctx, el.ID); err != nil {
				return nil, fmt.Errorf("delete stale pipeline element: %w", err)
			}
			if err := o.store.ClearPipeline(ctx, sessionID); err != nil {
				return nil, fmt.Errorf("clear stale pipeline claim: %w", err)
			}
			return nil, nil
		}
		return nil, errs.Wrap(errs.CodeMediaServer, "resolve pipeline", err)
	}
	return h, nil
}

// CreatePublisher allocates a publisher endpoint for the participant inside
// the session's pipeline, creating the pipeline if needed. Video starts
// enabled.
func (o *Orchestrator) CreatePublisher(ctx context.Context, sessionID uuid.UUID, participantID string) (*models.MediaElement, error) {
	return o.createEndpoint(ctx, sessionID, participantID, models.ElementPublisher)
}

// CreateViewer allocates a viewer endpoint for the participant.
func (o *Orchestrator) CreateViewer(ctx context.Context, sessionID uuid.UUID, participantID string) (*models.MediaElement, error) {
	return o.createEndpoint(ctx, sessionID, participantID, models.ElementViewer)
}

func (o *Orchestrator) createEndpoint(ctx context.Context, sessionID uuid.UUID, participantID string, kind models.ElementKind) (*models.MediaElement, error) {
	pipeline, err := o.GetOrCreatePipeline(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	mu := o.sessionLock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	// One endpoint of each kind per participant: a repeated request returns
	// the existing element.
	existing, err := o.store.ListMediaElementsByOwner(ctx, participantID)
	if err != nil {
		return nil, fmt.Errorf("list owned elements: %w", err)
	}
	for i := range existing {
		if existing[i].Kind == kind && existing[i].SessionID == sessionID {
			return &existing[i], nil
		}
	}

	// At most one publisher per session. A creator publishing from a second
	// device is rejected; connects and video toggles must have a single
	// target.
	if kind == models.ElementPublisher {
		sessionElements, err := o.store.ListMediaElementsBySession(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("list session elements: %w", err)
		}
		for i := range sessionElements {
			if sessionElements[i].Kind == models.ElementPublisher {
				return nil, errs.ErrAlreadyPublished
			}
		}
	}

	handle, err := o.server.CreateEndpoint(ctx, pipeline, kind)
	if err != nil {
		return nil, errs.Wrap(errs.CodeMediaServer, "create endpoint", err)
	}
	el := &models.MediaElement{
		ID:                 uuid.New(),
		SessionID:          sessionID,
		Kind:               kind,
		OwnerParticipantID: participantID,
		ExternalID:         handle.ID(),
		IsVideoEnabled:     true,
		CreatedAt:          time.Now(),
	}
	if err := o.store.SaveMediaElement(ctx, el); err != nil {
		_ = o.server.Release(ctx, handle)
		return nil, fmt.Errorf("save endpoint element: %w", err)
	}
	o.metrics.ElementCreated(string(kind))
	return el, nil
}

// ConnectToPublisher wires a viewer element to the session's publisher.
// Re-entrant: a viewer already connected is a no-op, so retried signaling
// never duplicates media flow.
func (o *Orchestrator) ConnectToPublisher(ctx context.Context, sessionID, viewerElementID uuid.UUID) error {
	mu := o.sessionLock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	viewer, err := o.store.GetMediaElement(ctx, viewerElementID)
	if err != nil {
		return fmt.Errorf("load viewer element: %w", err)
	}
	if viewer == nil || viewer.SessionID != sessionID {
		return errs.ErrNotFound
	}
	if viewer.IsConnected {
		return nil
	}

	publisher, err := o.findPublisher(ctx, sessionID)
	if err != nil {
		return err
	}

	viewerHandle, err := o.server.Resolve(ctx, viewer.ExternalID)
	if err != nil {
		return errs.Wrap(errs.CodeMediaServer, "resolve viewer", err)
	}
	publisherHandle, err := o.server.Resolve(ctx, publisher.ExternalID)
	if err != nil {
		return errs.Wrap(errs.CodeMediaServer, "resolve publisher", err)
	}
	if err := o.server.Connect(ctx, viewerHandle, publisherHandle); err != nil {
		return errs.Wrap(errs.CodeMediaServer, "connect to publisher", err)
	}
	if err := o.store.MarkElementConnected(ctx, viewer.ID); err != nil {
		return fmt.Errorf("mark element connected: %w", err)
	}
	return nil
}

// ConnectPendingViewers wires every not-yet-connected viewer to the
// publisher, for viewers that subscribed before the publisher appeared.
// Safe to call repeatedly; connected viewers are skipped.
func (o *Orchestrator) ConnectPendingViewers(ctx context.Context, sessionID uuid.UUID) error {
	elements, err := o.store.ListMediaElementsBySession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("list session elements: %w", err)
	}
	var result error
	for i := range elements {
		if elements[i].Kind != models.ElementViewer || elements[i].IsConnected {
			continue
		}
		result = multierr.Append(result, o.ConnectToPublisher(ctx, sessionID, elements[i].ID))
	}
	return result
}

func (o *Orchestrator) findPublisher(ctx context.Context, sessionID uuid.UUID) (*models.MediaElement, error) {
	elements, err := o.store.ListMediaElementsBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list session elements: %w", err)
	}
	for i := range elements {
		if elements[i].Kind == models.ElementPublisher {
			return &elements[i], nil
		}
	}
	return nil, errs.New(errs.CodeNotFound, "session has no publisher")
}

// SetVideoEnabled toggles video on an endpoint and broadcasts the change to
// the session.
func (o *Orchestrator) SetVideoEnabled(ctx context.Context, sessionID, elementID uuid.UUID, enabled bool) error {
	mu := o.sessionLock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	el, err := o.store.GetMediaElement(ctx, elementID)
	if err != nil {
		return fmt.Errorf("load element: %w", err)
	}
	if el == nil || el.SessionID != sessionID {
		return errs.ErrNotFound
	}
	if el.IsVideoEnabled == enabled {
		return nil
	}

	handle, err := o.server.Resolve(ctx, el.ExternalID)
	if err != nil {
		return errs.Wrap(errs.CodeMediaServer, "resolve element", err)
	}
	if err := o.server.SetVideoEnabled(ctx, handle, enabled); err != nil {
		return errs.Wrap(errs.CodeMediaServer, "set video enabled", err)
	}
	if err := o.store.SetElementVideoEnabled(ctx, el.ID, enabled); err != nil {
		return fmt.Errorf("persist video flag: %w", err)
	}
	o.events.Publish(sessionID, live.EventVideoEnabledChanged, map[string]interface{}{
		"element_id":       el.ID,
		"owner":            el.OwnerParticipantID,
		"is_video_enabled": enabled,
	})
	return nil
}

// EnableVideo enables video on an endpoint.
func (o *Orchestrator) EnableVideo(ctx context.Context, sessionID, elementID uuid.UUID) error {
	return o.SetVideoEnabled(ctx, sessionID, elementID, true)
}

// DisableVideo disables video on an endpoint.
func (o *Orchestrator) DisableVideo(ctx context.Context, sessionID, elementID uuid.UUID) error {
	return o.SetVideoEnabled(ctx, sessionID, elementID, false)
}

// FindByOwner returns the participant's endpoint of the given kind, or nil.
func (o *Orchestrator) FindByOwner(ctx context.Context, participantID string, kind models.ElementKind) (*models.MediaElement, error) {
	elements, err := o.store.ListMediaElementsByOwner(ctx, participantID)
	if err != nil {
		return nil, fmt.Errorf("list owned elements: %w", err)
	}
	for i := range elements {
		if elements[i].Kind == kind {
			return &elements[i], nil
		}
	}
	return nil, nil
}

// FindAllByOwner returns every endpoint owned by the participant.
func (o *Orchestrator) FindAllByOwner(ctx context.Context, participantID string) ([]models.MediaElement, error) {
	return o.store.ListMediaElementsByOwner(ctx, participantID)
}

// ReleaseOwned tears down every endpoint owned by a participant, typically
// on disconnect. Stale handles are treated as already released.
func (o *Orchestrator) ReleaseOwned(ctx context.Context, sessionID uuid.UUID, participantID string) error {
	mu := o.sessionLock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	elements, err := o.store.ListMediaElementsByOwner(ctx, participantID)
	if err != nil {
		return fmt.Errorf("list owned elements: %w", err)
	}
	var result error
	for i := range elements {
		result = multierr.Append(result, o.releaseElement(ctx, &elements[i]))
	}
	return result
}

// ReleaseSession tears down every element of a session, pipeline included,
// and clears the pipeline claim. Called when the session finishes. Tolerant
// of partial state: stale handles are dropped, and each element failure is
// collected rather than aborting the sweep.
func (o *Orchestrator) ReleaseSession(ctx context.Context, sessionID uuid.UUID) error {
	mu := o.sessionLock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	elements, err := o.store.ListMediaElementsBySession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("list session elements: %w", err)
	}

	var result error
	// Endpoints first, pipeline last: releasing the routing context while
	// endpoints still reference it is the failure mode we saw most.
	for i := range elements {
		if elements[i].Kind != models.ElementPipeline {
			result = multierr.Append(result, o.releaseElement(ctx, &elements[i]))
		}
	}
	for i := range elements {
		if elements[i].Kind == models.ElementPipeline {
			result = multierr.Append(result, o.releaseElement(ctx, &elements[i]))
		}
	}
	if err := o.store.ClearPipeline(ctx, sessionID); err != nil {
		result = multierr.Append(result, fmt.Errorf("clear pipeline claim: %w", err))
	}
	o.group.Forget("pipeline:" + sessionID.String())
	o.dropSessionLock(sessionID)
	return result
}

// ReleaseAll sweeps every tracked element across sessions. Run at startup so
// records orphaned by a crash are reconciled with the media server; handles
// that no longer resolve are simply dropped. Running it twice is a no-op.
func (o *Orchestrator) ReleaseAll(ctx context.Context) error {
	elements, err := o.store.ListAllMediaElements(ctx)
	if err != nil {
		return fmt.Errorf("list all elements: %w", err)
	}
	sessions := make(map[uuid.UUID]struct{})
	var result error
	for i := range elements {
		sessions[elements[i].SessionID] = struct{}{}
		result = multierr.Append(result, o.releaseElement(ctx, &elements[i]))
	}
	for sessionID := range sessions {
		if err := o.store.ClearPipeline(ctx, sessionID); err != nil {
			result = multierr.Append(result, fmt.Errorf("clear pipeline claim: %w", err))
		}
	}
	if len(elements) > 0 {
		o.logger.Info("media recovery sweep completed",
			zap.Int("elements", len(elements)),
			zap.Int("sessions", len(sessions)))
	}
	return result
}

// releaseElement frees the server resource and removes the record. A stale
// handle means the server already lost it; the record is still removed.
func (o *Orchestrator) releaseElement(ctx context.Context, el *models.MediaElement) error {
	handle, err := o.server.Resolve(ctx, el.ExternalID)
	switch {
	case err == nil:
		if err := o.server.Release(ctx, handle); err != nil && errs.CodeOf(err) != errs.CodeStaleHandle {
			return errs.Wrap(errs.CodeMediaServer, "release "+string(el.Kind), err)
		}
	case errs.CodeOf(err) == errs.CodeStaleHandle:
		o.logger.Debug("dropping stale element record",
			zap.String("element_id", el.ID.String()),
			zap.String("external_id", el.ExternalID))
	default:
		return errs.Wrap(errs.CodeMediaServer, "resolve "+string(el.Kind), err)
	}
	if err := o.store.DeleteMediaElement(ctx, el.ID); err != nil {
		return fmt.Errorf("delete element record: %w", err)
	}
	o.metrics.ElementReleased(string(el.Kind))
	return nil
}
