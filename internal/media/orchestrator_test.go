package media

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/courseloop/backend/internal/errs"
	"github.com/courseloop/backend/internal/live"
	"github.com/courseloop/backend/internal/models"
)

type fakeServer struct {
	mu      sync.Mutex
	handles map[string]models.ElementKind

	pipelineCalls int32
	connectCalls  int32
	createDelay   time.Duration
}

type fakeHandle string

func (h fakeHandle) ID() string { return string(h) }

func newFakeServer() *fakeServer {
	return &fakeServer{handles: make(map[string]models.ElementKind)}
}

func (f *fakeServer) CreatePipeline(_ context.Context, name string) (Handle, error) {
	atomic.AddInt32(&f.pipelineCalls, 1)
	if f.createDelay > 0 {
		time.Sleep(f.createDelay)
	}
	id := fmt.Sprintf("%s#%d", name, atomic.LoadInt32(&f.pipelineCalls))
	f.mu.Lock()
	f.handles[id] = models.ElementPipeline
	f.mu.Unlock()
	return fakeHandle(id), nil
}

func (f *fakeServer) CreateEndpoint(_ context.Context, pipeline Handle, kind models.ElementKind) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.handles[pipeline.ID()]; !ok {
		return nil, errs.ErrStaleHandle
	}
	id := fmt.Sprintf("%s:%s", kind, uuid.NewString())
	f.handles[id] = kind
	return fakeHandle(id), nil
}

func (f *fakeServer) Connect(_ context.Context, viewer, publisher Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.handles[viewer.ID()]; !ok {
		return errs.ErrStaleHandle
	}
	if _, ok := f.handles[publisher.ID()]; !ok {
		return errs.ErrStaleHandle
	}
	atomic.AddInt32(&f.connectCalls, 1)
	return nil
}

func (f *fakeServer) SetVideoEnabled(_ context.Context, h Handle, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.handles[h.ID()]; !ok {
		return errs.ErrStaleHandle
	}
	return nil
}

func (f *fakeServer) Release(_ context.Context, h Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.handles[h.ID()]; !ok {
		return errs.ErrStaleHandle
	}
	delete(f.handles, h.ID())
	return nil
}

func (f *fakeServer) Resolve(_ context.Context, externalID string) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.handles[externalID]; !ok {
		return nil, errs.ErrStaleHandle
	}
	return fakeHandle(externalID), nil
}

func (f *fakeServer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handles)
}

// forget drops a handle without releasing it, simulating a media server
// restart that loses state.
func (f *fakeServer) forget(externalID string) {
	f.mu.Lock()
	delete(f.handles, externalID)
	f.mu.Unlock()
}

type nopPublisher struct{}

func (nopPublisher) Publish(uuid.UUID, string, interface{}) {}

func newTestOrchestrator(server Server) (*Orchestrator, *live.MemoryStore) {
	store := live.NewMemoryStore()
	return NewOrchestrator(store, server, nopPublisher{}, nil, "node-1", nil), store
}

func TestGetOrCreatePipelineConcurrent(t *testing.T) {
	ctx := context.Background()
	server := newFakeServer()
	server.createDelay = 10 * time.Millisecond
	o, store := newTestOrchestrator(server)

	sessionID := uuid.New()
	if _, err := store.GetOrCreateLiveSession(ctx, sessionID); err != nil {
		t.Fatalf("seed live session: %v", err)
	}

	const callers = 16
	handles := make([]Handle, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := o.GetOrCreatePipeline(ctx, sessionID)
			if err != nil {
				t.Errorf("GetOrCreatePipeline() error = %v", err)
				return
			}
			handles[i] = h
		}(i)
	}
	wg.Wait()

	if calls := atomic.LoadInt32(&server.pipelineCalls); calls != 1 {
		t.Fatalf("CreatePipeline called %d times, want 1", calls)
	}
	for i := 1; i < callers; i++ {
		if handles[i] == nil || handles[i].ID() != handles[0].ID() {
			t.Fatalf("caller %d got handle %v, want %v", i, handles[i], handles[0])
		}
	}

	elements, err := store.ListMediaElementsBySession(ctx, sessionID)
	if err != nil {
		t.Fatalf("ListMediaElementsBySession() error = %v", err)
	}
	if len(elements) != 1 || elements[0].Kind != models.ElementPipeline {
		t.Fatalf("pipeline elements = %+v, want exactly one", elements)
	}
}

func TestGetOrCreatePipelineRecreatesAfterStale(t *testing.T) {
	ctx := context.Background()
	server := newFakeServer()
	o, store := newTestOrchestrator(server)

	sessionID := uuid.New()
	if _, err := store.GetOrCreateLiveSession(ctx, sessionID); err != nil {
		t.Fatalf("seed live session: %v", err)
	}

	first, err := o.GetOrCreatePipeline(ctx, sessionID)
	if err != nil {
		t.Fatalf("GetOrCreatePipeline() error = %v", err)
	}

	// Media server restart: the handle no longer resolves but the claim and
	// the element record survive.
	server.forget(first.ID())
	o.group.Forget("pipeline:" + sessionID.String())

	second, err := o.GetOrCreatePipeline(ctx, sessionID)
	if err != nil {
		t.Fatalf("GetOrCreatePipeline() after restart error = %v", err)
	}
	if second.ID() == first.ID() {
		t.Fatal("stale pipeline was not recreated")
	}

	elements, _ := store.ListMediaElementsBySession(ctx, sessionID)
	if len(elements) != 1 {
		t.Fatalf("pipeline elements after recreate = %d, want 1", len(elements))
	}
}

func TestCreateEndpointIdempotentPerOwner(t *testing.T) {
	ctx := context.Background()
	server := newFakeServer()
	o, store := newTestOrchestrator(server)

	sessionID := uuid.New()
	if _, err := store.GetOrCreateLiveSession(ctx, sessionID); err != nil {
		t.Fatalf("seed live session: %v", err)
	}

	first, err := o.CreateViewer(ctx, sessionID, "conn-1")
	if err != nil {
		t.Fatalf("CreateViewer() error = %v", err)
	}
	second, err := o.CreateViewer(ctx, sessionID, "conn-1")
	if err != nil {
		t.Fatalf("repeat CreateViewer() error = %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("repeated CreateViewer() made a new element: %s vs %s", first.ID, second.ID)
	}
}

func TestConnectToPublisherReentrant(t *testing.T) {
	ctx := context.Background()
	server := newFakeServer()
	o, store := newTestOrchestrator(server)

	sessionID := uuid.New()
	if _, err := store.GetOrCreateLiveSession(ctx, sessionID); err != nil {
		t.Fatalf("seed live session: %v", err)
	}
	if _, err := o.CreatePublisher(ctx, sessionID, "creator-conn"); err != nil {
		t.Fatalf("CreatePublisher() error = %v", err)
	}
	viewer, err := o.CreateViewer(ctx, sessionID, "viewer-conn")
	if err != nil {
		t.Fatalf("CreateViewer() error = %v", err)
	}

	if err := o.ConnectToPublisher(ctx, sessionID, viewer.ID); err != nil {
		t.Fatalf("ConnectToPublisher() error = %v", err)
	}
	// Retried signaling must not duplicate media flow.
	if err := o.ConnectToPublisher(ctx, sessionID, viewer.ID); err != nil {
		t.Fatalf("repeat ConnectToPublisher() error = %v", err)
	}
	if calls := atomic.LoadInt32(&server.connectCalls); calls != 1 {
		t.Fatalf("Connect called %d times, want 1", calls)
	}
}

func TestCreatePublisherSingletonPerSession(t *testing.T) {
	ctx := context.Background()
	server := newFakeServer()
	o, store := newTestOrchestrator(server)

	sessionID := uuid.New()
	if _, err := store.GetOrCreateLiveSession(ctx, sessionID); err != nil {
		t.Fatalf("seed live session: %v", err)
	}

	first, err := o.CreatePublisher(ctx, sessionID, "creator-phone")
	if err != nil {
		t.Fatalf("CreatePublisher() error = %v", err)
	}
	again, err := o.CreatePublisher(ctx, sessionID, "creator-phone")
	if err != nil {
		t.Fatalf("repeat CreatePublisher() error = %v", err)
	}
	if again.ID != first.ID {
		t.Fatalf("repeat CreatePublisher() element = %s, want %s", again.ID, first.ID)
	}

	// The creator's second device cannot take over the stream.
	if _, err := o.CreatePublisher(ctx, sessionID, "creator-laptop"); errs.CodeOf(err) != errs.CodeAlreadyPublished {
		t.Fatalf("second-device CreatePublisher() error code = %q, want %q", errs.CodeOf(err), errs.CodeAlreadyPublished)
	}

	elements, err := store.ListMediaElementsBySession(ctx, sessionID)
	if err != nil {
		t.Fatalf("ListMediaElementsBySession() error = %v", err)
	}
	publishers := 0
	for _, el := range elements {
		if el.Kind == models.ElementPublisher {
			publishers++
		}
	}
	if publishers != 1 {
		t.Fatalf("publisher elements = %d, want 1", publishers)
	}
}

func TestConnectPendingViewersSweepsEarlyJoiners(t *testing.T) {
	ctx := context.Background()
	server := newFakeServer()
	o, store := newTestOrchestrator(server)

	sessionID := uuid.New()
	if _, err := store.GetOrCreateLiveSession(ctx, sessionID); err != nil {
		t.Fatalf("seed live session: %v", err)
	}

	// Viewers join before any publisher exists.
	early1, err := o.CreateViewer(ctx, sessionID, "viewer-1")
	if err != nil {
		t.Fatalf("CreateViewer() error = %v", err)
	}
	if _, err := o.CreateViewer(ctx, sessionID, "viewer-2"); err != nil {
		t.Fatalf("CreateViewer() error = %v", err)
	}
	if _, err := o.CreatePublisher(ctx, sessionID, "creator-conn"); err != nil {
		t.Fatalf("CreatePublisher() error = %v", err)
	}
	// One of them already connected through the normal subscribe path.
	if err := o.ConnectToPublisher(ctx, sessionID, early1.ID); err != nil {
		t.Fatalf("ConnectToPublisher() error = %v", err)
	}

	if err := o.ConnectPendingViewers(ctx, sessionID); err != nil {
		t.Fatalf("ConnectPendingViewers() error = %v", err)
	}
	if calls := atomic.LoadInt32(&server.connectCalls); calls != 2 {
		t.Fatalf("Connect called %d times, want 2", calls)
	}
	elements, err := store.ListMediaElementsBySession(ctx, sessionID)
	if err != nil {
		t.Fatalf("ListMediaElementsBySession() error = %v", err)
	}
	for _, el := range elements {
		if el.Kind == models.ElementViewer && !el.IsConnected {
			t.Fatalf("viewer %s still unconnected after sweep", el.ID)
		}
	}
}

func TestReleaseOwnedIdempotent(t *testing.T) {
	ctx := context.Background()
	server := newFakeServer()
	o, store := newTestOrchestrator(server)

	sessionID := uuid.New()
	if _, err := store.GetOrCreateLiveSession(ctx, sessionID); err != nil {
		t.Fatalf("seed live session: %v", err)
	}
	if _, err := o.CreateViewer(ctx, sessionID, "conn-1"); err != nil {
		t.Fatalf("CreateViewer() error = %v", err)
	}

	// Duplicate disconnect events for the same connection.
	if err := o.ReleaseOwned(ctx, sessionID, "conn-1"); err != nil {
		t.Fatalf("ReleaseOwned() error = %v", err)
	}
	if err := o.ReleaseOwned(ctx, sessionID, "conn-1"); err != nil {
		t.Fatalf("duplicate ReleaseOwned() error = %v", err)
	}

	owned, _ := store.ListMediaElementsByOwner(ctx, "conn-1")
	if len(owned) != 0 {
		t.Fatalf("owned elements after release = %d, want 0", len(owned))
	}
}

func TestReleaseSessionClearsEverything(t *testing.T) {
	ctx := context.Background()
	server := newFakeServer()
	o, store := newTestOrchestrator(server)

	sessionID := uuid.New()
	if _, err := store.GetOrCreateLiveSession(ctx, sessionID); err != nil {
		t.Fatalf("seed live session: %v", err)
	}
	pub, err := o.CreatePublisher(ctx, sessionID, "creator-conn")
	if err != nil {
		t.Fatalf("CreatePublisher() error = %v", err)
	}
	if _, err := o.CreateViewer(ctx, sessionID, "viewer-conn"); err != nil {
		t.Fatalf("CreateViewer() error = %v", err)
	}

	// One handle went away behind our back; the sweep still clears the rest.
	server.forget(pub.ExternalID)

	if err := o.ReleaseSession(ctx, sessionID); err != nil {
		t.Fatalf("ReleaseSession() error = %v", err)
	}
	if err := o.ReleaseSession(ctx, sessionID); err != nil {
		t.Fatalf("repeat ReleaseSession() error = %v", err)
	}

	elements, _ := store.ListMediaElementsBySession(ctx, sessionID)
	if len(elements) != 0 {
		t.Fatalf("elements after ReleaseSession() = %d, want 0", len(elements))
	}
	if server.count() != 0 {
		t.Fatalf("server handles after ReleaseSession() = %d, want 0", server.count())
	}
	ls, _ := store.GetLiveSession(ctx, sessionID)
	if ls.PipelineElementID != nil {
		t.Fatal("pipeline claim not cleared by ReleaseSession()")
	}

	// The next pipeline request starts fresh.
	if _, err := o.GetOrCreatePipeline(ctx, sessionID); err != nil {
		t.Fatalf("GetOrCreatePipeline() after release error = %v", err)
	}
}

func TestReleaseAllRecoverySweep(t *testing.T) {
	ctx := context.Background()
	server := newFakeServer()
	o, store := newTestOrchestrator(server)

	a, b := uuid.New(), uuid.New()
	for _, id := range []uuid.UUID{a, b} {
		if _, err := store.GetOrCreateLiveSession(ctx, id); err != nil {
			t.Fatalf("seed live session: %v", err)
		}
		if _, err := o.CreatePublisher(ctx, id, "conn-"+id.String()); err != nil {
			t.Fatalf("CreatePublisher() error = %v", err)
		}
	}

	// Simulate a restart: every stored handle is now stale.
	elements, _ := store.ListAllMediaElements(ctx)
	for i := range elements {
		server.forget(elements[i].ExternalID)
	}

	if err := o.ReleaseAll(ctx); err != nil {
		t.Fatalf("ReleaseAll() error = %v", err)
	}
	if err := o.ReleaseAll(ctx); err != nil {
		t.Fatalf("second ReleaseAll() error = %v", err)
	}

	remaining, _ := store.ListAllMediaElements(ctx)
	if len(remaining) != 0 {
		t.Fatalf("elements after ReleaseAll() = %d, want 0", len(remaining))
	}
	for _, id := range []uuid.UUID{a, b} {
		ls, _ := store.GetLiveSession(ctx, id)
		if ls.PipelineElementID != nil {
			t.Fatalf("pipeline claim for %s not cleared", id)
		}
	}
}

func TestSetVideoEnabledBroadcasts(t *testing.T) {
	ctx := context.Background()
	server := newFakeServer()
	store := live.NewMemoryStore()

	var events []string
	pub := publishFunc(func(_ uuid.UUID, event string, _ interface{}) {
		events = append(events, event)
	})
	o := NewOrchestrator(store, server, pub, nil, "node-1", nil)

	sessionID := uuid.New()
	if _, err := store.GetOrCreateLiveSession(ctx, sessionID); err != nil {
		t.Fatalf("seed live session: %v", err)
	}
	el, err := o.CreatePublisher(ctx, sessionID, "creator-conn")
	if err != nil {
		t.Fatalf("CreatePublisher() error = %v", err)
	}

	if err := o.DisableVideo(ctx, sessionID, el.ID); err != nil {
		t.Fatalf("DisableVideo() error = %v", err)
	}
	// Already disabled: no call, no broadcast.
	if err := o.DisableVideo(ctx, sessionID, el.ID); err != nil {
		t.Fatalf("repeat DisableVideo() error = %v", err)
	}
	if err := o.EnableVideo(ctx, sessionID, el.ID); err != nil {
		t.Fatalf("EnableVideo() error = %v", err)
	}

	if len(events) != 2 {
		t.Fatalf("video broadcasts = %d, want 2", len(events))
	}
	got, _ := store.GetMediaElement(ctx, el.ID)
	if !got.IsVideoEnabled {
		t.Fatal("element video flag = false, want true after enable")
	}
}

type publishFunc func(sessionID uuid.UUID, event string, payload interface{})

func (fn publishFunc) Publish(sessionID uuid.UUID, event string, payload interface{}) {
	fn(sessionID, event, payload)
}
