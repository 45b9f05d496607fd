package live

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/courseloop/backend/internal/errs"
	"github.com/courseloop/backend/internal/models"
)

type fakeCatalog struct {
	sessions map[uuid.UUID]*models.SessionDetail
	subs     map[string]bool // courseID|userID
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		sessions: make(map[uuid.UUID]*models.SessionDetail),
		subs:     make(map[string]bool),
	}
}

func (f *fakeCatalog) SessionWithCreator(_ context.Context, sessionID uuid.UUID) (*models.SessionDetail, error) {
	return f.sessions[sessionID], nil
}

func (f *fakeCatalog) IsSubscriber(_ context.Context, courseID, userID uuid.UUID) (bool, error) {
	return f.subs[courseID.String()+"|"+userID.String()], nil
}

func (f *fakeCatalog) subscribe(courseID, userID uuid.UUID) {
	f.subs[courseID.String()+"|"+userID.String()] = true
}

type publishedEvent struct {
	SessionID uuid.UUID
	Event     string
	Payload   interface{}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *recordingPublisher) Publish(sessionID uuid.UUID, event string, payload interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{sessionID, event, payload})
}

func (p *recordingPublisher) byType(event string) []publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []publishedEvent
	for _, e := range p.events {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	svc      *Service
	store    *MemoryStore
	catalog  *fakeCatalog
	events   *recordingPublisher
	creator  uuid.UUID
	learner  uuid.UUID
	session  uuid.UUID
	course   uuid.UUID
	startAt  time.Time
	duration time.Duration
}

const testAdmissionWindow = 5 * time.Minute

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := NewMemoryStore()
	catalog := newFakeCatalog()
	events := &recordingPublisher{}
	registry := NewRegistry(store, nil)
	svc := NewService(store, catalog, registry, events, testAdmissionWindow, nil)

	f := &fixture{
		svc:      svc,
		store:    store,
		catalog:  catalog,
		events:   events,
		creator:  uuid.New(),
		learner:  uuid.New(),
		session:  uuid.New(),
		course:   uuid.New(),
		startAt:  time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC),
		duration: 60 * time.Minute,
	}
	catalog.sessions[f.session] = &models.SessionDetail{
		ScheduledSession: models.ScheduledSession{
			ID:              f.session,
			CourseID:        f.course,
			CreatorID:       f.creator,
			Title:           "Intro to Distributed Systems",
			StartAt:         f.startAt,
			DurationMinutes: int(f.duration.Minutes()),
		},
	}
	catalog.subscribe(f.course, f.learner)
	return f
}

func (f *fixture) at(offset time.Duration) {
	now := f.startAt.Add(offset)
	f.svc.SetClock(func() time.Time { return now })
}

func TestCanJoinAdmissionWindow(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name     string
		offset   time.Duration
		wantCode errs.Code
	}{
		{"one second before window opens", -testAdmissionWindow - time.Second, errs.CodeNotYetOpen},
		{"exactly at window open", -testAdmissionWindow, ""},
		{"at scheduled start", 0, ""},
		{"mid session", 30 * time.Minute, ""},
		{"one second past end", 60*time.Minute + time.Second, errs.CodeExpired},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.at(tc.offset)
			_, err := f.svc.CanJoin(ctx, f.learner, f.session)
			if tc.wantCode == "" {
				if err != nil {
					t.Fatalf("CanJoin() error = %v, want nil", err)
				}
				return
			}
			if errs.CodeOf(err) != tc.wantCode {
				t.Fatalf("CanJoin() error code = %q, want %q", errs.CodeOf(err), tc.wantCode)
			}
		})
	}
}

func TestCanJoinAuthorization(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.at(0)

	stranger := uuid.New()
	if _, err := f.svc.CanJoin(ctx, stranger, f.session); errs.CodeOf(err) != errs.CodeForbidden {
		t.Fatalf("non-subscriber CanJoin() error code = %q, want %q", errs.CodeOf(err), errs.CodeForbidden)
	}
	if _, err := f.svc.CanJoin(ctx, f.learner, uuid.New()); errs.CodeOf(err) != errs.CodeNotFound {
		t.Fatalf("unknown session CanJoin() error code = %q, want %q", errs.CodeOf(err), errs.CodeNotFound)
	}

	res, err := f.svc.CanJoin(ctx, f.creator, f.session)
	if err != nil {
		t.Fatalf("creator CanJoin() error = %v", err)
	}
	if !res.IsCreator {
		t.Fatal("creator CanJoin() IsCreator = false, want true")
	}

	f.catalog.sessions[f.session].CreatorDisabled = true
	if _, err := f.svc.CanJoin(ctx, f.learner, f.session); errs.CodeOf(err) != errs.CodeUnavailable {
		t.Fatalf("disabled-creator CanJoin() error code = %q, want %q", errs.CodeOf(err), errs.CodeUnavailable)
	}
}

func TestCanJoinDisabledCreatorFinishesRunningSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.at(time.Minute)

	if err := f.svc.Start(ctx, f.creator, f.session); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	f.catalog.sessions[f.session].CreatorDisabled = true

	if _, err := f.svc.CanJoin(ctx, f.learner, f.session); errs.CodeOf(err) != errs.CodeUnavailable {
		t.Fatalf("disabled-creator CanJoin() error code = %q, want %q", errs.CodeOf(err), errs.CodeUnavailable)
	}
	ls, err := f.store.GetLiveSession(ctx, f.session)
	if err != nil || ls == nil {
		t.Fatalf("GetLiveSession() = %v, %v", ls, err)
	}
	if ls.Status != models.LiveStatusFinished {
		t.Fatalf("status = %q, want %q", ls.Status, models.LiveStatusFinished)
	}
	if ls.FinishReason != models.FinishReasonCreatorDisabled {
		t.Fatalf("finish reason = %q, want %q", ls.FinishReason, models.FinishReasonCreatorDisabled)
	}
}

func TestFinishIfStartedSkipsNotStarted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.at(-2 * time.Minute) // inside the admission window

	// Creator joins, then the connection drops before start.
	if _, err := f.svc.Join(ctx, f.creator, "creator-conn", f.session); err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	if err := f.svc.FinishIfStarted(ctx, f.session, models.FinishReasonCreatorDisconnected); err != nil {
		t.Fatalf("FinishIfStarted() error = %v", err)
	}

	ls, err := f.store.GetLiveSession(ctx, f.session)
	if err != nil || ls == nil {
		t.Fatalf("GetLiveSession() = %v, %v", ls, err)
	}
	if ls.Status != models.LiveStatusNotStarted {
		t.Fatalf("status after pre-start drop = %q, want %q", ls.Status, models.LiveStatusNotStarted)
	}
	if got := len(f.events.byType(EventStatusChanged)); got != 0 {
		t.Fatalf("status_changed broadcasts = %d, want 0", got)
	}
	// The scheduled broadcast is still joinable.
	if _, err := f.svc.CanJoin(ctx, f.creator, f.session); err != nil {
		t.Fatalf("CanJoin() after pre-start drop error = %v", err)
	}

	// Mid-broadcast the same path is terminal.
	f.at(time.Minute)
	if err := f.svc.Start(ctx, f.creator, f.session); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := f.svc.FinishIfStarted(ctx, f.session, models.FinishReasonCreatorDisconnected); err != nil {
		t.Fatalf("FinishIfStarted() error = %v", err)
	}
	ls, _ = f.store.GetLiveSession(ctx, f.session)
	if ls.Status != models.LiveStatusFinished || ls.FinishReason != models.FinishReasonCreatorDisconnected {
		t.Fatalf("after mid-broadcast drop: status = %q, reason = %q", ls.Status, ls.FinishReason)
	}
}

type gaugeRecorder struct {
	started  int
	finished int
}

func (g *gaugeRecorder) SessionStarted()  { g.started++ }
func (g *gaugeRecorder) SessionFinished() { g.finished++ }

func TestStatusMetricsFollowTransitions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	rec := &gaugeRecorder{}
	f.svc.SetStatusMetrics(rec)
	f.at(time.Minute)

	if err := f.svc.Start(ctx, f.creator, f.session); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := f.svc.Start(ctx, f.creator, f.session); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	if rec.started != 1 {
		t.Fatalf("SessionStarted calls = %d, want 1", rec.started)
	}

	// Disconnect-driven finish moves the gauge like an explicit one, once.
	if err := f.svc.ForceFinish(ctx, f.session, models.FinishReasonCreatorDisconnected); err != nil {
		t.Fatalf("ForceFinish() error = %v", err)
	}
	if err := f.svc.ForceFinish(ctx, f.session, models.FinishReasonCreatorDisconnected); err != nil {
		t.Fatalf("repeat ForceFinish() error = %v", err)
	}
	if rec.finished != 1 {
		t.Fatalf("SessionFinished calls = %d, want 1", rec.finished)
	}
}

func TestStatusMetricsSkipNeverStartedFinish(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	rec := &gaugeRecorder{}
	f.svc.SetStatusMetrics(rec)
	f.at(0)

	if _, err := f.svc.CanJoin(ctx, f.creator, f.session); err != nil {
		t.Fatalf("CanJoin() error = %v", err)
	}
	if err := f.svc.ForceFinish(ctx, f.session, models.FinishReasonCreatorDisabled); err != nil {
		t.Fatalf("ForceFinish() error = %v", err)
	}
	if rec.finished != 0 {
		t.Fatalf("SessionFinished calls for never-started session = %d, want 0", rec.finished)
	}
}

func TestStartTransitions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.at(-time.Minute)
	if err := f.svc.Start(ctx, f.creator, f.session); errs.CodeOf(err) != errs.CodeTooEarly {
		t.Fatalf("early Start() error code = %q, want %q", errs.CodeOf(err), errs.CodeTooEarly)
	}

	f.at(time.Minute)
	if err := f.svc.Start(ctx, f.learner, f.session); errs.CodeOf(err) != errs.CodeNotFound {
		t.Fatalf("non-creator Start() error code = %q, want %q", errs.CodeOf(err), errs.CodeNotFound)
	}

	if err := f.svc.Start(ctx, f.creator, f.session); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	ls, err := f.store.GetLiveSession(ctx, f.session)
	if err != nil || ls == nil {
		t.Fatalf("GetLiveSession() = %v, %v", ls, err)
	}
	if ls.Status != models.LiveStatusStarted {
		t.Fatalf("status after Start() = %q, want %q", ls.Status, models.LiveStatusStarted)
	}

	// Starting again is a no-op and emits no second broadcast.
	if err := f.svc.Start(ctx, f.creator, f.session); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	if got := len(f.events.byType(EventStatusChanged)); got != 1 {
		t.Fatalf("status_changed broadcasts after double Start() = %d, want 1", got)
	}
}

func TestFinishIsIdempotentAndMonotonic(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.at(time.Minute)

	if err := f.svc.Start(ctx, f.creator, f.session); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := f.svc.Join(ctx, f.learner, "conn-1", f.session); err != nil {
		t.Fatalf("Join() error = %v", err)
	}

	if err := f.svc.Finish(ctx, f.creator, f.session); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	// Duplicate finish, e.g. an explicit finish racing a disconnect sweep.
	if err := f.svc.Finish(ctx, f.creator, f.session); err != nil {
		t.Fatalf("duplicate Finish() error = %v", err)
	}
	if err := f.svc.ForceFinish(ctx, f.session, models.FinishReasonCreatorDisconnected); err != nil {
		t.Fatalf("ForceFinish() after finish error = %v", err)
	}

	ls, _ := f.store.GetLiveSession(ctx, f.session)
	if ls.Status != models.LiveStatusFinished {
		t.Fatalf("status = %q, want %q", ls.Status, models.LiveStatusFinished)
	}
	if ls.FinishReason != models.FinishReasonFinished {
		t.Fatalf("finish reason overwritten to %q, want %q", ls.FinishReason, models.FinishReasonFinished)
	}

	// Exactly one terminal broadcast plus the start broadcast.
	if got := len(f.events.byType(EventStatusChanged)); got != 2 {
		t.Fatalf("status_changed broadcasts = %d, want 2", got)
	}

	// Finished is terminal: no transition back to started.
	changed, err := f.store.TransitionStatus(ctx, f.session, models.LiveStatusNotStarted, models.LiveStatusStarted)
	if err != nil {
		t.Fatalf("TransitionStatus() error = %v", err)
	}
	if changed {
		t.Fatal("TransitionStatus() revived a finished session")
	}
}

func TestJoinFinishedReturnsTerminalSnapshot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.at(time.Minute)

	if err := f.svc.Start(ctx, f.creator, f.session); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	for _, conn := range []string{"conn-a", "conn-b", "conn-c"} {
		if _, err := f.svc.Join(ctx, uuidForConn(f, conn), conn, f.session); err != nil {
			t.Fatalf("Join(%s) error = %v", conn, err)
		}
	}
	if err := f.svc.ForceFinish(ctx, f.session, models.FinishReasonCreatorDisconnected); err != nil {
		t.Fatalf("ForceFinish() error = %v", err)
	}

	res, err := f.svc.Join(ctx, f.learner, "late-conn", f.session)
	if err != nil {
		t.Fatalf("Join() after finish error = %v", err)
	}
	if !res.Terminal {
		t.Fatal("Join() after finish Terminal = false, want true")
	}
	if res.Participant != nil {
		t.Fatal("Join() after finish registered a participant")
	}
	if res.Snapshot.Status != models.LiveStatusFinished {
		t.Fatalf("snapshot status = %q, want finished", res.Snapshot.Status)
	}
	if res.Snapshot.FinishReason != models.FinishReasonCreatorDisconnected {
		t.Fatalf("snapshot reason = %q, want %q", res.Snapshot.FinishReason, models.FinishReasonCreatorDisconnected)
	}
	if res.Snapshot.ParticipantCount != 3 {
		t.Fatalf("snapshot participant count = %d, want 3", res.Snapshot.ParticipantCount)
	}
}

// uuidForConn subscribes a fresh learner per connection so joins authorize.
func uuidForConn(f *fixture, _ string) uuid.UUID {
	id := uuid.New()
	f.catalog.subscribe(f.course, id)
	return id
}

func TestLeaveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.at(0)

	if _, err := f.svc.Join(ctx, f.learner, "conn-1", f.session); err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	if err := f.svc.Leave(ctx, "conn-1"); err != nil {
		t.Fatalf("Leave() error = %v", err)
	}
	if err := f.svc.Leave(ctx, "conn-1"); err != nil {
		t.Fatalf("second Leave() error = %v", err)
	}
	if err := f.svc.Leave(ctx, "never-joined"); err != nil {
		t.Fatalf("Leave() unknown connection error = %v", err)
	}
	if got := len(f.events.byType(EventParticipantLeft)); got != 1 {
		t.Fatalf("participant_left broadcasts = %d, want 1", got)
	}
}

func TestForceFinishReleasesMedia(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.at(time.Minute)

	released := make(map[uuid.UUID]int)
	f.svc.SetMediaReleaser(mediaReleaserFunc(func(_ context.Context, id uuid.UUID) error {
		released[id]++
		return nil
	}))

	if err := f.svc.Start(ctx, f.creator, f.session); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := f.svc.ForceFinish(ctx, f.session, models.FinishReasonFinished); err != nil {
		t.Fatalf("ForceFinish() error = %v", err)
	}
	if err := f.svc.ForceFinish(ctx, f.session, models.FinishReasonFinished); err != nil {
		t.Fatalf("second ForceFinish() error = %v", err)
	}
	if released[f.session] != 1 {
		t.Fatalf("media released %d times, want 1", released[f.session])
	}
}

type mediaReleaserFunc func(ctx context.Context, sessionID uuid.UUID) error

func (fn mediaReleaserFunc) ReleaseSession(ctx context.Context, sessionID uuid.UUID) error {
	return fn(ctx, sessionID)
}
