package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/courseloop/backend/internal/models"
	"github.com/courseloop/backend/internal/stats"
	"github.com/courseloop/backend/pkg/queue"
)

type fakeSummaryStore struct {
	closedAt   *time.Time
	closeCalls int
	aggregates stats.WatchTimeAggregates
	summaries  []*models.SessionSummary
}

func (f *fakeSummaryStore) CloseOpenLogs(_ context.Context, _ uuid.UUID, at time.Time) error {
	f.closeCalls++
	f.closedAt = &at
	return nil
}

func (f *fakeSummaryStore) GetWatchTimeAggregates(_ context.Context, _ uuid.UUID) (*stats.WatchTimeAggregates, error) {
	agg := f.aggregates
	return &agg, nil
}

func (f *fakeSummaryStore) WriteSummary(_ context.Context, s *models.SessionSummary) error {
	f.summaries = append(f.summaries, s)
	return nil
}

func wrapUpJob(t *testing.T, payload queue.SessionWrapUpPayload) *queue.Job {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &queue.Job{
		ID:        uuid.NewString(),
		Type:      queue.JobTypeSessionWrapUp,
		Payload:   raw,
		CreatedAt: time.Now(),
	}
}

func TestProcessWritesSummary(t *testing.T) {
	ctx := context.Background()
	store := &fakeSummaryStore{
		aggregates: stats.WatchTimeAggregates{DistinctUsers: 4, TotalWatchSeconds: 7200},
	}
	p := NewWrapUpProcessor(store, nil, nil)

	startedAt := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	finishedAt := startedAt.Add(45 * time.Minute)
	sessionID := uuid.New()

	job := wrapUpJob(t, queue.SessionWrapUpPayload{
		SessionID:        sessionID,
		FinishReason:     models.FinishReasonFinished,
		ParticipantCount: 5,
		StartedAt:        &startedAt,
		FinishedAt:       finishedAt,
	})
	if err := p.Process(ctx, job); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	if store.closeCalls != 1 || store.closedAt == nil || !store.closedAt.Equal(finishedAt) {
		t.Fatalf("CloseOpenLogs calls = %d at %v, want 1 at %v", store.closeCalls, store.closedAt, finishedAt)
	}
	if len(store.summaries) != 1 {
		t.Fatalf("summaries written = %d, want 1", len(store.summaries))
	}
	s := store.summaries[0]
	if s.SessionID != sessionID || s.FinishReason != models.FinishReasonFinished {
		t.Fatalf("summary = %+v", s)
	}
	if s.ParticipantCount != 5 || s.DistinctViewers != 4 || s.TotalWatchSeconds != 7200 {
		t.Fatalf("summary counts = %+v", s)
	}
	if want := int64(45 * 60); s.DurationSeconds != want {
		t.Fatalf("DurationSeconds = %d, want %d", s.DurationSeconds, want)
	}
}

func TestProcessWithoutStartTimeSkipsDuration(t *testing.T) {
	ctx := context.Background()
	store := &fakeSummaryStore{}
	p := NewWrapUpProcessor(store, nil, nil)

	// A session finished before it ever started carries no StartedAt.
	job := wrapUpJob(t, queue.SessionWrapUpPayload{
		SessionID:    uuid.New(),
		FinishReason: models.FinishReasonCreatorDisabled,
		FinishedAt:   time.Now().UTC(),
	})
	if err := p.Process(ctx, job); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if len(store.summaries) != 1 {
		t.Fatalf("summaries written = %d, want 1", len(store.summaries))
	}
	if got := store.summaries[0].DurationSeconds; got != 0 {
		t.Fatalf("DurationSeconds = %d, want 0", got)
	}
}

func TestProcessRejectsUnknownJobType(t *testing.T) {
	p := NewWrapUpProcessor(&fakeSummaryStore{}, nil, nil)
	job := &queue.Job{ID: uuid.NewString(), Type: "email_digest", Payload: []byte(`{}`)}
	if err := p.Process(context.Background(), job); err == nil {
		t.Fatal("Process() with unknown job type: want error, got nil")
	}
}
