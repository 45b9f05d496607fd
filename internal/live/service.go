package live

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/courseloop/backend/internal/errs"
	"github.com/courseloop/backend/internal/models"
	"github.com/courseloop/backend/pkg/queue"
)

// CatalogReader supplies the session/course/creator lookups admission
// checks consume from course management.
type CatalogReader interface {
	SessionWithCreator(ctx context.Context, sessionID uuid.UUID) (*models.SessionDetail, error)
	IsSubscriber(ctx context.Context, courseID, userID uuid.UUID) (bool, error)
}

// MediaReleaser tears down every media element of a session. Implemented by
// the media orchestrator; release runs before the finish broadcast so no
// external handle outlives the session.
type MediaReleaser interface {
	ReleaseSession(ctx context.Context, sessionID uuid.UUID) error
}

// AttendanceLogger records join/leave times for wrap-up aggregation.
// Optional; a nil logger disables attendance tracking.
type AttendanceLogger interface {
	LogJoin(ctx context.Context, sessionID, userID uuid.UUID) error
	LogLeave(ctx context.Context, sessionID, userID uuid.UUID) error
}

// WrapUpEnqueuer hands the terminal snapshot to the background worker.
type WrapUpEnqueuer interface {
	EnqueueSessionWrapUp(ctx context.Context, payload queue.SessionWrapUpPayload) error
}

// StatusMetrics receives the started/finished gauge transitions. Accounting
// lives next to the actual state change, so disconnect- and disabled-driven
// finishes move the gauge the same way an explicit finish does.
type StatusMetrics interface {
	SessionStarted()
	SessionFinished()
}

// Snapshot is the session state returned on join and broadcast on finish.
// For a finished session it is the terminal snapshot: final participant
// count, duration, and reason.
type Snapshot struct {
	SessionID        uuid.UUID         `json:"session_id"`
	CourseID         uuid.UUID         `json:"course_id"`
	Title            string            `json:"title"`
	StartAt          time.Time         `json:"start_at"`
	DurationMinutes  int               `json:"duration_minutes"`
	Status           models.LiveStatus `json:"status"`
	ParticipantCount int               `json:"participant_count"`
	FinishReason     string            `json:"finish_reason,omitempty"`
	StartedAt        *time.Time        `json:"started_at,omitempty"`
	FinishedAt       *time.Time        `json:"finished_at,omitempty"`
}

// JoinResult is the outcome of a successful or terminal admission check.
type JoinResult struct {
	ServerTime  time.Time           `json:"server_time"`
	Snapshot    Snapshot            `json:"snapshot"`
	IsCreator   bool                `json:"is_creator"`
	Terminal    bool                `json:"terminal"` // session already finished; snapshot only
	Participant *models.Participant `json:"participant,omitempty"`
}

// Service is the authoritative run-time state machine for live sessions.
type Service struct {
	store           Store
	catalog         CatalogReader
	registry        *Registry
	events          EventPublisher
	media           MediaReleaser
	attendance      AttendanceLogger
	wrapups         WrapUpEnqueuer
	metrics         StatusMetrics
	admissionWindow time.Duration
	now             func() time.Time
	logger          *zap.Logger
}

// NewService creates the live-session state machine. events is required;
// media, attendance and wrapups are optional collaborators.
func NewService(store Store, catalog CatalogReader, registry *Registry, events EventPublisher, admissionWindow time.Duration, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:           store,
		catalog:         catalog,
		registry:        registry,
		events:          events,
		admissionWindow: admissionWindow,
		now:             time.Now,
		logger:          logger,
	}
}

// SetMediaReleaser wires the media orchestrator in after construction (the
// orchestrator depends on this package's store types).
func (s *Service) SetMediaReleaser(m MediaReleaser) { s.media = m }

// SetAttendanceLogger wires attendance tracking.
func (s *Service) SetAttendanceLogger(a AttendanceLogger) { s.attendance = a }

// SetWrapUpEnqueuer wires the background wrap-up queue.
func (s *Service) SetWrapUpEnqueuer(w WrapUpEnqueuer) { s.wrapups = w }

// SetStatusMetrics wires the session gauge.
func (s *Service) SetStatusMetrics(m StatusMetrics) { s.metrics = m }

// SetClock overrides the clock, for tests.
func (s *Service) SetClock(nowFn func() time.Time) { s.now = nowFn }

// Registry exposes the participant registry.
func (s *Service) Registry() *Registry { return s.registry }

func (s *Service) snapshot(detail *models.SessionDetail, ls *models.LiveSession, count int) Snapshot {
	return Snapshot{
		SessionID:        detail.ID,
		CourseID:         detail.CourseID,
		Title:            detail.Title,
		StartAt:          detail.StartAt,
		DurationMinutes:  detail.DurationMinutes,
		Status:           ls.Status,
		ParticipantCount: count,
		FinishReason:     ls.FinishReason,
		StartedAt:        ls.StartedAt,
		FinishedAt:       ls.FinishedAt,
	}
}

// CanJoin validates the admission window and authorization for a join. For
// a finished session it returns the terminal snapshot with Terminal set
// instead of an error. The live session record is created lazily here,
// keyed uniquely by session ID.
func (s *Service) CanJoin(ctx context.Context, userID, sessionID uuid.UUID) (*JoinResult, error) {
	detail, err := s.catalog.SessionWithCreator(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if detail == nil {
		return nil, errs.ErrNotFound
	}

	isCreator := detail.CreatorID == userID
	if !isCreator {
		subscribed, err := s.catalog.IsSubscriber(ctx, detail.CourseID, userID)
		if err != nil {
			return nil, fmt.Errorf("check subscription: %w", err)
		}
		if !subscribed {
			return nil, errs.ErrForbidden
		}
	}
	if detail.CreatorDisabled {
		// A running session of a disabled creator is wound down on the
		// next join probe rather than at the moment of the admin action.
		if ferr := s.FinishIfStarted(ctx, sessionID, models.FinishReasonCreatorDisabled); ferr != nil {
			s.logger.Warn("force finish for disabled creator",
				zap.String("session_id", sessionID.String()), zap.Error(ferr))
		}
		return nil, errs.ErrUnavailable
	}

	ls, err := s.store.GetOrCreateLiveSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get or create live session: %w", err)
	}

	now := s.now()
	if ls.Status == models.LiveStatusFinished {
		return &JoinResult{
			ServerTime: now,
			Snapshot:   s.snapshot(detail, ls, ls.FinalParticipantCount),
			IsCreator:  isCreator,
			Terminal:   true,
		}, nil
	}
	if now.After(detail.EndAt()) {
		return nil, errs.ErrExpired
	}
	if now.Before(detail.StartAt.Add(-s.admissionWindow)) {
		return nil, errs.ErrNotYetOpen
	}

	count, err := s.store.CountParticipants(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("count participants: %w", err)
	}
	return &JoinResult{
		ServerTime: now,
		Snapshot:   s.snapshot(detail, ls, count),
		IsCreator:  isCreator,
	}, nil
}

// Join admits a connection into a live session: admission check, participant
// registration, attendance log, and a participant_joined broadcast. For a
// finished session it returns the terminal snapshot without registering.
func (s *Service) Join(ctx context.Context, userID uuid.UUID, connectionID string, sessionID uuid.UUID) (*JoinResult, error) {
	res, err := s.CanJoin(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if res.Terminal {
		return res, nil
	}

	p, err := s.registry.GetOrCreate(ctx, connectionID, userID, sessionID)
	if err != nil {
		return nil, err
	}
	res.Participant = p

	count, err := s.store.CountParticipants(ctx, sessionID)
	if err == nil {
		res.Snapshot.ParticipantCount = count
	}

	if s.attendance != nil {
		if err := s.attendance.LogJoin(ctx, sessionID, userID); err != nil {
			s.logger.Warn("attendance join log failed", zap.Error(err))
		}
	}
	s.events.Publish(sessionID, EventParticipantJoined, map[string]interface{}{
		"user_id":           userID,
		"connection_id":     connectionID,
		"participant_count": res.Snapshot.ParticipantCount,
	})
	return res, nil
}

// Leave removes a connection's participant, logs attendance, and broadcasts
// participant_left. Idempotent: an unknown connection is a no-op.
func (s *Service) Leave(ctx context.Context, connectionID string) error {
	p, err := s.registry.FindByConnection(ctx, connectionID)
	if err != nil {
		return err
	}
	if p == nil {
		return nil
	}
	remaining, err := s.registry.Leave(ctx, connectionID)
	if err != nil {
		return err
	}
	if s.attendance != nil {
		if err := s.attendance.LogLeave(ctx, p.SessionID, p.UserID); err != nil {
			s.logger.Warn("attendance leave log failed", zap.Error(err))
		}
	}
	s.events.Publish(p.SessionID, EventParticipantLeft, map[string]interface{}{
		"user_id":           p.UserID,
		"connection_id":     connectionID,
		"participant_count": len(remaining),
	})
	return nil
}

// checkCreator loads the session filtered on creator identity: a
// non-creator caller observes NotFound, like a filtered lookup would.
func (s *Service) checkCreator(ctx context.Context, userID, sessionID uuid.UUID) (*models.SessionDetail, *models.LiveSession, error) {
	detail, err := s.catalog.SessionWithCreator(ctx, sessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("load session: %w", err)
	}
	if detail == nil || detail.CreatorID != userID {
		return nil, nil, errs.ErrNotFound
	}
	ls, err := s.store.GetOrCreateLiveSession(ctx, sessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("get or create live session: %w", err)
	}
	if ls.Status == models.LiveStatusFinished {
		return nil, nil, errs.ErrAlreadyFinished
	}
	return detail, ls, nil
}

// CanStart checks that the caller may start the session now.
func (s *Service) CanStart(ctx context.Context, userID, sessionID uuid.UUID) error {
	detail, _, err := s.checkCreator(ctx, userID, sessionID)
	if err != nil {
		return err
	}
	if s.now().Before(detail.StartAt) {
		return errs.ErrTooEarly
	}
	return nil
}

// CanFinish checks that the caller may finish the session.
func (s *Service) CanFinish(ctx context.Context, userID, sessionID uuid.UUID) error {
	_, _, err := s.checkCreator(ctx, userID, sessionID)
	return err
}

// Start moves the session to started and broadcasts the new status.
// Idempotent: starting an already-started session succeeds without a second
// broadcast.
func (s *Service) Start(ctx context.Context, userID, sessionID uuid.UUID) error {
	if err := s.CanStart(ctx, userID, sessionID); err != nil {
		return err
	}
	changed, err := s.store.TransitionStatus(ctx, sessionID, models.LiveStatusNotStarted, models.LiveStatusStarted)
	if err != nil {
		return fmt.Errorf("transition to started: %w", err)
	}
	if changed {
		s.logger.Info("live session started", zap.String("session_id", sessionID.String()))
		if s.metrics != nil {
			s.metrics.SessionStarted()
		}
		s.events.Publish(sessionID, EventStatusChanged, map[string]interface{}{
			"status": models.LiveStatusStarted,
		})
	}
	return nil
}

// Finish moves the session to the terminal state on behalf of its creator.
func (s *Service) Finish(ctx context.Context, userID, sessionID uuid.UUID) error {
	if err := s.CanFinish(ctx, userID, sessionID); err != nil {
		if errs.CodeOf(err) == errs.CodeAlreadyFinished {
			// Terminal state is idempotent: a second finish is a no-op.
			return nil
		}
		return err
	}
	return s.ForceFinish(ctx, sessionID, models.FinishReasonFinished)
}

// FinishIfStarted force-finishes a session only when it is actually live.
// Used by the disconnect and disabled-creator paths: a creator dropping
// before start() must not push a not_started session into the terminal
// state, or a transient blip would make the scheduled broadcast unjoinable.
func (s *Service) FinishIfStarted(ctx context.Context, sessionID uuid.UUID, reason string) error {
	ls, err := s.store.GetLiveSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load live session: %w", err)
	}
	if ls == nil || ls.Status != models.LiveStatusStarted {
		return nil
	}
	return s.ForceFinish(ctx, sessionID, reason)
}

// ForceFinish transitions a session to finished regardless of caller:
// explicit finish, creator disconnect, or creator account disabled. Media
// elements are released before the terminal broadcast, and the transition
// itself is a conditional update, so duplicate delivery (a disconnect event
// firing twice) produces exactly one broadcast.
func (s *Service) ForceFinish(ctx context.Context, sessionID uuid.UUID, reason string) error {
	count, err := s.store.CountParticipants(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("count participants: %w", err)
	}
	finished, err := s.store.FinishSession(ctx, sessionID, reason, count)
	if err != nil {
		return fmt.Errorf("finish session: %w", err)
	}
	if !finished {
		return nil
	}

	if s.media != nil {
		if err := s.media.ReleaseSession(ctx, sessionID); err != nil {
			// Finish is already durable; leftover handles are caught by the
			// recovery sweep.
			s.logger.Warn("media release on finish failed", zap.String("session_id", sessionID.String()), zap.Error(err))
		}
	}

	ls, err := s.store.GetLiveSession(ctx, sessionID)
	if err != nil || ls == nil {
		s.logger.Warn("load finished session for broadcast failed", zap.Error(err))
		ls = &models.LiveSession{SessionID: sessionID, Status: models.LiveStatusFinished, FinishReason: reason, FinalParticipantCount: count}
	}
	// Only a session that was counted as started leaves the gauge.
	if s.metrics != nil && ls.StartedAt != nil {
		s.metrics.SessionFinished()
	}

	payload := map[string]interface{}{
		"status":            models.LiveStatusFinished,
		"finish_reason":     reason,
		"participant_count": ls.FinalParticipantCount,
	}
	if ls.StartedAt != nil && ls.FinishedAt != nil {
		payload["duration_seconds"] = int64(ls.FinishedAt.Sub(*ls.StartedAt).Seconds())
	}
	s.events.Publish(sessionID, EventStatusChanged, payload)
	s.logger.Info("live session finished",
		zap.String("session_id", sessionID.String()),
		zap.String("reason", reason),
		zap.Int("participants", ls.FinalParticipantCount))

	if s.wrapups != nil {
		finishedAt := s.now()
		if ls.FinishedAt != nil {
			finishedAt = *ls.FinishedAt
		}
		if err := s.wrapups.EnqueueSessionWrapUp(ctx, queue.SessionWrapUpPayload{
			SessionID:        sessionID,
			FinishReason:     reason,
			ParticipantCount: ls.FinalParticipantCount,
			StartedAt:        ls.StartedAt,
			FinishedAt:       finishedAt,
		}); err != nil {
			s.logger.Warn("enqueue wrap-up failed", zap.Error(err))
		}
	}
	return nil
}

// TerminalSnapshot returns the finished session's summary view, used when a
// client asks for a session that already ended.
func (s *Service) TerminalSnapshot(ctx context.Context, sessionID uuid.UUID) (*Snapshot, error) {
	detail, err := s.catalog.SessionWithCreator(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if detail == nil {
		return nil, errs.ErrNotFound
	}
	ls, err := s.store.GetLiveSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if ls == nil {
		return nil, errs.ErrNotFound
	}
	snap := s.snapshot(detail, ls, ls.FinalParticipantCount)
	return &snap, nil
}
