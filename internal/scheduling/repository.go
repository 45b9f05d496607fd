package scheduling

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/courseloop/backend/internal/models"
)

// Repository handles scheduled session persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a scheduled session repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const sessionColumns = `id, course_id, creator_id, title, description, start_at, duration_minutes, created_at, updated_at`

func scanSession(row pgx.Row) (*models.ScheduledSession, error) {
	var s models.ScheduledSession
	err := row.Scan(&s.ID, &s.CourseID, &s.CreatorID, &s.Title, &s.Description, &s.StartAt, &s.DurationMinutes, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Create inserts a new scheduled session.
func (r *Repository) Create(ctx context.Context, s *models.ScheduledSession) error {
	const q = `INSERT INTO sessions (course_id, creator_id, title, description, start_at, duration_minutes)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at`
	return r.pool.QueryRow(ctx, q, s.CourseID, s.CreatorID, s.Title, s.Description, s.StartAt, s.DurationMinutes).
		Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
}

// GetByID returns a scheduled session, or nil when it does not exist.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.ScheduledSession, error) {
	s, err := scanSession(r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return s, nil
}

// ListByCourse returns the sessions scheduled under a course.
func (r *Repository) ListByCourse(ctx context.Context, courseID uuid.UUID) ([]models.ScheduledSession, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE course_id = $1 ORDER BY start_at`, courseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSessions(rows)
}

// UpcomingSessionsByCreator returns the creator's sessions whose interval
// has not yet ended at the given instant, across all owned courses. Feeds
// the conflict validator.
func (r *Repository) UpcomingSessionsByCreator(ctx context.Context, creatorID uuid.UUID, from time.Time) ([]models.ScheduledSession, error) {
	const q = `SELECT ` + sessionColumns + ` FROM sessions
		WHERE creator_id = $1 AND start_at + duration_minutes * INTERVAL '1 minute' > $2
		ORDER BY start_at`
	rows, err := r.pool.Query(ctx, q, creatorID, from)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSessions(rows)
}

// Update rewrites the mutable fields of a session.
func (r *Repository) Update(ctx context.Context, id uuid.UUID, title, description string, startAt time.Time, durationMinutes int) error {
	const q = `UPDATE sessions SET title = $1, description = $2, start_at = $3, duration_minutes = $4, updated_at = NOW() WHERE id = $5`
	_, err := r.pool.Exec(ctx, q, title, description, startAt, durationMinutes, id)
	return err
}

// Delete removes a scheduled session.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	return err
}

func collectSessions(rows pgx.Rows) ([]models.ScheduledSession, error) {
	var list []models.ScheduledSession
	for rows.Next() {
		var s models.ScheduledSession
		if err := rows.Scan(&s.ID, &s.CourseID, &s.CreatorID, &s.Title, &s.Description, &s.StartAt, &s.DurationMinutes, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, rows.Err()
}
