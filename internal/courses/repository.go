package courses

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/courseloop/backend/internal/models"
)

// Repository handles course and subscription persistence, and serves the
// session/course/creator lookups the live-session layer consumes.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a course repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a new course.
func (r *Repository) Create(ctx context.Context, course *models.Course) error {
	const q = `INSERT INTO courses (title, description, creator_id)
		VALUES ($1, $2, $3)
		RETURNING id, created_at, updated_at`
	return r.pool.QueryRow(ctx, q, course.Title, course.Description, course.CreatorID).
		Scan(&course.ID, &course.CreatedAt, &course.UpdatedAt)
}

// GetByID returns a course by ID, or nil when it does not exist.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Course, error) {
	const q = `SELECT id, title, description, creator_id, created_at, updated_at FROM courses WHERE id = $1`
	var course models.Course
	err := r.pool.QueryRow(ctx, q, id).Scan(&course.ID, &course.Title, &course.Description, &course.CreatorID, &course.CreatedAt, &course.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &course, nil
}

// List returns all courses, optionally filtered by creator.
func (r *Repository) List(ctx context.Context, creatorID *uuid.UUID) ([]models.Course, error) {
	base := `SELECT id, title, description, creator_id, created_at, updated_at FROM courses`
	var args []interface{}
	if creatorID != nil {
		base += ` WHERE creator_id = $1`
		args = append(args, *creatorID)
	}
	rows, err := r.pool.Query(ctx, base+` ORDER BY created_at DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Course
	for rows.Next() {
		var course models.Course
		if err := rows.Scan(&course.ID, &course.Title, &course.Description, &course.CreatorID, &course.CreatedAt, &course.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, course)
	}
	return list, rows.Err()
}

// Subscribe adds a user to a course. Idempotent.
func (r *Repository) Subscribe(ctx context.Context, courseID, userID uuid.UUID) error {
	const q = `INSERT INTO course_subscriptions (course_id, user_id) VALUES ($1, $2)
		ON CONFLICT (course_id, user_id) DO NOTHING`
	_, err := r.pool.Exec(ctx, q, courseID, userID)
	return err
}

// IsSubscriber reports whether the user is subscribed to the course.
func (r *Repository) IsSubscriber(ctx context.Context, courseID, userID uuid.UUID) (bool, error) {
	const q = `SELECT 1 FROM course_subscriptions WHERE course_id = $1 AND user_id = $2`
	var one int
	err := r.pool.QueryRow(ctx, q, courseID, userID).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// SessionWithCreator returns a scheduled session joined with its owning
// course and the creator's disabled flag, or nil when the session does not
// exist. This is the lookup admission checks run on.
func (r *Repository) SessionWithCreator(ctx context.Context, sessionID uuid.UUID) (*models.SessionDetail, error) {
	const q = `SELECT s.id, s.course_id, s.creator_id, s.title, s.description, s.start_at, s.duration_minutes,
		s.created_at, s.updated_at, c.title, u.disabled
		FROM sessions s
		JOIN courses c ON c.id = s.course_id
		JOIN users u ON u.id = s.creator_id
		WHERE s.id = $1`
	var d models.SessionDetail
	err := r.pool.QueryRow(ctx, q, sessionID).Scan(
		&d.ID, &d.CourseID, &d.CreatorID, &d.Title, &d.Description, &d.StartAt, &d.DurationMinutes,
		&d.CreatedAt, &d.UpdatedAt, &d.CourseTitle, &d.CreatorDisabled)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &d, nil
}
