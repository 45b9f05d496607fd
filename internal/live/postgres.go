package live

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/courseloop/backend/internal/models"
)

// PostgresStore implements Store on pgx. The conditional UPDATEs in
// TransitionStatus, FinishSession and ClaimPipeline are the atomic
// compare-and-set points the concurrency model relies on; everything else
// is plain row access.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a live-session store backed by PostgreSQL.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const liveColumns = `session_id, status, pipeline_element_id, started_at, finished_at, COALESCE(finish_reason, ''), final_participant_count, created_at`

func scanLive(row pgx.Row) (*models.LiveSession, error) {
	var s models.LiveSession
	err := row.Scan(&s.SessionID, &s.Status, &s.PipelineElementID, &s.StartedAt, &s.FinishedAt, &s.FinishReason, &s.FinalParticipantCount, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// GetOrCreateLiveSession implements Store.
func (p *PostgresStore) GetOrCreateLiveSession(ctx context.Context, sessionID uuid.UUID) (*models.LiveSession, error) {
	// ON CONFLICT DO NOTHING keeps concurrent first admissions from racing:
	// whoever loses the insert reads the winner's row.
	_, err := p.pool.Exec(ctx,
		`INSERT INTO live_sessions (session_id, status) VALUES ($1, $2) ON CONFLICT (session_id) DO NOTHING`,
		sessionID, models.LiveStatusNotStarted)
	if err != nil {
		return nil, err
	}
	return p.GetLiveSession(ctx, sessionID)
}

// GetLiveSession implements Store.
func (p *PostgresStore) GetLiveSession(ctx context.Context, sessionID uuid.UUID) (*models.LiveSession, error) {
	s, err := scanLive(p.pool.QueryRow(ctx, `SELECT `+liveColumns+` FROM live_sessions WHERE session_id = $1`, sessionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return s, nil
}

// TransitionStatus implements Store.
func (p *PostgresStore) TransitionStatus(ctx context.Context, sessionID uuid.UUID, from, to models.LiveStatus) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		`UPDATE live_sessions SET status = $1, started_at = CASE WHEN $1 = 'started' THEN NOW() ELSE started_at END
		 WHERE session_id = $2 AND status = $3`,
		to, sessionID, from)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// FinishSession implements Store.
func (p *PostgresStore) FinishSession(ctx context.Context, sessionID uuid.UUID, reason string, finalCount int) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		`UPDATE live_sessions SET status = 'finished', finished_at = NOW(), finish_reason = $1, final_participant_count = $2
		 WHERE session_id = $3 AND status <> 'finished'`,
		reason, finalCount, sessionID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ClaimPipeline implements Store.
func (p *PostgresStore) ClaimPipeline(ctx context.Context, sessionID, elementID uuid.UUID) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		`UPDATE live_sessions SET pipeline_element_id = $1 WHERE session_id = $2 AND pipeline_element_id IS NULL`,
		elementID, sessionID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ClearPipeline implements Store.
func (p *PostgresStore) ClearPipeline(ctx context.Context, sessionID uuid.UUID) error {
	_, err := p.pool.Exec(ctx, `UPDATE live_sessions SET pipeline_element_id = NULL WHERE session_id = $1`, sessionID)
	return err
}

// GetOrCreateParticipant implements Store.
func (p *PostgresStore) GetOrCreateParticipant(ctx context.Context, connectionID string, userID, sessionID uuid.UUID) (*models.Participant, error) {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO participants (connection_id, user_id, session_id) VALUES ($1, $2, $3) ON CONFLICT (connection_id) DO NOTHING`,
		connectionID, userID, sessionID)
	if err != nil {
		return nil, err
	}
	return p.GetParticipant(ctx, connectionID)
}

// GetParticipant implements Store.
func (p *PostgresStore) GetParticipant(ctx context.Context, connectionID string) (*models.Participant, error) {
	var pt models.Participant
	err := p.pool.QueryRow(ctx,
		`SELECT connection_id, user_id, session_id, joined_at FROM participants WHERE connection_id = $1`,
		connectionID).Scan(&pt.ConnectionID, &pt.UserID, &pt.SessionID, &pt.JoinedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &pt, nil
}

func (p *PostgresStore) listParticipants(ctx context.Context, q string, arg interface{}) ([]models.Participant, error) {
	rows, err := p.pool.Query(ctx, q, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Participant
	for rows.Next() {
		var pt models.Participant
		if err := rows.Scan(&pt.ConnectionID, &pt.UserID, &pt.SessionID, &pt.JoinedAt); err != nil {
			return nil, err
		}
		list = append(list, pt)
	}
	return list, rows.Err()
}

// ListParticipantsBySession implements Store.
func (p *PostgresStore) ListParticipantsBySession(ctx context.Context, sessionID uuid.UUID) ([]models.Participant, error) {
	return p.listParticipants(ctx,
		`SELECT connection_id, user_id, session_id, joined_at FROM participants WHERE session_id = $1 ORDER BY joined_at`, sessionID)
}

// ListParticipantsByUser implements Store.
func (p *PostgresStore) ListParticipantsByUser(ctx context.Context, userID uuid.UUID) ([]models.Participant, error) {
	return p.listParticipants(ctx,
		`SELECT connection_id, user_id, session_id, joined_at FROM participants WHERE user_id = $1 ORDER BY joined_at`, userID)
}

// CountParticipants implements Store.
func (p *PostgresStore) CountParticipants(ctx context.Context, sessionID uuid.UUID) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM participants WHERE session_id = $1`, sessionID).Scan(&n)
	return n, err
}

// RemoveParticipant implements Store.
func (p *PostgresStore) RemoveParticipant(ctx context.Context, connectionID string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM participants WHERE connection_id = $1`, connectionID)
	return err
}

const elementColumns = `id, session_id, kind, COALESCE(owner_participant_id, ''), external_id, is_connected, is_video_enabled, created_at`

// SaveMediaElement implements Store.
func (p *PostgresStore) SaveMediaElement(ctx context.Context, el *models.MediaElement) error {
	const q = `INSERT INTO media_elements (id, session_id, kind, owner_participant_id, external_id, is_connected, is_video_enabled)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET external_id = EXCLUDED.external_id,
			is_connected = EXCLUDED.is_connected, is_video_enabled = EXCLUDED.is_video_enabled
		RETURNING created_at`
	return p.pool.QueryRow(ctx, q, el.ID, el.SessionID, el.Kind, el.OwnerParticipantID, el.ExternalID, el.IsConnected, el.IsVideoEnabled).
		Scan(&el.CreatedAt)
}

// GetMediaElement implements Store.
func (p *PostgresStore) GetMediaElement(ctx context.Context, id uuid.UUID) (*models.MediaElement, error) {
	var el models.MediaElement
	err := p.pool.QueryRow(ctx, `SELECT `+elementColumns+` FROM media_elements WHERE id = $1`, id).
		Scan(&el.ID, &el.SessionID, &el.Kind, &el.OwnerParticipantID, &el.ExternalID, &el.IsConnected, &el.IsVideoEnabled, &el.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &el, nil
}

func (p *PostgresStore) listElements(ctx context.Context, q string, args ...interface{}) ([]models.MediaElement, error) {
	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.MediaElement
	for rows.Next() {
		var el models.MediaElement
		if err := rows.Scan(&el.ID, &el.SessionID, &el.Kind, &el.OwnerParticipantID, &el.ExternalID, &el.IsConnected, &el.IsVideoEnabled, &el.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, el)
	}
	return list, rows.Err()
}

// ListMediaElementsBySession implements Store.
func (p *PostgresStore) ListMediaElementsBySession(ctx context.Context, sessionID uuid.UUID) ([]models.MediaElement, error) {
	return p.listElements(ctx, `SELECT `+elementColumns+` FROM media_elements WHERE session_id = $1 ORDER BY created_at`, sessionID)
}

// ListMediaElementsByOwner implements Store.
func (p *PostgresStore) ListMediaElementsByOwner(ctx context.Context, ownerParticipantID string) ([]models.MediaElement, error) {
	return p.listElements(ctx, `SELECT `+elementColumns+` FROM media_elements WHERE owner_participant_id = $1`, ownerParticipantID)
}

// ListAllMediaElements implements Store.
func (p *PostgresStore) ListAllMediaElements(ctx context.Context) ([]models.MediaElement, error) {
	return p.listElements(ctx, `SELECT `+elementColumns+` FROM media_elements ORDER BY created_at`)
}

// MarkElementConnected implements Store.
func (p *PostgresStore) MarkElementConnected(ctx context.Context, id uuid.UUID) error {
	_, err := p.pool.Exec(ctx, `UPDATE media_elements SET is_connected = TRUE WHERE id = $1`, id)
	return err
}

// SetElementVideoEnabled implements Store.
func (p *PostgresStore) SetElementVideoEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	_, err := p.pool.Exec(ctx, `UPDATE media_elements SET is_video_enabled = $1 WHERE id = $2`, enabled, id)
	return err
}

// DeleteMediaElement implements Store.
func (p *PostgresStore) DeleteMediaElement(ctx context.Context, id uuid.UUID) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM media_elements WHERE id = $1`, id)
	return err
}
