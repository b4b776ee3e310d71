package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/cyrongau/fudaydiye-live/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const sessionColumns = `id, host_id, host_name, title, category, status, scheduled_at, created_at,
	started_at, ended_at, ended_by, featured, viewer_count, peak_viewers, like_count, promoted`

// SessionRepo is the Postgres session directory. Mutations are single-column
// UPDATEs so concurrent writers never clobber each other's fields.
type SessionRepo struct {
	pool *pgxpool.Pool
}

var _ domain.SessionRepository = (*SessionRepo)(nil)

func NewSessionRepo(pool *pgxpool.Pool) *SessionRepo {
	return &SessionRepo{pool: pool}
}

func scanSession(row pgx.Row) (*domain.Session, error) {
	var s domain.Session
	var status string
	err := row.Scan(
		&s.ID, &s.HostID, &s.HostName, &s.Title, &s.Category, &status, &s.ScheduledAt, &s.CreatedAt,
		&s.StartedAt, &s.EndedAt, &s.EndedBy, &s.Featured, &s.ViewerCount, &s.PeakViewers, &s.LikeCount, &s.Promoted,
	)
	if err != nil {
		return nil, err
	}
	s.Status = domain.SessionStatus(status)
	return &s, nil
}

func (r *SessionRepo) Create(ctx context.Context, s *domain.Session) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO sessions (id, host_id, host_name, title, category, status, scheduled_at, created_at,
			started_at, ended_at, ended_by, featured, viewer_count, peak_viewers, like_count, promoted)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, s.ID, s.HostID, s.HostName, s.Title, s.Category, string(s.Status), s.ScheduledAt, s.CreatedAt,
		s.StartedAt, s.EndedAt, s.EndedBy, s.Featured, s.ViewerCount, s.PeakViewers, s.LikeCount, s.Promoted)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (r *SessionRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	s, err := scanSession(r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return s, nil
}

// ListByHost returns the host's sessions, newest first.
func (r *SessionRepo) ListByHost(ctx context.Context, hostID string) ([]domain.Session, error) {
	return r.list(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE host_id = $1 ORDER BY created_at DESC`, hostID)
}

func (r *SessionRepo) ListByStatus(ctx context.Context, status domain.SessionStatus) ([]domain.Session, error) {
	return r.list(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE status = $1 ORDER BY created_at DESC`, string(status))
}

func (r *SessionRepo) list(ctx context.Context, sql string, arg any) ([]domain.Session, error) {
	rows, err := r.pool.Query(ctx, sql, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Session, error) {
		s, err := scanSession(row)
		if err != nil {
			return domain.Session{}, err
		}
		return *s, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan sessions: %w", err)
	}
	return out, nil
}

// Delete removes an ended session and, by cascade, its chat history.
func (r *SessionRepo) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1 AND status = 'ENDED'`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return domain.ErrSessionActive
}

// Transition is a compare-and-set on status; the timestamp column matching
// the target status is written in the same statement.
func (r *SessionRepo) Transition(ctx context.Context, id uuid.UUID, t domain.Transition) (*domain.Session, error) {
	from := make([]string, len(t.From))
	for i, s := range t.From {
		from[i] = string(s)
	}

	s, err := scanSession(r.pool.QueryRow(ctx, `
		UPDATE sessions SET
			status = $2::text,
			started_at = CASE WHEN $2::text = 'LIVE' THEN $3::timestamptz ELSE started_at END,
			ended_at = CASE WHEN $2::text = 'ENDED' THEN $3::timestamptz ELSE ended_at END,
			ended_by = CASE WHEN $2::text = 'ENDED' THEN $4::text ELSE ended_by END
		WHERE id = $1 AND status = ANY($5::text[])
		RETURNING `+sessionColumns,
		id, string(t.To), t.At, t.EndedBy, from))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := r.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, domain.ErrInvalidTransition
	}
	if err != nil {
		return nil, fmt.Errorf("failed to transition session: %w", err)
	}
	return s, nil
}

func (r *SessionRepo) SetFeatured(ctx context.Context, id uuid.UUID, item *domain.FeaturedItem) error {
	return r.exec(ctx, "set featured item", `UPDATE sessions SET featured = $2 WHERE id = $1`, id, item)
}

// SetViewerCount also raises the peak, never lowers it.
func (r *SessionRepo) SetViewerCount(ctx context.Context, id uuid.UUID, count int64) error {
	return r.exec(ctx, "set viewer count", `
		UPDATE sessions SET
			viewer_count = GREATEST($2::bigint, 0),
			peak_viewers = GREATEST(peak_viewers, $2::bigint)
		WHERE id = $1`, id, count)
}

func (r *SessionRepo) IncrLikes(ctx context.Context, id uuid.UUID, delta int64) (int64, error) {
	var likes int64
	err := r.pool.QueryRow(ctx,
		`UPDATE sessions SET like_count = like_count + $2 WHERE id = $1 RETURNING like_count`,
		id, delta).Scan(&likes)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, domain.ErrSessionNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment likes: %w", err)
	}
	return likes, nil
}

func (r *SessionRepo) SetPromoted(ctx context.Context, id uuid.UUID, promoted bool) error {
	return r.exec(ctx, "set promoted", `UPDATE sessions SET promoted = $2 WHERE id = $1`, id, promoted)
}

func (r *SessionRepo) exec(ctx context.Context, op, sql string, id uuid.UUID, arg any) error {
	tag, err := r.pool.Exec(ctx, sql, id, arg)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}
