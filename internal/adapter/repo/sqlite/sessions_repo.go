package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/moneyclaw/moneyclaw/internal/domain"
)

// SessionRepo persists agent loop sessions. A partial unique index on the
// sessions table guarantees at most one open session.
type SessionRepo struct{ DB *sql.DB }

func NewSessionRepo(db *sql.DB) *SessionRepo { return &SessionRepo{DB: db} }

// Open creates a new open session. Fails if one is already open.
func (r *SessionRepo) Open(ctx domain.Context, startedAt time.Time) (domain.Session, error) {
	tracer := otel.Tracer("repo.sessions")
	ctx, span := tracer.Start(ctx, "sessions.Open")
	defer span.End()
	s := domain.Session{ID: uuid.New().String(), StartedAt: startedAt.UTC()}
	q := `INSERT INTO sessions (id, started_at, ended_at) VALUES (?,?,NULL)`
	if _, err := r.DB.ExecContext(ctx, q, s.ID, s.StartedAt); err != nil {
		return domain.Session{}, fmt.Errorf("op=session.open: %w", err)
	}
	return s, nil
}

// Close sets the session end time.
func (r *SessionRepo) Close(ctx domain.Context, id string, endedAt time.Time) error {
	tracer := otel.Tracer("repo.sessions")
	ctx, span := tracer.Start(ctx, "sessions.Close")
	defer span.End()
	q := `UPDATE sessions SET ended_at=? WHERE id=? AND ended_at IS NULL`
	res, err := r.DB.ExecContext(ctx, q, endedAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("op=session.close: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("op=session.close: %w", domain.ErrNotFound)
	}
	return nil
}

// Current returns the open session.
func (r *SessionRepo) Current(ctx domain.Context) (domain.Session, error) {
	tracer := otel.Tracer("repo.sessions")
	ctx, span := tracer.Start(ctx, "sessions.Current")
	defer span.End()
	q := `SELECT id, started_at FROM sessions WHERE ended_at IS NULL LIMIT 1`
	var s domain.Session
	err := r.DB.QueryRowContext(ctx, q).Scan(&s.ID, &s.StartedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Session{}, fmt.Errorf("op=session.current: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("op=session.current: %w", err)
	}
	return s, nil
}
