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

// TurnRepo persists turns and their tool calls. Turn indices are assigned
// inside a transaction so they stay dense and strictly increasing per
// session.
type TurnRepo struct{ DB *sql.DB }

func NewTurnRepo(db *sql.DB) *TurnRepo { return &TurnRepo{DB: db} }

// Insert opens a turn in pending state and assigns the next index within
// its session.
func (r *TurnRepo) Insert(ctx domain.Context, t domain.Turn) (domain.Turn, error) {
	tracer := otel.Tracer("repo.turns")
	ctx, span := tracer.Start(ctx, "turns.Insert")
	defer span.End()
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Turn{}, fmt.Errorf("op=turn.insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(turn_index)+1, 0) FROM turns WHERE session_id=?`, t.SessionID,
	).Scan(&t.Index); err != nil {
		return domain.Turn{}, fmt.Errorf("op=turn.insert: %w", err)
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	t.Status = domain.TurnPending
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	q := `INSERT INTO turns (id, session_id, turn_index, tier, model_id, status, created_at)
	      VALUES (?,?,?,?,?,?,?)`
	if _, err := tx.ExecContext(ctx, q, t.ID, t.SessionID, t.Index, string(t.Tier), t.ModelID, string(t.Status), t.CreatedAt.UTC()); err != nil {
		return domain.Turn{}, fmt.Errorf("op=turn.insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Turn{}, fmt.Errorf("op=turn.insert: %w", err)
	}
	return t, nil
}

// Finish commits the turn's terminal status, usage and tool calls in one
// transaction. Only a pending turn can be finished; completed and failed
// turns are immutable.
func (r *TurnRepo) Finish(ctx domain.Context, t domain.Turn, calls []domain.ToolCall) error {
	tracer := otel.Tracer("repo.turns")
	ctx, span := tracer.Start(ctx, "turns.Finish")
	defer span.End()
	if t.Status != domain.TurnCompleted && t.Status != domain.TurnFailed {
		return fmt.Errorf("op=turn.finish: status %q not terminal: %w", t.Status, domain.ErrInvalidArgument)
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("op=turn.finish: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	q := `UPDATE turns SET tier=?, model_id=?, prompt_tokens=?, completion_tokens=?, credit_delta=?, status=?, error=?
	      WHERE id=? AND status='pending'`
	res, err := tx.ExecContext(ctx, q,
		string(t.Tier), t.ModelID, t.PromptTokens, t.CompletionTokens, t.CreditDelta,
		string(t.Status), t.Error, t.ID)
	if err != nil {
		return fmt.Errorf("op=turn.finish: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("op=turn.finish: turn %s not pending: %w", t.ID, domain.ErrNotFound)
	}
	for i, c := range calls {
		id := c.ID
		if id == "" {
			id = uuid.New().String()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO tool_calls (id, turn_id, seq, name, input, output, exit_code, started_at, finished_at)
			 VALUES (?,?,?,?,?,?,?,?,?)`,
			id, t.ID, i, c.Name, string(c.Input), c.Output, c.ExitCode, c.StartedAt.UTC(), c.FinishedAt.UTC()); err != nil {
			return fmt.Errorf("op=turn.finish tool=%s: %w", c.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("op=turn.finish: %w", err)
	}
	return nil
}

// Recent returns the n most recent turns of the session, newest first.
func (r *TurnRepo) Recent(ctx domain.Context, sessionID string, n int) ([]domain.Turn, error) {
	tracer := otel.Tracer("repo.turns")
	ctx, span := tracer.Start(ctx, "turns.Recent")
	defer span.End()
	q := `SELECT id, session_id, turn_index, tier, model_id, prompt_tokens, completion_tokens, credit_delta, status, error, created_at
	      FROM turns WHERE session_id=? ORDER BY turn_index DESC LIMIT ?`
	rows, err := r.DB.QueryContext(ctx, q, sessionID, n)
	if err != nil {
		return nil, fmt.Errorf("op=turn.recent: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.Turn
	for rows.Next() {
		var t domain.Turn
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Index, &t.Tier, &t.ModelID,
			&t.PromptTokens, &t.CompletionTokens, &t.CreditDelta, &t.Status, &t.Error, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=turn.recent: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ToolCalls returns the tool calls of a turn in dispatch order.
func (r *TurnRepo) ToolCalls(ctx domain.Context, turnID string) ([]domain.ToolCall, error) {
	tracer := otel.Tracer("repo.turns")
	ctx, span := tracer.Start(ctx, "turns.ToolCalls")
	defer span.End()
	q := `SELECT id, turn_id, seq, name, input, output, exit_code, started_at, finished_at
	      FROM tool_calls WHERE turn_id=? ORDER BY seq ASC`
	rows, err := r.DB.QueryContext(ctx, q, turnID)
	if err != nil {
		return nil, fmt.Errorf("op=turn.tool_calls: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.ToolCall
	for rows.Next() {
		var c domain.ToolCall
		var input string
		if err := rows.Scan(&c.ID, &c.TurnID, &c.Seq, &c.Name, &input, &c.Output, &c.ExitCode, &c.StartedAt, &c.FinishedAt); err != nil {
			return nil, fmt.Errorf("op=turn.tool_calls: %w", err)
		}
		c.Input = []byte(input)
		out = append(out, c)
	}
	return out, rows.Err()
}

// FailedPerHour counts failed turns whose creation time is within the
// last hour. Input to the tier governor.
func (r *TurnRepo) FailedPerHour(ctx domain.Context, now time.Time) (int, error) {
	tracer := otel.Tracer("repo.turns")
	ctx, span := tracer.Start(ctx, "turns.FailedPerHour")
	defer span.End()
	q := `SELECT COUNT(*) FROM turns WHERE status='failed' AND created_at >= ?`
	var n int
	if err := r.DB.QueryRowContext(ctx, q, now.UTC().Add(-time.Hour)).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=turn.failed_per_hour: %w", err)
	}
	return n, nil
}

// FlushPending marks every pending turn failed with the given reason.
// Used on shutdown so no turn is left open across process restarts.
func (r *TurnRepo) FlushPending(ctx domain.Context, reason string) (int, error) {
	tracer := otel.Tracer("repo.turns")
	ctx, span := tracer.Start(ctx, "turns.FlushPending")
	defer span.End()
	q := `UPDATE turns SET status='failed', error=? WHERE status='pending'`
	res, err := r.DB.ExecContext(ctx, q, reason)
	if err != nil {
		return 0, fmt.Errorf("op=turn.flush_pending: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// LatestError returns the most recent non-empty turn error, or "" when
// none exists.
func (r *TurnRepo) LatestError(ctx domain.Context) (string, error) {
	tracer := otel.Tracer("repo.turns")
	ctx, span := tracer.Start(ctx, "turns.LatestError")
	defer span.End()
	q := `SELECT error FROM turns WHERE error <> '' ORDER BY created_at DESC, turn_index DESC LIMIT 1`
	var msg string
	err := r.DB.QueryRowContext(ctx, q).Scan(&msg)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("op=turn.latest_error: %w", err)
	}
	return msg, nil
}
