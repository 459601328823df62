package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/moneyclaw/moneyclaw/internal/domain"
)

// ChildRepo persists spawned children and their append-only lifecycle
// event log. Every child row carries at least one event, and the latest
// event's to_state always matches the children.status column.
type ChildRepo struct{ DB *sql.DB }

func NewChildRepo(db *sql.DB) *ChildRepo { return &ChildRepo{DB: db} }

// Insert writes the child row and its first lifecycle event atomically.
func (r *ChildRepo) Insert(ctx domain.Context, c domain.Child, first domain.LifecycleEvent) error {
	tracer := otel.Tracer("repo.children")
	ctx, span := tracer.Start(ctx, "children.Insert")
	defer span.End()
	if !domain.IsValidWalletAddress(c.Address) {
		return fmt.Errorf("op=child.insert: %w: address %q", domain.ErrInvalidArgument, c.Address)
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("op=child.insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.Status = domain.StatusFor(first.ToState)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO children (id, name, address, sandbox_id, genesis_prompt, status, created_at) VALUES (?,?,?,?,?,?,?)`,
		c.ID, c.Name, c.Address, c.SandboxID, c.GenesisPrompt, string(c.Status), c.CreatedAt.UTC()); err != nil {
		return fmt.Errorf("op=child.insert: %w", err)
	}
	at := first.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO lifecycle_events (child_id, seq, transition, to_state, at) VALUES (?,0,?,?,?)`,
		c.ID, first.Transition, string(first.ToState), at.UTC()); err != nil {
		return fmt.Errorf("op=child.insert event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("op=child.insert: %w", err)
	}
	return nil
}

// Get loads one child row.
func (r *ChildRepo) Get(ctx domain.Context, id string) (domain.Child, error) {
	tracer := otel.Tracer("repo.children")
	ctx, span := tracer.Start(ctx, "children.Get")
	defer span.End()
	row := r.DB.QueryRowContext(ctx,
		`SELECT id, name, address, sandbox_id, genesis_prompt, status, created_at FROM children WHERE id=?`, id)
	var c domain.Child
	err := row.Scan(&c.ID, &c.Name, &c.Address, &c.SandboxID, &c.GenesisPrompt, &c.Status, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Child{}, fmt.Errorf("op=child.get id=%s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Child{}, fmt.Errorf("op=child.get id=%s: %w", id, err)
	}
	return c, nil
}

// Transition appends a lifecycle event and updates the child status in
// one transaction. Illegal transitions are rejected against the state
// machine, keeping the event log dense and ordered.
func (r *ChildRepo) Transition(ctx domain.Context, id string, transition string, to domain.LifecycleState) error {
	tracer := otel.Tracer("repo.children")
	ctx, span := tracer.Start(ctx, "children.Transition")
	defer span.End()
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("op=child.transition: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var fromState string
	var lastSeq int
	err = tx.QueryRowContext(ctx,
		`SELECT to_state, seq FROM lifecycle_events WHERE child_id=? ORDER BY seq DESC LIMIT 1`, id,
	).Scan(&fromState, &lastSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("op=child.transition id=%s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("op=child.transition: %w", err)
	}
	if !domain.CanTransition(domain.LifecycleState(fromState), to) {
		return fmt.Errorf("op=child.transition id=%s: %s -> %s: %w", id, fromState, to, domain.ErrInvalidArgument)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO lifecycle_events (child_id, seq, transition, to_state, at) VALUES (?,?,?,?,?)`,
		id, lastSeq+1, transition, string(to), time.Now().UTC()); err != nil {
		return fmt.Errorf("op=child.transition: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE children SET status=? WHERE id=?`, string(domain.StatusFor(to)), id); err != nil {
		return fmt.Errorf("op=child.transition: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("op=child.transition: %w", err)
	}
	return nil
}

// ListByStatus returns children in the given status, oldest first, ties
// on created_at broken by id ascending.
func (r *ChildRepo) ListByStatus(ctx domain.Context, status domain.ChildStatus) ([]domain.Child, error) {
	tracer := otel.Tracer("repo.children")
	ctx, span := tracer.Start(ctx, "children.ListByStatus")
	defer span.End()
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id, name, address, sandbox_id, genesis_prompt, status, created_at
		 FROM children WHERE status=? ORDER BY created_at ASC, id ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("op=child.list_by_status: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.Child
	for rows.Next() {
		var c domain.Child
		if err := rows.Scan(&c.ID, &c.Name, &c.Address, &c.SandboxID, &c.GenesisPrompt, &c.Status, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=child.list_by_status: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// LatestState returns the to_state of the child's most recent lifecycle
// event.
func (r *ChildRepo) LatestState(ctx domain.Context, id string) (domain.LifecycleState, error) {
	tracer := otel.Tracer("repo.children")
	ctx, span := tracer.Start(ctx, "children.LatestState")
	defer span.End()
	var s string
	err := r.DB.QueryRowContext(ctx,
		`SELECT to_state FROM lifecycle_events WHERE child_id=? ORDER BY seq DESC LIMIT 1`, id).Scan(&s)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("op=child.latest_state id=%s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("op=child.latest_state: %w", err)
	}
	return domain.LifecycleState(s), nil
}

// Events returns the full ordered lifecycle log of a child.
func (r *ChildRepo) Events(ctx domain.Context, id string) ([]domain.LifecycleEvent, error) {
	tracer := otel.Tracer("repo.children")
	ctx, span := tracer.Start(ctx, "children.Events")
	defer span.End()
	rows, err := r.DB.QueryContext(ctx,
		`SELECT child_id, seq, transition, to_state, at FROM lifecycle_events WHERE child_id=? ORDER BY seq ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("op=child.events: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.LifecycleEvent
	for rows.Next() {
		var e domain.LifecycleEvent
		if err := rows.Scan(&e.ChildID, &e.Seq, &e.Transition, &e.ToState, &e.At); err != nil {
			return nil, fmt.Errorf("op=child.events: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
