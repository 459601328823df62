package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/moneyclaw/moneyclaw/internal/domain"
)

// RegistryRepo persists the model catalogue. Exactly one row exists per
// model id; the provider column never changes after first insert.
type RegistryRepo struct{ DB *sql.DB }

func NewRegistryRepo(db *sql.DB) *RegistryRepo { return &RegistryRepo{DB: db} }

const registryColumns = `model_id, provider, display_name, tier_minimum,
	input_cost_per_1k, output_cost_per_1k, max_tokens, context_window,
	supports_tools, supports_vision, param_style, enabled, created_at, updated_at`

func scanModelRow(scan func(dest ...any) error) (domain.ModelRow, error) {
	var m domain.ModelRow
	var tools, vision, enabled int
	err := scan(&m.ModelID, &m.Provider, &m.DisplayName, &m.TierMinimum,
		&m.InputCostPer1K, &m.OutputCostPer1K, &m.MaxTokens, &m.ContextWindow,
		&tools, &vision, &m.ParamStyle, &enabled, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return domain.ModelRow{}, err
	}
	m.SupportsTools = tools != 0
	m.SupportsVision = vision != 0
	m.Enabled = enabled != 0
	return m, nil
}

// Get loads one registry row.
func (r *RegistryRepo) Get(ctx domain.Context, modelID string) (domain.ModelRow, error) {
	tracer := otel.Tracer("repo.registry")
	ctx, span := tracer.Start(ctx, "registry.Get")
	defer span.End()
	row := r.DB.QueryRowContext(ctx,
		`SELECT `+registryColumns+` FROM model_registry WHERE model_id=?`, modelID)
	m, err := scanModelRow(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ModelRow{}, fmt.Errorf("op=registry.get model=%s: %w", modelID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.ModelRow{}, fmt.Errorf("op=registry.get model=%s: %w", modelID, err)
	}
	return m, nil
}

// Upsert inserts a new row with the given defaults, or refreshes only
// updated_at when the row exists. Human-edited fields (display name,
// costs, enabled flag, context window, capability flags, parameter style)
// are preserved on conflict; provider is never rewritten.
func (r *RegistryRepo) Upsert(ctx domain.Context, m domain.ModelRow) error {
	tracer := otel.Tracer("repo.registry")
	ctx, span := tracer.Start(ctx, "registry.Upsert")
	defer span.End()
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	q := `INSERT INTO model_registry (` + registryColumns + `)
	      VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	      ON CONFLICT(model_id) DO UPDATE SET updated_at=excluded.updated_at`
	_, err := r.DB.ExecContext(ctx, q,
		m.ModelID, string(m.Provider), m.DisplayName, string(m.TierMinimum),
		m.InputCostPer1K, m.OutputCostPer1K, m.MaxTokens, m.ContextWindow,
		boolInt(m.SupportsTools), boolInt(m.SupportsVision), string(m.ParamStyle),
		boolInt(m.Enabled), m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("op=registry.upsert model=%s: %w", m.ModelID, err)
	}
	return nil
}

// ListEnabled returns the enabled rows of a provider, or of every
// provider when provider is empty.
func (r *RegistryRepo) ListEnabled(ctx domain.Context, provider domain.Provider) ([]domain.ModelRow, error) {
	tracer := otel.Tracer("repo.registry")
	ctx, span := tracer.Start(ctx, "registry.ListEnabled")
	defer span.End()
	q := `SELECT ` + registryColumns + ` FROM model_registry WHERE enabled=1`
	args := []any{}
	if provider != "" {
		q += ` AND provider=?`
		args = append(args, string(provider))
	}
	q += ` ORDER BY model_id ASC`
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=registry.list_enabled: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.ModelRow
	for rows.Next() {
		m, err := scanModelRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("op=registry.list_enabled: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SetEnabled flips the enabled flag of one row.
func (r *RegistryRepo) SetEnabled(ctx domain.Context, modelID string, enabled bool) error {
	tracer := otel.Tracer("repo.registry")
	ctx, span := tracer.Start(ctx, "registry.SetEnabled")
	defer span.End()
	q := `UPDATE model_registry SET enabled=?, updated_at=? WHERE model_id=?`
	res, err := r.DB.ExecContext(ctx, q, boolInt(enabled), time.Now().UTC(), modelID)
	if err != nil {
		return fmt.Errorf("op=registry.set_enabled model=%s: %w", modelID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("op=registry.set_enabled model=%s: %w", modelID, domain.ErrNotFound)
	}
	return nil
}

// Tombstone disables every enabled row of the provider whose id was not
// seen in the latest discovery pass. The whole pass is one transaction.
func (r *RegistryRepo) Tombstone(ctx domain.Context, provider domain.Provider, keep []string) ([]string, error) {
	tracer := otel.Tracer("repo.registry")
	ctx, span := tracer.Start(ctx, "registry.Tombstone")
	defer span.End()
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("op=registry.tombstone: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	q := `SELECT model_id FROM model_registry WHERE provider=? AND enabled=1`
	args := []any{string(provider)}
	if len(keep) > 0 {
		q += ` AND model_id NOT IN (?` + strings.Repeat(",?", len(keep)-1) + `)`
		for _, id := range keep {
			args = append(args, id)
		}
	}
	rows, err := tx.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=registry.tombstone: %w", err)
	}
	var gone []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("op=registry.tombstone: %w", err)
		}
		gone = append(gone, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("op=registry.tombstone: %w", err)
	}
	_ = rows.Close()

	now := time.Now().UTC()
	for _, id := range gone {
		if _, err := tx.ExecContext(ctx,
			`UPDATE model_registry SET enabled=0, updated_at=? WHERE model_id=?`, now, id); err != nil {
			return nil, fmt.Errorf("op=registry.tombstone model=%s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("op=registry.tombstone: %w", err)
	}
	return gone, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
