package sqlite

import (
	"database/sql"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/moneyclaw/moneyclaw/internal/domain"
)

// KVRepo is the last-write-wins configuration and flag store.
type KVRepo struct{ DB *sql.DB }

func NewKVRepo(db *sql.DB) *KVRepo { return &KVRepo{DB: db} }

// Get returns the latest committed value, or ErrNotFound.
func (r *KVRepo) Get(ctx domain.Context, key string) (string, error) {
	tracer := otel.Tracer("repo.kv")
	ctx, span := tracer.Start(ctx, "kv.Get")
	defer span.End()
	var v string
	err := r.DB.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("op=kv.get key=%s: %w", key, domain.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("op=kv.get key=%s: %w", key, err)
	}
	return v, nil
}

// Set writes the value, replacing any previous one.
func (r *KVRepo) Set(ctx domain.Context, key, value string) error {
	tracer := otel.Tracer("repo.kv")
	ctx, span := tracer.Start(ctx, "kv.Set")
	defer span.End()
	q := `INSERT INTO kv (key, value) VALUES (?,?) ON CONFLICT(key) DO UPDATE SET value=excluded.value`
	if _, err := r.DB.ExecContext(ctx, q, key, value); err != nil {
		return fmt.Errorf("op=kv.set key=%s: %w", key, err)
	}
	return nil
}
