package sqlite

import (
	"database/sql"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/moneyclaw/moneyclaw/internal/domain"
)

// IdentityRepo persists the single identity row.
type IdentityRepo struct{ DB *sql.DB }

func NewIdentityRepo(db *sql.DB) *IdentityRepo { return &IdentityRepo{DB: db} }

// Insert writes the identity. It fails if one already exists or the
// wallet address does not validate; identity is immutable after init.
func (r *IdentityRepo) Insert(ctx domain.Context, id domain.Identity) error {
	tracer := otel.Tracer("repo.identity")
	ctx, span := tracer.Start(ctx, "identity.Insert")
	defer span.End()
	if !domain.IsValidWalletAddress(id.WalletAddress) {
		return fmt.Errorf("op=identity.insert: %w: wallet address", domain.ErrInvalidArgument)
	}
	var n int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM identity`).Scan(&n); err != nil {
		return fmt.Errorf("op=identity.insert: %w", err)
	}
	if n > 0 {
		return fmt.Errorf("op=identity.insert: identity already initialised: %w", domain.ErrInvalidArgument)
	}
	q := `INSERT INTO identity (wallet_address, creator_address, genesis_prompt, created_at) VALUES (?,?,?,?)`
	if _, err := r.DB.ExecContext(ctx, q, id.WalletAddress, id.CreatorAddress, id.GenesisPrompt, id.CreatedAt.UTC()); err != nil {
		return fmt.Errorf("op=identity.insert: %w", err)
	}
	return nil
}

// Get loads the identity row.
func (r *IdentityRepo) Get(ctx domain.Context) (domain.Identity, error) {
	tracer := otel.Tracer("repo.identity")
	ctx, span := tracer.Start(ctx, "identity.Get")
	defer span.End()
	q := `SELECT wallet_address, creator_address, genesis_prompt, created_at FROM identity LIMIT 1`
	var id domain.Identity
	err := r.DB.QueryRowContext(ctx, q).Scan(&id.WalletAddress, &id.CreatorAddress, &id.GenesisPrompt, &id.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Identity{}, fmt.Errorf("op=identity.get: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.Identity{}, fmt.Errorf("op=identity.get: %w", err)
	}
	return id, nil
}
