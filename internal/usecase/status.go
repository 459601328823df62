package usecase

import (
	"errors"
	"fmt"
	"time"

	"github.com/moneyclaw/moneyclaw/internal/domain"
)

// StatusReport is the snapshot printed by the status command.
type StatusReport struct {
	WalletAddress string      `json:"wallet_address"`
	Tier          domain.Tier `json:"tier"`
	Credits       int64       `json:"credits"`
	ActiveModel   string      `json:"active_model"`
	SessionOpen   bool        `json:"session_open"`
	LastError     string      `json:"last_error,omitempty"`
	GeneratedAt   time.Time   `json:"generated_at"`
}

// Status assembles a report from the durable store and the credit
// source. A missing identity is an error; everything else degrades to
// zero values.
func Status(ctx domain.Context, identity domain.IdentityRepo, sessions domain.SessionRepo, turns domain.TurnRepo, kv domain.KVRepo, credits domain.CreditSource) (StatusReport, error) {
	id, err := identity.Get(ctx)
	if err != nil {
		return StatusReport{}, fmt.Errorf("op=status: %w", err)
	}
	rep := StatusReport{
		WalletAddress: id.WalletAddress,
		Tier:          domain.TierNormal,
		GeneratedAt:   time.Now().UTC(),
	}
	if v, err := kv.Get(ctx, domain.KVCurrentTier); err == nil && domain.Tier(v).Valid() {
		rep.Tier = domain.Tier(v)
	}
	if v, err := kv.Get(ctx, domain.KVInferenceModel); err == nil {
		rep.ActiveModel = v
	}
	if bal, err := credits.Credits(ctx); err == nil {
		rep.Credits = bal
	}
	if _, err := sessions.Current(ctx); err == nil {
		rep.SessionOpen = true
	} else if !errors.Is(err, domain.ErrNotFound) {
		return StatusReport{}, fmt.Errorf("op=status: %w", err)
	}
	if msg, err := turns.LatestError(ctx); err == nil {
		rep.LastError = msg
	}
	return rep, nil
}
