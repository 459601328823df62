// Package usecase contains the runtime's application logic: the survival
// tier governor, the inference router, model discovery, replication and
// the agent loop.
package usecase

import (
	"fmt"
	"log/slog"

	"github.com/moneyclaw/moneyclaw/internal/adapter/observability"
	"github.com/moneyclaw/moneyclaw/internal/domain"
)

// CheapModel is the fallback model forced below normal tier when no
// low-compute model is configured. It is itself a registry entry.
const CheapModel = "gpt-5-mini"

// Thresholds are the credit cutoffs for tier classification. They must
// satisfy High > Normal > Low > Critical > 0; config validation enforces
// this.
type Thresholds struct {
	High     int64
	Normal   int64
	Low      int64
	Critical int64
	// MaxErrorsPerHourHigh is the error-rate ceiling for the high tier.
	MaxErrorsPerHourHigh int
}

// HealthFlags carry the non-credit signals that feed classification.
type HealthFlags struct {
	TopupFailed     bool
	TopupImpossible bool
}

// LowComputeSwitch is the restriction the governor toggles on the router.
type LowComputeSwitch interface {
	SetLowComputeMode(on bool)
	SetTier(tier domain.Tier)
}

// Governor maps observable health signals to a survival tier and applies
// per-tier restrictions. Classification itself is pure.
type Governor struct {
	thresholds Thresholds
	kv         domain.KVRepo
	router     LowComputeSwitch
}

func NewGovernor(t Thresholds, kv domain.KVRepo, router LowComputeSwitch) *Governor {
	if t.MaxErrorsPerHourHigh <= 0 {
		t.MaxErrorsPerHourHigh = 5
	}
	return &Governor{thresholds: t, kv: kv, router: router}
}

// Classify is the pure mapping (credits, errors, flags) → tier.
// Transitions are unrestricted across calls: the governor recovers from
// critical to normal when credits rise.
func (g *Governor) Classify(credits int64, errsPerHour int, f HealthFlags) domain.Tier {
	t := g.thresholds
	switch {
	case credits < t.Critical && f.TopupImpossible:
		return domain.TierDead
	case credits >= t.High && errsPerHour < t.MaxErrorsPerHourHigh:
		return domain.TierHigh
	case credits >= t.Normal:
		return domain.TierNormal
	case credits >= t.Low || f.TopupFailed:
		return domain.TierLowCompute
	default:
		// Below the low cutoff but a topup is still possible: hold at
		// critical rather than terminating.
		return domain.TierCritical
	}
}

// ApplyRestrictions records the tier in KV and toggles the router's
// low-compute mode.
func (g *Governor) ApplyRestrictions(ctx domain.Context, tier domain.Tier) error {
	if err := g.kv.Set(ctx, domain.KVCurrentTier, string(tier)); err != nil {
		return fmt.Errorf("op=governor.apply tier=%s: %w", tier, err)
	}
	low := tier == domain.TierLowCompute || tier == domain.TierCritical || tier == domain.TierDead
	g.router.SetLowComputeMode(low)
	g.router.SetTier(tier)
	observability.TierGauge.Set(float64(tier.Rank()))
	slog.Info("tier restrictions applied", slog.String("tier", string(tier)), slog.Bool("low_compute", low))
	return nil
}

// CanRunInference is true for every tier except dead.
func CanRunInference(tier domain.Tier) bool { return tier != domain.TierDead }

// ModelForTier returns the default model at high and normal tier and the
// cheap model otherwise.
func ModelForTier(tier domain.Tier, defaultModel string) string {
	if tier == domain.TierHigh || tier == domain.TierNormal {
		return defaultModel
	}
	return CheapModel
}

// SideEffectsAllowed reports whether optional heartbeat work (discovery
// refresh, replication) may run at this tier.
func SideEffectsAllowed(tier domain.Tier) bool {
	return tier == domain.TierHigh || tier == domain.TierNormal
}
