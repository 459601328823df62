package domain_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/moneyclaw/moneyclaw/internal/domain"
)

func TestIsValidWalletAddress(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		addr string
		ok   bool
	}{
		{"valid lowercase", "0x" + strings.Repeat("ab12cd34ef", 4), true},
		{"valid mixed case", "0xAbCdEf1234567890aBcDeF1234567890abcdef12", true},
		{"zero address", domain.ZeroAddress(), false},
		{"too short", "0x1234", false},
		{"too long", "0x" + strings.Repeat("a", 41), false},
		{"missing prefix", strings.Repeat("a", 42), false},
		{"non-hex", "0x" + strings.Repeat("g", 40), false},
		{"empty", "", false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.ok, domain.IsValidWalletAddress(tc.addr))
		})
	}
}

func TestTierRankOrdering(t *testing.T) {
	t.Parallel()
	assert.True(t, domain.TierHigh.AtLeast(domain.TierNormal))
	assert.True(t, domain.TierNormal.AtLeast(domain.TierNormal))
	assert.False(t, domain.TierCritical.AtLeast(domain.TierNormal))
	assert.False(t, domain.Tier("bogus").Valid())
	assert.Equal(t, -1, domain.Tier("bogus").Rank())
}

func TestLifecycleTransitions(t *testing.T) {
	t.Parallel()
	// Forward chain is legal step by step.
	chain := []domain.LifecycleState{
		domain.StateInit, domain.StateSandboxCreated, domain.StateRuntimeReady,
		domain.StateWalletVerified, domain.StateFunded, domain.StateStarting,
		domain.StateHealthy, domain.StateStopped, domain.StateCleanedUp,
	}
	for i := 1; i < len(chain); i++ {
		assert.True(t, domain.CanTransition(chain[i-1], chain[i]), "%s -> %s", chain[i-1], chain[i])
	}
	// No skipping forward.
	assert.False(t, domain.CanTransition(domain.StateInit, domain.StateFunded))
	// dead from any running state.
	assert.True(t, domain.CanTransition(domain.StateHealthy, domain.StateDead))
	assert.True(t, domain.CanTransition(domain.StateSandboxCreated, domain.StateDead))
	assert.False(t, domain.CanTransition(domain.StateCleanedUp, domain.StateDead))
	// cleaned_up only from stopped or dead.
	assert.True(t, domain.CanTransition(domain.StateDead, domain.StateCleanedUp))
	assert.False(t, domain.CanTransition(domain.StateHealthy, domain.StateCleanedUp))
}

func TestStatusFor(t *testing.T) {
	t.Parallel()
	assert.Equal(t, domain.ChildSpawning, domain.StatusFor(domain.StateFunded))
	assert.Equal(t, domain.ChildHealthy, domain.StatusFor(domain.StateHealthy))
	assert.Equal(t, domain.ChildDead, domain.StatusFor(domain.StateDead))
	assert.Equal(t, domain.ChildCleanedUp, domain.StatusFor(domain.StateCleanedUp))
}
