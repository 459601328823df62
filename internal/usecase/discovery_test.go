package usecase

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moneyclaw/moneyclaw/internal/domain"
)

func TestDiscoveryUpsertsAndTombstones(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	registry := newRegistryStub(
		modelRow("gpt-a", domain.ProviderOpenAI),
		modelRow("gpt-b", domain.ProviderOpenAI),
		modelRow("claude-x", domain.ProviderAnthropic),
	)
	client := &clientStub{models: []domain.DiscoveredModel{
		{ID: "gpt-a", DisplayName: "GPT A"},
		{ID: "gpt-c", DisplayName: "GPT C"},
	}}
	d := NewDiscovery(registry, map[domain.Provider]domain.ProviderClient{domain.ProviderOpenAI: client})

	require.NoError(t, d.Refresh(ctx))

	// gpt-a survived, gpt-c is new, gpt-b vanished and is tombstoned.
	a, err := registry.Get(ctx, "gpt-a")
	require.NoError(t, err)
	assert.True(t, a.Enabled)
	c, err := registry.Get(ctx, "gpt-c")
	require.NoError(t, err)
	assert.True(t, c.Enabled)
	b, err := registry.Get(ctx, "gpt-b")
	require.NoError(t, err)
	assert.False(t, b.Enabled)

	// Another provider's rows are untouched.
	x, err := registry.Get(ctx, "claude-x")
	require.NoError(t, err)
	assert.True(t, x.Enabled)
}

func TestDiscoveryListingFailureKeepsCache(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	registry := newRegistryStub(modelRow("gpt-a", domain.ProviderOpenAI))
	client := &clientStub{listErr: domain.ErrTransient}
	d := NewDiscovery(registry, map[domain.Provider]domain.ProviderClient{domain.ProviderOpenAI: client})

	require.NoError(t, d.Refresh(ctx))

	row, err := registry.Get(ctx, "gpt-a")
	require.NoError(t, err)
	assert.True(t, row.Enabled, "cached rows stay enabled when listing fails")
	assert.Empty(t, registry.disabled)
}

func TestDefaultRowHeuristics(t *testing.T) {
	t.Parallel()
	now := testNow()

	row := defaultRow(domain.ProviderOpenAI, domain.DiscoveredModel{ID: "gpt-5-mini", DisplayName: "GPT 5 mini"}, now)
	assert.Equal(t, domain.ParamMaxCompletionTokens, row.ParamStyle)
	assert.Equal(t, 128_000, row.ContextWindow)
	assert.True(t, row.SupportsVision)
	assert.True(t, row.Enabled)
	assert.Equal(t, domain.TierNormal, row.TierMinimum)

	row = defaultRow(domain.ProviderOpenAI, domain.DiscoveredModel{ID: "o1-preview"}, now)
	assert.Equal(t, domain.ParamMaxCompletionTokens, row.ParamStyle)

	row = defaultRow(domain.ProviderAnthropic, domain.DiscoveredModel{ID: "claude-sonnet-4-5"}, now)
	assert.Equal(t, domain.ParamMaxTokens, row.ParamStyle)
	assert.Equal(t, 200_000, row.ContextWindow)

	row = defaultRow(domain.ProviderOllama, domain.DiscoveredModel{ID: "llama3.1:8b"}, now)
	assert.Equal(t, 8192, row.ContextWindow)
	assert.False(t, row.SupportsVision)
}
