package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/moneyclaw/moneyclaw/internal/domain"
)

const discoveryTimeout = 10 * time.Second

// Heuristics for registry defaults on first sight of a model id.
var (
	completionTokensRe = regexp.MustCompile(`^(o[13]|gpt-5)`)
	visionRe           = regexp.MustCompile(`(gpt-4o|gpt-4\.1|gpt-5|o[13]|claude-3|claude-[a-z]+-4|vision|llava)`)
)

// Discovery refreshes the model registry from the configured providers.
// A provider that fails its listing keeps its cached rows untouched.
type Discovery struct {
	registry domain.RegistryRepo
	clients  map[domain.Provider]domain.ProviderClient
}

func NewDiscovery(registry domain.RegistryRepo, clients map[domain.Provider]domain.ProviderClient) *Discovery {
	return &Discovery{registry: registry, clients: clients}
}

// Refresh runs one discovery pass per configured provider. Listing
// failures are soft: they are logged and the pass moves on without
// tombstoning that provider's rows. The returned error covers only
// registry write failures.
func (d *Discovery) Refresh(ctx domain.Context) error {
	for provider, client := range d.clients {
		if err := d.refreshProvider(ctx, provider, client); err != nil {
			return err
		}
	}
	return nil
}

func (d *Discovery) refreshProvider(ctx domain.Context, provider domain.Provider, client domain.ProviderClient) error {
	lctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	models, err := client.ListModels(lctx)
	cancel()
	if err != nil {
		slog.Warn("model discovery failed, keeping cached catalogue",
			slog.String("provider", string(provider)), slog.Any("error", err))
		return nil
	}

	now := time.Now().UTC()
	seen := make([]string, 0, len(models))
	for _, m := range models {
		seen = append(seen, m.ID)
		row := defaultRow(provider, m, now)
		if err := d.registry.Upsert(ctx, row); err != nil {
			return fmt.Errorf("op=discovery.refresh provider=%s model=%s: %w", provider, m.ID, err)
		}
	}
	// The listing succeeded, so an enabled row the provider no longer
	// reports is genuinely gone.
	disabled, err := d.registry.Tombstone(ctx, provider, seen)
	if err != nil {
		return fmt.Errorf("op=discovery.refresh provider=%s: %w", provider, err)
	}
	if len(disabled) > 0 {
		slog.Info("tombstoned vanished models",
			slog.String("provider", string(provider)), slog.Any("models", disabled))
	}
	slog.Info("model discovery pass complete",
		slog.String("provider", string(provider)),
		slog.Int("seen", len(seen)), slog.Int("tombstoned", len(disabled)))
	return nil
}

// defaultRow builds the registry defaults for a newly discovered model.
// Upsert preserves human edits, so these only apply on first insert.
func defaultRow(provider domain.Provider, m domain.DiscoveredModel, now time.Time) domain.ModelRow {
	row := domain.ModelRow{
		ModelID:       m.ID,
		Provider:      provider,
		DisplayName:   m.DisplayName,
		TierMinimum:   domain.TierNormal,
		MaxTokens:     4096,
		SupportsTools: true,
		ParamStyle:    domain.ParamMaxTokens,
		Enabled:       true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	switch provider {
	case domain.ProviderAnthropic:
		row.ContextWindow = 200_000
	case domain.ProviderOllama:
		row.ContextWindow = 8192
	default:
		row.ContextWindow = 128_000
	}
	if completionTokensRe.MatchString(m.ID) {
		row.ParamStyle = domain.ParamMaxCompletionTokens
	}
	row.SupportsVision = visionRe.MatchString(m.ID)
	return row
}
