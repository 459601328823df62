package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/moneyclaw/moneyclaw/internal/adapter/observability"
	"github.com/moneyclaw/moneyclaw/internal/domain"
)

const (
	inferenceTimeout = 30 * time.Second
	// criticalMaxTokens caps completion size below the critical tier.
	criticalMaxTokens = 1024
	maxChatRetries    = 3
)

// ChatOptions carries per-request overrides for Router.Chat.
type ChatOptions struct {
	Model     string
	MaxTokens int
	Tools     []domain.ToolSchema
}

// UsageSink receives usage and credit deltas for the turn in flight.
type UsageSink interface {
	RecordUsage(modelID string, usage domain.Usage, creditDelta int64)
}

// Router selects provider and model per request and dispatches chat
// calls with typed error mapping and retry.
type Router struct {
	registry domain.RegistryRepo
	clients  map[domain.Provider]domain.ProviderClient
	sink     UsageSink
	breakers *breakerSet

	mu              sync.Mutex
	defaultModel    string
	lowComputeModel string
	activeModel     string
	tier            domain.Tier
}

// NewRouter constructs a router. defaultModel and lowComputeModel come
// from configuration; lowComputeModel may be empty, in which case the
// hardcoded cheap model applies when low-compute mode engages.
func NewRouter(registry domain.RegistryRepo, clients map[domain.Provider]domain.ProviderClient, defaultModel, lowComputeModel string, sink UsageSink) *Router {
	return &Router{
		registry:        registry,
		clients:         clients,
		sink:            sink,
		breakers:        newBreakerSet(),
		defaultModel:    defaultModel,
		lowComputeModel: lowComputeModel,
		activeModel:     defaultModel,
		tier:            domain.TierNormal,
	}
}

// SetLowComputeMode swaps the router's default model field between the
// configured default and the low-compute model.
func (r *Router) SetLowComputeMode(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if on {
		r.activeModel = r.lowComputeModel
		if r.activeModel == "" {
			r.activeModel = CheapModel
		}
	} else {
		r.activeModel = r.defaultModel
	}
}

// SetTier records the tier used for registry minimum checks and the
// critical-tier token cap.
func (r *Router) SetTier(tier domain.Tier) {
	r.mu.Lock()
	r.tier = tier
	r.mu.Unlock()
}

// GetDefaultModel reflects the current low-compute setting.
func (r *Router) GetDefaultModel() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeModel
}

// Chat resolves a model and provider, dispatches the request and returns
// the adapted result. Resolution order: explicit override, low-compute
// override, registry default. A model the registry reports missing is
// disabled and resolution runs once more against the default.
func (r *Router) Chat(ctx domain.Context, messages []domain.Message, opts ChatOptions) (domain.ChatResult, error) {
	modelID := opts.Model
	explicit := modelID != ""
	if modelID == "" {
		modelID = r.GetDefaultModel()
	}
	res, err := r.chatOnce(ctx, modelID, messages, opts, explicit)
	if errors.Is(err, domain.ErrModelNotFound) {
		// The provider no longer serves this model: tombstone the row and
		// re-resolve once.
		slog.Warn("model rejected by provider, disabling registry row", slog.String("model", modelID))
		if derr := r.registry.SetEnabled(ctx, modelID, false); derr != nil && !errors.Is(derr, domain.ErrNotFound) {
			slog.Warn("failed to disable registry row", slog.String("model", modelID), slog.Any("error", derr))
		}
		fallback := r.GetDefaultModel()
		if fallback == modelID {
			return domain.ChatResult{}, err
		}
		return r.chatOnce(ctx, fallback, messages, opts, false)
	}
	return res, err
}

// chatOnce dispatches a single resolved request. The registry tier
// minimum gates explicitly requested models only: the router's own
// resolved default is always admitted, otherwise the forced cheap model
// would be unreachable at exactly the tiers that force it.
func (r *Router) chatOnce(ctx domain.Context, modelID string, messages []domain.Message, opts ChatOptions, explicit bool) (domain.ChatResult, error) {
	row, err := r.registry.Get(ctx, modelID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ChatResult{}, fmt.Errorf("op=router.chat model=%s: %w", modelID, domain.ErrModelNotFound)
		}
		return domain.ChatResult{}, fmt.Errorf("op=router.chat model=%s: %w", modelID, err)
	}
	if !row.Enabled {
		return domain.ChatResult{}, fmt.Errorf("op=router.chat model=%s: %w", modelID, domain.ErrModelDisabled)
	}
	r.mu.Lock()
	tier := r.tier
	r.mu.Unlock()
	if explicit && !tier.AtLeast(row.TierMinimum) {
		return domain.ChatResult{}, fmt.Errorf("op=router.chat model=%s tier=%s min=%s: %w",
			modelID, tier, row.TierMinimum, domain.ErrTierForbidsModel)
	}
	client, ok := r.clients[row.Provider]
	if !ok {
		return domain.ChatResult{}, fmt.Errorf("op=router.chat provider=%s: %w", row.Provider, domain.ErrModelNotFound)
	}
	breaker := r.breakers.get(string(row.Provider))
	if !breaker.allow() {
		return domain.ChatResult{}, fmt.Errorf("op=router.chat provider=%s: circuit open: %w", row.Provider, domain.ErrTransient)
	}

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 || maxTokens > row.MaxTokens {
		maxTokens = row.MaxTokens
	}
	if tier == domain.TierCritical && maxTokens > criticalMaxTokens {
		maxTokens = criticalMaxTokens
	}
	req := domain.ChatRequest{
		Model:      modelID,
		Messages:   messages,
		MaxTokens:  maxTokens,
		ParamStyle: row.ParamStyle,
	}
	if row.SupportsTools {
		req.Tools = opts.Tools
	}

	var res domain.ChatResult
	attempt := 0
	op := func() error {
		attempt++
		cctx, cancel := context.WithTimeout(ctx, inferenceTimeout)
		defer cancel()
		start := time.Now()
		var cerr error
		res, cerr = client.Chat(cctx, req)
		observability.InferenceDuration.WithLabelValues(string(row.Provider)).Observe(time.Since(start).Seconds())
		if cerr == nil {
			return nil
		}
		// Timeouts behave like 5xx.
		if errors.Is(cerr, context.DeadlineExceeded) {
			cerr = fmt.Errorf("op=router.chat model=%s: %w: deadline exceeded", modelID, domain.ErrTransient)
		}
		if errors.Is(cerr, domain.ErrTransient) && attempt < maxChatRetries {
			slog.Warn("transient inference failure, retrying",
				slog.String("model", modelID), slog.Int("attempt", attempt), slog.Any("error", cerr))
			return cerr
		}
		return backoff.Permanent(cerr)
	}
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 500 * time.Millisecond
	expo.MaxInterval = 5 * time.Second
	if err := backoff.Retry(op, backoff.WithContext(expo, ctx)); err != nil {
		if errors.Is(err, domain.ErrTransient) {
			breaker.failure()
		}
		observability.InferenceRequestsTotal.WithLabelValues(string(row.Provider), "error").Inc()
		return domain.ChatResult{}, err
	}
	breaker.success()
	observability.InferenceRequestsTotal.WithLabelValues(string(row.Provider), "ok").Inc()

	if r.sink != nil {
		r.sink.RecordUsage(modelID, res.Usage, -creditCost(row, res.Usage))
	}
	return res, nil
}

// creditCost converts token usage to whole credits, rounding up so the
// runtime never undercounts spend.
func creditCost(row domain.ModelRow, u domain.Usage) int64 {
	cost := float64(u.PromptTokens)/1000*row.InputCostPer1K +
		float64(u.CompletionTokens)/1000*row.OutputCostPer1K
	return int64(math.Ceil(cost))
}
