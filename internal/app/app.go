// Package app assembles the runtime: storage, provider clients, the
// governor, router, replicator and the agent loop, plus the background
// schedules for discovery and pruning.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/moneyclaw/moneyclaw/internal/adapter/provider/anthropic"
	"github.com/moneyclaw/moneyclaw/internal/adapter/provider/ollama"
	"github.com/moneyclaw/moneyclaw/internal/adapter/provider/openai"
	"github.com/moneyclaw/moneyclaw/internal/adapter/repo/sqlite"
	"github.com/moneyclaw/moneyclaw/internal/adapter/sandbox/conway"
	"github.com/moneyclaw/moneyclaw/internal/config"
	"github.com/moneyclaw/moneyclaw/internal/domain"
	"github.com/moneyclaw/moneyclaw/internal/usecase"
)

// Sentinel errors the command layer maps to process exit codes.
var (
	ErrStore  = errors.New("storage unavailable")
	ErrWallet = errors.New("wallet not configured")
)

const httpTimeout = 90 * time.Second

// Runtime is the assembled automaton process.
type Runtime struct {
	cfg     config.Config
	store   *sqlite.Store
	conway  *conway.Client
	clients map[domain.Provider]domain.ProviderClient

	session domain.Session
	loop    *usecase.Loop
	disco   *usecase.Discovery
	repl    *usecase.Replicator
	cron    *cron.Cron
}

// New opens storage and wires every collaborator. The identity row must
// already exist; run Init first on a fresh home directory.
func New(ctx context.Context, cfg config.Config) (*Runtime, error) {
	db, err := sqlite.Open(ctx, config.DBPath())
	if err != nil {
		return nil, fmt.Errorf("op=app.new: %w: %v", ErrStore, err)
	}
	store := sqlite.NewStore(db)

	identity, err := store.Identity.Get(ctx)
	if err != nil {
		store.Close()
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("op=app.new: no identity, run init first: %w", ErrWallet)
		}
		return nil, fmt.Errorf("op=app.new: %w: %v", ErrStore, err)
	}
	if !domain.IsValidWalletAddress(identity.WalletAddress) {
		store.Close()
		return nil, fmt.Errorf("op=app.new: identity wallet %q: %w", identity.WalletAddress, ErrWallet)
	}

	hc := &http.Client{Timeout: httpTimeout}
	cw := conway.New(cfg.ConwayAPIURL, cfg.ConwayAPIKey, hc)
	clients := providerClients(cfg, hc)

	session, err := store.Sessions.Open(ctx, time.Now().UTC())
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("op=app.new: %w: %v", ErrStore, err)
	}

	rt := &Runtime{
		cfg:     cfg,
		store:   store,
		conway:  cw,
		clients: clients,
		session: session,
	}

	// A model picked at runtime overrides the configured default.
	defaultModel := cfg.InferenceModel
	if v, err := store.KV.Get(ctx, domain.KVInferenceModel); err == nil && v != "" {
		defaultModel = v
	}
	if defaultModel == "" {
		defaultModel = usecase.CheapModel
	}
	rt.wire(identity, defaultModel)
	return rt, nil
}

// providerClients builds one chat client per configured provider. The
// Conway inference endpoint speaks the OpenAI dialect.
func providerClients(cfg config.Config, hc *http.Client) map[domain.Provider]domain.ProviderClient {
	clients := map[domain.Provider]domain.ProviderClient{
		domain.ProviderConway: openai.New(cfg.ConwayAPIURL, cfg.ConwayAPIKey, hc),
	}
	if cfg.OpenAIAPIKey != "" {
		clients[domain.ProviderOpenAI] = openai.New(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, hc)
	}
	if cfg.AnthropicAPIKey != "" {
		clients[domain.ProviderAnthropic] = anthropic.New(cfg.AnthropicBaseURL, cfg.AnthropicAPIKey, hc)
	}
	if cfg.OllamaBaseURL != "" {
		clients[domain.ProviderOllama] = ollama.New(cfg.OllamaBaseURL, hc)
	}
	return clients
}

func (rt *Runtime) wire(identity domain.Identity, defaultModel string) {
	cfg := rt.cfg
	rt.disco = usecase.NewDiscovery(rt.store.Registry, rt.clients)
	rt.repl = usecase.NewReplicator(rt.store.Children, rt.conway, rt.conway, usecase.ReplicatorConfig{
		FundAmount: cfg.ChildFundAmount,
	})

	toolbox := usecase.NewToolbox()
	loop := usecase.NewLoop(identity, rt.session, rt.store.Turns, rt.store.KV, rt.conway,
		nil, nil, toolbox, cfg.HeartbeatInterval)
	router := usecase.NewRouter(rt.store.Registry, rt.clients, defaultModel, "", loop)
	governor := usecase.NewGovernor(usecase.Thresholds{
		High:     cfg.TierHighCredits,
		Normal:   cfg.TierNormalCredits,
		Low:      cfg.TierLowCredits,
		Critical: cfg.TierCriticalCredits,
	}, rt.store.KV, router)
	loop.SetRouter(router)
	loop.SetGovernor(governor)
	loop.SetChildren(rt.store.Children)
	usecase.RegisterBuiltins(toolbox, rt.conway, rt.store.Children, rt.store.KV, rt.repl, nil)
	rt.loop = loop
}

// Run executes one discovery pass, starts the background schedules and
// drives the agent loop until the context is cancelled.
func (rt *Runtime) Run(ctx context.Context) error {
	if err := rt.disco.Refresh(ctx); err != nil {
		slog.Warn("initial discovery pass failed", slog.Any("error", err))
	}
	rt.startSchedules(ctx)
	defer rt.Shutdown()

	err := rt.loop.Run(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// startSchedules runs discovery refresh and dead-child pruning on the
// configured intervals. Both are skipped below normal tier.
func (rt *Runtime) startSchedules(ctx context.Context) {
	rt.cron = cron.New()
	rt.cron.Schedule(cron.Every(rt.cfg.DiscoveryRefresh), cron.FuncJob(func() {
		if !rt.sideEffectsAllowed(ctx) {
			slog.Debug("skipping discovery refresh at restricted tier")
			return
		}
		if err := rt.disco.Refresh(ctx); err != nil {
			slog.Warn("scheduled discovery refresh failed", slog.Any("error", err))
		}
	}))
	rt.cron.Schedule(cron.Every(rt.cfg.PruneInterval), cron.FuncJob(func() {
		if !rt.sideEffectsAllowed(ctx) {
			slog.Debug("skipping prune at restricted tier")
			return
		}
		n, err := rt.repl.PruneDeadChildren(ctx, rt.cfg.KeepDeadChildren)
		if err != nil {
			slog.Warn("scheduled prune failed", slog.Any("error", err))
			return
		}
		if n > 0 {
			slog.Info("pruned dead children", slog.Int("count", n))
		}
	}))
	rt.cron.Start()
}

func (rt *Runtime) sideEffectsAllowed(ctx context.Context) bool {
	v, err := rt.store.KV.Get(ctx, domain.KVCurrentTier)
	if err != nil {
		return true // no tier recorded yet
	}
	return usecase.SideEffectsAllowed(domain.Tier(v))
}

// Shutdown closes the session, fails any pending turn and closes the
// store. Safe to call more than once.
func (rt *Runtime) Shutdown() {
	if rt.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if rt.cron != nil {
		<-rt.cron.Stop().Done()
		rt.cron = nil
	}
	if n, err := rt.store.Turns.FlushPending(ctx, "shutdown"); err != nil {
		slog.Warn("failed to flush pending turns", slog.Any("error", err))
	} else if n > 0 {
		slog.Info("flushed pending turns", slog.Int("count", n))
	}
	if err := rt.store.Sessions.Close(ctx, rt.session.ID, time.Now().UTC()); err != nil {
		slog.Warn("failed to close session", slog.Any("error", err))
	}
	rt.store.Close()
	rt.store = nil
	slog.Info("runtime shut down")
}

// Init provisions a fresh home directory: it opens the store, writes the
// identity row from configuration and closes again. Idempotent; a second
// call reports the existing identity.
func Init(ctx context.Context, cfg config.Config) (domain.Identity, error) {
	db, err := sqlite.Open(ctx, config.DBPath())
	if err != nil {
		return domain.Identity{}, fmt.Errorf("op=app.init: %w: %v", ErrStore, err)
	}
	store := sqlite.NewStore(db)
	defer store.Close()

	if existing, err := store.Identity.Get(ctx); err == nil {
		return existing, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.Identity{}, fmt.Errorf("op=app.init: %w: %v", ErrStore, err)
	}

	if !domain.IsValidWalletAddress(cfg.WalletAddress) {
		return domain.Identity{}, fmt.Errorf("op=app.init: wallet %q: %w", cfg.WalletAddress, ErrWallet)
	}
	genesis := cfg.GenesisPrompt
	if genesis == "" {
		genesis = "You are an autonomous automaton. Maintain your credit balance, stay healthy and pursue your creator's goals."
	}
	identity := domain.Identity{
		WalletAddress:  cfg.WalletAddress,
		CreatorAddress: cfg.CreatorAddress,
		GenesisPrompt:  genesis,
		CreatedAt:      time.Now().UTC(),
	}
	if err := store.Identity.Insert(ctx, identity); err != nil {
		return domain.Identity{}, fmt.Errorf("op=app.init: %w", err)
	}
	slog.Info("identity provisioned", slog.String("wallet", identity.WalletAddress))
	return identity, nil
}

// StatusReport assembles the status snapshot against the durable store.
func StatusReport(ctx context.Context, cfg config.Config) (usecase.StatusReport, error) {
	db, err := sqlite.Open(ctx, config.DBPath())
	if err != nil {
		return usecase.StatusReport{}, fmt.Errorf("op=app.status: %w: %v", ErrStore, err)
	}
	store := sqlite.NewStore(db)
	defer store.Close()

	cw := conway.New(cfg.ConwayAPIURL, cfg.ConwayAPIKey, &http.Client{Timeout: 10 * time.Second})
	return usecase.Status(ctx, store.Identity, store.Sessions, store.Turns, store.KV, cw)
}

// PickModel records the model the loop should use by default and verifies
// it exists in the registry when one is present.
func PickModel(ctx context.Context, modelID string) error {
	db, err := sqlite.Open(ctx, config.DBPath())
	if err != nil {
		return fmt.Errorf("op=app.pick_model: %w: %v", ErrStore, err)
	}
	store := sqlite.NewStore(db)
	defer store.Close()

	row, err := store.Registry.Get(ctx, modelID)
	switch {
	case err == nil:
		if !row.Enabled {
			return fmt.Errorf("op=app.pick_model model=%s: %w", modelID, domain.ErrModelDisabled)
		}
	case errors.Is(err, domain.ErrNotFound):
		// Not discovered yet; accept and let discovery fill the row in.
		slog.Warn("model not in registry yet", slog.String("model", modelID))
	default:
		return fmt.Errorf("op=app.pick_model: %w", err)
	}
	return store.KV.Set(ctx, domain.KVInferenceModel, modelID)
}
