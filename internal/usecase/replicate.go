package usecase

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/moneyclaw/moneyclaw/internal/adapter/observability"
	"github.com/moneyclaw/moneyclaw/internal/domain"
)

const sandboxOpTimeout = 60 * time.Second

var walletLineRe = regexp.MustCompile(`Wallet:\s*(0x[0-9a-fA-F]{40})`)

// Replicator spawns child automatons into remote sandboxes, funds them
// and walks each through the lifecycle state machine.
type Replicator struct {
	children domain.ChildRepo
	sandbox  domain.Sandbox
	funder   domain.Funder

	fundAmount int64
	// Sandbox bootstrap commands. installCmd prepares the runtime image,
	// initCmd prints the child wallet line, startCmd launches the loop.
	installCmd string
	initCmd    string
	startCmd   string
}

// ReplicatorConfig carries the sandbox bootstrap settings.
type ReplicatorConfig struct {
	FundAmount int64
	InstallCmd string
	InitCmd    string
	StartCmd   string
}

func NewReplicator(children domain.ChildRepo, sandbox domain.Sandbox, funder domain.Funder, cfg ReplicatorConfig) *Replicator {
	if cfg.InstallCmd == "" {
		cfg.InstallCmd = "curl -fsSL https://get.automaton.sh | sh"
	}
	if cfg.InitCmd == "" {
		cfg.InitCmd = "automaton init --json"
	}
	if cfg.StartCmd == "" {
		cfg.StartCmd = "automaton run --daemon"
	}
	return &Replicator{
		children:   children,
		sandbox:    sandbox,
		funder:     funder,
		fundAmount: cfg.FundAmount,
		installCmd: cfg.InstallCmd,
		initCmd:    cfg.InitCmd,
		startCmd:   cfg.StartCmd,
	}
}

// SpawnChild provisions a sandbox, installs and initializes the child
// runtime, verifies its wallet, funds it and starts it. Failures before
// the child row exists tear the sandbox down best-effort and return the
// original error; failures after it transition the child to dead.
func (r *Replicator) SpawnChild(ctx domain.Context, name, genesisPrompt string) (domain.Child, error) {
	sctx, cancel := context.WithTimeout(ctx, sandboxOpTimeout)
	sandboxID, err := r.sandbox.CreateSandbox(sctx, name)
	cancel()
	if err != nil {
		// No sandbox exists, so there is nothing to delete.
		return domain.Child{}, fmt.Errorf("op=replicate.spawn name=%s: %w", name, err)
	}

	address, err := r.bootstrap(ctx, sandboxID)
	if err != nil {
		r.teardownBestEffort(ctx, sandboxID)
		return domain.Child{}, fmt.Errorf("op=replicate.spawn name=%s: %w", name, err)
	}

	child := domain.Child{
		ID:            ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String(),
		Name:          name,
		Address:       address,
		SandboxID:     sandboxID,
		GenesisPrompt: genesisPrompt,
		Status:        domain.ChildSpawning,
		CreatedAt:     time.Now().UTC(),
	}
	first := domain.LifecycleEvent{
		ChildID:    child.ID,
		Seq:        0,
		Transition: "sandbox_create",
		ToState:    domain.StateSandboxCreated,
		At:         time.Now().UTC(),
	}
	if err := r.children.Insert(ctx, child, first); err != nil {
		r.teardownBestEffort(ctx, sandboxID)
		return domain.Child{}, fmt.Errorf("op=replicate.spawn name=%s: %w", name, err)
	}

	// From here the child row is durable: failures mark it dead rather
	// than erasing it.
	steps := []struct {
		transition string
		to         domain.LifecycleState
		run        func(domain.Context) error
	}{
		{"runtime_install", domain.StateRuntimeReady, func(domain.Context) error { return nil }},
		{"wallet_verify", domain.StateWalletVerified, func(domain.Context) error { return nil }},
		{"fund", domain.StateFunded, func(c domain.Context) error {
			return r.funder.Fund(c, address, r.fundAmount)
		}},
		{"start", domain.StateStarting, func(c domain.Context) error {
			return r.execOK(c, sandboxID, r.startCmd)
		}},
		{"health_check", domain.StateHealthy, func(domain.Context) error { return nil }},
	}
	for _, s := range steps {
		if err := s.run(ctx); err != nil {
			r.markDead(ctx, child.ID, s.transition+"_failed")
			return domain.Child{}, fmt.Errorf("op=replicate.spawn name=%s step=%s: %w", name, s.transition, err)
		}
		if err := r.children.Transition(ctx, child.ID, s.transition, s.to); err != nil {
			return domain.Child{}, fmt.Errorf("op=replicate.spawn name=%s step=%s: %w", name, s.transition, err)
		}
	}

	child.Status = domain.ChildHealthy
	observability.ChildrenSpawnedTotal.Inc()
	slog.Info("child spawned",
		slog.String("child", child.ID), slog.String("address", address), slog.String("sandbox", sandboxID))
	return child, nil
}

// bootstrap installs the runtime and extracts the child wallet address
// from the init output.
func (r *Replicator) bootstrap(ctx domain.Context, sandboxID string) (string, error) {
	if err := r.execOK(ctx, sandboxID, r.installCmd); err != nil {
		return "", fmt.Errorf("install: %w", err)
	}
	sctx, cancel := context.WithTimeout(ctx, sandboxOpTimeout)
	res, err := r.sandbox.Exec(sctx, sandboxID, r.initCmd)
	cancel()
	if err != nil {
		return "", fmt.Errorf("init: %w", err)
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("init exit=%d stderr=%s: %w", res.ExitCode, res.Stderr, domain.ErrTransient)
	}
	m := walletLineRe.FindStringSubmatch(res.Stdout)
	if m == nil {
		return "", fmt.Errorf("init output has no wallet line: %w", domain.ErrInvalidArgument)
	}
	address := m[1]
	if !domain.IsValidWalletAddress(address) {
		return "", fmt.Errorf("child wallet %q: %w", address, domain.ErrInvalidArgument)
	}
	return address, nil
}

func (r *Replicator) execOK(ctx domain.Context, sandboxID, command string) error {
	sctx, cancel := context.WithTimeout(ctx, sandboxOpTimeout)
	defer cancel()
	res, err := r.sandbox.Exec(sctx, sandboxID, command)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("command %q exit=%d stderr=%s: %w", command, res.ExitCode, res.Stderr, domain.ErrTransient)
	}
	return nil
}

// teardownBestEffort deletes an orphan sandbox; the caller's original
// error always wins over a deletion failure.
func (r *Replicator) teardownBestEffort(ctx domain.Context, sandboxID string) {
	sctx, cancel := context.WithTimeout(ctx, sandboxOpTimeout)
	defer cancel()
	if err := r.sandbox.DeleteSandbox(sctx, sandboxID); err != nil {
		slog.Warn("orphan sandbox teardown failed",
			slog.String("sandbox", sandboxID), slog.Any("error", err))
	}
}

func (r *Replicator) markDead(ctx domain.Context, childID, transition string) {
	if err := r.children.Transition(ctx, childID, transition, domain.StateDead); err != nil {
		slog.Warn("failed to mark child dead",
			slog.String("child", childID), slog.Any("error", err))
	}
}

// StopChild transitions a healthy child to stopped, halting its loop.
func (r *Replicator) StopChild(ctx domain.Context, childID string) error {
	child, err := r.children.Get(ctx, childID)
	if err != nil {
		return fmt.Errorf("op=replicate.stop child=%s: %w", childID, err)
	}
	if err := r.execOK(ctx, child.SandboxID, "automaton stop"); err != nil {
		return fmt.Errorf("op=replicate.stop child=%s: %w", childID, err)
	}
	if err := r.children.Transition(ctx, childID, "stop", domain.StateStopped); err != nil {
		return fmt.Errorf("op=replicate.stop child=%s: %w", childID, err)
	}
	return nil
}

// Cleanup deletes a stopped or dead child's sandbox and transitions it to
// cleaned_up. A deletion failure leaves the state unchanged so cleanup
// can be retried.
func (r *Replicator) Cleanup(ctx domain.Context, childID string) error {
	child, err := r.children.Get(ctx, childID)
	if err != nil {
		return fmt.Errorf("op=replicate.cleanup child=%s: %w", childID, err)
	}
	state, err := r.children.LatestState(ctx, childID)
	if err != nil {
		return fmt.Errorf("op=replicate.cleanup child=%s: %w", childID, err)
	}
	if !domain.CanTransition(state, domain.StateCleanedUp) {
		return fmt.Errorf("op=replicate.cleanup child=%s state=%s: %w", childID, state, domain.ErrInvalidArgument)
	}
	sctx, cancel := context.WithTimeout(ctx, sandboxOpTimeout)
	err = r.sandbox.DeleteSandbox(sctx, child.SandboxID)
	cancel()
	if err != nil {
		return fmt.Errorf("op=replicate.cleanup child=%s sandbox=%s: %w", childID, child.SandboxID, err)
	}
	if err := r.children.Transition(ctx, childID, "cleanup", domain.StateCleanedUp); err != nil {
		return fmt.Errorf("op=replicate.cleanup child=%s: %w", childID, err)
	}
	slog.Info("child cleaned up", slog.String("child", childID), slog.String("sandbox", child.SandboxID))
	return nil
}

// PruneDeadChildren cleans up dead children beyond the keepLast most
// recent, oldest first. Returns how many were cleaned.
func (r *Replicator) PruneDeadChildren(ctx domain.Context, keepLast int) (int, error) {
	dead, err := r.children.ListByStatus(ctx, domain.ChildDead)
	if err != nil {
		return 0, fmt.Errorf("op=replicate.prune: %w", err)
	}
	if keepLast < 0 {
		keepLast = 0
	}
	if len(dead) <= keepLast {
		return 0, nil
	}
	pruned := 0
	for _, child := range dead[:len(dead)-keepLast] {
		if err := r.Cleanup(ctx, child.ID); err != nil {
			slog.Warn("prune skipped child", slog.String("child", child.ID), slog.Any("error", err))
			continue
		}
		pruned++
	}
	observability.ChildrenPrunedTotal.Add(float64(pruned))
	return pruned, nil
}
