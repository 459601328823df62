package usecase

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/moneyclaw/moneyclaw/internal/adapter/observability"
	"github.com/moneyclaw/moneyclaw/internal/domain"
)

const (
	recentTurnWindow = 10

	// Backoff bounds for repeated identical failures.
	failureBackoffBase = 2 * time.Second
	failureBackoffMax  = 60 * time.Second
)

// Loop drives the Think, Act, Observe cycle. One Loop runs per process;
// it owns the current turn and terminates only on a dead tier or on
// context cancellation.
type Loop struct {
	identity  domain.Identity
	session   domain.Session
	turns     domain.TurnRepo
	kv        domain.KVRepo
	credits   domain.CreditSource
	children  domain.ChildRepo
	governor  *Governor
	router    *Router
	toolbox   *Toolbox
	heartbeat time.Duration

	lastCredits int64

	mu       sync.Mutex
	turnMeta struct {
		modelID     string
		usage       domain.Usage
		creditDelta int64
	}

	lastTier     domain.Tier
	lastFailure  string
	failureCount int
}

func NewLoop(identity domain.Identity, session domain.Session, turns domain.TurnRepo, kv domain.KVRepo, credits domain.CreditSource, governor *Governor, router *Router, toolbox *Toolbox, heartbeat time.Duration) *Loop {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &Loop{
		identity:  identity,
		session:   session,
		turns:     turns,
		kv:        kv,
		credits:   credits,
		governor:  governor,
		router:    router,
		toolbox:   toolbox,
		heartbeat: heartbeat,
	}
}

// SetRouter and SetGovernor break the construction cycle: the router's
// usage sink is the loop itself. Call both before Run.
func (l *Loop) SetRouter(r *Router)     { l.router = r }
func (l *Loop) SetGovernor(g *Governor) { l.governor = g }

// SetChildren enables the children count in the heartbeat report.
func (l *Loop) SetChildren(repo domain.ChildRepo) { l.children = repo }

// RecordUsage implements UsageSink; the router reports usage for the
// turn in flight.
func (l *Loop) RecordUsage(modelID string, usage domain.Usage, creditDelta int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.turnMeta.modelID = modelID
	l.turnMeta.usage.PromptTokens += usage.PromptTokens
	l.turnMeta.usage.CompletionTokens += usage.CompletionTokens
	l.turnMeta.creditDelta += creditDelta
}

func (l *Loop) takeTurnMeta() (string, domain.Usage, int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m := l.turnMeta
	l.turnMeta.modelID = ""
	l.turnMeta.usage = domain.Usage{}
	l.turnMeta.creditDelta = 0
	return m.modelID, m.usage, m.creditDelta
}

// Run executes heartbeats until the context is cancelled or the tier
// reaches dead. Repository failures are fatal and propagate; everything
// else is contained within the turn that raised it.
func (l *Loop) Run(ctx domain.Context) error {
	for {
		tier, err := l.assessTier(ctx)
		if err != nil {
			return err
		}
		if !CanRunInference(tier) {
			slog.Error("tier is dead, terminating loop")
			return fmt.Errorf("op=loop.run: tier dead: %w", domain.ErrFatal)
		}

		if err := l.runTurn(ctx, tier); err != nil {
			// Only storage failures escape a turn.
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.sleepFor()):
		}
	}
}

// assessTier samples credits and the failure rate and applies the
// resulting tier when it changed.
func (l *Loop) assessTier(ctx domain.Context) (domain.Tier, error) {
	credits, err := l.credits.Credits(ctx)
	if err != nil {
		slog.Warn("credit balance unavailable, keeping previous tier", slog.Any("error", err))
		if l.lastTier == "" {
			return domain.TierNormal, nil
		}
		return l.lastTier, nil
	}
	observability.CreditsGauge.Set(float64(credits))

	errs, err := l.turns.FailedPerHour(ctx, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("op=loop.assess: %w", err)
	}
	flags := HealthFlags{}
	if v, err := l.kv.Get(ctx, domain.KVTopupFailed); err == nil && v == "true" {
		flags.TopupFailed = true
	}
	if v, err := l.kv.Get(ctx, domain.KVTopupImpossible); err == nil && v == "true" {
		flags.TopupImpossible = true
	}

	l.lastCredits = credits
	tier := l.governor.Classify(credits, errs, flags)
	if tier != l.lastTier {
		slog.Info("tier transition",
			slog.String("from", string(l.lastTier)), slog.String("to", string(tier)),
			slog.Int64("credits", credits), slog.Int("errors_per_hour", errs))
		if err := l.governor.ApplyRestrictions(ctx, tier); err != nil {
			return "", err
		}
		l.lastTier = tier
	}
	return tier, nil
}

// runTurn executes one Think, Act, Observe cycle. The turn row is opened
// pending before inference and finished exactly once.
func (l *Loop) runTurn(ctx domain.Context, tier domain.Tier) error {
	turn, err := l.turns.Insert(ctx, domain.Turn{
		ID:        uuid.NewString(),
		SessionID: l.session.ID,
		Tier:      tier,
		Status:    domain.TurnPending,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("op=loop.turn: %w", err)
	}

	messages, err := l.composePrompt(ctx)
	if err != nil {
		return l.finishFailed(ctx, turn, err)
	}

	res, err := l.router.Chat(ctx, messages, ChatOptions{Tools: l.toolbox.Schemas()})
	if err != nil {
		return l.finishFailed(ctx, turn, err)
	}

	// Act: dispatch requested tools sequentially, preserving order.
	calls := make([]domain.ToolCall, 0, len(res.Message.ToolUses))
	for i, use := range res.Message.ToolUses {
		started := time.Now().UTC()
		output, terr := l.toolbox.Dispatch(ctx, use)
		exit := 0
		if terr != nil {
			exit = 1
			output = "error: " + terr.Error()
			slog.Warn("tool call failed", slog.String("tool", use.Name), slog.Any("error", terr))
		}
		calls = append(calls, domain.ToolCall{
			ID:         uuid.NewString(),
			TurnID:     turn.ID,
			Seq:        i,
			Name:       use.Name,
			Input:      use.Arguments,
			Output:     output,
			ExitCode:   exit,
			StartedAt:  started,
			FinishedAt: time.Now().UTC(),
		})
	}

	modelID, usage, delta := l.takeTurnMeta()
	turn.ModelID = modelID
	turn.PromptTokens = usage.PromptTokens
	turn.CompletionTokens = usage.CompletionTokens
	turn.CreditDelta = delta
	turn.Status = domain.TurnCompleted
	if err := l.turns.Finish(ctx, turn, calls); err != nil {
		return fmt.Errorf("op=loop.turn: %w", err)
	}
	observability.TurnsTotal.WithLabelValues("completed").Inc()
	l.noteSuccess()
	slog.Info("turn completed",
		slog.Int64("index", turn.Index), slog.String("model", modelID),
		slog.Int("tool_calls", len(calls)), slog.Int64("credit_delta", delta))
	return nil
}

// finishFailed commits a failed turn. Storage failure while doing so is
// fatal; the inference or tool error itself is contained.
func (l *Loop) finishFailed(ctx domain.Context, turn domain.Turn, cause error) error {
	modelID, usage, delta := l.takeTurnMeta()
	turn.ModelID = modelID
	turn.PromptTokens = usage.PromptTokens
	turn.CompletionTokens = usage.CompletionTokens
	turn.CreditDelta = delta
	turn.Status = domain.TurnFailed
	turn.Error = cause.Error()
	if err := l.turns.Finish(ctx, turn, nil); err != nil {
		return fmt.Errorf("op=loop.turn: %w", err)
	}
	observability.TurnsTotal.WithLabelValues("failed").Inc()
	l.noteFailure(cause)
	slog.Error("turn failed", slog.Int64("index", turn.Index), slog.Any("error", cause))
	if errors.Is(cause, domain.ErrFatal) {
		return cause
	}
	return nil
}

// composePrompt builds the conversation for this heartbeat: the genesis
// prompt as system message, a digest of recent turns and the heartbeat
// instruction.
func (l *Loop) composePrompt(ctx domain.Context) ([]domain.Message, error) {
	messages := []domain.Message{{Role: domain.RoleSystem, Content: l.identity.GenesisPrompt}}

	recent, err := l.turns.Recent(ctx, l.session.ID, recentTurnWindow)
	if err != nil {
		return nil, fmt.Errorf("op=loop.prompt: %w", err)
	}
	if len(recent) > 0 {
		var sb strings.Builder
		sb.WriteString("Recent turns:\n")
		for _, t := range recent {
			fmt.Fprintf(&sb, "- turn %d [%s] model=%s", t.Index, t.Status, t.ModelID)
			if t.Error != "" {
				fmt.Fprintf(&sb, " error=%s", t.Error)
			}
			sb.WriteByte('\n')
		}
		messages = append(messages, domain.Message{Role: domain.RoleUser, Content: sb.String()})
	}
	var hb strings.Builder
	fmt.Fprintf(&hb, "Heartbeat. credits=%d tier=%s", l.lastCredits, l.lastTier)
	if l.children != nil {
		if healthy, err := l.children.ListByStatus(ctx, domain.ChildHealthy); err == nil {
			fmt.Fprintf(&hb, " healthy_children=%d", len(healthy))
		}
	}
	hb.WriteString("\nAssess your situation and act. Use tools when needed; reply with your reasoning otherwise.")
	messages = append(messages, domain.Message{Role: domain.RoleUser, Content: hb.String()})
	return messages, nil
}

// sleepFor returns the heartbeat interval plus an exponential backoff
// while the same failure keeps repeating, so the stretch is observable
// even with a heartbeat longer than the backoff cap.
func (l *Loop) sleepFor() time.Duration {
	if l.failureCount < 2 {
		return l.heartbeat
	}
	d := failureBackoffBase << (l.failureCount - 2)
	if d <= 0 || d > failureBackoffMax {
		d = failureBackoffMax
	}
	return l.heartbeat + d
}

func (l *Loop) noteFailure(cause error) {
	msg := cause.Error()
	if msg == l.lastFailure {
		l.failureCount++
		return
	}
	l.lastFailure = msg
	l.failureCount = 1
}

func (l *Loop) noteSuccess() {
	l.lastFailure = ""
	l.failureCount = 0
}
