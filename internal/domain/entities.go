// Package domain holds the entities, ports and error taxonomy of the
// automaton runtime. Adapters and usecases depend on this package; it
// depends on nothing but the standard library.
package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Error taxonomy (sentinels). Classification drives retry and skip
// behaviour in the router and the agent loop; see the usecase package.
var (
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrNotFound            = errors.New("not found")
	ErrTransient           = errors.New("transient upstream error")
	ErrAuth                = errors.New("authentication failed")
	ErrModelNotFound       = errors.New("model not found")
	ErrEndpointUnsupported = errors.New("endpoint not supported")
	ErrTierForbidsModel    = errors.New("model not available at current tier")
	ErrModelDisabled       = errors.New("model disabled")
	ErrFatal               = errors.New("fatal runtime error")
)

// Identity is the one durable row describing who this automaton is.
// Immutable after init; a zero wallet address is never valid.
type Identity struct {
	WalletAddress  string
	CreatorAddress string
	GenesisPrompt  string
	CreatedAt      time.Time
}

// Session is one contiguous run of the agent loop. EndedAt is nil while
// the session is open; at most one session is open at any moment.
type Session struct {
	ID        string
	StartedAt time.Time
	EndedAt   *time.Time
}

type TurnStatus string

const (
	TurnPending   TurnStatus = "pending"
	TurnCompleted TurnStatus = "completed"
	TurnFailed    TurnStatus = "failed"
)

// Turn is one Think→Act→Observe cycle. Index is monotonic within a
// session with no gaps. A completed or failed turn is immutable.
type Turn struct {
	ID               string
	SessionID        string
	Index            int64
	Tier             Tier
	ModelID          string
	PromptTokens     int64
	CompletionTokens int64
	CreditDelta      int64
	Status           TurnStatus
	Error            string
	CreatedAt        time.Time
}

// ToolCall is a child of a turn; order within a turn is observable.
type ToolCall struct {
	ID         string
	TurnID     string
	Seq        int
	Name       string
	Input      json.RawMessage
	Output     string
	ExitCode   int
	StartedAt  time.Time
	FinishedAt time.Time
}

// Well-known KV keys.
const (
	KVCurrentTier     = "current_tier"
	KVInferenceModel  = "inference_model"
	KVTopupFailed     = "topup_failed"
	KVTopupImpossible = "topup_impossible"
)

type Provider string

const (
	ProviderConway    Provider = "conway"
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderOllama    Provider = "ollama"
)

// ParamStyle selects the token-limit parameter name a model accepts on
// OpenAI-style chat completion requests.
type ParamStyle string

const (
	ParamMaxTokens           ParamStyle = "max_tokens"
	ParamMaxCompletionTokens ParamStyle = "max_completion_tokens"
)

// ModelRow is one registry entry. Exactly one row exists per ModelID and
// its Provider never changes after first insert.
type ModelRow struct {
	ModelID         string
	Provider        Provider
	DisplayName     string
	TierMinimum     Tier
	InputCostPer1K  float64
	OutputCostPer1K float64
	MaxTokens       int
	ContextWindow   int
	SupportsTools   bool
	SupportsVision  bool
	ParamStyle      ParamStyle
	Enabled         bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// DiscoveredModel is the raw result of one provider listing pass.
type DiscoveredModel struct {
	ID          string
	DisplayName string
}

type ChildStatus string

const (
	ChildSpawning  ChildStatus = "spawning"
	ChildHealthy   ChildStatus = "healthy"
	ChildStopped   ChildStatus = "stopped"
	ChildDead      ChildStatus = "dead"
	ChildCleanedUp ChildStatus = "cleaned_up"
)

// Child is a spawned sibling automaton running in a remote sandbox.
// A child row is never deleted outside pruning.
type Child struct {
	ID            string
	Name          string
	Address       string
	SandboxID     string
	GenesisPrompt string
	Status        ChildStatus
	CreatedAt     time.Time
}

// LifecycleEvent is one append-only transition record for a child. The
// sequence of events per child is totally ordered and dense.
type LifecycleEvent struct {
	ChildID    string
	Seq        int
	Transition string
	ToState    LifecycleState
	At         time.Time
}

// Chat contract shared by all provider adapters.

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

type Message struct {
	Role       Role
	Content    string
	ToolCallID string
	ToolUses   []ToolUse
}

// ToolUse is a tool invocation requested by the model.
type ToolUse struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// ToolSchema describes one tool offered to the model.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
}

type ChatRequest struct {
	Model      string
	Messages   []Message
	MaxTokens  int
	Tools      []ToolSchema
	ParamStyle ParamStyle
}

type ChatResult struct {
	Message Message
	Usage   Usage
}

// Ports.

//go:generate mockery --name=ProviderClient --with-expecter --filename=provider_client_mock.go

// ProviderClient is the capability one provider family exposes: chat plus
// model listing for discovery.
type ProviderClient interface {
	Chat(ctx context.Context, req ChatRequest) (ChatResult, error)
	ListModels(ctx context.Context) ([]DiscoveredModel, error)
}

// ExecResult is the outcome of a command run inside a sandbox.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Sandbox is the capability used by replication to run children in
// isolated environments.
type Sandbox interface {
	CreateSandbox(ctx context.Context, name string) (string, error)
	Exec(ctx context.Context, sandboxID, command string) (ExecResult, error)
	WriteFile(ctx context.Context, sandboxID, path string, data []byte) error
	DeleteSandbox(ctx context.Context, sandboxID string) error
}

// Funder transfers seed credits to a freshly spawned child wallet. The
// wallet engine itself is an external collaborator.
type Funder interface {
	Fund(ctx context.Context, address string, amount int64) error
}

// CreditSource reports the automaton's spendable balance.
type CreditSource interface {
	Credits(ctx context.Context) (int64, error)
}

// Repository ports. Implementations live in adapter/repo/sqlite.

type IdentityRepo interface {
	Insert(ctx context.Context, id Identity) error
	Get(ctx context.Context) (Identity, error)
}

type SessionRepo interface {
	Open(ctx context.Context, startedAt time.Time) (Session, error)
	Close(ctx context.Context, id string, endedAt time.Time) error
	Current(ctx context.Context) (Session, error)
}

type TurnRepo interface {
	// Insert opens a turn in pending state and assigns the next index.
	Insert(ctx context.Context, t Turn) (Turn, error)
	// Finish commits the terminal status, usage and tool calls atomically.
	Finish(ctx context.Context, t Turn, calls []ToolCall) error
	Recent(ctx context.Context, sessionID string, n int) ([]Turn, error)
	ToolCalls(ctx context.Context, turnID string) ([]ToolCall, error)
	// FailedPerHour counts turns that failed within the last hour.
	FailedPerHour(ctx context.Context, now time.Time) (int, error)
	// FlushPending marks every pending turn failed with the given reason.
	FlushPending(ctx context.Context, reason string) (int, error)
	LatestError(ctx context.Context) (string, error)
}

type KVRepo interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
}

type RegistryRepo interface {
	Get(ctx context.Context, modelID string) (ModelRow, error)
	// Upsert inserts a new row with defaults or refreshes UpdatedAt on an
	// existing one, preserving human-edited fields.
	Upsert(ctx context.Context, row ModelRow) error
	ListEnabled(ctx context.Context, provider Provider) ([]ModelRow, error)
	SetEnabled(ctx context.Context, modelID string, enabled bool) error
	// Tombstone disables every enabled row of the provider whose id is not
	// in keep, atomically. Returns the ids disabled.
	Tombstone(ctx context.Context, provider Provider, keep []string) ([]string, error)
}

type ChildRepo interface {
	// Insert writes the child row and its first lifecycle event atomically.
	Insert(ctx context.Context, c Child, first LifecycleEvent) error
	Get(ctx context.Context, id string) (Child, error)
	// Transition updates the child status and appends a lifecycle event
	// atomically.
	Transition(ctx context.Context, id string, transition string, to LifecycleState) error
	// ListByStatus returns children in the given status, oldest first,
	// ties broken by id ascending.
	ListByStatus(ctx context.Context, status ChildStatus) ([]Child, error)
	LatestState(ctx context.Context, id string) (LifecycleState, error)
	Events(ctx context.Context, id string) ([]LifecycleEvent, error)
}

// Context is an alias so signatures stay uniform with the rest of the
// codebase; adapters pass context.Context through.
type Context = context.Context
