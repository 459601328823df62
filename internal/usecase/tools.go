package usecase

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/moneyclaw/moneyclaw/internal/domain"
)

// ToolFunc executes one tool invocation. Output is fed back to the model
// verbatim; a non-nil error marks the call failed without aborting the
// turn.
type ToolFunc func(ctx domain.Context, args json.RawMessage) (string, error)

type toolEntry struct {
	schema domain.ToolSchema
	fn     ToolFunc
}

// Toolbox is the registry of tools the agent loop offers the model.
type Toolbox struct {
	tools map[string]toolEntry
}

func NewToolbox() *Toolbox {
	return &Toolbox{tools: make(map[string]toolEntry)}
}

// Register adds a tool. Re-registering a name replaces it.
func (tb *Toolbox) Register(schema domain.ToolSchema, fn ToolFunc) {
	tb.tools[schema.Name] = toolEntry{schema: schema, fn: fn}
}

// Schemas lists the registered tool schemas in name order so the prompt
// is stable across turns.
func (tb *Toolbox) Schemas() []domain.ToolSchema {
	out := make([]domain.ToolSchema, 0, len(tb.tools))
	for _, e := range tb.tools {
		out = append(out, e.schema)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Dispatch runs one tool use and returns its output. Unknown tool names
// produce an error output rather than failing the turn.
func (tb *Toolbox) Dispatch(ctx domain.Context, use domain.ToolUse) (string, error) {
	e, ok := tb.tools[use.Name]
	if !ok {
		return "", fmt.Errorf("op=tools.dispatch: unknown tool %q: %w", use.Name, domain.ErrInvalidArgument)
	}
	return e.fn(ctx, use.Arguments)
}

// RegisterBuiltins wires the standard tool set against the runtime's
// collaborators. sendMessage may be nil when no messaging channel is
// configured.
func RegisterBuiltins(tb *Toolbox, credits domain.CreditSource, children domain.ChildRepo, kv domain.KVRepo, repl *Replicator, sendMessage func(ctx domain.Context, to, body string) error) {
	tb.Register(domain.ToolSchema{
		Name:        "check_balance",
		Description: "Return the current spendable credit balance.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
	}, func(ctx domain.Context, _ json.RawMessage) (string, error) {
		bal, err := credits.Credits(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf(`{"credits":%d}`, bal), nil
	})

	tb.Register(domain.ToolSchema{
		Name:        "list_children",
		Description: "List spawned children filtered by status.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"status":{"type":"string","enum":["spawning","healthy","stopped","dead","cleaned_up"]}},"required":["status"]}`),
	}, func(ctx domain.Context, args json.RawMessage) (string, error) {
		var in struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return "", fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
		}
		kids, err := children.ListByStatus(ctx, domain.ChildStatus(in.Status))
		if err != nil {
			return "", err
		}
		type row struct {
			ID      string `json:"id"`
			Name    string `json:"name"`
			Address string `json:"address"`
		}
		rows := make([]row, 0, len(kids))
		for _, k := range kids {
			rows = append(rows, row{ID: k.ID, Name: k.Name, Address: k.Address})
		}
		b, err := json.Marshal(rows)
		if err != nil {
			return "", err
		}
		return string(b), nil
	})

	tb.Register(domain.ToolSchema{
		Name:        "replicate",
		Description: "Spawn a funded child automaton in a fresh sandbox.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"name":{"type":"string"},"genesis_prompt":{"type":"string"}},"required":["name","genesis_prompt"]}`),
	}, func(ctx domain.Context, args json.RawMessage) (string, error) {
		var in struct {
			Name          string `json:"name"`
			GenesisPrompt string `json:"genesis_prompt"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return "", fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
		}
		if in.Name == "" || in.GenesisPrompt == "" {
			return "", fmt.Errorf("name and genesis_prompt are required: %w", domain.ErrInvalidArgument)
		}
		// Replication is suspended below normal tier, same as the
		// scheduled background work.
		if v, err := kv.Get(ctx, domain.KVCurrentTier); err == nil {
			if tier := domain.Tier(v); tier.Valid() && !SideEffectsAllowed(tier) {
				return fmt.Sprintf(`{"ok":false,"reason":"replication suspended at tier %s"}`, tier), nil
			}
		}
		child, err := repl.SpawnChild(ctx, in.Name, in.GenesisPrompt)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf(`{"child_id":%q,"address":%q}`, child.ID, child.Address), nil
	})

	tb.Register(domain.ToolSchema{
		Name:        "set_kv",
		Description: "Persist a key/value pair in durable agent memory.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"key":{"type":"string"},"value":{"type":"string"}},"required":["key","value"]}`),
	}, func(ctx domain.Context, args json.RawMessage) (string, error) {
		var in struct {
			Key   string `json:"key"`
			Value string `json:"value"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return "", fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
		}
		if in.Key == "" {
			return "", fmt.Errorf("key is required: %w", domain.ErrInvalidArgument)
		}
		if err := kv.Set(ctx, in.Key, in.Value); err != nil {
			return "", err
		}
		return `{"ok":true}`, nil
	})

	if sendMessage != nil {
		tb.Register(domain.ToolSchema{
			Name:        "send_message",
			Description: "Send a message to another automaton address.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"to":{"type":"string"},"body":{"type":"string"}},"required":["to","body"]}`),
		}, func(ctx domain.Context, args json.RawMessage) (string, error) {
			var in struct {
				To   string `json:"to"`
				Body string `json:"body"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
			}
			if !domain.IsValidWalletAddress(in.To) {
				return "", fmt.Errorf("recipient %q: %w", in.To, domain.ErrInvalidArgument)
			}
			if err := sendMessage(ctx, in.To, in.Body); err != nil {
				return "", err
			}
			return `{"ok":true}`, nil
		})
	}
}
