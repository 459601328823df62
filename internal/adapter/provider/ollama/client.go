// Package ollama implements the provider capability for a local Ollama
// daemon (/api/chat and /api/tags). No authentication is required.
package ollama

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/moneyclaw/moneyclaw/internal/domain"
)

// Client talks to a local Ollama endpoint.
type Client struct {
	baseURL string
	hc      *http.Client
}

// New constructs a client; hc nil means http.DefaultClient.
func New(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), hc: hc}
}

type wireMessage struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
}

type wireToolCall struct {
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

// Chat calls /api/chat with stream disabled.
func (c *Client) Chat(ctx domain.Context, req domain.ChatRequest) (domain.ChatResult, error) {
	msgs := make([]wireMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, wireMessage{Role: string(m.Role), Content: m.Content})
	}
	body := map[string]any{
		"model":    req.Model,
		"messages": msgs,
		"stream":   false,
	}
	if req.MaxTokens > 0 {
		body["options"] = map[string]any{"num_predict": req.MaxTokens}
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  t.Parameters,
				},
			})
		}
		body["tools"] = tools
	}
	b, err := json.Marshal(body)
	if err != nil {
		return domain.ChatResult{}, fmt.Errorf("op=ollama.chat: %w", err)
	}
	r, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(b))
	if err != nil {
		return domain.ChatResult{}, fmt.Errorf("op=ollama.chat: %w", err)
	}
	r.Header.Set("Content-Type", "application/json")
	resp, err := c.hc.Do(r)
	if err != nil {
		return domain.ChatResult{}, fmt.Errorf("op=ollama.chat: %w: %v", domain.ErrTransient, err)
	}
	defer closeBody(resp.Body)
	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusNotFound {
			return domain.ChatResult{}, fmt.Errorf("op=ollama.chat status=404: %w", domain.ErrModelNotFound)
		}
		return domain.ChatResult{}, fmt.Errorf("op=ollama.chat status=%d: %w", resp.StatusCode, domain.ErrTransient)
	}
	var out struct {
		Message         wireMessage `json:"message"`
		PromptEvalCount int64       `json:"prompt_eval_count"`
		EvalCount       int64       `json:"eval_count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.ChatResult{}, fmt.Errorf("op=ollama.chat decode: %w", err)
	}
	res := domain.ChatResult{
		Message: domain.Message{Role: domain.RoleAssistant, Content: out.Message.Content},
		Usage:   domain.Usage{PromptTokens: out.PromptEvalCount, CompletionTokens: out.EvalCount},
	}
	for i, tc := range out.Message.ToolCalls {
		res.Message.ToolUses = append(res.Message.ToolUses, domain.ToolUse{
			ID:        fmt.Sprintf("call_%d", i),
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return res, nil
}

// ListModels fetches /api/tags.
func (c *Client) ListModels(ctx domain.Context) ([]domain.DiscoveredModel, error) {
	r, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("op=ollama.list_models: %w", err)
	}
	resp, err := c.hc.Do(r)
	if err != nil {
		return nil, fmt.Errorf("op=ollama.list_models: %w: %v", domain.ErrTransient, err)
	}
	defer closeBody(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("op=ollama.list_models status=%d: %w", resp.StatusCode, domain.ErrTransient)
	}
	var out struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("op=ollama.list_models decode: %w", err)
	}
	var models []domain.DiscoveredModel
	for _, m := range out.Models {
		models = append(models, domain.DiscoveredModel{ID: m.Name, DisplayName: m.Name})
	}
	return models, nil
}

func closeBody(rc io.Closer) {
	if err := rc.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("error", err))
	}
}
