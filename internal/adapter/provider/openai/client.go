// Package openai implements the provider capability for OpenAI-compatible
// endpoints. The Conway inference endpoint speaks the same dialect and is
// served by this client with a different base URL.
package openai

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/moneyclaw/moneyclaw/internal/domain"
)

// stock OpenAI advertises every model family on /v1/models; only chat
// models are usable here.
var (
	chatModelRe    = regexp.MustCompile(`^(gpt-|o[13][-.]|o[13]$|chatgpt-)`)
	nonChatModelRe = regexp.MustCompile(`^(dall-e|whisper|tts|text-embedding|ft:|babbage|davinci|curie|ada)`)
)

const stockHost = "api.openai.com"

// Client talks to one OpenAI-compatible endpoint.
type Client struct {
	baseURL string
	apiKey  string
	hc      *http.Client
	stock   bool
}

// New constructs a client. hc is injectable so tests can script responses;
// nil means http.DefaultClient. Request deadlines come from the caller's
// context.
func New(baseURL, apiKey string, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	stock := false
	if u, err := url.Parse(baseURL); err == nil {
		stock = u.Hostname() == stockHost
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, hc: hc, stock: stock}
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wireTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"function"`
}

type wireUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

// Chat calls /v1/chat/completions. When the endpoint answers 404 with an
// "endpoint not supported" body, it retries exactly once against the
// legacy /v1/completions endpoint with a flat-text prompt and adapts the
// response back to the chat contract. The fallback is per-request, never
// sticky.
func (c *Client) Chat(ctx domain.Context, req domain.ChatRequest) (domain.ChatResult, error) {
	body := map[string]any{
		"model":    req.Model,
		"messages": toWireMessages(req.Messages),
	}
	if req.MaxTokens > 0 {
		key := "max_tokens"
		if req.ParamStyle == domain.ParamMaxCompletionTokens {
			key = "max_completion_tokens"
		}
		body[key] = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		tools := make([]wireTool, 0, len(req.Tools))
		for _, t := range req.Tools {
			var wt wireTool
			wt.Type = "function"
			wt.Function.Name = t.Name
			wt.Function.Description = t.Description
			wt.Function.Parameters = t.Parameters
			tools = append(tools, wt)
		}
		body["tools"] = tools
	}

	var out struct {
		Choices []struct {
			Message wireMessage `json:"message"`
		} `json:"choices"`
		Usage wireUsage `json:"usage"`
	}
	err := c.post(ctx, "/v1/chat/completions", body, &out)
	if err != nil {
		if isEndpointUnsupported(err) {
			return c.legacyChat(ctx, req)
		}
		return domain.ChatResult{}, err
	}
	if len(out.Choices) == 0 {
		return domain.ChatResult{}, fmt.Errorf("op=openai.chat: empty choices: %w", domain.ErrTransient)
	}
	msg := out.Choices[0].Message
	res := domain.ChatResult{
		Message: domain.Message{Role: domain.RoleAssistant, Content: msg.Content},
		Usage:   domain.Usage{PromptTokens: out.Usage.PromptTokens, CompletionTokens: out.Usage.CompletionTokens},
	}
	for _, tc := range msg.ToolCalls {
		res.Message.ToolUses = append(res.Message.ToolUses, domain.ToolUse{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	return res, nil
}

// legacyChat is the one-shot /v1/completions fallback.
func (c *Client) legacyChat(ctx domain.Context, req domain.ChatRequest) (domain.ChatResult, error) {
	slog.Debug("chat endpoint unsupported, falling back to legacy completions",
		slog.String("model", req.Model))
	body := map[string]any{
		"model":  req.Model,
		"prompt": flattenPrompt(req.Messages),
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	var out struct {
		Choices []struct {
			Text string `json:"text"`
		} `json:"choices"`
		Usage wireUsage `json:"usage"`
	}
	if err := c.post(ctx, "/v1/completions", body, &out); err != nil {
		return domain.ChatResult{}, err
	}
	if len(out.Choices) == 0 {
		return domain.ChatResult{}, fmt.Errorf("op=openai.legacy_chat: empty choices: %w", domain.ErrTransient)
	}
	return domain.ChatResult{
		Message: domain.Message{Role: domain.RoleAssistant, Content: strings.TrimSpace(out.Choices[0].Text)},
		Usage:   domain.Usage{PromptTokens: out.Usage.PromptTokens, CompletionTokens: out.Usage.CompletionTokens},
	}, nil
}

// ListModels fetches /v1/models. Against stock OpenAI the result is
// filtered to chat models; any other compatible endpoint returns every id
// as-is.
func (c *Client) ListModels(ctx domain.Context) ([]domain.DiscoveredModel, error) {
	r, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/models", nil)
	if err != nil {
		return nil, fmt.Errorf("op=openai.list_models: %w", err)
	}
	c.auth(r)
	resp, err := c.hc.Do(r)
	if err != nil {
		return nil, fmt.Errorf("op=openai.list_models: %w: %v", domain.ErrTransient, err)
	}
	defer closeBody(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, statusErr("openai.list_models", resp.StatusCode, snippet(resp.Body))
	}
	var out struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("op=openai.list_models decode: %w", err)
	}
	var models []domain.DiscoveredModel
	for _, m := range out.Data {
		if c.stock && (!chatModelRe.MatchString(m.ID) || nonChatModelRe.MatchString(m.ID)) {
			continue
		}
		models = append(models, domain.DiscoveredModel{ID: m.ID, DisplayName: m.ID})
	}
	return models, nil
}

func (c *Client) post(ctx domain.Context, path string, body any, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("op=openai.post path=%s: %w", path, err)
	}
	r, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("op=openai.post path=%s: %w", path, err)
	}
	r.Header.Set("Content-Type", "application/json")
	c.auth(r)
	resp, err := c.hc.Do(r)
	if err != nil {
		return fmt.Errorf("op=openai.post path=%s: %w: %v", path, domain.ErrTransient, err)
	}
	defer closeBody(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return statusErr("openai"+path, resp.StatusCode, snippet(resp.Body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("op=openai.post path=%s decode: %w", path, err)
	}
	return nil
}

func (c *Client) auth(r *http.Request) {
	if c.apiKey != "" {
		r.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// statusErr maps HTTP status codes onto the error taxonomy.
func statusErr(op string, code int, body string) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("op=%s status=%d: %w", op, code, domain.ErrAuth)
	case code == http.StatusNotFound && strings.Contains(body, "endpoint not supported"):
		return fmt.Errorf("op=%s status=%d: %w", op, code, domain.ErrEndpointUnsupported)
	case code == http.StatusNotFound || (code == http.StatusBadRequest && strings.Contains(body, "model")):
		return fmt.Errorf("op=%s status=%d body=%s: %w", op, code, body, domain.ErrModelNotFound)
	case code == http.StatusTooManyRequests, code >= 500:
		return fmt.Errorf("op=%s status=%d: %w", op, code, domain.ErrTransient)
	default:
		return fmt.Errorf("op=%s status=%d body=%s: %w", op, code, body, domain.ErrInvalidArgument)
	}
}

func isEndpointUnsupported(err error) bool {
	return errors.Is(err, domain.ErrEndpointUnsupported)
}

func toWireMessages(msgs []domain.Message) []wireMessage {
	out := make([]wireMessage, 0, len(msgs))
	for _, m := range msgs {
		wm := wireMessage{Role: string(m.Role), Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tu := range m.ToolUses {
			var tc wireToolCall
			tc.ID = tu.ID
			tc.Type = "function"
			tc.Function.Name = tu.Name
			tc.Function.Arguments = string(tu.Arguments)
			wm.ToolCalls = append(wm.ToolCalls, tc)
		}
		out = append(out, wm)
	}
	return out
}

// flattenPrompt renders chat messages as plain text for the legacy
// completions endpoint.
func flattenPrompt(msgs []domain.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	b.WriteString("assistant: ")
	return b.String()
}

func snippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 512))
	return string(b)
}

func closeBody(rc io.Closer) {
	if err := rc.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("error", err))
	}
}
