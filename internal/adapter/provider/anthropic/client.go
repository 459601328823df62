// Package anthropic implements the provider capability for Anthropic-
// compatible endpoints (/v1/messages plus cursor-paginated /v1/models).
package anthropic

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/moneyclaw/moneyclaw/internal/domain"
)

const apiVersion = "2023-06-01"

// Discovery pagination bounds: up to 5 pages of 100 ids.
const (
	maxModelPages = 5
	modelPageSize = 100
)

// Client talks to one Anthropic-compatible endpoint.
type Client struct {
	baseURL string
	apiKey  string
	hc      *http.Client
}

// New constructs a client; hc nil means http.DefaultClient.
func New(baseURL, apiKey string, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, hc: hc}
}

type contentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
	// tool_result passback
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

type wireMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

// Chat calls /v1/messages and adapts the block-structured response to the
// chat contract.
func (c *Client) Chat(ctx domain.Context, req domain.ChatRequest) (domain.ChatResult, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096 // the messages API requires max_tokens
	}
	body := map[string]any{
		"model":      req.Model,
		"max_tokens": maxTokens,
	}
	var system string
	var msgs []wireMessage
	for _, m := range req.Messages {
		switch m.Role {
		case domain.RoleSystem:
			system = m.Content
		case domain.RoleTool:
			msgs = append(msgs, wireMessage{Role: "user", Content: []contentBlock{{
				Type: "tool_result", ToolUseID: m.ToolCallID, Content: m.Content,
			}}})
		default:
			blocks := []contentBlock{}
			if m.Content != "" {
				blocks = append(blocks, contentBlock{Type: "text", Text: m.Content})
			}
			for _, tu := range m.ToolUses {
				blocks = append(blocks, contentBlock{Type: "tool_use", ID: tu.ID, Name: tu.Name, Input: tu.Arguments})
			}
			msgs = append(msgs, wireMessage{Role: string(m.Role), Content: blocks})
		}
	}
	if system != "" {
		body["system"] = system
	}
	body["messages"] = msgs
	if len(req.Tools) > 0 {
		tools := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, map[string]any{
				"name":         t.Name,
				"description":  t.Description,
				"input_schema": t.Parameters,
			})
		}
		body["tools"] = tools
	}

	b, err := json.Marshal(body)
	if err != nil {
		return domain.ChatResult{}, fmt.Errorf("op=anthropic.chat: %w", err)
	}
	r, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(b))
	if err != nil {
		return domain.ChatResult{}, fmt.Errorf("op=anthropic.chat: %w", err)
	}
	r.Header.Set("Content-Type", "application/json")
	c.auth(r)
	resp, err := c.hc.Do(r)
	if err != nil {
		return domain.ChatResult{}, fmt.Errorf("op=anthropic.chat: %w: %v", domain.ErrTransient, err)
	}
	defer closeBody(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return domain.ChatResult{}, statusErr("anthropic.chat", resp.StatusCode, snippet(resp.Body))
	}
	var out struct {
		Content []contentBlock `json:"content"`
		Usage   struct {
			InputTokens  int64 `json:"input_tokens"`
			OutputTokens int64 `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.ChatResult{}, fmt.Errorf("op=anthropic.chat decode: %w", err)
	}
	res := domain.ChatResult{
		Message: domain.Message{Role: domain.RoleAssistant},
		Usage:   domain.Usage{PromptTokens: out.Usage.InputTokens, CompletionTokens: out.Usage.OutputTokens},
	}
	var text strings.Builder
	for _, blk := range out.Content {
		switch blk.Type {
		case "text":
			text.WriteString(blk.Text)
		case "tool_use":
			res.Message.ToolUses = append(res.Message.ToolUses, domain.ToolUse{
				ID: blk.ID, Name: blk.Name, Arguments: blk.Input,
			})
		}
	}
	res.Message.Content = text.String()
	return res, nil
}

// ListModels walks the cursor-paginated /v1/models listing, fetching up
// to five pages of one hundred ids.
func (c *Client) ListModels(ctx domain.Context) ([]domain.DiscoveredModel, error) {
	var models []domain.DiscoveredModel
	cursor := ""
	for page := 0; page < maxModelPages; page++ {
		q := url.Values{"limit": {fmt.Sprint(modelPageSize)}}
		if cursor != "" {
			q.Set("after_id", cursor)
		}
		r, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/models?"+q.Encode(), nil)
		if err != nil {
			return nil, fmt.Errorf("op=anthropic.list_models: %w", err)
		}
		c.auth(r)
		resp, err := c.hc.Do(r)
		if err != nil {
			return nil, fmt.Errorf("op=anthropic.list_models: %w: %v", domain.ErrTransient, err)
		}
		if resp.StatusCode != http.StatusOK {
			err := statusErr("anthropic.list_models", resp.StatusCode, snippet(resp.Body))
			closeBody(resp.Body)
			return nil, err
		}
		var out struct {
			Data []struct {
				ID          string `json:"id"`
				DisplayName string `json:"display_name"`
			} `json:"data"`
			HasMore bool   `json:"has_more"`
			LastID  string `json:"last_id"`
		}
		err = json.NewDecoder(resp.Body).Decode(&out)
		closeBody(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("op=anthropic.list_models decode: %w", err)
		}
		for _, m := range out.Data {
			name := m.DisplayName
			if name == "" {
				name = m.ID
			}
			models = append(models, domain.DiscoveredModel{ID: m.ID, DisplayName: name})
		}
		if !out.HasMore || out.LastID == "" {
			break
		}
		cursor = out.LastID
	}
	return models, nil
}

func (c *Client) auth(r *http.Request) {
	r.Header.Set("x-api-key", c.apiKey)
	r.Header.Set("anthropic-version", apiVersion)
}

func statusErr(op string, code int, body string) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("op=%s status=%d: %w", op, code, domain.ErrAuth)
	case code == http.StatusNotFound:
		return fmt.Errorf("op=%s status=%d body=%s: %w", op, code, body, domain.ErrModelNotFound)
	case code == http.StatusTooManyRequests, code >= 500:
		return fmt.Errorf("op=%s status=%d: %w", op, code, domain.ErrTransient)
	default:
		return fmt.Errorf("op=%s status=%d body=%s: %w", op, code, body, domain.ErrInvalidArgument)
	}
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
