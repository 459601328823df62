package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moneyclaw/moneyclaw/internal/domain"
)

func TestChatAdaptsBlocks(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/messages", r.URL.Path)
		require.Equal(t, "key-1", r.Header.Get("x-api-key"))
		require.Equal(t, apiVersion, r.Header.Get("anthropic-version"))
		var body struct {
			System   string        `json:"system"`
			Messages []wireMessage `json:"messages"`
			Tools    []any         `json:"tools"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "be useful", body.System)
		require.Len(t, body.Messages, 1, "system message is extracted, not sent inline")
		assert.Len(t, body.Tools, 1)
		_, _ = w.Write([]byte(`{
			"content":[
				{"type":"text","text":"thinking about it. "},
				{"type":"tool_use","id":"tu_1","name":"check_balance","input":{}},
				{"type":"text","text":"done."}
			],
			"usage":{"input_tokens":30,"output_tokens":11}
		}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "key-1", srv.Client())
	res, err := c.Chat(context.Background(), domain.ChatRequest{
		Model: "claude-sonnet-4-5",
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: "be useful"},
			{Role: domain.RoleUser, Content: "hi"},
		},
		Tools: []domain.ToolSchema{{Name: "check_balance", Parameters: json.RawMessage(`{"type":"object"}`)}},
	})
	require.NoError(t, err)
	assert.Equal(t, "thinking about it. done.", res.Message.Content)
	require.Len(t, res.Message.ToolUses, 1)
	assert.Equal(t, "tu_1", res.Message.ToolUses[0].ID)
	assert.Equal(t, int64(30), res.Usage.PromptTokens)
	assert.Equal(t, int64(11), res.Usage.CompletionTokens)
}

func TestChatPassesToolResultsBack(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Messages []wireMessage `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.Messages, 3)
		last := body.Messages[2]
		assert.Equal(t, "user", last.Role)
		require.Len(t, last.Content, 1)
		assert.Equal(t, "tool_result", last.Content[0].Type)
		assert.Equal(t, "tu_1", last.Content[0].ToolUseID)
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"ok"}],"usage":{}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "k", srv.Client())
	_, err := c.Chat(context.Background(), domain.ChatRequest{
		Model: "claude-sonnet-4-5",
		Messages: []domain.Message{
			{Role: domain.RoleUser, Content: "balance?"},
			{Role: domain.RoleAssistant, ToolUses: []domain.ToolUse{{ID: "tu_1", Name: "check_balance", Arguments: json.RawMessage(`{}`)}}},
			{Role: domain.RoleTool, ToolCallID: "tu_1", Content: `{"credits":42}`},
		},
	})
	require.NoError(t, err)
}

func TestListModelsWalksPages(t *testing.T) {
	t.Parallel()
	var pages atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/models", r.URL.Path)
		require.Equal(t, "100", r.URL.Query().Get("limit"))
		switch pages.Add(1) {
		case 1:
			assert.Empty(t, r.URL.Query().Get("after_id"))
			_, _ = w.Write([]byte(`{"data":[{"id":"claude-a","display_name":"Claude A"}],"has_more":true,"last_id":"claude-a"}`))
		case 2:
			assert.Equal(t, "claude-a", r.URL.Query().Get("after_id"))
			_, _ = w.Write([]byte(`{"data":[{"id":"claude-b"}],"has_more":false,"last_id":"claude-b"}`))
		default:
			t.Error("pagination must stop when has_more is false")
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "k", srv.Client())
	models, err := c.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "Claude A", models[0].DisplayName)
	assert.Equal(t, "claude-b", models[1].DisplayName, "id stands in for a missing display name")
	assert.Equal(t, int32(2), pages.Load())
}

func TestListModelsBoundsPageCount(t *testing.T) {
	t.Parallel()
	var pages atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := pages.Add(1)
		_, _ = fmt.Fprintf(w, `{"data":[{"id":"m-%d"}],"has_more":true,"last_id":"m-%d"}`, n, n)
	}))
	defer srv.Close()

	c := New(srv.URL, "k", srv.Client())
	models, err := c.ListModels(context.Background())
	require.NoError(t, err)
	assert.Len(t, models, maxModelPages)
	assert.Equal(t, int32(maxModelPages), pages.Load())
}

func TestErrorMapping(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(srv.URL, "bad-key", srv.Client())
	_, err := c.ListModels(context.Background())
	assert.ErrorIs(t, err, domain.ErrAuth)
}
