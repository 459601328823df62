package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moneyclaw/moneyclaw/internal/domain"
)

func TestChatHappyPath(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer key-1", r.Header.Get("Authorization"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-5", body["model"])
		assert.EqualValues(t, 256, body["max_tokens"])
		_, _ = w.Write([]byte(`{
			"choices":[{"message":{"role":"assistant","content":"pong","tool_calls":[
				{"id":"call_1","type":"function","function":{"name":"check_balance","arguments":"{}"}}
			]}}],
			"usage":{"prompt_tokens":12,"completion_tokens":3}
		}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "key-1", srv.Client())
	res, err := c.Chat(context.Background(), domain.ChatRequest{
		Model:     "gpt-5",
		Messages:  []domain.Message{{Role: domain.RoleUser, Content: "ping"}},
		MaxTokens: 256,
	})
	require.NoError(t, err)
	assert.Equal(t, "pong", res.Message.Content)
	require.Len(t, res.Message.ToolUses, 1)
	assert.Equal(t, "check_balance", res.Message.ToolUses[0].Name)
	assert.Equal(t, int64(12), res.Usage.PromptTokens)
	assert.Equal(t, int64(3), res.Usage.CompletionTokens)
}

func TestChatParamStyleMaxCompletionTokens(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, hasLegacy := body["max_tokens"]
		assert.False(t, hasLegacy)
		assert.EqualValues(t, 512, body["max_completion_tokens"])
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"ok"}}],"usage":{}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "k", srv.Client())
	_, err := c.Chat(context.Background(), domain.ChatRequest{
		Model:      "o1-preview",
		Messages:   []domain.Message{{Role: domain.RoleUser, Content: "x"}},
		MaxTokens:  512,
		ParamStyle: domain.ParamMaxCompletionTokens,
	})
	require.NoError(t, err)
}

func TestChatLegacyFallbackMakesExactlyTwoCalls(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			require.Equal(t, "/v1/chat/completions", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"message":"this endpoint not supported for this model"}}`))
		case 2:
			require.Equal(t, "/v1/completions", r.URL.Path)
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			prompt, _ := body["prompt"].(string)
			assert.Contains(t, prompt, "user: ping")
			assert.Contains(t, prompt, "assistant: ")
			_, _ = w.Write([]byte(`{"choices":[{"text":" pong "}],"usage":{"prompt_tokens":5,"completion_tokens":1}}`))
		default:
			t.Error("fallback must be one-shot")
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "k", srv.Client())
	res, err := c.Chat(context.Background(), domain.ChatRequest{
		Model:    "conway-base",
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "ping"}},
	})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "pong", res.Message.Content, "legacy text is trimmed")
}

func TestChatLegacyFallbackIsNotSticky(t *testing.T) {
	t.Parallel()
	var chatCalls, legacyCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/chat/completions" {
			chatCalls.Add(1)
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`endpoint not supported`))
			return
		}
		legacyCalls.Add(1)
		_, _ = w.Write([]byte(`{"choices":[{"text":"ok"}],"usage":{}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "k", srv.Client())
	for i := 0; i < 2; i++ {
		_, err := c.Chat(context.Background(), domain.ChatRequest{
			Model:    "m",
			Messages: []domain.Message{{Role: domain.RoleUser, Content: "x"}},
		})
		require.NoError(t, err)
	}
	// Every request tries the chat endpoint first.
	assert.Equal(t, int32(2), chatCalls.Load())
	assert.Equal(t, int32(2), legacyCalls.Load())
}

func TestChatErrorMapping(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"unauthorized", http.StatusUnauthorized, `{}`, domain.ErrAuth},
		{"forbidden", http.StatusForbidden, `{}`, domain.ErrAuth},
		{"unknown model 404", http.StatusNotFound, `{"error":{"message":"model does not exist"}}`, domain.ErrModelNotFound},
		{"unknown model 400", http.StatusBadRequest, `{"error":{"message":"invalid model id"}}`, domain.ErrModelNotFound},
		{"server error", http.StatusInternalServerError, `{}`, domain.ErrTransient},
		{"rate limited", http.StatusTooManyRequests, `{}`, domain.ErrTransient},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()
			c := New(srv.URL, "k", srv.Client())
			_, err := c.Chat(context.Background(), domain.ChatRequest{
				Model:    "m",
				Messages: []domain.Message{{Role: domain.RoleUser, Content: "x"}},
			})
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestListModelsPassesThroughCompatibleEndpoints(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/models", r.URL.Path)
		_, _ = w.Write([]byte(`{"data":[{"id":"conway-base"},{"id":"whisper-1"}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "k", srv.Client())
	models, err := c.ListModels(context.Background())
	require.NoError(t, err)
	// Non-stock endpoints are not filtered.
	require.Len(t, models, 2)
}

func TestListModelsFiltersStockCatalogue(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[
			{"id":"gpt-5"},{"id":"gpt-5-mini"},{"id":"o1-preview"},{"id":"o3"},{"id":"chatgpt-4o-latest"},
			{"id":"dall-e-3"},{"id":"whisper-1"},{"id":"tts-1"},{"id":"text-embedding-3-small"},
			{"id":"ft:gpt-4o:org::abc"},{"id":"davinci-002"},{"id":"babbage-002"}
		]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "k", srv.Client())
	c.stock = true
	models, err := c.ListModels(context.Background())
	require.NoError(t, err)
	ids := make([]string, 0, len(models))
	for _, m := range models {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"gpt-5", "gpt-5-mini", "o1-preview", "o3", "chatgpt-4o-latest"}, ids)
}

func TestStockHostDetection(t *testing.T) {
	t.Parallel()
	assert.True(t, New("https://api.openai.com/v1", "k", nil).stock)
	assert.False(t, New("https://api.conway.tech", "k", nil).stock)
	assert.False(t, New("http://localhost:8080", "k", nil).stock)
}
