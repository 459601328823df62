package conway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moneyclaw/moneyclaw/internal/domain"
)

const testAddr = "0xAbCdEf1234567890aBcDeF1234567890abcdef12"

func TestSandboxLifecycleCalls(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/sandboxes":
			_, _ = w.Write([]byte(`{"id":"sbx-9"}`))
		case r.Method == http.MethodPost && r.URL.Path == "/v1/sandboxes/sbx-9/exec":
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "echo hi", body["command"])
			_, _ = w.Write([]byte(`{"stdout":"hi\n","stderr":"","exitCode":0}`))
		case r.Method == http.MethodDelete && r.URL.Path == "/v1/sandboxes/sbx-9":
			w.WriteHeader(http.StatusOK)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	c := New(srv.URL, "tok", srv.Client())

	id, err := c.CreateSandbox(ctx, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, "sbx-9", id)

	res, err := c.Exec(ctx, id, "echo hi")
	require.NoError(t, err)
	assert.Equal(t, "hi\n", res.Stdout)
	assert.Equal(t, 0, res.ExitCode)

	require.NoError(t, c.DeleteSandbox(ctx, id))
}

func TestFundRejectsInvalidAddress(t *testing.T) {
	t.Parallel()
	c := New("http://unused.invalid", "tok", nil)
	err := c.Fund(context.Background(), domain.ZeroAddress(), 100)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	err = c.Fund(context.Background(), "0x123", 100)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestFundTransfersToValidAddress(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/wallet/transfers", r.URL.Path)
		var body struct {
			To     string `json:"to"`
			Amount int64  `json:"amount"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, testAddr, body.To)
		assert.Equal(t, int64(250), body.Amount)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", srv.Client())
	require.NoError(t, c.Fund(context.Background(), testAddr, 250))
}

func TestCreditsAndErrorMapping(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"credits":1234}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", srv.Client())
	bal, err := c.Credits(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1234), bal)

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer down.Close()
	_, err = New(down.URL, "tok", down.Client()).Credits(context.Background())
	assert.ErrorIs(t, err, domain.ErrTransient)

	denied := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer denied.Close()
	_, err = New(denied.URL, "bad", denied.Client()).Credits(context.Background())
	assert.ErrorIs(t, err, domain.ErrAuth)
}
