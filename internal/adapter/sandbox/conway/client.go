// Package conway implements the sandbox, funding and credit-balance
// capabilities over the Conway platform API.
package conway

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

// Client talks to the Conway platform. It implements domain.Sandbox,
// domain.Funder and domain.CreditSource.
type Client struct {
	baseURL string
	apiKey  string
	hc      *http.Client
}

// New constructs a client; hc nil means http.DefaultClient. Sandbox
// operations are slow; callers bound them with a context deadline
// (60s per the runtime defaults).
func New(baseURL, apiKey string, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, hc: hc}
}

// CreateSandbox provisions a fresh isolated environment and returns its id.
func (c *Client) CreateSandbox(ctx domain.Context, name string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/sandboxes", map[string]any{"name": name}, &out); err != nil {
		return "", fmt.Errorf("op=conway.create_sandbox: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("op=conway.create_sandbox: empty sandbox id: %w", domain.ErrTransient)
	}
	return out.ID, nil
}

// Exec runs a command inside the sandbox and returns its captured output.
func (c *Client) Exec(ctx domain.Context, sandboxID, command string) (domain.ExecResult, error) {
	var out struct {
		Stdout   string `json:"stdout"`
		Stderr   string `json:"stderr"`
		ExitCode int    `json:"exitCode"`
	}
	path := "/v1/sandboxes/" + sandboxID + "/exec"
	if err := c.do(ctx, http.MethodPost, path, map[string]any{"command": command}, &out); err != nil {
		return domain.ExecResult{}, fmt.Errorf("op=conway.exec sandbox=%s: %w", sandboxID, err)
	}
	return domain.ExecResult{Stdout: out.Stdout, Stderr: out.Stderr, ExitCode: out.ExitCode}, nil
}

// WriteFile places a file inside the sandbox.
func (c *Client) WriteFile(ctx domain.Context, sandboxID, path string, data []byte) error {
	body := map[string]any{"path": path, "content": string(data)}
	if err := c.do(ctx, http.MethodPut, "/v1/sandboxes/"+sandboxID+"/files", body, nil); err != nil {
		return fmt.Errorf("op=conway.write_file sandbox=%s: %w", sandboxID, err)
	}
	return nil
}

// DeleteSandbox tears the sandbox down.
func (c *Client) DeleteSandbox(ctx domain.Context, sandboxID string) error {
	if err := c.do(ctx, http.MethodDelete, "/v1/sandboxes/"+sandboxID, nil, nil); err != nil {
		return fmt.Errorf("op=conway.delete_sandbox sandbox=%s: %w", sandboxID, err)
	}
	return nil
}

// Fund transfers seed credits to a child wallet.
func (c *Client) Fund(ctx domain.Context, address string, amount int64) error {
	if !domain.IsValidWalletAddress(address) {
		return fmt.Errorf("op=conway.fund: %w: address %q", domain.ErrInvalidArgument, address)
	}
	body := map[string]any{"to": address, "amount": amount}
	if err := c.do(ctx, http.MethodPost, "/v1/wallet/transfers", body, nil); err != nil {
		return fmt.Errorf("op=conway.fund address=%s: %w", address, err)
	}
	return nil
}

// Credits reports the spendable balance.
func (c *Client) Credits(ctx domain.Context) (int64, error) {
	var out struct {
		Credits int64 `json:"credits"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/wallet/credits", nil, &out); err != nil {
		return 0, fmt.Errorf("op=conway.credits: %w", err)
	}
	return out.Credits, nil
}

func (c *Client) do(ctx domain.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	r, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		r.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.hc.Do(r)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransient, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			slog.Warn("failed to close response body", slog.Any("error", cerr))
		}
	}()
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("status=%d: %w", resp.StatusCode, domain.ErrAuth)
	case resp.StatusCode >= 500:
		return fmt.Errorf("status=%d: %w", resp.StatusCode, domain.ErrTransient)
	case resp.StatusCode >= 400:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status=%d body=%s: %w", resp.StatusCode, string(b), domain.ErrInvalidArgument)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode: %w", err)
		}
	}
	return nil
}
