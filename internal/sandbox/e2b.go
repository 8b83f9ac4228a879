package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

const (
	defaultE2BBaseURL = "https://api.e2b.dev"
	defaultTimeout    = 60 * time.Second
)

// E2BConfig configures the E2B code-interpreter client.
type E2BConfig struct {
	APIKey    string        // Required. From E2B_API_KEY.
	BaseURL   string        // Default: https://api.e2b.dev.
	Timeout   time.Duration // Per-operation timeout enforced remotely. Default: 60s.
	Template  string        // Sandbox template name. Empty = service default.
	HTTPDoer  *http.Client  // Override for testing. Default: http.DefaultClient.
}

// E2BClient implements Service against the E2B code-interpreter HTTP API.
type E2BClient struct {
	config E2BConfig
	logger *slog.Logger
}

// NewE2BClient creates an E2B-backed sandbox service.
func NewE2BClient(cfg E2BConfig, logger *slog.Logger) (*E2BClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("e2b api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultE2BBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.HTTPDoer == nil {
		cfg.HTTPDoer = http.DefaultClient
	}
	return &E2BClient{config: cfg, logger: logger}, nil
}

// Create provisions a fresh sandbox instance.
func (c *E2BClient) Create(ctx context.Context) (Handle, error) {
	var resp struct {
		SandboxID string `json:"sandboxID"`
	}
	body := map[string]any{"timeout": int(c.config.Timeout.Seconds())}
	if c.config.Template != "" {
		body["templateID"] = c.config.Template
	}
	if err := c.do(ctx, http.MethodPost, "/sandboxes", body, &resp); err != nil {
		return nil, fmt.Errorf("creating sandbox: %w", err)
	}

	c.logger.InfoContext(ctx, "sandbox created", slog.String("sandbox_id", resp.SandboxID))
	return &e2bHandle{client: c, id: resp.SandboxID}, nil
}

// Reconnect attaches to an existing sandbox. Returns an error when the
// identifier is stale — the caller falls back to Create.
func (c *E2BClient) Reconnect(ctx context.Context, sandboxID string) (Handle, error) {
	var resp struct {
		SandboxID string `json:"sandboxID"`
	}
	body := map[string]any{"timeout": int(c.config.Timeout.Seconds())}
	path := "/sandboxes/" + url.PathEscape(sandboxID) + "/connect"
	if err := c.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return nil, fmt.Errorf("reconnecting to sandbox %s: %w", sandboxID, err)
	}

	c.logger.InfoContext(ctx, "sandbox reconnected", slog.String("sandbox_id", sandboxID))
	return &e2bHandle{client: c, id: sandboxID}, nil
}

// do performs one JSON request/response round trip against the E2B API.
func (c *E2BClient) do(ctx context.Context, method, path string, reqBody, respBody any) error {
	var reader io.Reader
	if reqBody != nil {
		raw, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", c.config.APIKey)

	httpResp, err := c.config.HTTPDoer.Do(httpReq)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		// The service reports untyped errors as plain message strings; the
		// expiration signatures matched by IsExpired arrive through here.
		var apiErr struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("sandbox API error (status %d): %s", httpResp.StatusCode, apiErr.Message)
		}
		return fmt.Errorf("sandbox API error (status %d): %s", httpResp.StatusCode, string(raw))
	}

	if respBody != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, respBody); err != nil {
			return fmt.Errorf("parsing response: %w", err)
		}
	}
	return nil
}

// e2bHandle is a live connection to one E2B sandbox.
type e2bHandle struct {
	client *E2BClient
	id     string
}

func (h *e2bHandle) ID() string { return h.id }

func (h *e2bHandle) path(suffix string) string {
	return "/sandboxes/" + url.PathEscape(h.id) + suffix
}

func (h *e2bHandle) ReadFile(ctx context.Context, path string) (string, error) {
	var resp struct {
		Content string `json:"content"`
	}
	p := h.path("/filesystem/read?path=" + url.QueryEscape(path))
	if err := h.client.do(ctx, http.MethodGet, p, nil, &resp); err != nil {
		return "", err
	}
	return resp.Content, nil
}

func (h *e2bHandle) WriteFile(ctx context.Context, path, content string) error {
	body := map[string]any{"path": path, "content": content}
	return h.client.do(ctx, http.MethodPost, h.path("/filesystem/write"), body, nil)
}

func (h *e2bHandle) RunCommand(ctx context.Context, command string) (*CommandResult, error) {
	var resp struct {
		Stdout   string `json:"stdout"`
		Stderr   string `json:"stderr"`
		ExitCode int    `json:"exitCode"`
	}
	start := time.Now()
	body := map[string]any{"cmd": command}
	if err := h.client.do(ctx, http.MethodPost, h.path("/commands"), body, &resp); err != nil {
		return nil, err
	}
	return &CommandResult{
		Stdout:   resp.Stdout,
		Stderr:   resp.Stderr,
		ExitCode: resp.ExitCode,
		Duration: time.Since(start),
	}, nil
}

func (h *e2bHandle) ExecuteCode(ctx context.Context, code string) (*Execution, error) {
	var resp struct {
		Logs struct {
			Stdout []string `json:"stdout"`
			Stderr []string `json:"stderr"`
		} `json:"logs"`
		Results []struct {
			Text string `json:"text"`
		} `json:"results"`
		Error *ExecError `json:"error,omitempty"`
	}
	body := map[string]any{"code": code}
	if err := h.client.do(ctx, http.MethodPost, h.path("/code"), body, &resp); err != nil {
		return nil, err
	}

	exec := &Execution{
		Stdout: resp.Logs.Stdout,
		Stderr: resp.Logs.Stderr,
		Error:  resp.Error,
	}
	for _, r := range resp.Results {
		exec.Results = append(exec.Results, r.Text)
	}
	return exec, nil
}

func (h *e2bHandle) Close(ctx context.Context) error {
	return h.client.do(ctx, http.MethodDelete, h.path(""), nil, nil)
}
