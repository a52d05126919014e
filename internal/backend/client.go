package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"pharmagent/internal/logger"
)

const (
	researchPath = "/api/research"
	healthPath   = "/health"
	maxErrorBody = 4096
)

// Client calls the external research service. A single attempt is made per
// call; nothing is retried.
type Client struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     logger.Logger
	// Verbose logs request and response bodies at debug level.
	Verbose bool
}

// New creates a client with the given endpoint and per-call timeout.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		BaseURL:    baseURL,
		Timeout:    timeout,
		HTTPClient: &http.Client{},
		Logger:     logger.Nop(),
	}
}

// Health is the service's health document.
type Health struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// Research submits prompt and returns the decoded response. Every failure
// satisfies errors.Is(err, ErrUnavailable).
func (c *Client) Research(ctx context.Context, prompt string) (ResearchResponse, error) {
	var out ResearchResponse
	body, err := json.Marshal(ResearchRequest{Prompt: prompt})
	if err != nil {
		return out, err
	}
	c.debug("research request", map[string]any{"url": c.url(researchPath), "prompt": prompt})
	status, data, err := c.do(ctx, http.MethodPost, researchPath, body)
	if err != nil {
		return out, err
	}
	if status >= 300 {
		return out, &ResponseError{StatusCode: status, Message: errorMessage(data)}
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return ResearchResponse{}, &ResponseError{StatusCode: status, Err: fmt.Errorf("decode research response: %w", err)}
	}
	c.debug("research response", map[string]any{"status": status, "success": out.Success, "drug": out.Drug, "logs": len(out.Logs)})
	if !out.Success {
		msg := out.Error
		if msg == "" {
			msg = "request was not successful"
		}
		return out, &ApplicationError{Message: msg, Logs: out.Logs}
	}
	if field := out.missing(); field != "" {
		return out, &ApplicationError{Message: "incomplete response: missing " + field, Logs: out.Logs}
	}
	return out, nil
}

// Health probes GET /health.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var out Health
	status, data, err := c.do(ctx, http.MethodGet, healthPath, nil)
	if err != nil {
		return out, err
	}
	if status >= 300 {
		return out, &ResponseError{StatusCode: status, Message: errorMessage(data)}
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return Health{}, &ResponseError{StatusCode: status, Err: fmt.Errorf("decode health response: %w", err)}
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(path), reader)
	if err != nil {
		return 0, nil, &NetworkError{Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	res, err := hc.Do(req)
	if err != nil {
		return 0, nil, &NetworkError{Timeout: isTimeout(ctx, err), Err: err}
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		return res.StatusCode, data, nil
	}
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return res.StatusCode, nil, &NetworkError{Timeout: isTimeout(ctx, err), Err: err}
	}
	return res.StatusCode, data, nil
}

func (c *Client) url(path string) string {
	return strings.TrimRight(c.BaseURL, "/") + path
}

func (c *Client) debug(msg string, details map[string]any) {
	if c.Verbose && c.Logger != nil {
		c.Logger.Debug("backend", msg, details)
	}
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// errorMessage pulls the "error" field out of a JSON error body, falling back
// to the raw text.
func errorMessage(data []byte) string {
	var env struct {
		Error any `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err == nil {
		switch v := env.Error.(type) {
		case string:
			return v
		case map[string]any:
			if m, ok := v["message"].(string); ok {
				return m
			}
		}
	}
	return strings.TrimSpace(string(data))
}
