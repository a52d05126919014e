package pharmagentsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tmaxmax/go-sse"
)

// Client is a minimal PharmAgent HTTP API client.
type Client struct {
	BaseURL    string
	BasePath   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  2 * time.Minute,
	}
}

// Compound is a catalog entry (partial).
type Compound struct {
	Key        string `json:"key"`
	Name       string `json:"name"`
	Indication string `json:"indication"`
}

// Stage is one worker-agent step.
type Stage struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Icon    string `json:"icon"`
	Status  string `json:"status"`
	Summary string `json:"summary"`
	Detail  string `json:"detail"`
}

// Message is a chat transcript entry.
type Message struct {
	ID            string `json:"id"`
	Role          string `json:"role"`
	Content       string `json:"content"`
	OfferDownload bool   `json:"offer_download"`
	CreatedAt     string `json:"created_at"`
}

// LogEntry is one activity log line.
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Message   string `json:"message"`
	Category  string `json:"category"`
}

// Session is a session snapshot.
type Session struct {
	ID           string     `json:"id"`
	Processing   bool       `json:"processing"`
	Phase        string     `json:"phase"`
	MasterStatus string     `json:"master_status"`
	Stages       []Stage    `json:"stages"`
	Messages     []Message  `json:"messages"`
	Logs         []LogEntry `json:"logs"`
	LastOutcome  string     `json:"last_outcome"`
}

// SubmitResult is the answer to a submitted query.
type SubmitResult struct {
	Accepted bool    `json:"accepted"`
	Reason   string  `json:"reason"`
	Outcome  string  `json:"outcome"`
	Snapshot Session `json:"snapshot"`
}

// Event is one server-sent session event. Data holds the raw JSON payload.
type Event struct {
	Name string
	Data json.RawMessage
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Health pings the API.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var resp map[string]any
	err := c.do(ctx, http.MethodGet, c.path("health"), nil, &resp)
	return resp, err
}

// Compounds lists the known compounds.
func (c *Client) Compounds(ctx context.Context) ([]Compound, error) {
	var resp struct {
		Items []Compound `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, c.path("compounds"), nil, &resp)
	return resp.Items, err
}

// CreateSession opens a fresh session.
func (c *Client) CreateSession(ctx context.Context) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, c.path("sessions"), nil, &resp)
	return resp, err
}

// Session fetches a session snapshot.
func (c *Client) Session(ctx context.Context, id string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodGet, c.sessionPath(id, ""), nil, &resp)
	return resp, err
}

// ResetSession discards a session's transcript and stages.
func (c *Client) ResetSession(ctx context.Context, id string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, c.sessionPath(id, "reset"), nil, &resp)
	return resp, err
}

// DeleteSession removes a session.
func (c *Client) DeleteSession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, c.sessionPath(id, ""), nil, nil)
}

// Submit posts a research query. With wait the call returns once the run
// has finished.
func (c *Client) Submit(ctx context.Context, sessionID, query string, wait bool) (SubmitResult, error) {
	body := map[string]any{
		"query": query,
		"wait":  wait,
	}
	var resp SubmitResult
	err := c.do(ctx, http.MethodPost, c.sessionPath(sessionID, "messages"), body, &resp)
	return resp, err
}

// Report downloads the report offered by a message. format is "pdf" or
// "text". The returned name comes from Content-Disposition.
func (c *Client) Report(ctx context.Context, sessionID, messageID, format string) ([]byte, string, error) {
	endpoint := c.sessionPath(sessionID, "messages/"+url.PathEscape(messageID)+"/report")
	return c.download(ctx, endpoint, format)
}

// CompoundReport downloads the report for a catalog compound.
func (c *Client) CompoundReport(ctx context.Context, key, format string) ([]byte, string, error) {
	return c.download(ctx, c.path("compounds/"+url.PathEscape(key)+"/report"), format)
}

// Stream reads session events and hands each to fn until the stream ends,
// ctx is done or fn returns an error. With untilDone the stream ends after
// the next run event.
func (c *Client) Stream(ctx context.Context, sessionID string, untilDone bool, fn func(Event) error) error {
	endpoint := c.sessionPath(sessionID, "events")
	if untilDone {
		endpoint += "?until_done=true"
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base()+"/"+endpoint, http.NoBody)
	if err != nil {
		return err
	}
	client := &sse.Client{
		// The stream outlives any request timeout.
		HTTPClient:        &http.Client{Transport: c.httpClient().Transport},
		ResponseValidator: validateStream,
		Backoff:           sse.Backoff{MaxRetries: -1},
	}
	conn := client.NewConnection(req)
	var (
		fnErr    error
		finished bool
	)
	conn.SubscribeToAll(func(e sse.Event) {
		if fnErr != nil || finished {
			return
		}
		name := e.Type
		if name == "" {
			name = "message"
		}
		if err := fn(Event{Name: name, Data: json.RawMessage(e.Data)}); err != nil {
			fnErr = err
			cancel()
			return
		}
		if untilDone && (name == "run" || name == "error") {
			finished = true
			cancel()
		}
	})
	err = conn.Connect()
	switch {
	case fnErr != nil:
		return fnErr
	case finished:
		return nil
	case errors.Is(err, io.EOF):
		return nil
	case err != nil && ctx.Err() != nil:
		return ctx.Err()
	}
	return err
}

func validateStream(resp *http.Response) error {
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	return nil
}

func (c *Client) download(ctx context.Context, endpoint, format string) ([]byte, string, error) {
	if format != "" {
		endpoint += "?format=" + url.QueryEscape(format)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base()+"/"+endpoint, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	if resp.StatusCode >= 300 {
		return nil, "", &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	return b, attachmentName(resp.Header.Get("Content-Disposition")), nil
}

func attachmentName(disposition string) string {
	_, name, ok := strings.Cut(disposition, "filename=")
	if !ok {
		return ""
	}
	return strings.Trim(name, `"`)
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	return c.HTTPClient
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) path(p string) string {
	base := strings.Trim(c.BasePath, "/")
	if base == "" {
		return strings.TrimLeft(p, "/")
	}
	return base + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) sessionPath(id, p string) string {
	endpoint := c.path("sessions/" + url.PathEscape(id))
	if p != "" {
		endpoint += "/" + strings.TrimLeft(p, "/")
	}
	return endpoint
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
