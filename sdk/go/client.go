package slkasdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal slka HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 60 * time.Second,
	}
}

type ReadError struct {
	Source string `json:"source"`
	Reason string `json:"reason"`
}

type Outcome struct {
	ActionKey    string `json:"action_key"`
	Status       string `json:"status"`
	ErrorDetail  string `json:"error_detail,omitempty"`
	DispatchedAt string `json:"dispatched_at"`
}

type Action struct {
	ActionKey string `json:"action_key"`
	Kind      string `json:"kind"`
	Target    string `json:"target"`
	ThreadTS  string `json:"thread_ts,omitempty"`
	Content   string `json:"content,omitempty"`
}

// RunSummary is the result of one cycle.
type RunSummary struct {
	RunID            string      `json:"run_id"`
	StartedAt        string      `json:"started_at"`
	FinishedAt       string      `json:"finished_at"`
	Outcome          string      `json:"outcome"`
	FinalState       string      `json:"final_state"`
	DryRun           bool        `json:"dry_run,omitempty"`
	Observations     int         `json:"observations"`
	Candidates       int         `json:"candidates"`
	Attempted        int         `json:"attempted"`
	Succeeded        int         `json:"succeeded"`
	Pending          int         `json:"pending"`
	Failed           int         `json:"failed"`
	SkippedDuplicate int         `json:"skipped_duplicate"`
	SkippedCooldown  int         `json:"skipped_cooldown"`
	SkippedFailed    int         `json:"skipped_failed"`
	SkippedInFlight  int         `json:"skipped_in_flight"`
	NotDispatched    int         `json:"not_dispatched"`
	StoreErrors      int         `json:"store_errors"`
	ReadErrors       []ReadError `json:"read_errors"`
	Outcomes         []Outcome   `json:"outcomes,omitempty"`
	Planned          []Action    `json:"planned,omitempty"`
}

type Run struct {
	RunID      string     `json:"run_id"`
	StartedAt  string     `json:"started_at"`
	FinishedAt string     `json:"finished_at"`
	Outcome    string     `json:"outcome"`
	Succeeded  int        `json:"succeeded"`
	Pending    int        `json:"pending"`
	Failed     int        `json:"failed"`
	ReadErrors int        `json:"read_errors"`
	Summary    RunSummary `json:"summary"`
}

// Record is the stored outcome for an action key.
type Record struct {
	ActionKey     string `json:"action_key"`
	Kind          string `json:"kind"`
	Target        string `json:"target"`
	Status        string `json:"status"`
	ErrorDetail   string `json:"error_detail,omitempty"`
	Attempts      int    `json:"attempts"`
	CreatedAt     string `json:"created_at"`
	LastAttemptAt string `json:"last_attempt_at"`
}

type Approval struct {
	ActionKey   string `json:"action_key"`
	Kind        string `json:"kind"`
	Target      string `json:"target"`
	ThreadTS    string `json:"thread_ts,omitempty"`
	Content     string `json:"content,omitempty"`
	Description string `json:"description"`
	Status      string `json:"status"`
	DecidedBy   string `json:"decided_by,omitempty"`
	Reason      string `json:"reason,omitempty"`
	RequestedAt string `json:"requested_at"`
	DecidedAt   string `json:"decided_at,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code is taken from the error envelope
// when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// RunCycle asks the server to run one cycle and waits for its summary.
func (c *Client) RunCycle(ctx context.Context, dryRun bool) (RunSummary, error) {
	var resp RunSummary
	err := c.do(ctx, http.MethodPost, "cycles", map[string]any{"dry_run": dryRun}, &resp)
	return resp, err
}

func (c *Client) Runs(ctx context.Context, limit int) ([]Run, error) {
	var resp []Run
	err := c.do(ctx, http.MethodGet, withQuery("runs", url.Values{"limit": limitValue(limit)}), nil, &resp)
	return resp, err
}

func (c *Client) Run(ctx context.Context, runID string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodGet, "runs/"+url.PathEscape(runID), nil, &resp)
	return resp, err
}

// Records lists idempotency records, optionally filtered by status and key prefix.
func (c *Client) Records(ctx context.Context, status, prefix string, limit int) ([]Record, error) {
	q := url.Values{"limit": limitValue(limit)}
	if status != "" {
		q.Set("status", status)
	}
	if prefix != "" {
		q.Set("prefix", prefix)
	}
	var resp []Record
	err := c.do(ctx, http.MethodGet, withQuery("records", q), nil, &resp)
	return resp, err
}

func (c *Client) Record(ctx context.Context, key string) (Record, error) {
	var resp Record
	err := c.do(ctx, http.MethodGet, "records/"+url.PathEscape(key), nil, &resp)
	return resp, err
}

// Forget deletes a failed or pending record so the next cycle retries the action.
func (c *Client) Forget(ctx context.Context, key string) (Record, error) {
	var resp struct {
		Forgotten Record `json:"forgotten"`
	}
	err := c.do(ctx, http.MethodDelete, "records/"+url.PathEscape(key), nil, &resp)
	return resp.Forgotten, err
}

func (c *Client) Approvals(ctx context.Context, status string, limit int) ([]Approval, error) {
	q := url.Values{"limit": limitValue(limit)}
	if status != "" {
		q.Set("status", status)
	}
	var resp []Approval
	err := c.do(ctx, http.MethodGet, withQuery("approvals", q), nil, &resp)
	return resp, err
}

func (c *Client) Approve(ctx context.Context, key, reason string) (Approval, error) {
	return c.decide(ctx, key, "approve", reason)
}

func (c *Client) Reject(ctx context.Context, key, reason string) (Approval, error) {
	return c.decide(ctx, key, "reject", reason)
}

func (c *Client) decide(ctx context.Context, key, verb, reason string) (Approval, error) {
	var body any
	if reason != "" {
		body = map[string]any{"reason": reason}
	}
	var resp Approval
	err := c.do(ctx, http.MethodPost, "approvals/"+url.PathEscape(key)+"/"+verb, body, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{"limit": limitValue(limit)}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("events", q), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

func withQuery(endpoint string, q url.Values) string {
	for k, v := range q {
		if len(v) == 0 || v[0] == "" {
			q.Del(k)
		}
	}
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func limitValue(limit int) []string {
	if limit <= 0 {
		return nil
	}
	return []string{strconv.Itoa(limit)}
}
