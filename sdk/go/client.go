package foremansdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Foreman HTTP API client.
type Client struct {
	BaseURL    string
	IssuerRole string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, issuerRole string) *Client {
	return &Client{
		BaseURL:    baseURL,
		IssuerRole: issuerRole,
		Timeout:    10 * time.Second,
	}
}

// Task represents the API task model.
type Task struct {
	ID         string         `json:"id"`
	State      string         `json:"state"`
	Kind       string         `json:"kind"`
	Summary    string         `json:"summary"`
	IssuerRole string         `json:"issuer_role"`
	Reason     string         `json:"reason,omitempty"`
	SourceLine int            `json:"source_line,omitempty"`
	Payload    map[string]any `json:"payload"`
	CreatedAt  string         `json:"created_at"`
	UpdatedAt  string         `json:"updated_at"`
}

// ParseError is a script line that could not be parsed.
type ParseError struct {
	Line    int    `json:"line"`
	Raw     string `json:"raw"`
	Message string `json:"message"`
}

// Entry is an accepted command and the task it became.
type Entry struct {
	Line    int    `json:"line"`
	Command string `json:"command"`
	Task    Task   `json:"task"`
}

// Issue is a parsed command refused by admission.
type Issue struct {
	Line    int    `json:"line"`
	Command string `json:"command"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Submission is the outcome of submitting a script.
type Submission struct {
	Accepted []Entry      `json:"accepted"`
	Issues   []Issue      `json:"issues"`
	Errors   []ParseError `json:"errors"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// Decision is a calendar verdict.
type Decision struct {
	Allowed        bool   `json:"allowed"`
	Reason         string `json:"reason,omitempty"`
	NextTime       string `json:"next_time,omitempty"`
	EnforcedSilent bool   `json:"enforced_silent"`
	DeadlineAt     string `json:"deadline_at,omitempty"`
}

// CalendarCheck asks whether a task may run at At (now when empty).
type CalendarCheck struct {
	At          string   `json:"at,omitempty"`
	Window      string   `json:"window,omitempty"`
	Before      string   `json:"before,omitempty"`
	DueInDays   *float64 `json:"due_in_days,omitempty"`
	BlueprintID string   `json:"blueprint_id,omitempty"`
	Silent      bool     `json:"silent,omitempty"`
}

// PromoteResult lists schedule tasks queued and those left waiting.
type PromoteResult struct {
	Promoted []string          `json:"promoted"`
	Skipped  map[string]string `json:"skipped"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// SubmitScript queues every admissible command of a script.
func (c *Client) SubmitScript(ctx context.Context, script string) (Submission, error) {
	var resp Submission
	err := c.do(ctx, http.MethodPost, "v0/scripts", map[string]any{"script": script}, &resp)
	return resp, err
}

// ListTasks returns tasks in submission order, optionally filtered by state.
func (c *Client) ListTasks(ctx context.Context, state string, limit int) ([]Task, error) {
	q := url.Values{}
	if state != "" {
		q.Set("state", state)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	var resp struct {
		Items []Task `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("v0/tasks", q), nil, &resp)
	return resp.Items, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "v0/tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) Approve(ctx context.Context, id, reason string) (Task, error) {
	return c.transition(ctx, id, "approve", reason)
}

func (c *Client) Reject(ctx context.Context, id, reason string) (Task, error) {
	return c.transition(ctx, id, "reject", reason)
}

func (c *Client) Reset(ctx context.Context, id, reason string) (Task, error) {
	return c.transition(ctx, id, "reset", reason)
}

func (c *Client) transition(ctx context.Context, id, verb, reason string) (Task, error) {
	var resp Task
	endpoint := fmt.Sprintf("v0/tasks/%s/%s", url.PathEscape(id), verb)
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"reason": reason}, &resp)
	return resp, err
}

// EventsPage returns events after cursor, oldest first. An empty cursor lists
// the newest events instead.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("after", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("v0/events", q), nil, &resp)
	return resp, err
}

func (c *Client) CheckCalendar(ctx context.Context, check CalendarCheck) (Decision, error) {
	var resp Decision
	err := c.do(ctx, http.MethodPost, "v0/calendar/check", check, &resp)
	return resp, err
}

// Schedule returns the raw schedule document.
func (c *Client) Schedule(ctx context.Context) (json.RawMessage, error) {
	var resp json.RawMessage
	err := c.do(ctx, http.MethodGet, "v0/schedule", nil, &resp)
	return resp, err
}

func (c *Client) DragTask(ctx context.Context, id string, deltaMin float64) (map[string]any, error) {
	return c.scheduleEdit(ctx, id, "drag", map[string]any{"delta_min": deltaMin})
}

func (c *Client) ResizeTask(ctx context.Context, id string, durationMin float64) (map[string]any, error) {
	return c.scheduleEdit(ctx, id, "resize", map[string]any{"duration_min": durationMin})
}

func (c *Client) ConnectDependency(ctx context.Context, id, dependsOn string) (map[string]any, error) {
	return c.scheduleEdit(ctx, id, "dependencies", map[string]any{"depends_on": dependsOn})
}

func (c *Client) scheduleEdit(ctx context.Context, id, verb string, body any) (map[string]any, error) {
	var resp map[string]any
	endpoint := fmt.Sprintf("v0/schedule/tasks/%s/%s", url.PathEscape(id), verb)
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Promote queues planned schedule tasks whose dependencies are met.
func (c *Client) Promote(ctx context.Context) (PromoteResult, error) {
	var resp PromoteResult
	err := c.do(ctx, http.MethodPost, "v0/schedule/promote", nil, &resp)
	return resp, err
}

// Sync copies queue progress into the schedule and returns changed task ids.
func (c *Client) Sync(ctx context.Context) ([]string, error) {
	var resp struct {
		Changed []string `json:"changed"`
	}
	err := c.do(ctx, http.MethodPost, "v0/schedule/sync", nil, &resp)
	return resp.Changed, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
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
	if c.IssuerRole != "" {
		req.Header.Set("X-Issuer-Role", c.IssuerRole)
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

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
