package soplinesdk

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
)

// Client is a minimal sopline HTTP API client for calendar and task-list
// integrations.
type Client struct {
	BaseURL    string
	BasePath   string
	ContextID  string
	ActorID    string
	Automated  bool
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, contextID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		BasePath:  "/v0",
		ContextID: contextID,
		Timeout:   10 * time.Second,
	}
}

// CalendarItem is one block on the household calendar.
type CalendarItem struct {
	ID           string  `json:"id"`
	CompletionID string  `json:"completion_id,omitempty"`
	ProcedureID  string  `json:"procedure_id"`
	Title        string  `json:"title"`
	Category     string  `json:"category,omitempty"`
	Duration     float64 `json:"duration"`
	Assignee     string  `json:"assignee,omitempty"`
	Date         string  `json:"date"`
	StartTime    string  `json:"start_time"`
	EndTime      string  `json:"end_time"`
	Status       string  `json:"status"`
	Color        string  `json:"color"`
	Draggable    bool    `json:"draggable"`
}

// Completion is the execution record of one occurrence (partial).
type Completion struct {
	ID               string   `json:"id"`
	ProcedureID      string   `json:"procedure_id"`
	ProcedureVersion int      `json:"procedure_version"`
	Title            string   `json:"title"`
	AssigneeID       string   `json:"assignee_id"`
	ScheduledDate    string   `json:"scheduled_date"`
	ScheduledTime    string   `json:"scheduled_time"`
	Status           string   `json:"status"`
	CompletedSteps   []string `json:"completed_steps"`
	SkippedSteps     []string `json:"skipped_steps"`
	ActualDuration   float64  `json:"actual_duration"`
}

// WorkItem is the task-list rendering of an occurrence.
type WorkItem struct {
	Title             string   `json:"title"`
	Assignee          string   `json:"assignee,omitempty"`
	EstimatedDuration float64  `json:"estimated_duration"`
	Tags              []string `json:"tags,omitempty"`
	Context           string   `json:"context"`
	ProcedureID       string   `json:"procedure_id"`
	CompletionID      string   `json:"completion_id,omitempty"`
}

// Event is an audit log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	ContextID  string `json:"context_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code and Details come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an APIError with the given code, such as
// "invalid_transition" or "duplicate_occurrence".
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// Calendar returns the items between from (inclusive) and to (exclusive).
// With slots set it also returns recurrence dates nothing is scheduled on yet.
func (c *Client) Calendar(ctx context.Context, from, to string, slots bool) ([]CalendarItem, error) {
	q := url.Values{}
	setQuery(q, "context_id", c.ContextID)
	setQuery(q, "from", from)
	setQuery(q, "to", to)
	if slots {
		q.Set("slots", "true")
	}
	var resp []CalendarItem
	err := c.do(ctx, http.MethodGet, withQuery("calendar", q), nil, &resp)
	return resp, err
}

// Reschedule moves a scheduled occurrence; either date or time may be empty.
func (c *Client) Reschedule(ctx context.Context, completionID, date, clock string) (Completion, error) {
	body := map[string]any{}
	if date != "" {
		body["date"] = date
	}
	if clock != "" {
		body["time"] = clock
	}
	var resp Completion
	err := c.do(ctx, http.MethodPost, completionPath(completionID, "reschedule"), body, &resp)
	return resp, err
}

// ScheduleOccurrences materialises a procedure's recurrence in [from, to).
func (c *Client) ScheduleOccurrences(ctx context.Context, procedureID, from, to string) ([]Completion, error) {
	body := map[string]any{}
	if from != "" {
		body["from"] = from
	}
	if to != "" {
		body["to"] = to
	}
	var resp []Completion
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("procedures/%s/schedule", url.PathEscape(procedureID)), body, &resp)
	return resp, err
}

func (c *Client) Completion(ctx context.Context, id string) (Completion, error) {
	var resp Completion
	err := c.do(ctx, http.MethodGet, completionPath(id, ""), nil, &resp)
	return resp, err
}

func (c *Client) WorkItem(ctx context.Context, completionID string) (WorkItem, error) {
	var resp WorkItem
	err := c.do(ctx, http.MethodGet, completionPath(completionID, "work-item"), nil, &resp)
	return resp, err
}

func (c *Client) Start(ctx context.Context, completionID string) (Completion, error) {
	var resp Completion
	err := c.do(ctx, http.MethodPost, completionPath(completionID, "start"), nil, &resp)
	return resp, err
}

// CompleteStep marks a pinned step done; a non-empty itemID checks off one
// list item instead.
func (c *Client) CompleteStep(ctx context.Context, completionID, stepID, itemID string) (Completion, error) {
	body := map[string]any{"step_id": stepID}
	if itemID != "" {
		body["item_id"] = itemID
	}
	var resp Completion
	err := c.do(ctx, http.MethodPost, completionPath(completionID, "steps/complete"), body, &resp)
	return resp, err
}

// Finish completes an occurrence. Token is required only for procedures that
// need confirmation.
func (c *Client) Finish(ctx context.Context, completionID, token string) (Completion, error) {
	body := map[string]any{}
	if token != "" {
		body["token"] = token
	}
	var resp Completion
	err := c.do(ctx, http.MethodPost, completionPath(completionID, "finish"), body, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	setQuery(q, "context_id", c.ContextID)
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	setQuery(q, "cursor", cursor)
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("events", q), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
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
	req.Header.Set("Content-Type", "application/json")
	if c.ActorID != "" {
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	if c.Automated {
		req.Header.Set("X-Automated", "true")
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return decodeError(resp.StatusCode, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.Details = env.Error.Details
	}
	return apiErr
}

func completionPath(id, action string) string {
	p := "completions/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func setQuery(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}

func withQuery(p string, q url.Values) string {
	if len(q) == 0 {
		return p
	}
	return p + "?" + q.Encode()
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if c.BasePath != "" {
		base += "/" + strings.Trim(c.BasePath, "/")
	}
	return base
}
