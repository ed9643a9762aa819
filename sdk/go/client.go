package stacklinesdk

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

// Client is a minimal Stackline HTTP API client.
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
		Timeout: 10 * time.Second,
	}
}

// Stack represents the API stack model.
type Stack struct {
	ID        string `json:"id"`
	ArcID     string `json:"arc_id,omitempty"`
	Title     string `json:"title"`
	Status    string `json:"status"`
	IsActive  bool   `json:"is_active"`
	SyncState string `json:"sync_state"`
	Revision  int64  `json:"revision"`
}

// Task represents the API task model.
type Task struct {
	ID        string `json:"id"`
	StackID   string `json:"stack_id,omitempty"`
	Title     string `json:"title"`
	Status    string `json:"status"`
	DueAt     string `json:"due_at,omitempty"`
	SyncState string `json:"sync_state"`
	Revision  int64  `json:"revision"`
}

// Event represents a log entry.
type Event struct {
	ID         string         `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorType  string         `json:"actor_type"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// Conflict represents an unresolved sync divergence.
type Conflict struct {
	ID             string         `json:"id"`
	EntityKind     string         `json:"entity_kind"`
	EntityID       string         `json:"entity_id"`
	LocalRevision  int64          `json:"local_revision"`
	RemoteRevision int64          `json:"remote_revision"`
	Local          map[string]any `json:"local"`
	Remote         map[string]any `json:"remote"`
	Status         string         `json:"status"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateStack creates a stack.
func (c *Client) CreateStack(ctx context.Context, title string, activate bool) (Stack, error) {
	body := map[string]any{
		"title":    title,
		"activate": activate,
	}
	var resp Stack
	err := c.do(ctx, http.MethodPost, "v0/stacks", body, &resp)
	return resp, err
}

// ListStacks lists stacks, optionally filtered by status.
func (c *Client) ListStacks(ctx context.Context, status string) ([]Stack, error) {
	endpoint := "v0/stacks"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []Stack
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ActivateStack makes a stack the active one.
func (c *Client) ActivateStack(ctx context.Context, stackID string) (Stack, error) {
	var resp Stack
	endpoint := fmt.Sprintf("v0/stacks/%s/activate", url.PathEscape(stackID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// CreateTask creates a task, optionally inside a stack.
func (c *Client) CreateTask(ctx context.Context, title, stackID string) (Task, error) {
	body := map[string]any{"title": title}
	if stackID != "" {
		body["stack_id"] = stackID
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "v0/tasks", body, &resp)
	return resp, err
}

// CompleteTask completes a task. graceSeconds > 0 opens an undo window
// instead of completing immediately.
func (c *Client) CompleteTask(ctx context.Context, taskID string, graceSeconds int) (Task, error) {
	body := map[string]any{}
	if graceSeconds > 0 {
		body["grace_seconds"] = graceSeconds
	}
	var resp Task
	endpoint := fmt.Sprintf("v0/tasks/%s/complete", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// UndoCompleteTask cancels a pending grace window.
func (c *Client) UndoCompleteTask(ctx context.Context, taskID string) (bool, error) {
	var resp struct {
		Cancelled bool `json:"cancelled"`
	}
	endpoint := fmt.Sprintf("v0/tasks/%s/undo-complete", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp.Cancelled, err
}

// Events returns recent events, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// History returns the full event history for one entity.
func (c *Client) History(ctx context.Context, entityID string) ([]Event, error) {
	endpoint := fmt.Sprintf("v0/history/%s", url.PathEscape(entityID))
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ListConflicts lists sync conflicts, optionally by status.
func (c *Client) ListConflicts(ctx context.Context, status string) ([]Conflict, error) {
	endpoint := "v0/conflicts"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []Conflict
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ResolveConflict settles a conflict with choice "local" or "remote".
func (c *Client) ResolveConflict(ctx context.Context, conflictID, choice string) (Conflict, error) {
	var resp Conflict
	endpoint := fmt.Sprintf("v0/conflicts/%s/resolve", url.PathEscape(conflictID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"choice": choice}, &resp)
	return resp, err
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
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
