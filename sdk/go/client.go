package coordsdk

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

// Client is a minimal Coordline operator API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base
// path, e.g. http://127.0.0.1:8080/v0.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// ModuleDescriptor is a module status snapshot.
type ModuleDescriptor struct {
	Name          string     `json:"name"`
	Status        string     `json:"status"`
	ErrorCount    int        `json:"error_count"`
	LastExecution *time.Time `json:"last_execution,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}

// Status is the engine status report.
type Status struct {
	Modules        map[string]ModuleDescriptor `json:"modules"`
	MissingModules []string                    `json:"missing_modules"`
	EventCounts    map[string]int              `json:"event_counts"`
}

// Execution is an in-flight workflow.
type Execution struct {
	ExecutionID  string    `json:"execution_id"`
	ContextID    string    `json:"context_id"`
	Stages       []string  `json:"stages"`
	CurrentStage string    `json:"current_stage,omitempty"`
	StartedAt    time.Time `json:"started_at"`
}

// Event represents a log entry.
type Event struct {
	ID          int64          `json:"id"`
	Seq         int64          `json:"seq"`
	TS          string         `json:"ts"`
	Type        string         `json:"type"`
	ContextID   string         `json:"context_id"`
	Stage       string         `json:"stage"`
	ExecutionID string         `json:"execution_id"`
	Payload     map[string]any `json:"payload"`
}

// Permission is a resource/action grant of a role.
type Permission struct {
	Resource  string `json:"resource"`
	Action    string `json:"action"`
	Elevated  bool   `json:"elevated,omitempty"`
	ExpiresAt string `json:"expires_at,omitempty"`
}

// Role represents a created role.
type Role struct {
	ID             string       `json:"id"`
	ContextID      string       `json:"context_id"`
	Name           string       `json:"name"`
	Classification string       `json:"classification"`
	DisplayName    string       `json:"display_name"`
	Description    string       `json:"description,omitempty"`
	Strategy       string       `json:"creation_strategy"`
	Status         string       `json:"status"`
	Permissions    []Permission `json:"permissions"`
	Capabilities   []string     `json:"capabilities"`
	CreatedAt      string       `json:"created_at"`
}

// Trace is one audit trail entry.
type Trace struct {
	ID          string `json:"id"`
	ContextID   string `json:"context_id"`
	ExecutionID string `json:"execution_id,omitempty"`
	Stage       string `json:"stage"`
	Detail      string `json:"detail,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// EventFilters narrows event listings.
type EventFilters struct {
	Type      string
	ContextID string
	Stage     string
}

// Status returns module descriptors and event counts.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, "status", &resp)
	return resp, err
}

// Executions lists in-flight workflows.
func (c *Client) Executions(ctx context.Context) ([]Execution, error) {
	var resp struct {
		Items []Execution `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "executions", &resp)
	return resp.Items, err
}

// Events returns the first page of logged events.
func (c *Client) Events(ctx context.Context, limit int, f EventFilters) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "", f)
	return page.Items, err
}

// EventsPage returns a paginated event listing starting after cursor.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string, f EventFilters) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if f.Type != "" {
		q.Set("type", f.Type)
	}
	if f.ContextID != "" {
		q.Set("context_id", f.ContextID)
	}
	if f.Stage != "" {
		q.Set("stage", f.Stage)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, &resp)
	return resp, err
}

// Roles lists roles, optionally scoped to a context.
func (c *Client) Roles(ctx context.Context, contextID string) ([]Role, error) {
	endpoint := "roles"
	if contextID != "" {
		endpoint += "?context_id=" + url.QueryEscape(contextID)
	}
	var resp struct {
		Items []Role `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, &resp)
	return resp.Items, err
}

// Role fetches one role by id.
func (c *Client) Role(ctx context.Context, id string) (Role, error) {
	var resp Role
	err := c.do(ctx, http.MethodGet, "roles/"+url.PathEscape(id), &resp)
	return resp, err
}

// Traces lists the traces recorded for a context.
func (c *Client) Traces(ctx context.Context, contextID string) ([]Trace, error) {
	var resp struct {
		Items []Trace `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("contexts/%s/traces", url.PathEscape(contextID)), &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, method, url, &bytes.Buffer{})
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
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
