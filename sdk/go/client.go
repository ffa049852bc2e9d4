package testlinesdk

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

// Client is a minimal Testline HTTP API client.
type Client struct {
	BaseURL     string
	CycleID     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, cycleID string) *Client {
	return &Client{
		BaseURL: baseURL,
		CycleID: cycleID,
		Timeout: 10 * time.Second,
	}
}

// Phase represents the API phase model (partial).
type Phase struct {
	ID       string         `json:"id"`
	CycleID  string         `json:"cycle_id"`
	ReportID string         `json:"report_id"`
	Kind     string         `json:"kind"`
	State    string         `json:"state"`
	Version  int64          `json:"version"`
	Blocked  bool           `json:"blocked"`
	Blocking []string       `json:"blocking"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// Report represents a regulatory report under test.
type Report struct {
	ID      string `json:"id"`
	CycleID string `json:"cycle_id"`
	Name    string `json:"name"`
	OwnerID string `json:"owner_id,omitempty"`
}

// Progress is the aggregate completion for one report.
type Progress struct {
	CycleID  string `json:"cycle_id"`
	ReportID string `json:"report_id"`
	Percent  int    `json:"percent"`
}

// Escalation represents one escalation delivery record.
type Escalation struct {
	ID              string `json:"id"`
	PhaseInstanceID string `json:"phase_instance_id"`
	Level           int    `json:"level"`
	Recipient       string `json:"recipient"`
	Status          string `json:"status"`
	CreatedAt       string `json:"created_at"`
}

// Event represents a log entry.
type Event struct {
	ID       int64          `json:"id"`
	TS       string         `json:"ts"`
	Type     string         `json:"type"`
	CycleID  string         `json:"cycle_id"`
	EntityID string         `json:"entity_id"`
	Payload  map[string]any `json:"payload"`
}

// PermissionCheck is the verdict for one actor/resource/action triple.
type PermissionCheck struct {
	ActorID    string `json:"actor_id"`
	Resource   string `json:"resource"`
	Action     string `json:"action"`
	ResourceID string `json:"resource_id,omitempty"`
	Allowed    bool   `json:"allowed"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateReport creates a report in the client's cycle.
func (c *Client) CreateReport(ctx context.Context, id, name, ownerID string) (Report, error) {
	body := map[string]any{
		"id":       id,
		"name":     name,
		"owner_id": ownerID,
	}
	var resp Report
	err := c.do(ctx, http.MethodPost, c.cyclePath("reports"), body, &resp)
	return resp, err
}

// InitializePhases creates the workflow phase set for a report.
func (c *Client) InitializePhases(ctx context.Context, reportID string) ([]Phase, error) {
	var resp []Phase
	endpoint := c.cyclePath(fmt.Sprintf("reports/%s/phases", url.PathEscape(reportID)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Phases lists the phases for a report, dependency state included.
func (c *Client) Phases(ctx context.Context, reportID string) ([]Phase, error) {
	var resp []Phase
	endpoint := c.cyclePath(fmt.Sprintf("reports/%s/phases", url.PathEscape(reportID)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Transition moves a phase to the target state. expectedVersion must match
// the current instance version or the server answers 409.
func (c *Client) Transition(ctx context.Context, phaseID, target string, expectedVersion int64, payload map[string]any) (Phase, error) {
	body := map[string]any{
		"target":           target,
		"expected_version": expectedVersion,
	}
	if payload != nil {
		body["payload"] = payload
	}
	var resp Phase
	endpoint := fmt.Sprintf("v0/phases/%s/transition", url.PathEscape(phaseID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Progress returns the aggregate completion percentage for a report.
func (c *Client) Progress(ctx context.Context, reportID string) (Progress, error) {
	var resp Progress
	endpoint := c.cyclePath(fmt.Sprintf("reports/%s/progress", url.PathEscape(reportID)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CheckPermission evaluates a permission for an actor.
func (c *Client) CheckPermission(ctx context.Context, actorID, resource, action, resourceID string) (PermissionCheck, error) {
	body := map[string]any{
		"actor_id":    actorID,
		"resource":    resource,
		"action":      action,
		"resource_id": resourceID,
	}
	var resp PermissionCheck
	err := c.do(ctx, http.MethodPost, "v0/permissions/check", body, &resp)
	return resp, err
}

// Escalations lists escalation events, optionally filtered by phase.
func (c *Client) Escalations(ctx context.Context, phaseID string, limit int) ([]Escalation, error) {
	endpoint := "v0/escalations"
	params := url.Values{}
	if phaseID != "" {
		params.Set("phase_instance_id", phaseID)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if q := params.Encode(); q != "" {
		endpoint += "?" + q
	}
	var resp []Escalation
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Escalate escalates a phase immediately, bypassing its SLA timer.
func (c *Client) Escalate(ctx context.Context, phaseID string) error {
	endpoint := fmt.Sprintf("v0/phases/%s/escalate", url.PathEscape(phaseID))
	return c.do(ctx, http.MethodPost, endpoint, nil, nil)
}

// Events returns recent cycle events after the given id.
func (c *Client) Events(ctx context.Context, afterID int64, limit int) ([]Event, error) {
	endpoint := c.cyclePath("events")
	params := url.Values{}
	if afterID > 0 {
		params.Set("after_id", fmt.Sprintf("%d", afterID))
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if q := params.Encode(); q != "" {
		endpoint += "?" + q
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
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

func (c *Client) cyclePath(p string) string {
	cycle := url.PathEscape(c.CycleID)
	return fmt.Sprintf("v0/cycles/%s/%s", cycle, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
