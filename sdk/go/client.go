package phaselinesdk

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

// Client is a minimal Phaseline HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Project is the API project model.
type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Phase       string `json:"phase"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

// TransitionEvent is one phase transition attempt.
type TransitionEvent struct {
	ID          string         `json:"id"`
	ProjectID   string         `json:"project_id"`
	From        string         `json:"from"`
	To          string         `json:"to"`
	Trigger     string         `json:"trigger"`
	TriggeredBy string         `json:"triggered_by"`
	TriggerData map[string]any `json:"trigger_data,omitempty"`
	Status      string         `json:"status"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   string         `json:"created_at"`
	CompletedAt *string        `json:"completed_at,omitempty"`
}

// TriggerResult reports whether a notification matched a rule.
type TriggerResult struct {
	Applied bool             `json:"applied"`
	Event   *TransitionEvent `json:"event,omitempty"`
}

// ApprovalRequest gates a transition behind a human decision.
type ApprovalRequest struct {
	ID          string `json:"id"`
	EventID     string `json:"event_id"`
	ProjectID   string `json:"project_id"`
	RequestedBy string `json:"requested_by"`
	RequestedAt string `json:"requested_at"`
	Reason      string `json:"reason,omitempty"`
	Status      string `json:"status"`
}

// Event is one audit log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateProject creates a project in phase payment_pending.
func (c *Client) CreateProject(ctx context.Context, id, name, description string) (Project, error) {
	body := map[string]any{
		"id":          id,
		"name":        name,
		"description": description,
	}
	var resp Project
	err := c.do(ctx, http.MethodPost, "v0/projects", body, &resp)
	return resp, err
}

// GetProject fetches the active project.
func (c *Client) GetProject(ctx context.Context) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, c.projectPath(""), nil, &resp)
	return resp, err
}

// ReportPayment reports a completed payment.
func (c *Client) ReportPayment(ctx context.Context, paymentID string, amount float64, currency string) (TriggerResult, error) {
	body := map[string]any{
		"project_id": c.ProjectID,
		"payment_id": paymentID,
		"amount":     amount,
		"currency":   currency,
	}
	var resp TriggerResult
	err := c.do(ctx, http.MethodPost, "v0/triggers/payment", body, &resp)
	return resp, err
}

// ReportMeeting reports a completed meeting of the given type.
func (c *Client) ReportMeeting(ctx context.Context, meetingType, calendarEventID string, attendees []string) (TriggerResult, error) {
	body := map[string]any{
		"project_id":        c.ProjectID,
		"type":              meetingType,
		"calendar_event_id": calendarEventID,
		"attendees":         attendees,
	}
	var resp TriggerResult
	err := c.do(ctx, http.MethodPost, "v0/triggers/meeting", body, &resp)
	return resp, err
}

// RequestTransition requests a manual transition.
func (c *Client) RequestTransition(ctx context.Context, from, to, reason string) (TransitionEvent, error) {
	body := map[string]any{
		"from":   from,
		"to":     to,
		"reason": reason,
	}
	var resp TransitionEvent
	err := c.do(ctx, http.MethodPost, c.projectPath("transitions"), body, &resp)
	return resp, err
}

// History returns the project's transition history.
func (c *Client) History(ctx context.Context) ([]TransitionEvent, error) {
	var resp []TransitionEvent
	err := c.do(ctx, http.MethodGet, c.projectPath("transitions"), nil, &resp)
	return resp, err
}

// PendingApprovals lists approval requests awaiting a decision.
func (c *Client) PendingApprovals(ctx context.Context) ([]ApprovalRequest, error) {
	var resp []ApprovalRequest
	err := c.do(ctx, http.MethodGet, "v0/approvals", nil, &resp)
	return resp, err
}

// Approve resolves an approval request positively. The returned flag is false
// when the request was already decided.
func (c *Client) Approve(ctx context.Context, approvalID string) (bool, error) {
	var resp struct {
		Resolved bool `json:"resolved"`
	}
	endpoint := fmt.Sprintf("v0/approvals/%s/approve", url.PathEscape(approvalID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{}, &resp)
	return resp.Resolved, err
}

// Reject resolves an approval request negatively.
func (c *Client) Reject(ctx context.Context, approvalID, reason string) (bool, error) {
	var resp struct {
		Resolved bool `json:"resolved"`
	}
	endpoint := fmt.Sprintf("v0/approvals/%s/reject", url.PathEscape(approvalID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"reason": reason}, &resp)
	return resp.Resolved, err
}

// Events returns recent audit log entries.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d&project_id=%s", endpoint, limit, url.QueryEscape(c.ProjectID))
	} else {
		endpoint = fmt.Sprintf("%s?project_id=%s", endpoint, url.QueryEscape(c.ProjectID))
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

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	if p == "" {
		return fmt.Sprintf("v0/projects/%s", project)
	}
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
