package crewlinesdk

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

// Client is a minimal Crewline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	AgentID     string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, agentID string) *Client {
	return &Client{
		BaseURL: baseURL,
		AgentID: agentID,
		Timeout: 10 * time.Second,
	}
}

// WorkItem represents the API work item model (partial).
type WorkItem struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	ParentID  *string  `json:"parent_id,omitempty"`
	Status    string   `json:"status"`
	Assignee  *string  `json:"assignee,omitempty"`
	DependsOn []string `json:"depends_on,omitempty"`
	CreatedAt string   `json:"created_at"`
}

// Claim is a granted work-item binding.
type Claim struct {
	WorkID    string `json:"work_id"`
	AgentID   string `json:"agent_id"`
	Token     string `json:"token"`
	ClaimedAt string `json:"claimed_at"`
}

// Message represents a direct, queue or channel record.
type Message struct {
	ID        string  `json:"id"`
	Sender    string  `json:"sender"`
	Recipient *string `json:"recipient,omitempty"`
	Channel   *string `json:"channel,omitempty"`
	ThreadID  *string `json:"thread_id,omitempty"`
	Body      string  `json:"body"`
	CreatedAt string  `json:"created_at"`
}

// Outcome mirrors the startup sequence result.
type Outcome struct {
	Phase    string     `json:"phase"`
	Messages []Message  `json:"messages,omitempty"`
	Resume   []WorkItem `json:"resume,omitempty"`
	Epics    []WorkItem `json:"epics,omitempty"`
	Epic     *WorkItem  `json:"epic,omitempty"`
	Claim    *Claim     `json:"claim,omitempty"`
	Next     *WorkItem  `json:"next,omitempty"`
}

// Decision mirrors the publish gate result.
type Decision struct {
	Action     string `json:"action"`
	BaseBranch string `json:"base_branch,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Code       string `json:"code,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
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

// CreateWork creates a work item (deferred until promoted).
func (c *Client) CreateWork(ctx context.Context, title, parentID string, dependsOn []string) (WorkItem, error) {
	body := map[string]any{
		"title":      title,
		"parent_id":  parentID,
		"depends_on": dependsOn,
	}
	var resp WorkItem
	err := c.do(ctx, http.MethodPost, "v0/work", body, &resp)
	return resp, err
}

// PromoteWork moves a deferred item to open.
func (c *Client) PromoteWork(ctx context.Context, id string) (WorkItem, error) {
	var resp WorkItem
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/work/%s/promote", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// ClaimWork claims a work item for the authenticated agent.
func (c *Client) ClaimWork(ctx context.Context, id string) (Claim, error) {
	var resp Claim
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/work/%s/claim", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// ReleaseWork releases a claimed work item.
func (c *Client) ReleaseWork(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("v0/work/%s/release", url.PathEscape(id)), nil, nil)
}

// Next runs the startup sequence in the given mode ("prompt" or "auto").
func (c *Client) Next(ctx context.Context, mode string) (Outcome, error) {
	var resp Outcome
	err := c.do(ctx, http.MethodPost, "v0/selection/next", map[string]any{"mode": mode}, &resp)
	return resp, err
}

// PublishDecision evaluates the strategy gate for a changeset.
func (c *Client) PublishDecision(ctx context.Context, id string) (Decision, error) {
	var resp Decision
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/work/%s/publish/decision", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// SendMessage sends a direct message to another agent.
func (c *Client) SendMessage(ctx context.Context, recipient, threadID, body string) (Message, error) {
	payload := map[string]any{
		"kind":      "direct",
		"recipient": recipient,
		"thread_id": threadID,
		"body":      body,
	}
	var resp Message
	err := c.do(ctx, http.MethodPost, "v0/messages", payload, &resp)
	return resp, err
}

// Inbox returns unread direct messages for the authenticated agent.
func (c *Client) Inbox(ctx context.Context) ([]Message, error) {
	var resp []Message
	err := c.do(ctx, http.MethodGet, "v0/inbox", nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.AgentID != "":
		req.Header.Set("X-Agent-Id", c.AgentID)
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
