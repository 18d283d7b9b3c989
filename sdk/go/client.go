package leadlinesdk

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

// Client is a minimal Leadline HTTP API client.
type Client struct {
	BaseURL     string
	TenantID    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, tenantID string) *Client {
	return &Client{
		BaseURL:  baseURL,
		TenantID: tenantID,
		Timeout:  10 * time.Second,
	}
}

// Lead represents the API lead model (partial).
type Lead struct {
	ID              string  `json:"id"`
	TenantID        string  `json:"tenant_id"`
	Name            string  `json:"name"`
	Email           string  `json:"email,omitempty"`
	Phone           string  `json:"phone,omitempty"`
	Source          string  `json:"source,omitempty"`
	BusinessStatus  string  `json:"business_status"`
	GovernanceState string  `json:"governance_state"`
	LastOutboundAt  *string `json:"last_outbound_at,omitempty"`
	Version         int64   `json:"version"`
}

// Message is one contact-history entry.
type Message struct {
	ID        string `json:"id"`
	LeadID    string `json:"lead_id"`
	Direction string `json:"direction"`
	Channel   string `json:"channel,omitempty"`
	Body      string `json:"body,omitempty"`
	SentAt    string `json:"sent_at"`
}

// RuleOutcome is one per-rule verdict from a fired trigger.
type RuleOutcome struct {
	RuleID       string `json:"rule_id"`
	ActionType   string `json:"action_type"`
	Decision     string `json:"decision"`
	DecisionRule string `json:"decision_rule"`
	Result       string `json:"result"`
	Error        string `json:"error,omitempty"`
}

// Rule represents an automation rule.
type Rule struct {
	ID           string `json:"id"`
	NicheID      string `json:"niche_id"`
	TriggerEvent string `json:"trigger_event"`
	DelayMinutes int    `json:"delay_minutes"`
	ActionType   string `json:"action_type"`
	IsActive     bool   `json:"is_active"`
}

// LogEntry is one audit-trail row.
type LogEntry struct {
	ID           int64  `json:"id"`
	TenantID     string `json:"tenant_id"`
	LeadID       string `json:"lead_id"`
	RuleID       string `json:"rule_id,omitempty"`
	TriggerEvent string `json:"trigger_event"`
	ActionType   string `json:"action_type"`
	Result       string `json:"result"`
	Decision     string `json:"decision"`
	DecisionRule string `json:"decision_rule"`
	ExecutedAt   string `json:"executed_at"`
}

// Job is a durable deferred follow-up.
type Job struct {
	ID           string `json:"id"`
	LeadID       string `json:"lead_id"`
	RuleID       string `json:"rule_id"`
	TriggerEvent string `json:"trigger_event"`
	DueAt        string `json:"due_at"`
	Status       string `json:"status"`
	Attempts     int    `json:"attempts"`
	LastError    string `json:"last_error,omitempty"`
}

// Status is a tenant scoreboard.
type Status struct {
	TenantID    string         `json:"tenant_id"`
	NicheID     string         `json:"niche_id"`
	LogCounts   map[string]int `json:"log_counts"`
	PendingJobs int            `json:"pending_jobs"`
	Engine      string         `json:"engine"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateLead creates a lead for the client's tenant.
func (c *Client) CreateLead(ctx context.Context, name, email, phone, source string) (Lead, error) {
	body := map[string]any{
		"tenant_id": c.TenantID,
		"name":      name,
	}
	if email != "" {
		body["email"] = email
	}
	if phone != "" {
		body["phone"] = phone
	}
	if source != "" {
		body["source"] = source
	}
	var resp Lead
	err := c.do(ctx, http.MethodPost, "leads", body, &resp)
	return resp, err
}

// Lead fetches a lead by id.
func (c *Client) Lead(ctx context.Context, id string) (Lead, error) {
	var resp Lead
	err := c.do(ctx, http.MethodGet, "leads/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Leads lists the tenant's leads.
func (c *Client) Leads(ctx context.Context, limit int) ([]Lead, error) {
	endpoint := "leads?tenant_id=" + url.QueryEscape(c.TenantID)
	if limit > 0 {
		endpoint += "&limit=" + strconv.Itoa(limit)
	}
	var resp []Lead
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Messages returns a lead's contact history.
func (c *Client) Messages(ctx context.Context, leadID string) ([]Message, error) {
	var resp []Message
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("leads/%s/messages", url.PathEscape(leadID)), nil, &resp)
	return resp, err
}

// RecordInbound reports a customer reply. This is what halts pending
// follow-ups for the lead.
func (c *Client) RecordInbound(ctx context.Context, leadID, channel, body string) (Lead, error) {
	payload := map[string]any{}
	if channel != "" {
		payload["channel"] = channel
	}
	if body != "" {
		payload["body"] = body
	}
	var resp Lead
	endpoint := fmt.Sprintf("leads/%s/messages/inbound", url.PathEscape(leadID))
	err := c.do(ctx, http.MethodPost, endpoint, payload, &resp)
	return resp, err
}

// CompleteLead marks a lead's follow-up funnel finished.
func (c *Client) CompleteLead(ctx context.Context, leadID string) (Lead, error) {
	var resp Lead
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("leads/%s/complete", url.PathEscape(leadID)), nil, &resp)
	return resp, err
}

// FireTrigger reports a business event and returns the per-rule outcomes.
func (c *Client) FireTrigger(ctx context.Context, name, leadID string, payload map[string]any) ([]RuleOutcome, error) {
	body := map[string]any{
		"name":      name,
		"lead_id":   leadID,
		"tenant_id": c.TenantID,
	}
	if payload != nil {
		body["payload"] = payload
	}
	var resp struct {
		Outcomes []RuleOutcome `json:"outcomes"`
	}
	err := c.do(ctx, http.MethodPost, "triggers", body, &resp)
	return resp.Outcomes, err
}

// Rules lists automation rules, optionally filtered by niche.
func (c *Client) Rules(ctx context.Context, nicheID string) ([]Rule, error) {
	endpoint := "rules"
	if nicheID != "" {
		endpoint += "?niche_id=" + url.QueryEscape(nicheID)
	}
	var resp []Rule
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SetRuleActive enables or disables a rule.
func (c *Client) SetRuleActive(ctx context.Context, ruleID string, active bool) (Rule, error) {
	var resp Rule
	endpoint := fmt.Sprintf("rules/%s/active", url.PathEscape(ruleID))
	err := c.do(ctx, http.MethodPatch, endpoint, map[string]any{"is_active": active}, &resp)
	return resp, err
}

// Logs returns recent audit entries for the tenant.
func (c *Client) Logs(ctx context.Context, leadID, result string, limit int) ([]LogEntry, error) {
	q := url.Values{}
	q.Set("tenant_id", c.TenantID)
	if leadID != "" {
		q.Set("lead_id", leadID)
	}
	if result != "" {
		q.Set("result", result)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp []LogEntry
	err := c.do(ctx, http.MethodGet, "logs?"+q.Encode(), nil, &resp)
	return resp, err
}

// Jobs returns scheduled jobs for the tenant.
func (c *Client) Jobs(ctx context.Context, status string, limit int) ([]Job, error) {
	q := url.Values{}
	q.Set("tenant_id", c.TenantID)
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp []Job
	err := c.do(ctx, http.MethodGet, "jobs?"+q.Encode(), nil, &resp)
	return resp, err
}

// TenantStatus returns the tenant scoreboard.
func (c *Client) TenantStatus(ctx context.Context) (Status, error) {
	var resp Status
	endpoint := fmt.Sprintf("tenants/%s/status", url.PathEscape(c.TenantID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
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
