package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"leadline/internal/config"
	"leadline/internal/domain"
	"leadline/internal/engine"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// webhookNotifier streams new audit trail rows to configured endpoints.
// Each endpoint keeps its own cursor so a slow consumer never blocks the
// others, and delivery stops at the first failure so rows arrive in order.
type webhookNotifier struct {
	engine   *engine.Engine
	tenant   string
	webhooks []config.WebhookConfig
	client   *http.Client
	log      *zap.Logger
	mu       sync.Mutex
	cursors  map[int]int64
}

func startWebhookNotifier(e *engine.Engine) {
	if e.Config == nil || len(e.Config.Webhooks) == 0 {
		return
	}
	n := &webhookNotifier{
		engine:   e,
		tenant:   e.Config.Tenant.ID,
		webhooks: e.Config.Webhooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		log:      e.Log,
		cursors:  make(map[int]int64),
	}
	go n.run()
}

func (n *webhookNotifier) run() {
	ticker := time.NewTicker(defaultWebhookInterval)
	defer ticker.Stop()
	for {
		n.notifyAll()
		<-ticker.C
	}
}

func (n *webhookNotifier) notifyAll() {
	for i, hook := range n.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		n.notify(i, hook)
	}
}

func (n *webhookNotifier) notify(idx int, hook config.WebhookConfig) {
	ctx := context.Background()
	cursor := n.cursorFor(idx)
	entries, err := n.engine.Repo.LogsAfter(ctx, defaultWebhookBatch, cursor, n.tenant)
	if err != nil {
		n.log.Error("webhook: fetch audit rows failed", zap.Error(err))
		return
	}
	if len(entries) == 0 {
		return
	}
	filter := newResultFilter(hook.Events)
	for _, entry := range entries {
		if !filter.match(entry.Result) {
			n.setCursor(idx, entry.ID)
			continue
		}
		if err := n.post(ctx, hook, entry); err != nil {
			n.log.Warn("webhook: delivery failed",
				zap.String("url", hook.URL),
				zap.Int64("log_id", entry.ID),
				zap.Error(err))
			return
		}
		n.setCursor(idx, entry.ID)
	}
}

func (n *webhookNotifier) cursorFor(idx int) int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	if cur, ok := n.cursors[idx]; ok {
		return cur
	}
	cur, err := n.engine.Repo.LatestLogID(context.Background(), n.tenant)
	if err != nil {
		n.log.Error("webhook: init cursor failed", zap.Error(err))
		cur = 0
	}
	n.cursors[idx] = cur
	return cur
}

func (n *webhookNotifier) setCursor(idx int, value int64) {
	n.mu.Lock()
	n.cursors[idx] = value
	n.mu.Unlock()
}

type webhookPayload struct {
	ID            int64           `json:"id"`
	TenantID      string          `json:"tenant_id"`
	LeadID        string          `json:"lead_id"`
	RuleID        string          `json:"rule_id,omitempty"`
	TriggerEvent  string          `json:"trigger_event"`
	ActionType    string          `json:"action_type"`
	Result        string          `json:"result"`
	Decision      string          `json:"decision"`
	DecisionRule  string          `json:"decision_rule"`
	EngineVersion string          `json:"engine_version"`
	ExecutedAt    string          `json:"executed_at"`
	Payload       json.RawMessage `json:"payload"`
}

func (n *webhookNotifier) post(ctx context.Context, hook config.WebhookConfig, entry domain.AutomationLog) error {
	payload := json.RawMessage("{}")
	if entry.Payload != "" && json.Valid([]byte(entry.Payload)) {
		payload = json.RawMessage(entry.Payload)
	}
	body := webhookPayload{
		ID:            entry.ID,
		TenantID:      entry.TenantID,
		LeadID:        entry.LeadID,
		RuleID:        entry.RuleID,
		TriggerEvent:  entry.TriggerEvent,
		ActionType:    entry.ActionType,
		Result:        entry.Result,
		Decision:      entry.Decision,
		DecisionRule:  entry.DecisionRule,
		EngineVersion: entry.EngineVersion,
		ExecutedAt:    entry.ExecutedAt,
		Payload:       payload,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := n.client
	if timeout != n.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Leadline-Result", entry.Result)
	req.Header.Set("X-Leadline-Delivery", fmt.Sprintf("%d", entry.ID))
	req.Header.Set("X-Leadline-Tenant", entry.TenantID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Leadline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

// resultFilter matches audit results against a webhook's events list; an
// empty list matches everything.
type resultFilter struct {
	all bool
	set map[string]struct{}
}

func newResultFilter(events []string) resultFilter {
	if len(events) == 0 {
		return resultFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return resultFilter{all: true}
	}
	return resultFilter{set: set}
}

func (f resultFilter) match(result string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[result]
	return ok
}
