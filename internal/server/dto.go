package server

import (
	"leadline/internal/domain"
	"leadline/internal/engine"
)

// Request payloads

type CreateTenantRequest struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Niche string `json:"niche,omitempty"`
}

type CreateLeadRequest struct {
	ID       *string `json:"id,omitempty"`
	TenantID string  `json:"tenant_id"`
	Name     string  `json:"name"`
	Email    *string `json:"email,omitempty"`
	Phone    *string `json:"phone,omitempty"`
	Source   *string `json:"source,omitempty"`
}

type FireTriggerRequest struct {
	Name     string         `json:"name" minLength:"1"`
	LeadID   string         `json:"lead_id"`
	TenantID string         `json:"tenant_id"`
	NicheID  *string        `json:"niche_id,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
}

type InboundMessageRequest struct {
	Channel string  `json:"channel,omitempty"`
	Body    string  `json:"body,omitempty"`
	SentAt  *string `json:"sent_at,omitempty" format:"date-time"`
}

type CreateRuleRequest struct {
	ID           *string `json:"id,omitempty"`
	NicheID      string  `json:"niche_id"`
	TriggerEvent string  `json:"trigger_event"`
	ActionType   string  `json:"action_type" enum:"send_review_request,send_referral_offer,update_lead_status,send_booking_confirmation"`
	DelayMinutes int     `json:"delay_minutes"`
}

type SetRuleActiveRequest struct {
	IsActive bool `json:"is_active"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

// Response payloads

type TenantResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	NicheID   string `json:"niche_id"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type TriggerResponse struct {
	Outcomes []RuleOutcomeResponse `json:"outcomes"`
}

type RuleOutcomeResponse struct {
	RuleID       string `json:"rule_id"`
	ActionType   string `json:"action_type"`
	Decision     string `json:"decision" enum:"send,skip"`
	DecisionRule string `json:"decision_rule"`
	Result       string `json:"result" enum:"sent,skipped,scheduled,action_failed"`
	Error        string `json:"error,omitempty"`
}

type APIKeyCreatedResponse struct {
	ID      string `json:"id"`
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
	// Key is the plaintext secret, shown exactly once at creation.
	Key       string `json:"key"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type StatusResponse struct {
	TenantID    string         `json:"tenant_id"`
	NicheID     string         `json:"niche_id"`
	LogCounts   map[string]int `json:"log_counts"`
	PendingJobs int            `json:"pending_jobs"`
	Engine      string         `json:"engine"`
}

func tenantResponse(t domain.Tenant) TenantResponse {
	return TenantResponse{ID: t.ID, Name: t.Name, NicheID: t.NicheID, Status: t.Status, CreatedAt: t.CreatedAt}
}

func mapTenants(items []domain.Tenant) []TenantResponse {
	res := make([]TenantResponse, 0, len(items))
	for _, t := range items {
		res = append(res, tenantResponse(t))
	}
	return res
}

func outcomeResponses(outcomes []engine.RuleOutcome) []RuleOutcomeResponse {
	res := make([]RuleOutcomeResponse, 0, len(outcomes))
	for _, o := range outcomes {
		r := RuleOutcomeResponse{
			RuleID:       o.RuleID,
			ActionType:   o.ActionType,
			Decision:     string(o.Decision.Action),
			DecisionRule: o.Decision.Rule,
			Result:       o.Result,
		}
		if o.Err != nil {
			r.Error = o.Err.Error()
		}
		res = append(res, r)
	}
	return res
}

func stringOrEmpty(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
