package domain

// Tenant is a business account. Each tenant is bound to one niche, which
// selects the automation rules that apply to its leads.
type Tenant struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	NicheID   string `json:"niche_id"`
	Status    string `json:"status" enum:"active,suspended"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Lead struct {
	ID              string  `json:"id"`
	TenantID        string  `json:"tenant_id"`
	Name            string  `json:"name"`
	Email           string  `json:"email,omitempty"`
	Phone           string  `json:"phone,omitempty"`
	Source          string  `json:"source,omitempty"`
	BusinessStatus  string  `json:"business_status" enum:"new,booked,completed,reviewed,lost"`
	GovernanceState string  `json:"governance_state" enum:"new,contacted,responded,completed"`
	LastOutboundAt  *string `json:"last_outbound_at,omitempty" format:"date-time"`
	// Version guards concurrent governance commits; bumped on every
	// committed outbound.
	Version   int64  `json:"version"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// Message is one entry in a lead's contact history. Append-only: inbound
// rows are the authoritative "customer already replied" signal.
type Message struct {
	ID        string `json:"id"`
	LeadID    string `json:"lead_id"`
	TenantID  string `json:"tenant_id"`
	Direction string `json:"direction" enum:"outbound,inbound"`
	Channel   string `json:"channel,omitempty"`
	Body      string `json:"body,omitempty"`
	SentAt    string `json:"sent_at" format:"date-time"`
}

type AutomationRule struct {
	ID           string `json:"id"`
	NicheID      string `json:"niche_id"`
	TriggerEvent string `json:"trigger_event"`
	DelayMinutes int    `json:"delay_minutes"`
	ActionType   string `json:"action_type"`
	IsActive     bool   `json:"is_active"`
	CreatedAt    string `json:"created_at" format:"date-time"`
	UpdatedAt    string `json:"updated_at" format:"date-time"`
}

// AutomationLog is one immutable audit row. Rows are written for every rule
// evaluation, whether or not the action executed, and never updated.
type AutomationLog struct {
	ID            int64  `json:"id"`
	TenantID      string `json:"tenant_id"`
	LeadID        string `json:"lead_id"`
	RuleID        string `json:"rule_id,omitempty"`
	TriggerEvent  string `json:"trigger_event"`
	ActionType    string `json:"action_type"`
	Result        string `json:"result" enum:"sent,skipped,scheduled,action_failed"`
	Decision      string `json:"decision" enum:"send,skip"`
	DecisionRule  string `json:"decision_rule"`
	EngineVersion string `json:"engine_version"`
	ExecutedAt    string `json:"executed_at" format:"date-time"`
	Payload       string `json:"payload_json,omitempty"`
}

// ScheduledJob is a durable deferred evaluation. Jobs survive process
// restarts and are claimed by the scheduler poll loop.
type ScheduledJob struct {
	ID           string `json:"id"`
	TenantID     string `json:"tenant_id"`
	LeadID       string `json:"lead_id"`
	RuleID       string `json:"rule_id"`
	TriggerEvent string `json:"trigger_event"`
	Payload      string `json:"payload_json,omitempty"`
	DueAt        string `json:"due_at" format:"date-time"`
	Status       string `json:"status" enum:"pending,running,done,failed,canceled"`
	Attempts     int    `json:"attempts"`
	LastError    string `json:"last_error,omitempty"`
	CreatedAt    string `json:"created_at" format:"date-time"`
	UpdatedAt    string `json:"updated_at" format:"date-time"`
}

// TriggerEvent is a business occurrence reported by an external collaborator
// (booking status change, review submission, lead creation).
type TriggerEvent struct {
	Name     string         `json:"name"`
	LeadID   string         `json:"lead_id"`
	TenantID string         `json:"tenant_id"`
	NicheID  string         `json:"niche_id,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
