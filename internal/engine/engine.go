// Package engine drives follow-up governance: it receives trigger events,
// resolves matching automation rules, evaluates send/skip verdicts against
// each lead's contact history, and commits the outcome with a full audit
// trail.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"leadline/internal/actions"
	"leadline/internal/audit"
	"leadline/internal/config"
	"leadline/internal/domain"
	"leadline/internal/governance"
	"leadline/internal/registry"
	"leadline/internal/repo"
)

// Version is stamped into every audit row so the trail records which
// policy implementation produced a decision.
const Version = "leadline/1.2.0"

// Executor runs the concrete side effect for a cleared send verdict.
type Executor interface {
	Execute(ctx context.Context, action actions.ActionType, req actions.Request) error
}

// InfraError marks a failure of storage or lookup plumbing, as opposed to a
// governance skip (not an error) or an action failure (actions.ExecError).
type InfraError struct {
	Op  string
	Err error
}

func (e *InfraError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *InfraError) Unwrap() error { return e.Err }

func infraErr(op string, err error) *InfraError {
	return &InfraError{Op: op, Err: err}
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Audit    audit.Writer
	Registry *registry.Registry
	Machine  governance.Machine
	Executor Executor
	Config   *config.Config
	Log      *zap.Logger
	Now      func() time.Time

	locks leadLocks
}

func New(db *sql.DB, cfg *config.Config, exec Executor, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	r := repo.Repo{DB: db}
	return &Engine{
		DB:       db,
		Repo:     r,
		Audit:    audit.Writer{},
		Registry: registry.New(r),
		Machine:  governance.NewMachine(nil),
		Executor: exec,
		Config:   cfg,
		Log:      log,
		Now:      time.Now,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// RuleOutcome reports what one rule evaluation did.
type RuleOutcome struct {
	RuleID     string              `json:"rule_id"`
	ActionType string              `json:"action_type"`
	Decision   governance.Decision `json:"decision"`
	Result     string              `json:"result"`
	Err        error               `json:"-"`
}

// Dispatch runs the evaluation pipeline for every active rule matching the
// event. Rules are evaluated independently: one rule's failure never aborts
// its siblings. A tenant or niche that cannot be resolved is logged and
// skipped rather than surfaced, since trigger producers cannot act on it.
func (e *Engine) Dispatch(ctx context.Context, evt domain.TriggerEvent) []RuleOutcome {
	tenant, err := e.Repo.GetTenant(ctx, evt.TenantID)
	if err != nil {
		e.Log.Warn("dispatch: tenant not resolved",
			zap.String("tenant_id", evt.TenantID),
			zap.String("trigger", evt.Name),
			zap.Error(err))
		return nil
	}
	nicheID := evt.NicheID
	if nicheID == "" {
		nicheID = tenant.NicheID
	}
	if nicheID == "" {
		e.Log.Warn("dispatch: no niche for tenant",
			zap.String("tenant_id", tenant.ID),
			zap.String("trigger", evt.Name))
		return nil
	}
	rules, err := e.Registry.Match(ctx, nicheID, evt.Name)
	if err != nil {
		e.Log.Error("dispatch: registry lookup failed",
			zap.String("niche_id", nicheID),
			zap.String("trigger", evt.Name),
			zap.Error(err))
		return nil
	}

	outcomes := make([]RuleOutcome, 0, len(rules))
	for _, rule := range rules {
		outcome := e.runRule(ctx, tenant, rule, evt)
		if outcome.Err != nil {
			e.Log.Error("rule evaluation failed",
				zap.String("rule_id", rule.ID),
				zap.String("lead_id", evt.LeadID),
				zap.Error(outcome.Err))
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

// runRule evaluates one rule against one lead under the per-lead lock.
// Deferred rules with a send verdict become durable scheduled jobs.
func (e *Engine) runRule(ctx context.Context, tenant domain.Tenant, rule domain.AutomationRule, evt domain.TriggerEvent) RuleOutcome {
	outcome := RuleOutcome{RuleID: rule.ID, ActionType: rule.ActionType}

	unlock := e.locks.lock(evt.LeadID)
	defer unlock()

	lead, inbound, err := e.loadContext(ctx, tenant.ID, evt.LeadID)
	if err != nil {
		outcome.Err = err
		return outcome
	}

	decision := governance.Evaluate(governance.Input{
		State:          governance.State(lead.GovernanceState),
		LastOutboundAt: parseTimePtr(lead.LastOutboundAt),
		Inbound:        inbound,
		DelayMinutes:   rule.DelayMinutes,
		Now:            e.now(),
	})
	outcome.Decision = decision

	switch {
	case decision.Action == governance.ActionSkip:
		outcome.Result = audit.ResultSkipped
		outcome.Err = e.recordOnly(ctx, tenant, rule, evt, decision, audit.ResultSkipped)
	case rule.DelayMinutes > 0:
		outcome.Result = audit.ResultScheduled
		outcome.Err = e.scheduleSend(ctx, tenant, rule, evt, decision)
	default:
		outcome.Result = audit.ResultSent
		outcome.Err = e.commitSend(ctx, tenant, rule, lead, evt, decision)
		if outcome.Err != nil {
			var execErr *actions.ExecError
			if errors.As(outcome.Err, &execErr) {
				outcome.Result = audit.ResultActionFailed
			}
		}
	}
	return outcome
}

// loadContext assembles the evaluator's inputs: governance fields plus the
// lead's inbound message timestamps. A missing lead aborts this rule only.
// A lead owned by another tenant is indistinguishable from a missing one.
func (e *Engine) loadContext(ctx context.Context, tenantID, leadID string) (domain.Lead, []time.Time, error) {
	lead, err := e.Repo.GetLead(ctx, leadID)
	if err != nil {
		return domain.Lead{}, nil, infraErr("load lead "+leadID, err)
	}
	if lead.TenantID != tenantID {
		return domain.Lead{}, nil, infraErr("load lead "+leadID, repo.ErrNotFound)
	}
	inbound, err := e.Repo.InboundMessageTimes(ctx, leadID)
	if err != nil {
		return domain.Lead{}, nil, infraErr("load message history "+leadID, err)
	}
	return lead, inbound, nil
}

// recordOnly writes the audit row for a verdict that produces no side
// effect.
func (e *Engine) recordOnly(ctx context.Context, tenant domain.Tenant, rule domain.AutomationRule, evt domain.TriggerEvent, decision governance.Decision, result string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return infraErr("begin audit tx", err)
	}
	defer tx.Rollback()
	if err := e.appendAudit(ctx, tx, tenant, rule, evt, decision, result); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return infraErr("commit audit tx", err)
	}
	return nil
}

// scheduleSend persists a deferred evaluation and audits the deferral.
func (e *Engine) scheduleSend(ctx context.Context, tenant domain.Tenant, rule domain.AutomationRule, evt domain.TriggerEvent, decision governance.Decision) error {
	now := e.now().UTC()
	due := now.Add(time.Duration(rule.DelayMinutes) * time.Minute)
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return infraErr("marshal trigger payload", err)
	}
	job := domain.ScheduledJob{
		ID:           uuid.New().String(),
		TenantID:     tenant.ID,
		LeadID:       evt.LeadID,
		RuleID:       rule.ID,
		TriggerEvent: evt.Name,
		Payload:      string(payload),
		DueAt:        due.Format(time.RFC3339),
		Status:       "pending",
		CreatedAt:    now.Format(time.RFC3339),
		UpdatedAt:    now.Format(time.RFC3339),
	}
	if err := e.Repo.InsertJob(ctx, job); err != nil {
		return infraErr("insert scheduled job", err)
	}
	return e.recordOnly(ctx, tenant, rule, evt, decision, audit.ResultScheduled)
}

// commitSend records the decision, runs the side effect, and on success
// commits the outbound message, the state transition, and last_outbound_at
// in one transaction. On action failure none of those three happen; the
// failure is appended to the audit trail as its own row.
func (e *Engine) commitSend(ctx context.Context, tenant domain.Tenant, rule domain.AutomationRule, lead domain.Lead, evt domain.TriggerEvent, decision governance.Decision) error {
	action, err := actions.Parse(rule.ActionType)
	if err != nil {
		return infraErr("rule "+rule.ID, err)
	}

	// Decision row first: a crash between here and the side effect still
	// leaves evidence the evaluation happened.
	if err := e.recordOnly(ctx, tenant, rule, evt, decision, audit.ResultSent); err != nil {
		return err
	}

	execErr := e.Executor.Execute(ctx, action, actions.Request{
		Tenant:  tenant,
		Lead:    lead,
		Trigger: evt.Name,
		Payload: evt.Payload,
	})
	if execErr != nil {
		if err := e.recordOnly(ctx, tenant, rule, evt, decision, audit.ResultActionFailed); err != nil {
			e.Log.Error("audit of failed action also failed", zap.String("rule_id", rule.ID), zap.Error(err))
		}
		return execErr
	}

	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return infraErr("begin commit tx", err)
	}
	defer tx.Rollback()

	msg := domain.Message{
		ID:        uuid.New().String(),
		LeadID:    lead.ID,
		TenantID:  tenant.ID,
		Direction: "outbound",
		Channel:   actions.Channel(action),
		SentAt:    now,
	}
	if err := e.Repo.InsertMessageTx(ctx, tx, msg); err != nil {
		return infraErr("append outbound message", err)
	}
	nextState := e.Machine.Next(governance.State(lead.GovernanceState), governance.EventOutboundSent)
	if err := e.Repo.UpdateLeadGovernanceTx(ctx, tx, lead.ID, string(nextState), &now, now, lead.Version); err != nil {
		return infraErr("advance governance state", err)
	}
	if err := tx.Commit(); err != nil {
		return infraErr("commit governance state", err)
	}
	return nil
}

func (e *Engine) appendAudit(ctx context.Context, tx *sql.Tx, tenant domain.Tenant, rule domain.AutomationRule, evt domain.TriggerEvent, decision governance.Decision, result string) error {
	entry := audit.Entry{
		TenantID:      tenant.ID,
		LeadID:        evt.LeadID,
		RuleID:        rule.ID,
		TriggerEvent:  evt.Name,
		ActionType:    rule.ActionType,
		Result:        result,
		Decision:      decision,
		EngineVersion: Version,
		Payload:       evt.Payload,
	}
	w := e.Audit
	if w.Now == nil {
		w.Now = e.Now
	}
	if err := w.Append(ctx, tx, entry); err != nil {
		return infraErr("append audit row", err)
	}
	return nil
}

// RunScheduled executes a claimed job. The scheduler has already verified
// the rule is still active and the lead still exists; the governance guards
// are re-evaluated here because the world may have moved during the delay.
func (e *Engine) RunScheduled(ctx context.Context, job domain.ScheduledJob, rule domain.AutomationRule) RuleOutcome {
	var payload map[string]any
	if job.Payload != "" {
		if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
			e.Log.Warn("scheduled job payload unreadable", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
	evt := domain.TriggerEvent{
		Name:     job.TriggerEvent,
		LeadID:   job.LeadID,
		TenantID: job.TenantID,
		Payload:  payload,
	}
	tenant, err := e.Repo.GetTenant(ctx, job.TenantID)
	if err != nil {
		return RuleOutcome{RuleID: rule.ID, ActionType: rule.ActionType, Err: infraErr("load tenant "+job.TenantID, err)}
	}

	outcome := RuleOutcome{RuleID: rule.ID, ActionType: rule.ActionType}

	unlock := e.locks.lock(job.LeadID)
	defer unlock()

	lead, inbound, err := e.loadContext(ctx, job.TenantID, job.LeadID)
	if err != nil {
		outcome.Err = err
		return outcome
	}
	decision := governance.Evaluate(governance.Input{
		State:          governance.State(lead.GovernanceState),
		LastOutboundAt: parseTimePtr(lead.LastOutboundAt),
		Inbound:        inbound,
		DelayMinutes:   rule.DelayMinutes,
		Now:            e.now(),
	})
	outcome.Decision = decision

	if decision.Action == governance.ActionSkip {
		outcome.Result = audit.ResultSkipped
		outcome.Err = e.recordOnly(ctx, tenant, rule, evt, decision, audit.ResultSkipped)
		return outcome
	}
	outcome.Result = audit.ResultSent
	outcome.Err = e.commitSend(ctx, tenant, rule, lead, evt, decision)
	if outcome.Err != nil {
		var execErr *actions.ExecError
		if errors.As(outcome.Err, &execErr) {
			outcome.Result = audit.ResultActionFailed
		}
	}
	return outcome
}

// RecordInbound appends a customer reply and regresses the governance state
// toward awaiting-new-outreach. This is the only path that moves a lead
// backward.
func (e *Engine) RecordInbound(ctx context.Context, leadID, channel, body string, sentAt time.Time) (domain.Lead, error) {
	unlock := e.locks.lock(leadID)
	defer unlock()

	lead, err := e.Repo.GetLead(ctx, leadID)
	if err != nil {
		return domain.Lead{}, infraErr("load lead "+leadID, err)
	}
	if sentAt.IsZero() {
		sentAt = e.now()
	}
	now := e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Lead{}, infraErr("begin inbound tx", err)
	}
	defer tx.Rollback()

	msg := domain.Message{
		ID:        uuid.New().String(),
		LeadID:    lead.ID,
		TenantID:  lead.TenantID,
		Direction: "inbound",
		Channel:   channel,
		Body:      body,
		SentAt:    sentAt.UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertMessageTx(ctx, tx, msg); err != nil {
		return domain.Lead{}, infraErr("append inbound message", err)
	}
	nextState := e.Machine.Next(governance.State(lead.GovernanceState), governance.EventInboundReceived)
	if err := e.Repo.UpdateLeadGovernanceTx(ctx, tx, lead.ID, string(nextState), lead.LastOutboundAt, now, lead.Version); err != nil {
		return domain.Lead{}, infraErr("apply inbound transition", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Lead{}, infraErr("commit inbound tx", err)
	}
	return e.Repo.GetLead(ctx, leadID)
}

// LeadCreateOptions are parameters for creating a lead.
type LeadCreateOptions struct {
	ID             string
	TenantID       string
	Name           string
	Email          string
	Phone          string
	Source         string
	BusinessStatus string
}

func (e *Engine) CreateLead(ctx context.Context, opts LeadCreateOptions) (domain.Lead, error) {
	if opts.TenantID == "" {
		return domain.Lead{}, errors.New("tenant is required")
	}
	if opts.Name == "" {
		return domain.Lead{}, errors.New("name is required")
	}
	if _, err := e.Repo.GetTenant(ctx, opts.TenantID); err != nil {
		return domain.Lead{}, err
	}
	if opts.BusinessStatus == "" {
		opts.BusinessStatus = "new"
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.now().UTC().Format(time.RFC3339)
	lead := domain.Lead{
		ID:              id,
		TenantID:        opts.TenantID,
		Name:            opts.Name,
		Email:           opts.Email,
		Phone:           opts.Phone,
		Source:          opts.Source,
		BusinessStatus:  opts.BusinessStatus,
		GovernanceState: string(governance.StateNew),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.Repo.InsertLead(ctx, lead); err != nil {
		return domain.Lead{}, err
	}
	return lead, nil
}

// CompleteFunnel marks a lead's follow-up funnel finished. Terminal: later
// triggers still evaluate but the state no longer moves.
func (e *Engine) CompleteFunnel(ctx context.Context, leadID string) (domain.Lead, error) {
	unlock := e.locks.lock(leadID)
	defer unlock()

	lead, err := e.Repo.GetLead(ctx, leadID)
	if err != nil {
		return domain.Lead{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Lead{}, err
	}
	defer tx.Rollback()
	nextState := e.Machine.Next(governance.State(lead.GovernanceState), governance.EventFunnelCompleted)
	if err := e.Repo.UpdateLeadGovernanceTx(ctx, tx, lead.ID, string(nextState), lead.LastOutboundAt, now, lead.Version); err != nil {
		return domain.Lead{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Lead{}, err
	}
	return e.Repo.GetLead(ctx, leadID)
}

// InitTenant creates a tenant and seeds its niche's automation rules from
// config presets.
func (e *Engine) InitTenant(ctx context.Context, tenantID, name, nicheID string) (domain.Tenant, error) {
	if e.Config == nil {
		return domain.Tenant{}, errors.New("config not loaded")
	}
	if nicheID == "" {
		nicheID = e.Config.Tenant.Niche
	}
	if len(e.Config.Niches.Catalog) > 0 {
		if _, ok := e.Config.Niches.Catalog[nicheID]; !ok {
			return domain.Tenant{}, fmt.Errorf("niche %s not in catalog", nicheID)
		}
	}
	now := e.now().UTC().Format(time.RFC3339)
	t := domain.Tenant{
		ID:        tenantID,
		Name:      name,
		NicheID:   nicheID,
		Status:    "active",
		CreatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Tenant{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTenant(ctx, tx, t); err != nil {
		return domain.Tenant{}, fmt.Errorf("insert tenant: %w", err)
	}
	if err := e.Repo.UpsertTenantConfigTx(ctx, tx, t.ID, e.Config); err != nil {
		return domain.Tenant{}, fmt.Errorf("insert tenant config: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Tenant{}, err
	}
	if _, err := e.Registry.SeedFromConfig(ctx, e.Config, nicheID); err != nil {
		return t, err
	}
	return t, nil
}

func parseTimePtr(v *string) *time.Time {
	if v == nil || *v == "" {
		return nil
	}
	ts, err := time.Parse(time.RFC3339, *v)
	if err != nil {
		return nil
	}
	return &ts
}
