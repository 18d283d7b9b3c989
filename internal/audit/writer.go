// Package audit appends automation decision records. Rows are the
// evidentiary trail that the contact policy was honored; they are written
// inside the pipeline transaction, before any side effect, and never
// updated afterward.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"leadline/internal/governance"
)

type Writer struct {
	Now func() time.Time
}

// Result describes what the pipeline did with a decision.
const (
	ResultSent         = "sent"
	ResultSkipped      = "skipped"
	ResultScheduled    = "scheduled"
	ResultActionFailed = "action_failed"
)

// Entry is one audit row to append.
type Entry struct {
	TenantID      string
	LeadID        string
	RuleID        string
	TriggerEvent  string
	ActionType    string
	Result        string
	Decision      governance.Decision
	EngineVersion string
	Payload       map[string]any
}

// Append writes the entry within tx. Exactly one call per rule evaluation.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO automation_logs(tenant_id,lead_id,rule_id,trigger_event,action_type,result,decision,decision_rule,engine_version,executed_at,payload_json)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		e.TenantID, e.LeadID, nullable(e.RuleID), e.TriggerEvent, e.ActionType,
		e.Result, string(e.Decision.Action), e.Decision.Rule, e.EngineVersion, ts, string(data))
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
