package repo

import (
	"context"
	"database/sql"

	"leadline/internal/domain"
)

const logColumns = `id,tenant_id,lead_id,rule_id,trigger_event,action_type,result,decision,decision_rule,engine_version,executed_at,payload_json`

func scanLog(scan func(dest ...any) error) (domain.AutomationLog, error) {
	var l domain.AutomationLog
	var ruleID, payload sql.NullString
	err := scan(&l.ID, &l.TenantID, &l.LeadID, &ruleID, &l.TriggerEvent, &l.ActionType,
		&l.Result, &l.Decision, &l.DecisionRule, &l.EngineVersion, &l.ExecutedAt, &payload)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	l.RuleID = ruleID.String
	l.Payload = payload.String
	return l, err
}

// LogFilters narrows audit queries. Zero values match everything.
type LogFilters struct {
	TenantID string
	LeadID   string
	Result   string
	Limit    int
}

func (r Repo) ListLogs(ctx context.Context, f LogFilters) ([]domain.AutomationLog, error) {
	query := `SELECT ` + logColumns + ` FROM automation_logs WHERE 1=1`
	var args []any
	if f.TenantID != "" {
		query += ` AND tenant_id=?`
		args = append(args, f.TenantID)
	}
	if f.LeadID != "" {
		query += ` AND lead_id=?`
		args = append(args, f.LeadID)
	}
	if f.Result != "" {
		query += ` AND result=?`
		args = append(args, f.Result)
	}
	query += ` ORDER BY id DESC`
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectLogs(rows)
}

// LogsAfter returns audit rows with id greater than cursor, oldest first.
// Used by the webhook notifier to stream the trail in order.
func (r Repo) LogsAfter(ctx context.Context, limit int, cursor int64, tenantID string) ([]domain.AutomationLog, error) {
	query := `SELECT ` + logColumns + ` FROM automation_logs WHERE id>?`
	args := []any{cursor}
	if tenantID != "" {
		query += ` AND tenant_id=?`
		args = append(args, tenantID)
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectLogs(rows)
}

// LatestLogID returns the highest audit row id for a tenant, or 0 when the
// trail is empty. Webhook notifiers start their cursor here so they only
// deliver rows written after startup.
func (r Repo) LatestLogID(ctx context.Context, tenantID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM automation_logs`
	var args []any
	if tenantID != "" {
		query += ` WHERE tenant_id=?`
		args = append(args, tenantID)
	}
	var id int64
	if err := r.DB.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) CountLogsByResult(ctx context.Context, tenantID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT result, COUNT(*) FROM automation_logs WHERE tenant_id=? GROUP BY result`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var result string
		var n int
		if err := rows.Scan(&result, &n); err != nil {
			return nil, err
		}
		counts[result] = n
	}
	return counts, rows.Err()
}

func collectLogs(rows *sql.Rows) ([]domain.AutomationLog, error) {
	var res []domain.AutomationLog
	for rows.Next() {
		l, err := scanLog(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}
