package repo

import (
	"context"
	"database/sql"
	"errors"

	"leadline/internal/domain"
)

const ruleColumns = `id,niche_id,trigger_event,delay_minutes,action_type,is_active,created_at,updated_at`

func scanRule(scan func(dest ...any) error) (domain.AutomationRule, error) {
	var rule domain.AutomationRule
	var active int
	err := scan(&rule.ID, &rule.NicheID, &rule.TriggerEvent, &rule.DelayMinutes, &rule.ActionType, &active, &rule.CreatedAt, &rule.UpdatedAt)
	if err == sql.ErrNoRows {
		return rule, ErrNotFound
	}
	rule.IsActive = active != 0
	return rule, err
}

func (r Repo) InsertRule(ctx context.Context, rule domain.AutomationRule) error {
	// A niche-bound rule must carry a trigger event; rules without one are
	// manual-only and never matched by the dispatcher.
	if rule.NicheID != "" && rule.TriggerEvent == "" {
		return errors.New("niche-bound rule requires trigger_event")
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO automation_rules(id,niche_id,trigger_event,delay_minutes,action_type,is_active,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?)`,
		rule.ID, rule.NicheID, rule.TriggerEvent, rule.DelayMinutes, rule.ActionType, boolToInt(rule.IsActive), rule.CreatedAt, rule.UpdatedAt)
	return err
}

func (r Repo) GetRule(ctx context.Context, id string) (domain.AutomationRule, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM automation_rules WHERE id=?`, id)
	return scanRule(row.Scan)
}

// MatchRules returns active rules for a (niche, trigger event) pair.
func (r Repo) MatchRules(ctx context.Context, nicheID, triggerEvent string) ([]domain.AutomationRule, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+ruleColumns+` FROM automation_rules WHERE niche_id=? AND trigger_event=? AND is_active=1 ORDER BY created_at`,
		nicheID, triggerEvent)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRules(rows)
}

func (r Repo) ListRules(ctx context.Context, nicheID string) ([]domain.AutomationRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM automation_rules`
	var args []any
	if nicheID != "" {
		query += ` WHERE niche_id=?`
		args = append(args, nicheID)
	}
	query += ` ORDER BY niche_id, trigger_event, created_at`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRules(rows)
}

func collectRules(rows *sql.Rows) ([]domain.AutomationRule, error) {
	var res []domain.AutomationRule
	for rows.Next() {
		rule, err := scanRule(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rule)
	}
	return res, rows.Err()
}

// SetRuleActive flips a rule without touching its definition.
func (r Repo) SetRuleActive(ctx context.Context, id string, active bool, updatedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE automation_rules SET is_active=?, updated_at=? WHERE id=?`,
		boolToInt(active), updatedAt, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
