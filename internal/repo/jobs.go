package repo

import (
	"context"
	"database/sql"
	"time"

	"leadline/internal/domain"
)

const jobColumns = `id,tenant_id,lead_id,rule_id,trigger_event,payload_json,due_at,status,attempts,last_error,created_at,updated_at`

func scanJob(scan func(dest ...any) error) (domain.ScheduledJob, error) {
	var j domain.ScheduledJob
	var payload, lastErr sql.NullString
	err := scan(&j.ID, &j.TenantID, &j.LeadID, &j.RuleID, &j.TriggerEvent, &payload,
		&j.DueAt, &j.Status, &j.Attempts, &lastErr, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	j.Payload = payload.String
	j.LastError = lastErr.String
	return j, err
}

func (r Repo) InsertJob(ctx context.Context, j domain.ScheduledJob) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO scheduled_jobs(id,tenant_id,lead_id,rule_id,trigger_event,payload_json,due_at,status,attempts,last_error,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.TenantID, j.LeadID, j.RuleID, j.TriggerEvent, nullable(j.Payload),
		j.DueAt, j.Status, j.Attempts, nullable(j.LastError), j.CreatedAt, j.UpdatedAt)
	return err
}

func (r Repo) GetJob(ctx context.Context, id string) (domain.ScheduledJob, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE id=?`, id)
	return scanJob(row.Scan)
}

// DueJobs returns pending jobs whose due time has passed, oldest first.
func (r Repo) DueJobs(ctx context.Context, now time.Time, limit int) ([]domain.ScheduledJob, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM scheduled_jobs WHERE status='pending' AND due_at<=? ORDER BY due_at ASC LIMIT ?`,
		now.UTC().Format(time.RFC3339), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ScheduledJob
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

// ClaimJob moves a pending job to running. The status guard in the WHERE
// clause makes the claim safe under concurrent pollers: only one caller
// sees a row flip.
func (r Repo) ClaimJob(ctx context.Context, id string, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE scheduled_jobs SET status='running', attempts=attempts+1, updated_at=? WHERE id=? AND status='pending'`,
		now, id)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// RequeueStaleJobs returns running jobs whose claim went quiet before the
// cutoff back to pending. Recovers work stranded by a crash between claim
// and finish; the next poll picks the row up again.
func (r Repo) RequeueStaleJobs(ctx context.Context, cutoff, now string) (int64, error) {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE scheduled_jobs SET status='pending', updated_at=? WHERE status='running' AND updated_at<?`,
		now, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// FinishJob records a terminal status for a claimed job.
func (r Repo) FinishJob(ctx context.Context, id, status, lastError, now string) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE scheduled_jobs SET status=?, last_error=?, updated_at=? WHERE id=?`,
		status, nullable(lastError), now, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// JobFilters narrows job listings.
type JobFilters struct {
	TenantID string
	LeadID   string
	Status   string
	Limit    int
}

func (r Repo) ListJobs(ctx context.Context, f JobFilters) ([]domain.ScheduledJob, error) {
	query := `SELECT ` + jobColumns + ` FROM scheduled_jobs WHERE 1=1`
	var args []any
	if f.TenantID != "" {
		query += ` AND tenant_id=?`
		args = append(args, f.TenantID)
	}
	if f.LeadID != "" {
		query += ` AND lead_id=?`
		args = append(args, f.LeadID)
	}
	if f.Status != "" {
		query += ` AND status=?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY due_at DESC`
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
	var res []domain.ScheduledJob
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}
