package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"leadline/internal/config"
	"leadline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict means a lead's governance row changed under a
	// concurrent commit; the caller should retry or drop the write.
	ErrVersionConflict = errors.New("lead version conflict")
)

// --- tenants ---

func scanTenant(row *sql.Row) (domain.Tenant, error) {
	var t domain.Tenant
	err := row.Scan(&t.ID, &t.Name, &t.NicheID, &t.Status, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) InsertTenant(ctx context.Context, tx *sql.Tx, t domain.Tenant) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tenants(id,name,niche_id,status,created_at) VALUES (?,?,?,?,?)`,
		t.ID, t.Name, t.NicheID, t.Status, t.CreatedAt)
	return err
}

func (r Repo) GetTenant(ctx context.Context, id string) (domain.Tenant, error) {
	return scanTenant(r.DB.QueryRowContext(ctx, `SELECT id,name,niche_id,status,created_at FROM tenants WHERE id=?`, id))
}

func (r Repo) ListTenants(ctx context.Context) ([]domain.Tenant, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,niche_id,status,created_at FROM tenants ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Tenant
	for rows.Next() {
		var t domain.Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.NicheID, &t.Status, &t.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// SingleTenant returns the only tenant when exactly one exists.
func (r Repo) SingleTenant(ctx context.Context) (domain.Tenant, error) {
	tenants, err := r.ListTenants(ctx)
	if err != nil {
		return domain.Tenant{}, err
	}
	if len(tenants) == 0 {
		return domain.Tenant{}, ErrNotFound
	}
	if len(tenants) > 1 {
		return domain.Tenant{}, fmt.Errorf("multiple tenants exist; specify --tenant")
	}
	return tenants[0], nil
}

// --- leads ---

const leadColumns = `id,tenant_id,name,COALESCE(email,''),COALESCE(phone,''),COALESCE(source,''),business_status,governance_state,last_outbound_at,version,created_at,updated_at`

func scanLead(scan func(dest ...any) error) (domain.Lead, error) {
	var l domain.Lead
	var lastOutbound sql.NullString
	err := scan(&l.ID, &l.TenantID, &l.Name, &l.Email, &l.Phone, &l.Source,
		&l.BusinessStatus, &l.GovernanceState, &lastOutbound, &l.Version, &l.CreatedAt, &l.UpdatedAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	if lastOutbound.Valid {
		l.LastOutboundAt = &lastOutbound.String
	}
	return l, err
}

func (r Repo) InsertLead(ctx context.Context, l domain.Lead) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO leads(id,tenant_id,name,email,phone,source,business_status,governance_state,last_outbound_at,version,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		l.ID, l.TenantID, l.Name, nullable(l.Email), nullable(l.Phone), nullable(l.Source),
		l.BusinessStatus, l.GovernanceState, nullableStringPtr(l.LastOutboundAt), l.Version, l.CreatedAt, l.UpdatedAt)
	return err
}

func (r Repo) GetLead(ctx context.Context, id string) (domain.Lead, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE id=?`, id)
	return scanLead(row.Scan)
}

func (r Repo) GetLeadTx(ctx context.Context, tx *sql.Tx, id string) (domain.Lead, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE id=?`, id)
	return scanLead(row.Scan)
}

func (r Repo) ListLeads(ctx context.Context, tenantID string, limit int) ([]domain.Lead, error) {
	query := `SELECT ` + leadColumns + ` FROM leads`
	var args []any
	if tenantID != "" {
		query += ` WHERE tenant_id=?`
		args = append(args, tenantID)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Lead
	for rows.Next() {
		l, err := scanLead(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

// UpdateLeadGovernanceTx commits a governance transition with a version
// compare-and-swap. Zero rows affected means another commit won the race.
func (r Repo) UpdateLeadGovernanceTx(ctx context.Context, tx *sql.Tx, leadID, state string, lastOutboundAt *string, updatedAt string, expectedVersion int64) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE leads SET governance_state=?, last_outbound_at=?, version=version+1, updated_at=? WHERE id=? AND version=?`,
		state, nullableStringPtr(lastOutboundAt), updatedAt, leadID, expectedVersion)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (r Repo) UpdateLeadBusinessStatus(ctx context.Context, tx *sql.Tx, leadID, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE leads SET business_status=?, updated_at=? WHERE id=?`, status, updatedAt, leadID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// --- messages ---

func (r Repo) InsertMessageTx(ctx context.Context, tx *sql.Tx, m domain.Message) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO messages(id,lead_id,tenant_id,direction,channel,body,sent_at) VALUES (?,?,?,?,?,?,?)`,
		m.ID, m.LeadID, m.TenantID, m.Direction, nullable(m.Channel), nullable(m.Body), m.SentAt)
	return err
}

func (r Repo) ListMessages(ctx context.Context, leadID string) ([]domain.Message, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,lead_id,tenant_id,direction,COALESCE(channel,''),COALESCE(body,''),sent_at FROM messages WHERE lead_id=? ORDER BY sent_at`, leadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Message
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.ID, &m.LeadID, &m.TenantID, &m.Direction, &m.Channel, &m.Body, &m.SentAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// InboundMessageTimes returns sent_at timestamps of inbound messages for a
// lead, parsed, in ascending order.
func (r Repo) InboundMessageTimes(ctx context.Context, leadID string) ([]time.Time, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT sent_at FROM messages WHERE lead_id=? AND direction='inbound' ORDER BY sent_at`, leadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var times []time.Time
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, fmt.Errorf("parse message sent_at %q: %w", raw, err)
		}
		times = append(times, ts)
	}
	return times, rows.Err()
}

// --- tenant configs ---

func (r Repo) UpsertTenantConfig(ctx context.Context, tenantID string, cfg *config.Config) error {
	return upsertTenantConfig(ctx, r.DB, nil, tenantID, cfg)
}

func (r Repo) UpsertTenantConfigTx(ctx context.Context, tx *sql.Tx, tenantID string, cfg *config.Config) error {
	return upsertTenantConfig(ctx, nil, tx, tenantID, cfg)
}

func upsertTenantConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, tenantID string, cfg *config.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal tenant config: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	query := `INSERT INTO tenant_configs(tenant_id,yaml,updated_at) VALUES (?,?,?)
ON CONFLICT(tenant_id) DO UPDATE SET yaml=excluded.yaml, updated_at=excluded.updated_at`
	if tx != nil {
		_, err = tx.ExecContext(ctx, query, tenantID, string(data), now)
	} else {
		_, err = db.ExecContext(ctx, query, tenantID, string(data), now)
	}
	return err
}

func (r Repo) GetTenantConfig(ctx context.Context, tenantID string) (*config.Config, error) {
	var raw string
	err := r.DB.QueryRowContext(ctx, `SELECT yaml FROM tenant_configs WHERE tenant_id=?`, tenantID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return config.FromYAML([]byte(raw))
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
