// Package app resolves the active tenant and its config for CLI and server
// startup.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"leadline/internal/config"
	"leadline/internal/domain"
	"leadline/internal/registry"
	"leadline/internal/repo"
)

// ResolveTenantAndConfig picks the active tenant and ensures a tenant plus
// config exist in the database, seeding defaults when missing. It prefers
// the override, then the workspace config file, then a single-tenant DB.
// If the tenant does not exist it is created on the fly with its niche's
// preset rules.
func ResolveTenantAndConfig(ctx context.Context, workspace, tenantOverride string, r repo.Repo) (string, *config.Config, error) {
	tenantID := tenantOverride
	fileCfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, err
	}
	if tenantID == "" && fileCfg != nil {
		tenantID = fileCfg.Tenant.ID
	}
	if tenantID == "" {
		if t, err := r.SingleTenant(ctx); err == nil {
			tenantID = t.ID
		} else {
			return "", nil, fmt.Errorf("tenant not specified; use --tenant or add leadline.yml")
		}
	}
	seedCfg := fileCfg
	if seedCfg == nil {
		seedCfg = config.Default(tenantID)
	}

	if _, err := r.GetTenant(ctx, tenantID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := createTenant(ctx, r, tenantID, seedCfg); err != nil {
			return "", nil, err
		}
	}
	cfg, err := r.GetTenantConfig(ctx, tenantID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			if err := r.UpsertTenantConfig(ctx, tenantID, seedCfg); err != nil {
				return "", nil, fmt.Errorf("seed tenant config: %w", err)
			}
			cfg = seedCfg
		} else {
			return "", nil, err
		}
	}
	cfg.Tenant.ID = tenantID
	return tenantID, cfg, nil
}

// createTenant inserts a minimal tenant footprint and seeds the niche's
// preset rules from the config.
func createTenant(ctx context.Context, r repo.Repo, tenantID string, seedCfg *config.Config) error {
	if seedCfg == nil {
		seedCfg = config.Default(tenantID)
	}
	nicheID := seedCfg.Tenant.Niche
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	t := domain.Tenant{
		ID:        tenantID,
		Name:      seedCfg.Tenant.Name,
		NicheID:   nicheID,
		Status:    "active",
		CreatedAt: now,
	}
	if err := r.InsertTenant(ctx, tx, t); err != nil {
		return fmt.Errorf("insert tenant: %w", err)
	}
	if err := r.UpsertTenantConfigTx(ctx, tx, tenantID, seedCfg); err != nil {
		return fmt.Errorf("insert tenant config: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	reg := registry.New(r)
	if _, err := reg.SeedFromConfig(ctx, seedCfg, nicheID); err != nil {
		return fmt.Errorf("seed niche rules: %w", err)
	}
	return nil
}
