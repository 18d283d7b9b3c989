// Package registry resolves (trigger event, niche) pairs to active
// automation rules. Rule definitions are read-mostly, so lookups are served
// from a short-lived cache shared across goroutines.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"leadline/internal/config"
	"leadline/internal/domain"
	"leadline/internal/repo"
)

const defaultTTL = 30 * time.Second

type cacheEntry struct {
	rules   []domain.AutomationRule
	fetched time.Time
}

type Registry struct {
	Repo repo.Repo
	TTL  time.Duration
	Now  func() time.Time

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

func New(r repo.Repo) *Registry {
	return &Registry{
		Repo:  r,
		TTL:   defaultTTL,
		Now:   time.Now,
		cache: make(map[string]cacheEntry),
	}
}

// Match returns the active rules for a niche and trigger event.
func (g *Registry) Match(ctx context.Context, nicheID, triggerEvent string) ([]domain.AutomationRule, error) {
	key := nicheID + "|" + triggerEvent
	now := g.Now()

	g.mu.RLock()
	entry, ok := g.cache[key]
	g.mu.RUnlock()
	if ok && now.Sub(entry.fetched) < g.ttl() {
		return entry.rules, nil
	}

	rules, err := g.Repo.MatchRules(ctx, nicheID, triggerEvent)
	if err != nil {
		return nil, fmt.Errorf("match rules for %s/%s: %w", nicheID, triggerEvent, err)
	}
	g.mu.Lock()
	g.cache[key] = cacheEntry{rules: rules, fetched: now}
	g.mu.Unlock()
	return rules, nil
}

// Invalidate drops all cached rule sets. Called after rule mutations.
func (g *Registry) Invalidate() {
	g.mu.Lock()
	g.cache = make(map[string]cacheEntry)
	g.mu.Unlock()
}

func (g *Registry) ttl() time.Duration {
	if g.TTL > 0 {
		return g.TTL
	}
	return defaultTTL
}

// SeedFromConfig inserts the config's rule presets for a niche, skipping
// nothing: onboarding runs once per tenant, and duplicate seeding is the
// caller's concern.
func (g *Registry) SeedFromConfig(ctx context.Context, cfg *config.Config, nicheID string) ([]domain.AutomationRule, error) {
	presets := cfg.Rules.Presets[nicheID]
	now := g.Now().UTC().Format(time.RFC3339)
	var seeded []domain.AutomationRule
	for _, p := range presets {
		rule := domain.AutomationRule{
			ID:           uuid.New().String(),
			NicheID:      nicheID,
			TriggerEvent: p.Trigger,
			DelayMinutes: p.DelayMinutes,
			ActionType:   p.Action,
			IsActive:     true,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := g.Repo.InsertRule(ctx, rule); err != nil {
			return seeded, fmt.Errorf("seed rule %s/%s: %w", nicheID, p.Trigger, err)
		}
		seeded = append(seeded, rule)
	}
	g.Invalidate()
	return seeded, nil
}
