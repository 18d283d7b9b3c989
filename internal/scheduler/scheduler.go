// Package scheduler drains the durable job queue. A poll loop claims due
// jobs one at a time and hands them to the engine, which repeats the full
// governance evaluation at execution time.
package scheduler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"leadline/internal/domain"
	"leadline/internal/engine"
	"leadline/internal/repo"
)

const (
	defaultInterval   = 15 * time.Second
	defaultBatchSize  = 20
	defaultStaleAfter = 5 * time.Minute
)

type Scheduler struct {
	Engine    *engine.Engine
	Repo      repo.Repo
	Log       *zap.Logger
	Interval  time.Duration
	BatchSize int
	// StaleAfter is how long a job may sit in running before it is treated
	// as abandoned and requeued.
	StaleAfter time.Duration
	Now        func() time.Time
}

func New(eng *engine.Engine, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		Engine:     eng,
		Repo:       eng.Repo,
		Log:        log,
		Interval:   defaultInterval,
		BatchSize:  defaultBatchSize,
		StaleAfter: defaultStaleAfter,
		Now:        eng.Now,
	}
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Scheduler) interval() time.Duration {
	if s.Interval > 0 {
		return s.Interval
	}
	return defaultInterval
}

func (s *Scheduler) batchSize() int {
	if s.BatchSize > 0 {
		return s.BatchSize
	}
	return defaultBatchSize
}

func (s *Scheduler) staleAfter() time.Duration {
	if s.StaleAfter > 0 {
		return s.StaleAfter
	}
	return defaultStaleAfter
}

// Run polls until ctx is canceled. Safe to run alongside other pollers
// against the same database: job claims are status-guarded.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval())
	defer ticker.Stop()
	s.Log.Info("scheduler started", zap.Duration("interval", s.interval()))
	for {
		select {
		case <-ctx.Done():
			s.Log.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil {
				s.Log.Error("scheduler tick failed", zap.Error(err))
			}
		}
	}
}

// Tick processes one batch of due jobs and reports how many it handled.
// Jobs left in running by a crashed poller are requeued first once their
// claim is older than StaleAfter.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.staleAfter()).UTC().Format(time.RFC3339)
	requeued, err := s.Repo.RequeueStaleJobs(ctx, cutoff, s.nowStamp())
	if err != nil {
		return 0, err
	}
	if requeued > 0 {
		s.Log.Warn("requeued stale jobs", zap.Int64("count", requeued))
	}
	due, err := s.Repo.DueJobs(ctx, s.now(), s.batchSize())
	if err != nil {
		return 0, err
	}
	processed := 0
	for _, job := range due {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		claimed, err := s.Repo.ClaimJob(ctx, job.ID, s.nowStamp())
		if err != nil {
			s.Log.Error("claim failed", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		if !claimed {
			continue
		}
		s.process(ctx, job)
		processed++
	}
	return processed, nil
}

// process runs one claimed job to a terminal status. Jobs whose rule or
// lead vanished during the delay are canceled, not failed: there is nothing
// to retry.
func (s *Scheduler) process(ctx context.Context, job domain.ScheduledJob) {
	rule, err := s.Repo.GetRule(ctx, job.RuleID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		s.finish(ctx, job, "canceled", "rule deleted")
		return
	case err != nil:
		s.finish(ctx, job, "failed", err.Error())
		return
	case !rule.IsActive:
		s.finish(ctx, job, "canceled", "rule disabled")
		return
	}

	if _, err := s.Repo.GetLead(ctx, job.LeadID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			s.finish(ctx, job, "canceled", "lead deleted")
			return
		}
		s.finish(ctx, job, "failed", err.Error())
		return
	}

	outcome := s.Engine.RunScheduled(ctx, job, rule)
	if outcome.Err != nil {
		s.finish(ctx, job, "failed", outcome.Err.Error())
		return
	}
	s.Log.Info("scheduled job done",
		zap.String("job_id", job.ID),
		zap.String("lead_id", job.LeadID),
		zap.String("result", outcome.Result))
	s.finish(ctx, job, "done", "")
}

func (s *Scheduler) finish(ctx context.Context, job domain.ScheduledJob, status, lastError string) {
	if err := s.Repo.FinishJob(ctx, job.ID, status, lastError, s.nowStamp()); err != nil {
		s.Log.Error("finish job failed",
			zap.String("job_id", job.ID),
			zap.String("status", status),
			zap.Error(err))
	}
}

func (s *Scheduler) nowStamp() string {
	return s.now().UTC().Format(time.RFC3339)
}
