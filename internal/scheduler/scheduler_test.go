package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"leadline/internal/actions"
	"leadline/internal/config"
	"leadline/internal/db"
	"leadline/internal/domain"
	"leadline/internal/engine"
	"leadline/internal/migrate"
	"leadline/internal/repo"
)

type stubExec struct {
	calls int
	fail  error
}

func (s *stubExec) Execute(_ context.Context, action actions.ActionType, _ actions.Request) error {
	s.calls++
	if s.fail != nil {
		return &actions.ExecError{Action: action, Err: s.fail}
	}
	return nil
}

type testEnv struct {
	sched *Scheduler
	eng   *engine.Engine
	exec  *stubExec
	now   time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	env := &testEnv{
		exec: &stubExec{},
		now:  time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
	}
	env.eng = engine.New(conn, config.Default("t1"), env.exec, zap.NewNop())
	env.eng.Now = func() time.Time { return env.now }
	env.sched = New(env.eng, zap.NewNop())
	return env
}

func (e *testEnv) seedDeferred(t *testing.T, delayMinutes int) (domain.Lead, domain.AutomationRule, domain.ScheduledJob) {
	t.Helper()
	ctx := context.Background()
	ts := e.now.Format(time.RFC3339)

	tenant := domain.Tenant{ID: "t1", Name: "Shear Genius", NicheID: "salon", Status: "active", CreatedAt: ts}
	tx, err := e.eng.DB.Begin()
	require.NoError(t, err)
	require.NoError(t, e.eng.Repo.InsertTenant(ctx, tx, tenant))
	require.NoError(t, tx.Commit())

	rule := domain.AutomationRule{
		ID: "r1", NicheID: "salon", TriggerEvent: "booking_completed",
		DelayMinutes: delayMinutes, ActionType: "send_review_request",
		IsActive: true, CreatedAt: ts, UpdatedAt: ts,
	}
	require.NoError(t, e.eng.Repo.InsertRule(ctx, rule))

	lead, err := e.eng.CreateLead(ctx, engine.LeadCreateOptions{TenantID: tenant.ID, Name: "Dana Reyes"})
	require.NoError(t, err)

	outcomes := e.eng.Dispatch(ctx, domain.TriggerEvent{
		Name: "booking_completed", LeadID: lead.ID, TenantID: tenant.ID,
	})
	require.Len(t, outcomes, 1)
	require.NoError(t, outcomes[0].Err)

	jobs, err := e.eng.Repo.ListJobs(ctx, repo.JobFilters{LeadID: lead.ID})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	return lead, rule, jobs[0]
}

func TestTickIgnoresFutureJobs(t *testing.T) {
	env := newTestEnv(t)
	_, _, job := env.seedDeferred(t, 60)

	n, err := env.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, env.exec.calls)

	got, err := env.eng.Repo.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, "pending", got.Status)
}

func TestTickRunsDueJob(t *testing.T) {
	env := newTestEnv(t)
	lead, _, job := env.seedDeferred(t, 60)
	env.now = env.now.Add(time.Hour)

	n, err := env.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, env.exec.calls)

	got, err := env.eng.Repo.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, "done", got.Status)
	assert.Equal(t, 1, got.Attempts)

	l, err := env.eng.Repo.GetLead(context.Background(), lead.ID)
	require.NoError(t, err)
	assert.Equal(t, "contacted", l.GovernanceState)
}

func TestTickCancelsWhenRuleDisabled(t *testing.T) {
	env := newTestEnv(t)
	_, rule, job := env.seedDeferred(t, 60)
	require.NoError(t, env.eng.Repo.SetRuleActive(context.Background(), rule.ID, false, env.now.Format(time.RFC3339)))
	env.now = env.now.Add(time.Hour)

	n, err := env.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, env.exec.calls)

	got, err := env.eng.Repo.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, "canceled", got.Status)
	assert.Equal(t, "rule disabled", got.LastError)
}

func TestTickFailsJobOnActionError(t *testing.T) {
	env := newTestEnv(t)
	_, _, job := env.seedDeferred(t, 60)
	env.exec.fail = errors.New("smtp: connection refused")
	env.now = env.now.Add(time.Hour)

	n, err := env.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := env.eng.Repo.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, "failed", got.Status)
	assert.Contains(t, got.LastError, "connection refused")
}

// A job claimed by a poller that died before finishing must come back:
// once the claim goes stale the next tick requeues and runs it.
func TestTickRequeuesStaleRunningJob(t *testing.T) {
	env := newTestEnv(t)
	lead, _, job := env.seedDeferred(t, 60)
	env.now = env.now.Add(time.Hour)

	// Claim as a crashed poller would: running, never finished.
	claimed, err := env.eng.Repo.ClaimJob(context.Background(), job.ID, env.now.Format(time.RFC3339))
	require.NoError(t, err)
	require.True(t, claimed)

	// While the claim is fresh the job is left alone.
	n, err := env.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	got, err := env.eng.Repo.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, "running", got.Status)

	// Past the staleness cutoff it is requeued and processed.
	env.now = env.now.Add(env.sched.StaleAfter + time.Minute)
	n, err = env.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, env.exec.calls)

	got, err = env.eng.Repo.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, "done", got.Status)
	assert.Equal(t, 2, got.Attempts)

	l, err := env.eng.Repo.GetLead(context.Background(), lead.ID)
	require.NoError(t, err)
	assert.Equal(t, "contacted", l.GovernanceState)
}

func TestTickJobIsClaimedOnce(t *testing.T) {
	env := newTestEnv(t)
	_, _, job := env.seedDeferred(t, 60)
	env.now = env.now.Add(time.Hour)

	n, err := env.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Second tick finds nothing: the job is no longer pending.
	n, err = env.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, env.exec.calls)

	got, err := env.eng.Repo.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts)
}
