package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"leadline/internal/actions"
	"leadline/internal/audit"
	"leadline/internal/config"
	"leadline/internal/db"
	"leadline/internal/domain"
	"leadline/internal/governance"
	"leadline/internal/migrate"
	"leadline/internal/repo"
)

type recordingExec struct {
	calls []actions.ActionType
	fail  error
}

func (r *recordingExec) Execute(_ context.Context, action actions.ActionType, _ actions.Request) error {
	r.calls = append(r.calls, action)
	if r.fail != nil {
		return &actions.ExecError{Action: action, Err: r.fail}
	}
	return nil
}

type testEnv struct {
	eng  *Engine
	exec *recordingExec
	now  time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	env := &testEnv{
		exec: &recordingExec{},
		now:  time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
	}
	env.eng = New(conn, config.Default("t1"), env.exec, zap.NewNop())
	env.eng.Now = func() time.Time { return env.now }
	env.eng.Registry.Now = env.eng.Now
	return env
}

func (e *testEnv) advance(d time.Duration) {
	e.now = e.now.Add(d)
}

func (e *testEnv) seedTenant(t *testing.T) domain.Tenant {
	t.Helper()
	ctx := context.Background()
	ts := e.now.Format(time.RFC3339)
	tenant := domain.Tenant{ID: "t1", Name: "Shear Genius", NicheID: "salon", Status: "active", CreatedAt: ts}
	tx, err := e.eng.DB.Begin()
	require.NoError(t, err)
	require.NoError(t, e.eng.Repo.InsertTenant(ctx, tx, tenant))
	require.NoError(t, tx.Commit())
	return tenant
}

func (e *testEnv) seedRule(t *testing.T, trigger, action string, delayMinutes int) domain.AutomationRule {
	t.Helper()
	ts := e.now.Format(time.RFC3339)
	rule := domain.AutomationRule{
		ID:           "rule-" + trigger + "-" + action,
		NicheID:      "salon",
		TriggerEvent: trigger,
		DelayMinutes: delayMinutes,
		ActionType:   action,
		IsActive:     true,
		CreatedAt:    ts,
		UpdatedAt:    ts,
	}
	require.NoError(t, e.eng.Repo.InsertRule(context.Background(), rule))
	e.eng.Registry.Invalidate()
	return rule
}

func (e *testEnv) seedLead(t *testing.T, tenantID string) domain.Lead {
	t.Helper()
	lead, err := e.eng.CreateLead(context.Background(), LeadCreateOptions{
		TenantID: tenantID,
		Name:     "Dana Reyes",
		Email:    "dana@example.com",
		Source:   "walk-in",
	})
	require.NoError(t, err)
	return lead
}

func (e *testEnv) logs(t *testing.T, leadID string) []domain.AutomationLog {
	t.Helper()
	logs, err := e.eng.Repo.ListLogs(context.Background(), repo.LogFilters{LeadID: leadID})
	require.NoError(t, err)
	return logs
}

func TestDispatchFirstContactSends(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tenant := env.seedTenant(t)
	env.seedRule(t, "booking_completed", "send_review_request", 0)
	lead := env.seedLead(t, tenant.ID)

	outcomes := env.eng.Dispatch(ctx, domain.TriggerEvent{
		Name: "booking_completed", LeadID: lead.ID, TenantID: tenant.ID,
	})
	require.Len(t, outcomes, 1)
	require.NoError(t, outcomes[0].Err)
	assert.Equal(t, audit.ResultSent, outcomes[0].Result)
	assert.Equal(t, governance.ActionSend, outcomes[0].Decision.Action)
	assert.Equal(t, governance.RuleDefault, outcomes[0].Decision.Rule)
	assert.Equal(t, []actions.ActionType{actions.SendReviewRequest}, env.exec.calls)

	got, err := env.eng.Repo.GetLead(ctx, lead.ID)
	require.NoError(t, err)
	assert.Equal(t, "contacted", got.GovernanceState)
	require.NotNil(t, got.LastOutboundAt)
	assert.Equal(t, lead.Version+1, got.Version)

	msgs, err := env.eng.Repo.ListMessages(ctx, lead.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "outbound", msgs[0].Direction)
	assert.Equal(t, "email", msgs[0].Channel)

	logs := env.logs(t, lead.ID)
	require.Len(t, logs, 1)
	assert.Equal(t, audit.ResultSent, logs[0].Result)
	assert.Equal(t, Version, logs[0].EngineVersion)
}

func TestDispatchSkipsAfterCustomerReply(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tenant := env.seedTenant(t)
	env.seedRule(t, "booking_completed", "send_review_request", 0)
	lead := env.seedLead(t, tenant.ID)

	env.eng.Dispatch(ctx, domain.TriggerEvent{Name: "booking_completed", LeadID: lead.ID, TenantID: tenant.ID})
	env.advance(10 * time.Minute)
	_, err := env.eng.RecordInbound(ctx, lead.ID, "sms", "thanks, see you then", env.now)
	require.NoError(t, err)

	env.advance(10 * time.Minute)
	outcomes := env.eng.Dispatch(ctx, domain.TriggerEvent{Name: "booking_completed", LeadID: lead.ID, TenantID: tenant.ID})
	require.Len(t, outcomes, 1)
	require.NoError(t, outcomes[0].Err)
	assert.Equal(t, audit.ResultSkipped, outcomes[0].Result)
	assert.Equal(t, governance.RuleAlreadyResponded, outcomes[0].Decision.Rule)

	// Still exactly one outbound from the first dispatch.
	msgs, err := env.eng.Repo.ListMessages(ctx, lead.ID)
	require.NoError(t, err)
	var outbound int
	for _, m := range msgs {
		if m.Direction == "outbound" {
			outbound++
		}
	}
	assert.Equal(t, 1, outbound)
}

func TestDispatchCooldownSkipsRepeatTrigger(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tenant := env.seedTenant(t)
	env.seedRule(t, "lead_created", "send_booking_confirmation", 0)
	env.seedRule(t, "booking_scheduled", "send_booking_confirmation", 60)
	lead := env.seedLead(t, tenant.ID)

	first := env.eng.Dispatch(ctx, domain.TriggerEvent{Name: "lead_created", LeadID: lead.ID, TenantID: tenant.ID})
	require.Len(t, first, 1)
	assert.Equal(t, audit.ResultSent, first[0].Result)

	// 5 minutes later another trigger hits a rule with a 60 minute window:
	// inside the window, so governance refuses it outright.
	env.advance(5 * time.Minute)
	second := env.eng.Dispatch(ctx, domain.TriggerEvent{Name: "booking_scheduled", LeadID: lead.ID, TenantID: tenant.ID})
	require.Len(t, second, 1)
	require.NoError(t, second[0].Err)
	assert.Equal(t, audit.ResultSkipped, second[0].Result)
	assert.Equal(t, governance.RuleTooSoon, second[0].Decision.Rule)

	msgs, err := env.eng.Repo.ListMessages(ctx, lead.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	logs := env.logs(t, lead.ID)
	require.Len(t, logs, 2)
}

func TestDeferredRuleBecomesDurableJob(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tenant := env.seedTenant(t)
	rule := env.seedRule(t, "booking_completed", "send_referral_offer", 120)
	lead := env.seedLead(t, tenant.ID)

	outcomes := env.eng.Dispatch(ctx, domain.TriggerEvent{
		Name: "booking_completed", LeadID: lead.ID, TenantID: tenant.ID,
		Payload: map[string]any{"booking_id": "b-77"},
	})
	require.Len(t, outcomes, 1)
	require.NoError(t, outcomes[0].Err)
	assert.Equal(t, audit.ResultScheduled, outcomes[0].Result)

	// No side effect yet.
	assert.Empty(t, env.exec.calls)
	msgs, err := env.eng.Repo.ListMessages(ctx, lead.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	jobs, err := env.eng.Repo.ListJobs(ctx, repo.JobFilters{LeadID: lead.ID})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "pending", jobs[0].Status)
	assert.Equal(t, rule.ID, jobs[0].RuleID)
	assert.Equal(t, env.now.Add(2*time.Hour).Format(time.RFC3339), jobs[0].DueAt)

	logs := env.logs(t, lead.ID)
	require.Len(t, logs, 1)
	assert.Equal(t, audit.ResultScheduled, logs[0].Result)
}

func TestRunScheduledSendsWhenStillClear(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tenant := env.seedTenant(t)
	rule := env.seedRule(t, "booking_completed", "send_referral_offer", 120)
	lead := env.seedLead(t, tenant.ID)

	env.eng.Dispatch(ctx, domain.TriggerEvent{Name: "booking_completed", LeadID: lead.ID, TenantID: tenant.ID})
	jobs, err := env.eng.Repo.ListJobs(ctx, repo.JobFilters{LeadID: lead.ID})
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	env.advance(2 * time.Hour)
	outcome := env.eng.RunScheduled(ctx, jobs[0], rule)
	require.NoError(t, outcome.Err)
	assert.Equal(t, audit.ResultSent, outcome.Result)
	assert.Equal(t, []actions.ActionType{actions.SendReferralOffer}, env.exec.calls)

	got, err := env.eng.Repo.GetLead(ctx, lead.ID)
	require.NoError(t, err)
	assert.Equal(t, "contacted", got.GovernanceState)
}

func TestRunScheduledReevaluatesAfterDelay(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tenant := env.seedTenant(t)
	rule := env.seedRule(t, "booking_completed", "send_referral_offer", 120)
	lead := env.seedLead(t, tenant.ID)

	env.eng.Dispatch(ctx, domain.TriggerEvent{Name: "booking_completed", LeadID: lead.ID, TenantID: tenant.ID})
	jobs, err := env.eng.Repo.ListJobs(ctx, repo.JobFilters{LeadID: lead.ID})
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	// The customer replies while the job waits; the due-time evaluation must
	// see it and refuse the send.
	env.advance(30 * time.Minute)
	_, err = env.eng.RecordInbound(ctx, lead.ID, "sms", "already booked elsewhere", env.now)
	require.NoError(t, err)

	env.advance(2 * time.Hour)
	outcome := env.eng.RunScheduled(ctx, jobs[0], rule)
	require.NoError(t, outcome.Err)
	assert.Equal(t, audit.ResultSkipped, outcome.Result)
	assert.Equal(t, governance.RuleAlreadyResponded, outcome.Decision.Rule)
	assert.Empty(t, env.exec.calls)
}

func TestActionFailureLeavesLeadUntouched(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tenant := env.seedTenant(t)
	env.seedRule(t, "booking_completed", "send_review_request", 0)
	lead := env.seedLead(t, tenant.ID)
	env.exec.fail = errors.New("smtp: connection refused")

	outcomes := env.eng.Dispatch(ctx, domain.TriggerEvent{Name: "booking_completed", LeadID: lead.ID, TenantID: tenant.ID})
	require.Len(t, outcomes, 1)
	require.Error(t, outcomes[0].Err)
	assert.Equal(t, audit.ResultActionFailed, outcomes[0].Result)

	var execErr *actions.ExecError
	require.ErrorAs(t, outcomes[0].Err, &execErr)

	// No message, no transition, no version bump.
	got, err := env.eng.Repo.GetLead(ctx, lead.ID)
	require.NoError(t, err)
	assert.Equal(t, "new", got.GovernanceState)
	assert.Nil(t, got.LastOutboundAt)
	assert.Equal(t, lead.Version, got.Version)

	msgs, err := env.eng.Repo.ListMessages(ctx, lead.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	// The decision row survives the failure and a failure row joins it.
	logs := env.logs(t, lead.ID)
	require.Len(t, logs, 2)
	results := map[string]bool{}
	for _, l := range logs {
		results[l.Result] = true
	}
	assert.True(t, results[audit.ResultSent])
	assert.True(t, results[audit.ResultActionFailed])
}

func TestDispatchUnknownTenantIsNoop(t *testing.T) {
	env := newTestEnv(t)
	outcomes := env.eng.Dispatch(context.Background(), domain.TriggerEvent{
		Name: "lead_created", LeadID: "nobody", TenantID: "ghost",
	})
	assert.Nil(t, outcomes)
}

func TestDispatchMissingLeadFailsRuleOnly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tenant := env.seedTenant(t)
	env.seedRule(t, "lead_created", "send_booking_confirmation", 0)

	outcomes := env.eng.Dispatch(ctx, domain.TriggerEvent{Name: "lead_created", LeadID: "missing", TenantID: tenant.ID})
	require.Len(t, outcomes, 1)
	require.Error(t, outcomes[0].Err)
	var infra *InfraError
	assert.ErrorAs(t, outcomes[0].Err, &infra)
	assert.ErrorIs(t, outcomes[0].Err, repo.ErrNotFound)
}

func TestDispatchRefusesLeadOfAnotherTenant(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tenant := env.seedTenant(t)
	env.seedRule(t, "lead_created", "send_booking_confirmation", 0)

	// A second tenant owning the targeted lead.
	ts := env.now.Format(time.RFC3339)
	other := domain.Tenant{ID: "t2", Name: "Rival Cuts", NicheID: "salon", Status: "active", CreatedAt: ts}
	tx, err := env.eng.DB.Begin()
	require.NoError(t, err)
	require.NoError(t, env.eng.Repo.InsertTenant(ctx, tx, other))
	require.NoError(t, tx.Commit())
	foreign := env.seedLead(t, other.ID)

	outcomes := env.eng.Dispatch(ctx, domain.TriggerEvent{Name: "lead_created", LeadID: foreign.ID, TenantID: tenant.ID})
	require.Len(t, outcomes, 1)
	require.Error(t, outcomes[0].Err)
	assert.ErrorIs(t, outcomes[0].Err, repo.ErrNotFound)

	// The foreign lead is untouched: no send, no message, no audit row.
	assert.Empty(t, env.exec.calls)
	got, err := env.eng.Repo.GetLead(ctx, foreign.ID)
	require.NoError(t, err)
	assert.Equal(t, "new", got.GovernanceState)
	assert.Nil(t, got.LastOutboundAt)
	msgs, err := env.eng.Repo.ListMessages(ctx, foreign.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Empty(t, env.logs(t, foreign.ID))
}

// Concurrent dispatches against one lead must serialize: every commit sees
// the previous one's version, so none aborts on the CAS and every outbound
// lands.
func TestConcurrentDispatchSerializesPerLead(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tenant := env.seedTenant(t)
	env.seedRule(t, "lead_created", "send_booking_confirmation", 0)
	lead := env.seedLead(t, tenant.ID)

	const n = 8
	outcomes := make([][]RuleOutcome, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = env.eng.Dispatch(ctx, domain.TriggerEvent{
				Name: "lead_created", LeadID: lead.ID, TenantID: tenant.ID,
			})
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.Len(t, outcomes[i], 1)
		require.NoError(t, outcomes[i][0].Err)
		assert.Equal(t, audit.ResultSent, outcomes[i][0].Result)
	}

	got, err := env.eng.Repo.GetLead(ctx, lead.ID)
	require.NoError(t, err)
	assert.Equal(t, lead.Version+n, got.Version)

	msgs, err := env.eng.Repo.ListMessages(ctx, lead.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, n)
}

func TestStaleVersionCommitConflicts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tenant := env.seedTenant(t)
	lead := env.seedLead(t, tenant.ID)
	now := env.now.Format(time.RFC3339)

	tx, err := env.eng.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, env.eng.Repo.UpdateLeadGovernanceTx(ctx, tx, lead.ID, "contacted", &now, now, lead.Version))
	require.NoError(t, tx.Commit())

	// A second writer still holding the original version loses.
	tx2, err := env.eng.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx2.Rollback()
	err = env.eng.Repo.UpdateLeadGovernanceTx(ctx, tx2, lead.ID, "responded", &now, now, lead.Version)
	assert.ErrorIs(t, err, repo.ErrVersionConflict)
}

func TestRecordInboundMovesStateBack(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tenant := env.seedTenant(t)
	env.seedRule(t, "lead_created", "send_booking_confirmation", 0)
	lead := env.seedLead(t, tenant.ID)

	env.eng.Dispatch(ctx, domain.TriggerEvent{Name: "lead_created", LeadID: lead.ID, TenantID: tenant.ID})
	env.advance(time.Minute)
	got, err := env.eng.RecordInbound(ctx, lead.ID, "sms", "sounds good", env.now)
	require.NoError(t, err)
	assert.Equal(t, "responded", got.GovernanceState)

	msgs, err := env.eng.Repo.ListMessages(ctx, lead.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "inbound", msgs[1].Direction)
}

func TestCompleteFunnelIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tenant := env.seedTenant(t)
	env.seedRule(t, "review_received", "update_lead_status", 0)
	lead := env.seedLead(t, tenant.ID)

	got, err := env.eng.CompleteFunnel(ctx, lead.ID)
	require.NoError(t, err)
	assert.Equal(t, "completed", got.GovernanceState)

	// A later inbound does not resurrect the funnel.
	env.advance(time.Hour)
	got, err = env.eng.RecordInbound(ctx, lead.ID, "sms", "hello again", env.now)
	require.NoError(t, err)
	assert.Equal(t, "completed", got.GovernanceState)
}

func TestInitTenantSeedsPresets(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tenant, err := env.eng.InitTenant(ctx, "t9", "Glow Med Spa", "med-spa")
	require.NoError(t, err)
	assert.Equal(t, "med-spa", tenant.NicheID)

	rules, err := env.eng.Repo.ListRules(ctx, "med-spa")
	require.NoError(t, err)
	assert.NotEmpty(t, rules)
	for _, r := range rules {
		assert.True(t, r.IsActive)
		_, err := actions.Parse(r.ActionType)
		assert.NoError(t, err)
	}

	cfg, err := env.eng.Repo.GetTenantConfig(ctx, tenant.ID)
	require.NoError(t, err)
	assert.NotNil(t, cfg)
}

// Full first-day walkthrough: immediate welcome on creation, a deferred
// review ask after the visit, and the cooldown holding between the two.
func TestLeadLifecycleEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tenant := env.seedTenant(t)
	env.seedRule(t, "lead_created", "send_booking_confirmation", 0)
	reviewRule := env.seedRule(t, "booking_completed", "send_review_request", 60)
	lead := env.seedLead(t, tenant.ID)

	created := env.eng.Dispatch(ctx, domain.TriggerEvent{Name: "lead_created", LeadID: lead.ID, TenantID: tenant.ID})
	require.Len(t, created, 1)
	assert.Equal(t, audit.ResultSent, created[0].Result)

	env.advance(5 * time.Minute)
	completed := env.eng.Dispatch(ctx, domain.TriggerEvent{Name: "booking_completed", LeadID: lead.ID, TenantID: tenant.ID})
	require.Len(t, completed, 1)
	assert.Equal(t, audit.ResultSkipped, completed[0].Result)
	assert.Equal(t, governance.RuleTooSoon, completed[0].Decision.Rule)

	env.advance(90 * time.Minute)
	later := env.eng.Dispatch(ctx, domain.TriggerEvent{Name: "booking_completed", LeadID: lead.ID, TenantID: tenant.ID})
	require.Len(t, later, 1)
	assert.Equal(t, audit.ResultScheduled, later[0].Result)

	jobs, err := env.eng.Repo.ListJobs(ctx, repo.JobFilters{LeadID: lead.ID, Status: "pending"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	env.advance(time.Hour)
	outcome := env.eng.RunScheduled(ctx, jobs[0], reviewRule)
	require.NoError(t, outcome.Err)
	assert.Equal(t, audit.ResultSent, outcome.Result)

	msgs, err := env.eng.Repo.ListMessages(ctx, lead.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	logs := env.logs(t, lead.ID)
	assert.Len(t, logs, 4)
}
