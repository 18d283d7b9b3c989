package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"go.uber.org/zap"

	"leadline/internal/actions"
	"leadline/internal/config"
	"leadline/internal/db"
	"leadline/internal/domain"
	"leadline/internal/engine"
	"leadline/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, auth AuthConfig) (*testServer, *engine.Engine) {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default("acme")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	exec := actions.NewLogExecutor(zap.NewNop())
	e := engine.New(conn, cfg, actions.Dispatcher{Mailer: exec, Updater: exec}, zap.NewNop())
	if _, err := e.InitTenant(context.Background(), "acme", "Acme Salon", "salon"); err != nil {
		t.Fatalf("init tenant: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v1", Auth: auth})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(testSrv.Close)
	return testSrv, e
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestTriggerPipelineOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t, AuthConfig{Open: true})
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/leads", map[string]any{
		"tenant_id": "acme",
		"name":      "Dana Reyes",
		"email":     "dana@example.com",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create lead status %d: %s", res.StatusCode, string(data))
	}
	var lead domain.Lead
	if err := json.Unmarshal(data, &lead); err != nil {
		t.Fatalf("unmarshal lead: %v", err)
	}

	// lead_created preset for salon sends a confirmation immediately.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/triggers", map[string]any{
		"name":      "lead_created",
		"lead_id":   lead.ID,
		"tenant_id": "acme",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("fire trigger status %d: %s", res.StatusCode, string(data))
	}
	var fired TriggerResponse
	if err := json.Unmarshal(data, &fired); err != nil {
		t.Fatalf("unmarshal trigger response: %v", err)
	}
	if len(fired.Outcomes) != 1 {
		t.Fatalf("expected 1 outcome, got %d", len(fired.Outcomes))
	}
	if fired.Outcomes[0].Result != "sent" {
		t.Fatalf("expected sent, got %s", fired.Outcomes[0].Result)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/leads/"+lead.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get lead status %d: %s", res.StatusCode, string(data))
	}
	var fetched domain.Lead
	_ = json.Unmarshal(data, &fetched)
	if fetched.GovernanceState != "contacted" {
		t.Fatalf("expected contacted, got %s", fetched.GovernanceState)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/logs?lead_id="+lead.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list logs status %d: %s", res.StatusCode, string(data))
	}
	var logs []domain.AutomationLog
	_ = json.Unmarshal(data, &logs)
	if len(logs) != 1 {
		t.Fatalf("expected 1 log row, got %d", len(logs))
	}
}

func TestInboundMessageStopsFollowUps(t *testing.T) {
	srv, _ := newTestServer(t, AuthConfig{Open: true})
	client := srv.Client()

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/leads", map[string]any{
		"tenant_id": "acme",
		"name":      "Sam Ortiz",
	}, nil)
	var lead domain.Lead
	_ = json.Unmarshal(data, &lead)

	doJSON(t, client, http.MethodPost, srv.URL+"/v1/triggers", map[string]any{
		"name": "lead_created", "lead_id": lead.ID, "tenant_id": "acme",
	}, nil)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/leads/"+lead.ID+"/messages/inbound", map[string]any{
		"channel": "sms",
		"body":    "sounds good, see you tomorrow",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("inbound status %d: %s", res.StatusCode, string(data))
	}
	var updated domain.Lead
	_ = json.Unmarshal(data, &updated)
	if updated.GovernanceState != "responded" {
		t.Fatalf("expected responded, got %s", updated.GovernanceState)
	}

	// A later trigger must be refused.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/triggers", map[string]any{
		"name": "booking_completed", "lead_id": lead.ID, "tenant_id": "acme",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("fire trigger status %d: %s", res.StatusCode, string(data))
	}
	var fired TriggerResponse
	_ = json.Unmarshal(data, &fired)
	for _, o := range fired.Outcomes {
		if o.Result != "skipped" && o.Result != "scheduled" {
			t.Fatalf("expected skipped or scheduled, got %s", o.Result)
		}
		if o.Decision != "skip" {
			t.Fatalf("expected skip decision, got %s", o.Decision)
		}
	}
}

func TestRuleDisableIsRespected(t *testing.T) {
	srv, e := newTestServer(t, AuthConfig{Open: true})
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/rules?niche_id=salon", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list rules status %d: %s", res.StatusCode, string(data))
	}
	var rules []domain.AutomationRule
	_ = json.Unmarshal(data, &rules)
	if len(rules) == 0 {
		t.Fatal("expected seeded rules")
	}
	for _, r := range rules {
		res, body := doJSON(t, client, http.MethodPatch, srv.URL+"/v1/rules/"+r.ID+"/active", map[string]any{
			"is_active": false,
		}, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("disable rule status %d: %s", res.StatusCode, string(body))
		}
	}

	lead, err := e.CreateLead(context.Background(), engine.LeadCreateOptions{TenantID: "acme", Name: "Quiet Lead"})
	if err != nil {
		t.Fatalf("create lead: %v", err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/triggers", map[string]any{
		"name": "lead_created", "lead_id": lead.ID, "tenant_id": "acme",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("fire trigger status %d: %s", res.StatusCode, string(data))
	}
	var fired TriggerResponse
	_ = json.Unmarshal(data, &fired)
	if len(fired.Outcomes) != 0 {
		t.Fatalf("expected no outcomes with all rules disabled, got %d", len(fired.Outcomes))
	}
}

// Trigger names are free-form: a rule created with a custom event must be
// fireable over the same API.
func TestCustomTriggerRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t, AuthConfig{Open: true})
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/rules", map[string]any{
		"niche_id":      "salon",
		"trigger_event": "loyalty_anniversary",
		"action_type":   "send_referral_offer",
		"delay_minutes": 0,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create rule status %d: %s", res.StatusCode, string(data))
	}

	_, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/leads", map[string]any{
		"tenant_id": "acme",
		"name":      "Kim Vuong",
	}, nil)
	var lead domain.Lead
	_ = json.Unmarshal(data, &lead)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/triggers", map[string]any{
		"name":      "loyalty_anniversary",
		"lead_id":   lead.ID,
		"tenant_id": "acme",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("fire custom trigger status %d: %s", res.StatusCode, string(data))
	}
	var fired TriggerResponse
	_ = json.Unmarshal(data, &fired)
	if len(fired.Outcomes) != 1 {
		t.Fatalf("expected 1 outcome, got %d", len(fired.Outcomes))
	}
	if fired.Outcomes[0].Result != "sent" {
		t.Fatalf("expected sent, got %s", fired.Outcomes[0].Result)
	}
}

func TestAuthRequiredWhenNotOpen(t *testing.T) {
	srv, _ := newTestServer(t, AuthConfig{JWTSecret: "test-secret"})
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v1/tenants", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}

	// Health stays open.
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	srv, e := newTestServer(t, AuthConfig{Open: true})
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/apikeys", map[string]any{
		"actor_id": "ops-bot",
		"name":     "ops",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key status %d: %s", res.StatusCode, string(data))
	}
	var created APIKeyCreatedResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal key: %v", err)
	}
	if created.Key == "" {
		t.Fatal("expected plaintext key in create response")
	}

	// Grant the actor a role whose permission the request will need.
	ctx := context.Background()
	tx, err := e.DB.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := e.Repo.InsertRole(ctx, tx, "operator", "day-to-day operations"); err != nil {
		t.Fatalf("insert role: %v", err)
	}
	if err := e.Repo.InsertPermission(ctx, tx, "lead.list", "list leads"); err != nil {
		t.Fatalf("insert permission: %v", err)
	}
	if err := e.Repo.AddRolePermission(ctx, tx, "operator", "lead.list"); err != nil {
		t.Fatalf("add role permission: %v", err)
	}
	if err := e.Repo.AssignRole(ctx, tx, "acme", "ops-bot", "operator"); err != nil {
		t.Fatalf("assign role: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/leads?tenant_id=acme", nil, map[string]string{
		"X-Api-Key": created.Key,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list with api key status %d: %s", res.StatusCode, string(data))
	}

	// Without the key the same grant means nothing on a closed server.
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/leads?tenant_id=acme", nil, map[string]string{
		"X-Api-Key": "wrong-key",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad key, got %d", res.StatusCode)
	}
}
