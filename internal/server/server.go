// Package server exposes the leadline HTTP API: trigger ingestion, lead and
// message management, rule administration, and the audit trail.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"leadline/internal/actions"
	"leadline/internal/domain"
	"leadline/internal/engine"
	"leadline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"lead not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Leadline API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Leadline API", "1.2.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerTenants(group, cfg.Engine)
	registerLeads(group, cfg.Engine)
	registerTriggers(group, cfg.Engine)
	registerRules(group, cfg.Engine)
	registerLogs(group, cfg.Engine)
	registerJobs(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookNotifier(cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var fe forbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrVersionConflict) {
		return newAPIError(http.StatusConflict, "version_conflict", err.Error(), nil)
	}
	var execErr *actions.ExecError
	if errors.As(err, &execErr) {
		return newAPIError(http.StatusBadGateway, "action_failed", err.Error(), map[string]any{"action": string(execErr.Action)})
	}
	var infra *engine.InfraError
	if errors.As(err, &infra) {
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": infra.Error()})
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "unknown action"),
		strings.Contains(lowered, "invalid"),
		strings.Contains(lowered, "missing"),
		strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusBadGateway:
		return "action_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func hasPermission(perms []string, perm string) bool {
	for _, p := range perms {
		if p == perm {
			return true
		}
	}
	return false
}

func requirePermission(ctx context.Context, e *engine.Engine, tenantID, perm string) error {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return authErr
	}
	if principal.Source == sourceOpen {
		return nil
	}
	if hasPermission(principal.Permissions, perm) {
		return nil
	}
	ok, err := e.Repo.ActorHasPermission(ctx, tenantID, principal.ActorID, perm)
	if err != nil {
		return err
	}
	if !ok {
		return forbiddenError{Permission: perm}
	}
	return nil
}

type forbiddenError struct {
	Permission string
}

func (e forbiddenError) Error() string {
	return fmt.Sprintf("actor lacks permission %s", e.Permission)
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Leadline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerStatus(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "tenant-status",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/status",
		Summary:     "Tenant status",
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
	}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.TenantID, "tenant.status.read"); err != nil {
			return nil, handleError(err)
		}
		t, err := e.Repo.GetTenant(ctx, input.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		counts, err := e.Repo.CountLogsByResult(ctx, t.ID)
		if err != nil {
			return nil, handleError(err)
		}
		pending, err := e.Repo.ListJobs(ctx, repo.JobFilters{TenantID: t.ID, Status: "pending"})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: StatusResponse{
			TenantID:    t.ID,
			NicheID:     t.NicheID,
			LogCounts:   counts,
			PendingJobs: len(pending),
			Engine:      engine.Version,
		}}, nil
	})
}

func registerTenants(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-tenant",
		Method:        http.MethodPost,
		Path:          "/tenants",
		Summary:       "Create tenant",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateTenantRequest `json:"body"`
	}) (*struct {
		Body TenantResponse `json:"body"`
	}, error) {
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		if err := requirePermission(ctx, e, input.Body.ID, "tenant.create"); err != nil {
			return nil, handleError(err)
		}
		t, err := e.InitTenant(ctx, input.Body.ID, input.Body.Name, input.Body.Niche)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TenantResponse `json:"body"`
		}{Body: tenantResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tenants",
		Method:      http.MethodGet,
		Path:        "/tenants",
		Summary:     "List tenants",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []TenantResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "", "tenant.list"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListTenants(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TenantResponse `json:"body"`
		}{Body: mapTenants(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-tenant",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}",
		Summary:     "Get tenant",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
	}) (*struct {
		Body TenantResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.TenantID, "tenant.read"); err != nil {
			return nil, handleError(err)
		}
		t, err := e.Repo.GetTenant(ctx, input.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TenantResponse `json:"body"`
		}{Body: tenantResponse(t)}, nil
	})
}

func registerLeads(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-lead",
		Method:        http.MethodPost,
		Path:          "/leads",
		Summary:       "Create lead",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateLeadRequest `json:"body"`
	}) (*struct {
		Body domain.Lead `json:"body"`
	}, error) {
		if input.Body.TenantID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "tenant_id is required", nil)
		}
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		if err := requirePermission(ctx, e, input.Body.TenantID, "lead.create"); err != nil {
			return nil, handleError(err)
		}
		opts := engine.LeadCreateOptions{
			TenantID: input.Body.TenantID,
			Name:     input.Body.Name,
			Email:    stringOrEmpty(input.Body.Email),
			Phone:    stringOrEmpty(input.Body.Phone),
			Source:   stringOrEmpty(input.Body.Source),
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		lead, err := e.CreateLead(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Lead `json:"body"`
		}{Body: lead}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-leads",
		Method:      http.MethodGet,
		Path:        "/leads",
		Summary:     "List leads",
	}, func(ctx context.Context, input *struct {
		TenantID string `query:"tenant_id"`
		Limit    int    `query:"limit"`
	}) (*struct {
		Body []domain.Lead `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.TenantID, "lead.list"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListLeads(ctx, input.TenantID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Lead `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-lead",
		Method:      http.MethodGet,
		Path:        "/leads/{lead_id}",
		Summary:     "Get lead",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		LeadID string `path:"lead_id"`
	}) (*struct {
		Body domain.Lead `json:"body"`
	}, error) {
		lead, err := e.Repo.GetLead(ctx, input.LeadID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePermission(ctx, e, lead.TenantID, "lead.read"); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Lead `json:"body"`
		}{Body: lead}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-lead-messages",
		Method:      http.MethodGet,
		Path:        "/leads/{lead_id}/messages",
		Summary:     "List lead messages",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		LeadID string `path:"lead_id"`
	}) (*struct {
		Body []domain.Message `json:"body"`
	}, error) {
		lead, err := e.Repo.GetLead(ctx, input.LeadID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePermission(ctx, e, lead.TenantID, "lead.read"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListMessages(ctx, input.LeadID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Message `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "record-inbound-message",
		Method:        http.MethodPost,
		Path:          "/leads/{lead_id}/messages/inbound",
		Summary:       "Record inbound message",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		LeadID string                `path:"lead_id"`
		Body   InboundMessageRequest `json:"body"`
	}) (*struct {
		Body domain.Lead `json:"body"`
	}, error) {
		lead, err := e.Repo.GetLead(ctx, input.LeadID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePermission(ctx, e, lead.TenantID, "lead.message"); err != nil {
			return nil, handleError(err)
		}
		var sentAt time.Time
		if input.Body.SentAt != nil {
			sentAt, err = time.Parse(time.RFC3339, *input.Body.SentAt)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "sent_at must be RFC3339", nil)
			}
		}
		updated, err := e.RecordInbound(ctx, input.LeadID, input.Body.Channel, input.Body.Body, sentAt)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Lead `json:"body"`
		}{Body: updated}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-lead-funnel",
		Method:      http.MethodPost,
		Path:        "/leads/{lead_id}/complete",
		Summary:     "Complete lead funnel",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		LeadID string `path:"lead_id"`
	}) (*struct {
		Body domain.Lead `json:"body"`
	}, error) {
		lead, err := e.Repo.GetLead(ctx, input.LeadID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePermission(ctx, e, lead.TenantID, "lead.update"); err != nil {
			return nil, handleError(err)
		}
		updated, err := e.CompleteFunnel(ctx, input.LeadID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Lead `json:"body"`
		}{Body: updated}, nil
	})
}

func registerTriggers(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "fire-trigger",
		Method:      http.MethodPost,
		Path:        "/triggers",
		Summary:     "Fire trigger event",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body FireTriggerRequest `json:"body"`
	}) (*struct {
		Body TriggerResponse `json:"body"`
	}, error) {
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		if input.Body.LeadID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "lead_id is required", nil)
		}
		if input.Body.TenantID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "tenant_id is required", nil)
		}
		if err := requirePermission(ctx, e, input.Body.TenantID, "trigger.fire"); err != nil {
			return nil, handleError(err)
		}
		evt := domain.TriggerEvent{
			Name:     input.Body.Name,
			LeadID:   input.Body.LeadID,
			TenantID: input.Body.TenantID,
			NicheID:  stringOrEmpty(input.Body.NicheID),
			Payload:  input.Body.Payload,
		}
		outcomes := e.Dispatch(ctx, evt)
		return &struct {
			Body TriggerResponse `json:"body"`
		}{Body: TriggerResponse{Outcomes: outcomeResponses(outcomes)}}, nil
	})
}

func registerRules(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-rule",
		Method:        http.MethodPost,
		Path:          "/rules",
		Summary:       "Create automation rule",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateRuleRequest `json:"body"`
	}) (*struct {
		Body domain.AutomationRule `json:"body"`
	}, error) {
		if input.Body.NicheID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "niche_id is required", nil)
		}
		if input.Body.TriggerEvent == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "trigger_event is required", nil)
		}
		if _, err := actions.Parse(input.Body.ActionType); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		if input.Body.DelayMinutes < 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "delay_minutes must be >= 0", nil)
		}
		if err := requirePermission(ctx, e, "", "rule.write"); err != nil {
			return nil, handleError(err)
		}
		now := e.Now().UTC().Format(time.RFC3339)
		rule := domain.AutomationRule{
			ID:           uuid.New().String(),
			NicheID:      input.Body.NicheID,
			TriggerEvent: input.Body.TriggerEvent,
			DelayMinutes: input.Body.DelayMinutes,
			ActionType:   input.Body.ActionType,
			IsActive:     true,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if input.Body.ID != nil {
			rule.ID = *input.Body.ID
		}
		if err := e.Repo.InsertRule(ctx, rule); err != nil {
			return nil, handleError(err)
		}
		e.Registry.Invalidate()
		return &struct {
			Body domain.AutomationRule `json:"body"`
		}{Body: rule}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-rules",
		Method:      http.MethodGet,
		Path:        "/rules",
		Summary:     "List automation rules",
	}, func(ctx context.Context, input *struct {
		NicheID string `query:"niche_id"`
	}) (*struct {
		Body []domain.AutomationRule `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "", "rule.read"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListRules(ctx, input.NicheID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.AutomationRule `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-rule-active",
		Method:      http.MethodPatch,
		Path:        "/rules/{rule_id}/active",
		Summary:     "Enable or disable a rule",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RuleID string               `path:"rule_id"`
		Body   SetRuleActiveRequest `json:"body"`
	}) (*struct {
		Body domain.AutomationRule `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "", "rule.write"); err != nil {
			return nil, handleError(err)
		}
		now := e.Now().UTC().Format(time.RFC3339)
		if err := e.Repo.SetRuleActive(ctx, input.RuleID, input.Body.IsActive, now); err != nil {
			return nil, handleError(err)
		}
		e.Registry.Invalidate()
		rule, err := e.Repo.GetRule(ctx, input.RuleID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AutomationRule `json:"body"`
		}{Body: rule}, nil
	})
}

func registerLogs(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-logs",
		Method:      http.MethodGet,
		Path:        "/logs",
		Summary:     "List audit log entries",
	}, func(ctx context.Context, input *struct {
		TenantID string `query:"tenant_id"`
		LeadID   string `query:"lead_id"`
		Result   string `query:"result" enum:",sent,skipped,scheduled,action_failed"`
		Limit    int    `query:"limit"`
	}) (*struct {
		Body []domain.AutomationLog `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.TenantID, "log.read"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListLogs(ctx, repo.LogFilters{
			TenantID: input.TenantID,
			LeadID:   input.LeadID,
			Result:   input.Result,
			Limit:    input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.AutomationLog `json:"body"`
		}{Body: items}, nil
	})
}

func registerJobs(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List scheduled jobs",
	}, func(ctx context.Context, input *struct {
		TenantID string `query:"tenant_id"`
		LeadID   string `query:"lead_id"`
		Status   string `query:"status" enum:",pending,running,done,failed,canceled"`
		Limit    int    `query:"limit"`
	}) (*struct {
		Body []domain.ScheduledJob `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.TenantID, "job.read"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListJobs(ctx, repo.JobFilters{
			TenantID: input.TenantID,
			LeadID:   input.LeadID,
			Status:   input.Status,
			Limit:    input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ScheduledJob `json:"body"`
		}{Body: items}, nil
	})
}

func registerAPIKeys(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyCreatedResponse `json:"body"`
	}, error) {
		if input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		if err := requirePermission(ctx, e, "", "apikey.write"); err != nil {
			return nil, handleError(err)
		}
		now := e.Now().UTC().Format(time.RFC3339)
		secret, key := repo.NewAPIKey(input.Body.ActorID, input.Body.Name, now)
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		defer tx.Rollback()
		if err := e.Repo.EnsureActor(ctx, tx, input.Body.ActorID, now); err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
			return nil, handleError(err)
		}
		if err := tx.Commit(); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyCreatedResponse `json:"body"`
		}{Body: APIKeyCreatedResponse{
			ID:        key.ID,
			ActorID:   key.ActorID,
			Name:      key.Name,
			Key:       secret,
			CreatedAt: key.CreatedAt,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/apikeys/{key_id}",
		Summary:     "Revoke API key",
		Errors:      []int{http.StatusNotFound, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		if err := requirePermission(ctx, e, "", "apikey.write"); err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
