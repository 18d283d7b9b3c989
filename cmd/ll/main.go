package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"leadline/internal/actions"
	"leadline/internal/app"
	"leadline/internal/config"
	"leadline/internal/db"
	"leadline/internal/domain"
	"leadline/internal/engine"
	"leadline/internal/logger"
	"leadline/internal/migrate"
	"leadline/internal/repo"
	"leadline/internal/scheduler"
	"leadline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ll",
	Short: "Leadline CLI",
	Long: `Leadline governs automated follow-ups for local service businesses.
Core concepts:
- Workspace: your .leadline directory holding the database; tenant configs live in the DB.
- Tenant: one business account, bound to a niche (salon, home-services, med-spa).
- Leads and messages: the contact history; inbound messages are the "customer replied" signal.
- Rules: per-niche automations mapping a trigger event to an action, with an optional delay.
- Governance: before any send, the engine checks whether the customer already replied and
  whether the last outreach was too recent; every verdict lands in the audit log.
- Scheduler: delayed rules become durable jobs, re-checked when they come due ('ll scheduler run').
- Audit log: the immutable trail of every decision, view with 'll log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("LEADLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("tenant", "", "tenant id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("tenant", rootCmd.PersistentFlags().Lookup("tenant"))
}

func registerCommands() {
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(leadCmd())
	rootCmd.AddCommand(triggerCmd())
	rootCmd.AddCommand(ruleCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(jobsCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(schedulerCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- tenant ---

func tenantCmd() *cobra.Command {
	t := &cobra.Command{Use: "tenant", Short: "Manage tenants"}
	t.AddCommand(tenantListCmd())
	t.AddCommand(tenantCreateCmd())
	t.AddCommand(tenantShowCmd())
	t.AddCommand(tenantUseCmd())
	t.AddCommand(tenantConfigCmd())
	return t
}

func tenantListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tenants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListTenants(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Niche", "Status", "Created"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Name, t.NicheID, t.Status, t.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func tenantCreateCmd() *cobra.Command {
	var id, name, niche string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant and seed its niche rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg := config.Default(id)
			e := engine.New(conn, cfg, cliExecutor(), logger.Quiet())
			t, err := e.InitTenant(cmd.Context(), id, name, niche)
			if err != nil {
				return err
			}
			return printJSONOrTable(t)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "tenant id")
	cmd.Flags().StringVar(&name, "name", "", "business name")
	cmd.Flags().StringVar(&niche, "niche", "", "niche id (default from config)")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func tenantShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the active tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, err := e.Repo.GetTenant(ctx, e.Config.Tenant.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func tenantUseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use <id>",
		Short: "Set current tenant for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID := strings.TrimSpace(args[0])
			if tenantID == "" {
				return fmt.Errorf("tenant id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "LEADLINE_TENANT", tenantID); err != nil {
				return err
			}
			fmt.Printf("Set LEADLINE_TENANT=%s in %s/.env\n", tenantID, workspace)
			return nil
		},
	}
}

func tenantConfigCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage tenant config"}
	cfg.AddCommand(tenantConfigShowCmd())
	cfg.AddCommand(tenantConfigImportCmd())
	cfg.AddCommand(tenantConfigInitCmd())
	return cfg
}

func tenantConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show tenant config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
}

func tenantConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import tenant config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			tenantID := cfg.Tenant.ID
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if tenantID == "" {
					tenantID = e.Config.Tenant.ID
				}
				if err := e.Repo.UpsertTenantConfig(ctx, tenantID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func tenantConfigInitCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default leadline.yml to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(id)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "tenant id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

// --- status ---

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show tenant follow-up status",
		Long:  "See the scoreboard for the active tenant: audit result counts and pending scheduled jobs.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				tenantID := e.Config.Tenant.ID
				t, err := e.Repo.GetTenant(ctx, tenantID)
				if err != nil {
					return err
				}
				counts, err := e.Repo.CountLogsByResult(ctx, tenantID)
				if err != nil {
					return err
				}
				pending, err := e.Repo.ListJobs(ctx, repo.JobFilters{TenantID: tenantID, Status: "pending"})
				if err != nil {
					return err
				}
				out := map[string]any{
					"tenant_id":    t.ID,
					"niche_id":     t.NicheID,
					"log_counts":   counts,
					"pending_jobs": len(pending),
					"engine":       engine.Version,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Tenant: %s (%s)\n", t.ID, t.NicheID)
				fmt.Printf("Pending jobs: %d\n", len(pending))
				fmt.Println("Audit results:")
				for result, c := range counts {
					fmt.Printf("  %s: %d\n", result, c)
				}
				return nil
			})
		},
	}
}

// --- leads ---

func leadCmd() *cobra.Command {
	l := &cobra.Command{Use: "lead", Short: "Manage leads"}
	l.AddCommand(leadListCmd())
	l.AddCommand(leadCreateCmd())
	l.AddCommand(leadShowCmd())
	l.AddCommand(leadMessageCmd())
	l.AddCommand(leadCompleteCmd())
	return l
}

func leadListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List leads",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				leads, err := e.Repo.ListLeads(ctx, e.Config.Tenant.ID, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(leads)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Governance", "Last Outbound"})
				for _, l := range leads {
					lastOut := ""
					if l.LastOutboundAt != nil {
						lastOut = *l.LastOutboundAt
					}
					tw.AppendRow(table.Row{l.ID, l.Name, l.BusinessStatus, l.GovernanceState, lastOut})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows")
	return cmd
}

func leadCreateCmd() *cobra.Command {
	var name, email, phone, source string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a lead",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				lead, err := e.CreateLead(ctx, engine.LeadCreateOptions{
					TenantID: e.Config.Tenant.ID,
					Name:     name,
					Email:    email,
					Phone:    phone,
					Source:   source,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(lead)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "lead name")
	cmd.Flags().StringVar(&email, "email", "", "email address")
	cmd.Flags().StringVar(&phone, "phone", "", "phone number")
	cmd.Flags().StringVar(&source, "source", "", "acquisition source")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func leadShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a lead with its message history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				lead, err := e.Repo.GetLead(ctx, args[0])
				if err != nil {
					return err
				}
				msgs, err := e.Repo.ListMessages(ctx, lead.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"lead": lead, "messages": msgs})
				}
				b, _ := json.MarshalIndent(lead, "", "  ")
				fmt.Println(string(b))
				if len(msgs) > 0 {
					tw := newTable()
					tw.AppendHeader(table.Row{"Direction", "Channel", "Sent", "Body"})
					for _, m := range msgs {
						tw.AppendRow(table.Row{m.Direction, m.Channel, m.SentAt, m.Body})
					}
					tw.Render()
				}
				return nil
			})
		},
	}
}

func leadMessageCmd() *cobra.Command {
	var channel, body string
	cmd := &cobra.Command{
		Use:   "message <lead-id>",
		Short: "Record an inbound message from a lead",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				lead, err := e.RecordInbound(ctx, args[0], channel, body, time.Time{})
				if err != nil {
					return err
				}
				return printJSONOrTable(lead)
			})
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "sms", "message channel")
	cmd.Flags().StringVar(&body, "body", "", "message body")
	return cmd
}

func leadCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <lead-id>",
		Short: "Mark a lead's follow-up funnel finished",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				lead, err := e.CompleteFunnel(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(lead)
			})
		},
	}
}

// --- triggers ---

func triggerCmd() *cobra.Command {
	t := &cobra.Command{Use: "trigger", Short: "Fire trigger events"}
	t.AddCommand(triggerFireCmd())
	return t
}

func triggerFireCmd() *cobra.Command {
	var name, leadID, payloadJSON string
	cmd := &cobra.Command{
		Use:   "fire",
		Short: "Fire a trigger event and run matching rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" || leadID == "" {
				return fmt.Errorf("--name and --lead required")
			}
			var payload map[string]any
			if payloadJSON != "" {
				if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
					return fmt.Errorf("invalid --payload json: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				outcomes := e.Dispatch(ctx, domain.TriggerEvent{
					Name:     name,
					LeadID:   leadID,
					TenantID: e.Config.Tenant.ID,
					Payload:  payload,
				})
				if viper.GetBool("json") {
					return printJSON(outcomes)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Rule", "Action", "Decision", "Why", "Result"})
				for _, o := range outcomes {
					result := o.Result
					if o.Err != nil {
						result = result + " (" + o.Err.Error() + ")"
					}
					tw.AppendRow(table.Row{o.RuleID, o.ActionType, string(o.Decision.Action), o.Decision.Rule, result})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "trigger event name")
	cmd.Flags().StringVar(&leadID, "lead", "", "lead id")
	cmd.Flags().StringVar(&payloadJSON, "payload", "", "payload as JSON object")
	return cmd
}

// --- rules ---

func ruleCmd() *cobra.Command {
	r := &cobra.Command{Use: "rule", Short: "Manage automation rules"}
	r.AddCommand(ruleListCmd())
	r.AddCommand(ruleAddCmd())
	r.AddCommand(ruleSetActiveCmd("enable", true))
	r.AddCommand(ruleSetActiveCmd("disable", false))
	return r
}

func ruleListCmd() *cobra.Command {
	var niche string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List automation rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if niche == "" {
					niche = e.Config.Tenant.Niche
				}
				rules, err := e.Repo.ListRules(ctx, niche)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rules)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Trigger", "Action", "Delay (min)", "Active"})
				for _, r := range rules {
					tw.AppendRow(table.Row{r.ID, r.TriggerEvent, r.ActionType, r.DelayMinutes, r.IsActive})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&niche, "niche", "", "niche id (default from config)")
	return cmd
}

func ruleAddCmd() *cobra.Command {
	var niche, trigger, action string
	var delay int
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add an automation rule",
		RunE: func(cmd *cobra.Command, args []string) error {
			if trigger == "" {
				return fmt.Errorf("--trigger required")
			}
			if _, err := actions.Parse(action); err != nil {
				return err
			}
			if delay < 0 {
				return fmt.Errorf("--delay must be >= 0")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if niche == "" {
					niche = e.Config.Tenant.Niche
				}
				now := e.Now().UTC().Format(time.RFC3339)
				rule := domain.AutomationRule{
					ID:           newRuleID(niche, trigger, action),
					NicheID:      niche,
					TriggerEvent: trigger,
					DelayMinutes: delay,
					ActionType:   action,
					IsActive:     true,
					CreatedAt:    now,
					UpdatedAt:    now,
				}
				if err := e.Repo.InsertRule(ctx, rule); err != nil {
					return err
				}
				e.Registry.Invalidate()
				return printJSONOrTable(rule)
			})
		},
	}
	cmd.Flags().StringVar(&niche, "niche", "", "niche id (default from config)")
	cmd.Flags().StringVar(&trigger, "trigger", "", "trigger event name")
	cmd.Flags().StringVar(&action, "action", "", "action type")
	cmd.Flags().IntVar(&delay, "delay", 0, "delay in minutes")
	_ = cmd.MarkFlagRequired("trigger")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func ruleSetActiveCmd(use string, active bool) *cobra.Command {
	short := "Enable a rule"
	if !active {
		short = "Disable a rule"
	}
	return &cobra.Command{
		Use:   use + " <rule-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				now := e.Now().UTC().Format(time.RFC3339)
				if err := e.Repo.SetRuleActive(ctx, args[0], active, now); err != nil {
					return err
				}
				e.Registry.Invalidate()
				rule, err := e.Repo.GetRule(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(rule)
			})
		},
	}
}

// --- logs ---

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Inspect the audit trail"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var leadID, result string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail audit log entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				logs, err := e.Repo.ListLogs(ctx, repo.LogFilters{
					TenantID: e.Config.Tenant.ID,
					LeadID:   leadID,
					Result:   result,
					Limit:    n,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(logs)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Lead", "Trigger", "Action", "Result", "Why", "At"})
				for _, l := range logs {
					tw.AppendRow(table.Row{l.ID, l.LeadID, l.TriggerEvent, l.ActionType, l.Result, l.DecisionRule, l.ExecutedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	cmd.Flags().StringVar(&leadID, "lead", "", "lead filter")
	cmd.Flags().StringVar(&result, "result", "", "result filter (sent, skipped, scheduled, action_failed)")
	return cmd
}

// --- jobs ---

func jobsCmd() *cobra.Command {
	j := &cobra.Command{Use: "jobs", Short: "Inspect scheduled jobs"}
	j.AddCommand(jobsListCmd())
	return j
}

func jobsListCmd() *cobra.Command {
	var status, leadID string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scheduled jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				jobs, err := e.Repo.ListJobs(ctx, repo.JobFilters{
					TenantID: e.Config.Tenant.ID,
					LeadID:   leadID,
					Status:   status,
					Limit:    limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(jobs)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Lead", "Trigger", "Due", "Status", "Attempts"})
				for _, j := range jobs {
					tw.AppendRow(table.Row{j.ID, j.LeadID, j.TriggerEvent, j.DueAt, j.Status, j.Attempts})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (pending, running, done, failed, canceled)")
	cmd.Flags().StringVar(&leadID, "lead", "", "lead filter")
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows")
	return cmd
}

// --- api keys ---

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	k.AddCommand(apikeyCreateCmd())
	k.AddCommand(apikeyListCmd())
	k.AddCommand(apikeyRevokeCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (prints the secret once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				return fmt.Errorf("--actor required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				now := time.Now().UTC().Format(time.RFC3339)
				secret, key := repo.NewAPIKey(actorID, name, now)
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.EnsureActor(ctx, tx, actorID, now); err != nil {
					return err
				}
				if err := r.InsertAPIKey(ctx, tx, key); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "actor_id": actorID, "key": secret})
				}
				fmt.Printf("API key for %s (store it now, it is not shown again):\n%s\n", actorID, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id")
	cmd.Flags().StringVar(&name, "name", "", "key name")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor filter")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

// --- scheduler ---

func schedulerCmd() *cobra.Command {
	s := &cobra.Command{Use: "scheduler", Short: "Run the deferred-send scheduler"}
	s.AddCommand(schedulerRunCmd())
	return s
}

func schedulerRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Poll for due jobs until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := logger.New(os.Getenv("LEADLINE_ENV"), os.Getenv("LEADLINE_LOG_LEVEL"))
			if err != nil {
				return err
			}
			defer log.Sync()
			return withEngineLogged(cmd.Context(), log, func(ctx context.Context, e *engine.Engine) error {
				sched := scheduler.New(e, log)
				if e.Config.Scheduler.PollIntervalSeconds > 0 {
					sched.Interval = time.Duration(e.Config.Scheduler.PollIntervalSeconds) * time.Second
				}
				if e.Config.Scheduler.BatchSize > 0 {
					sched.BatchSize = e.Config.Scheduler.BatchSize
				}
				err := sched.Run(ctx)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}
}

// --- serve ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	var open bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server and the scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := logger.New(os.Getenv("LEADLINE_ENV"), os.Getenv("LEADLINE_LOG_LEVEL"))
			if err != nil {
				return err
			}
			defer log.Sync()
			return withEngineLogged(cmd.Context(), log, func(ctx context.Context, e *engine.Engine) error {
				authCfg := server.AuthConfig{
					JWTSecret: os.Getenv("LEADLINE_JWT_SECRET"),
					Open:      open,
					Logger:    log,
				}
				if authCfg.JWTSecret == "" && !open {
					return fmt.Errorf("LEADLINE_JWT_SECRET is required unless --open is set")
				}
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}

				sched := scheduler.New(e, log)
				if e.Config.Scheduler.PollIntervalSeconds > 0 {
					sched.Interval = time.Duration(e.Config.Scheduler.PollIntervalSeconds) * time.Second
				}
				if e.Config.Scheduler.BatchSize > 0 {
					sched.BatchSize = e.Config.Scheduler.BatchSize
				}
				go sched.Run(ctx)

				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				log.Info("serving leadline api",
					zap.String("addr", addr),
					zap.String("base_path", basePath))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&open, "open", false, "disable authentication (local use only)")
	return cmd
}

// --- helpers ---

func cliExecutor() engine.Executor {
	exec := actions.NewLogExecutor(logger.Quiet())
	return actions.Dispatcher{Mailer: exec, Updater: exec}
}

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	return withEngineLogged(ctx, logger.Quiet(), fn)
}

func withEngineLogged(ctx context.Context, log *zap.Logger, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveTenantAndConfig(ctx, workspace, viper.GetString("tenant"), r)
	if err != nil {
		return err
	}
	exec := actions.NewLogExecutor(log)
	e := engine.New(conn, cfg, actions.Dispatcher{Mailer: exec, Updater: exec}, log)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRuleID(niche, trigger, action string) string {
	return fmt.Sprintf("%s-%s-%s-%d", niche, trigger, strings.ReplaceAll(action, "_", "-"), time.Now().Unix())
}

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
