package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"testline/internal/config"
	"testline/internal/db"
	"testline/internal/domain"
	"testline/internal/engine"
	"testline/internal/migrate"
	"testline/internal/notify"
	"testline/internal/repo"
	"testline/internal/server"
	"testline/internal/sla"
)

var rootCmd = &cobra.Command{
	Use:   "tl",
	Short: "Testline CLI",
	Long: `Testline orchestrates regulatory test cycles for report attestation.
Core concepts:
- Workspace: your .testline directory holding the database; testline.yml next to it configures roles, SLA rules, and escalation chains.
- Cycle: one quarterly testing round owning all reports under test.
- Report: a regulatory report (e.g. FR Y-14Q) worked through seven workflow phases.
- Phases: planning -> scoping, then data provider identification and sample selection in parallel; request for information follows sampling; testing execution waits for both branches; observation management closes out. Each phase moves not_started -> in_progress -> submitted -> approved -> completed, with rejection looping back to in_progress.
- Permissions: role-derived, overridable per resource instance with allow/deny grants; deny always wins.
- SLA clocks: arm when a phase starts waiting on someone, escalate up the configured chain, and batch notifications into one digest per recipient per day.
- Event log: diary of changes, view with 'tl log tail'.`,
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
	viper.SetEnvPrefix("TESTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(cycleCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(phaseCmd())
	rootCmd.AddCommand(progressCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(slaCmd())
	rootCmd.AddCommand(escalationCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func cycleCmd() *cobra.Command {
	cycle := &cobra.Command{Use: "cycle", Short: "Manage test cycles"}
	cycle.AddCommand(cycleInitCmd())
	cycle.AddCommand(cycleListCmd())
	cycle.AddCommand(cycleShowCmd())
	return cycle
}

func cycleInitCmd() *cobra.Command {
	var id, desc string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a cycle and seed configured roles",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			workspace := viper.GetString("workspace")
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault(id)), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote default config to %s\n", cfgPath)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.InitCycle(ctx, id, desc, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "cycle id")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func cycleListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List cycles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListCycles(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func cycleShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [id]",
		Short: "Show a cycle",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				target := e.Config.Cycle.ID
				if len(args) == 1 {
					target = args[0]
				}
				c, err := e.Repo.GetCycle(ctx, target)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

func reportCmd() *cobra.Command {
	report := &cobra.Command{Use: "report", Short: "Manage reports under test"}
	report.AddCommand(reportCreateCmd())
	report.AddCommand(reportListCmd())
	return report
}

func reportCreateCmd() *cobra.Command {
	var id, name, owner string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a report in the current cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" || name == "" {
				return fmt.Errorf("--id and --name required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rep := domain.Report{
					ID:      id,
					CycleID: e.Config.Cycle.ID,
					Name:    name,
					OwnerID: owner,
				}
				res, err := e.CreateReport(ctx, rep, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "report id")
	cmd.Flags().StringVar(&name, "name", "", "report name")
	cmd.Flags().StringVar(&owner, "owner", "", "report owner actor id")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func reportListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List reports in the current cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListReports(ctx, e.Config.Cycle.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Owner", "Created"})
				for _, rep := range items {
					tw.AppendRow(table.Row{rep.ID, rep.Name, rep.OwnerID, rep.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func phaseCmd() *cobra.Command {
	phase := &cobra.Command{
		Use:   "phase",
		Short: "Manage workflow phases",
		Long:  "Phases carry a report through the testing workflow. Dependencies gate when a phase may start; an optimistic version guards every transition against concurrent writes.",
	}
	phase.AddCommand(phaseInitCmd())
	phase.AddCommand(phaseListCmd())
	phase.AddCommand(phaseShowCmd())
	phase.AddCommand(phaseTransitionCmd("start", "in_progress", "Start a phase"))
	phase.AddCommand(phaseTransitionCmd("submit", "submitted", "Submit a phase for approval"))
	phase.AddCommand(phaseTransitionCmd("approve", "approved", "Approve a submitted phase"))
	phase.AddCommand(phaseTransitionCmd("reject", "rejected", "Reject a submitted phase"))
	phase.AddCommand(phaseTransitionCmd("complete", "completed", "Complete an approved phase"))
	return phase
}

func phaseInitCmd() *cobra.Command {
	var reportID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the seven phases for a report",
		RunE: func(cmd *cobra.Command, args []string) error {
			if reportID == "" {
				return fmt.Errorf("--report required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				instances, err := e.InitializePhases(ctx, e.Config.Cycle.ID, reportID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(instances)
			})
		},
	}
	cmd.Flags().StringVar(&reportID, "report", "", "report id")
	_ = cmd.MarkFlagRequired("report")
	return cmd
}

func phaseListCmd() *cobra.Command {
	var reportID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List phases for a report",
		RunE: func(cmd *cobra.Command, args []string) error {
			if reportID == "" {
				return fmt.Errorf("--report required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				views, err := e.ListPhases(ctx, e.Config.Cycle.ID, reportID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(views)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "State", "Version", "Blocked", "Blocking"})
				for _, v := range views {
					tw.AppendRow(table.Row{v.ID, v.Kind, v.State, v.Version, v.Blocked, strings.Join(v.Blocking, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reportID, "report", "", "report id")
	_ = cmd.MarkFlagRequired("report")
	return cmd
}

func phaseShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <phase-id>",
		Short: "Show a phase instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetPhaseInstance(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func phaseTransitionCmd(use, target, short string) *cobra.Command {
	var version int64
	var payload string
	cmd := &cobra.Command{
		Use:   use + " <phase-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.TransitionOptions{
					PhaseInstanceID: args[0],
					Target:          target,
					ActorID:         viper.GetString("actor-id"),
				}
				if cmd.Flags().Changed("expected-version") {
					opts.ExpectedVersion = version
				} else {
					// Read-then-write convenience for interactive use;
					// concurrent writers still lose the version race.
					current, err := e.Repo.GetPhaseInstance(ctx, args[0])
					if err != nil {
						return err
					}
					opts.ExpectedVersion = current.Version
				}
				if payload != "" {
					opts.Payload = &payload
				}
				updated, err := e.Transition(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(updated)
			})
		},
	}
	cmd.Flags().Int64Var(&version, "expected-version", 0, "expected instance version")
	cmd.Flags().StringVar(&payload, "payload", "", "phase payload JSON")
	return cmd
}

func progressCmd() *cobra.Command {
	var reportID string
	cmd := &cobra.Command{
		Use:   "progress",
		Short: "Show aggregate report progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			if reportID == "" {
				return fmt.Errorf("--report required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				pct, err := e.AggregateProgress(ctx, e.Config.Cycle.ID, reportID)
				if err != nil {
					return err
				}
				out := map[string]any{
					"cycle_id":  e.Config.Cycle.ID,
					"report_id": reportID,
					"percent":   pct,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Report %s: %d%% complete\n", reportID, pct)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reportID, "report", "", "report id")
	_ = cmd.MarkFlagRequired("report")
	return cmd
}

func rbacCmd() *cobra.Command {
	rbac := &cobra.Command{
		Use:   "rbac",
		Short: "Manage roles, assignments, and grants",
	}
	rbac.AddCommand(rbacRolesCmd())
	rbac.AddCommand(rbacRoleCmd())
	rbac.AddCommand(rbacAssignCmd())
	rbac.AddCommand(rbacRevokeCmd())
	rbac.AddCommand(rbacGrantCmd())
	rbac.AddCommand(rbacRevokeGrantCmd())
	rbac.AddCommand(rbacCheckCmd())
	rbac.AddCommand(rbacPermissionsCmd())
	return rbac
}

func rbacRolesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "roles",
		Short: "List roles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				roles, err := r.ListRoles(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(roles)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Description", "Permissions"})
				for _, role := range roles {
					perms := make([]string, 0, len(role.Permissions))
					for _, p := range role.Permissions {
						perms = append(perms, p.String())
					}
					tw.AppendRow(table.Row{role.ID, role.Description, strings.Join(perms, " ")})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func rbacRoleCmd() *cobra.Command {
	var id, desc string
	var perms []string
	cmd := &cobra.Command{
		Use:   "role",
		Short: "Create or replace a role",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			role := domain.Role{ID: id, Description: desc}
			for _, raw := range perms {
				resource, action, ok := strings.Cut(raw, ":")
				if !ok || resource == "" || action == "" {
					return fmt.Errorf("permission %q must be resource:action", raw)
				}
				role.Permissions = append(role.Permissions, domain.Permission{Resource: resource, Action: action})
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.UpsertRole(ctx, role, viper.GetString("actor-id")); err != nil {
					return err
				}
				return printJSONOrTable(role)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "role id")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringArrayVar(&perms, "permission", []string{}, "resource:action pair (repeatable)")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func rbacAssignCmd() *cobra.Command {
	var actor, role string
	cmd := &cobra.Command{
		Use:   "assign",
		Short: "Assign a role to an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.AssignRole(ctx, actor, role, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func rbacRevokeCmd() *cobra.Command {
	var actor, role string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a role from an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RevokeRole(ctx, actor, role, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func rbacGrantCmd() *cobra.Command {
	var actor, resource, action, resourceID, effect string
	var expiresIn time.Duration
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Grant or deny a permission on one resource instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			g := domain.ResourceGrant{
				ActorID:    actor,
				Resource:   resource,
				Action:     action,
				ResourceID: resourceID,
				Effect:     effect,
			}
			if expiresIn > 0 {
				exp := time.Now().UTC().Add(expiresIn).Format(time.RFC3339)
				g.ExpiresAt = &exp
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CreateGrant(ctx, g, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id")
	cmd.Flags().StringVar(&resource, "resource", "", "resource type")
	cmd.Flags().StringVar(&action, "action", "", "action")
	cmd.Flags().StringVar(&resourceID, "resource-id", "", "resource instance id")
	cmd.Flags().StringVar(&effect, "effect", "allow", "allow or deny")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "expiry duration (e.g. 72h); zero means no expiry")
	return cmd
}

func rbacRevokeGrantCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke-grant <grant-id>",
		Short: "Remove a resource grant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RevokeGrant(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
}

func rbacCheckCmd() *cobra.Command {
	var actor, resource, action, resourceID string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Evaluate a permission for an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			if resource == "" || action == "" {
				return fmt.Errorf("--resource and --action required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				allowed, err := e.Authz.Check(ctx, domain.Actor{ID: actor}, resource, action, resourceID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"actor_id":    actor,
					"resource":    resource,
					"action":      action,
					"resource_id": resourceID,
					"allowed":     allowed,
				})
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id (defaults to --actor-id)")
	cmd.Flags().StringVar(&resource, "resource", "", "resource type")
	cmd.Flags().StringVar(&action, "action", "", "action")
	cmd.Flags().StringVar(&resourceID, "resource-id", "", "resource instance id")
	return cmd
}

func rbacPermissionsCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "permissions",
		Short: "Show effective permissions for an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				perms, err := e.Authz.GetEffectivePermissions(ctx, domain.Actor{ID: actor})
				if err != nil {
					return err
				}
				out := make([]string, 0, len(perms))
				for _, p := range perms {
					out = append(out, p.String())
				}
				return printJSONOrTable(map[string]any{"actor_id": actor, "permissions": out})
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id (defaults to --actor-id)")
	return cmd
}

func slaCmd() *cobra.Command {
	slaRoot := &cobra.Command{Use: "sla", Short: "SLA clocks and scanning"}
	slaRoot.AddCommand(slaScanCmd())
	slaRoot.AddCommand(slaClocksCmd())
	return slaRoot
}

func slaScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Scan clocks once and dispatch pending digests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				fired, err := e.SLA.Scan(ctx, time.Now())
				if err != nil {
					return err
				}
				dispatched, err := e.SLA.DispatchDigests(ctx, digestSink(e.Config))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"fired": fired, "digests_out": dispatched})
			})
		},
	}
}

func slaClocksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clocks",
		Short: "List armed SLA clocks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				clocks, err := r.ListClocks(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(clocks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Phase Instance", "Chain", "Armed At", "Threshold (s)", "Level"})
				for _, c := range clocks {
					tw.AppendRow(table.Row{c.PhaseInstanceID, c.Chain, c.ArmedAt, c.ThresholdSeconds, c.Level})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func escalationCmd() *cobra.Command {
	esc := &cobra.Command{Use: "escalation", Short: "Escalation events and digests"}
	esc.AddCommand(escalationListCmd())
	esc.AddCommand(escalationTriggerCmd())
	esc.AddCommand(escalationDispatchCmd())
	return esc
}

func escalationListCmd() *cobra.Command {
	var phaseID, recipient, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List escalation events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListEscalations(ctx, repo.EscalationFilter{
					PhaseInstanceID: phaseID,
					Recipient:       recipient,
					Status:          status,
					Limit:           limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Phase", "Level", "Recipient", "Status", "Created"})
				for _, item := range items {
					tw.AppendRow(table.Row{item.ID, item.PhaseInstanceID, item.Level, item.Recipient, item.Status, item.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&phaseID, "phase", "", "phase instance id")
	cmd.Flags().StringVar(&recipient, "recipient", "", "recipient role")
	cmd.Flags().StringVar(&status, "status", "", "pending or sent")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func escalationTriggerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trigger <phase-id>",
		Short: "Escalate a phase immediately, bypassing the timer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				clock, err := e.SLA.EscalateNow(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(clock)
			})
		},
	}
}

func escalationDispatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch",
		Short: "Deliver pending digests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.SLA.DispatchDigests(ctx, digestSink(e.Config))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"digests_out": n})
			})
		},
	}
}

func logCmd() *cobra.Command {
	logRoot := &cobra.Command{Use: "log", Short: "Event log"}
	logRoot.AddCommand(logTailCmd())
	return logRoot
}

func logTailCmd() *cobra.Command {
	var n int
	var afterID int64
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.ListEvents(ctx, e.Config.Cycle.ID, afterID, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().Int64Var(&afterID, "after", 0, "only events after this id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyDeleteCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (secret shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				raw := make([]byte, 32)
				if _, err := rand.Read(raw); err != nil {
					return err
				}
				secret := "tlk_" + base64.RawURLEncoding.EncodeToString(raw)
				key := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   actor,
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.InsertAPIKey(ctx, tx, key); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"id":       key.ID,
					"actor_id": key.ActorID,
					"name":     key.Name,
					"key":      secret,
				})
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "filter by actor id")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noScanner bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server with the SLA scanner",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("TESTLINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("TESTLINE_JWT_SECRET is required for bearer auth")
			}
			sink := digestSink(cfg)
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg, Sink: sink})
			if err != nil {
				return err
			}
			if !noScanner {
				scanner := sla.NewScanner(e.SLA, sink, log.Default())
				if err := scanner.Start(cmd.Context()); err != nil {
					return err
				}
				defer scanner.Stop()
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Testline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&noScanner, "no-scanner", false, "disable the background SLA scanner")
	return cmd
}

// --- helpers ---

func digestSink(cfg *config.Config) notify.Sink {
	if cfg != nil && len(cfg.Webhooks) > 0 {
		return notify.NewWebhookSink(cfg.Webhooks)
	}
	return notify.LogSink{}
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
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
