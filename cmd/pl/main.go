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

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"phaseline/internal/app"
	"phaseline/internal/config"
	"phaseline/internal/db"
	"phaseline/internal/domain"
	"phaseline/internal/migrate"
	"phaseline/internal/repo"
	"phaseline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "pl",
	Short: "Phaseline CLI",
	Long: `Phaseline moves projects through a fixed delivery lifecycle.
Core concepts:
- Workspace: your .phaseline directory holding only the database; configs live in the DB and are imported explicitly.
- Phases: payment_pending -> payment_completed -> preparation -> kickoff_ready -> pm_assigned -> kickoff_scheduled -> kickoff_completed -> in_progress -> review -> completed -> closed. Strictly forward, no skipping backwards.
- Triggers: payments and completed meetings advance phases automatically when a rule matches; manual transitions are requested explicitly and may need approval.
- Rules: the config rule table says which trigger moves which phase where, and whether a human must sign off first.
- Approvals: gated transitions wait as approval requests; approve or reject them with 'pl transition approve/reject'.
- Sync: the coordinator deduplicates events bouncing between the engine and the calendar so neither side loops.
- Event log: diary of everything that happened, view with 'pl log tail'.`,
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
	viper.SetEnvPrefix("PHASELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(triggerCmd())
	rootCmd.AddCommand(transitionCmd())
	rootCmd.AddCommand(meetingCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectUseCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Phase", "Updated"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Phase, p.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func projectCreateCmd() *cobra.Command {
	var id, name, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				now := time.Now().UTC().Format(time.RFC3339)
				p := domain.Project{
					ID:          id,
					Name:        name,
					Phase:       domain.PhasePaymentPending,
					Description: desc,
					CreatedAt:   now,
					UpdatedAt:   now,
				}
				if err := r.InsertProject(ctx, p); err != nil {
					return err
				}
				if err := r.UpsertProjectConfig(ctx, id, config.Default(id)); err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				p, err := rt.Repo.GetProject(ctx, rt.Config.Project.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func projectUseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "use <id>",
		Short: "Set current project for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := strings.TrimSpace(args[0])
			if projectID == "" {
				return fmt.Errorf("project id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "PHASELINE_PROJECT", projectID); err != nil {
				return err
			}
			fmt.Printf("Set PHASELINE_PROJECT=%s in %s/.env\n", projectID, workspace)
			return nil
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect project config",
		Long:  "Config is the rulebook (stored in DB): the transition rule table plus the sync and webhook settings. Import from phaseline.yml if desired.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configImportCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show project config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				return printJSONOrTable(rt.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				return rt.Config.Validate()
			})
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import project config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				projectID := cfg.Project.ID
				if override := viper.GetString("project"); override != "" {
					projectID = override
					cfg.Project.ID = override
				}
				if err := r.UpsertProjectConfig(ctx, projectID, cfg); err != nil {
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

func configInitCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default phaseline.yml to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			path := config.Path(viper.GetString("workspace"))
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
	cmd.Flags().StringVar(&id, "id", "", "project id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show project status",
		Long:  "See where the project stands: current phase, pending approvals, and which transitions are available next.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				projectID := rt.Config.Project.ID
				p, err := rt.Repo.GetProject(ctx, projectID)
				if err != nil {
					return err
				}
				automatic, manual, err := rt.Engine.AvailableTransitions(ctx, projectID)
				if err != nil {
					return err
				}
				pending := rt.Engine.PendingApprovals()
				out := map[string]any{
					"project_id":        p.ID,
					"phase":             p.Phase,
					"pending_approvals": len(pending),
					"automatic":         automatic,
					"manual":            manual,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Project: %s (phase: %s)\n", p.ID, p.Phase)
				fmt.Printf("Pending approvals: %d\n", len(pending))
				fmt.Println("Next transitions:")
				for _, r := range automatic {
					fmt.Printf("  %s -> %s (on %s)\n", r.From, r.To, r.Trigger)
				}
				for _, r := range manual {
					gate := ""
					if r.RequiresApproval {
						gate = ", needs approval"
					}
					fmt.Printf("  %s -> %s (manual%s)\n", r.From, r.To, gate)
				}
				return nil
			})
		},
	}
	return cmd
}

func triggerCmd() *cobra.Command {
	trg := &cobra.Command{
		Use:   "trigger",
		Short: "Report external events",
		Long:  "Triggers feed the engine: report a completed payment or meeting and the matching rule (if any) advances the phase. No match means the event is recorded as dropped, not an error.",
	}
	trg.AddCommand(triggerPaymentCmd())
	trg.AddCommand(triggerMeetingCmd())
	return trg
}

func triggerPaymentCmd() *cobra.Command {
	var paymentID, currency string
	var amount float64
	cmd := &cobra.Command{
		Use:   "payment",
		Short: "Report a completed payment",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				projectID := rt.Config.Project.ID
				payment := domain.PaymentRecord{
					ID:        paymentID,
					ProjectID: projectID,
					Amount:    amount,
					Currency:  currency,
				}
				evt, err := rt.Engine.TriggerPaymentCompleted(ctx, projectID, payment)
				if err != nil {
					return err
				}
				if evt == nil {
					fmt.Println("no applicable rule; payment recorded and dropped")
					return nil
				}
				return printJSONOrTable(evt)
			})
		},
	}
	cmd.Flags().StringVar(&paymentID, "payment-id", "", "payment id")
	cmd.Flags().Float64Var(&amount, "amount", 0, "amount")
	cmd.Flags().StringVar(&currency, "currency", "", "currency code")
	_ = cmd.MarkFlagRequired("payment-id")
	return cmd
}

func triggerMeetingCmd() *cobra.Command {
	var meetingType, calendarEventID, date, outcomes, nextSteps string
	var attendees []string
	cmd := &cobra.Command{
		Use:   "meeting",
		Short: "Report a completed meeting",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				projectID := rt.Config.Project.ID
				when := date
				if when == "" {
					when = time.Now().UTC().Format(time.RFC3339)
				}
				meeting := domain.GuideMeetingRecord{
					ID:              newMeetingID(),
					ProjectID:       projectID,
					Type:            meetingType,
					CalendarEventID: calendarEventID,
					Date:            when,
					Attendees:       attendees,
					Outcomes:        outcomes,
					NextSteps:       nextSteps,
				}
				if err := rt.Repo.InsertMeeting(ctx, meeting); err != nil {
					return err
				}
				evt, err := rt.Engine.TriggerMeetingCompleted(ctx, projectID, meeting, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if evt == nil {
					fmt.Println("no applicable rule; meeting recorded, phase unchanged")
					return nil
				}
				return printJSONOrTable(evt)
			})
		},
	}
	cmd.Flags().StringVar(&meetingType, "type", "", "meeting type (kickoff, review, ...)")
	cmd.Flags().StringVar(&calendarEventID, "calendar-event-id", "", "calendar event id")
	cmd.Flags().StringVar(&date, "date", "", "meeting date (RFC3339, default now)")
	cmd.Flags().StringArrayVar(&attendees, "attendee", []string{}, "attendee (repeatable)")
	cmd.Flags().StringVar(&outcomes, "outcomes", "", "meeting outcomes")
	cmd.Flags().StringVar(&nextSteps, "next-steps", "", "next steps")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func transitionCmd() *cobra.Command {
	tr := &cobra.Command{
		Use:   "transition",
		Short: "Manage phase transitions",
		Long:  "Request manual transitions, decide gated ones, and inspect the append-only history.",
	}
	tr.AddCommand(transitionRequestCmd())
	tr.AddCommand(transitionApproveCmd())
	tr.AddCommand(transitionRejectCmd())
	tr.AddCommand(transitionListCmd())
	tr.AddCommand(transitionAvailableCmd())
	tr.AddCommand(transitionApprovalsCmd())
	return tr
}

func transitionRequestCmd() *cobra.Command {
	var from, to, reason string
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Request a manual transition",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				evt, err := rt.Engine.RequestManualTransition(ctx, rt.Config.Project.ID,
					domain.Phase(from), domain.Phase(to), viper.GetString("actor-id"), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(evt)
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "current phase")
	cmd.Flags().StringVar(&to, "to", "", "target phase")
	cmd.Flags().StringVar(&reason, "reason", "", "reason")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func transitionApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <approval-id>",
		Short: "Approve a gated transition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				ok, err := rt.Engine.ApproveTransition(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("approval %s is not pending", args[0])
				}
				fmt.Println("approved")
				return nil
			})
		},
	}
	return cmd
}

func transitionRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <approval-id>",
		Short: "Reject a gated transition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				ok, err := rt.Engine.RejectTransition(ctx, args[0], viper.GetString("actor-id"), reason)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("approval %s is not pending", args[0])
				}
				fmt.Println("rejected")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	return cmd
}

func transitionListCmd() *cobra.Command {
	var status, trigger string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Transition history",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Repo.ListTransitions(ctx, repo.TransitionFilters{
					ProjectID: rt.Config.Project.ID,
					Status:    status,
					Trigger:   trigger,
					Limit:     limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "From", "To", "Trigger", "Status", "Created"})
				for _, evt := range items {
					tw.AppendRow(table.Row{evt.ID, evt.From, evt.To, evt.Trigger, evt.Status, evt.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&trigger, "trigger", "", "trigger filter")
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows (0 = all)")
	return cmd
}

func transitionAvailableCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "available",
		Short: "Transitions leaving the current phase",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				automatic, manual, err := rt.Engine.AvailableTransitions(ctx, rt.Config.Project.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"automatic": automatic, "manual": manual})
			})
		},
	}
	return cmd
}

func transitionApprovalsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "Pending approval requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items := rt.Engine.PendingApprovals()
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Event", "Requested by", "Requested at", "Reason"})
				for _, req := range items {
					tw.AppendRow(table.Row{req.ID, req.EventID, req.RequestedBy, req.RequestedAt, req.Reason})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func meetingCmd() *cobra.Command {
	m := &cobra.Command{Use: "meeting", Short: "Inspect recorded meetings"}
	m.AddCommand(meetingListCmd())
	return m
}

func meetingListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List meetings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Repo.ListMeetings(ctx, rt.Config.Project.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func statsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Transition statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				s := rt.Engine.Stats()
				if viper.GetBool("json") {
					return printJSON(s)
				}
				fmt.Printf("Total: %d  Completed: %d  Failed: %d  Rejected: %d  Pending: %d\n",
					s.Total, s.Completed, s.Failed, s.Rejected, s.Pending)
				fmt.Printf("Success rate: %.0f%%\n", s.SuccessRate*100)
				for trigger, n := range s.ByTrigger {
					fmt.Printf("  %s: %d\n", trigger, n)
				}
				return nil
			})
		},
	}
	return cmd
}

func syncCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "sync",
		Short: "Event coordinator",
		Long:  "The coordinator sits between the engine and the calendar subsystem, deduplicating and batching events so updates don't ping-pong forever.",
	}
	s.AddCommand(syncStatusCmd())
	return s
}

func syncStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Coordinator settings and counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				out := map[string]any{"enabled": rt.Coordinator != nil}
				if rt.Coordinator != nil {
					settings := rt.Coordinator.Settings()
					out["direction"] = settings.Direction
					out["conflict_resolution"] = settings.ConflictResolution
					out["stats"] = rt.Coordinator.GetStats()
				}
				return printJSONOrTable(out)
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: transitions, approvals, sync pushes, and more.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				events, err := rt.Repo.LatestEvents(ctx, n, rt.Config.Project.ID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveProjectAndConfig(cmd.Context(), viper.GetString("project"), r)
			if err != nil {
				return err
			}
			rt, err := app.Build(cmd.Context(), conn, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("PHASELINE_JWT_SECRET")}
			handler, err := server.New(server.Config{
				Engine:      rt.Engine,
				Coordinator: rt.Coordinator,
				Repo:        rt.Repo,
				Conf:        cfg,
				BasePath:    basePath,
				Auth:        authCfg,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Phaseline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
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
	_, cfg, err := app.ResolveProjectAndConfig(ctx, viper.GetString("project"), r)
	if err != nil {
		return err
	}
	rt, err := app.Build(ctx, conn, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
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

func newMeetingID() string {
	return "meeting-" + uuid.New().String()
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
