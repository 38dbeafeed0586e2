package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"coordline/internal/app"
	"coordline/internal/config"
	"coordline/internal/db"
	"coordline/internal/domain"
	"coordline/internal/logx"
	"coordline/internal/repo"
	"coordline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "coord",
	Short: "Coordline CLI",
	Long: `Coordline coordinates pluggable modules through decisions, role lifecycles and staged workflows.
- Modules: units registered with the engine (context, plan, confirm, trace, role, collab); each has a status of idle, initialized, running or error.
- Decisions: participants vote with simple_voting, weighted_voting, consensus or delegation.
- Roles: created by the role module with the static, dynamic, template_based or ai_generated strategy.
- Workflows: stages run in order or in parallel with per-stage timeouts and retries.
- Event log: every coordination event, view with 'coord log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("COORD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/coordline.yml)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(decideCmd())
	rootCmd.AddCommand(roleCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create coordline.yml and the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				out := map[string]string{"config": path, "database": db.Path(workspace)}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Wrote %s\nDatabase at %s\n", path, db.Path(workspace))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.ResolveConfig(viper.GetString("workspace"), viper.GetString("config"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	})
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := app.ResolveConfig(viper.GetString("workspace"), viper.GetString("config")); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	return cfgCmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Initialize modules and show their status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				report := a.Engine.StatusReport()
				missing := a.Engine.ValidateRegistration()
				if viper.GetBool("json") {
					return printJSON(map[string]any{"modules": report, "missing_modules": missing})
				}
				names := make([]string, 0, len(report))
				for n := range report {
					names = append(names, n)
				}
				sort.Strings(names)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Module", "Status", "Errors", "Last Execution", "Last Error"})
				for _, n := range names {
					d := report[n]
					last := ""
					if d.LastExecution != nil {
						last = d.LastExecution.Format(time.RFC3339)
					}
					tw.AppendRow(table.Row{d.Name, d.Status, d.ErrorCount, last, d.LastError})
				}
				tw.Render()
				if len(missing) > 0 {
					fmt.Printf("Missing required modules: %s\n", strings.Join(missing, ", "))
				}
				return nil
			})
		},
	}
}

func decideCmd() *cobra.Command {
	var req domain.DecisionRequest
	var strategy string
	var threshold float64
	var weights, ballots map[string]string
	cmd := &cobra.Command{
		Use:   "decide",
		Short: "Coordinate a decision among participants",
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Strategy = domain.Strategy(strategy)
			if cmd.Flags().Changed("threshold") {
				req.Parameters.Threshold = &threshold
			}
			if len(weights) > 0 {
				req.Parameters.Weights = map[string]float64{}
				for p, raw := range weights {
					w, err := strconv.ParseFloat(raw, 64)
					if err != nil {
						return fmt.Errorf("weight for %s: %w", p, err)
					}
					req.Parameters.Weights[p] = w
				}
			}
			if len(ballots) > 0 {
				req.Parameters.Ballots = map[string]domain.Vote{}
				for p, v := range ballots {
					req.Parameters.Ballots[p] = domain.Vote(v)
				}
			}
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.CoordinateDecision(ctx, req)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Decision %s (%s): %s", res.DecisionID, res.Strategy, res.Result)
				if res.Strategy == domain.Consensus {
					fmt.Printf(", consensus reached: %t", res.ConsensusReached)
				}
				fmt.Println()
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Participant", "Vote"})
				for _, p := range req.Participants {
					tw.AppendRow(table.Row{p, res.ParticipantsVotes[p]})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&req.ContextID, "context", "", "context id")
	cmd.Flags().StringSliceVar(&req.Participants, "participants", nil, "participant ids")
	cmd.Flags().StringVar(&strategy, "strategy", string(domain.SimpleVoting), "simple_voting|weighted_voting|consensus|delegation")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "consensus threshold in (0,1]")
	cmd.Flags().StringVar(&req.Parameters.Delegate, "delegate", "", "delegate participant")
	cmd.Flags().StringToStringVar(&weights, "weight", nil, "participant=weight")
	cmd.Flags().StringToStringVar(&ballots, "ballot", nil, "participant=approve|reject")
	_ = cmd.MarkFlagRequired("context")
	return cmd
}

func roleCmd() *cobra.Command {
	r := &cobra.Command{Use: "role", Short: "Role lifecycle"}
	r.AddCommand(roleCreateCmd())
	r.AddCommand(roleListCmd())
	return r
}

func roleCreateCmd() *cobra.Command {
	var req domain.LifecycleRequest
	var strategy string
	var criteria map[string]string
	var skills []string
	var expertise int
	var learning bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a role through lifecycle coordination",
		RunE: func(cmd *cobra.Command, args []string) error {
			req.CreationStrategy = domain.CreationStrategy(strategy)
			if len(criteria) > 0 {
				req.Parameters.GenerationCriteria = map[string]any{}
				for k, v := range criteria {
					req.Parameters.GenerationCriteria[k] = v
				}
			}
			if len(skills) > 0 || cmd.Flags().Changed("expertise") || learning {
				req.CapabilityManagement = &domain.CapabilityManagement{
					Skills:          skills,
					ExpertiseLevel:  expertise,
					LearningEnabled: learning,
				}
			}
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.CoordinateLifecycle(ctx, req)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Role %s created in %s\n", res.RoleID, res.ContextID)
				fmt.Printf("Capabilities: %s\n", strings.Join(res.Capabilities, ", "))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&req.ContextID, "context", "", "context id")
	cmd.Flags().StringVar(&strategy, "strategy", string(domain.StaticCreation), "static|dynamic|template_based|ai_generated")
	cmd.Flags().StringVar(&req.Parameters.RoleName, "name", "", "role name")
	cmd.Flags().StringSliceVar(&req.Parameters.CreationRules, "rule", nil, "creation rule (dynamic), e.g. write_access")
	cmd.Flags().StringVar(&req.Parameters.TemplateID, "template-id", "", "template id (template_based)")
	cmd.Flags().StringVar(&req.Parameters.TemplateSource, "template-source", "", "template source (template_based)")
	cmd.Flags().StringToStringVar(&criteria, "criteria", nil, "generation criteria key=value (ai_generated)")
	cmd.Flags().StringSliceVar(&skills, "skill", nil, "skill")
	cmd.Flags().IntVar(&expertise, "expertise", 1, "expertise level 1-10")
	cmd.Flags().BoolVar(&learning, "learning", false, "enable adaptive learning")
	_ = cmd.MarkFlagRequired("context")
	return cmd
}

func roleListCmd() *cobra.Command {
	var contextID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List roles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				roles, err := r.ListRoles(ctx, contextID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(roles)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Context", "Name", "Classification", "Strategy", "Capabilities"})
				for _, role := range roles {
					tw.AppendRow(table.Row{role.ID, role.ContextID, role.Name, role.Classification, role.Strategy, strings.Join(role.Capabilities, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&contextID, "context", "", "context filter")
	return cmd
}

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{Use: "workflow", Short: "Staged workflows"}
	wf.AddCommand(workflowRunCmd())
	wf.AddCommand(workflowListCmd())
	return wf
}

func workflowRunCmd() *cobra.Command {
	var contextID, mode string
	var stages []string
	var timeoutMS, retries, delayMS int
	var continueOnError bool
	cmd := &cobra.Command{
		Use:   "run [name]",
		Short: "Run a named workflow or an ad hoc stage list",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				var wf domain.ExtendedWorkflowConfig
				if len(args) == 1 {
					named, ok := a.Engine.Config.Workflows[args[0]]
					if !ok {
						return fmt.Errorf("unknown workflow %q", args[0])
					}
					wf = named
				}
				flags := cmd.Flags()
				if flags.Changed("stages") {
					wf.Stages = stages
				}
				if flags.Changed("mode") {
					wf.ExecutionMode = domain.ExecutionMode(mode)
				}
				if flags.Changed("timeout-ms") {
					wf.TimeoutMS = timeoutMS
				}
				if flags.Changed("retries") || flags.Changed("delay-ms") {
					policy := domain.RetryPolicy{MaxRetries: retries, DelayMS: delayMS}
					if wf.RetryPolicy != nil {
						if !flags.Changed("retries") {
							policy.MaxRetries = wf.RetryPolicy.MaxRetries
						}
						if !flags.Changed("delay-ms") {
							policy.DelayMS = wf.RetryPolicy.DelayMS
						}
					}
					wf.RetryPolicy = &policy
				}
				if flags.Changed("continue-on-error") {
					wf.ContinueOnError = continueOnError
				}
				res, err := a.Engine.ExecuteExtendedWorkflow(ctx, contextID, wf)
				if err != nil {
					return err
				}
				logx.FromContext(ctx).Info("workflow finished", "execution_id", res.ExecutionID, "status", string(res.Status))
				if viper.GetBool("json") {
					if err := printJSON(res); err != nil {
						return err
					}
				} else {
					printWorkflow(res)
				}
				if res.Status == domain.WorkflowFailed {
					return errors.New(res.Error)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&contextID, "context", "", "context id")
	cmd.Flags().StringSliceVar(&stages, "stages", nil, "stage names")
	cmd.Flags().StringVar(&mode, "mode", "", "sequential|parallel")
	cmd.Flags().IntVar(&timeoutMS, "timeout-ms", 0, "per-stage timeout in milliseconds")
	cmd.Flags().IntVar(&retries, "retries", 0, "max retries per stage")
	cmd.Flags().IntVar(&delayMS, "delay-ms", 0, "delay between retries in milliseconds")
	cmd.Flags().BoolVar(&continueOnError, "continue-on-error", false, "keep running sequential stages after a failure")
	_ = cmd.MarkFlagRequired("context")
	return cmd
}

func workflowListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List named workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.ResolveConfig(viper.GetString("workspace"), viper.GetString("config"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg.Workflows)
			}
			names := make([]string, 0, len(cfg.Workflows))
			for n := range cfg.Workflows {
				names = append(names, n)
			}
			sort.Strings(names)
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Name", "Stages", "Mode", "Decision", "Lifecycle"})
			for _, n := range names {
				wf := cfg.Workflows[n]
				decision, lifecycle := "", ""
				if wf.Decision != nil {
					decision = string(wf.Decision.Strategy)
				}
				if wf.Lifecycle != nil {
					lifecycle = string(wf.Lifecycle.CreationStrategy)
				}
				tw.AppendRow(table.Row{n, strings.Join(wf.Stages, ","), wf.ExecutionMode, decision, lifecycle})
			}
			tw.Render()
			return nil
		},
	}
}

func printWorkflow(res domain.WorkflowResult) {
	fmt.Printf("Workflow %s: %s (%dms)\n", res.ExecutionID, res.Status, res.TotalDurationMS)
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Stage", "Status", "Attempts", "Duration (ms)", "Error"})
	for _, st := range res.Stages {
		tw.AppendRow(table.Row{st.Stage, st.Status, st.Attempts, st.DurationMS, st.Error})
	}
	tw.Render()
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every coordination event recorded in the workspace: decisions, roles, stages and module lifecycle.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Seq", "Time", "Type", "Context", "Stage"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.Seq, e.TS, e.Type, e.ContextID, e.Stage})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.ContextID, "context", "", "context filter")
	cmd.Flags().StringVar(&f.Stage, "stage", "", "stage filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the operator HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				handler, err := server.New(server.Config{
					Engine:      a.Engine,
					Repo:        a.Repo,
					BasePath:    basePath,
					Auth:        server.AuthConfig{JWTSecret: viper.GetString("jwt-secret")},
					Log:         a.Log,
					FlushEvents: a.FlushEvents,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Coordline API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().String("jwt-secret", "", "HS256 secret enabling bearer auth (env COORD_JWT_SECRET)")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, initialize bool, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
	})
	if err != nil {
		return err
	}
	defer a.Close()
	ctx = logx.WithLogger(ctx, a.Log)
	if initialize {
		if err := a.Engine.Initialize(ctx); err != nil {
			return err
		}
	}
	return fn(ctx, a)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	return withApp(ctx, false, func(ctx context.Context, a *app.App) error {
		return fn(ctx, a.Repo)
	})
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
