package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jengzang/edna-backend-go/internal/app"
	"github.com/jengzang/edna-backend-go/internal/config"
	"github.com/jengzang/edna-backend-go/internal/logging"
	"github.com/jengzang/edna-backend-go/internal/middleware"
	"github.com/jengzang/edna-backend-go/internal/models"
	"github.com/jengzang/edna-backend-go/internal/service"
)

// cli holds the global flags and the lazily built backend
type cli struct {
	configPath string
	dbPath     string
	verbose    bool

	cfg *config.Config
	log *zap.Logger
	app *app.App
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "ednactl",
		Short:         "eDNA standard-curve synthesis, fitting and residual diagnostics",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			c.close()
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "YAML config file")
	root.PersistentFlags().StringVar(&c.dbPath, "db", "", "sqlite database path (overrides config)")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newSimulateCmd(c),
		newFitCmd(c),
		newResidualsCmd(c),
		newPipelineCmd(c),
		newServeCmd(c),
		newTokenCmd(c),
	)
	return root
}

func (c *cli) init() error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if c.dbPath != "" {
		cfg.DBPath = c.dbPath
	}
	level := cfg.Log.Level
	if c.verbose {
		level = "debug"
	}
	log, err := logging.New(level, "console")
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	c.cfg, c.log = cfg, log
	return nil
}

// backend opens the database and services on first use
func (c *cli) backend(ctx context.Context) (*app.App, error) {
	if c.app != nil {
		return c.app, nil
	}
	a, err := app.New(ctx, c.cfg, c.log)
	if err != nil {
		return nil, err
	}
	c.app = a
	return a, nil
}

func (c *cli) close() {
	if c.app != nil {
		if err := c.app.Close(); err != nil {
			c.log.Warn("close backend", zap.Error(err))
		}
	}
	if c.log != nil {
		_ = c.log.Sync()
	}
}

// runSkill stores a task and runs it on the current goroutine
func (c *cli) runSkill(cmd *cobra.Command, skill string, params any) error {
	ctx := cmd.Context()
	a, err := c.backend(ctx)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	task, err := a.Tasks.SubmitTask(skill, raw, "cli")
	if err != nil {
		return err
	}
	runErr := a.Tasks.RunTask(ctx, task.ID)
	if task, err = a.Tasks.GetTask(task.ID); err != nil {
		return err
	}
	if err := printTask(cmd.OutOrStdout(), task); err != nil {
		return err
	}
	return runErr
}

func printTask(w io.Writer, task *models.AnalysisTask) error {
	out := map[string]any{
		"task_id": task.ID,
		"skill":   task.SkillName,
		"status":  task.Status,
	}
	if task.ResultSummary != "" {
		out["result"] = json.RawMessage(task.ResultSummary)
	}
	if task.ErrorMessage != "" {
		out["error_kind"] = task.ErrorKind
		out["error"] = task.ErrorMessage
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func newSimulateCmd(c *cli) *cobra.Command {
	var (
		seed      uint64
		family    string
		size      float64
		locations int
		export    bool
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Synthesize a calibration table and field samples and store them as a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]any{"export": export}
			if cmd.Flags().Changed("seed") {
				params["seed"] = seed
			}
			if family != "" {
				params["family"] = family
			}
			if cmd.Flags().Changed("size") {
				params["size"] = size
			}
			if cmd.Flags().Changed("locations") {
				field := c.cfg.Synthesis.Field
				field.Locations = locations
				params["field"] = field
			}
			return c.runSkill(cmd, models.SkillSynthesis, params)
		},
	}
	cmd.Flags().Uint64Var(&seed, "seed", 0, "random seed (default from config)")
	cmd.Flags().StringVar(&family, "family", "", "field-sample family: delta_standard_curve, poisson or nbinom2")
	cmd.Flags().Float64Var(&size, "size", 0, "nbinom2 size")
	cmd.Flags().IntVar(&locations, "locations", 0, "number of field samples")
	cmd.Flags().BoolVar(&export, "export", false, "write CSV artifacts")
	return cmd
}

func newFitCmd(c *cli) *cobra.Command {
	var (
		engineName     string
		family         string
		spatial        bool
		spatiotemporal string
	)
	cmd := &cobra.Command{
		Use:   "fit RUN_ID",
		Short: "Fit a model to a stored run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]any{
				"run_id":  args[0],
				"spatial": spatial,
			}
			if engineName != "" {
				params["engine"] = engineName
			}
			if family != "" {
				params["family"] = family
			}
			if spatiotemporal != "" {
				params["spatiotemporal"] = spatiotemporal
			}
			return c.runSkill(cmd, models.SkillFit, params)
		},
	}
	cmd.Flags().StringVar(&engineName, "engine", "", "fitting engine: reference or external (default from config)")
	cmd.Flags().StringVar(&family, "family", "", "observation family (default: the run's)")
	cmd.Flags().BoolVar(&spatial, "spatial", true, "estimate a spatial field")
	cmd.Flags().StringVar(&spatiotemporal, "spatiotemporal", "", "off, iid or ar1")
	return cmd
}

// residualFlags are shared by residuals and pipeline
type residualFlags struct {
	mode         string
	draws        int
	seed         uint64
	fixedEffects bool
	randomFields bool
}

func (f *residualFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.mode, "mode", "simulation", "quantile, mcmc, simulation or joint")
	cmd.Flags().IntVar(&f.draws, "draws", 250, "number of draws")
	cmd.Flags().Uint64Var(&f.seed, "residual-seed", 0, "residual seed (default: the run's seed)")
	cmd.Flags().BoolVar(&f.fixedEffects, "fixed-effects", false, "joint mode: redraw fixed effects")
	cmd.Flags().BoolVar(&f.randomFields, "random-fields", false, "joint mode: redraw the spatial field")
}

func (f *residualFlags) params() map[string]any {
	return map[string]any{
		"mode":          f.mode,
		"draws":         f.draws,
		"seed":          f.seed,
		"fixed_effects": f.fixedEffects,
		"random_fields": f.randomFields,
	}
}

func newResidualsCmd(c *cli) *cobra.Command {
	var flags residualFlags
	cmd := &cobra.Command{
		Use:   "residuals FIT_ID",
		Short: "Compute residual diagnostics for a stored fit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := flags.params()
			params["fit_id"] = args[0]
			return c.runSkill(cmd, models.SkillDiagnostics, params)
		},
	}
	flags.register(cmd)
	return cmd
}

func newPipelineCmd(c *cli) *cobra.Command {
	var (
		seed  uint64
		flags residualFlags
	)
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Run synthesis, fit and diagnostics in sequence",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.backend(cmd.Context())
			if err != nil {
				return err
			}
			synth := map[string]any{}
			if cmd.Flags().Changed("seed") {
				synth["seed"] = seed
			}
			var req service.PipelineRequest
			if req.Synthesis, err = json.Marshal(synth); err != nil {
				return err
			}
			if req.Diagnostics, err = json.Marshal(flags.params()); err != nil {
				return err
			}

			tasks, runErr := a.Tasks.RunPipeline(cmd.Context(), req, "cli")
			for _, t := range tasks {
				if err := printTask(cmd.OutOrStdout(), t); err != nil {
					return err
				}
			}
			return runErr
		},
	}
	cmd.Flags().Uint64Var(&seed, "seed", 0, "synthesis seed (default from config)")
	flags.register(cmd)
	return cmd
}

func newServeCmd(c *cli) *cobra.Command {
	var port string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if port != "" {
				if _, err := strconv.Atoi(port); err == nil {
					port = ":" + port
				}
				c.cfg.Port = port
			}
			a, err := c.backend(cmd.Context())
			if err != nil {
				return err
			}
			return a.Serve(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&port, "port", "", "listen address (overrides config)")
	return cmd
}

func newTokenCmd(c *cli) *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token signed with the configured JWT secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.cfg.JWTSecret == "" {
				return fmt.Errorf("no JWT secret configured (JWT_SECRET)")
			}
			token, err := middleware.IssueToken(c.cfg.JWTSecret, subject, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "cli", "token subject, recorded as created_by")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
