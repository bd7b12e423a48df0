package main

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/SanjoDeundiak/flame-shooter/pkg/lib"
	"github.com/SanjoDeundiak/flame-shooter/pkg/lib/config"
	"github.com/SanjoDeundiak/flame-shooter/pkg/lib/dispatcher"
	"github.com/SanjoDeundiak/flame-shooter/pkg/lib/orchestrator"
	"github.com/SanjoDeundiak/flame-shooter/pkg/lib/render"
	"github.com/SanjoDeundiak/flame-shooter/pkg/lib/runner"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type rootOptions struct {
	configPath string
	logLevel   string
	logFile    string
	shots      int
	seed       int64
	cooldown   time.Duration
	noRender   bool
	report     bool
}

func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "shooter [flags] -- <server> [args...]",
		Short:         "Profile a server under seeded HTTP load and render a flame graph",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) < 1 {
				return errors.New("server command is required; use -- to separate flags from the command")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, lib.NewCommand(args...), cmd.OutOrStdout(), opts.report)
		},
	}

	flags := root.Flags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "run configuration file (.toml or .yaml)")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn or error")
	flags.StringVar(&opts.logFile, "log-file", "", "write logs to this file instead of stderr")
	flags.IntVarP(&opts.shots, "shots", "n", config.DefaultShots, "number of requests to fire")
	flags.Int64Var(&opts.seed, "seed", config.DefaultSeed, "seed of the endpoint selection")
	flags.DurationVar(&opts.cooldown, "cooldown", config.DefaultCooldown, "pause after every request")
	flags.BoolVar(&opts.noRender, "no-render", false, "keep the raw profile and skip rendering")
	flags.BoolVar(&opts.report, "report", false, "print a run summary after the markers")

	return root
}

// loadConfig reads the configuration file, if any, and applies the flags
// that were set explicitly on top of it.
func (opts *rootOptions) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		var err error
		if cfg, err = config.Load(opts.configPath); err != nil {
			return nil, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("shots") {
		cfg.Shots = opts.shots
	}
	if flags.Changed("seed") {
		cfg.Seed = opts.seed
	}
	if flags.Changed("cooldown") {
		cfg.Cooldown = opts.cooldown
	}
	if opts.noRender {
		cfg.Render.Disabled = true
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = strings.ToLower(strings.TrimSpace(opts.logLevel))
	}
	if flags.Changed("log-file") {
		cfg.Log.File = opts.logFile
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *config.Config, server lib.Command, out io.Writer, withReport bool) error {
	logger, err := initLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	r := runner.NewRunner(runner.WithLogger(logger), runner.WithStopTimeout(cfg.Server.StopTimeout))
	// profiler stderr is kept so an early exit can be reported with it
	mirrored := []string{orchestrator.ProfilerName}
	if cfg.Server.CaptureOutput {
		mirrored = append(mirrored, orchestrator.ServerName)
	}
	procs := orchestrator.NewRunnerProcesses(r, logger, mirrored...)

	shooter, err := dispatcher.New(dispatcher.Config{
		Seed:           cfg.Seed,
		Shots:          cfg.Shots,
		Cooldown:       cfg.Cooldown,
		RandomLimit:    cfg.RandomLimit,
		RequestTimeout: cfg.RequestTimeout,
		Endpoints:      cfg.Endpoints,
	}, dispatcher.WithLogger(logger))
	if err != nil {
		return err
	}

	var renderer orchestrator.Renderer
	if !cfg.Render.Disabled {
		pipeline, err := render.New(r, cfg.Render.Stages, render.WithLogger(logger))
		if err != nil {
			return err
		}
		renderer = pipeline
	}

	o, err := orchestrator.New(cfg, procs, shooter, renderer,
		orchestrator.WithOutput(out),
		orchestrator.WithLogger(logger))
	if err != nil {
		return err
	}
	logger.Info("starting run",
		zap.String("run", o.RunID()),
		zap.String("server", server.String()),
		zap.Int64("seed", cfg.Seed),
		zap.Int("shots", cfg.Shots))

	report, err := o.Run(ctx, server)
	if withReport {
		printReport(out, report, shooter.Endpoints())
	}
	return err
}
