package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"drover/internal/background"
	"drover/internal/bus"
	"drover/internal/config"
	"drover/internal/logging"
	"drover/internal/observability"
	"drover/internal/server"
	"drover/internal/sessionlog"
)

const shutdownTimeout = 10 * time.Second

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	rootCmd := &cobra.Command{
		Use:   "drover",
		Short: "Background task daemon for agent sessions",
		Long: `drover runs shell commands and delegated subagent runs in the
background on behalf of agent sessions, tracks results per session, and
streams task lifecycle events to subscribers.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Debug mode")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon (the default when no command is given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(newConfigCommand(&configPath))
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

func newConfigCommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "drover.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.WriteDefault(path); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	})

	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("drover %s\n", version)
		},
	}
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if debug {
		cfg.Observability.Logging.Level = "debug"
	}

	obsLogger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Observability.Logging.Level,
		Format: cfg.Observability.Logging.Format,
	})
	logging.SetDefault(obsLogger)
	logger := logging.FromObservabilityWithComponent(obsLogger, "main")

	metrics, err := observability.NewMetricsCollector(cfg.Observability.Metrics)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	tracer, err := observability.NewTracerProvider(cfg.Observability.Tracing)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	eventBus := bus.New(logging.FromObservabilityWithComponent(obsLogger, "bus"))

	// No subagent factory is wired here; embedders inject one through
	// background.Options. Spawning subagents without it reports
	// ErrNoSubagentFactory.
	manager := background.NewManager(background.Options{
		BashTimeout:         cfg.Tasks.BashTimeout,
		HistoryCap:          cfg.Tasks.HistoryCap,
		SubagentMaxTurns:    cfg.Tasks.SubagentMaxTurns,
		SubagentOutputLimit: cfg.Tasks.SubagentOutputLimit,
		Logger:              logging.FromObservabilityWithComponent(obsLogger, "background"),
		Publisher:           eventBus,
		Sessions:            sessionlog.NewStore(),
		Metrics:             metrics,
		Tracer:              tracer,
	})

	srv := server.New(server.Options{
		Config:       cfg.Server,
		Orchestrator: manager,
		Bus:          eventBus,
		Logger:       logging.FromObservabilityWithComponent(obsLogger, "server"),
		Metrics:      metrics,
		Tracer:       tracer,
		SessionRoot:  cfg.Tasks.SessionRoot,
		Debug:        debug,
	})

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(srv.Start)
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Stop taking requests first, then drain tasks, then flush
		// telemetry.
		if err := srv.Stop(shutdownCtx); err != nil {
			logger.Warn("server shutdown: %v", err)
		}
		if err := manager.Shutdown(shutdownCtx); err != nil {
			logger.Warn("manager shutdown: %v", err)
		}
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown: %v", err)
		}
		if err := metrics.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown: %v", err)
		}
		return nil
	})

	logger.Info("drover %s starting on %s", version, cfg.Server.Addr())
	if err := group.Wait(); err != nil {
		return err
	}
	logger.Info("drover stopped")
	return nil
}
