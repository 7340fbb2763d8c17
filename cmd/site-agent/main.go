// Command site-agent runs the Waldur site-resident orchestration agent:
// either a polling reconciliation loop for one mode, or the STOMP-driven
// event-processing supervisor, plus a handful of one-shot auxiliary
// commands. CLI shape modeled on cuemby-warren/cmd/warren's cobra root
// command, adapted from that project's container-orchestrator domain to
// this one's marketplace/backend reconciliation domain.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	_ "github.com/waldur/site-agent/internal/backend/fake"
	"github.com/waldur/site-agent/internal/cliops"
	"github.com/waldur/site-agent/internal/config"
	"github.com/waldur/site-agent/internal/diag"
	"github.com/waldur/site-agent/internal/logging"
	"github.com/waldur/site-agent/internal/model"
	"github.com/waldur/site-agent/internal/runner"
)

func main() {
	os.Exit(run())
}

func run() int {
	_ = godotenv.Load() // optional; missing .env is not an error

	root := newRootCommand()
	if err := root.Execute(); err != nil {
		if errors.Is(err, context.Canceled) {
			return 130
		}
		return 1
	}
	return 0
}

func newRootCommand() *cobra.Command {
	var (
		mode       string
		configPath string
		logLevel   string
		logFormat  string
	)

	root := &cobra.Command{
		Use:   "site-agent",
		Short: "Waldur site-resident orchestration agent",
		Long: `site-agent bridges a Waldur marketplace instance and a site backend,
reconciling orders, project membership, and usage reports either by
polling on an interval or by consuming marketplace events over STOMP.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.New(logLevel, logFormat)
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return runLoop(cmd.Context(), cfg, model.AgentMode(mode), logger)
		},
	}

	root.PersistentFlags().StringVarP(&mode, "mode", "m", string(model.ModeOrderProcess),
		"agent mode: order_process, report, membership_sync, event_process")
	root.PersistentFlags().StringVarP(&configPath, "config-file", "c", "waldur-site-agent-config.yaml",
		"path to the agent's YAML configuration file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "json", "log output format (json, text)")

	root.AddCommand(
		newLoadComponentsCommand(&configPath, &logLevel, &logFormat),
		newSyncOfferingUsersCommand(&configPath, &logLevel, &logFormat),
		newSyncResourceLimitsCommand(&configPath, &logLevel, &logFormat),
		newCreateHomedirsCommand(&configPath, &logLevel, &logFormat),
		newDiagnosticsCommand(&mode, &configPath, &logLevel, &logFormat),
	)

	return root
}

// runLoop drives the long-running reconciliation process for mode until a
// shutdown signal arrives. Exit codes: 0 graceful stop, 130 user cancel
// (SIGINT), 1 on any other fatal condition (surfaced via returned error).
func runLoop(ctx context.Context, cfg *config.Config, mode model.AgentMode, logger *logging.Logger) error {
	r, err := runner.Build(cfg, mode, logger)
	if err != nil {
		return fmt.Errorf("build runner: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := r.Start(runCtx); err != nil {
		return fmt.Errorf("start runner: %w", err)
	}

	diagServer := diag.New(string(mode), r.Offerings, r.MarketplaceHealth)
	httpServer := &http.Server{Addr: cfg.DiagnosticsAddr, Handler: diagServer.Router()}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("diagnostics server exited")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGTSTP)

	logger.WithField("mode", mode).WithField("diagnostics_addr", cfg.DiagnosticsAddr).Info("site-agent started")

	var sig os.Signal
	select {
	case sig = <-sigCh:
		logger.WithField("signal", sig.String()).Info("received shutdown signal")
	case <-ctx.Done():
	}

	cancel()
	r.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)

	if sig == syscall.SIGINT {
		return context.Canceled
	}
	return nil
}

func newLoadComponentsCommand(configPath, logLevel, logFormat *string) *cobra.Command {
	return &cobra.Command{
		Use:   "load-components",
		Short: "Create or update offering components in Waldur from the local configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.New(*logLevel, *logFormat)
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return cliops.LoadComponents(cmd.Context(), cfg, logger)
		},
	}
}

func newSyncOfferingUsersCommand(configPath, logLevel, logFormat *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sync-offering-users",
		Short: "Advance REQUESTED offering users and refresh attributes for OK offering users",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.New(*logLevel, *logFormat)
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return cliops.SyncOfferingUsers(cmd.Context(), cfg, logger)
		},
	}
}

func newSyncResourceLimitsCommand(configPath, logLevel, logFormat *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sync-resource-limits",
		Short: "Push backend-observed resource limits back to Waldur",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.New(*logLevel, *logFormat)
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return cliops.SyncResourceLimits(cmd.Context(), cfg, logger)
		},
	}
}

func newCreateHomedirsCommand(configPath, logLevel, logFormat *string) *cobra.Command {
	return &cobra.Command{
		Use:   "create-homedirs",
		Short: "Create home directories for offering users on backends that support it",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.New(*logLevel, *logFormat)
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return cliops.CreateHomedirs(cmd.Context(), cfg, logger)
		},
	}
}

func newDiagnosticsCommand(mode, configPath, logLevel, logFormat *string) *cobra.Command {
	return &cobra.Command{
		Use:   "diagnostics",
		Short: "Check marketplace reachability, offering state, and backend health",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.New(*logLevel, *logFormat)
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return cliops.Diagnostics(cmd.Context(), cfg, model.AgentMode(*mode), logger)
		},
	}
}
