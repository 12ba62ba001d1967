// Package cmd provides the CLI commands for ketorank.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ketolab/ketorank/internal/config"
	kerrors "github.com/ketolab/ketorank/internal/errors"
	"github.com/ketolab/ketorank/internal/logging"
	"github.com/ketolab/ketorank/internal/profiling"
	"github.com/ketolab/ketorank/internal/service"
	"github.com/ketolab/ketorank/pkg/version"
)

// Global flags, rebound by every NewRootCmd call.
var (
	debugMode      bool
	configDir      string
	metricsAddr    string
	loggingCleanup func()

	profileOpts    profiling.Options
	profileSession *profiling.Session
)

// NewRootCmd creates the root command for the ketorank CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ketorank",
		Short: "Hybrid retrieval and answer cache for keto recipes and menus",
		Long: `ketorank retrieves keto recipes and restaurant menu items by fusing
vector, exact, full-text and trigram matches under a named weight profile.

It also keeps a semantic answer cache keyed by normalized query text, so
paraphrased questions can reuse an earlier answer.

Weight profiles are selected with --profile, the KETORANK_WEIGHT_PROFILE
environment variable, or search.profile in the config file.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("ketorank version {{.Version}}\n")

	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging to ~/.ketorank/logs/")
	cmd.PersistentFlags().StringVar(&configDir, "config-dir", ".", "Directory searched for "+config.ProjectConfigName)
	cmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Override server.metrics_addr")

	cmd.PersistentFlags().StringVar(&profileOpts.CPU, "profile-cpu", "", "Write CPU profile to file")
	cmd.PersistentFlags().StringVar(&profileOpts.Heap, "profile-mem", "", "Write memory profile to file")
	cmd.PersistentFlags().StringVar(&profileOpts.Trace, "profile-trace", "", "Write execution trace to file")

	cmd.PersistentPreRunE = startProfilingAndLogging
	cmd.PersistentPostRunE = stopProfilingAndLogging

	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newIndexCmd())
	cmd.AddCommand(newCacheCmd())
	cmd.AddCommand(newProfilesCmd())
	cmd.AddCommand(newMetricsCmd())
	cmd.AddCommand(newDoctorCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func startProfilingAndLogging(_ *cobra.Command, _ []string) error {
	if debugMode {
		if err := startDebugLogging(); err != nil {
			return err
		}
	}
	if profileOpts.Enabled() {
		s, err := profiling.Start(profileOpts)
		if err != nil {
			return err
		}
		profileSession = s
	}
	return nil
}

func startDebugLogging() error {
	logger, cleanup, err := logging.Setup(logging.DebugConfig())
	if err != nil {
		return fmt.Errorf("failed to setup debug logging: %w", err)
	}
	loggingCleanup = cleanup
	slog.SetDefault(logger)
	slog.Info("debug_logging_enabled",
		slog.String("log_file", logging.DefaultLogPath()),
		slog.String("version", version.Version))
	return nil
}

func stopProfilingAndLogging(_ *cobra.Command, _ []string) error {
	if profileSession != nil {
		err := profileSession.Stop()
		profileSession = nil
		if err != nil {
			return err
		}
	}
	if loggingCleanup != nil {
		slog.Info("debug_logging_stopped")
		loggingCleanup()
		loggingCleanup = nil
	}
	return nil
}

// Execute runs the root command and prints failures in CLI form.
func Execute() error {
	err := NewRootCmd().Execute()
	if err != nil {
		fmt.Fprint(os.Stderr, kerrors.FormatForCLI(err))
	}
	return err
}

// loadConfig resolves the effective configuration and, outside debug mode,
// installs a stderr logger at server.log_level.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configDir)
	if err != nil {
		return nil, kerrors.ConfigError("failed to load configuration", err)
	}
	if metricsAddr != "" {
		cfg.Server.MetricsAddr = metricsAddr
	}
	if !debugMode {
		logCfg := logging.DefaultConfig()
		logCfg.Level = cfg.Server.LogLevel
		if logger, _, err := logging.Setup(logCfg); err == nil {
			slog.SetDefault(logger)
		}
	}
	return cfg, nil
}

// openService loads configuration and opens every store it names.
func openService(ctx context.Context) (*service.Service, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	svc, err := service.New(ctx, cfg, service.Options{})
	if err != nil {
		return nil, nil, err
	}
	return svc, cfg, nil
}
