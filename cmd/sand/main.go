package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/terrpan/sand/internal/buildinfo"
	"github.com/terrpan/sand/internal/config"
	"github.com/terrpan/sand/internal/doctor"
	"github.com/terrpan/sand/internal/orchestrator"
	"github.com/terrpan/sand/internal/supervisor"
)

var (
	cfgPath       string
	verbosity     int
	flagOverrides config.Config
)

// errIssues is returned after validation issues were already printed.
var errIssues = errors.New("configuration has errors")

func main() {
	if err := rootCmd.Execute(); err != nil {
		var sigErr *supervisor.SignalError
		if errors.As(err, &sigErr) {
			os.Exit(sigErr.ExitCode())
		}
		if !errors.Is(err, errIssues) {
			fmt.Fprintf(os.Stderr, "%v\n", err)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sand",
	Short: "Ephemeral Tart VM runner orchestrator",
	Long: `sand keeps a fixed set of runners cycling through fresh Tart VMs:
clone, boot, provision, destroy, repeat.  Each runner either runs an
inline script or registers the guest as an ephemeral GitHub Actions
runner.

Configuration is read from a YAML file (--config) with optional CLI
flag overrides for logging.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run every configured runner until stopped",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		return validate(cmd)
	},
}

var destroyCmd = &cobra.Command{
	Use:   "destroy",
	Short: "Stop and delete the VM of every configured runner",
	RunE: func(cmd *cobra.Command, args []string) error {
		return destroy(cmd.Context())
	},
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that this host can run sand",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, closer, err := loggerFor(&config.Config{})
		if err != nil {
			return err
		}
		defer closer.Close()

		d := &doctor.Doctor{
			ConfigPath: config.ExpandPath(cfgPath),
			Tart:       config.NewDriver(logger),
			Out:        cmd.ErrOrStderr(),
		}
		if doctor.Report(cmd.ErrOrStderr(), d.Check(cmd.Context())) {
			return errIssues
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "sand", buildinfo.String())
	},
}

func init() {
	f := rootCmd.PersistentFlags()

	// Config file
	f.StringVarP(&cfgPath, "config", "c", config.DefaultPath, "Path to YAML configuration file")

	// Logging overrides
	f.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	f.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json)")
	f.StringVar(&flagOverrides.Logging.File, "log-file", "", "Also append logs to this file")
	f.CountVarP(&verbosity, "verbose", "v", "Increase verbosity (-v for debug)")

	// Metrics override
	runCmd.Flags().StringVar(&flagOverrides.Metrics.Listen, "metrics-listen", "", "Serve /healthz and /metrics on this address")

	rootCmd.AddCommand(runCmd, validateCmd, destroyCmd, doctorCmd, versionCmd)
}

// applyFlagOverrides merges non-zero CLI flag values into the loaded config.
func applyFlagOverrides(cfg *config.Config) {
	if verbosity > 0 {
		cfg.Logging.Level = "debug"
	}
	if flagOverrides.Logging.Level != "" {
		cfg.Logging.Level = flagOverrides.Logging.Level
	}
	if flagOverrides.Logging.Format != "" {
		cfg.Logging.Format = flagOverrides.Logging.Format
	}
	if flagOverrides.Logging.File != "" {
		cfg.Logging.File = config.ExpandPath(flagOverrides.Logging.File)
	}
	if flagOverrides.Metrics.Listen != "" {
		cfg.Metrics.Listen = flagOverrides.Metrics.Listen
	}
}

// loadConfig reads, overrides and validates the config, logging
// warnings through the returned logger.
func loadConfig() (*config.Config, *slog.Logger, func() error, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger, closer, err := cfg.NewLogger()
	if err != nil {
		return nil, nil, nil, err
	}
	for _, w := range cfg.Warnings() {
		logger.Warn(w.Message)
	}
	return cfg, logger, closer.Close, nil
}

// loggerFor builds a logger for commands that run without a valid
// config.
func loggerFor(cfg *config.Config) (*slog.Logger, io.Closer, error) {
	applyFlagOverrides(cfg)
	cfg.ApplyDefaults()
	return cfg.NewLogger()
}

func validate(cmd *cobra.Command) error {
	path := config.ExpandPath(cfgPath)
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("config file not found at %s", path)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load config at %s: %w", path, err)
	}

	out := cmd.OutOrStdout()
	issues := cfg.Issues()
	if len(issues) == 0 {
		fmt.Fprintln(out, "Config is valid.")
		return nil
	}
	fmt.Fprintln(out, "sand validate found issues:")
	hasErrors := false
	for _, issue := range issues {
		fmt.Fprintf(out, "- %s\n", issue)
		hasErrors = hasErrors || issue.Severity == config.SeverityError
	}
	if hasErrors {
		return errIssues
	}
	return nil
}

func destroy(ctx context.Context) error {
	if missing := doctor.MissingDependencies(nil); len(missing) > 0 {
		return fmt.Errorf("missing required dependencies in PATH: %v", missing)
	}
	cfg, logger, closeLog, err := loadConfig()
	if err != nil {
		return err
	}
	defer closeLog()

	destroyer := orchestrator.NewDestroyer(config.NewDriver(logger), 0, logger.WithGroup("destroy"))

	var firstErr error
	for _, r := range cfg.Runners {
		logger.Info("destroying vm", slog.String("vm", r.Name))
		if err := destroyer.Destroy(ctx, r.Name); err != nil {
			logger.Error("failed to destroy vm",
				slog.String("vm", r.Name),
				slog.String("error", err.Error()),
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
