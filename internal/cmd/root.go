// Package cmd implements the gomatrix command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/gomatrix/internal/config"
	"github.com/3leaps/gomatrix/internal/observability"
	"github.com/3leaps/gomatrix/internal/server/handlers"
)

// exitJobsFailed is returned when the run completed but at least one job
// failed.
const exitJobsFailed = 1

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

var appIdentity *config.Identity

var (
	logLevel  string
	logFormat string
	verbose   bool
	dataDir   string
)

var rootCmd = &cobra.Command{
	Use:   "gomatrix",
	Short: "Build matrix orchestrator",
	Long: `gomatrix expands a build matrix into jobs, runs each job's pipeline
in an isolated working directory, publishes artifacts and reports per-job
results.

Examples:
  gomatrix validate --job matrix.yaml
  gomatrix plan --job matrix.yaml
  gomatrix run --job matrix.yaml --report report.json
  gomatrix schedule --job matrix.yaml
  gomatrix serve --job matrix.yaml`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initApp,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format (console, json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Directory holding the run registry")
}

// SetVersionInfo records build metadata for the version command and the
// /version endpoint.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

// GetAppIdentity returns the application identity, or nil before the root
// command has initialised.
func GetAppIdentity() *config.Identity {
	return appIdentity
}

// initApp loads application configuration and installs the CLI logger.
func initApp(cmd *cobra.Command, _ []string) error {
	id := config.DefaultIdentity
	appIdentity = &id

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(ctx, flagOverrides())
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	if err := observability.Configure(id.BinaryName, cfg.Logging.Level, cfg.Logging.Format); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	return nil
}

// flagOverrides maps persistent flags onto configuration keys.
func flagOverrides() map[string]any {
	overrides := map[string]any{}
	logging := map[string]any{}
	if logLevel != "" {
		logging["level"] = logLevel
	}
	if verbose {
		logging["level"] = "debug"
	}
	if logFormat != "" {
		logging["format"] = logFormat
	}
	if len(logging) > 0 {
		overrides["logging"] = logging
	}
	if dataDir != "" {
		overrides["data_dir"] = dataDir
	}
	return overrides
}

// appConfig returns the loaded configuration, loading defaults when a
// command runs without the root pre-run (tests).
func appConfig(ctx context.Context) (*config.Config, error) {
	if cfg := config.GetConfig(); cfg != nil {
		return cfg, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return config.Load(ctx)
}

// Execute runs the root command and returns the process exit code.
// SIGINT and SIGTERM cancel the command context.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer observability.Sync()

	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		if exitErr.Message != "" {
			_, _ = fmt.Fprintf(os.Stderr, "Error: %s\n", exitErr.Error())
		}
		return exitErr.Code
	}
	_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return foundry.ExitInvalidArgument
}

// ExitError carries a process exit code through cobra.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s (exit code %d)", e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %v (exit code %d)", e.Message, e.Err, e.Code)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return &ExitError{Code: code, Message: message, Err: err}
}
