package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gomatrix/internal/observability"
	"github.com/3leaps/gomatrix/internal/server"
	"github.com/3leaps/gomatrix/internal/server/handlers"
	"github.com/3leaps/gomatrix/pkg/manifest"
	"github.com/3leaps/gomatrix/pkg/runregistry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve run reports and the HTTP trigger",
	Long: `Start an HTTP server exposing the run registry and an on-demand trigger.

Endpoints:
  GET  /health, /health/live, /health/ready, /health/startup
  GET  /version
  GET  /runs                 list recorded runs, newest first
  GET  /runs/{id}            one run record
  GET  /runs/{id}/report     the run report document
  POST /runs                 start a background run of --job (202; 409 while
                             a run is in progress; 429 when rate limited)

Example:
  gomatrix serve --job matrix.yaml
  gomatrix serve --job matrix.yaml --host 0.0.0.0 --port 9000
  gomatrix serve --read-only`,
	RunE: runServe,
}

var (
	serveJobPath  string
	serveHost     string
	servePort     int
	serveReadOnly bool
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&serveJobPath, "job", "j", "", "Path to the matrix manifest POST /runs starts")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (default: server.host)")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Listen port (default: server.port)")
	serveCmd.Flags().BoolVar(&serveReadOnly, "read-only", false, "Serve reports only; disable POST /runs")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := appConfig(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	if !serveReadOnly && serveJobPath == "" {
		return exitError(foundry.ExitInvalidArgument, "Missing manifest",
			errors.New("--job is required unless --read-only is set"))
	}

	host := cfg.Server.Host
	if serveHost != "" {
		host = serveHost
	}
	port := cfg.Server.Port
	if servePort != 0 {
		port = servePort
	}

	reg := registry(cfg)
	var launcher handlers.RunLauncher
	name := ""
	if !serveReadOnly {
		m, err := manifest.Load(serveJobPath)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
		}
		name = m.Name
		launcher = runregistry.NewLauncher(reg)
	}

	id := GetAppIdentity()
	health := handlers.InitHealthManager(versionInfo.Version)
	if cfg.Health.Enabled {
		health.RegisterChecker("signal", signalHealthChecker{})
		if id != nil {
			health.RegisterChecker("identity", identityHealthChecker{
				binaryName: id.BinaryName,
				envPrefix:  id.EnvPrefix,
				configName: id.ConfigName,
			})
		}
		health.RegisterChecker("run_registry", registryHealthChecker{store: reg})
		if !serveReadOnly {
			health.RegisterChecker("manifest", manifestHealthChecker{path: serveJobPath})
		}
	}

	runs := handlers.NewRunsHandler(reg, launcher, handlers.RunsConfig{
		ManifestPath: serveJobPath,
		Name:         name,
		TriggerRate:  cfg.Server.TriggerRate,
		TriggerBurst: cfg.Server.TriggerBurst,
		Args:         []string{"--data-dir", cfg.DataDir},
	}).WithLogger(observability.CLILogger)

	srv := server.New(host, port).
		WithRuns(runs).
		WithTimeouts(server.Timeouts{
			Read:     cfg.Server.ReadTimeout,
			Write:    cfg.Server.WriteTimeout,
			Idle:     cfg.Server.IdleTimeout,
			Shutdown: cfg.Server.ShutdownTimeout,
		}).
		WithLogger(observability.CLILogger)

	observability.CLILogger.Info("Starting server",
		zap.String("addr", srv.Addr()),
		zap.String("manifest", serveJobPath),
		zap.Bool("read_only", serveReadOnly),
		zap.String("data_dir", cfg.DataDir))

	if err := srv.ListenAndServe(ctx); err != nil {
		observability.CLILogger.Error("Server failed", zap.Error(err))
		return exitError(foundry.ExitExternalServiceUnavailable, "Server failed", err)
	}
	observability.CLILogger.Info("Server stopped")
	return nil
}

// signalHealthChecker reports healthy while the process can handle
// signals; shutdown is driven by the command context.
type signalHealthChecker struct{}

func (signalHealthChecker) CheckHealth(context.Context) error {
	return nil
}

type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(context.Context) error {
	if c.binaryName == "" {
		return errors.New("missing binary name")
	}
	if c.envPrefix == "" {
		return errors.New("missing env prefix")
	}
	if c.configName == "" {
		return errors.New("missing config name")
	}
	return nil
}

// registryHealthChecker fails when the run registry cannot be read.
type registryHealthChecker struct {
	store *runregistry.Store
}

func (c registryHealthChecker) CheckHealth(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.store == nil {
		return errors.New("run registry not configured")
	}
	if _, err := c.store.List(); err != nil {
		return fmt.Errorf("run registry unreadable: %w", err)
	}
	return nil
}

// manifestHealthChecker fails when the served manifest no longer loads,
// which would make every triggered run fail.
type manifestHealthChecker struct {
	path string
}

func (c manifestHealthChecker) CheckHealth(context.Context) error {
	if _, err := os.Stat(c.path); err != nil {
		return fmt.Errorf("manifest %s: %w", filepath.Base(c.path), err)
	}
	if _, err := manifest.Load(c.path); err != nil {
		return fmt.Errorf("manifest invalid: %w", err)
	}
	return nil
}
