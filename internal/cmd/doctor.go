package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gomatrix/internal/observability"
	"github.com/3leaps/gomatrix/pkg/executor"
	"github.com/3leaps/gomatrix/pkg/manifest"
)

var doctorJobPath string

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the system and suggest fixes for common issues.

With --job, also checks the manifest: its shell is on PATH, the workspace
is writable and the artifact store is reachable.

Examples:
  gomatrix doctor                    # Environment check
  gomatrix doctor --job matrix.yaml  # Environment and manifest checks`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().StringVarP(&doctorJobPath, "job", "j", "", "Also check this manifest")
}

// doctorCheck is one diagnostic. detail is shown on success.
type doctorCheck struct {
	name string
	run  func(ctx context.Context) (detail string, err error)
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	logger := observability.CLILogger

	bannerName := "doctor"
	if id := GetAppIdentity(); id != nil && id.BinaryName != "" {
		bannerName = id.BinaryName + " doctor"
	}
	logger.Info("=== " + bannerName + " ===")

	checks := []doctorCheck{
		{name: "Go runtime", run: checkGoRuntime},
		{name: "Gofulmen", run: checkGofulmen},
		{name: "Data directory", run: checkDataDir},
	}

	var m *manifest.Manifest
	if doctorJobPath != "" {
		var err error
		if m, err = manifest.Load(doctorJobPath); err != nil {
			logger.Error("Manifest is invalid", zap.String("path", doctorJobPath), zap.Error(err))
			return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
		}
		checks = append(checks,
			doctorCheck{name: "Shell", run: func(context.Context) (string, error) { return checkShell(m) }},
			doctorCheck{name: "Workspace", run: func(ctx context.Context) (string, error) { return checkWorkspace(ctx, m) }},
		)
		if m.Publish != nil {
			checks = append(checks, doctorCheck{name: "Artifact store", run: func(ctx context.Context) (string, error) {
				return checkStore(ctx, m)
			}})
		}
	}

	failed := 0
	for i, c := range checks {
		detail, err := c.run(ctx)
		prefix := fmt.Sprintf("[%d/%d] Checking %s...", i+1, len(checks), c.name)
		if err != nil {
			failed++
			logger.Error(prefix+" failed", zap.Error(err))
			continue
		}
		logger.Info(prefix+" ok", zap.String("detail", detail))
	}

	if failed > 0 {
		logger.Warn("Some checks failed. Review the output above for details.", zap.Int("failed", failed))
		return exitError(foundry.ExitExternalServiceUnavailable, "Diagnostics failed",
			fmt.Errorf("%d of %d checks failed", failed, len(checks)))
	}
	logger.Info(fmt.Sprintf("All checks passed! Your %s installation is healthy.", bannerName))
	return nil
}

func checkGoRuntime(context.Context) (string, error) {
	return fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH), nil
}

func checkGofulmen(context.Context) (string, error) {
	v := crucible.GetVersion()
	if v.Gofulmen == "" {
		return "", errors.New("gofulmen version unavailable")
	}
	return "gofulmen " + v.Gofulmen + ", crucible " + v.Crucible, nil
}

func checkDataDir(ctx context.Context) (string, error) {
	cfg, err := appConfig(ctx)
	if err != nil {
		return "", err
	}
	return cfg.DataDir, probeWritable(filepath.Join(cfg.DataDir, "runs"))
}

func checkShell(m *manifest.Manifest) (string, error) {
	shell := executor.DefaultConfig().Shell
	if len(m.Run.Shell) > 0 {
		shell = m.Run.Shell
	}
	path, err := exec.LookPath(shell[0])
	if err != nil {
		return "", fmt.Errorf("shell %q not found on PATH: %w", shell[0], err)
	}
	return path, nil
}

func checkWorkspace(ctx context.Context, m *manifest.Manifest) (string, error) {
	cfg, err := appConfig(ctx)
	if err != nil {
		return "", err
	}
	_, workspace, err := runSettings(m, cfg, runOptions{})
	if err != nil {
		return "", err
	}
	if workspace == "" {
		workspace = filepath.Join(os.TempDir(), "gomatrix")
	}
	return workspace, probeWritable(workspace)
}

// checkStore opens the configured store. For S3 it also resolves
// credentials through the default chain so a missing profile shows up
// before a run reaches its publish stage.
func checkStore(ctx context.Context, m *manifest.Manifest) (string, error) {
	sc := m.Publish.Store
	store, err := openStore(ctx, sc)
	if err != nil {
		return "", err
	}
	defer func() { _ = store.Close() }()

	if sc.Provider != manifest.ProviderS3 {
		return sc.Provider + " " + sc.BaseDir, nil
	}
	var opts []func(*awsconfig.LoadOptions) error
	if sc.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(sc.Profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return "", fmt.Errorf("load AWS config: %w", err)
	}
	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil {
		printAWSCredentialsHelp()
		return "", fmt.Errorf("retrieve AWS credentials: %w", err)
	}
	return fmt.Sprintf("s3://%s (key %s, source %s)", sc.Bucket, maskAccessKey(creds.AccessKeyID), creds.Source), nil
}

func probeWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return fmt.Errorf("%s is not writable: %w", dir, err)
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// printAWSCredentialsHelp prints help for configuring AWS credentials.
func printAWSCredentialsHelp() {
	observability.CLILogger.Info("To configure AWS credentials:")
	observability.CLILogger.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	observability.CLILogger.Info("  2. Set publish.store.profile in the manifest to a configured profile, or")
	observability.CLILogger.Info("  3. Use an IAM role when running on AWS infrastructure")
	observability.CLILogger.Info("For S3-compatible storage (MinIO, Wasabi, etc.), also set publish.store.endpoint")
}
