// Package executor runs stage commands as local processes.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/3leaps/gomatrix/pkg/artifact"
	"github.com/3leaps/gomatrix/pkg/orchestrator"
)

// LogDir is the directory, relative to the job working directory, that holds
// captured stage output.
const LogDir = "logs"

// Config configures the shell executor.
type Config struct {
	// Shell is the interpreter and flags the command string is appended to.
	// Default: ["sh", "-c"] (["cmd", "/C"] on Windows)
	Shell []string

	// TailBytes bounds the captured output kept in memory for reports.
	// Default: 4096
	TailBytes int

	// WaitDelay bounds how long to wait for output pipes after the process
	// is killed on timeout.
	// Default: 5s
	WaitDelay time.Duration
}

// DefaultConfig returns the default executor configuration.
func DefaultConfig() Config {
	shell := []string{"sh", "-c"}
	if runtime.GOOS == "windows" {
		shell = []string{"cmd", "/C"}
	}
	return Config{
		Shell:     shell,
		TailBytes: 4096,
		WaitDelay: 5 * time.Second,
	}
}

// Shell runs stage commands through a shell.
//
// Combined stdout/stderr is written to <job workdir>/logs/<stage>.log and a
// bounded tail is returned as the stage output. Shell is safe for concurrent
// use; each call owns its process and log file.
type Shell struct {
	config Config
	logger *zap.Logger
}

var _ orchestrator.Executor = (*Shell)(nil)

// New creates a shell executor.
func New(cfg Config) *Shell {
	defaults := DefaultConfig()
	if len(cfg.Shell) == 0 {
		cfg.Shell = defaults.Shell
	}
	if cfg.TailBytes <= 0 {
		cfg.TailBytes = defaults.TailBytes
	}
	if cfg.WaitDelay <= 0 {
		cfg.WaitDelay = defaults.WaitDelay
	}
	return &Shell{config: cfg, logger: zap.NewNop()}
}

// WithLogger sets the logger. Returns the executor for method chaining.
func (s *Shell) WithLogger(l *zap.Logger) *Shell {
	if l != nil {
		s.logger = l
	}
	return s
}

// Execute runs req.Command in req.WorkDir.
//
// A non-zero exit is a StageExecutionError; an expired ctx deadline is a
// TimeoutError. When the stage declares an artifact pattern, matching files
// are collected relative to the job working directory and an empty match
// fails the stage.
func (s *Shell) Execute(ctx context.Context, req orchestrator.StageRequest) (orchestrator.StageOutput, error) {
	var out orchestrator.StageOutput
	jobDir := req.Artifacts.WorkDir
	if jobDir == "" {
		jobDir = req.WorkDir
	}

	if err := os.MkdirAll(req.WorkDir, 0o755); err != nil {
		return out, &orchestrator.StageExecutionError{Stage: req.Stage.Name, Err: err}
	}
	logFile, logPath, err := openLog(jobDir, req.Stage.Name, req.Attempt)
	if err != nil {
		return out, &orchestrator.StageExecutionError{Stage: req.Stage.Name, Err: err}
	}
	defer func() { _ = logFile.Close() }()
	out.LogPath = logPath

	tail := newTailBuffer(s.config.TailBytes)
	sink := io.MultiWriter(logFile, tail)

	args := append(append([]string(nil), s.config.Shell[1:]...), req.Command)
	cmd := exec.CommandContext(ctx, s.config.Shell[0], args...)
	cmd.Dir = req.WorkDir
	cmd.Env = mergeEnv(os.Environ(), req.Env)
	cmd.Stdout = sink
	cmd.Stderr = sink
	cmd.WaitDelay = s.config.WaitDelay

	logger := s.logger.With(
		zap.String("job", req.Job.ID()),
		zap.String("stage", req.Stage.Name),
		zap.Int("attempt", req.Attempt))
	logger.Debug("executing stage", zap.String("command", req.Command), zap.String("dir", req.WorkDir))

	start := time.Now()
	runErr := cmd.Run()
	out.Output = tail.String()
	logger.Debug("stage process exited", zap.Duration("duration", time.Since(start)), zap.Error(runErr))

	if runErr != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return out, &orchestrator.TimeoutError{Stage: req.Stage.Name, Timeout: req.Stage.Timeout}
		}
		return out, &orchestrator.StageExecutionError{Stage: req.Stage.Name, Err: describeExit(runErr)}
	}

	if req.Stage.Artifacts != "" {
		files, err := collect(jobDir, req.WorkDir, req.Stage.Artifacts)
		if err != nil {
			return out, &orchestrator.StageExecutionError{Stage: req.Stage.Name, Err: err}
		}
		out.Artifacts = files
	}
	return out, nil
}

// collect gathers artifacts under the stage directory and returns them
// relative to the job directory.
func collect(jobDir, stageDir, pattern string) ([]string, error) {
	matches, err := artifact.Collect(stageDir, pattern)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("artifact pattern %q matched no files", pattern)
	}
	files := make([]string, 0, len(matches))
	for _, m := range matches {
		rel, err := filepath.Rel(jobDir, filepath.Join(stageDir, filepath.FromSlash(m)))
		if err != nil {
			return nil, err
		}
		files = append(files, filepath.ToSlash(rel))
	}
	return files, nil
}

func openLog(jobDir, stage string, attempt int) (*os.File, string, error) {
	dir := filepath.Join(jobDir, LogDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, "", err
	}
	name := stage + ".log"
	if attempt > 1 {
		name = fmt.Sprintf("%s.attempt%d.log", stage, attempt)
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		return nil, "", err
	}
	return f, path, nil
}

// mergeEnv overlays vars onto base, keeping one entry per key.
func mergeEnv(base []string, vars map[string]string) []string {
	out := make([]string, 0, len(base)+len(vars))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if _, override := vars[k]; override {
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+vars[k])
	}
	return out
}

func describeExit(err error) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("exit status %d", exitErr.ExitCode())
	}
	return err
}

// tailBuffer keeps the last max bytes written to it. A cut never starts the
// tail inside a multi-byte UTF-8 sequence.
type tailBuffer struct {
	mu        sync.Mutex
	max       int
	buf       []byte
	truncated bool
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max, buf: make([]byte, 0, max)}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(p)
	if n >= t.max {
		t.truncated = t.truncated || n > t.max || len(t.buf) > 0
		t.buf = append(t.buf[:0], p[runeCut(p, n-t.max):]...)
		return n, nil
	}
	if over := len(t.buf) + n - t.max; over > 0 {
		// n < max, so over < len(t.buf) before the cut moves forward.
		over = runeCut(t.buf, over)
		if over < len(t.buf) {
			t.buf = append(t.buf[:0], t.buf[over:]...)
		} else {
			// The rest of the split rune opens p.
			p = p[runeCut(p, 0):]
			t.buf = t.buf[:0]
		}
		t.truncated = true
	}
	t.buf = append(t.buf, p...)
	return n, nil
}

// runeCut moves cut forward past UTF-8 continuation bytes, at most
// utf8.UTFMax-1 of them, so b[cut:] starts on a rune boundary.
func runeCut(b []byte, cut int) int {
	for i := 0; i < utf8.UTFMax-1 && cut < len(b) && !utf8.RuneStart(b[cut]); i++ {
		cut++
	}
	return cut
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.truncated {
		return "..." + string(t.buf)
	}
	return string(t.buf)
}
