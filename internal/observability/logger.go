// Package observability holds the process-wide loggers.
//
// Logs always go to stderr; stdout is reserved for reports, plans and
// event streams.
package observability

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the logger used by commands. It is a no-op until initialised.
var CLILogger = zap.NewNop()

var initMu sync.Mutex

// InitCLILogger installs a console logger on stderr. verbose enables debug.
func InitCLILogger(name string, verbose bool) {
	level := "info"
	if verbose {
		level = "debug"
	}
	logger, err := NewLogger(name, level, "console")
	if err != nil {
		logger = zap.NewNop()
	}
	setCLILogger(logger)
}

// Configure replaces CLILogger according to level and format
// ("console" or "json").
func Configure(name, level, format string) error {
	logger, err := NewLogger(name, level, format)
	if err != nil {
		return err
	}
	setCLILogger(logger)
	return nil
}

// NewLogger builds a stderr logger.
func NewLogger(name, level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	switch format {
	case "", "console":
		cfg = zap.NewDevelopmentConfig()
		cfg.DisableStacktrace = true
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		if !isTerminal(os.Stderr) {
			cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		}
	case "json":
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	default:
		return nil, fmt.Errorf("invalid log format %q (want console or json)", format)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.DisableCaller = lvl > zapcore.DebugLevel

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	if name != "" {
		logger = logger.Named(name)
	}
	return logger, nil
}

// Sync flushes CLILogger. Errors from syncing a terminal are ignored.
func Sync() {
	initMu.Lock()
	defer initMu.Unlock()
	_ = CLILogger.Sync()
}

func setCLILogger(l *zap.Logger) {
	initMu.Lock()
	defer initMu.Unlock()
	CLILogger = l
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
