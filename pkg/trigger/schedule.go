// Package trigger starts runs on a fixed cron schedule.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// ErrInvalidSchedule is returned for a cron expression the scheduler rejects.
var ErrInvalidSchedule = errors.New("invalid schedule")

// RunFunc starts one run. ctx is cancelled when the scheduler stops.
type RunFunc func(ctx context.Context) error

// Config configures a Scheduler.
type Config struct {
	// Cron is a standard five-field cron expression (six with WithSeconds).
	Cron string

	// WithSeconds accepts a leading seconds field.
	WithSeconds bool

	// Name labels the scheduled job in logs.
	// Default: "matrix"
	Name string

	// Location evaluates the expression in a time zone.
	// Default: time.Local
	Location *time.Location

	// RunOnStart fires once immediately, then follows the schedule.
	RunOnStart bool

	// StopTimeout bounds how long Run waits for an in-flight run after its
	// context is cancelled.
	// Default: 30m
	StopTimeout time.Duration
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		Name:        "matrix",
		Location:    time.Local,
		StopTimeout: 30 * time.Minute,
	}
}

// Scheduler fires a RunFunc on a cron schedule. Runs never overlap: a tick
// that arrives while a run is in progress is dropped and the job waits for
// its next scheduled time.
type Scheduler struct {
	config Config
	run    RunFunc
	logger *zap.Logger

	fired   atomic.Int64
	skipped atomic.Int64
	failed  atomic.Int64
}

// New creates a scheduler.
func New(cfg Config, run RunFunc) (*Scheduler, error) {
	if run == nil {
		return nil, errors.New("run func is required")
	}
	defaults := DefaultConfig()
	if cfg.Name == "" {
		cfg.Name = defaults.Name
	}
	if cfg.Location == nil {
		cfg.Location = defaults.Location
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaults.StopTimeout
	}
	if err := Validate(cfg.Cron, cfg.WithSeconds); err != nil {
		return nil, err
	}
	return &Scheduler{config: cfg, run: run, logger: zap.NewNop()}, nil
}

// WithLogger sets the logger. Returns the scheduler for method chaining.
func (s *Scheduler) WithLogger(l *zap.Logger) *Scheduler {
	if l != nil {
		s.logger = l
	}
	return s
}

// Fired returns the number of runs started.
func (s *Scheduler) Fired() int64 { return s.fired.Load() }

// Failed returns the number of runs that returned an error.
func (s *Scheduler) Failed() int64 { return s.failed.Load() }

// Run schedules the job and blocks until ctx is cancelled, then stops the
// scheduler, waiting up to StopTimeout for an in-flight run.
func (s *Scheduler) Run(ctx context.Context) error {
	sched, err := gocron.NewScheduler(
		gocron.WithLocation(s.config.Location),
		gocron.WithStopTimeout(s.config.StopTimeout),
	)
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	opts := []gocron.JobOption{
		gocron.WithName(s.config.Name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	}
	if s.config.RunOnStart {
		opts = append(opts, gocron.WithStartAt(gocron.WithStartImmediately()))
	}

	job, err := sched.NewJob(
		gocron.CronJob(s.config.Cron, s.config.WithSeconds),
		gocron.NewTask(func() { s.fire(ctx) }),
		opts...,
	)
	if err != nil {
		_ = sched.Shutdown()
		return fmt.Errorf("%w %q: %v", ErrInvalidSchedule, s.config.Cron, err)
	}

	sched.Start()
	if next, err := job.NextRun(); err == nil {
		s.logger.Info("schedule started",
			zap.String("job", s.config.Name),
			zap.String("cron", s.config.Cron),
			zap.Time("next_run", next))
	}

	<-ctx.Done()
	s.logger.Info("stopping schedule", zap.String("job", s.config.Name))
	if err := sched.Shutdown(); err != nil {
		return fmt.Errorf("stop scheduler: %w", err)
	}
	return nil
}

func (s *Scheduler) fire(ctx context.Context) {
	if ctx.Err() != nil {
		s.skipped.Add(1)
		return
	}
	n := s.fired.Add(1)
	start := time.Now()
	s.logger.Info("scheduled run starting", zap.String("job", s.config.Name), zap.Int64("tick", n))

	if err := s.run(ctx); err != nil {
		s.failed.Add(1)
		s.logger.Warn("scheduled run failed",
			zap.String("job", s.config.Name),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return
	}
	s.logger.Info("scheduled run finished",
		zap.String("job", s.config.Name),
		zap.Duration("duration", time.Since(start)))
}

// Validate reports whether expr is accepted by the scheduler.
func Validate(expr string, withSeconds bool) error {
	if expr == "" {
		return fmt.Errorf("%w: empty cron expression", ErrInvalidSchedule)
	}
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	defer func() { _ = sched.Shutdown() }()

	if _, err := sched.NewJob(gocron.CronJob(expr, withSeconds), gocron.NewTask(func() {})); err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidSchedule, expr, err)
	}
	return nil
}
