package service

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/rcliao/memvault/internal/config"
	"github.com/rcliao/memvault/internal/observability"
)

// Maintenance job names, used in logs and metrics.
const (
	JobPurge     = "purge"
	JobReconcile = "reconcile"
)

// SchedulerConfig selects which maintenance jobs run and when. Schedules
// accept standard five-field cron expressions and descriptors such as
// "@daily" or "@every 1h". An empty schedule disables its job.
type SchedulerConfig struct {
	PurgeEnabled      bool
	PurgeSchedule     string
	PurgeAfter        time.Duration
	ReconcileSchedule string
}

// SchedulerConfigFrom maps the maintenance section of the configuration.
func SchedulerConfigFrom(m config.MaintenanceConfig) SchedulerConfig {
	return SchedulerConfig{
		PurgeEnabled:      m.PurgeEnabled,
		PurgeSchedule:     m.PurgeSchedule,
		PurgeAfter:        m.PurgeAfter,
		ReconcileSchedule: m.ReconcileSchedule,
	}
}

// Scheduler runs periodic maintenance against an Engine.
type Scheduler struct {
	engine *Engine
	cron   *cron.Cron
	logger zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NewScheduler parses the schedules and registers the enabled jobs.
func NewScheduler(e *Engine, cfg SchedulerConfig) (*Scheduler, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		engine: e,
		logger: e.logger.With().Str("component", "scheduler").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
	s.cron = cron.New(
		cron.WithParser(scheduleParser),
		cron.WithChain(cron.Recover(cronLogger{s.logger}), cron.SkipIfStillRunning(cronLogger{s.logger})),
	)

	if cfg.PurgeEnabled && cfg.PurgeSchedule != "" {
		after := cfg.PurgeAfter
		if _, err := s.cron.AddFunc(cfg.PurgeSchedule, func() { s.RunPurge(after) }); err != nil {
			cancel()
			return nil, fmt.Errorf("invalid purge schedule %q: %w", cfg.PurgeSchedule, err)
		}
	}
	if cfg.ReconcileSchedule != "" {
		if _, err := s.cron.AddFunc(cfg.ReconcileSchedule, s.RunReconcile); err != nil {
			cancel()
			return nil, fmt.Errorf("invalid reconcile schedule %q: %w", cfg.ReconcileSchedule, err)
		}
	}
	return s, nil
}

// Jobs returns the number of registered jobs.
func (s *Scheduler) Jobs() int { return len(s.cron.Entries()) }

// Start runs the scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.logger.Info().Int("jobs", s.Jobs()).Msg("maintenance scheduler started")
	s.cron.Start()
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	s.logger.Info().Msg("maintenance scheduler stopped")
}

// RunPurge runs one purge pass now.
func (s *Scheduler) RunPurge(olderThan time.Duration) {
	n, err := s.engine.Purge(s.ctx, olderThan)
	observability.RecordMaintenanceRun(JobPurge, err == nil)
	if err != nil {
		s.logger.Error().Str("job", JobPurge).Err(err).Msg("maintenance job failed")
		return
	}
	s.logger.Info().Str("job", JobPurge).Int("purged", n).Msg("maintenance job done")
}

// RunReconcile runs one reconcile pass now.
func (s *Scheduler) RunReconcile() {
	rep, err := s.engine.ReconcileIndex(s.ctx)
	observability.RecordMaintenanceRun(JobReconcile, err == nil)
	if err != nil {
		s.logger.Error().Str("job", JobReconcile).Err(err).Msg("maintenance job failed")
		return
	}
	s.logger.Info().Str("job", JobReconcile).Int("reindexed", rep.Written).Msg("maintenance job done")
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	l zerolog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
