package scheduler

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/clementdevtech/cardirectory/internal/config"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *slog.Logger
	config config.Config
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *slog.Logger, cfg config.Config) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	s.register("expiry", s.config.ExpiryJobSchedule, s.jobs.ProcessExpiry)
	s.register("reminder", s.config.ReminderJobSchedule, s.jobs.ProcessReminders)
	s.register("reconcile", s.config.ReconcileJobSchedule, s.jobs.ProcessReconciliation)
	s.cron.Start()
}

func (s *Scheduler) register(name, spec string, job func()) {
	if _, err := s.cron.AddFunc(spec, job); err != nil {
		s.logger.Error("failed to schedule job", "job", name, "schedule", spec, "error", err)
		return
	}
	s.logger.Info("scheduled job", "job", name, "schedule", spec)
}

// Stop gracefully stops the cron scheduler. The returned context is done once running jobs finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
