/**
 * @description
 * Cron scheduler setup for scheduled jobs.
 */
package app

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Schedules holds one cron spec per job.
type Schedules struct {
	VaultMaturity       string
	PurchaseOrderExpiry string
	WithdrawalReconcile string
	LedgerAudit         string
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron      *cron.Cron
	jobs      *Jobs
	logger    *zap.Logger
	schedules Schedules
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *zap.Logger, schedules Schedules) *Scheduler {
	logger = logger.Named("scheduler")
	cl := cronLogger{logger: logger.Sugar()}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))

	return &Scheduler{
		cron:      c,
		jobs:      jobs,
		logger:    logger,
		schedules: schedules,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() error {
	entries := []struct {
		name string
		spec string
		fn   func()
	}{
		{"vault maturity", s.schedules.VaultMaturity, s.jobs.ProcessVaultMaturity},
		{"purchase order expiry", s.schedules.PurchaseOrderExpiry, s.jobs.ProcessPurchaseOrderExpiry},
		{"withdrawal reconciliation", s.schedules.WithdrawalReconcile, s.jobs.ProcessWithdrawalReconciliation},
		{"ledger audit", s.schedules.LedgerAudit, s.jobs.ProcessLedgerAudit},
	}
	for _, e := range entries {
		if e.spec == "" {
			s.logger.Info("job disabled", zap.String("job", e.name))
			continue
		}
		if _, err := s.cron.AddFunc(e.spec, e.fn); err != nil {
			s.logger.Error("failed to schedule job", zap.String("job", e.name), zap.String("schedule", e.spec), zap.Error(err))
			return err
		}
		s.logger.Info("scheduled job", zap.String("job", e.name), zap.String("schedule", e.spec))
	}

	s.cron.Start()
	return nil
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
