/**
 * @description
 * Scheduled job implementations for the ledger scheduler.
 */
package app

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/GNARC0TICS/Degentalk-Preview-sub009/internal/metrics"
)

const jobBatchSize = 200

// Maintenance defines the service operations the jobs drive.
type Maintenance interface {
	ProcessMaturedVaults(ctx context.Context, limit int) (int, error)
	ExpirePurchaseOrders(ctx context.Context, limit int) (int, error)
	ReconcileWithdrawals(ctx context.Context, after time.Duration, limit int) (int, error)
	AuditLedger(ctx context.Context, batchSize int) (int, error)
}

// JobSettings configures job timing.
type JobSettings struct {
	ReconcileAfter time.Duration
	Timeout        time.Duration
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	service  Maintenance
	logger   *zap.Logger
	settings JobSettings
}

// NewJobs creates a new Jobs runner.
func NewJobs(service Maintenance, logger *zap.Logger, settings JobSettings) *Jobs {
	if settings.Timeout <= 0 {
		settings.Timeout = 5 * time.Minute
	}
	if settings.ReconcileAfter <= 0 {
		settings.ReconcileAfter = 30 * time.Minute
	}
	return &Jobs{service: service, logger: logger.Named("scheduler"), settings: settings}
}

func (j *Jobs) run(name string, fn func(ctx context.Context) (int, error)) {
	ctx, cancel := context.WithTimeout(context.Background(), j.settings.Timeout)
	defer cancel()

	started := time.Now()
	n, err := fn(ctx)
	metrics.JobRuns.WithLabelValues(name, metrics.Outcome(err)).Inc()
	if err != nil {
		j.logger.Error("job failed", zap.String("job", name), zap.Int("processed", n), zap.Error(err))
		return
	}
	j.logger.Info("job finished", zap.String("job", name), zap.Int("processed", n), zap.Duration("took", time.Since(started)))
}

// ProcessVaultMaturity flags or releases matured vaults.
func (j *Jobs) ProcessVaultMaturity() {
	j.run("vault_maturity", func(ctx context.Context) (int, error) {
		return j.service.ProcessMaturedVaults(ctx, jobBatchSize)
	})
}

// ProcessPurchaseOrderExpiry expires unpaid purchase orders.
func (j *Jobs) ProcessPurchaseOrderExpiry() {
	j.run("purchase_order_expiry", func(ctx context.Context) (int, error) {
		return j.service.ExpirePurchaseOrders(ctx, jobBatchSize)
	})
}

// ProcessWithdrawalReconciliation polls the provider for stuck withdrawals.
func (j *Jobs) ProcessWithdrawalReconciliation() {
	j.run("withdrawal_reconcile", func(ctx context.Context) (int, error) {
		return j.service.ReconcileWithdrawals(ctx, j.settings.ReconcileAfter, jobBatchSize)
	})
}

// ProcessLedgerAudit checks conservation for every wallet.
func (j *Jobs) ProcessLedgerAudit() {
	j.run("ledger_audit", func(ctx context.Context) (int, error) {
		return j.service.AuditLedger(ctx, 0)
	})
}
