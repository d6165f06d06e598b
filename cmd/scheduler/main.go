/**
 * @description
 * This is the main entry point for the ledger scheduler.
 * It is a non-HTTP, long-running process that runs the vault maturity sweep,
 * purchase order expiry, withdrawal reconciliation and the ledger audit on cron schedules.
 */
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/GNARC0TICS/Degentalk-Preview-sub009/internal/app"
	"github.com/GNARC0TICS/Degentalk-Preview-sub009/internal/bootstrap"
	"github.com/GNARC0TICS/Degentalk-Preview-sub009/internal/config"
	"github.com/GNARC0TICS/Degentalk-Preview-sub009/pkg/logger"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}

	zlog := logger.New(logger.Options{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
		Compress:   cfg.LogCompress,
		Service:    "ledger-scheduler",
	})
	defer func() { _ = zlog.Sync() }()
	for _, w := range cfg.Warnings {
		zlog.Warn("configuration adjusted", zap.String("detail", w))
	}
	if cfg.StoreDriver == config.StoreDriverMemory {
		zlog.Warn("scheduler running against a private in-memory store; jobs will not see API data")
	}

	rt, err := bootstrap.New(context.Background(), cfg, zlog)
	if err != nil {
		zlog.Fatal("bootstrap failed", zap.Error(err))
	}
	defer rt.Close()

	jobs := app.NewJobs(rt.Service, zlog, app.JobSettings{
		ReconcileAfter: time.Duration(cfg.WithdrawalReconcileAfterMin) * time.Minute,
	})
	scheduler := app.NewScheduler(jobs, zlog, app.Schedules{
		VaultMaturity:       cfg.VaultMaturitySchedule,
		PurchaseOrderExpiry: cfg.PurchaseOrderExpirySchedule,
		WithdrawalReconcile: cfg.WithdrawalReconcileSchedule,
		LedgerAudit:         cfg.LedgerAuditSchedule,
	})
	if err := scheduler.Start(); err != nil {
		zlog.Fatal("scheduler start failed", zap.Error(err))
	}
	zlog.Info("scheduler started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	zlog.Info("shutdown signal received, stopping scheduler")
	<-scheduler.Stop().Done()
	zlog.Info("scheduler stopped gracefully")
}
