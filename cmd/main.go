/**
 * @description
 * This is the main entry point for the ledger service. It loads configuration,
 * builds the logger and the ledger runtime (store, redis, RabbitMQ, provider client),
 * starts the forum activity consumer, and serves the HTTP API until it receives
 * SIGINT or SIGTERM.
 *
 * @dependencies
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - internal/api, internal/bootstrap, internal/config: Router, wiring and configuration.
 * - pkg/logger: zap logger construction.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/GNARC0TICS/Degentalk-Preview-sub009/internal/api"
	"github.com/GNARC0TICS/Degentalk-Preview-sub009/internal/bootstrap"
	"github.com/GNARC0TICS/Degentalk-Preview-sub009/internal/config"
	"github.com/GNARC0TICS/Degentalk-Preview-sub009/pkg/logger"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found; using environment\"")
	}

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
		Service:    "ledger-service",
	})
	defer func() { _ = zlog.Sync() }()
	for _, w := range cfg.Warnings {
		zlog.Warn("configuration adjusted", zap.String("detail", w))
	}
	if cfg.JWTSecret == "" {
		zlog.Fatal("jwt secret must be configured", zap.String("env", "JWT_SECRET"))
	}

	ctx := context.Background()
	rt, err := bootstrap.New(ctx, cfg, zlog)
	if err != nil {
		zlog.Fatal("bootstrap failed", zap.Error(err))
	}
	defer rt.Close()

	if err := rt.StartActivityConsumer(); err != nil {
		zlog.Warn("activity consumer unavailable; rain eligibility will not update", zap.Error(err))
	}

	handlers := api.NewHandlers(rt.Service, zlog)
	router := api.NewRouter(handlers, api.AuthConfig{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer}, zlog)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		zlog.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal("server stopped unexpectedly", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	zlog.Info("shutdown started")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zlog.Error("shutdown failed", zap.Error(err))
	}
	zlog.Info("shutdown complete")
}
