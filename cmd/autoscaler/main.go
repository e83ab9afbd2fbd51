package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"mailwarm/backend/internal/app"
	"mailwarm/backend/internal/config"
	"mailwarm/backend/internal/logger"
	"mailwarm/backend/internal/scaling"
)

// main 单独运行自动扩缩容循环，适用于调度器与扩缩容分开部署的场景。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	log, err := logger.NewLogger(logger.FromConfig(cfg.Log))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() { _ = log.Sync() }()

	store, err := app.OpenStore(cfg)
	if err != nil {
		log.Fatal("failed to open store", zap.Error(err))
	}
	defer func() { _ = store.Close() }()

	backend, err := scaling.NewBackend(cfg.Scaler, log.Named("scaling"))
	if err != nil {
		log.Fatal("failed to initialize scaling backend", zap.Error(err))
	}
	scaler := scaling.New(store, backend, app.ScalerOptions(cfg.Scaler), log.Named("autoscaler"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting standalone auto-scaler",
		zap.String("backend", backend.Name()),
		zap.Duration("interval", cfg.Scaler.Interval),
		zap.Int("min_workers", cfg.Scaler.MinWorkers),
		zap.Int("max_workers", cfg.Scaler.MaxWorkers),
	)
	scaler.Start(ctx)

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Scaler.CommandTimeout+5*time.Second)
	defer cancel()
	if err := scaler.Stop(shutdownCtx); err != nil {
		log.Warn("auto-scaler did not stop in time", zap.Error(err))
	}
	log.Info("auto-scaler exited")
}
