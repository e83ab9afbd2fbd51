package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mailwarm/backend/internal/app"
	"mailwarm/backend/internal/config"
	"mailwarm/backend/internal/logger"
	httptransport "mailwarm/backend/internal/transport/http"
	"mailwarm/backend/internal/websocket"
)

// main 启动预热调度器、自动扩缩容与运维 HTTP 服务。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	// 设置 Gin 模式（基于开发环境标志）
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	log, err := logger.NewLogger(logger.FromConfig(cfg.Log))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting mailwarm server",
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
		zap.String("timezone", cfg.Warmup.Timezone.String()),
	)

	components, err := app.New(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize components", zap.Error(err))
	}
	defer func() {
		if err := components.Close(); err != nil {
			log.Warn("failed to release resources", zap.Error(err))
		}
	}()

	// 信号处理
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	wsHub := websocket.NewHub(cfg.CORS.AllowedOrigins, log.Named("websocket"))
	components.AttachEvents(wsHub)
	alertManager := components.AlertManager()

	deps := httptransport.RouterDependencies{
		Config:      cfg,
		BaseContext: groupCtx,
		Scheduler:   components.Scheduler,
		Reporter:    components.Reporter,
		Health:      components.HealthChecker(),
		Metrics:     components.Metrics,
		Alerts:      alertManager,
		Hub:         wsHub,
		Logger:      log,
	}
	if components.Scaler != nil {
		deps.Scaler = components.Scaler
	}
	router := httptransport.NewRouter(deps)

	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// HTTP 服务器 goroutine
	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// WebSocket Hub goroutine
	group.Go(func() error {
		wsHub.Run(groupCtx)
		return nil
	})

	// 告警监控 goroutine
	group.Go(func() error {
		log.Info("starting alert monitoring", zap.Duration("interval", cfg.Alert.Interval))
		alertManager.StartMonitoring(groupCtx, cfg.Alert.Interval)
		return nil
	})

	components.Scheduler.Start(groupCtx)
	if components.Scaler != nil {
		components.Scaler.Start(groupCtx)
	}

	// 优雅关闭 goroutine
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		// 进行中的流水线会执行完毕
		if err := components.Scheduler.Stop(shutdownCtx); err != nil {
			log.Warn("scheduler did not stop in time", zap.Error(err))
		}
		if components.Scaler != nil {
			if err := components.Scaler.Stop(shutdownCtx); err != nil {
				log.Warn("auto-scaler did not stop in time", zap.Error(err))
			}
		}

		log.Info("services stopped")
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("server error", zap.Error(err))
		return
	}

	log.Info("server exited cleanly")
}
