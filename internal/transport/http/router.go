package httptransport

import (
	"context"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailwarm/backend/internal/config"
	"mailwarm/backend/internal/health"
	"mailwarm/backend/internal/middleware"
	"mailwarm/backend/internal/monitoring"
	"mailwarm/backend/internal/websocket"
)

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config      *config.Config
	BaseContext context.Context // 通过 API 启动的调度器的生命周期
	Scheduler   SchedulerController
	Reporter    MetricsReporter
	Scaler      ScalerController // 可为 nil
	Health      *health.HealthChecker
	Metrics     *monitoring.Metrics
	Alerts      *monitoring.AlertManager // 可为 nil
	Hub         *websocket.Hub           // 可为 nil
	Logger      *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	baseCtx := deps.BaseContext
	if baseCtx == nil {
		baseCtx = context.Background()
	}

	router := gin.New()

	mm := middleware.NewMonitoringMiddleware(deps.Metrics, logger)
	router.Use(mm.PanicRecovery())
	router.Use(mm.HTTPMetrics())
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.BodySizeLimit(middleware.DefaultBodyLimit))

	// CORS 配置
	origins := []string{"*"}
	if deps.Config != nil && len(deps.Config.CORS.AllowedOrigins) > 0 {
		origins = deps.Config.CORS.AllowedOrigins
	}
	corsConfig := gincors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	// 如果允许所有来源，则需清空凭证支持。
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowCredentials = false
			break
		}
	}
	router.Use(gincors.New(corsConfig))

	// 健康检查
	if deps.Health != nil {
		router.GET("/health/live", gin.WrapF(deps.Health.LiveHandler()))
		router.GET("/health/ready", gin.WrapF(deps.Health.ReadyHandler()))
		router.GET("/health", func(c *gin.Context) {
			results, ok := deps.Health.CheckHealth()
			if !ok {
				ErrorWithData(c, CodeServiceUnavailable, "服务不可用", results)
				return
			}
			Success(c, results)
		})
	}

	// Prometheus 指标
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))
	}

	handler := NewWarmupHandler(baseCtx, deps.Scheduler, deps.Reporter, deps.Scaler, logger.Named("http"))
	router.GET("/metrics/warmup", handler.ExportWarmupMetrics)

	if deps.Hub != nil {
		router.GET("/ws/events", websocket.HandleWebSocket(deps.Hub))
	}

	v1 := router.Group("/api/v1")
	{
		schedulerRoutes := v1.Group("/scheduler")
		{
			schedulerRoutes.GET("/status", handler.GetSchedulerStatus)
			schedulerRoutes.GET("/status/detailed", handler.GetDetailedStatus)
			schedulerRoutes.POST("/start", handler.StartScheduler)
			schedulerRoutes.POST("/stop", handler.StopScheduler)
			schedulerRoutes.POST("/trigger", handler.TriggerCycle)
		}

		metricsRoutes := v1.Group("/metrics")
		{
			metricsRoutes.GET("/mailboxes", handler.GetMailboxMetrics)
			metricsRoutes.GET("/quota", handler.GetQuotaStatus)
			metricsRoutes.GET("/summary", handler.GetSummary)
		}

		scalerRoutes := v1.Group("/scaler")
		{
			scalerRoutes.GET("/status", handler.GetScalerStatus)
			scalerRoutes.POST("/check", handler.CheckAndScale)
		}

		if deps.Alerts != nil {
			v1.GET("/alerts", func(c *gin.Context) {
				if c.Query("active") == "true" {
					Success(c, deps.Alerts.GetActiveAlerts())
					return
				}
				Success(c, deps.Alerts.GetAlerts())
			})
		}
	}

	return router
}
