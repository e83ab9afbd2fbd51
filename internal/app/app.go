// Package app 按配置组装预热服务的各个组件，供各个命令入口共用。
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mailwarm/backend/internal/config"
	"mailwarm/backend/internal/cooldown"
	"mailwarm/backend/internal/crypto"
	"mailwarm/backend/internal/health"
	"mailwarm/backend/internal/imap"
	"mailwarm/backend/internal/monitoring"
	"mailwarm/backend/internal/scaling"
	"mailwarm/backend/internal/security"
	"mailwarm/backend/internal/service"
	"mailwarm/backend/internal/smtp"
	"mailwarm/backend/internal/storage"
	"mailwarm/backend/internal/storage/memory"
	redisstore "mailwarm/backend/internal/storage/redis"
	sqlstore "mailwarm/backend/internal/storage/sql"
)

const (
	// reservationTTL Redis 中占用标记的过期时间，进程崩溃后占用自动失效
	reservationTTL = 5 * time.Minute
	// hostConnRate 单个 SMTP 主机每秒新建连接数上限
	hostConnRate = 2.0
)

// App 已组装的组件
type App struct {
	Config    *config.Config
	Log       *zap.Logger
	Store     storage.Store
	Tracker   cooldown.Tracker
	Redis     *redisstore.Client // 未启用 Redis 时为 nil
	Metrics   *monitoring.Metrics
	Pipeline  *service.Pipeline
	Reporter  *service.Reporter
	Scheduler *service.Scheduler
	Scaler    *scaling.AutoScaler // 未启用自动扩缩容时为 nil

	closers []func() error
}

// EventPublisher 实时事件推送
type EventPublisher interface {
	Publish(kind string, payload interface{})
}

// OpenStore 按配置打开存储
func OpenStore(cfg *config.Config) (storage.Store, error) {
	if cfg.Database.Type == "memory" {
		return memory.NewStore(), nil
	}
	store, err := sqlstore.NewStore(cfg.Database.Type, cfg.Database.DSN, sqlstore.Options{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Database.Type, err)
	}
	return store, nil
}

// New 组装存储、冷却跟踪、收发传输、流水线、统计与调度器
//
// 参数:
//   - cfg: 已校验的配置
//   - log: 根日志记录器
//
// 返回值:
//   - *App: 组装完成的组件，调用方负责 Close
//   - error: 存储、Redis、密钥或扩缩容后端初始化失败
func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	a := &App{Config: cfg, Log: log, Metrics: monitoring.NewMetrics(nil)}

	store, err := OpenStore(cfg)
	if err != nil {
		return nil, err
	}
	a.Store = store
	a.closers = append(a.closers, store.Close)
	log.Info("store initialized", zap.String("type", cfg.Database.Type))

	window := cooldown.Window{Min: cfg.Warmup.MinCooldown, Max: cfg.Warmup.MaxCooldown}
	if cfg.Redis.Enabled {
		client, err := redisstore.New(&cfg.Redis, log.Named("redis"))
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.Redis = client
		a.closers = append(a.closers, client.Close)
		a.Tracker = redisstore.NewCooldownTracker(client.Client(), window, reservationTTL)
	} else {
		a.Tracker = cooldown.NewMemoryTracker(window)
	}

	sender := smtp.NewSender(smtp.Options{
		ConnectTimeout:  cfg.Warmup.ConnectTimeout,
		GreetingTimeout: cfg.Warmup.GreetingTimeout,
		SocketTimeout:   cfg.Warmup.SocketTimeout,
		HeloName:        cfg.Warmup.HeloName,
	}, smtp.NewHostLimiter(cfg.Warmup.MaxConnsPerHost, hostConnRate), log.Named("smtp"))

	var inbox service.InboxChecker
	if cfg.Warmup.ReplyEnabled {
		inbox = imap.NewChecker(imap.Options{
			ConnectTimeout: cfg.Warmup.ConnectTimeout,
			SocketTimeout:  cfg.Warmup.SocketTimeout,
		}, log.Named("imap"))
	}

	a.Pipeline = service.NewPipeline(a.Store, a.Tracker, sender, inbox, service.PipelineOptions{
		ReplyEnabled:      cfg.Warmup.ReplyEnabled,
		MaxSendsPerSecond: cfg.Warmup.MaxSendsPerSecond,
		PoolCacheTTL:      cfg.Warmup.PoolCacheTTL,
	}, log.Named("pipeline")).
		WithMetrics(a.Metrics).
		WithContentFilter(security.NewContentFilter())

	if cfg.Crypto.CredentialKey != "" {
		box, err := crypto.NewBox(cfg.Crypto.CredentialKey)
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("invalid crypto.credential_key: %w", err)
		}
		a.Pipeline.WithCredentialBox(box)
	}

	a.Reporter = service.NewReporter(a.Store, cfg.Warmup.Timezone, cfg.Warmup.OnTrackPercent, log.Named("reporter"))
	a.Scheduler = service.NewScheduler(a.Store, a.Tracker, a.Pipeline, a.Reporter, service.SchedulerOptions{
		Interval:           cfg.Warmup.Interval,
		InitialDelay:       cfg.Warmup.InitialDelay,
		FailureBackoff:     cfg.Warmup.FailureBackoff,
		BatchSize:          cfg.Warmup.BatchSize,
		MaxConcurrentSends: cfg.Warmup.MaxConcurrentSends,
		Location:           cfg.Warmup.Timezone,
	}, log.Named("scheduler")).WithMetrics(a.Metrics)

	if cfg.Scaler.Enabled {
		if _, err := a.EnableScaler(); err != nil {
			_ = a.Close()
			return nil, err
		}
	}
	return a, nil
}

// ScalerOptions 把配置转换为扩缩容参数
func ScalerOptions(cfg config.ScalerConfig) scaling.Options {
	return scaling.Options{
		Interval:           cfg.Interval,
		MailboxesPerWorker: cfg.MailboxesPerWorker,
		MinWorkers:         cfg.MinWorkers,
		MaxWorkers:         cfg.MaxWorkers,
		ScaleUpThreshold:   cfg.ScaleUpThreshold,
		ScaleDownThreshold: cfg.ScaleDownThreshold,
		ScaleUpCooldown:    cfg.ScaleUpCooldown,
		ScaleDownCooldown:  cfg.ScaleDownCooldown,
		CommandTimeout:     cfg.CommandTimeout,
	}
}

// EnableScaler 按配置的后端创建自动扩缩容器，已创建时直接返回
func (a *App) EnableScaler() (*scaling.AutoScaler, error) {
	if a.Scaler != nil {
		return a.Scaler, nil
	}
	backend, err := scaling.NewBackend(a.Config.Scaler, a.Log.Named("scaling"))
	if err != nil {
		return nil, err
	}
	a.Scaler = scaling.New(a.Store, backend, ScalerOptions(a.Config.Scaler), a.Log.Named("autoscaler")).
		WithMetrics(a.Metrics)
	a.Log.Info("auto-scaler configured", zap.String("backend", backend.Name()))
	return a.Scaler, nil
}

// AttachEvents 把流水线、调度器与扩缩容器的事件推送到同一个发布者
func (a *App) AttachEvents(p EventPublisher) {
	a.Pipeline.WithEvents(p)
	a.Scheduler.WithEvents(p)
	if a.Scaler != nil {
		a.Scaler.WithEvents(p)
	}
}

// HealthChecker 创建覆盖存储、Redis 与调度器的健康检查
func (a *App) HealthChecker() *health.HealthChecker {
	hc := health.NewHealthChecker(a.Store, a.Log.Named("health"))
	if a.Redis != nil {
		hc.AddPinger("redis", a.Redis)
	}
	hc.AddScheduler(func() bool { return a.Scheduler.GetStatus().Running })
	return hc
}

// AlertManager 创建带内置规则的告警管理器
func (a *App) AlertManager() *monitoring.AlertManager {
	am := monitoring.NewAlertManager(a.Log.Named("alert"))
	am.AddReceiver(monitoring.NewLogAlertReceiver(a.Log.Named("alert")))
	if url := a.Config.Alert.WebhookURL; url != "" {
		am.AddReceiver(monitoring.NewWebhookAlertReceiver(url, a.Log.Named("alert")))
	}

	am.AddRule(monitoring.StoreHealthRule(a.Store.Health))
	am.AddRule(monitoring.HighFailureRatioRule(func() (monitoring.CycleSnapshot, bool) {
		last := a.Scheduler.LastCycle()
		if last == nil {
			return monitoring.CycleSnapshot{}, false
		}
		return monitoring.CycleSnapshot{Dispatched: last.Dispatched, Failed: last.Failed}, true
	}, a.Config.Alert.FailureRatio, 5))
	am.AddRule(monitoring.SchedulerStalledRule(func() (time.Time, bool) {
		status := a.Scheduler.GetStatus()
		if status.LastCycleTime == nil {
			return time.Time{}, status.Running
		}
		return *status.LastCycleTime, status.Running
	}, a.Config.Alert.StalledAfter, time.Now))

	if a.Scaler != nil {
		threshold := a.Config.Scaler.ScaleUpThreshold * 100
		am.AddRule(monitoring.ScalerSaturatedRule(func() (monitoring.ScalerSnapshot, bool) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			status, err := a.Scaler.GetStatus(ctx)
			if err != nil {
				return monitoring.ScalerSnapshot{}, false
			}
			return monitoring.ScalerSnapshot{
				CurrentWorkers:          status.CurrentWorkers,
				MaxWorkers:              status.MaxWorkers,
				UtilizationPercent:      status.UtilizationPercent,
				ScaleUpThresholdPercent: threshold,
			}, true
		}))
	}
	return am
}

// Close 按创建的逆序释放资源
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
