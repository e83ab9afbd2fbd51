package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"
)

// Pinger 可探测连通性的外部依赖，例如 Redis
type Pinger interface {
	Ping(ctx context.Context) error
}

// StoreHealth 存储健康检查接口
type StoreHealth interface {
	Health() error
}

const checkTimeout = 5 * time.Second

// HealthChecker 健康检查器
//
// 存活检查只关注进程自身，就绪检查覆盖存储与外部依赖。
type HealthChecker struct {
	health healthcheck.Handler
	checks map[string]healthcheck.Check
	order  []string
	logger *zap.Logger
	now    func() time.Time
}

// NewHealthChecker 创建健康检查器
func NewHealthChecker(store StoreHealth, logger *zap.Logger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	hc := &HealthChecker{
		health: healthcheck.NewHandler(),
		checks: make(map[string]healthcheck.Check),
		logger: logger,
		now:    time.Now,
	}

	hc.health.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(10000))
	hc.addReadiness("database", healthcheck.Timeout(store.Health, checkTimeout))

	return hc
}

// AddPinger 添加外部依赖的就绪检查
func (hc *HealthChecker) AddPinger(name string, p Pinger) {
	hc.addReadiness(name, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
		defer cancel()
		return p.Ping(ctx)
	})
}

// AddScheduler 调度器未运行时就绪检查失败
func (hc *HealthChecker) AddScheduler(running func() bool) {
	hc.addReadiness("scheduler", func() error {
		if !running() {
			return fmt.Errorf("scheduler is not running")
		}
		return nil
	})
}

func (hc *HealthChecker) addReadiness(name string, check healthcheck.Check) {
	hc.health.AddReadinessCheck(name, check)
	hc.checks[name] = check
	hc.order = append(hc.order, name)
}

// Handler 返回健康检查处理器，提供 /live 与 /ready
func (hc *HealthChecker) Handler() http.Handler {
	return hc.health
}

// LiveHandler 存活检查
func (hc *HealthChecker) LiveHandler() http.HandlerFunc {
	return hc.health.LiveEndpoint
}

// ReadyHandler 就绪检查
func (hc *HealthChecker) ReadyHandler() http.HandlerFunc {
	return hc.health.ReadyEndpoint
}

// CheckHealth 执行所有就绪检查
//
// 返回值:
//   - map[string]string: 检查名到 "OK" 或 "ERROR: ..." 的映射，附带 timestamp
//   - bool: 全部检查通过
func (hc *HealthChecker) CheckHealth() (map[string]string, bool) {
	results := make(map[string]string, len(hc.order)+1)
	healthy := true
	for _, name := range hc.order {
		if err := hc.checks[name](); err != nil {
			results[name] = fmt.Sprintf("ERROR: %v", err)
			healthy = false
			hc.logger.Warn("Health check failed", zap.String("check", name), zap.Error(err))
			continue
		}
		results[name] = "OK"
	}
	results["timestamp"] = hc.now().Format(time.RFC3339)
	return results, healthy
}
