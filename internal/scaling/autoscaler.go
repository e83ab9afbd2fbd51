package scaling

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"mailwarm/backend/internal/domain"
	"mailwarm/backend/internal/monitoring"
)

// MailboxCounter 统计启用预热的邮箱数
type MailboxCounter interface {
	CountWarmupEnabledMailboxes(ctx context.Context) (int, error)
}

// EventPublisher 实时事件推送
type EventPublisher interface {
	Publish(kind string, payload interface{})
}

// Options 自动扩缩容参数
type Options struct {
	Interval           time.Duration
	MailboxesPerWorker int
	MinWorkers         int
	MaxWorkers         int
	ScaleUpThreshold   float64 // 0..1
	ScaleDownThreshold float64 // 0..1
	ScaleUpCooldown    time.Duration
	ScaleDownCooldown  time.Duration
	CommandTimeout     time.Duration
}

// DefaultOptions 返回默认参数
func DefaultOptions() Options {
	return Options{
		Interval:           5 * time.Minute,
		MailboxesPerWorker: 1000,
		MinWorkers:         1,
		MaxWorkers:         10,
		ScaleUpThreshold:   0.80,
		ScaleDownThreshold: 0.30,
		ScaleUpCooldown:    10 * time.Minute,
		ScaleDownCooldown:  30 * time.Minute,
		CommandTimeout:     2 * time.Minute,
	}
}

// Status 扩缩容器当前状态
type Status struct {
	Backend            string                  `json:"backend"`
	Running            bool                    `json:"running"`
	CurrentWorkers     int                     `json:"currentWorkers"`
	MailboxCount       int                     `json:"mailboxCount"`
	UtilizationPercent float64                 `json:"utilizationPercent"`
	OptimalWorkers     int                     `json:"optimalWorkers"`
	MinWorkers         int                     `json:"minWorkers"`
	MaxWorkers         int                     `json:"maxWorkers"`
	CanScaleUp         bool                    `json:"canScaleUp"`
	CanScaleDown       bool                    `json:"canScaleDown"`
	LastScaleUp        *time.Time              `json:"lastScaleUp,omitempty"`
	LastScaleDown      *time.Time              `json:"lastScaleDown,omitempty"`
	LastDecision       *domain.ScalingDecision `json:"lastDecision,omitempty"`
}

// AutoScaler 按邮箱数量与 worker 容量的比例调整 worker 数
//
// 每次决策最多增减一个 worker；扩容与缩容各自有独立的冷却计时，
// 命令失败时冷却计时同样更新，避免连续重试。
type AutoScaler struct {
	counter MailboxCounter
	backend Backend
	opts    Options
	log     *zap.Logger
	metrics *monitoring.Metrics
	events  EventPublisher

	inFlight atomic.Bool // 单飞标记

	mu            sync.Mutex
	cachedWorkers int
	lastScaleUp   time.Time
	lastScaleDown time.Time
	lastDecision  *domain.ScalingDecision

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	now func() time.Time
}

// New 创建自动扩缩容器
func New(counter MailboxCounter, backend Backend, opts Options, log *zap.Logger) *AutoScaler {
	def := DefaultOptions()
	if opts.Interval <= 0 {
		opts.Interval = def.Interval
	}
	if opts.MailboxesPerWorker <= 0 {
		opts.MailboxesPerWorker = def.MailboxesPerWorker
	}
	if opts.MinWorkers < 0 {
		opts.MinWorkers = 0
	}
	if opts.MaxWorkers < opts.MinWorkers {
		opts.MaxWorkers = opts.MinWorkers
	}
	if opts.ScaleUpThreshold <= 0 {
		opts.ScaleUpThreshold = def.ScaleUpThreshold
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = def.CommandTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &AutoScaler{
		counter:       counter,
		backend:       backend,
		opts:          opts,
		log:           log,
		cachedWorkers: opts.MinWorkers,
		now:           time.Now,
	}
}

// WithMetrics 设置监控指标
func (a *AutoScaler) WithMetrics(m *monitoring.Metrics) *AutoScaler {
	a.metrics = m
	return a
}

// WithEvents 设置实时事件推送
func (a *AutoScaler) WithEvents(e EventPublisher) *AutoScaler {
	a.events = e
	return a
}

// Utilization 负载比例 mailboxCount / (workers × mailboxesPerWorker)
//
// 没有 worker 但有邮箱时视为满载。
func Utilization(mailboxCount, workers, perWorker int) float64 {
	if workers <= 0 || perWorker <= 0 {
		if mailboxCount > 0 {
			return 1
		}
		return 0
	}
	return float64(mailboxCount) / float64(workers*perWorker)
}

// OptimalWorkers 使利用率不超过扩容阈值所需的最少 worker 数，限制在 [min, max]。
// 按 perWorker × 扩容阈值 而不是 perWorker 取整：ceil(850/1000) = 1 会把 85% 利用率下的扩容目标压回 1。
func OptimalWorkers(mailboxCount int, opts Options) int {
	capacity := float64(opts.MailboxesPerWorker) * opts.ScaleUpThreshold
	n := 0
	if capacity > 0 {
		n = int(math.Ceil(float64(mailboxCount) / capacity))
	}
	return clamp(n, opts.MinWorkers, opts.MaxWorkers)
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

func inCooldown(last, now time.Time, cooldown time.Duration) bool {
	return !last.IsZero() && now.Sub(last) < cooldown
}

// Evaluate 根据邮箱数与当前 worker 数给出决策，不执行任何命令
//
// 参数:
//   - mailboxCount: 启用预热的邮箱数
//   - currentWorkers: 当前 worker 数
//   - now: 用于判断冷却
//
// 返回值:
//   - domain.ScalingDecision: 扩容优先，其次缩容，否则不变
func (a *AutoScaler) Evaluate(mailboxCount, currentWorkers int, now time.Time) domain.ScalingDecision {
	a.mu.Lock()
	lastUp, lastDown := a.lastScaleUp, a.lastScaleDown
	a.mu.Unlock()

	o := a.opts
	util := Utilization(mailboxCount, currentWorkers, o.MailboxesPerWorker)
	optimal := OptimalWorkers(mailboxCount, o)

	d := domain.ScalingDecision{
		Action:             domain.NoChange,
		CurrentWorkers:     currentWorkers,
		TargetWorkers:      currentWorkers,
		MailboxCount:       mailboxCount,
		UtilizationPercent: util * 100,
		Timestamp:          now,
	}

	switch {
	case currentWorkers < o.MinWorkers:
		if inCooldown(lastUp, now, o.ScaleUpCooldown) {
			d.Reason = "in cooldown"
			return d
		}
		d.Action = domain.ScaleUp
		d.TargetWorkers = currentWorkers + 1
		d.Reason = fmt.Sprintf("below minimum of %d workers", o.MinWorkers)

	case currentWorkers > o.MaxWorkers:
		if inCooldown(lastDown, now, o.ScaleDownCooldown) {
			d.Reason = "in cooldown"
			return d
		}
		d.Action = domain.ScaleDown
		d.TargetWorkers = currentWorkers - 1
		d.Reason = fmt.Sprintf("above maximum of %d workers", o.MaxWorkers)

	case util >= o.ScaleUpThreshold:
		if inCooldown(lastUp, now, o.ScaleUpCooldown) {
			d.Reason = "in cooldown"
			return d
		}
		target := min(currentWorkers+1, optimal, o.MaxWorkers)
		if target <= currentWorkers {
			d.Reason = fmt.Sprintf("utilization %.1f%% but already at %d workers", util*100, currentWorkers)
			return d
		}
		d.Action = domain.ScaleUp
		d.TargetWorkers = target
		d.Reason = fmt.Sprintf("utilization %.1f%% >= %.1f%%", util*100, o.ScaleUpThreshold*100)

	case util <= o.ScaleDownThreshold:
		if inCooldown(lastDown, now, o.ScaleDownCooldown) {
			d.Reason = "in cooldown"
			return d
		}
		target := max(currentWorkers-1, optimal, o.MinWorkers)
		if target >= currentWorkers {
			d.Reason = fmt.Sprintf("utilization %.1f%% but already at %d workers", util*100, currentWorkers)
			return d
		}
		d.Action = domain.ScaleDown
		d.TargetWorkers = target
		d.Reason = fmt.Sprintf("utilization %.1f%% <= %.1f%%", util*100, o.ScaleDownThreshold*100)

	default:
		d.Reason = fmt.Sprintf("utilization %.1f%% within thresholds", util*100)
	}
	return d
}

// currentWorkers 查询后端 worker 数，失败时使用缓存值
func (a *AutoScaler) currentWorkers(ctx context.Context) int {
	n, err := a.backend.GetReplicaCount(ctx)
	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		a.log.Warn("failed to query worker count, using cached value",
			zap.String("backend", a.backend.Name()),
			zap.Int("cached_workers", a.cachedWorkers),
			zap.Error(err),
		)
		return a.cachedWorkers
	}
	a.cachedWorkers = n
	return n
}

// CheckAndScale 执行一次检查，需要时下发扩缩容命令
//
// 返回值:
//   - *domain.ScalingDecision: 本次决策，命令失败时 Error 字段有值
//   - error: 另一检查进行中时返回 domain.ErrCheckInProgress，命令失败时返回 *domain.OrchestrationError
func (a *AutoScaler) CheckAndScale(ctx context.Context) (*domain.ScalingDecision, error) {
	if !a.inFlight.CompareAndSwap(false, true) {
		return nil, domain.ErrCheckInProgress
	}
	defer a.inFlight.Store(false)

	count, err := a.counter.CountWarmupEnabledMailboxes(ctx)
	if err != nil {
		return nil, fmt.Errorf("count warm-up mailboxes: %w", err)
	}
	current := a.currentWorkers(ctx)
	now := a.now()
	decision := a.Evaluate(count, current, now)

	if decision.Action == domain.NoChange {
		a.remember(&decision, nil)
		a.log.Debug("no scaling needed",
			zap.Int("mailboxes", count),
			zap.Int("workers", current),
			zap.String("reason", decision.Reason),
		)
		return &decision, nil
	}

	cmdCtx, cancel := context.WithTimeout(ctx, a.opts.CommandTimeout)
	cmdErr := a.backend.SetReplicaCount(cmdCtx, decision.TargetWorkers)
	cancel()

	a.mu.Lock()
	if decision.Action == domain.ScaleUp {
		a.lastScaleUp = now
	} else {
		a.lastScaleDown = now
	}
	if cmdErr == nil {
		a.cachedWorkers = decision.TargetWorkers
	}
	a.mu.Unlock()

	if cmdErr != nil {
		oe := &domain.OrchestrationError{
			Backend: a.backend.Name(),
			Action:  string(decision.Action),
			Target:  decision.TargetWorkers,
			Err:     cmdErr,
		}
		decision.Error = oe.Error()
		a.remember(&decision, oe)
		a.log.Error("scaling command failed",
			zap.String("action", string(decision.Action)),
			zap.Int("target_workers", decision.TargetWorkers),
			zap.Error(cmdErr),
		)
		return &decision, oe
	}

	a.remember(&decision, nil)
	a.log.Info("workers scaled",
		zap.String("action", string(decision.Action)),
		zap.Int("from", decision.CurrentWorkers),
		zap.Int("to", decision.TargetWorkers),
		zap.Int("mailboxes", count),
		zap.String("reason", decision.Reason),
	)
	return &decision, nil
}

func (a *AutoScaler) remember(d *domain.ScalingDecision, err error) {
	copied := *d
	a.mu.Lock()
	a.lastDecision = &copied
	workers := a.cachedWorkers
	a.mu.Unlock()

	a.metrics.RecordScaling(string(d.Action), workers, d.UtilizationPercent, err != nil)
	if a.events != nil {
		a.events.Publish("scaling", copied)
	}
}

// GetStatus 查询邮箱数与 worker 数并返回当前状态
func (a *AutoScaler) GetStatus(ctx context.Context) (*Status, error) {
	count, err := a.counter.CountWarmupEnabledMailboxes(ctx)
	if err != nil {
		return nil, err
	}
	current := a.currentWorkers(ctx)
	now := a.now()

	a.mu.Lock()
	defer a.mu.Unlock()

	st := &Status{
		Backend:            a.backend.Name(),
		Running:            a.isRunning(),
		CurrentWorkers:     current,
		MailboxCount:       count,
		UtilizationPercent: Utilization(count, current, a.opts.MailboxesPerWorker) * 100,
		OptimalWorkers:     OptimalWorkers(count, a.opts),
		MinWorkers:         a.opts.MinWorkers,
		MaxWorkers:         a.opts.MaxWorkers,
		CanScaleUp:         current < a.opts.MaxWorkers && !inCooldown(a.lastScaleUp, now, a.opts.ScaleUpCooldown),
		CanScaleDown:       current > a.opts.MinWorkers && !inCooldown(a.lastScaleDown, now, a.opts.ScaleDownCooldown),
	}
	if !a.lastScaleUp.IsZero() {
		t := a.lastScaleUp
		st.LastScaleUp = &t
	}
	if !a.lastScaleDown.IsZero() {
		t := a.lastScaleDown
		st.LastScaleDown = &t
	}
	if a.lastDecision != nil {
		d := *a.lastDecision
		st.LastDecision = &d
	}
	return st, nil
}

func (a *AutoScaler) isRunning() bool {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.running
}

// Start 启动后台检查循环，已在运行时返回 false
func (a *AutoScaler) Start(ctx context.Context) bool {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return false
	}
	loopCtx, cancel := context.WithCancel(ctx)
	a.running = true
	a.cancel = cancel
	a.done = make(chan struct{})
	go a.loop(loopCtx, a.done)

	a.log.Info("auto-scaler started",
		zap.String("backend", a.backend.Name()),
		zap.Duration("interval", a.opts.Interval),
	)
	return true
}

// Stop 停止后台循环并等待当前检查结束
func (a *AutoScaler) Stop(ctx context.Context) error {
	a.runMu.Lock()
	if !a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = false
	a.cancel()
	done := a.done
	a.runMu.Unlock()

	select {
	case <-done:
		a.log.Info("auto-scaler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// loop 后台循环吞掉所有错误，下一个周期继续
func (a *AutoScaler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(a.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if _, err := a.CheckAndScale(ctx); err != nil {
			if errors.Is(err, domain.ErrCheckInProgress) {
				a.log.Debug("scaling check skipped, previous check still running")
				continue
			}
			a.log.Error("scaling check failed", zap.Error(err))
		}
	}
}
