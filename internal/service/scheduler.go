package service

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"mailwarm/backend/internal/cooldown"
	"mailwarm/backend/internal/domain"
	"mailwarm/backend/internal/monitoring"
	"mailwarm/backend/internal/pool"
	"mailwarm/backend/internal/quota"
	"mailwarm/backend/internal/storage"
)

// CycleState 调度周期所处阶段
type CycleState string

const (
	StateIdle        CycleState = "IDLE"
	StateSelecting   CycleState = "SELECTING"
	StateDispatching CycleState = "DISPATCHING"
)

// 调度周期的触发来源
const (
	TriggerTimer  = "timer"
	TriggerManual = "manual"
)

// PipelineRunner 执行单个邮箱的发送流程，由 Pipeline 实现
type PipelineRunner interface {
	Run(ctx context.Context, mailbox *domain.Mailbox) PipelineResult
}

// SchedulerOptions 调度参数
type SchedulerOptions struct {
	Interval           time.Duration
	InitialDelay       time.Duration
	FailureBackoff     time.Duration
	BatchSize          int
	MaxConcurrentSends int
	Location           *time.Location
}

// DefaultSchedulerOptions 返回默认调度参数
func DefaultSchedulerOptions() SchedulerOptions {
	return SchedulerOptions{
		Interval:           15 * time.Minute,
		InitialDelay:       10 * time.Second,
		FailureBackoff:     60 * time.Second,
		BatchSize:          100,
		MaxConcurrentSends: 20,
		Location:           time.UTC,
	}
}

// CycleSummary 一轮调度的结果
type CycleSummary struct {
	Trigger        string    `json:"trigger"`
	StartedAt      time.Time `json:"startedAt"`
	FinishedAt     time.Time `json:"finishedAt"`
	Enabled        int       `json:"enabled"`
	Invalid        int       `json:"invalid"`
	QuotaExhausted int       `json:"quotaExhausted"`
	CoolingDown    int       `json:"coolingDown"`
	Eligible       int       `json:"eligible"`
	Dispatched     int       `json:"dispatched"`
	Sent           int       `json:"sent"`
	Replied        int       `json:"replied"`
	Failed         int       `json:"failed"`
	Skipped        int       `json:"skipped"`
	Error          string    `json:"error,omitempty"`
}

// SchedulerStatus 调度器基础状态
type SchedulerStatus struct {
	Running       bool       `json:"running"`
	LastCycleTime *time.Time `json:"lastCycleTime"`
}

// DetailedStatus 面向看板的调度器详细状态
type DetailedStatus struct {
	SchedulerStatus
	State              CycleState    `json:"state"`
	Interval           string        `json:"interval"`
	BatchSize          int           `json:"batchSize"`
	MaxConcurrentSends int           `json:"maxConcurrentSends"`
	NextCycleAt        *time.Time    `json:"nextCycleAt,omitempty"`
	TotalCycles        int           `json:"totalCycles"`
	FailedCycles       int           `json:"failedCycles"`
	LastCycle          *CycleSummary `json:"lastCycle,omitempty"`
	Today              *Summary      `json:"today,omitempty"`
}

// Scheduler 周期调度器
//
// 定时器与手动触发共用同一个单飞锁：同一时刻最多只有一轮在执行，
// 手动触发遇到正在执行的周期时返回 domain.ErrCycleInProgress。
// Stop 阻止新的周期开始，已经派发的流水线会自然执行完成。
type Scheduler struct {
	store    storage.Store
	tracker  cooldown.Tracker
	runner   PipelineRunner
	reporter *Reporter
	metrics  *monitoring.Metrics
	events   EventPublisher
	opts     SchedulerOptions
	log      *zap.Logger

	cycleMu sync.Mutex // 单飞锁

	mu            sync.RWMutex
	running       bool
	cancel        context.CancelFunc
	done          chan struct{}
	state         CycleState
	lastCycleTime time.Time
	nextCycleAt   time.Time
	lastCycle     *CycleSummary
	totalCycles   int
	failedCycles  int

	background sync.WaitGroup // 异步手动触发

	now     func() time.Time
	shuffle func(n int, swap func(i, j int))
}

// NewScheduler 创建调度器
func NewScheduler(store storage.Store, tracker cooldown.Tracker, runner PipelineRunner, reporter *Reporter, opts SchedulerOptions, log *zap.Logger) *Scheduler {
	def := DefaultSchedulerOptions()
	if opts.Interval <= 0 {
		opts.Interval = def.Interval
	}
	if opts.InitialDelay < 0 {
		opts.InitialDelay = 0
	}
	if opts.FailureBackoff <= 0 {
		opts.FailureBackoff = def.FailureBackoff
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.MaxConcurrentSends <= 0 {
		opts.MaxConcurrentSends = def.MaxConcurrentSends
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Scheduler{
		store:    store,
		tracker:  tracker,
		runner:   runner,
		reporter: reporter,
		opts:     opts,
		log:      log,
		state:    StateIdle,
		now:      time.Now,
		shuffle:  rand.Shuffle,
	}
}

// WithMetrics 设置监控指标
func (s *Scheduler) WithMetrics(m *monitoring.Metrics) *Scheduler {
	s.metrics = m
	return s
}

// WithEvents 设置实时事件推送
func (s *Scheduler) WithEvents(e EventPublisher) *Scheduler {
	s.events = e
	return s
}

// Start 启动周期调度，已在运行时不做任何事
//
// 返回值:
//   - bool: 本次调用是否真正启动了调度
func (s *Scheduler) Start(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(loopCtx, s.done)

	s.log.Info("warm-up scheduler started",
		zap.Duration("interval", s.opts.Interval),
		zap.Int("batch_size", s.opts.BatchSize),
		zap.Int("max_concurrent_sends", s.opts.MaxConcurrentSends),
	)
	return true
}

// Stop 停止周期调度并等待正在执行的周期结束，未运行时直接返回
//
// 参数:
//   - ctx: 等待的截止时间，超时后返回 ctx.Err()，周期仍会在后台完成
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.cancel()
	done := s.done
	s.nextCycleAt = time.Time{}
	s.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		<-done
		s.background.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		s.log.Info("warm-up scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	wait := s.opts.InitialDelay
	for {
		s.mu.Lock()
		s.nextCycleAt = s.now().Add(wait)
		s.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		_, err := s.tryRunCycle(ctx, TriggerTimer)
		switch {
		case err == nil, errors.Is(err, domain.ErrCycleInProgress):
			wait = s.opts.Interval
		case ctx.Err() != nil:
			return
		default:
			s.log.Error("warm-up cycle failed, backing off",
				zap.Duration("backoff", s.opts.FailureBackoff),
				zap.Error(err),
			)
			wait = s.opts.FailureBackoff
		}
	}
}

// TriggerManualRun 立即同步执行一轮调度，不影响定时器
//
// 返回值:
//   - *CycleSummary: 本轮结果
//   - error: 已有周期在执行时返回 domain.ErrCycleInProgress，选取阶段失败时返回对应错误
func (s *Scheduler) TriggerManualRun(ctx context.Context) (*CycleSummary, error) {
	return s.tryRunCycle(ctx, TriggerManual)
}

// TriggerManualRunAsync 在后台执行一轮调度，单飞检查在返回前完成
func (s *Scheduler) TriggerManualRunAsync() error {
	if !s.cycleMu.TryLock() {
		s.metrics.RecordCycle(TriggerManual, "rejected", 0, 0)
		return domain.ErrCycleInProgress
	}
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		defer s.cycleMu.Unlock()
		if _, err := s.runCycle(context.Background(), TriggerManual); err != nil {
			s.log.Error("manual warm-up cycle failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *Scheduler) tryRunCycle(ctx context.Context, trigger string) (*CycleSummary, error) {
	if !s.cycleMu.TryLock() {
		s.metrics.RecordCycle(trigger, "rejected", 0, 0)
		s.log.Info("warm-up cycle already in progress, skipping", zap.String("trigger", trigger))
		return nil, domain.ErrCycleInProgress
	}
	defer s.cycleMu.Unlock()
	return s.runCycle(ctx, trigger)
}

// runCycle 执行一轮调度，调用方必须持有 cycleMu
func (s *Scheduler) runCycle(ctx context.Context, trigger string) (*CycleSummary, error) {
	start := s.now()
	summary := &CycleSummary{Trigger: trigger, StartedAt: start}
	defer s.setState(StateIdle)

	s.setState(StateSelecting)
	batch, err := s.selectBatch(ctx, start, summary)
	if err != nil {
		summary.Error = err.Error()
		s.finish(summary, "failed")
		return summary, err
	}

	s.setState(StateDispatching)
	s.dispatch(ctx, batch, summary)
	s.finish(summary, "completed")

	s.log.Info("warm-up cycle completed",
		zap.String("trigger", trigger),
		zap.Int("enabled", summary.Enabled),
		zap.Int("dispatched", summary.Dispatched),
		zap.Int("sent", summary.Sent),
		zap.Int("replied", summary.Replied),
		zap.Int("failed", summary.Failed),
		zap.Duration("duration", summary.FinishedAt.Sub(summary.StartedAt)),
	)
	return summary, nil
}

// selectBatch 过滤出有额度且冷却完成的邮箱，随机打乱后取前 BatchSize 个
func (s *Scheduler) selectBatch(ctx context.Context, now time.Time, summary *CycleSummary) ([]*domain.Mailbox, error) {
	mailboxes, err := s.store.ListWarmupEnabledMailboxes(ctx)
	if err != nil {
		return nil, err
	}
	summary.Enabled = len(mailboxes)
	s.metrics.UpdateMailboxesEnabled(len(mailboxes))

	from, to := quota.DayWindow(now, s.opts.Location)
	sentToday, err := s.store.CountEventsByStatus(ctx, domain.StatusSent, from, to)
	if err != nil {
		return nil, err
	}

	eligible := make([]*domain.Mailbox, 0, len(mailboxes))
	for i := range mailboxes {
		m := &mailboxes[i]
		if err := m.Validate(); err != nil {
			summary.Invalid++
			s.log.Warn("skipping misconfigured mailbox", zap.String("mailbox_id", m.ID), zap.Error(err))
			continue
		}
		if _, err := quota.Check(m, sentToday[m.ID], now); err != nil {
			summary.QuotaExhausted++
			continue
		}
		if seeder, ok := s.tracker.(cooldown.Seeder); ok && m.LastSentAt != nil {
			seeder.Seed(m.ID, *m.LastSentAt)
		}
		ok, err := s.tracker.IsEligible(ctx, m.ID, now)
		if err != nil {
			return nil, err
		}
		if !ok {
			summary.CoolingDown++
			continue
		}
		eligible = append(eligible, m)
	}
	summary.Eligible = len(eligible)
	s.metrics.RecordSkipped("invalid", summary.Invalid)
	s.metrics.RecordSkipped("quota", summary.QuotaExhausted)
	s.metrics.RecordSkipped("cooldown", summary.CoolingDown)

	s.shuffle(len(eligible), func(i, j int) { eligible[i], eligible[j] = eligible[j], eligible[i] })
	if len(eligible) > s.opts.BatchSize {
		eligible = eligible[:s.opts.BatchSize]
	}
	return eligible, nil
}

// dispatch 以有限并发执行流水线。
// 流水线使用脱离取消的 ctx，Stop 只会阻止尚未派发的邮箱。
func (s *Scheduler) dispatch(ctx context.Context, batch []*domain.Mailbox, summary *CycleSummary) {
	workers := pool.NewWorkerPool(s.opts.MaxConcurrentSends, s.log)
	runCtx := context.WithoutCancel(ctx)

	var mu sync.Mutex
	for _, m := range batch {
		m := m
		err := workers.Submit(ctx, m.ID, func() {
			res := s.runner.Run(runCtx, m)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case res.Skipped:
				summary.Skipped++
			case res.Err != nil && !res.Sent:
				summary.Failed++
			}
			if res.Sent {
				summary.Sent++
			}
			if res.Replied {
				summary.Replied++
			}
		})
		if err != nil {
			s.log.Info("dispatch interrupted, remaining mailboxes left for the next cycle",
				zap.Int("dispatched", summary.Dispatched),
				zap.Int("batch", len(batch)),
			)
			break
		}
		mu.Lock()
		summary.Dispatched++
		mu.Unlock()
	}
	workers.Wait()
}

func (s *Scheduler) setState(state CycleState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Scheduler) finish(summary *CycleSummary, result string) {
	summary.FinishedAt = s.now()

	s.mu.Lock()
	s.lastCycleTime = summary.FinishedAt
	s.lastCycle = summary
	s.totalCycles++
	if result == "failed" {
		s.failedCycles++
	}
	s.mu.Unlock()

	s.metrics.RecordCycle(summary.Trigger, result, summary.Dispatched, summary.FinishedAt.Sub(summary.StartedAt))
	if s.events != nil {
		s.events.Publish("cycle", summary)
	}
}

// GetStatus 返回运行状态与最后一轮的完成时间
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statusLocked()
}

func (s *Scheduler) statusLocked() SchedulerStatus {
	st := SchedulerStatus{Running: s.running}
	if !s.lastCycleTime.IsZero() {
		t := s.lastCycleTime
		st.LastCycleTime = &t
	}
	return st
}

// State 返回当前周期阶段
func (s *Scheduler) State() CycleState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// LastCycle 返回最后一轮的结果副本
func (s *Scheduler) LastCycle() *CycleSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastCycle == nil {
		return nil
	}
	c := *s.lastCycle
	return &c
}

// GetDetailedStatus 返回调度状态与当日汇总
func (s *Scheduler) GetDetailedStatus(ctx context.Context) (*DetailedStatus, error) {
	s.mu.RLock()
	ds := &DetailedStatus{
		SchedulerStatus:    s.statusLocked(),
		State:              s.state,
		Interval:           s.opts.Interval.String(),
		BatchSize:          s.opts.BatchSize,
		MaxConcurrentSends: s.opts.MaxConcurrentSends,
		TotalCycles:        s.totalCycles,
		FailedCycles:       s.failedCycles,
	}
	if !s.nextCycleAt.IsZero() {
		t := s.nextCycleAt
		ds.NextCycleAt = &t
	}
	if s.lastCycle != nil {
		c := *s.lastCycle
		ds.LastCycle = &c
	}
	s.mu.RUnlock()

	if s.reporter != nil {
		today, err := s.reporter.GetSummary(ctx)
		if err != nil {
			return nil, err
		}
		ds.Today = today
	}
	return ds, nil
}

// GetMetrics 返回统计报告器
func (s *Scheduler) GetMetrics() *Reporter {
	return s.reporter
}
