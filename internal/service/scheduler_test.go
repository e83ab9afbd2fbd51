package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"mailwarm/backend/internal/cooldown"
	"mailwarm/backend/internal/domain"
	"mailwarm/backend/internal/storage/memory"
)

// fakeRunner 记录被调度的邮箱
type fakeRunner struct {
	mu    sync.Mutex
	calls []string
	fn    func(ctx context.Context, m *domain.Mailbox) PipelineResult
}

func (r *fakeRunner) Run(ctx context.Context, m *domain.Mailbox) PipelineResult {
	r.mu.Lock()
	r.calls = append(r.calls, m.ID)
	r.mu.Unlock()
	if r.fn != nil {
		return r.fn(ctx, m)
	}
	return PipelineResult{MailboxID: m.ID, Sent: true}
}

func (r *fakeRunner) called() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// failingStore 列出邮箱时总是失败
type failingStore struct {
	*memory.Store
}

func (s failingStore) ListWarmupEnabledMailboxes(context.Context) ([]domain.Mailbox, error) {
	return nil, errors.New("database unreachable")
}

func newTestScheduler(store *memory.Store, tracker cooldown.Tracker, runner PipelineRunner, opts SchedulerOptions) *Scheduler {
	s := NewScheduler(store, tracker, runner, NewReporter(store, time.UTC, 50, nil), opts, nil)
	s.now = func() time.Time { return fixedNow }
	s.shuffle = func(int, func(i, j int)) {}
	return s
}

func TestScheduler_SelectsEligibleMailboxes(t *testing.T) {
	ctx := context.Background()

	exhausted := newMailbox("exhausted")
	cooling := newMailbox("cooling")
	invalid := newMailbox("invalid")
	invalid.SMTPHost = ""
	ready := newMailbox("ready")
	repliedOnly := newMailbox("replied")
	disabled := newMailbox("disabled")
	disabled.WarmupEnabled = false

	store := newSeededStore(t, exhausted, cooling, invalid, ready, repliedOnly, disabled)
	appendEvents(t, store, exhausted.ID, domain.StatusSent, 9, fixedNow.Add(-time.Hour))
	appendEvents(t, store, repliedOnly.ID, domain.StatusReplied, 9, fixedNow.Add(-time.Hour))
	appendEvents(t, store, repliedOnly.ID, domain.StatusSent, 8, fixedNow.Add(-time.Hour))

	tracker := cooldown.NewMemoryTracker(cooldown.Window{Min: time.Hour, Max: time.Hour})
	tracker.Seed(cooling.ID, fixedNow.Add(-10*time.Minute))

	runner := &fakeRunner{}
	s := newTestScheduler(store, tracker, runner, SchedulerOptions{})

	summary, err := s.TriggerManualRun(ctx)
	require.NoError(t, err)

	assert.Equal(t, 5, summary.Enabled)
	assert.Equal(t, 1, summary.Invalid)
	assert.Equal(t, 1, summary.QuotaExhausted)
	assert.Equal(t, 1, summary.CoolingDown)
	assert.Equal(t, 2, summary.Eligible)
	assert.Equal(t, 2, summary.Dispatched)
	assert.Equal(t, 2, summary.Sent)
	assert.ElementsMatch(t, []string{"ready", "replied"}, runner.called(), "REPLIED 不占用额度")
	assert.Equal(t, TriggerManual, summary.Trigger)

	status := s.GetStatus()
	require.NotNil(t, status.LastCycleTime)
	assert.Equal(t, fixedNow, *status.LastCycleTime)
	assert.False(t, status.Running)
	assert.Equal(t, StateIdle, s.State())
}

func TestScheduler_BatchSizeAndConcurrency(t *testing.T) {
	var mailboxes []*domain.Mailbox
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"} {
		mailboxes = append(mailboxes, newMailbox(id))
	}
	store := newSeededStore(t, mailboxes...)
	tracker := cooldown.NewMemoryTracker(cooldown.Window{})

	var inFlight, peak atomic.Int64
	runner := &fakeRunner{fn: func(_ context.Context, m *domain.Mailbox) PipelineResult {
		n := inFlight.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return PipelineResult{MailboxID: m.ID, Sent: true}
	}}

	s := newTestScheduler(store, tracker, runner, SchedulerOptions{BatchSize: 7, MaxConcurrentSends: 2})
	summary, err := s.TriggerManualRun(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 10, summary.Eligible)
	assert.Equal(t, 7, summary.Dispatched)
	assert.Len(t, runner.called(), 7)
	assert.LessOrEqual(t, peak.Load(), int64(2))
}

func TestScheduler_FailuresDoNotAbortBatch(t *testing.T) {
	store := newSeededStore(t, newMailbox("a"), newMailbox("b"), newMailbox("c"), newMailbox("d"))
	runner := &fakeRunner{fn: func(_ context.Context, m *domain.Mailbox) PipelineResult {
		switch m.ID {
		case "a":
			panic("transport exploded")
		case "b":
			return PipelineResult{MailboxID: m.ID, Err: errors.New("535 auth failed")}
		case "c":
			return PipelineResult{MailboxID: m.ID, Skipped: true}
		}
		return PipelineResult{MailboxID: m.ID, Sent: true, Replied: true}
	}}

	s := newTestScheduler(store, cooldown.NewMemoryTracker(cooldown.Window{}), runner, SchedulerOptions{})
	summary, err := s.TriggerManualRun(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, summary.Dispatched)
	assert.Equal(t, 1, summary.Sent)
	assert.Equal(t, 1, summary.Replied)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Skipped)
	assert.Len(t, runner.called(), 4)
}

func TestScheduler_CycleFailure(t *testing.T) {
	store := failingStore{Store: newSeededStore(t)}
	s := NewScheduler(store, cooldown.NewMemoryTracker(cooldown.Window{}), &fakeRunner{}, nil, SchedulerOptions{}, nil)

	summary, err := s.TriggerManualRun(context.Background())
	require.Error(t, err)
	require.NotNil(t, summary)
	assert.Equal(t, "database unreachable", summary.Error)

	ds, err := s.GetDetailedStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, ds.TotalCycles)
	assert.Equal(t, 1, ds.FailedCycles)
	assert.Nil(t, ds.Today)
}

func TestScheduler_TimerBacksOffAfterFailure(t *testing.T) {
	store := failingStore{Store: newSeededStore(t)}
	s := NewScheduler(store, cooldown.NewMemoryTracker(cooldown.Window{}), &fakeRunner{}, nil, SchedulerOptions{Interval: time.Hour}, nil)
	s.opts.InitialDelay = 0
	s.opts.FailureBackoff = 20 * time.Millisecond

	require.True(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	assert.Eventually(t, func() bool {
		ds, err := s.GetDetailedStatus(context.Background())
		return err == nil && ds.FailedCycles >= 2
	}, 2*time.Second, 5*time.Millisecond, "失败后按退避间隔重试，而不是等待一个完整周期")

	ds, err := s.GetDetailedStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ds.TotalCycles, ds.FailedCycles)
	assert.True(t, s.GetStatus().Running, "失败不会停止调度器")
}

func TestScheduler_CooldownSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	mb := newMailbox("mb1")
	store := newSeededStore(t, mb)
	window := cooldown.Window{Min: 20 * time.Minute, Max: 45 * time.Minute}

	mailer := new(MockMailer)
	mailer.On("Send", mock.Anything, mock.Anything, mock.Anything).Return("<id@sender.example.com>", nil)

	// 每次都新建内存记录，相当于一个新进程
	runAt := func(at time.Time) *CycleSummary {
		tracker := cooldown.NewMemoryTracker(window)
		p := newTestPipeline(store, tracker, mailer, nil, false)
		p.now = func() time.Time { return at }
		s := newTestScheduler(store, tracker, p, SchedulerOptions{})
		s.now = func() time.Time { return at }
		summary, err := s.TriggerManualRun(ctx)
		require.NoError(t, err)
		return summary
	}

	first := runAt(fixedNow)
	assert.Equal(t, 1, first.Sent)
	stored, err := store.GetMailbox(ctx, mb.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastSentAt)
	assert.True(t, fixedNow.Equal(*stored.LastSentAt))

	t.Run("重启后冷却期内不再发送", func(t *testing.T) {
		second := runAt(fixedNow.Add(30 * time.Second))
		assert.Equal(t, 1, second.CoolingDown)
		assert.Equal(t, 0, second.Dispatched)
		mailer.AssertNumberOfCalls(t, "Send", 1)
	})

	t.Run("冷却结束后恢复发送", func(t *testing.T) {
		third := runAt(fixedNow.Add(46 * time.Minute))
		assert.Equal(t, 1, third.Sent)
		mailer.AssertNumberOfCalls(t, "Send", 2)
	})
}

func TestScheduler_ManualTriggerSingleFlight(t *testing.T) {
	store := newSeededStore(t, newMailbox("a"))
	entered := make(chan struct{})
	release := make(chan struct{})
	runner := &fakeRunner{fn: func(_ context.Context, m *domain.Mailbox) PipelineResult {
		close(entered)
		<-release
		return PipelineResult{MailboxID: m.ID, Sent: true}
	}}
	s := newTestScheduler(store, cooldown.NewMemoryTracker(cooldown.Window{}), runner, SchedulerOptions{})

	firstDone := make(chan error, 1)
	go func() {
		_, err := s.TriggerManualRun(context.Background())
		firstDone <- err
	}()
	<-entered
	assert.Equal(t, StateDispatching, s.State())

	_, err := s.TriggerManualRun(context.Background())
	assert.ErrorIs(t, err, domain.ErrCycleInProgress)
	assert.ErrorIs(t, s.TriggerManualRunAsync(), domain.ErrCycleInProgress)

	close(release)
	require.NoError(t, <-firstDone)
	assert.Len(t, runner.called(), 1)
}

func TestScheduler_StartStop(t *testing.T) {
	store := newSeededStore(t, newMailbox("a"))
	runner := &fakeRunner{}
	s := newTestScheduler(store, cooldown.NewMemoryTracker(cooldown.Window{}), runner, SchedulerOptions{Interval: time.Hour})
	s.opts.InitialDelay = 0

	t.Run("重复启动是空操作", func(t *testing.T) {
		assert.True(t, s.Start(context.Background()))
		assert.False(t, s.Start(context.Background()))
		assert.True(t, s.GetStatus().Running)
	})

	t.Run("定时器触发一轮调度", func(t *testing.T) {
		assert.Eventually(t, func() bool { return len(runner.called()) == 1 }, 2*time.Second, 5*time.Millisecond)
		ds, err := s.GetDetailedStatus(context.Background())
		require.NoError(t, err)
		require.NotNil(t, ds.LastCycle)
		assert.Equal(t, TriggerTimer, ds.LastCycle.Trigger)
		require.NotNil(t, ds.Today)
		assert.Equal(t, 1, ds.Today.EnabledMailboxes)
	})

	t.Run("重复停止是空操作", func(t *testing.T) {
		require.NoError(t, s.Stop(context.Background()))
		require.NoError(t, s.Stop(context.Background()))
		assert.False(t, s.GetStatus().Running)
	})

	t.Run("停止后可以再次启动", func(t *testing.T) {
		assert.True(t, s.Start(context.Background()))
		require.NoError(t, s.Stop(context.Background()))
	})
}

func TestScheduler_StopLetsInFlightFinish(t *testing.T) {
	store := newSeededStore(t, newMailbox("a"))
	entered := make(chan struct{})
	release := make(chan struct{})
	var ctxErr atomic.Value
	runner := &fakeRunner{fn: func(ctx context.Context, m *domain.Mailbox) PipelineResult {
		close(entered)
		<-release
		ctxErr.Store(fmt.Sprint(ctx.Err()))
		return PipelineResult{MailboxID: m.ID, Sent: true}
	}}
	s := newTestScheduler(store, cooldown.NewMemoryTracker(cooldown.Window{}), runner, SchedulerOptions{Interval: time.Hour})
	s.opts.InitialDelay = 0

	require.True(t, s.Start(context.Background()))
	<-entered

	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop(context.Background()) }()

	select {
	case <-stopped:
		t.Fatal("Stop returned before the in-flight pipeline finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-stopped)
	assert.Equal(t, "<nil>", ctxErr.Load(), "流水线的 ctx 不随 Stop 取消")

	last := s.LastCycle()
	require.NotNil(t, last)
	assert.Equal(t, 1, last.Sent)
}

func TestScheduler_StopTimeout(t *testing.T) {
	store := newSeededStore(t, newMailbox("a"))
	entered := make(chan struct{})
	release := make(chan struct{})
	runner := &fakeRunner{fn: func(_ context.Context, m *domain.Mailbox) PipelineResult {
		close(entered)
		<-release
		return PipelineResult{MailboxID: m.ID, Sent: true}
	}}
	s := newTestScheduler(store, cooldown.NewMemoryTracker(cooldown.Window{}), runner, SchedulerOptions{})
	require.NoError(t, s.TriggerManualRunAsync())
	<-entered

	require.True(t, s.Start(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Stop(ctx), context.DeadlineExceeded)

	close(release)
	assert.Eventually(t, func() bool { return s.LastCycle() != nil }, time.Second, 5*time.Millisecond)
}
