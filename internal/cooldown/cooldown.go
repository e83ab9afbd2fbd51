// Package cooldown 记录每个邮箱的最后发送时间，并保证同一邮箱两次发送之间
// 至少间隔一个随机冷却时长。
//
// 资格检查与占用通过 TryReserve 合并为一次原子操作：成功拿到 Reservation 的调用方
// 是该邮箱唯一可以发送的一方，发送成功后 Commit，失败时 Release 归还，不消耗冷却。
package cooldown

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"
)

// Window 冷却时长的取值区间 [Min, Max]
type Window struct {
	Min time.Duration
	Max time.Duration
}

// Draw 在区间内均匀抽取一个冷却时长，每次资格检查时重新抽取
func (w Window) Draw() time.Duration {
	if w.Max <= w.Min {
		return w.Min
	}
	return w.Min + time.Duration(rand.Int64N(int64(w.Max-w.Min)+1))
}

// Tracker 冷却状态的存取接口，内存实现用于单进程，Redis 实现用于多进程共享。
type Tracker interface {
	// IsEligible 当前时间距上次发送是否已超过本次抽取的冷却时长
	IsEligible(ctx context.Context, mailboxID string, now time.Time) (bool, error)
	// MarkSent 记录一次成功发送
	MarkSent(ctx context.Context, mailboxID string, at time.Time) error
	// TryReserve 原子地检查资格并占用邮箱，不可用时返回 nil
	TryReserve(ctx context.Context, mailboxID string, now time.Time) (*Reservation, error)
	// LastSent 返回最后发送时间
	LastSent(ctx context.Context, mailboxID string) (time.Time, bool, error)
}

// Seeder 可以用持久化的最后发送时间补齐记录的 Tracker。
// 进程内记录在重启后为空，调度器在检查资格前用 Mailbox.LastSentAt 补齐。
type Seeder interface {
	Seed(mailboxID string, at time.Time)
}

// Reservation 对单个邮箱的一次发送占用。Commit 与 Release 只有第一次调用生效。
type Reservation struct {
	MailboxID string

	once    sync.Once
	commit  func(ctx context.Context, at time.Time) error
	release func(ctx context.Context) error
}

// NewReservation 由 Tracker 实现构造占用
func NewReservation(mailboxID string, commit func(context.Context, time.Time) error, release func(context.Context) error) *Reservation {
	return &Reservation{MailboxID: mailboxID, commit: commit, release: release}
}

// Commit 发送成功，写入最后发送时间并解除占用
func (r *Reservation) Commit(ctx context.Context, at time.Time) error {
	var err error
	r.once.Do(func() { err = r.commit(ctx, at) })
	return err
}

// Release 发送失败，解除占用，最后发送时间保持不变
func (r *Reservation) Release(ctx context.Context) error {
	var err error
	r.once.Do(func() { err = r.release(ctx) })
	return err
}

var (
	_ Tracker = (*MemoryTracker)(nil)
	_ Seeder  = (*MemoryTracker)(nil)
)

// MemoryTracker 进程内的冷却记录
type MemoryTracker struct {
	window Window
	draw   func() time.Duration

	mu       sync.Mutex
	lastSent map[string]time.Time
	inFlight map[string]struct{}
}

// NewMemoryTracker 创建内存冷却记录
func NewMemoryTracker(window Window) *MemoryTracker {
	return &MemoryTracker{
		window:   window,
		draw:     window.Draw,
		lastSent: make(map[string]time.Time),
		inFlight: make(map[string]struct{}),
	}
}

// Seed 用持久化的最后发送时间初始化记录，只在更新时覆盖
func (t *MemoryTracker) Seed(mailboxID string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.lastSent[mailboxID]; !ok || at.After(prev) {
		t.lastSent[mailboxID] = at
	}
}

func (t *MemoryTracker) eligibleLocked(mailboxID string, now time.Time) bool {
	if _, busy := t.inFlight[mailboxID]; busy {
		return false
	}
	last, ok := t.lastSent[mailboxID]
	if !ok {
		return true
	}
	return now.Sub(last) >= t.draw()
}

// IsEligible 实现 Tracker
func (t *MemoryTracker) IsEligible(_ context.Context, mailboxID string, now time.Time) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.eligibleLocked(mailboxID, now), nil
}

// MarkSent 实现 Tracker
func (t *MemoryTracker) MarkSent(_ context.Context, mailboxID string, at time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSent[mailboxID] = at
	return nil
}

// TryReserve 实现 Tracker
func (t *MemoryTracker) TryReserve(_ context.Context, mailboxID string, now time.Time) (*Reservation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.eligibleLocked(mailboxID, now) {
		return nil, nil
	}
	t.inFlight[mailboxID] = struct{}{}

	return NewReservation(mailboxID,
		func(_ context.Context, at time.Time) error {
			t.mu.Lock()
			defer t.mu.Unlock()
			t.lastSent[mailboxID] = at
			delete(t.inFlight, mailboxID)
			return nil
		},
		func(_ context.Context) error {
			t.mu.Lock()
			defer t.mu.Unlock()
			delete(t.inFlight, mailboxID)
			return nil
		},
	), nil
}

// LastSent 实现 Tracker
func (t *MemoryTracker) LastSent(_ context.Context, mailboxID string) (time.Time, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	last, ok := t.lastSent[mailboxID]
	return last, ok, nil
}
