package scaling

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// ManualBackend 人工运维模式：worker 数量由配置给定，扩缩容只记录目标值
type ManualBackend struct {
	mu        sync.Mutex
	workers   int
	requested int
	log       *zap.Logger
}

// NewManualBackend 创建人工模式后端
func NewManualBackend(workers int, log *zap.Logger) *ManualBackend {
	if workers < 0 {
		workers = 0
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ManualBackend{workers: workers, requested: workers, log: log}
}

func (b *ManualBackend) Name() string { return BackendManual }

// GetReplicaCount 返回配置的 worker 数量
func (b *ManualBackend) GetReplicaCount(context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.workers, nil
}

// SetReplicaCount 只记录目标值，由运维人员执行
func (b *ManualBackend) SetReplicaCount(_ context.Context, n int) error {
	b.mu.Lock()
	b.requested = n
	current := b.workers
	b.mu.Unlock()

	b.log.Warn("manual scaling requested, operator action required",
		zap.Int("current_workers", current),
		zap.Int("target_workers", n),
	)
	return nil
}

// Requested 最近一次请求的目标 worker 数量
func (b *ManualBackend) Requested() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requested
}
