// Package scaling 根据启用预热的邮箱数量调整 worker 数量。
//
// 编排后端通过 Backend 接口接入，按配置在构造时选定一种实现。
package scaling

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"mailwarm/backend/internal/config"
)

// 后端类型
const (
	BackendManual     = "manual"
	BackendCompose    = "compose"
	BackendKubernetes = "kubernetes"
)

// Backend 编排后端
type Backend interface {
	// Name 后端名称，用于日志与错误
	Name() string
	// GetReplicaCount 查询当前 worker 数量
	GetReplicaCount(ctx context.Context) (int, error)
	// SetReplicaCount 将 worker 数量调整为 n
	SetReplicaCount(ctx context.Context, n int) error
}

// NewBackend 根据配置创建编排后端
//
// 参数:
//   - cfg: 扩缩容配置
//   - log: 日志
//
// 返回值:
//   - Backend: 选定的后端
//   - error: 未知后端类型或集群客户端创建失败
func NewBackend(cfg config.ScalerConfig, log *zap.Logger) (Backend, error) {
	switch cfg.Backend {
	case "", BackendManual:
		return NewManualBackend(cfg.ManualWorkers, log), nil
	case BackendCompose:
		return NewComposeBackend(cfg.Compose, nil, log), nil
	case BackendKubernetes:
		return NewKubernetesBackendFromConfig(cfg.Kubernetes, log)
	default:
		return nil, fmt.Errorf("unknown scaling backend %q", cfg.Backend)
	}
}
