package scaling

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"mailwarm/backend/internal/config"
)

// CommandRunner 执行外部命令并返回合并后的输出
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// ComposeBackend 通过 docker compose 调整服务副本数
type ComposeBackend struct {
	cfg    config.ComposeConfig
	runner CommandRunner
	log    *zap.Logger
}

// NewComposeBackend 创建 compose 后端
//
// 参数:
//   - cfg: compose 项目、文件与服务名
//   - runner: 命令执行器，为 nil 时使用 os/exec
//   - log: 日志
func NewComposeBackend(cfg config.ComposeConfig, runner CommandRunner, log *zap.Logger) *ComposeBackend {
	if cfg.Binary == "" {
		cfg.Binary = "docker"
	}
	if cfg.Service == "" {
		cfg.Service = "worker"
	}
	if runner == nil {
		runner = execRunner{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ComposeBackend{cfg: cfg, runner: runner, log: log}
}

func (b *ComposeBackend) Name() string { return BackendCompose }

func (b *ComposeBackend) baseArgs() []string {
	args := []string{"compose"}
	if b.cfg.ProjectName != "" {
		args = append(args, "-p", b.cfg.ProjectName)
	}
	if b.cfg.File != "" {
		args = append(args, "-f", b.cfg.File)
	}
	return args
}

// GetReplicaCount 统计服务正在运行的容器数
func (b *ComposeBackend) GetReplicaCount(ctx context.Context) (int, error) {
	args := append(b.baseArgs(), "ps", "-q", "--status", "running", b.cfg.Service)
	out, err := b.runner.Run(ctx, b.cfg.Binary, args...)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w: %s", b.cfg.Binary, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}

	count := 0
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) != "" {
			count++
		}
	}
	return count, scanner.Err()
}

// SetReplicaCount 执行 up --scale，不重建已有容器
func (b *ComposeBackend) SetReplicaCount(ctx context.Context, n int) error {
	args := append(b.baseArgs(), "up", "-d", "--no-recreate",
		"--scale", b.cfg.Service+"="+strconv.Itoa(n), b.cfg.Service)
	out, err := b.runner.Run(ctx, b.cfg.Binary, args...)
	if err != nil {
		return fmt.Errorf("%s %s: %w: %s", b.cfg.Binary, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	b.log.Info("compose service scaled", zap.String("service", b.cfg.Service), zap.Int("replicas", n))
	return nil
}
