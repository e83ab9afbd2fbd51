// Package cli 实现 warmupctl 运维命令。
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mailwarm/backend/internal/app"
	"mailwarm/backend/internal/config"
	"mailwarm/backend/internal/logger"
)

// Config 命令运行环境
type Config struct {
	OutputWriter io.Writer
	// Build 组装服务组件，为空时从环境变量加载配置
	Build func() (*app.App, error)
}

// DefaultConfig 默认输出到标准输出
func DefaultConfig() Config {
	return Config{OutputWriter: os.Stdout, Build: buildFromEnv}
}

type runtimeState struct {
	out          io.Writer
	build        func() (*app.App, error)
	outputFormat string
}

func buildFromEnv() (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	lc := logger.FromConfig(cfg.Log)
	if lc.Level == "info" {
		lc.Level = "warn"
	}
	log, err := logger.NewLogger(lc)
	if err != nil {
		return nil, err
	}
	return app.New(cfg, log)
}

// NewRootCommand 创建 warmupctl 根命令
func NewRootCommand(cfg Config) *cobra.Command {
	rt := &runtimeState{out: cfg.OutputWriter, build: cfg.Build}
	if rt.out == nil {
		rt.out = os.Stdout
	}
	if rt.build == nil {
		rt.build = buildFromEnv
	}

	root := &cobra.Command{
		Use:           "warmupctl",
		Short:         "Operate the mailbox warm-up engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(rt.out)
	root.PersistentFlags().StringVarP(&rt.outputFormat, "output", "o", "table", "Output format: table or json")

	root.AddCommand(
		newQuotaCommand(rt),
		newScaleCommand(rt),
		newCycleCommand(rt),
		newKeygenCommand(rt),
	)
	return root
}

// withApp 组装组件并在命令结束后释放
func (rt *runtimeState) withApp(fn func(a *app.App) error) error {
	a, err := rt.build()
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			a.Log.Warn("failed to release resources", zap.Error(err))
		}
	}()
	return fn(a)
}

func (rt *runtimeState) printJSON(v interface{}) error {
	enc := json.NewEncoder(rt.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (rt *runtimeState) printf(format string, args ...interface{}) {
	fmt.Fprintf(rt.out, format, args...)
}

func (rt *runtimeState) jsonOutput() bool {
	return rt.outputFormat == "json"
}
