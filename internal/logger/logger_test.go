package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailwarm/backend/internal/config"
)

func TestNewLogger(t *testing.T) {
	t.Run("写入轮转文件", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "logs", "warmup.log")
		log, err := NewLogger(FromConfig(config.LogConfig{Level: "debug", File: file, MaxSizeMB: 1}))
		require.NoError(t, err)

		log.Info("cycle finished")
		_ = log.Sync()

		data, err := os.ReadFile(file)
		require.NoError(t, err)
		assert.Contains(t, string(data), "cycle finished")
	})

	t.Run("非法级别回退到info", func(t *testing.T) {
		log, err := NewLogger(Config{Level: "verbose"})
		require.NoError(t, err)
		assert.False(t, log.Core().Enabled(-1))
		assert.True(t, log.Core().Enabled(0))
	})

	t.Run("空日志", func(t *testing.T) {
		assert.NotNil(t, Named(nil, "scheduler"))
	})
}
