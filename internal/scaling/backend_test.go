package scaling

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"mailwarm/backend/internal/config"
)

func int32Ptr(n int32) *int32 { return &n }

func TestKubernetesBackend(t *testing.T) {
	ctx := context.Background()
	client := fake.NewSimpleClientset(&appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: "mailwarm-worker", Namespace: "mail"},
		Spec:       appsv1.DeploymentSpec{Replicas: int32Ptr(2)},
	})
	backend := NewKubernetesBackend(client, "mail", "mailwarm-worker", nil)
	assert.Equal(t, BackendKubernetes, backend.Name())

	n, err := backend.GetReplicaCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, backend.SetReplicaCount(ctx, 3))
	dep, err := client.AppsV1().Deployments("mail").Get(ctx, "mailwarm-worker", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(3), *dep.Spec.Replicas)

	n, err = backend.GetReplicaCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	t.Run("Deployment 不存在", func(t *testing.T) {
		missing := NewKubernetesBackend(client, "mail", "missing", nil)
		_, err := missing.GetReplicaCount(ctx)
		assert.Error(t, err)
		assert.Error(t, missing.SetReplicaCount(ctx, 1))
	})

	t.Run("未设置副本数时为 1", func(t *testing.T) {
		c := fake.NewSimpleClientset(&appsv1.Deployment{
			ObjectMeta: metav1.ObjectMeta{Name: "w", Namespace: "default"},
		})
		n, err := NewKubernetesBackend(c, "", "w", nil).GetReplicaCount(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

// scriptedRunner 记录命令并返回预设输出
type scriptedRunner struct {
	commands []string
	output   []byte
	err      error
}

func (r *scriptedRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	r.commands = append(r.commands, name+" "+strings.Join(args, " "))
	return r.output, r.err
}

func TestComposeBackend(t *testing.T) {
	ctx := context.Background()
	cfg := config.ComposeConfig{ProjectName: "mailwarm", File: "deploy/compose.yml", Service: "worker"}

	t.Run("统计运行中的容器", func(t *testing.T) {
		runner := &scriptedRunner{output: []byte("3f2a\n9c1b\n\n77de\n")}
		n, err := NewComposeBackend(cfg, runner, nil).GetReplicaCount(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
		assert.Equal(t, []string{"docker compose -p mailwarm -f deploy/compose.yml ps -q --status running worker"}, runner.commands)
	})

	t.Run("调整副本数", func(t *testing.T) {
		runner := &scriptedRunner{}
		require.NoError(t, NewComposeBackend(cfg, runner, nil).SetReplicaCount(ctx, 4))
		assert.Equal(t, []string{"docker compose -p mailwarm -f deploy/compose.yml up -d --no-recreate --scale worker=4 worker"}, runner.commands)
	})

	t.Run("命令失败时带上输出", func(t *testing.T) {
		runner := &scriptedRunner{output: []byte("no such service: worker"), err: errors.New("exit status 1")}
		err := NewComposeBackend(config.ComposeConfig{Binary: "podman"}, runner, nil).SetReplicaCount(ctx, 2)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no such service")
		assert.True(t, strings.HasPrefix(runner.commands[0], "podman compose up"))
	})
}

func TestManualBackend(t *testing.T) {
	ctx := context.Background()
	b := NewManualBackend(3, nil)

	n, err := b.GetReplicaCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, b.SetReplicaCount(ctx, 4))
	assert.Equal(t, 4, b.Requested())

	n, err = b.GetReplicaCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n, "人工模式只记录目标值")
}

func TestNewBackend(t *testing.T) {
	b, err := NewBackend(config.ScalerConfig{Backend: "manual", ManualWorkers: 2}, nil)
	require.NoError(t, err)
	assert.Equal(t, BackendManual, b.Name())

	b, err = NewBackend(config.ScalerConfig{Backend: "compose"}, nil)
	require.NoError(t, err)
	assert.Equal(t, BackendCompose, b.Name())

	_, err = NewBackend(config.ScalerConfig{Backend: "kubernetes"}, nil)
	assert.Error(t, err, "缺少 Deployment 名称")

	_, err = NewBackend(config.ScalerConfig{Backend: "nomad"}, nil)
	assert.Error(t, err)
}
