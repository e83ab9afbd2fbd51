package scaling

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"mailwarm/backend/internal/config"
)

// KubernetesBackend 通过修改 Deployment 的 spec.replicas 扩缩容
type KubernetesBackend struct {
	client     kubernetes.Interface
	namespace  string
	deployment string
	log        *zap.Logger
}

// NewKubernetesBackend 使用已有的客户端创建后端
func NewKubernetesBackend(client kubernetes.Interface, namespace, deployment string, log *zap.Logger) *KubernetesBackend {
	if namespace == "" {
		namespace = "default"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &KubernetesBackend{client: client, namespace: namespace, deployment: deployment, log: log}
}

// NewKubernetesBackendFromConfig 按 kubeconfig 路径创建客户端，路径为空时使用集群内配置
func NewKubernetesBackendFromConfig(cfg config.KubernetesConfig, log *zap.Logger) (*KubernetesBackend, error) {
	if cfg.Deployment == "" {
		return nil, fmt.Errorf("kubernetes backend requires a deployment name")
	}

	var (
		restCfg *rest.Config
		err     error
	)
	if cfg.Kubeconfig == "" {
		restCfg, err = rest.InClusterConfig()
	} else {
		restCfg, err = clientcmd.BuildConfigFromFlags("", cfg.Kubeconfig)
	}
	if err != nil {
		return nil, fmt.Errorf("load kubernetes config: %w", err)
	}

	client, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("create kubernetes client: %w", err)
	}
	return NewKubernetesBackend(client, cfg.Namespace, cfg.Deployment, log), nil
}

func (b *KubernetesBackend) Name() string { return BackendKubernetes }

// GetReplicaCount 读取 Deployment 的期望副本数，未设置时为 1
func (b *KubernetesBackend) GetReplicaCount(ctx context.Context) (int, error) {
	dep, err := b.client.AppsV1().Deployments(b.namespace).Get(ctx, b.deployment, metav1.GetOptions{})
	if err != nil {
		return 0, err
	}
	if dep.Spec.Replicas == nil {
		return 1, nil
	}
	return int(*dep.Spec.Replicas), nil
}

// SetReplicaCount 以 merge patch 修改 spec.replicas
func (b *KubernetesBackend) SetReplicaCount(ctx context.Context, n int) error {
	patch := []byte(fmt.Sprintf(`{"spec":{"replicas":%d}}`, n))
	_, err := b.client.AppsV1().Deployments(b.namespace).Patch(ctx, b.deployment, types.MergePatchType, patch, metav1.PatchOptions{})
	if err != nil {
		return err
	}
	b.log.Info("deployment scaled",
		zap.String("namespace", b.namespace),
		zap.String("deployment", b.deployment),
		zap.Int("replicas", n),
	)
	return nil
}
