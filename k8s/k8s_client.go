package k8s

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/samber/lo"
	coordinationv1 "k8s.io/api/coordination/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
)

type LeaseInfo struct {
	Name       string            `json:"name"`
	Namespace  string            `json:"namespace"`
	Holder     string            `json:"holder"`
	Duration   time.Duration     `json:"duration"`
	RenewTime  time.Time         `json:"renew_time"`
	Expired    bool              `json:"expired"`
	Labels     map[string]string `json:"labels"`
	Annotation map[string]string `json:"annotations"`
}

type K8sClient struct {
	client kubernetes.Interface
}

// NewK8sClient uses the in-cluster config when available and falls back to
// kubeconfig, or ~/.kube/config when kubeconfig is empty.
func NewK8sClient(kubeconfig string) (*K8sClient, error) {
	config, err := rest.InClusterConfig()
	if err != nil {
		if kubeconfig == "" {
			if home := homedir.HomeDir(); home != "" {
				kubeconfig = filepath.Join(home, ".kube", "config")
			}
		}
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to get k8s config: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create k8s client: %w", err)
	}

	return &K8sClient{
		client: clientset,
	}, nil
}

func NewK8sClientFrom(client kubernetes.Interface) *K8sClient {
	return &K8sClient{client: client}
}

func (k *K8sClient) Interface() kubernetes.Interface {
	return k.client
}

// GetLeasesOptions defines options for GetLeases
type GetLeasesOptions struct {
	Namespaces []string
	Labels     map[string]string
}

type GetLeasesOption func(*GetLeasesOptions)

func WithNamespaces(namespaces ...string) GetLeasesOption {
	return func(opts *GetLeasesOptions) {
		opts.Namespaces = namespaces
	}
}

func WithLabels(labels map[string]string) GetLeasesOption {
	return func(opts *GetLeasesOptions) {
		opts.Labels = labels
	}
}

func (k *K8sClient) GetLeases(ctx context.Context, options ...GetLeasesOption) ([]LeaseInfo, error) {
	opts := &GetLeasesOptions{}
	for _, option := range options {
		option(opts)
	}

	var labelSelector string
	if len(opts.Labels) > 0 {
		selectors := lo.MapToSlice(opts.Labels, func(key, value string) string {
			return fmt.Sprintf("%s=%s", key, value)
		})
		labelSelector = strings.Join(selectors, ",")
	}

	namespaces := opts.Namespaces
	if len(namespaces) == 0 {
		namespaces = []string{metav1.NamespaceAll}
	}

	var all []coordinationv1.Lease
	for _, namespace := range namespaces {
		leases, err := k.client.CoordinationV1().Leases(namespace).List(ctx, metav1.ListOptions{
			LabelSelector: labelSelector,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list leases in %q: %w", namespace, err)
		}
		all = append(all, leases.Items...)
	}

	now := time.Now()
	return lo.Map(all, func(lease coordinationv1.Lease, _ int) LeaseInfo {
		info := LeaseInfo{
			Name:       lease.Name,
			Namespace:  lease.Namespace,
			Holder:     lo.FromPtr(lease.Spec.HolderIdentity),
			Duration:   LeaseDuration(&lease),
			Expired:    IsLeaseExpired(&lease, now),
			Labels:     lease.Labels,
			Annotation: lease.Annotations,
		}
		if lease.Spec.RenewTime != nil {
			info.RenewTime = lease.Spec.RenewTime.Time
		}
		return info
	}), nil
}

func LeaseDuration(lease *coordinationv1.Lease) time.Duration {
	return time.Duration(lo.FromPtr(lease.Spec.LeaseDurationSeconds)) * time.Second
}

// IsLeaseExpired reports whether lease has no holder or was last renewed
// more than its duration before now.
func IsLeaseExpired(lease *coordinationv1.Lease, now time.Time) bool {
	if lo.FromPtr(lease.Spec.HolderIdentity) == "" {
		return true
	}
	renew := lease.Spec.RenewTime
	if renew == nil {
		renew = lease.Spec.AcquireTime
	}
	if renew == nil {
		return true
	}
	return !now.Before(renew.Add(LeaseDuration(lease)))
}

// PodIdentity names the running process: POD_NAME inside Kubernetes,
// hostname elsewhere.
func PodIdentity() string {
	if podName := os.Getenv("POD_NAME"); podName != "" {
		return podName
	}
	hostname, _ := os.Hostname()
	return hostname
}
