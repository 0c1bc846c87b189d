// Package workload scales the Deployments and StatefulSets that run
// restorable applications.
package workload

import (
	"context"
	"fmt"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/ptr"

	"github.com/seadogger/backup-manager/internal/coordinator"
)

var _ coordinator.WorkloadScaler = (*Scaler)(nil)

// Scaler implements coordinator.WorkloadScaler with the typed clientset.
type Scaler struct {
	client  kubernetes.Interface
	catalog coordinator.Catalog
}

func NewScaler(client kubernetes.Interface, catalog coordinator.Catalog) *Scaler {
	return &Scaler{client: client, catalog: catalog}
}

// GetReplicas returns spec.replicas. An unset value defaults to 1 as on the
// API server.
func (s *Scaler) GetReplicas(ctx context.Context, applicationID string) (int32, error) {
	app, err := s.lookup(applicationID)
	if err != nil {
		return 0, err
	}
	replicas, _, err := s.get(ctx, app)
	return replicas, err
}

// SetReplicas patches spec.replicas. It does not write when the workload is
// already at n.
func (s *Scaler) SetReplicas(ctx context.Context, applicationID string, n int32) error {
	app, err := s.lookup(applicationID)
	if err != nil {
		return err
	}
	current, _, err := s.get(ctx, app)
	if err != nil {
		return err
	}
	if current == n {
		return nil
	}

	patch := fmt.Appendf(nil, `{"spec":{"replicas":%d}}`, n)
	switch app.Kind {
	case coordinator.KindStatefulSet:
		_, err = s.client.AppsV1().StatefulSets(app.Namespace).Patch(ctx, app.Workload, types.MergePatchType, patch, metav1.PatchOptions{})
	default:
		_, err = s.client.AppsV1().Deployments(app.Namespace).Patch(ctx, app.Workload, types.MergePatchType, patch, metav1.PatchOptions{})
	}
	if apierrors.IsNotFound(err) {
		return fmt.Errorf("%w: %s %s/%s", coordinator.ErrWorkloadAbsent, app.Kind, app.Namespace, app.Workload)
	}
	if err != nil {
		return fmt.Errorf("workload: scale %s %s/%s to %d: %w", app.Kind, app.Namespace, app.Workload, n, err)
	}
	return nil
}

// PodCount counts pods matched by the workload's selector that are not in a
// terminal phase. Pods being deleted still count.
func (s *Scaler) PodCount(ctx context.Context, applicationID string) (int, error) {
	app, err := s.lookup(applicationID)
	if err != nil {
		return 0, err
	}
	_, selector, err := s.get(ctx, app)
	if err != nil {
		return 0, err
	}
	sel, err := metav1.LabelSelectorAsSelector(selector)
	if err != nil {
		return 0, fmt.Errorf("workload: selector of %s/%s: %w", app.Namespace, app.Workload, err)
	}

	pods, err := s.client.CoreV1().Pods(app.Namespace).List(ctx, metav1.ListOptions{LabelSelector: sel.String()})
	if err != nil {
		return 0, fmt.Errorf("workload: list pods of %s/%s: %w", app.Namespace, app.Workload, err)
	}
	count := 0
	for i := range pods.Items {
		switch pods.Items[i].Status.Phase {
		case corev1.PodSucceeded, corev1.PodFailed:
		default:
			count++
		}
	}
	return count, nil
}

func (s *Scaler) lookup(applicationID string) (coordinator.Application, error) {
	app, ok := s.catalog.Lookup(applicationID)
	if !ok {
		return coordinator.Application{}, fmt.Errorf("%w: %q", coordinator.ErrUnknownApplication, applicationID)
	}
	return app, nil
}

func (s *Scaler) get(ctx context.Context, app coordinator.Application) (int32, *metav1.LabelSelector, error) {
	var (
		replicas *int32
		selector *metav1.LabelSelector
		err      error
	)
	switch app.Kind {
	case coordinator.KindStatefulSet:
		var sts *appsv1.StatefulSet
		sts, err = s.client.AppsV1().StatefulSets(app.Namespace).Get(ctx, app.Workload, metav1.GetOptions{})
		if err == nil {
			replicas, selector = sts.Spec.Replicas, sts.Spec.Selector
		}
	default:
		var deploy *appsv1.Deployment
		deploy, err = s.client.AppsV1().Deployments(app.Namespace).Get(ctx, app.Workload, metav1.GetOptions{})
		if err == nil {
			replicas, selector = deploy.Spec.Replicas, deploy.Spec.Selector
		}
	}
	if apierrors.IsNotFound(err) {
		return 0, nil, fmt.Errorf("%w: %s %s/%s", coordinator.ErrWorkloadAbsent, app.Kind, app.Namespace, app.Workload)
	}
	if err != nil {
		return 0, nil, fmt.Errorf("workload: get %s %s/%s: %w", app.Kind, app.Namespace, app.Workload, err)
	}
	return ptr.Deref(replicas, 1), selector, nil
}
