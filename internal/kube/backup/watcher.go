package backup

import (
	"context"
	"fmt"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/client-go/dynamic"

	"github.com/seadogger/backup-manager/internal/coordinator"
)

var _ coordinator.RestoreWatcher = (*Watcher)(nil)

// Watcher reads the status of K8up Restore objects. It never writes.
type Watcher struct {
	client dynamic.Interface
}

func NewWatcher(client dynamic.Interface) *Watcher {
	return &Watcher{client: client}
}

// Status returns the restore's status. A missing object yields
// coordinator.ErrRestoreNotFound.
func (w *Watcher) Status(ctx context.Context, namespace, restoreID string) (coordinator.RestoreStatus, error) {
	obj, err := w.client.Resource(RestoreGVR).Namespace(namespace).Get(ctx, restoreID, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return coordinator.RestoreStatus{}, fmt.Errorf("%w: %s/%s", coordinator.ErrRestoreNotFound, namespace, restoreID)
	}
	if err != nil {
		return coordinator.RestoreStatus{}, fmt.Errorf("backup: get restore %s/%s: %w", namespace, restoreID, err)
	}
	return StatusOf(obj), nil
}

// StatusOf extracts the restore status from a Restore object. Missing or
// malformed fields read as false and empty.
func StatusOf(obj *unstructured.Unstructured) coordinator.RestoreStatus {
	started, _, _ := unstructured.NestedBool(obj.Object, "status", "started")
	finished, _, _ := unstructured.NestedBool(obj.Object, "status", "finished")
	raw, _, _ := unstructured.NestedSlice(obj.Object, "status", "conditions")

	conditions := make([]coordinator.Condition, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		conditions = append(conditions, coordinator.Condition{
			Type:    stringField(m, "type"),
			Status:  stringField(m, "status"),
			Reason:  stringField(m, "reason"),
			Message: stringField(m, "message"),
		})
	}

	succeeded := coordinator.SucceededFrom(conditions)
	return coordinator.RestoreStatus{
		Started: started || finished || succeeded,
		// A Completed condition means the restore job is over even if the
		// operator has not set status.finished yet.
		Finished:   finished || succeeded,
		Succeeded:  succeeded,
		Conditions: conditions,
	}
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
