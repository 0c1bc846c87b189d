package backup

import (
	"context"
	"fmt"
	"sort"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/client-go/dynamic"

	"github.com/seadogger/backup-manager/internal/coordinator"
)

// SnapshotLister lists the K8up snapshots available to an application.
type SnapshotLister struct {
	client  dynamic.Interface
	catalog coordinator.Catalog
}

func NewSnapshotLister(client dynamic.Interface, catalog coordinator.Catalog) *SnapshotLister {
	return &SnapshotLister{client: client, catalog: catalog}
}

// List returns the snapshots in the application's namespace, newest first.
// Snapshots without a parseable date sort last.
func (l *SnapshotLister) List(ctx context.Context, applicationID string) ([]coordinator.Snapshot, error) {
	app, ok := l.catalog.Lookup(applicationID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", coordinator.ErrUnknownApplication, applicationID)
	}

	list, err := l.client.Resource(SnapshotGVR).Namespace(app.Namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("backup: list snapshots in %q: %w", app.Namespace, err)
	}

	out := make([]coordinator.Snapshot, 0, len(list.Items))
	for i := range list.Items {
		out = append(out, snapshotOf(&list.Items[i]))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.After(out[j].Date) })
	return out, nil
}

func snapshotOf(obj *unstructured.Unstructured) coordinator.Snapshot {
	snap := coordinator.Snapshot{ID: obj.GetName(), Paths: []string{}}
	if date, _, _ := unstructured.NestedString(obj.Object, "spec", "date"); date != "" {
		if t, err := time.Parse(time.RFC3339, date); err == nil {
			snap.Date = t.UTC()
		}
	}
	if paths, found, _ := unstructured.NestedStringSlice(obj.Object, "spec", "paths"); found {
		snap.Paths = paths
	}
	return snap
}
