// Package backup talks to the K8up backup operator: it creates Restore
// objects, reads their status and lists Snapshots.
package backup

import (
	"k8s.io/apimachinery/pkg/runtime/schema"
)

var (
	// RestoreGVR is the K8up Restore resource.
	RestoreGVR = schema.GroupVersionResource{Group: "k8up.io", Version: "v1", Resource: "restores"}
	// RestoreGVK is the kind of RestoreGVR objects.
	RestoreGVK = schema.GroupVersionKind{Group: "k8up.io", Version: "v1", Kind: "Restore"}
	// SnapshotGVR is the K8up Snapshot resource.
	SnapshotGVR = schema.GroupVersionResource{Group: "k8up.io", Version: "v1", Resource: "snapshots"}
)

// ListKinds maps the resources above to their list kinds, for fake dynamic
// clients and unstructured watches.
var ListKinds = map[schema.GroupVersionResource]string{
	RestoreGVR:  "RestoreList",
	SnapshotGVR: "SnapshotList",
}

const (
	// ManagedByLabel marks Restore objects created by this service.
	ManagedByLabel = "app.kubernetes.io/managed-by"
	// ManagedByValue is the value of ManagedByLabel.
	ManagedByValue = "backup-manager"
)
