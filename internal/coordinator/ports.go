package coordinator

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors the adapters return so the orchestrator can tell an absent
// target (vacuous success) from a real failure.
var (
	// ErrWorkloadAbsent means the application's workload does not exist.
	ErrWorkloadAbsent = errors.New("workload absent")
	// ErrNotManaged means the application is not managed by the GitOps controller.
	ErrNotManaged = errors.New("application not gitops-managed")
	// ErrRestoreExists means a restore with the requested name was already created.
	ErrRestoreExists = errors.New("restore already exists")
	// ErrRestoreNotFound means the backup operator does not know the restore.
	ErrRestoreNotFound = errors.New("restore not found")
)

// WorkloadKind is the kind of object that runs an application.
type WorkloadKind string

const (
	KindDeployment  WorkloadKind = "Deployment"
	KindStatefulSet WorkloadKind = "StatefulSet"
)

// Application describes where a restorable application lives.
type Application struct {
	// ID is the application id used in the API and in restore names.
	ID        string
	Namespace string
	Workload  string
	Kind      WorkloadKind
	// ClaimName is the PVC the snapshot is restored into.
	ClaimName string
	// GitOpsApp is the Argo CD Application name. Empty means unmanaged.
	GitOpsApp string
}

// Catalog resolves application ids.
type Catalog map[string]Application

// Lookup returns the application registered under id.
func (c Catalog) Lookup(id string) (Application, bool) {
	app, ok := c[id]
	return app, ok
}

// CredentialRef points at the secret holding repository and object-store
// credentials, plus the object-store location.
type CredentialRef struct {
	SecretName         string
	PasswordKey        string
	AccessKeyIDKey     string
	SecretAccessKeyKey string
	Endpoint           string
	Bucket             string
}

// RestoreRequest is what the submitter sends to the backup operator.
type RestoreRequest struct {
	// Name doubles as the restore id, which makes resubmission idempotent.
	Name        string
	Namespace   string
	SnapshotID  string
	ClaimName   string
	Credentials CredentialRef
}

// Condition is a typed status condition reported by the backup operator.
type Condition struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

// RestoreStatus is the operator's view of a restore.
type RestoreStatus struct {
	Started    bool
	Finished   bool
	Succeeded  bool
	Conditions []Condition
}

// SucceededFrom reports whether any condition has type Completed and status True.
func SucceededFrom(conditions []Condition) bool {
	for _, c := range conditions {
		if c.Type == "Completed" && c.Status == "True" {
			return true
		}
	}
	return false
}

// Snapshot is one backup snapshot as listed by the backup operator.
type Snapshot struct {
	ID    string    `json:"id"`
	Date  time.Time `json:"date"`
	Paths []string  `json:"paths"`
}

// WorkloadScaler reads and writes an application's replica count.
type WorkloadScaler interface {
	GetReplicas(ctx context.Context, applicationID string) (int32, error)
	// SetReplicas to the current value succeeds without a write.
	SetReplicas(ctx context.Context, applicationID string, replicas int32) error
	// PodCount counts pods of the workload that have not terminated.
	PodCount(ctx context.Context, applicationID string) (int, error)
}

// ReconciliationGate pauses and resumes GitOps automated sync.
type ReconciliationGate interface {
	PauseSync(ctx context.Context, applicationID string) error
	ResumeSync(ctx context.Context, applicationID string) error
}

// RestoreSubmitter creates restore requests at the backup operator.
type RestoreSubmitter interface {
	// Submit returns the restore id. A resource with the same name yields
	// ErrRestoreExists together with the id.
	Submit(ctx context.Context, req RestoreRequest) (string, error)
}

// RestoreWatcher reads restore state. Calls must be free of side effects.
type RestoreWatcher interface {
	Status(ctx context.Context, namespace, restoreID string) (RestoreStatus, error)
}
