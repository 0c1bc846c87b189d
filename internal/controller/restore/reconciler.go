// Package restore holds the controller that advances restore sagas when the
// backup operator updates their Restore objects.
package restore

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/builder"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/predicate"

	"github.com/seadogger/backup-manager/internal/coordinator"
	"github.com/seadogger/backup-manager/internal/kube/backup"
)

const controllerName = "restore-saga"

// SagaPoller advances the saga owning a restore id.
type SagaPoller interface {
	Tracks(ctx context.Context, restoreID string) bool
	Status(ctx context.Context, restoreID string) (coordinator.Status, error)
}

// Reconciler polls the saga of every Restore created by this service on each
// change of the Restore object.
type Reconciler struct {
	poller       SagaPoller
	log          logr.Logger
	requeueAfter time.Duration
}

// NewReconciler creates a Reconciler. requeueAfter re-polls restores the
// operator has not finished yet, in case an update event is missed.
func NewReconciler(mgr ctrl.Manager, poller SagaPoller, requeueAfter time.Duration) *Reconciler {
	return &Reconciler{
		poller:       poller,
		log:          mgr.GetLogger().WithName(controllerName),
		requeueAfter: requeueAfter,
	}
}

// Reconcile polls the saga whose restore id is the object's name.
func (r *Reconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	log := r.log.WithValues("namespace", req.Namespace, "name", req.Name)

	if !r.poller.Tracks(ctx, req.Name) {
		log.V(1).Info("Restore has no saga in flight. Skipping reconcile")
		return ctrl.Result{}, nil
	}

	st, err := r.poller.Status(ctx, req.Name)
	if err != nil {
		return ctrl.Result{}, err
	}
	log.Info("polled restore saga", "phase", st.Phase, "started", st.Started, "finished", st.Finished, "outcome", st.Outcome)

	if st.Phase.Terminal() {
		return ctrl.Result{}, nil
	}
	return ctrl.Result{RequeueAfter: r.requeueAfter}, nil
}

// SetupWithManager sets up the controller with the Manager.
func (r *Reconciler) SetupWithManager(mgr ctrl.Manager) error {
	restore := &unstructured.Unstructured{}
	restore.SetGroupVersionKind(backup.RestoreGVK)

	managed := predicate.NewPredicateFuncs(func(obj client.Object) bool {
		return obj.GetLabels()[backup.ManagedByLabel] == backup.ManagedByValue
	})
	return ctrl.NewControllerManagedBy(mgr).
		For(restore, builder.WithPredicates(managed)).
		Named(controllerName).
		Complete(r)
}
