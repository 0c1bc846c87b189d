// Package gitops pauses and resumes Argo CD automated sync for restorable
// applications.
package gitops

import (
	"context"
	"fmt"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/dynamic"

	"github.com/seadogger/backup-manager/internal/coordinator"
)

// ApplicationGVR is the Argo CD Application resource.
var ApplicationGVR = schema.GroupVersionResource{Group: "argoproj.io", Version: "v1alpha1", Resource: "applications"}

var (
	pausePatch  = []byte(`{"spec":{"syncPolicy":{"automated":null}}}`)
	resumePatch = []byte(`{"spec":{"syncPolicy":{"automated":{"prune":true,"selfHeal":true}}}}`)
)

var _ coordinator.ReconciliationGate = (*Gate)(nil)

// Gate implements coordinator.ReconciliationGate on Argo CD Applications.
type Gate struct {
	client    dynamic.Interface
	namespace string
	catalog   coordinator.Catalog
}

// NewGate returns a Gate for Applications living in namespace, usually "argocd".
func NewGate(client dynamic.Interface, namespace string, catalog coordinator.Catalog) *Gate {
	return &Gate{client: client, namespace: namespace, catalog: catalog}
}

// PauseSync removes spec.syncPolicy.automated.
func (g *Gate) PauseSync(ctx context.Context, applicationID string) error {
	return g.patch(ctx, applicationID, pausePatch, "pause")
}

// ResumeSync re-enables automated sync with prune and self-heal.
func (g *Gate) ResumeSync(ctx context.Context, applicationID string) error {
	return g.patch(ctx, applicationID, resumePatch, "resume")
}

func (g *Gate) patch(ctx context.Context, applicationID string, patch []byte, verb string) error {
	app, ok := g.catalog.Lookup(applicationID)
	if !ok {
		return fmt.Errorf("%w: %q", coordinator.ErrUnknownApplication, applicationID)
	}
	if app.GitOpsApp == "" {
		return fmt.Errorf("%w: %q", coordinator.ErrNotManaged, applicationID)
	}

	_, err := g.client.Resource(ApplicationGVR).Namespace(g.namespace).
		Patch(ctx, app.GitOpsApp, types.MergePatchType, patch, metav1.PatchOptions{})
	if apierrors.IsNotFound(err) {
		return fmt.Errorf("%w: argo application %s/%s", coordinator.ErrNotManaged, g.namespace, app.GitOpsApp)
	}
	if err != nil {
		return fmt.Errorf("gitops: %s sync of %s/%s: %w", verb, g.namespace, app.GitOpsApp, err)
	}
	return nil
}
