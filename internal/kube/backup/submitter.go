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

var _ coordinator.RestoreSubmitter = (*Submitter)(nil)

// Submitter creates K8up Restore objects.
type Submitter struct {
	client dynamic.Interface
	// runAsUser is used as both runAsUser and fsGroup of the restore pod.
	// Restoring into volumes written by other users needs root.
	runAsUser int64
}

func NewSubmitter(client dynamic.Interface, runAsUser int64) *Submitter {
	return &Submitter{client: client, runAsUser: runAsUser}
}

// Submit creates a Restore named req.Name in req.Namespace.
func (s *Submitter) Submit(ctx context.Context, req coordinator.RestoreRequest) (string, error) {
	obj := s.restoreObject(req)
	_, err := s.client.Resource(RestoreGVR).Namespace(req.Namespace).Create(ctx, obj, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		return req.Name, fmt.Errorf("%w: %s/%s", coordinator.ErrRestoreExists, req.Namespace, req.Name)
	}
	if err != nil {
		return "", fmt.Errorf("backup: create restore %s/%s: %w", req.Namespace, req.Name, err)
	}
	return req.Name, nil
}

func (s *Submitter) restoreObject(req coordinator.RestoreRequest) *unstructured.Unstructured {
	creds := req.Credentials
	secretKey := func(key string) map[string]any {
		return map[string]any{"name": creds.SecretName, "key": key}
	}

	obj := &unstructured.Unstructured{Object: map[string]any{
		"spec": map[string]any{
			"snapshot": req.SnapshotID,
			"backend": map[string]any{
				"repoPasswordSecretRef": secretKey(creds.PasswordKey),
				"s3": map[string]any{
					"endpoint":                 creds.Endpoint,
					"bucket":                   creds.Bucket,
					"accessKeyIDSecretRef":     secretKey(creds.AccessKeyIDKey),
					"secretAccessKeySecretRef": secretKey(creds.SecretAccessKeyKey),
				},
			},
			"restoreMethod": map[string]any{
				"folder": map[string]any{"claimName": req.ClaimName},
			},
			"podSecurityContext": map[string]any{
				"runAsUser": s.runAsUser,
				"fsGroup":   s.runAsUser,
			},
		},
	}}
	obj.SetGroupVersionKind(RestoreGVK)
	obj.SetName(req.Name)
	obj.SetNamespace(req.Namespace)
	obj.SetLabels(map[string]string{ManagedByLabel: ManagedByValue})
	return obj
}
