package ports

import (
	"context"

	"github.com/seadogger/backup-manager/internal/coordinator"
	"github.com/seadogger/backup-manager/internal/coordinator/registry"
	"github.com/seadogger/backup-manager/internal/coordinator/sagalog"
)

// RestoreService starts restores and reports on them.
type RestoreService interface {
	Trigger(ctx context.Context, applicationID, snapshotID string) (*registry.RestoreSaga, error)
	Status(ctx context.Context, restoreID string) (coordinator.Status, error)
	InFlight(ctx context.Context) ([]*registry.RestoreSaga, error)
	History(ctx context.Context, sagaID string) ([]*sagalog.SagaLog, error)
	RestoreHistory(ctx context.Context, restoreID string) ([]*sagalog.SagaLog, error)
}

// SnapshotService lists the snapshots an application can be restored from.
type SnapshotService interface {
	List(ctx context.Context, applicationID string) ([]coordinator.Snapshot, error)
}
