package sagalog

import (
	"context"
	"errors"
)

// ErrNotFound is returned for a saga or restore without entries.
var ErrNotFound = errors.New("sagalog: saga not found")

// Repository is the port for persisting saga log entries.
type Repository interface {
	// Save appends a new entry. The table is append-only.
	Save(ctx context.Context, entry *SagaLog) error

	// History returns every entry of a saga, oldest first.
	History(ctx context.Context, sagaID string) ([]*SagaLog, error)

	// LatestForRestore returns the newest entry carrying restoreID. It is how
	// a restore is traced back to its saga once the registry dropped it.
	LatestForRestore(ctx context.Context, restoreID string) (*SagaLog, error)
}
