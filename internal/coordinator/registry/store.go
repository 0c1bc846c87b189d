package registry

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when no saga is stored under the given key.
	ErrNotFound = errors.New("registry: saga not found")
	// ErrApplicationBusy is returned by Reserve when the application already has
	// an active saga.
	ErrApplicationBusy = errors.New("registry: application already has an active restore")
	// ErrConflict is returned by CompareAndPut when the saga was written by
	// someone else since it was read.
	ErrConflict = errors.New("registry: saga changed concurrently")
)

// Store is the port for saga persistence. The coordinator depends on this
// abstraction, not on a concrete backend.
//
// Sagas are indexed by ApplicationID for their whole life and additionally by
// RestoreID once one has been allocated. Implementations hand out copies:
// changes are only visible to other callers after Put.
type Store interface {
	// Reserve stores a new saga if its application has none. It is the only
	// way to create an entry and must be atomic.
	Reserve(ctx context.Context, saga *RestoreSaga) error

	// Get looks a saga up by RestoreID.
	Get(ctx context.Context, restoreID string) (*RestoreSaga, error)

	// GetByApplication looks a saga up by ApplicationID.
	GetByApplication(ctx context.Context, applicationID string) (*RestoreSaga, error)

	// Put overwrites the saga reserved for saga.ApplicationID and indexes its
	// RestoreID when set. Put on an application without a reservation fails
	// with ErrNotFound. On success saga.Revision holds the stored revision.
	Put(ctx context.Context, saga *RestoreSaga) error

	// CompareAndPut is Put that also requires the stored revision to equal
	// saga.Revision. A newer stored revision fails with ErrConflict.
	CompareAndPut(ctx context.Context, saga *RestoreSaga) error

	// Delete removes the saga and its RestoreID index. Deleting a missing saga
	// is not an error.
	Delete(ctx context.Context, saga *RestoreSaga) error

	// List returns every stored saga.
	List(ctx context.Context) ([]*RestoreSaga, error)
}
