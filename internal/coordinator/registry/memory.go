package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Ensure MemoryStore implements the port at compile time.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is the volatile Store. Sagas held here are lost on process
// restart; use the redis store when in-flight restores must survive one.
type MemoryStore struct {
	mu        sync.RWMutex
	byApp     map[string]*RestoreSaga
	byRestore map[string]string // restore id -> application id
}

// NewMemoryStore returns an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byApp:     make(map[string]*RestoreSaga),
		byRestore: make(map[string]string),
	}
}

func (m *MemoryStore) Reserve(_ context.Context, saga *RestoreSaga) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byApp[saga.ApplicationID]; exists {
		return fmt.Errorf("%w: %q", ErrApplicationBusy, saga.ApplicationID)
	}
	m.byApp[saga.ApplicationID] = saga.Clone()
	if saga.RestoreID != "" {
		m.byRestore[saga.RestoreID] = saga.ApplicationID
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, restoreID string) (*RestoreSaga, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	appID, ok := m.byRestore[restoreID]
	if !ok {
		return nil, fmt.Errorf("%w: restore %q", ErrNotFound, restoreID)
	}
	saga, ok := m.byApp[appID]
	if !ok || saga.RestoreID != restoreID {
		return nil, fmt.Errorf("%w: restore %q", ErrNotFound, restoreID)
	}
	return saga.Clone(), nil
}

func (m *MemoryStore) GetByApplication(_ context.Context, applicationID string) (*RestoreSaga, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	saga, ok := m.byApp[applicationID]
	if !ok {
		return nil, fmt.Errorf("%w: application %q", ErrNotFound, applicationID)
	}
	return saga.Clone(), nil
}

func (m *MemoryStore) Put(_ context.Context, saga *RestoreSaga) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.put(saga, false)
}

func (m *MemoryStore) CompareAndPut(_ context.Context, saga *RestoreSaga) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.put(saga, true)
}

func (m *MemoryStore) put(saga *RestoreSaga, compare bool) error {
	current, ok := m.byApp[saga.ApplicationID]
	if !ok || current.SagaID != saga.SagaID {
		return fmt.Errorf("%w: application %q has no reservation for saga %q", ErrNotFound, saga.ApplicationID, saga.SagaID)
	}
	if compare && current.Revision != saga.Revision {
		return fmt.Errorf("%w: saga %q is at revision %d, not %d", ErrConflict, saga.SagaID, current.Revision, saga.Revision)
	}
	saga.Revision = current.Revision + 1
	m.byApp[saga.ApplicationID] = saga.Clone()
	if saga.RestoreID != "" {
		m.byRestore[saga.RestoreID] = saga.ApplicationID
	}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, saga *RestoreSaga) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.byApp[saga.ApplicationID]; ok && current.SagaID == saga.SagaID {
		delete(m.byApp, saga.ApplicationID)
	}
	if saga.RestoreID != "" {
		delete(m.byRestore, saga.RestoreID)
	}
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]*RestoreSaga, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*RestoreSaga, 0, len(m.byApp))
	for _, saga := range m.byApp {
		out = append(out, saga.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
