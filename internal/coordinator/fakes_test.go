package coordinator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	clocktesting "k8s.io/utils/clock/testing"

	"github.com/seadogger/backup-manager/internal/coordinator/registry"
	"github.com/seadogger/backup-manager/internal/coordinator/sagalog"
)

type fakeScaler struct {
	mu       sync.Mutex
	replicas int32
	absent   bool
	getErr   error
	// stuckPods, when set, is reported by PodCount regardless of replicas.
	stuckPods int
	setCalls  []int32
}

func (f *fakeScaler) GetReplicas(ctx context.Context, _ string) (int32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.absent {
		return 0, ErrWorkloadAbsent
	}
	if f.getErr != nil {
		return 0, f.getErr
	}
	return f.replicas, nil
}

func (f *fakeScaler) SetReplicas(ctx context.Context, _ string, n int32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.absent {
		return ErrWorkloadAbsent
	}
	f.setCalls = append(f.setCalls, n)
	f.replicas = n
	return nil
}

func (f *fakeScaler) PodCount(ctx context.Context, _ string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.absent {
		return 0, ErrWorkloadAbsent
	}
	if f.stuckPods > 0 {
		return f.stuckPods, nil
	}
	return int(f.replicas), nil
}

func (f *fakeScaler) state() (int32, []int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.replicas, append([]int32(nil), f.setCalls...)
}

type fakeGate struct {
	mu          sync.Mutex
	paused      bool
	pauseCalls  int
	resumeCalls int
	resumeErr   error
	// notManaged reports the GitOps application as missing.
	notManaged bool
}

func (f *fakeGate) PauseSync(ctx context.Context, appID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pauseCalls++
	if f.notManaged {
		return fmt.Errorf("%w: %s", ErrNotManaged, appID)
	}
	f.paused = true
	return nil
}

func (f *fakeGate) ResumeSync(ctx context.Context, appID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumeCalls++
	if f.notManaged {
		return fmt.Errorf("%w: %s", ErrNotManaged, appID)
	}
	if f.resumeErr != nil {
		return f.resumeErr
	}
	f.paused = false
	return nil
}

type fakeSubmitter struct {
	mu       sync.Mutex
	err      error
	requests []RestoreRequest
}

func (f *fakeSubmitter) Submit(ctx context.Context, req RestoreRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return "", f.err
	}
	return req.Name, nil
}

type fakeWatcher struct {
	mu       sync.Mutex
	statuses map[string]RestoreStatus
}

func (f *fakeWatcher) Status(ctx context.Context, _ string, restoreID string) (RestoreStatus, error) {
	if err := ctx.Err(); err != nil {
		return RestoreStatus{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.statuses[restoreID]
	if !ok {
		return RestoreStatus{}, ErrRestoreNotFound
	}
	return st, nil
}

func (f *fakeWatcher) set(restoreID string, st RestoreStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[restoreID] = st
}

// blockingWatcher holds its first Status call until release is closed.
type blockingWatcher struct {
	RestoreWatcher
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newBlockingWatcher(w RestoreWatcher) *blockingWatcher {
	return &blockingWatcher{RestoreWatcher: w, entered: make(chan struct{}), release: make(chan struct{})}
}

func (b *blockingWatcher) Status(ctx context.Context, namespace, restoreID string) (RestoreStatus, error) {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return b.RestoreWatcher.Status(ctx, namespace, restoreID)
}

type memorySagaLog struct {
	mu      sync.Mutex
	entries []*sagalog.SagaLog
}

func (m *memorySagaLog) Save(_ context.Context, entry *sagalog.SagaLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memorySagaLog) History(_ context.Context, sagaID string) ([]*sagalog.SagaLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*sagalog.SagaLog
	for _, e := range m.entries {
		if e.SagaID == sagaID {
			out = append(out, e)
		}
	}
	if len(out) == 0 {
		return nil, sagalog.ErrNotFound
	}
	return out, nil
}

func (m *memorySagaLog) LatestForRestore(_ context.Context, restoreID string) (*sagalog.SagaLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].RestoreID == restoreID {
			return m.entries[i], nil
		}
	}
	return nil, sagalog.ErrNotFound
}

var testStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type harness struct {
	orchestrator *Orchestrator
	scaler       *fakeScaler
	gate         *fakeGate
	submitter    *fakeSubmitter
	watcher      *fakeWatcher
	store        *registry.MemoryStore
	log          *memorySagaLog
	clock        *clocktesting.FakeClock
	catalog      Catalog
	cfg          Config
}

func testApplication() Application {
	return Application{
		ID:        "app1",
		Namespace: "ns1",
		Workload:  "app1",
		Kind:      KindDeployment,
		ClaimName: "app1-data",
		GitOpsApp: "app1",
	}
}

func testConfig() Config {
	return Config{
		CallTimeout: time.Second,
		Drain: DrainPolicy{
			Interval: 5 * time.Millisecond,
			Timeout:  200 * time.Millisecond,
			Settle:   5 * time.Millisecond,
		},
		NotFoundGrace: 30 * time.Second,
		Credentials:   CredentialRef{SecretName: "k8up-s3-credentials", PasswordKey: "RESTIC_PASSWORD"},
	}
}

func newHarness(t *testing.T, app Application, replicas int32, mutate ...func(*Config)) *harness {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	h := &harness{
		scaler:    &fakeScaler{replicas: replicas},
		gate:      &fakeGate{},
		submitter: &fakeSubmitter{},
		watcher:   &fakeWatcher{statuses: map[string]RestoreStatus{}},
		store:     registry.NewMemoryStore(),
		log:       &memorySagaLog{},
		clock:     clocktesting.NewFakeClock(testStart),
		catalog:   Catalog{app.ID: app},
		cfg:       cfg,
	}
	h.orchestrator = h.replica(h.watcher)
	return h
}

// replica builds another orchestrator over the same cluster and registry,
// as a second process of the deployment would be.
func (h *harness) replica(watcher RestoreWatcher) *Orchestrator {
	return NewOrchestrator(Deps{
		Catalog:   h.catalog,
		Scaler:    h.scaler,
		Gate:      h.gate,
		Submitter: h.submitter,
		Watcher:   watcher,
		Store:     h.store,
		SagaLog:   h.log,
		Clock:     h.clock,
	}, h.cfg)
}

func succeeded() RestoreStatus {
	conditions := []Condition{{Type: "Completed", Status: "True", Reason: "Succeeded"}}
	return RestoreStatus{Started: true, Finished: true, Succeeded: SucceededFrom(conditions), Conditions: conditions}
}
