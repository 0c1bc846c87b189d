package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seadogger/backup-manager/internal/coordinator/registry"
	"github.com/seadogger/backup-manager/internal/coordinator/sagalog"
)

func TestTrigger_RestoreScenarioCompletes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testApplication(), 3)

	saga, err := h.orchestrator.Trigger(ctx, "app1", "snap-20240101-0000")
	require.NoError(t, err)
	assert.Equal(t, registry.PhaseRestoring, saga.Phase)
	assert.Equal(t, "app1-restore-20240101-000000", saga.RestoreID)
	assert.Equal(t, int32(3), saga.OriginalReplicas)

	replicas, _ := h.scaler.state()
	assert.Equal(t, int32(0), replicas)
	assert.True(t, h.gate.paused)

	require.Len(t, h.submitter.requests, 1)
	req := h.submitter.requests[0]
	assert.Equal(t, "ns1", req.Namespace)
	assert.Equal(t, "snap-20240101-0000", req.SnapshotID)
	assert.Equal(t, "app1-data", req.ClaimName)
	assert.Equal(t, "k8up-s3-credentials", req.Credentials.SecretName)

	// Not yet picked up by the operator.
	st, err := h.orchestrator.Status(ctx, saga.RestoreID)
	require.NoError(t, err)
	assert.False(t, st.Started)
	assert.Equal(t, registry.PhaseRestoring, st.Phase)

	h.watcher.set(saga.RestoreID, RestoreStatus{Started: true})
	st, err = h.orchestrator.Status(ctx, saga.RestoreID)
	require.NoError(t, err)
	assert.True(t, st.Started)
	assert.False(t, st.Finished)
	replicas, _ = h.scaler.state()
	assert.Equal(t, int32(0), replicas)

	h.watcher.set(saga.RestoreID, succeeded())
	st, err = h.orchestrator.Status(ctx, saga.RestoreID)
	require.NoError(t, err)
	assert.True(t, st.Finished)
	assert.True(t, st.Succeeded)
	assert.Equal(t, registry.PhaseCompleted, st.Phase)
	assert.Equal(t, registry.OutcomeNone, st.Outcome)

	replicas, calls := h.scaler.state()
	assert.Equal(t, int32(3), replicas)
	assert.Equal(t, []int32{0, 3}, calls)
	assert.False(t, h.gate.paused)
	assert.Equal(t, 1, h.gate.resumeCalls)

	history, err := h.orchestrator.History(ctx, saga.SagaID)
	require.NoError(t, err)
	var phases []registry.Phase
	for _, e := range history {
		phases = append(phases, e.Phase)
	}
	assert.Equal(t, []registry.Phase{
		registry.PhasePausing,
		registry.PhaseScalingDown,
		registry.PhaseDraining,
		registry.PhaseSubmitting,
		registry.PhaseRestoring,
		registry.PhaseScalingUp,
		registry.PhaseResuming,
		registry.PhaseCompleted,
	}, phases)
	assert.NotEmpty(t, history[0].Payload)
}

func TestStatus_FinalizedRestoreIsStable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testApplication(), 3)

	saga, err := h.orchestrator.Trigger(ctx, "app1", "snap-1")
	require.NoError(t, err)
	h.watcher.set(saga.RestoreID, succeeded())

	_, err = h.orchestrator.Status(ctx, saga.RestoreID)
	require.NoError(t, err)
	_, callsAfterCleanup := h.scaler.state()

	for range 3 {
		st, err := h.orchestrator.Status(ctx, saga.RestoreID)
		require.NoError(t, err)
		assert.Equal(t, OutcomeAlreadyFinalized, st.Outcome)
		assert.True(t, st.Finished)
		assert.True(t, st.Succeeded)
		assert.Equal(t, registry.PhaseCompleted, st.Phase)
	}

	_, calls := h.scaler.state()
	assert.Equal(t, callsAfterCleanup, calls)
	assert.Equal(t, 1, h.gate.resumeCalls)
}

func TestTrigger_WithoutGitOpsStillSubmits(t *testing.T) {
	ctx := context.Background()
	app := testApplication()
	app.GitOpsApp = ""
	h := newHarness(t, app, 1)

	saga, err := h.orchestrator.Trigger(ctx, "app1", "snap-1")
	require.NoError(t, err)
	assert.Equal(t, registry.PhaseRestoring, saga.Phase)
	assert.Len(t, h.submitter.requests, 1)
	assert.Zero(t, h.gate.pauseCalls)

	h.watcher.set(saga.RestoreID, succeeded())
	st, err := h.orchestrator.Status(ctx, saga.RestoreID)
	require.NoError(t, err)
	assert.Equal(t, registry.PhaseCompleted, st.Phase)
	assert.Zero(t, h.gate.resumeCalls)
}

func TestCleanup_RestoresOriginalReplicas(t *testing.T) {
	for _, n := range []int32{0, 3} {
		t.Run(fmt.Sprintf("replicas=%d", n), func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, testApplication(), n)

			saga, err := h.orchestrator.Trigger(ctx, "app1", "snap-1")
			require.NoError(t, err)
			h.watcher.set(saga.RestoreID, succeeded())

			_, err = h.orchestrator.Status(ctx, saga.RestoreID)
			require.NoError(t, err)

			replicas, calls := h.scaler.state()
			assert.Equal(t, n, replicas)
			assert.Equal(t, n, calls[len(calls)-1])
		})
	}
}

func TestDrain_BoundedByTimeoutPlusSettle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testApplication(), 2, func(c *Config) {
		c.Drain = DrainPolicy{Interval: 10 * time.Millisecond, Timeout: 100 * time.Millisecond, Settle: 20 * time.Millisecond}
	})
	h.scaler.stuckPods = 2

	start := time.Now()
	saga, err := h.orchestrator.Trigger(ctx, "app1", "snap-1")
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, registry.PhaseRestoring, saga.Phase)
	// Generous slack for scheduling on a loaded machine.
	assert.Less(t, elapsed, 120*time.Millisecond+time.Second)

	history, err := h.orchestrator.History(ctx, saga.SagaID)
	require.NoError(t, err)
	var submitting string
	for _, e := range history {
		if e.Phase == registry.PhaseSubmitting {
			submitting = e.ErrorMessages
		}
	}
	assert.Contains(t, submitting, "drain timed out")
}

func TestTrigger_SecondRequestRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testApplication(), 3)

	first, err := h.orchestrator.Trigger(ctx, "app1", "snap-1")
	require.NoError(t, err)

	_, err = h.orchestrator.Trigger(ctx, "app1", "snap-2")
	require.ErrorIs(t, err, ErrRestoreInProgress)
	assert.ErrorContains(t, err, first.SagaID)
	assert.ErrorContains(t, err, string(registry.PhaseRestoring))

	stored, err := h.store.GetByApplication(ctx, "app1")
	require.NoError(t, err)
	assert.Equal(t, first.SagaID, stored.SagaID)
	assert.Equal(t, "snap-1", stored.SnapshotID)
	assert.Equal(t, int32(3), stored.OriginalReplicas)
	assert.Len(t, h.submitter.requests, 1)
}

func TestTrigger_RejectsInvalidInput(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testApplication(), 1)

	_, err := h.orchestrator.Trigger(ctx, "", "snap-1")
	require.ErrorIs(t, err, ErrInvalidRequest)
	_, err = h.orchestrator.Trigger(ctx, "app1", " ")
	require.ErrorIs(t, err, ErrInvalidRequest)
	_, err = h.orchestrator.Trigger(ctx, "app2", "snap-1")
	require.ErrorIs(t, err, ErrUnknownApplication)
}

func TestTrigger_SubmissionFailureCompensates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testApplication(), 3)
	h.submitter.err = errors.New("admission webhook denied the request")

	saga, err := h.orchestrator.Trigger(ctx, "app1", "snap-1")
	require.Error(t, err)
	assert.Nil(t, saga)

	var subErr *SubmissionError
	require.ErrorAs(t, err, &subErr)
	assert.Equal(t, "app1", subErr.ApplicationID)
	assert.Equal(t, "snap-1", subErr.SnapshotID)

	replicas, _ := h.scaler.state()
	assert.Equal(t, int32(3), replicas)
	assert.False(t, h.gate.paused)

	all, err := h.orchestrator.InFlight(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	h.submitter.err = nil
	_, err = h.orchestrator.Trigger(ctx, "app1", "snap-1")
	require.NoError(t, err)
}

func TestStatus_OperatorFailureLeavesWorkloadStopped(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testApplication(), 3)

	saga, err := h.orchestrator.Trigger(ctx, "app1", "snap-1")
	require.NoError(t, err)

	conditions := []Condition{
		{Type: "Completed", Status: "False"},
		{Type: "Failed", Status: "True", Message: "restic: wrong password"},
	}
	h.watcher.set(saga.RestoreID, RestoreStatus{Started: true, Finished: true, Succeeded: SucceededFrom(conditions), Conditions: conditions})

	st, err := h.orchestrator.Status(ctx, saga.RestoreID)
	require.NoError(t, err)
	assert.Equal(t, registry.PhaseFailed, st.Phase)
	assert.Equal(t, registry.OutcomeOperatorFailure, st.Outcome)
	assert.Contains(t, st.Message, "wrong password")

	replicas, _ := h.scaler.state()
	assert.Equal(t, int32(0), replicas)
	assert.True(t, h.gate.paused)
	assert.Zero(t, h.gate.resumeCalls)

	st, err = h.orchestrator.Status(ctx, saga.RestoreID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyFinalized, st.Outcome)
	assert.Equal(t, registry.PhaseFailed, st.Phase)
}

func TestStatus_CleanupErrorIsDistinct(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testApplication(), 3)

	saga, err := h.orchestrator.Trigger(ctx, "app1", "snap-1")
	require.NoError(t, err)
	h.gate.resumeErr = errors.New("argocd unavailable")
	h.watcher.set(saga.RestoreID, succeeded())

	st, err := h.orchestrator.Status(ctx, saga.RestoreID)
	require.NoError(t, err)
	assert.Equal(t, registry.PhaseCompleted, st.Phase)
	assert.Equal(t, registry.OutcomeCleanupError, st.Outcome)
	assert.True(t, st.Succeeded)
	assert.Contains(t, st.Message, "argocd unavailable")

	replicas, _ := h.scaler.state()
	assert.Equal(t, int32(3), replicas)
}

func TestScaleDown_UnreadableReplicasLeaveWorkloadRunning(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testApplication(), 2)
	h.scaler.getErr = errors.New("apiserver timeout")

	saga, err := h.orchestrator.Trigger(ctx, "app1", "snap-1")
	require.NoError(t, err)
	assert.False(t, saga.ReplicasCaptured)

	_, calls := h.scaler.state()
	assert.Empty(t, calls)

	h.watcher.set(saga.RestoreID, succeeded())
	st, err := h.orchestrator.Status(ctx, saga.RestoreID)
	require.NoError(t, err)
	assert.Equal(t, registry.PhaseCompleted, st.Phase)
	assert.Equal(t, registry.OutcomeCleanupError, st.Outcome)
	assert.Contains(t, st.Message, "scale the workload manually")

	_, calls = h.scaler.state()
	assert.Empty(t, calls)
}

func TestTrigger_AbsentWorkloadIsVacuous(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testApplication(), 0)
	h.scaler.absent = true

	saga, err := h.orchestrator.Trigger(ctx, "app1", "snap-1")
	require.NoError(t, err)
	assert.True(t, saga.WorkloadAbsent)

	h.watcher.set(saga.RestoreID, succeeded())
	st, err := h.orchestrator.Status(ctx, saga.RestoreID)
	require.NoError(t, err)
	assert.Equal(t, registry.PhaseCompleted, st.Phase)
	assert.Equal(t, registry.OutcomeNone, st.Outcome)
}

func TestStatus_RestoreDeadline(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testApplication(), 1, func(c *Config) { c.RestoreDeadline = time.Minute })

	saga, err := h.orchestrator.Trigger(ctx, "app1", "snap-1")
	require.NoError(t, err)
	h.watcher.set(saga.RestoreID, RestoreStatus{Started: true})

	h.clock.Step(2 * time.Minute)
	st, err := h.orchestrator.Status(ctx, saga.RestoreID)
	require.NoError(t, err)
	assert.Equal(t, registry.PhaseFailed, st.Phase)
	assert.Equal(t, registry.OutcomeTimeout, st.Outcome)
	assert.True(t, h.gate.paused)

	// The operator still reports the restore as running.
	st, err = h.orchestrator.Status(ctx, saga.RestoreID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyFinalized, st.Outcome)
	assert.Equal(t, registry.PhaseFailed, st.Phase)
	assert.Equal(t, saga.SagaID, st.SagaID)
	assert.Contains(t, st.Message, string(registry.OutcomeTimeout))
}

func TestStatus_MissingRestoreFailsAfterGrace(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testApplication(), 1)

	saga, err := h.orchestrator.Trigger(ctx, "app1", "snap-1")
	require.NoError(t, err)

	st, err := h.orchestrator.Status(ctx, saga.RestoreID)
	require.NoError(t, err)
	assert.Equal(t, registry.PhaseRestoring, st.Phase)

	h.clock.Step(time.Minute)
	st, err = h.orchestrator.Status(ctx, saga.RestoreID)
	require.NoError(t, err)
	assert.Equal(t, registry.PhaseFailed, st.Phase)
	assert.Equal(t, registry.OutcomeOperatorFailure, st.Outcome)
}

func TestStatus_UnknownRestore(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testApplication(), 1)

	_, err := h.orchestrator.Status(ctx, "not-a-restore")
	require.ErrorIs(t, err, ErrUnknownRestore)
	_, err = h.orchestrator.Status(ctx, "app1-restore-20230101-000000")
	require.ErrorIs(t, err, ErrUnknownRestore)
	_, err = h.orchestrator.Status(ctx, "other-restore-20230101-000000")
	require.ErrorIs(t, err, ErrUnknownRestore)
	_, err = h.orchestrator.Status(ctx, "")
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestPollAll_CompletesWithoutStatusCalls(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testApplication(), 3)

	saga, err := h.orchestrator.Trigger(ctx, "app1", "snap-1")
	require.NoError(t, err)
	assert.True(t, h.orchestrator.Tracks(ctx, saga.RestoreID))

	h.watcher.set(saga.RestoreID, succeeded())
	h.orchestrator.PollAll(ctx)

	assert.False(t, h.orchestrator.Tracks(ctx, saga.RestoreID))
	replicas, _ := h.scaler.state()
	assert.Equal(t, int32(3), replicas)
}

func TestHistory_Disabled(t *testing.T) {
	o := NewOrchestrator(Deps{Store: registry.NewMemoryStore()}, DefaultConfig())
	_, err := o.History(context.Background(), "saga-1")
	require.ErrorIs(t, err, ErrHistoryDisabled)
	_, err = o.RestoreHistory(context.Background(), "app1-restore-20240101-000000")
	require.ErrorIs(t, err, ErrHistoryDisabled)
}

func TestRestoreHistory(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testApplication(), 3)

	saga, err := h.orchestrator.Trigger(ctx, "app1", "snap-1")
	require.NoError(t, err)
	h.watcher.set(saga.RestoreID, succeeded())
	_, err = h.orchestrator.Status(ctx, saga.RestoreID)
	require.NoError(t, err)

	history, err := h.orchestrator.RestoreHistory(ctx, saga.RestoreID)
	require.NoError(t, err)
	require.Len(t, history, 8)
	assert.Equal(t, registry.PhasePausing, history[0].Phase)
	assert.Empty(t, history[0].RestoreID)
	assert.Equal(t, registry.PhaseCompleted, history[7].Phase)
	for _, e := range history {
		assert.Equal(t, saga.SagaID, e.SagaID)
	}

	_, err = h.orchestrator.RestoreHistory(ctx, "app1-restore-20230101-000000")
	require.ErrorIs(t, err, sagalog.ErrNotFound)
}

func TestTrigger_CancelledContextStillProtects(t *testing.T) {
	h := newHarness(t, testApplication(), 3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	saga, err := h.orchestrator.Trigger(ctx, "app1", "snap-1")
	require.NoError(t, err)
	assert.Equal(t, registry.PhaseRestoring, saga.Phase)
	assert.True(t, saga.ReplicasCaptured)

	assert.Equal(t, 1, h.gate.pauseCalls)
	assert.True(t, h.gate.paused)
	replicas, calls := h.scaler.state()
	assert.Equal(t, int32(0), replicas)
	assert.Equal(t, []int32{0}, calls)
	assert.Len(t, h.submitter.requests, 1)

	// Polls are detached from the caller as well.
	h.watcher.set(saga.RestoreID, succeeded())
	st, err := h.orchestrator.Status(ctx, saga.RestoreID)
	require.NoError(t, err)
	assert.Equal(t, registry.PhaseCompleted, st.Phase)
	replicas, _ = h.scaler.state()
	assert.Equal(t, int32(3), replicas)
}

func TestTrigger_MissingGitOpsApplicationIsVacuous(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testApplication(), 2)
	h.gate.notManaged = true

	saga, err := h.orchestrator.Trigger(ctx, "app1", "snap-1")
	require.NoError(t, err)
	assert.Equal(t, registry.PhaseRestoring, saga.Phase)
	assert.Equal(t, 1, h.gate.pauseCalls)
	assert.False(t, h.gate.paused)
	assert.Len(t, h.submitter.requests, 1)

	history, err := h.orchestrator.History(ctx, saga.SagaID)
	require.NoError(t, err)
	var reachedSubmitting bool
	for _, e := range history {
		assert.Equal(t, "[]", e.ErrorMessages, "phase %s", e.Phase)
		reachedSubmitting = reachedSubmitting || e.Phase == registry.PhaseSubmitting
	}
	assert.True(t, reachedSubmitting)

	h.watcher.set(saga.RestoreID, succeeded())
	st, err := h.orchestrator.Status(ctx, saga.RestoreID)
	require.NoError(t, err)
	assert.Equal(t, registry.PhaseCompleted, st.Phase)
	assert.Equal(t, registry.OutcomeNone, st.Outcome)
	assert.Empty(t, st.Message)

	replicas, calls := h.scaler.state()
	assert.Equal(t, int32(2), replicas)
	assert.Equal(t, []int32{0, 2}, calls)
	assert.Equal(t, 1, h.gate.resumeCalls)
}

func TestStatus_ConcurrentPollsCleanUpOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testApplication(), 3)
	other := h.replica(h.watcher)

	saga, err := h.orchestrator.Trigger(ctx, "app1", "snap-1")
	require.NoError(t, err)
	h.watcher.set(saga.RestoreID, succeeded())

	var wg sync.WaitGroup
	for i := range 12 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			switch i % 3 {
			case 0:
				h.orchestrator.PollAll(ctx)
			case 1:
				st, err := h.orchestrator.Status(ctx, saga.RestoreID)
				assert.NoError(t, err)
				assert.True(t, st.Succeeded)
			default:
				st, err := other.Status(ctx, saga.RestoreID)
				assert.NoError(t, err)
				assert.True(t, st.Succeeded)
			}
		}()
	}
	wg.Wait()

	replicas, calls := h.scaler.state()
	assert.Equal(t, int32(3), replicas)
	assert.Equal(t, []int32{0, 3}, calls)
	assert.Equal(t, 1, h.gate.resumeCalls)
	assert.False(t, h.orchestrator.Tracks(ctx, saga.RestoreID))
}

func TestStatus_ResumesInterruptedCleanup(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testApplication(), 3)

	saga, err := h.orchestrator.Trigger(ctx, "app1", "snap-1")
	require.NoError(t, err)
	h.watcher.set(saga.RestoreID, succeeded())

	// A replica entered ScalingUp and went away before scaling.
	stored, err := h.store.Get(ctx, saga.RestoreID)
	require.NoError(t, err)
	stored.Phase = registry.PhaseScalingUp
	stored.UpdatedAt = h.clock.Now()
	require.NoError(t, h.store.Put(ctx, stored))

	st, err := h.orchestrator.Status(ctx, saga.RestoreID)
	require.NoError(t, err)
	assert.Equal(t, registry.PhaseScalingUp, st.Phase)
	_, calls := h.scaler.state()
	assert.Equal(t, []int32{0}, calls)

	h.clock.Step(3 * time.Second)
	st, err = h.orchestrator.Status(ctx, saga.RestoreID)
	require.NoError(t, err)
	assert.Equal(t, registry.PhaseCompleted, st.Phase)
	assert.True(t, st.Succeeded)

	replicas, calls := h.scaler.state()
	assert.Equal(t, int32(3), replicas)
	assert.Equal(t, []int32{0, 3}, calls)
	assert.Equal(t, 1, h.gate.resumeCalls)
}

func TestStatus_StaleReplicaLeavesNewerRestoreAlone(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testApplication(), 3)
	blocked := newBlockingWatcher(h.watcher)
	stale := h.replica(blocked)

	first, err := h.orchestrator.Trigger(ctx, "app1", "snap-1")
	require.NoError(t, err)
	h.watcher.set(first.RestoreID, succeeded())

	type result struct {
		st  Status
		err error
	}
	done := make(chan result, 1)
	go func() {
		st, err := stale.Status(ctx, first.RestoreID)
		done <- result{st: st, err: err}
	}()
	// The stale replica has loaded the saga and waits on the operator.
	<-blocked.entered

	st, err := h.orchestrator.Status(ctx, first.RestoreID)
	require.NoError(t, err)
	require.Equal(t, registry.PhaseCompleted, st.Phase)

	h.clock.Step(time.Second)
	second, err := h.orchestrator.Trigger(ctx, "app1", "snap-2")
	require.NoError(t, err)
	require.NotEqual(t, first.RestoreID, second.RestoreID)

	close(blocked.release)
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, OutcomeAlreadyFinalized, res.st.Outcome)
	assert.Equal(t, registry.PhaseCompleted, res.st.Phase)

	replicas, calls := h.scaler.state()
	assert.Equal(t, int32(0), replicas)
	assert.Equal(t, []int32{0, 3, 0}, calls)
	assert.Equal(t, 1, h.gate.resumeCalls)
	assert.True(t, h.gate.paused)

	stored, err := h.store.Get(ctx, second.RestoreID)
	require.NoError(t, err)
	assert.Equal(t, second.SagaID, stored.SagaID)
	assert.Equal(t, registry.PhaseRestoring, stored.Phase)
}
