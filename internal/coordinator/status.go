package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/seadogger/backup-manager/internal/coordinator/registry"
	"github.com/seadogger/backup-manager/internal/coordinator/sagalog"
)

// OutcomeAlreadyFinalized is reported for a restore whose saga has already
// left the registry. The flags then come from the backup operator alone.
const OutcomeAlreadyFinalized registry.Outcome = "AlreadyFinalized"

// Status is the combined view of a saga and the operator's restore.
type Status struct {
	RestoreID     string
	ApplicationID string
	// SagaID of a finalized restore is only known when the saga log is enabled.
	SagaID     string
	Phase      registry.Phase
	Started    bool
	Finished   bool
	Succeeded  bool
	Outcome    registry.Outcome
	Message    string
	Conditions []Condition
}

// Status reports the state of a restore and advances its saga. The first poll
// that sees a successful restore scales the workload back and resumes sync.
// A failed restore finalizes the saga and leaves the workload stopped.
//
// Polls for the same restore are serialized. Once the saga is finalized
// every poll returns OutcomeAlreadyFinalized without side effects.
func (o *Orchestrator) Status(ctx context.Context, restoreID string) (Status, error) {
	if restoreID == "" {
		return Status{}, fmt.Errorf("%w: restore id is required", ErrInvalidRequest)
	}

	o.locks.LockKey(restoreID)
	defer func() { _ = o.locks.UnlockKey(restoreID) }()

	// Cleanup must not be cut short by a caller that goes away.
	ctx = context.WithoutCancel(ctx)
	ctx, span := o.tracer.Start(ctx, "saga.poll", trace.WithAttributes(attribute.String("restore.id", restoreID)))
	defer span.End()

	saga, err := o.deps.Store.Get(ctx, restoreID)
	if errors.Is(err, registry.ErrNotFound) {
		return o.finalizedStatus(ctx, restoreID)
	}
	if err != nil {
		return Status{}, fmt.Errorf("load saga for %q: %w", restoreID, err)
	}
	return o.advance(ctx, saga)
}

// Tracks reports whether restoreID belongs to a saga in the registry.
func (o *Orchestrator) Tracks(ctx context.Context, restoreID string) bool {
	_, err := o.deps.Store.Get(ctx, restoreID)
	return err == nil
}

// PollAll advances every saga that is waiting on the backup operator.
func (o *Orchestrator) PollAll(ctx context.Context) {
	sagas, err := o.deps.Store.List(ctx)
	if err != nil {
		slog.WarnContext(ctx, "failed to list sagas", "error", err)
		return
	}
	for _, saga := range sagas {
		if saga.RestoreID == "" || saga.Phase.Terminal() {
			continue
		}
		if _, err := o.Status(ctx, saga.RestoreID); err != nil {
			slog.WarnContext(ctx, "failed to poll restore",
				"restore_id", saga.RestoreID, "application_id", saga.ApplicationID, "error", err)
		}
	}
}

func (o *Orchestrator) advance(ctx context.Context, saga *registry.RestoreSaga) (Status, error) {
	app, err := o.Application(saga.ApplicationID)
	if err != nil {
		return Status{}, err
	}

	switch saga.Phase {
	case registry.PhaseRestoring:
		return o.pollOperator(ctx, saga, app)
	case registry.PhaseScalingUp, registry.PhaseResuming:
		// The operator already succeeded.
		st := RestoreStatus{Started: true, Finished: true, Succeeded: true}
		if o.deps.Clock.Since(saga.UpdatedAt) < o.cleanupLease() {
			// Another poller may be between two cleanup writes.
			return sagaStatus(saga, st), nil
		}
		// Cleanup interrupted by a restart.
		if err := o.cleanup(ctx, saga, app); err != nil {
			return o.superseded(ctx, saga, st, err)
		}
		return sagaStatus(saga, st), nil
	case registry.PhaseCompleted, registry.PhaseFailed:
		// A previous removal failed.
		o.finalize(ctx, saga)
		return sagaStatus(saga, RestoreStatus{}), nil
	default:
		// First half still running.
		return sagaStatus(saga, RestoreStatus{}), nil
	}
}

func (o *Orchestrator) pollOperator(ctx context.Context, saga *registry.RestoreSaga, app Application) (Status, error) {
	now := o.deps.Clock.Now()
	if o.cfg.RestoreDeadline > 0 && now.Sub(saga.SubmittedAt) > o.cfg.RestoreDeadline {
		saga.Outcome = registry.OutcomeTimeout
		saga.Message = fmt.Sprintf("restore did not finish within %s", o.cfg.RestoreDeadline)
		if err := o.fail(ctx, saga); err != nil {
			return o.superseded(ctx, saga, RestoreStatus{}, err)
		}
		return sagaStatus(saga, RestoreStatus{}), nil
	}

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	st, err := o.deps.Watcher.Status(callCtx, app.Namespace, saga.RestoreID)
	cancel()
	if errors.Is(err, ErrRestoreNotFound) {
		if now.Sub(saga.SubmittedAt) <= o.cfg.NotFoundGrace {
			return sagaStatus(saga, RestoreStatus{}), nil
		}
		saga.Outcome = registry.OutcomeOperatorFailure
		saga.Message = "restore disappeared from the backup operator"
		if err := o.fail(ctx, saga); err != nil {
			return o.superseded(ctx, saga, RestoreStatus{}, err)
		}
		return sagaStatus(saga, RestoreStatus{}), nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("read restore %q: %w", saga.RestoreID, err)
	}

	switch {
	case !st.Finished:
		return sagaStatus(saga, st), nil
	case !st.Succeeded:
		saga.Outcome = registry.OutcomeOperatorFailure
		saga.Message = failureMessage(st.Conditions)
		if err := o.fail(ctx, saga); err != nil {
			return o.superseded(ctx, saga, st, err)
		}
		return sagaStatus(saga, st), nil
	default:
		if err := o.cleanup(ctx, saga, app); err != nil {
			return o.superseded(ctx, saga, st, err)
		}
		return sagaStatus(saga, st), nil
	}
}

// superseded answers a poll whose saga was written by someone else after it
// was loaded, or replaced by a newer saga for the same application. The poll
// has not acted on the workload and does not do so now.
func (o *Orchestrator) superseded(ctx context.Context, saga *registry.RestoreSaga, st RestoreStatus, err error) (Status, error) {
	if !errors.Is(err, registry.ErrConflict) && !errors.Is(err, registry.ErrNotFound) {
		return Status{}, fmt.Errorf("persist saga %q: %w", saga.RestoreID, err)
	}
	slog.InfoContext(ctx, "saga advanced by another poller, leaving it alone",
		"saga_id", saga.SagaID, "restore_id", saga.RestoreID, "reason", err)

	current, getErr := o.deps.Store.Get(ctx, saga.RestoreID)
	if getErr == nil && current.SagaID == saga.SagaID {
		return sagaStatus(current, st), nil
	}
	return o.finalizedStatus(ctx, saga.RestoreID)
}

// fail finalizes a saga after the restore was submitted. The workload stays
// at zero replicas and sync stays paused for manual inspection.
func (o *Orchestrator) fail(ctx context.Context, saga *registry.RestoreSaga) error {
	if err := o.compareAndTransition(ctx, saga, registry.PhaseFailed, []string{saga.Message}); err != nil {
		return err
	}
	slog.ErrorContext(ctx, "restore failed, workload left stopped",
		"saga_id", saga.SagaID,
		"restore_id", saga.RestoreID,
		"application_id", saga.ApplicationID,
		"outcome", saga.Outcome,
		"message", saga.Message,
	)
	o.finalize(ctx, saga)
	return nil
}

// cleanup runs ScalingUp and Resuming and completes the saga. Each phase is
// persisted before its action, so a resumed cleanup picks up where it stopped.
// Every write is a compare-and-set against the loaded saga. When one fails,
// cleanup returns before acting and the caller must not touch the workload.
func (o *Orchestrator) cleanup(ctx context.Context, saga *registry.RestoreSaga, app Application) error {
	if saga.Phase == registry.PhaseRestoring {
		if err := o.compareAndTransition(ctx, saga, registry.PhaseScalingUp, nil); err != nil {
			return err
		}
	} else if err := o.claim(ctx, saga); err != nil {
		return err
	}

	if saga.Phase == registry.PhaseScalingUp {
		var errs []string
		if err := o.scaleUp(ctx, saga, app); err != nil {
			errs = append(errs, err.Error())
			o.cleanupFailed(ctx, saga, err)
		}
		if err := o.compareAndTransition(ctx, saga, registry.PhaseResuming, errs); err != nil {
			return err
		}
	}

	var errs []string
	if app.GitOpsApp != "" {
		callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
		err := o.deps.Gate.ResumeSync(callCtx, app.ID)
		cancel()
		if err != nil && !isVacuous(err) {
			err = fmt.Errorf("resume sync: %w", err)
			errs = append(errs, err.Error())
			o.cleanupFailed(ctx, saga, err)
		}
	}
	if err := o.compareAndTransition(ctx, saga, registry.PhaseCompleted, errs); err != nil {
		return err
	}
	o.finalize(ctx, saga)
	return nil
}

// cleanupLease is how long a saga in ScalingUp or Resuming belongs to the
// poller that wrote it. Each cleanup write is followed by one bounded call.
func (o *Orchestrator) cleanupLease() time.Duration {
	return 2 * o.cfg.CallTimeout
}

// claim rewrites a loaded saga unchanged, so that of two pollers resuming the
// same cleanup only the first one acts.
func (o *Orchestrator) claim(ctx context.Context, saga *registry.RestoreSaga) error {
	updatedAt := saga.UpdatedAt
	saga.UpdatedAt = o.deps.Clock.Now().UTC()
	if err := o.deps.Store.CompareAndPut(ctx, saga); err != nil {
		saga.UpdatedAt = updatedAt
		return err
	}
	return nil
}

func (o *Orchestrator) scaleUp(ctx context.Context, saga *registry.RestoreSaga, app Application) error {
	if saga.WorkloadAbsent {
		return nil
	}
	if !saga.ReplicasCaptured {
		return errors.New("original replica count unknown, scale the workload manually")
	}

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()

	err := o.deps.Scaler.SetReplicas(callCtx, app.ID, saga.OriginalReplicas)
	if err != nil && !isVacuous(err) {
		return fmt.Errorf("scale back to %d: %w", saga.OriginalReplicas, err)
	}
	return nil
}

func (o *Orchestrator) cleanupFailed(ctx context.Context, saga *registry.RestoreSaga, err error) {
	slog.ErrorContext(ctx, "cleanup after restore failed",
		"saga_id", saga.SagaID, "restore_id", saga.RestoreID, "phase", saga.Phase, "error", err)
	saga.Outcome = registry.OutcomeCleanupError
	if saga.Message == "" {
		saga.Message = err.Error()
	} else {
		saga.Message += "; " + err.Error()
	}
}

// finalizedStatus answers for a restore id the registry no longer holds.
func (o *Orchestrator) finalizedStatus(ctx context.Context, restoreID string) (Status, error) {
	appID, ok := ApplicationFromRestoreID(restoreID)
	if !ok {
		return Status{}, fmt.Errorf("%w: %q", ErrUnknownRestore, restoreID)
	}
	app, ok := o.deps.Catalog.Lookup(appID)
	if !ok {
		return Status{}, fmt.Errorf("%w: %q", ErrUnknownRestore, restoreID)
	}

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()

	st, err := o.deps.Watcher.Status(callCtx, app.Namespace, restoreID)
	if errors.Is(err, ErrRestoreNotFound) {
		return Status{}, fmt.Errorf("%w: %q", ErrUnknownRestore, restoreID)
	}
	if err != nil {
		return Status{}, fmt.Errorf("read restore %q: %w", restoreID, err)
	}

	status := Status{
		RestoreID:     restoreID,
		ApplicationID: app.ID,
		Started:       st.Started,
		Finished:      st.Finished,
		Succeeded:     st.Succeeded,
		Outcome:       OutcomeAlreadyFinalized,
		Conditions:    st.Conditions,
	}
	switch {
	case st.Finished && st.Succeeded:
		status.Phase = registry.PhaseCompleted
	case st.Finished:
		status.Phase = registry.PhaseFailed
	}

	// The saga log still knows how the saga ended, e.g. a timeout while the
	// operator kept running.
	if o.deps.SagaLog != nil {
		last, err := o.deps.SagaLog.LatestForRestore(ctx, restoreID)
		switch {
		case err == nil:
			status.SagaID = last.SagaID
			if last.Phase.Terminal() {
				status.Phase = last.Phase
			}
			if last.Outcome != "" {
				status.Message = fmt.Sprintf("saga ended with outcome %s", last.Outcome)
			}
		case !errors.Is(err, sagalog.ErrNotFound):
			slog.WarnContext(ctx, "failed to read saga log", "restore_id", restoreID, "error", err)
		}
	}
	return status, nil
}

func sagaStatus(saga *registry.RestoreSaga, st RestoreStatus) Status {
	return Status{
		RestoreID:     saga.RestoreID,
		ApplicationID: saga.ApplicationID,
		SagaID:        saga.SagaID,
		Phase:         saga.Phase,
		Started:       st.Started,
		Finished:      st.Finished,
		Succeeded:     st.Succeeded,
		Outcome:       saga.Outcome,
		Message:       saga.Message,
		Conditions:    st.Conditions,
	}
}

func failureMessage(conditions []Condition) string {
	var parts []string
	for _, c := range conditions {
		if c.Status != "True" || c.Message == "" {
			continue
		}
		parts = append(parts, c.Type+": "+c.Message)
	}
	if len(parts) == 0 {
		return "restore finished without success"
	}
	return strings.Join(parts, "; ")
}
