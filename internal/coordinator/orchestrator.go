// Package coordinator drives restore sagas.
//
// A restore runs in two halves. Trigger executes the protective steps
// (pause GitOps sync, scale to zero, drain, submit) synchronously. Status then
// advances the saga each time it is polled until the backup operator reports
// a result, at which point the workload is scaled back and sync resumed.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/utils/clock"
	"k8s.io/utils/keymutex"

	"github.com/seadogger/backup-manager/internal/coordinator/registry"
	"github.com/seadogger/backup-manager/internal/coordinator/sagalog"
	"github.com/seadogger/backup-manager/internal/metrics"
)

const tracerName = "github.com/seadogger/backup-manager/internal/coordinator"

// Config tunes the orchestrator.
type Config struct {
	// CallTimeout bounds every single call to the cluster.
	CallTimeout time.Duration
	Drain       DrainPolicy
	// RestoreDeadline fails a saga whose restore has not finished this long
	// after submission. Zero disables it.
	RestoreDeadline time.Duration
	// NotFoundGrace is how long a submitted restore may be missing at the
	// operator before the saga is failed.
	NotFoundGrace time.Duration
	Credentials   CredentialRef
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		CallTimeout: 15 * time.Second,
		Drain: DrainPolicy{
			Interval: 2 * time.Second,
			Timeout:  60 * time.Second,
			Settle:   2 * time.Second,
		},
		NotFoundGrace: 30 * time.Second,
	}
}

// Deps are the ports the orchestrator drives.
type Deps struct {
	Catalog   Catalog
	Scaler    WorkloadScaler
	Gate      ReconciliationGate
	Submitter RestoreSubmitter
	Watcher   RestoreWatcher
	Store     registry.Store
	// SagaLog is optional. Without it no history is kept.
	SagaLog sagalog.Repository
	// Clock defaults to the real clock.
	Clock clock.PassiveClock
}

// Orchestrator manages restore sagas for the applications of its catalog.
type Orchestrator struct {
	deps   Deps
	cfg    Config
	locks  keymutex.KeyMutex
	tracer trace.Tracer
}

func NewOrchestrator(deps Deps, cfg Config) *Orchestrator {
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}
	return &Orchestrator{
		deps:   deps,
		cfg:    cfg,
		locks:  keymutex.NewHashed(0),
		tracer: otel.Tracer(tracerName),
	}
}

// Application resolves an application id against the catalog.
func (o *Orchestrator) Application(id string) (Application, error) {
	app, ok := o.deps.Catalog.Lookup(id)
	if !ok {
		return Application{}, fmt.Errorf("%w: %q", ErrUnknownApplication, id)
	}
	return app, nil
}

// Trigger starts a restore of snapshotID into the application and returns
// once the restore was submitted. The protective steps keep running if ctx is
// cancelled. A submission failure is returned as *SubmissionError after the
// workload was scaled back and sync resumed on a best-effort basis.
func (o *Orchestrator) Trigger(ctx context.Context, applicationID, snapshotID string) (*registry.RestoreSaga, error) {
	applicationID = strings.TrimSpace(applicationID)
	snapshotID = strings.TrimSpace(snapshotID)
	if applicationID == "" || snapshotID == "" {
		return nil, fmt.Errorf("%w: application id and snapshot id are required", ErrInvalidRequest)
	}
	app, err := o.Application(applicationID)
	if err != nil {
		metrics.RecordTrigger(applicationID, "unknown_application")
		return nil, err
	}

	ctx = context.WithoutCancel(ctx)
	now := o.deps.Clock.Now().UTC()
	saga := &registry.RestoreSaga{
		SagaID:        uuid.NewString(),
		ApplicationID: app.ID,
		SnapshotID:    snapshotID,
		Phase:         registry.PhasePausing,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := o.deps.Store.Reserve(ctx, saga); err != nil {
		if errors.Is(err, registry.ErrApplicationBusy) {
			metrics.RecordTrigger(app.ID, "rejected")
			return nil, o.inProgress(ctx, app.ID)
		}
		return nil, fmt.Errorf("reserve restore of %q: %w", app.ID, err)
	}
	o.refreshInFlight(ctx)

	slog.InfoContext(ctx, "restore saga accepted",
		"saga_id", saga.SagaID, "application_id", app.ID, "snapshot_id", snapshotID)
	payload, _ := json.Marshal(map[string]string{"application_id": app.ID, "snapshot_id": snapshotID})
	o.appendLog(ctx, saga, string(payload), nil)
	metrics.RecordPhase(string(saga.Phase))

	var (
		executed []Step
		errs     []string
	)
	for _, step := range o.protectiveSteps(app) {
		if step.Phase() != saga.Phase {
			o.transition(ctx, saga, step.Phase(), errs)
			errs = nil
		}
		if err := o.runStep(ctx, saga, step); err != nil {
			errs = append(errs, err.Error())
			continue
		}
		executed = append(executed, step)
	}

	o.transition(ctx, saga, registry.PhaseSubmitting, errs)
	restoreID, err := o.submit(ctx, saga, app)
	if err != nil {
		subErr := &SubmissionError{ApplicationID: app.ID, SnapshotID: snapshotID, Err: err}
		slog.ErrorContext(ctx, "restore submission failed, rolling back",
			"saga_id", saga.SagaID, "application_id", app.ID, "error", err)

		cleanupErrs := o.rollback(ctx, saga, executed)
		saga.Outcome = registry.OutcomeSubmissionError
		saga.Message = subErr.Error()
		o.transition(ctx, saga, registry.PhaseFailed, append([]string{subErr.Error()}, cleanupErrs...))
		o.finalize(ctx, saga)
		metrics.RecordTrigger(app.ID, "submission_error")
		return nil, subErr
	}

	saga.RestoreID = restoreID
	saga.SubmittedAt = o.deps.Clock.Now().UTC()
	o.transition(ctx, saga, registry.PhaseRestoring, nil)
	metrics.RecordTrigger(app.ID, "accepted")

	slog.InfoContext(ctx, "restore submitted",
		"saga_id", saga.SagaID, "restore_id", restoreID, "application_id", app.ID)
	return saga.Clone(), nil
}

// inProgress describes the saga that holds applicationID.
func (o *Orchestrator) inProgress(ctx context.Context, applicationID string) error {
	current, err := o.deps.Store.GetByApplication(ctx, applicationID)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrRestoreInProgress, applicationID)
	}
	return fmt.Errorf("%w: %q has saga %s in phase %s", ErrRestoreInProgress, applicationID, current.SagaID, current.Phase)
}

// protectiveSteps are run in order before submission. Applications without a
// GitOps app skip the gate.
func (o *Orchestrator) protectiveSteps(app Application) []Step {
	steps := make([]Step, 0, 3)
	if app.GitOpsApp != "" {
		steps = append(steps, NewPauseSyncStep(o.deps.Gate, app, o.cfg.CallTimeout))
	}
	steps = append(steps,
		NewScaleDownStep(o.deps.Scaler, app, o.cfg.CallTimeout, o.checkpoint),
		NewDrainStep(o.deps.Scaler, app, o.cfg.Drain, o.cfg.CallTimeout),
	)
	return steps
}

// runStep executes one protective step inside its own span. Vacuous failures
// are logged and swallowed. Every other failure is returned, but is not fatal.
func (o *Orchestrator) runStep(ctx context.Context, saga *registry.RestoreSaga, step Step) error {
	ctx, span := o.tracer.Start(ctx, "saga."+string(step.Phase()), trace.WithAttributes(
		attribute.String("saga.id", saga.SagaID),
		attribute.String("application.id", saga.ApplicationID),
	))
	defer span.End()

	err := step.Execute(ctx, saga)
	switch {
	case err == nil:
		return nil
	case isVacuous(err):
		slog.InfoContext(ctx, "nothing to do",
			"saga_id", saga.SagaID, "phase", step.Phase(), "reason", err.Error())
		return nil
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.WarnContext(ctx, "protective step failed, continuing",
			"saga_id", saga.SagaID, "application_id", saga.ApplicationID, "phase", step.Phase(), "error", err)
		return err
	}
}

func (o *Orchestrator) submit(ctx context.Context, saga *registry.RestoreSaga, app Application) (string, error) {
	ctx, span := o.tracer.Start(ctx, "saga."+string(registry.PhaseSubmitting))
	defer span.End()

	name := NewRestoreID(app.ID, o.deps.Clock.Now())
	span.SetAttributes(attribute.String("restore.id", name))

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()

	id, err := o.deps.Submitter.Submit(callCtx, RestoreRequest{
		Name:        name,
		Namespace:   app.Namespace,
		SnapshotID:  saga.SnapshotID,
		ClaimName:   app.ClaimName,
		Credentials: o.cfg.Credentials,
	})
	if errors.Is(err, ErrRestoreExists) {
		slog.InfoContext(ctx, "restore already exists, adopting it", "restore_id", id)
		err = nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	if id == "" {
		id = name
	}
	return id, nil
}

// rollback compensates executed steps in reverse order and returns the
// failures. Compensation failures never stop the rollback.
func (o *Orchestrator) rollback(ctx context.Context, saga *registry.RestoreSaga, executed []Step) []string {
	var errs []string
	for i := len(executed) - 1; i >= 0; i-- {
		step := executed[i]
		if err := step.Compensate(ctx, saga); err != nil {
			slog.ErrorContext(ctx, "failed to compensate step",
				"saga_id", saga.SagaID, "phase", step.Phase(), "error", err)
			errs = append(errs, err.Error())
		}
	}
	return errs
}

// checkpoint persists the saga mid-step.
func (o *Orchestrator) checkpoint(ctx context.Context, saga *registry.RestoreSaga) error {
	saga.UpdatedAt = o.deps.Clock.Now().UTC()
	return o.deps.Store.Put(ctx, saga)
}

// transition moves the saga into phase, persists it and appends a log row
// carrying errs, the failures seen while leaving the previous phase. It is
// used before submission, while the triggering call is the only writer.
func (o *Orchestrator) transition(ctx context.Context, saga *registry.RestoreSaga, phase registry.Phase, errs []string) {
	from := saga.Phase
	saga.Phase = phase
	if err := o.checkpoint(ctx, saga); err != nil {
		slog.ErrorContext(ctx, "failed to persist saga",
			"saga_id", saga.SagaID, "phase", phase, "error", err)
	}
	o.recordTransition(ctx, saga, from, errs)
}

// compareAndTransition is transition for submitted sagas, which any replica
// may poll. The write only succeeds if nobody else wrote the saga since it was
// loaded. On failure saga is left unchanged and nothing is logged.
func (o *Orchestrator) compareAndTransition(ctx context.Context, saga *registry.RestoreSaga, phase registry.Phase, errs []string) error {
	from, updatedAt := saga.Phase, saga.UpdatedAt
	saga.Phase = phase
	saga.UpdatedAt = o.deps.Clock.Now().UTC()
	if err := o.deps.Store.CompareAndPut(ctx, saga); err != nil {
		saga.Phase, saga.UpdatedAt = from, updatedAt
		return err
	}
	o.recordTransition(ctx, saga, from, errs)
	return nil
}

func (o *Orchestrator) recordTransition(ctx context.Context, saga *registry.RestoreSaga, from registry.Phase, errs []string) {
	phase := saga.Phase
	o.appendLog(ctx, saga, "", errs)
	metrics.RecordPhase(string(phase))

	slog.InfoContext(ctx, "saga phase changed",
		"saga_id", saga.SagaID,
		"restore_id", saga.RestoreID,
		"application_id", saga.ApplicationID,
		"from", from,
		"phase", phase,
		"outcome", saga.Outcome,
	)
}

func (o *Orchestrator) appendLog(ctx context.Context, saga *registry.RestoreSaga, payload string, errs []string) {
	if o.deps.SagaLog == nil {
		return
	}
	if err := o.deps.SagaLog.Save(ctx, sagalog.NewEntry(ctx, saga, payload, errs)); err != nil {
		slog.WarnContext(ctx, "failed to write saga log", "saga_id", saga.SagaID, "error", err)
	}
}

// finalize removes a terminal saga from the registry.
func (o *Orchestrator) finalize(ctx context.Context, saga *registry.RestoreSaga) {
	if err := o.deps.Store.Delete(ctx, saga); err != nil {
		slog.ErrorContext(ctx, "failed to remove finished saga",
			"saga_id", saga.SagaID, "restore_id", saga.RestoreID, "error", err)
	}
	metrics.RecordOutcome(saga.ApplicationID, string(saga.Phase), string(saga.Outcome))
	o.refreshInFlight(ctx)
}

func (o *Orchestrator) refreshInFlight(ctx context.Context) {
	sagas, err := o.deps.Store.List(ctx)
	if err != nil {
		return
	}
	metrics.SetInFlight(len(sagas))
}

// InFlight returns every saga held in the registry.
func (o *Orchestrator) InFlight(ctx context.Context) ([]*registry.RestoreSaga, error) {
	return o.deps.Store.List(ctx)
}

// History returns the saga log of sagaID, oldest first.
func (o *Orchestrator) History(ctx context.Context, sagaID string) ([]*sagalog.SagaLog, error) {
	if o.deps.SagaLog == nil {
		return nil, ErrHistoryDisabled
	}
	return o.deps.SagaLog.History(ctx, sagaID)
}

// RestoreHistory returns the saga log of the saga that submitted restoreID.
func (o *Orchestrator) RestoreHistory(ctx context.Context, restoreID string) ([]*sagalog.SagaLog, error) {
	if o.deps.SagaLog == nil {
		return nil, ErrHistoryDisabled
	}
	latest, err := o.deps.SagaLog.LatestForRestore(ctx, restoreID)
	if err != nil {
		return nil, err
	}
	return o.deps.SagaLog.History(ctx, latest.SagaID)
}
