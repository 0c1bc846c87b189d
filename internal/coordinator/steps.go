package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/seadogger/backup-manager/internal/coordinator/registry"
	"github.com/seadogger/backup-manager/internal/metrics"
)

// Step is one protective step of the first half of a restore saga.
//
// Execute failures are never fatal: the orchestrator logs them and moves on.
// Compensate undoes a successful Execute when the saga is aborted before a
// restore was submitted.
type Step interface {
	Phase() registry.Phase
	Execute(ctx context.Context, saga *registry.RestoreSaga) error
	Compensate(ctx context.Context, saga *registry.RestoreSaga) error
}

// --- PauseSyncStep ---

type PauseSyncStep struct {
	gate        ReconciliationGate
	app         Application
	callTimeout time.Duration
}

func NewPauseSyncStep(gate ReconciliationGate, app Application, callTimeout time.Duration) *PauseSyncStep {
	return &PauseSyncStep{gate: gate, app: app, callTimeout: callTimeout}
}

func (s *PauseSyncStep) Phase() registry.Phase { return registry.PhasePausing }

func (s *PauseSyncStep) Execute(ctx context.Context, _ *registry.RestoreSaga) error {
	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	if err := s.gate.PauseSync(ctx, s.app.ID); err != nil {
		return fmt.Errorf("pause sync: %w", err)
	}
	return nil
}

func (s *PauseSyncStep) Compensate(ctx context.Context, _ *registry.RestoreSaga) error {
	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	if err := s.gate.ResumeSync(ctx, s.app.ID); err != nil && !isVacuous(err) {
		return fmt.Errorf("resume sync: %w", err)
	}
	return nil
}

// --- ScaleDownStep ---

// ScaleDownStep captures the current replica count and scales the workload to
// zero. The count is checkpointed before the first scale-down write.
type ScaleDownStep struct {
	scaler      WorkloadScaler
	app         Application
	callTimeout time.Duration
	checkpoint  func(ctx context.Context, saga *registry.RestoreSaga) error
}

func NewScaleDownStep(
	scaler WorkloadScaler,
	app Application,
	callTimeout time.Duration,
	checkpoint func(ctx context.Context, saga *registry.RestoreSaga) error,
) *ScaleDownStep {
	return &ScaleDownStep{scaler: scaler, app: app, callTimeout: callTimeout, checkpoint: checkpoint}
}

func (s *ScaleDownStep) Phase() registry.Phase { return registry.PhaseScalingDown }

func (s *ScaleDownStep) Execute(ctx context.Context, saga *registry.RestoreSaga) error {
	if !saga.ReplicasCaptured {
		readCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
		replicas, err := s.scaler.GetReplicas(readCtx, s.app.ID)
		cancel()
		if errors.Is(err, ErrWorkloadAbsent) {
			saga.WorkloadAbsent = true
			return fmt.Errorf("read replicas: %w", err)
		}
		if err != nil {
			// Without the original count the workload could not be put back,
			// so it is left running.
			return fmt.Errorf("read replicas, workload left running: %w", err)
		}

		saga.OriginalReplicas = replicas
		saga.ReplicasCaptured = true
		if s.checkpoint != nil {
			if err := s.checkpoint(ctx, saga); err != nil {
				slog.WarnContext(ctx, "failed to checkpoint original replicas",
					"saga_id", saga.SagaID, "replicas", replicas, "error", err)
			}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	if err := s.scaler.SetReplicas(ctx, s.app.ID, 0); err != nil {
		if errors.Is(err, ErrWorkloadAbsent) {
			saga.WorkloadAbsent = true
		}
		return fmt.Errorf("scale to zero: %w", err)
	}
	return nil
}

func (s *ScaleDownStep) Compensate(ctx context.Context, saga *registry.RestoreSaga) error {
	if !saga.ReplicasCaptured || saga.WorkloadAbsent {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	if err := s.scaler.SetReplicas(ctx, s.app.ID, saga.OriginalReplicas); err != nil && !isVacuous(err) {
		return fmt.Errorf("scale back to %d: %w", saga.OriginalReplicas, err)
	}
	return nil
}

// --- DrainStep ---

// DrainPolicy bounds the wait for pods to terminate. The total wait never
// exceeds Timeout + Settle.
type DrainPolicy struct {
	Interval time.Duration
	Timeout  time.Duration
	// Settle is waited once after the pod count first reaches zero, so the
	// volume can detach before the restore mounts it.
	Settle time.Duration
}

type DrainStep struct {
	scaler      WorkloadScaler
	app         Application
	policy      DrainPolicy
	callTimeout time.Duration
}

func NewDrainStep(scaler WorkloadScaler, app Application, policy DrainPolicy, callTimeout time.Duration) *DrainStep {
	return &DrainStep{scaler: scaler, app: app, policy: policy, callTimeout: callTimeout}
}

func (s *DrainStep) Phase() registry.Phase { return registry.PhaseDraining }

func (s *DrainStep) Execute(ctx context.Context, saga *registry.RestoreSaga) error {
	if saga.WorkloadAbsent {
		return fmt.Errorf("drain: %w", ErrWorkloadAbsent)
	}

	start := time.Now()
	err := wait.PollUntilContextTimeout(ctx, s.policy.Interval, s.policy.Timeout, true, func(ctx context.Context) (bool, error) {
		callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
		defer cancel()

		pods, err := s.scaler.PodCount(callCtx, s.app.ID)
		if errors.Is(err, ErrWorkloadAbsent) {
			return true, nil
		}
		if err != nil {
			slog.DebugContext(ctx, "pod count failed, retrying", "application_id", s.app.ID, "error", err)
			return false, nil
		}
		return pods == 0, nil
	})
	if err != nil {
		metrics.ObserveDrain(s.app.ID, time.Since(start).Seconds(), true)
		if wait.Interrupted(err) {
			return fmt.Errorf("%w: pods still present after %s", errDrainTimeout, s.policy.Timeout)
		}
		return fmt.Errorf("drain: %w", err)
	}

	if s.policy.Settle > 0 {
		timer := time.NewTimer(s.policy.Settle)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
	}
	metrics.ObserveDrain(s.app.ID, time.Since(start).Seconds(), false)
	return nil
}

// Compensate is a no-op: waiting has no effect to undo.
func (s *DrainStep) Compensate(context.Context, *registry.RestoreSaga) error {
	return nil
}
