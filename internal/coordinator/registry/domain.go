// Package registry holds the in-flight restore sagas.
//
// A RestoreSaga is the only cross-step state of a restore. The orchestrator
// reads and writes it through the Store port, so the volatile in-process
// implementation can be swapped for a durable one (see the redis subpackage)
// without touching orchestration logic.
package registry

import "time"

// Phase is the position of a saga in the restore state machine.
type Phase string

const (
	PhasePausing     Phase = "Pausing"
	PhaseScalingDown Phase = "ScalingDown"
	PhaseDraining    Phase = "Draining"
	PhaseSubmitting  Phase = "Submitting"
	PhaseRestoring   Phase = "Restoring"
	PhaseScalingUp   Phase = "ScalingUp"
	PhaseResuming    Phase = "Resuming"
	PhaseCompleted   Phase = "Completed"
	PhaseFailed      Phase = "Failed"
)

// Terminal reports whether no further transitions leave p.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// Outcome classifies how a saga ended, or what went wrong along the way.
type Outcome string

const (
	OutcomeNone            Outcome = ""
	OutcomeSubmissionError Outcome = "SubmissionError"
	OutcomeOperatorFailure Outcome = "OperatorFailure"
	OutcomeCleanupError    Outcome = "CleanupError"
	OutcomeTimeout         Outcome = "Timeout"
)

// RestoreSaga is the unit of in-flight restore state.
type RestoreSaga struct {
	// SagaID is assigned when the request is accepted. It keys the saga log
	// before a RestoreID exists.
	SagaID string `json:"saga_id"`

	// RestoreID is empty until the Submitting phase allocates it.
	RestoreID     string `json:"restore_id,omitempty"`
	ApplicationID string `json:"application_id"`
	SnapshotID    string `json:"snapshot_id"`

	// OriginalReplicas is only meaningful when ReplicasCaptured is set. It is
	// written once, before the scale-down.
	OriginalReplicas int32 `json:"original_replicas"`
	ReplicasCaptured bool  `json:"replicas_captured"`
	WorkloadAbsent   bool  `json:"workload_absent"`

	Phase   Phase   `json:"phase"`
	Outcome Outcome `json:"outcome,omitempty"`
	Message string  `json:"message,omitempty"`

	// Revision counts the writes of the saga. The store bumps it on every Put
	// and CompareAndPut uses it to detect concurrent writers.
	Revision int64 `json:"revision"`

	CreatedAt   time.Time `json:"created_at"`
	SubmittedAt time.Time `json:"submitted_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Clone returns a copy that shares no state with s.
func (s *RestoreSaga) Clone() *RestoreSaga {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}
