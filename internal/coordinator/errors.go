package coordinator

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownApplication is returned for application ids missing from the catalog.
	ErrUnknownApplication = errors.New("unknown application")
	// ErrInvalidRequest is returned for malformed trigger requests.
	ErrInvalidRequest = errors.New("invalid restore request")
	// ErrRestoreInProgress is returned when the application already has an active saga.
	ErrRestoreInProgress = errors.New("restore already in progress")
	// ErrUnknownRestore is returned when neither the registry nor the backup
	// operator knows a restore id.
	ErrUnknownRestore = errors.New("unknown restore id")
	// ErrHistoryDisabled is returned by History when no saga log is configured.
	ErrHistoryDisabled = errors.New("saga history is disabled")
	// errDrainTimeout marks a drain that hit its ceiling with pods left.
	errDrainTimeout = errors.New("drain timed out")
)

// SubmissionError is the fatal failure of the Submitting phase. No restore
// exists at the operator when it is returned.
type SubmissionError struct {
	ApplicationID string
	SnapshotID    string
	Err           error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submit restore of %q from snapshot %q: %v", e.ApplicationID, e.SnapshotID, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// isVacuous reports whether err only says the step's target is absent.
func isVacuous(err error) bool {
	return errors.Is(err, ErrWorkloadAbsent) || errors.Is(err, ErrNotManaged)
}
