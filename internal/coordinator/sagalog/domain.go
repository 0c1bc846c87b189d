// Package sagalog defines the audit trail of restore saga transitions.
//
// Every phase change of a restore is appended as one SagaLog row. The log
// outlives the in-flight registry: once a saga is finalized and removed from
// the registry, its history is still here, correlated with the distributed
// trace through the trace_id column.
package sagalog

import (
	"time"

	"github.com/seadogger/backup-manager/internal/coordinator/registry"
)

// SagaLog is a single row in the saga_logs table.
type SagaLog struct {
	// SagaID is allocated when the restore request is accepted, before any
	// RestoreID exists.
	SagaID string

	// RestoreID is empty for rows written before the Submitting phase.
	RestoreID string

	ApplicationID string

	// Phase is the phase the saga entered with this row.
	Phase registry.Phase

	// Outcome is set on terminal rows and on rows recording a cleanup error.
	Outcome registry.Outcome

	// Payload is the JSON-serialised trigger request. Only the first row of a
	// saga carries it.
	Payload string

	// ErrorMessages accumulates non-fatal and fatal failures seen while
	// leaving the previous phase, as a JSON array.
	ErrorMessages string

	// TraceID and SpanID identify the OTel span active when the row was written.
	TraceID string
	SpanID  string

	UpdatedAt time.Time
}
