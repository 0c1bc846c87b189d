package httpx

import "github.com/seadogger/backup-manager/internal/coordinator"

type TriggerRestoreRequest struct {
	ApplicationID string `json:"application_id"`
	SnapshotID    string `json:"snapshot_id"`
}

type RestoreResponse struct {
	RestoreID     string `json:"restore_id"`
	SagaID        string `json:"saga_id"`
	ApplicationID string `json:"application_id"`
	SnapshotID    string `json:"snapshot_id"`
	Phase         string `json:"phase"`
}

type StatusResponse struct {
	RestoreID     string                  `json:"restore_id"`
	ApplicationID string                  `json:"application_id"`
	SagaID        string                  `json:"saga_id,omitempty"`
	Phase         string                  `json:"phase,omitempty"`
	Started       bool                    `json:"started"`
	Finished      bool                    `json:"finished"`
	Succeeded     bool                    `json:"succeeded"`
	Outcome       string                  `json:"outcome"`
	Message       string                  `json:"message,omitempty"`
	Conditions    []coordinator.Condition `json:"conditions"`
}

type SagaResponse struct {
	SagaID           string `json:"saga_id"`
	RestoreID        string `json:"restore_id,omitempty"`
	ApplicationID    string `json:"application_id"`
	SnapshotID       string `json:"snapshot_id"`
	Phase            string `json:"phase"`
	Outcome          string `json:"outcome,omitempty"`
	Message          string `json:"message,omitempty"`
	OriginalReplicas *int32 `json:"original_replicas,omitempty"`
	CreatedAt        string `json:"created_at"`
	UpdatedAt        string `json:"updated_at"`
}

type SnapshotResponse struct {
	ID    string   `json:"id"`
	Date  string   `json:"date"`
	Paths []string `json:"paths"`
}

type HistoryEntryResponse struct {
	Phase     string   `json:"phase"`
	Outcome   string   `json:"outcome,omitempty"`
	RestoreID string   `json:"restore_id,omitempty"`
	Errors    []string `json:"errors"`
	TraceID   string   `json:"trace_id,omitempty"`
	UpdatedAt string   `json:"updated_at"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
