package httpx

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seadogger/backup-manager/internal/api/httpx/middlewares"
	"github.com/seadogger/backup-manager/internal/api/ports"
	"github.com/seadogger/backup-manager/internal/coordinator"
	"github.com/seadogger/backup-manager/internal/coordinator/registry"
	"github.com/seadogger/backup-manager/internal/coordinator/sagalog"
)

// Handler serves the restore API.
type Handler struct {
	restores  ports.RestoreService
	snapshots ports.SnapshotService
}

func NewHandler(restores ports.RestoreService, snapshots ports.SnapshotService) *Handler {
	return &Handler{restores: restores, snapshots: snapshots}
}

// CreateRestore starts a restore from a JSON body.
func (h *Handler) CreateRestore(w http.ResponseWriter, r *http.Request) {
	var req TriggerRestoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	h.trigger(w, r, req.ApplicationID, req.SnapshotID)
}

// CreateRestoreFromPath starts a restore of {application} from {snapshot}.
func (h *Handler) CreateRestoreFromPath(w http.ResponseWriter, r *http.Request) {
	h.trigger(w, r, chi.URLParam(r, "application"), chi.URLParam(r, "snapshot"))
}

func (h *Handler) trigger(w http.ResponseWriter, r *http.Request, applicationID, snapshotID string) {
	requestID, _ := r.Context().Value(middlewares.ContextKeyRequestID).(string)
	slog.InfoContext(r.Context(), "restore requested",
		"request_id", requestID, "application_id", applicationID, "snapshot_id", snapshotID)

	// Trigger keeps running on its own if the client goes away.
	saga, err := h.restores.Trigger(r.Context(), applicationID, snapshotID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, RestoreResponse{
		RestoreID:     saga.RestoreID,
		SagaID:        saga.SagaID,
		ApplicationID: saga.ApplicationID,
		SnapshotID:    saga.SnapshotID,
		Phase:         string(saga.Phase),
	})
}

// GetRestore reports a restore and advances its saga.
func (h *Handler) GetRestore(w http.ResponseWriter, r *http.Request) {
	h.status(w, r, chi.URLParam(r, "restoreID"))
}

// GetRestoreOfApplication is GetRestore for the nested path. The restore id
// must belong to {application}.
func (h *Handler) GetRestoreOfApplication(w http.ResponseWriter, r *http.Request) {
	restoreID := chi.URLParam(r, "restoreID")
	if appID, ok := coordinator.ApplicationFromRestoreID(restoreID); !ok || appID != chi.URLParam(r, "application") {
		writeError(w, http.StatusNotFound, "unknown_restore", "restore does not belong to application")
		return
	}
	h.status(w, r, restoreID)
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request, restoreID string) {
	st, err := h.restores.Status(r.Context(), restoreID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	conditions := st.Conditions
	if conditions == nil {
		conditions = []coordinator.Condition{}
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		RestoreID:     st.RestoreID,
		ApplicationID: st.ApplicationID,
		SagaID:        st.SagaID,
		Phase:         string(st.Phase),
		Started:       st.Started,
		Finished:      st.Finished,
		Succeeded:     st.Succeeded,
		Outcome:       string(st.Outcome),
		Message:       st.Message,
		Conditions:    conditions,
	})
}

// ListRestores returns the sagas in flight.
func (h *Handler) ListRestores(w http.ResponseWriter, r *http.Request) {
	sagas, err := h.restores.InFlight(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	out := make([]SagaResponse, 0, len(sagas))
	for _, s := range sagas {
		out = append(out, mapSagaToResponse(s))
	}
	writeJSON(w, http.StatusOK, out)
}

// ListSnapshots returns the snapshots of {application}, newest first.
func (h *Handler) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	snapshots, err := h.snapshots.List(r.Context(), chi.URLParam(r, "application"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	out := make([]SnapshotResponse, 0, len(snapshots))
	for _, s := range snapshots {
		date := "Unknown"
		if !s.Date.IsZero() {
			date = s.Date.Format(time.RFC3339)
		}
		out = append(out, SnapshotResponse{ID: s.ID, Date: date, Paths: s.Paths})
	}
	writeJSON(w, http.StatusOK, out)
}

// GetSagaHistory returns every logged transition of a saga.
func (h *Handler) GetSagaHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := h.restores.History(r.Context(), chi.URLParam(r, "sagaID"))
	writeHistory(w, r, entries, err)
}

// GetRestoreHistory returns the transitions of the saga behind a restore,
// including the phases logged before the restore was named.
func (h *Handler) GetRestoreHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := h.restores.RestoreHistory(r.Context(), chi.URLParam(r, "restoreID"))
	writeHistory(w, r, entries, err)
}

func writeHistory(w http.ResponseWriter, r *http.Request, entries []*sagalog.SagaLog, err error) {
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	out := make([]HistoryEntryResponse, 0, len(entries))
	for _, e := range entries {
		errs := []string{}
		_ = json.Unmarshal([]byte(e.ErrorMessages), &errs)
		out = append(out, HistoryEntryResponse{
			Phase:     string(e.Phase),
			Outcome:   string(e.Outcome),
			RestoreID: e.RestoreID,
			Errors:    errs,
			TraceID:   e.TraceID,
			UpdatedAt: e.UpdatedAt.Format(time.RFC3339Nano),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// Healthz reports liveness.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func mapSagaToResponse(s *registry.RestoreSaga) SagaResponse {
	resp := SagaResponse{
		SagaID:        s.SagaID,
		RestoreID:     s.RestoreID,
		ApplicationID: s.ApplicationID,
		SnapshotID:    s.SnapshotID,
		Phase:         string(s.Phase),
		Outcome:       string(s.Outcome),
		Message:       s.Message,
		CreatedAt:     s.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     s.UpdatedAt.Format(time.RFC3339),
	}
	if s.ReplicasCaptured {
		replicas := s.OriginalReplicas
		resp.OriginalReplicas = &replicas
	}
	return resp
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var subErr *coordinator.SubmissionError
	switch {
	case errors.Is(err, coordinator.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, coordinator.ErrUnknownApplication):
		writeError(w, http.StatusNotFound, "unknown_application", err.Error())
	case errors.Is(err, coordinator.ErrUnknownRestore):
		writeError(w, http.StatusNotFound, "unknown_restore", err.Error())
	case errors.Is(err, sagalog.ErrNotFound):
		writeError(w, http.StatusNotFound, "unknown_saga", err.Error())
	case errors.Is(err, coordinator.ErrHistoryDisabled):
		writeError(w, http.StatusNotFound, "history_disabled", err.Error())
	case errors.Is(err, coordinator.ErrRestoreInProgress):
		writeError(w, http.StatusConflict, "restore_in_progress", err.Error())
	case errors.As(err, &subErr):
		writeError(w, http.StatusBadGateway, "submission_failed", err.Error())
	default:
		slog.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{
		Error:   code,
		Message: msg,
	})
}
