package httpx

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/seadogger/backup-manager/internal/api/httpx/middlewares"
)

// NewRouter returns the API routes wrapped in a server span per request.
func NewRouter(handler *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middlewares.AttachTracingMetadata)
	r.Use(middlewares.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", handler.Healthz)

	r.Route("/api", func(r chi.Router) {
		r.Post("/restores", handler.CreateRestore)
		r.Get("/restores", handler.ListRestores)
		r.Get("/restores/{restoreID}", handler.GetRestore)
		r.Get("/restores/{restoreID}/history", handler.GetRestoreHistory)

		r.Post("/restore/{application}/{snapshot}", handler.CreateRestoreFromPath)
		r.Get("/restore/{application}/{restoreID}/status", handler.GetRestoreOfApplication)

		r.Get("/snapshots/{application}", handler.ListSnapshots)
		r.Get("/sagas/{sagaID}/history", handler.GetSagaHistory)
	})
	return otelhttp.NewHandler(r, "backup-manager.http")
}
