package api

import (
	"github.com/AyanDgr8/cdr-spc-sub000/internal/auth"
	"github.com/go-chi/chi/v5"
)

// Routes registers the report and ingest endpoints. Callers apply
// authentication before mounting.
func Routes(r chi.Router, reports *ReportsHandler, ingest *IngestHandler) {
	r.Route("/api/reports", func(r chi.Router) {
		r.Get("/search", reports.Search)
		r.Post("/queries", reports.InitQuery)
		r.Get("/queries/{id}/pages/{page}", reports.GetPage)
		r.Patch("/{callId}", reports.Patch)
		r.With(auth.RequireRole(auth.RoleAdmin)).Delete("/", reports.Clear)
	})

	r.Route("/api/ingest", func(r chi.Router) {
		r.Get("/runs", ingest.ListRuns)
		r.Post("/runs", ingest.StartRun)
		r.Get("/runs/{id}", ingest.GetRun)
		r.Post("/runs/{id}/cancel", ingest.CancelRun)
		r.With(auth.RequireRole(auth.RoleAdmin)).Post("/rebuild", ingest.Rebuild)
	})
}
