package api

import (
	"log/slog"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/fleetplane/fleetplane/lib/metrics"
	mw "github.com/fleetplane/fleetplane/lib/middleware"
)

// Router builds the node agent's route tree. /health and /metrics are
// unauthenticated; everything else requires the bearer token.
func (s *Service) Router(log *slog.Logger) chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(mw.InjectLogger(log))

	r.Get("/health", s.Health)
	r.Method("GET", "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(mw.AccessLogger(log))
		r.Use(mw.BearerAuth(s.Config.AuthToken))

		r.Post("/vms", s.CreateVM)
		r.Get("/vms", s.ListVMs)
		r.Get("/vms/list/{csv}", s.GetVMBatch)
		r.Get("/vms/{id}", s.GetVM)
		r.Delete("/vms/{id}", s.DeleteVM)
		r.Post("/vms/{id}/actions", s.ActionVM)

		r.Post("/vms/{id}/upload-files", s.UploadFiles)
		r.Post("/vms/{id}/list-dirs", s.ListDirs)
		r.Post("/vms/{id}/read-file", s.ReadFile)
		r.Post("/vms/{id}/create-dir", s.CreateDir)
		r.Post("/vms/{id}/execute-sh", s.ExecuteSh)
		r.Post("/vms/{id}/search", s.SearchFiles)
		r.Get("/vms/{id}/download-file", s.DownloadFile)
		r.Get("/vms/{id}/download-folder", s.DownloadFolder)
		r.Get("/vms/{id}/console-log", s.ConsoleLog)
		r.Get("/vms/{id}/tty", s.TTY)
	})
	return r
}
