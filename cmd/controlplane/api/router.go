package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/fleetplane/fleetplane/lib/metrics"
	mw "github.com/fleetplane/fleetplane/lib/middleware"
)

// Router builds the control plane's route tree. /health and /metrics are
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

		r.Post("/containers", s.CreateContainer)
		r.Get("/containers", s.ListContainers)
		r.Get("/containers/{id}", s.GetContainer)
		r.Delete("/containers/{id}", s.DeleteContainer)
		r.Post("/containers/{id}/power", s.PowerContainer)
		r.Get("/containers/{id}/console", s.Console)
		r.Get("/containers/{id}/editor", s.EditorWS)

		r.Post("/nodes", s.RegisterNode)
		r.Get("/nodes", s.ListNodes)
		r.Delete("/nodes/{name}", s.DeleteNode)
		r.Post("/nodes/{name}/heartbeat", s.Heartbeat)

		r.Post("/container-types", s.PutContainerType)
		r.Get("/container-types", s.ListContainerTypes)
		r.Delete("/container-types/{name}", s.DeleteContainerType)
		r.Put("/quotas/{user}", s.PutQuota)
		r.Get("/quotas/{user}", s.GetQuota)
	})
	return r
}

// Health reports process liveness.
func (s *Service) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"ok": "True"})
}
