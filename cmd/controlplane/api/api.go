// Package api implements the control plane's HTTP/WS surface: container
// lifecycle, node registry, and the console/editor WebSocket endpoints.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fleetplane/fleetplane/cmd/controlplane/config"
	"github.com/fleetplane/fleetplane/lib/cpstore"
	"github.com/fleetplane/fleetplane/lib/editor"
	"github.com/fleetplane/fleetplane/lib/logger"
	"github.com/fleetplane/fleetplane/lib/nodeclient"
	"github.com/fleetplane/fleetplane/lib/scheduler"
)

// Service holds the handles the handlers need.
type Service struct {
	Config *config.Config
	Store  *cpstore.Store
	Sched  *scheduler.Scheduler
	Editor *editor.Service
}

// New creates the API service.
func New(cfg *config.Config, store *cpstore.Store, sched *scheduler.Scheduler, ed *editor.Service) *Service {
	return &Service{Config: cfg, Store: store, Sched: sched, Editor: ed}
}

// containerNode resolves a container together with a client for the node
// hosting it.
func (s *Service) containerNode(id string) (*cpstore.Container, *nodeclient.Client, error) {
	c, err := s.Store.GetContainer(id)
	if err != nil {
		return nil, nil, err
	}
	node, err := s.Store.GetNode(c.Node)
	if err != nil {
		return nil, nil, err
	}
	return c, nodeclient.New(node), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	log := logger.FromContext(r.Context())
	if status >= 500 {
		log.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	} else {
		log.DebugContext(r.Context(), "request rejected", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, cpstore.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, err)
		return
	}
	writeError(w, r, http.StatusInternalServerError, err)
}
