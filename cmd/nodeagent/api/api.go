// Package api implements the node agent's HTTP/WS surface.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/fleetplane/fleetplane/cmd/nodeagent/config"
	"github.com/fleetplane/fleetplane/lib/catalog"
	"github.com/fleetplane/fleetplane/lib/guestfs"
	"github.com/fleetplane/fleetplane/lib/logger"
	"github.com/fleetplane/fleetplane/lib/paths"
	"github.com/fleetplane/fleetplane/lib/runner"
	"github.com/fleetplane/fleetplane/lib/sshcache"
	"github.com/fleetplane/fleetplane/lib/vm"
)

// Service holds the handles the handlers need.
type Service struct {
	Config *config.Config
	Paths  *paths.Paths
	Store  *catalog.Store
	Runner *runner.Runner
	Cache  *sshcache.Cache
}

// New creates the API service.
func New(cfg *config.Config, p *paths.Paths, store *catalog.Store, run *runner.Runner, cache *sshcache.Cache) *Service {
	return &Service{Config: cfg, Paths: p, Store: store, Runner: run, Cache: cache}
}

// guest resolves the SSH cache entry for a VM and wraps it in a filesystem
// client. The VM must be running.
func (s *Service) guest(ctx context.Context, rec *vm.Record) (*guestfs.Client, error) {
	if rec.State != vm.StateRunning {
		return nil, errVMNotRunning
	}
	entry, err := s.Cache.Resolve(ctx, rec)
	if err != nil {
		return nil, err
	}
	return guestfs.NewClient(entry), nil
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
