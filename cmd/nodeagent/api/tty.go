package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/fleetplane/fleetplane/lib/console"
	"github.com/fleetplane/fleetplane/lib/logger"
	"github.com/fleetplane/fleetplane/lib/sshcache"
	"github.com/fleetplane/fleetplane/lib/vm"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The control plane authenticates with the bearer token; cross-origin
	// browser access never reaches this endpoint directly.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// TTY upgrades to a WebSocket and bridges it to a fresh interactive shell
// in the VM. Each connection gets its own shell so sessions do not share
// state.
func (s *Service) TTY(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	rec, err := s.Store.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeVMError(w, r, err)
		return
	}
	if rec.State != vm.StateRunning {
		writeError(w, r, http.StatusConflict, errVMNotRunning)
		return
	}

	entry, err := s.Cache.Resolve(ctx, rec)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	// A dedicated shell per connection; the cached entry's shell stays
	// reserved for cooperative shutdown and quick commands.
	shell, err := sshcache.OpenShell(entry.Client)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		shell.Close()
		log.DebugContext(ctx, "tty upgrade failed", "vm_id", rec.ID, "error", err)
		return
	}
	defer shell.Close()

	log.InfoContext(ctx, "tty session opened", "vm_id", rec.ID)
	_ = console.ServeTTY(ctx, conn, shell)
	log.InfoContext(ctx, "tty session closed", "vm_id", rec.ID)
}
