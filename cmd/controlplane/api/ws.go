package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/fleetplane/fleetplane/lib/console"
	"github.com/fleetplane/fleetplane/lib/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser clients authenticate with the bearer token before the
	// upgrade; the Origin header adds nothing here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Console upgrades to a WebSocket and runs the multi-session console
// bridge against the node hosting the container.
func (s *Service) Console(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	c, client, err := s.containerNode(chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.DebugContext(ctx, "console upgrade failed", "container_id", c.ID, "error", err)
		return
	}

	dial := func(ctx context.Context, vmID string) (console.Conn, error) {
		return client.DialTTY(ctx, vmID)
	}
	log.InfoContext(ctx, "console opened", "container_id", c.ID, "node", c.Node)
	console.NewBridge(c.ID, conn, dial).Run(ctx)
	log.InfoContext(ctx, "console closed", "container_id", c.ID)
}

// EditorWS upgrades to a WebSocket and serves the file editor protocol for
// the container.
func (s *Service) EditorWS(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	c, err := s.Store.GetContainer(chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.DebugContext(ctx, "editor upgrade failed", "container_id", c.ID, "error", err)
		return
	}

	log.InfoContext(ctx, "editor session opened", "container_id", c.ID)
	s.Editor.ServeConn(ctx, c.ID, c.ID, conn)
	log.InfoContext(ctx, "editor session closed", "container_id", c.ID)
}
