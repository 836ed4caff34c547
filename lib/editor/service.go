package editor

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/fleetplane/fleetplane/lib/catalog"
	"github.com/fleetplane/fleetplane/lib/guestfs"
	"github.com/fleetplane/fleetplane/lib/logger"
	"github.com/fleetplane/fleetplane/lib/metrics"
)

// Backend is what the editor needs from the node owning the VM. The
// control plane implements it with nodeclient calls.
type Backend interface {
	ListDirs(ctx context.Context, vmID string, paths []string, depth int) ([]guestfs.DirEntry, error)
	ReadFile(ctx context.Context, vmID, path string) (*guestfs.ReadResult, error)
	UploadFiles(ctx context.Context, vmID string, req guestfs.UploadRequest) (*guestfs.UploadResult, error)
	CreateDir(ctx context.Context, vmID, path string) error
	ExecuteSh(ctx context.Context, vmID, command string, timeout time.Duration) (string, int, error)
	Search(ctx context.Context, vmID string, req guestfs.SearchRequest) (*guestfs.SearchResult, error)
}

const (
	listDepthDefault = 2
	searchTimeout    = 20 * time.Second
	remoteCmdTimeout = 15 * time.Second
)

// Service dispatches editor actions for all containers.
type Service struct {
	backend Backend
	revs    *catalog.Revisions
	hub     *Hub
}

// NewService creates the editor service.
func NewService(backend Backend, revs *catalog.Revisions) *Service {
	return &Service{backend: backend, revs: revs, hub: NewHub()}
}

// wsConn is the minimal WebSocket surface the serve loop needs.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteJSON(v any) error
	Close() error
}

// ServeConn pumps one editor WebSocket until the client disconnects.
// Replies and broadcasts share the connection; all writes flow through the
// per-client queue so a single writer owns the socket.
func (s *Service) ServeConn(ctx context.Context, containerID, vmID string, conn wsConn) {
	log := logger.FromContext(ctx)
	c := newClient()
	s.hub.register(containerID, c)
	defer s.hub.unregister(containerID, c)
	defer conn.Close()

	// Writer: drains replies and broadcasts.
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case msg := <-c.send:
				if err := conn.WriteJSON(msg); err != nil {
					c.close()
					return
				}
			case <-c.done:
				return
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.DebugContext(ctx, "editor ws closed", "container_id", containerID, "error", err)
			c.close()
			<-writerDone
			return
		}

		req, err := decodeRequest(data)
		if err != nil {
			c.enqueue(errorReply(0, err.Error(), nil))
			continue
		}

		reply, broadcast := s.dispatch(ctx, containerID, vmID, req)
		c.enqueue(reply)
		if broadcast != nil {
			s.hub.broadcast(containerID, *broadcast)
		}
	}
}

// dispatch executes one action and returns the reply plus an optional
// mutation broadcast.
func (s *Service) dispatch(ctx context.Context, containerID, vmID string, req *Request) (Reply, *Broadcast) {
	switch req.Action {
	case ActionListDirs:
		return s.listDirs(ctx, vmID, req), nil
	case ActionReadFile:
		return s.readFile(ctx, containerID, vmID, req), nil
	case ActionWriteFile:
		return s.writeFile(ctx, containerID, vmID, req)
	case ActionCreateDir:
		return s.createDir(ctx, containerID, vmID, req)
	case ActionMovePath:
		return s.movePath(ctx, containerID, vmID, req)
	case ActionDeletePath:
		return s.deletePath(ctx, containerID, vmID, req)
	case ActionSearch:
		return s.search(ctx, vmID, req), nil
	default:
		return errorReply(req.ReqID, ErrUnknownAction.Error(), nil), nil
	}
}

func (s *Service) listDirs(ctx context.Context, vmID string, req *Request) Reply {
	raw := strings.Split(req.Paths, ",")
	paths := make([]string, 0, len(raw))
	for _, p := range raw {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		normalized, err := NormalizePath(p)
		if err != nil {
			return errorReply(req.ReqID, fmt.Sprintf("%s: %s", p, err), nil)
		}
		paths = append(paths, normalized)
	}
	if len(paths) == 0 {
		paths = []string{SafeRoot}
	}

	depth := req.Depth
	if depth <= 0 {
		depth = listDepthDefault
	}
	entries, err := s.backend.ListDirs(ctx, vmID, paths, depth)
	if err != nil {
		return errorReply(req.ReqID, err.Error(), nil)
	}
	return okReply(req.ReqID, map[string]any{"entries": entries, "path": paths}, nil)
}

func (s *Service) readFile(ctx context.Context, containerID, vmID string, req *Request) Reply {
	p, err := NormalizePath(req.Path)
	if err != nil {
		return errorReply(req.ReqID, err.Error(), nil)
	}
	res, err := s.backend.ReadFile(ctx, vmID, p)
	if err != nil {
		return errorReply(req.ReqID, err.Error(), nil)
	}
	rev, err := s.revs.Current(ctx, containerID, p)
	if err != nil {
		return errorReply(req.ReqID, err.Error(), nil)
	}
	return okReply(req.ReqID, map[string]any{
		"name":    res.Name,
		"content": res.Content,
		"length":  res.Length,
		"found":   res.Found,
		"rev":     rev,
	}, &rev)
}

func (s *Service) writeFile(ctx context.Context, containerID, vmID string, req *Request) (Reply, *Broadcast) {
	p, err := NormalizePath(req.Path)
	if err != nil {
		return errorReply(req.ReqID, err.Error(), nil), nil
	}

	// Reserve the revision first: of N concurrent writers with the same
	// prev_rev exactly one wins; the rest learn the current rev.
	prev := int64(-1)
	if req.PrevRev != nil {
		prev = *req.PrevRev
	}
	rev, err := s.revs.BumpIf(ctx, containerID, p, prev)
	if errors.Is(err, catalog.ErrRevConflict) {
		return errorReply(req.ReqID, "conflict", &rev), nil
	}
	if err != nil {
		return errorReply(req.ReqID, err.Error(), nil), nil
	}

	res, err := s.backend.UploadFiles(ctx, vmID, guestfs.UploadRequest{
		DestPath: path.Dir(p),
		Files:    []guestfs.UploadFile{{Path: path.Base(p), Text: req.Content}},
	})
	if err != nil {
		return errorReply(req.ReqID, err.Error(), nil), nil
	}
	if len(res.Failed) > 0 {
		return errorReply(req.ReqID, res.Failed[0].Reason, nil), nil
	}

	metrics.EditorMutations.WithLabelValues(string(ActionWriteFile)).Inc()
	return okReply(req.ReqID, map[string]any{"rev": rev}, &rev),
		&Broadcast{Event: "file_changed", Path: p, Rev: rev}
}

func (s *Service) createDir(ctx context.Context, containerID, vmID string, req *Request) (Reply, *Broadcast) {
	p, err := NormalizePath(req.Path)
	if err != nil {
		return errorReply(req.ReqID, err.Error(), nil), nil
	}
	if err := s.backend.CreateDir(ctx, vmID, p); err != nil {
		return errorReply(req.ReqID, err.Error(), nil), nil
	}
	rev, err := s.revs.Bump(ctx, containerID, p)
	if err != nil {
		return errorReply(req.ReqID, err.Error(), nil), nil
	}
	metrics.EditorMutations.WithLabelValues(string(ActionCreateDir)).Inc()
	return okReply(req.ReqID, nil, &rev),
		&Broadcast{Event: "file_changed", Path: p, Rev: rev, Meta: map[string]string{"kind": "directory"}}
}

func (s *Service) movePath(ctx context.Context, containerID, vmID string, req *Request) (Reply, *Broadcast) {
	src, err := NormalizePath(req.Src)
	if err != nil {
		return errorReply(req.ReqID, err.Error(), nil), nil
	}
	dst, err := NormalizeRelative(path.Dir(src), req.Dst)
	if err != nil {
		return errorReply(req.ReqID, err.Error(), nil), nil
	}

	cmd := fmt.Sprintf("mv %s %s", shellQuote(src), shellQuote(dst))
	out, code, err := s.backend.ExecuteSh(ctx, vmID, cmd, remoteCmdTimeout)
	if err != nil {
		return errorReply(req.ReqID, err.Error(), nil), nil
	}
	if code != 0 {
		return errorReply(req.ReqID, strings.TrimSpace(out), nil), nil
	}

	rev, err := s.revs.Bump(ctx, containerID, dst)
	if err != nil {
		return errorReply(req.ReqID, err.Error(), nil), nil
	}
	metrics.EditorMutations.WithLabelValues(string(ActionMovePath)).Inc()
	return okReply(req.ReqID, nil, &rev),
		&Broadcast{Event: "path_moved", Src: src, Dst: dst, Rev: rev}
}

func (s *Service) deletePath(ctx context.Context, containerID, vmID string, req *Request) (Reply, *Broadcast) {
	p, err := NormalizePath(req.Path)
	if err != nil {
		return errorReply(req.ReqID, err.Error(), nil), nil
	}
	if p == SafeRoot {
		return errorReply(req.ReqID, "refusing to delete the workspace root", nil), nil
	}

	cmd := "rm -rf " + shellQuote(p)
	out, code, err := s.backend.ExecuteSh(ctx, vmID, cmd, remoteCmdTimeout)
	if err != nil {
		return errorReply(req.ReqID, err.Error(), nil), nil
	}
	if code != 0 {
		return errorReply(req.ReqID, strings.TrimSpace(out), nil), nil
	}

	rev, err := s.revs.Bump(ctx, containerID, p)
	if err != nil {
		return errorReply(req.ReqID, err.Error(), nil), nil
	}
	metrics.EditorMutations.WithLabelValues(string(ActionDeletePath)).Inc()
	return okReply(req.ReqID, nil, &rev),
		&Broadcast{Event: "path_deleted", Path: p, Rev: rev}
}

func (s *Service) search(ctx context.Context, vmID string, req *Request) Reply {
	root, err := NormalizePath(req.Root)
	if err != nil {
		return errorReply(req.ReqID, err.Error(), nil)
	}
	sctx, cancel := context.WithTimeout(ctx, searchTimeout)
	defer cancel()

	res, err := s.backend.Search(sctx, vmID, guestfs.SearchRequest{
		Root:            root,
		Pattern:         req.Pattern,
		CaseInsensitive: req.Case,
		IncludeGlobs:    lo.Compact(req.IncludeGlobs),
		ExcludeDirs:     lo.Compact(req.ExcludeDirs),
	})
	if err != nil {
		return errorReply(req.ReqID, err.Error(), nil)
	}
	return okReply(req.ReqID, res, nil)
}

// shellQuote mirrors guestfs quoting for commands built on the control
// plane side.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
