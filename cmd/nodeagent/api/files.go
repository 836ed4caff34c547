package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fleetplane/fleetplane/lib/guestfs"
	"github.com/fleetplane/fleetplane/lib/logger"
	"github.com/fleetplane/fleetplane/lib/vm"
)

// defaultExecTimeout bounds execute-sh when the caller does not set one.
const defaultExecTimeout = 30 * time.Second

// UploadFiles writes a batch of files into the guest. Per-file failures
// come back in the aggregate result, not as an HTTP error.
func (s *Service) UploadFiles(w http.ResponseWriter, r *http.Request) {
	var req guestfs.UploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	client, _, ok := s.guestOr500(w, r)
	if !ok {
		return
	}

	res, err := client.Upload(r.Context(), req)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListDirs walks directories inside the guest.
func (s *Service) ListDirs(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Paths []string `json:"paths"`
		Depth int      `json:"depth"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if req.Depth <= 0 {
		req.Depth = 1
	}

	client, _, ok := s.guestOr500(w, r)
	if !ok {
		return
	}

	entries, err := client.ListDirs(r.Context(), req.Paths, req.Depth)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// ReadFile reads one guest file; a missing file is found=false, not 404.
func (s *Service) ReadFile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	client, _, ok := s.guestOr500(w, r)
	if !ok {
		return
	}

	res, err := client.ReadFile(r.Context(), req.Path)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// CreateDir creates a directory chain in the guest.
func (s *Service) CreateDir(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	client, _, ok := s.guestOr500(w, r)
	if !ok {
		return
	}

	if err := client.CreateDir(r.Context(), req.Path); err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ExecuteSh runs one shell command in the guest and returns combined
// output plus the exit code.
func (s *Service) ExecuteSh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Command string  `json:"command"`
		Timeout float64 `json:"timeout,omitempty"` // seconds
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if req.Command == "" {
		writeError(w, r, http.StatusBadRequest, fmt.Errorf("empty command"))
		return
	}
	timeout := defaultExecTimeout
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout * float64(time.Second))
	}

	rec, err := s.Store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeVMError(w, r, err)
		return
	}
	entry, err := s.Cache.Resolve(r.Context(), rec)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	out, code, err := entry.Exec(ctx, req.Command)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"output": out, "exit_code": code})
}

// SearchFiles greps the guest tree.
func (s *Service) SearchFiles(w http.ResponseWriter, r *http.Request) {
	var req guestfs.SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	client, _, ok := s.guestOr500(w, r)
	if !ok {
		return
	}

	res, err := client.Search(r.Context(), req)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// DownloadFile streams one guest file as an attachment.
func (s *Service) DownloadFile(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, r, http.StatusBadRequest, fmt.Errorf("missing path"))
		return
	}

	client, _, ok := s.guestOr500(w, r)
	if !ok {
		return
	}

	body, size, contentType, err := client.DownloadFile(r.Context(), path)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", fmt.Sprintf("%d", size))
	w.Header().Set("Content-Disposition", "attachment")
	if _, err := io.Copy(w, body); err != nil {
		logger.FromContext(r.Context()).DebugContext(r.Context(), "download aborted", "error", err)
	}
}

// DownloadFolder streams an archive of a guest directory. The archive is
// built in the guest and piped through; a nonzero exit from the archiver
// fails the request even if bytes were produced.
func (s *Service) DownloadFolder(w http.ResponseWriter, r *http.Request) {
	root := r.URL.Query().Get("root")
	if root == "" {
		writeError(w, r, http.StatusBadRequest, fmt.Errorf("missing root"))
		return
	}
	preferFmt := guestfs.ArchiveFormat(r.URL.Query().Get("prefer_fmt"))
	if preferFmt == "" {
		preferFmt = guestfs.FormatZip
	}

	client, _, ok := s.guestOr500(w, r)
	if !ok {
		return
	}

	stream, err := client.DownloadFolder(r.Context(), root, preferFmt)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	defer stream.Close()

	filename := "archive.zip"
	contentType := "application/zip"
	if stream.Format == guestfs.FormatTarGz {
		filename = "archive.tar.gz"
		contentType = "application/gzip"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))

	copyArchive(r.Context(), w, stream.Reader, stream.Wait)
}

// copyArchive streams the archive body and then reaps the archiver. A
// nonzero exit fails the download even though bytes already went out: the
// 200 header cannot be taken back, so the connection is torn down mid-body
// and the client sees a truncated transfer instead of a clean EOF.
func copyArchive(ctx context.Context, w http.ResponseWriter, body io.Reader, wait func() error) {
	log := logger.FromContext(ctx)
	if _, err := io.Copy(w, body); err != nil {
		log.DebugContext(ctx, "archive stream aborted", "error", err)
		return
	}
	if err := wait(); err != nil {
		log.ErrorContext(ctx, "archive command failed", "error", err)
		panic(http.ErrAbortHandler)
	}
}

// guestOr500 resolves the VM and its guest filesystem client, writing the
// error response on failure.
func (s *Service) guestOr500(w http.ResponseWriter, r *http.Request) (*guestfs.Client, *vm.Record, bool) {
	rec, err := s.Store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeVMError(w, r, err)
		return nil, nil, false
	}
	client, err := s.guest(r.Context(), rec)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return nil, nil, false
	}
	return client, rec, true
}
