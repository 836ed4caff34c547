package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nrednav/cuid2"

	"github.com/fleetplane/fleetplane/lib/vm"
)

// CreateVM provisions a new VM record and schedules its first boot.
func (s *Service) CreateVM(w http.ResponseWriter, r *http.Request) {
	var req vm.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if req.VCPUs <= 0 || req.MemMiB <= 0 || req.DiskGiB <= 0 {
		writeError(w, r, http.StatusBadRequest, vm.ErrInvalidRequest)
		return
	}
	if req.ID == "" {
		req.ID = cuid2.Generate()
	}

	rec := &vm.Record{
		ID:        req.ID,
		State:     vm.StateProvisioning,
		Workdir:   s.Paths.Workdir(req.ID),
		VCPUs:     req.VCPUs,
		MemMiB:    req.MemMiB,
		DiskGiB:   req.DiskGiB,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.Store.Put(r.Context(), rec); err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	if err := s.Runner.Start(r.Context(), rec); err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// ListVMs returns every record, each liveness-reconciled.
func (s *Service) ListVMs(w http.ResponseWriter, r *http.Request) {
	recs, err := s.Store.All(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	if recs == nil {
		recs = []*vm.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// GetVM returns one record, liveness-reconciled.
func (s *Service) GetVM(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeVMError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// GetVMBatch returns the records for a comma-separated id list. Unknown
// ids are silently absent so the reconciler can diff.
func (s *Service) GetVMBatch(w http.ResponseWriter, r *http.Request) {
	recs := []*vm.Record{}
	for _, id := range strings.Split(chi.URLParam(r, "csv"), ",") {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		rec, err := s.Store.Get(r.Context(), id)
		if errors.Is(err, vm.ErrNotFound) {
			continue
		}
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, err)
			return
		}
		recs = append(recs, rec)
	}
	writeJSON(w, http.StatusOK, recs)
}

// DeleteVM stops the VM and removes its record. The stop runs inline: an
// async stop worker finishing after the delete would persist the record
// back into the store.
func (s *Service) DeleteVM(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.Store.Get(r.Context(), id)
	if err != nil {
		writeVMError(w, r, err)
		return
	}
	if rec.State == vm.StateRunning || rec.State == vm.StateProvisioning {
		if err := s.Runner.StopSync(r.Context(), rec, true); err != nil {
			writeError(w, r, http.StatusInternalServerError, err)
			return
		}
	}
	if err := s.Store.Delete(r.Context(), id); err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type actionRequest struct {
	Action       string `json:"action"`
	CleanupDisks bool   `json:"cleanup_disks"`
}

// ActionVM applies start, stop, or reboot. Start on a running VM and stop
// on a stopped VM are no-ops returning success.
func (s *Service) ActionVM(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	action, err := vm.ParseAction(req.Action)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	rec, err := s.Store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeVMError(w, r, err)
		return
	}

	switch action {
	case vm.ActionStart:
		err = s.Runner.Start(r.Context(), rec)
	case vm.ActionStop:
		err = s.Runner.Stop(r.Context(), rec, req.CleanupDisks)
	case vm.ActionReboot:
		err = s.Runner.Reboot(r.Context(), rec)
	}
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "action": string(action)})
}

// ConsoleLog returns the tail of the VM's serial console log. The tail
// size comes from CONSOLE_LOG_TAIL.
func (s *Service) ConsoleLog(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.Store.Get(r.Context(), id); err != nil {
		writeVMError(w, r, err)
		return
	}

	f, err := os.Open(s.Paths.ConsoleLog(id))
	if err != nil {
		if os.IsNotExist(err) {
			writeJSON(w, http.StatusOK, map[string]string{"log": ""})
			return
		}
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	tail := s.Config.ConsoleLogTail
	if tail <= 0 {
		tail = 64 * 1024
	}
	if info.Size() > tail {
		if _, err := f.Seek(-tail, io.SeekEnd); err != nil {
			writeError(w, r, http.StatusInternalServerError, err)
			return
		}
	}
	data, err := io.ReadAll(f)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"log": string(data)})
}

func writeVMError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, vm.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, err)
		return
	}
	writeError(w, r, http.StatusInternalServerError, err)
}
