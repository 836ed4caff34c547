package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nrednav/cuid2"

	"github.com/fleetplane/fleetplane/lib/cpstore"
	"github.com/fleetplane/fleetplane/lib/logger"
	"github.com/fleetplane/fleetplane/lib/nodeclient"
	"github.com/fleetplane/fleetplane/lib/scheduler"
	"github.com/fleetplane/fleetplane/lib/vm"
)

type createContainerRequest struct {
	User string `json:"user"`
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

type createContainerResponse struct {
	Container *cpstore.Container `json:"container"`
	Warning   string             `json:"warning,omitempty"`
}

// CreateContainer admits the request against the user's quota, schedules a
// node, and provisions the backing VM there.
func (s *Service) CreateContainer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req createContainerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if req.User == "" || req.Type == "" {
		writeError(w, r, http.StatusBadRequest, fmt.Errorf("user and type are required"))
		return
	}

	typ, err := s.Sched.Admit(ctx, req.User, req.Type)
	if err != nil {
		switch {
		case errors.Is(err, scheduler.ErrNotEnoughCredits), errors.Is(err, scheduler.ErrTypeNotAllowed):
			writeError(w, r, http.StatusForbidden, err)
		case errors.Is(err, cpstore.ErrNotFound):
			writeError(w, r, http.StatusNotFound, err)
		default:
			writeError(w, r, http.StatusInternalServerError, err)
		}
		return
	}

	placement, err := s.Sched.ChooseNode(ctx, typ.VCPUs, typ.MemMiB)
	if err != nil {
		if errors.Is(err, scheduler.ErrNoFeasibleNode) {
			writeError(w, r, http.StatusServiceUnavailable, err)
			return
		}
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}

	id := req.Name
	if id == "" {
		id = cuid2.Generate()
	}
	c := &cpstore.Container{
		ID:           id,
		User:         req.User,
		Node:         placement.Node.Name,
		Type:         typ.Name,
		VCPUs:        typ.VCPUs,
		MemMiB:       typ.MemMiB,
		DiskGiB:      typ.DiskGiB,
		Status:       cpstore.StatusCreating,
		DesiredState: cpstore.DesiredRunning,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.Store.PutContainer(c); err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}

	if _, err := nodeclient.New(placement.Node).CreateVM(ctx, c.ID, vm.CreateRequest{
		VCPUs:   c.VCPUs,
		MemMiB:  c.MemMiB,
		DiskGiB: c.DiskGiB,
	}); err != nil {
		// The record stays in creating; the reconciler re-issues the create.
		logger.FromContext(ctx).ErrorContext(ctx, "vm provisioning failed",
			"container_id", c.ID, "node", c.Node, "error", err)
	} else {
		c.Status = cpstore.StatusProvisioning
		if err := s.Store.PutContainer(c); err != nil {
			writeError(w, r, http.StatusInternalServerError, err)
			return
		}
	}

	resp := createContainerResponse{Container: c}
	if placement.Fallback {
		resp.Warning = "no node had free capacity; placed on a random active node"
	}
	writeJSON(w, http.StatusCreated, resp)
}

// ListContainers returns all containers, optionally filtered by ?user=.
func (s *Service) ListContainers(w http.ResponseWriter, r *http.Request) {
	var (
		containers []*cpstore.Container
		err        error
	)
	if user := r.URL.Query().Get("user"); user != "" {
		containers, err = s.Store.ListContainersByUser(user)
	} else {
		containers, err = s.Store.ListContainers()
	}
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	if containers == nil {
		containers = []*cpstore.Container{}
	}
	writeJSON(w, http.StatusOK, containers)
}

// GetContainer returns one container record.
func (s *Service) GetContainer(w http.ResponseWriter, r *http.Request) {
	c, err := s.Store.GetContainer(chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// DeleteContainer tears down the backing VM and removes the record.
func (s *Service) DeleteContainer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	c, client, err := s.containerNode(chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	if err := client.DeleteVM(ctx, c.ID); err != nil {
		// An unreachable node must not make the container undeletable.
		logger.FromContext(ctx).WarnContext(ctx, "vm deletion failed, removing record anyway",
			"container_id", c.ID, "node", c.Node, "error", err)
	}
	if err := s.Store.DeleteContainer(c.ID); err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type powerRequest struct {
	DesiredState cpstore.DesiredState `json:"desired_state"`
}

// PowerContainer persists the desired state and nudges the owning node.
// The reconciler converges the fleet even when the nudge is lost.
func (s *Service) PowerContainer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req powerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	var action vm.Action
	switch req.DesiredState {
	case cpstore.DesiredRunning:
		action = vm.ActionStart
	case cpstore.DesiredStopped:
		action = vm.ActionStop
	default:
		writeError(w, r, http.StatusBadRequest, fmt.Errorf("desired_state must be running or stopped"))
		return
	}

	c, client, err := s.containerNode(chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	c.DesiredState = req.DesiredState
	if err := s.Store.PutContainer(c); err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}

	if err := client.ActionVM(ctx, c.ID, action, false); err != nil {
		logger.FromContext(ctx).WarnContext(ctx, "power nudge failed",
			"container_id", c.ID, "node", c.Node, "action", action, "error", err)
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "desired_state": string(req.DesiredState)})
}
