package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fleetplane/fleetplane/lib/cpstore"
)

// RegisterNode creates or replaces a node entry. Operator endpoint.
func (s *Service) RegisterNode(w http.ResponseWriter, r *http.Request) {
	var node cpstore.Node
	if err := json.NewDecoder(r.Body).Decode(&node); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if node.Name == "" || node.BaseURL == "" {
		writeError(w, r, http.StatusBadRequest, fmt.Errorf("name and base_url are required"))
		return
	}
	if err := s.Store.PutNode(&node); err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, node)
}

// ListNodes returns every registered node.
func (s *Service) ListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.Store.ListNodes()
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	if nodes == nil {
		nodes = []*cpstore.Node{}
	}
	writeJSON(w, http.StatusOK, nodes)
}

// DeleteNode removes a node from the registry.
func (s *Service) DeleteNode(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.DeleteNode(chi.URLParam(r, "name")); err != nil {
		writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Heartbeat refreshes a node's liveness timestamp and, when the agent
// reports it, the node's capacity. Called by node agents.
func (s *Service) Heartbeat(w http.ResponseWriter, r *http.Request) {
	node, err := s.Store.GetNode(chi.URLParam(r, "name"))
	if err != nil {
		writeStoreError(w, r, err)
		return
	}

	var capacity struct {
		CapVCPUs  int `json:"cap_vcpus"`
		CapMemMiB int `json:"cap_mem_mib"`
	}
	// The body is optional; older agents send none.
	_ = json.NewDecoder(r.Body).Decode(&capacity)
	if capacity.CapVCPUs > 0 {
		node.CapVCPUs = capacity.CapVCPUs
	}
	if capacity.CapMemMiB > 0 {
		node.CapMemMiB = capacity.CapMemMiB
	}

	node.HeartbeatAt = time.Now().UTC()
	node.Healthy = true
	if err := s.Store.PutNode(node); err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
