package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fleetplane/fleetplane/lib/cpstore"
)

// PutContainerType creates or replaces a sizing preset. Operator endpoint.
func (s *Service) PutContainerType(w http.ResponseWriter, r *http.Request) {
	var typ cpstore.ContainerType
	if err := json.NewDecoder(r.Body).Decode(&typ); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if typ.Name == "" || typ.VCPUs <= 0 || typ.MemMiB <= 0 {
		writeError(w, r, http.StatusBadRequest, fmt.Errorf("name, vcpus, and mem_mib are required"))
		return
	}
	if err := s.Store.PutContainerType(&typ); err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, typ)
}

// ListContainerTypes returns every sizing preset.
func (s *Service) ListContainerTypes(w http.ResponseWriter, r *http.Request) {
	types, err := s.Store.ListContainerTypes()
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	if types == nil {
		types = []*cpstore.ContainerType{}
	}
	writeJSON(w, http.StatusOK, types)
}

// DeleteContainerType removes a sizing preset.
func (s *Service) DeleteContainerType(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.DeleteContainerType(chi.URLParam(r, "name")); err != nil {
		writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PutQuota sets a user's resource quota. Operator endpoint.
func (s *Service) PutQuota(w http.ResponseWriter, r *http.Request) {
	var quota cpstore.ResourceQuota
	if err := json.NewDecoder(r.Body).Decode(&quota); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	quota.User = chi.URLParam(r, "user")
	if err := s.Store.PutQuota(&quota); err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, quota)
}

// GetQuota returns one user's quota.
func (s *Service) GetQuota(w http.ResponseWriter, r *http.Request) {
	quota, err := s.Store.GetQuota(chi.URLParam(r, "user"))
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quota)
}
