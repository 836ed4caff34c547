package api

import "net/http"

// Health reports liveness. Callers match on the literal string "True".
func (s *Service) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"ok": "True"})
}
