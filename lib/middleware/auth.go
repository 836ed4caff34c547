// Package middleware provides HTTP middleware shared by both API servers.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/fleetplane/fleetplane/lib/logger"
)

// BearerAuth requires `Authorization: Bearer <token>` on every request.
// Mount it on the routes that need protection; /health stays outside.
func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			log := logger.FromContext(ctx)

			got, err := extractBearerToken(r.Header.Get("Authorization"))
			if err != nil {
				log.DebugContext(ctx, "rejected request without bearer token", "path", r.URL.Path)
				writeUnauthorized(w)
				return
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				log.DebugContext(ctx, "rejected request with bad bearer token", "path", r.URL.Path)
				writeUnauthorized(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractBearerToken(header string) (string, error) {
	if header == "" {
		return "", errMissingAuth
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", errBadAuthFormat
	}
	return parts[1], nil
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"unauthorized"}`))
}
