// Package middleware holds the HTTP middleware shared by the API and the
// MCP endpoint.
package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/btouchard/stride/internal/auth"
)

// BearerAuth returns middleware that accepts only Bearer tokens whose
// SHA-256 hash is in hashes. An empty list rejects every request.
func BearerAuth(hashes []string) func(http.Handler) http.Handler {
	hashes = append([]string(nil), hashes...)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				challengeAuth(w, "missing Authorization header")
				return
			}

			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				challengeAuth(w, "invalid Authorization header format")
				return
			}

			if !auth.MatchTokenHash(strings.TrimSpace(parts[1]), hashes) {
				slog.Debug("api token rejected", "path", r.URL.Path, "request_id", RequestIDFrom(r.Context()))
				invalidToken(w, "invalid token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// challengeAuth sends a 401 with a Bearer challenge for unauthenticated requests.
func challengeAuth(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="stride"`)
	http.Error(w, msg, http.StatusUnauthorized)
}

// invalidToken sends a 401 for requests carrying an unknown token.
func invalidToken(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="stride", error="invalid_token"`)
	http.Error(w, msg, http.StatusUnauthorized)
}
