// ABOUTME: HTTP middleware for JWT authentication on API and websocket endpoints
// ABOUTME: Takes the token from the Authorization header or a token query parameter

package auth

import (
	"log/slog"
	"net/http"
	"strings"
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// requestToken returns the request's bearer token. Browsers cannot set headers
// on websocket upgrades, so ?token= is accepted when there is no header.
func requestToken(r *http.Request) (string, string) {
	if r.Header.Get("Authorization") == "" {
		if token := r.URL.Query().Get("token"); token != "" {
			return token, ""
		}
	}
	return extractBearerToken(r.Header.Get("Authorization"))
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}

// HTTPAuthMiddleware verifies the request's JWT and adds its Identity to the
// request context.
func HTTPAuthMiddleware(verifier TokenVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := requestToken(r)
			if errMsg != "" {
				writeError(w, http.StatusUnauthorized, errMsg)
				return
			}

			id, err := verifier.Verify(token)
			if err != nil {
				if logger != nil {
					logger.Warn("auth failure", "reason", "jwt_invalid", "remote_addr", r.RemoteAddr, "error", err)
				}
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// RequireOperatorHTTP requires the operator or admin role.
// Must be used after HTTPAuthMiddleware.
func RequireOperatorHTTP() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := FromContext(r.Context())
			if id == nil {
				writeError(w, http.StatusUnauthorized, "not authenticated")
				return
			}
			if !id.IsOperator() {
				writeError(w, http.StatusForbidden, "operator role required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
