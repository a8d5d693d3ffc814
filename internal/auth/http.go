// ABOUTME: HTTP middleware resolving the caller identity on API endpoints
// ABOUTME: Reads x-tenant-id/x-user-id and, when configured, checks them against a bearer JWT

package auth

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Identity headers.
const (
	HeaderTenantID = "X-Tenant-ID"
	HeaderUserID   = "X-User-ID"
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

// writeAuthError writes the gateway's error body for an auth failure.
func writeAuthError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"kind":    "unauthorized",
			"code":    code,
			"message": msg,
		},
	})
}

// Middleware requires both identity headers on every request. With a non-nil
// verifier the request must also carry a bearer token naming the same tenant
// and user: 401 when the token is missing or invalid, 403 when it names
// someone else.
func Middleware(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := Identity{
				TenantID: strings.TrimSpace(r.Header.Get(HeaderTenantID)),
				UserID:   strings.TrimSpace(r.Header.Get(HeaderUserID)),
			}
			if id.TenantID == "" || id.UserID == "" {
				writeAuthError(w, http.StatusUnauthorized, "identity_required",
					"x-tenant-id and x-user-id headers are required")
				return
			}

			if verifier != nil {
				token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
				if errMsg != "" {
					writeAuthError(w, http.StatusUnauthorized, "token_required", errMsg)
					return
				}
				claimed, err := verifier.Verify(token)
				if err != nil {
					writeAuthError(w, http.StatusUnauthorized, "invalid_token", "invalid token")
					return
				}
				if claimed != id {
					writeAuthError(w, http.StatusForbidden, "identity_mismatch",
						"token does not match the identity headers")
					return
				}
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}
