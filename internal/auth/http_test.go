// ABOUTME: Tests for HTTP identity middleware
// ABOUTME: Covers header extraction, bearer token checks and identity mismatch

package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, verifier TokenVerifier, req *http.Request) (*httptest.ResponseRecorder, *Identity) {
	t.Helper()
	var got *Identity
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := MustFromContext(r.Context())
		got = &id
		w.WriteHeader(http.StatusOK)
	})
	rec := httptest.NewRecorder()
	Middleware(verifier)(handler).ServeHTTP(rec, req)
	return rec, got
}

func identityRequest(tenant, user string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/modes", nil)
	if tenant != "" {
		req.Header.Set(HeaderTenantID, tenant)
	}
	if user != "" {
		req.Header.Set(HeaderUserID, user)
	}
	return req
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error.Code
}

func TestMiddleware_HeadersOnly(t *testing.T) {
	rec, got := serve(t, nil, identityRequest("acme", "alice"))

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, Identity{TenantID: "acme", UserID: "alice"}, *got)
}

func TestMiddleware_MissingHeaders(t *testing.T) {
	tests := []struct {
		name   string
		tenant string
		user   string
	}{
		{name: "no headers"},
		{name: "no user", tenant: "acme"},
		{name: "no tenant", user: "alice"},
		{name: "blank", tenant: "  ", user: "alice"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, got := serve(t, nil, identityRequest(tt.tenant, tt.user))
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Nil(t, got)
			assert.Equal(t, "identity_required", errorCode(t, rec))
		})
	}
}

func TestMiddleware_WithVerifier(t *testing.T) {
	verifier, err := NewJWTVerifier(testSecret)
	require.NoError(t, err)
	aliceToken, err := verifier.Generate(Identity{TenantID: "acme", UserID: "alice"}, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name     string
		auth     string
		wantCode int
		wantErr  string
	}{
		{name: "matching token", auth: "Bearer " + aliceToken, wantCode: http.StatusOK},
		{name: "missing token", wantCode: http.StatusUnauthorized, wantErr: "token_required"},
		{name: "wrong scheme", auth: "Basic abc", wantCode: http.StatusUnauthorized, wantErr: "token_required"},
		{name: "invalid token", auth: "Bearer nope", wantCode: http.StatusUnauthorized, wantErr: "invalid_token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := identityRequest("acme", "alice")
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			rec, _ := serve(t, verifier, req)
			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.wantErr != "" {
				assert.Equal(t, tt.wantErr, errorCode(t, rec))
			}
		})
	}
}

func TestMiddleware_TokenForSomeoneElse(t *testing.T) {
	verifier, err := NewJWTVerifier(testSecret)
	require.NoError(t, err)
	bobToken, err := verifier.Generate(Identity{TenantID: "acme", UserID: "bob"}, time.Hour)
	require.NoError(t, err)

	req := identityRequest("acme", "alice")
	req.Header.Set("Authorization", "Bearer "+bobToken)
	rec, got := serve(t, verifier, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Nil(t, got)
	assert.Equal(t, "identity_mismatch", errorCode(t, rec))
}
