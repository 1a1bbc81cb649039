// ABOUTME: Tests for HTTP authentication middleware and token extraction
// ABOUTME: Covers header/cookie/query tokens, rejections and super admin gating

package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAuthenticator struct {
	identities map[string]*Identity
	err        error
}

func (s *stubAuthenticator) Authenticate(_ context.Context, token string) (*Identity, error) {
	if s.err != nil {
		return nil, s.err
	}
	if id, ok := s.identities[token]; ok {
		return id, nil
	}
	return nil, ErrInvalidCredentials
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?token=from-query", nil)
	assert.Equal(t, "from-query", TokenFromRequest(r, "sess"))

	r.AddCookie(&http.Cookie{Name: "sess", Value: "from-cookie"})
	assert.Equal(t, "from-cookie", TokenFromRequest(r, "sess"))

	r.Header.Set("Authorization", "Bearer from-header")
	assert.Equal(t, "from-header", TokenFromRequest(r, "sess"))

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Authorization", "Basic abc")
	assert.Empty(t, TokenFromRequest(r, "sess"))
}

func TestHTTPAuthMiddleware(t *testing.T) {
	authn := &stubAuthenticator{identities: map[string]*Identity{
		"good": {AdminID: "alice", Roles: []string{"ops"}},
	}}

	var seen *Identity
	handler := HTTPAuthMiddleware(authn, "sess", nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name       string
		header     string
		wantStatus int
	}{
		{"valid token", "Bearer good", http.StatusNoContent},
		{"missing token", "", http.StatusUnauthorized},
		{"bad token", "Bearer bad", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus == http.StatusNoContent {
				require.NotNil(t, seen)
				assert.Equal(t, "alice", seen.AdminID)
			} else {
				assert.Nil(t, seen)
				assert.Contains(t, rec.Body.String(), `"error"`)
			}
		})
	}
}

func TestHTTPAuthMiddleware_StoreFailure(t *testing.T) {
	authn := &stubAuthenticator{err: errors.New("database is locked")}
	handler := HTTPAuthMiddleware(authn, "sess", nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.Header.Set("Authorization", "Bearer good")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRequireSuperAdmin(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := RequireSuperAdmin()(ok)

	run := func(id *Identity) int {
		req := httptest.NewRequest(http.MethodPost, "/api/system-updates", nil)
		if id != nil {
			req = req.WithContext(WithIdentity(req.Context(), id))
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusUnauthorized, run(nil))
	assert.Equal(t, http.StatusForbidden, run(&Identity{AdminID: "alice"}))
	assert.Equal(t, http.StatusOK, run(&Identity{AdminID: "root", IsSuperAdmin: true}))
}

func TestIdentityContext(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, FromContext(ctx))
	assert.Panics(t, func() { MustFromContext(ctx) })

	id := &Identity{AdminID: "alice", Roles: []string{"ops"}}
	ctx = WithIdentity(ctx, id)
	assert.Same(t, id, FromContext(ctx))
	assert.True(t, id.HasRole("ops"))
	assert.False(t, id.HasRole("finance"))

	r := id.Recipient()
	assert.Equal(t, "alice", r.AdminID)
	assert.Equal(t, []string{"ops"}, r.Roles)
}
