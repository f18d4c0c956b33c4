package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/season-planner/internal/auth"
)

func sign(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func protected(v *auth.Verifier) http.Handler {
	return v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(auth.PrincipalFrom(r.Context())))
	}))
}

func TestMiddlewareBearerScope(t *testing.T) {
	v := auth.NewVerifier(auth.Config{Secret: "s3cret"})
	h := protected(v)
	exp := time.Now().Add(time.Hour).Unix()

	cases := []struct {
		name   string
		header string
		status int
		body   string
	}{
		{"missing", "", http.StatusUnauthorized, ""},
		{"scope string", "Bearer " + sign(t, "s3cret", jwt.MapClaims{"sub": "planner-ui", "scope": "read planner:write", "exp": exp}), http.StatusOK, "planner-ui"},
		{"roles array", "Bearer " + sign(t, "s3cret", jwt.MapClaims{"sub": "ops", "roles": []string{"planner:write"}, "exp": exp}), http.StatusOK, "ops"},
		{"wrong scope", "Bearer " + sign(t, "s3cret", jwt.MapClaims{"scope": "planner:read", "exp": exp}), http.StatusUnauthorized, ""},
		{"wrong secret", "Bearer " + sign(t, "other", jwt.MapClaims{"scope": "planner:write", "exp": exp}), http.StatusUnauthorized, ""},
		{"expired", "Bearer " + sign(t, "s3cret", jwt.MapClaims{"scope": "planner:write", "exp": time.Now().Add(-time.Hour).Unix()}), http.StatusUnauthorized, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tc.status, rec.Code)
			if tc.body != "" {
				assert.Equal(t, tc.body, rec.Body.String())
			}
		})
	}
}

func TestMiddlewareDebugToken(t *testing.T) {
	h := protected(auth.NewVerifier(auth.Config{AllowDebugToken: true, DebugToken: "dev"}))

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("X-Debug-Token", "dev")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "debug", rec.Body.String())

	req = httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("X-Debug-Token", "wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestVerifierDisabled(t *testing.T) {
	v := auth.NewVerifier(auth.Config{})
	assert.False(t, v.Enabled())
	rec := httptest.NewRecorder()
	protected(v).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "anonymous", rec.Body.String())
}
