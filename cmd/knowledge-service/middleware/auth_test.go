package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func authedRouter(cfg AuthConfig, capability string) http.Handler {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := http.Handler(inner)
	if capability != "" {
		handler = RequireCapability(capability)(handler)
	}
	return Auth(cfg)(handler)
}

func doRequest(router http.Handler, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestAuthDisabledAllowsEverything(t *testing.T) {
	router := authedRouter(AuthConfig{Enabled: false}, "system:configure")
	assert.Equal(t, http.StatusOK, doRequest(router, "").Code)
}

func TestAuthRejectsMissingAndUnknownTokens(t *testing.T) {
	cfg := AuthConfig{Enabled: true, Tokens: map[string][]string{"tok": {"chat:write"}}}
	router := authedRouter(cfg, "")

	assert.Equal(t, http.StatusUnauthorized, doRequest(router, "").Code)
	assert.Equal(t, http.StatusUnauthorized, doRequest(router, "wrong").Code)
	assert.Equal(t, http.StatusOK, doRequest(router, "tok").Code)
}

func TestAuthRejectsMalformedHeader(t *testing.T) {
	cfg := AuthConfig{Enabled: true, Tokens: map[string][]string{"tok": {"chat:write"}}}
	router := authedRouter(cfg, "")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Basic tok")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireCapability(t *testing.T) {
	cfg := AuthConfig{Enabled: true, Tokens: map[string][]string{
		"admin":  {"*"},
		"writer": {"chat:write"},
	}}
	router := authedRouter(cfg, "system:configure")

	assert.Equal(t, http.StatusOK, doRequest(router, "admin").Code)
	assert.Equal(t, http.StatusForbidden, doRequest(router, "writer").Code)
}
