// Package middleware provides HTTP middleware for the knowledge service API.
package middleware

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const capabilitiesKey contextKey = "capabilities"

// AuthConfig maps bearer tokens to capability lists. A "*" capability
// grants everything.
type AuthConfig struct {
	Enabled bool
	Tokens  map[string][]string
}

// Auth returns middleware that resolves the bearer token to its
// capabilities. With auth disabled every request gets full access.
func Auth(cfg AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.Enabled {
				ctx := context.WithValue(r.Context(), capabilitiesKey, []string{"*"})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			header := r.Header.Get("Authorization")
			if header == "" {
				writeAuthError(w, http.StatusUnauthorized, "missing authorization header")
				return
			}
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				writeAuthError(w, http.StatusUnauthorized, "invalid authorization header format")
				return
			}

			capabilities, ok := cfg.Tokens[parts[1]]
			if !ok {
				writeAuthError(w, http.StatusUnauthorized, "unknown token")
				return
			}

			ctx := context.WithValue(r.Context(), capabilitiesKey, capabilities)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireCapability returns middleware rejecting requests whose token
// lacks the named capability.
func RequireCapability(capability string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !HasCapability(r.Context(), capability) {
				writeAuthError(w, http.StatusForbidden, "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CapabilitiesFromContext returns the capabilities resolved for a request.
func CapabilitiesFromContext(ctx context.Context) []string {
	if v, ok := ctx.Value(capabilitiesKey).([]string); ok {
		return v
	}
	return nil
}

// HasCapability reports whether the request carries the capability.
func HasCapability(ctx context.Context, capability string) bool {
	for _, c := range CapabilitiesFromContext(ctx) {
		if c == "*" || c == capability {
			return true
		}
	}
	return false
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(`{"error":"` + message + `"}`))
}
