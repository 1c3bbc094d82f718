package server

import (
	"context"
	"encoding/json"
	"net/http"
	"path"
	"regexp"
	"strings"

	"github.com/danielgtaylor/huma/v2"
)

// DefaultIssuerRole is used when a request carries no X-Issuer-Role header.
const DefaultIssuerRole = "commander"

var roleRe = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)

type roleKey struct{}

func withIssuerRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, roleKey{}, role)
}

func issuerRoleFromContext(ctx context.Context) string {
	if role, ok := ctx.Value(roleKey{}).(string); ok && role != "" {
		return role
	}
	return DefaultIssuerRole
}

// newIssuerMiddleware records the caller's role. The role is informational:
// it is stored on submitted tasks and events but grants nothing.
func newIssuerMiddleware(basePath string) func(http.Handler) http.Handler {
	healthPath := path.Join(basePath, "health")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if (basePath != "" && !strings.HasPrefix(req.URL.Path, basePath)) || req.URL.Path == healthPath {
				next.ServeHTTP(w, req)
				return
			}
			role := strings.TrimSpace(req.Header.Get("X-Issuer-Role"))
			if role == "" {
				role = DefaultIssuerRole
			}
			if !roleRe.MatchString(role) {
				respondStatusError(w, newAPIError(http.StatusBadRequest, "invalid_issuer_role", "invalid X-Issuer-Role header", map[string]any{"role": role}))
				return
			}
			next.ServeHTTP(w, req.WithContext(withIssuerRole(req.Context(), role)))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
