package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"authgate.dev/internal/gate"
	"authgate.dev/internal/identity"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// Paths that never require a bearer token. Login is public here because the
// external login collaborator calls it after verifying primary credentials.
var publicPaths = []string{
	"/v1/auth/login",
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
	"/",
}

func (a *API) withAuth(next http.Handler) http.Handler {
	if a == nil || a.gate == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		// A missing or unusable header still goes through the gate as an
		// empty credential so the attempt is counted and audited.
		token, _ := extractBearerToken(r.Header.Get(authHeader))

		id, err := a.gate.Authenticate(r.Context(), token)
		if err != nil {
			// Every typed failure collapses to one 401 externally; the audit
			// trail keeps the precise reason.
			if gate.IsAuthFailure(err) {
				unauthorized(w, r)
			} else {
				writeError(w, r, http.StatusInternalServerError, "authentication error")
			}
			return
		}

		ctx := identity.ContextWithIdentity(r.Context(), id)
		ctx = identity.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func unauthorized(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="authgate"`)
	writeError(w, r, http.StatusUnauthorized, "unauthenticated")
}

// extractBearerToken consumes only the token substring of the authorization
// header. No other request metadata is ever read as an identity signal.
func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
