package httpapi

import (
	"net/http"
	"strings"
	"time"

	"authgate.dev/internal/authz"
	"authgate.dev/internal/identity"
)

type loginRequest struct {
	SubjectID   string   `json:"subject_id"`
	SystemID    string   `json:"system_id"`
	Permissions []string `json:"permissions"`
	Role        string   `json:"role"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleLogin mints a token for a principal whose primary credentials were
// already verified by the external login collaborator. This endpoint must
// only be reachable from that collaborator.
func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.SubjectID) == "" {
		writeError(w, r, http.StatusBadRequest, "subject_id is required")
		return
	}

	token, id, err := a.gate.Login(r.Context(), req.SubjectID, req.SystemID, req.Permissions, req.Role)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token issuance failed")
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		Token:     token,
		ExpiresAt: id.ExpiresAt,
	})
}

// handleLogout revokes the presented token for the remainder of its natural
// lifetime. Repeating a logout is a no-op.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	id, ok := identity.FromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "unauthenticated")
		return
	}
	if err := a.gate.Logout(r.Context(), id); err != nil {
		writeError(w, r, http.StatusInternalServerError, "logout failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "logged_out"})
}

// handleVerify returns the resolved identity for the presented token.
func (a *API) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}

	id, ok := identity.FromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "unauthenticated")
		return
	}
	writeJSON(w, http.StatusOK, id)
}

type authzCheckRequest struct {
	Action       string `json:"action"`
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
	OwnerID      string `json:"owner_id"`
}

// handleAuthzCheck evaluates the authenticated identity against the
// requested action and resource. Denials respond 403; the precise reason is
// kept in the audit trail rather than leaked to the caller.
func (a *API) handleAuthzCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	id, ok := identity.FromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "unauthenticated")
		return
	}

	var req authzCheckRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Action) == "" {
		writeError(w, r, http.StatusBadRequest, "action is required")
		return
	}

	decision := a.engine.Authorize(r.Context(), id, req.Action, authz.Resource{
		Type:    req.ResourceType,
		ID:      req.ResourceID,
		OwnerID: req.OwnerID,
	})
	if !decision.Allowed {
		writeError(w, r, http.StatusForbidden, "forbidden")
		return
	}
	writeJSON(w, http.StatusOK, decision)
}
