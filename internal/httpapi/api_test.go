package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"authgate.dev/internal/audit"
	"authgate.dev/internal/authz"
	"authgate.dev/internal/gate"
	"authgate.dev/internal/identity"
	"authgate.dev/internal/revocation"
	"authgate.dev/internal/secrets"
	"authgate.dev/internal/token"
)

func newTestAPI(t *testing.T) *API {
	t.Helper()
	store, err := secrets.New(map[secrets.Environment]secrets.Material{
		secrets.Production: {Current: []byte("f3P9qL0xW7vK2mT5nR8cJ1bH4dZ6sY0u")},
	})
	if err != nil {
		t.Fatalf("secrets.New: %v", err)
	}
	g, err := gate.New(token.NewCodec(), store, revocation.NewMem(), audit.Nop{}, secrets.Production)
	if err != nil {
		t.Fatalf("gate.New: %v", err)
	}
	engine, err := authz.NewEngine([]authz.Rule{
		{Action: "users:read", RequiredPermissions: []string{"users:read"}},
		{Action: "users:delete", RequiredPermissions: []string{"users:delete"}, AllowedSystems: []string{"portal"}},
		{Action: "users:update", RequireOwnership: true, ElevatedPermission: "users:admin"},
	}, audit.Nop{})
	if err != nil {
		t.Fatalf("authz.NewEngine: %v", err)
	}
	return New(ReadyProbe{}, g, engine, "test")
}


func doJSON(t *testing.T, h http.Handler, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func login(t *testing.T, h http.Handler, subject, system string, perms []string) string {
	t.Helper()
	rr := doJSON(t, h, http.MethodPost, "/v1/auth/login", "", map[string]any{
		"subject_id":  subject,
		"system_id":   system,
		"permissions": perms,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp loginResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("login returned empty token")
	}
	return resp.Token
}

func TestLoginVerifyLogoutFlow(t *testing.T) {
	h := newTestAPI(t).Handler()

	tok := login(t, h, "u1", "portal", []string{"users:read"})

	rr := doJSON(t, h, http.MethodGet, "/v1/auth/verify", tok, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("verify: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var id identity.Identity
	if err := json.Unmarshal(rr.Body.Bytes(), &id); err != nil {
		t.Fatalf("decode identity: %v", err)
	}
	if id.SubjectID != "u1" || id.SystemID != "portal" {
		t.Fatalf("unexpected identity: %+v", id)
	}

	rr = doJSON(t, h, http.MethodPost, "/v1/auth/logout", tok, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("logout: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	// The token is dead for the rest of its lifetime.
	rr = doJSON(t, h, http.MethodGet, "/v1/auth/verify", tok, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("verify after logout: expected 401, got %d", rr.Code)
	}
}

func TestVerifyWithoutToken(t *testing.T) {
	h := newTestAPI(t).Handler()
	rr := doJSON(t, h, http.MethodGet, "/v1/auth/verify", "", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if rr.Header().Get("WWW-Authenticate") == "" {
		t.Fatal("expected WWW-Authenticate header")
	}
}

func TestAuthzCheck(t *testing.T) {
	h := newTestAPI(t).Handler()
	tok := login(t, h, "u1", "portal", []string{"users:read"})

	rr := doJSON(t, h, http.MethodPost, "/v1/authz/check", tok, map[string]any{
		"action": "users:read",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	// users:delete on someone else's resource with only users:read.
	rr = doJSON(t, h, http.MethodPost, "/v1/authz/check", tok, map[string]any{
		"action":        "users:delete",
		"resource_type": "user",
		"resource_id":   "u2",
		"owner_id":      "u2",
	})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rr.Code, rr.Body.String())
	}

	// Ownership lets the subject update its own resource.
	rr = doJSON(t, h, http.MethodPost, "/v1/authz/check", tok, map[string]any{
		"action":      "users:update",
		"resource_id": "u1",
		"owner_id":    "u1",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for owner, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestLoginValidation(t *testing.T) {
	h := newTestAPI(t).Handler()

	rr := doJSON(t, h, http.MethodPost, "/v1/auth/login", "", map[string]any{
		"system_id": "portal",
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing subject, got %d", rr.Code)
	}

	rr = doJSON(t, h, http.MethodGet, "/v1/auth/login", "", nil)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestHealthz(t *testing.T) {
	h := newTestAPI(t).Handler()
	rr := doJSON(t, h, http.MethodGet, "/healthz", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr.Header().Get("X-Request-Id") == "" {
		t.Fatal("expected request id header")
	}
	if rr.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("expected security headers")
	}
}

func TestCORSPreflight(t *testing.T) {
	h := newTestAPI(t).Handler()

	// Preflights are answered before authentication runs.
	req := httptest.NewRequest(http.MethodOptions, "/v1/auth/verify", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Fatalf("unexpected allow-origin: %q", rr.Header().Get("Access-Control-Allow-Origin"))
	}
	if rr.Header().Get("Access-Control-Allow-Headers") == "" {
		t.Fatal("expected allowed headers")
	}

	// Unknown origins get no allow-origin echo.
	req = httptest.NewRequest(http.MethodOptions, "/v1/auth/verify", nil)
	req.Header.Set("Origin", "https://evil.example")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("allow-origin must not echo unknown origins")
	}
}

func TestExtractBearerToken(t *testing.T) {
	cases := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer abc", "abc", true},
		{"Bearer   abc  ", "abc", true},
		{"", "", false},
		{"Basic abc", "", false},
		{"Bearer ", "", false},
	}
	for _, tc := range cases {
		got, err := extractBearerToken(tc.header)
		if tc.ok && (err != nil || got != tc.want) {
			t.Fatalf("header %q: got %q, %v", tc.header, got, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("header %q: expected error", tc.header)
		}
	}
}
