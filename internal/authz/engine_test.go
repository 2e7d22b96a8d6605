package authz

import (
	"context"
	"testing"

	"authgate.dev/internal/audit"
	"authgate.dev/internal/identity"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	engine, err := NewEngine([]Rule{
		{Action: "users:read", RequiredPermissions: []string{"users:read"}},
		{Action: "users:delete", RequiredPermissions: []string{"users:delete"}, AllowedSystems: []string{"portal"}},
		{Action: "users:update", RequireOwnership: true, ElevatedPermission: "users:admin"},
		{Action: "reports:export", RequiredPermissions: []string{"reports:read", "reports:export"}},
	}, audit.Nop{})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return engine
}

func portalUser(perms ...string) identity.Identity {
	return identity.Identity{
		SubjectID:   "u1",
		SystemID:    "portal",
		Permissions: perms,
		Environment: "production",
	}
}

func TestAuthorizeAllow(t *testing.T) {
	engine := testEngine(t)
	d := engine.Authorize(context.Background(), portalUser("users:read"), "users:read", Resource{})
	if !d.Allowed {
		t.Fatalf("expected allow, got %+v", d)
	}
}

func TestAuthorizeInsufficientPermission(t *testing.T) {
	engine := testEngine(t)
	// users:read holder deleting a user owned by someone else.
	id := portalUser("users:read")
	d := engine.Authorize(context.Background(), id, "users:delete", Resource{Type: "user", ID: "u2", OwnerID: "u2"})
	if d.Allowed || d.Reason != ReasonInsufficientPermission {
		t.Fatalf("expected insufficient_permission, got %+v", d)
	}
}

func TestAuthorizePermissionSuperset(t *testing.T) {
	engine := testEngine(t)
	id := portalUser("reports:read")
	d := engine.Authorize(context.Background(), id, "reports:export", Resource{})
	if d.Allowed || d.Reason != ReasonInsufficientPermission {
		t.Fatalf("expected deny for partial permission set, got %+v", d)
	}
	id = portalUser("reports:read", "reports:export")
	if d := engine.Authorize(context.Background(), id, "reports:export", Resource{}); !d.Allowed {
		t.Fatalf("expected allow for full permission set, got %+v", d)
	}
}

func TestAuthorizeSystemBoundaryFirst(t *testing.T) {
	engine := testEngine(t)
	// Holding every permission does not get a disallowed system through:
	// the system boundary is evaluated before permissions.
	id := identity.Identity{
		SubjectID:   "u1",
		SystemID:    "mobile",
		Permissions: []string{"users:read", "users:delete", "users:admin"},
	}
	d := engine.Authorize(context.Background(), id, "users:delete", Resource{})
	if d.Allowed || d.Reason != ReasonSystemNotAllowed {
		t.Fatalf("expected system_not_allowed, got %+v", d)
	}
}

func TestAuthorizeOwnershipPaths(t *testing.T) {
	engine := testEngine(t)
	owned := Resource{Type: "user", ID: "u1", OwnerID: "u1"}
	foreign := Resource{Type: "user", ID: "u2", OwnerID: "u2"}

	// The owner needs no extra permissions.
	if d := engine.Authorize(context.Background(), portalUser(), "users:update", owned); !d.Allowed {
		t.Fatalf("expected owner allow, got %+v", d)
	}
	// A non-owner with the elevated permission passes.
	if d := engine.Authorize(context.Background(), portalUser("users:admin"), "users:update", foreign); !d.Allowed {
		t.Fatalf("expected elevated allow, got %+v", d)
	}
	// A non-owner without it is denied.
	d := engine.Authorize(context.Background(), portalUser("users:read"), "users:update", foreign)
	if d.Allowed || d.Reason != ReasonNotOwner {
		t.Fatalf("expected not_owner, got %+v", d)
	}
}

func TestAuthorizeDefaultDeny(t *testing.T) {
	engine := testEngine(t)
	d := engine.Authorize(context.Background(), portalUser("users:read"), "users:export", Resource{})
	if d.Allowed || d.Reason != ReasonNoRuleDefined {
		t.Fatalf("expected no_rule_defined, got %+v", d)
	}
}

func TestAuthorizeIgnoresRole(t *testing.T) {
	engine := testEngine(t)
	// The role label carries no authorization weight by itself.
	id := identity.Identity{
		SubjectID: "u1",
		SystemID:  "portal",
		Role:      "admin",
	}
	d := engine.Authorize(context.Background(), id, "users:read", Resource{})
	if d.Allowed || d.Reason != ReasonInsufficientPermission {
		t.Fatalf("expected deny despite admin role, got %+v", d)
	}
}

func TestAuthorizeEmitsOneEventPerEvaluation(t *testing.T) {
	var events []audit.Event
	engine, err := NewEngine([]Rule{
		{Action: "users:read", RequiredPermissions: []string{"users:read"}},
	}, sinkFunc(func(e audit.Event) { events = append(events, e) }))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	engine.Authorize(context.Background(), portalUser("users:read"), "users:read", Resource{})
	engine.Authorize(context.Background(), portalUser(), "users:read", Resource{})

	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != audit.EventAuthzAllow {
		t.Fatalf("expected allow event, got %s", events[0].Type)
	}
	if events[1].Type != audit.EventAuthzDenial || events[1].Reason != string(ReasonInsufficientPermission) {
		t.Fatalf("expected denial event with reason, got %+v", events[1])
	}
}

func TestNewEngineRejectsDuplicateActions(t *testing.T) {
	_, err := NewEngine([]Rule{
		{Action: "users:read"},
		{Action: "users:read"},
	}, audit.Nop{})
	if err == nil {
		t.Fatalf("expected duplicate action error")
	}
}

type sinkFunc func(audit.Event)

func (f sinkFunc) Emit(_ context.Context, e audit.Event) { f(e) }
