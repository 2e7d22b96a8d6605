// Package authz evaluates permission, system and ownership rules against an
// authenticated identity. Default is deny: an action with no rule is
// inaccessible, not implicitly public. The role label carries no weight
// here; only the permission set is consulted.
package authz

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"authgate.dev/internal/audit"
	"authgate.dev/internal/identity"
	"authgate.dev/internal/obs"
)

// DenyReason names why an authorization evaluation denied.
type DenyReason string

const (
	ReasonSystemNotAllowed       DenyReason = "system_not_allowed"
	ReasonInsufficientPermission DenyReason = "insufficient_permission"
	ReasonNotOwner               DenyReason = "not_owner"
	ReasonNoRuleDefined          DenyReason = "no_rule_defined"
)

// Rule is a static mapping from an action to the conditions that allow it.
type Rule struct {
	// Action identifies the operation, e.g. "users:read".
	Action string `json:"action"`

	// RequiredPermissions must all be held by the identity. Flat, explicit
	// keys: no hierarchy, no implication.
	RequiredPermissions []string `json:"required_permissions,omitempty"`

	// AllowedSystems restricts which calling systems may perform the
	// action. Empty means any system.
	AllowedSystems []string `json:"allowed_systems,omitempty"`

	// RequireOwnership marks resource-scoped actions where the subject must
	// own the resource — or hold ElevatedPermission instead. Ownership and
	// the elevated permission are alternative paths, not additive.
	RequireOwnership   bool   `json:"require_ownership,omitempty"`
	ElevatedPermission string `json:"elevated_permission,omitempty"`
}

// Resource describes the target of a resource-scoped action.
type Resource struct {
	Type    string `json:"type,omitempty"`
	ID      string `json:"id,omitempty"`
	OwnerID string `json:"owner_id,omitempty"`
}

// Decision is the outcome of one evaluation.
type Decision struct {
	Allowed bool       `json:"allowed"`
	Reason  DenyReason `json:"reason,omitempty"`
}

// Allow is the positive decision.
func Allow() Decision { return Decision{Allowed: true} }

// Deny is a negative decision with its reason.
func Deny(reason DenyReason) Decision { return Decision{Reason: reason} }

// Engine holds the static rule table.
type Engine struct {
	rules map[string]Rule
	sink  audit.Sink
}

// NewEngine validates and indexes the rule set.
func NewEngine(rules []Rule, sink audit.Sink) (*Engine, error) {
	if sink == nil {
		sink = audit.Nop{}
	}
	index := make(map[string]Rule, len(rules))
	for _, rule := range rules {
		action := strings.TrimSpace(rule.Action)
		if action == "" {
			return nil, errors.New("authz: rule with empty action")
		}
		if _, ok := index[action]; ok {
			return nil, fmt.Errorf("authz: duplicate rule for action %q", action)
		}
		rule.Action = action
		index[action] = rule
	}
	return &Engine{rules: index, sink: sink}, nil
}

// Authorize evaluates the identity against the requested action and
// resource. The system boundary is checked before permissions: a right
// system with a wrong permission is a different failure than a wrong system
// entirely. Exactly one audit event is emitted per evaluation.
func (e *Engine) Authorize(ctx context.Context, id identity.Identity, action string, res Resource) Decision {
	decision := e.evaluate(id, action, res)
	e.record(ctx, id, action, res, decision)
	return decision
}

func (e *Engine) evaluate(id identity.Identity, action string, res Resource) Decision {
	rule, ok := e.rules[strings.TrimSpace(action)]
	if !ok {
		return Deny(ReasonNoRuleDefined)
	}

	if len(rule.AllowedSystems) > 0 && !contains(rule.AllowedSystems, id.SystemID) {
		return Deny(ReasonSystemNotAllowed)
	}

	if !id.HasAllPermissions(rule.RequiredPermissions) {
		return Deny(ReasonInsufficientPermission)
	}

	if rule.RequireOwnership && res.OwnerID != "" {
		owner := id.SubjectID != "" && id.SubjectID == res.OwnerID
		elevated := rule.ElevatedPermission != "" && id.HasPermission(rule.ElevatedPermission)
		if !owner && !elevated {
			return Deny(ReasonNotOwner)
		}
	}

	return Allow()
}

func (e *Engine) record(ctx context.Context, id identity.Identity, action string, res Resource, d Decision) {
	meta := map[string]string{"action": action}
	if res.Type != "" {
		meta["resource_type"] = res.Type
	}
	if res.ID != "" {
		meta["resource_id"] = res.ID
	}
	event := audit.Event{
		SubjectID: id.SubjectID,
		SystemID:  id.SystemID,
		Metadata:  meta,
	}
	if d.Allowed {
		event.Type = audit.EventAuthzAllow
		obs.CountAuthzDecision("allow", "")
	} else {
		event.Type = audit.EventAuthzDenial
		event.Reason = string(d.Reason)
		obs.CountAuthzDecision("deny", string(d.Reason))
	}
	e.sink.Emit(ctx, event)
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
