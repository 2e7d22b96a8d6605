// Package identity defines the verified caller identity and its context
// plumbing. An Identity is only ever produced by the authentication gate;
// nothing else in the process may fabricate one from request metadata.
package identity

import (
	"sort"
	"strings"
	"time"
)

// Identity is a pure projection of verified token claims plus registry
// status. Immutable once constructed.
type Identity struct {
	SubjectID   string    `json:"subject_id"`
	SystemID    string    `json:"system_id,omitempty"`
	Permissions []string  `json:"permissions,omitempty"`
	Role        string    `json:"role,omitempty"`
	Environment string    `json:"environment"`
	TokenID     string    `json:"token_id"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// HasPermission reports whether the identity holds the exact permission key.
// Permissions are flat strings; there is no implied hierarchy.
func (id Identity) HasPermission(key string) bool {
	key = strings.TrimSpace(key)
	if key == "" {
		return false
	}
	for _, p := range id.Permissions {
		if p == key {
			return true
		}
	}
	return false
}

// HasAllPermissions reports whether the identity's permission set supersets
// the required keys.
func (id Identity) HasAllPermissions(keys []string) bool {
	for _, key := range keys {
		if !id.HasPermission(key) {
			return false
		}
	}
	return true
}

// NormalizePermissions trims, lowercases and deduplicates permission keys.
func NormalizePermissions(perms []string) []string {
	if len(perms) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(perms))
	var out []string
	for _, p := range perms {
		p = strings.TrimSpace(strings.ToLower(p))
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
