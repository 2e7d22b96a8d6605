// Package revocation is the authoritative server-side record of which issued
// tokens are currently usable, independent of cryptographic validity. The
// registry is process-external shared state so that restart or scale-out
// never loses revocation truth.
package revocation

import (
	"context"
	"errors"
	"time"
)

// Status is the liveness of a registered token.
type Status string

const (
	StatusActive    Status = "active"
	StatusLoggedOut Status = "logged-out"
)

var (
	// ErrNotFound means no live record exists for the key. An absent record
	// for a syntactically valid, non-expired token means "never issued" and
	// must deny identically to "logged out".
	ErrNotFound = errors.New("revocation: record not found")

	// ErrUnavailable marks registry infrastructure failure. Callers on the
	// authentication path must treat it as a deny, never as "not revoked".
	ErrUnavailable = errors.New("revocation: registry unavailable")
)

// Registry is the contract against an external key-value store with per-key
// TTL. All mutations are idempotent so retries after timeouts are safe.
type Registry interface {
	// Register marks a freshly issued token active with ttl equal to the
	// token's remaining lifetime. Called exactly once per token, at issuance,
	// and awaited before the token is handed to its caller.
	Register(ctx context.Context, tokenID, subjectID string, ttl time.Duration) error

	// Lookup reports the record status, or ErrNotFound when no live record
	// exists.
	Lookup(ctx context.Context, tokenID string) (Status, error)

	// Revoke transitions the record to logged-out, preserving a TTL equal to
	// the token's remaining natural lifetime. A second revoke of the same key
	// is a no-op, not an error.
	Revoke(ctx context.Context, tokenID string, remaining time.Duration) error

	// Purge deletes a record outright (cleanup of naturally expired entries).
	Purge(ctx context.Context, tokenID string) error
}
