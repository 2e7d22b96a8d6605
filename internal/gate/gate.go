// Package gate answers "who, validly, is this?". It is the only component
// permitted to produce an Identity, and it builds one exclusively from a
// verified token plus a live registry record. Neither a valid signature nor
// a registry entry is sufficient alone.
package gate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"authgate.dev/internal/audit"
	"authgate.dev/internal/identity"
	"authgate.dev/internal/obs"
	"authgate.dev/internal/revocation"
	"authgate.dev/internal/secrets"
	"authgate.dev/internal/token"
)

const defaultAccessTTL = 15 * time.Minute

// Authentication failures. Each is a distinct outcome for audit purposes;
// the HTTP boundary may collapse them into a single 401.
var (
	ErrNoCredential       = errors.New("gate: no credential")
	ErrMalformed          = errors.New("gate: malformed token")
	ErrBadSignature       = errors.New("gate: bad signature")
	ErrExpired            = errors.New("gate: token expired")
	ErrWrongEnvironment   = errors.New("gate: wrong environment")
	ErrNotIssuedOrRevoked = errors.New("gate: token not issued or revoked")
)

// FailureReason names an authentication failure for audit events and
// metrics labels. Unknown errors map to "internal".
func FailureReason(err error) string {
	switch {
	case errors.Is(err, ErrNoCredential):
		return "no_credential"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	case errors.Is(err, ErrBadSignature):
		return "bad_signature"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrWrongEnvironment):
		return "wrong_environment"
	case errors.Is(err, ErrNotIssuedOrRevoked):
		return "not_issued_or_revoked"
	default:
		return "internal"
	}
}

// IsAuthFailure reports whether err is one of the typed authentication
// failures, as opposed to an internal fault.
func IsAuthFailure(err error) bool {
	return FailureReason(err) != "internal"
}

// Gate combines the token codec with the revocation registry for one
// running environment.
type Gate struct {
	codec     *token.Codec
	secrets   *secrets.Store
	registry  revocation.Registry
	sink      audit.Sink
	env       secrets.Environment
	accessTTL time.Duration
	now       func() time.Time
}

// Option configures Gate behavior.
type Option func(*Gate)

// WithAccessTTL configures issued token lifetime.
func WithAccessTTL(ttl time.Duration) Option {
	return func(g *Gate) {
		if ttl > 0 {
			g.accessTTL = ttl
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(g *Gate) {
		if fn != nil {
			g.now = fn
		}
	}
}

// New constructs a Gate bound to the process's running environment. The
// environment's secret is resolved eagerly so misconfiguration surfaces at
// startup, not on the first request.
func New(codec *token.Codec, store *secrets.Store, registry revocation.Registry, sink audit.Sink, env secrets.Environment, opts ...Option) (*Gate, error) {
	if codec == nil {
		return nil, errors.New("gate: codec is required")
	}
	if store == nil {
		return nil, errors.New("gate: secret store is required")
	}
	if registry == nil {
		return nil, errors.New("gate: revocation registry is required")
	}
	if sink == nil {
		sink = audit.Nop{}
	}
	if _, err := store.Get(env); err != nil {
		return nil, err
	}
	g := &Gate{
		codec:     codec,
		secrets:   store,
		registry:  registry,
		sink:      sink,
		env:       env,
		accessTTL: defaultAccessTTL,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Environment returns the trust zone this gate authenticates for.
func (g *Gate) Environment() secrets.Environment { return g.env }

// Authenticate resolves a raw bearer token to an Identity or a typed
// failure. Cryptographic checks run before any state lookup; a positive
// result requires both a valid signature and a live registry entry.
// Exactly one audit event is emitted per attempt.
func (g *Gate) Authenticate(ctx context.Context, rawToken string) (identity.Identity, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return identity.Identity{}, g.fail(ctx, ErrNoCredential, audit.Event{})
	}

	material, err := g.secrets.Get(g.env)
	if err != nil {
		return identity.Identity{}, g.fail(ctx, fmt.Errorf("%w: %v", ErrNotIssuedOrRevoked, err), audit.Event{})
	}

	claims, err := g.codec.Verify(rawToken, material)
	if err != nil {
		switch {
		case errors.Is(err, token.ErrExpired):
			// Cleanup-on-read: the registry record is garbage now.
			if claims.ID != "" {
				_ = g.registry.Purge(ctx, claims.ID)
			}
			return identity.Identity{}, g.fail(ctx, ErrExpired, audit.Event{SubjectID: claims.Subject, SystemID: claims.SystemID})
		case errors.Is(err, token.ErrBadSignature):
			return identity.Identity{}, g.fail(ctx, ErrBadSignature, audit.Event{})
		default:
			return identity.Identity{}, g.fail(ctx, ErrMalformed, audit.Event{})
		}
	}

	// The environment claim check is independent of signature verification:
	// a leaked secret must not let a qa token into production.
	if claims.Environment != string(g.env) {
		return identity.Identity{}, g.fail(ctx, ErrWrongEnvironment, audit.Event{SubjectID: claims.Subject, SystemID: claims.SystemID})
	}

	status, err := g.registry.Lookup(ctx, claims.ID)
	if err != nil {
		if !errors.Is(err, revocation.ErrNotFound) {
			// Infrastructure failure: deny, and log distinctly so operators
			// can tell an outage apart from an attack.
			obs.CountRegistryError()
			obs.LogInfra("revocation", "lookup failed, denying", map[string]any{
				"error": err.Error(),
			})
		}
		return identity.Identity{}, g.fail(ctx, ErrNotIssuedOrRevoked, audit.Event{SubjectID: claims.Subject, SystemID: claims.SystemID})
	}
	if status != revocation.StatusActive {
		return identity.Identity{}, g.fail(ctx, ErrNotIssuedOrRevoked, audit.Event{SubjectID: claims.Subject, SystemID: claims.SystemID})
	}

	id := claims.Identity()
	obs.CountAuthAttempt("success")
	g.sink.Emit(ctx, audit.Event{
		Type:      audit.EventAuthSuccess,
		SubjectID: id.SubjectID,
		SystemID:  id.SystemID,
	})
	return id, nil
}

// Login mints a token for an already-verified principal and registers it.
// The registry write is awaited: the token is only handed out once a
// subsequent lookup is guaranteed to see it. Primary credential checking
// (passwords, SSO) belongs to the external login collaborator.
func (g *Gate) Login(ctx context.Context, subjectID, systemID string, permissions []string, role string) (string, identity.Identity, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return "", identity.Identity{}, errors.New("gate: subject id is required")
	}
	material, err := g.secrets.Get(g.env)
	if err != nil {
		return "", identity.Identity{}, err
	}

	now := g.now().UTC()
	id := identity.Identity{
		SubjectID:   subjectID,
		SystemID:    strings.TrimSpace(systemID),
		Permissions: identity.NormalizePermissions(permissions),
		Role:        strings.TrimSpace(role),
		Environment: string(g.env),
		TokenID:     uuid.NewString(),
		IssuedAt:    now,
		ExpiresAt:   now.Add(g.accessTTL),
	}

	signed, err := g.codec.Issue(id, material.Current)
	if err != nil {
		return "", identity.Identity{}, err
	}
	if err := g.registry.Register(ctx, id.TokenID, id.SubjectID, g.accessTTL); err != nil {
		return "", identity.Identity{}, err
	}

	g.sink.Emit(ctx, audit.Event{
		Type:      audit.EventTokenIssued,
		SubjectID: id.SubjectID,
		SystemID:  id.SystemID,
		Metadata:  map[string]string{"token_id": id.TokenID},
	})
	return signed, id, nil
}

// Logout revokes the identity's token for the remainder of its natural
// lifetime. The tombstone, not deletion, is what blocks reuse of a
// not-yet-expired token. Idempotent.
func (g *Gate) Logout(ctx context.Context, id identity.Identity) error {
	remaining := id.ExpiresAt.Sub(g.now())
	if err := g.registry.Revoke(ctx, id.TokenID, remaining); err != nil {
		return err
	}
	g.sink.Emit(ctx, audit.Event{
		Type:      audit.EventTokenRevoked,
		SubjectID: id.SubjectID,
		SystemID:  id.SystemID,
		Metadata:  map[string]string{"token_id": id.TokenID},
	})
	return nil
}

func (g *Gate) fail(ctx context.Context, err error, e audit.Event) error {
	reason := FailureReason(err)
	obs.CountAuthAttempt(reason)
	e.Type = audit.EventAuthFailure
	e.Reason = reason
	g.sink.Emit(ctx, e)
	return err
}
