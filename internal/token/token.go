// Package token creates and verifies the signed bearer credential. The codec
// is pure computation: no registry state is consulted here.
package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"authgate.dev/internal/identity"
	"authgate.dev/internal/secrets"
)

const defaultIssuer = "authgate"

// Verification failures are distinct outcomes so callers can log precisely
// and, for ErrExpired, purge the matching revocation record.
var (
	ErrMalformed    = errors.New("token: malformed")
	ErrBadSignature = errors.New("token: bad signature")
	ErrExpired      = errors.New("token: expired")
)

// Claims is the signed claim set carried by every token. It holds exactly
// the identity fields and nothing else; unsigned request metadata never
// participates in identity.
type Claims struct {
	SystemID    string   `json:"sys,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	Role        string   `json:"role,omitempty"`
	Environment string   `json:"env"`
	jwt.RegisteredClaims
}

// Identity projects the verified claims into an immutable Identity value.
func (c Claims) Identity() identity.Identity {
	id := identity.Identity{
		SubjectID:   c.Subject,
		SystemID:    c.SystemID,
		Permissions: append([]string(nil), c.Permissions...),
		Role:        c.Role,
		Environment: c.Environment,
		TokenID:     c.ID,
	}
	if c.IssuedAt != nil {
		id.IssuedAt = c.IssuedAt.Time
	}
	if c.ExpiresAt != nil {
		id.ExpiresAt = c.ExpiresAt.Time
	}
	return id
}

// Codec signs and verifies HS256 tokens.
type Codec struct {
	issuer string
	now    func() time.Time
}

// Option configures Codec behavior.
type Option func(*Codec)

// WithIssuer overrides the issuer claim.
func WithIssuer(issuer string) Option {
	return func(c *Codec) {
		if strings.TrimSpace(issuer) != "" {
			c.issuer = strings.TrimSpace(issuer)
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(c *Codec) {
		if fn != nil {
			c.now = fn
		}
	}
}

// NewCodec constructs a Codec.
func NewCodec(opts ...Option) *Codec {
	c := &Codec{issuer: defaultIssuer, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Issue signs a token for the given identity. Expiry is structurally
// mandatory: an identity without a finite ExpiresAt is refused, it is not an
// option callers can omit.
func (c *Codec) Issue(id identity.Identity, secret []byte) (string, error) {
	if strings.TrimSpace(id.SubjectID) == "" {
		return "", errors.New("token: subject is required")
	}
	if strings.TrimSpace(id.Environment) == "" {
		return "", errors.New("token: environment is required")
	}
	if strings.TrimSpace(id.TokenID) == "" {
		return "", errors.New("token: token id is required")
	}
	if id.ExpiresAt.IsZero() || !id.ExpiresAt.After(c.now()) {
		return "", errors.New("token: a finite future expiry is required")
	}
	if len(secret) == 0 {
		return "", errors.New("token: signing secret is required")
	}

	issuedAt := id.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = c.now().UTC()
	}
	claims := Claims{
		SystemID:    id.SystemID,
		Permissions: identity.NormalizePermissions(id.Permissions),
		Role:        strings.TrimSpace(id.Role),
		Environment: id.Environment,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   id.SubjectID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(id.ExpiresAt),
			ID:        id.TokenID,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("token: sign: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and expiry of a raw token against the
// environment's signing material. During a rotation window the previous
// secret is tried when the current one rejects the signature. On ErrExpired
// the parsed claims are still returned so callers can purge the matching
// registry record.
func (c *Codec) Verify(raw string, m secrets.Material) (Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Claims{}, ErrMalformed
	}
	claims, err := c.verifyWith(raw, m.Current)
	if errors.Is(err, ErrBadSignature) && m.Previous != nil {
		claims, err = c.verifyWith(raw, m.Previous)
	}
	return claims, err
}

func (c *Codec) verifyWith(raw string, secret []byte) (Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	var claims Claims
	parsed, err := parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return secret, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenSignatureInvalid),
			errors.Is(err, jwt.ErrTokenUnverifiable):
			return Claims{}, ErrBadSignature
		case errors.Is(err, jwt.ErrTokenExpired):
			// Signature already checked; keep the claims for cleanup-on-read.
			return claims, ErrExpired
		default:
			return Claims{}, ErrMalformed
		}
	}
	if parsed == nil || !parsed.Valid {
		return Claims{}, ErrBadSignature
	}
	if err := validateClaims(&claims, c.issuer); err != nil {
		return Claims{}, err
	}
	return claims, nil
}

func validateClaims(claims *Claims, issuer string) error {
	if claims.Issuer != issuer {
		return ErrBadSignature
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return ErrMalformed
	}
	if strings.TrimSpace(claims.Environment) == "" {
		return ErrMalformed
	}
	if strings.TrimSpace(claims.ID) == "" {
		return ErrMalformed
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return ErrMalformed
	}
	if claims.ExpiresAt.Time.Before(claims.IssuedAt.Time) {
		return ErrMalformed
	}
	return nil
}
