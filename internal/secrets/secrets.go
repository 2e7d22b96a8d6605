// Package secrets holds per-environment token signing material and enforces
// the strength policy on it at startup.
package secrets

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"unicode"
)

const (
	envVarPrefix      = "AUTHGATE_SECRET_"
	previousSuffix    = "_PREVIOUS"
	minSecretLength   = 32
	maxDistinctRunLen = 4
)

// Environment is a trust zone with its own signing secret. Tokens never
// cross environments.
type Environment string

const (
	Development Environment = "development"
	QA          Environment = "qa"
	Production  Environment = "production"
)

// ErrConfiguration marks secret misconfiguration. It is startup-fatal: the
// process must refuse to come up rather than run with weak or shared keys.
var ErrConfiguration = errors.New("secrets: invalid configuration")

// Material is the signing key pair for one environment. Previous is non-nil
// only during a rotation window; issuance always uses Current, verification
// tries Current first and falls back to Previous.
type Material struct {
	Current  []byte
	Previous []byte
}

// Store maps environments to validated signing material.
type Store struct {
	byEnv map[Environment]Material
}

// denylist of substrings that indicate a guessable secret regardless of
// length. Matched case-insensitively.
var weakSubstrings = []string{
	"secret", "password", "changeme", "default", "example",
	"qwerty", "letmein", "insecure", "test-key",
}

// New validates the supplied material and constructs a Store. Every
// environment's current secret must pass the strength policy and must be
// distinct from every other environment's current secret.
func New(material map[Environment]Material) (*Store, error) {
	if len(material) == 0 {
		return nil, fmt.Errorf("%w: no environments configured", ErrConfiguration)
	}
	for env, m := range material {
		if err := validateStrength(m.Current); err != nil {
			return nil, fmt.Errorf("%w: environment %q: %v", ErrConfiguration, env, err)
		}
		if m.Previous != nil {
			if err := validateStrength(m.Previous); err != nil {
				return nil, fmt.Errorf("%w: environment %q (previous): %v", ErrConfiguration, env, err)
			}
		}
	}
	// Cross-environment equality is a hard failure, never a warning.
	envs := make([]Environment, 0, len(material))
	for env := range material {
		envs = append(envs, env)
	}
	sort.Slice(envs, func(i, j int) bool { return envs[i] < envs[j] })
	for i := 0; i < len(envs); i++ {
		for j := i + 1; j < len(envs); j++ {
			a, b := material[envs[i]].Current, material[envs[j]].Current
			if len(a) == len(b) && subtle.ConstantTimeCompare(a, b) == 1 {
				return nil, fmt.Errorf("%w: environments %q and %q share a signing secret",
					ErrConfiguration, envs[i], envs[j])
			}
		}
	}
	byEnv := make(map[Environment]Material, len(material))
	for env, m := range material {
		byEnv[env] = m
	}
	return &Store{byEnv: byEnv}, nil
}

// FromEnv builds a Store from AUTHGATE_SECRET_<ENVIRONMENT> variables for the
// given environments. AUTHGATE_SECRET_<ENVIRONMENT>_PREVIOUS, when set, opens
// a rotation window for in-flight tokens signed with the prior secret.
func FromEnv(environments ...Environment) (*Store, error) {
	if len(environments) == 0 {
		return nil, fmt.Errorf("%w: no environments requested", ErrConfiguration)
	}
	material := make(map[Environment]Material, len(environments))
	for _, env := range environments {
		name := envVarPrefix + strings.ToUpper(string(env))
		raw := strings.TrimSpace(os.Getenv(name))
		if raw == "" {
			return nil, fmt.Errorf("%w: %s is not set", ErrConfiguration, name)
		}
		m := Material{Current: []byte(raw)}
		if prev := strings.TrimSpace(os.Getenv(name + previousSuffix)); prev != "" {
			m.Previous = []byte(prev)
		}
		material[env] = m
	}
	return New(material)
}

// Get returns the signing material for env. A missing environment is a
// configuration error, not an authentication failure.
func (s *Store) Get(env Environment) (Material, error) {
	m, ok := s.byEnv[env]
	if !ok {
		return Material{}, fmt.Errorf("%w: no secret for environment %q", ErrConfiguration, env)
	}
	return m, nil
}

// Environments lists the configured environments in stable order.
func (s *Store) Environments() []Environment {
	envs := make([]Environment, 0, len(s.byEnv))
	for env := range s.byEnv {
		envs = append(envs, env)
	}
	sort.Slice(envs, func(i, j int) bool { return envs[i] < envs[j] })
	return envs
}

func validateStrength(secret []byte) error {
	if len(secret) < minSecretLength {
		return fmt.Errorf("secret is %d bytes, need at least %d", len(secret), minSecretLength)
	}
	lowered := strings.ToLower(string(secret))
	for _, weak := range weakSubstrings {
		if strings.Contains(lowered, weak) {
			return fmt.Errorf("secret contains a denylisted pattern %q", weak)
		}
	}
	if allDigits(secret) {
		return errors.New("secret is a numeric run")
	}
	if distinctBytes(secret) <= maxDistinctRunLen {
		return errors.New("secret has too few distinct characters")
	}
	return nil
}

func allDigits(secret []byte) bool {
	for _, b := range secret {
		if !unicode.IsDigit(rune(b)) {
			return false
		}
	}
	return true
}

func distinctBytes(secret []byte) int {
	seen := make(map[byte]struct{}, len(secret))
	for _, b := range secret {
		seen[b] = struct{}{}
	}
	return len(seen)
}
