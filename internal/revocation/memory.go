package revocation

import (
	"context"
	"sync"
	"time"
)

var _ Registry = (*MemRegistry)(nil)

// MemRegistry keeps records in process memory. It exists for tests and
// single-node development only: production deployments must use an external
// store so revocation truth survives restarts.
type MemRegistry struct {
	mu      sync.Mutex
	records map[string]memRecord
	now     func() time.Time
}

type memRecord struct {
	status    Status
	expiresAt time.Time
}

// NewMem constructs an empty in-memory registry.
func NewMem() *MemRegistry {
	return &MemRegistry{
		records: make(map[string]memRecord),
		now:     time.Now,
	}
}

// SetClock overrides the time source (useful for tests).
func (m *MemRegistry) SetClock(fn func() time.Time) {
	if fn != nil {
		m.now = fn
	}
}

func (m *MemRegistry) Register(ctx context.Context, tokenID, subjectID string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[tokenID]; ok {
		return nil
	}
	m.records[tokenID] = memRecord{status: StatusActive, expiresAt: m.now().Add(ttl)}
	return nil
}

func (m *MemRegistry) Lookup(ctx context.Context, tokenID string) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[tokenID]
	if !ok || !rec.expiresAt.After(m.now()) {
		return "", ErrNotFound
	}
	return rec.status, nil
}

func (m *MemRegistry) Revoke(ctx context.Context, tokenID string, remaining time.Duration) error {
	if remaining < 0 {
		remaining = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[tokenID]; ok && rec.status == StatusLoggedOut {
		return nil
	}
	m.records[tokenID] = memRecord{status: StatusLoggedOut, expiresAt: m.now().Add(remaining)}
	return nil
}

func (m *MemRegistry) Purge(ctx context.Context, tokenID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, tokenID)
	return nil
}
