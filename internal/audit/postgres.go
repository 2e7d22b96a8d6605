package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"authgate.dev/internal/obs"
)

// PGStore appends events to an append-only audit_events table.
type PGStore struct {
	db *sql.DB
}

// NewPGStore wraps an open database handle.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

// Append inserts one event row.
func (s *PGStore) Append(ctx context.Context, e Event) error {
	meta, _ := json.Marshal(e.Metadata)
	_, err := s.db.ExecContext(ctx, `
		insert into audit_events(id, occurred_at, event_type, request_id, subject_id, system_id, ip, path, reason, metadata)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, e.ID, e.Timestamp, string(e.Type), e.RequestID, e.SubjectID, e.SystemID, e.IP, e.Path, e.Reason, meta)
	return err
}

// Handler adapts the store into a sink handler. Persistence failures are
// logged as infrastructure events and otherwise swallowed: the audit trail
// is best-effort by contract.
func (s *PGStore) Handler() Handler {
	return func(e Event) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Append(ctx, e); err != nil {
			obs.LogInfra("audit", "append failed", map[string]any{
				"event_id": e.ID,
				"error":    err.Error(),
			})
		}
	}
}
