package revocation

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var _ Registry = (*PGRegistry)(nil)

// PGRegistry implements Registry on PostgreSQL. TTL is realized as an
// expires_at column: reads treat expired rows as absent and Sweep deletes
// them in the background.
type PGRegistry struct {
	db  *sql.DB
	now func() time.Time
}

// PGOption configures PGRegistry.
type PGOption func(*PGRegistry)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) PGOption {
	return func(r *PGRegistry) {
		if fn != nil {
			r.now = fn
		}
	}
}

// NewPG wraps an open database handle.
func NewPG(db *sql.DB, opts ...PGOption) *PGRegistry {
	r := &PGRegistry{db: db, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Open connects to PostgreSQL and returns a registry over the connection.
func Open(dsn string, opts ...PGOption) (*PGRegistry, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("revocation: open: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(15 * time.Minute)
	return NewPG(db, opts...), nil
}

// Close releases the underlying connection pool.
func (r *PGRegistry) Close() error { return r.db.Close() }

// DB exposes the handle for readiness probes.
func (r *PGRegistry) DB() *sql.DB { return r.db }

func (r *PGRegistry) Register(ctx context.Context, tokenID, subjectID string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("revocation: ttl must be positive")
	}
	now := r.now().UTC()
	_, err := r.db.ExecContext(ctx, `
		insert into revocation_records(token_id, subject_id, status, issued_at, expires_at)
		values ($1, $2, $3, $4, $5)
		on conflict (token_id) do nothing
	`, tokenID, subjectID, StatusActive, now, now.Add(ttl))
	if err != nil {
		return fmt.Errorf("%w: register: %v", ErrUnavailable, err)
	}
	return nil
}

func (r *PGRegistry) Lookup(ctx context.Context, tokenID string) (Status, error) {
	row := r.db.QueryRowContext(ctx, `
		select status, expires_at from revocation_records where token_id = $1
	`, tokenID)
	var (
		status    Status
		expiresAt time.Time
	)
	if err := row.Scan(&status, &expiresAt); err != nil {
		if err == sql.ErrNoRows {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("%w: lookup: %v", ErrUnavailable, err)
	}
	if !expiresAt.After(r.now().UTC()) {
		// TTL elapsed; the row is garbage awaiting a sweep.
		return "", ErrNotFound
	}
	return status, nil
}

func (r *PGRegistry) Revoke(ctx context.Context, tokenID string, remaining time.Duration) error {
	if remaining < 0 {
		remaining = 0
	}
	now := r.now().UTC()
	// The status guard makes a repeated revoke a no-op: the tombstone's TTL
	// is never extended by a retry.
	_, err := r.db.ExecContext(ctx, `
		insert into revocation_records(token_id, subject_id, status, issued_at, expires_at)
		values ($1, '', $2, $3, $4)
		on conflict (token_id) do update
		set status = excluded.status, expires_at = excluded.expires_at
		where revocation_records.status <> $2
	`, tokenID, StatusLoggedOut, now, now.Add(remaining))
	if err != nil {
		return fmt.Errorf("%w: revoke: %v", ErrUnavailable, err)
	}
	return nil
}

func (r *PGRegistry) Purge(ctx context.Context, tokenID string) error {
	if _, err := r.db.ExecContext(ctx, `
		delete from revocation_records where token_id = $1
	`, tokenID); err != nil {
		return fmt.Errorf("%w: purge: %v", ErrUnavailable, err)
	}
	return nil
}

// Sweep deletes rows whose TTL elapsed and returns how many were removed.
// Intended to run on a ticker; losing a race with Purge is harmless.
func (r *PGRegistry) Sweep(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		delete from revocation_records where expires_at <= $1
	`, r.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("%w: sweep: %v", ErrUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}
