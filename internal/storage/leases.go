package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/spherical-ai/docsearch/internal/cache"
)

// LeaseRepository implements cache.Locker on the leases table, so every
// process sharing the database sees the same document leases.
type LeaseRepository struct {
	db  DB
	now func() time.Time
}

// NewLeaseRepository creates a new lease repository.
func NewLeaseRepository(db DB) *LeaseRepository {
	return &LeaseRepository{db: db, now: time.Now}
}

var _ cache.Locker = (*LeaseRepository)(nil)

// Acquire inserts the lease or takes over an expired one. An unexpired
// lease owned by someone else yields cache.ErrLeaseHeld.
func (r *LeaseRepository) Acquire(ctx context.Context, key string, ttl time.Duration) (*cache.Lease, error) {
	now := r.now()
	lease := &cache.Lease{Key: key, Token: uuid.NewString(), ExpiresAt: now.Add(ttl)}

	result, err := r.db.ExecContext(ctx, `
		INSERT INTO leases (lease_key, token, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (lease_key) DO UPDATE
		SET token = excluded.token, expires_at = excluded.expires_at
		WHERE leases.expires_at <= $4
	`, key, lease.Token, lease.ExpiresAt.UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, err
	}
	if n, err := result.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		return nil, cache.ErrLeaseHeld
	}
	return lease, nil
}

// Release deletes the lease if the caller still owns it.
func (r *LeaseRepository) Release(ctx context.Context, lease *cache.Lease) error {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM leases WHERE lease_key = $1 AND token = $2
	`, lease.Key, lease.Token)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return cache.ErrLeaseLost
	}
	return nil
}

// Held reports whether an unexpired lease exists for key.
func (r *LeaseRepository) Held(ctx context.Context, key string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM leases WHERE lease_key = $1 AND expires_at > $2
	`, key, r.now().UnixMilli()).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
