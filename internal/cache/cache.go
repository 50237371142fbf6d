// Package cache provides result caching, per-document leases and a raw
// pub/sub transport, each with an in-memory and a Redis implementation.
package cache

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrCacheMiss indicates a cache miss.
	ErrCacheMiss = errors.New("cache miss")
	// ErrLeaseHeld is returned when another owner holds the lease.
	ErrLeaseHeld = errors.New("lease held by another owner")
	// ErrLeaseLost is returned when releasing a lease that expired or was taken over.
	ErrLeaseLost = errors.New("lease lost")
)

// Client defines the cache interface.
type Client interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	DeleteByPrefix(ctx context.Context, prefix string) error
	Close() error
}

// Lease is an exclusive, expiring claim on a key.
type Lease struct {
	Key       string
	Token     string
	ExpiresAt time.Time
}

// Locker hands out exclusive leases. A lease that is never released expires
// after its TTL so a crashed owner cannot block the key forever.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error)
	Release(ctx context.Context, lease *Lease) error
	Held(ctx context.Context, key string) (bool, error)
}

// Key generates a cache key from components.
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}

// DocumentLeaseKey names the lease guarding a document's pages.
func DocumentLeaseKey(documentID string) string {
	return Key("lease", "document", documentID)
}

// SearchKey names a cached search result page. scope identifies the index
// the result was computed from, so processes sharing a cache never read
// each other's entries.
func SearchKey(scope string, generation uint64, query string, page, limit int) string {
	return Key("search", scope, strconv.FormatUint(generation, 10), strconv.Itoa(page), strconv.Itoa(limit), strings.ToLower(query))
}

// SearchPrefix is the common prefix of all cached search results.
const SearchPrefix = "search:"
