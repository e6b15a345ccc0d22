// Package kv is the shared key-value store behind rate counters, budget
// reservations, spend totals and bans. Every mutation is a single atomic
// store operation; nothing here relies on in-process locking for
// cross-instance correctness.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned when the backing store cannot be reached.
var ErrUnavailable = errors.New("kv: store unavailable")

// Store is the set of atomic primitives the guards are built on.
type Store interface {
	// IncrWithExpiry increments key and, only when the key had no expiry
	// yet, sets it to ttl. Returns the new count.
	IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// IncrByFloatWithExpiry atomically adds delta to a float counter and
	// sets ttl if the key had none.
	IncrByFloatWithExpiry(ctx context.Context, key string, delta float64, ttl time.Duration) (float64, error)

	// TTL returns the remaining lifetime of key. Zero when the key is
	// missing or has no expiry.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Get returns the raw value stored at key and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set writes value with the given ttl (0 means no expiry).
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Del removes keys and returns how many existed.
	Del(ctx context.Context, keys ...string) (int64, error)

	// PushTrimmed prepends value to the list at key, trims it to maxLen
	// entries and refreshes its ttl.
	PushTrimmed(ctx context.Context, key, value string, maxLen int64, ttl time.Duration) error

	// Range returns every element of the list at key, newest first.
	Range(ctx context.Context, key string) ([]string, error)

	// CountPrefix counts live keys beginning with prefix.
	CountPrefix(ctx context.Context, prefix string) (int64, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error
}
