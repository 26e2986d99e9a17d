// Package kv abstracts the distributed keyed store backing the dedup cache,
// the idempotency ledger, and the override-revert markers. The only operation
// the pipeline requires to be atomic is SetNX.
package kv

import (
	"context"
	"time"
)

type Store interface {
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set writes the value with a per-key TTL, overwriting any existing entry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX writes only if the key is absent. Returns true when this caller
	// won the write.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
}
