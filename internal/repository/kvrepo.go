package repository

import (
	"context"
	"time"
)

// KVRepository is a durable key-value store with per-row TTL. It backs
// everything that must stay correct across isolated invocations: sync locks,
// the ingestion idempotency cache and the incremental-sync cursor.
// Expired rows are treated as absent by every reader.
type KVRepository interface {
	// Get returns the unexpired value for key, or ok=false.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Put writes key unconditionally with the given TTL.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// PutIfAbsent writes key only if no unexpired row exists. On contention it
	// returns stored=false together with the current value. The write is a
	// single conditional statement, not check-then-act.
	PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (stored bool, current []byte, err error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
