// Package locker provides distributed mutual exclusion for sync runs.
//
// The lock is advisory: data integrity comes from idempotent writes, the lock
// only prevents wasted duplicate work. Acquisition is a single conditional
// write against the durable key-value store, and every record carries a TTL so
// a crashed holder self-heals without intervention.
package locker

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/buildsafe/sitesync/internal/repository"
)

// DefaultTTL bounds how long a crashed holder can block the next run.
const DefaultTTL = 5 * time.Minute

const keyPrefix = "lock:"

// Acquisition is the result of an acquire attempt. When Acquired is false,
// Holder identifies the current owner.
type Acquisition struct {
	Acquired bool
	Holder   string
}

// Locker acquires and releases named sync locks.
type Locker struct {
	kv  repository.KVRepository
	log *zap.Logger
}

// New constructs a Locker.
func New(kv repository.KVRepository, log *zap.Logger) *Locker {
	return &Locker{kv: kv, log: log}
}

// Acquire attempts to take the named lock for ttl. It never waits: on
// contention it returns Acquired=false with the current holder token.
func (l *Locker) Acquire(ctx context.Context, name string, ttl time.Duration) (Acquisition, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	nonce, err := uuid.NewV4()
	if err != nil {
		return Acquisition{}, err
	}
	holder := fmt.Sprintf("%s@%d#%s", name, time.Now().UnixNano(), nonce)

	stored, current, err := l.kv.PutIfAbsent(ctx, keyPrefix+name, []byte(holder), ttl)
	if err != nil {
		return Acquisition{}, err
	}
	if !stored {
		return Acquisition{Acquired: false, Holder: string(current)}, nil
	}
	return Acquisition{Acquired: true, Holder: holder}, nil
}

// Release deletes the named lock. A failed delete is logged, never propagated:
// a stale record expires via TTL on its own.
func (l *Locker) Release(ctx context.Context, name string) {
	if err := l.kv.Delete(ctx, keyPrefix+name); err != nil {
		l.log.Warn("lock release failed, relying on TTL expiry",
			zap.String("lock", name), zap.Error(err))
	}
}
