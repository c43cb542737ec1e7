package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// KVRepo implements KVRepository over a single TTL'd key-value table.
// Expired rows are treated as absent by every statement, so a crashed lock
// holder self-heals without a reaper.
type KVRepo struct{ db *DB }

// NewKVRepo constructs a key-value repository.
func NewKVRepo(db *DB) *KVRepo { return &KVRepo{db: db} }

// Get returns the unexpired value for key.
func (r *KVRepo) Get(ctx context.Context, key string) ([]byte, bool, error) {
	const q = `SELECT v FROM kv_store WHERE k=$1 AND expires_at > now()`
	var v []byte
	err := r.db.Pool.QueryRow(ctx, q, key).Scan(&v)
	switch {
	case err == nil:
		return v, true, nil
	case errors.Is(err, pgx.ErrNoRows):
		return nil, false, nil
	default:
		return nil, false, err
	}
}

// Put writes key unconditionally with the given TTL.
func (r *KVRepo) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	const q = `
INSERT INTO kv_store (k, v, expires_at)
VALUES ($1, $2, now() + $3::interval)
ON CONFLICT (k) DO UPDATE SET v=EXCLUDED.v, expires_at=EXCLUDED.expires_at`
	_, err := r.db.Pool.Exec(ctx, q, key, value, ttl.String())
	return err
}

// PutIfAbsent stores key only when no unexpired row exists. The conditional
// upsert is one statement, so two contending writers cannot both win.
func (r *KVRepo) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, []byte, error) {
	const q = `
INSERT INTO kv_store (k, v, expires_at)
VALUES ($1, $2, now() + $3::interval)
ON CONFLICT (k) DO UPDATE SET v=EXCLUDED.v, expires_at=EXCLUDED.expires_at
WHERE kv_store.expires_at <= now()
RETURNING v`
	var stored []byte
	err := r.db.Pool.QueryRow(ctx, q, key, value, ttl.String()).Scan(&stored)
	switch {
	case err == nil:
		return true, stored, nil
	case errors.Is(err, pgx.ErrNoRows):
		// lost to an unexpired holder; report its value
		cur, ok, gerr := r.Get(ctx, key)
		if gerr != nil {
			return false, nil, gerr
		}
		if !ok {
			// holder vanished between statements; caller may retry next tick
			return false, nil, nil
		}
		return false, cur, nil
	default:
		return false, nil, err
	}
}

// Delete removes key unconditionally.
func (r *KVRepo) Delete(ctx context.Context, key string) error {
	const q = `DELETE FROM kv_store WHERE k=$1`
	_, err := r.db.Pool.Exec(ctx, q, key)
	return err
}
