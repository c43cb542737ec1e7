package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/buildsafe/sitesync/internal/model"
)

// AttendanceRepo implements AttendanceRepository using PostgreSQL.
type AttendanceRepo struct{ db *DB }

// NewAttendanceRepo constructs an attendance repository.
func NewAttendanceRepo(db *DB) *AttendanceRepo { return &AttendanceRepo{db: db} }

// ExistingKeys reports which dedup keys already have a persisted row.
// Keys are probed in chunks via unnest over three parallel arrays.
func (r *AttendanceRepo) ExistingKeys(ctx context.Context, keys []model.EventKey) (map[model.EventKey]bool, error) {
	const q = `
SELECT a.external_worker_id, a.site_id, a.checkin_at
FROM attendance_events a
JOIN unnest($1::text[], $2::text[], $3::timestamptz[]) AS k(worker_id, site_id, checkin_at)
  ON a.external_worker_id = k.worker_id
 AND a.site_id = k.site_id
 AND a.checkin_at = k.checkin_at`
	out := make(map[model.EventKey]bool, len(keys))
	for _, ks := range chunk(keys, LookupChunkSize) {
		workers := make([]string, len(ks))
		sites := make([]string, len(ks))
		times := make([]any, len(ks))
		for i, k := range ks {
			workers[i] = k.ExternalWorkerID
			sites[i] = k.SiteID
			times[i] = k.CheckinAt
		}
		rows, err := r.db.Pool.Query(ctx, q, workers, sites, times)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var k model.EventKey
			if err := rows.Scan(&k.ExternalWorkerID, &k.SiteID, &k.CheckinAt); err != nil {
				rows.Close()
				return nil, err
			}
			k.CheckinAt = k.CheckinAt.UTC()
			out[k] = true
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// InsertBatch writes events in chunked atomic groups. The unique constraint on
// (external_worker_id, site_id, checkin_at) turns a write race into a no-op
// via ON CONFLICT DO NOTHING.
func (r *AttendanceRepo) InsertBatch(ctx context.Context, events []*model.AttendanceEvent) (inserted int, err error) {
	const q = `
INSERT INTO attendance_events
  (id, external_event_id, external_worker_id, user_id, site_id, checkin_at, result, source)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (external_worker_id, site_id, checkin_at) DO NOTHING`
	for _, evs := range chunk(events, WriteChunkSize) {
		tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return inserted, err
		}
		n := 0
		for _, ev := range evs {
			tag, err := tx.Exec(ctx, q,
				ev.ID, ev.ExternalEventID, ev.ExternalWorkerID, ev.UserID,
				ev.SiteID, ev.CheckinAt, ev.Result, ev.Source,
			)
			if err != nil {
				_ = tx.Rollback(ctx)
				return inserted, err
			}
			n += int(tag.RowsAffected())
		}
		if err := tx.Commit(ctx); err != nil {
			return inserted, err
		}
		inserted += n
	}
	return inserted, nil
}
