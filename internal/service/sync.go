package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/buildsafe/sitesync/internal/errs"
	"github.com/buildsafe/sitesync/internal/locker"
	"github.com/buildsafe/sitesync/internal/model"
	"github.com/buildsafe/sitesync/internal/repository"
)

const (
	identityLockName = "identity-sync"
	cursorKey        = "sync:last-run"

	// cursorTTL keeps the incremental cursor far longer than any sync cadence;
	// losing it only degrades to one full scan.
	cursorTTL = 30 * 24 * time.Hour
)

// Syncer orchestrates lock-guarded sync runs against the authoritative source.
type Syncer struct {
	rec   *Reconciler
	src   Source
	locks *locker.Locker
	kv    repository.KVRepository
	log   *zap.Logger
}

// NewSyncer constructs a Syncer.
func NewSyncer(rec *Reconciler, src Source, locks *locker.Locker, kv repository.KVRepository, log *zap.Logger) *Syncer {
	return &Syncer{rec: rec, src: src, locks: locks, kv: kv, log: log}
}

// IncrementalResult summarizes one incremental sync run.
type IncrementalResult struct {
	Fetched     int
	Stats       model.SyncStats
	Deactivated int
}

// Incremental performs one lock-guarded incremental sync: fetch records
// updated since the stored cursor, reconcile the active ones, deactivate the
// retired ones, then advance the cursor. A held lock returns
// errs.ErrLockContention and the caller skips this run.
func (s *Syncer) Incremental(ctx context.Context) (IncrementalResult, error) {
	acq, err := s.locks.Acquire(ctx, identityLockName, locker.DefaultTTL)
	if err != nil {
		return IncrementalResult{}, err
	}
	if !acq.Acquired {
		return IncrementalResult{}, fmt.Errorf("held by %s: %w", acq.Holder, errs.ErrLockContention)
	}
	defer s.locks.Release(ctx, identityLockName)

	since := s.loadCursor(ctx)
	records, err := s.src.GetUpdatedEmployees(ctx, since)
	if err != nil {
		// source unreachable: abort this run, mutate nothing
		return IncrementalResult{}, err
	}

	active, retired := splitByStatus(records)
	res := IncrementalResult{Fetched: len(records)}
	res.Stats = s.rec.ReconcileBatch(ctx, active)
	res.Deactivated, err = s.rec.DeactivateRetired(ctx, retired)
	if err != nil {
		return res, err
	}

	s.storeCursor(ctx, records, since)
	return res, nil
}

// FullSyncResult summarizes one bulk page sync.
type FullSyncResult struct {
	TotalSource int
	Offset      int
	Limit       int
	Processed   int
	Active      int
	Retired     int
	Stats       model.SyncStats
	Deactivated int
	HasMore     bool
	NextOffset  int
}

// FullSyncPage reconciles one page of the full source scan, for on-demand
// bulk sync bounded by execution-time limits.
func (s *Syncer) FullSyncPage(ctx context.Context, offset, limit int) (FullSyncResult, error) {
	if offset < 0 || limit <= 0 {
		return FullSyncResult{}, fmt.Errorf("bad offset/limit: %w", errs.ErrValidation)
	}
	records, total, err := s.src.GetAllEmployeesPaginated(ctx, offset, limit)
	if err != nil {
		return FullSyncResult{}, err
	}

	active, retired := splitByStatus(records)
	res := FullSyncResult{
		TotalSource: total,
		Offset:      offset,
		Limit:       limit,
		Processed:   len(records),
		Active:      len(active),
		Retired:     len(retired),
		NextOffset:  offset + len(records),
	}
	res.HasMore = res.NextOffset < total
	res.Stats = s.rec.ReconcileBatch(ctx, active)
	res.Deactivated, err = s.rec.DeactivateRetired(ctx, retired)
	return res, err
}

func splitByStatus(records []model.ExternalEmployee) (active []model.ExternalEmployee, retiredIDs []string) {
	for _, r := range records {
		if r.Active {
			active = append(active, r)
		} else {
			retiredIDs = append(retiredIDs, r.WorkerID)
		}
	}
	return active, retiredIDs
}

func (s *Syncer) loadCursor(ctx context.Context) *time.Time {
	raw, ok, err := s.kv.Get(ctx, cursorKey)
	if err != nil || !ok {
		if err != nil {
			s.log.Warn("cursor load failed, falling back to full scan", zap.Error(err))
		}
		return nil
	}
	var t time.Time
	if err := json.Unmarshal(raw, &t); err != nil {
		s.log.Warn("cursor unreadable, falling back to full scan", zap.Error(err))
		return nil
	}
	return &t
}

// storeCursor advances the cursor to the newest record seen. Failures are
// logged only: a stale cursor re-fetches some records, which reconciliation
// absorbs idempotently.
func (s *Syncer) storeCursor(ctx context.Context, records []model.ExternalEmployee, prev *time.Time) {
	next := time.Time{}
	if prev != nil {
		next = *prev
	}
	for _, r := range records {
		if r.UpdatedAt.After(next) {
			next = r.UpdatedAt
		}
	}
	if next.IsZero() {
		return
	}
	raw, err := json.Marshal(next)
	if err == nil {
		err = s.kv.Put(ctx, cursorKey, raw, cursorTTL)
	}
	if err != nil {
		s.log.Warn("cursor store failed", zap.Error(err))
	}
}
