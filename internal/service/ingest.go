package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/buildsafe/sitesync/internal/errs"
	"github.com/buildsafe/sitesync/internal/model"
	"github.com/buildsafe/sitesync/internal/repository"
)

const (
	// idempotencyTTL is the retention window for cached batch responses.
	idempotencyTTL = time.Hour

	idemKeyPrefix = "idem:"

	sourceGateway = "gateway"
)

// checkin timestamps arrive as RFC3339 or the gateway's legacy layout.
var checkinLayouts = []string{time.RFC3339, "2006-01-02 15:04:05"}

// Ingestor accepts attendance batches from upstream gateways and persists
// each event exactly once, tolerant of at-least-once redelivery.
type Ingestor struct {
	ids    repository.IdentityRepository
	att    repository.AttendanceRepository
	kv     repository.KVRepository
	audit  repository.AuditRepository
	system string
	log    *zap.Logger
}

// NewIngestor constructs an Ingestor.
func NewIngestor(ids repository.IdentityRepository, att repository.AttendanceRepository, kv repository.KVRepository, audit repository.AuditRepository, system string, log *zap.Logger) *Ingestor {
	return &Ingestor{ids: ids, att: att, kv: kv, audit: audit, system: system, log: log}
}

// ParseCheckin parses an inbound checkin timestamp.
func ParseCheckin(s string) (time.Time, error) {
	for _, layout := range checkinLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable checkin time %q: %w", s, errs.ErrValidation)
}

// Ingest validates, deduplicates and persists one batch. With a known
// idempotency key the cached response is returned verbatim before any
// storage access.
func (s *Ingestor) Ingest(ctx context.Context, events []model.InboundEvent, idempotencyKey string) (*model.IngestResult, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("empty batch: %w", errs.ErrValidation)
	}

	if idempotencyKey != "" {
		if cached, ok, err := s.replay(ctx, idempotencyKey); err == nil && ok {
			return cached, nil
		} else if err != nil {
			s.log.Warn("idempotency replay lookup failed", zap.Error(err))
		}
	}

	res := &model.IngestResult{Results: make([]model.EventResult, len(events))}

	// parse and pre-classify; a malformed timestamp rejects the whole batch
	// before any side effect
	type parsed struct {
		ev   model.InboundEvent
		at   time.Time
		skip string // non-empty = terminal result code
	}
	items := make([]parsed, len(events))
	workerSet := map[string]struct{}{}
	for i, ev := range events {
		items[i].ev = ev
		if ev.WorkerID == "" {
			return nil, fmt.Errorf("event %d: empty worker id: %w", i, errs.ErrValidation)
		}
		at, err := ParseCheckin(ev.CheckinAt)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		items[i].at = at
		if ev.SiteID == "" {
			items[i].skip = model.ResultMissingSite
			continue
		}
		workerSet[ev.WorkerID] = struct{}{}
	}

	// resolve distinct worker ids in chunked lookups
	workerIDs := make([]string, 0, len(workerSet))
	for id := range workerSet {
		workerIDs = append(workerIDs, id)
	}
	resolved, err := s.ids.ResolveExternalIDs(ctx, s.system, workerIDs)
	if err != nil {
		return nil, fmt.Errorf("resolve workers: %w", err)
	}

	// prefetch existing dedup keys before any write
	var keys []model.EventKey
	for _, it := range items {
		if it.skip == "" {
			keys = append(keys, model.EventKey{
				ExternalWorkerID: it.ev.WorkerID, SiteID: it.ev.SiteID, CheckinAt: it.at,
			})
		}
	}
	existing, err := s.att.ExistingKeys(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("dedup lookup: %w", err)
	}

	var toInsert []*model.AttendanceEvent
	seen := map[model.EventKey]bool{}
	for i, it := range items {
		res.Processed++
		if it.skip != "" {
			res.Results[i] = model.EventResult{EventID: it.ev.EventID, Result: it.skip}
			res.Failed++
			continue
		}
		uid, ok := resolved[it.ev.WorkerID]
		if !ok {
			res.Results[i] = model.EventResult{EventID: it.ev.EventID, Result: model.ResultNotFound}
			res.Failed++
			continue
		}
		key := model.EventKey{ExternalWorkerID: it.ev.WorkerID, SiteID: it.ev.SiteID, CheckinAt: it.at}
		if existing[key] || seen[key] {
			res.Results[i] = model.EventResult{EventID: it.ev.EventID, Result: model.ResultDuplicate}
			res.Skipped++
			continue
		}
		seen[key] = true

		rowID, err := uuid.NewV4()
		if err != nil {
			return nil, err
		}
		userID := uid
		toInsert = append(toInsert, &model.AttendanceEvent{
			ID:               rowID,
			ExternalEventID:  it.ev.EventID,
			ExternalWorkerID: it.ev.WorkerID,
			UserID:           &userID,
			SiteID:           it.ev.SiteID,
			CheckinAt:        it.at,
			Result:           model.ResultSuccess,
			Source:           sourceGateway,
		})
		res.Results[i] = model.EventResult{EventID: it.ev.EventID, Result: model.ResultSuccess}
	}

	// chunked atomic insert; a write-time unique conflict is an idempotent no-op
	inserted, err := s.att.InsertBatch(ctx, toInsert)
	if err != nil {
		// earlier chunks are committed; counts reflect exactly that, and the
		// whole call is safe to retry
		res.Inserted = inserted
		return res, fmt.Errorf("insert batch after %d rows: %w", inserted, err)
	}
	res.Inserted = inserted

	s.auditBatch(ctx, res)

	if idempotencyKey != "" {
		s.remember(ctx, idempotencyKey, res)
	}
	return res, nil
}

func (s *Ingestor) replay(ctx context.Context, key string) (*model.IngestResult, bool, error) {
	raw, ok, err := s.kv.Get(ctx, idemKeyPrefix+key)
	if err != nil || !ok {
		return nil, false, err
	}
	var cached model.IngestResult
	if err := json.Unmarshal(raw, &cached); err != nil {
		return nil, false, err
	}
	return &cached, true, nil
}

func (s *Ingestor) remember(ctx context.Context, key string, res *model.IngestResult) {
	raw, err := json.Marshal(res)
	if err == nil {
		err = s.kv.Put(ctx, idemKeyPrefix+key, raw, idempotencyTTL)
	}
	if err != nil {
		s.log.Warn("idempotency cache write failed", zap.Error(err))
		res.Warnings = append(res.Warnings, "idempotency cache write failed")
	}
}

// auditBatch records the batch summary. Failure degrades to a warning on the
// response; it never fails ingestion.
func (s *Ingestor) auditBatch(ctx context.Context, res *model.IngestResult) {
	err := s.audit.Insert(ctx, "attendance_ingest", map[string]any{
		"processed": res.Processed,
		"inserted":  res.Inserted,
		"skipped":   res.Skipped,
		"failed":    res.Failed,
	})
	if err != nil {
		s.log.Warn("audit write failed", zap.Error(err))
		res.Warnings = append(res.Warnings, "audit record not written")
	}
}
