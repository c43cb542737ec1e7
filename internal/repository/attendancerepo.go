package repository

import (
	"context"

	"github.com/buildsafe/sitesync/internal/model"
)

// AttendanceRepository persists attendance events exactly once.
type AttendanceRepository interface {
	// ExistingKeys reports which of the given dedup keys already have a row,
	// fetched in chunked lookups before any write. The result maps the
	// canonical key encoding (see model.EventKey) to presence.
	ExistingKeys(ctx context.Context, keys []model.EventKey) (map[model.EventKey]bool, error)

	// InsertBatch writes events in chunked atomic groups. A unique-key
	// conflict inside a chunk is an idempotent no-op, not an error.
	// Returns the number of rows actually inserted.
	InsertBatch(ctx context.Context, events []*model.AttendanceEvent) (int, error)
}

// AuditRepository records best-effort audit entries. Failures are surfaced as
// warnings by callers, never as request failures.
type AuditRepository interface {
	Insert(ctx context.Context, action string, detail map[string]any) error
}
