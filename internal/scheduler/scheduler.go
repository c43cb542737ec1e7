// Package scheduler drives the periodic sync triggers.
package scheduler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/buildsafe/sitesync/internal/errs"
	"github.com/buildsafe/sitesync/internal/service"
)

// Scheduler runs the incremental identity sync and the export sync on
// independent cadences until the context is cancelled. Contended runs are
// skipped, never queued.
type Scheduler struct {
	syncer   *service.Syncer
	exporter *service.ExportSyncer

	incrementalEvery time.Duration
	exportEvery      time.Duration

	log *zap.Logger
}

// New constructs a Scheduler. Zero cadences fall back to defaults
// (5 minutes incremental, 30 minutes export).
func New(syncer *service.Syncer, exporter *service.ExportSyncer, incrementalEvery, exportEvery time.Duration, log *zap.Logger) *Scheduler {
	if incrementalEvery <= 0 {
		incrementalEvery = 5 * time.Minute
	}
	if exportEvery <= 0 {
		exportEvery = 30 * time.Minute
	}
	return &Scheduler{
		syncer:           syncer,
		exporter:         exporter,
		incrementalEvery: incrementalEvery,
		exportEvery:      exportEvery,
		log:              log,
	}
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	incremental := time.NewTicker(s.incrementalEvery)
	defer incremental.Stop()
	export := time.NewTicker(s.exportEvery)
	defer export.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-incremental.C:
			s.runIncremental(ctx)
		case <-export.C:
			s.runExport(ctx)
		}
	}
}

func (s *Scheduler) runIncremental(ctx context.Context) {
	res, err := s.syncer.Incremental(ctx)
	switch {
	case errors.Is(err, errs.ErrLockContention):
		s.log.Info("incremental sync already running, skipping")
	case errors.Is(err, errs.ErrConnectionFailure):
		s.log.Warn("source unreachable, will retry next tick", zap.Error(err))
	case err != nil:
		s.log.Error("incremental sync failed", zap.Error(err))
	default:
		s.log.Info("incremental sync done",
			zap.Int("fetched", res.Fetched),
			zap.Int("created", res.Stats.Created),
			zap.Int("updated", res.Stats.Updated),
			zap.Int("deactivated", res.Deactivated),
		)
	}
}

func (s *Scheduler) runExport(ctx context.Context) {
	if s.exporter == nil {
		return
	}
	_, _, err := s.exporter.Run(ctx)
	switch {
	case errors.Is(err, errs.ErrLockContention):
		s.log.Info("export sync already running, skipping")
	case err != nil:
		s.log.Warn("export sync failed, will retry next tick", zap.Error(err))
	}
}
