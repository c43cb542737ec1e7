package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/buildsafe/sitesync/internal/errs"
	"github.com/buildsafe/sitesync/internal/locker"
	"github.com/buildsafe/sitesync/internal/model"
	"github.com/buildsafe/sitesync/internal/piicrypto"
	"github.com/buildsafe/sitesync/internal/repository"
)

const exportLockName = "export-sync"

// ExportFetcher retrieves the lower-trust photo-export snapshot.
type ExportFetcher interface {
	Fetch(ctx context.Context) (*model.ExportDocument, error)
}

// HTTPExportFetcher reads the snapshot JSON from object storage over HTTP.
type HTTPExportFetcher struct {
	URL    string
	Client *http.Client
}

// Fetch downloads and decodes the export document.
func (f *HTTPExportFetcher) Fetch(ctx context.Context) (*model.ExportDocument, error) {
	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrConnectionFailure, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("export fetch: status %d", resp.StatusCode)
	}
	var doc model.ExportDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode export document: %w", err)
	}
	return &doc, nil
}

// ExportSyncer applies the photo-export snapshot through the low-trust path:
// it may create placeholder-hash identities and refresh their labels, but it
// never downgrades a record that already carries real PII.
type ExportSyncer struct {
	ids     repository.IdentityRepository
	fetcher ExportFetcher
	locks   *locker.Locker
	system  string
	log     *zap.Logger
}

// NewExportSyncer constructs an ExportSyncer.
func NewExportSyncer(ids repository.IdentityRepository, fetcher ExportFetcher, locks *locker.Locker, system string, log *zap.Logger) *ExportSyncer {
	return &ExportSyncer{ids: ids, fetcher: fetcher, locks: locks, system: system, log: log}
}

// Run performs one lock-guarded export sync. A held lock returns
// errs.ErrLockContention; the caller skips this run.
func (s *ExportSyncer) Run(ctx context.Context) (model.SyncStats, int, error) {
	acq, err := s.locks.Acquire(ctx, exportLockName, locker.DefaultTTL)
	if err != nil {
		return model.SyncStats{}, 0, err
	}
	if !acq.Acquired {
		return model.SyncStats{}, 0, fmt.Errorf("held by %s: %w", acq.Holder, errs.ErrLockContention)
	}
	defer s.locks.Release(ctx, exportLockName)

	doc, err := s.fetcher.Fetch(ctx)
	if err != nil {
		return model.SyncStats{}, 0, err
	}

	stats := model.SyncStats{Errors: []string{}}
	present := make(map[string]struct{}, len(doc.Employees))
	for _, emp := range doc.Employees {
		if emp.WorkerID == "" {
			stats.Skipped++
			continue
		}
		present[emp.WorkerID] = struct{}{}
		created, updated, err := s.applyOne(ctx, emp)
		switch {
		case err != nil:
			stats.Errors = append(stats.Errors, fmt.Sprintf("%s: %v", emp.WorkerID, err))
		case created:
			stats.Created++
		case updated:
			stats.Updated++
		default:
			stats.Skipped++
		}
	}

	// retire export-born placeholders that vanished from the snapshot;
	// authoritative-born records are never touched here
	deactivated, err := s.deactivateMissing(ctx, present)
	if err != nil {
		stats.Errors = append(stats.Errors, fmt.Sprintf("deactivate: %v", err))
	}

	s.log.Info("export sync",
		zap.Int("created", stats.Created),
		zap.Int("updated", stats.Updated),
		zap.Int("skipped", stats.Skipped),
		zap.Int("deactivated", deactivated),
		zap.Int("errors", len(stats.Errors)),
	)
	return stats, deactivated, nil
}

func (s *ExportSyncer) applyOne(ctx context.Context, emp model.ExportEmployee) (created, updated bool, err error) {
	existing, err := s.ids.GetByExternalID(ctx, s.system, emp.WorkerID)
	switch {
	case err == nil:
		if !piicrypto.IsPlaceholder(existing.PhoneHash) {
			// authoritative record wins; the low-trust feed changes nothing
			return false, false, nil
		}
		existing.Name = emp.Name
		existing.MaskedName = MaskName(emp.Name)
		existing.Company = emp.Company
		existing.Trade = emp.Trade
		if err := s.ids.UpdateSourcedFields(ctx, existing); err != nil {
			return false, false, err
		}
		return false, true, nil

	case errors.Is(err, errs.ErrNotFound):
		uid, err := uuid.NewV4()
		if err != nil {
			return false, false, err
		}
		id := &model.Identity{
			ID:               uid,
			ExternalSystem:   s.system,
			ExternalWorkerID: emp.WorkerID,
			Name:             emp.Name,
			MaskedName:       MaskName(emp.Name),
			PhoneHash:        piicrypto.Placeholder(emp.WorkerID),
			Company:          emp.Company,
			Trade:            emp.Trade,
			Role:             model.RoleWorker,
		}
		if err := s.ids.Insert(ctx, id); err != nil {
			if errors.Is(err, errs.ErrAlreadyExists) {
				// concurrent creation; converge on the update path
				return s.applyOne(ctx, emp)
			}
			return false, false, err
		}
		return true, false, nil

	default:
		return false, false, err
	}
}

func (s *ExportSyncer) deactivateMissing(ctx context.Context, present map[string]struct{}) (int, error) {
	known, err := s.ids.ListExportWorkerIDs(ctx, s.system)
	if err != nil {
		return 0, err
	}
	var missing []string
	for _, id := range known {
		if _, ok := present[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return 0, nil
	}
	return s.ids.DeactivateByExternalIDs(ctx, s.system, missing)
}
