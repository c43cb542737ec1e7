// Package service contains application services for identity reconciliation
// and attendance ingestion.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/buildsafe/sitesync/internal/errs"
	"github.com/buildsafe/sitesync/internal/model"
	"github.com/buildsafe/sitesync/internal/piicrypto"
	"github.com/buildsafe/sitesync/internal/repository"
)

// Source is the read-only view of the authoritative employee database needed
// by the reconciliation services.
type Source interface {
	GetEmployee(ctx context.Context, workerID string) (*model.ExternalEmployee, error)
	GetEmployeesBatch(ctx context.Context, workerIDs []string) (map[string]model.ExternalEmployee, error)
	GetUpdatedEmployees(ctx context.Context, since *time.Time) ([]model.ExternalEmployee, error)
	GetAllEmployeesPaginated(ctx context.Context, offset, limit int) ([]model.ExternalEmployee, int, error)
	SearchByName(ctx context.Context, partial string) ([]model.ExternalEmployee, error)
}

// Reconciler converts external employee records into local identities without
// clobbering platform-owned state.
type Reconciler struct {
	ids    repository.IdentityRepository
	codec  *piicrypto.Codec
	src    Source
	system string
	log    *zap.Logger
}

// NewReconciler constructs a Reconciler for one external system tag.
func NewReconciler(ids repository.IdentityRepository, codec *piicrypto.Codec, src Source, system string, log *zap.Logger) *Reconciler {
	return &Reconciler{ids: ids, codec: codec, src: src, system: system, log: log}
}

// NormalizePhone strips every non-digit character.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// DeriveDOB derives a YYYYMMDD date of birth from a 7-character national-id
// prefix: the first six digits are YYMMDD and the seventh disambiguates the
// century. An unknown seventh digit yields no derivable DOB.
func DeriveDOB(nationalID string) string {
	if len(nationalID) != 7 {
		return ""
	}
	yymmdd := nationalID[:6]
	for _, r := range yymmdd {
		if r < '0' || r > '9' {
			return ""
		}
	}
	var century string
	switch nationalID[6] {
	case '1', '2', '5', '6':
		century = "19"
	case '3', '4', '7', '8':
		century = "20"
	case '9', '0':
		century = "18"
	default:
		return ""
	}
	return century + yymmdd
}

// MaskName renders a display name irreversible at the display layer:
// one character is fully masked, two keep the first, three or more keep the
// first and last.
func MaskName(name string) string {
	runes := []rune(name)
	switch len(runes) {
	case 0:
		return ""
	case 1:
		return "*"
	case 2:
		return string(runes[0]) + "*"
	default:
		return string(runes[0]) + strings.Repeat("*", len(runes)-2) + string(runes[len(runes)-1])
	}
}

// ReconcileOne upserts one external record. Returns a nil record (no error)
// when the external record has no usable phone number: the phone-derived hash
// is a required equality key elsewhere in the system. created reports whether
// a new local record was inserted.
func (r *Reconciler) ReconcileOne(ctx context.Context, ext model.ExternalEmployee) (rec *model.Identity, created bool, err error) {
	phone := NormalizePhone(ext.Phone)
	if phone == "" {
		return nil, false, nil
	}

	phoneHash := r.codec.Hash(phone)
	phoneEnc, err := r.codec.Encrypt(phone)
	if err != nil {
		return nil, false, fmt.Errorf("encrypt phone: %w", err)
	}

	var dobHash, dobEnc string
	if dob := DeriveDOB(ext.NationalID); dob != "" {
		dobHash = r.codec.Hash(dob)
		if dobEnc, err = r.codec.Encrypt(dob); err != nil {
			return nil, false, fmt.Errorf("encrypt dob: %w", err)
		}
	}

	existing, err := r.ids.GetByExternalID(ctx, r.system, ext.WorkerID)
	switch {
	case err == nil:
		existing.Name = ext.Name
		existing.MaskedName = MaskName(ext.Name)
		existing.PhoneEnc = phoneEnc
		existing.PhoneHash = phoneHash
		existing.DOBEnc = dobEnc
		existing.DOBHash = dobHash
		existing.Company = ext.Company
		existing.Trade = ext.Trade
		if err := r.ids.UpdateSourcedFields(ctx, existing); err != nil {
			return nil, false, err
		}
		return existing, false, nil

	case errors.Is(err, errs.ErrNotFound):
		uid, err := uuid.NewV4()
		if err != nil {
			return nil, false, err
		}
		id := &model.Identity{
			ID:               uid,
			ExternalSystem:   r.system,
			ExternalWorkerID: ext.WorkerID,
			Name:             ext.Name,
			MaskedName:       MaskName(ext.Name),
			PhoneEnc:         phoneEnc,
			PhoneHash:        phoneHash,
			DOBEnc:           dobEnc,
			DOBHash:          dobHash,
			Company:          ext.Company,
			Trade:            ext.Trade,
			Role:             model.RoleWorker,
		}
		if err := r.ids.Insert(ctx, id); err != nil {
			// a concurrent run won the insert; converge by updating
			if errors.Is(err, errs.ErrAlreadyExists) {
				return r.ReconcileOne(ctx, ext)
			}
			return nil, false, err
		}
		return id, true, nil

	default:
		return nil, false, err
	}
}

// ReconcileBatch applies ReconcileOne per record, continuing past individual
// failures and collecting per-record error strings.
func (r *Reconciler) ReconcileBatch(ctx context.Context, records []model.ExternalEmployee) model.SyncStats {
	stats := model.SyncStats{Errors: []string{}}
	for _, ext := range records {
		rec, created, err := r.ReconcileOne(ctx, ext)
		switch {
		case err != nil:
			stats.Errors = append(stats.Errors, fmt.Sprintf("%s: %v", ext.WorkerID, err))
		case rec == nil:
			stats.Skipped++
		case created:
			stats.Created++
		default:
			stats.Updated++
		}
	}
	r.log.Info("reconcile batch",
		zap.Int("created", stats.Created),
		zap.Int("updated", stats.Updated),
		zap.Int("skipped", stats.Skipped),
		zap.Int("errors", len(stats.Errors)),
	)
	return stats
}

// DeactivateRetired soft-deletes local records whose external id appears in
// the retired set, as one chunked atomic batch.
func (r *Reconciler) DeactivateRetired(ctx context.Context, retiredIDs []string) (int, error) {
	if len(retiredIDs) == 0 {
		return 0, nil
	}
	return r.ids.DeactivateByExternalIDs(ctx, r.system, retiredIDs)
}

// PromotePlaceholder overwrites a placeholder record's hash and blob with real
// PII from an authoritative match, leaving everything else untouched.
func (r *Reconciler) PromotePlaceholder(ctx context.Context, local *model.Identity, ext model.ExternalEmployee) (*model.Identity, error) {
	if !piicrypto.IsPlaceholder(local.PhoneHash) {
		return nil, fmt.Errorf("identity %s has a real hash: %w", local.ID, errs.ErrValidation)
	}
	phone := NormalizePhone(ext.Phone)
	if phone == "" {
		return nil, fmt.Errorf("authoritative record %s has no phone: %w", ext.WorkerID, errs.ErrValidation)
	}
	phoneHash := r.codec.Hash(phone)
	phoneEnc, err := r.codec.Encrypt(phone)
	if err != nil {
		return nil, err
	}
	var dobHash, dobEnc string
	if dob := DeriveDOB(ext.NationalID); dob != "" {
		dobHash = r.codec.Hash(dob)
		if dobEnc, err = r.codec.Encrypt(dob); err != nil {
			return nil, err
		}
	}
	if err := r.ids.UpdatePII(ctx, local.ID, phoneEnc, phoneHash, dobEnc, dobHash); err != nil {
		return nil, err
	}
	promoted := *local
	promoted.PhoneEnc = phoneEnc
	promoted.PhoneHash = phoneHash
	promoted.DOBEnc = dobEnc
	promoted.DOBHash = dobHash
	return &promoted, nil
}

// Canonical picks the authoritative record when two exist for the same worker:
// a non-placeholder hash wins; otherwise the most recently updated.
func Canonical(a, b *model.Identity) *model.Identity {
	aReal := !piicrypto.IsPlaceholder(a.PhoneHash)
	bReal := !piicrypto.IsPlaceholder(b.PhoneHash)
	switch {
	case aReal && !bReal:
		return a
	case bReal && !aReal:
		return b
	case a.UpdatedAt.Before(b.UpdatedAt):
		return b
	default:
		return a
	}
}

// CrossMatchLimit caps one cross-match pass.
const CrossMatchLimit = 50

// CrossMatchPlaceholders walks placeholder records, looks for an unambiguous
// authoritative match by exact name, and promotes it. Ambiguous or phoneless
// matches are skipped.
func (r *Reconciler) CrossMatchPlaceholders(ctx context.Context, limit int) (model.CrossMatchStats, error) {
	if limit <= 0 || limit > CrossMatchLimit {
		limit = CrossMatchLimit
	}
	stats := model.CrossMatchStats{Errors: []string{}, MaskedNames: []string{}}

	// fetch one extra row to report hasMore without a count query
	candidates, err := r.ids.ListPlaceholders(ctx, r.system, limit+1)
	if err != nil {
		return stats, err
	}
	if len(candidates) > limit {
		stats.HasMore = true
		candidates = candidates[:limit]
	}
	stats.Processed = len(candidates)

	for _, local := range candidates {
		matches, err := r.src.SearchByName(ctx, local.Name)
		if err != nil {
			stats.Errors = append(stats.Errors, fmt.Sprintf("%s: %v", local.ExternalWorkerID, err))
			continue
		}
		match, ok := singleExactMatch(local.Name, matches)
		if !ok || NormalizePhone(match.Phone) == "" {
			stats.Skipped++
			continue
		}
		if _, err := r.PromotePlaceholder(ctx, &local, match); err != nil {
			stats.Errors = append(stats.Errors, fmt.Sprintf("%s: %v", local.ExternalWorkerID, err))
			continue
		}
		stats.Matched++
		stats.MaskedNames = append(stats.MaskedNames, MaskName(local.Name))
	}
	return stats, nil
}

func singleExactMatch(name string, matches []model.ExternalEmployee) (model.ExternalEmployee, bool) {
	var found model.ExternalEmployee
	n := 0
	for _, m := range matches {
		if m.Name == name {
			found = m
			n++
		}
	}
	return found, n == 1
}
