package postgres

import (
	"context"
	"errors"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/buildsafe/sitesync/internal/errs"
	"github.com/buildsafe/sitesync/internal/model"
)

// IdentityRepo implements IdentityRepository using PostgreSQL.
type IdentityRepo struct{ db *DB }

// NewIdentityRepo constructs an identity repository.
func NewIdentityRepo(db *DB) *IdentityRepo { return &IdentityRepo{db: db} }

const identityCols = `
id, external_system, external_worker_id, name, masked_name,
phone_enc, phone_hash, dob_enc, dob_hash, company, trade,
role, can_award_points, can_view_pii, false_report_count, restricted_until,
deleted_at, created_at, updated_at`

func scanIdentity(row pgx.Row) (*model.Identity, error) {
	var id model.Identity
	err := row.Scan(
		&id.ID, &id.ExternalSystem, &id.ExternalWorkerID, &id.Name, &id.MaskedName,
		&id.PhoneEnc, &id.PhoneHash, &id.DOBEnc, &id.DOBHash, &id.Company, &id.Trade,
		&id.Role, &id.CanAwardPoints, &id.CanViewPII, &id.FalseReportCount, &id.RestrictedUntil,
		&id.DeletedAt, &id.CreatedAt, &id.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &id, nil
}

// GetByExternalID loads a non-deleted identity by its natural key.
func (r *IdentityRepo) GetByExternalID(ctx context.Context, system, workerID string) (*model.Identity, error) {
	const q = `
SELECT ` + identityCols + `
FROM identities
WHERE external_system=$1 AND external_worker_id=$2 AND deleted_at IS NULL`
	return scanIdentity(r.db.Pool.QueryRow(ctx, q, system, workerID))
}

// GetByPhoneHash loads a non-deleted identity by its keyed phone hash.
func (r *IdentityRepo) GetByPhoneHash(ctx context.Context, phoneHash string) (*model.Identity, error) {
	const q = `
SELECT ` + identityCols + `
FROM identities
WHERE phone_hash=$1 AND deleted_at IS NULL`
	return scanIdentity(r.db.Pool.QueryRow(ctx, q, phoneHash))
}

// Insert creates a new identity row.
func (r *IdentityRepo) Insert(ctx context.Context, id *model.Identity) error {
	const q = `
INSERT INTO identities (
  id, external_system, external_worker_id, name, masked_name,
  phone_enc, phone_hash, dob_enc, dob_hash, company, trade,
  role, can_award_points, can_view_pii, false_report_count, restricted_until
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`
	_, err := r.db.Pool.Exec(ctx, q,
		id.ID, id.ExternalSystem, id.ExternalWorkerID, id.Name, id.MaskedName,
		id.PhoneEnc, id.PhoneHash, id.DOBEnc, id.DOBHash, id.Company, id.Trade,
		id.Role, id.CanAwardPoints, id.CanViewPII, id.FalseReportCount, id.RestrictedUntil,
	)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// UpdateSourcedFields overwrites externally-sourced columns only.
// Platform-owned columns (role, permissions, counters) stay untouched.
func (r *IdentityRepo) UpdateSourcedFields(ctx context.Context, id *model.Identity) error {
	const q = `
UPDATE identities SET
  name=$2, masked_name=$3, phone_enc=$4, phone_hash=$5,
  dob_enc=$6, dob_hash=$7, company=$8, trade=$9, updated_at=now()
WHERE id=$1 AND deleted_at IS NULL`
	tag, err := r.db.Pool.Exec(ctx, q,
		id.ID, id.Name, id.MaskedName, id.PhoneEnc, id.PhoneHash,
		id.DOBEnc, id.DOBHash, id.Company, id.Trade,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// UpdatePII replaces only the PII blobs and hashes of one identity.
func (r *IdentityRepo) UpdatePII(ctx context.Context, id uuid.UUID, phoneEnc, phoneHash, dobEnc, dobHash string) error {
	const q = `
UPDATE identities SET
  phone_enc=$2, phone_hash=$3, dob_enc=$4, dob_hash=$5, updated_at=now()
WHERE id=$1 AND deleted_at IS NULL`
	tag, err := r.db.Pool.Exec(ctx, q, id, phoneEnc, phoneHash, dobEnc, dobHash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// DeactivateByExternalIDs soft-deletes matching non-deleted identities in
// chunked atomic batches. Re-running over an already-deleted id is a no-op.
func (r *IdentityRepo) DeactivateByExternalIDs(ctx context.Context, system string, workerIDs []string) (count int, err error) {
	const q = `
UPDATE identities SET deleted_at=now(), updated_at=now()
WHERE external_system=$1 AND external_worker_id = ANY($2) AND deleted_at IS NULL`
	for _, ids := range chunk(workerIDs, WriteChunkSize) {
		tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return count, err
		}
		tag, err := tx.Exec(ctx, q, system, ids)
		if err != nil {
			_ = tx.Rollback(ctx)
			return count, err
		}
		if err := tx.Commit(ctx); err != nil {
			return count, err
		}
		count += int(tag.RowsAffected())
	}
	return count, nil
}

// ResolveExternalIDs maps external worker ids to internal ids in chunked lookups.
func (r *IdentityRepo) ResolveExternalIDs(ctx context.Context, system string, workerIDs []string) (map[string]uuid.UUID, error) {
	const q = `
SELECT external_worker_id, id
FROM identities
WHERE external_system=$1 AND external_worker_id = ANY($2) AND deleted_at IS NULL`
	out := make(map[string]uuid.UUID, len(workerIDs))
	for _, ids := range chunk(workerIDs, LookupChunkSize) {
		rows, err := r.db.Pool.Query(ctx, q, system, ids)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var ext string
			var id uuid.UUID
			if err := rows.Scan(&ext, &id); err != nil {
				rows.Close()
				return nil, err
			}
			out[ext] = id
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ListPlaceholders returns up to limit non-deleted placeholder-hash
// identities, oldest first.
func (r *IdentityRepo) ListPlaceholders(ctx context.Context, system string, limit int) ([]model.Identity, error) {
	const q = `
SELECT ` + identityCols + `
FROM identities
WHERE external_system=$1 AND phone_hash LIKE 'ph:%' AND deleted_at IS NULL
ORDER BY created_at ASC
LIMIT $2`
	rows, err := r.db.Pool.Query(ctx, q, system, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Identity
	for rows.Next() {
		var id model.Identity
		if err := rows.Scan(
			&id.ID, &id.ExternalSystem, &id.ExternalWorkerID, &id.Name, &id.MaskedName,
			&id.PhoneEnc, &id.PhoneHash, &id.DOBEnc, &id.DOBHash, &id.Company, &id.Trade,
			&id.Role, &id.CanAwardPoints, &id.CanViewPII, &id.FalseReportCount, &id.RestrictedUntil,
			&id.DeletedAt, &id.CreatedAt, &id.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ListExportWorkerIDs returns external ids of non-deleted placeholder identities.
func (r *IdentityRepo) ListExportWorkerIDs(ctx context.Context, system string) ([]string, error) {
	const q = `
SELECT external_worker_id
FROM identities
WHERE external_system=$1 AND phone_hash LIKE 'ph:%' AND deleted_at IS NULL`
	rows, err := r.db.Pool.Query(ctx, q, system)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
