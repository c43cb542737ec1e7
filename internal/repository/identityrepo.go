// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/gofrs/uuid/v5"

	"github.com/buildsafe/sitesync/internal/model"
)

// IdentityRepository provides access to locally mirrored worker identities.
type IdentityRepository interface {
	// GetByExternalID loads a non-deleted identity by its source-system natural key.
	GetByExternalID(ctx context.Context, system, workerID string) (*model.Identity, error)

	// GetByPhoneHash loads a non-deleted identity by its keyed phone hash.
	GetByPhoneHash(ctx context.Context, phoneHash string) (*model.Identity, error)

	// Insert creates a new identity row.
	Insert(ctx context.Context, id *model.Identity) error

	// UpdateSourcedFields overwrites only externally-sourced fields
	// (name, masked name, PII blobs/hashes, company, trade) and the
	// update timestamp, leaving platform-owned columns untouched.
	UpdateSourcedFields(ctx context.Context, id *model.Identity) error

	// UpdatePII replaces the phone/DOB blobs and hashes of one identity.
	// Used to promote placeholder records; nothing else changes.
	UpdatePII(ctx context.Context, id uuid.UUID, phoneEnc, phoneHash, dobEnc, dobHash string) error

	// DeactivateByExternalIDs soft-deletes non-deleted identities of the given
	// system whose external ids appear in the set. Executed as chunked atomic
	// batches; returns the number of rows marked.
	DeactivateByExternalIDs(ctx context.Context, system string, workerIDs []string) (int, error)

	// ResolveExternalIDs maps external worker ids to internal ids in chunked
	// lookups. Missing ids are absent from the result.
	ResolveExternalIDs(ctx context.Context, system string, workerIDs []string) (map[string]uuid.UUID, error)

	// ListPlaceholders returns up to limit+1 non-deleted identities still
	// carrying a placeholder phone hash, oldest first.
	ListPlaceholders(ctx context.Context, system string, limit int) ([]model.Identity, error)

	// ListExportWorkerIDs returns the external ids of non-deleted
	// placeholder-hash identities of the given system.
	ListExportWorkerIDs(ctx context.Context, system string) ([]string, error)
}
