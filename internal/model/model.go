// Package model defines domain entities used by services and repositories.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// Platform defaults for newly created identities.
const (
	RoleWorker = "worker"
)

// Identity is a locally stored worker record mirrored from the source of truth.
// PII fields are stored as an encrypted blob plus a keyed hash; the hash is the
// only PII-derived column usable as an equality-lookup index.
type Identity struct {
	ID               uuid.UUID // PK, locally generated
	ExternalSystem   string    // source system tag
	ExternalWorkerID string    // natural key within the source system
	Name             string
	MaskedName       string // irreversible at display layer
	PhoneEnc         string // versioned ciphertext
	PhoneHash        string // keyed hash, indexed
	DOBEnc           string
	DOBHash          string
	Company          string
	Trade            string

	// Platform-owned fields. Reconciliation must never overwrite these.
	Role             string
	CanAwardPoints   bool
	CanViewPII       bool
	FalseReportCount int
	RestrictedUntil  *time.Time

	DeletedAt *time.Time // soft-delete marker
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ExternalEmployee is one employee row read from the authoritative source.
type ExternalEmployee struct {
	WorkerID   string
	Name       string
	Company    string
	Phone      string
	NationalID string // 7-character national-id prefix (YYMMDD + century digit)
	Active     bool
	HiredAt    *time.Time
	RetiredAt  *time.Time
	Trade      string
	Position   string
	RoleCode   string
	Violations int
	UpdatedAt  time.Time
}

// ExportEmployee is one entry of the lower-trust photo-export snapshot.
type ExportEmployee struct {
	WorkerID string `json:"externalWorkerId"`
	Name     string `json:"name"`
	Company  string `json:"companyName"`
	Position string `json:"position"`
	Trade    string `json:"trade"`
	LastSeen string `json:"lastSeen"`
}

// ExportDocument is the object-storage snapshot consumed by the export sync.
type ExportDocument struct {
	Employees []ExportEmployee `json:"employees"`
	Total     int              `json:"total"`
}

// SourceAttendance is one access_daily row read from the authoritative source.
type SourceAttendance struct {
	WorkerID string
	Day      string // YYYY-MM-DD
	InTime   string // HH:MM
	OutTime  string
	Status   string
}

// AttendanceEvent is one persisted check-in. Rows are created once and never mutated.
// Uniqueness is (ExternalWorkerID, SiteID, CheckinAt), not the external event id.
type AttendanceEvent struct {
	ID               uuid.UUID
	ExternalEventID  string     // upstream correlation id only
	ExternalWorkerID string
	UserID           *uuid.UUID // nil if unresolved
	SiteID           string
	CheckinAt        time.Time
	Result           string
	Source           string
	CreatedAt        time.Time
}

// EventKey is the attendance dedup key.
type EventKey struct {
	ExternalWorkerID string
	SiteID           string
	CheckinAt        time.Time
}

// Per-event ingestion outcomes.
const (
	ResultSuccess     = "SUCCESS"
	ResultDuplicate   = "DUPLICATE"
	ResultNotFound    = "NOT_FOUND"
	ResultMissingSite = "MISSING_SITE"
)

// InboundEvent is one attendance event as delivered by the upstream gateway.
type InboundEvent struct {
	EventID   string `json:"fasEventId"`
	WorkerID  string `json:"fasUserId"`
	CheckinAt string `json:"checkinAt"` // RFC3339 or "2006-01-02 15:04:05"
	SiteID    string `json:"siteId"`
}

// EventResult correlates an outcome back to the upstream event id.
type EventResult struct {
	EventID string `json:"fasEventId"`
	Result  string `json:"result"`
}

// IngestResult is the aggregate outcome of one ingestion batch.
type IngestResult struct {
	Processed int           `json:"processed"`
	Inserted  int           `json:"inserted"`
	Skipped   int           `json:"skipped"`
	Failed    int           `json:"failed"`
	Results   []EventResult `json:"results"`
	Warnings  []string      `json:"warnings,omitempty"`
}

// SyncStats is the aggregate outcome of one reconciliation batch.
type SyncStats struct {
	Created int      `json:"created"`
	Updated int      `json:"updated"`
	Skipped int      `json:"skipped"`
	Errors  []string `json:"errors"`
}

// CrossMatchStats is the aggregate outcome of one placeholder cross-match pass.
type CrossMatchStats struct {
	Matched     int
	Skipped     int
	Errors      []string
	MaskedNames []string
	Processed   int
	HasMore     bool
}

// AuditEntry is one best-effort audit record.
type AuditEntry struct {
	ID        int64
	Action    string
	Detail    map[string]any
	CreatedAt time.Time
}
