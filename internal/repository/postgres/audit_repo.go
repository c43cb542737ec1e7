package postgres

import (
	"context"
	"encoding/json"
)

// AuditRepo implements AuditRepository using PostgreSQL.
type AuditRepo struct{ db *DB }

// NewAuditRepo constructs an audit repository.
func NewAuditRepo(db *DB) *AuditRepo { return &AuditRepo{db: db} }

// Insert writes one audit record. Callers treat failures as warnings.
func (r *AuditRepo) Insert(ctx context.Context, action string, detail map[string]any) error {
	const q = `INSERT INTO audit_log (action, detail) VALUES ($1, $2)`
	payload, err := json.Marshal(detail)
	if err != nil {
		return err
	}
	_, err = r.db.Pool.Exec(ctx, q, action, payload)
	return err
}
