package store

import (
	"context"
	"fmt"

	"github.com/gofrs/uuid/v5"
)

// InsertAuditEntry appends a privileged-action record. The table is never updated or deleted from.
func (s *PostgresStore) InsertAuditEntry(ctx context.Context, e AuditEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO delivery_log_audits (id, log_id, admin_username, admin_ip, action, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, e.ID, e.LogID, e.AdminUsername, e.AdminIP, e.Action, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

// ListAuditEntries returns the audit trail for one delivery log, oldest first.
func (s *PostgresStore) ListAuditEntries(ctx context.Context, logID uuid.UUID) ([]AuditEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, log_id, admin_username, admin_ip, action, created_at
		FROM delivery_log_audits WHERE log_id = $1 ORDER BY created_at
	`, logID)
	if err != nil {
		return nil, fmt.Errorf("listing audit entries: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.LogID, &e.AdminUsername, &e.AdminIP, &e.Action, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
