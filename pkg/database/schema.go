package database

import (
	"context"
	"fmt"
)

// CreateSchema creates the audit event table and its indexes
func (db *DB) CreateSchema(ctx context.Context) error {
	db.logger.Info("Creating database schema...")

	for _, stmt := range []string{createAuditEventsTable, createAuditEventsIndexes} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}

	db.logger.Info("Database schema created successfully")
	return nil
}

const (
	createAuditEventsTable = `
		CREATE TABLE IF NOT EXISTS access_audit_events (
			id VARCHAR(36) PRIMARY KEY,
			event_name VARCHAR(64) NOT NULL,
			identity VARCHAR(255),
			origin VARCHAR(64),
			occurred_at TIMESTAMPTZ NOT NULL,
			payload JSONB,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);`

	createAuditEventsIndexes = `
		CREATE INDEX IF NOT EXISTS idx_access_audit_events_name ON access_audit_events(event_name);
		CREATE INDEX IF NOT EXISTS idx_access_audit_events_identity ON access_audit_events(identity);
		CREATE INDEX IF NOT EXISTS idx_access_audit_events_origin ON access_audit_events(origin);
		CREATE INDEX IF NOT EXISTS idx_access_audit_events_occurred_at ON access_audit_events(occurred_at);`
)
