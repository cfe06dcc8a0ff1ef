package store

import (
	"context"
	"database/sql"
	"fmt"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertAuditEvent(ctx context.Context, db execer, event AuditEvent) error {
	payload := string(event.Payload)
	if payload == "" {
		payload = "{}"
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO audit_events (tenant_id, event_type, actor_id, actor_name, entry_id, payload)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb)
	`, event.TenantID, event.EventType, event.ActorID, event.ActorName, nullString(event.EntryID), payload)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertAuditEvent(ctx context.Context, event AuditEvent) error {
	return insertAuditEvent(ctx, s.db, event)
}

// ListAuditEvents returns the newest events first. An empty entryID lists
// the whole tenant.
func (s *PostgresStore) ListAuditEvents(ctx context.Context, tenantID, entryID string, limit int) ([]AuditEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, event_type, actor_id, actor_name, entry_id, payload, created_at
		FROM audit_events
		WHERE tenant_id=$1 AND ($2='' OR entry_id=$2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, tenantID, entryID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	items := make([]AuditEvent, 0)
	for rows.Next() {
		var item AuditEvent
		var entry sql.NullString
		var payload []byte
		if err := rows.Scan(&item.ID, &item.TenantID, &item.EventType, &item.ActorID, &item.ActorName, &entry, &payload, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		item.EntryID = stringPtr(entry)
		item.Payload = payload
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return items, nil
}
