package store

import (
	"context"
	"database/sql"
	"fmt"
)

const contextColumns = `id, tenant_id, kind, title, description, needs, impact, sort_order, created_at, updated_at`

func scanContextEntry(row interface{ Scan(...any) error }) (ContextEntry, error) {
	var item ContextEntry
	err := row.Scan(&item.ID, &item.TenantID, &item.Kind, &item.Title, &item.Description, &item.Needs, &item.Impact, &item.SortOrder, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return ContextEntry{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListContextEntries(ctx context.Context, tenantID string) ([]ContextEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+contextColumns+`
		FROM context_entries
		WHERE tenant_id=$1
		ORDER BY kind ASC, sort_order ASC, created_at ASC
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list context entries: %w", err)
	}
	defer rows.Close()

	items := make([]ContextEntry, 0)
	for rows.Next() {
		item, err := scanContextEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan context entry: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate context entries: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetContextEntry(ctx context.Context, tenantID, id string) (ContextEntry, error) {
	return scanContextEntry(s.db.QueryRowContext(ctx, `
		SELECT `+contextColumns+` FROM context_entries WHERE tenant_id=$1 AND id=$2
	`, tenantID, id))
}

// InsertContextEntry appends the entry at the end of its kind.
func (s *PostgresStore) InsertContextEntry(ctx context.Context, item ContextEntry) (ContextEntry, error) {
	created, err := scanContextEntry(s.db.QueryRowContext(ctx, `
		INSERT INTO context_entries (id, tenant_id, kind, title, description, needs, impact, sort_order)
		VALUES ($1, $2, $3, $4, $5, $6, $7,
			(SELECT COALESCE(MAX(sort_order), 0) + 1 FROM context_entries WHERE tenant_id=$2 AND kind=$3))
		RETURNING `+contextColumns,
		item.ID, item.TenantID, item.Kind, item.Title, item.Description, item.Needs, item.Impact))
	if err != nil {
		return ContextEntry{}, fmt.Errorf("insert context entry: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) UpdateContextEntry(ctx context.Context, item ContextEntry) (ContextEntry, error) {
	return scanContextEntry(s.db.QueryRowContext(ctx, `
		UPDATE context_entries
		SET title=$3, description=$4, needs=$5, impact=$6, updated_at=NOW()
		WHERE tenant_id=$1 AND id=$2
		RETURNING `+contextColumns,
		item.TenantID, item.ID, item.Title, item.Description, item.Needs, item.Impact))
}

func (s *PostgresStore) DeleteContextEntry(ctx context.Context, tenantID, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM context_entries WHERE tenant_id=$1 AND id=$2`, tenantID, id)
	if err != nil {
		return fmt.Errorf("delete context entry: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ReorderContextEntry swaps the entry with its neighbour of the same kind.
func (s *PostgresStore) ReorderContextEntry(ctx context.Context, tenantID, id string, up bool) (bool, error) {
	moved := false
	err := s.inTx(ctx, "reorder context entry", func(tx *sql.Tx) error {
		var kind string
		var order int
		err := tx.QueryRowContext(ctx, `
			SELECT kind, sort_order FROM context_entries WHERE tenant_id=$1 AND id=$2 FOR UPDATE
		`, tenantID, id).Scan(&kind, &order)
		if err != nil {
			return err
		}
		neighbourID, neighbourOrder, err := neighbour(ctx, tx, `
			SELECT id, sort_order FROM context_entries
			WHERE tenant_id=$1 AND kind=$2 AND id <> $3 AND `+neighbourClause(up, "$4")+`
			FOR UPDATE
		`, tenantID, kind, id, order)
		if err != nil || neighbourID == "" {
			return err
		}
		moved = true
		return swapSortOrder(ctx, tx, "context_entries", id, order, neighbourID, neighbourOrder)
	})
	return moved, err
}
