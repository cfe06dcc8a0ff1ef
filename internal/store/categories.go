package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrCategoryNotEmpty is returned when deleting a category that still has entries.
var ErrCategoryNotEmpty = errors.New("category still has entries")

const categoryColumns = `id, tenant_id, section, title, sort_order, created_at, updated_at`

func scanCategory(row interface{ Scan(...any) error }) (Category, error) {
	var item Category
	if err := row.Scan(&item.ID, &item.TenantID, &item.Section, &item.Title, &item.SortOrder, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return Category{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListCategories(ctx context.Context, tenantID, section string) ([]Category, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+categoryColumns+`
		FROM categories
		WHERE tenant_id=$1 AND section=$2
		ORDER BY sort_order ASC, created_at ASC
	`, tenantID, section)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()

	items := make([]Category, 0)
	for rows.Next() {
		item, err := scanCategory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate categories: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetCategory(ctx context.Context, tenantID, categoryID string) (Category, error) {
	return scanCategory(s.db.QueryRowContext(ctx, `
		SELECT `+categoryColumns+` FROM categories WHERE tenant_id=$1 AND id=$2
	`, tenantID, categoryID))
}

// InsertCategory appends the category after the last one of its section.
func (s *PostgresStore) InsertCategory(ctx context.Context, item Category) (Category, error) {
	created, err := scanCategory(s.db.QueryRowContext(ctx, `
		INSERT INTO categories (id, tenant_id, section, title, sort_order)
		VALUES ($1, $2, $3, $4,
			(SELECT COALESCE(MAX(sort_order), 0) + 1 FROM categories WHERE tenant_id=$2 AND section=$3))
		RETURNING `+categoryColumns,
		item.ID, item.TenantID, item.Section, item.Title))
	if err != nil {
		return Category{}, fmt.Errorf("insert category: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) RenameCategory(ctx context.Context, tenantID, categoryID, title string) (Category, error) {
	return scanCategory(s.db.QueryRowContext(ctx, `
		UPDATE categories SET title=$3, updated_at=NOW()
		WHERE tenant_id=$1 AND id=$2
		RETURNING `+categoryColumns,
		tenantID, categoryID, title))
}

func (s *PostgresStore) DeleteCategory(ctx context.Context, tenantID, categoryID string) error {
	return s.inTx(ctx, "delete category", func(tx *sql.Tx) error {
		var count int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries WHERE category_id=$1`, categoryID).Scan(&count); err != nil {
			return fmt.Errorf("count category entries: %w", err)
		}
		if count > 0 {
			return ErrCategoryNotEmpty
		}
		result, err := tx.ExecContext(ctx, `DELETE FROM categories WHERE tenant_id=$1 AND id=$2`, tenantID, categoryID)
		if err != nil {
			return fmt.Errorf("delete category: %w", err)
		}
		if affected, _ := result.RowsAffected(); affected == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
}

// ReorderCategory swaps the category with its neighbour in the given
// direction. It reports false when the category is already at that end.
func (s *PostgresStore) ReorderCategory(ctx context.Context, tenantID, categoryID string, up bool) (bool, error) {
	moved := false
	err := s.inTx(ctx, "reorder category", func(tx *sql.Tx) error {
		var section string
		var order int
		err := tx.QueryRowContext(ctx, `
			SELECT section, sort_order FROM categories WHERE tenant_id=$1 AND id=$2 FOR UPDATE
		`, tenantID, categoryID).Scan(&section, &order)
		if err != nil {
			return err
		}

		neighbourID, neighbourOrder, err := neighbour(ctx, tx, `
			SELECT id, sort_order FROM categories
			WHERE tenant_id=$1 AND section=$2 AND id <> $3 AND `+neighbourClause(up, "$4")+`
			FOR UPDATE
		`, tenantID, section, categoryID, order)
		if err != nil || neighbourID == "" {
			return err
		}
		moved = true
		return swapSortOrder(ctx, tx, "categories", categoryID, order, neighbourID, neighbourOrder)
	})
	return moved, err
}

// neighbourClause selects the closest row before (up) or after (down) the
// sort order bound to param.
func neighbourClause(up bool, param string) string {
	if up {
		return `sort_order < ` + param + ` ORDER BY sort_order DESC LIMIT 1`
	}
	return `sort_order > ` + param + ` ORDER BY sort_order ASC LIMIT 1`
}

func neighbour(ctx context.Context, tx *sql.Tx, query string, args ...any) (string, int, error) {
	var id string
	var order int
	err := tx.QueryRowContext(ctx, query, args...).Scan(&id, &order)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, fmt.Errorf("find neighbour: %w", err)
	}
	return id, order, nil
}
