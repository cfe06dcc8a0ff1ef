package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrCategoryMismatch is returned when a category does not belong to the
// requested tenant and section.
var ErrCategoryMismatch = errors.New("category does not belong to section")

const entryColumns = `e.id, e.tenant_id, e.section, e.category_id, e.title, e.reference, e.body,
	e.owner_id, COALESCE(u.display_name, ''), COALESCE(u.email, ''), e.status, e.sort_order,
	e.details, e.review_months, e.review_due, e.reminded_at, e.current_version_id,
	e.created_by, e.updated_by, e.created_at, e.updated_at`

const entryFrom = `FROM entries e LEFT JOIN users u ON u.id = e.owner_id`

func scanEntry(row interface{ Scan(...any) error }) (Entry, error) {
	var item Entry
	var ownerID, currentVersion sql.NullString
	var reviewDue, remindedAt sql.NullTime
	var details []byte
	err := row.Scan(
		&item.ID,
		&item.TenantID,
		&item.Section,
		&item.CategoryID,
		&item.Title,
		&item.Reference,
		&item.Body,
		&ownerID,
		&item.OwnerName,
		&item.OwnerEmail,
		&item.Status,
		&item.SortOrder,
		&details,
		&item.ReviewMonths,
		&reviewDue,
		&remindedAt,
		&currentVersion,
		&item.CreatedBy,
		&item.UpdatedBy,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return Entry{}, err
	}
	item.OwnerID = stringPtr(ownerID)
	item.CurrentVersionID = stringPtr(currentVersion)
	item.Details = json.RawMessage(details)
	if reviewDue.Valid {
		item.ReviewDue = &reviewDue.Time
	}
	if remindedAt.Valid {
		item.RemindedAt = &remindedAt.Time
	}
	return item, nil
}

func scanEntries(rows *sql.Rows, what string) ([]Entry, error) {
	defer rows.Close()
	items := make([]Entry, 0)
	for rows.Next() {
		item, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", what, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", what, err)
	}
	return items, nil
}

func detailsArg(details json.RawMessage) string {
	if len(details) == 0 {
		return "{}"
	}
	return string(details)
}

// ListEntries returns the entries of a section ordered by category and
// position. Archived entries are left out unless includeArchived is set.
func (s *PostgresStore) ListEntries(ctx context.Context, tenantID, section string, includeArchived bool) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		`+entryFrom+`
		JOIN categories c ON c.id = e.category_id
		WHERE e.tenant_id=$1 AND e.section=$2 AND ($3::boolean OR e.status <> 'ARCHIVED')
		ORDER BY c.sort_order ASC, e.sort_order ASC, e.created_at ASC
	`, tenantID, section, includeArchived)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	return scanEntries(rows, "entry")
}

func (s *PostgresStore) GetEntry(ctx context.Context, tenantID, entryID string) (Entry, error) {
	return scanEntry(s.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+` `+entryFrom+` WHERE e.tenant_id=$1 AND e.id=$2
	`, tenantID, entryID))
}

// InsertEntry appends the entry at the end of its category.
func (s *PostgresStore) InsertEntry(ctx context.Context, item Entry) (Entry, error) {
	err := s.inTx(ctx, "insert entry", func(tx *sql.Tx) error {
		if err := checkCategory(ctx, tx, item.TenantID, item.Section, item.CategoryID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO entries (
				id, tenant_id, section, category_id, title, reference, body, owner_id, status,
				sort_order, details, review_months, review_due, created_by, updated_by
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9,
				(SELECT COALESCE(MAX(sort_order), 0) + 1 FROM entries WHERE category_id=$4),
				$10::jsonb, $11, $12, $13, $13)
		`,
			item.ID,
			item.TenantID,
			item.Section,
			item.CategoryID,
			item.Title,
			item.Reference,
			item.Body,
			nullString(item.OwnerID),
			item.Status,
			detailsArg(item.Details),
			item.ReviewMonths,
			item.ReviewDue,
			item.CreatedBy,
		)
		if err != nil {
			return fmt.Errorf("insert entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return Entry{}, err
	}
	return s.GetEntry(ctx, item.TenantID, item.ID)
}

// UpdateEntry writes the editable columns of item.
func (s *PostgresStore) UpdateEntry(ctx context.Context, item Entry) (Entry, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE entries
		SET title=$3, reference=$4, body=$5, owner_id=$6, status=$7, details=$8::jsonb,
			review_months=$9, review_due=$10, updated_by=$11, updated_at=NOW()
		WHERE tenant_id=$1 AND id=$2
	`,
		item.TenantID,
		item.ID,
		item.Title,
		item.Reference,
		item.Body,
		nullString(item.OwnerID),
		item.Status,
		detailsArg(item.Details),
		item.ReviewMonths,
		item.ReviewDue,
		item.UpdatedBy,
	)
	if err != nil {
		return Entry{}, fmt.Errorf("update entry: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return Entry{}, sql.ErrNoRows
	}
	return s.GetEntry(ctx, item.TenantID, item.ID)
}

// DeleteEntry removes the entry. Versions, reviews and attachments go with
// it through the foreign keys; the blob keys of removed attachments are
// returned so the caller can delete the stored files.
func (s *PostgresStore) DeleteEntry(ctx context.Context, tenantID, entryID string) ([]string, error) {
	keys := make([]string, 0)
	err := s.inTx(ctx, "delete entry", func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT blob_key FROM attachments WHERE entry_id=$1`, entryID)
		if err != nil {
			return fmt.Errorf("list entry attachments: %w", err)
		}
		for rows.Next() {
			var key string
			if err := rows.Scan(&key); err != nil {
				rows.Close()
				return fmt.Errorf("scan blob key: %w", err)
			}
			keys = append(keys, key)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate blob keys: %w", err)
		}

		result, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE tenant_id=$1 AND id=$2`, tenantID, entryID)
		if err != nil {
			return fmt.Errorf("delete entry: %w", err)
		}
		if affected, _ := result.RowsAffected(); affected == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// ReorderEntry swaps the entry with its neighbour inside its category.
func (s *PostgresStore) ReorderEntry(ctx context.Context, tenantID, entryID string, up bool) (bool, error) {
	moved := false
	err := s.inTx(ctx, "reorder entry", func(tx *sql.Tx) error {
		var categoryID string
		var order int
		err := tx.QueryRowContext(ctx, `
			SELECT category_id, sort_order FROM entries WHERE tenant_id=$1 AND id=$2 FOR UPDATE
		`, tenantID, entryID).Scan(&categoryID, &order)
		if err != nil {
			return err
		}

		neighbourID, neighbourOrder, err := neighbour(ctx, tx, `
			SELECT id, sort_order FROM entries
			WHERE tenant_id=$1 AND category_id=$2 AND id <> $3 AND `+neighbourClause(up, "$4")+`
			FOR UPDATE
		`, tenantID, categoryID, entryID, order)
		if err != nil || neighbourID == "" {
			return err
		}
		moved = true
		return swapSortOrder(ctx, tx, "entries", entryID, order, neighbourID, neighbourOrder)
	})
	return moved, err
}

// MoveEntry relocates an entry to another section and/or category in one
// transaction and records an entry.moved audit event. Versions, reviews
// and attachments keep pointing at the same entry id.
func (s *PostgresStore) MoveEntry(ctx context.Context, tenantID, entryID string, target MoveTarget) (Entry, error) {
	err := s.inTx(ctx, "move entry", func(tx *sql.Tx) error {
		var fromSection, fromCategory string
		err := tx.QueryRowContext(ctx, `
			SELECT section, category_id FROM entries WHERE tenant_id=$1 AND id=$2 FOR UPDATE
		`, tenantID, entryID).Scan(&fromSection, &fromCategory)
		if err != nil {
			return err
		}
		if err := checkCategory(ctx, tx, tenantID, target.Section, target.CategoryID); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE entries
			SET section=$3,
				category_id=$4,
				sort_order=(SELECT COALESCE(MAX(sort_order), 0) + 1 FROM entries WHERE category_id=$4 AND id <> $2),
				details=CASE WHEN $5::boolean THEN '{}'::jsonb ELSE details END,
				updated_by=$6,
				updated_at=NOW()
			WHERE tenant_id=$1 AND id=$2
		`, tenantID, entryID, target.Section, target.CategoryID, target.ResetDetails, target.MovedBy)
		if err != nil {
			return fmt.Errorf("update entry location: %w", err)
		}

		payload, err := json.Marshal(map[string]any{
			"fromSection":    fromSection,
			"fromCategoryId": fromCategory,
			"toSection":      target.Section,
			"toCategoryId":   target.CategoryID,
			"detailsReset":   target.ResetDetails,
		})
		if err != nil {
			return fmt.Errorf("encode move payload: %w", err)
		}
		return insertAuditEvent(ctx, tx, AuditEvent{
			TenantID:  tenantID,
			EventType: "entry.moved",
			ActorID:   target.MovedByID,
			ActorName: target.MovedBy,
			EntryID:   &entryID,
			Payload:   payload,
		})
	})
	if err != nil {
		return Entry{}, err
	}
	return s.GetEntry(ctx, tenantID, entryID)
}

func checkCategory(ctx context.Context, tx *sql.Tx, tenantID, section, categoryID string) error {
	var categorySection string
	err := tx.QueryRowContext(ctx, `
		SELECT section FROM categories WHERE tenant_id=$1 AND id=$2 FOR SHARE
	`, tenantID, categoryID).Scan(&categorySection)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrCategoryMismatch
	}
	if err != nil {
		return fmt.Errorf("check category: %w", err)
	}
	if categorySection != section {
		return ErrCategoryMismatch
	}
	return nil
}

// ListDueEntries returns unarchived entries of a tenant whose review is due
// on or before the given day, overdue ones included.
func (s *PostgresStore) ListDueEntries(ctx context.Context, tenantID string, dueBy time.Time) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		`+entryFrom+`
		WHERE e.tenant_id=$1 AND e.status <> 'ARCHIVED' AND e.review_due IS NOT NULL AND e.review_due <= $2
		ORDER BY e.review_due ASC, e.title ASC
	`, tenantID, dueBy)
	if err != nil {
		return nil, fmt.Errorf("list due entries: %w", err)
	}
	return scanEntries(rows, "due entry")
}

// ListReminderCandidates returns due entries across every tenant that have
// not been reminded since remindedBefore.
func (s *PostgresStore) ListReminderCandidates(ctx context.Context, dueBy, remindedBefore time.Time) ([]DueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+`, t.name
		`+entryFrom+`
		JOIN tenants t ON t.id = e.tenant_id
		WHERE e.status <> 'ARCHIVED'
			AND e.review_due IS NOT NULL
			AND e.review_due <= $1
			AND (e.reminded_at IS NULL OR e.reminded_at < $2)
		ORDER BY e.tenant_id, e.review_due ASC
	`, dueBy, remindedBefore)
	if err != nil {
		return nil, fmt.Errorf("list reminder candidates: %w", err)
	}
	defer rows.Close()

	items := make([]DueEntry, 0)
	for rows.Next() {
		var item DueEntry
		entry, err := scanEntry(scanFunc(func(dest ...any) error {
			return rows.Scan(append(dest, &item.TenantName)...)
		}))
		if err != nil {
			return nil, fmt.Errorf("scan reminder candidate: %w", err)
		}
		item.Entry = entry
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reminder candidates: %w", err)
	}
	return items, nil
}

type scanFunc func(dest ...any) error

func (f scanFunc) Scan(dest ...any) error { return f(dest...) }

func (s *PostgresStore) MarkReminded(ctx context.Context, entryID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE entries SET reminded_at=$2 WHERE id=$1`, entryID, at)
	if err != nil {
		return fmt.Errorf("mark reminded: %w", err)
	}
	return nil
}

// ListAllEntries feeds search reindexing.
func (s *PostgresStore) ListAllEntries(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+entryColumns+` `+entryFrom+` ORDER BY e.tenant_id, e.section`)
	if err != nil {
		return nil, fmt.Errorf("list all entries: %w", err)
	}
	return scanEntries(rows, "entry")
}
