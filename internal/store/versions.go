package store

import (
	"context"
	"database/sql"
	"fmt"
)

func (s *PostgresStore) ListVersions(ctx context.Context, entryID string) ([]Version, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT v.id, v.entry_id, v.number, v.label, v.notes, v.attachment_id, COALESCE(a.filename, ''), v.created_by, v.created_at
		FROM entry_versions v
		LEFT JOIN attachments a ON a.id = v.attachment_id
		WHERE v.entry_id=$1
		ORDER BY v.number DESC
	`, entryID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	items := make([]Version, 0)
	for rows.Next() {
		var item Version
		var attachmentID sql.NullString
		if err := rows.Scan(&item.ID, &item.EntryID, &item.Number, &item.Label, &item.Notes, &attachmentID, &item.Filename, &item.CreatedBy, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		item.AttachmentID = stringPtr(attachmentID)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return items, nil
}

// InsertVersion numbers the version after the latest one of its entry and
// makes it the entry's current version.
func (s *PostgresStore) InsertVersion(ctx context.Context, tenantID string, item Version) (Version, error) {
	err := s.inTx(ctx, "insert version", func(tx *sql.Tx) error {
		var locked string
		err := tx.QueryRowContext(ctx, `SELECT id FROM entries WHERE tenant_id=$1 AND id=$2 FOR UPDATE`, tenantID, item.EntryID).Scan(&locked)
		if err != nil {
			return err
		}
		err = tx.QueryRowContext(ctx, `
			INSERT INTO entry_versions (id, entry_id, number, label, notes, attachment_id, created_by)
			VALUES ($1, $2, (SELECT COALESCE(MAX(number), 0) + 1 FROM entry_versions WHERE entry_id=$2), $3, $4, $5, $6)
			RETURNING number, created_at
		`, item.ID, item.EntryID, item.Label, item.Notes, nullString(item.AttachmentID), item.CreatedBy).Scan(&item.Number, &item.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert version: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE entries SET current_version_id=$2, updated_by=$3, updated_at=NOW() WHERE id=$1
		`, item.EntryID, item.ID, item.CreatedBy); err != nil {
			return fmt.Errorf("set current version: %w", err)
		}
		return nil
	})
	if err != nil {
		return Version{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListReviews(ctx context.Context, entryID string) ([]Review, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entry_id, reviewer_name, reviewed_on, outcome, notes, next_review_due, created_by, created_at
		FROM entry_reviews
		WHERE entry_id=$1
		ORDER BY reviewed_on DESC, created_at DESC
	`, entryID)
	if err != nil {
		return nil, fmt.Errorf("list reviews: %w", err)
	}
	defer rows.Close()

	items := make([]Review, 0)
	for rows.Next() {
		var item Review
		var nextDue sql.NullTime
		if err := rows.Scan(&item.ID, &item.EntryID, &item.ReviewerName, &item.ReviewedOn, &item.Outcome, &item.Notes, &nextDue, &item.CreatedBy, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan review: %w", err)
		}
		if nextDue.Valid {
			item.NextReviewDue = &nextDue.Time
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reviews: %w", err)
	}
	return items, nil
}

// InsertReview records a review and carries its outcome onto the entry:
// the next due date replaces the entry's review date and clears the
// reminder stamp. A withdrawn entry is archived with no due date.
func (s *PostgresStore) InsertReview(ctx context.Context, tenantID string, item Review) (Review, error) {
	err := s.inTx(ctx, "insert review", func(tx *sql.Tx) error {
		var locked string
		err := tx.QueryRowContext(ctx, `SELECT id FROM entries WHERE tenant_id=$1 AND id=$2 FOR UPDATE`, tenantID, item.EntryID).Scan(&locked)
		if err != nil {
			return err
		}
		err = tx.QueryRowContext(ctx, `
			INSERT INTO entry_reviews (id, entry_id, reviewer_name, reviewed_on, outcome, notes, next_review_due, created_by)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING created_at
		`, item.ID, item.EntryID, item.ReviewerName, item.ReviewedOn, item.Outcome, item.Notes, item.NextReviewDue, item.CreatedBy).Scan(&item.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert review: %w", err)
		}

		if item.Outcome == OutcomeWithdrawn {
			_, err = tx.ExecContext(ctx, `
				UPDATE entries SET status='ARCHIVED', review_due=NULL, reminded_at=NULL, updated_by=$2, updated_at=NOW()
				WHERE id=$1
			`, item.EntryID, item.CreatedBy)
		} else {
			_, err = tx.ExecContext(ctx, `
				UPDATE entries SET review_due=$2, reminded_at=NULL, updated_by=$3, updated_at=NOW()
				WHERE id=$1
			`, item.EntryID, item.NextReviewDue, item.CreatedBy)
		}
		if err != nil {
			return fmt.Errorf("apply review to entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return Review{}, err
	}
	return item, nil
}
