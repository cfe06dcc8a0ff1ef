package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrAttachmentInUse is returned when deleting a document a version still references.
var ErrAttachmentInUse = errors.New("attachment is referenced by a version")

const attachmentColumns = `id, tenant_id, entry_id, folder, filename, content_type, size_bytes, sha256, blob_key, uploaded_by, uploaded_at`

func scanAttachment(row interface{ Scan(...any) error }) (Attachment, error) {
	var item Attachment
	var entryID sql.NullString
	err := row.Scan(
		&item.ID,
		&item.TenantID,
		&entryID,
		&item.Folder,
		&item.Filename,
		&item.ContentType,
		&item.SizeBytes,
		&item.SHA256,
		&item.BlobKey,
		&item.UploadedBy,
		&item.UploadedAt,
	)
	if err != nil {
		return Attachment{}, err
	}
	item.EntryID = stringPtr(entryID)
	return item, nil
}

func (s *PostgresStore) InsertAttachment(ctx context.Context, item Attachment) (Attachment, error) {
	created, err := scanAttachment(s.db.QueryRowContext(ctx, `
		INSERT INTO attachments (id, tenant_id, entry_id, folder, filename, content_type, size_bytes, sha256, blob_key, uploaded_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING `+attachmentColumns,
		item.ID,
		item.TenantID,
		nullString(item.EntryID),
		item.Folder,
		item.Filename,
		item.ContentType,
		item.SizeBytes,
		item.SHA256,
		item.BlobKey,
		item.UploadedBy,
	))
	if err != nil {
		return Attachment{}, fmt.Errorf("insert attachment: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) GetAttachment(ctx context.Context, tenantID, attachmentID string) (Attachment, error) {
	return scanAttachment(s.db.QueryRowContext(ctx, `
		SELECT `+attachmentColumns+` FROM attachments WHERE tenant_id=$1 AND id=$2
	`, tenantID, attachmentID))
}

// ListAttachments filters by folder, entry and a filename substring; empty
// filter fields match everything.
func (s *PostgresStore) ListAttachments(ctx context.Context, tenantID string, filter AttachmentFilter) ([]Attachment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+attachmentColumns+`
		FROM attachments
		WHERE tenant_id=$1
			AND ($2='' OR folder=$2)
			AND ($3='' OR entry_id=$3)
			AND ($4='' OR filename ILIKE '%' || $4 || '%')
		ORDER BY uploaded_at DESC
	`, tenantID, filter.Folder, filter.EntryID, filter.Query)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	items := make([]Attachment, 0)
	for rows.Next() {
		item, err := scanAttachment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attachments: %w", err)
	}
	return items, nil
}

// DeleteAttachment removes the metadata row and returns it so the caller
// can drop the blob.
func (s *PostgresStore) DeleteAttachment(ctx context.Context, tenantID, attachmentID string) (Attachment, error) {
	var deleted Attachment
	err := s.inTx(ctx, "delete attachment", func(tx *sql.Tx) error {
		var inUse bool
		if err := tx.QueryRowContext(ctx, `
			SELECT EXISTS(SELECT 1 FROM entry_versions WHERE attachment_id=$1)
		`, attachmentID).Scan(&inUse); err != nil {
			return fmt.Errorf("check attachment use: %w", err)
		}
		if inUse {
			return ErrAttachmentInUse
		}
		item, err := scanAttachment(tx.QueryRowContext(ctx, `
			DELETE FROM attachments WHERE tenant_id=$1 AND id=$2 RETURNING `+attachmentColumns,
			tenantID, attachmentID))
		if err != nil {
			return err
		}
		deleted = item
		return nil
	})
	if err != nil {
		return Attachment{}, err
	}
	return deleted, nil
}

func (s *PostgresStore) ListAllAttachments(ctx context.Context) ([]Attachment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+attachmentColumns+` FROM attachments ORDER BY tenant_id, uploaded_at`)
	if err != nil {
		return nil, fmt.Errorf("list all attachments: %w", err)
	}
	defer rows.Close()

	items := make([]Attachment, 0)
	for rows.Next() {
		item, err := scanAttachment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attachments: %w", err)
	}
	return items, nil
}
