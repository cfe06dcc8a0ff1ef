package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"ims/api/internal/blob"
	"ims/api/internal/metrics"
	"ims/api/internal/store"
	"ims/api/internal/util"

	"github.com/gabriel-vasile/mimetype"
)

const downloadURLExpiry = 15 * time.Minute

func attachmentView(attachment store.Attachment) map[string]any {
	return map[string]any{
		"id":          attachment.ID,
		"entryId":     attachment.EntryID,
		"folder":      attachment.Folder,
		"filename":    attachment.Filename,
		"contentType": attachment.ContentType,
		"sizeBytes":   attachment.SizeBytes,
		"sha256":      attachment.SHA256,
		"uploadedBy":  attachment.UploadedBy,
		"uploadedAt":  attachment.UploadedAt,
	}
}

type countingWriter struct {
	n int64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.n += int64(len(p))
	return len(p), nil
}

// cleanFilename keeps the base name of a client-supplied filename.
func cleanFilename(name string) string {
	name = strings.ReplaceAll(strings.TrimSpace(name), "\\", "/")
	name = path.Base(name)
	if name == "." || name == "/" || name == "" {
		return "upload"
	}
	return name
}

func blobKeyName(filename string) string {
	var b strings.Builder
	for _, r := range filename {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'), r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.TrimLeft(b.String(), ".")
	if out == "" {
		return "file"
	}
	return out
}

func (s *Service) allowedType(detected *mimetype.MIME) bool {
	if len(s.cfg.UploadTypes) == 0 {
		return true
	}
	for _, allowed := range s.cfg.UploadTypes {
		for m := detected; m != nil; m = m.Parent() {
			if m.Is(allowed) {
				return true
			}
		}
	}
	return false
}

// storeUpload sniffs, hashes and stores an uploaded file and records it as
// an attachment. entry is nil for documents filed outside an entry.
func (s *Service) storeUpload(ctx context.Context, session Session, upload *Upload, folder string, entry *store.Entry) (store.Attachment, error) {
	limit := s.cfg.UploadMaxBytes
	if limit > 0 && upload.Size > limit {
		return store.Attachment{}, domainError(http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", "Upload exceeds the size limit", map[string]any{"limit": limit})
	}
	detected, err := mimetype.DetectReader(upload.Reader)
	if err != nil {
		return store.Attachment{}, err
	}
	if !s.allowedType(detected) {
		return store.Attachment{}, domainError(http.StatusUnsupportedMediaType, "UNSUPPORTED_MEDIA_TYPE", "File type is not allowed", map[string]any{"contentType": detected.String()})
	}
	if _, err := upload.Reader.Seek(0, io.SeekStart); err != nil {
		return store.Attachment{}, err
	}

	id := util.NewID("doc")
	filename := cleanFilename(upload.Filename)
	key := session.TenantID + "/" + id + "/" + blobKeyName(filename)

	hasher := sha256.New()
	counter := &countingWriter{}
	var reader io.Reader = io.TeeReader(upload.Reader, io.MultiWriter(hasher, counter))
	if limit > 0 {
		reader = io.LimitReader(reader, limit+1)
	}
	if _, err := s.blobs.Put(ctx, key, reader, blob.PutOptions{
		ContentType: detected.String(),
		Metadata:    map[string]string{"filename": filename, "tenant": session.TenantID},
	}); err != nil {
		return store.Attachment{}, err
	}
	if counter.n == 0 || (limit > 0 && counter.n > limit) {
		if _, err := s.blobs.Delete(ctx, key); err != nil {
			log.WithError(err).WithField("key", key).Warn("delete rejected upload")
		}
		if counter.n == 0 {
			return store.Attachment{}, validationError("file is empty")
		}
		return store.Attachment{}, domainError(http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", "Upload exceeds the size limit", map[string]any{"limit": limit})
	}

	attachment := store.Attachment{
		ID:          id,
		TenantID:    session.TenantID,
		Folder:      strings.TrimSpace(folder),
		Filename:    filename,
		ContentType: detected.String(),
		SizeBytes:   counter.n,
		SHA256:      hex.EncodeToString(hasher.Sum(nil)),
		BlobKey:     key,
		UploadedBy:  session.UserName,
	}
	section := ""
	if entry != nil {
		attachment.EntryID = &entry.ID
		section = entry.Section
	}
	created, err := s.store.InsertAttachment(ctx, attachment)
	if err != nil {
		if _, delErr := s.blobs.Delete(ctx, key); delErr != nil {
			log.WithError(delErr).WithField("key", key).Warn("delete orphaned upload")
		}
		return store.Attachment{}, err
	}

	metrics.RecordUpload(created.SizeBytes)
	if s.search != nil {
		s.search.IndexDocument(created, section)
	}
	s.audit(ctx, session, "document.uploaded", created.EntryID, map[string]any{
		"documentId": created.ID,
		"filename":   created.Filename,
		"sizeBytes":  created.SizeBytes,
	})
	return created, nil
}

// discardAttachment undoes storeUpload after a later step failed.
func (s *Service) discardAttachment(ctx context.Context, tenantID string, attachment store.Attachment) {
	if _, err := s.store.DeleteAttachment(ctx, tenantID, attachment.ID); err != nil {
		log.WithError(err).WithField("document", attachment.ID).Warn("discard attachment")
	}
	if _, err := s.blobs.Delete(ctx, attachment.BlobKey); err != nil {
		log.WithError(err).WithField("key", attachment.BlobKey).Warn("discard attachment blob")
	}
	if s.search != nil {
		s.search.DeleteDocument(attachment.ID)
	}
}

// UploadDocument files a document in the document manager, optionally
// attached to an entry.
func (s *Service) UploadDocument(ctx context.Context, session Session, folder, entryID string, upload *Upload) (map[string]any, error) {
	if upload == nil {
		return nil, validationError("file is required")
	}
	var entry *store.Entry
	if entryID = strings.TrimSpace(entryID); entryID != "" {
		found, err := s.store.GetEntry(ctx, session.TenantID, entryID)
		if err != nil {
			return nil, err
		}
		entry = &found
	}
	attachment, err := s.storeUpload(ctx, session, upload, folder, entry)
	if err != nil {
		return nil, err
	}
	return map[string]any{"document": attachmentView(attachment)}, nil
}

func (s *Service) ListDocuments(ctx context.Context, session Session, filter store.AttachmentFilter) (map[string]any, error) {
	documents, err := s.store.ListAttachments(ctx, session.TenantID, filter)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(documents))
	for _, document := range documents {
		items = append(items, attachmentView(document))
	}
	return map[string]any{"documents": items}, nil
}

func (s *Service) GetDocument(ctx context.Context, session Session, documentID string) (map[string]any, error) {
	document, err := s.store.GetAttachment(ctx, session.TenantID, documentID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"document": attachmentView(document)}, nil
}

// Download is either a pre-signed URL or an open stream of the content.
type Download struct {
	Document store.Attachment
	URL      string
	Body     io.ReadCloser
}

// OpenDocument prefers a pre-signed URL and falls back to streaming when
// the blob driver cannot sign.
func (s *Service) OpenDocument(ctx context.Context, session Session, documentID string) (Download, error) {
	document, err := s.store.GetAttachment(ctx, session.TenantID, documentID)
	if err != nil {
		return Download{}, err
	}
	signed, err := s.blobs.PresignURL(ctx, document.BlobKey, blob.SignedURLOptions{
		Expiry:   downloadURLExpiry,
		Filename: document.Filename,
	})
	if err == nil {
		return Download{Document: document, URL: signed}, nil
	}
	if !errors.Is(err, blob.ErrUnsupported) {
		return Download{}, err
	}
	_, body, err := s.blobs.Get(ctx, document.BlobKey)
	if errors.Is(err, blob.ErrNotFound) {
		log.WithField("document", document.ID).Error("document blob missing")
		return Download{}, domainError(http.StatusNotFound, "NOT_FOUND", "Document content is missing", nil)
	}
	if err != nil {
		return Download{}, err
	}
	return Download{Document: document, Body: body}, nil
}

// DeleteDocument removes a document that no version references.
func (s *Service) DeleteDocument(ctx context.Context, session Session, documentID string) error {
	document, err := s.store.DeleteAttachment(ctx, session.TenantID, documentID)
	if err != nil {
		return err
	}
	if _, err := s.blobs.Delete(ctx, document.BlobKey); err != nil {
		log.WithError(err).WithField("key", document.BlobKey).Warn("delete document blob")
	}
	if s.search != nil {
		s.search.DeleteDocument(document.ID)
	}
	s.audit(ctx, session, "document.deleted", document.EntryID, map[string]any{
		"documentId": document.ID,
		"filename":   document.Filename,
	})
	return nil
}
