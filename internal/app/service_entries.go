package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	"ims/api/internal/catalog"
	"ims/api/internal/forms"
	"ims/api/internal/gitrepo"
	"ims/api/internal/metrics"
	"ims/api/internal/store"
	"ims/api/internal/util"
)

const dateLayout = "2006-01-02"

var commitHashPattern = regexp.MustCompile(`^[0-9a-f]{4,40}$`)

func parseDirection(direction string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(direction)) {
	case "up":
		return true, nil
	case "down":
		return false, nil
	}
	return false, validationError("direction must be up or down")
}

func parseDate(field, value string) (*time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	parsed, err := time.Parse(dateLayout, value)
	if err != nil {
		return nil, validationError(field + " must be a YYYY-MM-DD date")
	}
	return &parsed, nil
}

func formatDate(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.Format(dateLayout)
}

func (s *Service) today() time.Time {
	now := s.now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

// addMonths moves a date forward by whole months, clamping to the last day
// of the target month.
func addMonths(from time.Time, months int) time.Time {
	first := time.Date(from.Year(), from.Month(), 1, 0, 0, 0, 0, from.Location()).AddDate(0, months, 0)
	last := first.AddDate(0, 1, -1).Day()
	day := from.Day()
	if day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, 0, 0, 0, 0, from.Location())
}

func validStatus(status string) bool {
	switch status {
	case store.EntryDraft, store.EntryActive, store.EntryArchived:
		return true
	}
	return false
}

func validReviewMonths(months int) bool {
	return months >= 1 && months <= 120
}

func categoryView(category store.Category) map[string]any {
	return map[string]any{
		"id":        category.ID,
		"section":   category.Section,
		"title":     category.Title,
		"sortOrder": category.SortOrder,
		"createdAt": category.CreatedAt,
		"updatedAt": category.UpdatedAt,
	}
}

func entryView(entry store.Entry) map[string]any {
	details := entry.Details
	if section, ok := catalog.Lookup(entry.Section); ok {
		details = forms.Current(section.Form, details)
	}
	return map[string]any{
		"id":               entry.ID,
		"section":          entry.Section,
		"categoryId":       entry.CategoryID,
		"title":            entry.Title,
		"reference":        entry.Reference,
		"body":             entry.Body,
		"ownerId":          entry.OwnerID,
		"ownerName":        entry.OwnerName,
		"status":           entry.Status,
		"sortOrder":        entry.SortOrder,
		"details":          rawOrEmpty(details),
		"reviewMonths":     entry.ReviewMonths,
		"reviewDue":        formatDate(entry.ReviewDue),
		"remindedAt":       entry.RemindedAt,
		"currentVersionId": entry.CurrentVersionID,
		"createdBy":        entry.CreatedBy,
		"updatedBy":        entry.UpdatedBy,
		"createdAt":        entry.CreatedAt,
		"updatedAt":        entry.UpdatedAt,
	}
}

func (s *Service) Sections() map[string]any {
	return map[string]any{"sections": catalog.All()}
}

// ListSection returns the section's categories in order, each with its
// entries nested.
func (s *Service) ListSection(ctx context.Context, session Session, sectionKey string, includeArchived bool) (map[string]any, error) {
	section, err := lookupSection(sectionKey)
	if err != nil {
		return nil, err
	}
	categories, err := s.store.ListCategories(ctx, session.TenantID, section.Key)
	if err != nil {
		return nil, err
	}
	entries, err := s.store.ListEntries(ctx, session.TenantID, section.Key, includeArchived)
	if err != nil {
		return nil, err
	}
	byCategory := make(map[string][]map[string]any, len(categories))
	for _, entry := range entries {
		byCategory[entry.CategoryID] = append(byCategory[entry.CategoryID], entryView(entry))
	}
	items := make([]map[string]any, 0, len(categories))
	for _, category := range categories {
		view := categoryView(category)
		nested := byCategory[category.ID]
		if nested == nil {
			nested = []map[string]any{}
		}
		view["entries"] = nested
		items = append(items, view)
	}
	return map[string]any{"section": section, "categories": items}, nil
}

func (s *Service) CreateCategory(ctx context.Context, session Session, sectionKey, title string) (map[string]any, error) {
	section, err := lookupSection(sectionKey)
	if err != nil {
		return nil, err
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, validationError("title is required")
	}
	category, err := s.store.InsertCategory(ctx, store.Category{
		ID:       util.NewID("cat"),
		TenantID: session.TenantID,
		Section:  section.Key,
		Title:    title,
	})
	if err != nil {
		return nil, err
	}
	s.audit(ctx, session, "category.created", nil, map[string]any{"categoryId": category.ID, "section": section.Key, "title": title})
	return map[string]any{"category": categoryView(category)}, nil
}

func (s *Service) RenameCategory(ctx context.Context, session Session, categoryID, title string) (map[string]any, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, validationError("title is required")
	}
	category, err := s.store.RenameCategory(ctx, session.TenantID, categoryID, title)
	if err != nil {
		return nil, err
	}
	s.audit(ctx, session, "category.renamed", nil, map[string]any{"categoryId": category.ID, "title": title})
	return map[string]any{"category": categoryView(category)}, nil
}

func (s *Service) DeleteCategory(ctx context.Context, session Session, categoryID string) error {
	category, err := s.store.GetCategory(ctx, session.TenantID, categoryID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteCategory(ctx, session.TenantID, categoryID); err != nil {
		return err
	}
	s.audit(ctx, session, "category.deleted", nil, map[string]any{"categoryId": category.ID, "section": category.Section, "title": category.Title})
	return nil
}

func (s *Service) ReorderCategory(ctx context.Context, session Session, categoryID, direction string) (map[string]any, error) {
	up, err := parseDirection(direction)
	if err != nil {
		return nil, err
	}
	moved, err := s.store.ReorderCategory(ctx, session.TenantID, categoryID, up)
	if err != nil {
		return nil, err
	}
	return map[string]any{"moved": moved}, nil
}

type EntryInput struct {
	Section      string          `json:"section"`
	CategoryID   string          `json:"categoryId"`
	Title        string          `json:"title"`
	Reference    string          `json:"reference"`
	Body         string          `json:"body"`
	OwnerID      string          `json:"ownerId"`
	Status       string          `json:"status"`
	ReviewMonths *int            `json:"reviewMonths"`
	ReviewDue    string          `json:"reviewDue"`
	Details      json.RawMessage `json:"details"`
}

// EntryPatch carries the fields of a partial update. Nil fields are left
// unchanged; an empty OwnerID clears the owner.
type EntryPatch struct {
	Title        *string         `json:"title"`
	Reference    *string         `json:"reference"`
	Body         *string         `json:"body"`
	OwnerID      *string         `json:"ownerId"`
	Status       *string         `json:"status"`
	ReviewMonths *int            `json:"reviewMonths"`
	ReviewDue    *string         `json:"reviewDue"`
	Details      json.RawMessage `json:"details"`
}

func (s *Service) checkOwner(ctx context.Context, tenantID, ownerID string) (*string, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, nil
	}
	if _, err := s.store.GetMembership(ctx, tenantID, ownerID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, validationError("owner must be a member of the organisation")
		}
		return nil, err
	}
	return &ownerID, nil
}

// CreateEntry adds an entry at the end of its category. The review interval
// defaults from the section and the first review falls due one interval
// after creation unless a date is given.
func (s *Service) CreateEntry(ctx context.Context, session Session, input EntryInput) (map[string]any, error) {
	section, err := lookupSection(input.Section)
	if err != nil {
		return nil, err
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, validationError("title is required")
	}
	if strings.TrimSpace(input.CategoryID) == "" {
		return nil, validationError("categoryId is required")
	}
	status := strings.ToUpper(strings.TrimSpace(input.Status))
	if status == "" {
		status = store.EntryDraft
	}
	if !validStatus(status) {
		return nil, validationError("status must be DRAFT, ACTIVE or ARCHIVED")
	}
	months := section.ReviewMonths
	if input.ReviewMonths != nil {
		months = *input.ReviewMonths
	}
	if !validReviewMonths(months) {
		return nil, validationError("reviewMonths must be between 1 and 120")
	}
	reviewDue, err := parseDate("reviewDue", input.ReviewDue)
	if err != nil {
		return nil, err
	}
	if reviewDue == nil && status != store.EntryArchived {
		due := addMonths(s.today(), months)
		reviewDue = &due
	}
	details, err := forms.Normalize(section.Form, input.Details)
	if err != nil {
		return nil, err
	}
	owner, err := s.checkOwner(ctx, session.TenantID, input.OwnerID)
	if err != nil {
		return nil, err
	}

	entry, err := s.store.InsertEntry(ctx, store.Entry{
		ID:           util.NewID("ent"),
		TenantID:     session.TenantID,
		Section:      section.Key,
		CategoryID:   strings.TrimSpace(input.CategoryID),
		Title:        title,
		Reference:    strings.TrimSpace(input.Reference),
		Body:         input.Body,
		OwnerID:      owner,
		Status:       status,
		Details:      details,
		ReviewMonths: months,
		ReviewDue:    reviewDue,
		CreatedBy:    session.UserName,
		UpdatedBy:    session.UserName,
	})
	if err != nil {
		return nil, err
	}

	if s.history != nil {
		if err := s.history.Ensure(entry.ID, details, session.UserName); err != nil {
			log.WithError(err).WithField("entry", entry.ID).Warn("create details history")
		}
	}
	s.audit(ctx, session, "entry.created", &entry.ID, map[string]any{
		"section":    entry.Section,
		"categoryId": entry.CategoryID,
		"title":      entry.Title,
	})
	s.indexEntry(entry)
	return map[string]any{"entry": entryView(entry)}, nil
}

func (s *Service) GetEntry(ctx context.Context, session Session, entryID string) (map[string]any, error) {
	entry, err := s.store.GetEntry(ctx, session.TenantID, entryID)
	if err != nil {
		return nil, err
	}
	versions, err := s.store.ListVersions(ctx, entry.ID)
	if err != nil {
		return nil, err
	}
	reviews, err := s.store.ListReviews(ctx, entry.ID)
	if err != nil {
		return nil, err
	}
	documents, err := s.store.ListAttachments(ctx, session.TenantID, store.AttachmentFilter{EntryID: entry.ID})
	if err != nil {
		return nil, err
	}

	versionItems := make([]map[string]any, 0, len(versions))
	for _, version := range versions {
		versionItems = append(versionItems, versionView(version))
	}
	reviewItems := make([]map[string]any, 0, len(reviews))
	for _, review := range reviews {
		reviewItems = append(reviewItems, reviewView(review))
	}
	documentItems := make([]map[string]any, 0, len(documents))
	for _, document := range documents {
		documentItems = append(documentItems, attachmentView(document))
	}

	payload := map[string]any{
		"entry":     entryView(entry),
		"versions":  versionItems,
		"reviews":   reviewItems,
		"documents": documentItems,
	}
	if section, ok := catalog.Lookup(entry.Section); ok {
		payload["section"] = section
		payload["summary"] = forms.Summarize(section.Form, entry.Details)
	}
	return payload, nil
}

// UpdateEntry applies a partial update. Changed details are committed to the
// entry's details history.
func (s *Service) UpdateEntry(ctx context.Context, session Session, entryID string, patch EntryPatch) (map[string]any, error) {
	entry, err := s.store.GetEntry(ctx, session.TenantID, entryID)
	if err != nil {
		return nil, err
	}
	section, err := lookupSection(entry.Section)
	if err != nil {
		return nil, err
	}

	changed := make([]string, 0)
	if patch.Title != nil {
		title := strings.TrimSpace(*patch.Title)
		if title == "" {
			return nil, validationError("title is required")
		}
		if title != entry.Title {
			entry.Title = title
			changed = append(changed, "title")
		}
	}
	if patch.Reference != nil && strings.TrimSpace(*patch.Reference) != entry.Reference {
		entry.Reference = strings.TrimSpace(*patch.Reference)
		changed = append(changed, "reference")
	}
	if patch.Body != nil && *patch.Body != entry.Body {
		entry.Body = *patch.Body
		changed = append(changed, "body")
	}
	if patch.OwnerID != nil {
		owner, err := s.checkOwner(ctx, session.TenantID, *patch.OwnerID)
		if err != nil {
			return nil, err
		}
		entry.OwnerID = owner
		changed = append(changed, "ownerId")
	}
	if patch.Status != nil {
		status := strings.ToUpper(strings.TrimSpace(*patch.Status))
		if !validStatus(status) {
			return nil, validationError("status must be DRAFT, ACTIVE or ARCHIVED")
		}
		if status != entry.Status {
			entry.Status = status
			changed = append(changed, "status")
		}
	}
	if patch.ReviewMonths != nil {
		if !validReviewMonths(*patch.ReviewMonths) {
			return nil, validationError("reviewMonths must be between 1 and 120")
		}
		if *patch.ReviewMonths != entry.ReviewMonths {
			entry.ReviewMonths = *patch.ReviewMonths
			changed = append(changed, "reviewMonths")
		}
	}
	if patch.ReviewDue != nil {
		due, err := parseDate("reviewDue", *patch.ReviewDue)
		if err != nil {
			return nil, err
		}
		entry.ReviewDue = due
		changed = append(changed, "reviewDue")
	}
	detailsChanged := false
	if patch.Details != nil {
		details, err := forms.Normalize(section.Form, patch.Details)
		if err != nil {
			return nil, err
		}
		if gitrepo.HasChanges(entry.Details, details) {
			entry.Details = details
			detailsChanged = true
			changed = append(changed, "details")
		}
	}
	if len(changed) == 0 {
		return map[string]any{"entry": entryView(entry)}, nil
	}

	entry.UpdatedBy = session.UserName
	updated, err := s.store.UpdateEntry(ctx, entry)
	if err != nil {
		return nil, err
	}
	if detailsChanged && s.history != nil {
		if _, _, err := s.history.Commit(updated.ID, updated.Details, session.UserName, "Update details"); err != nil {
			log.WithError(err).WithField("entry", updated.ID).Warn("commit details history")
		}
	}
	s.audit(ctx, session, "entry.updated", &updated.ID, map[string]any{"fields": changed})
	s.indexEntry(updated)
	return map[string]any{"entry": entryView(updated)}, nil
}

// SetArchived archives an entry or returns it to ACTIVE.
func (s *Service) SetArchived(ctx context.Context, session Session, entryID string, archived bool) (map[string]any, error) {
	entry, err := s.store.GetEntry(ctx, session.TenantID, entryID)
	if err != nil {
		return nil, err
	}
	status := store.EntryActive
	event := "entry.unarchived"
	if archived {
		status = store.EntryArchived
		event = "entry.archived"
	}
	if entry.Status == status {
		return map[string]any{"entry": entryView(entry)}, nil
	}
	entry.Status = status
	entry.UpdatedBy = session.UserName
	updated, err := s.store.UpdateEntry(ctx, entry)
	if err != nil {
		return nil, err
	}
	s.audit(ctx, session, event, &updated.ID, map[string]any{"title": updated.Title})
	s.indexEntry(updated)
	return map[string]any{"entry": entryView(updated)}, nil
}

// DeleteEntry removes the entry with its versions, reviews and attachments,
// then cleans up blobs, search records and the details history.
func (s *Service) DeleteEntry(ctx context.Context, session Session, entryID string) error {
	entry, err := s.store.GetEntry(ctx, session.TenantID, entryID)
	if err != nil {
		return err
	}
	documents, err := s.store.ListAttachments(ctx, session.TenantID, store.AttachmentFilter{EntryID: entry.ID})
	if err != nil {
		return err
	}
	blobKeys, err := s.store.DeleteEntry(ctx, session.TenantID, entry.ID)
	if err != nil {
		return err
	}

	for _, key := range blobKeys {
		if _, err := s.blobs.Delete(ctx, key); err != nil {
			log.WithError(err).WithField("key", key).Warn("delete entry blob")
		}
	}
	if s.search != nil {
		s.search.DeleteEntry(entry.ID)
		for _, document := range documents {
			s.search.DeleteDocument(document.ID)
		}
	}
	if s.history != nil {
		if err := s.history.Delete(entry.ID); err != nil {
			log.WithError(err).WithField("entry", entry.ID).Warn("delete details history")
		}
	}
	s.audit(ctx, session, "entry.deleted", &entry.ID, map[string]any{
		"section":   entry.Section,
		"title":     entry.Title,
		"documents": len(blobKeys),
	})
	return nil
}

func (s *Service) ReorderEntry(ctx context.Context, session Session, entryID, direction string) (map[string]any, error) {
	up, err := parseDirection(direction)
	if err != nil {
		return nil, err
	}
	moved, err := s.store.ReorderEntry(ctx, session.TenantID, entryID, up)
	if err != nil {
		return nil, err
	}
	return map[string]any{"moved": moved}, nil
}

type MoveInput struct {
	Section     string `json:"section"`
	CategoryID  string `json:"categoryId"`
	DropDetails bool   `json:"dropDetails"`
}

// MoveEntry relocates an entry to another section or category. Details
// written for a different form kind block the move unless the caller agrees
// to drop them.
func (s *Service) MoveEntry(ctx context.Context, session Session, entryID string, input MoveInput) (map[string]any, error) {
	entry, err := s.store.GetEntry(ctx, session.TenantID, entryID)
	if err != nil {
		return nil, err
	}
	target, err := lookupSection(strings.TrimSpace(input.Section))
	if err != nil {
		return nil, err
	}
	categoryID := strings.TrimSpace(input.CategoryID)
	if categoryID == "" {
		return nil, validationError("categoryId is required")
	}
	if entry.Section == target.Key && entry.CategoryID == categoryID {
		return map[string]any{"entry": entryView(entry), "moved": false}, nil
	}

	resetDetails := false
	if source, ok := catalog.Lookup(entry.Section); ok && source.Form != target.Form && !forms.IsEmpty(entry.Details) {
		if !input.DropDetails {
			return nil, domainError(http.StatusConflict, "DETAILS_INCOMPATIBLE", "The entry's form details do not fit the target section", map[string]any{
				"fromForm": source.Form,
				"toForm":   target.Form,
			})
		}
		resetDetails = true
	}

	moved, err := s.store.MoveEntry(ctx, session.TenantID, entry.ID, store.MoveTarget{
		Section:      target.Key,
		CategoryID:   categoryID,
		ResetDetails: resetDetails,
		MovedByID:    session.UserID,
		MovedBy:      session.UserName,
	})
	if err != nil {
		return nil, err
	}
	metrics.RecordEntryMove(entry.Section, moved.Section)

	if resetDetails && s.history != nil {
		if _, _, err := s.history.Commit(moved.ID, moved.Details, session.UserName, "Clear details on move to "+target.Title); err != nil {
			log.WithError(err).WithField("entry", moved.ID).Warn("commit details history")
		}
	}
	s.indexEntry(moved)
	if s.search != nil && moved.Section != entry.Section {
		documents, err := s.store.ListAttachments(ctx, session.TenantID, store.AttachmentFilter{EntryID: moved.ID})
		if err != nil {
			log.WithError(err).WithField("entry", moved.ID).Warn("list documents for reindex")
		}
		for _, document := range documents {
			s.search.IndexDocument(document, moved.Section)
		}
	}
	return map[string]any{"entry": entryView(moved), "moved": true}, nil
}

func commitView(info store.CommitInfo) map[string]any {
	return map[string]any{
		"hash":      info.Hash,
		"message":   strings.TrimSpace(info.Message),
		"author":    info.Author,
		"createdAt": info.CreatedAt,
	}
}

// DetailsHistory lists the commits of an entry's details, newest first.
func (s *Service) DetailsHistory(ctx context.Context, session Session, entryID string, limit int) (map[string]any, error) {
	entry, err := s.store.GetEntry(ctx, session.TenantID, entryID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0)
	if s.history == nil {
		return map[string]any{"commits": items}, nil
	}
	commits, err := s.history.History(entry.ID, limit)
	if errors.Is(err, gitrepo.ErrNoHistory) {
		return map[string]any{"commits": items}, nil
	}
	if err != nil {
		return nil, err
	}
	for _, commit := range commits {
		items = append(items, commitView(commit))
	}
	return map[string]any{"commits": items}, nil
}

// DetailsAt returns the details recorded by a commit and how they differ
// from the entry's current details.
func (s *Service) DetailsAt(ctx context.Context, session Session, entryID, hash string) (map[string]any, error) {
	entry, err := s.store.GetEntry(ctx, session.TenantID, entryID)
	if err != nil {
		return nil, err
	}
	hash = strings.ToLower(strings.TrimSpace(hash))
	if !commitHashPattern.MatchString(hash) {
		return nil, validationError("hash must be a hexadecimal commit id")
	}
	if s.history == nil {
		return nil, domainError(http.StatusNotFound, "COMMIT_NOT_FOUND", "Commit not found", nil)
	}
	details, info, err := s.history.DetailsAt(entry.ID, hash)
	if err != nil {
		if !errors.Is(err, gitrepo.ErrNoHistory) {
			log.WithError(err).WithField("entry", entry.ID).Debug("read details at commit")
		}
		return nil, domainError(http.StatusNotFound, "COMMIT_NOT_FOUND", "Commit not found", nil)
	}
	payload := map[string]any{
		"commit":  commitView(info),
		"details": rawOrEmpty(details),
		"changes": gitrepo.DiffFields(details, entry.Details),
	}
	if section, ok := catalog.Lookup(entry.Section); ok {
		payload["details"] = rawOrEmpty(forms.Current(section.Form, details))
		payload["summary"] = forms.Summarize(section.Form, details)
	}
	return payload, nil
}

func (s *Service) indexEntry(entry store.Entry) {
	if s.search != nil {
		s.search.IndexEntry(entry)
	}
}
