package app

import (
	"context"
	"strings"

	"ims/api/internal/catalog"
	"ims/api/internal/store"
	"ims/api/internal/util"
)

func versionView(version store.Version) map[string]any {
	return map[string]any{
		"id":           version.ID,
		"entryId":      version.EntryID,
		"number":       version.Number,
		"label":        version.Label,
		"notes":        version.Notes,
		"attachmentId": version.AttachmentID,
		"filename":     version.Filename,
		"createdBy":    version.CreatedBy,
		"createdAt":    version.CreatedAt,
	}
}

func reviewView(review store.Review) map[string]any {
	return map[string]any{
		"id":            review.ID,
		"entryId":       review.EntryID,
		"reviewerName":  review.ReviewerName,
		"reviewedOn":    review.ReviewedOn.Format(dateLayout),
		"outcome":       review.Outcome,
		"notes":         review.Notes,
		"nextReviewDue": formatDate(review.NextReviewDue),
		"createdBy":     review.CreatedBy,
		"createdAt":     review.CreatedAt,
	}
}

type VersionInput struct {
	Label string `json:"label"`
	Notes string `json:"notes"`
}

// AddVersion records a new issue of an entry and makes it current. The
// uploaded file, when present, is stored as a document of the entry.
func (s *Service) AddVersion(ctx context.Context, session Session, entryID string, input VersionInput, upload *Upload) (map[string]any, error) {
	entry, err := s.store.GetEntry(ctx, session.TenantID, entryID)
	if err != nil {
		return nil, err
	}

	version := store.Version{
		ID:        util.NewID("ver"),
		EntryID:   entry.ID,
		Label:     strings.TrimSpace(input.Label),
		Notes:     strings.TrimSpace(input.Notes),
		CreatedBy: session.UserName,
	}
	var attachment *store.Attachment
	if upload != nil {
		stored, err := s.storeUpload(ctx, session, upload, entry.Section, &entry)
		if err != nil {
			return nil, err
		}
		attachment = &stored
		version.AttachmentID = &stored.ID
		version.Filename = stored.Filename
	}

	created, err := s.store.InsertVersion(ctx, session.TenantID, version)
	if err != nil {
		if attachment != nil {
			s.discardAttachment(ctx, session.TenantID, *attachment)
		}
		return nil, err
	}
	created.Filename = version.Filename
	s.audit(ctx, session, "version.created", &entry.ID, map[string]any{
		"versionId": created.ID,
		"number":    created.Number,
		"label":     created.Label,
	})
	return map[string]any{"version": versionView(created)}, nil
}

func (s *Service) ListVersions(ctx context.Context, session Session, entryID string) (map[string]any, error) {
	entry, err := s.store.GetEntry(ctx, session.TenantID, entryID)
	if err != nil {
		return nil, err
	}
	versions, err := s.store.ListVersions(ctx, entry.ID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(versions))
	for _, version := range versions {
		items = append(items, versionView(version))
	}
	return map[string]any{"versions": items}, nil
}

type ReviewInput struct {
	ReviewerName string `json:"reviewerName"`
	ReviewedOn   string `json:"reviewedOn"`
	Outcome      string `json:"outcome"`
	Notes        string `json:"notes"`
}

// AddReview records a periodic review. The next review falls due one
// interval after the review date; a withdrawn entry is archived instead.
func (s *Service) AddReview(ctx context.Context, session Session, entryID string, input ReviewInput) (map[string]any, error) {
	entry, err := s.store.GetEntry(ctx, session.TenantID, entryID)
	if err != nil {
		return nil, err
	}
	outcome := strings.ToUpper(strings.TrimSpace(input.Outcome))
	switch outcome {
	case store.OutcomeNoChange, store.OutcomeUpdated, store.OutcomeWithdrawn:
	default:
		return nil, validationError("outcome must be NO_CHANGE, UPDATED or WITHDRAWN")
	}
	reviewedOn, err := parseDate("reviewedOn", input.ReviewedOn)
	if err != nil {
		return nil, err
	}
	if reviewedOn == nil {
		today := s.today()
		reviewedOn = &today
	}
	reviewer := strings.TrimSpace(input.ReviewerName)
	if reviewer == "" {
		reviewer = session.UserName
	}

	review := store.Review{
		ID:           util.NewID("rev"),
		EntryID:      entry.ID,
		ReviewerName: reviewer,
		ReviewedOn:   *reviewedOn,
		Outcome:      outcome,
		Notes:        strings.TrimSpace(input.Notes),
		CreatedBy:    session.UserName,
	}
	if outcome != store.OutcomeWithdrawn {
		next := addMonths(*reviewedOn, entry.ReviewMonths)
		review.NextReviewDue = &next
	}

	created, err := s.store.InsertReview(ctx, session.TenantID, review)
	if err != nil {
		return nil, err
	}
	updated, err := s.store.GetEntry(ctx, session.TenantID, entry.ID)
	if err != nil {
		return nil, err
	}
	s.audit(ctx, session, "review.recorded", &entry.ID, map[string]any{
		"reviewId":      created.ID,
		"outcome":       created.Outcome,
		"nextReviewDue": formatDate(created.NextReviewDue),
	})
	s.indexEntry(updated)
	return map[string]any{"review": reviewView(created), "entry": entryView(updated)}, nil
}

func (s *Service) ListReviews(ctx context.Context, session Session, entryID string) (map[string]any, error) {
	entry, err := s.store.GetEntry(ctx, session.TenantID, entryID)
	if err != nil {
		return nil, err
	}
	reviews, err := s.store.ListReviews(ctx, entry.ID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(reviews))
	for _, review := range reviews {
		items = append(items, reviewView(review))
	}
	return map[string]any{"reviews": items}, nil
}

// DueReviews lists entries whose review falls within days from today,
// overdue ones included. days <= 0 uses the reminder window.
func (s *Service) DueReviews(ctx context.Context, session Session, days int) (map[string]any, error) {
	if days <= 0 {
		days = s.cfg.ReminderWindowDays
	}
	if days <= 0 {
		days = 30
	}
	if days > 366 {
		return nil, validationError("days must be at most 366")
	}
	today := s.today()
	dueBy := today.AddDate(0, 0, days)
	entries, err := s.store.ListDueEntries(ctx, session.TenantID, dueBy)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		view := entryView(entry)
		if section, ok := catalog.Lookup(entry.Section); ok {
			view["sectionTitle"] = section.Title
		}
		view["overdue"] = entry.ReviewDue != nil && entry.ReviewDue.Before(today)
		items = append(items, view)
	}
	return map[string]any{"days": days, "dueBy": dueBy.Format(dateLayout), "entries": items}, nil
}
