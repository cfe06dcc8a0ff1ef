package export

import (
	"context"
	"fmt"
	"time"

	"ims/api/internal/catalog"
	"ims/api/internal/forms"
	"ims/api/internal/logging"
	"ims/api/internal/store"
)

var log = logging.Component("export")

// DataStore is the read side of the store used for exports.
type DataStore interface {
	GetTenant(ctx context.Context, id string) (store.Tenant, error)
	GetEntry(ctx context.Context, tenantID, id string) (store.Entry, error)
	GetCategory(ctx context.Context, tenantID, id string) (store.Category, error)
	ListCategories(ctx context.Context, tenantID, section string) ([]store.Category, error)
	ListEntries(ctx context.Context, tenantID, section string, includeArchived bool) ([]store.Entry, error)
	ListVersions(ctx context.Context, entryID string) ([]store.Version, error)
	ListReviews(ctx context.Context, entryID string) ([]store.Review, error)
}

type converter func(ctx context.Context, html, title string) (*Result, error)

// Service provides entry and register export.
type Service struct {
	store DataStore
	pdf   converter
	docx  converter
	now   func() time.Time
}

func NewService(store DataStore) *Service {
	return &Service{
		store: store,
		pdf:   exportPDF,
		docx:  exportDOCX,
		now:   time.Now,
	}
}

// ExportEntry renders one entry with its details, revision history and
// reviews.
func (s *Service) ExportEntry(ctx context.Context, tenantID, entryID string, format Format) (*Result, error) {
	entry, err := s.store.GetEntry(ctx, tenantID, entryID)
	if err != nil {
		return nil, err
	}
	tenant, err := s.store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	category, err := s.store.GetCategory(ctx, tenantID, entry.CategoryID)
	if err != nil {
		return nil, fmt.Errorf("get category: %w", err)
	}
	versions, err := s.store.ListVersions(ctx, entry.ID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	reviews, err := s.store.ListReviews(ctx, entry.ID)
	if err != nil {
		return nil, fmt.Errorf("list reviews: %w", err)
	}
	body, err := MarkdownToHTML(entry.Body)
	if err != nil {
		return nil, err
	}

	section, _ := catalog.Lookup(entry.Section)
	data := EntryData{
		TenantName:   tenant.Name,
		SectionTitle: section.Title,
		Clause:       section.Clause,
		Category:     category.Title,
		Title:        entry.Title,
		Reference:    entry.Reference,
		Status:       entry.Status,
		Owner:        entry.OwnerName,
		ReviewMonths: entry.ReviewMonths,
		ReviewDue:    entry.ReviewDue,
		BodyHTML:     body,
		Details:      forms.Summarize(section.Form, entry.Details),
		GeneratedAt:  s.now(),
	}
	for _, v := range versions {
		data.Versions = append(data.Versions, VersionRow{
			Number:    v.Number,
			Label:     v.Label,
			Notes:     v.Notes,
			Filename:  v.Filename,
			CreatedBy: v.CreatedBy,
			CreatedAt: v.CreatedAt,
		})
	}
	for _, r := range reviews {
		data.Reviews = append(data.Reviews, ReviewRow{
			ReviewedOn:    r.ReviewedOn,
			ReviewerName:  r.ReviewerName,
			Outcome:       r.Outcome,
			Notes:         r.Notes,
			NextReviewDue: r.NextReviewDue,
		})
	}

	html, err := RenderEntryHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render entry: %w", err)
	}
	title := entry.Title
	if entry.Reference != "" {
		title = entry.Reference + " " + entry.Title
	}
	return s.convert(ctx, html, title, format)
}

// ExportRegister renders every entry of a section grouped by category.
func (s *Service) ExportRegister(ctx context.Context, tenantID, sectionKey string, includeArchived bool, format Format) (*Result, error) {
	section, ok := catalog.Lookup(sectionKey)
	if !ok {
		return nil, fmt.Errorf("unknown section %q", sectionKey)
	}
	tenant, err := s.store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	categories, err := s.store.ListCategories(ctx, tenantID, sectionKey)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	entries, err := s.store.ListEntries(ctx, tenantID, sectionKey, includeArchived)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}

	byCategory := make(map[string][]RegisterRow, len(categories))
	for _, entry := range entries {
		current, err := s.currentVersionLabel(ctx, entry)
		if err != nil {
			return nil, err
		}
		byCategory[entry.CategoryID] = append(byCategory[entry.CategoryID], RegisterRow{
			Reference:      entry.Reference,
			Title:          entry.Title,
			Owner:          entry.OwnerName,
			Status:         entry.Status,
			CurrentVersion: current,
			ReviewDue:      entry.ReviewDue,
		})
	}

	data := RegisterData{
		TenantName:   tenant.Name,
		SectionTitle: section.Title,
		Clause:       section.Clause,
		GeneratedAt:  s.now(),
	}
	for _, category := range categories {
		data.Categories = append(data.Categories, RegisterCategory{
			Title: category.Title,
			Rows:  byCategory[category.ID],
		})
	}

	html, err := RenderRegisterHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render register: %w", err)
	}
	return s.convert(ctx, html, section.Title+" register", format)
}

func (s *Service) currentVersionLabel(ctx context.Context, entry store.Entry) (string, error) {
	if entry.CurrentVersionID == nil {
		return "", nil
	}
	versions, err := s.store.ListVersions(ctx, entry.ID)
	if err != nil {
		return "", fmt.Errorf("list versions: %w", err)
	}
	for _, v := range versions {
		if v.ID == *entry.CurrentVersionID {
			if v.Label != "" {
				return v.Label, nil
			}
			return fmt.Sprintf("v%d", v.Number), nil
		}
	}
	return "", nil
}

func (s *Service) convert(ctx context.Context, html, title string, format Format) (*Result, error) {
	var (
		result *Result
		err    error
	)
	switch format {
	case FormatHTML:
		result = &Result{
			Data:     []byte(html),
			Filename: sanitizeFilename(title) + ".html",
			MimeType: "text/html; charset=utf-8",
		}
	case FormatPDF:
		result, err = s.pdf(ctx, html, title)
	case FormatDOCX:
		result, err = s.docx(ctx, html, title)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	if err != nil {
		log.WithError(err).WithField("format", format).Warn("export conversion failed")
		return nil, err
	}
	return result, nil
}
