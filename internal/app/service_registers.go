package app

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"ims/api/internal/energy"
	"ims/api/internal/store"
	"ims/api/internal/util"
)

// contextKinds lists the organisational context groups in display order.
var contextKinds = []struct {
	Kind  string
	Title string
}{
	{Kind: "INTERNAL_ISSUE", Title: "Internal issues"},
	{Kind: "EXTERNAL_ISSUE", Title: "External issues"},
	{Kind: "INTERESTED_PARTY", Title: "Interested parties"},
	{Kind: "SCOPE", Title: "Scope"},
}

func validContextKind(kind string) bool {
	for _, candidate := range contextKinds {
		if candidate.Kind == kind {
			return true
		}
	}
	return false
}

func validImpact(impact string) bool {
	switch impact {
	case "", "LOW", "MEDIUM", "HIGH":
		return true
	}
	return false
}

func contextView(item store.ContextEntry) map[string]any {
	return map[string]any{
		"id":          item.ID,
		"kind":        item.Kind,
		"title":       item.Title,
		"description": item.Description,
		"needs":       item.Needs,
		"impact":      item.Impact,
		"sortOrder":   item.SortOrder,
		"createdAt":   item.CreatedAt,
		"updatedAt":   item.UpdatedAt,
	}
}

type ContextInput struct {
	Kind        string `json:"kind"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Needs       string `json:"needs"`
	Impact      string `json:"impact"`
}

func (input ContextInput) normalized() (ContextInput, error) {
	input.Kind = strings.ToUpper(strings.TrimSpace(input.Kind))
	input.Title = strings.TrimSpace(input.Title)
	input.Description = strings.TrimSpace(input.Description)
	input.Needs = strings.TrimSpace(input.Needs)
	input.Impact = strings.ToUpper(strings.TrimSpace(input.Impact))
	if input.Title == "" {
		return input, validationError("title is required")
	}
	if !validImpact(input.Impact) {
		return input, validationError("impact must be LOW, MEDIUM or HIGH")
	}
	return input, nil
}

// ListContext returns the context entries grouped by kind. Every kind is
// present, empty or not.
func (s *Service) ListContext(ctx context.Context, session Session) (map[string]any, error) {
	items, err := s.store.ListContextEntries(ctx, session.TenantID)
	if err != nil {
		return nil, err
	}
	byKind := make(map[string][]map[string]any, len(contextKinds))
	for _, item := range items {
		byKind[item.Kind] = append(byKind[item.Kind], contextView(item))
	}
	groups := make([]map[string]any, 0, len(contextKinds))
	for _, kind := range contextKinds {
		entries := byKind[kind.Kind]
		if entries == nil {
			entries = []map[string]any{}
		}
		groups = append(groups, map[string]any{
			"kind":  kind.Kind,
			"title": kind.Title,
			"items": entries,
		})
	}
	return map[string]any{"groups": groups}, nil
}

func (s *Service) CreateContextEntry(ctx context.Context, session Session, input ContextInput) (map[string]any, error) {
	input, err := input.normalized()
	if err != nil {
		return nil, err
	}
	if !validContextKind(input.Kind) {
		return nil, validationError("kind must be INTERNAL_ISSUE, EXTERNAL_ISSUE, INTERESTED_PARTY or SCOPE")
	}
	item, err := s.store.InsertContextEntry(ctx, store.ContextEntry{
		ID:          util.NewID("ctx"),
		TenantID:    session.TenantID,
		Kind:        input.Kind,
		Title:       input.Title,
		Description: input.Description,
		Needs:       input.Needs,
		Impact:      input.Impact,
	})
	if err != nil {
		return nil, err
	}
	s.audit(ctx, session, "context.created", nil, map[string]any{"contextId": item.ID, "kind": item.Kind, "title": item.Title})
	if s.search != nil {
		s.search.IndexContext(item)
	}
	return map[string]any{"item": contextView(item)}, nil
}

// UpdateContextEntry rewrites an entry's text fields. The kind is fixed at
// creation.
func (s *Service) UpdateContextEntry(ctx context.Context, session Session, id string, input ContextInput) (map[string]any, error) {
	current, err := s.store.GetContextEntry(ctx, session.TenantID, id)
	if err != nil {
		return nil, err
	}
	input, err = input.normalized()
	if err != nil {
		return nil, err
	}
	if input.Kind != "" && input.Kind != current.Kind {
		return nil, validationError("kind cannot be changed")
	}
	current.Title = input.Title
	current.Description = input.Description
	current.Needs = input.Needs
	current.Impact = input.Impact
	item, err := s.store.UpdateContextEntry(ctx, current)
	if err != nil {
		return nil, err
	}
	s.audit(ctx, session, "context.updated", nil, map[string]any{"contextId": item.ID})
	if s.search != nil {
		s.search.IndexContext(item)
	}
	return map[string]any{"item": contextView(item)}, nil
}

func (s *Service) DeleteContextEntry(ctx context.Context, session Session, id string) error {
	if err := s.store.DeleteContextEntry(ctx, session.TenantID, id); err != nil {
		return err
	}
	s.audit(ctx, session, "context.deleted", nil, map[string]any{"contextId": id})
	if s.search != nil {
		s.search.DeleteContext(id)
	}
	return nil
}

func (s *Service) ReorderContextEntry(ctx context.Context, session Session, id, direction string) (map[string]any, error) {
	up, err := parseDirection(direction)
	if err != nil {
		return nil, err
	}
	moved, err := s.store.ReorderContextEntry(ctx, session.TenantID, id, up)
	if err != nil {
		return nil, err
	}
	return map[string]any{"moved": moved}, nil
}

func readingView(reading store.EnergyReading) map[string]any {
	return map[string]any{
		"id":        reading.ID,
		"site":      reading.Site,
		"source":    reading.Source,
		"period":    reading.Period.Format("2006-01"),
		"quantity":  reading.Quantity,
		"unit":      reading.Unit,
		"cost":      reading.Cost,
		"notes":     reading.Notes,
		"createdAt": reading.CreatedAt,
		"updatedAt": reading.UpdatedAt,
	}
}

type ReadingInput struct {
	Site     string  `json:"site"`
	Source   string  `json:"source"`
	Period   string  `json:"period"`
	Quantity float64 `json:"quantity"`
	Unit     string  `json:"unit"`
	Cost     float64 `json:"cost"`
	Notes    string  `json:"notes"`
}

func (input ReadingInput) reading(tenantID, id string) (store.EnergyReading, error) {
	reading := store.EnergyReading{
		ID:       id,
		TenantID: tenantID,
		Site:     strings.TrimSpace(input.Site),
		Source:   energy.NormalizeSource(input.Source),
		Quantity: input.Quantity,
		Unit:     energy.NormalizeUnit(input.Unit),
		Cost:     input.Cost,
		Notes:    strings.TrimSpace(input.Notes),
	}
	period, err := energy.ParsePeriod(input.Period)
	if err != nil {
		return store.EnergyReading{}, validationError(err.Error())
	}
	reading.Period = period
	if err := energy.Validate(reading); err != nil {
		return store.EnergyReading{}, validationError(err.Error())
	}
	return reading, nil
}

func readingConflict(err error) error {
	if store.IsUniqueViolation(err) {
		return domainError(http.StatusConflict, "READING_EXISTS", "A reading for that site, source and period already exists", nil)
	}
	return err
}

// ListReadings returns the readings of a calendar year, optionally for one
// site.
func (s *Service) ListReadings(ctx context.Context, session Session, year int, site string) (map[string]any, error) {
	if year < 2000 || year > 2100 {
		return nil, validationError("year must be between 2000 and 2100")
	}
	from, to := energy.YearRange(year)
	readings, err := s.store.ListEnergyReadings(ctx, session.TenantID, from, to, strings.TrimSpace(site))
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(readings))
	for _, reading := range readings {
		items = append(items, readingView(reading))
	}
	return map[string]any{"year": year, "readings": items}, nil
}

func (s *Service) CreateReading(ctx context.Context, session Session, input ReadingInput) (map[string]any, error) {
	reading, err := input.reading(session.TenantID, util.NewID("nrg"))
	if err != nil {
		return nil, err
	}
	created, err := s.store.InsertEnergyReading(ctx, reading)
	if err != nil {
		return nil, readingConflict(err)
	}
	s.audit(ctx, session, "energy.created", nil, map[string]any{"readingId": created.ID, "site": created.Site, "source": created.Source})
	return map[string]any{"reading": readingView(created)}, nil
}

func (s *Service) UpdateReading(ctx context.Context, session Session, id string, input ReadingInput) (map[string]any, error) {
	if _, err := s.store.GetEnergyReading(ctx, session.TenantID, id); err != nil {
		return nil, err
	}
	reading, err := input.reading(session.TenantID, id)
	if err != nil {
		return nil, err
	}
	updated, err := s.store.UpdateEnergyReading(ctx, reading)
	if err != nil {
		return nil, readingConflict(err)
	}
	s.audit(ctx, session, "energy.updated", nil, map[string]any{"readingId": updated.ID})
	return map[string]any{"reading": readingView(updated)}, nil
}

func (s *Service) DeleteReading(ctx context.Context, session Session, id string) error {
	if err := s.store.DeleteEnergyReading(ctx, session.TenantID, id); err != nil {
		return err
	}
	s.audit(ctx, session, "energy.deleted", nil, map[string]any{"readingId": id})
	return nil
}

// ImportReadings upserts readings from CSV. Row problems are reported in the
// result; an unreadable header is a validation error.
func (s *Service) ImportReadings(ctx context.Context, session Session, r io.Reader) (map[string]any, error) {
	result, err := s.energy.Import(ctx, session.TenantID, r)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, err
		}
		return nil, domainError(http.StatusUnprocessableEntity, "INVALID_CSV", err.Error(), nil)
	}
	if result.Errors == nil {
		result.Errors = []energy.RowError{}
	}
	s.audit(ctx, session, "energy.imported", nil, map[string]any{
		"inserted": result.Inserted,
		"updated":  result.Updated,
		"errors":   len(result.Errors),
	})
	return map[string]any{"result": result}, nil
}

func (s *Service) EnergyDashboard(ctx context.Context, session Session, year int, site string) (map[string]any, error) {
	if year < 2000 || year > 2100 {
		return nil, validationError("year must be between 2000 and 2100")
	}
	dashboard, err := s.energy.Dashboard(ctx, session.TenantID, year, strings.TrimSpace(site))
	if err != nil {
		return nil, err
	}
	return map[string]any{"dashboard": dashboard}, nil
}
