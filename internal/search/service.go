package search

import (
	"context"
	"fmt"

	"ims/api/internal/store"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili *Meili
	pgfts *PgFTS
	async bool
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	return &Service{meili: meili, pgfts: pgfts, async: true}
}

func (s *Service) meiliReady() bool {
	return s.meili != nil && s.meili.Healthy()
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	if s.meiliReady() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Backend: "meilisearch"}
		}
		log.WithError(err).Warn("meilisearch error, falling back to pgfts")
	}
	if s.pgfts == nil {
		return Response{Results: []Result{}, Query: q.Text, Backend: "none"}
	}

	results, total, err := s.pgfts.Search(q)
	if err != nil {
		log.WithError(err).Error("pgfts search failed")
		return Response{Results: []Result{}, Total: 0, Query: q.Text, Backend: "postgres"}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Backend: "postgres"}
}

// background runs fn off the request path and logs failures.
func (s *Service) background(action, id string, fn func() error) {
	if !s.meiliReady() {
		return
	}
	run := func() {
		if err := fn(); err != nil {
			log.WithError(err).WithFields(map[string]any{"action": action, "id": id}).Warn("search index update failed")
		}
	}
	if s.async {
		go run()
		return
	}
	run()
}

func EntryRecordFrom(e store.Entry) EntryRecord {
	return EntryRecord{
		ID:         e.ID,
		TenantID:   e.TenantID,
		Section:    e.Section,
		CategoryID: e.CategoryID,
		Title:      e.Title,
		Reference:  e.Reference,
		Body:       e.Body,
		Status:     e.Status,
	}
}

func DocumentRecordFrom(a store.Attachment, section string) DocumentRecord {
	rec := DocumentRecord{
		ID:          a.ID,
		TenantID:    a.TenantID,
		Section:     section,
		Folder:      a.Folder,
		Filename:    a.Filename,
		ContentType: a.ContentType,
	}
	if a.EntryID != nil {
		rec.EntryID = *a.EntryID
	}
	return rec
}

func ContextRecordFrom(c store.ContextEntry) ContextRecord {
	return ContextRecord{
		ID:          c.ID,
		TenantID:    c.TenantID,
		Kind:        c.Kind,
		Title:       c.Title,
		Description: c.Description,
		Needs:       c.Needs,
	}
}

func (s *Service) IndexEntry(e store.Entry) {
	s.background("index entry", e.ID, func() error {
		return s.meili.IndexEntries([]EntryRecord{EntryRecordFrom(e)})
	})
}

func (s *Service) DeleteEntry(id string) {
	s.background("delete entry", id, func() error { return s.meili.remove(idxEntries, id) })
}

func (s *Service) IndexDocument(a store.Attachment, section string) {
	s.background("index document", a.ID, func() error {
		return s.meili.IndexDocuments([]DocumentRecord{DocumentRecordFrom(a, section)})
	})
}

func (s *Service) DeleteDocument(id string) {
	s.background("delete document", id, func() error { return s.meili.remove(idxDocuments, id) })
}

func (s *Service) IndexContext(c store.ContextEntry) {
	s.background("index context", c.ID, func() error {
		return s.meili.IndexContext([]ContextRecord{ContextRecordFrom(c)})
	})
}

func (s *Service) DeleteContext(id string) {
	s.background("delete context", id, func() error { return s.meili.remove(idxContext, id) })
}

// ReindexStats counts the records pushed by ReindexAllFromPG.
type ReindexStats struct {
	Entries   int `json:"entries"`
	Documents int `json:"documents"`
	Context   int `json:"context"`
}

// ReindexAllFromPG pushes every searchable record from PostgreSQL into
// Meilisearch synchronously.
func (s *Service) ReindexAllFromPG(ctx context.Context) (ReindexStats, error) {
	if !s.meiliReady() {
		return ReindexStats{}, fmt.Errorf("meilisearch is not available")
	}
	if s.pgfts == nil {
		return ReindexStats{}, fmt.Errorf("no database configured")
	}
	entries, documents, items, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		return ReindexStats{}, err
	}
	if err := s.meili.IndexEntries(entries); err != nil {
		return ReindexStats{}, fmt.Errorf("reindex entries: %w", err)
	}
	if err := s.meili.IndexDocuments(documents); err != nil {
		return ReindexStats{}, fmt.Errorf("reindex documents: %w", err)
	}
	if err := s.meili.IndexContext(items); err != nil {
		return ReindexStats{}, fmt.Errorf("reindex context: %w", err)
	}
	stats := ReindexStats{Entries: len(entries), Documents: len(documents), Context: len(items)}
	log.WithFields(map[string]any{"entries": stats.Entries, "documents": stats.Documents, "context": stats.Context}).Info("search reindex complete")
	return stats, nil
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
