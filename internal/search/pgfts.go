package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. Without PostgreSQL nothing else works either.
func (p *PgFTS) Healthy() bool {
	return true
}

// buildQuery returns the count and data statements plus their arguments.
// $1 is the search text and $2 the tenant.
func buildQuery(q Query, limit, offset int) (string, string, []any) {
	const tsQuery = "plainto_tsquery('english', $1)"
	args := []any{q.Text, q.TenantID}
	argN := 3

	sectionFilter := func(column string) string {
		if q.FilterSection == "" {
			return ""
		}
		clause := fmt.Sprintf(" AND %s = $%d", column, argN)
		args = append(args, q.FilterSection)
		argN++
		return clause
	}

	var subQueries []string
	if q.FilterType == "" || q.FilterType == ResultEntry {
		where := "e.tenant_id = $2 AND e.fts @@ " + tsQuery + sectionFilter("e.section")
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'entry'::text AS type, e.id, e.title,
				ts_headline('english', coalesce(e.body, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				e.section, e.id AS entry_id, e.reference,
				ts_rank(e.fts, %s) AS rank
			FROM entries e
			WHERE %s`, tsQuery, tsQuery, where))
	}
	if q.FilterType == "" || q.FilterType == ResultDocument {
		where := "a.tenant_id = $2 AND a.fts @@ " + tsQuery + sectionFilter("e.section")
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'document'::text AS type, a.id, a.filename AS title,
				a.folder AS snippet,
				coalesce(e.section, '') AS section, coalesce(a.entry_id, '') AS entry_id, ''::text AS reference,
				ts_rank(a.fts, %s) AS rank
			FROM attachments a
			LEFT JOIN entries e ON e.id = a.entry_id
			WHERE %s`, tsQuery, where))
	}
	if (q.FilterType == "" || q.FilterType == ResultContext) && q.FilterSection == "" {
		where := "c.tenant_id = $2 AND c.fts @@ " + tsQuery
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'context'::text AS type, c.id, c.title,
				ts_headline('english', coalesce(c.description, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				''::text AS section, ''::text AS entry_id, ''::text AS reference,
				ts_rank(c.fts, %s) AS rank
			FROM context_entries c
			WHERE %s`, tsQuery, tsQuery, where))
	}
	if len(subQueries) == 0 {
		return "", "", nil
	}

	union := strings.Join(subQueries, " UNION ALL ")
	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub", union)
	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, section, entry_id, reference
		FROM (%s) sub
		ORDER BY rank DESC, title ASC
		LIMIT %d OFFSET %d`, union, limit, offset)
	return countSQL, dataSQL, args
}

func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" || q.TenantID == "" {
		return nil, 0, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	countSQL, dataSQL, args := buildQuery(q, limit, offset)
	if countSQL == "" {
		return nil, 0, nil
	}

	ctx := context.Background()
	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.Section, &r.EntryID, &r.Reference); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every searchable record for a full reindex.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]EntryRecord, []DocumentRecord, []ContextRecord, error) {
	entryRows, err := p.db.QueryContext(ctx, `
		SELECT id, tenant_id, section, category_id, title, reference, body, status
		FROM entries
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load entries: %w", err)
	}
	defer entryRows.Close()

	entries := make([]EntryRecord, 0)
	for entryRows.Next() {
		var e EntryRecord
		if err := entryRows.Scan(&e.ID, &e.TenantID, &e.Section, &e.CategoryID, &e.Title, &e.Reference, &e.Body, &e.Status); err != nil {
			return nil, nil, nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := entryRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate entries: %w", err)
	}

	docRows, err := p.db.QueryContext(ctx, `
		SELECT a.id, a.tenant_id, coalesce(a.entry_id, ''), coalesce(e.section, ''), a.folder, a.filename, a.content_type
		FROM attachments a
		LEFT JOIN entries e ON e.id = a.entry_id
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load documents: %w", err)
	}
	defer docRows.Close()

	documents := make([]DocumentRecord, 0)
	for docRows.Next() {
		var d DocumentRecord
		if err := docRows.Scan(&d.ID, &d.TenantID, &d.EntryID, &d.Section, &d.Folder, &d.Filename, &d.ContentType); err != nil {
			return nil, nil, nil, fmt.Errorf("scan document: %w", err)
		}
		documents = append(documents, d)
	}
	if err := docRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate documents: %w", err)
	}

	contextRows, err := p.db.QueryContext(ctx, `
		SELECT id, tenant_id, kind, title, description, needs
		FROM context_entries
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load context entries: %w", err)
	}
	defer contextRows.Close()

	items := make([]ContextRecord, 0)
	for contextRows.Next() {
		var c ContextRecord
		if err := contextRows.Scan(&c.ID, &c.TenantID, &c.Kind, &c.Title, &c.Description, &c.Needs); err != nil {
			return nil, nil, nil, fmt.Errorf("scan context entry: %w", err)
		}
		items = append(items, c)
	}
	if err := contextRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate context entries: %w", err)
	}

	return entries, documents, items, nil
}
