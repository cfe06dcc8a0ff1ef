package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultEntry    ResultType = "entry"
	ResultDocument ResultType = "document"
	ResultContext  ResultType = "context"
)

// ValidType reports whether t is empty or one of the result types.
func ValidType(t string) bool {
	switch ResultType(t) {
	case "", ResultEntry, ResultDocument, ResultContext:
		return true
	}
	return false
}

// Result is a single search hit returned to the caller.
type Result struct {
	Type      ResultType `json:"type"`
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Snippet   string     `json:"snippet"`
	Section   string     `json:"section,omitempty"`
	EntryID   string     `json:"entryId,omitempty"`
	Reference string     `json:"reference,omitempty"`
}

// Query describes a search request. TenantID is mandatory; a search never
// crosses tenants.
type Query struct {
	TenantID      string
	Text          string
	FilterType    ResultType // empty = all types
	FilterSection string
	Limit         int
	Offset        int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Backend string   `json:"backend"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// EntryRecord is the data indexed for an entry.
type EntryRecord struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenantId"`
	Section    string `json:"section"`
	CategoryID string `json:"categoryId"`
	Title      string `json:"title"`
	Reference  string `json:"reference"`
	Body       string `json:"body"`
	Status     string `json:"status"`
}

// DocumentRecord is the data indexed for an uploaded document.
type DocumentRecord struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenantId"`
	EntryID     string `json:"entryId"`
	Section     string `json:"section"`
	Folder      string `json:"folder"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
}

// ContextRecord is the data indexed for an organizational context entry.
type ContextRecord struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenantId"`
	Kind        string `json:"kind"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Needs       string `json:"needs"`
}
