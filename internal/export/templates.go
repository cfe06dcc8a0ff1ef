package export

import (
	"bytes"
	"embed"
	"html/template"
	"time"

	"ims/api/internal/forms"
)

//go:embed templates/*.html
var templateFS embed.FS

var templates = template.Must(template.New("export").Funcs(template.FuncMap{
	"date": func(t *time.Time) string {
		if t == nil || t.IsZero() {
			return ""
		}
		return t.Format("2 Jan 2006")
	},
	"day": func(t time.Time) string {
		if t.IsZero() {
			return ""
		}
		return t.Format("2 Jan 2006")
	},
}).ParseFS(templateFS, "templates/*.html"))

// EntryData feeds templates/entry.html.
type EntryData struct {
	TenantName   string
	SectionTitle string
	Clause       string
	Category     string
	Title        string
	Reference    string
	Status       string
	Owner        string
	ReviewMonths int
	ReviewDue    *time.Time
	BodyHTML     template.HTML
	Details      []forms.Field
	Versions     []VersionRow
	Reviews      []ReviewRow
	GeneratedAt  time.Time
}

type VersionRow struct {
	Number    int
	Label     string
	Notes     string
	Filename  string
	CreatedBy string
	CreatedAt time.Time
}

type ReviewRow struct {
	ReviewedOn    time.Time
	ReviewerName  string
	Outcome       string
	Notes         string
	NextReviewDue *time.Time
}

// RegisterData feeds templates/register.html.
type RegisterData struct {
	TenantName   string
	SectionTitle string
	Clause       string
	Categories   []RegisterCategory
	GeneratedAt  time.Time
}

type RegisterCategory struct {
	Title string
	Rows  []RegisterRow
}

type RegisterRow struct {
	Reference      string
	Title          string
	Owner          string
	Status         string
	CurrentVersion string
	ReviewDue      *time.Time
}

func renderTemplate(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func RenderEntryHTML(data EntryData) (string, error) {
	return renderTemplate("entry.html", data)
}

func RenderRegisterHTML(data RegisterData) (string, error) {
	return renderTemplate("register.html", data)
}
