package store

import (
	"io/fs"
	"regexp"
	"strings"
	"testing"

	"ims/api/db"
)

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	entries, err := fs.ReadDir(db.Migrations, "migrations")
	if err != nil {
		t.Fatalf("read embedded migrations: %v", err)
	}

	pattern := regexp.MustCompile(`^(\d+)_.*\.(up|down)\.sql$`)
	byVersion := map[string]map[string]bool{}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		match := pattern.FindStringSubmatch(name)
		if match == nil {
			t.Fatalf("unexpected file in migrations: %s", name)
		}
		version := match[1]
		direction := match[2]
		if byVersion[version] == nil {
			byVersion[version] = map[string]bool{}
		}
		if byVersion[version][direction] {
			t.Fatalf("duplicate %s migration file for version %s", direction, version)
		}
		byVersion[version][direction] = true
	}

	if len(byVersion) == 0 {
		t.Fatal("no migrations discovered")
	}

	for version, dirs := range byVersion {
		if !dirs["up"] || !dirs["down"] {
			t.Fatalf("version %s must include both up and down files", version)
		}
	}
}

func TestEntrySchemaIsPolymorphic(t *testing.T) {
	raw, err := fs.ReadFile(db.Migrations, "migrations/0002_categories_entries.up.sql")
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	sqlText := string(raw)
	for _, snippet := range []string{
		"CREATE TABLE categories",
		"CREATE TABLE entries",
		"section TEXT NOT NULL",
		"details JSONB",
	} {
		if !strings.Contains(sqlText, snippet) {
			t.Fatalf("expected migration to contain %q", snippet)
		}
	}
}

func TestAuditEventsMigrationBlocksUpdates(t *testing.T) {
	raw, err := fs.ReadFile(db.Migrations, "migrations/0005_audit_events.up.sql")
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	sqlText := string(raw)
	if !strings.Contains(sqlText, "RAISE EXCEPTION") || !strings.Contains(sqlText, "BEFORE UPDATE ON audit_events") {
		t.Fatalf("expected audit_events to reject updates")
	}
}

func TestMigrateURL(t *testing.T) {
	cases := map[string]string{
		"postgres://u:p@localhost:5432/ims?sslmode=disable":   "pgx5://u:p@localhost:5432/ims?sslmode=disable",
		"postgresql://u:p@localhost:5432/ims?sslmode=disable": "pgx5://u:p@localhost:5432/ims?sslmode=disable",
		"pgx5://localhost/ims":                                "pgx5://localhost/ims",
	}
	for in, want := range cases {
		if got := migrateURL(in); got != want {
			t.Fatalf("migrateURL(%q) = %q, want %q", in, got, want)
		}
	}
}
