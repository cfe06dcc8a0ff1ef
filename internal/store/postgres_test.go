package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(db), mock
}

func expectMet(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

var entryRowColumns = []string{
	"id", "tenant_id", "section", "category_id", "title", "reference", "body",
	"owner_id", "owner_name", "owner_email", "status", "sort_order",
	"details", "review_months", "review_due", "reminded_at", "current_version_id",
	"created_by", "updated_by", "created_at", "updated_at",
}

func entryRow(section, categoryID string) *sqlmock.Rows {
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	return sqlmock.NewRows(entryRowColumns).AddRow(
		"ent_1", "ten_1", section, categoryID, "Manual handling", "RA-004", "",
		nil, "", "", "ACTIVE", 3,
		[]byte(`{}`), 12, nil, nil, nil,
		"Alex", "Alex", now, now,
	)
}

func TestReorderCategorySwapsWithNeighbour(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT section, sort_order FROM categories`).
		WithArgs("ten_1", "cat_2").
		WillReturnRows(sqlmock.NewRows([]string{"section", "sort_order"}).AddRow("policies", 2))
	mock.ExpectQuery(`SELECT id, sort_order FROM categories`).
		WithArgs("ten_1", "policies", "cat_2", 2).
		WillReturnRows(sqlmock.NewRows([]string{"id", "sort_order"}).AddRow("cat_1", 1))
	mock.ExpectExec(`UPDATE categories SET sort_order`).WithArgs(1, "cat_2").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE categories SET sort_order`).WithArgs(2, "cat_1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	moved, err := s.ReorderCategory(context.Background(), "ten_1", "cat_2", true)
	if err != nil {
		t.Fatalf("ReorderCategory() error = %v", err)
	}
	if !moved {
		t.Fatal("expected category to move")
	}
	expectMet(t, mock)
}

func TestReorderEntryAtEndIsNoop(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT category_id, sort_order FROM entries`).
		WithArgs("ten_1", "ent_1").
		WillReturnRows(sqlmock.NewRows([]string{"category_id", "sort_order"}).AddRow("cat_1", 5))
	mock.ExpectQuery(`SELECT id, sort_order FROM entries`).
		WithArgs("ten_1", "cat_1", "ent_1", 5).
		WillReturnRows(sqlmock.NewRows([]string{"id", "sort_order"}))
	mock.ExpectCommit()

	moved, err := s.ReorderEntry(context.Background(), "ten_1", "ent_1", false)
	if err != nil {
		t.Fatalf("ReorderEntry() error = %v", err)
	}
	if moved {
		t.Fatal("expected last entry moving down to be a no-op")
	}
	expectMet(t, mock)
}

func TestDeleteCategoryRefusesWhenEntriesRemain(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM entries`).
		WithArgs("cat_1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectRollback()

	err := s.DeleteCategory(context.Background(), "ten_1", "cat_1")
	if !errors.Is(err, ErrCategoryNotEmpty) {
		t.Fatalf("expected ErrCategoryNotEmpty, got %v", err)
	}
	expectMet(t, mock)
}

func TestMoveEntryUpdatesLocationAndAudits(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT section, category_id FROM entries`).
		WithArgs("ten_1", "ent_1").
		WillReturnRows(sqlmock.NewRows([]string{"section", "category_id"}).AddRow("policies", "cat_1"))
	mock.ExpectQuery(`SELECT section FROM categories`).
		WithArgs("ten_1", "cat_9").
		WillReturnRows(sqlmock.NewRows([]string{"section"}).AddRow("procedures"))
	mock.ExpectExec(`UPDATE entries`).
		WithArgs("ten_1", "ent_1", "procedures", "cat_9", false, "Alex").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO audit_events`).
		WithArgs("ten_1", "entry.moved", "usr_7", "Alex", "ent_1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	mock.ExpectQuery(`SELECT e.id`).
		WithArgs("ten_1", "ent_1").
		WillReturnRows(entryRow("procedures", "cat_9"))

	entry, err := s.MoveEntry(context.Background(), "ten_1", "ent_1", MoveTarget{
		Section:    "procedures",
		CategoryID: "cat_9",
		MovedByID:  "usr_7",
		MovedBy:    "Alex",
	})
	if err != nil {
		t.Fatalf("MoveEntry() error = %v", err)
	}
	if entry.Section != "procedures" || entry.CategoryID != "cat_9" {
		t.Fatalf("unexpected entry location %s/%s", entry.Section, entry.CategoryID)
	}
	expectMet(t, mock)
}

func TestMoveEntryRejectsCategoryFromOtherSection(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT section, category_id FROM entries`).
		WithArgs("ten_1", "ent_1").
		WillReturnRows(sqlmock.NewRows([]string{"section", "category_id"}).AddRow("policies", "cat_1"))
	mock.ExpectQuery(`SELECT section FROM categories`).
		WithArgs("ten_1", "cat_9").
		WillReturnRows(sqlmock.NewRows([]string{"section"}).AddRow("policies"))
	mock.ExpectRollback()

	_, err := s.MoveEntry(context.Background(), "ten_1", "ent_1", MoveTarget{Section: "procedures", CategoryID: "cat_9"})
	if !errors.Is(err, ErrCategoryMismatch) {
		t.Fatalf("expected ErrCategoryMismatch, got %v", err)
	}
	expectMet(t, mock)
}

func TestSetMemberRoleKeepsLastAdmin(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT 1 FROM memberships`).WithArgs("ten_1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT role FROM memberships`).
		WithArgs("ten_1", "usr_1").
		WillReturnRows(sqlmock.NewRows([]string{"role"}).AddRow("admin"))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM memberships`).
		WithArgs("ten_1", "usr_1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectRollback()

	err := s.SetMemberRole(context.Background(), "ten_1", "usr_1", "editor")
	if !errors.Is(err, ErrLastAdmin) {
		t.Fatalf("expected ErrLastAdmin, got %v", err)
	}
	expectMet(t, mock)
}

func TestInsertReviewWithdrawnArchivesEntry(t *testing.T) {
	s, mock := newMockStore(t)
	reviewed := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM entries`).
		WithArgs("ten_1", "ent_1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("ent_1"))
	mock.ExpectQuery(`INSERT INTO entry_reviews`).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(reviewed))
	mock.ExpectExec(`UPDATE entries SET status='ARCHIVED'`).
		WithArgs("ent_1", "Alex").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, err := s.InsertReview(context.Background(), "ten_1", Review{
		ID:           "rev_1",
		EntryID:      "ent_1",
		ReviewerName: "Alex",
		ReviewedOn:   reviewed,
		Outcome:      OutcomeWithdrawn,
		CreatedBy:    "Alex",
	})
	if err != nil {
		t.Fatalf("InsertReview() error = %v", err)
	}
	expectMet(t, mock)
}

func TestDeleteAttachmentInUse(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("att_1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	_, err := s.DeleteAttachment(context.Background(), "ten_1", "att_1")
	if !errors.Is(err, ErrAttachmentInUse) {
		t.Fatalf("expected ErrAttachmentInUse, got %v", err)
	}
	expectMet(t, mock)
}

func TestIsUniqueViolation(t *testing.T) {
	wrapped := fmt.Errorf("insert energy reading: %w", &pgconn.PgError{Code: "23505"})
	if !IsUniqueViolation(wrapped) {
		t.Fatal("expected wrapped 23505 to be a unique violation")
	}
	if IsUniqueViolation(errors.New("boom")) {
		t.Fatal("plain error is not a unique violation")
	}
	if !IsForeignKeyViolation(&pgconn.PgError{Code: "23503"}) {
		t.Fatal("expected 23503 to be a foreign key violation")
	}
}
