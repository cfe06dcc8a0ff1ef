package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"ims/api/internal/blob"
	"ims/api/internal/config"
	"ims/api/internal/energy"
	"ims/api/internal/forms"
	"ims/api/internal/gitrepo"
	"ims/api/internal/store"
	"ims/api/internal/util"
)

type fixture struct {
	service *Service
	store   *fakeStore
	blobs   *blob.Memory
	tenant  store.Tenant
	admin   Session
}

func testConfig() config.Config {
	return config.Config{
		PublicURL:          "http://localhost:5173",
		JWTSecret:          "test-secret",
		AccessTTL:          time.Hour,
		RefreshTTL:         24 * time.Hour,
		UploadMaxBytes:     1024,
		UploadTypes:        []string{"application/pdf", "text/plain"},
		ReminderWindowDays: 30,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fake := newFakeStore()
	blobs := blob.NewMemory()
	svc := newService(testConfig(), fake, gitrepo.New(t.TempDir()), blobs, nil)

	admin := fake.addUser("Avery Admin", "avery@example.com")
	tenant, err := svc.createTenant(context.Background(), "Acme Ltd", "", admin.ID)
	if err != nil {
		t.Fatalf("create tenant: %v", err)
	}
	return &fixture{
		service: svc,
		store:   fake,
		blobs:   blobs,
		tenant:  tenant,
		admin:   Session{UserID: admin.ID, UserName: admin.DisplayName, TenantID: tenant.ID, Role: "admin"},
	}
}

func (f *fakeStore) addUser(name, email string) store.User {
	user := store.User{ID: util.NewID("usr"), DisplayName: name, Email: email, IsEmailVerified: true}
	f.mu.Lock()
	f.users[user.ID] = user
	f.mu.Unlock()
	return user
}

// member adds a user with role to the fixture tenant and returns a session.
func (fx *fixture) member(t *testing.T, name, role string) Session {
	t.Helper()
	user := fx.store.addUser(name, strings.ToLower(strings.ReplaceAll(name, " ", "."))+"@example.com")
	if err := fx.store.UpsertMembership(context.Background(), fx.tenant.ID, user.ID, role); err != nil {
		t.Fatalf("add member: %v", err)
	}
	return Session{UserID: user.ID, UserName: name, TenantID: fx.tenant.ID, Role: role}
}

func (fx *fixture) category(t *testing.T, section string) string {
	t.Helper()
	categories, err := fx.store.ListCategories(context.Background(), fx.tenant.ID, section)
	if err != nil || len(categories) == 0 {
		t.Fatalf("no category for %s: %v", section, err)
	}
	return categories[0].ID
}

func (fx *fixture) createEntry(t *testing.T, section, title string, details string) store.Entry {
	t.Helper()
	input := EntryInput{Section: section, CategoryID: fx.category(t, section), Title: title}
	if details != "" {
		input.Details = json.RawMessage(details)
	}
	payload, err := fx.service.CreateEntry(context.Background(), fx.admin, input)
	if err != nil {
		t.Fatalf("create entry: %v", err)
	}
	id := payload["entry"].(map[string]any)["id"].(string)
	entry, err := fx.store.GetEntry(context.Background(), fx.tenant.ID, id)
	if err != nil {
		t.Fatalf("load entry: %v", err)
	}
	return entry
}

func expectCode(t *testing.T, err error, status int, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %d %s, got nil error", status, code)
	}
	gotStatus, gotCode, _, _ := mapError(err)
	if gotStatus != status || gotCode != code {
		t.Fatalf("expected %d %s, got %d %s (%v)", status, code, gotStatus, gotCode, err)
	}
}

func TestAddMonths(t *testing.T) {
	day := func(value string) time.Time {
		parsed, _ := time.Parse(dateLayout, value)
		return parsed
	}
	tests := []struct {
		from   string
		months int
		want   string
	}{
		{from: "2026-01-15", months: 1, want: "2026-02-15"},
		{from: "2026-01-31", months: 1, want: "2026-02-28"},
		{from: "2028-01-31", months: 1, want: "2028-02-29"},
		{from: "2026-08-31", months: 3, want: "2026-11-30"},
		{from: "2026-11-30", months: 12, want: "2027-11-30"},
		{from: "2026-03-31", months: 24, want: "2028-03-31"},
	}
	for _, tc := range tests {
		got := addMonths(day(tc.from), tc.months).Format(dateLayout)
		if got != tc.want {
			t.Fatalf("addMonths(%s, %d) = %s, want %s", tc.from, tc.months, got, tc.want)
		}
	}
}

func TestSlugify(t *testing.T) {
	tests := map[string]string{
		"Acme Ltd":              "acme-ltd",
		"  Smith & Sons (UK) ":  "smith-sons-uk",
		"---":                   "",
		"Café Nord":             "caf-nord",
		strings.Repeat("a", 60): strings.Repeat("a", 48),
	}
	for input, want := range tests {
		if got := slugify(input); got != want {
			t.Fatalf("slugify(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestCreateTenantSeedsCategoriesAndSuffixesSlug(t *testing.T) {
	fx := newFixture(t)
	if fx.tenant.Slug != "acme-ltd" {
		t.Fatalf("unexpected slug %q", fx.tenant.Slug)
	}
	categories, _ := fx.store.ListCategories(context.Background(), fx.tenant.ID, "policies")
	if len(categories) != 1 || categories[0].Title != defaultCategoryTitle {
		t.Fatalf("expected seeded General category, got %+v", categories)
	}

	second, err := fx.service.createTenant(context.Background(), "Acme Ltd", "", fx.admin.UserID)
	if err != nil {
		t.Fatalf("create second tenant: %v", err)
	}
	if !strings.HasPrefix(second.Slug, "acme-ltd-") || second.Slug == "acme-ltd" {
		t.Fatalf("expected suffixed slug, got %q", second.Slug)
	}

	_, err = fx.service.CreateTenant(context.Background(), fx.admin, "Other", "acme-ltd")
	expectCode(t, err, http.StatusConflict, "SLUG_TAKEN")
}

func TestCreateEntryDefaults(t *testing.T) {
	fx := newFixture(t)
	entry := fx.createEntry(t, "policies", "Quality policy", "")

	if entry.Status != store.EntryDraft {
		t.Fatalf("status = %s, want DRAFT", entry.Status)
	}
	if entry.ReviewMonths != 12 {
		t.Fatalf("review months = %d, want section default 12", entry.ReviewMonths)
	}
	want := addMonths(fx.service.today(), 12)
	if entry.ReviewDue == nil || !entry.ReviewDue.Equal(want) {
		t.Fatalf("review due = %v, want %v", entry.ReviewDue, want)
	}
	if string(entry.Details) != "{}" {
		t.Fatalf("details = %s, want {}", entry.Details)
	}

	commits, err := fx.service.DetailsHistory(context.Background(), fx.admin, entry.ID, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if got := len(commits["commits"].([]map[string]any)); got != 1 {
		t.Fatalf("expected baseline commit, got %d", got)
	}
	if types := fx.store.auditTypes(); types[len(types)-1] != "entry.created" {
		t.Fatalf("expected entry.created audit, got %v", types)
	}
}

func TestCreateEntryValidation(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	_, err := fx.service.CreateEntry(ctx, fx.admin, EntryInput{Section: "nope", CategoryID: "x", Title: "T"})
	expectCode(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")

	_, err = fx.service.CreateEntry(ctx, fx.admin, EntryInput{Section: "manuals", CategoryID: fx.category(t, "policies"), Title: "T"})
	expectCode(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")

	_, err = fx.service.CreateEntry(ctx, fx.admin, EntryInput{
		Section:    "job-descriptions",
		CategoryID: fx.category(t, "job-descriptions"),
		Title:      "Quality lead",
		Details:    json.RawMessage(`{"department":"QA"}`),
	})
	expectCode(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")

	months := 0
	_, err = fx.service.CreateEntry(ctx, fx.admin, EntryInput{Section: "manuals", CategoryID: fx.category(t, "manuals"), Title: "T", ReviewMonths: &months})
	expectCode(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")

	_, err = fx.service.CreateEntry(ctx, fx.admin, EntryInput{Section: "manuals", CategoryID: fx.category(t, "manuals"), Title: "T", OwnerID: "usr_stranger"})
	expectCode(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
}

func TestUpdateEntryCommitsChangedDetails(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	entry := fx.createEntry(t, "registers", "Supplier register", `{"suppliers":1}`)

	title := "Approved suppliers"
	payload, err := fx.service.UpdateEntry(ctx, fx.admin, entry.ID, EntryPatch{
		Title:   &title,
		Details: json.RawMessage(`{"suppliers":2}`),
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got := payload["entry"].(map[string]any)["title"]; got != title {
		t.Fatalf("title = %v", got)
	}

	history, err := fx.service.DetailsHistory(ctx, fx.admin, entry.ID, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	commits := history["commits"].([]map[string]any)
	if len(commits) != 2 {
		t.Fatalf("expected 2 commits, got %d", len(commits))
	}

	baseline := commits[len(commits)-1]["hash"].(string)
	at, err := fx.service.DetailsAt(ctx, fx.admin, entry.ID, baseline)
	if err != nil {
		t.Fatalf("details at: %v", err)
	}
	changes := at["changes"].([]gitrepo.FieldChange)
	if len(changes) != 1 || changes[0].Field != "suppliers" {
		t.Fatalf("unexpected changes %+v", changes)
	}

	// Same details again: nothing to commit, nothing changed.
	if _, err := fx.service.UpdateEntry(ctx, fx.admin, entry.ID, EntryPatch{Details: json.RawMessage(`{"suppliers":2}`)}); err != nil {
		t.Fatalf("noop update: %v", err)
	}
	history, _ = fx.service.DetailsHistory(ctx, fx.admin, entry.ID, 10)
	if len(history["commits"].([]map[string]any)) != 2 {
		t.Fatalf("unchanged details must not commit")
	}

	_, err = fx.service.DetailsAt(ctx, fx.admin, entry.ID, "deadbeef")
	expectCode(t, err, http.StatusNotFound, "COMMIT_NOT_FOUND")
	_, err = fx.service.DetailsAt(ctx, fx.admin, entry.ID, "not-a-hash")
	expectCode(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
}

func TestMoveEntryRefusesIncompatibleDetails(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	entry := fx.createEntry(t, "job-descriptions", "Quality lead", `{"roleTitle":"Quality lead"}`)
	target := MoveInput{Section: "policies", CategoryID: fx.category(t, "policies")}

	_, err := fx.service.MoveEntry(ctx, fx.admin, entry.ID, target)
	expectCode(t, err, http.StatusConflict, "DETAILS_INCOMPATIBLE")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError")
	}
	details := domainErr.Details.(map[string]any)
	if details["fromForm"] == details["toForm"] {
		t.Fatalf("expected differing forms, got %v", details)
	}

	target.DropDetails = true
	payload, err := fx.service.MoveEntry(ctx, fx.admin, entry.ID, target)
	if err != nil {
		t.Fatalf("move with dropDetails: %v", err)
	}
	if payload["moved"] != true {
		t.Fatalf("expected moved=true, got %v", payload["moved"])
	}
	moved, _ := fx.store.GetEntry(ctx, fx.tenant.ID, entry.ID)
	if moved.Section != "policies" || string(moved.Details) != "{}" {
		t.Fatalf("unexpected moved entry %+v", moved)
	}
	if moved.ReviewMonths != entry.ReviewMonths {
		t.Fatalf("review interval changed on move: %d -> %d", entry.ReviewMonths, moved.ReviewMonths)
	}

	events, _ := fx.store.ListAuditEvents(ctx, fx.tenant.ID, entry.ID, 0)
	moves := 0
	for _, event := range events {
		if event.EventType == "entry.moved" {
			moves++
			if event.ActorID != fx.admin.UserID || event.ActorName != fx.admin.UserName {
				t.Fatalf("move audit actor = %q/%q, want %q/%q", event.ActorID, event.ActorName, fx.admin.UserID, fx.admin.UserName)
			}
		}
	}
	if moves != 1 {
		t.Fatalf("expected one entry.moved event, got %d", moves)
	}
}

func TestMoveEntryKeepsCompatibleDetails(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	entry := fx.createEntry(t, "manuals", "Handbook", `{"pages":12}`)

	payload, err := fx.service.MoveEntry(ctx, fx.admin, entry.ID, MoveInput{Section: "manuals", CategoryID: entry.CategoryID})
	if err != nil || payload["moved"] != false {
		t.Fatalf("same location must be a no-op: %v %v", payload, err)
	}

	if _, err := fx.service.MoveEntry(ctx, fx.admin, entry.ID, MoveInput{Section: "policies", CategoryID: fx.category(t, "manuals")}); err == nil {
		t.Fatalf("expected category mismatch")
	} else {
		expectCode(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
	}

	if _, err := fx.service.MoveEntry(ctx, fx.admin, entry.ID, MoveInput{Section: "policies", CategoryID: fx.category(t, "policies")}); err != nil {
		t.Fatalf("move: %v", err)
	}
	moved, _ := fx.store.GetEntry(ctx, fx.tenant.ID, entry.ID)
	if string(moved.Details) != `{"pages":12}` {
		t.Fatalf("generic details must survive a generic move, got %s", moved.Details)
	}
}

func TestGetEntryDerivesCorrectiveActionStatus(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	entry := fx.createEntry(t, "corrective-actions", "Leaking valve", `{"description":"Valve leaks","dueDate":"2999-01-01"}`)

	// Saved while still open; the due date has since passed.
	stale := fx.store.entries[entry.ID]
	stale.Details = json.RawMessage(`{"source":"","description":"Valve leaks","rootCause":"","action":"","owner":"","dueDate":"2000-01-01","status":"OPEN"}`)
	fx.store.entries[entry.ID] = stale

	payload, err := fx.service.GetEntry(ctx, fx.admin, entry.ID)
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	var details struct {
		Status string `json:"status"`
	}
	raw := payload["entry"].(map[string]any)["details"].(json.RawMessage)
	if err := json.Unmarshal(raw, &details); err != nil {
		t.Fatalf("decode details: %v", err)
	}
	if details.Status != "OVERDUE" {
		t.Fatalf("expected OVERDUE details status, got %q", details.Status)
	}
	found := false
	for _, field := range payload["summary"].([]forms.Field) {
		if field.Label == "Status" {
			found = field.Value == "OVERDUE"
		}
	}
	if !found {
		t.Fatalf("summary must report OVERDUE: %v", payload["summary"])
	}
}

func TestReorderEntry(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	first := fx.createEntry(t, "procedures", "First", "")
	second := fx.createEntry(t, "procedures", "Second", "")

	payload, err := fx.service.ReorderEntry(ctx, fx.admin, first.ID, "up")
	if err != nil || payload["moved"] != false {
		t.Fatalf("moving the first entry up must be a no-op: %v %v", payload, err)
	}
	payload, err = fx.service.ReorderEntry(ctx, fx.admin, second.ID, "up")
	if err != nil || payload["moved"] != true {
		t.Fatalf("reorder: %v %v", payload, err)
	}
	entries, _ := fx.store.ListEntries(ctx, fx.tenant.ID, "procedures", false)
	if entries[0].ID != second.ID || entries[1].ID != first.ID {
		t.Fatalf("unexpected order %s, %s", entries[0].Title, entries[1].Title)
	}

	_, err = fx.service.ReorderEntry(ctx, fx.admin, first.ID, "sideways")
	expectCode(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
}

func TestDeleteCategoryWithEntries(t *testing.T) {
	fx := newFixture(t)
	entry := fx.createEntry(t, "forms", "Visitor form", "")
	err := fx.service.DeleteCategory(context.Background(), fx.admin, entry.CategoryID)
	expectCode(t, err, http.StatusConflict, "CATEGORY_NOT_EMPTY")
}

func TestAddReviewSchedulesNextDue(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	months := 1
	payload, err := fx.service.CreateEntry(ctx, fx.admin, EntryInput{
		Section:      "corrective-actions",
		CategoryID:   fx.category(t, "corrective-actions"),
		Title:        "Late deliveries",
		ReviewMonths: &months,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	entryID := payload["entry"].(map[string]any)["id"].(string)

	result, err := fx.service.AddReview(ctx, fx.admin, entryID, ReviewInput{ReviewedOn: "2026-01-31", Outcome: "no_change"})
	if err != nil {
		t.Fatalf("add review: %v", err)
	}
	review := result["review"].(map[string]any)
	if review["nextReviewDue"] != "2026-02-28" || review["reviewerName"] != fx.admin.UserName {
		t.Fatalf("unexpected review %v", review)
	}
	if due := result["entry"].(map[string]any)["reviewDue"]; due != "2026-02-28" {
		t.Fatalf("entry review due = %v", due)
	}

	_, err = fx.service.AddReview(ctx, fx.admin, entryID, ReviewInput{Outcome: "MAYBE"})
	expectCode(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")

	result, err = fx.service.AddReview(ctx, fx.admin, entryID, ReviewInput{Outcome: "WITHDRAWN"})
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	entry := result["entry"].(map[string]any)
	if entry["status"] != store.EntryArchived || entry["reviewDue"] != nil {
		t.Fatalf("withdrawn entry must be archived without a due date: %v", entry)
	}
}

func TestDueReviews(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	entry := fx.createEntry(t, "certificates", "ISO 9001 certificate", "")
	past := fx.service.today().AddDate(0, 0, -3).Format(dateLayout)
	if _, err := fx.service.UpdateEntry(ctx, fx.admin, entry.ID, EntryPatch{ReviewDue: &past}); err != nil {
		t.Fatalf("update: %v", err)
	}
	fx.createEntry(t, "certificates", "Not due yet", "")

	payload, err := fx.service.DueReviews(ctx, fx.admin, 0)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if payload["days"] != 30 {
		t.Fatalf("expected reminder window default, got %v", payload["days"])
	}
	entries := payload["entries"].([]map[string]any)
	if len(entries) != 1 || entries[0]["id"] != entry.ID || entries[0]["overdue"] != true {
		t.Fatalf("unexpected due entries %v", entries)
	}

	_, err = fx.service.DueReviews(ctx, fx.admin, 400)
	expectCode(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
}

var pdfContent = []byte("%PDF-1.4\n1 0 obj\n<< /Type /Catalog >>\nendobj\ntrailer\n<< /Root 1 0 R >>\n%%EOF\n")

func pdfUpload(name string) *Upload {
	return &Upload{Filename: name, Size: int64(len(pdfContent)), Reader: bytes.NewReader(pdfContent)}
}

func TestUploadAndDownloadDocument(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	entry := fx.createEntry(t, "procedures", "Purchasing", "")

	payload, err := fx.service.UploadDocument(ctx, fx.admin, "contracts", entry.ID, pdfUpload(`C:\docs\supply contract.pdf`))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	document := payload["document"].(map[string]any)
	if document["filename"] != "supply contract.pdf" || document["contentType"] != "application/pdf" {
		t.Fatalf("unexpected document %v", document)
	}
	if document["sizeBytes"] != int64(len(pdfContent)) {
		t.Fatalf("size = %v", document["sizeBytes"])
	}

	download, err := fx.service.OpenDocument(ctx, fx.admin, document["id"].(string))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if download.URL != "" || download.Body == nil {
		t.Fatalf("memory driver must stream, got %+v", download)
	}
	data, _ := io.ReadAll(download.Body)
	_ = download.Body.Close()
	if !bytes.Equal(data, pdfContent) {
		t.Fatalf("downloaded content differs")
	}

	listed, err := fx.service.ListDocuments(ctx, fx.admin, store.AttachmentFilter{Query: "SUPPLY"})
	if err != nil || len(listed["documents"].([]map[string]any)) != 1 {
		t.Fatalf("list by text: %v %v", listed, err)
	}
}

func TestUploadRejectsTypeAndSize(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")
	_, err := fx.service.UploadDocument(ctx, fx.admin, "", "", &Upload{Filename: "a.png", Size: int64(len(png)), Reader: bytes.NewReader(png)})
	expectCode(t, err, http.StatusUnsupportedMediaType, "UNSUPPORTED_MEDIA_TYPE")

	big := bytes.Repeat([]byte("a"), 2048)
	_, err = fx.service.UploadDocument(ctx, fx.admin, "", "", &Upload{Filename: "big.txt", Size: int64(len(big)), Reader: bytes.NewReader(big)})
	expectCode(t, err, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE")

	// A client that understates the size is caught while streaming.
	_, err = fx.service.UploadDocument(ctx, fx.admin, "", "", &Upload{Filename: "big.txt", Size: 10, Reader: bytes.NewReader(big)})
	expectCode(t, err, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE")
	keys, _ := fx.blobs.List(ctx, "")
	if len(keys) != 0 {
		t.Fatalf("rejected upload left blobs behind: %v", keys)
	}
}

func TestVersionDocumentCannotBeDeleted(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	entry := fx.createEntry(t, "procedures", "Purchasing", "")

	payload, err := fx.service.AddVersion(ctx, fx.admin, entry.ID, VersionInput{Label: "Rev A"}, pdfUpload("rev-a.pdf"))
	if err != nil {
		t.Fatalf("add version: %v", err)
	}
	version := payload["version"].(map[string]any)
	if version["number"] != 1 || version["filename"] != "rev-a.pdf" {
		t.Fatalf("unexpected version %v", version)
	}
	attachmentID := *version["attachmentId"].(*string)

	err = fx.service.DeleteDocument(ctx, fx.admin, attachmentID)
	expectCode(t, err, http.StatusConflict, "DOCUMENT_IN_USE")

	payload, err = fx.service.AddVersion(ctx, fx.admin, entry.ID, VersionInput{Label: "Rev B"}, nil)
	if err != nil {
		t.Fatalf("add version without file: %v", err)
	}
	if payload["version"].(map[string]any)["number"] != 2 {
		t.Fatalf("expected version 2")
	}
	current, _ := fx.store.GetEntry(ctx, fx.tenant.ID, entry.ID)
	if current.CurrentVersionID == nil || *current.CurrentVersionID != payload["version"].(map[string]any)["id"] {
		t.Fatalf("current version not updated")
	}
}

func TestAddVersionDiscardsUploadOnFailure(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	entry := fx.createEntry(t, "procedures", "Purchasing", "")
	fx.store.insertVersionFn = func(context.Context, string, store.Version) (store.Version, error) {
		return store.Version{}, errors.New("boom")
	}

	_, err := fx.service.AddVersion(ctx, fx.admin, entry.ID, VersionInput{}, pdfUpload("rev.pdf"))
	expectCode(t, err, http.StatusInternalServerError, "SERVER_ERROR")
	keys, _ := fx.blobs.List(ctx, "")
	documents, _ := fx.store.ListAttachments(ctx, fx.tenant.ID, store.AttachmentFilter{})
	if len(keys) != 0 || len(documents) != 0 {
		t.Fatalf("failed version left %d blobs and %d documents", len(keys), len(documents))
	}
}

func TestDeleteEntryRemovesBlobs(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	entry := fx.createEntry(t, "procedures", "Purchasing", "")
	if _, err := fx.service.UploadDocument(ctx, fx.admin, "", entry.ID, pdfUpload("a.pdf")); err != nil {
		t.Fatalf("upload: %v", err)
	}

	if err := fx.service.DeleteEntry(ctx, fx.admin, entry.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	keys, _ := fx.blobs.List(ctx, "")
	if len(keys) != 0 {
		t.Fatalf("blobs left after delete: %v", keys)
	}
	_, err := fx.service.GetEntry(ctx, fx.admin, entry.ID)
	expectCode(t, err, http.StatusNotFound, "NOT_FOUND")
}

func TestContextGroupsByKind(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	if _, err := fx.service.CreateContextEntry(ctx, fx.admin, ContextInput{Kind: "external_issue", Title: "Energy prices", Impact: "high"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err := fx.service.CreateContextEntry(ctx, fx.admin, ContextInput{Kind: "RUMOUR", Title: "x"})
	expectCode(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")

	payload, err := fx.service.ListContext(ctx, fx.admin)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	groups := payload["groups"].([]map[string]any)
	if len(groups) != 4 {
		t.Fatalf("expected all four kinds, got %d", len(groups))
	}
	if groups[1]["kind"] != "EXTERNAL_ISSUE" || len(groups[1]["items"].([]map[string]any)) != 1 {
		t.Fatalf("unexpected external group %v", groups[1])
	}
	if len(groups[0]["items"].([]map[string]any)) != 0 {
		t.Fatalf("internal group should be empty")
	}
}

func TestEnergyReadings(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	input := ReadingInput{Site: "Leeds", Source: "Electricity", Period: "2026-01", Quantity: 1200, Unit: "kwh", Cost: 300}

	payload, err := fx.service.CreateReading(ctx, fx.admin, input)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	reading := payload["reading"].(map[string]any)
	if reading["source"] != "electricity" || reading["unit"] != "kWh" || reading["period"] != "2026-01" {
		t.Fatalf("unexpected reading %v", reading)
	}

	_, err = fx.service.CreateReading(ctx, fx.admin, input)
	expectCode(t, err, http.StatusConflict, "READING_EXISTS")

	input.Unit = "litres"
	_, err = fx.service.CreateReading(ctx, fx.admin, input)
	expectCode(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")

	_, err = fx.service.ListReadings(ctx, fx.admin, 1999, "")
	expectCode(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
}

func TestImportReadings(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	csv := strings.Join([]string{
		"site,source,period,quantity,unit,cost",
		"Leeds,electricity,2026-01,1000,kWh,250",
		"Leeds,gas,2026-01,100,m3,80",
		"Leeds,steam,2026-01,5,kWh,1",
		"Leeds,electricity,2026-01,1100,kWh,260",
	}, "\n")

	payload, err := fx.service.ImportReadings(ctx, fx.admin, strings.NewReader(csv))
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	result := payload["result"].(energy.ImportResult)
	if result.Inserted != 2 || result.Updated != 1 || len(result.Errors) != 1 || result.Errors[0].Line != 4 {
		t.Fatalf("unexpected import result %+v", result)
	}

	_, err = fx.service.ImportReadings(ctx, fx.admin, strings.NewReader("name,value\nx,1\n"))
	expectCode(t, err, http.StatusUnprocessableEntity, "INVALID_CSV")
}

func TestMemberManagement(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	_, err := fx.service.SetMemberRole(ctx, fx.admin, fx.admin.UserID, "editor")
	expectCode(t, err, http.StatusConflict, "LAST_ADMIN")

	_, err = fx.service.AddMember(ctx, fx.admin, "nobody@example.com", "viewer")
	expectCode(t, err, http.StatusNotFound, "USER_NOT_FOUND")

	_, err = fx.service.AddMember(ctx, fx.admin, "avery@example.com", "owner")
	expectCode(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")

	newcomer := fx.store.addUser("Nico New", "nico@example.com")
	payload, err := fx.service.AddMember(ctx, fx.admin, "nico@example.com", "editor")
	if err != nil {
		t.Fatalf("add member: %v", err)
	}
	if payload["member"].(map[string]any)["role"] != "editor" {
		t.Fatalf("unexpected member %v", payload)
	}
	if err := fx.service.RemoveMember(ctx, fx.admin, newcomer.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	err = fx.service.RemoveMember(ctx, fx.admin, fx.admin.UserID)
	expectCode(t, err, http.StatusConflict, "LAST_ADMIN")
}

func TestSignUpSignInRefresh(t *testing.T) {
	fake := newFakeStore()
	svc := newService(testConfig(), fake, gitrepo.New(t.TempDir()), blob.NewMemory(), nil)
	ctx := context.Background()

	payload, err := svc.SignUp(ctx, SignUpInput{Email: "Sam@Example.com", Password: "correct horse", DisplayName: "Sam", Organisation: "Sam's Bakery"})
	if err != nil {
		t.Fatalf("signup: %v", err)
	}
	token, _ := payload["devVerificationToken"].(string)
	if token == "" {
		t.Fatalf("expected dev verification token without SMTP, got %v", payload)
	}
	if payload["tenant"].(map[string]any)["slug"] != "sam-s-bakery" {
		t.Fatalf("unexpected tenant %v", payload["tenant"])
	}

	_, err = svc.SignIn(ctx, "sam@example.com", "correct horse", "")
	expectCode(t, err, http.StatusForbidden, "EMAIL_NOT_VERIFIED")

	if err := svc.VerifyEmail(ctx, token); err != nil {
		t.Fatalf("verify: %v", err)
	}
	_, err = svc.SignIn(ctx, "sam@example.com", "wrong password", "")
	expectCode(t, err, http.StatusUnauthorized, "INVALID_CREDENTIALS")
	_, err = svc.SignIn(ctx, "sam@example.com", "correct horse", "elsewhere")
	expectCode(t, err, http.StatusForbidden, "NOT_A_MEMBER")

	session, err := svc.SignIn(ctx, "sam@example.com", "correct horse", "sam-s-bakery")
	if err != nil {
		t.Fatalf("signin: %v", err)
	}
	if session.Role != "admin" || session.Token == "" || session.RefreshToken == "" {
		t.Fatalf("unexpected session %+v", session)
	}

	resolved, err := svc.SessionFromToken(ctx, session.Token)
	if err != nil || resolved.UserID != session.UserID || resolved.TenantID != session.TenantID {
		t.Fatalf("session from token: %+v %v", resolved, err)
	}

	refreshed, err := svc.Refresh(ctx, session.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if refreshed.RefreshToken == session.RefreshToken {
		t.Fatalf("refresh token must rotate")
	}
	_, err = svc.Refresh(ctx, session.RefreshToken)
	expectCode(t, err, http.StatusUnauthorized, "UNAUTHORIZED")

	if err := svc.Logout(ctx, resolved, refreshed.RefreshToken); err != nil {
		t.Fatalf("logout: %v", err)
	}
	_, err = svc.SessionFromToken(ctx, session.Token)
	expectCode(t, err, http.StatusUnauthorized, "UNAUTHORIZED")
}

func TestSessionRoleFollowsMembership(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	editor := fx.member(t, "Eve Editor", "editor")
	member, _ := fx.store.GetMembership(ctx, fx.tenant.ID, editor.UserID)
	session, err := fx.service.issueSession(ctx, member)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if _, err := fx.service.SetMemberRole(ctx, fx.admin, editor.UserID, "viewer"); err != nil {
		t.Fatalf("demote: %v", err)
	}
	resolved, err := fx.service.SessionFromToken(ctx, session.Token)
	if err != nil || resolved.Role != "viewer" {
		t.Fatalf("expected demoted role, got %+v %v", resolved, err)
	}

	if err := fx.service.RemoveMember(ctx, fx.admin, editor.UserID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	_, err = fx.service.SessionFromToken(ctx, session.Token)
	expectCode(t, err, http.StatusUnauthorized, "UNAUTHORIZED")
}

func TestBootstrapCreatesAdminOnce(t *testing.T) {
	fake := newFakeStore()
	cfg := testConfig()
	cfg.BootstrapTenant = "Head Office"
	cfg.BootstrapAdminEmail = "Admin@Example.com"
	cfg.BootstrapAdminPassword = "changeme-now"
	svc := newService(cfg, fake, gitrepo.New(t.TempDir()), blob.NewMemory(), nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := svc.Bootstrap(ctx); err != nil {
			t.Fatalf("bootstrap %d: %v", i, err)
		}
	}
	if len(fake.tenants) != 1 || len(fake.users) != 1 {
		t.Fatalf("expected one tenant and one user, got %d and %d", len(fake.tenants), len(fake.users))
	}
	session, err := svc.SignIn(ctx, "admin@example.com", "changeme-now", "head-office")
	if err != nil || session.Role != "admin" {
		t.Fatalf("bootstrap admin sign in: %+v %v", session, err)
	}
}
