package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"ims/api/internal/store"

	"github.com/jackc/pgx/v5/pgconn"
)

var uniqueViolation = &pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"}

// fakeStore is an in-memory dataStore. The function fields override single
// methods when a test needs a failure.
type fakeStore struct {
	mu sync.Mutex

	users       map[string]store.User
	tenants     map[string]store.Tenant
	memberships []store.Membership
	categories  map[string]store.Category
	entries     map[string]store.Entry
	versions    []store.Version
	reviews     []store.Review
	attachments map[string]store.Attachment
	contexts    map[string]store.ContextEntry
	readings    map[string]store.EnergyReading
	audits      []store.AuditEvent
	refresh     map[string]store.SessionUser
	revoked     map[string]bool
	resets      map[string]string

	pingFn             func(context.Context) error
	insertEntryFn      func(context.Context, store.Entry) (store.Entry, error)
	insertAttachmentFn func(context.Context, store.Attachment) (store.Attachment, error)
	insertVersionFn    func(context.Context, string, store.Version) (store.Version, error)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:       make(map[string]store.User),
		tenants:     make(map[string]store.Tenant),
		categories:  make(map[string]store.Category),
		entries:     make(map[string]store.Entry),
		attachments: make(map[string]store.Attachment),
		contexts:    make(map[string]store.ContextEntry),
		readings:    make(map[string]store.EnergyReading),
		refresh:     make(map[string]store.SessionUser),
		revoked:     make(map[string]bool),
		resets:      make(map[string]string),
	}
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

// users

func (f *fakeStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	email = strings.ToLower(strings.TrimSpace(email))
	for _, user := range f.users {
		if user.Email == email {
			return user, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[id]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeStore) CreateUser(_ context.Context, user store.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.users {
		if existing.Email == user.Email {
			return uniqueViolation
		}
	}
	user.CreatedAt = time.Now()
	f.users[user.ID] = user
	return nil
}

func (f *fakeStore) UpdateUserVerificationToken(_ context.Context, userID, token string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return sql.ErrNoRows
	}
	user.VerificationToken = token
	user.VerificationExpiresAt = &expiresAt
	f.users[userID] = user
	return nil
}

func (f *fakeStore) VerifyUserEmail(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, user := range f.users {
		if token != "" && user.VerificationToken == token {
			user.IsEmailVerified = true
			user.VerificationToken = ""
			f.users[id] = user
			return nil
		}
	}
	return sql.ErrNoRows
}

func (f *fakeStore) UpdateUserPassword(_ context.Context, userID, passwordHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return sql.ErrNoRows
	}
	user.PasswordHash = passwordHash
	f.users[userID] = user
	return nil
}

func (f *fakeStore) CreatePasswordReset(_ context.Context, userID, tokenHash string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets[tokenHash] = userID
	return nil
}

func (f *fakeStore) GetPasswordReset(_ context.Context, tokenHash string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	userID, ok := f.resets[tokenHash]
	if !ok {
		return "", sql.ErrNoRows
	}
	return userID, nil
}

func (f *fakeStore) MarkPasswordResetUsed(_ context.Context, tokenHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.resets, tokenHash)
	return nil
}

// sessions

func (f *fakeStore) SaveRefreshSession(_ context.Context, tokenHash, userID, tenantID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refresh[tokenHash] = store.SessionUser{UserID: userID, TenantID: tenantID}
	return nil
}

func (f *fakeStore) LookupRefreshSession(_ context.Context, tokenHash string) (store.SessionUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.refresh[tokenHash]
	if !ok {
		return store.SessionUser{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeStore) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.refresh, tokenHash)
	return nil
}

func (f *fakeStore) RevokeAccessToken(_ context.Context, jti string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked[jti] = true
	return nil
}

func (f *fakeStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revoked[jti], nil
}

// tenants and memberships

func (f *fakeStore) CreateTenant(_ context.Context, tenant store.Tenant, ownerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.tenants {
		if existing.Slug == tenant.Slug {
			return uniqueViolation
		}
	}
	tenant.CreatedAt = time.Now()
	f.tenants[tenant.ID] = tenant
	f.memberships = append(f.memberships, store.Membership{TenantID: tenant.ID, UserID: ownerID, Role: "admin", CreatedAt: time.Now()})
	return nil
}

func (f *fakeStore) GetTenant(_ context.Context, id string) (store.Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tenant, ok := f.tenants[id]
	if !ok {
		return store.Tenant{}, sql.ErrNoRows
	}
	return tenant, nil
}

func (f *fakeStore) GetTenantBySlug(_ context.Context, slug string) (store.Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tenant := range f.tenants {
		if tenant.Slug == slug {
			return tenant, nil
		}
	}
	return store.Tenant{}, sql.ErrNoRows
}

// filled joins a membership with its tenant and user. Callers hold f.mu.
func (f *fakeStore) filled(member store.Membership) store.Membership {
	tenant := f.tenants[member.TenantID]
	user := f.users[member.UserID]
	member.TenantName = tenant.Name
	member.TenantSlug = tenant.Slug
	member.DisplayName = user.DisplayName
	member.Email = user.Email
	return member
}

func (f *fakeStore) ListMembershipsForUser(_ context.Context, userID string) ([]store.Membership, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Membership
	for _, member := range f.memberships {
		if member.UserID == userID {
			out = append(out, f.filled(member))
		}
	}
	return out, nil
}

func (f *fakeStore) ListMembers(_ context.Context, tenantID string) ([]store.Membership, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Membership
	for _, member := range f.memberships {
		if member.TenantID == tenantID {
			out = append(out, f.filled(member))
		}
	}
	return out, nil
}

func (f *fakeStore) GetMembership(_ context.Context, tenantID, userID string) (store.Membership, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, member := range f.memberships {
		if member.TenantID == tenantID && member.UserID == userID {
			return f.filled(member), nil
		}
	}
	return store.Membership{}, sql.ErrNoRows
}

func (f *fakeStore) UpsertMembership(_ context.Context, tenantID, userID, role string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, member := range f.memberships {
		if member.TenantID == tenantID && member.UserID == userID {
			f.memberships[i].Role = role
			return nil
		}
	}
	f.memberships = append(f.memberships, store.Membership{TenantID: tenantID, UserID: userID, Role: role, CreatedAt: time.Now()})
	return nil
}

// otherAdmins counts admins of tenantID besides userID. Callers hold f.mu.
func (f *fakeStore) otherAdmins(tenantID, userID string) int {
	count := 0
	for _, member := range f.memberships {
		if member.TenantID == tenantID && member.UserID != userID && member.Role == "admin" {
			count++
		}
	}
	return count
}

func (f *fakeStore) SetMemberRole(_ context.Context, tenantID, userID, role string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, member := range f.memberships {
		if member.TenantID == tenantID && member.UserID == userID {
			if member.Role == "admin" && role != "admin" && f.otherAdmins(tenantID, userID) == 0 {
				return store.ErrLastAdmin
			}
			f.memberships[i].Role = role
			return nil
		}
	}
	return sql.ErrNoRows
}

func (f *fakeStore) RemoveMember(_ context.Context, tenantID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, member := range f.memberships {
		if member.TenantID == tenantID && member.UserID == userID {
			if member.Role == "admin" && f.otherAdmins(tenantID, userID) == 0 {
				return store.ErrLastAdmin
			}
			f.memberships = append(f.memberships[:i], f.memberships[i+1:]...)
			return nil
		}
	}
	return sql.ErrNoRows
}

// categories

func (f *fakeStore) InsertCategory(_ context.Context, item store.Category) (store.Category, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	max := 0
	for _, category := range f.categories {
		if category.TenantID == item.TenantID && category.Section == item.Section && category.SortOrder > max {
			max = category.SortOrder
		}
	}
	item.SortOrder = max + 1
	item.CreatedAt = time.Now()
	item.UpdatedAt = item.CreatedAt
	f.categories[item.ID] = item
	return item, nil
}

func (f *fakeStore) GetCategory(_ context.Context, tenantID, id string) (store.Category, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	category, ok := f.categories[id]
	if !ok || category.TenantID != tenantID {
		return store.Category{}, sql.ErrNoRows
	}
	return category, nil
}

func (f *fakeStore) ListCategories(_ context.Context, tenantID, section string) ([]store.Category, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Category
	for _, category := range f.categories {
		if category.TenantID == tenantID && category.Section == section {
			out = append(out, category)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SortOrder < out[j].SortOrder })
	return out, nil
}

func (f *fakeStore) RenameCategory(_ context.Context, tenantID, categoryID, title string) (store.Category, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	category, ok := f.categories[categoryID]
	if !ok || category.TenantID != tenantID {
		return store.Category{}, sql.ErrNoRows
	}
	category.Title = title
	f.categories[categoryID] = category
	return category, nil
}

func (f *fakeStore) DeleteCategory(_ context.Context, tenantID, categoryID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	category, ok := f.categories[categoryID]
	if !ok || category.TenantID != tenantID {
		return sql.ErrNoRows
	}
	for _, entry := range f.entries {
		if entry.CategoryID == categoryID {
			return store.ErrCategoryNotEmpty
		}
	}
	delete(f.categories, categoryID)
	return nil
}

func (f *fakeStore) ReorderCategory(_ context.Context, tenantID, categoryID string, up bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	current, ok := f.categories[categoryID]
	if !ok || current.TenantID != tenantID {
		return false, sql.ErrNoRows
	}
	var siblings []store.Category
	for _, category := range f.categories {
		if category.TenantID == tenantID && category.Section == current.Section {
			siblings = append(siblings, category)
		}
	}
	sort.Slice(siblings, func(i, j int) bool { return siblings[i].SortOrder < siblings[j].SortOrder })
	neighbour, found := neighbourIndex(len(siblings), func(i int) bool { return siblings[i].ID == categoryID }, up)
	if !found {
		return false, nil
	}
	other := siblings[neighbour]
	current.SortOrder, other.SortOrder = other.SortOrder, current.SortOrder
	f.categories[current.ID] = current
	f.categories[other.ID] = other
	return true, nil
}

// neighbourIndex finds the item matching is and returns the index of the
// item before (up) or after it.
func neighbourIndex(n int, is func(int) bool, up bool) (int, bool) {
	for i := 0; i < n; i++ {
		if !is(i) {
			continue
		}
		if up && i > 0 {
			return i - 1, true
		}
		if !up && i < n-1 {
			return i + 1, true
		}
		return 0, false
	}
	return 0, false
}

// entries

func (f *fakeStore) checkCategory(tenantID, section, categoryID string) error {
	category, ok := f.categories[categoryID]
	if !ok || category.TenantID != tenantID || category.Section != section {
		return store.ErrCategoryMismatch
	}
	return nil
}

func (f *fakeStore) nextEntryOrder(categoryID, excluding string) int {
	max := 0
	for _, entry := range f.entries {
		if entry.CategoryID == categoryID && entry.ID != excluding && entry.SortOrder > max {
			max = entry.SortOrder
		}
	}
	return max + 1
}

func (f *fakeStore) InsertEntry(ctx context.Context, item store.Entry) (store.Entry, error) {
	if f.insertEntryFn != nil {
		return f.insertEntryFn(ctx, item)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkCategory(item.TenantID, item.Section, item.CategoryID); err != nil {
		return store.Entry{}, err
	}
	item.SortOrder = f.nextEntryOrder(item.CategoryID, item.ID)
	item.CreatedAt = time.Now()
	item.UpdatedAt = item.CreatedAt
	f.entries[item.ID] = item
	return item, nil
}

func (f *fakeStore) GetEntry(_ context.Context, tenantID, id string) (store.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.entries[id]
	if !ok || entry.TenantID != tenantID {
		return store.Entry{}, sql.ErrNoRows
	}
	return entry, nil
}

func (f *fakeStore) ListEntries(_ context.Context, tenantID, section string, includeArchived bool) ([]store.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Entry
	for _, entry := range f.entries {
		if entry.TenantID != tenantID || entry.Section != section {
			continue
		}
		if !includeArchived && entry.Status == store.EntryArchived {
			continue
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SortOrder < out[j].SortOrder })
	return out, nil
}

func (f *fakeStore) UpdateEntry(_ context.Context, item store.Entry) (store.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.entries[item.ID]; !ok {
		return store.Entry{}, sql.ErrNoRows
	}
	item.UpdatedAt = time.Now()
	f.entries[item.ID] = item
	return item, nil
}

func (f *fakeStore) DeleteEntry(_ context.Context, tenantID, entryID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.entries[entryID]
	if !ok || entry.TenantID != tenantID {
		return nil, sql.ErrNoRows
	}
	var keys []string
	for id, attachment := range f.attachments {
		if attachment.EntryID != nil && *attachment.EntryID == entryID {
			keys = append(keys, attachment.BlobKey)
			delete(f.attachments, id)
		}
	}
	delete(f.entries, entryID)
	return keys, nil
}

func (f *fakeStore) ReorderEntry(_ context.Context, tenantID, entryID string, up bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	current, ok := f.entries[entryID]
	if !ok || current.TenantID != tenantID {
		return false, sql.ErrNoRows
	}
	var siblings []store.Entry
	for _, entry := range f.entries {
		if entry.CategoryID == current.CategoryID {
			siblings = append(siblings, entry)
		}
	}
	sort.Slice(siblings, func(i, j int) bool { return siblings[i].SortOrder < siblings[j].SortOrder })
	neighbour, found := neighbourIndex(len(siblings), func(i int) bool { return siblings[i].ID == entryID }, up)
	if !found {
		return false, nil
	}
	other := siblings[neighbour]
	current.SortOrder, other.SortOrder = other.SortOrder, current.SortOrder
	f.entries[current.ID] = current
	f.entries[other.ID] = other
	return true, nil
}

func (f *fakeStore) MoveEntry(_ context.Context, tenantID, entryID string, target store.MoveTarget) (store.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.entries[entryID]
	if !ok || entry.TenantID != tenantID {
		return store.Entry{}, sql.ErrNoRows
	}
	if err := f.checkCategory(tenantID, target.Section, target.CategoryID); err != nil {
		return store.Entry{}, err
	}
	payload, _ := json.Marshal(map[string]any{
		"fromSection":    entry.Section,
		"fromCategoryId": entry.CategoryID,
		"toSection":      target.Section,
		"toCategoryId":   target.CategoryID,
		"detailsReset":   target.ResetDetails,
	})
	entry.SortOrder = f.nextEntryOrder(target.CategoryID, entryID)
	entry.Section = target.Section
	entry.CategoryID = target.CategoryID
	if target.ResetDetails {
		entry.Details = json.RawMessage(`{}`)
	}
	entry.UpdatedBy = target.MovedBy
	f.entries[entryID] = entry
	id := entryID
	f.audits = append(f.audits, store.AuditEvent{
		ID:        int64(len(f.audits) + 1),
		TenantID:  tenantID,
		EventType: "entry.moved",
		ActorID:   target.MovedByID,
		ActorName: target.MovedBy,
		EntryID:   &id,
		Payload:   payload,
		CreatedAt: time.Now(),
	})
	return entry, nil
}

func (f *fakeStore) ListDueEntries(_ context.Context, tenantID string, dueBy time.Time) ([]store.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Entry
	for _, entry := range f.entries {
		if entry.TenantID == tenantID && entry.Status != store.EntryArchived && entry.ReviewDue != nil && !entry.ReviewDue.After(dueBy) {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReviewDue.Before(*out[j].ReviewDue) })
	return out, nil
}

// versions and reviews

func (f *fakeStore) InsertVersion(ctx context.Context, tenantID string, item store.Version) (store.Version, error) {
	if f.insertVersionFn != nil {
		return f.insertVersionFn(ctx, tenantID, item)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.entries[item.EntryID]
	if !ok || entry.TenantID != tenantID {
		return store.Version{}, sql.ErrNoRows
	}
	number := 0
	for _, version := range f.versions {
		if version.EntryID == item.EntryID && version.Number > number {
			number = version.Number
		}
	}
	item.Number = number + 1
	item.CreatedAt = time.Now()
	f.versions = append(f.versions, item)
	id := item.ID
	entry.CurrentVersionID = &id
	f.entries[entry.ID] = entry
	return item, nil
}

func (f *fakeStore) ListVersions(_ context.Context, entryID string) ([]store.Version, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Version
	for _, version := range f.versions {
		if version.EntryID == entryID {
			out = append(out, version)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number > out[j].Number })
	return out, nil
}

func (f *fakeStore) InsertReview(_ context.Context, tenantID string, item store.Review) (store.Review, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.entries[item.EntryID]
	if !ok || entry.TenantID != tenantID {
		return store.Review{}, sql.ErrNoRows
	}
	item.CreatedAt = time.Now()
	f.reviews = append(f.reviews, item)
	entry.ReviewDue = item.NextReviewDue
	entry.RemindedAt = nil
	if item.Outcome == store.OutcomeWithdrawn {
		entry.Status = store.EntryArchived
	}
	f.entries[entry.ID] = entry
	return item, nil
}

func (f *fakeStore) ListReviews(_ context.Context, entryID string) ([]store.Review, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Review
	for i := len(f.reviews) - 1; i >= 0; i-- {
		if f.reviews[i].EntryID == entryID {
			out = append(out, f.reviews[i])
		}
	}
	return out, nil
}

// attachments

func (f *fakeStore) InsertAttachment(ctx context.Context, item store.Attachment) (store.Attachment, error) {
	if f.insertAttachmentFn != nil {
		return f.insertAttachmentFn(ctx, item)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	item.UploadedAt = time.Now()
	f.attachments[item.ID] = item
	return item, nil
}

func (f *fakeStore) GetAttachment(_ context.Context, tenantID, attachmentID string) (store.Attachment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	attachment, ok := f.attachments[attachmentID]
	if !ok || attachment.TenantID != tenantID {
		return store.Attachment{}, sql.ErrNoRows
	}
	return attachment, nil
}

func (f *fakeStore) ListAttachments(_ context.Context, tenantID string, filter store.AttachmentFilter) ([]store.Attachment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Attachment
	for _, attachment := range f.attachments {
		if attachment.TenantID != tenantID {
			continue
		}
		if filter.Folder != "" && attachment.Folder != filter.Folder {
			continue
		}
		if filter.EntryID != "" && (attachment.EntryID == nil || *attachment.EntryID != filter.EntryID) {
			continue
		}
		if filter.Query != "" && !strings.Contains(strings.ToLower(attachment.Filename), strings.ToLower(filter.Query)) {
			continue
		}
		out = append(out, attachment)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) DeleteAttachment(_ context.Context, tenantID, attachmentID string) (store.Attachment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	attachment, ok := f.attachments[attachmentID]
	if !ok || attachment.TenantID != tenantID {
		return store.Attachment{}, sql.ErrNoRows
	}
	for _, version := range f.versions {
		if version.AttachmentID != nil && *version.AttachmentID == attachmentID {
			return store.Attachment{}, store.ErrAttachmentInUse
		}
	}
	delete(f.attachments, attachmentID)
	return attachment, nil
}

// context entries

func (f *fakeStore) ListContextEntries(_ context.Context, tenantID string) ([]store.ContextEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.ContextEntry
	for _, item := range f.contexts {
		if item.TenantID == tenantID {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SortOrder < out[j].SortOrder })
	return out, nil
}

func (f *fakeStore) GetContextEntry(_ context.Context, tenantID, id string) (store.ContextEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.contexts[id]
	if !ok || item.TenantID != tenantID {
		return store.ContextEntry{}, sql.ErrNoRows
	}
	return item, nil
}

func (f *fakeStore) InsertContextEntry(_ context.Context, item store.ContextEntry) (store.ContextEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	max := 0
	for _, existing := range f.contexts {
		if existing.TenantID == item.TenantID && existing.Kind == item.Kind && existing.SortOrder > max {
			max = existing.SortOrder
		}
	}
	item.SortOrder = max + 1
	item.CreatedAt = time.Now()
	item.UpdatedAt = item.CreatedAt
	f.contexts[item.ID] = item
	return item, nil
}

func (f *fakeStore) UpdateContextEntry(_ context.Context, item store.ContextEntry) (store.ContextEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.contexts[item.ID]; !ok {
		return store.ContextEntry{}, sql.ErrNoRows
	}
	item.UpdatedAt = time.Now()
	f.contexts[item.ID] = item
	return item, nil
}

func (f *fakeStore) DeleteContextEntry(_ context.Context, tenantID, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.contexts[id]
	if !ok || item.TenantID != tenantID {
		return sql.ErrNoRows
	}
	delete(f.contexts, id)
	return nil
}

func (f *fakeStore) ReorderContextEntry(_ context.Context, tenantID, id string, up bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	current, ok := f.contexts[id]
	if !ok || current.TenantID != tenantID {
		return false, sql.ErrNoRows
	}
	var siblings []store.ContextEntry
	for _, item := range f.contexts {
		if item.TenantID == tenantID && item.Kind == current.Kind {
			siblings = append(siblings, item)
		}
	}
	sort.Slice(siblings, func(i, j int) bool { return siblings[i].SortOrder < siblings[j].SortOrder })
	neighbour, found := neighbourIndex(len(siblings), func(i int) bool { return siblings[i].ID == id }, up)
	if !found {
		return false, nil
	}
	other := siblings[neighbour]
	current.SortOrder, other.SortOrder = other.SortOrder, current.SortOrder
	f.contexts[current.ID] = current
	f.contexts[other.ID] = other
	return true, nil
}

// energy readings

func readingKey(item store.EnergyReading) string {
	return item.TenantID + "|" + item.Site + "|" + item.Source + "|" + item.Period.Format("2006-01")
}

// conflicting reports whether another reading holds item's natural key.
// Callers hold f.mu.
func (f *fakeStore) conflicting(item store.EnergyReading) (store.EnergyReading, bool) {
	for _, existing := range f.readings {
		if existing.ID != item.ID && readingKey(existing) == readingKey(item) {
			return existing, true
		}
	}
	return store.EnergyReading{}, false
}

func (f *fakeStore) InsertEnergyReading(_ context.Context, item store.EnergyReading) (store.EnergyReading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, taken := f.conflicting(item); taken {
		return store.EnergyReading{}, uniqueViolation
	}
	item.CreatedAt = time.Now()
	item.UpdatedAt = item.CreatedAt
	f.readings[item.ID] = item
	return item, nil
}

func (f *fakeStore) GetEnergyReading(_ context.Context, tenantID, id string) (store.EnergyReading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.readings[id]
	if !ok || item.TenantID != tenantID {
		return store.EnergyReading{}, sql.ErrNoRows
	}
	return item, nil
}

func (f *fakeStore) UpdateEnergyReading(_ context.Context, item store.EnergyReading) (store.EnergyReading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.readings[item.ID]; !ok {
		return store.EnergyReading{}, sql.ErrNoRows
	}
	if _, taken := f.conflicting(item); taken {
		return store.EnergyReading{}, uniqueViolation
	}
	item.UpdatedAt = time.Now()
	f.readings[item.ID] = item
	return item, nil
}

func (f *fakeStore) DeleteEnergyReading(_ context.Context, tenantID, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.readings[id]
	if !ok || item.TenantID != tenantID {
		return sql.ErrNoRows
	}
	delete(f.readings, id)
	return nil
}

func (f *fakeStore) ListEnergyReadings(_ context.Context, tenantID string, from, to time.Time, site string) ([]store.EnergyReading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.EnergyReading
	for _, item := range f.readings {
		if item.TenantID != tenantID || item.Period.Before(from) || !item.Period.Before(to) {
			continue
		}
		if site != "" && item.Site != site {
			continue
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Period.Before(out[j].Period) })
	return out, nil
}

func (f *fakeStore) UpsertEnergyReading(_ context.Context, item store.EnergyReading) (store.EnergyReading, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, found := f.conflicting(item); found {
		item.ID = existing.ID
		item.CreatedAt = existing.CreatedAt
		item.UpdatedAt = time.Now()
		f.readings[item.ID] = item
		return item, false, nil
	}
	item.CreatedAt = time.Now()
	item.UpdatedAt = item.CreatedAt
	f.readings[item.ID] = item
	return item, true, nil
}

// audit

func (f *fakeStore) InsertAuditEvent(_ context.Context, event store.AuditEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	event.ID = int64(len(f.audits) + 1)
	event.CreatedAt = time.Now()
	f.audits = append(f.audits, event)
	return nil
}

func (f *fakeStore) ListAuditEvents(_ context.Context, tenantID, entryID string, limit int) ([]store.AuditEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.AuditEvent
	for i := len(f.audits) - 1; i >= 0; i-- {
		event := f.audits[i]
		if event.TenantID != tenantID {
			continue
		}
		if entryID != "" && (event.EntryID == nil || *event.EntryID != entryID) {
			continue
		}
		out = append(out, event)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) auditTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.audits))
	for _, event := range f.audits {
		out = append(out, event.EventType)
	}
	return out
}
