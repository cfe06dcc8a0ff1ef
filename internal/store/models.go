package store

import (
	"encoding/json"
	"time"
)

type Tenant struct {
	ID        string
	Name      string
	Slug      string
	CreatedAt time.Time
}

type User struct {
	ID                    string
	DisplayName           string
	Email                 string
	PasswordHash          string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	DeactivatedAt         *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Membership joins a user to a tenant with a role. The name and email
// columns are denormalised for listing.
type Membership struct {
	TenantID    string
	TenantName  string
	TenantSlug  string
	UserID      string
	DisplayName string
	Email       string
	Role        string
	CreatedAt   time.Time
}

// SessionUser is what a refresh token resolves to.
type SessionUser struct {
	UserID      string
	DisplayName string
	TenantID    string
	Role        string
}

type Category struct {
	ID        string
	TenantID  string
	Section   string
	Title     string
	SortOrder int
	CreatedAt time.Time
	UpdatedAt time.Time
}

const (
	EntryDraft    = "DRAFT"
	EntryActive   = "ACTIVE"
	EntryArchived = "ARCHIVED"
)

type Entry struct {
	ID               string
	TenantID         string
	Section          string
	CategoryID       string
	Title            string
	Reference        string
	Body             string
	OwnerID          *string
	OwnerName        string
	OwnerEmail       string
	Status           string
	SortOrder        int
	Details          json.RawMessage
	ReviewMonths     int
	ReviewDue        *time.Time
	RemindedAt       *time.Time
	CurrentVersionID *string
	CreatedBy        string
	UpdatedBy        string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type Version struct {
	ID           string
	EntryID      string
	Number       int
	Label        string
	Notes        string
	AttachmentID *string
	Filename     string
	CreatedBy    string
	CreatedAt    time.Time
}

const (
	OutcomeNoChange  = "NO_CHANGE"
	OutcomeUpdated   = "UPDATED"
	OutcomeWithdrawn = "WITHDRAWN"
)

type Review struct {
	ID            string
	EntryID       string
	ReviewerName  string
	ReviewedOn    time.Time
	Outcome       string
	Notes         string
	NextReviewDue *time.Time
	CreatedBy     string
	CreatedAt     time.Time
}

type Attachment struct {
	ID          string
	TenantID    string
	EntryID     *string
	Folder      string
	Filename    string
	ContentType string
	SizeBytes   int64
	SHA256      string
	BlobKey     string
	UploadedBy  string
	UploadedAt  time.Time
}

type AttachmentFilter struct {
	Folder  string
	EntryID string
	Query   string
}

type ContextEntry struct {
	ID          string
	TenantID    string
	Kind        string
	Title       string
	Description string
	Needs       string
	Impact      string
	SortOrder   int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type EnergyReading struct {
	ID        string
	TenantID  string
	Site      string
	Source    string
	Period    time.Time
	Quantity  float64
	Unit      string
	Cost      float64
	Notes     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type AuditEvent struct {
	ID        int64
	TenantID  string
	EventType string
	ActorID   string
	ActorName string
	EntryID   *string
	Payload   json.RawMessage
	CreatedAt time.Time
}

// DueEntry is an entry whose review falls inside a reminder window,
// joined with what is needed to notify someone about it.
type DueEntry struct {
	Entry
	TenantName string
}

// MoveTarget describes where an entry is moved to.
type MoveTarget struct {
	Section      string
	CategoryID   string
	ResetDetails bool
	MovedByID    string
	MovedBy      string
}

// CommitInfo describes one commit of an entry's details history.
type CommitInfo struct {
	Hash      string
	Message   string
	Author    string
	CreatedAt time.Time
}
