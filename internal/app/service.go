package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/url"
	"strings"
	"time"

	"ims/api/internal/auth"
	"ims/api/internal/authpw"
	"ims/api/internal/blob"
	"ims/api/internal/config"
	"ims/api/internal/energy"
	"ims/api/internal/export"
	"ims/api/internal/gitrepo"
	"ims/api/internal/logging"
	"ims/api/internal/rbac"
	"ims/api/internal/search"
	"ims/api/internal/session"
	"ims/api/internal/store"
	"ims/api/internal/util"

	"github.com/sirupsen/logrus"
)

var log = logging.Component("app")

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	TenantID     string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

// SessionStore keeps hashed refresh tokens. PostgreSQL and Redis both
// implement it.
type SessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID, tenantID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.SessionUser, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

// Mailer sends account emails. Without one, tokens are echoed back to the
// caller as dev tokens.
type Mailer interface {
	IsConfigured() bool
	SendVerificationEmail(to, userName, verificationURL string) error
	SendPasswordResetEmail(to, userName, resetURL string) error
}

type dataStore interface {
	authpw.UserStore
	export.DataStore
	energy.Store
	SessionStore

	Ping(ctx context.Context) error

	CreateTenant(ctx context.Context, tenant store.Tenant, ownerID string) error
	GetTenantBySlug(ctx context.Context, slug string) (store.Tenant, error)
	ListMembershipsForUser(ctx context.Context, userID string) ([]store.Membership, error)
	ListMembers(ctx context.Context, tenantID string) ([]store.Membership, error)
	GetMembership(ctx context.Context, tenantID, userID string) (store.Membership, error)
	UpsertMembership(ctx context.Context, tenantID, userID, role string) error
	SetMemberRole(ctx context.Context, tenantID, userID, role string) error
	RemoveMember(ctx context.Context, tenantID, userID string) error
	RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)

	InsertCategory(ctx context.Context, item store.Category) (store.Category, error)
	RenameCategory(ctx context.Context, tenantID, categoryID, title string) (store.Category, error)
	DeleteCategory(ctx context.Context, tenantID, categoryID string) error
	ReorderCategory(ctx context.Context, tenantID, categoryID string, up bool) (bool, error)

	InsertEntry(ctx context.Context, item store.Entry) (store.Entry, error)
	UpdateEntry(ctx context.Context, item store.Entry) (store.Entry, error)
	DeleteEntry(ctx context.Context, tenantID, entryID string) ([]string, error)
	ReorderEntry(ctx context.Context, tenantID, entryID string, up bool) (bool, error)
	MoveEntry(ctx context.Context, tenantID, entryID string, target store.MoveTarget) (store.Entry, error)
	ListDueEntries(ctx context.Context, tenantID string, dueBy time.Time) ([]store.Entry, error)

	InsertVersion(ctx context.Context, tenantID string, item store.Version) (store.Version, error)
	InsertReview(ctx context.Context, tenantID string, item store.Review) (store.Review, error)

	InsertAttachment(ctx context.Context, item store.Attachment) (store.Attachment, error)
	GetAttachment(ctx context.Context, tenantID, attachmentID string) (store.Attachment, error)
	ListAttachments(ctx context.Context, tenantID string, filter store.AttachmentFilter) ([]store.Attachment, error)
	DeleteAttachment(ctx context.Context, tenantID, attachmentID string) (store.Attachment, error)

	ListContextEntries(ctx context.Context, tenantID string) ([]store.ContextEntry, error)
	GetContextEntry(ctx context.Context, tenantID, id string) (store.ContextEntry, error)
	InsertContextEntry(ctx context.Context, item store.ContextEntry) (store.ContextEntry, error)
	UpdateContextEntry(ctx context.Context, item store.ContextEntry) (store.ContextEntry, error)
	DeleteContextEntry(ctx context.Context, tenantID, id string) error
	ReorderContextEntry(ctx context.Context, tenantID, id string, up bool) (bool, error)

	InsertEnergyReading(ctx context.Context, item store.EnergyReading) (store.EnergyReading, error)
	GetEnergyReading(ctx context.Context, tenantID, id string) (store.EnergyReading, error)
	UpdateEnergyReading(ctx context.Context, item store.EnergyReading) (store.EnergyReading, error)
	DeleteEnergyReading(ctx context.Context, tenantID, id string) error

	InsertAuditEvent(ctx context.Context, event store.AuditEvent) error
	ListAuditEvents(ctx context.Context, tenantID, entryID string, limit int) ([]store.AuditEvent, error)
}

type historyService interface {
	Ensure(entryID string, details json.RawMessage, author string) error
	Commit(entryID string, details json.RawMessage, author, message string) (store.CommitInfo, bool, error)
	History(entryID string, limit int) ([]store.CommitInfo, error)
	DetailsAt(entryID, hash string) (json.RawMessage, store.CommitInfo, error)
	Delete(entryID string) error
}

type searchIndex interface {
	Search(q search.Query) search.Response
	IndexEntry(e store.Entry)
	DeleteEntry(id string)
	IndexDocument(a store.Attachment, section string)
	DeleteDocument(id string)
	IndexContext(c store.ContextEntry)
	DeleteContext(id string)
}

type exporter interface {
	ExportEntry(ctx context.Context, tenantID, entryID string, format export.Format) (*export.Result, error)
	ExportRegister(ctx context.Context, tenantID, sectionKey string, includeArchived bool, format export.Format) (*export.Result, error)
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  SessionStore
	history   historyService
	blobs     blob.Store
	search    searchIndex
	mailer    Mailer
	passwords *authpw.Service
	exporter  exporter
	energy    *energy.Service
	now       func() time.Time
}

func New(cfg config.Config, dataStore *store.PostgresStore, history *gitrepo.Service, blobs blob.Store, searchService *search.Service) *Service {
	var index searchIndex
	if searchService != nil {
		index = searchService
	}
	return newService(cfg, dataStore, history, blobs, index)
}

func newService(cfg config.Config, ds dataStore, history historyService, blobs blob.Store, index searchIndex) *Service {
	return &Service{
		cfg:       cfg,
		store:     ds,
		sessions:  ds,
		history:   history,
		blobs:     blobs,
		search:    index,
		passwords: authpw.NewService(ds),
		exporter:  export.NewService(ds),
		energy:    energy.NewService(ds, cfg.EmissionFactors),
		now:       time.Now,
	}
}

// WithSessionStore moves refresh sessions out of the primary database.
func (s *Service) WithSessionStore(sessions SessionStore) *Service {
	if sessions != nil {
		s.sessions = sessions
	}
	return s
}

func (s *Service) WithMailer(mailer Mailer) *Service {
	s.mailer = mailer
	return s
}

func (s *Service) SMTPConfigured() bool {
	return s.mailer != nil && s.mailer.IsConfigured()
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

// Bootstrap creates the configured tenant and its first administrator when
// the administrator account does not exist yet.
func (s *Service) Bootstrap(ctx context.Context) error {
	email := strings.ToLower(strings.TrimSpace(s.cfg.BootstrapAdminEmail))
	if email == "" || s.cfg.BootstrapAdminPassword == "" || strings.TrimSpace(s.cfg.BootstrapTenant) == "" {
		return nil
	}
	if _, err := s.store.GetUserByEmail(ctx, email); err == nil {
		return nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	hash, err := authpw.HashPassword(s.cfg.BootstrapAdminPassword)
	if err != nil {
		return err
	}
	user := store.User{
		ID:              util.NewID("usr"),
		DisplayName:     "Administrator",
		Email:           email,
		PasswordHash:    hash,
		IsEmailVerified: true,
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return err
	}
	tenant, err := s.createTenant(ctx, s.cfg.BootstrapTenant, "", user.ID)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"tenant": tenant.Slug, "email": email}).Info("bootstrap tenant created")
	return nil
}

type SignUpInput struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	DisplayName  string `json:"displayName"`
	Organisation string `json:"organisation"`
}

// SignUp registers an unverified user. A non-empty organisation creates a
// tenant with the new user as its admin.
func (s *Service) SignUp(ctx context.Context, input SignUpInput) (map[string]any, error) {
	resp, err := s.passwords.SignUp(ctx, authpw.SignUpRequest{
		Email:       input.Email,
		Password:    input.Password,
		DisplayName: input.DisplayName,
	})
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"userId":  resp.UserID,
		"message": "Please check your email to verify your account",
	}
	if organisation := strings.TrimSpace(input.Organisation); organisation != "" {
		tenant, err := s.createTenant(ctx, organisation, "", resp.UserID)
		if err != nil {
			return nil, err
		}
		payload["tenant"] = tenantView(tenant)
	}

	if resp.RequiresEmailVerify {
		if s.SMTPConfigured() {
			link := s.publicLink("/verify-email", resp.VerificationToken)
			if err := s.mailer.SendVerificationEmail(strings.TrimSpace(input.Email), strings.TrimSpace(input.DisplayName), link); err != nil {
				log.WithError(err).WithField("user", resp.UserID).Warn("send verification email")
			}
		} else {
			payload["devVerificationToken"] = resp.VerificationToken
			payload["message"] = "Account created. Verify your email to continue."
		}
	}
	return payload, nil
}

// SignIn checks the credentials and opens a session in the tenant named by
// tenantSlug, or in the user's oldest membership when it is empty.
func (s *Service) SignIn(ctx context.Context, email, password, tenantSlug string) (Session, error) {
	resp, err := s.passwords.SignIn(ctx, authpw.SignInRequest{Email: email, Password: password})
	if err != nil {
		return Session{}, err
	}
	if resp.RequiresVerify {
		return Session{}, domainError(403, "EMAIL_NOT_VERIFIED", "Please verify your email before signing in", nil)
	}

	memberships, err := s.store.ListMembershipsForUser(ctx, resp.User.ID)
	if err != nil {
		return Session{}, err
	}
	if len(memberships) == 0 {
		return Session{}, domainError(403, "NO_TENANT", "You are not a member of any organisation", nil)
	}
	member := memberships[0]
	if slug := strings.TrimSpace(tenantSlug); slug != "" {
		found := false
		for _, candidate := range memberships {
			if candidate.TenantSlug == slug {
				member = candidate
				found = true
				break
			}
		}
		if !found {
			return Session{}, domainError(403, "NOT_A_MEMBER", "You are not a member of that organisation", nil)
		}
	}
	return s.issueSession(ctx, member)
}

func (s *Service) VerifyEmail(ctx context.Context, token string) error {
	return s.passwords.VerifyEmail(ctx, strings.TrimSpace(token))
}

func (s *Service) ResendVerification(ctx context.Context, email string) (map[string]any, error) {
	token, user, err := s.passwords.ResendVerification(ctx, email)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{"message": "If the account exists and is unverified, a new link has been sent"}
	if token == "" {
		return payload, nil
	}
	if s.SMTPConfigured() {
		if err := s.mailer.SendVerificationEmail(user.Email, user.DisplayName, s.publicLink("/verify-email", token)); err != nil {
			log.WithError(err).WithField("user", user.ID).Warn("resend verification email")
		}
	} else {
		payload["devVerificationToken"] = token
	}
	return payload, nil
}

func (s *Service) RequestPasswordReset(ctx context.Context, email string) (map[string]any, error) {
	token, user, err := s.passwords.RequestPasswordReset(ctx, email)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{"message": "If an account exists, a reset email has been sent"}
	if token == "" {
		return payload, nil
	}
	if s.SMTPConfigured() {
		if err := s.mailer.SendPasswordResetEmail(user.Email, user.DisplayName, s.publicLink("/reset-password", token)); err != nil {
			log.WithError(err).WithField("user", user.ID).Warn("send password reset email")
		}
	} else {
		payload["devResetToken"] = token
	}
	return payload, nil
}

func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	return s.passwords.ResetPassword(ctx, authpw.ResetPasswordRequest{Token: token, NewPassword: newPassword})
}

func (s *Service) publicLink(path, token string) string {
	return strings.TrimRight(s.cfg.PublicURL, "/") + path + "?token=" + url.QueryEscape(token)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Session{}, auth.ErrInvalidToken
	}
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, session.ErrNotFound) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	member, err := s.store.GetMembership(ctx, user.TenantID, user.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, member)
}

func (s *Service) issueSession(ctx context.Context, member store.Membership) (Session, error) {
	now := s.now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:      member.UserID,
		Name:     member.DisplayName,
		TenantID: member.TenantID,
		Role:     member.Role,
		JTI:      jti,
		Exp:      expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), member.UserID, member.TenantID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       member.UserID,
		UserName:     member.DisplayName,
		TenantID:     member.TenantID,
		Role:         member.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

// SessionFromToken resolves an access token. The role comes from the
// current membership, so demotions and removals apply immediately.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	member, err := s.store.GetMembership(ctx, claims.TenantID, claims.Sub)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    member.UserID,
		UserName:  member.DisplayName,
		TenantID:  member.TenantID,
		Role:      member.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		if err := s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt); err != nil {
			log.WithError(err).Warn("revoke access token")
		}
	}
	if refreshToken != "" {
		if err := s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			log.WithError(err).Warn("revoke refresh session")
		}
	}
	return nil
}

// SwitchTenant reissues the session for another of the user's memberships
// and retires the current tokens.
func (s *Service) SwitchTenant(ctx context.Context, current Session, tenantID, refreshToken string) (Session, error) {
	member, err := s.store.GetMembership(ctx, strings.TrimSpace(tenantID), current.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, domainError(403, "NOT_A_MEMBER", "You are not a member of that organisation", nil)
	}
	if err != nil {
		return Session{}, err
	}
	next, err := s.issueSession(ctx, member)
	if err != nil {
		return Session{}, err
	}
	_ = s.Logout(ctx, current, refreshToken)
	return next, nil
}

func sessionView(session Session) map[string]any {
	return map[string]any{
		"accessToken":  session.Token,
		"refreshToken": session.RefreshToken,
		"userId":       session.UserID,
		"userName":     session.UserName,
		"tenantId":     session.TenantID,
		"role":         session.Role,
		"expiresAt":    session.ExpiresAt.Unix(),
	}
}

// audit appends an event. A failed write is logged and does not fail the
// operation that already committed.
func (s *Service) audit(ctx context.Context, session Session, eventType string, entryID *string, payload map[string]any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.WithError(err).WithField("event", eventType).Error("encode audit payload")
		return
	}
	if err := s.store.InsertAuditEvent(ctx, store.AuditEvent{
		TenantID:  session.TenantID,
		EventType: eventType,
		ActorID:   session.UserID,
		ActorName: session.UserName,
		EntryID:   entryID,
		Payload:   raw,
	}); err != nil {
		log.WithError(err).WithFields(logrus.Fields{"event": eventType, "tenant": session.TenantID}).Error("write audit event")
	}
}

func (s *Service) ListAudit(ctx context.Context, session Session, entryID string, limit int) (map[string]any, error) {
	entryID = strings.TrimSpace(entryID)
	if entryID != "" {
		if _, err := s.store.GetEntry(ctx, session.TenantID, entryID); err != nil {
			return nil, err
		}
	}
	events, err := s.store.ListAuditEvents(ctx, session.TenantID, entryID, limit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(events))
	for _, event := range events {
		items = append(items, map[string]any{
			"id":        event.ID,
			"eventType": event.EventType,
			"actorId":   event.ActorID,
			"actorName": event.ActorName,
			"entryId":   event.EntryID,
			"payload":   rawOrEmpty(event.Payload),
			"createdAt": event.CreatedAt,
		})
	}
	return map[string]any{"events": items}, nil
}

func (s *Service) Search(ctx context.Context, session Session, text, filterType, section string, limit, offset int) (map[string]any, error) {
	filterType = strings.TrimSpace(filterType)
	if filterType != "" && !search.ValidType(filterType) {
		return nil, validationError("type must be entry, document or context")
	}
	section = strings.TrimSpace(section)
	if section != "" {
		if _, err := lookupSection(section); err != nil {
			return nil, err
		}
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	if s.search == nil {
		return map[string]any{"results": []search.Result{}, "total": 0, "query": text, "backend": "none"}, nil
	}
	resp := s.search.Search(search.Query{
		TenantID:      session.TenantID,
		Text:          strings.TrimSpace(text),
		FilterType:    search.ResultType(filterType),
		FilterSection: section,
		Limit:         limit,
		Offset:        offset,
	})
	return map[string]any{
		"results": resp.Results,
		"total":   resp.Total,
		"query":   resp.Query,
		"backend": resp.Backend,
	}, nil
}

// ExportEntry renders one entry in the requested format.
func (s *Service) ExportEntry(ctx context.Context, session Session, entryID, format string) (*export.Result, error) {
	parsed, err := export.ParseFormat(format)
	if err != nil {
		return nil, err
	}
	return s.exporter.ExportEntry(ctx, session.TenantID, entryID, parsed)
}

func (s *Service) ExportRegister(ctx context.Context, session Session, section string, includeArchived bool, format string) (*export.Result, error) {
	if _, err := lookupSection(section); err != nil {
		return nil, err
	}
	parsed, err := export.ParseFormat(format)
	if err != nil {
		return nil, err
	}
	return s.exporter.ExportRegister(ctx, session.TenantID, section, includeArchived, parsed)
}

func rawOrEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}

// Upload is a file received from a client. Reader must be positioned at
// the start of the content.
type Upload struct {
	Filename string
	Size     int64
	Reader   io.ReadSeeker
}
