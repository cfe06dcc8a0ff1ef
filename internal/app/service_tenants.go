package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"

	"ims/api/internal/catalog"
	"ims/api/internal/rbac"
	"ims/api/internal/store"
	"ims/api/internal/util"
)

const defaultCategoryTitle = "General"

// createTenant inserts a tenant, makes ownerID its admin and seeds one
// category per section. A generated slug that is taken gets a suffix.
func (s *Service) createTenant(ctx context.Context, name, slug, ownerID string) (store.Tenant, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return store.Tenant{}, validationError("name is required")
	}
	explicit := strings.TrimSpace(slug) != ""
	base := slugify(slug)
	if !explicit {
		base = slugify(name)
	}
	if base == "" {
		return store.Tenant{}, validationError("slug must contain letters or digits")
	}

	tenant := store.Tenant{ID: util.NewID("ten"), Name: name, Slug: base}
	err := s.store.CreateTenant(ctx, tenant, ownerID)
	if err != nil && store.IsUniqueViolation(err) {
		if explicit {
			return store.Tenant{}, domainError(http.StatusConflict, "SLUG_TAKEN", "That organisation slug is already used", nil)
		}
		tenant.Slug = base + "-" + tenant.ID[len(tenant.ID)-6:]
		err = s.store.CreateTenant(ctx, tenant, ownerID)
	}
	if err != nil {
		return store.Tenant{}, err
	}

	for _, section := range catalog.All() {
		if _, err := s.store.InsertCategory(ctx, store.Category{
			ID:       util.NewID("cat"),
			TenantID: tenant.ID,
			Section:  section.Key,
			Title:    defaultCategoryTitle,
		}); err != nil {
			return store.Tenant{}, err
		}
	}
	return tenant, nil
}

func slugify(value string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(value)) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			dash = false
		case b.Len() > 0 && !dash:
			b.WriteByte('-')
			dash = true
		}
	}
	out := strings.TrimSuffix(b.String(), "-")
	if len(out) > 48 {
		out = strings.TrimSuffix(out[:48], "-")
	}
	return out
}

func tenantView(tenant store.Tenant) map[string]any {
	return map[string]any{
		"id":        tenant.ID,
		"name":      tenant.Name,
		"slug":      tenant.Slug,
		"createdAt": tenant.CreatedAt,
	}
}

func memberView(member store.Membership) map[string]any {
	return map[string]any{
		"userId":      member.UserID,
		"displayName": member.DisplayName,
		"email":       member.Email,
		"role":        member.Role,
		"joinedAt":    member.CreatedAt,
	}
}

func (s *Service) MyTenants(ctx context.Context, session Session) (map[string]any, error) {
	memberships, err := s.store.ListMembershipsForUser(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(memberships))
	for _, member := range memberships {
		items = append(items, map[string]any{
			"id":      member.TenantID,
			"name":    member.TenantName,
			"slug":    member.TenantSlug,
			"role":    member.Role,
			"current": member.TenantID == session.TenantID,
		})
	}
	return map[string]any{"tenants": items}, nil
}

func (s *Service) CreateTenant(ctx context.Context, session Session, name, slug string) (map[string]any, error) {
	tenant, err := s.createTenant(ctx, name, slug, session.UserID)
	if err != nil {
		return nil, err
	}
	log.WithField("tenant", tenant.Slug).WithField("user", session.UserID).Info("tenant created")
	return map[string]any{"tenant": tenantView(tenant)}, nil
}

func (s *Service) ListMembers(ctx context.Context, session Session) (map[string]any, error) {
	members, err := s.store.ListMembers(ctx, session.TenantID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(members))
	for _, member := range members {
		items = append(items, memberView(member))
	}
	return map[string]any{"members": items}, nil
}

// AddMember grants an existing account a role in the caller's tenant. An
// existing membership has its role replaced.
func (s *Service) AddMember(ctx context.Context, session Session, email, role string) (map[string]any, error) {
	role = strings.TrimSpace(role)
	if !rbac.Valid(role) {
		return nil, validationError("role must be viewer, reviewer, editor or admin")
	}
	user, err := s.store.GetUserByEmail(ctx, email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domainError(http.StatusNotFound, "USER_NOT_FOUND", "No account uses that email address", nil)
	}
	if err != nil {
		return nil, err
	}
	if existing, err := s.store.GetMembership(ctx, session.TenantID, user.ID); err == nil && existing.Role == string(rbac.RoleAdmin) && role != string(rbac.RoleAdmin) {
		return s.SetMemberRole(ctx, session, user.ID, role)
	}
	if err := s.store.UpsertMembership(ctx, session.TenantID, user.ID, role); err != nil {
		return nil, err
	}
	member, err := s.store.GetMembership(ctx, session.TenantID, user.ID)
	if err != nil {
		return nil, err
	}
	s.audit(ctx, session, "member.added", nil, map[string]any{"userId": user.ID, "role": role})
	return map[string]any{"member": memberView(member)}, nil
}

func (s *Service) SetMemberRole(ctx context.Context, session Session, userID, role string) (map[string]any, error) {
	role = strings.TrimSpace(role)
	if !rbac.Valid(role) {
		return nil, validationError("role must be viewer, reviewer, editor or admin")
	}
	if err := s.store.SetMemberRole(ctx, session.TenantID, userID, role); err != nil {
		return nil, err
	}
	member, err := s.store.GetMembership(ctx, session.TenantID, userID)
	if err != nil {
		return nil, err
	}
	s.audit(ctx, session, "member.role_changed", nil, map[string]any{"userId": userID, "role": role})
	return map[string]any{"member": memberView(member)}, nil
}

func (s *Service) RemoveMember(ctx context.Context, session Session, userID string) error {
	if err := s.store.RemoveMember(ctx, session.TenantID, userID); err != nil {
		return err
	}
	s.audit(ctx, session, "member.removed", nil, map[string]any{"userId": userID})
	return nil
}

// ProvisionTenant creates a tenant owned by the account registered under
// adminEmail. The command-line tool uses it.
func (s *Service) ProvisionTenant(ctx context.Context, name, slug, adminEmail string) (store.Tenant, error) {
	user, err := s.store.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(adminEmail)))
	if errors.Is(err, sql.ErrNoRows) {
		return store.Tenant{}, domainError(http.StatusNotFound, "USER_NOT_FOUND", "No account uses that email address", nil)
	}
	if err != nil {
		return store.Tenant{}, err
	}
	tenant, err := s.createTenant(ctx, name, slug, user.ID)
	if err != nil {
		return store.Tenant{}, err
	}
	s.audit(ctx, SystemSession(tenant.ID), "tenant.created", nil, map[string]any{"slug": tenant.Slug, "ownerId": user.ID})
	return tenant, nil
}

// SystemSession acts as an administrator of tenantID without a user.
func SystemSession(tenantID string) Session {
	return Session{TenantID: tenantID, UserName: "system", Role: string(rbac.RoleAdmin)}
}

// TenantSession resolves a tenant slug to a system session.
func (s *Service) TenantSession(ctx context.Context, slug string) (Session, error) {
	tenant, err := s.store.GetTenantBySlug(ctx, strings.TrimSpace(slug))
	if err != nil {
		return Session{}, err
	}
	return SystemSession(tenant.ID), nil
}
