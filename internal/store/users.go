package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

func (s *PostgresStore) CreateTenant(ctx context.Context, tenant Tenant, ownerID string) error {
	return s.inTx(ctx, "create tenant", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tenants (id, name, slug)
			VALUES ($1, $2, $3)
		`, tenant.ID, tenant.Name, tenant.Slug); err != nil {
			return fmt.Errorf("insert tenant: %w", err)
		}
		if ownerID == "" {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO memberships (tenant_id, user_id, role)
			VALUES ($1, $2, 'admin')
		`, tenant.ID, ownerID); err != nil {
			return fmt.Errorf("insert owner membership: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) GetTenant(ctx context.Context, tenantID string) (Tenant, error) {
	var tenant Tenant
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, slug, created_at FROM tenants WHERE id=$1
	`, tenantID).Scan(&tenant.ID, &tenant.Name, &tenant.Slug, &tenant.CreatedAt)
	if err != nil {
		return Tenant{}, err
	}
	return tenant, nil
}

func (s *PostgresStore) GetTenantBySlug(ctx context.Context, slug string) (Tenant, error) {
	var tenant Tenant
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, slug, created_at FROM tenants WHERE slug=$1
	`, slug).Scan(&tenant.ID, &tenant.Name, &tenant.Slug, &tenant.CreatedAt)
	if err != nil {
		return Tenant{}, err
	}
	return tenant, nil
}

const userColumns = `id, display_name, email, password_hash, is_email_verified,
	COALESCE(verification_token, ''), verification_expires_at, deactivated_at, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var user User
	var verificationExpires, deactivated sql.NullTime
	err := row.Scan(
		&user.ID,
		&user.DisplayName,
		&user.Email,
		&user.PasswordHash,
		&user.IsEmailVerified,
		&user.VerificationToken,
		&verificationExpires,
		&deactivated,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return User{}, err
	}
	if verificationExpires.Valid {
		user.VerificationExpiresAt = &verificationExpires.Time
	}
	if deactivated.Valid {
		user.DeactivatedAt = &deactivated.Time
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID))
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email=$1`, strings.ToLower(strings.TrimSpace(email))))
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash, is_email_verified, verification_token)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))
	`, user.ID, user.DisplayName, strings.ToLower(strings.TrimSpace(user.Email)), user.PasswordHash, user.IsEmailVerified, user.VerificationToken)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET verification_token=$2, verification_expires_at=$3, updated_at=NOW() WHERE id=$1
	`, userID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("update verification token: %w", err)
	}
	return nil
}

func (s *PostgresStore) VerifyUserEmail(ctx context.Context, token string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET is_email_verified=TRUE, verification_token=NULL, verification_expires_at=NULL, updated_at=NOW()
		WHERE verification_token=$1 AND (verification_expires_at IS NULL OR verification_expires_at > NOW())
	`, token)
	if err != nil {
		return fmt.Errorf("verify email: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, userID, tokenHash string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token_hash, user_id, expires_at) VALUES ($1, $2, $3)
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("create password reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPasswordReset(ctx context.Context, tokenHash string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM password_resets
		WHERE token_hash=$1 AND used_at IS NULL AND expires_at > NOW()
	`, tokenHash).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE password_resets SET used_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("mark password reset used: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListMembershipsForUser(ctx context.Context, userID string) ([]Membership, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.tenant_id, t.name, t.slug, m.user_id, u.display_name, u.email, m.role, m.created_at
		FROM memberships m
		JOIN tenants t ON t.id = m.tenant_id
		JOIN users u ON u.id = m.user_id
		WHERE m.user_id=$1
		ORDER BY m.created_at ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list user memberships: %w", err)
	}
	return scanMemberships(rows)
}

func (s *PostgresStore) ListMembers(ctx context.Context, tenantID string) ([]Membership, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.tenant_id, t.name, t.slug, m.user_id, u.display_name, u.email, m.role, m.created_at
		FROM memberships m
		JOIN tenants t ON t.id = m.tenant_id
		JOIN users u ON u.id = m.user_id
		WHERE m.tenant_id=$1
		ORDER BY u.display_name ASC
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	return scanMemberships(rows)
}

func scanMemberships(rows *sql.Rows) ([]Membership, error) {
	defer rows.Close()
	items := make([]Membership, 0)
	for rows.Next() {
		var item Membership
		if err := rows.Scan(&item.TenantID, &item.TenantName, &item.TenantSlug, &item.UserID, &item.DisplayName, &item.Email, &item.Role, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memberships: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetMembership(ctx context.Context, tenantID, userID string) (Membership, error) {
	var item Membership
	err := s.db.QueryRowContext(ctx, `
		SELECT m.tenant_id, t.name, t.slug, m.user_id, u.display_name, u.email, m.role, m.created_at
		FROM memberships m
		JOIN tenants t ON t.id = m.tenant_id
		JOIN users u ON u.id = m.user_id
		WHERE m.tenant_id=$1 AND m.user_id=$2
	`, tenantID, userID).Scan(&item.TenantID, &item.TenantName, &item.TenantSlug, &item.UserID, &item.DisplayName, &item.Email, &item.Role, &item.CreatedAt)
	if err != nil {
		return Membership{}, err
	}
	return item, nil
}

func (s *PostgresStore) UpsertMembership(ctx context.Context, tenantID, userID, role string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memberships (tenant_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, user_id) DO UPDATE SET role=EXCLUDED.role
	`, tenantID, userID, role)
	if err != nil {
		return fmt.Errorf("upsert membership: %w", err)
	}
	return nil
}

// ErrLastAdmin is returned when a change would leave a tenant without an admin.
var ErrLastAdmin = errors.New("tenant must keep at least one admin")

// SetMemberRole changes a role, refusing to demote the last admin.
func (s *PostgresStore) SetMemberRole(ctx context.Context, tenantID, userID, role string) error {
	return s.inTx(ctx, "set member role", func(tx *sql.Tx) error {
		current, err := lockMemberRole(ctx, tx, tenantID, userID)
		if err != nil {
			return err
		}
		if current == "admin" && role != "admin" {
			if err := ensureOtherAdmin(ctx, tx, tenantID, userID); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, `UPDATE memberships SET role=$3 WHERE tenant_id=$1 AND user_id=$2`, tenantID, userID, role); err != nil {
			return fmt.Errorf("update member role: %w", err)
		}
		return nil
	})
}

// RemoveMember deletes a membership, refusing to remove the last admin.
func (s *PostgresStore) RemoveMember(ctx context.Context, tenantID, userID string) error {
	return s.inTx(ctx, "remove member", func(tx *sql.Tx) error {
		current, err := lockMemberRole(ctx, tx, tenantID, userID)
		if err != nil {
			return err
		}
		if current == "admin" {
			if err := ensureOtherAdmin(ctx, tx, tenantID, userID); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM memberships WHERE tenant_id=$1 AND user_id=$2`, tenantID, userID); err != nil {
			return fmt.Errorf("delete membership: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE refresh_sessions SET revoked_at=NOW()
			WHERE tenant_id=$1 AND user_id=$2 AND revoked_at IS NULL
		`, tenantID, userID); err != nil {
			return fmt.Errorf("revoke member sessions: %w", err)
		}
		return nil
	})
}

func lockMemberRole(ctx context.Context, tx *sql.Tx, tenantID, userID string) (string, error) {
	// Lock every admin row of the tenant so concurrent demotions serialise.
	if _, err := tx.ExecContext(ctx, `SELECT 1 FROM memberships WHERE tenant_id=$1 AND role='admin' FOR UPDATE`, tenantID); err != nil {
		return "", fmt.Errorf("lock admins: %w", err)
	}
	var role string
	err := tx.QueryRowContext(ctx, `SELECT role FROM memberships WHERE tenant_id=$1 AND user_id=$2 FOR UPDATE`, tenantID, userID).Scan(&role)
	if err != nil {
		return "", err
	}
	return role, nil
}

func ensureOtherAdmin(ctx context.Context, tx *sql.Tx, tenantID, userID string) error {
	var others int
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM memberships WHERE tenant_id=$1 AND role='admin' AND user_id <> $2
	`, tenantID, userID).Scan(&others)
	if err != nil {
		return fmt.Errorf("count admins: %w", err)
	}
	if others == 0 {
		return ErrLastAdmin
	}
	return nil
}

func (s *PostgresStore) ListTenantAdmins(ctx context.Context, tenantID string) ([]Membership, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.tenant_id, t.name, t.slug, m.user_id, u.display_name, u.email, m.role, m.created_at
		FROM memberships m
		JOIN tenants t ON t.id = m.tenant_id
		JOIN users u ON u.id = m.user_id
		WHERE m.tenant_id=$1 AND m.role='admin' AND u.deactivated_at IS NULL
		ORDER BY u.email ASC
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list tenant admins: %w", err)
	}
	return scanMemberships(rows)
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID, tenantID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, tenant_id, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, tenant_id=EXCLUDED.tenant_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, tenantID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (SessionUser, error) {
	const query = `
		SELECT u.id, u.display_name, rs.tenant_id, m.role
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		JOIN memberships m ON m.user_id = rs.user_id AND m.tenant_id = rs.tenant_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
			AND u.deactivated_at IS NULL
	`
	var user SessionUser
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.UserID, &user.DisplayName, &user.TenantID, &user.Role)
	if err != nil {
		return SessionUser{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}
