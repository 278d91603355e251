package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// =====================================================
// USER CRUD OPERATIONS
// =====================================================

const userColumns = `
	id::text, name, address, login_id, email, password_hash, role, email_verified,
	verify_token, verify_expires, reset_token, reset_expires, last_login_at,
	created_at, updated_at
`

func scanUser(row pgx.Row) (*User, error) {
	user := &User{}
	err := row.Scan(
		&user.ID, &user.Name, &user.Address, &user.LoginID, &user.Email, &user.PasswordHash,
		&user.Role, &user.EmailVerified, &user.VerifyToken, &user.VerifyExpires,
		&user.ResetToken, &user.ResetExpires, &user.LastLoginAt,
		&user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (r *Repository) getUserWhere(ctx context.Context, where string, arg interface{}) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM app_users WHERE ` + where
	user, err := scanUser(r.db.Pool.QueryRow(ctx, query, arg))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// CreateUser creates a new user
func (r *Repository) CreateUser(ctx context.Context, user *User) error {
	if user.Role == "" {
		user.Role = RoleUser
	}
	query := `
		INSERT INTO app_users (
			name, address, login_id, email, password_hash, role, email_verified,
			verify_token, verify_expires
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id::text, created_at, updated_at
	`

	err := r.db.Pool.QueryRow(ctx, query,
		user.Name,
		user.Address,
		user.LoginID,
		strings.ToLower(user.Email),
		user.PasswordHash,
		user.Role,
		user.EmailVerified,
		user.VerifyToken,
		user.VerifyExpires,
	).Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	return nil
}

// GetUserByID retrieves a user by ID
func (r *Repository) GetUserByID(ctx context.Context, userID string) (*User, error) {
	return r.getUserWhere(ctx, `id::text = $1`, userID)
}

// GetUserByEmail retrieves a user by email, case-insensitively
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return r.getUserWhere(ctx, `email = lower($1)`, strings.TrimSpace(email))
}

// GetUserByLoginID retrieves a user by login ID
func (r *Repository) GetUserByLoginID(ctx context.Context, loginID string) (*User, error) {
	return r.getUserWhere(ctx, `login_id = $1`, strings.TrimSpace(loginID))
}

// GetUserByIdentifier retrieves a user by login ID or email. A login ID match wins.
func (r *Repository) GetUserByIdentifier(ctx context.Context, identifier string) (*User, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, nil
	}
	query := `SELECT ` + userColumns + ` FROM app_users
		WHERE login_id = $1 OR email = lower($1)
		ORDER BY (login_id = $1) DESC NULLS LAST
		LIMIT 1`
	user, err := scanUser(r.db.Pool.QueryRow(ctx, query, identifier))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user by identifier: %w", err)
	}
	return user, nil
}

// EmailExists checks if an email is already registered
func (r *Repository) EmailExists(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := r.db.Pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM app_users WHERE email = lower($1))`,
		strings.TrimSpace(email),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check email: %w", err)
	}
	return exists, nil
}

// LoginIDExists checks if a login ID is already taken
func (r *Repository) LoginIDExists(ctx context.Context, loginID string) (bool, error) {
	var exists bool
	err := r.db.Pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM app_users WHERE login_id = $1)`,
		strings.TrimSpace(loginID),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check login id: %w", err)
	}
	return exists, nil
}

// ListUsers returns all users, newest first
func (r *Repository) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT `+userColumns+` FROM app_users ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, *user)
	}
	return users, rows.Err()
}

// UpdateUserProfile updates name and address
func (r *Repository) UpdateUserProfile(ctx context.Context, userID, name, address string) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE app_users SET name = $2, address = $3, updated_at = NOW() WHERE id::text = $1`,
		userID, name, address,
	)
	if err != nil {
		return fmt.Errorf("failed to update user profile: %w", err)
	}
	return nil
}

// UpdateUserRole sets the role of a user
func (r *Repository) UpdateUserRole(ctx context.Context, userID, role string) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE app_users SET role = $2, updated_at = NOW() WHERE id::text = $1`,
		userID, role,
	)
	if err != nil {
		return fmt.Errorf("failed to update user role: %w", err)
	}
	return nil
}

// UpdatePassword saves a new password hash and clears any reset token
func (r *Repository) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE app_users
		SET password_hash = $2, reset_token = NULL, reset_expires = NULL, updated_at = NOW()
		WHERE id::text = $1`,
		userID, passwordHash,
	)
	if err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	return nil
}

// UpdateLastLogin updates the user's last login time
func (r *Repository) UpdateLastLogin(ctx context.Context, userID string) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE app_users SET last_login_at = NOW() WHERE id::text = $1`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("failed to update last login: %w", err)
	}
	return nil
}

// DeleteUser removes a user. Subscriptions, settings and trade logs cascade.
func (r *Repository) DeleteUser(ctx context.Context, userID string) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM app_users WHERE id::text = $1`, userID)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	return nil
}

// =====================================================
// VERIFY AND RESET TOKENS
// =====================================================

// SetVerifyToken stores a new email verification token
func (r *Repository) SetVerifyToken(ctx context.Context, userID, token string, expires time.Time) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE app_users SET verify_token = $2, verify_expires = $3, updated_at = NOW()
		WHERE id::text = $1`,
		userID, token, expires,
	)
	if err != nil {
		return fmt.Errorf("failed to set verify token: %w", err)
	}
	return nil
}

// GetUserByVerifyToken finds the user owning a verification token
func (r *Repository) GetUserByVerifyToken(ctx context.Context, token string) (*User, error) {
	return r.getUserWhere(ctx, `verify_token = $1`, token)
}

// MarkEmailVerified sets email_verified and clears the verification token
func (r *Repository) MarkEmailVerified(ctx context.Context, userID string) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE app_users
		SET email_verified = TRUE, verify_token = NULL, verify_expires = NULL, updated_at = NOW()
		WHERE id::text = $1`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark email verified: %w", err)
	}
	return nil
}

// SetResetToken stores a new password reset token
func (r *Repository) SetResetToken(ctx context.Context, userID, token string, expires time.Time) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE app_users SET reset_token = $2, reset_expires = $3, updated_at = NOW()
		WHERE id::text = $1`,
		userID, token, expires,
	)
	if err != nil {
		return fmt.Errorf("failed to set reset token: %w", err)
	}
	return nil
}

// GetUserByResetToken finds the user owning a reset token
func (r *Repository) GetUserByResetToken(ctx context.Context, token string) (*User, error) {
	return r.getUserWhere(ctx, `reset_token = $1`, token)
}
