package auth

import (
	"context"
	"fmt"
	"strings"

	"profitpilot/internal/database"
	"profitpilot/internal/logging"
)

// AdminStore is what the seeder needs from the repository
type AdminStore interface {
	GetUserByEmail(ctx context.Context, email string) (*database.User, error)
	CreateUser(ctx context.Context, user *database.User) error
	UpdatePassword(ctx context.Context, userID, passwordHash string) error
	UpdateUserRole(ctx context.Context, userID, role string) error
	MarkEmailVerified(ctx context.Context, userID string) error
}

// AdminSeed names the admin account to ensure on start-up
type AdminSeed struct {
	Email    string
	LoginID  string
	Password string
}

// SeedAdminUser ensures the configured admin exists, is verified and has the admin role.
// It does nothing when email or password is empty.
func SeedAdminUser(ctx context.Context, store AdminStore, passwords *PasswordManager, seed AdminSeed) error {
	email := strings.ToLower(strings.TrimSpace(seed.Email))
	if email == "" || seed.Password == "" {
		return nil
	}
	logger := logging.WithComponent("admin-seeder")

	user, err := store.GetUserByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("failed to check for admin user: %w", err)
	}

	hashedPassword, err := passwords.HashPassword(seed.Password)
	if err != nil {
		return fmt.Errorf("failed to hash admin password: %w", err)
	}

	if user == nil {
		logger.Info("Admin user not found, creating", "email", email)
		admin := &database.User{
			Name:          "Administrator",
			Email:         email,
			PasswordHash:  hashedPassword,
			Role:          database.RoleAdmin,
			EmailVerified: true,
		}
		if id := strings.TrimSpace(seed.LoginID); id != "" {
			admin.LoginID = &id
		}
		if err := store.CreateUser(ctx, admin); err != nil {
			return fmt.Errorf("failed to create admin user: %w", err)
		}
		logger.Info("Admin user created", "user_id", admin.ID)
		return nil
	}

	if !passwords.VerifyPassword(seed.Password, user.PasswordHash) {
		if err := store.UpdatePassword(ctx, user.ID, hashedPassword); err != nil {
			return fmt.Errorf("failed to update admin password: %w", err)
		}
		logger.Info("Admin password updated", "user_id", user.ID)
	}

	if !user.IsAdmin() {
		if err := store.UpdateUserRole(ctx, user.ID, database.RoleAdmin); err != nil {
			return fmt.Errorf("failed to promote admin user: %w", err)
		}
		logger.Info("User promoted to admin", "user_id", user.ID)
	}

	if !user.EmailVerified {
		if err := store.MarkEmailVerified(ctx, user.ID); err != nil {
			return fmt.Errorf("failed to verify admin email: %w", err)
		}
	}

	return nil
}
