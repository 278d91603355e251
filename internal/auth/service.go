package auth

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/badoux/checkmail"

	"profitpilot/internal/database"
	"profitpilot/internal/events"
	"profitpilot/internal/logging"
	"profitpilot/internal/subscription"
)

var loginIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{3,32}$`)

// UserStore is the persistence the auth service needs. *database.Repository satisfies it.
type UserStore interface {
	CreateUser(ctx context.Context, user *database.User) error
	GetUserByID(ctx context.Context, userID string) (*database.User, error)
	GetUserByIdentifier(ctx context.Context, identifier string) (*database.User, error)
	EmailExists(ctx context.Context, email string) (bool, error)
	LoginIDExists(ctx context.Context, loginID string) (bool, error)
	UpdatePassword(ctx context.Context, userID, passwordHash string) error
	UpdateLastLogin(ctx context.Context, userID string) error
	SetVerifyToken(ctx context.Context, userID, token string, expires time.Time) error
	GetUserByVerifyToken(ctx context.Context, token string) (*database.User, error)
	MarkEmailVerified(ctx context.Context, userID string) error
	SetResetToken(ctx context.Context, userID, token string, expires time.Time) error
	GetUserByResetToken(ctx context.Context, token string) (*database.User, error)
}

// Mailer sends account emails
type Mailer interface {
	IsConfigured() bool
	SendVerificationEmail(ctx context.Context, to, name, link string) error
	SendPasswordResetEmail(ctx context.Context, to, name, link string) error
}

// EntitlementReader resolves a user's subscription view
type EntitlementReader interface {
	Status(ctx context.Context, userID string) (subscription.Entitlement, error)
}

// Service handles authentication operations
type Service struct {
	store           UserStore
	throttle        Throttle
	mailer          Mailer
	entitlements    EntitlementReader
	bus             events.Publisher
	jwtManager      *JWTManager
	passwordManager *PasswordManager
	config          Config
	logger          *logging.Logger
	now             func() time.Time
}

// NewService creates a new authentication service. mailer, entitlements and bus may be nil.
func NewService(store UserStore, throttle Throttle, mailer Mailer, entitlements EntitlementReader, bus events.Publisher, config Config) (*Service, error) {
	if config.JWTSecret == "" {
		return nil, errors.New("JWT secret is required")
	}
	defaults := DefaultConfig()
	if config.AccessTokenDuration == 0 {
		config.AccessTokenDuration = defaults.AccessTokenDuration
	}
	if config.VerifyTokenTTL == 0 {
		config.VerifyTokenTTL = defaults.VerifyTokenTTL
	}
	if config.ResetTokenTTL == 0 {
		config.ResetTokenTTL = defaults.ResetTokenTTL
	}
	if config.SiteBase == "" {
		config.SiteBase = defaults.SiteBase
	}

	return &Service{
		store:           store,
		throttle:        throttle,
		mailer:          mailer,
		entitlements:    entitlements,
		bus:             bus,
		jwtManager:      NewJWTManager(config.JWTSecret, config.AccessTokenDuration),
		passwordManager: NewPasswordManager(DefaultBcryptCost, config.MinPasswordLength),
		config:          config,
		logger:          logging.WithComponent("auth"),
		now:             func() time.Time { return time.Now().UTC() },
	}, nil
}

// GetJWTManager returns the JWT manager for use in middleware
func (s *Service) GetJWTManager() *JWTManager {
	return s.jwtManager
}

// PasswordManager returns the password manager used for hashing
func (s *Service) PasswordManager() *PasswordManager {
	return s.passwordManager
}

// Register creates a new unverified user and sends the verification link
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*database.User, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if err := checkmail.ValidateFormat(email); err != nil {
		return nil, ErrInvalidEmail
	}

	loginID := strings.TrimSpace(req.LoginID)
	if loginID != "" && !loginIDPattern.MatchString(loginID) {
		return nil, ErrInvalidLoginID
	}

	if err := s.passwordManager.ValidatePasswordStrength(req.Password); err != nil {
		return nil, AuthError{Code: ErrWeakPassword.Code, Message: err.Error()}
	}

	exists, err := s.store.EmailExists(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to check email: %w", err)
	}
	if exists {
		return nil, ErrEmailExists
	}

	if loginID != "" {
		taken, err := s.store.LoginIDExists(ctx, loginID)
		if err != nil {
			return nil, fmt.Errorf("failed to check login id: %w", err)
		}
		if taken {
			return nil, ErrLoginIDExists
		}
	}

	passwordHash, err := s.passwordManager.HashPassword(req.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &database.User{
		Name:          strings.TrimSpace(req.Name),
		Address:       strings.TrimSpace(req.Address),
		Email:         email,
		PasswordHash:  passwordHash,
		Role:          database.RoleUser,
		EmailVerified: !s.config.RequireEmailVerification,
	}
	if loginID != "" {
		user.LoginID = &loginID
	}

	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	if !user.EmailVerified {
		s.sendVerification(ctx, user)
	}

	s.publish(events.EventUserRegistered, user.ID, map[string]interface{}{"email": user.Email})
	s.logger.Info("User registered", "user_id", user.ID, "email", user.Email)
	return user, nil
}

func (s *Service) sendVerification(ctx context.Context, user *database.User) {
	token, err := GenerateOpaqueToken()
	if err != nil {
		s.logger.Warn("Verify token generation failed", "user_id", user.ID, "error", err)
		return
	}
	if err := s.store.SetVerifyToken(ctx, user.ID, token, s.now().Add(s.config.VerifyTokenTTL)); err != nil {
		s.logger.Warn("Failed to store verify token", "user_id", user.ID, "error", err)
		return
	}
	if s.mailer == nil || !s.mailer.IsConfigured() {
		s.logger.Warn("Mailer not configured, verification email skipped", "user_id", user.ID)
		return
	}
	link := s.link("/verify", token)
	if err := s.mailer.SendVerificationEmail(ctx, user.Email, user.Name, link); err != nil {
		s.logger.Warn("Failed to send verification email", "user_id", user.ID, "error", err)
	}
}

// VerifyEmail consumes a verify token
func (s *Service) VerifyEmail(ctx context.Context, token string) (*database.User, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}

	user, err := s.store.GetUserByVerifyToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("failed to look up verify token: %w", err)
	}
	if user == nil || user.VerifyExpires == nil || user.VerifyExpires.Before(s.now()) {
		return nil, ErrInvalidToken
	}

	if err := s.store.MarkEmailVerified(ctx, user.ID); err != nil {
		return nil, fmt.Errorf("failed to mark email verified: %w", err)
	}
	user.EmailVerified = true
	user.VerifyToken = nil
	user.VerifyExpires = nil

	s.publish(events.EventUserVerified, user.ID, nil)
	return user, nil
}

// Login authenticates by login ID or email. Failures count against the client IP.
func (s *Service) Login(ctx context.Context, req LoginRequest, ip string) (*LoginResponse, error) {
	if s.throttle != nil {
		blocked, err := s.throttle.Blocked(ctx, ip)
		if err != nil {
			s.logger.Warn("Throttle lookup failed", "ip", ip, "error", err)
		}
		if blocked {
			return nil, ErrRateLimited
		}
	}

	identifier := strings.TrimSpace(req.Identifier())
	if identifier == "" {
		return nil, ErrInvalidCredentials
	}

	user, err := s.store.GetUserByIdentifier(ctx, identifier)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if user == nil {
		s.recordFailure(ctx, ip)
		return nil, ErrInvalidCredentials
	}

	if !user.EmailVerified {
		return nil, ErrEmailNotVerified
	}

	if !s.passwordManager.VerifyPassword(req.Password, user.PasswordHash) {
		s.recordFailure(ctx, ip)
		return nil, ErrInvalidCredentials
	}

	if s.throttle != nil {
		if err := s.throttle.Clear(ctx, ip); err != nil {
			s.logger.Warn("Failed to clear throttle", "ip", ip, "error", err)
		}
	}
	if err := s.store.UpdateLastLogin(ctx, user.ID); err != nil {
		s.logger.Warn("Failed to update last login", "user_id", user.ID, "error", err)
	}
	now := s.now()
	user.LastLoginAt = &now

	accessToken, err := s.jwtManager.GenerateAccessToken(ClaimsFor(user))
	if err != nil {
		return nil, fmt.Errorf("failed to generate access token: %w", err)
	}

	redirect := "/dashboard"
	if user.IsAdmin() {
		redirect = "/_admin"
	}

	s.publish(events.EventUserLogin, user.ID, map[string]interface{}{"ip": ip})

	return &LoginResponse{
		User:        ToUserResponse(user),
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   s.jwtManager.GetAccessTokenDuration(),
		Redirect:    redirect,
	}, nil
}

func (s *Service) recordFailure(ctx context.Context, ip string) {
	if s.throttle == nil {
		return
	}
	if err := s.throttle.RecordFailure(ctx, ip); err != nil {
		s.logger.Warn("Failed to record login failure", "ip", ip, "error", err)
	}
}

// ForgotPassword issues a reset token and mails the reset link
func (s *Service) ForgotPassword(ctx context.Context, identifier string) error {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return ErrUserNotFound
	}

	user, err := s.store.GetUserByIdentifier(ctx, identifier)
	if err != nil {
		return fmt.Errorf("failed to get user: %w", err)
	}
	if user == nil {
		return ErrUserNotFound
	}

	token, err := GenerateOpaqueToken()
	if err != nil {
		return err
	}
	if err := s.store.SetResetToken(ctx, user.ID, token, s.now().Add(s.config.ResetTokenTTL)); err != nil {
		return fmt.Errorf("failed to store reset token: %w", err)
	}

	if s.mailer == nil || !s.mailer.IsConfigured() {
		s.logger.Warn("Mailer not configured, reset email skipped", "user_id", user.ID)
		return nil
	}
	if err := s.mailer.SendPasswordResetEmail(ctx, user.Email, user.Name, s.link("/reset", token)); err != nil {
		s.logger.Warn("Failed to send reset email", "user_id", user.ID, "error", err)
	}
	return nil
}

// ResetPassword consumes a reset token and stores the new password
func (s *Service) ResetPassword(ctx context.Context, token, password string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrInvalidToken
	}

	user, err := s.store.GetUserByResetToken(ctx, token)
	if err != nil {
		return fmt.Errorf("failed to look up reset token: %w", err)
	}
	if user == nil || user.ResetExpires == nil || user.ResetExpires.Before(s.now()) {
		return ErrInvalidToken
	}

	if err := s.passwordManager.ValidatePasswordStrength(password); err != nil {
		return AuthError{Code: ErrWeakPassword.Code, Message: err.Error()}
	}

	hash, err := s.passwordManager.HashPassword(password)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	if err := s.store.UpdatePassword(ctx, user.ID, hash); err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}

	s.logger.Info("Password reset", "user_id", user.ID)
	return nil
}

// Me returns the user with their entitlement
func (s *Service) Me(ctx context.Context, userID string) (*MeResponse, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if user == nil {
		return nil, ErrUserNotFound
	}

	resp := &MeResponse{User: ToUserResponse(user)}
	if s.entitlements != nil {
		ent, err := s.entitlements.Status(ctx, userID)
		if err != nil {
			return nil, err
		}
		resp.Entitlement = ent
	}
	return resp, nil
}

// Logout publishes the logout event. Access tokens are stateless and expire on their own.
func (s *Service) Logout(userID string) {
	s.publish(events.EventUserLogout, userID, nil)
}

func (s *Service) link(path, token string) string {
	return strings.TrimRight(s.config.SiteBase, "/") + path + "?token=" + token
}

func (s *Service) publish(t events.EventType, userID string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{Type: t, UserID: userID, Data: data})
}

// ClaimsFor builds token claims for a user
func ClaimsFor(user *database.User) UserClaims {
	claims := UserClaims{
		UserID:  user.ID,
		Email:   user.Email,
		Role:    user.Role,
		IsAdmin: user.IsAdmin(),
	}
	if user.LoginID != nil {
		claims.LoginID = *user.LoginID
	}
	return claims
}

// ToUserResponse strips secrets from a user
func ToUserResponse(user *database.User) UserResponse {
	resp := UserResponse{
		ID:            user.ID,
		Name:          user.Name,
		Address:       user.Address,
		Email:         user.Email,
		Role:          user.Role,
		IsAdmin:       user.IsAdmin(),
		EmailVerified: user.EmailVerified,
		CreatedAt:     user.CreatedAt,
		LastLoginAt:   user.LastLoginAt,
	}
	if user.LoginID != nil {
		resp.LoginID = *user.LoginID
	}
	return resp
}
