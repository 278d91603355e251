package auth

import (
	"time"

	"profitpilot/internal/subscription"
)

// UserClaims represents the JWT claims for a user
type UserClaims struct {
	UserID  string `json:"user_id"`
	Email   string `json:"email"`
	LoginID string `json:"login_id,omitempty"`
	Role    string `json:"role"`
	IsAdmin bool   `json:"is_admin"`
}

// RegisterRequest represents a user registration request
type RegisterRequest struct {
	Name     string `json:"name" binding:"required,min=2"`
	Address  string `json:"address"`
	LoginID  string `json:"login_id"`
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginRequest accepts either a login ID or an email as identifier
type LoginRequest struct {
	LoginID  string `json:"login_id"`
	Email    string `json:"email"`
	Password string `json:"password" binding:"required"`
}

// Identifier returns the login ID, falling back to the email
func (r LoginRequest) Identifier() string {
	if r.LoginID != "" {
		return r.LoginID
	}
	return r.Email
}

// LoginResponse represents a successful login response
type LoginResponse struct {
	User        UserResponse `json:"user"`
	AccessToken string       `json:"access_token"`
	TokenType   string       `json:"token_type"`
	ExpiresIn   int64        `json:"expires_in"`
	Redirect    string       `json:"redirect"`
}

// UserResponse represents user data returned to the client
type UserResponse struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Address       string     `json:"address,omitempty"`
	LoginID       string     `json:"login_id,omitempty"`
	Email         string     `json:"email"`
	Role          string     `json:"role"`
	IsAdmin       bool       `json:"is_admin"`
	EmailVerified bool       `json:"email_verified"`
	CreatedAt     time.Time  `json:"created_at"`
	LastLoginAt   *time.Time `json:"last_login_at,omitempty"`
}

// MeResponse is the current user with their entitlement
type MeResponse struct {
	User        UserResponse             `json:"user"`
	Entitlement subscription.Entitlement `json:"entitlement"`
}

// ForgotPasswordRequest names the account by login ID or email
type ForgotPasswordRequest struct {
	LoginOrEmail string `json:"login_or_email"`
	Email        string `json:"email"`
}

// Identifier returns whichever field was supplied
func (r ForgotPasswordRequest) Identifier() string {
	if r.LoginOrEmail != "" {
		return r.LoginOrEmail
	}
	return r.Email
}

// ResetPasswordRequest represents a password reset confirmation
type ResetPasswordRequest struct {
	Token    string `json:"token" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Config holds authentication configuration
type Config struct {
	JWTSecret           string        `json:"jwt_secret"`
	AccessTokenDuration time.Duration `json:"access_token_duration"`

	MinPasswordLength int `json:"min_password_length"`

	RequireEmailVerification bool          `json:"require_email_verification"`
	VerifyTokenTTL           time.Duration `json:"verify_token_ttl"`
	ResetTokenTTL            time.Duration `json:"reset_token_ttl"`

	// SiteBase prefixes the links sent by email
	SiteBase string `json:"site_base"`

	MaxLoginAttempts int           `json:"max_login_attempts"`
	ThrottleWindow   time.Duration `json:"throttle_window"`
}

// DefaultConfig returns default authentication configuration
func DefaultConfig() Config {
	return Config{
		JWTSecret:                "", // Must be set
		AccessTokenDuration:      24 * time.Hour,
		MinPasswordLength:        8,
		RequireEmailVerification: true,
		VerifyTokenTTL:           24 * time.Hour,
		ResetTokenTTL:            30 * time.Minute,
		SiteBase:                 "http://localhost:8000",
		MaxLoginAttempts:         5,
		ThrottleWindow:           600 * time.Second,
	}
}

// Error types for authentication
type AuthError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e AuthError) Error() string {
	return e.Message
}

// Common authentication errors
var (
	ErrInvalidCredentials = AuthError{Code: "INVALID_CREDENTIALS", Message: "invalid login or password"}
	ErrUserNotFound       = AuthError{Code: "USER_NOT_FOUND", Message: "user not found"}
	ErrEmailExists        = AuthError{Code: "EMAIL_EXISTS", Message: "email already registered"}
	ErrLoginIDExists      = AuthError{Code: "LOGIN_ID_EXISTS", Message: "login id already taken"}
	ErrInvalidEmail       = AuthError{Code: "INVALID_EMAIL", Message: "email address is not valid"}
	ErrInvalidLoginID     = AuthError{Code: "INVALID_LOGIN_ID", Message: "login id must be 3-32 letters, digits, dots, dashes or underscores"}
	ErrInvalidToken       = AuthError{Code: "INVALID_TOKEN", Message: "invalid or expired token"}
	ErrTokenExpired       = AuthError{Code: "TOKEN_EXPIRED", Message: "token has expired"}
	ErrUnauthorized       = AuthError{Code: "UNAUTHORIZED", Message: "unauthorized access"}
	ErrForbidden          = AuthError{Code: "FORBIDDEN", Message: "access forbidden"}
	ErrEmailNotVerified   = AuthError{Code: "EMAIL_NOT_VERIFIED", Message: "email not verified"}
	ErrWeakPassword       = AuthError{Code: "WEAK_PASSWORD", Message: "password does not meet requirements"}
	ErrRateLimited        = AuthError{Code: "RATE_LIMITED", Message: "too many login attempts, please try again later"}
)
