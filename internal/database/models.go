package database

import (
	"encoding/json"
	"time"
)

// User roles
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Subscription statuses
const (
	SubscriptionStatusActive   = "active"
	SubscriptionStatusCanceled = "canceled"
	SubscriptionStatusExpired  = "expired"
	SubscriptionStatusPastDue  = "past_due"
	SubscriptionStatusRevoked  = "revoked"
)

// Subscription providers
const (
	ProviderStripe      = "stripe"
	ProviderNOWPayments = "nowpayments"
	ProviderAdmin       = "admin"
)

// User represents an application account
type User struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Address       string     `json:"address,omitempty"`
	LoginID       *string    `json:"login_id,omitempty"`
	Email         string     `json:"email"`
	PasswordHash  string     `json:"-"`
	Role          string     `json:"role"`
	EmailVerified bool       `json:"email_verified"`
	VerifyToken   *string    `json:"-"`
	VerifyExpires *time.Time `json:"-"`
	ResetToken    *string    `json:"-"`
	ResetExpires  *time.Time `json:"-"`
	LastLoginAt   *time.Time `json:"last_login_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// IsAdmin reports whether the user has the admin role
func (u *User) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}

// LoginIDOrEmpty returns the login ID or "" when unset
func (u *User) LoginIDOrEmpty() string {
	if u == nil || u.LoginID == nil {
		return ""
	}
	return *u.LoginID
}

// Subscription is one entitlement row. A nil CurrentPeriodEnd means lifetime.
type Subscription struct {
	ID                   string     `json:"id"`
	UserID               string     `json:"user_id"`
	Status               string     `json:"status"`
	Provider             string     `json:"provider"`
	ExternalID           *string    `json:"external_id,omitempty"`
	StripeCustomerID     *string    `json:"stripe_customer_id,omitempty"`
	StripeSubscriptionID *string    `json:"stripe_subscription_id,omitempty"`
	CurrentPeriodEnd     *time.Time `json:"current_period_end"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// UserWithSubscription pairs a user with their latest subscription row
type UserWithSubscription struct {
	User         User          `json:"user"`
	Subscription *Subscription `json:"subscription,omitempty"`
}

// ThrottleRecord tracks failed login attempts for one IP
type ThrottleRecord struct {
	IP        string    `json:"ip"`
	Attempts  int       `json:"attempts"`
	WindowEnd time.Time `json:"window_end"`
}

// UserSettings is the bot profile of a user
type UserSettings struct {
	UserID       string    `json:"user_id"`
	Strategy     string    `json:"strategy"`
	Method       string    `json:"method"`
	RiskPercent  int       `json:"risk_percent"`
	Pairs        []string  `json:"pairs"`
	BotTokenHint string    `json:"bot_token_hint"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TradeLog is a persisted order receipt
type TradeLog struct {
	ID            int64     `json:"id"`
	UserID        string    `json:"user_id"`
	OrderID       string    `json:"order_id"`
	ClientOrderID string    `json:"client_order_id"`
	Symbol        string    `json:"symbol"`
	Action        string    `json:"action"`
	USDSize       float64   `json:"usd_size"`
	Price         *float64  `json:"price,omitempty"`
	Status        string    `json:"status"`
	Strategy      string    `json:"strategy"`
	CreatedAt     time.Time `json:"created_at"`
}

// PaymentEvent is a processed provider callback, stored for idempotency
type PaymentEvent struct {
	Provider  string          `json:"provider"`
	EventID   string          `json:"event_id"`
	UserID    *string         `json:"user_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
