package billing

import (
	"context"
	"errors"
	"time"

	"profitpilot/internal/database"
	"profitpilot/internal/subscription"
)

// Billing errors
var (
	ErrNotConfigured = errors.New("payment provider not configured")
	ErrBadSignature  = errors.New("invalid webhook signature")
	ErrMissingEmail  = errors.New("order id does not carry an email")
	ErrUserNotFound  = errors.New("user not found for payment")
	ErrNoCustomer    = errors.New("no billing customer for user")
)

// Entitlements is the subscription core as seen by payment handlers.
// *subscription.Service satisfies it.
type Entitlements interface {
	ExtendFromCurrentEnd(ctx context.Context, userID string, days int, src subscription.Source) (*time.Time, error)
	SyncProvider(ctx context.Context, sync subscription.ProviderSync) error
	ResolveUser(ctx context.Context, identifier string) (*database.User, error)
}

// PaymentStore records processed provider events and finds Stripe-linked rows.
// *database.Repository satisfies it.
type PaymentStore interface {
	RecordPaymentEvent(ctx context.Context, provider, eventID string, userID *string, payload []byte) (bool, error)
	GetPaymentEvent(ctx context.Context, provider, eventID string) (*database.PaymentEvent, error)
	GetSubscriptionByStripeCustomer(ctx context.Context, customerID string) (*database.Subscription, error)
	GetSubscriptionByStripeID(ctx context.Context, stripeSubscriptionID string) (*database.Subscription, error)
	GetLatestSubscription(ctx context.Context, userID string) (*database.Subscription, error)
}

// Notifier sends the payment confirmation email
type Notifier interface {
	SendSubscriptionConfirmation(ctx context.Context, to, provider string, periodEnd *time.Time) error
}

// WebhookResult describes what a webhook did, for logging and responses
type WebhookResult struct {
	EventID   string     `json:"event_id"`
	Type      string     `json:"type"`
	UserID    string     `json:"user_id,omitempty"`
	Action    string     `json:"action"`
	PeriodEnd *time.Time `json:"current_period_end,omitempty"`
}

// Webhook actions
const (
	ActionExtended  = "extended"
	ActionSynced    = "synced"
	ActionDuplicate = "duplicate"
	ActionIgnored   = "ignored"
)

// MapStripeStatus converts a Stripe subscription status to the local one
func MapStripeStatus(status string) string {
	switch status {
	case "active", "trialing":
		return database.SubscriptionStatusActive
	case "past_due", "unpaid":
		return database.SubscriptionStatusPastDue
	case "canceled", "incomplete_expired":
		return database.SubscriptionStatusCanceled
	default:
		// incomplete and paused subscriptions are not paid up
		return database.SubscriptionStatusPastDue
	}
}
