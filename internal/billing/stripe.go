package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"

	"profitpilot/config"
	"profitpilot/internal/database"
	"profitpilot/internal/events"
	"profitpilot/internal/logging"
	"profitpilot/internal/subscription"
)

// StripeAPI is the slice of the Stripe client the service calls
type StripeAPI interface {
	NewCheckoutSession(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	NewPortalSession(params *stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error)
	GetSubscription(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error)
}

type stripeClient struct {
	api *client.API
}

func (c stripeClient) NewCheckoutSession(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	return c.api.CheckoutSessions.New(params)
}

func (c stripeClient) NewPortalSession(params *stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error) {
	return c.api.BillingPortalSessions.New(params)
}

func (c stripeClient) GetSubscription(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
	return c.api.Subscriptions.Get(id, params)
}

// StripeService handles Stripe Checkout, the customer portal and webhooks
type StripeService struct {
	cfg          config.BillingConfig
	siteBase     string
	api          StripeAPI
	store        PaymentStore
	entitlements Entitlements
	bus          events.Publisher
	logger       *logging.Logger
}

// NewStripeService creates a new Stripe service. bus may be nil.
func NewStripeService(cfg config.BillingConfig, siteBase string, store PaymentStore, entitlements Entitlements, bus events.Publisher) *StripeService {
	s := &StripeService{
		cfg:          cfg,
		siteBase:     strings.TrimRight(siteBase, "/"),
		store:        store,
		entitlements: entitlements,
		bus:          bus,
		logger:       logging.WithComponent("stripe"),
	}
	if cfg.StripeSecretKey != "" {
		s.api = stripeClient{api: client.New(cfg.StripeSecretKey, nil)}
	}
	return s
}

// SetAPI replaces the Stripe client
func (s *StripeService) SetAPI(api StripeAPI) {
	s.api = api
}

// IsConfigured returns true if checkout can be started
func (s *StripeService) IsConfigured() bool {
	return s.api != nil && s.cfg.StripePriceID != ""
}

// PublishableKey is handed to the browser
func (s *StripeService) PublishableKey() string {
	return s.cfg.StripePublishableKey
}

// CreateCheckoutSession starts a subscription checkout for the user and returns its URL
func (s *StripeService) CreateCheckoutSession(ctx context.Context, email, userID string) (string, error) {
	if !s.IsConfigured() {
		return "", ErrNotConfigured
	}

	params := &stripe.CheckoutSessionParams{
		Mode:               stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(s.cfg.StripePriceID),
				Quantity: stripe.Int64(1),
			},
		},
		ClientReferenceID: stripe.String(userID),
		CustomerEmail:     stripe.String(email),
		SuccessURL:        stripe.String(s.siteBase + "/dashboard?checkout=success"),
		CancelURL:         stripe.String(s.siteBase + "/dashboard?checkout=cancel"),
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{"user_id": userID},
		},
	}
	params.Context = ctx

	sess, err := s.api.NewCheckoutSession(params)
	if err != nil {
		return "", fmt.Errorf("failed to create checkout session: %w", err)
	}

	s.logger.Info("Checkout session created", "user_id", userID, "session_id", sess.ID)
	return sess.URL, nil
}

// CreatePortalSession opens the customer portal for the user's Stripe customer
func (s *StripeService) CreatePortalSession(ctx context.Context, userID string) (string, error) {
	if s.api == nil {
		return "", ErrNotConfigured
	}

	latest, err := s.store.GetLatestSubscription(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("failed to load subscription: %w", err)
	}
	if latest == nil || latest.StripeCustomerID == nil || *latest.StripeCustomerID == "" {
		return "", ErrNoCustomer
	}

	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(*latest.StripeCustomerID),
		ReturnURL: stripe.String(s.siteBase + "/dashboard"),
	}
	params.Context = ctx

	sess, err := s.api.NewPortalSession(params)
	if err != nil {
		return "", fmt.Errorf("failed to create portal session: %w", err)
	}
	return sess.URL, nil
}

// HandleWebhook verifies and applies a Stripe event. Already processed events are skipped.
func (s *StripeService) HandleWebhook(ctx context.Context, payload []byte, signature string) (*WebhookResult, error) {
	if s.cfg.StripeWebhookSecret == "" {
		return nil, ErrNotConfigured
	}

	event, err := webhook.ConstructEventWithOptions(
		payload,
		signature,
		s.cfg.StripeWebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true},
	)
	if err != nil {
		s.logger.Warn("Stripe signature check failed", "error", err)
		return nil, ErrBadSignature
	}

	result := &WebhookResult{EventID: event.ID, Type: string(event.Type), Action: ActionIgnored}
	logger := logging.PaymentContext(database.ProviderStripe, event.ID)

	seen, err := s.store.GetPaymentEvent(ctx, database.ProviderStripe, event.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to check payment event: %w", err)
	}
	if seen != nil {
		result.Action = ActionDuplicate
		logger.Info("Duplicate Stripe event skipped", "type", event.Type)
		return result, nil
	}

	switch event.Type {
	case "checkout.session.completed":
		err = s.handleCheckoutCompleted(ctx, event, result)
	case "invoice.paid", "invoice.payment_succeeded":
		err = s.handleInvoicePaid(ctx, event, result)
	case "customer.subscription.updated", "customer.subscription.deleted":
		err = s.handleSubscriptionChanged(ctx, event, result)
	default:
		logger.Debug("Unhandled Stripe event", "type", event.Type)
	}
	if err != nil {
		logger.Error("Stripe event failed", "type", event.Type, "error", err)
		return nil, err
	}

	var userID *string
	if result.UserID != "" {
		userID = &result.UserID
	}
	if _, err := s.store.RecordPaymentEvent(ctx, database.ProviderStripe, event.ID, userID, payload); err != nil {
		logger.Warn("Failed to record Stripe event", "error", err)
	}

	logger.Info("Stripe event processed", "type", event.Type, "action", result.Action, "user_id", result.UserID)
	return result, nil
}

func (s *StripeService) handleCheckoutCompleted(ctx context.Context, event stripe.Event, result *WebhookResult) error {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return fmt.Errorf("failed to parse checkout session: %w", err)
	}
	if sess.ClientReferenceID == "" {
		s.logger.Warn("Checkout session without client reference", "session_id", sess.ID)
		return nil
	}

	sync := subscription.ProviderSync{
		UserID: sess.ClientReferenceID,
		Status: database.SubscriptionStatusActive,
	}
	if sess.Customer != nil {
		sync.StripeCustomerID = sess.Customer.ID
	}
	if sess.Subscription != nil && sess.Subscription.ID != "" {
		sync.StripeSubscriptionID = sess.Subscription.ID
		if s.api != nil {
			params := &stripe.SubscriptionParams{}
			params.Context = ctx
			sub, err := s.api.GetSubscription(sess.Subscription.ID, params)
			if err != nil {
				return fmt.Errorf("failed to fetch subscription %s: %w", sess.Subscription.ID, err)
			}
			sync.Status = MapStripeStatus(string(sub.Status))
			sync.CurrentPeriodEnd = unixTime(sub.CurrentPeriodEnd)
		}
	}

	if err := s.entitlements.SyncProvider(ctx, sync); err != nil {
		return err
	}
	result.UserID = sync.UserID
	result.Action = ActionSynced
	result.PeriodEnd = sync.CurrentPeriodEnd
	return nil
}

func (s *StripeService) handleInvoicePaid(ctx context.Context, event stripe.Event, result *WebhookResult) error {
	var inv stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return fmt.Errorf("failed to parse invoice: %w", err)
	}

	var customerID, subscriptionID string
	if inv.Customer != nil {
		customerID = inv.Customer.ID
	}
	if inv.Subscription != nil {
		subscriptionID = inv.Subscription.ID
	}

	userID, err := s.findUser(ctx, customerID, subscriptionID, nil)
	if err != nil {
		return err
	}
	if userID == "" {
		s.logger.Warn("Paid invoice for unknown customer", "invoice_id", inv.ID, "customer", customerID)
		return nil
	}

	var periodEnd int64
	if inv.Lines != nil {
		for _, line := range inv.Lines.Data {
			if line.Period != nil && line.Period.End > periodEnd {
				periodEnd = line.Period.End
			}
		}
	}

	sync := subscription.ProviderSync{
		UserID:               userID,
		Status:               database.SubscriptionStatusActive,
		CurrentPeriodEnd:     unixTime(periodEnd),
		StripeCustomerID:     customerID,
		StripeSubscriptionID: subscriptionID,
	}
	if err := s.entitlements.SyncProvider(ctx, sync); err != nil {
		return err
	}

	result.UserID = userID
	result.Action = ActionSynced
	result.PeriodEnd = sync.CurrentPeriodEnd
	s.publishPayment(userID, database.ProviderStripe, inv.ID, sync.CurrentPeriodEnd)
	return nil
}

func (s *StripeService) handleSubscriptionChanged(ctx context.Context, event stripe.Event, result *WebhookResult) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("failed to parse subscription: %w", err)
	}

	var customerID string
	if sub.Customer != nil {
		customerID = sub.Customer.ID
	}

	userID, err := s.findUser(ctx, customerID, sub.ID, sub.Metadata)
	if err != nil {
		return err
	}
	if userID == "" {
		s.logger.Warn("Subscription change for unknown customer", "subscription_id", sub.ID, "customer", customerID)
		return nil
	}

	status := MapStripeStatus(string(sub.Status))
	if event.Type == "customer.subscription.deleted" {
		status = database.SubscriptionStatusCanceled
	}

	sync := subscription.ProviderSync{
		UserID:               userID,
		Status:               status,
		CurrentPeriodEnd:     unixTime(sub.CurrentPeriodEnd),
		StripeCustomerID:     customerID,
		StripeSubscriptionID: sub.ID,
	}
	if err := s.entitlements.SyncProvider(ctx, sync); err != nil {
		return err
	}

	result.UserID = userID
	result.Action = ActionSynced
	result.PeriodEnd = sync.CurrentPeriodEnd
	return nil
}

// findUser resolves the local user by subscription id, then customer id, then metadata
func (s *StripeService) findUser(ctx context.Context, customerID, subscriptionID string, metadata map[string]string) (string, error) {
	if subscriptionID != "" {
		row, err := s.store.GetSubscriptionByStripeID(ctx, subscriptionID)
		if err != nil {
			return "", fmt.Errorf("failed to look up stripe subscription: %w", err)
		}
		if row != nil {
			return row.UserID, nil
		}
	}
	if customerID != "" {
		row, err := s.store.GetSubscriptionByStripeCustomer(ctx, customerID)
		if err != nil {
			return "", fmt.Errorf("failed to look up stripe customer: %w", err)
		}
		if row != nil {
			return row.UserID, nil
		}
	}
	if id := metadata["user_id"]; id != "" {
		return id, nil
	}
	return "", nil
}

func (s *StripeService) publishPayment(userID, provider, reference string, end *time.Time) {
	if s.bus == nil {
		return
	}
	data := map[string]interface{}{"provider": provider, "reference": reference}
	if end != nil {
		data["current_period_end"] = end.Format(time.RFC3339)
	}
	s.bus.Publish(events.Event{Type: events.EventPaymentReceived, UserID: userID, Data: data})
}

func unixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
