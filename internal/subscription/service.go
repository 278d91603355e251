package subscription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"profitpilot/internal/cache"
	"profitpilot/internal/database"
	"profitpilot/internal/events"
	"profitpilot/internal/logging"
)

// Store is the persistence the service needs. *database.Repository satisfies it.
type Store interface {
	GetUserByID(ctx context.Context, userID string) (*database.User, error)
	GetUserByIdentifier(ctx context.Context, identifier string) (*database.User, error)
	GetLatestSubscription(ctx context.Context, userID string) (*database.Subscription, error)
	MutateLatestSubscription(ctx context.Context, userID string, fn func(latest *database.Subscription) (*database.Subscription, error)) (*database.Subscription, error)
	DeleteUser(ctx context.Context, userID string) error
	ListUsersWithLatestSubscription(ctx context.Context) ([]database.UserWithSubscription, error)
	ExpireLapsedSubscriptions(ctx context.Context, now time.Time) ([]string, error)
}

// Cache holds entitlement views. *cache.CacheService satisfies it.
type Cache interface {
	GetJSON(ctx context.Context, key string, dest interface{}) error
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// Source identifies who paid for or granted an extension
type Source struct {
	Provider   string
	ExternalID string
}

// ProviderSync carries a provider-reported subscription state
type ProviderSync struct {
	UserID               string
	Status               string
	CurrentPeriodEnd     *time.Time
	StripeCustomerID     string
	StripeSubscriptionID string
}

// UserEntitlement pairs a user with their entitlement view
type UserEntitlement struct {
	UserID      string      `json:"user_id"`
	Email       string      `json:"email"`
	LoginID     string      `json:"login_id,omitempty"`
	Name        string      `json:"name"`
	Role        string      `json:"role"`
	Verified    bool        `json:"email_verified"`
	Entitlement Entitlement `json:"entitlement"`
}

const entitlementTTL = 5 * time.Minute

// Service owns every change to subscription rows
type Service struct {
	store  Store
	cache  Cache
	bus    events.Publisher
	logger *logging.Logger
	now    func() time.Time
}

// NewService creates a subscription service. cache and bus may be nil.
func NewService(store Store, entCache Cache, bus events.Publisher) *Service {
	return &Service{
		store:  store,
		cache:  entCache,
		bus:    bus,
		logger: logging.WithComponent("subscription"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Status returns the entitlement of a user, served from cache when possible
func (s *Service) Status(ctx context.Context, userID string) (Entitlement, error) {
	if s.cache != nil {
		var cached Entitlement
		if err := s.cache.GetJSON(ctx, cache.EntitlementKey(userID), &cached); err == nil {
			// Cached views are recomputed when the end has passed since caching.
			if !cached.Active || cached.CurrentPeriodEnd == nil || !cached.CurrentPeriodEnd.Before(s.now()) {
				return cached, nil
			}
		}
	}

	latest, err := s.store.GetLatestSubscription(ctx, userID)
	if err != nil {
		return Entitlement{}, fmt.Errorf("failed to load subscription: %w", err)
	}
	ent := NewEntitlement(latest, s.now())

	if s.cache != nil {
		if err := s.cache.SetJSON(ctx, cache.EntitlementKey(userID), ent, entitlementTTL); err != nil {
			s.logger.Debug("Entitlement cache write skipped", "user_id", userID, "error", err)
		}
	}
	return ent, nil
}

// IsEntitled reports whether the user currently has an active subscription
func (s *Service) IsEntitled(ctx context.Context, userID string) (bool, error) {
	ent, err := s.Status(ctx, userID)
	if err != nil {
		return false, err
	}
	return ent.Active, nil
}

// ExtendFromCurrentEnd adds days to max(now, current end) and activates the
// latest row, inserting one when the user has none. It returns the new end.
// A row without an end, lifetime included, is extended from now.
func (s *Service) ExtendFromCurrentEnd(ctx context.Context, userID string, days int, src Source) (*time.Time, error) {
	if days <= 0 {
		return nil, ErrInvalidDays
	}
	now := s.now()

	var newEnd time.Time
	_, err := s.store.MutateLatestSubscription(ctx, userID, func(latest *database.Subscription) (*database.Subscription, error) {
		end := ExtensionBase(latest, now).AddDate(0, 0, days)
		newEnd = end

		next := latest
		if next == nil {
			next = &database.Subscription{}
		}
		next.Status = database.SubscriptionStatusActive
		next.CurrentPeriodEnd = &end
		if src.Provider != "" {
			next.Provider = src.Provider
		}
		if next.Provider == "" {
			next.Provider = database.ProviderAdmin
		}
		if src.ExternalID != "" {
			ext := src.ExternalID
			next.ExternalID = &ext
		}
		return next, nil
	})
	if err != nil {
		return nil, s.mapStoreError(err, "extend subscription")
	}

	s.invalidate(ctx, userID)
	s.publish(events.EventSubscriptionExtended, userID, map[string]interface{}{
		"days":               days,
		"provider":           src.Provider,
		"current_period_end": newEnd.Format(time.RFC3339),
	})
	s.logger.Info("Subscription extended", "user_id", userID, "days", days, "provider", src.Provider)

	return &newEnd, nil
}

// Grant applies an admin plan to the user named by email or login ID
func (s *Service) Grant(ctx context.Context, identifier string, plan Plan) (*time.Time, error) {
	user, err := s.resolve(ctx, identifier)
	if err != nil {
		return nil, err
	}

	if !plan.IsLifetime() {
		if plan.Days() == 0 {
			return nil, ErrUnknownPlan
		}
		end, err := s.ExtendFromCurrentEnd(ctx, user.ID, plan.Days(), Source{Provider: database.ProviderAdmin})
		if err != nil {
			return nil, err
		}
		s.publish(events.EventSubscriptionGranted, user.ID, map[string]interface{}{"plan": string(plan)})
		return end, nil
	}

	_, err = s.store.MutateLatestSubscription(ctx, user.ID, func(latest *database.Subscription) (*database.Subscription, error) {
		next := latest
		if next == nil {
			next = &database.Subscription{}
		}
		next.Status = database.SubscriptionStatusActive
		next.Provider = database.ProviderAdmin
		next.CurrentPeriodEnd = nil
		return next, nil
	})
	if err != nil {
		return nil, s.mapStoreError(err, "grant lifetime")
	}

	s.invalidate(ctx, user.ID)
	s.publish(events.EventSubscriptionGranted, user.ID, map[string]interface{}{"plan": string(plan), "lifetime": true})
	s.logger.Info("Lifetime access granted", "user_id", user.ID)
	return nil, nil
}

// Extend adds days for the user named by email or login ID
func (s *Service) Extend(ctx context.Context, identifier string, days int) (*time.Time, error) {
	user, err := s.resolve(ctx, identifier)
	if err != nil {
		return nil, err
	}
	return s.ExtendFromCurrentEnd(ctx, user.ID, days, Source{Provider: database.ProviderAdmin})
}

// Revoke ends the entitlement immediately by marking the latest row revoked.
// The end is clamped to now so a later grant starts from now.
func (s *Service) Revoke(ctx context.Context, identifier string) error {
	user, err := s.resolve(ctx, identifier)
	if err != nil {
		return err
	}
	now := s.now()

	_, err = s.store.MutateLatestSubscription(ctx, user.ID, func(latest *database.Subscription) (*database.Subscription, error) {
		if latest == nil {
			return nil, ErrNoSubscription
		}
		latest.Status = database.SubscriptionStatusRevoked
		if latest.CurrentPeriodEnd == nil || latest.CurrentPeriodEnd.After(now) {
			latest.CurrentPeriodEnd = &now
		}
		return latest, nil
	})
	if err != nil {
		return s.mapStoreError(err, "revoke subscription")
	}

	s.invalidate(ctx, user.ID)
	s.publish(events.EventSubscriptionRevoked, user.ID, nil)
	s.logger.Info("Subscription revoked", "user_id", user.ID)
	return nil
}

// DeleteUser removes the user and, by cascade, their subscriptions
func (s *Service) DeleteUser(ctx context.Context, identifier string) error {
	user, err := s.resolve(ctx, identifier)
	if err != nil {
		return err
	}
	if err := s.store.DeleteUser(ctx, user.ID); err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	s.invalidate(ctx, user.ID)
	s.publish(events.EventUserDeleted, user.ID, map[string]interface{}{"email": user.Email})
	s.logger.Info("User deleted", "user_id", user.ID)
	return nil
}

// ListActive returns users whose latest subscription is active at now
func (s *Service) ListActive(ctx context.Context, now time.Time) ([]UserEntitlement, error) {
	all, err := s.store.ListUsersWithLatestSubscription(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	var out []UserEntitlement
	for _, row := range all {
		if IsActive(row.Subscription, now) {
			out = append(out, toUserEntitlement(row, now))
		}
	}
	return out, nil
}

// ListAll returns every user with their entitlement
func (s *Service) ListAll(ctx context.Context) ([]UserEntitlement, error) {
	all, err := s.store.ListUsersWithLatestSubscription(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	now := s.now()
	out := make([]UserEntitlement, 0, len(all))
	for _, row := range all {
		out = append(out, toUserEntitlement(row, now))
	}
	return out, nil
}

// SyncProvider overwrites the latest row with a provider-reported state
func (s *Service) SyncProvider(ctx context.Context, sync ProviderSync) error {
	status := strings.ToLower(strings.TrimSpace(sync.Status))
	if status == "" {
		return fmt.Errorf("provider sync without status")
	}

	_, err := s.store.MutateLatestSubscription(ctx, sync.UserID, func(latest *database.Subscription) (*database.Subscription, error) {
		next := latest
		if next == nil {
			next = &database.Subscription{}
		}
		next.Status = status
		next.Provider = database.ProviderStripe
		if sync.CurrentPeriodEnd != nil {
			end := sync.CurrentPeriodEnd.UTC()
			next.CurrentPeriodEnd = &end
		} else if next.CurrentPeriodEnd == nil {
			// Provider subscriptions are never lifetime.
			now := s.now()
			next.CurrentPeriodEnd = &now
		}
		if sync.StripeCustomerID != "" {
			cid := sync.StripeCustomerID
			next.StripeCustomerID = &cid
		}
		if sync.StripeSubscriptionID != "" {
			sid := sync.StripeSubscriptionID
			next.StripeSubscriptionID = &sid
			next.ExternalID = &sid
		}
		return next, nil
	})
	if err != nil {
		return s.mapStoreError(err, "sync provider subscription")
	}

	s.invalidate(ctx, sync.UserID)
	s.publish(events.EventSubscriptionSynced, sync.UserID, map[string]interface{}{"status": status})
	return nil
}

// ExpireLapsed marks lapsed active rows expired and returns how many users were affected
func (s *Service) ExpireLapsed(ctx context.Context) (int, error) {
	userIDs, err := s.store.ExpireLapsedSubscriptions(ctx, s.now())
	if err != nil {
		return 0, err
	}
	for _, id := range userIDs {
		s.invalidate(ctx, id)
		s.publish(events.EventSubscriptionExpired, id, nil)
	}
	return len(userIDs), nil
}

// ResolveUser finds a user by email or login ID
func (s *Service) ResolveUser(ctx context.Context, identifier string) (*database.User, error) {
	return s.resolve(ctx, identifier)
}

func (s *Service) resolve(ctx context.Context, identifier string) (*database.User, error) {
	user, err := s.store.GetUserByIdentifier(ctx, identifier)
	if err != nil {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	return user, nil
}

func (s *Service) mapStoreError(err error, op string) error {
	switch {
	case errors.Is(err, database.ErrUserNotFound):
		return ErrUserNotFound
	case errors.Is(err, ErrNoSubscription):
		return ErrNoSubscription
	default:
		return fmt.Errorf("failed to %s: %w", op, err)
	}
}

func (s *Service) invalidate(ctx context.Context, userID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, cache.EntitlementKey(userID)); err != nil {
		s.logger.Warn("Failed to invalidate entitlement cache", "user_id", userID, "error", err)
	}
}

func (s *Service) publish(t events.EventType, userID string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	s.bus.Publish(events.Event{Type: t, UserID: userID, Data: data})
}

func toUserEntitlement(row database.UserWithSubscription, now time.Time) UserEntitlement {
	return UserEntitlement{
		UserID:      row.User.ID,
		Email:       row.User.Email,
		LoginID:     row.User.LoginIDOrEmpty(),
		Name:        row.User.Name,
		Role:        row.User.Role,
		Verified:    row.User.EmailVerified,
		Entitlement: NewEntitlement(row.Subscription, now),
	}
}
