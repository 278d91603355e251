package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrUserNotFound is returned by transactional helpers when the user row is missing
var ErrUserNotFound = errors.New("user not found")

const subscriptionColumns = `
	id::text, user_id::text, status, provider, external_id, stripe_customer_id,
	stripe_subscription_id, current_period_end, created_at, updated_at
`

func scanSubscription(row pgx.Row) (*Subscription, error) {
	s := &Subscription{}
	err := row.Scan(
		&s.ID, &s.UserID, &s.Status, &s.Provider, &s.ExternalID, &s.StripeCustomerID,
		&s.StripeSubscriptionID, &s.CurrentPeriodEnd, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// GetLatestSubscription returns the most recently created subscription of a user
func (r *Repository) GetLatestSubscription(ctx context.Context, userID string) (*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions
		WHERE user_id::text = $1
		ORDER BY created_at DESC
		LIMIT 1`
	s, err := scanSubscription(r.db.Pool.QueryRow(ctx, query, userID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest subscription: %w", err)
	}
	return s, nil
}

// MutateLatestSubscription runs fn against the latest subscription of a user
// inside one transaction. The user row is locked so concurrent mutations for
// the same user are serialized. If fn returns a row with an empty ID it is
// inserted; otherwise that row is updated. A nil result leaves the table as is.
func (r *Repository) MutateLatestSubscription(ctx context.Context, userID string, fn func(latest *Subscription) (*Subscription, error)) (*Subscription, error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var lockedID string
	err = tx.QueryRow(ctx, `SELECT id::text FROM app_users WHERE id::text = $1 FOR UPDATE`, userID).Scan(&lockedID)
	if err == pgx.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock user: %w", err)
	}

	latest, err := scanSubscription(tx.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE user_id::text = $1
		ORDER BY created_at DESC
		LIMIT 1`, userID))
	if err == pgx.ErrNoRows {
		latest = nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read latest subscription: %w", err)
	}

	next, err := fn(latest)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return latest, tx.Commit(ctx)
	}
	next.UserID = lockedID

	if next.ID == "" {
		err = tx.QueryRow(ctx, `
			INSERT INTO subscriptions (
				user_id, status, provider, external_id, stripe_customer_id,
				stripe_subscription_id, current_period_end
			) VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id::text, created_at, updated_at`,
			lockedID, next.Status, next.Provider, next.ExternalID, next.StripeCustomerID,
			next.StripeSubscriptionID, next.CurrentPeriodEnd,
		).Scan(&next.ID, &next.CreatedAt, &next.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to insert subscription: %w", err)
		}
	} else {
		err = tx.QueryRow(ctx, `
			UPDATE subscriptions SET
				status = $2, provider = $3, external_id = $4, stripe_customer_id = $5,
				stripe_subscription_id = $6, current_period_end = $7, updated_at = NOW()
			WHERE id::text = $1
			RETURNING updated_at`,
			next.ID, next.Status, next.Provider, next.ExternalID, next.StripeCustomerID,
			next.StripeSubscriptionID, next.CurrentPeriodEnd,
		).Scan(&next.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to update subscription: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit subscription change: %w", err)
	}
	return next, nil
}

// GetSubscriptionByStripeCustomer returns the newest row linked to a Stripe customer
func (r *Repository) GetSubscriptionByStripeCustomer(ctx context.Context, customerID string) (*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions
		WHERE stripe_customer_id = $1
		ORDER BY created_at DESC
		LIMIT 1`
	s, err := scanSubscription(r.db.Pool.QueryRow(ctx, query, customerID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription by customer: %w", err)
	}
	return s, nil
}

// GetSubscriptionByStripeID returns the row linked to a Stripe subscription
func (r *Repository) GetSubscriptionByStripeID(ctx context.Context, stripeSubscriptionID string) (*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions
		WHERE stripe_subscription_id = $1
		ORDER BY created_at DESC
		LIMIT 1`
	s, err := scanSubscription(r.db.Pool.QueryRow(ctx, query, stripeSubscriptionID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription by stripe id: %w", err)
	}
	return s, nil
}

// ListUsersWithLatestSubscription returns every user joined with their latest subscription
func (r *Repository) ListUsersWithLatestSubscription(ctx context.Context) ([]UserWithSubscription, error) {
	query := `
		SELECT u.id::text, u.name, u.address, u.login_id, u.email, u.password_hash, u.role, u.email_verified,
			u.verify_token, u.verify_expires, u.reset_token, u.reset_expires, u.last_login_at,
			u.created_at, u.updated_at,
			s.id::text, s.status, s.provider, s.external_id, s.stripe_customer_id,
			s.stripe_subscription_id, s.current_period_end, s.created_at, s.updated_at
		FROM app_users u
		LEFT JOIN LATERAL (
			SELECT * FROM subscriptions
			WHERE subscriptions.user_id = u.id
			ORDER BY created_at DESC
			LIMIT 1
		) s ON TRUE
		ORDER BY u.created_at DESC
	`
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list users with subscriptions: %w", err)
	}
	defer rows.Close()

	var out []UserWithSubscription
	for rows.Next() {
		var (
			u                  User
			subID              *string
			status, provider   *string
			externalID         *string
			customerID, subRef *string
			periodEnd          *time.Time
			subCreated         *time.Time
			subUpdated         *time.Time
		)
		if err := rows.Scan(
			&u.ID, &u.Name, &u.Address, &u.LoginID, &u.Email, &u.PasswordHash, &u.Role, &u.EmailVerified,
			&u.VerifyToken, &u.VerifyExpires, &u.ResetToken, &u.ResetExpires, &u.LastLoginAt,
			&u.CreatedAt, &u.UpdatedAt,
			&subID, &status, &provider, &externalID, &customerID, &subRef, &periodEnd, &subCreated, &subUpdated,
		); err != nil {
			return nil, fmt.Errorf("failed to scan user subscription: %w", err)
		}

		entry := UserWithSubscription{User: u}
		if subID != nil {
			entry.Subscription = &Subscription{
				ID:                   *subID,
				UserID:               u.ID,
				Status:               deref(status),
				Provider:             deref(provider),
				ExternalID:           externalID,
				StripeCustomerID:     customerID,
				StripeSubscriptionID: subRef,
				CurrentPeriodEnd:     periodEnd,
			}
			if subCreated != nil {
				entry.Subscription.CreatedAt = *subCreated
			}
			if subUpdated != nil {
				entry.Subscription.UpdatedAt = *subUpdated
			}
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// ExpireLapsedSubscriptions marks active rows whose end has passed as expired
// and returns the affected user IDs.
func (r *Repository) ExpireLapsedSubscriptions(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := r.db.Pool.Query(ctx, `
		UPDATE subscriptions
		SET status = $2, updated_at = NOW()
		WHERE lower(status) = $3 AND current_period_end IS NOT NULL AND current_period_end < $1
		RETURNING user_id::text`,
		now, SubscriptionStatusExpired, SubscriptionStatusActive,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to expire subscriptions: %w", err)
	}
	defer rows.Close()

	var userIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan expired subscription: %w", err)
		}
		userIDs = append(userIDs, id)
	}
	return userIDs, rows.Err()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
