package database

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Repository provides data access methods
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck performs a database health check
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// ============================================================================
// TRADE LOGS
// ============================================================================

// CreateTradeLog persists an order receipt
func (r *Repository) CreateTradeLog(ctx context.Context, t *TradeLog) error {
	query := `
		INSERT INTO trade_logs (user_id, order_id, client_order_id, symbol, action, usd_size, price, status, strategy)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at
	`
	err := r.db.Pool.QueryRow(ctx, query,
		t.UserID, t.OrderID, t.ClientOrderID, t.Symbol, t.Action, t.USDSize, t.Price, t.Status, t.Strategy,
	).Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create trade log: %w", err)
	}
	return nil
}

// GetRecentTradeLogs returns the newest trade logs of a user
func (r *Repository) GetRecentTradeLogs(ctx context.Context, userID string, limit int) ([]TradeLog, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, user_id, order_id, client_order_id, symbol, action, usd_size::float8, price::float8, status, strategy, created_at
		FROM trade_logs
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.db.Pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trade logs: %w", err)
	}
	defer rows.Close()

	var logs []TradeLog
	for rows.Next() {
		var t TradeLog
		if err := rows.Scan(
			&t.ID, &t.UserID, &t.OrderID, &t.ClientOrderID, &t.Symbol, &t.Action,
			&t.USDSize, &t.Price, &t.Status, &t.Strategy, &t.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan trade log: %w", err)
		}
		logs = append(logs, t)
	}
	return logs, rows.Err()
}

// ============================================================================
// PAYMENT EVENTS
// ============================================================================

// RecordPaymentEvent stores a processed callback. It returns false when the
// provider event was already recorded.
func (r *Repository) RecordPaymentEvent(ctx context.Context, provider, eventID string, userID *string, payload []byte) (bool, error) {
	var body interface{}
	if len(payload) > 0 && json.Valid(payload) {
		body = json.RawMessage(payload)
	}
	query := `
		INSERT INTO payment_events (provider, event_id, user_id, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider, event_id) DO NOTHING
	`
	tag, err := r.db.Pool.Exec(ctx, query, provider, eventID, userID, body)
	if err != nil {
		return false, fmt.Errorf("failed to record payment event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetPaymentEvent returns a recorded event or nil
func (r *Repository) GetPaymentEvent(ctx context.Context, provider, eventID string) (*PaymentEvent, error) {
	query := `
		SELECT provider, event_id, user_id::text, payload, created_at
		FROM payment_events
		WHERE provider = $1 AND event_id = $2
	`
	ev := &PaymentEvent{}
	var payload []byte
	err := r.db.Pool.QueryRow(ctx, query, provider, eventID).Scan(
		&ev.Provider, &ev.EventID, &ev.UserID, &payload, &ev.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment event: %w", err)
	}
	ev.Payload = payload
	return ev, nil
}
