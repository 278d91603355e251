package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"profitpilot/internal/logging"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// Config holds database configuration
type Config struct {
	URL      string
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// DSN returns the connection string, preferring URL when set
func (c Config) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// NewDB creates a new database connection
func NewDB(cfg Config) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 15
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	logging.DatabaseContext("connect", "").Info("Connected to PostgreSQL", "database", poolConfig.ConnConfig.Database)

	return &DB{Pool: pool}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		logging.DatabaseContext("close", "").Info("Database connection closed")
	}
}

// RunMigrations creates the schema. Every statement is idempotent.
func (db *DB) RunMigrations(ctx context.Context) error {
	logging.DatabaseContext("migrate", "").Info("Running database migrations")

	migrations := []string{
		`CREATE EXTENSION IF NOT EXISTS pgcrypto`,

		`CREATE TABLE IF NOT EXISTS app_users (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			name VARCHAR(255) NOT NULL DEFAULT '',
			address TEXT NOT NULL DEFAULT '',
			login_id VARCHAR(64) UNIQUE,
			email VARCHAR(255) NOT NULL UNIQUE,
			password_hash VARCHAR(255) NOT NULL,
			role VARCHAR(16) NOT NULL DEFAULT 'user',
			email_verified BOOLEAN NOT NULL DEFAULT FALSE,
			verify_token VARCHAR(128),
			verify_expires TIMESTAMPTZ,
			reset_token VARCHAR(128),
			reset_expires TIMESTAMPTZ,
			last_login_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT app_users_role_check CHECK (role IN ('user', 'admin'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_app_users_verify_token ON app_users(verify_token) WHERE verify_token IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_app_users_reset_token ON app_users(reset_token) WHERE reset_token IS NOT NULL`,

		`CREATE TABLE IF NOT EXISTS subscriptions (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			user_id UUID NOT NULL REFERENCES app_users(id) ON DELETE CASCADE,
			status VARCHAR(32) NOT NULL,
			provider VARCHAR(32) NOT NULL,
			external_id VARCHAR(255),
			stripe_customer_id VARCHAR(255),
			stripe_subscription_id VARCHAR(255),
			current_period_end TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_user_created ON subscriptions(user_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_stripe_customer ON subscriptions(stripe_customer_id)`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_stripe_sub ON subscriptions(stripe_subscription_id)`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_status_end ON subscriptions(status, current_period_end)`,

		`CREATE TABLE IF NOT EXISTS auth_throttle (
			ip VARCHAR(64) PRIMARY KEY,
			attempts INTEGER NOT NULL DEFAULT 0,
			window_end TIMESTAMPTZ NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS user_settings (
			user_id UUID PRIMARY KEY REFERENCES app_users(id) ON DELETE CASCADE,
			strategy VARCHAR(32) NOT NULL DEFAULT 'Scalping',
			method VARCHAR(16) NOT NULL DEFAULT 'Forex',
			risk_percent INTEGER NOT NULL DEFAULT 1,
			pairs TEXT[] NOT NULL DEFAULT '{}',
			bot_token_hint VARCHAR(32) NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT user_settings_risk_check CHECK (risk_percent BETWEEN 1 AND 5)
		)`,

		`CREATE TABLE IF NOT EXISTS trade_logs (
			id BIGSERIAL PRIMARY KEY,
			user_id UUID NOT NULL REFERENCES app_users(id) ON DELETE CASCADE,
			order_id VARCHAR(64) NOT NULL,
			client_order_id VARCHAR(64) NOT NULL,
			symbol VARCHAR(32) NOT NULL,
			action VARCHAR(8) NOT NULL,
			usd_size DECIMAL(20, 8) NOT NULL,
			price DECIMAL(20, 8),
			status VARCHAR(16) NOT NULL,
			strategy VARCHAR(64) NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trade_logs_user_created ON trade_logs(user_id, created_at DESC)`,

		`CREATE TABLE IF NOT EXISTS payment_events (
			provider VARCHAR(32) NOT NULL,
			event_id VARCHAR(255) NOT NULL,
			user_id UUID REFERENCES app_users(id) ON DELETE SET NULL,
			payload JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (provider, event_id)
		)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	logging.DatabaseContext("migrate", "").Info("Database migrations completed", "count", len(migrations))
	return nil
}
