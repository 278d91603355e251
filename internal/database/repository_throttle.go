package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// GetThrottle returns the login throttle record of an IP, or nil
func (r *Repository) GetThrottle(ctx context.Context, ip string) (*ThrottleRecord, error) {
	rec := &ThrottleRecord{}
	err := r.db.Pool.QueryRow(ctx,
		`SELECT ip, attempts, window_end FROM auth_throttle WHERE ip = $1`, ip,
	).Scan(&rec.IP, &rec.Attempts, &rec.WindowEnd)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get throttle: %w", err)
	}
	return rec, nil
}

// UpsertThrottle records a failed attempt. Inside a live window the count is
// incremented; once the window has ended it restarts at 1 with a new window.
func (r *Repository) UpsertThrottle(ctx context.Context, ip string, now time.Time, window time.Duration) (*ThrottleRecord, error) {
	rec := &ThrottleRecord{}
	err := r.db.Pool.QueryRow(ctx, `
		INSERT INTO auth_throttle (ip, attempts, window_end)
		VALUES ($1, 1, $2)
		ON CONFLICT (ip) DO UPDATE SET
			attempts = CASE WHEN auth_throttle.window_end > $3 THEN auth_throttle.attempts + 1 ELSE 1 END,
			window_end = CASE WHEN auth_throttle.window_end > $3 THEN auth_throttle.window_end ELSE $2 END
		RETURNING ip, attempts, window_end`,
		ip, now.Add(window), now,
	).Scan(&rec.IP, &rec.Attempts, &rec.WindowEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert throttle: %w", err)
	}
	return rec, nil
}

// ClearThrottle removes the throttle record of an IP
func (r *Repository) ClearThrottle(ctx context.Context, ip string) error {
	if _, err := r.db.Pool.Exec(ctx, `DELETE FROM auth_throttle WHERE ip = $1`, ip); err != nil {
		return fmt.Errorf("failed to clear throttle: %w", err)
	}
	return nil
}
