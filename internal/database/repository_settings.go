package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// GetUserSettings returns the bot profile of a user, or nil when none is saved
func (r *Repository) GetUserSettings(ctx context.Context, userID string) (*UserSettings, error) {
	s := &UserSettings{}
	err := r.db.Pool.QueryRow(ctx, `
		SELECT user_id::text, strategy, method, risk_percent, pairs, bot_token_hint, updated_at
		FROM user_settings WHERE user_id::text = $1`, userID,
	).Scan(&s.UserID, &s.Strategy, &s.Method, &s.RiskPercent, &s.Pairs, &s.BotTokenHint, &s.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user settings: %w", err)
	}
	return s, nil
}

// UpsertUserSettings saves the bot profile of a user
func (r *Repository) UpsertUserSettings(ctx context.Context, s *UserSettings) error {
	if s.Pairs == nil {
		s.Pairs = []string{}
	}
	err := r.db.Pool.QueryRow(ctx, `
		INSERT INTO user_settings (user_id, strategy, method, risk_percent, pairs, bot_token_hint, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			strategy = EXCLUDED.strategy,
			method = EXCLUDED.method,
			risk_percent = EXCLUDED.risk_percent,
			pairs = EXCLUDED.pairs,
			bot_token_hint = EXCLUDED.bot_token_hint,
			updated_at = NOW()
		RETURNING updated_at`,
		s.UserID, s.Strategy, s.Method, s.RiskPercent, s.Pairs, s.BotTokenHint,
	).Scan(&s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save user settings: %w", err)
	}
	return nil
}
