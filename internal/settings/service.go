package settings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"profitpilot/internal/cache"
	"profitpilot/internal/database"
	"profitpilot/internal/logging"
	"profitpilot/internal/vault"
)

// Trading styles
const (
	StrategyDayTrading   = "Day Trading"
	StrategySwingTrading = "Swing Trading"
	StrategyScalping     = "Scalping"
)

// Trading methods
const (
	MethodForex  = "Forex"
	MethodBinary = "Binary"
)

const (
	DefaultStrategy    = StrategyScalping
	DefaultMethod      = MethodForex
	DefaultRiskPercent = 1
	MinRiskPercent     = 1
	MaxRiskPercent     = 5

	tokenProviderDeriv = "deriv"
)

var strategies = map[string]string{
	"day trading":   StrategyDayTrading,
	"swing trading": StrategySwingTrading,
	"scalping":      StrategyScalping,
}

var methods = map[string]string{
	"forex":          MethodForex,
	"binary":         MethodBinary,
	"binary options": MethodBinary,
}

// ValidationError reports an invalid settings field
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Store persists settings rows
type Store interface {
	GetUserSettings(ctx context.Context, userID string) (*database.UserSettings, error)
	UpsertUserSettings(ctx context.Context, s *database.UserSettings) error
}

// TokenVault keeps bot tokens out of the database
type TokenVault interface {
	StoreBotToken(ctx context.Context, userID string, token vault.BotToken) error
	GetBotToken(ctx context.Context, userID string) (*vault.BotToken, error)
	DeleteBotToken(ctx context.Context, userID string) error
}

// Cache is the subset of the Redis cache used for settings
type Cache interface {
	GetJSON(ctx context.Context, key string, dest interface{}) error
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// UpdateRequest is a partial settings update. Nil fields are left unchanged.
// The snake_case aliases are accepted for older clients.
type UpdateRequest struct {
	Strategy      *string  `json:"strategy"`
	Method        *string  `json:"method"`
	TradingType   *string  `json:"trading_type"`
	RiskPercent   *int     `json:"risk_percent"`
	Pairs         []string `json:"pairs"`
	SelectedPairs []string `json:"selected_pairs"`
	BotToken      *string  `json:"bot_token"`
	DerivAPIToken *string  `json:"deriv_api_token"`
}

// Service manages each user's bot profile
type Service struct {
	store  Store
	vault  TokenVault
	cache  Cache
	logger *logging.Logger
}

// NewService creates a settings service. settingsCache may be nil.
func NewService(store Store, tokens TokenVault, settingsCache Cache) *Service {
	return &Service{
		store:  store,
		vault:  tokens,
		cache:  settingsCache,
		logger: logging.WithComponent("settings"),
	}
}

// Defaults returns the profile of a user who has not saved settings
func Defaults(userID string) *database.UserSettings {
	return &database.UserSettings{
		UserID:      userID,
		Strategy:    DefaultStrategy,
		Method:      DefaultMethod,
		RiskPercent: DefaultRiskPercent,
		Pairs:       []string{},
	}
}

// Get returns the user's settings, or the defaults when none are saved
func (s *Service) Get(ctx context.Context, userID string) (*database.UserSettings, error) {
	if s.cache != nil {
		var cached database.UserSettings
		if err := s.cache.GetJSON(ctx, cache.UserSettingsKey(userID), &cached); err == nil {
			return &cached, nil
		}
	}

	row, err := s.store.GetUserSettings(ctx, userID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return Defaults(userID), nil
	}
	if row.Pairs == nil {
		row.Pairs = []string{}
	}

	if s.cache != nil {
		if err := s.cache.SetJSON(ctx, cache.UserSettingsKey(userID), row, cache.DefaultSettingsTTL); err != nil {
			s.logger.Debug("Settings cache write skipped", "user_id", userID, "error", err)
		}
	}
	return row, nil
}

// Update validates and applies a partial update
func (s *Service) Update(ctx context.Context, userID string, req UpdateRequest) (*database.UserSettings, error) {
	current, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	next := *current
	next.UserID = userID

	if req.Strategy != nil {
		v, ok := strategies[normalize(*req.Strategy)]
		if !ok {
			return nil, &ValidationError{Field: "strategy", Message: "must be Day Trading, Swing Trading or Scalping"}
		}
		next.Strategy = v
	}

	method := req.Method
	if method == nil {
		method = req.TradingType
	}
	if method != nil {
		v, ok := methods[normalize(*method)]
		if !ok {
			return nil, &ValidationError{Field: "method", Message: "must be Forex or Binary"}
		}
		next.Method = v
	}

	if req.RiskPercent != nil {
		if *req.RiskPercent < MinRiskPercent || *req.RiskPercent > MaxRiskPercent {
			return nil, &ValidationError{Field: "risk_percent", Message: fmt.Sprintf("must be between %d and %d", MinRiskPercent, MaxRiskPercent)}
		}
		next.RiskPercent = *req.RiskPercent
	}

	pairs := req.Pairs
	if pairs == nil {
		pairs = req.SelectedPairs
	}
	if pairs != nil {
		cleaned, err := validatePairs(pairs)
		if err != nil {
			return nil, err
		}
		next.Pairs = cleaned
	}

	token := req.BotToken
	if token == nil {
		token = req.DerivAPIToken
	}
	if token != nil {
		hint, err := s.saveToken(ctx, userID, strings.TrimSpace(*token))
		if err != nil {
			return nil, err
		}
		next.BotTokenHint = hint
	}

	if err := s.store.UpsertUserSettings(ctx, &next); err != nil {
		return nil, err
	}
	s.invalidate(ctx, userID)

	s.logger.Info("Settings updated", "user_id", userID, "strategy", next.Strategy, "method", next.Method, "pairs", len(next.Pairs))
	return &next, nil
}

// BotToken returns the user's stored bot token, or "" when none is stored
func (s *Service) BotToken(ctx context.Context, userID string) (string, error) {
	if s.vault == nil {
		return "", nil
	}
	tok, err := s.vault.GetBotToken(ctx, userID)
	if errors.Is(err, vault.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return tok.Token, nil
}

// saveToken stores or, for an empty token, removes the bot token and returns the new hint
func (s *Service) saveToken(ctx context.Context, userID, token string) (string, error) {
	if s.vault == nil {
		return "", errors.New("bot token storage is not configured")
	}
	if token == "" {
		if err := s.vault.DeleteBotToken(ctx, userID); err != nil {
			return "", fmt.Errorf("failed to remove bot token: %w", err)
		}
		return "", nil
	}
	if err := s.vault.StoreBotToken(ctx, userID, vault.BotToken{Token: token, Provider: tokenProviderDeriv}); err != nil {
		return "", fmt.Errorf("failed to store bot token: %w", err)
	}
	return vault.MaskToken(token), nil
}

func (s *Service) invalidate(ctx context.Context, userID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, cache.UserSettingsKey(userID)); err != nil {
		s.logger.Warn("Failed to invalidate settings cache", "user_id", userID, "error", err)
	}
}

func validatePairs(pairs []string) ([]string, error) {
	seen := make(map[string]struct{}, len(pairs))
	out := make([]string, 0, len(pairs))
	for _, p := range pairs {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !IsSupportedPair(p) {
			return nil, &ValidationError{Field: "pairs", Message: fmt.Sprintf("unsupported pair %q", p)}
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out, nil
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
