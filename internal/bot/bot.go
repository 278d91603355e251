package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"profitpilot/internal/database"
	"profitpilot/internal/deriv"
	"profitpilot/internal/events"
	"profitpilot/internal/logging"
	"profitpilot/internal/settings"
	"profitpilot/internal/strategy"
	"profitpilot/internal/trading"
)

// State is the lifecycle state of one user's bot
type State string

const (
	StateStopped State = "stopped"
	StateRunning State = "running"
	StatePaused  State = "paused"
)

const defaultPriceWindow = 50

var (
	ErrNotEntitled = errors.New("an active subscription is required to run the bot")
	ErrNoPairs     = errors.New("select at least one pair before starting the bot")
	ErrNotRunning  = errors.New("bot is not running")
)

// TickSource opens a market data stream
type TickSource interface {
	StreamTicks(ctx context.Context, token string, symbols []string) (<-chan deriv.Tick, <-chan error, error)
}

// Trader evaluates a strategy and executes the resulting order
type Trader interface {
	EvaluateAndTrade(ctx context.Context, userID, strategyName string, state strategy.MarketState, dryRun bool) (*trading.Result, error)
}

// SettingsProvider supplies the user's bot profile and token
type SettingsProvider interface {
	Get(ctx context.Context, userID string) (*database.UserSettings, error)
	BotToken(ctx context.Context, userID string) (string, error)
}

// EntitlementChecker reports whether a user may run the bot
type EntitlementChecker interface {
	IsEntitled(ctx context.Context, userID string) (bool, error)
}

// Config holds bot manager settings
type Config struct {
	PriceWindow  int    // Ticks kept per symbol
	DefaultToken string // Used when the user has no token of their own
}

// Status is a snapshot of one user's bot
type Status struct {
	UserID     string             `json:"user_id"`
	State      State              `json:"status"`
	Style      string             `json:"style,omitempty"`
	Strategy   string             `json:"strategy,omitempty"`
	Pairs      []string           `json:"pairs"`
	StartedAt  *time.Time         `json:"started_at,omitempty"`
	Ticks      int64              `json:"ticks"`
	Signals    int64              `json:"signals"`
	Trades     int64              `json:"trades"`
	LastPrices map[string]float64 `json:"last_prices,omitempty"`
	LastError  string             `json:"last_error,omitempty"`
}

// StrategyFor maps a trading style to the strategy the bot evaluates
func StrategyFor(style string) string {
	switch style {
	case settings.StrategySwingTrading:
		return strategy.MeanReversionV1
	case settings.StrategyDayTrading, settings.StrategyScalping:
		return strategy.MomentumV1
	default:
		return strategy.MomentumV1
	}
}

// userBot is the runtime of one user's bot
type userBot struct {
	mu        sync.Mutex
	state     State
	style     string
	strategy  string
	pairs     []string
	startedAt time.Time
	prices    map[string][]float64
	ticks     int64
	signals   int64
	trades    int64
	lastError string
	cancel    context.CancelFunc
	run       uint64 // Incremented on each start so a finished run can tell it was replaced
}

// Manager runs one bot per user. A running bot evaluates its strategy on
// every tick as a dry run through the trader; a paused bot keeps its feed
// and price history but does not evaluate.
type Manager struct {
	feed         TickSource
	trader       Trader
	settings     SettingsProvider
	entitlements EntitlementChecker
	bus          events.Publisher
	config       Config
	logger       *logging.Logger

	mu   sync.Mutex
	bots map[string]*userBot
	runs uint64
}

// NewManager creates a bot manager. bus may be nil.
func NewManager(feed TickSource, trader Trader, prefs SettingsProvider, entitlements EntitlementChecker, bus events.Publisher, cfg Config) *Manager {
	if cfg.PriceWindow <= 0 {
		cfg.PriceWindow = defaultPriceWindow
	}
	return &Manager{
		feed:         feed,
		trader:       trader,
		settings:     prefs,
		entitlements: entitlements,
		bus:          bus,
		config:       cfg,
		logger:       logging.WithComponent("bot"),
		bots:         make(map[string]*userBot),
	}
}

// Attach stops a user's bot when their entitlement ends or the account is deleted
func (m *Manager) Attach(bus *events.EventBus) {
	stop := func(e events.Event) {
		if e.UserID == "" {
			return
		}
		if st := m.Status(e.UserID); st.State != StateStopped {
			m.logger.Info("Stopping bot after entitlement change", "user_id", e.UserID, "event", string(e.Type))
			_, _ = m.Stop(e.UserID)
		}
	}
	bus.Subscribe(events.EventSubscriptionRevoked, stop)
	bus.Subscribe(events.EventSubscriptionExpired, stop)
	bus.Subscribe(events.EventUserDeleted, stop)
}

// Start starts the user's bot, or resumes it when paused. Admins skip the
// entitlement check.
func (m *Manager) Start(ctx context.Context, userID string, isAdmin bool) (Status, error) {
	m.mu.Lock()
	b := m.bots[userID]
	m.mu.Unlock()

	if b != nil {
		b.mu.Lock()
		switch b.state {
		case StateRunning:
			b.mu.Unlock()
			return m.Status(userID), nil
		case StatePaused:
			b.state = StateRunning
			b.mu.Unlock()
			m.publishState(userID, StateRunning)
			return m.Status(userID), nil
		}
		b.mu.Unlock()
	}

	if !isAdmin {
		ok, err := m.entitlements.IsEntitled(ctx, userID)
		if err != nil {
			return Status{}, fmt.Errorf("failed to check entitlement: %w", err)
		}
		if !ok {
			return Status{}, ErrNotEntitled
		}
	}

	prefs, err := m.settings.Get(ctx, userID)
	if err != nil {
		return Status{}, fmt.Errorf("failed to load settings: %w", err)
	}
	if len(prefs.Pairs) == 0 {
		return Status{}, ErrNoPairs
	}

	token, err := m.settings.BotToken(ctx, userID)
	if err != nil {
		return Status{}, fmt.Errorf("failed to load bot token: %w", err)
	}
	if token == "" {
		token = m.config.DefaultToken
	}

	// The bot outlives the request that started it
	runCtx, cancel := context.WithCancel(context.Background())
	ticks, errs, err := m.feed.StreamTicks(runCtx, token, prefs.Pairs)
	if err != nil {
		cancel()
		return Status{}, fmt.Errorf("failed to open market feed: %w", err)
	}

	m.mu.Lock()
	if cur := m.bots[userID]; cur != nil && cur != b {
		// Another Start won the race
		m.mu.Unlock()
		cancel()
		return m.Status(userID), nil
	}
	m.runs++
	run := m.runs
	nb := &userBot{
		state:     StateRunning,
		style:     prefs.Strategy,
		strategy:  StrategyFor(prefs.Strategy),
		pairs:     append([]string(nil), prefs.Pairs...),
		startedAt: time.Now().UTC(),
		prices:    make(map[string][]float64),
		cancel:    cancel,
		run:       run,
	}
	m.bots[userID] = nb
	m.mu.Unlock()

	go m.runStrategy(runCtx, userID, nb, run, ticks, errs)

	m.logger.Info("Bot started", "user_id", userID, "strategy", nb.strategy, "pairs", len(nb.pairs))
	m.publishState(userID, StateRunning)
	return m.Status(userID), nil
}

// Pause stops strategy evaluation and keeps the feed open
func (m *Manager) Pause(userID string) (Status, error) {
	b := m.get(userID)
	if b == nil {
		return Status{}, ErrNotRunning
	}

	b.mu.Lock()
	if b.state == StateStopped {
		b.mu.Unlock()
		return Status{}, ErrNotRunning
	}
	changed := b.state != StatePaused
	b.state = StatePaused
	b.mu.Unlock()

	if changed {
		m.logger.Info("Bot paused", "user_id", userID)
		m.publishState(userID, StatePaused)
	}
	return m.Status(userID), nil
}

// Stop cancels the feed. Stopping a stopped bot is a no-op.
func (m *Manager) Stop(userID string) (Status, error) {
	b := m.get(userID)
	if b == nil {
		return Status{UserID: userID, State: StateStopped, Pairs: []string{}}, nil
	}

	b.mu.Lock()
	wasStopped := b.state == StateStopped
	b.state = StateStopped
	cancel := b.cancel
	b.cancel = nil
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if !wasStopped {
		m.logger.Info("Bot stopped", "user_id", userID)
		m.publishState(userID, StateStopped)
	}
	return m.Status(userID), nil
}

// StopAll stops every bot, for shutdown
func (m *Manager) StopAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.bots))
	for id := range m.bots {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		_, _ = m.Stop(id)
	}
}

// Status returns a snapshot of the user's bot
func (m *Manager) Status(userID string) Status {
	b := m.get(userID)
	if b == nil {
		return Status{UserID: userID, State: StateStopped, Pairs: []string{}}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	st := Status{
		UserID:    userID,
		State:     b.state,
		Style:     b.style,
		Strategy:  b.strategy,
		Pairs:     append([]string{}, b.pairs...),
		Ticks:     b.ticks,
		Signals:   b.signals,
		Trades:    b.trades,
		LastError: b.lastError,
	}
	if !b.startedAt.IsZero() {
		started := b.startedAt
		st.StartedAt = &started
	}
	if len(b.prices) > 0 {
		st.LastPrices = make(map[string]float64, len(b.prices))
		for symbol, window := range b.prices {
			st.LastPrices[symbol] = window[len(window)-1]
		}
	}
	return st
}

func (m *Manager) get(userID string) *userBot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bots[userID]
}

// runStrategy consumes the feed until it closes
func (m *Manager) runStrategy(ctx context.Context, userID string, b *userBot, run uint64, ticks <-chan deriv.Tick, errs <-chan error) {
	for ticks != nil || errs != nil {
		select {
		case tick, ok := <-ticks:
			if !ok {
				ticks = nil
				continue
			}
			m.onTick(ctx, userID, b, tick)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			m.logger.Warn("Market feed error", "user_id", userID, "error", err)
			b.mu.Lock()
			b.lastError = err.Error()
			b.mu.Unlock()
		}
	}

	// The feed closed on its own; a Stop or a newer Start already handled state
	b.mu.Lock()
	if b.run != run || b.state == StateStopped {
		b.mu.Unlock()
		return
	}
	b.state = StateStopped
	b.cancel = nil
	if b.lastError == "" {
		b.lastError = "market feed closed"
	}
	b.mu.Unlock()

	m.logger.Warn("Bot stopped after feed closed", "user_id", userID)
	m.publishState(userID, StateStopped)
}

// onTick records the price and, while running, evaluates the strategy
func (m *Manager) onTick(ctx context.Context, userID string, b *userBot, tick deriv.Tick) {
	b.mu.Lock()
	window := append(b.prices[tick.Symbol], tick.Quote)
	if len(window) > m.config.PriceWindow {
		window = window[len(window)-m.config.PriceWindow:]
	}
	b.prices[tick.Symbol] = window
	b.ticks++
	running := b.state == StateRunning
	strategyName := b.strategy
	prices := append([]float64(nil), window...)
	b.mu.Unlock()

	m.publish(events.EventPriceUpdate, userID, map[string]interface{}{
		"symbol": tick.Symbol,
		"quote":  tick.Quote,
		"epoch":  tick.Epoch,
	})

	if !running {
		return
	}

	result, err := m.trader.EvaluateAndTrade(ctx, userID, strategyName, strategy.MarketState{
		Symbol: tick.Symbol,
		Prices: prices,
	}, true)
	if err != nil {
		m.logger.Error("Strategy evaluation failed", "user_id", userID, "strategy", strategyName, "error", err)
		b.mu.Lock()
		b.lastError = err.Error()
		b.mu.Unlock()
		return
	}

	if result.Signal.Action == strategy.ActionHold {
		return
	}

	b.mu.Lock()
	b.signals++
	if result.ExecuteReceipt != nil && result.ExecuteReceipt.Status == trading.StatusFilled {
		b.trades++
	}
	b.mu.Unlock()

	m.publish(events.EventSignalGenerated, userID, map[string]interface{}{
		"strategy":   strategyName,
		"symbol":     result.Signal.Symbol,
		"action":     string(result.Signal.Action),
		"confidence": result.Signal.Confidence,
		"reason":     result.OrderProposal.Reason,
	})
}

func (m *Manager) publishState(userID string, state State) {
	m.publish(events.EventBotStateChanged, userID, map[string]interface{}{
		"status": string(state),
	})
}

func (m *Manager) publish(t events.EventType, userID string, data map[string]interface{}) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.Event{Type: t, UserID: userID, Data: data})
}
