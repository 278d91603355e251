package trading

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"profitpilot/config"
	"profitpilot/internal/database"
	"profitpilot/internal/events"
	"profitpilot/internal/strategy"
)

// Order statuses
const (
	StatusFilled    = "filled"
	StatusSubmitted = "submitted"
	StatusRejected  = "rejected"
)

// Proposal rejection reasons
const (
	ReasonNoTradeSignal   = "no_trade_signal"
	ReasonRiskCheckFailed = "risk_check_failed"
)

var (
	ErrMissingSymbol = errors.New("order missing symbol")
	ErrInvalidSize   = errors.New("order usd_size must be > 0")
	ErrInvalidAction = errors.New("order action must be buy or sell")
)

// TradeStore persists filled orders
type TradeStore interface {
	CreateTradeLog(ctx context.Context, t *database.TradeLog) error
}

// Settings are the simulated account limits
type Settings struct {
	AccountSize    float64 `json:"account_size"`
	MaxPositionPct float64 `json:"max_position_pct"`
	MinOrderUSD    float64 `json:"min_order_usd"`
}

// DefaultSettings returns the demo account limits
func DefaultSettings() Settings {
	return Settings{AccountSize: 10000, MaxPositionPct: 0.5, MinOrderUSD: 10}
}

// SettingsFromConfig fills unset limits with defaults
func SettingsFromConfig(cfg config.TradingConfig) Settings {
	s := DefaultSettings()
	if cfg.AccountSize > 0 {
		s.AccountSize = cfg.AccountSize
	}
	if cfg.MaxPositionPct > 0 {
		s.MaxPositionPct = cfg.MaxPositionPct
	}
	if cfg.MinOrderUSD > 0 {
		s.MinOrderUSD = cfg.MinOrderUSD
	}
	return s
}

// OrderRequest is an order ready for execution
type OrderRequest struct {
	Symbol        string          `json:"symbol"`
	Action        strategy.Action `json:"action"`
	USDSize       float64         `json:"usd_size"`
	Price         *float64        `json:"price,omitempty"`
	ClientOrderID string          `json:"client_order_id,omitempty"`
	Strategy      string          `json:"strategy,omitempty"`
}

// Proposal is the order the engine derived from a signal
type Proposal struct {
	Symbol        string          `json:"symbol"`
	Action        strategy.Action `json:"action"`
	Confidence    float64         `json:"confidence"`
	SizePct       float64         `json:"size_pct"`
	USDSize       float64         `json:"usd_size,omitempty"`
	ClientOrderID string          `json:"client_order_id"`
	Approved      bool            `json:"approved"`
	Reason        string          `json:"reason,omitempty"`
}

// Receipt is the outcome of an executed order
type Receipt struct {
	OrderID       string          `json:"order_id,omitempty"`
	ClientOrderID string          `json:"client_order_id,omitempty"`
	Symbol        string          `json:"symbol,omitempty"`
	Action        strategy.Action `json:"action,omitempty"`
	USDSize       float64         `json:"usd_size,omitempty"`
	Price         *float64        `json:"price"`
	Status        string          `json:"status"`
	Reason        string          `json:"reason,omitempty"`
	Strategy      string          `json:"strategy,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	FilledAt      *time.Time      `json:"filled_at"`
	Simulated     bool            `json:"simulated"`
}

// Position is the net simulated exposure in one symbol
type Position struct {
	Position    float64 `json:"position"`
	USDExposure float64 `json:"usd_exposure"`
}

// Result bundles the three stages of EvaluateAndTrade
type Result struct {
	Signal         strategy.Signal `json:"signal"`
	OrderProposal  Proposal        `json:"order_proposal"`
	ExecuteReceipt *Receipt        `json:"execute_receipt"`
}

// Engine evaluates strategies, sizes and risk-checks orders and fills them
// against a simulated exchange. Orders and positions are kept per user.
type Engine struct {
	registry *strategy.Registry
	settings Settings
	store    TradeStore
	bus      events.Publisher
	logger   zerolog.Logger

	mu         sync.RWMutex
	orders     map[string]map[string]*Receipt  // userID -> orderID -> receipt
	portfolios map[string]map[string]*Position // userID -> symbol -> position

	now func() time.Time
}

// NewEngine creates a trading engine. store and bus may be nil.
func NewEngine(registry *strategy.Registry, settings Settings, store TradeStore, bus events.Publisher, logger zerolog.Logger) *Engine {
	if registry == nil {
		registry = strategy.DefaultRegistry()
	}
	return &Engine{
		registry:   registry,
		settings:   settings,
		store:      store,
		bus:        bus,
		logger:     logger.With().Str("component", "TradingEngine").Logger(),
		orders:     make(map[string]map[string]*Receipt),
		portfolios: make(map[string]map[string]*Position),
		now:        time.Now,
	}
}

// Registry returns the strategy registry the engine evaluates against
func (e *Engine) Registry() *strategy.Registry {
	return e.registry
}

// Settings returns the account limits
func (e *Engine) Settings() Settings {
	return e.settings
}

// CalculateOrderSizeUSD converts a size fraction to dollars, never below the minimum order
func (e *Engine) CalculateOrderSizeUSD(sizePct float64) float64 {
	pct := sizePct
	if pct < 0 {
		pct = 0
	}
	if pct > 1 {
		pct = 1
	}
	usd := e.settings.AccountSize * pct
	if usd < e.settings.MinOrderUSD {
		return e.settings.MinOrderUSD
	}
	return usd
}

// RiskCheck rejects empty orders and orders above the per-position cap
func (e *Engine) RiskCheck(usdSize float64) bool {
	if usdSize <= 0 {
		return false
	}
	return usdSize <= e.settings.AccountSize*e.settings.MaxPositionPct
}

// EvaluateAndTrade runs a strategy, builds a proposal, risk-checks it and executes it
func (e *Engine) EvaluateAndTrade(ctx context.Context, userID, strategyName string, state strategy.MarketState, dryRun bool) (*Result, error) {
	signal, err := e.registry.Evaluate(strategyName, state)
	if err != nil {
		return nil, err
	}

	symbol := signal.Symbol
	if symbol == "" {
		symbol = state.Symbol
	}

	proposal := Proposal{
		Symbol:        symbol,
		Action:        signal.Action,
		Confidence:    signal.Confidence,
		SizePct:       signal.SizePct,
		ClientOrderID: e.newClientOrderID(),
	}
	result := &Result{Signal: signal, OrderProposal: proposal}

	if signal.Action == strategy.ActionHold || signal.SizePct <= 0 {
		result.OrderProposal.Reason = ReasonNoTradeSignal
		return result, nil
	}

	usdSize := e.CalculateOrderSizeUSD(signal.SizePct)
	result.OrderProposal.USDSize = usdSize

	if !e.RiskCheck(usdSize) {
		result.OrderProposal.Reason = ReasonRiskCheckFailed
		e.logger.Info().
			Str("user_id", userID).
			Str("symbol", symbol).
			Float64("usd_size", usdSize).
			Msg("Proposal failed risk check")
		return result, nil
	}

	order := OrderRequest{
		Symbol:        symbol,
		Action:        signal.Action,
		USDSize:       usdSize,
		ClientOrderID: proposal.ClientOrderID,
		Strategy:      strategyName,
	}
	if n := len(state.Prices); n > 0 {
		last := state.Prices[n-1]
		order.Price = &last
	}

	receipt, err := e.ExecuteOrder(ctx, userID, order, dryRun)
	if err != nil {
		return nil, err
	}
	result.ExecuteReceipt = receipt
	result.OrderProposal.Approved = receipt.Status == StatusFilled || receipt.Status == StatusSubmitted
	return result, nil
}

// ExecuteOrder validates and executes one order for the user. A dry run fills
// immediately; otherwise the order is only marked submitted.
func (e *Engine) ExecuteOrder(ctx context.Context, userID string, order OrderRequest, dryRun bool) (*Receipt, error) {
	order.Symbol = strings.TrimSpace(order.Symbol)
	if order.Symbol == "" {
		return nil, ErrMissingSymbol
	}
	if order.USDSize <= 0 {
		return nil, ErrInvalidSize
	}
	if order.Action != strategy.ActionBuy && order.Action != strategy.ActionSell {
		return nil, ErrInvalidAction
	}
	if !e.RiskCheck(order.USDSize) {
		return &Receipt{Status: StatusRejected, Reason: ReasonRiskCheckFailed, CreatedAt: e.now().UTC()}, nil
	}
	if order.ClientOrderID == "" {
		order.ClientOrderID = e.newClientOrderID()
	}

	now := e.now().UTC()
	receipt := &Receipt{
		OrderID:       uuid.New().String(),
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Action:        order.Action,
		USDSize:       order.USDSize,
		Price:         order.Price,
		Status:        StatusSubmitted,
		Strategy:      order.Strategy,
		CreatedAt:     now,
		Simulated:     true,
	}
	if dryRun {
		receipt.Status = StatusFilled
		receipt.FilledAt = &now
	}

	e.mu.Lock()
	if e.orders[userID] == nil {
		e.orders[userID] = make(map[string]*Receipt)
	}
	e.orders[userID][receipt.OrderID] = receipt
	if receipt.Status == StatusFilled {
		e.applyFillLocked(userID, receipt)
	}
	e.mu.Unlock()

	e.logger.Info().
		Str("user_id", userID).
		Str("order_id", receipt.OrderID).
		Str("client_order_id", receipt.ClientOrderID).
		Str("symbol", receipt.Symbol).
		Str("action", string(receipt.Action)).
		Float64("usd_size", receipt.USDSize).
		Str("status", receipt.Status).
		Msg("Order executed")

	if receipt.Status == StatusFilled {
		e.persist(ctx, userID, receipt)
		e.publishFill(userID, receipt)
	}

	cp := *receipt
	return &cp, nil
}

func (e *Engine) applyFillLocked(userID string, r *Receipt) {
	if e.portfolios[userID] == nil {
		e.portfolios[userID] = make(map[string]*Position)
	}
	pos, ok := e.portfolios[userID][r.Symbol]
	if !ok {
		pos = &Position{}
		e.portfolios[userID][r.Symbol] = pos
	}
	switch r.Action {
	case strategy.ActionBuy:
		pos.Position++
		pos.USDExposure += r.USDSize
	case strategy.ActionSell:
		pos.Position--
		pos.USDExposure -= r.USDSize
	}
}

func (e *Engine) persist(ctx context.Context, userID string, r *Receipt) {
	if e.store == nil {
		return
	}
	err := e.store.CreateTradeLog(ctx, &database.TradeLog{
		UserID:        userID,
		OrderID:       r.OrderID,
		ClientOrderID: r.ClientOrderID,
		Symbol:        r.Symbol,
		Action:        string(r.Action),
		USDSize:       r.USDSize,
		Price:         r.Price,
		Status:        r.Status,
		Strategy:      r.Strategy,
		CreatedAt:     r.CreatedAt,
	})
	if err != nil {
		e.logger.Error().
			Err(err).
			Str("user_id", userID).
			Str("order_id", r.OrderID).
			Msg("Failed to persist trade log")
	}
}

func (e *Engine) publishFill(userID string, r *Receipt) {
	if e.bus == nil {
		return
	}
	data := map[string]interface{}{
		"order_id":        r.OrderID,
		"client_order_id": r.ClientOrderID,
		"symbol":          r.Symbol,
		"action":          string(r.Action),
		"usd_size":        r.USDSize,
		"strategy":        r.Strategy,
	}
	if r.Price != nil {
		data["price"] = *r.Price
	}
	e.bus.Publish(events.Event{Type: events.EventOrderFilled, UserID: userID, Data: data})
}

// Orders returns the user's orders, oldest first
func (e *Engine) Orders(userID string) []Receipt {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Receipt, 0, len(e.orders[userID]))
	for _, r := range e.orders[userID] {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].OrderID < out[j].OrderID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Portfolio returns a copy of the user's positions by symbol
func (e *Engine) Portfolio(userID string) map[string]Position {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make(map[string]Position, len(e.portfolios[userID]))
	for symbol, pos := range e.portfolios[userID] {
		out[symbol] = *pos
	}
	return out
}

// newClientOrderID returns "pp-<unix seconds>-<6 hex chars>"
func (e *Engine) newClientOrderID() string {
	hex := strings.ReplaceAll(uuid.New().String(), "-", "")
	return fmt.Sprintf("pp-%d-%s", e.now().Unix(), hex[:6])
}
