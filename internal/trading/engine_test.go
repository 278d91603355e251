package trading

import (
	"context"
	"errors"
	"math"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"profitpilot/internal/database"
	"profitpilot/internal/events"
	"profitpilot/internal/strategy"
)

// ============================================================================
// MOCK TYPES
// ============================================================================

type memTradeStore struct {
	mu   sync.Mutex
	logs []database.TradeLog
	err  error
}

func (m *memTradeStore) CreateTradeLog(ctx context.Context, t *database.TradeLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.logs = append(m.logs, *t)
	return nil
}

type captureBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *captureBus) Publish(e events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func newTestEngine(settings Settings) (*Engine, *memTradeStore, *captureBus) {
	store := &memTradeStore{}
	bus := &captureBus{}
	e := NewEngine(strategy.DefaultRegistry(), settings, store, bus, zerolog.Nop())
	e.now = func() time.Time { return time.Unix(1700000000, 0) }
	return e, store, bus
}

var risingPrices = strategy.MarketState{Symbol: "frxEURUSD", Prices: []float64{100, 100, 102}}

// ============================================================================
// TESTS
// ============================================================================

func TestCalculateOrderSizeUSD(t *testing.T) {
	e, _, _ := newTestEngine(DefaultSettings())
	tests := []struct {
		pct  float64
		want float64
	}{
		{0.1, 1000},
		{0.0001, 10},
		{-1, 10},
		{2, 10000},
	}
	for _, tt := range tests {
		if got := e.CalculateOrderSizeUSD(tt.pct); got != tt.want {
			t.Errorf("CalculateOrderSizeUSD(%v) = %v, want %v", tt.pct, got, tt.want)
		}
	}
}

func TestRiskCheck(t *testing.T) {
	e, _, _ := newTestEngine(DefaultSettings())
	if e.RiskCheck(0) || e.RiskCheck(-5) {
		t.Error("non-positive size must fail")
	}
	if !e.RiskCheck(5000) {
		t.Error("size at the cap must pass")
	}
	if e.RiskCheck(5000.01) {
		t.Error("size above the cap must fail")
	}
}

func TestEvaluateAndTradeDryRunFills(t *testing.T) {
	e, store, bus := newTestEngine(DefaultSettings())
	ctx := context.Background()

	res, err := e.EvaluateAndTrade(ctx, "u1", strategy.MomentumV1, risingPrices, true)
	if err != nil {
		t.Fatal(err)
	}
	if res.ExecuteReceipt == nil {
		t.Fatalf("expected a receipt, proposal = %+v", res.OrderProposal)
	}
	if res.ExecuteReceipt.Status != StatusFilled || !res.OrderProposal.Approved {
		t.Errorf("receipt = %+v", res.ExecuteReceipt)
	}
	if !regexp.MustCompile(`^pp-1700000000-[0-9a-f]{6}$`).MatchString(res.OrderProposal.ClientOrderID) {
		t.Errorf("client_order_id = %s", res.OrderProposal.ClientOrderID)
	}
	if res.ExecuteReceipt.ClientOrderID != res.OrderProposal.ClientOrderID {
		t.Error("receipt must carry the proposal's client order id")
	}
	wantUSD := 10000 * 0.2 * 0.02 / (0.03 + 1e-9)
	if math.Abs(res.OrderProposal.USDSize-wantUSD) > 1e-6 {
		t.Errorf("usd_size = %v, want %v", res.OrderProposal.USDSize, wantUSD)
	}
	if res.ExecuteReceipt.Price == nil || *res.ExecuteReceipt.Price != 102 {
		t.Errorf("price = %v", res.ExecuteReceipt.Price)
	}

	pf := e.Portfolio("u1")
	if pf["frxEURUSD"].Position != 1 || math.Abs(pf["frxEURUSD"].USDExposure-wantUSD) > 1e-6 {
		t.Errorf("portfolio = %+v", pf)
	}
	if len(store.logs) != 1 || store.logs[0].Strategy != strategy.MomentumV1 || store.logs[0].UserID != "u1" {
		t.Errorf("trade logs = %+v", store.logs)
	}
	if len(bus.events) != 1 || bus.events[0].Type != events.EventOrderFilled || bus.events[0].UserID != "u1" {
		t.Errorf("events = %+v", bus.events)
	}

	// Other users see nothing
	if len(e.Orders("u2")) != 0 || len(e.Portfolio("u2")) != 0 {
		t.Error("orders leaked across users")
	}
}

func TestEvaluateAndTradeSellReducesPosition(t *testing.T) {
	e, _, _ := newTestEngine(DefaultSettings())
	ctx := context.Background()

	if _, err := e.EvaluateAndTrade(ctx, "u1", strategy.MomentumV1, risingPrices, true); err != nil {
		t.Fatal(err)
	}
	falling := strategy.MarketState{Symbol: "frxEURUSD", Prices: []float64{100, 100, 98}}
	if _, err := e.EvaluateAndTrade(ctx, "u1", strategy.MomentumV1, falling, true); err != nil {
		t.Fatal(err)
	}

	pos := e.Portfolio("u1")["frxEURUSD"]
	if pos.Position != 0 {
		t.Errorf("position = %v, want 0", pos.Position)
	}
	if len(e.Orders("u1")) != 2 {
		t.Errorf("orders = %d, want 2", len(e.Orders("u1")))
	}
}

func TestEvaluateAndTradeHold(t *testing.T) {
	e, store, _ := newTestEngine(DefaultSettings())
	flat := strategy.MarketState{Symbol: "frxEURUSD", Prices: []float64{100, 100, 100}}

	res, err := e.EvaluateAndTrade(context.Background(), "u1", strategy.MomentumV1, flat, true)
	if err != nil {
		t.Fatal(err)
	}
	if res.OrderProposal.Reason != ReasonNoTradeSignal || res.ExecuteReceipt != nil {
		t.Errorf("result = %+v", res)
	}
	if len(store.logs) != 0 {
		t.Error("hold must not persist anything")
	}
}

func TestEvaluateAndTradeRiskCheckFailed(t *testing.T) {
	e, _, _ := newTestEngine(Settings{AccountSize: 10000, MaxPositionPct: 0.1, MinOrderUSD: 10})

	res, err := e.EvaluateAndTrade(context.Background(), "u1", strategy.MomentumV1, risingPrices, true)
	if err != nil {
		t.Fatal(err)
	}
	if res.OrderProposal.Reason != ReasonRiskCheckFailed || res.ExecuteReceipt != nil || res.OrderProposal.Approved {
		t.Errorf("result = %+v", res)
	}
}

func TestEvaluateAndTradeLiveSubmits(t *testing.T) {
	e, store, bus := newTestEngine(DefaultSettings())

	res, err := e.EvaluateAndTrade(context.Background(), "u1", strategy.MomentumV1, risingPrices, false)
	if err != nil {
		t.Fatal(err)
	}
	if res.ExecuteReceipt.Status != StatusSubmitted || res.ExecuteReceipt.FilledAt != nil {
		t.Errorf("receipt = %+v", res.ExecuteReceipt)
	}
	if !res.OrderProposal.Approved {
		t.Error("submitted orders are approved")
	}
	if len(e.Portfolio("u1")) != 0 || len(store.logs) != 0 || len(bus.events) != 0 {
		t.Error("a submitted order must not touch portfolio, trade logs or events")
	}
}

func TestEvaluateAndTradeUnknownStrategy(t *testing.T) {
	e, _, _ := newTestEngine(DefaultSettings())
	_, err := e.EvaluateAndTrade(context.Background(), "u1", "nope", risingPrices, true)
	if !errors.Is(err, strategy.ErrStrategyNotFound) {
		t.Errorf("err = %v", err)
	}
}

func TestExecuteOrderValidation(t *testing.T) {
	e, _, _ := newTestEngine(DefaultSettings())
	ctx := context.Background()

	tests := []struct {
		name  string
		order OrderRequest
		want  error
	}{
		{"missing symbol", OrderRequest{Action: strategy.ActionBuy, USDSize: 10}, ErrMissingSymbol},
		{"zero size", OrderRequest{Symbol: "frxEURUSD", Action: strategy.ActionBuy}, ErrInvalidSize},
		{"hold action", OrderRequest{Symbol: "frxEURUSD", Action: strategy.ActionHold, USDSize: 10}, ErrInvalidAction},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := e.ExecuteOrder(ctx, "u1", tt.order, true); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}

	r, err := e.ExecuteOrder(ctx, "u1", OrderRequest{Symbol: "frxEURUSD", Action: strategy.ActionBuy, USDSize: 6000}, true)
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != StatusRejected || r.Reason != ReasonRiskCheckFailed {
		t.Errorf("receipt = %+v", r)
	}
}

func TestPersistFailureDoesNotFailOrder(t *testing.T) {
	e, store, _ := newTestEngine(DefaultSettings())
	store.err = errors.New("db down")

	r, err := e.ExecuteOrder(context.Background(), "u1", OrderRequest{Symbol: "frxEURUSD", Action: strategy.ActionBuy, USDSize: 100}, true)
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != StatusFilled {
		t.Errorf("status = %s", r.Status)
	}
}
