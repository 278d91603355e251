package strategy

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
)

// ErrStrategyNotFound is returned for a name that is not registered
var ErrStrategyNotFound = errors.New("strategy not found")

// Action is what a signal asks the engine to do
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
	ActionHold Action = "hold"
)

// MarketState is the input a strategy evaluates. Prices run oldest to newest.
// Nil tuning fields fall back to each strategy's default; an explicit zero is kept.
type MarketState struct {
	Symbol     string    `json:"symbol"`
	Prices     []float64 `json:"prices"`
	Threshold  *float64  `json:"threshold,omitempty"`
	Window     *int      `json:"window,omitempty"`
	ZThreshold *float64  `json:"z_threshold,omitempty"`
}

// Signal represents a trading signal
type Signal struct {
	Symbol     string                 `json:"symbol"`
	Action     Action                 `json:"action"`
	Confidence float64                `json:"confidence"` // 0..1
	SizePct    float64                `json:"size_pct"`   // Fraction of the account, 0..1
	Metric     map[string]interface{} `json:"metric"`
}

// Strategy is a deterministic function of the market state
type Strategy interface {
	// Name returns the registry name
	Name() string

	// Evaluate produces a signal for the given market state
	Evaluate(state MarketState) Signal
}

// Func adapts a plain function to the Strategy interface
type Func struct {
	name string
	fn   func(MarketState) Signal
}

// NewFunc wraps fn under name
func NewFunc(name string, fn func(MarketState) Signal) *Func {
	return &Func{name: name, fn: fn}
}

func (f *Func) Name() string { return f.name }

func (f *Func) Evaluate(state MarketState) Signal { return f.fn(state) }

// Registry holds strategies by name
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{strategies: make(map[string]Strategy)}
}

// DefaultRegistry returns a registry with the built-in strategies
func DefaultRegistry() *Registry {
	r := NewRegistry()
	_ = r.Register(NewFunc(MomentumV1, Momentum))
	_ = r.Register(NewFunc(MeanReversionV1, MeanReversion))
	return r
}

// Register adds or replaces a strategy
func (r *Registry) Register(s Strategy) error {
	if s == nil || strings.TrimSpace(s.Name()) == "" {
		return fmt.Errorf("strategy must have a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.Name()] = s
	return nil
}

// Get looks up a strategy by name
func (r *Registry) Get(name string) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrStrategyNotFound, name)
	}
	return s, nil
}

// Has reports whether name is registered
func (r *Registry) Has(name string) bool {
	_, err := r.Get(name)
	return err == nil
}

// Evaluate runs the named strategy
func (r *Registry) Evaluate(name string, state MarketState) (Signal, error) {
	s, err := r.Get(name)
	if err != nil {
		return Signal{}, err
	}
	return s.Evaluate(state), nil
}

// List returns the registered names in sorted order
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func hold(symbol, reason string) Signal {
	return Signal{
		Symbol: symbol,
		Action: ActionHold,
		Metric: map[string]interface{}{"reason": reason},
	}
}

func floatOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

// unitRatio returns num/den clamped to [0, 1]. A non-positive den yields 1
// for any positive num.
func unitRatio(num, den float64) float64 {
	if den <= 0 {
		if num > 0 {
			return 1
		}
		return 0
	}
	return math.Max(0, math.Min(1, num/den))
}

func symbolOrUnknown(symbol string) string {
	if symbol == "" {
		return "UNK"
	}
	return symbol
}
