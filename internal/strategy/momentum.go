package strategy

import "math"

const (
	MomentumV1 = "momentum_v1"

	momentumDefaultThreshold = 0.01
	momentumLookback         = 5
	momentumMaxSize          = 0.5
)

// Momentum buys when the price moved up more than the threshold over the last
// few ticks and sells when it moved down more than the threshold
func Momentum(state MarketState) Signal {
	symbol := symbolOrUnknown(state.Symbol)
	prices := state.Prices
	if len(prices) < 3 {
		return hold(symbol, "not enough prices")
	}

	threshold := floatOr(state.Threshold, momentumDefaultThreshold)

	lookback := momentumLookback
	if len(prices) < lookback {
		lookback = len(prices)
	}
	if prices[len(prices)-lookback] == 0 {
		return hold(symbol, "zero start price")
	}
	pct := CalculateROC(prices, lookback)

	action := ActionHold
	switch {
	case pct > threshold:
		action = ActionBuy
	case pct < -threshold:
		action = ActionSell
	}

	confidence := unitRatio(math.Abs(pct), threshold*3+1e-9)
	return Signal{
		Symbol:     symbol,
		Action:     action,
		Confidence: confidence,
		SizePct:    math.Min(momentumMaxSize, confidence*0.2),
		Metric: map[string]interface{}{
			"pct_change": pct,
			"lookback":   lookback,
		},
	}
}
