package strategy

import "math"

const (
	MeanReversionV1 = "mean_reversion_v1"

	meanReversionDefaultWindow = 20
	meanReversionDefaultZ      = 1.5
	meanReversionMaxSize       = 0.3
)

// MeanReversion fades prices that sit more than ZThreshold standard
// deviations away from the rolling mean
func MeanReversion(state MarketState) Signal {
	symbol := symbolOrUnknown(state.Symbol)
	prices := state.Prices

	window := meanReversionDefaultWindow
	if state.Window != nil {
		window = *state.Window
	}
	if len(prices) < window {
		window = len(prices)
	}
	if window < 3 {
		return hold(symbol, "insufficient data")
	}

	z, mean, stdev := CalculateZScore(prices, window)
	if stdev == 0 {
		return hold(symbol, "zero volatility")
	}

	threshold := floatOr(state.ZThreshold, meanReversionDefaultZ)

	action := ActionHold
	switch {
	case z > threshold:
		action = ActionSell
	case z < -threshold:
		action = ActionBuy
	}

	confidence := unitRatio(math.Abs(z), threshold*2)
	return Signal{
		Symbol:     symbol,
		Action:     action,
		Confidence: confidence,
		SizePct:    math.Min(meanReversionMaxSize, confidence*0.15),
		Metric: map[string]interface{}{
			"z_score": z,
			"mean":    mean,
			"stdev":   stdev,
		},
	}
}
