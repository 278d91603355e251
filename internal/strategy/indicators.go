package strategy

import "math"

// ============================================================================
// MOVING AVERAGES
// ============================================================================

// CalculateSMA calculates the Simple Moving Average of the last period prices
func CalculateSMA(prices []float64, period int) float64 {
	if period <= 0 || len(prices) < period {
		return 0
	}

	sum := 0.0
	for _, p := range prices[len(prices)-period:] {
		sum += p
	}
	return sum / float64(period)
}

// ============================================================================
// DISPERSION
// ============================================================================

// CalculatePopulationStdDev calculates the population standard deviation of
// the last period prices
func CalculatePopulationStdDev(prices []float64, period int) float64 {
	if period <= 1 || len(prices) < period {
		return 0
	}

	mean := CalculateSMA(prices, period)
	sumSq := 0.0
	for _, p := range prices[len(prices)-period:] {
		d := p - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(period))
}

// CalculateZScore returns how many standard deviations the last price sits
// from the mean of the last period prices
func CalculateZScore(prices []float64, period int) (z, mean, stdev float64) {
	mean = CalculateSMA(prices, period)
	stdev = CalculatePopulationStdDev(prices, period)
	if stdev == 0 {
		return 0, mean, 0
	}
	return (prices[len(prices)-1] - mean) / stdev, mean, stdev
}

// ============================================================================
// MOMENTUM
// ============================================================================

// CalculateROC calculates the fractional rate of change over the last period
// prices, counting the first price of the window as the base
func CalculateROC(prices []float64, period int) float64 {
	if period <= 0 || len(prices) < period {
		return 0
	}
	start := prices[len(prices)-period]
	if start == 0 {
		return 0
	}
	return (prices[len(prices)-1] - start) / start
}
