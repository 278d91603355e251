package ml

import "math"

// RunningScaler standardizes features with a mean and population variance
// that are updated one sample at a time (Welford's algorithm)
type RunningScaler struct {
	Count int64     `json:"count"`
	Mean  []float64 `json:"mean"`
	M2    []float64 `json:"m2"`
}

// NewRunningScaler creates a scaler for n features
func NewRunningScaler(n int) *RunningScaler {
	return &RunningScaler{
		Mean: make([]float64, n),
		M2:   make([]float64, n),
	}
}

// Clone returns an independent copy
func (s *RunningScaler) Clone() *RunningScaler {
	return &RunningScaler{
		Count: s.Count,
		Mean:  append([]float64(nil), s.Mean...),
		M2:    append([]float64(nil), s.M2...),
	}
}

// Update folds one sample into the running statistics
func (s *RunningScaler) Update(x []float64) {
	s.Count++
	n := float64(s.Count)
	for i, v := range x {
		delta := v - s.Mean[i]
		s.Mean[i] += delta / n
		s.M2[i] += delta * (v - s.Mean[i])
	}
}

// Std returns the population standard deviation of feature i.
// Constant features report 1 so they pass through unscaled.
func (s *RunningScaler) Std(i int) float64 {
	if s.Count == 0 {
		return 1
	}
	std := math.Sqrt(s.M2[i] / float64(s.Count))
	if std == 0 {
		return 1
	}
	return std
}

// Transform returns the standardized copy of x
func (s *RunningScaler) Transform(x []float64) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = (v - s.Mean[i]) / s.Std(i)
	}
	return out
}
