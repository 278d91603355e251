package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"profitpilot/config"
	"profitpilot/internal/logging"
)

const (
	DefaultFeatureCount = 8

	modelFileName = "sgd_regressor.json"

	// SGD hyperparameters: squared loss, L2 penalty, inverse-scaling learning rate
	defaultAlpha  = 1e-4
	defaultEta0   = 0.01
	defaultPowerT = 0.25
)

var (
	ErrNotTrained          = errors.New("model not trained")
	ErrInvalidTrainingData = errors.New("invalid training data")
	ErrNoFeatures          = errors.New("no features provided")
	ErrNonFinite           = errors.New("value is not a finite number")
)

// LearnerConfig holds the online regressor settings
type LearnerConfig struct {
	ModelDir     string
	FeatureCount int
	Alpha        float64
	Eta0         float64
	PowerT       float64
}

// LearnerConfigFromConfig applies defaults to the learning section of the app config
func LearnerConfigFromConfig(cfg config.LearningConfig) LearnerConfig {
	return LearnerConfig{ModelDir: cfg.ModelDir, FeatureCount: cfg.FeatureCount}
}

// modelState is the persisted form of the learner
type modelState struct {
	FeatureCount int            `json:"feature_count"`
	Weights      []float64      `json:"weights"`
	Intercept    float64        `json:"intercept"`
	T            float64        `json:"t"`
	Samples      int64          `json:"samples"`
	Scaler       *RunningScaler `json:"scaler"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Learner is an online linear regressor. It predicts a numeric signal score
// from a fixed-width feature vector and is updated with PartialTrain.
type Learner struct {
	config LearnerConfig
	mu     sync.RWMutex
	state  modelState
	logger *logging.Logger
}

// NewLearner creates a learner and loads a saved model from ModelDir when one exists
func NewLearner(cfg LearnerConfig) (*Learner, error) {
	if cfg.FeatureCount <= 0 {
		cfg.FeatureCount = DefaultFeatureCount
	}
	if cfg.Alpha <= 0 {
		cfg.Alpha = defaultAlpha
	}
	if cfg.Eta0 <= 0 {
		cfg.Eta0 = defaultEta0
	}
	if cfg.PowerT <= 0 {
		cfg.PowerT = defaultPowerT
	}

	l := &Learner{
		config: cfg,
		state:  freshState(cfg.FeatureCount),
		logger: logging.WithComponent("learner"),
	}

	if cfg.ModelDir == "" {
		return l, nil
	}
	if err := os.MkdirAll(cfg.ModelDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create model dir: %w", err)
	}
	if err := l.load(); err != nil {
		l.logger.Warn("Saved model unusable, starting fresh", "path", l.modelPath(), "error", err)
		l.state = freshState(cfg.FeatureCount)
	}
	return l, nil
}

func freshState(n int) modelState {
	return modelState{
		FeatureCount: n,
		Weights:      make([]float64, n),
		T:            1,
		Scaler:       NewRunningScaler(n),
	}
}

// FeatureCount returns the input width
func (l *Learner) FeatureCount() int {
	return l.config.FeatureCount
}

// Samples returns how many samples the model has seen
func (l *Learner) Samples() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state.Samples
}

// PartialTrain updates the scaler and runs one SGD pass over the batch,
// then saves the model. X and y must be non-empty, of equal length and
// finite. A batch that would leave the model non-finite is rejected and
// the previous model is kept.
func (l *Learner) PartialTrain(X [][]float64, y []float64) error {
	if len(X) == 0 || len(X) != len(y) {
		return ErrInvalidTrainingData
	}
	if !allFinite(y) {
		return fmt.Errorf("%w: target %w", ErrInvalidTrainingData, ErrNonFinite)
	}

	rows := make([][]float64, len(X))
	for i, x := range X {
		if !allFinite(x) {
			return fmt.Errorf("%w: row %d %w", ErrInvalidTrainingData, i, ErrNonFinite)
		}
		rows[i] = l.padOrTruncate(x)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	next := l.state.clone()
	for _, x := range rows {
		next.Scaler.Update(x)
	}

	for i, x := range rows {
		xs := next.Scaler.Transform(x)
		eta := l.config.Eta0 / math.Pow(next.T, l.config.PowerT)

		grad := dot(next.Weights, xs) + next.Intercept - y[i]
		for j := range next.Weights {
			next.Weights[j] *= 1 - eta*l.config.Alpha
			next.Weights[j] -= eta * grad * xs[j]
		}
		next.Intercept -= eta * grad
		next.T++
	}
	if !next.finite() {
		l.logger.Warn("Batch rejected, model would diverge", "batch", len(rows))
		return fmt.Errorf("%w: model diverged %w", ErrInvalidTrainingData, ErrNonFinite)
	}
	next.Samples += int64(len(rows))
	next.UpdatedAt = time.Now().UTC()

	if err := l.save(next); err != nil {
		return err
	}
	l.state = next

	l.logger.Debug("Learner trained", "batch", len(rows), "samples", next.Samples)
	return nil
}

// Predict returns the score for one feature vector
func (l *Learner) Predict(features []float64) (float64, error) {
	if len(features) == 0 {
		return 0, ErrNoFeatures
	}
	if !allFinite(features) {
		return 0, fmt.Errorf("features: %w", ErrNonFinite)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.state.Samples == 0 {
		return 0, ErrNotTrained
	}
	xs := l.state.Scaler.Transform(l.padOrTruncate(features))
	score := dot(l.state.Weights, xs) + l.state.Intercept
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return 0, fmt.Errorf("score: %w", ErrNonFinite)
	}
	return score, nil
}

func (st modelState) clone() modelState {
	out := st
	out.Weights = append([]float64(nil), st.Weights...)
	out.Scaler = st.Scaler.Clone()
	return out
}

func (st modelState) finite() bool {
	if math.IsNaN(st.Intercept) || math.IsInf(st.Intercept, 0) {
		return false
	}
	return allFinite(st.Weights) && allFinite(st.Scaler.Mean) && allFinite(st.Scaler.M2)
}

func allFinite(xs []float64) bool {
	for _, v := range xs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func (l *Learner) padOrTruncate(x []float64) []float64 {
	out := make([]float64, l.config.FeatureCount)
	copy(out, x)
	return out
}

func (l *Learner) modelPath() string {
	return filepath.Join(l.config.ModelDir, modelFileName)
}

func (l *Learner) load() error {
	data, err := os.ReadFile(l.modelPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	var st modelState
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	n := l.config.FeatureCount
	if st.FeatureCount != n || len(st.Weights) != n || st.Scaler == nil || len(st.Scaler.Mean) != n || len(st.Scaler.M2) != n {
		return fmt.Errorf("saved model has %d features, want %d", st.FeatureCount, n)
	}
	if st.T < 1 {
		st.T = 1
	}
	l.state = st
	l.logger.Info("Loaded saved model", "path", l.modelPath(), "samples", st.Samples)
	return nil
}

// save writes st atomically; callers hold l.mu
func (l *Learner) save(st modelState) error {
	if l.config.ModelDir == "" {
		return nil
	}
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	tmp := l.modelPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write model: %w", err)
	}
	if err := os.Rename(tmp, l.modelPath()); err != nil {
		return fmt.Errorf("failed to save model: %w", err)
	}
	return nil
}

func dot(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}
