package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"profitpilot/internal/ai/ml"
	"profitpilot/internal/auth"
	"profitpilot/internal/bot"
	"profitpilot/internal/strategy"
	"profitpilot/internal/trading"
)

// TradeRequest is the body of POST /trade. DryRun defaults to true.
type TradeRequest struct {
	Strategy    string               `json:"strategy" binding:"required"`
	MarketState strategy.MarketState `json:"market_state"`
	DryRun      *bool                `json:"dry_run"`
}

// TrainRequest is a labelled batch for the learner
type TrainRequest struct {
	X [][]float64 `json:"X"`
	Y []float64   `json:"y"`
}

// PredictRequest is one feature vector
type PredictRequest struct {
	Features []float64 `json:"features"`
}

// handleTrade evaluates a strategy against the posted market state and executes the signal
// POST /trade
func (s *Server) handleTrade(c *gin.Context) {
	var req TradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	if !s.deps.Trading.Registry().Has(req.Strategy) {
		errorResponse(c, http.StatusBadRequest, "STRATEGY_NOT_FOUND", "strategy not found")
		return
	}

	dryRun := true
	if req.DryRun != nil {
		dryRun = *req.DryRun
	}

	result, err := s.deps.Trading.EvaluateAndTrade(c.Request.Context(), auth.GetUserID(c), req.Strategy, req.MarketState, dryRun)
	if err != nil {
		switch {
		case errors.Is(err, strategy.ErrStrategyNotFound):
			errorResponse(c, http.StatusBadRequest, "STRATEGY_NOT_FOUND", err.Error())
		case errors.Is(err, trading.ErrMissingSymbol), errors.Is(err, trading.ErrInvalidSize), errors.Is(err, trading.ErrInvalidAction):
			errorResponse(c, http.StatusBadRequest, "INVALID_ORDER", err.Error())
		default:
			internalError(c, "failed to evaluate trade", err)
		}
		return
	}
	c.JSON(http.StatusOK, result)
}

// GET /orders
func (s *Server) handleOrders(c *gin.Context) {
	orders := s.deps.Trading.Orders(auth.GetUserID(c))
	if orders == nil {
		orders = []trading.Receipt{}
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

// GET /portfolio
func (s *Server) handlePortfolio(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"portfolio": s.deps.Trading.Portfolio(auth.GetUserID(c))})
}

// handleTrain feeds one batch to the online learner
// POST /train
func (s *Server) handleTrain(c *gin.Context) {
	if s.deps.Learner == nil {
		errorResponse(c, http.StatusServiceUnavailable, "LEARNER_UNAVAILABLE", "self-learning is not available")
		return
	}

	var req TrainRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}

	if err := s.deps.Learner.PartialTrain(req.X, req.Y); err != nil {
		if errors.Is(err, ml.ErrInvalidTrainingData) {
			errorResponse(c, http.StatusBadRequest, "INVALID_TRAINING_DATA", "invalid training data")
			return
		}
		internalError(c, "failed to train model", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":        "trained",
		"samples":       len(req.X),
		"total_samples": s.deps.Learner.Samples(),
	})
}

// handlePredict scores a feature vector
// POST /predict
func (s *Server) handlePredict(c *gin.Context) {
	if s.deps.Learner == nil {
		errorResponse(c, http.StatusServiceUnavailable, "LEARNER_UNAVAILABLE", "self-learning is not available")
		return
	}

	var req PredictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}

	score, err := s.deps.Learner.Predict(req.Features)
	if err != nil {
		switch {
		case errors.Is(err, ml.ErrNonFinite):
			errorResponse(c, http.StatusBadRequest, "INVALID_FEATURES", "features and score must be finite numbers")
		case errors.Is(err, ml.ErrNoFeatures):
			errorResponse(c, http.StatusBadRequest, "NO_FEATURES", "no features provided")
		case errors.Is(err, ml.ErrNotTrained):
			errorResponse(c, http.StatusConflict, "NOT_TRAINED", "model has not been trained yet")
		default:
			internalError(c, "failed to predict", err)
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"score": score})
}

// POST /bot/start
func (s *Server) handleBotStart(c *gin.Context) {
	status, err := s.deps.Bots.Start(c.Request.Context(), auth.GetUserID(c), auth.IsAdmin(c))
	if err != nil {
		s.botError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// POST /bot/pause
func (s *Server) handleBotPause(c *gin.Context) {
	status, err := s.deps.Bots.Pause(auth.GetUserID(c))
	if err != nil {
		s.botError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// POST /bot/stop
func (s *Server) handleBotStop(c *gin.Context) {
	status, err := s.deps.Bots.Stop(auth.GetUserID(c))
	if err != nil {
		s.botError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// GET /bot/status
func (s *Server) handleBotStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Bots.Status(auth.GetUserID(c)))
}

func (s *Server) botError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, bot.ErrNotEntitled):
		errorResponse(c, http.StatusPaymentRequired, "SUBSCRIPTION_REQUIRED", err.Error())
	case errors.Is(err, bot.ErrNoPairs):
		errorResponse(c, http.StatusBadRequest, "NO_PAIRS", err.Error())
	case errors.Is(err, bot.ErrNotRunning):
		errorResponse(c, http.StatusConflict, "BOT_NOT_RUNNING", err.Error())
	default:
		internalError(c, "bot operation failed", err)
	}
}
