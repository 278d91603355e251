package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"profitpilot/internal/auth"
	"profitpilot/internal/database"
	"profitpilot/internal/settings"
)

const dashboardTradeLimit = 20

// handleDashboard returns everything the user dashboard renders in one call
// GET /dashboard
func (s *Server) handleDashboard(c *gin.Context) {
	ctx := c.Request.Context()
	userID := auth.GetUserID(c)

	user, err := s.deps.Users.GetUserByID(ctx, userID)
	if err != nil {
		internalError(c, "failed to load user", err)
		return
	}
	if user == nil {
		errorResponse(c, http.StatusNotFound, "USER_NOT_FOUND", "user not found")
		return
	}

	entitlement, err := s.deps.Entitlements.Status(ctx, userID)
	if err != nil {
		internalError(c, "failed to load subscription", err)
		return
	}

	prefs, err := s.deps.Settings.Get(ctx, userID)
	if err != nil {
		internalError(c, "failed to load settings", err)
		return
	}

	trades, err := s.deps.Users.GetRecentTradeLogs(ctx, userID, dashboardTradeLimit)
	if err != nil {
		internalError(c, "failed to load trade logs", err)
		return
	}
	if trades == nil {
		trades = []database.TradeLog{}
	}

	resp := gin.H{
		"user":         auth.ToUserResponse(user),
		"subscription": entitlement,
		"settings":     prefs,
		"trades":       trades,
		"bot":          s.deps.Bots.Status(userID),
	}
	if s.deps.Stripe != nil && s.deps.Stripe.IsConfigured() {
		resp["stripe_publishable_key"] = s.deps.Stripe.PublishableKey()
	}
	c.JSON(http.StatusOK, resp)
}

// handleGetUserSettings returns the user's bot profile
// GET /user/settings
func (s *Server) handleGetUserSettings(c *gin.Context) {
	prefs, err := s.deps.Settings.Get(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		internalError(c, "failed to load settings", err)
		return
	}
	c.JSON(http.StatusOK, prefs)
}

// handleUpdateUserSettings applies a partial update to the bot profile
// POST /user/settings
func (s *Server) handleUpdateUserSettings(c *gin.Context) {
	var req settings.UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}

	prefs, err := s.deps.Settings.Update(c.Request.Context(), auth.GetUserID(c), req)
	if err != nil {
		var verr *settings.ValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "VALIDATION_ERROR",
				"field":   verr.Field,
				"message": verr.Message,
			})
			return
		}
		internalError(c, "failed to save settings", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":  "settings saved",
		"settings": prefs,
	})
}
