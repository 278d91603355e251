package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"profitpilot/internal/auth"
	"profitpilot/internal/billing"
	"profitpilot/internal/logging"
)

const maxWebhookBody = 1 << 16

// handleStripeCheckout starts a Stripe subscription checkout
// POST /billing/checkout
func (s *Server) handleStripeCheckout(c *gin.Context) {
	if s.deps.Stripe == nil || !s.deps.Stripe.IsConfigured() {
		errorResponse(c, http.StatusServiceUnavailable, "BILLING_NOT_CONFIGURED", "card payments are not configured")
		return
	}

	url, err := s.deps.Stripe.CreateCheckoutSession(c.Request.Context(), auth.GetUserEmail(c), auth.GetUserID(c))
	if err != nil {
		internalError(c, "failed to create checkout session", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url})
}

// handleStripePortal opens the Stripe customer portal
// POST /billing/portal
func (s *Server) handleStripePortal(c *gin.Context) {
	if s.deps.Stripe == nil {
		errorResponse(c, http.StatusServiceUnavailable, "BILLING_NOT_CONFIGURED", "card payments are not configured")
		return
	}

	url, err := s.deps.Stripe.CreatePortalSession(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		switch {
		case errors.Is(err, billing.ErrNotConfigured):
			errorResponse(c, http.StatusServiceUnavailable, "BILLING_NOT_CONFIGURED", "card payments are not configured")
		case errors.Is(err, billing.ErrNoCustomer):
			errorResponse(c, http.StatusNotFound, "NO_BILLING_CUSTOMER", "no card subscription on file")
		default:
			internalError(c, "failed to create portal session", err)
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url})
}

// handleCryptoSubscribe opens a NOWPayments invoice for one period
// POST /crypto/subscribe
func (s *Server) handleCryptoSubscribe(c *gin.Context) {
	if s.deps.Crypto == nil || !s.deps.Crypto.IsConfigured() {
		errorResponse(c, http.StatusServiceUnavailable, "CRYPTO_NOT_CONFIGURED", "crypto payments are not configured")
		return
	}

	url, err := s.deps.Crypto.CreateInvoice(c.Request.Context(), auth.GetUserEmail(c))
	if err != nil {
		internalError(c, "failed to create crypto invoice", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invoice_url": url})
}

// handleStripeWebhook applies a signed Stripe event
// POST /webhooks/stripe
func (s *Server) handleStripeWebhook(c *gin.Context) {
	if s.deps.Stripe == nil {
		errorResponse(c, http.StatusServiceUnavailable, "BILLING_NOT_CONFIGURED", "card payments are not configured")
		return
	}

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "INVALID_BODY", "failed to read body")
		return
	}

	result, err := s.deps.Stripe.HandleWebhook(c.Request.Context(), payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		s.webhookError(c, "stripe", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "action": result.Action})
}

// handleCryptoIPN applies a signed NOWPayments callback
// POST /crypto/ipn
func (s *Server) handleCryptoIPN(c *gin.Context) {
	if s.deps.Crypto == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": "crypto payments are not configured"})
		return
	}

	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "failed to read body"})
		return
	}

	result, err := s.deps.Crypto.HandleIPN(c.Request.Context(), raw, c.GetHeader(billing.SignatureHeader))
	if err != nil {
		status := http.StatusInternalServerError
		message := "failed to process payment"
		switch {
		case errors.Is(err, billing.ErrBadSignature):
			status, message = http.StatusBadRequest, "bad signature"
		case errors.Is(err, billing.ErrMissingEmail):
			status, message = http.StatusBadRequest, "no email"
		case errors.Is(err, billing.ErrUserNotFound):
			status, message = http.StatusNotFound, "user not found"
		default:
			logging.FromContext(c.Request.Context()).Error("IPN processing failed", "error", err)
		}
		c.JSON(status, gin.H{"ok": false, "error": message})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "action": result.Action})
}

func (s *Server) webhookError(c *gin.Context, provider string, err error) {
	switch {
	case errors.Is(err, billing.ErrBadSignature):
		errorResponse(c, http.StatusBadRequest, "INVALID_SIGNATURE", "invalid signature")
	case errors.Is(err, billing.ErrNotConfigured):
		errorResponse(c, http.StatusServiceUnavailable, "BILLING_NOT_CONFIGURED", "webhook secret not configured")
	case errors.Is(err, billing.ErrUserNotFound):
		errorResponse(c, http.StatusNotFound, "USER_NOT_FOUND", "no user for this payment")
	default:
		logging.FromContext(c.Request.Context()).Error("Webhook processing failed", "provider", provider, "error", err)
		errorResponse(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to process webhook")
	}
}
