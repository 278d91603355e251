package billing

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"profitpilot/config"
	"profitpilot/internal/database"
	"profitpilot/internal/events"
	"profitpilot/internal/logging"
	"profitpilot/internal/subscription"
)

const (
	// OrderPrefix marks crypto orders; the rest of the order id is the buyer's email
	OrderPrefix = "ppai-"

	// SignatureHeader carries the IPN HMAC
	SignatureHeader = "x-nowpayments-sig"

	orderDescription = "ProfitPilotAI Monthly Subscription"
)

// InvoiceRequest is the body of POST /invoice
type InvoiceRequest struct {
	PriceAmount      json.Number `json:"price_amount"`
	PriceCurrency    string      `json:"price_currency"`
	OrderID          string      `json:"order_id"`
	OrderDescription string      `json:"order_description"`
	IPNCallbackURL   string      `json:"ipn_callback_url"`
	SuccessURL       string      `json:"success_url"`
	CancelURL        string      `json:"cancel_url"`
	IsFixedRate      bool        `json:"is_fixed_rate"`
}

// Invoice is the subset of the invoice response we use
type Invoice struct {
	ID         flexString `json:"id"`
	InvoiceURL string     `json:"invoice_url"`
	OrderID    string     `json:"order_id"`
}

// IPN is an instant payment notification
type IPN struct {
	PaymentID     flexString      `json:"payment_id"`
	InvoiceID     flexString      `json:"invoice_id"`
	PaymentStatus string          `json:"payment_status"`
	OrderID       string          `json:"order_id"`
	PriceAmount   decimal.Decimal `json:"price_amount"`
	PriceCurrency string          `json:"price_currency"`
	PayAmount     decimal.Decimal `json:"pay_amount"`
	ActuallyPaid  decimal.Decimal `json:"actually_paid"`
	PayCurrency   string          `json:"pay_currency"`
}

// flexString accepts a JSON string or number
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = ""
		return nil
	}
	*f = flexString(strings.Trim(string(b), `"`))
	return nil
}

// NOWPaymentsClient creates crypto invoices and applies IPN callbacks
type NOWPaymentsClient struct {
	cfg          config.CryptoConfig
	price        decimal.Decimal
	siteBase     string
	httpClient   *http.Client
	store        PaymentStore
	entitlements Entitlements
	notifier     Notifier
	bus          events.Publisher
	logger       *logging.Logger
}

// NewNOWPaymentsClient creates a NOWPayments client. notifier and bus may be nil.
func NewNOWPaymentsClient(cfg config.CryptoConfig, siteBase string, store PaymentStore, entitlements Entitlements, notifier Notifier, bus events.Publisher) (*NOWPaymentsClient, error) {
	price, err := decimal.NewFromString(cfg.PriceAmount)
	if err != nil {
		return nil, fmt.Errorf("invalid crypto price %q: %w", cfg.PriceAmount, err)
	}
	if cfg.PriceCurrency == "" {
		cfg.PriceCurrency = "usd"
	}
	if cfg.ExtendDays <= 0 {
		cfg.ExtendDays = 30
	}
	return &NOWPaymentsClient{
		cfg:          cfg,
		price:        price,
		siteBase:     strings.TrimRight(siteBase, "/"),
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		store:        store,
		entitlements: entitlements,
		notifier:     notifier,
		bus:          bus,
		logger:       logging.WithComponent("nowpayments"),
	}, nil
}

// IsConfigured reports whether invoices can be created
func (c *NOWPaymentsClient) IsConfigured() bool {
	return c.cfg.APIKey != ""
}

// CreateInvoice opens a hosted crypto invoice for one subscription period and returns its URL
func (c *NOWPaymentsClient) CreateInvoice(ctx context.Context, email string) (string, error) {
	if !c.IsConfigured() {
		return "", ErrNotConfigured
	}

	body, err := json.Marshal(InvoiceRequest{
		PriceAmount:      json.Number(c.price.String()),
		PriceCurrency:    c.cfg.PriceCurrency,
		OrderID:          OrderPrefix + strings.ToLower(strings.TrimSpace(email)),
		OrderDescription: orderDescription,
		IPNCallbackURL:   c.siteBase + "/crypto/ipn",
		SuccessURL:       c.siteBase + "/dashboard",
		CancelURL:        c.siteBase + "/dashboard",
		IsFixedRate:      true,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.BaseURL, "/")+"/invoice", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("x-api-key", c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("nowpayments request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read nowpayments response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("nowpayments API error: %s - %s", resp.Status, string(respBody))
	}

	var inv Invoice
	if err := json.Unmarshal(respBody, &inv); err != nil {
		return "", fmt.Errorf("failed to parse invoice response: %w", err)
	}
	if inv.InvoiceURL == "" {
		return "", errors.New("nowpayments response without invoice_url")
	}

	c.logger.Info("Crypto invoice created", "invoice_id", string(inv.ID), "email", email)
	return inv.InvoiceURL, nil
}

// VerifyIPNSignature checks the HMAC-SHA512 of the raw body, or of its key-sorted JSON form
func (c *NOWPaymentsClient) VerifyIPNSignature(raw []byte, signature string) bool {
	signature = strings.ToLower(strings.TrimSpace(signature))
	if c.cfg.IPNSecret == "" || signature == "" {
		return false
	}

	if hmac.Equal([]byte(signPayload(raw, c.cfg.IPNSecret)), []byte(signature)) {
		return true
	}

	sorted, err := sortedJSON(raw)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(signPayload(sorted, c.cfg.IPNSecret)), []byte(signature))
}

func signPayload(payload []byte, secret string) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// sortedJSON re-encodes a JSON object compactly with keys in sorted order
func sortedJSON(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v map[string]interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// HandleIPN verifies a callback and, for a completed payment of at least the
// configured price, extends the buyer's subscription once per payment id
func (c *NOWPaymentsClient) HandleIPN(ctx context.Context, raw []byte, signature string) (*WebhookResult, error) {
	if !c.VerifyIPNSignature(raw, signature) {
		c.logger.Warn("IPN signature check failed")
		return nil, ErrBadSignature
	}

	var ipn IPN
	if err := json.Unmarshal(raw, &ipn); err != nil {
		return nil, fmt.Errorf("failed to parse IPN: %w", err)
	}

	paymentID := string(ipn.PaymentID)
	result := &WebhookResult{EventID: paymentID, Type: ipn.PaymentStatus, Action: ActionIgnored}
	logger := logging.PaymentContext(database.ProviderNOWPayments, paymentID)

	if !strings.HasPrefix(ipn.OrderID, OrderPrefix) || len(ipn.OrderID) == len(OrderPrefix) {
		return nil, ErrMissingEmail
	}
	email := strings.TrimPrefix(ipn.OrderID, OrderPrefix)

	user, err := c.entitlements.ResolveUser(ctx, email)
	if err != nil {
		if errors.Is(err, subscription.ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	result.UserID = user.ID

	status := strings.ToLower(ipn.PaymentStatus)
	if status != "finished" && status != "confirmed" {
		logger.Info("IPN acknowledged", "status", status, "user_id", user.ID)
		return result, nil
	}

	if paymentID == "" {
		return nil, fmt.Errorf("IPN without payment_id")
	}
	seen, err := c.store.GetPaymentEvent(ctx, database.ProviderNOWPayments, paymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to check payment: %w", err)
	}
	if seen != nil {
		result.Action = ActionDuplicate
		logger.Info("Duplicate IPN skipped", "user_id", user.ID)
		return result, nil
	}

	if ipn.PriceAmount.LessThan(c.price) {
		logger.Warn("Underpaid invoice ignored",
			"user_id", user.ID,
			"price_amount", ipn.PriceAmount.String(),
			"expected", c.price.String())
		c.record(ctx, paymentID, user.ID, raw)
		return result, nil
	}

	externalID := string(ipn.InvoiceID)
	if externalID == "" {
		externalID = paymentID
	}
	end, err := c.entitlements.ExtendFromCurrentEnd(ctx, user.ID, c.cfg.ExtendDays, subscription.Source{
		Provider:   database.ProviderNOWPayments,
		ExternalID: externalID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to extend subscription: %w", err)
	}
	c.record(ctx, paymentID, user.ID, raw)

	result.Action = ActionExtended
	result.PeriodEnd = end
	logger.Info("Subscription extended by crypto payment", "user_id", user.ID, "days", c.cfg.ExtendDays)

	if c.bus != nil {
		data := map[string]interface{}{
			"provider":  database.ProviderNOWPayments,
			"reference": externalID,
			"amount":    ipn.PriceAmount.String(),
		}
		if end != nil {
			data["current_period_end"] = end.Format(time.RFC3339)
		}
		c.bus.Publish(events.Event{Type: events.EventPaymentReceived, UserID: user.ID, Data: data})
	}
	if c.notifier != nil {
		if err := c.notifier.SendSubscriptionConfirmation(ctx, user.Email, "crypto", end); err != nil {
			logger.Warn("Confirmation email failed", "user_id", user.ID, "error", err)
		}
	}

	return result, nil
}

// record marks a payment as handled. It runs only after the payment was
// applied so a failed extension is retried on the next delivery.
func (c *NOWPaymentsClient) record(ctx context.Context, paymentID, userID string, raw []byte) {
	if _, err := c.store.RecordPaymentEvent(ctx, database.ProviderNOWPayments, paymentID, &userID, raw); err != nil {
		c.logger.Warn("Failed to record IPN", "payment_id", paymentID, "error", err)
	}
}
