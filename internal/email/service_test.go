package email

import (
	"context"
	"errors"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"profitpilot/config"
)

type capture struct {
	addr string
	from string
	to   []string
	msg  string
	err  error
}

func (c *capture) send(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
	c.addr = addr
	c.from = from
	c.to = to
	c.msg = string(msg)
	return c.err
}

func newTestService(c *capture) *Service {
	s := NewService(config.EmailConfig{
		Host:     "smtp.example.com",
		Port:     587,
		Username: "mailer@example.com",
		Password: "pw",
	})
	s.send = c.send
	return s
}

func TestIsConfigured(t *testing.T) {
	if NewService(config.EmailConfig{Host: "h"}).IsConfigured() {
		t.Error("missing credentials should not be configured")
	}
	if !newTestService(&capture{}).IsConfigured() {
		t.Error("expected configured")
	}
}

func TestSendVerificationEmail(t *testing.T) {
	c := &capture{}
	s := newTestService(c)

	link := "https://app.example.com/verify?token=abc"
	if err := s.SendVerificationEmail(context.Background(), "user@example.com", "<Ann>", link); err != nil {
		t.Fatal(err)
	}

	if c.addr != "smtp.example.com:587" {
		t.Errorf("addr = %q", c.addr)
	}
	if c.from != "mailer@example.com" {
		t.Errorf("from defaults to username, got %q", c.from)
	}
	if !strings.Contains(c.msg, "From: ProfitPilotAI <mailer@example.com>") {
		t.Error("missing From header")
	}
	if !strings.Contains(c.msg, `href="https://app.example.com/verify?token=abc"`) {
		t.Error("missing verification link")
	}
	if strings.Contains(c.msg, "<Ann>") || !strings.Contains(c.msg, "&lt;Ann&gt;") {
		t.Error("name must be HTML escaped")
	}
}

func TestSendSubscriptionConfirmation(t *testing.T) {
	c := &capture{}
	s := newTestService(c)

	end := time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)
	if err := s.SendSubscriptionConfirmation(context.Background(), "u@example.com", "nowpayments", &end); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(c.msg, "1 Apr 2025") {
		t.Errorf("missing end date in %q", c.msg)
	}

	if err := s.SendSubscriptionConfirmation(context.Background(), "u@example.com", "admin", nil); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(c.msg, "lifetime") {
		t.Error("nil end should read lifetime")
	}
}

func TestSendErrors(t *testing.T) {
	s := NewService(config.EmailConfig{})
	if err := s.SendEmail(context.Background(), "a@b.co", "s", "b"); err == nil {
		t.Error("expected error when not configured")
	}

	c := &capture{err: errors.New("refused")}
	s = newTestService(c)
	if err := s.SendPasswordResetEmail(context.Background(), "a@b.co", "A", "https://x/reset?token=t"); err == nil {
		t.Error("expected SMTP error")
	}
}
