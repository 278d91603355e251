package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"html/template"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"profitpilot/config"
	"profitpilot/internal/logging"
)

const defaultFromName = "ProfitPilotAI"

// sendFunc matches smtp.SendMail so delivery can be swapped out
type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Service sends account and billing emails over SMTP
type Service struct {
	cfg    config.EmailConfig
	send   sendFunc
	logger *logging.Logger
}

// NewService creates a new email service
func NewService(cfg config.EmailConfig) *Service {
	if cfg.FromName == "" {
		cfg.FromName = defaultFromName
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	s := &Service{
		cfg:    cfg,
		logger: logging.WithComponent("email"),
	}
	if cfg.Port == 465 {
		s.send = s.sendImplicitTLS
	} else {
		s.send = smtp.SendMail
	}
	return s
}

// IsConfigured reports whether host and credentials are set
func (s *Service) IsConfigured() bool {
	return s.cfg.Host != "" && s.cfg.Username != "" && s.cfg.Password != ""
}

// SendEmail delivers one HTML message
func (s *Service) SendEmail(ctx context.Context, to, subject, htmlBody string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("SMTP not configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := s.buildMessage(to, subject, htmlBody)
	auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))

	start := time.Now()
	if err := s.send(addr, auth, s.cfg.From, []string{to}, msg); err != nil {
		s.logger.Warn("Failed to send email", "to", to, "host", s.cfg.Host, "error", err)
		return fmt.Errorf("SMTP error: %w", err)
	}

	s.logger.WithDuration(time.Since(start)).Info("Email sent", "to", to, "subject", subject)
	return nil
}

func (s *Service) buildMessage(to, subject, body string) []byte {
	from := s.cfg.From
	if s.cfg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.cfg.FromName, s.cfg.From)
	}

	var buf bytes.Buffer
	buf.WriteString("From: " + from + "\r\n")
	buf.WriteString("To: " + to + "\r\n")
	buf.WriteString("Subject: " + subject + "\r\n")
	buf.WriteString("Date: " + time.Now().UTC().Format(time.RFC1123Z) + "\r\n")
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(body)
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// sendImplicitTLS delivers over a TLS connection from the first byte (port 465)
func (s *Service) sendImplicitTLS(addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: s.cfg.Host})
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	defer client.Close()

	if err = client.Auth(auth); err != nil {
		return fmt.Errorf("SMTP authentication failed: %w", err)
	}
	if err = client.Mail(from); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	for _, recipient := range to {
		if err = client.Rcpt(recipient); err != nil {
			return fmt.Errorf("failed to add recipient: %w", err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to get data writer: %w", err)
	}
	if _, err = w.Write(msg); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err = w.Close(); err != nil {
		return fmt.Errorf("failed to close data writer: %w", err)
	}

	return client.Quit()
}

// SendVerificationEmail sends the account verification link
func (s *Service) SendVerificationEmail(ctx context.Context, to, name, link string) error {
	body, err := render(verifyTemplate, templateData{Name: name, Link: link})
	if err != nil {
		return err
	}
	return s.SendEmail(ctx, to, "Verify your ProfitPilotAI account", body)
}

// SendPasswordResetEmail sends the password reset link
func (s *Service) SendPasswordResetEmail(ctx context.Context, to, name, link string) error {
	body, err := render(resetTemplate, templateData{Name: name, Link: link})
	if err != nil {
		return err
	}
	return s.SendEmail(ctx, to, "Reset your ProfitPilotAI password", body)
}

// SendSubscriptionConfirmation tells the user their access now runs until periodEnd.
// A nil periodEnd means lifetime access.
func (s *Service) SendSubscriptionConfirmation(ctx context.Context, to, provider string, periodEnd *time.Time) error {
	data := templateData{Provider: provider, Until: "lifetime"}
	if periodEnd != nil {
		data.Until = periodEnd.UTC().Format("2 Jan 2006 15:04 MST")
	}
	body, err := render(confirmationTemplate, data)
	if err != nil {
		return err
	}
	return s.SendEmail(ctx, to, "Your ProfitPilotAI subscription is active", body)
}

type templateData struct {
	Name     string
	Link     string
	Provider string
	Until    string
}

func render(t *template.Template, data templateData) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render %s: %w", t.Name(), err)
	}
	return buf.String(), nil
}

const layoutHead = `<!DOCTYPE html>
<html>
<head>
    <style>
        body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; }
        .container { max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { background-color: #0F766E; color: white; padding: 20px; text-align: center; border-radius: 5px 5px 0 0; }
        .content { background-color: #f9fafb; padding: 30px; border-radius: 0 0 5px 5px; }
        .button { display: inline-block; padding: 12px 30px; background-color: #0F766E; color: white; text-decoration: none; border-radius: 5px; margin: 20px 0; }
        .footer { text-align: center; margin-top: 20px; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="container">`

const layoutFoot = `
        <div class="footer">
            <p>&copy; ProfitPilotAI. Trading involves risk.</p>
        </div>
    </div>
</body>
</html>`

var verifyTemplate = template.Must(template.New("verify").Parse(layoutHead + `
        <div class="header"><h1>Confirm your email</h1></div>
        <div class="content">
            <p>Hi {{.Name}},</p>
            <p>Thanks for signing up for ProfitPilotAI. Confirm your email address to activate your account:</p>
            <p style="text-align: center;"><a href="{{.Link}}" class="button">Verify email</a></p>
            <p>This link expires in 24 hours.</p>
        </div>` + layoutFoot))

var resetTemplate = template.Must(template.New("reset").Parse(layoutHead + `
        <div class="header"><h1>Password reset</h1></div>
        <div class="content">
            <p>Hi {{.Name}},</p>
            <p>Someone asked to reset the password on your account. Use the button below to choose a new one:</p>
            <p style="text-align: center;"><a href="{{.Link}}" class="button">Reset password</a></p>
            <p>This link expires in 30 minutes. If you did not ask for it, ignore this email.</p>
        </div>` + layoutFoot))

var confirmationTemplate = template.Must(template.New("confirmation").Parse(layoutHead + `
        <div class="header"><h1>Subscription active</h1></div>
        <div class="content">
            <p>Your payment via {{.Provider}} was received.</p>
            <p>Your ProfitPilotAI access is active until <strong>{{.Until}}</strong>.</p>
        </div>` + layoutFoot))
