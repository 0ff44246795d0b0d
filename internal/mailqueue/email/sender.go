// Package email delivers queue messages over SMTP.
package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"regexp"
	"strings"
	"time"

	"github.com/bissquit/signup-approval/internal/mailqueue"
	mail "gopkg.in/gomail.v2"
)

var stripTagsRegex = regexp.MustCompile("<[^>]*>")

// ErrDisabled is returned by Send when mail delivery is switched off.
var ErrDisabled = errors.New("email sender disabled")

// Config holds email sender configuration.
type Config struct {
	Enabled      bool
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	FromAddress  string
	// RequireTLS fails the send when the server does not offer STARTTLS.
	RequireTLS  bool
	DialTimeout time.Duration
}

// Sender implements mailqueue.Sender via SMTP.
type Sender struct {
	config Config
	auth   smtp.Auth
}

// NewSender creates a new email sender.
// Returns error if enabled but required config is missing.
func NewSender(config Config) (*Sender, error) {
	if config.Enabled {
		if config.SMTPHost == "" {
			return nil, errors.New("email sender: SMTP host is required when enabled")
		}
		if config.FromAddress == "" {
			return nil, errors.New("email sender: from address is required when enabled")
		}
	}

	if config.SMTPPort == 0 {
		config.SMTPPort = 587
	}
	if config.DialTimeout == 0 {
		config.DialTimeout = 10 * time.Second
	}

	var auth smtp.Auth
	if config.SMTPUser != "" && config.SMTPPassword != "" {
		auth = smtp.PlainAuth("", config.SMTPUser, config.SMTPPassword, config.SMTPHost)
	}

	slog.Info("email sender configured",
		"enabled", config.Enabled,
		"smtp_host", config.SMTPHost,
		"smtp_port", config.SMTPPort,
		"from_address", config.FromAddress,
		"require_tls", config.RequireTLS,
	)

	return &Sender{
		config: config,
		auth:   auth,
	}, nil
}

// Send delivers one HTML message. A disabled sender never reports success,
// so nothing is marked sent without a transport.
func (s *Sender) Send(ctx context.Context, msg mailqueue.Message) error {
	if !s.config.Enabled {
		return mailqueue.NewRetryableError(ErrDisabled)
	}

	raw, err := s.buildMessage(msg)
	if err != nil {
		return mailqueue.NewNonRetryableError(err)
	}

	if err := s.deliver(ctx, msg.To, raw); err != nil {
		if IsRetryable(err) {
			return mailqueue.NewRetryableError(err)
		}
		return mailqueue.NewNonRetryableError(err)
	}
	return nil
}

// Verify checks that the SMTP server is reachable and accepts the credentials.
func (s *Sender) Verify(ctx context.Context) error {
	if !s.config.Enabled {
		return nil
	}

	client, closeConn, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer closeConn()

	return client.Quit()
}

// buildMessage renders msg as a MIME message with an HTML part and a plain-text alternative.
func (s *Sender) buildMessage(msg mailqueue.Message) ([]byte, error) {
	m := mail.NewMessage()
	m.SetHeader("From", s.config.FromAddress)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", plainText(msg.Body))
	m.AddAlternative("text/html", msg.Body)

	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("build message: %w", err)
	}
	return buf.Bytes(), nil
}

func plainText(html string) string {
	return strings.TrimSpace(stripTagsRegex.ReplaceAllString(html, ""))
}

// connect dials the server, upgrades with STARTTLS when offered and authenticates.
func (s *Sender) connect(ctx context.Context) (*smtp.Client, func(), error) {
	addr := net.JoinHostPort(s.config.SMTPHost, fmt.Sprintf("%d", s.config.SMTPPort))

	dialer := &net.Dialer{Timeout: s.config.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("dial smtp: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, s.config.SMTPHost)
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("create smtp client: %w", err)
	}
	closeConn := func() {
		_ = client.Close()
		_ = conn.Close()
	}

	if ok, _ := client.Extension("STARTTLS"); ok {
		tlsConfig := &tls.Config{
			ServerName: s.config.SMTPHost,
			MinVersion: tls.VersionTLS12,
		}
		if err := client.StartTLS(tlsConfig); err != nil {
			closeConn()
			return nil, nil, fmt.Errorf("starttls: %w", err)
		}
	} else if s.config.RequireTLS {
		closeConn()
		return nil, nil, errors.New("starttls: not offered by server")
	}

	if s.auth != nil {
		if err := client.Auth(s.auth); err != nil {
			closeConn()
			return nil, nil, fmt.Errorf("auth: %w", err)
		}
	}

	return client, closeConn, nil
}

func (s *Sender) deliver(ctx context.Context, to string, raw []byte) error {
	client, closeConn, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer closeConn()

	if err := client.Mail(extractEmail(s.config.FromAddress)); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := client.Rcpt(extractEmail(to)); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close data: %w", err)
	}

	// The message is accepted once DATA closes; a failed QUIT does not undo that.
	if err := client.Quit(); err != nil {
		slog.Debug("smtp quit failed", "error", err)
	}
	return nil
}

// extractEmail extracts the email address from formats like "Name <email@example.com>".
func extractEmail(address string) string {
	if idx := strings.Index(address, "<"); idx != -1 {
		end := strings.Index(address, ">")
		if end > idx {
			return address[idx+1 : end]
		}
	}
	return address
}

// IsRetryable determines if an error is retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}

	// Network timeout errors are retryable
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// Connection refused is retryable
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	errStr := err.Error()

	// SMTP 4xx codes are temporary failures (retryable)
	if strings.Contains(errStr, "421") || // Service not available
		strings.Contains(errStr, "450") || // Mailbox unavailable
		strings.Contains(errStr, "451") || // Local error
		strings.Contains(errStr, "452") { // Insufficient storage
		return true
	}

	// 552 - Mailbox full is sometimes retryable
	if strings.Contains(errStr, "552") {
		return true
	}

	if strings.Contains(errStr, "starttls") || strings.Contains(errStr, "EOF") {
		return true
	}

	return false
}
