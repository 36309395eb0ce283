// Package email delivers rendered mail over SMTP. Messages are built as raw
// RFC 5322 text and handed to the server directly; there is no provider API
// in between, so what goes on the wire is exactly what was rendered.
package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"net/url"
	"strings"
	"time"

	"github.com/ignite/yaf2m/internal/pkg/logger"
)

// Mail is one rendered message, ready for delivery.
type Mail struct {
	Subject string
	Body    string
}

// Sender delivers mail through one SMTP endpoint.
type Sender struct {
	host        string
	port        string
	username    string
	password    string
	implicitTLS bool
	from        mail.Address

	maxAttempts int
}

// NewSender parses an smtp:// or smtps:// endpoint URL and the sender
// mailbox. Credentials come from the URL userinfo; smtps means implicit TLS,
// plain smtp upgrades via STARTTLS when the server offers it.
func NewSender(smtpURL, from string) (*Sender, error) {
	u, err := url.Parse(smtpURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse SMTP URL: %w", err)
	}

	var implicitTLS bool
	switch u.Scheme {
	case "smtp":
	case "smtps":
		implicitTLS = true
	default:
		return nil, fmt.Errorf("unsupported SMTP scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("SMTP URL has no host")
	}

	port := u.Port()
	if port == "" {
		if implicitTLS {
			port = "465"
		} else {
			port = "587"
		}
	}

	fromAddr, err := mail.ParseAddress(from)
	if err != nil {
		return nil, fmt.Errorf("invalid sender mailbox %q: %w", from, err)
	}

	s := &Sender{
		host:        u.Hostname(),
		port:        port,
		implicitTLS: implicitTLS,
		from:        *fromAddr,
		maxAttempts: 3,
	}
	if u.User != nil {
		s.username = u.User.Username()
		s.password, _ = u.User.Password()
	}
	return s, nil
}

// Send delivers the mails to the given recipients. Each mail is retried up
// to three times with exponential backoff; the first mail that exhausts its
// attempts fails the whole batch so the group's check can be recorded as
// failed.
func (s *Sender) Send(ctx context.Context, to, cc, bcc []mail.Address, mails []Mail) error {
	envelope := make([]string, 0, len(to)+len(cc)+len(bcc))
	for _, list := range [][]mail.Address{to, cc, bcc} {
		for _, addr := range list {
			envelope = append(envelope, addr.Address)
		}
	}
	if len(envelope) == 0 {
		return fmt.Errorf("no recipients")
	}

	for _, m := range mails {
		msg := s.buildMessage(to, cc, m)
		if err := s.sendWithRetry(ctx, envelope, msg); err != nil {
			return fmt.Errorf("failed to send %q: %w", m.Subject, err)
		}
		logger.Info("mail sent",
			"subject", m.Subject,
			"to", joinAddresses(to),
			"recipients", fmt.Sprintf("%d", len(envelope)))
	}
	return nil
}

func (s *Sender) sendWithRetry(ctx context.Context, envelope []string, msg []byte) error {
	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if attempt > 1 {
			delay := time.Second << (attempt - 2)
			logger.Warn("retrying mail delivery",
				"attempt", fmt.Sprintf("%d", attempt),
				"delay", delay.String(),
				"error", lastErr.Error())
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if lastErr = s.sendOne(ctx, envelope, msg); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func (s *Sender) sendOne(ctx context.Context, envelope []string, msg []byte) error {
	addr := net.JoinHostPort(s.host, s.port)

	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	if s.implicitTLS {
		conn = tls.Client(conn, &tls.Config{ServerName: s.host})
	}

	client, err := smtp.NewClient(conn, s.host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("SMTP handshake with %s failed: %w", addr, err)
	}
	defer client.Close()

	if !s.implicitTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(&tls.Config{ServerName: s.host}); err != nil {
				return fmt.Errorf("STARTTLS failed: %w", err)
			}
		}
	}

	if s.username != "" {
		auth := smtp.PlainAuth("", s.username, s.password, s.host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("SMTP auth failed: %w", err)
		}
	}

	if err := client.Mail(s.from.Address); err != nil {
		return fmt.Errorf("MAIL FROM rejected: %w", err)
	}
	for _, rcpt := range envelope {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("RCPT TO %s rejected: %w", logger.RedactEmail(rcpt), err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA rejected: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("failed to write message body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finish message: %w", err)
	}
	return client.Quit()
}

// buildMessage assembles the raw RFC 5322 message. Bcc recipients appear in
// the envelope only, never in headers.
func (s *Sender) buildMessage(to, cc []mail.Address, m Mail) []byte {
	var b strings.Builder
	b.WriteString("From: " + s.from.String() + "\r\n")
	if len(to) > 0 {
		b.WriteString("To: " + joinAddresses(to) + "\r\n")
	}
	if len(cc) > 0 {
		b.WriteString("Cc: " + joinAddresses(cc) + "\r\n")
	}
	b.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", m.Subject) + "\r\n")
	b.WriteString("Date: " + time.Now().Format(time.RFC1123Z) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(m.Body)
	b.WriteString("\r\n")
	return []byte(b.String())
}

func joinAddresses(addrs []mail.Address) string {
	parts := make([]string, len(addrs))
	for i, a := range addrs {
		parts[i] = a.String()
	}
	return strings.Join(parts, ", ")
}
