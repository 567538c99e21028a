package mail

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"time"

	"github.com/jhillyerd/enmime"
)

// Compile-time interface satisfaction check.
var _ enmime.Sender = (*SMTPSender)(nil)

// SMTPSender delivers messages over SMTP with PLAIN auth. Every delivery runs
// under a deadline covering the dial, the greeting and each command, so a
// stalled server fails the send instead of holding the caller.
type SMTPSender struct {
	addr      string
	host      string
	auth      smtp.Auth
	timeout   time.Duration
	tlsConfig *tls.Config
}

// NewSMTPSender returns a sender for addr. An empty username disables AUTH.
// STARTTLS is negotiated when the server offers it. A non-positive timeout
// means 30s.
func NewSMTPSender(addr, username, password string, timeout time.Duration) *SMTPSender {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	s := &SMTPSender{
		addr:      addr,
		host:      host,
		timeout:   timeout,
		tlsConfig: &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12},
	}
	if username != "" {
		s.auth = smtp.PlainAuth("", username, password, host)
	}
	return s
}

// Send implements enmime.Sender using the sender's own timeout.
func (s *SMTPSender) Send(reversePath string, recipients []string, msg []byte) error {
	return s.SendContext(context.Background(), reversePath, recipients, msg)
}

// SendContext delivers msg, giving up at the earlier of ctx's deadline and the
// sender's timeout.
func (s *SMTPSender) SendContext(ctx context.Context, reversePath string, recipients []string, msg []byte) error {
	if len(recipients) == 0 {
		return errors.New("smtp: no recipients")
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("smtp dial %s: %w", s.addr, err)
	}
	defer conn.Close()

	deadline, _ := ctx.Deadline()
	if err := conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("smtp set deadline: %w", err)
	}
	// Cancellation before the deadline also unblocks any pending read.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	c, err := smtp.NewClient(conn, s.host)
	if err != nil {
		return fmt.Errorf("smtp greeting from %s: %w", s.addr, err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(s.tlsConfig); err != nil {
			return fmt.Errorf("smtp starttls: %w", err)
		}
	}
	if s.auth != nil {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(s.auth); err != nil {
				return fmt.Errorf("smtp auth: %w", err)
			}
		}
	}

	if err := c.Mail(reversePath); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	for _, rcpt := range recipients {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp RCPT TO %s: %w", rcpt, err)
		}
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		_ = w.Close()
		return fmt.Errorf("smtp write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp end of data: %w", err)
	}

	return c.Quit()
}
