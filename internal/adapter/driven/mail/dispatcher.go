// Package mail implements the Notifier port with templated emails sent over SMTP.
package mail

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jhillyerd/enmime"

	"github.com/ericfisherdev/enrollwatch/internal/domain/model"
	"github.com/ericfisherdev/enrollwatch/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.Notifier = (*Dispatcher)(nil)

const (
	userSubject        = "Your course is ready!"
	adminSubject       = "Course enrollment failed"
	defaultCourseTitle = "your course"
)

// Config holds the dispatcher's addresses and delivery policy.
type Config struct {
	From       string
	AdminEmail string
	MoodleURL  string
	// CourseImageURL is a fmt format taking the course ID once as %[1]d.
	CourseImageURL string
	// SendTimeout bounds each delivery try. Zero leaves the sender's own
	// timeout in charge.
	SendTimeout time.Duration
	// SendAttempts is the number of SMTP delivery attempts per message. Zero means 1.
	SendAttempts   int
	SendRetryDelay time.Duration
}

// contextSender is implemented by senders that can abandon a delivery when
// its context ends, such as *SMTPSender.
type contextSender interface {
	SendContext(ctx context.Context, reversePath string, recipients []string, msg []byte) error
}

// Dispatcher implements driven.Notifier.
type Dispatcher struct {
	sender  enmime.Sender
	cfg     Config
	catalog Catalog
	user    *renderer
	admin   *renderer
	logger  *slog.Logger
}

// NewDispatcher creates a Dispatcher. A nil logger uses slog.Default().
func NewDispatcher(sender enmime.Sender, cfg Config, catalog Catalog, logger *slog.Logger) (*Dispatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SendAttempts <= 0 {
		cfg.SendAttempts = 1
	}

	user, err := newRenderer("user.md.tmpl")
	if err != nil {
		return nil, err
	}
	admin, err := newRenderer("admin.md.tmpl")
	if err != nil {
		return nil, err
	}

	return &Dispatcher{
		sender:  sender,
		cfg:     cfg,
		catalog: catalog,
		user:    user,
		admin:   admin,
		logger:  logger,
	}, nil
}

type userView struct {
	FirstName      string
	LastName       string
	CourseTitle    string
	CourseImageURL string
	MoodleURL      string
	Username       string
	Password       string
}

// NotifyUser sends the student their course access details.
func (d *Dispatcher) NotifyUser(ctx context.Context, n model.UserNotification) error {
	view := userView{
		FirstName:   n.FirstName,
		LastName:    n.LastName,
		CourseTitle: d.catalog.Title(n.CourseID, defaultCourseTitle),
		MoodleURL:   d.cfg.MoodleURL,
		Username:    n.Username,
		Password:    n.Password,
	}
	if n.CourseID != nil && d.cfg.CourseImageURL != "" {
		view.CourseImageURL = fmt.Sprintf(d.cfg.CourseImageURL, *n.CourseID)
	}

	htmlBody, textBody, err := d.user.render(view)
	if err != nil {
		return fmt.Errorf("render user email for enrollment %d: %w", n.EnrollmentID, err)
	}

	name := strings.TrimSpace(n.FirstName + " " + n.LastName)
	msg := enmime.Builder().
		From("", d.cfg.From).
		To(name, n.Email).
		Subject(userSubject).
		Text(textBody).
		HTML(htmlBody)

	if err := d.send(ctx, msg, n.Email); err != nil {
		return fmt.Errorf("send user email for enrollment %d: %w", n.EnrollmentID, err)
	}

	d.logger.Info("user notified", "enrollment_id", n.EnrollmentID, "to", n.Email)
	return nil
}

type adminView struct {
	EnrollmentID int64
	HasLog       bool
	LogName      string
}

// NotifyAdmin sends the escalation email with the attempt log attached.
func (d *Dispatcher) NotifyAdmin(ctx context.Context, enrollmentID int64, logContents []byte) error {
	view := adminView{
		EnrollmentID: enrollmentID,
		HasLog:       len(logContents) > 0,
		LogName:      fmt.Sprintf("%d.log", enrollmentID),
	}

	htmlBody, textBody, err := d.admin.render(view)
	if err != nil {
		return fmt.Errorf("render admin email for enrollment %d: %w", enrollmentID, err)
	}

	msg := enmime.Builder().
		From("", d.cfg.From).
		To("", d.cfg.AdminEmail).
		Subject(adminSubject).
		Text(textBody).
		HTML(htmlBody)
	if view.HasLog {
		msg = msg.AddAttachment(logContents, "application/octet-stream", view.LogName)
	}

	if err := d.send(ctx, msg, d.cfg.AdminEmail); err != nil {
		return fmt.Errorf("send admin email for enrollment %d: %w", enrollmentID, err)
	}

	d.logger.Info("admin notified", "enrollment_id", enrollmentID, "to", d.cfg.AdminEmail, "log_attached", view.HasLog)
	return nil
}

// send encodes the message once and delivers it with a bounded constant backoff.
func (d *Dispatcher) send(ctx context.Context, msg enmime.MailBuilder, recipient string) error {
	root, err := msg.Build()
	if err != nil {
		return fmt.Errorf("build message: %w", err)
	}

	var buf bytes.Buffer
	if err := root.Encode(&buf); err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(d.cfg.SendRetryDelay), uint64(d.cfg.SendAttempts-1)),
		ctx,
	)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := d.deliver(ctx, recipient, buf.Bytes())
		if err != nil {
			d.logger.Warn("smtp delivery failed", "to", recipient, "attempt", attempt, "error", err)
		}
		return err
	}, policy)
}

// deliver makes one delivery try, bounded by SendTimeout when the sender
// honors contexts.
func (d *Dispatcher) deliver(ctx context.Context, recipient string, msg []byte) error {
	cs, ok := d.sender.(contextSender)
	if !ok {
		return d.sender.Send(d.cfg.From, []string{recipient}, msg)
	}

	if d.cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.SendTimeout)
		defer cancel()
	}
	return cs.SendContext(ctx, d.cfg.From, []string{recipient}, msg)
}
