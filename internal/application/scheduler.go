// Package application contains use-case orchestration services.
package application

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/ericfisherdev/enrollwatch/internal/domain/model"
	"github.com/ericfisherdev/enrollwatch/internal/domain/port/driven"
)

// RetryPolicy bounds an enrollment's attempt chain.
type RetryPolicy struct {
	// MaxRetries is the total number of attempts before escalation.
	MaxRetries   int
	InitialDelay time.Duration
	RetryDelay   time.Duration
}

// RetryScheduler accepts new enrollments and executes their polling attempts.
// Every non-ready outcome shares one retry-or-escalate decision, so MaxRetries
// caps the chain regardless of why the enrollment was not ready.
type RetryScheduler struct {
	cache      driven.CredentialCache
	provider   driven.EnrollmentProvider
	queue      driven.AttemptQueue
	notifier   driven.Notifier
	attemptLog driven.AttemptLog
	policy     RetryPolicy
	metrics    *Metrics
	logger     *slog.Logger
	now        func() time.Time
}

// NewRetryScheduler creates a RetryScheduler. A nil logger uses slog.Default()
// and a nil metrics records nothing.
func NewRetryScheduler(
	cache driven.CredentialCache,
	provider driven.EnrollmentProvider,
	queue driven.AttemptQueue,
	notifier driven.Notifier,
	attemptLog driven.AttemptLog,
	policy RetryPolicy,
	metrics *Metrics,
	logger *slog.Logger,
) *RetryScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.MaxRetries < 1 {
		policy.MaxRetries = 1
	}

	return &RetryScheduler{
		cache:      cache,
		provider:   provider,
		queue:      queue,
		notifier:   notifier,
		attemptLog: attemptLog,
		policy:     policy,
		metrics:    metrics,
		logger:     logger,
		now:        time.Now,
	}
}

// SetClock replaces the scheduler's time source.
func (s *RetryScheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Schedule starts a new attempt chain for an enrollment: it enqueues attempt 0
// after the initial delay and then truncates the enrollment's log. A rejected
// enqueue leaves the log of an active chain untouched. Queue failures are
// returned as *driven.SchedulingError.
func (s *RetryScheduler) Schedule(ctx context.Context, enrollmentID int64, courseID *int64) error {
	now := s.now()

	first := model.PollingAttempt{
		EnrollmentID:  enrollmentID,
		CourseID:      courseID,
		AttemptNumber: 0,
		ScheduledAt:   now.Add(s.policy.InitialDelay),
		Status:        model.AttemptStatusScheduled,
	}

	id, err := s.queue.Enqueue(ctx, first)
	if err != nil {
		return &driven.SchedulingError{EnrollmentID: enrollmentID, Err: err}
	}

	// Attempt 0 cannot be claimed before InitialDelay, so the reset always
	// precedes its transcript.
	if err := s.attemptLog.Reset(enrollmentID, now); err != nil {
		s.logger.Warn("reset attempt log", "enrollment_id", enrollmentID, "error", err)
	}

	s.logger.Info("enrollment scheduled",
		"enrollment_id", enrollmentID,
		"attempt_id", id,
		"scheduled_at", first.ScheduledAt,
	)
	return nil
}

// Execute runs one claimed attempt to completion and records its outcome in
// the queue. Provider, cache and notification failures are absorbed into the
// outcome; the returned error only reports a failure to record it.
func (s *RetryScheduler) Execute(ctx context.Context, attempt model.PollingAttempt) error {
	logger := s.logger.With("enrollment_id", attempt.EnrollmentID, "attempt", attempt.AttemptNumber)

	transcript := s.openLog(attempt, logger)
	s.writeHeader(transcript, attempt)

	status, checkErr := s.check(ctx, attempt, transcript, logger)

	var (
		outcome model.AttemptOutcome
		next    *model.PollingAttempt
		lastErr string
	)
	if checkErr != nil {
		lastErr = checkErr.Error()
	}

	switch {
	case checkErr == nil && status.Ready():
		outcome = model.OutcomeSucceeded
	case driven.IsStatusKind(checkErr, driven.StatusNotFound):
		outcome = model.OutcomeAbandoned
	case attempt.AttemptNumber < s.policy.MaxRetries-1:
		outcome = model.OutcomeRetrying
		n := attempt.Next(s.now().Add(s.policy.RetryDelay))
		next = &n
	default:
		outcome = model.OutcomeEscalated
	}

	fmt.Fprintf(transcript, "Outcome: %s\n", outcome)
	if err := transcript.Close(); err != nil {
		logger.Warn("close attempt log", "error", err)
	}

	// The chain is finished from here on; shutdown must not leave it half-recorded.
	ctx = context.WithoutCancel(ctx)

	switch outcome {
	case model.OutcomeSucceeded:
		s.notifyUser(ctx, attempt, status, logger)
	case model.OutcomeEscalated:
		s.escalate(ctx, attempt, logger)
	case model.OutcomeAbandoned:
		logger.Warn("enrollment not found, abandoning", "error", checkErr)
	case model.OutcomeRetrying:
		logger.Info("enrollment not ready, retrying", "next_attempt", next.AttemptNumber, "scheduled_at", next.ScheduledAt, "error", checkErr)
	}

	if err := s.queue.Complete(ctx, attempt.ID, outcome, lastErr, next); err != nil {
		return fmt.Errorf("record outcome %s for enrollment %d attempt %d: %w",
			outcome, attempt.EnrollmentID, attempt.AttemptNumber, err)
	}

	s.metrics.attemptCompleted(outcome)
	return nil
}

// check resolves a credential and fetches the enrollment status. A panic is
// reported as a transient status failure so it still consumes an attempt.
func (s *RetryScheduler) check(ctx context.Context, attempt model.PollingAttempt, transcript io.Writer, logger *slog.Logger) (status *model.EnrollmentStatus, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("attempt panicked", "panic", r, "stack", string(debug.Stack()))
			status = nil
			err = &driven.StatusError{Kind: driven.StatusTransient, Message: fmt.Sprintf("panic: %v", r)}
		}
	}()

	token, err := s.credential(ctx, transcript, logger)
	if err != nil {
		return nil, err
	}

	status, err = s.provider.FetchStatus(ctx, attempt.EnrollmentID, token, transcript)
	if err != nil {
		if driven.IsStatusKind(err, driven.StatusUnauthorized) {
			if ierr := s.cache.Invalidate(ctx, token); ierr != nil {
				logger.Warn("invalidate rejected credential", "error", ierr)
			}
		}
		return nil, err
	}
	if status == nil {
		return nil, &driven.StatusError{Kind: driven.StatusTransient, Message: "empty status"}
	}

	return status, nil
}

// credential returns a cached token or acquires and caches a new one. Cache
// faults are treated as a miss.
func (s *RetryScheduler) credential(ctx context.Context, transcript io.Writer, logger *slog.Logger) (string, error) {
	cred, err := s.cache.Get(ctx)
	if err != nil {
		logger.Warn("credential cache unavailable, requesting a new token", "error", err)
		cred = nil
	}
	if cred != nil {
		s.metrics.tokenResolved("cached")
		return cred.Token, nil
	}

	token, ttl, err := s.provider.AcquireToken(ctx, transcript)
	if err != nil {
		s.metrics.tokenResolved("failed")
		return "", err
	}
	s.metrics.tokenResolved("acquired")

	if err := s.cache.Put(ctx, token, ttl); err != nil {
		logger.Warn("store credential", "error", err)
	}
	return token, nil
}

func (s *RetryScheduler) notifyUser(ctx context.Context, attempt model.PollingAttempt, status *model.EnrollmentStatus, logger *slog.Logger) {
	err := s.notifier.NotifyUser(ctx, model.UserNotification{
		EnrollmentID: attempt.EnrollmentID,
		CourseID:     attempt.CourseID,
		Email:        status.Email,
		Username:     status.Username,
		Password:     status.Password,
		FirstName:    status.FirstName,
		LastName:     status.LastName,
	})
	s.metrics.notificationSent("user", err)
	if err != nil {
		logger.Error("user notification failed", "error", err)
		return
	}
	logger.Info("enrollment ready, user notified")
}

func (s *RetryScheduler) escalate(ctx context.Context, attempt model.PollingAttempt, logger *slog.Logger) {
	contents, err := s.attemptLog.Contents(attempt.EnrollmentID)
	if err != nil {
		logger.Warn("read attempt log for escalation", "error", err)
		contents = nil
	}

	err = s.notifier.NotifyAdmin(ctx, attempt.EnrollmentID, contents)
	s.metrics.notificationSent("admin", err)
	if err != nil {
		logger.Error("admin escalation failed", "error", err)
		return
	}
	logger.Warn("attempt budget exhausted, admin notified")
}

// openLog opens the enrollment's attempt log for appending. The attempt still
// runs when the log is unavailable.
func (s *RetryScheduler) openLog(attempt model.PollingAttempt, logger *slog.Logger) io.WriteCloser {
	w, err := s.attemptLog.Open(attempt.EnrollmentID)
	if err != nil {
		logger.Warn("open attempt log", "error", err)
		return nopWriteCloser{io.Discard}
	}
	return w
}

func (s *RetryScheduler) writeHeader(w io.Writer, attempt model.PollingAttempt) {
	if attempt.AttemptNumber > 0 {
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "Task #%d\n", attempt.AttemptNumber+1)
	fmt.Fprintf(w, "Date: %s\n", s.now().UTC().Format(driven.AttemptLogDateLayout))
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// IsSchedulingError reports whether err came from the work queue refusing a
// new chain.
func IsSchedulingError(err error) bool {
	var se *driven.SchedulingError
	return errors.As(err, &se)
}
