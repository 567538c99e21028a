package model

import "time"

// AttemptStatus is the queue-level lifecycle of a PollingAttempt row.
type AttemptStatus string

const (
	AttemptStatusScheduled AttemptStatus = "scheduled"
	AttemptStatusRunning   AttemptStatus = "running"
	AttemptStatusDone      AttemptStatus = "done"
)

// AttemptOutcome is the result of executing one polling attempt.
type AttemptOutcome string

const (
	OutcomeSucceeded AttemptOutcome = "succeeded" // Enrollment ready, user notified.
	OutcomeRetrying  AttemptOutcome = "retrying"  // Next attempt scheduled.
	OutcomeEscalated AttemptOutcome = "escalated" // Attempt budget exhausted, admin notified.
	OutcomeAbandoned AttemptOutcome = "abandoned" // Enrollment does not exist at the provider.
)

// Terminal reports whether the outcome ends the attempt chain.
func (o AttemptOutcome) Terminal() bool {
	return o != OutcomeRetrying
}

// PollingAttempt is one scheduled check of an enrollment's status.
// CourseID is nil when the trigger did not supply a course.
type PollingAttempt struct {
	ID            int64
	EnrollmentID  int64
	CourseID      *int64
	AttemptNumber int
	ScheduledAt   time.Time
	Status        AttemptStatus
	Outcome       AttemptOutcome // Empty until the attempt completes.
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Next returns the attempt that follows a, scheduled at the given time.
func (a PollingAttempt) Next(at time.Time) PollingAttempt {
	return PollingAttempt{
		EnrollmentID:  a.EnrollmentID,
		CourseID:      a.CourseID,
		AttemptNumber: a.AttemptNumber + 1,
		ScheduledAt:   at,
		Status:        AttemptStatusScheduled,
	}
}
