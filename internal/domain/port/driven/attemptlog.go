package driven

import (
	"io"
	"time"
)

// AttemptLogDateLayout is the timestamp format written inside attempt logs.
const AttemptLogDateLayout = "2006-01-02T15:04:05"

// AttemptLog defines the driven port for the per-enrollment, append-only
// attempt log that is attached to escalation emails.
type AttemptLog interface {
	// Reset truncates the enrollment's log and writes the request header.
	Reset(enrollmentID int64, requestedAt time.Time) error

	// Open returns an appending writer for the enrollment's log. The caller
	// must close it.
	Open(enrollmentID int64) (io.WriteCloser, error)

	// Contents returns the full log for the enrollment.
	Contents(enrollmentID int64) ([]byte, error)
}
