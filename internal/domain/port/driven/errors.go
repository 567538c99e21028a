package driven

import (
	"errors"
	"fmt"
)

// ErrDuplicateAttempt is returned by AttemptQueue.Enqueue when the enrollment
// already has an attempt that is scheduled or running.
var ErrDuplicateAttempt = errors.New("enrollment already has an active attempt")

// TokenError reports a failed client-credentials grant. It is always retryable.
type TokenError struct {
	StatusCode int // 0 when the request never produced a response.
	Message    string
	Err        error
}

func (e *TokenError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("acquire token: [%d] %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("acquire token: %s", e.Message)
}

func (e *TokenError) Unwrap() error { return e.Err }

// StatusKind classifies a failed enrollment status lookup.
type StatusKind int

const (
	// StatusTransient covers transport errors, timeouts, unexpected status
	// codes and malformed bodies. Retryable.
	StatusTransient StatusKind = iota
	// StatusNotFound means the enrollment does not exist. Terminal.
	StatusNotFound
	// StatusUnauthorized means the bearer token was rejected. The cached
	// credential must be invalidated before retrying.
	StatusUnauthorized
)

// String returns a lowercase name for the kind.
func (k StatusKind) String() string {
	switch k {
	case StatusNotFound:
		return "not_found"
	case StatusUnauthorized:
		return "unauthorized"
	default:
		return "transient"
	}
}

// StatusError reports a failed enrollment status lookup.
type StatusError struct {
	Kind       StatusKind
	StatusCode int
	Message    string
	Err        error
}

func (e *StatusError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch status (%s): [%d] %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("fetch status (%s): %s", e.Kind, e.Message)
}

func (e *StatusError) Unwrap() error { return e.Err }

// IsStatusKind reports whether err is a StatusError of the given kind.
func IsStatusKind(err error, kind StatusKind) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Kind == kind
}

// CacheError wraps a storage fault in the credential cache. Callers recover
// from it by treating the cache as empty.
type CacheError struct {
	Op  string
	Err error
}

func (e *CacheError) Error() string { return fmt.Sprintf("credential cache %s: %v", e.Op, e.Err) }

func (e *CacheError) Unwrap() error { return e.Err }

// SchedulingError reports that the work queue refused a new attempt.
type SchedulingError struct {
	EnrollmentID int64
	Err          error
}

func (e *SchedulingError) Error() string {
	return fmt.Sprintf("schedule enrollment %d: %v", e.EnrollmentID, e.Err)
}

func (e *SchedulingError) Unwrap() error { return e.Err }
