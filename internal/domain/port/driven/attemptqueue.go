package driven

import (
	"context"
	"time"

	"github.com/ericfisherdev/enrollwatch/internal/domain/model"
)

// AttemptQueue defines the driven port for the durable, time-ordered work
// queue holding polling attempts.
type AttemptQueue interface {
	// Enqueue persists a scheduled attempt and returns its ID. Returns
	// ErrDuplicateAttempt when the enrollment already has an unfinished attempt.
	Enqueue(ctx context.Context, attempt model.PollingAttempt) (int64, error)

	// ClaimDue marks up to limit scheduled attempts due at or before now as
	// running and returns them, oldest first.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]model.PollingAttempt, error)

	// Complete marks the attempt done with the given outcome. When next is
	// non-nil it is enqueued in the same transaction.
	Complete(ctx context.Context, id int64, outcome model.AttemptOutcome, lastErr string, next *model.PollingAttempt) error

	// RequeueStale returns attempts left running since before cutoff to the
	// scheduled state and reports how many were recovered.
	RequeueStale(ctx context.Context, cutoff time.Time) (int, error)

	// Pending returns the number of scheduled attempts.
	Pending(ctx context.Context) (int, error)

	// History returns every attempt recorded for an enrollment in creation
	// order. Attempt numbers restart at 0 when a finished enrollment is
	// scheduled again.
	History(ctx context.Context, enrollmentID int64) ([]model.PollingAttempt, error)
}
