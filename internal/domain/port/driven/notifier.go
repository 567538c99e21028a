package driven

import (
	"context"

	"github.com/ericfisherdev/enrollwatch/internal/domain/model"
)

// Notifier defines the driven port for terminal notifications. Errors are
// informational; the scheduler logs them and never retries an attempt because
// a notification failed.
type Notifier interface {
	// NotifyUser tells the student their course access is ready.
	NotifyUser(ctx context.Context, n model.UserNotification) error

	// NotifyAdmin escalates an enrollment that stayed pending for the whole
	// attempt budget. logContents is attached when non-empty.
	NotifyAdmin(ctx context.Context, enrollmentID int64, logContents []byte) error
}
