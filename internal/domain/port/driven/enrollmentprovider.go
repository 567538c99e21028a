package driven

import (
	"context"
	"io"
	"time"

	"github.com/ericfisherdev/enrollwatch/internal/domain/model"
)

// EnrollmentProvider defines the driven port for the external enrollment API.
// Every request/response exchange is written verbatim to the transcript so it
// can be attached to an escalation.
type EnrollmentProvider interface {
	// AcquireToken performs the client-credentials grant. Failures are *TokenError.
	AcquireToken(ctx context.Context, transcript io.Writer) (token string, ttl time.Duration, err error)

	// FetchStatus looks up an enrollment with the given bearer token.
	// Failures are *StatusError.
	FetchStatus(ctx context.Context, enrollmentID int64, token string, transcript io.Writer) (*model.EnrollmentStatus, error)
}
