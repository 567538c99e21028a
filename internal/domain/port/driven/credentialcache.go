package driven

import (
	"context"
	"time"

	"github.com/ericfisherdev/enrollwatch/internal/domain/model"
)

// CredentialCache defines the driven port for the persisted provider bearer
// token. At most one credential is stored at a time. Implementations must be
// safe for concurrent use and wrap storage faults in *CacheError.
type CredentialCache interface {
	// Get returns the stored credential if it is still usable (see
	// model.Credential.UsableAt). A stale credential is deleted and
	// (nil, nil) is returned.
	Get(ctx context.Context) (*model.Credential, error)

	// Put stores token with an expiry of now+ttl, replacing any existing credential.
	Put(ctx context.Context, token string, ttl time.Duration) error

	// Invalidate deletes the stored credential if its token equals token.
	Invalidate(ctx context.Context, token string) error
}
