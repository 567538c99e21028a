package model

import "time"

// ExpiryMargin is subtracted from a credential's expiry when deciding whether
// it is still usable. A token this close to expiring is treated as expired.
const ExpiryMargin = 5 * time.Minute

// Credential is the provider bearer token held by the credential cache.
type Credential struct {
	Token     string
	ExpiresAt time.Time
}

// UsableAt reports whether the credential can still be presented at now,
// accounting for ExpiryMargin.
func (c Credential) UsableAt(now time.Time) bool {
	return c.Token != "" && now.Before(c.ExpiresAt.Add(-ExpiryMargin))
}
