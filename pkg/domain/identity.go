package domain

import (
	"time"

	"github.com/google/uuid"
)

// Identity is one external authentication binding. Many identities belong to
// exactly one account; a (provider, external_id) pair is globally unique
// across all accounts. Exactly one identity per active account is primary.
type Identity struct {
	ID         uuid.UUID
	AccountID  uuid.UUID
	Provider   string
	ExternalID string
	Email      *string
	IsPrimary  bool
	LinkedAt   time.Time
}

// Identity provider constants
const (
	ProviderApple    = "apple"
	ProviderGoogle   = "google"
	ProviderPassword = "password"
)

// KnownProvider reports whether p is a supported identity provider.
func KnownProvider(p string) bool {
	switch p {
	case ProviderApple, ProviderGoogle, ProviderPassword:
		return true
	}
	return false
}

// Credential is an unverified proof of control over an identity. For OAuth
// providers Assertion carries the provider's ID token; for the password
// provider Email and Password are used instead.
type Credential struct {
	Provider  string
	Assertion string
	Email     string
	Password  string
}
