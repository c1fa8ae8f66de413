package auth

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/roamly/accountd/pkg/domain"
	"github.com/roamly/accountd/pkg/repository"
)

// VerifiedSubject is the result of verifying an external credential: the
// provider's stable subject identifier and, when the provider vouches for
// it, the email attached to the credential.
type VerifiedSubject struct {
	Provider string
	Subject  string
	Email    *string
}

// ProviderVerifier validates one provider's credential assertion.
type ProviderVerifier interface {
	Verify(ctx context.Context, assertion string) (*VerifiedSubject, error)
}

// Verifier dispatches credential verification across registered external
// providers and the local password provider.
type Verifier struct {
	providers  map[string]ProviderVerifier
	accounts   repository.Accounts
	creds      repository.Credentials
	identities repository.Identities
}

// NewVerifier creates a verifier with only the password provider available.
// External providers are added with Register.
func NewVerifier(accounts repository.Accounts, creds repository.Credentials, identities repository.Identities) *Verifier {
	return &Verifier{
		providers:  make(map[string]ProviderVerifier),
		accounts:   accounts,
		creds:      creds,
		identities: identities,
	}
}

// Register adds an external provider verifier under the given name.
func (v *Verifier) Register(name string, p ProviderVerifier) {
	v.providers[name] = p
}

// Verify validates a credential and returns the verified subject. It does
// not resolve the subject to an account; see Authenticate.
func (v *Verifier) Verify(ctx context.Context, cred domain.Credential) (*VerifiedSubject, error) {
	if cred.Provider == domain.ProviderPassword {
		return v.verifyPassword(ctx, cred)
	}

	p, ok := v.providers[cred.Provider]
	if !ok {
		return nil, domain.ErrUnknownProvider
	}
	return p.Verify(ctx, cred.Assertion)
}

// Authenticate verifies a credential and resolves it to the account owning
// the matching identity. A valid credential with no linked identity is
// indistinguishable, to the caller, from an invalid one.
func (v *Verifier) Authenticate(ctx context.Context, cred domain.Credential) (uuid.UUID, error) {
	subject, err := v.Verify(ctx, cred)
	if err != nil {
		return uuid.Nil, err
	}

	identity, err := v.identities.GetByProviderExternalID(ctx, subject.Provider, subject.Subject)
	if err != nil {
		if errors.Is(err, domain.ErrIdentityNotFound) {
			return uuid.Nil, domain.ErrUnauthenticated
		}
		return uuid.Nil, err
	}
	return identity.AccountID, nil
}

// verifyPassword checks email/password against the local credential store.
// The password provider's subject is the account email.
func (v *Verifier) verifyPassword(ctx context.Context, cred domain.Credential) (*VerifiedSubject, error) {
	if cred.Email == "" || cred.Password == "" {
		return nil, domain.ErrUnauthenticated
	}

	account, err := v.accounts.GetByEmail(ctx, cred.Email)
	if err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) {
			return nil, domain.ErrUnauthenticated
		}
		return nil, err
	}

	stored, err := v.creds.GetByAccountID(ctx, account.ID)
	if err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) {
			return nil, domain.ErrUnauthenticated
		}
		return nil, err
	}

	if !VerifyPassword(cred.Password, stored.PasswordHash) {
		return nil, domain.ErrUnauthenticated
	}

	email := account.Email
	return &VerifiedSubject{
		Provider: domain.ProviderPassword,
		Subject:  account.Email,
		Email:    &email,
	}, nil
}
