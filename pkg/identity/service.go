// Package identity implements the identity store operations: binding,
// listing, unlinking, and primary reassignment of a user's external
// identities, holding the single-primary and last-identity invariants.
package identity

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/roamly/accountd/pkg/auth"
	"github.com/roamly/accountd/pkg/domain"
	"github.com/roamly/accountd/pkg/repository"
)

// CredentialVerifier validates an external credential and returns the
// verified subject it proves control of.
type CredentialVerifier interface {
	Verify(ctx context.Context, cred domain.Credential) (*auth.VerifiedSubject, error)
}

// Service is the identity store. Mutations on a given account are
// serialized through a striped lock so the single-primary invariant is
// never briefly violated by concurrent binds or unlinks.
type Service struct {
	accounts   repository.Accounts
	identities repository.Identities
	verifier   CredentialVerifier
	locks      accountLocks
}

// NewService creates a new identity service.
func NewService(accounts repository.Accounts, identities repository.Identities, verifier CredentialVerifier) *Service {
	return &Service{
		accounts:   accounts,
		identities: identities,
		verifier:   verifier,
	}
}

// Bind verifies the credential with its provider and links the resulting
// identity to the account. Rebinding an identity the account already owns is
// a no-op returning the existing identity. Binding an identity owned by
// another account fails with domain.ErrIdentityConflict.
func (s *Service) Bind(ctx context.Context, accountID uuid.UUID, cred domain.Credential) (*domain.Identity, error) {
	if !domain.KnownProvider(cred.Provider) {
		return nil, domain.ErrUnknownProvider
	}

	subject, err := s.verifier.Verify(ctx, cred)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.lock(accountID)
	defer unlock()

	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !account.Active {
		return nil, domain.ErrAccountDisabled
	}

	existing, err := s.identities.GetByProviderExternalID(ctx, subject.Provider, subject.Subject)
	if err == nil {
		if existing.AccountID == accountID {
			return existing, nil
		}
		return nil, domain.ErrIdentityConflict
	}
	if !errors.Is(err, domain.ErrIdentityNotFound) {
		return nil, err
	}

	current, err := s.identities.ListByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	identity := &domain.Identity{
		ID:         uuid.New(),
		AccountID:  accountID,
		Provider:   subject.Provider,
		ExternalID: subject.Subject,
		Email:      subject.Email,
		IsPrimary:  len(current) == 0,
		LinkedAt:   time.Now(),
	}
	if err := s.identities.Create(ctx, identity); err != nil {
		return nil, err
	}
	return identity, nil
}

// List returns the account's identities in link order and the ID of the
// primary identity.
func (s *Service) List(ctx context.Context, accountID uuid.UUID) ([]domain.Identity, uuid.UUID, error) {
	identities, err := s.identities.ListByAccount(ctx, accountID)
	if err != nil {
		return nil, uuid.Nil, err
	}

	var primaryID uuid.UUID
	for _, identity := range identities {
		if identity.IsPrimary {
			primaryID = identity.ID
			break
		}
	}
	return identities, primaryID, nil
}

// Unlink removes an identity from the account. It fails with
// domain.ErrLastIdentity for the account's only identity and with
// domain.ErrCannotUnlinkPrimary for the primary identity; in both cases the
// store is left unchanged.
func (s *Service) Unlink(ctx context.Context, accountID, identityID uuid.UUID) error {
	unlock := s.locks.lock(accountID)
	defer unlock()

	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return err
	}
	if !account.Active {
		return domain.ErrAccountDisabled
	}

	identity, err := s.identities.GetByID(ctx, identityID)
	if err != nil {
		return err
	}
	if identity.AccountID != accountID {
		return domain.ErrIdentityNotFound
	}

	current, err := s.identities.ListByAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if len(current) <= 1 {
		return domain.ErrLastIdentity
	}
	if identity.IsPrimary {
		return domain.ErrCannotUnlinkPrimary
	}

	return s.identities.Delete(ctx, identityID)
}

// SetPrimary designates the identity as the account's primary, atomically
// clearing the previous primary.
func (s *Service) SetPrimary(ctx context.Context, accountID, identityID uuid.UUID) error {
	unlock := s.locks.lock(accountID)
	defer unlock()

	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return err
	}
	if !account.Active {
		return domain.ErrAccountDisabled
	}

	identity, err := s.identities.GetByID(ctx, identityID)
	if err != nil {
		return err
	}
	if identity.AccountID != accountID {
		return domain.ErrIdentityNotFound
	}

	return s.identities.SetPrimary(ctx, accountID, identityID)
}
