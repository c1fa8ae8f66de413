package auth

import (
	"context"
	"database/sql"
	"errors"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/roamly/accountd/pkg/domain"
	"github.com/roamly/accountd/pkg/repository"
)

const minPasswordLength = 8

var (
	ErrInvalidEmail = errors.New("invalid email address")
	ErrWeakPassword = errors.New("password does not meet requirements")
)

// AccountService handles account registration and password login. A new
// account's password identity is its first, automatically primary, identity.
type AccountService struct {
	db         *sql.DB
	accounts   *repository.AccountsRepository
	creds      *repository.CredentialsRepository
	identities *repository.IdentitiesRepository
}

// NewAccountService creates a new account service.
func NewAccountService(db *sql.DB, accounts *repository.AccountsRepository, creds *repository.CredentialsRepository, identities *repository.IdentitiesRepository) *AccountService {
	return &AccountService{
		db:         db,
		accounts:   accounts,
		creds:      creds,
		identities: identities,
	}
}

// Register creates a new account with password credentials and its primary
// password identity, in a single transaction.
func (s *AccountService) Register(ctx context.Context, email, password string) (*domain.Account, error) {
	email, err := NormalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if len(password) < minPasswordLength {
		return nil, ErrWeakPassword
	}

	exists, err := s.accounts.ExistsByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, domain.ErrAccountAlreadyExists
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	account := &domain.Account{
		ID:        uuid.New(),
		Email:     email,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	cred := &domain.AccountPassword{
		AccountID:         account.ID,
		PasswordHash:      hash,
		PasswordUpdatedAt: now,
	}

	identity := &domain.Identity{
		ID:         uuid.New(),
		AccountID:  account.ID,
		Provider:   domain.ProviderPassword,
		ExternalID: email,
		Email:      &email,
		IsPrimary:  true,
		LinkedAt:   now,
	}

	err = repository.Tx(ctx, s.db, func(tx *sql.Tx) error {
		if err := s.accounts.CreateTx(ctx, tx, account); err != nil {
			return err
		}
		if err := s.creds.CreateTx(ctx, tx, cred); err != nil {
			return err
		}
		return s.identities.CreateTx(ctx, tx, identity)
	})
	if err != nil {
		return nil, err
	}

	return account, nil
}

// Login verifies email and password and returns the account ID on success.
func (s *AccountService) Login(ctx context.Context, email, password string) (uuid.UUID, error) {
	email, err := NormalizeEmail(email)
	if err != nil {
		return uuid.Nil, domain.ErrUnauthenticated
	}

	account, err := s.accounts.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) {
			return uuid.Nil, domain.ErrUnauthenticated
		}
		return uuid.Nil, err
	}
	if !account.Active {
		return uuid.Nil, domain.ErrAccountDisabled
	}

	cred, err := s.creds.GetByAccountID(ctx, account.ID)
	if err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) {
			return uuid.Nil, domain.ErrUnauthenticated
		}
		return uuid.Nil, err
	}

	if !VerifyPassword(password, cred.PasswordHash) {
		return uuid.Nil, domain.ErrUnauthenticated
	}

	return account.ID, nil
}

// NormalizeEmail validates an email address and lowercases it.
func NormalizeEmail(email string) (string, error) {
	email = strings.TrimSpace(email)
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", ErrInvalidEmail
	}
	return strings.ToLower(email), nil
}
