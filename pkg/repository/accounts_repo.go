package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/roamly/accountd/pkg/domain"
)

// AccountsRepository handles account persistence.
type AccountsRepository struct {
	db *sql.DB
}

// NewAccountsRepository creates a new accounts repository.
func NewAccountsRepository(db *sql.DB) *AccountsRepository {
	return &AccountsRepository{db: db}
}

// Create creates a new account.
func (r *AccountsRepository) Create(ctx context.Context, account *domain.Account) error {
	query := `
		INSERT INTO accounts (id, email, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := r.db.ExecContext(ctx, query,
		account.ID, account.Email, account.Active, account.CreatedAt, account.UpdatedAt,
	)
	if isUniqueViolation(err, "") {
		return domain.ErrAccountAlreadyExists
	}
	return err
}

// CreateTx creates a new account within a transaction.
func (r *AccountsRepository) CreateTx(ctx context.Context, tx *sql.Tx, account *domain.Account) error {
	query := `
		INSERT INTO accounts (id, email, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := tx.ExecContext(ctx, query,
		account.ID, account.Email, account.Active, account.CreatedAt, account.UpdatedAt,
	)
	if isUniqueViolation(err, "") {
		return domain.ErrAccountAlreadyExists
	}
	return err
}

// GetByID retrieves an account by ID.
func (r *AccountsRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	query := `
		SELECT id, email, active, created_at, updated_at, disabled_at
		FROM accounts
		WHERE id = $1
	`
	account := &domain.Account{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&account.ID, &account.Email, &account.Active,
		&account.CreatedAt, &account.UpdatedAt, &account.DisabledAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return account, nil
}

// GetByEmail retrieves an account by email.
func (r *AccountsRepository) GetByEmail(ctx context.Context, email string) (*domain.Account, error) {
	query := `
		SELECT id, email, active, created_at, updated_at, disabled_at
		FROM accounts
		WHERE email = $1
	`
	account := &domain.Account{}
	err := r.db.QueryRowContext(ctx, query, email).Scan(
		&account.ID, &account.Email, &account.Active,
		&account.CreatedAt, &account.UpdatedAt, &account.DisabledAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return account, nil
}

// ExistsByEmail checks if an account exists by email.
func (r *AccountsRepository) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM accounts WHERE email = $1)`
	var exists bool
	err := r.db.QueryRowContext(ctx, query, email).Scan(&exists)
	return exists, err
}

// LockActiveTx locks the account row for the remainder of the transaction
// and reports whether it is active.
func (r *AccountsRepository) LockActiveTx(ctx context.Context, tx *sql.Tx, id uuid.UUID) (bool, error) {
	query := `SELECT active FROM accounts WHERE id = $1 FOR UPDATE`
	var active bool
	err := tx.QueryRowContext(ctx, query, id).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return false, domain.ErrAccountNotFound
	}
	return active, err
}

// DisableTx marks an account disabled within a transaction. Disabling is
// terminal: a disabled account can no longer authenticate or be merged.
func (r *AccountsRepository) DisableTx(ctx context.Context, tx *sql.Tx, id uuid.UUID) error {
	query := `
		UPDATE accounts
		SET active = FALSE, disabled_at = COALESCE(disabled_at, NOW()), updated_at = NOW()
		WHERE id = $1
	`
	result, err := tx.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}
