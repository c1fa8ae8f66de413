package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/roamly/accountd/pkg/domain"
)

// CredentialsRepository handles password credential persistence.
type CredentialsRepository struct {
	db *sql.DB
}

// NewCredentialsRepository creates a new credentials repository.
func NewCredentialsRepository(db *sql.DB) *CredentialsRepository {
	return &CredentialsRepository{db: db}
}

// Create creates password credentials for an account.
func (r *CredentialsRepository) Create(ctx context.Context, cred *domain.AccountPassword) error {
	query := `
		INSERT INTO account_passwords (account_id, password_hash, password_updated_at)
		VALUES ($1, $2, $3)
	`
	_, err := r.db.ExecContext(ctx, query, cred.AccountID, cred.PasswordHash, cred.PasswordUpdatedAt)
	return err
}

// CreateTx creates password credentials within a transaction.
func (r *CredentialsRepository) CreateTx(ctx context.Context, tx *sql.Tx, cred *domain.AccountPassword) error {
	query := `
		INSERT INTO account_passwords (account_id, password_hash, password_updated_at)
		VALUES ($1, $2, $3)
	`
	_, err := tx.ExecContext(ctx, query, cred.AccountID, cred.PasswordHash, cred.PasswordUpdatedAt)
	return err
}

// GetByAccountID retrieves password credentials for an account.
func (r *CredentialsRepository) GetByAccountID(ctx context.Context, accountID uuid.UUID) (*domain.AccountPassword, error) {
	query := `
		SELECT account_id, password_hash, password_updated_at
		FROM account_passwords
		WHERE account_id = $1
	`
	cred := &domain.AccountPassword{}
	err := r.db.QueryRowContext(ctx, query, accountID).Scan(
		&cred.AccountID, &cred.PasswordHash, &cred.PasswordUpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return cred, nil
}
