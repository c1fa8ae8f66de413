package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/roamly/accountd/pkg/domain"
)

// IdentitiesRepository handles identity persistence. The identities table
// carries a unique constraint on (provider, external_id) and a partial
// unique index on account_id where is_primary, so the single-primary and
// global-uniqueness invariants hold even across concurrent writers.
type IdentitiesRepository struct {
	db *sql.DB
}

// NewIdentitiesRepository creates a new identities repository.
func NewIdentitiesRepository(db *sql.DB) *IdentitiesRepository {
	return &IdentitiesRepository{db: db}
}

// Create creates a new identity.
func (r *IdentitiesRepository) Create(ctx context.Context, identity *domain.Identity) error {
	query := `
		INSERT INTO identities (id, account_id, provider, external_id, email, is_primary, linked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.ExecContext(ctx, query,
		identity.ID, identity.AccountID, identity.Provider, identity.ExternalID,
		identity.Email, identity.IsPrimary, identity.LinkedAt,
	)
	if isUniqueViolation(err, "identities_provider_external_id_key") {
		return domain.ErrIdentityConflict
	}
	return err
}

// CreateTx creates a new identity within a transaction.
func (r *IdentitiesRepository) CreateTx(ctx context.Context, tx *sql.Tx, identity *domain.Identity) error {
	query := `
		INSERT INTO identities (id, account_id, provider, external_id, email, is_primary, linked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := tx.ExecContext(ctx, query,
		identity.ID, identity.AccountID, identity.Provider, identity.ExternalID,
		identity.Email, identity.IsPrimary, identity.LinkedAt,
	)
	if isUniqueViolation(err, "identities_provider_external_id_key") {
		return domain.ErrIdentityConflict
	}
	return err
}

// GetByID retrieves an identity by ID.
func (r *IdentitiesRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Identity, error) {
	query := `
		SELECT id, account_id, provider, external_id, email, is_primary, linked_at
		FROM identities
		WHERE id = $1
	`
	identity := &domain.Identity{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&identity.ID, &identity.AccountID, &identity.Provider, &identity.ExternalID,
		&identity.Email, &identity.IsPrimary, &identity.LinkedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrIdentityNotFound
	}
	if err != nil {
		return nil, err
	}
	return identity, nil
}

// GetByProviderExternalID retrieves an identity by its (provider, external_id) pair.
func (r *IdentitiesRepository) GetByProviderExternalID(ctx context.Context, provider, externalID string) (*domain.Identity, error) {
	query := `
		SELECT id, account_id, provider, external_id, email, is_primary, linked_at
		FROM identities
		WHERE provider = $1 AND external_id = $2
	`
	identity := &domain.Identity{}
	err := r.db.QueryRowContext(ctx, query, provider, externalID).Scan(
		&identity.ID, &identity.AccountID, &identity.Provider, &identity.ExternalID,
		&identity.Email, &identity.IsPrimary, &identity.LinkedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrIdentityNotFound
	}
	if err != nil {
		return nil, err
	}
	return identity, nil
}

// ListByAccount returns the account's identities ordered by link time.
func (r *IdentitiesRepository) ListByAccount(ctx context.Context, accountID uuid.UUID) ([]domain.Identity, error) {
	query := `
		SELECT id, account_id, provider, external_id, email, is_primary, linked_at
		FROM identities
		WHERE account_id = $1
		ORDER BY linked_at, id
	`
	rows, err := r.db.QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var identities []domain.Identity
	for rows.Next() {
		var identity domain.Identity
		if err := rows.Scan(
			&identity.ID, &identity.AccountID, &identity.Provider, &identity.ExternalID,
			&identity.Email, &identity.IsPrimary, &identity.LinkedAt,
		); err != nil {
			return nil, err
		}
		identities = append(identities, identity)
	}
	return identities, rows.Err()
}

// Delete deletes an identity.
func (r *IdentitiesRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM identities WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrIdentityNotFound
	}
	return nil
}

// SetPrimary atomically flips the primary flag so that exactly one identity
// of the account is primary.
func (r *IdentitiesRepository) SetPrimary(ctx context.Context, accountID, identityID uuid.UUID) error {
	return Tx(ctx, r.db, func(tx *sql.Tx) error {
		clear := `UPDATE identities SET is_primary = FALSE WHERE account_id = $1 AND is_primary`
		if _, err := tx.ExecContext(ctx, clear, accountID); err != nil {
			return err
		}
		set := `UPDATE identities SET is_primary = TRUE WHERE id = $1 AND account_id = $2`
		result, err := tx.ExecContext(ctx, set, identityID, accountID)
		if err != nil {
			return err
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return domain.ErrIdentityNotFound
		}
		return nil
	})
}

// ReassignAccountTx moves all identities of one account to another within a
// transaction, clearing their primary flag. The target's existing primary is
// untouched: an account never gains a second primary from a merge.
func (r *IdentitiesRepository) ReassignAccountTx(ctx context.Context, tx *sql.Tx, from, to uuid.UUID) (int, error) {
	query := `
		UPDATE identities
		SET account_id = $2, is_primary = FALSE
		WHERE account_id = $1
	`
	result, err := tx.ExecContext(ctx, query, from, to)
	if err != nil {
		return 0, err
	}
	rows, err := result.RowsAffected()
	return int(rows), err
}
