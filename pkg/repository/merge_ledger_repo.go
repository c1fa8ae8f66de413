package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/roamly/accountd/pkg/domain"
)

// MergeLedgerRepository is the Postgres-backed merge ledger. The unique
// constraint on fingerprint is the serialization point: two requests for the
// same (target, source) pair racing to insert the pending record resolve
// with exactly one winner.
type MergeLedgerRepository struct {
	db         *sql.DB
	accounts   *AccountsRepository
	identities *IdentitiesRepository
}

// NewMergeLedgerRepository creates a new merge ledger repository.
func NewMergeLedgerRepository(db *sql.DB, accounts *AccountsRepository, identities *IdentitiesRepository) *MergeLedgerRepository {
	return &MergeLedgerRepository{db: db, accounts: accounts, identities: identities}
}

// InsertPending creates a new pending record, returning
// domain.ErrMergeInProgress if the fingerprint is already taken.
func (r *MergeLedgerRepository) InsertPending(ctx context.Context, record *domain.MergeRecord) error {
	summary, err := json.Marshal(record.Summary.Clone())
	if err != nil {
		return err
	}
	query := `
		INSERT INTO merge_records (id, fingerprint, target_id, source_id, status, summary, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = r.db.ExecContext(ctx, query,
		record.ID, record.Fingerprint, record.TargetID, record.SourceID,
		record.Status, summary, record.CreatedAt,
	)
	if isUniqueViolation(err, "merge_records_fingerprint_key") {
		return domain.ErrMergeInProgress
	}
	return err
}

// GetByFingerprint retrieves a record by fingerprint.
func (r *MergeLedgerRepository) GetByFingerprint(ctx context.Context, fingerprint string) (*domain.MergeRecord, error) {
	query := `
		SELECT id, fingerprint, target_id, source_id, status, summary, created_at, completed_at
		FROM merge_records
		WHERE fingerprint = $1
	`
	return r.scanRecord(r.db.QueryRowContext(ctx, query, fingerprint))
}

// TakeOverPending claims a stale pending record for a superseding retry by
// refreshing its created_at. The conditional update makes concurrent
// takeover attempts resolve with one winner.
func (r *MergeLedgerRepository) TakeOverPending(ctx context.Context, fingerprint string, staleAfter time.Duration) (*domain.MergeRecord, error) {
	query := `
		UPDATE merge_records
		SET created_at = NOW()
		WHERE fingerprint = $1 AND status = $2 AND created_at < NOW() - $3 * INTERVAL '1 second'
		RETURNING id, fingerprint, target_id, source_id, status, summary, created_at, completed_at
	`
	record, err := r.scanRecord(r.db.QueryRowContext(ctx, query, fingerprint, domain.MergePending, staleAfter.Seconds()))
	if errors.Is(err, domain.ErrMergeRecordNotFound) {
		return nil, domain.ErrMergeInProgress
	}
	return record, err
}

// ReleasePending backdates a pending record's claim so the next identical
// request may take it over without waiting out the staleness window.
func (r *MergeLedgerRepository) ReleasePending(ctx context.Context, fingerprint string, staleAfter time.Duration) error {
	query := `
		UPDATE merge_records
		SET created_at = NOW() - $3 * INTERVAL '1 second'
		WHERE fingerprint = $1 AND status = $2
	`
	result, err := r.db.ExecContext(ctx, query, fingerprint, domain.MergePending, staleAfter.Seconds())
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrMergeRecordNotFound
	}
	return nil
}

// UpdateSummary persists per-aggregate progress on a pending record.
func (r *MergeLedgerRepository) UpdateSummary(ctx context.Context, fingerprint string, summary domain.MergeSummary) error {
	data, err := json.Marshal(summary.Clone())
	if err != nil {
		return err
	}
	query := `UPDATE merge_records SET summary = $2 WHERE fingerprint = $1 AND status = $3`
	result, err := r.db.ExecContext(ctx, query, fingerprint, data, domain.MergePending)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrMergeRecordNotFound
	}
	return nil
}

// Finalize reassigns the source's identities to the target, disables the
// source account, and commits the record, all in one transaction.
func (r *MergeLedgerRepository) Finalize(ctx context.Context, fingerprint string, target, source uuid.UUID, summary domain.MergeSummary) (*domain.MergeRecord, error) {
	data, err := json.Marshal(summary.Clone())
	if err != nil {
		return nil, err
	}

	var record *domain.MergeRecord
	err = Tx(ctx, r.db, func(tx *sql.Tx) error {
		// The fingerprint only serializes retries of one (target, source)
		// pair. Locking the source row serializes merges of the same source
		// into different targets: the loser observes it already disabled.
		active, err := r.accounts.LockActiveTx(ctx, tx, source)
		if err != nil {
			return fmt.Errorf("lock source account: %w", err)
		}
		if !active {
			return domain.ErrSourceAlreadyDisabled
		}

		if _, err := r.identities.ReassignAccountTx(ctx, tx, source, target); err != nil {
			return fmt.Errorf("reassign identities: %w", err)
		}
		if err := r.accounts.DisableTx(ctx, tx, source); err != nil {
			return fmt.Errorf("disable source account: %w", err)
		}

		query := `
			UPDATE merge_records
			SET status = $2, summary = $3, completed_at = NOW()
			WHERE fingerprint = $1 AND status = $4
			RETURNING id, fingerprint, target_id, source_id, status, summary, created_at, completed_at
		`
		rec, err := r.scanRecord(tx.QueryRowContext(ctx, query,
			fingerprint, domain.MergeCommitted, data, domain.MergePending))
		if err != nil {
			return fmt.Errorf("commit merge record: %w", err)
		}
		record = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// MarkFailed transitions a pending record to the terminal failed state.
func (r *MergeLedgerRepository) MarkFailed(ctx context.Context, fingerprint string) error {
	query := `
		UPDATE merge_records
		SET status = $2, completed_at = NOW()
		WHERE fingerprint = $1 AND status = $3
	`
	_, err := r.db.ExecContext(ctx, query, fingerprint, domain.MergeFailed, domain.MergePending)
	return err
}

// ListByAccount returns records where the account appears as target or
// source, most recent first.
func (r *MergeLedgerRepository) ListByAccount(ctx context.Context, accountID uuid.UUID) ([]domain.MergeRecord, error) {
	query := `
		SELECT id, fingerprint, target_id, source_id, status, summary, created_at, completed_at
		FROM merge_records
		WHERE target_id = $1 OR source_id = $1
		ORDER BY created_at DESC, id
	`
	rows, err := r.db.QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.MergeRecord
	for rows.Next() {
		var (
			record  domain.MergeRecord
			summary []byte
		)
		if err := rows.Scan(
			&record.ID, &record.Fingerprint, &record.TargetID, &record.SourceID,
			&record.Status, &summary, &record.CreatedAt, &record.CompletedAt,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(summary, &record.Summary); err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// HasCommittedSource reports whether the account was ever the source of a
// committed merge.
func (r *MergeLedgerRepository) HasCommittedSource(ctx context.Context, accountID uuid.UUID) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM merge_records WHERE source_id = $1 AND status = $2)`
	var exists bool
	err := r.db.QueryRowContext(ctx, query, accountID, domain.MergeCommitted).Scan(&exists)
	return exists, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *MergeLedgerRepository) scanRecord(row rowScanner) (*domain.MergeRecord, error) {
	var (
		record  domain.MergeRecord
		summary []byte
	)
	err := row.Scan(
		&record.ID, &record.Fingerprint, &record.TargetID, &record.SourceID,
		&record.Status, &summary, &record.CreatedAt, &record.CompletedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrMergeRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(summary, &record.Summary); err != nil {
		return nil, err
	}
	return &record, nil
}
