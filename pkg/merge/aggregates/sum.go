package aggregates

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// SumAggregate merges numeric balances by summation: the source's value is
// added to the target's and the source is zeroed in the same transaction.
// The returned count is the amount transferred, so replaying after a crash
// transfers (and reports) zero.
type SumAggregate struct {
	db          *sql.DB
	name        string
	table       string
	valueColumn string
}

// NewExperience merges the account's experience points.
func NewExperience(db *sql.DB) *SumAggregate {
	return &SumAggregate{db: db, name: "experience", table: "experience_balances", valueColumn: "points"}
}

// NewBalance merges the account's in-app balance.
func NewBalance(db *sql.DB) *SumAggregate {
	return &SumAggregate{db: db, name: "balance", table: "account_balances", valueColumn: "amount"}
}

// Name implements merge.Aggregate.
func (a *SumAggregate) Name() string { return a.name }

// CountOwnedBy returns the account's current value.
func (a *SumAggregate) CountOwnedBy(ctx context.Context, accountID uuid.UUID) (int, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE account_id = $1`, a.valueColumn, a.table)
	var value int
	err := a.db.QueryRowContext(ctx, query, accountID).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return value, err
}

// MergeInto adds the source's value to the target and zeroes the source.
func (a *SumAggregate) MergeInto(ctx context.Context, target, source uuid.UUID) (int, error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	// Lock the source row so concurrent credits are not lost.
	sel := fmt.Sprintf(`SELECT %s FROM %s WHERE account_id = $1 FOR UPDATE`, a.valueColumn, a.table)
	var value int
	err = tx.QueryRowContext(ctx, sel, source).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, tx.Commit()
	}
	if err != nil {
		return 0, err
	}
	if value == 0 {
		return 0, tx.Commit()
	}

	credit := fmt.Sprintf(`
		INSERT INTO %[1]s (account_id, %[2]s)
		VALUES ($1, $2)
		ON CONFLICT (account_id) DO UPDATE SET %[2]s = %[1]s.%[2]s + EXCLUDED.%[2]s
	`, a.table, a.valueColumn)
	if _, err := tx.ExecContext(ctx, credit, target, value); err != nil {
		return 0, err
	}

	zero := fmt.Sprintf(`UPDATE %s SET %s = 0 WHERE account_id = $1`, a.table, a.valueColumn)
	if _, err := tx.ExecContext(ctx, zero, source); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return value, nil
}
