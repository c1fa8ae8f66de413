// Package aggregates provides the Postgres-backed mergeable aggregates:
// set-union domains (collections, itineraries, favorites, achievements) and
// summation domains (experience, balance).
package aggregates

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// SetAggregate merges rows of an item table by set union, de-duplicating on
// the item's natural key. Rows whose key already exists under the target
// stay behind and are deleted; the returned count reflects only newly moved
// items.
//
// Table and key column names are compile-time constants supplied by the
// constructors below, never user input.
type SetAggregate struct {
	db        *sql.DB
	name      string
	table     string
	keyColumn string
}

// NewCollections merges the account's collected places.
func NewCollections(db *sql.DB) *SetAggregate {
	return &SetAggregate{db: db, name: "collections", table: "collection_items", keyColumn: "item_key"}
}

// NewItineraries merges the account's saved itineraries.
func NewItineraries(db *sql.DB) *SetAggregate {
	return &SetAggregate{db: db, name: "itineraries", table: "itinerary_items", keyColumn: "item_key"}
}

// NewFavorites merges the account's favorites.
func NewFavorites(db *sql.DB) *SetAggregate {
	return &SetAggregate{db: db, name: "favorites", table: "favorite_items", keyColumn: "item_key"}
}

// NewAchievements merges the account's unlocked achievements.
func NewAchievements(db *sql.DB) *SetAggregate {
	return &SetAggregate{db: db, name: "achievements", table: "achievement_items", keyColumn: "item_key"}
}

// Name implements merge.Aggregate.
func (a *SetAggregate) Name() string { return a.name }

// CountOwnedBy returns the number of items the account owns.
func (a *SetAggregate) CountOwnedBy(ctx context.Context, accountID uuid.UUID) (int, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE account_id = $1`, a.table)
	var count int
	err := a.db.QueryRowContext(ctx, query, accountID).Scan(&count)
	return count, err
}

// MergeInto moves the source's items to the target, skipping items the
// target already holds by natural key, then drops the source's duplicates.
// Replaying after a crash moves nothing and returns zero.
func (a *SetAggregate) MergeInto(ctx context.Context, target, source uuid.UUID) (int, error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	move := fmt.Sprintf(`
		WITH moved AS (
			UPDATE %[1]s src
			SET account_id = $1
			WHERE src.account_id = $2
			  AND NOT EXISTS (
				SELECT 1 FROM %[1]s dst
				WHERE dst.account_id = $1 AND dst.%[2]s = src.%[2]s
			  )
			RETURNING 1
		)
		SELECT COUNT(*) FROM moved
	`, a.table, a.keyColumn)

	var moved int
	if err := tx.QueryRowContext(ctx, move, target, source).Scan(&moved); err != nil {
		return 0, err
	}

	// Whatever is left under the source is a duplicate of the target's items.
	drop := fmt.Sprintf(`DELETE FROM %s WHERE account_id = $1`, a.table)
	if _, err := tx.ExecContext(ctx, drop, source); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return moved, nil
}
