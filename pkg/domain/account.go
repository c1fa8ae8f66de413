package domain

import (
	"time"

	"github.com/google/uuid"
)

// Account is a user's durable identity container. Accounts are never
// deleted, only disabled (by a completed merge as the source side, or by
// account deletion elsewhere).
type Account struct {
	ID         uuid.UUID
	Email      string
	Active     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
	DisabledAt *time.Time
}

// AccountPassword stores password credentials separately from the account.
type AccountPassword struct {
	AccountID         uuid.UUID
	PasswordHash      string
	PasswordUpdatedAt time.Time
}
