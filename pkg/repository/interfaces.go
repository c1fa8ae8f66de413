package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/roamly/accountd/pkg/domain"
)

// Accounts handles account persistence.
type Accounts interface {
	Create(ctx context.Context, account *domain.Account) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Account, error)
	GetByEmail(ctx context.Context, email string) (*domain.Account, error)
	ExistsByEmail(ctx context.Context, email string) (bool, error)
}

// Identities handles identity persistence. Create returns
// domain.ErrIdentityConflict when the (provider, external_id) pair is
// already bound to any account.
type Identities interface {
	Create(ctx context.Context, identity *domain.Identity) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Identity, error)
	GetByProviderExternalID(ctx context.Context, provider, externalID string) (*domain.Identity, error)
	ListByAccount(ctx context.Context, accountID uuid.UUID) ([]domain.Identity, error)
	Delete(ctx context.Context, id uuid.UUID) error
	SetPrimary(ctx context.Context, accountID, identityID uuid.UUID) error
}

// Credentials handles password credential persistence.
type Credentials interface {
	Create(ctx context.Context, cred *domain.AccountPassword) error
	GetByAccountID(ctx context.Context, accountID uuid.UUID) (*domain.AccountPassword, error)
}

// Sessions handles session persistence.
type Sessions interface {
	Create(ctx context.Context, session *domain.Session) error
	GetByTokenHash(ctx context.Context, tokenHash string) (*domain.Session, error)
	UpdateLastSeen(ctx context.Context, id uuid.UUID) error
	RevokeByTokenHash(ctx context.Context, tokenHash string) error
	RevokeAllByAccountID(ctx context.Context, accountID uuid.UUID) error
}

// MergeLedger is the append/update-only log of merge attempts, keyed by
// fingerprint. It is the sole source of truth for idempotency and for
// preventing re-merging a previously consolidated source account.
type MergeLedger interface {
	// InsertPending creates a new pending record. It returns
	// domain.ErrMergeInProgress if a record with the same fingerprint
	// already exists; this uniqueness is the serialization point that
	// guarantees at most one in-flight merge per (target, source) pair.
	InsertPending(ctx context.Context, record *domain.MergeRecord) error

	GetByFingerprint(ctx context.Context, fingerprint string) (*domain.MergeRecord, error)

	// TakeOverPending refreshes a pending record whose previous attempt went
	// stale, claiming it for a superseding retry. It returns
	// domain.ErrMergeInProgress if the record is no longer pending or is not
	// yet older than staleAfter.
	TakeOverPending(ctx context.Context, fingerprint string, staleAfter time.Duration) (*domain.MergeRecord, error)

	// ReleasePending backdates a pending record's claim so an identical
	// retry may take it over immediately instead of waiting out staleAfter.
	// A finished attempt that leaves its record pending calls this.
	ReleasePending(ctx context.Context, fingerprint string, staleAfter time.Duration) error

	// UpdateSummary persists per-aggregate progress on a pending record so a
	// crash-replay resumes counts instead of restarting from zero.
	UpdateSummary(ctx context.Context, fingerprint string, summary domain.MergeSummary) error

	// Finalize atomically reassigns the source account's identities to the
	// target (clearing their primary flag), disables the source account, and
	// transitions the record from pending to committed with the final
	// summary. It returns the committed record.
	Finalize(ctx context.Context, fingerprint string, target, source uuid.UUID, summary domain.MergeSummary) (*domain.MergeRecord, error)

	// MarkFailed transitions a pending record to the terminal failed state.
	MarkFailed(ctx context.Context, fingerprint string) error

	// ListByAccount returns records where the account appears as target or
	// source, most recent first.
	ListByAccount(ctx context.Context, accountID uuid.UUID) ([]domain.MergeRecord, error)

	// HasCommittedSource reports whether the account was ever the source of
	// a committed merge.
	HasCommittedSource(ctx context.Context, accountID uuid.UUID) (bool, error)
}
