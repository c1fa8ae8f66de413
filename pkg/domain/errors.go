package domain

import (
	"errors"
	"fmt"
)

// Account and identity errors
var (
	ErrAccountNotFound      = errors.New("account not found")
	ErrAccountAlreadyExists = errors.New("account already exists")
	ErrAccountDisabled      = errors.New("account is disabled")
	ErrIdentityNotFound     = errors.New("identity not found")
	ErrIdentityConflict     = errors.New("identity already linked to another account")
	ErrLastIdentity         = errors.New("cannot unlink the account's only identity")
	ErrCannotUnlinkPrimary  = errors.New("cannot unlink the primary identity")
	ErrUnknownProvider      = errors.New("unknown identity provider")
)

// Authentication and session errors
var (
	ErrUnauthenticated = errors.New("credential could not be verified")
	ErrInvalidToken    = errors.New("invalid token")
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")
	ErrSessionRevoked  = errors.New("session revoked")
)

// Merge errors
var (
	ErrSelfMerge             = errors.New("source and target accounts are the same")
	ErrSourceAlreadyDisabled = errors.New("source account is already disabled")
	ErrMergeInProgress       = errors.New("a merge for this account pair is already in progress")
	ErrMergeRecordNotFound   = errors.New("merge record not found")
)

// AggregateMergeError wraps a failure from a single aggregate's merge step.
// It is retryable: the ledger record stays pending and resubmitting the
// identical request resumes from the incomplete aggregate.
type AggregateMergeError struct {
	Aggregate string
	Err       error
}

func (e *AggregateMergeError) Error() string {
	return fmt.Sprintf("aggregate %q merge failed: %v", e.Aggregate, e.Err)
}

func (e *AggregateMergeError) Unwrap() error { return e.Err }
