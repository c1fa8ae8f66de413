// Package merge implements account consolidation: validating a merge
// request, executing each registered aggregate's merge step, reassigning
// identities, disabling the source account, and recording the attempt in
// the merge ledger.
package merge

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/roamly/accountd/pkg/domain"
	"github.com/roamly/accountd/pkg/repository"
)

// DefaultStaleAfter is how long a pending record may sit before a
// superseding retry is allowed to take it over.
const DefaultStaleAfter = 5 * time.Minute

// SourceAuthenticator resolves a credential to the account it belongs to.
type SourceAuthenticator interface {
	Authenticate(ctx context.Context, cred domain.Credential) (uuid.UUID, error)
}

// SessionInvalidator revokes all sessions of an account transitioning to
// disabled.
type SessionInvalidator interface {
	RevokeAllSessions(ctx context.Context, accountID uuid.UUID) error
}

// Metrics receives merge instrumentation events.
type Metrics interface {
	MergeCommitted(duration time.Duration)
	MergeAggregateFailed(aggregate string)
	ItemsMerged(aggregate string, count int)
}

// Config holds orchestrator configuration.
type Config struct {
	// StaleAfter is the pending-record staleness threshold.
	StaleAfter time.Duration
	Logger     *slog.Logger
	Metrics    Metrics
}

// Orchestrator consolidates a source account's data into a target account,
// exactly once, irreversibly.
type Orchestrator struct {
	accounts      repository.Accounts
	ledger        repository.MergeLedger
	registry      *Registry
	authenticator SourceAuthenticator
	sessions      SessionInvalidator
	staleAfter    time.Duration
	logger        *slog.Logger
	metrics       Metrics
}

// NewOrchestrator creates a new merge orchestrator.
func NewOrchestrator(
	cfg Config,
	accounts repository.Accounts,
	ledger repository.MergeLedger,
	registry *Registry,
	authenticator SourceAuthenticator,
	sessions SessionInvalidator,
) *Orchestrator {
	if cfg.StaleAfter == 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}
	return &Orchestrator{
		accounts:      accounts,
		ledger:        ledger,
		registry:      registry,
		authenticator: authenticator,
		sessions:      sessions,
		staleAfter:    cfg.StaleAfter,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
	}
}

// RequestMerge consolidates the account authenticated by sourceCred into the
// target account. The fingerprint-keyed ledger record makes the operation
// idempotent: a replay of a committed merge returns the existing record, and
// a retry after a partial failure resumes from the incomplete aggregate.
func (o *Orchestrator) RequestMerge(ctx context.Context, targetID uuid.UUID, sourceCred domain.Credential) (*domain.MergeRecord, error) {
	start := time.Now()

	target, err := o.accounts.GetByID(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if !target.Active {
		return nil, domain.ErrAccountDisabled
	}

	sourceID, err := o.authenticator.Authenticate(ctx, sourceCred)
	if err != nil {
		return nil, err
	}
	if sourceID == targetID {
		return nil, domain.ErrSelfMerge
	}

	fingerprint := domain.MergeFingerprint(targetID, sourceID)

	record, err := o.claim(ctx, fingerprint, targetID, sourceID)
	if err != nil {
		return nil, err
	}
	if record.Status == domain.MergeCommitted {
		// Idempotent replay: aggregates are not touched again.
		return record, nil
	}

	summary, err := o.runAggregates(ctx, fingerprint, targetID, sourceID, record.Summary)
	if err != nil {
		return nil, err
	}

	record, err = o.ledger.Finalize(ctx, fingerprint, targetID, sourceID, summary)
	if err != nil {
		if errors.Is(err, domain.ErrSourceAlreadyDisabled) {
			// A merge into a different target committed this source first.
			// This pair can never complete; the record is terminal.
			if markErr := o.ledger.MarkFailed(ctx, fingerprint); markErr != nil {
				o.logger.Warn("failed to mark superseded merge record failed",
					"fingerprint", fingerprint, "error", markErr)
			}
		}
		return nil, err
	}

	if err := o.sessions.RevokeAllSessions(ctx, sourceID); err != nil {
		o.logger.Warn("failed to revoke source account sessions",
			"source", sourceID, "error", err)
	}

	o.metrics.MergeCommitted(time.Since(start))
	o.logger.Info("merge committed",
		"target", targetID, "source", sourceID, "summary", summary)

	return record, nil
}

// History returns the account's merge records (as target or source), most
// recent first.
func (o *Orchestrator) History(ctx context.Context, accountID uuid.UUID) ([]domain.MergeRecord, error) {
	return o.ledger.ListByAccount(ctx, accountID)
}

// claim establishes exclusive ownership of the (target, source) pair by
// inserting a pending ledger record, or resolves the request against an
// existing record: committed records replay, fresh pending records reject
// with ErrMergeInProgress, stale pending records are taken over.
func (o *Orchestrator) claim(ctx context.Context, fingerprint string, targetID, sourceID uuid.UUID) (*domain.MergeRecord, error) {
	record, err := o.ledger.GetByFingerprint(ctx, fingerprint)
	if err != nil && !errors.Is(err, domain.ErrMergeRecordNotFound) {
		return nil, err
	}

	if record != nil && record.Status == domain.MergeCommitted {
		return record, nil
	}

	// The source must still be mergeable. An account consolidated away by a
	// different merge, or disabled elsewhere, is terminal: any pending
	// record for this pair can never complete.
	if err := o.checkSourceMergeable(ctx, sourceID); err != nil {
		if record != nil && record.Status == domain.MergePending {
			if markErr := o.ledger.MarkFailed(ctx, fingerprint); markErr != nil {
				o.logger.Warn("failed to mark unmergeable record failed",
					"fingerprint", fingerprint, "error", markErr)
			}
		}
		return nil, err
	}

	switch {
	case record == nil:
		record = &domain.MergeRecord{
			ID:          uuid.New(),
			Fingerprint: fingerprint,
			TargetID:    targetID,
			SourceID:    sourceID,
			Status:      domain.MergePending,
			Summary:     domain.MergeSummary{},
			CreatedAt:   time.Now(),
		}
		if err := o.ledger.InsertPending(ctx, record); err != nil {
			return nil, err
		}
		return record, nil

	case record.Status == domain.MergePending:
		if time.Since(record.CreatedAt) < o.staleAfter {
			return nil, domain.ErrMergeInProgress
		}
		// The earlier attempt is presumed dead; claim its record.
		return o.ledger.TakeOverPending(ctx, fingerprint, o.staleAfter)

	default: // domain.MergeFailed
		return nil, domain.ErrSourceAlreadyDisabled
	}
}

func (o *Orchestrator) checkSourceMergeable(ctx context.Context, sourceID uuid.UUID) error {
	source, err := o.accounts.GetByID(ctx, sourceID)
	if err != nil {
		return err
	}
	if !source.Active {
		return domain.ErrSourceAlreadyDisabled
	}

	merged, err := o.ledger.HasCommittedSource(ctx, sourceID)
	if err != nil {
		return err
	}
	if merged {
		return domain.ErrSourceAlreadyDisabled
	}
	return nil
}

// runAggregates invokes each registered aggregate in order, accumulating
// counts on top of any progress persisted by a previous attempt. Progress is
// written back to the pending record after each aggregate so a crash-replay
// resumes counts instead of restarting from zero. A crash between an
// aggregate's own commit and the summary write loses only that count: the
// replay re-runs the aggregate, which has nothing left to move and reports
// zero. Data is still merged exactly once.
func (o *Orchestrator) runAggregates(ctx context.Context, fingerprint string, targetID, sourceID uuid.UUID, previous domain.MergeSummary) (domain.MergeSummary, error) {
	summary := previous.Clone()

	for _, aggregate := range o.registry.Aggregates() {
		name := aggregate.Name()

		count, err := aggregate.MergeInto(ctx, targetID, sourceID)
		if err != nil {
			o.metrics.MergeAggregateFailed(name)
			o.logger.Error("aggregate merge failed",
				"aggregate", name, "target", targetID, "source", sourceID, "error", err)
			// Record stays pending; release the claim so an identical retry
			// resumes here without waiting out the staleness window.
			if relErr := o.ledger.ReleasePending(ctx, fingerprint, o.staleAfter); relErr != nil {
				o.logger.Warn("failed to release pending merge record",
					"fingerprint", fingerprint, "error", relErr)
			}
			return nil, &domain.AggregateMergeError{Aggregate: name, Err: err}
		}

		summary[name] += count
		o.metrics.ItemsMerged(name, count)

		if err := o.ledger.UpdateSummary(ctx, fingerprint, summary); err != nil {
			return nil, err
		}
	}
	return summary, nil
}

type nopMetrics struct{}

func (nopMetrics) MergeCommitted(time.Duration) {}
func (nopMetrics) MergeAggregateFailed(string) {}
func (nopMetrics) ItemsMerged(string, int) {}
