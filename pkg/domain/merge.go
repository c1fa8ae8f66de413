package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MergeStatus is the lifecycle state of a merge attempt.
type MergeStatus string

const (
	MergePending   MergeStatus = "pending"
	MergeCommitted MergeStatus = "committed"
	MergeFailed    MergeStatus = "failed"
)

// MergeSummary maps aggregate name to the count of items newly merged into
// the target by that aggregate.
type MergeSummary map[string]int

// Clone returns a copy of the summary. A nil summary clones to an empty one.
func (s MergeSummary) Clone() MergeSummary {
	out := make(MergeSummary, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// MergeRecord is one row of the merge ledger. The fingerprint is unique: a
// retried identical request resolves to the existing record instead of
// re-executing the merge. A source account appears as committed in at most
// one record ever.
type MergeRecord struct {
	ID          uuid.UUID
	Fingerprint string
	TargetID    uuid.UUID
	SourceID    uuid.UUID
	Status      MergeStatus
	Summary     MergeSummary
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// MergeFingerprint derives the stable key identifying one logical merge of
// source into target. The pair is ordered: merging B into A and A into B are
// distinct attempts.
func MergeFingerprint(target, source uuid.UUID) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s", target, source)))
	return hex.EncodeToString(sum[:])
}
