package identity

import (
	"sync"

	"github.com/google/uuid"
)

const lockShards = 64

// accountLocks serializes identity mutations per account. Locking is
// striped: two accounts may share a shard, which over-serializes but never
// under-serializes.
type accountLocks struct {
	shards [lockShards]sync.Mutex
}

func (l *accountLocks) lock(accountID uuid.UUID) func() {
	shard := &l.shards[accountID[0]%lockShards]
	shard.Lock()
	return shard.Unlock
}
