// Package partitionlock implements the PartitionLocker (spec.md §4.B): a
// cooperative, best-effort lease on (topic, partition) in a shared cache,
// so a formerly-owning worker is discouraged from writing after revoke.
// Failure to claim is never fatal — safety rests entirely on the
// HighWaterMarker, not on this lock.
package partitionlock

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"replayvault/internal/domain"
)

// Locker claims and releases best-effort leases in Redis.
type Locker struct {
	rdb    *redis.Client
	prefix string
	ttl    int // seconds
	owner  string
}

// New creates a Locker whose owner identity is a random UUID generated
// here, stable for the Locker's lifetime, so ownership can be
// self-identified in diagnostics.
func New(rdb *redis.Client, prefix string, ttlSeconds int) *Locker {
	return &Locker{
		rdb:    rdb,
		prefix: prefix,
		ttl:    ttlSeconds,
		owner:  uuid.NewString(),
	}
}

func (l *Locker) key(pk domain.PartitionKey) string {
	return fmt.Sprintf("%s:lock:%s:%d", l.prefix, pk.Topic, pk.Partition)
}

// extendScript re-acquires or extends a lease only if it is unowned or
// already owned by this owner, so one worker's claim never steals another
// live worker's lease.
var extendScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if (not cur) or (cur == ARGV[1]) then
	redis.call('SET', KEYS[1], ARGV[1], 'EX', ARGV[2])
	return 1
end
return 0
`)

// Claim (re)acquires or extends the lease for each of the given partitions.
// A per-partition failure is returned in the result map rather than as an
// error from Claim itself: callers are expected to log and continue, per
// spec.md §4.B — this lock is an optimization, not a safety mechanism.
func (l *Locker) Claim(ctx context.Context, partitions []domain.PartitionKey) map[domain.PartitionKey]error {
	results := make(map[domain.PartitionKey]error, len(partitions))
	for _, pk := range partitions {
		acquired, err := extendScript.Run(ctx, l.rdb, []string{l.key(pk)}, l.owner, l.ttl).Int()
		if err != nil {
			results[pk] = fmt.Errorf("claim lease: %w", err)
			continue
		}
		if acquired == 0 {
			results[pk] = fmt.Errorf("lease for %s/%d held by another owner", pk.Topic, pk.Partition)
			continue
		}
		results[pk] = nil
	}
	return results
}

// releaseScript deletes the lease only if still owned by this owner, so a
// release never clobbers a lease a newer owner has already claimed.
var releaseScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur == ARGV[1] then
	redis.call('DEL', KEYS[1])
end
return 1
`)

// Release deletes the leases this worker owns for the given partitions.
// Failures are returned per-partition for the same reason as Claim.
func (l *Locker) Release(ctx context.Context, partitions []domain.PartitionKey) map[domain.PartitionKey]error {
	results := make(map[domain.PartitionKey]error, len(partitions))
	for _, pk := range partitions {
		if _, err := releaseScript.Run(ctx, l.rdb, []string{l.key(pk)}, l.owner).Result(); err != nil {
			results[pk] = fmt.Errorf("release lease: %w", err)
			continue
		}
		results[pk] = nil
	}
	return results
}

// Owner returns this locker's identity, for diagnostics.
func (l *Locker) Owner() string { return l.owner }
