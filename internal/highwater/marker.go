// Package highwater implements the HighWaterMarker (spec.md §4.A): a
// per-partition, per-logical-key record of the highest offset known
// durably handled, used to drop duplicates on replay. The shared store is
// Redis, so that a worker that takes over a partition after a rebalance
// sees marks written by the previous owner; a local write-through cache
// makes the hot-path IsBelow check fast without a round trip on every
// message.
package highwater

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"

	"replayvault/internal/domain"
)

// raiseScript atomically raises the stored mark to max(current, new) and
// returns the resulting value, so concurrent Add calls race-safely: the
// final value is >= every completed call's argument.
var raiseScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if (not cur) or (tonumber(ARGV[1]) > tonumber(cur)) then
	redis.call('SET', KEYS[1], ARGV[1])
	if tonumber(ARGV[2]) > 0 then
		redis.call('EXPIRE', KEYS[1], ARGV[2])
	end
	return ARGV[1]
end
return cur
`)

// Marker is the HighWaterMarker. It is safe for concurrent use.
type Marker struct {
	rdb    *redis.Client
	prefix string
	ttl    int // seconds; 0 disables expiry

	mu    sync.RWMutex
	local map[localKey]int64
}

type localKey struct {
	domain.PartitionKey
	logicalKey string
}

// New creates a Marker backed by rdb. prefix namespaces keys in the shared
// store (SESSION_RECORDING_REDIS_PREFIX in spec.md §6).
func New(rdb *redis.Client, prefix string) *Marker {
	return &Marker{
		rdb:    rdb,
		prefix: prefix,
		local:  make(map[localKey]int64),
	}
}

func (m *Marker) redisKey(pk domain.PartitionKey, logicalKey string) string {
	return fmt.Sprintf("%s:hwm:%s:%d:%s", m.prefix, pk.Topic, pk.Partition, logicalKey)
}

// IsBelow reports whether offset is at or below the stored mark for
// (pk, logicalKey) — i.e. whether a message at this offset should be
// treated as a duplicate. It is served from the local cache when possible,
// falling back to the shared store on a local miss.
func (m *Marker) IsBelow(ctx context.Context, pk domain.PartitionKey, logicalKey string, offset int64) (bool, error) {
	lk := localKey{pk, logicalKey}

	m.mu.RLock()
	if cur, ok := m.local[lk]; ok {
		m.mu.RUnlock()
		return offset <= cur, nil
	}
	m.mu.RUnlock()

	cur, ok, err := m.fetch(ctx, pk, logicalKey)
	if err != nil {
		return false, err
	}
	if !ok {
		m.storeLocal(lk, -1)
		return false, nil
	}
	m.storeLocal(lk, cur)
	return offset <= cur, nil
}

func (m *Marker) fetch(ctx context.Context, pk domain.PartitionKey, logicalKey string) (int64, bool, error) {
	val, err := m.rdb.Get(ctx, m.redisKey(pk, logicalKey)).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("fetch high water mark: %w", err)
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse high water mark %q: %w", val, err)
	}
	return n, true, nil
}

// Add monotonically raises the mark for (pk, logicalKey) to at least
// offset. Concurrent Add calls are race-safe via a server-side Lua script:
// the final stored value is >= the maximum of every completed call's
// argument.
func (m *Marker) Add(ctx context.Context, pk domain.PartitionKey, logicalKey string, offset int64) error {
	res, err := raiseScript.Run(ctx, m.rdb, []string{m.redisKey(pk, logicalKey)}, offset, m.ttl).Result()
	if err != nil {
		return fmt.Errorf("raise high water mark: %w", err)
	}
	n, err := strconv.ParseInt(fmt.Sprint(res), 10, 64)
	if err != nil {
		return fmt.Errorf("parse raised high water mark: %w", err)
	}

	lk := localKey{pk, logicalKey}
	m.mu.Lock()
	if cur, ok := m.local[lk]; !ok || n > cur {
		m.local[lk] = n
	}
	m.mu.Unlock()
	return nil
}

// Clear discards local per-session marks for pk whose value is <=
// upToOffset, reclaiming memory once the partition-global mark has
// advanced past them. The shared store is left untouched: another worker
// may still need those marks.
func (m *Marker) Clear(pk domain.PartitionKey, upToOffset int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for lk, v := range m.local {
		if lk.PartitionKey == pk && lk.logicalKey != domain.PartitionGlobalKey && v <= upToOffset {
			delete(m.local, lk)
		}
	}
}

// Revoke forgets all local state for pk. The shared store is left intact
// so the next owner of the partition can still see durable marks.
func (m *Marker) Revoke(pk domain.PartitionKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for lk := range m.local {
		if lk.PartitionKey == pk {
			delete(m.local, lk)
		}
	}
}

func (m *Marker) storeLocal(lk localKey, v int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.local[lk]; !ok || v > cur {
		m.local[lk] = v
	}
}
