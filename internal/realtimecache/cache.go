// Package realtimecache implements RealtimeCache (spec.md §4.D): the most
// recent snapshot fragments for each active session are pushed to a
// bounded list in Redis with a TTL refreshed on every push, and a
// companion pub/sub channel announces session activity so live readers can
// discover which sessions are currently streaming. It is an accelerant,
// not the source of truth — on flush the list is simply left to expire.
package realtimecache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"replayvault/internal/domain"
)

// Activity is published on every Push, announcing that a session is live.
type Activity struct {
	TeamID     int64  `json:"team_id"`
	SessionID  string `json:"session_id"`
	EventCount int    `json:"event_count"`
}

// Cache pushes fragments to bounded per-session lists and publishes
// activity notifications.
type Cache struct {
	rdb    *redis.Client
	prefix string
	maxLen int64
	ttl    time.Duration
}

// New creates a Cache. maxLen bounds each session's fragment list; ttl is
// refreshed on every push.
func New(rdb *redis.Client, prefix string, maxLen int, ttl time.Duration) *Cache {
	return &Cache{rdb: rdb, prefix: prefix, maxLen: int64(maxLen), ttl: ttl}
}

func (c *Cache) listKey(key domain.SessionKey) string {
	return fmt.Sprintf("%s:realtime:%d:%s", c.prefix, key.TeamID, key.SessionID)
}

func (c *Cache) activityChannel() string {
	return fmt.Sprintf("%s:realtime:activity", c.prefix)
}

// Push appends fragment to key's bounded list, refreshes its TTL, and
// publishes an Activity notification. It is meant to be called
// fire-and-forget with a short per-call timeout — a failure here never
// blocks ingestion, since this cache is best-effort by design.
func (c *Cache) Push(ctx context.Context, key domain.SessionKey, fragment []byte, eventCount int) error {
	listKey := c.listKey(key)

	pipe := c.rdb.TxPipeline()
	pipe.RPush(ctx, listKey, fragment)
	pipe.LTrim(ctx, listKey, -c.maxLen, -1)
	pipe.Expire(ctx, listKey, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push realtime fragment: %w", err)
	}

	activity, err := json.Marshal(Activity{TeamID: key.TeamID, SessionID: key.SessionID, EventCount: eventCount})
	if err != nil {
		return fmt.Errorf("marshal activity: %w", err)
	}
	if err := c.rdb.Publish(ctx, c.activityChannel(), activity).Err(); err != nil {
		return fmt.Errorf("publish activity: %w", err)
	}
	return nil
}

// Tail returns up to limit of the most recent fragments for key, oldest
// first.
func (c *Cache) Tail(ctx context.Context, key domain.SessionKey, limit int64) ([][]byte, error) {
	vals, err := c.rdb.LRange(ctx, c.listKey(key), -limit, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("tail realtime fragments: %w", err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

// Subscribe returns a channel of Activity notifications. The returned
// close function must be called to release the underlying subscription.
func (c *Cache) Subscribe(ctx context.Context) (<-chan Activity, func() error, error) {
	sub := c.rdb.Subscribe(ctx, c.activityChannel())
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("subscribe to activity channel: %w", err)
	}

	out := make(chan Activity)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var a Activity
			if err := json.Unmarshal([]byte(msg.Payload), &a); err != nil {
				continue
			}
			select {
			case out <- a:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, sub.Close, nil
}
