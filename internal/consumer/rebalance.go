package consumer

import (
	"context"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"replayvault/internal/domain"
	"replayvault/internal/logging"
	"replayvault/internal/metrics"
	"replayvault/internal/sessionmanager"
)

// onAssigned is kgo's OnPartitionsAssigned callback. With
// kgo.BlockRebalanceOnPoll it runs serialized with the batch-processing
// loop (never interleaved with an in-flight batch), so it is safe to
// mutate c.partitions here without a lock.
func (c *Consumer) onAssigned(ctx context.Context, _ *kgo.Client, assigned map[string][]int32) {
	var pks []domain.PartitionKey
	for topic, partitions := range assigned {
		for _, p := range partitions {
			pk := domain.PartitionKey{Topic: topic, Partition: p}
			c.partitionFor(pk)
			pks = append(pks, pk)
		}
	}
	if len(pks) == 0 {
		return
	}

	if c.cfg.PartitionLockEnabled && c.locker != nil {
		for pk, err := range c.locker.Claim(ctx, pks) {
			if err != nil {
				logging.L().Warn().Err(err).Str("topic", pk.Topic).Int32("partition", pk.Partition).Msg("claim partition lock failed on assign")
			}
		}
	}
}

// onRevoked is kgo's OnPartitionsRevoked/OnPartitionsLost callback.
func (c *Consumer) onRevoked(ctx context.Context, _ *kgo.Client, revoked map[string][]int32) {
	c.revokePartitions(ctx, revoked, domain.FlushReasonPartitionShutdown)
}

// revokePartitions implements spec.md §4.H's revoke algorithm: flush
// revoked sessions oldest-first (when the lock optimization is on, and
// always on process stop), destroy them, release locks, and drop
// partition state.
func (c *Consumer) revokePartitions(ctx context.Context, revoked map[string][]int32, reason domain.FlushReason) {
	var pks []domain.PartitionKey
	for topic, partitions := range revoked {
		for _, p := range partitions {
			pks = append(pks, domain.PartitionKey{Topic: topic, Partition: p})
		}
	}

	for _, pk := range pks {
		ps, ok := c.partitions[pk]
		if !ok {
			continue
		}

		if c.cfg.PartitionLockEnabled || reason == domain.FlushReasonProcessStop {
			managers := make([]*sessionmanager.Manager, 0, len(ps.managers))
			for _, m := range ps.managers {
				managers = append(managers, m)
			}
			ordered := sortedByOldest(managers)
			for _, m := range ordered {
				flushCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
				if err := m.Flush(flushCtx, reason); err != nil {
					logging.L().Error().Err(err).Str("session_id", m.Key().SessionID).Msg("revoke-time flush failed")
				}
				cancel()
			}
		}

		for _, m := range ps.managers {
			m.Destroy()
			metrics.SessionsHandled.Dec()
			metrics.SessionsRevoked.Inc()
		}

		c.marker.Revoke(pk)
		delete(c.partitions, pk)
	}

	if c.cfg.PartitionLockEnabled && c.locker != nil && len(pks) > 0 {
		for pk, err := range c.locker.Release(ctx, pks) {
			if err != nil {
				logging.L().Warn().Err(err).Str("topic", pk.Topic).Int32("partition", pk.Partition).Msg("release partition lock failed on revoke")
			}
		}
	}
}
