package consumer

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"replayvault/internal/domain"
	"replayvault/internal/logging"
	"replayvault/internal/metrics"
	"replayvault/internal/sessionmanager"
)

// processBatch implements spec.md §4.H's per-batch algorithm: claim
// locks, parse and route each message, compute and issue safe commits,
// drive the replay-events ingester, then flush any session whose buffer
// has aged out.
func (c *Consumer) processBatch(ctx context.Context, fetches kgo.Fetches) error {
	batchID := newBatchID()
	ctx, log := logging.WithBatchID(ctx, batchID)

	total := 0
	fetches.EachRecord(func(*kgo.Record) { total++ })
	if total == 0 {
		return nil
	}
	metrics.BatchSize.Observe(float64(total))

	touched := make(map[domain.PartitionKey]int64) // pk -> highest offset seen this batch

	if c.cfg.PartitionLockEnabled && c.locker != nil {
		var pks []domain.PartitionKey
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			pks = append(pks, domain.PartitionKey{Topic: p.Topic, Partition: p.Partition})
		})
		for pk, err := range c.locker.Claim(ctx, pks) {
			if err != nil {
				log.Warn().Err(err).Str("topic", pk.Topic).Int32("partition", pk.Partition).Msg("claim partition lock failed on batch")
			}
		}
	}

	var parsed []domain.IncomingMessage

	fetches.EachRecord(func(rec *kgo.Record) {
		pk := domain.PartitionKey{Topic: rec.Topic, Partition: rec.Partition}
		ps := c.partitionFor(pk)

		tsMs := rec.Timestamp.UnixMilli()
		ps.lastOffset = rec.Offset
		ps.lastTimestampMs = tsMs
		if cur, ok := touched[pk]; !ok || rec.Offset > cur {
			touched[pk] = rec.Offset
		}

		metrics.MessagesReceived.WithLabelValues(strconv.Itoa(int(rec.Partition))).Inc()

		msg, cause, err := parseEnvelope(ctx, rec.Value, domain.MessageMetadata{
			Topic: rec.Topic, Partition: rec.Partition, Offset: rec.Offset, TimestampMs: tsMs,
		}, c.resolveTeam)
		if err != nil {
			log.Warn().Err(err).Msg("team resolution failed; dropping message")
			metrics.EventsDropped.WithLabelValues(string(domain.DropTeamUnknown)).Inc()
			return
		}
		if cause != "" {
			metrics.EventsDropped.WithLabelValues(string(cause)).Inc()
			return
		}

		belowSession, err := c.marker.IsBelow(ctx, pk, msg.SessionID, rec.Offset)
		if err != nil {
			log.Error().Err(err).Msg("high water mark session check failed; dropping message to be safe")
			metrics.EventsDropped.WithLabelValues(string(domain.DropHighWaterMark)).Inc()
			return
		}
		belowGlobal, err := c.marker.IsBelow(ctx, pk, domain.PartitionGlobalKey, rec.Offset)
		if err != nil {
			log.Error().Err(err).Msg("high water mark partition-global check failed; dropping message to be safe")
			metrics.EventsDropped.WithLabelValues(string(domain.DropHighWaterMark)).Inc()
			return
		}
		if belowSession || belowGlobal {
			metrics.EventsDropped.WithLabelValues(string(domain.DropHighWaterMark)).Inc()
			return
		}

		parsed = append(parsed, msg)
		c.route(ctx, log, ps, pk, msg, rec.Offset, tsMs)
	})

	c.issueCommits(ctx, log, touched)

	if c.replay != nil {
		if err := c.replay.ConsumeBatch(ctx, parsed); err != nil {
			return err
		}
	}

	c.flushAllReady(ctx, log)
	c.updateLagGauges(ctx, log)
	return nil
}

// updateLagGauges exports the autoscaling signal from spec.md §4.H: for
// each partition this worker owns, lag = max(0, broker_high_offset -
// last_consumed_offset), with broker_high_offset served from the
// BackgroundRefresher polling ListEndOffsets rather than fetched fresh on
// every batch.
func (c *Consumer) updateLagGauges(ctx context.Context, log zerolog.Logger) {
	if c.lagOffsets == nil {
		return
	}
	endOffsets, err := c.lagOffsets.Get(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("broker end offsets unavailable; skipping lag update")
		return
	}

	nowMs := time.Now().UnixMilli()
	for pk, ps := range c.partitions {
		end, ok := endOffsets[partitionOffsetKey{topic: pk.Topic, partition: pk.Partition}]
		if !ok {
			continue
		}
		label := strconv.Itoa(int(pk.Partition))
		lagMsgs := end - ps.lastOffset - 1
		if lagMsgs < 0 {
			lagMsgs = 0
		}
		metrics.LagMessages.WithLabelValues(label).Set(float64(lagMsgs))

		lagMs := nowMs - ps.lastTimestampMs
		if lagMs < 0 {
			lagMs = 0
		}
		metrics.LagMilliseconds.WithLabelValues(label).Set(float64(lagMs))
	}
}

func (c *Consumer) resolveTeam(ctx context.Context, token string) (int64, bool, error) {
	if c.team == nil {
		return 0, false, nil
	}
	return c.team.Resolve(ctx, token)
}

func (c *Consumer) route(ctx context.Context, log zerolog.Logger, ps *partitionState, pk domain.PartitionKey, msg domain.IncomingMessage, offset, tsMs int64) {
	key := domain.SessionKey{TeamID: msg.TeamID, SessionID: msg.SessionID}
	mgr, ok := ps.managers[key]
	if !ok {
		mgr = c.newManager(key, pk)
		ps.managers[key] = mgr
		metrics.SessionsHandled.Inc()
	}

	for _, ev := range msg.Events {
		if err := mgr.Add(ctx, ev, offset, tsMs); err != nil {
			log.Error().Err(err).Str("session_id", msg.SessionID).Msg("session manager add failed; destroying manager without advancing high water mark")
			mgr.Destroy()
			delete(ps.managers, key)
			metrics.SessionsHandled.Dec()
			return
		}
	}
}

// issueCommits computes, for each partition touched this batch, the safe
// commit point from spec.md §4.H step 4: min(lowest_offset) across live
// managers, or the batch's highest offset on that partition if none are
// live. It only issues a commit when strictly greater than the last known
// commit.
func (c *Consumer) issueCommits(ctx context.Context, log zerolog.Logger, touched map[domain.PartitionKey]int64) {
	for pk, highestInBatch := range touched {
		ps := c.partitions[pk]
		safe, ok := minLowestOffset(ps.managers)
		if !ok {
			safe = highestInBatch
		}
		nextToRead := safe + 1
		if nextToRead <= ps.lastCommitted {
			continue
		}

		rec := &kgo.Record{Topic: pk.Topic, Partition: pk.Partition, Offset: safe}
		if err := c.client.CommitRecords(ctx, rec); err != nil {
			metrics.CommitFailures.WithLabelValues(strconv.Itoa(int(pk.Partition))).Inc()
			log.Error().Err(err).Str("topic", pk.Topic).Int32("partition", pk.Partition).Msg("commit failed")
			continue
		}
		ps.lastCommitted = nextToRead
		metrics.LastCommittedOffset.WithLabelValues(strconv.Itoa(int(pk.Partition))).Set(float64(nextToRead))
	}
}

func minLowestOffset(managers map[domain.SessionKey]*sessionmanager.Manager) (int64, bool) {
	var (
		min int64
		has bool
	)
	for _, m := range managers {
		lo, ok := m.GetLowestOffset()
		if !ok {
			continue
		}
		if !has || lo < min {
			min = lo
			has = true
		}
	}
	return min, has
}

// flushAllReady runs flush_if_old across every live manager. Its total
// duration is compared against a hard timeout that is reported but never
// aborts the process (spec.md §5) — the map of managers is owned by this
// same goroutine, so the bound is enforced by logging, not by racing a
// background goroutine against it.
func (c *Consumer) flushAllReady(ctx context.Context, log zerolog.Logger) {
	flushCtx, cancel := context.WithTimeout(ctx, flushAllHardTimeout)
	defer cancel()

	start := time.Now()
	for _, ps := range c.partitions {
		for _, m := range ps.managers {
			m.FlushIfOld(flushCtx, ps.lastTimestampMs)
		}
	}

	if elapsed := time.Since(start); elapsed > flushAllHardTimeout {
		log.Warn().Dur("elapsed", elapsed).Msg("flush_all_ready_sessions exceeded hard timeout")
	}
}
