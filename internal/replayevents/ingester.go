// Package replayevents implements ReplayEventsIngester (spec.md §4.G): for
// each parsed batch it derives a compact replay record per message and
// publishes it to a downstream Kafka topic, gated by the HighWaterMarker
// under a logical key distinct from the session's own so its
// acknowledgment is independent of SessionManager's flush path.
package replayevents

import (
	"context"
	"encoding/json"
	"fmt"

	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"replayvault/internal/domain"
)

// replayEventsKeySuffix namespaces this ingester's high-water-mark entries
// away from a session's own per-session key, so the two acknowledgment
// paths never collide on the same logical key.
const replayEventsKeySuffix = "#replay_events"

// Marker is the subset of highwater.Marker the ingester needs.
type Marker interface {
	IsBelow(ctx context.Context, pk domain.PartitionKey, logicalKey string, offset int64) (bool, error)
	Add(ctx context.Context, pk domain.PartitionKey, logicalKey string, offset int64) error
}

// Ingester produces compact replay-event records to a downstream topic.
type Ingester struct {
	client *kgo.Client
	topic  string
	marker Marker
}

// New creates an Ingester producing to topic over client. client should be
// a franz-go client constructed in producer mode (idempotent production
// enabled by default in franz-go).
func New(client *kgo.Client, topic string, marker Marker) *Ingester {
	return &Ingester{client: client, topic: topic, marker: marker}
}

// ConsumeBatch derives and publishes one replay-event record per message in
// msgs. A failing produce fails the whole batch (spec.md §4.G): the caller
// should not advance the driving Kafka commit past this batch, relying on
// the HighWaterMarker for idempotent re-delivery.
func (g *Ingester) ConsumeBatch(ctx context.Context, msgs []domain.IncomingMessage) error {
	pending := make([]*kgo.Record, 0, len(msgs))
	produced := make([]produceRef, 0, len(msgs))

	for _, msg := range msgs {
		pk := domain.PartitionKey{Topic: msg.Metadata.Topic, Partition: msg.Metadata.Partition}
		logicalKey := msg.SessionID + replayEventsKeySuffix

		below, err := g.marker.IsBelow(ctx, pk, logicalKey, msg.Metadata.Offset)
		if err != nil {
			return fmt.Errorf("check replay events high water mark: %w", err)
		}
		if below {
			continue
		}

		rec, err := g.deriveRecord(msg)
		if err != nil {
			return fmt.Errorf("derive replay event record: %w", err)
		}
		pending = append(pending, rec)
		produced = append(produced, produceRef{pk: pk, logicalKey: logicalKey, offset: msg.Metadata.Offset})
	}

	if len(pending) == 0 {
		return nil
	}

	results := g.client.ProduceSync(ctx, pending...)
	if err := results.FirstErr(); err != nil {
		return fmt.Errorf("produce replay events: %w", err)
	}

	for _, ref := range produced {
		if err := g.marker.Add(ctx, ref.pk, ref.logicalKey, ref.offset); err != nil {
			return fmt.Errorf("advance replay events high water mark: %w", err)
		}
	}
	return nil
}

type produceRef struct {
	pk         domain.PartitionKey
	logicalKey string
	offset     int64
}

func (g *Ingester) deriveRecord(msg domain.IncomingMessage) (*kgo.Record, error) {
	first := msg.Metadata.TimestampMs
	last := msg.Metadata.TimestampMs

	out := domain.ReplayEventRecord{
		TeamID:           msg.TeamID,
		SessionID:        msg.SessionID,
		DistinctID:       msg.DistinctID,
		WindowID:         msg.WindowID,
		FirstTimestampMs: first,
		LastTimestampMs:  last,
		EventCount:       len(msg.Events),
		ProducedAtUTC:    time.Now().UTC(),
	}

	body, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal replay event record: %w", err)
	}
	return &kgo.Record{
		Topic: g.topic,
		Key:   []byte(msg.SessionID),
		Value: body,
	}, nil
}
