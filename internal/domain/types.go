package domain

import "time"

// SnapshotBatchEventType is the inner pipeline event type this ingester accepts.
const SnapshotBatchEventType = "$snapshot_items"

// PartitionGlobalKey is the fixed logical key used by the HighWaterMarker to
// record a partition's overall durable progress, independent of any single
// session.
const PartitionGlobalKey = "__partition_global__"

// MessageMetadata carries the Kafka coordinates of an IncomingMessage.
type MessageMetadata struct {
	Topic       string
	Partition   int32
	Offset      int64
	TimestampMs int64
}

// IncomingMessage is one parsed snapshot batch, ready to be routed to a
// SessionManager.
type IncomingMessage struct {
	TeamID     int64
	SessionID  string
	WindowID   string
	DistinctID string
	// Events holds each element of properties.$snapshot_items as raw,
	// already-validated JSON; this ingester never interprets the snapshot
	// schema itself (schema evolution of the payload is a declared non-goal).
	Events   [][]byte
	Metadata MessageMetadata
}

// SessionKey uniquely identifies one session within this process.
type SessionKey struct {
	TeamID    int64
	SessionID string
}

// PartitionKey identifies one source partition.
type PartitionKey struct {
	Topic     string
	Partition int32
}

// DropCause labels why an inbound message was dropped before any side
// effect, for both the Prometheus counter and structured log fields — one
// vocabulary serves both.
type DropCause string

const (
	DropEnvelopeInvalid    DropCause = "envelope_invalid"
	DropTeamUnknown        DropCause = "team_unknown"
	DropHighWaterMark      DropCause = "high_water_mark"
	DropNotSnapshotBatch   DropCause = "not_snapshot_batch"
	DropEmptySnapshotItems DropCause = "empty_snapshot_items"
)

// FlushReason records why a SessionManager flushed its buffer, for logging
// and metrics.
type FlushReason string

const (
	FlushReasonSize             FlushReason = "size_limit"
	FlushReasonAge              FlushReason = "age_limit"
	FlushReasonPartitionShutdown FlushReason = "partition_shutdown"
	FlushReasonProcessStop      FlushReason = "process_stop"
	FlushReasonRetry            FlushReason = "retry"
)

// ObjectMetadata is written as object-store metadata on every flushed
// recording, per spec.md §6.
type ObjectMetadata struct {
	TeamID        int64
	SessionID     string
	Partition     int32
	LowestOffset  int64
	HighestOffset int64
	EventCount    int
}

// ReplayEventRecord is the compact record ReplayEventsIngester publishes to
// the downstream topic for one batch.
type ReplayEventRecord struct {
	TeamID           int64     `json:"team_id"`
	SessionID        string    `json:"session_id"`
	DistinctID       string    `json:"distinct_id"`
	WindowID         string    `json:"window_id"`
	FirstTimestampMs int64     `json:"first_timestamp_ms"`
	LastTimestampMs  int64     `json:"last_timestamp_ms"`
	EventCount       int       `json:"event_count"`
	ProducedAtUTC    time.Time `json:"produced_at_utc"`
}
