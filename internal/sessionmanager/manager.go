// Package sessionmanager implements SessionManager (spec.md §4.F): it owns
// one sessionbuffer.Buffer, decides when to flush it, performs the
// compressed upload to object storage, and advances the HighWaterMarker on
// success. A single manager is never accessed concurrently by more than one
// flush at a time — add and flush share a mutex so a caller never observes
// a half-reset buffer.
package sessionmanager

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"replayvault/internal/domain"
	"replayvault/internal/metrics"
	"replayvault/internal/objectstore"
	"replayvault/internal/sessionbuffer"
)

// Uploader is the subset of objectstore.Store a Manager needs.
type Uploader interface {
	UploadFile(ctx context.Context, key, path string, meta domain.ObjectMetadata) (int64, error)
}

// Marker is the subset of highwater.Marker a Manager needs.
type Marker interface {
	Add(ctx context.Context, pk domain.PartitionKey, logicalKey string, offset int64) error
}

// RealtimePusher is the subset of realtimecache.Cache a Manager needs.
type RealtimePusher interface {
	Push(ctx context.Context, key domain.SessionKey, fragment []byte, eventCount int) error
}

// pendingGeneration is a buffer generation that has been finalized (its temp
// file closed and its contents fixed) but not yet successfully uploaded and
// committed. It is detached from the live Buffer so that events appended
// while its upload is in flight never mix with its counters.
type pendingGeneration struct {
	path      string
	meta      sessionbuffer.Metadata
	createdAt time.Time
}

// Manager is the SessionManager for one SessionKey, pinned to one
// (topic, partition) for its lifetime per spec.md invariant 2.
type Manager struct {
	key       domain.SessionKey
	partition domain.PartitionKey

	uploader Uploader
	marker   Marker
	realtime RealtimePusher

	dir     string
	tailLen int

	ageLimit  time.Duration
	sizeLimit int64

	mu             sync.Mutex
	buf            *sessionbuffer.Buffer
	pending        []*pendingGeneration
	flushing       bool
	followUp       bool
	destroyed      bool
	realtimeActive bool
}

// New creates a Manager bound to key on partition pk, buffering through a
// fresh sessionbuffer.Buffer rooted at dir.
func New(key domain.SessionKey, pk domain.PartitionKey, dir string, tailLen int, ageLimit time.Duration, sizeLimit int64, uploader Uploader, marker Marker, realtime RealtimePusher) *Manager {
	return &Manager{
		key:       key,
		partition: pk,
		uploader:  uploader,
		marker:    marker,
		realtime:  realtime,
		dir:       dir,
		tailLen:   tailLen,
		ageLimit:  ageLimit,
		sizeLimit: sizeLimit,
		buf:       sessionbuffer.New(dir, tailLen),
	}
}

// Key returns the SessionKey this manager owns.
func (m *Manager) Key() domain.SessionKey { return m.key }

// Partition returns the partition this manager is pinned to.
func (m *Manager) Partition() domain.PartitionKey { return m.partition }

// Add appends one event to the buffer and mirrors it into the realtime
// cache fire-and-forget. A buffer append failure is treated as fatal for
// this session per spec.md's Open Question: the caller is expected to
// destroy the manager without advancing the HighWaterMarker and allow
// re-delivery.
func (m *Manager) Add(ctx context.Context, event []byte, offset int64, timestampMs int64) error {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return fmt.Errorf("add to destroyed session manager")
	}
	err := m.buf.Append(event, offset, timestampMs)
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("buffer append: %w", err)
	}

	if m.realtime != nil {
		go func() {
			rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := m.realtime.Push(rctx, m.key, event, 1); err == nil {
				m.markRealtimeActive()
			}
		}()
	}

	if m.shouldFlushSize() {
		go m.Flush(context.Background(), domain.FlushReasonSize)
	}
	return nil
}

// markRealtimeActive records that this session has a live realtime tail,
// incrementing the RealtimeSessions gauge on the first successful push.
func (m *Manager) markRealtimeActive() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.realtimeActive || m.destroyed {
		return
	}
	m.realtimeActive = true
	metrics.RealtimeSessions.Inc()
}

func (m *Manager) shouldFlushSize() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.buf.IsEmpty() && m.buf.Size() >= m.sizeLimit
}

// FlushIfOld flushes the buffer if its oldest event is older than ageLimit
// relative to referenceTimeMs — the partition's last-seen message
// timestamp, not wall clock, so a quiet partition never stalls a flush
// waiting on real time. It also flushes if the size limit has separately
// been crossed since the last check, or if an earlier flush left a
// generation queued after a failed upload.
func (m *Manager) FlushIfOld(ctx context.Context, referenceTimeMs int64) {
	m.mu.Lock()
	oldest, ok := m.buf.OldestTimestampMs()
	tooOld := ok && referenceTimeMs-oldest >= m.ageLimit.Milliseconds()
	tooBig := !m.buf.IsEmpty() && m.buf.Size() >= m.sizeLimit
	hasPending := len(m.pending) > 0
	m.mu.Unlock()

	if tooOld {
		m.Flush(ctx, domain.FlushReasonAge)
	} else if tooBig {
		m.Flush(ctx, domain.FlushReasonSize)
	} else if hasPending {
		m.Flush(ctx, domain.FlushReasonRetry)
	}
}

// Flush runs the flush protocol from spec.md §4.F. It detaches the live
// buffer into a finalized, queued generation before doing any network
// work — so a concurrent Add always lands in a fresh Buffer instance and
// never shares counters with the generation being uploaded — then
// uploads and commits queued generations in order, oldest first. Flushes
// for one manager are single-flighted: a flush already in progress
// coalesces a concurrent caller into a single queued follow-up rather
// than running twice.
func (m *Manager) Flush(ctx context.Context, reason domain.FlushReason) error {
	m.mu.Lock()
	if m.flushing {
		m.followUp = true
		m.mu.Unlock()
		return nil
	}
	if m.buf.IsEmpty() && len(m.pending) == 0 {
		m.mu.Unlock()
		return nil
	}
	if !m.buf.IsEmpty() {
		createdAt := m.buf.CreatedAt()
		if path, meta, err := m.buf.Finalize(); err == nil {
			m.pending = append(m.pending, &pendingGeneration{path: path, meta: meta, createdAt: createdAt})
		}
		m.buf = sessionbuffer.New(m.dir, m.tailLen)
	}
	m.flushing = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.flushing = false
		again := m.followUp
		m.followUp = false
		m.mu.Unlock()
		if again {
			go m.Flush(context.Background(), reason)
		}
	}()

	start := time.Now()
	err := m.doFlush(ctx, reason)
	metrics.FlushDuration.WithLabelValues(string(reason)).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.FlushFailures.WithLabelValues(string(reason)).Inc()
	}
	return err
}

// doFlush uploads and commits queued generations one at a time, oldest
// first, stopping at the first failure so later generations (and a
// retried failed one) stay queued for the next Flush call rather than
// being skipped or committed out of order.
func (m *Manager) doFlush(ctx context.Context, reason domain.FlushReason) error {
	for {
		m.mu.Lock()
		if m.destroyed || len(m.pending) == 0 {
			m.mu.Unlock()
			return nil
		}
		gen := m.pending[0]
		m.mu.Unlock()

		objMeta := domain.ObjectMetadata{
			TeamID:        m.key.TeamID,
			SessionID:     m.key.SessionID,
			Partition:     m.partition.Partition,
			LowestOffset:  gen.meta.LowestOffset,
			HighestOffset: gen.meta.HighestOffset,
			EventCount:    gen.meta.EventCount,
		}
		key := objectstore.Key(objMeta, gen.createdAt.UnixMilli())

		if _, err := m.uploader.UploadFile(ctx, key, gen.path, objMeta); err != nil {
			return fmt.Errorf("upload flushed session %s/%s (reason=%s): %w", m.key.SessionID, key, reason, err)
		}
		if err := os.Remove(gen.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove finalized session file %s: %w", gen.path, err)
		}

		if err := m.marker.Add(ctx, m.partition, m.key.SessionID, gen.meta.HighestOffset); err != nil {
			return fmt.Errorf("advance per-session high water mark: %w", err)
		}
		if err := m.marker.Add(ctx, m.partition, domain.PartitionGlobalKey, gen.meta.HighestOffset); err != nil {
			return fmt.Errorf("advance partition-global high water mark: %w", err)
		}

		m.mu.Lock()
		if len(m.pending) > 0 && m.pending[0] == gen {
			m.pending = m.pending[1:]
		}
		m.mu.Unlock()
	}
}

// GetLowestOffset returns the lowest offset not yet durably committed,
// across both the live buffer and any generation still queued after a
// failed upload, or false if neither holds anything. Queued generations
// are oldest-first, so the head of the queue is always the lowest.
// The Consumer uses this across all live managers on a partition to
// compute the safe commit point.
func (m *Manager) GetLowestOffset() (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) > 0 {
		return m.pending[0].meta.LowestOffset, true
	}
	return m.buf.LowestOffset()
}

// OldestTimestampMs returns the buffer's oldest event timestamp, or false
// if empty. Used to sort revoked sessions oldest-first before a
// revoke-time flush (spec.md's Open Question on sort ordering).
func (m *Manager) OldestTimestampMs() (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buf.OldestTimestampMs()
}

// IsEmpty reports whether the buffer or the queued-generation backlog
// currently holds any unflushed events.
func (m *Manager) IsEmpty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending) == 0 && m.buf.IsEmpty()
}

// Destroy cancels pending work and unlinks any temp file still held by the
// buffer or queued for upload. An upload already in flight runs to
// completion, but its flush then stops without touching the queue.
// Idempotent.
func (m *Manager) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return
	}
	m.destroyed = true
	if m.realtimeActive {
		m.realtimeActive = false
		metrics.RealtimeSessions.Dec()
	}
	m.buf.Destroy()
	for _, gen := range m.pending {
		_ = os.Remove(gen.path)
	}
	m.pending = nil
}
