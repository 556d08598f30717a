// Package sessionbuffer implements SessionBuffer (spec.md §4.E): a pure
// data container owned by exactly one SessionManager, backed by a temp
// file receiving newline-delimited serialized events plus in-memory
// metadata tracking offsets, timestamps, and size. Append is O(1)
// amortized; finalize flushes OS buffers and returns the file for
// upload.
package sessionbuffer

import (
	"bufio"
	"fmt"
	"os"
	"time"
)

// defaultRealtimeTailLen is the tail length New uses when given a
// non-positive tailLen. The tail is the in-memory ring of most recently
// appended serialized events, kept across resets so a freshly-flushed
// session still has recent history for live viewers.
const defaultRealtimeTailLen = 64

// Metadata describes a finalized buffer, enough for SessionManager to
// derive an object store key and advance the high-water marker.
type Metadata struct {
	LowestOffset  int64
	HighestOffset int64
	ByteSize      int64
	EventCount    int
}

// Buffer is a single session's append-only scratch file plus tracking
// state. It is not safe for concurrent use; the owning SessionManager
// serializes access.
type Buffer struct {
	dir string

	file   *os.File
	writer *bufio.Writer

	oldestTimestampMs int64
	newestTimestampMs int64
	lowestOffset      int64
	highestOffset     int64
	hasOffset         bool
	byteSize          int64
	eventCount        int
	createdAt         time.Time

	tailLen int
	tail    [][]byte
}

// New creates an empty Buffer rooted at dir for temp files. dir must
// exist and be writable.
func New(dir string, tailLen int) *Buffer {
	if tailLen <= 0 {
		tailLen = defaultRealtimeTailLen
	}
	return &Buffer{dir: dir, tailLen: tailLen, createdAt: time.Now()}
}

func (b *Buffer) ensureOpen() error {
	if b.file != nil {
		return nil
	}
	f, err := os.CreateTemp(b.dir, "session-*.ndjson")
	if err != nil {
		return fmt.Errorf("create session temp file: %w", err)
	}
	b.file = f
	b.writer = bufio.NewWriter(f)
	return nil
}

// Append serializes event as a single line and appends it to the
// buffer, tracking offset and timestamp extremes. event must not
// itself contain a newline; callers are expected to pass an
// already-encoded record.
func (b *Buffer) Append(event []byte, offset int64, timestampMs int64) error {
	if err := b.ensureOpen(); err != nil {
		return err
	}

	if _, err := b.writer.Write(event); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	if err := b.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("append newline: %w", err)
	}

	if !b.hasOffset {
		b.lowestOffset = offset
		b.highestOffset = offset
		b.oldestTimestampMs = timestampMs
		b.newestTimestampMs = timestampMs
		b.hasOffset = true
	} else {
		if offset < b.lowestOffset {
			b.lowestOffset = offset
		}
		if offset > b.highestOffset {
			b.highestOffset = offset
		}
		if timestampMs < b.oldestTimestampMs {
			b.oldestTimestampMs = timestampMs
		}
		if timestampMs > b.newestTimestampMs {
			b.newestTimestampMs = timestampMs
		}
	}

	b.byteSize += int64(len(event)) + 1
	b.eventCount++
	b.appendTail(event)
	return nil
}

func (b *Buffer) appendTail(event []byte) {
	cp := make([]byte, len(event))
	copy(cp, event)
	b.tail = append(b.tail, cp)
	if len(b.tail) > b.tailLen {
		b.tail = b.tail[len(b.tail)-b.tailLen:]
	}
}

// Size returns the current byte size of appended (uncompressed) data.
func (b *Buffer) Size() int64 { return b.byteSize }

// IsEmpty reports whether any event has been appended since creation
// or the last Reset.
func (b *Buffer) IsEmpty() bool { return b.eventCount == 0 }

// LowestOffset returns the lowest appended offset, or false if empty.
func (b *Buffer) LowestOffset() (int64, bool) { return b.lowestOffset, b.hasOffset }

// OldestTimestampMs returns the oldest appended event timestamp, or
// false if empty.
func (b *Buffer) OldestTimestampMs() (int64, bool) { return b.oldestTimestampMs, b.hasOffset }

// NewestTimestampMs returns the newest appended event timestamp, or
// false if empty.
func (b *Buffer) NewestTimestampMs() (int64, bool) { return b.newestTimestampMs, b.hasOffset }

// CreatedAt returns the wall-clock time this buffer instance began
// accumulating events.
func (b *Buffer) CreatedAt() time.Time { return b.createdAt }

// RealtimeTail returns the most recently appended serialized events,
// oldest first, up to the configured tail length.
func (b *Buffer) RealtimeTail() [][]byte {
	out := make([][]byte, len(b.tail))
	copy(out, b.tail)
	return out
}

// Finalize flushes OS buffers and returns the temp file's path plus
// metadata describing its contents. The caller owns the file after
// this call and is responsible for removing it once uploaded.
func (b *Buffer) Finalize() (string, Metadata, error) {
	if b.file == nil {
		return "", Metadata{}, fmt.Errorf("finalize: buffer is empty")
	}
	if err := b.writer.Flush(); err != nil {
		return "", Metadata{}, fmt.Errorf("flush buffer writer: %w", err)
	}
	if err := b.file.Sync(); err != nil {
		return "", Metadata{}, fmt.Errorf("sync buffer file: %w", err)
	}
	path := b.file.Name()
	if err := b.file.Close(); err != nil {
		return "", Metadata{}, fmt.Errorf("close buffer file: %w", err)
	}
	b.file = nil
	b.writer = nil

	return path, Metadata{
		LowestOffset:  b.lowestOffset,
		HighestOffset: b.highestOffset,
		ByteSize:      b.byteSize,
		EventCount:    b.eventCount,
	}, nil
}

// Reset closes and removes any temp file not yet finalized and zeroes
// counters, keeping the realtime tail intact; the next Append opens a
// fresh temp file. Calling it again on an already reset buffer only
// zeroes the counters once more.
func (b *Buffer) Reset() {
	if b.file != nil {
		name := b.file.Name()
		_ = b.file.Close()
		_ = os.Remove(name)
	}
	b.file = nil
	b.writer = nil
	b.oldestTimestampMs = 0
	b.newestTimestampMs = 0
	b.lowestOffset = 0
	b.highestOffset = 0
	b.hasOffset = false
	b.byteSize = 0
	b.eventCount = 0
	b.createdAt = time.Now()
}

// Destroy releases any temp file held by this buffer without
// finalizing it. Safe to call multiple times.
func (b *Buffer) Destroy() {
	if b.file == nil {
		return
	}
	name := b.file.Name()
	_ = b.file.Close()
	_ = os.Remove(name)
	b.file = nil
	b.writer = nil
}
