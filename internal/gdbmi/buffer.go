package gdbmi

import (
	"sync"
	"time"
)

// ioBuffer is the append-only accumulator of debuggee output. The PTY read
// loop is the single writer; readers consume the unread delta and advance a
// cursor, so reading twice with no new output yields an empty second result.
// Size is bounded: when the cap is exceeded the oldest bytes are discarded,
// cursor included, but bytes are never reordered.
type ioBuffer struct {
	mu      sync.Mutex
	data    []byte
	off     int // read cursor into data
	max     int
	dropped int // total bytes evicted by the cap

	// dataReady gets a non-blocking signal on every append so readers can
	// wait for output without polling.
	dataReady chan struct{}
}

func newIOBuffer(max int) *ioBuffer {
	return &ioBuffer{
		max:       max,
		dataReady: make(chan struct{}, 1),
	}
}

func (b *ioBuffer) append(p []byte) {
	if len(p) == 0 {
		return
	}
	b.mu.Lock()
	if len(p) >= b.max {
		// Larger than the whole buffer: keep only the tail.
		b.dropped += len(b.data) - b.off + len(p) - b.max
		b.data = append(b.data[:0], p[len(p)-b.max:]...)
		b.off = 0
	} else {
		b.data = append(b.data, p...)
		if len(b.data)-b.off > b.max {
			evict := len(b.data) - b.off - b.max
			b.off += evict
			b.dropped += evict
		}
		b.compactLocked()
	}
	b.mu.Unlock()

	select {
	case b.dataReady <- struct{}{}:
	default:
	}
}

// compactLocked drops already-consumed bytes once they dominate the slice.
func (b *ioBuffer) compactLocked() {
	if b.off > 0 && b.off >= len(b.data)/2 {
		b.data = append(b.data[:0], b.data[b.off:]...)
		b.off = 0
	}
}

// readDelta returns up to max unread bytes and advances the cursor. It never
// blocks; use wait to poll for new data first.
func (b *ioBuffer) readDelta(max int) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	avail := len(b.data) - b.off
	if avail == 0 {
		return nil
	}
	n := avail
	if max > 0 && n > max {
		n = max
	}
	out := make([]byte, n)
	copy(out, b.data[b.off:b.off+n])
	b.off += n
	b.compactLocked()
	return out
}

// wait blocks until new data may be available or the timeout elapses.
// Spurious wakeups are possible; callers re-check with readDelta.
func (b *ioBuffer) wait(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-b.dataReady:
		return true
	case <-timer.C:
		return false
	}
}

// pendingBytes reports the size of the unread delta.
func (b *ioBuffer) pendingBytes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data) - b.off
}

// droppedBytes reports how many bytes the cap has evicted so far.
func (b *ioBuffer) droppedBytes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
