// Package shmringtest provides a producer-side stand-in for tests. The
// real producer (the traced program) lives outside this repository's
// scope (spec.md §1); this writer reproduces its write-index protocol
// well enough to drive RingReader in unit tests.
package shmringtest

import (
	"sync/atomic"
	"unsafe"

	"github.com/rrprof/rrprof/internal/shmring"
)

// Writer drives the producer side of a shmring.RingBuffer for tests. It
// is not part of the production consumer path.
type Writer struct {
	ring  *shmring.RingBuffer
	index uint64
}

// NewWriter wraps the RingBuffer found at the start of data, which must
// be at least shmring.Size bytes.
func NewWriter(data []byte) *Writer {
	return &Writer{
		ring: (*shmring.RingBuffer)(unsafe.Pointer(&data[0])),
	}
}

// NewBackedRing allocates a fresh, zeroed buffer large enough to hold a
// RingBuffer and returns both the raw bytes (for shmring.NewRingReader)
// and a Writer over the same memory.
func NewBackedRing() ([]byte, *Writer) {
	buf := make([]byte, shmring.Size)
	return buf, NewWriter(buf)
}

// Write appends events to the ring, overwriting the oldest unread slots
// if the caller pushes more than shmring.RingSize events without an
// intervening read (mirroring a real producer that never blocks on a
// slow consumer).
func (w *Writer) Write(events ...shmring.TraceEvent) {
	for _, ev := range events {
		slot := w.index & shmring.RingMask
		w.ring.Events[slot] = ev
		w.index++
		atomic.StoreUint64(&w.ring.Writer.WriteIndex, w.index)
	}
}
