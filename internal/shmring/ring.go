// Package shmring implements the consumer side of the single-producer/
// single-consumer shared-memory event ring described in spec.md §3-4.1:
// a fixed 65,536-slot array of TraceEvent records plus a pair of
// cache-line-padded index blocks, one per side of the ring.
package shmring

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

const (
	// RingSize is the number of TraceEvent slots in the ring. It must be
	// a power of two so slot = index & RingMask.
	RingSize = 1 << 16
	// RingMask converts a monotonic sequence index into a slot index.
	RingMask = RingSize - 1

	cacheLineSize = 64
)

// writerBlock is the producer-local index pair: the producer's own
// write cursor, and its cached copy of the consumer's read cursor.
// Cache-line padded so consumer writes to readerBlock never false-share
// with producer reads/writes here.
type writerBlock struct {
	WriteIndex     uint64
	ReadIndexCache uint64
	_pad           [cacheLineSize - 2*8]byte
}

// readerBlock is the consumer-local index pair: the consumer's own read
// cursor, and its cached copy of the producer's write cursor.
type readerBlock struct {
	ReadIndex       uint64
	WriteIndexCache uint64
	_pad            [cacheLineSize - 2*8]byte
}

// RingBuffer is the exact shared-memory layout written by the traced
// producer: RingSize events, then a padded writer block, then a padded
// reader block. Do not reorder these fields — the layout is an ABI
// contract with the producer (spec.md §6).
type RingBuffer struct {
	Events [RingSize]TraceEvent
	Writer writerBlock
	Reader readerBlock
}

// Size is the number of bytes a RingBuffer occupies in shared memory;
// callers mapping a shared-memory object must map at least this many
// bytes.
const Size = unsafe.Sizeof(RingBuffer{})

// RingReader performs lock-free, non-blocking reads from a RingBuffer
// mapped into this process's address space. Not safe for concurrent use
// by more than one goroutine (spec.md §4.1: "Not safe to call from
// multiple readers").
type RingReader struct {
	ring *RingBuffer
}

// NewRingReader wraps the RingBuffer found at the start of data. data
// must be at least Size bytes and must remain mapped for the lifetime
// of the returned RingReader.
func NewRingReader(data []byte) (*RingReader, error) {
	if len(data) < int(Size) {
		return nil, fmt.Errorf("shared memory region too small for ring buffer: have %d bytes, need %d", len(data), Size)
	}
	return &RingReader{
		ring: (*RingBuffer)(unsafe.Pointer(&data[0])),
	}, nil
}

// Read copies up to len(out) pending events into out, advancing the
// consumer's read index by the number copied. It never blocks and
// returns 0 when the ring is empty. The return value n always satisfies
// n <= len(out).
func (r *RingReader) Read(out []TraceEvent) int {
	if len(out) == 0 {
		return 0
	}

	readIdx := atomic.LoadUint64(&r.ring.Reader.ReadIndex)
	writeIdxCache := r.ring.Reader.WriteIndexCache
	available := writeIdxCache - readIdx

	if available == 0 {
		writeIdxCache = atomic.LoadUint64(&r.ring.Writer.WriteIndex)
		r.ring.Reader.WriteIndexCache = writeIdxCache
		available = writeIdxCache - readIdx
		if available == 0 {
			return 0
		}
	}

	n := available
	if want := uint64(len(out)); want < n {
		n = want
	}

	startSlot := readIdx & RingMask
	if endSlot := startSlot + n; endSlot <= RingSize {
		copy(out[:n], r.ring.Events[startSlot:endSlot])
	} else {
		firstLen := RingSize - startSlot
		copy(out[:firstLen], r.ring.Events[startSlot:])
		copy(out[firstLen:n], r.ring.Events[:n-firstLen])
	}

	atomic.StoreUint64(&r.ring.Reader.ReadIndex, readIdx+n)
	return int(n)
}

// Available reports the number of events the next Read could return,
// without consuming anything. It refreshes the cached write index if
// the cache currently shows nothing pending.
func (r *RingReader) Available() uint64 {
	readIdx := atomic.LoadUint64(&r.ring.Reader.ReadIndex)
	writeIdxCache := r.ring.Reader.WriteIndexCache
	if writeIdxCache-readIdx == 0 {
		writeIdxCache = atomic.LoadUint64(&r.ring.Writer.WriteIndex)
		r.ring.Reader.WriteIndexCache = writeIdxCache
	}
	return writeIdxCache - readIdx
}
