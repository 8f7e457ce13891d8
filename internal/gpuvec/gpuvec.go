// Package gpuvec implements GpuSyncVec, a growable host-side vector
// whose dirty byte range is mirrored into one or more GPU buffers on
// Sync (spec.md §4.4). It never touches a concrete graphics API: Device
// and Buffer are named contracts the renderer (out of scope per
// spec.md §1) implements.
package gpuvec

import "unsafe"

// Usage is an opaque set of buffer usage flags, passed through to
// Device.CreateBuffer unexamined; the renderer defines its meaning.
type Usage uint32

// Buffer is a handle to one GPU-resident buffer backing a slice of a
// GpuSyncVec's dirty range.
type Buffer interface {
	// Size reports the buffer's capacity in bytes.
	Size() uint64
}

// Device creates buffers and writes byte ranges into them. Buffer
// creation and WriteBuffer must be safe to call from the ingestion
// thread (spec.md §5: "buffer creation and write_buffer are
// thread-safe per the GPU abstraction").
type Device interface {
	CreateBuffer(size uint64, usage Usage) Buffer
	WriteBuffer(buf Buffer, byteOffset uint64, data []byte)
}

// emptyLo is the dirty-range-empty sentinel's low bound: spec.md §4.4's
// `usize::MAX..0`.
const emptyLo = int(^uint(0) >> 1)

// GpuSyncVec is a typed, growable container with a mirrored GPU
// representation. The zero value is not usable; construct with New.
type GpuSyncVec[T any] struct {
	device        Device
	usage         Usage
	maxBufferSize uint64

	data    []T
	dirtyLo int
	dirtyHi int
	buffers []Buffer
}

// New returns an empty GpuSyncVec backed by device, creating buffers no
// larger than maxBufferSize bytes each.
func New[T any](device Device, usage Usage, maxBufferSize uint64) *GpuSyncVec[T] {
	return &GpuSyncVec[T]{
		device:        device,
		usage:         usage,
		maxBufferSize: maxBufferSize,
		dirtyLo:       emptyLo,
		dirtyHi:       0,
	}
}

// Len returns the number of live host-side elements.
func (v *GpuSyncVec[T]) Len() int {
	return len(v.data)
}

// Push appends value to the host array, extending the dirty interval to
// cover the new index, and returns its index.
func (v *GpuSyncVec[T]) Push(value T) int {
	idx := len(v.data)
	v.data = append(v.data, value)
	v.markDirty(idx, idx+1)
	return idx
}

// IndexMut returns a pointer to element i, extending the dirty interval
// to include it. Panics if i is out of range, matching direct slice
// indexing semantics; callers that need a safe variant should use
// GetMut.
func (v *GpuSyncVec[T]) IndexMut(i int) *T {
	v.markDirty(i, i+1)
	return &v.data[i]
}

// GetMut is IndexMut but returns nil instead of panicking when i is out
// of range (spec.md §4.4: "returns nothing for out-of-range").
func (v *GpuSyncVec[T]) GetMut(i int) *T {
	if i < 0 || i >= len(v.data) {
		return nil
	}
	return v.IndexMut(i)
}

// Get returns element i without marking anything dirty.
func (v *GpuSyncVec[T]) Get(i int) (T, bool) {
	var zero T
	if i < 0 || i >= len(v.data) {
		return zero, false
	}
	return v.data[i], true
}

// Truncate shrinks the host array to n elements and clamps the dirty
// interval's high bound to n.
func (v *GpuSyncVec[T]) Truncate(n int) {
	if n < 0 {
		n = 0
	}
	if n < len(v.data) {
		v.data = v.data[:n]
	}
	if v.dirtyHi > n {
		v.dirtyHi = n
	}
	v.normalizeDirty()
}

func (v *GpuSyncVec[T]) markDirty(lo, hi int) {
	if lo < v.dirtyLo {
		v.dirtyLo = lo
	}
	if hi > v.dirtyHi {
		v.dirtyHi = hi
	}
}

func (v *GpuSyncVec[T]) normalizeDirty() {
	if v.dirtyLo >= v.dirtyHi {
		v.dirtyLo = emptyLo
		v.dirtyHi = 0
	}
}

// DirtyRange returns the current dirty interval [lo, hi), primarily for
// tests; production callers should use Sync.
func (v *GpuSyncVec[T]) DirtyRange() (int, int) {
	if v.dirtyLo >= v.dirtyHi {
		return emptyLo, 0
	}
	return v.dirtyLo, v.dirtyHi
}

// BufferCount reports how many GPU buffers currently back this vec.
func (v *GpuSyncVec[T]) BufferCount() int {
	return len(v.buffers)
}

func elemSize[T any]() uint64 {
	var zero T
	return uint64(unsafe.Sizeof(zero))
}

func bytesOf[T any](s []T) []byte {
	if len(s) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&s[0])), len(s)*int(elemSize[T]()))
}

func nextPowerOfTwo(n uint64) uint64 {
	if n == 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}

func ceilDiv(a, b uint64) uint64 {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}

// Sync reconciles GPU buffers with the dirty host range and uploads it,
// following the chained-buffer growth algorithm of spec.md §4.4. A
// no-op when nothing is dirty.
func (v *GpuSyncVec[T]) Sync() {
	if v.dirtyLo >= v.dirtyHi {
		return
	}

	size := elemSize[T]()
	perBuf := v.maxBufferSize / size
	if perBuf == 0 {
		perBuf = 1
	}
	singleMaxBytes := perBuf * size

	requiredLen := uint64(len(v.data))
	requiredBytes := requiredLen * size

	switch {
	case len(v.buffers) <= 1:
		var curSize uint64
		if len(v.buffers) == 1 {
			curSize = v.buffers[0].Size()
		}
		if requiredBytes > curSize {
			switch {
			case requiredBytes <= v.maxBufferSize:
				buf := v.device.CreateBuffer(nextPowerOfTwo(requiredBytes), v.usage)
				v.buffers = []Buffer{buf}
				v.dirtyLo, v.dirtyHi = 0, len(v.data)
			case curSize < singleMaxBytes:
				chainLen := int(ceilDiv(requiredBytes, singleMaxBytes))
				buffers := make([]Buffer, chainLen)
				for i := range buffers {
					buffers[i] = v.device.CreateBuffer(singleMaxBytes, v.usage)
				}
				v.buffers = buffers
				v.dirtyLo, v.dirtyHi = 0, len(v.data)
			}
		}
	default:
		wantChainLen := int(ceilDiv(requiredLen, perBuf))
		for len(v.buffers) < wantChainLen {
			v.buffers = append(v.buffers, v.device.CreateBuffer(singleMaxBytes, v.usage))
		}
	}

	v.upload(int(perBuf), size)

	v.dirtyLo, v.dirtyHi = emptyLo, 0
}

func (v *GpuSyncVec[T]) upload(perBuf int, size uint64) {
	lo, hi := v.dirtyLo, v.dirtyHi

	if len(v.buffers) <= 1 {
		if len(v.buffers) == 1 {
			v.device.WriteBuffer(v.buffers[0], uint64(lo)*size, bytesOf(v.data[lo:hi]))
		}
		return
	}

	startBuf := lo / perBuf
	startItem := lo % perBuf
	lastIdx := hi - 1
	endBuf := lastIdx / perBuf
	endItemExclusive := lastIdx%perBuf + 1

	if startBuf == endBuf {
		v.device.WriteBuffer(v.buffers[startBuf], uint64(startItem)*size, bytesOf(v.data[lo:hi]))
		return
	}

	startBufEnd := (startBuf + 1) * perBuf
	if startBufEnd > len(v.data) {
		startBufEnd = len(v.data)
	}
	v.device.WriteBuffer(v.buffers[startBuf], uint64(startItem)*size, bytesOf(v.data[lo:startBufEnd]))

	for b := startBuf + 1; b < endBuf; b++ {
		bufStart := b * perBuf
		bufEnd := bufStart + perBuf
		if bufEnd > len(v.data) {
			bufEnd = len(v.data)
		}
		v.device.WriteBuffer(v.buffers[b], 0, bytesOf(v.data[bufStart:bufEnd]))
	}

	endBufStart := endBuf * perBuf
	v.device.WriteBuffer(v.buffers[endBuf], 0, bytesOf(v.data[endBufStart:endBufStart+endItemExclusive]))
}

// ReadBuffers invokes f once per filled GPU buffer, in order, passing
// the buffer handle and how many live elements it holds (the full
// per-buffer capacity for every buffer but the last, a partial count
// for the tail). Used by the renderer to issue one draw call per
// buffer fragment (spec.md §4.6).
func (v *GpuSyncVec[T]) ReadBuffers(f func(buf Buffer, count int)) {
	if len(v.buffers) == 0 {
		return
	}

	perBuf := int(v.maxBufferSize / elemSize[T]())
	if perBuf == 0 {
		perBuf = 1
	}

	remaining := len(v.data)
	for _, buf := range v.buffers {
		n := perBuf
		if remaining < n {
			n = remaining
		}
		if n < 0 {
			n = 0
		}
		f(buf, n)
		remaining -= n
	}
}
