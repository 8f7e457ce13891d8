// Package callbox defines the GPU-visible CallBox record (spec.md §3)
// and the VISIBLE_DURATION constant that governs eviction across the
// rest of the pipeline.
package callbox

import "math"

// VisibleDuration is the sliding window (spec.md GLOSSARY: "Visibility
// window") outside of which data is evicted from both TraceState and
// GpuSyncVec. Expressed in nanoseconds, the same unit as TraceEvent
// timestamps.
const VisibleDuration uint64 = 30_000_000_000 // 30s

// Time is the split [lo31, hi33] encoding of a monotonic nanosecond
// timestamp described in spec.md §3: the low word keeps `t & 0x7fffffff`
// within a signed-float-safe range for shader arithmetic, the high word
// carries the slowly-changing remainder. Lossless for t < 2^63 (spec.md
// §8 invariant 3).
type Time struct {
	Lo uint32
	Hi uint32
}

// Encode packs a raw timestamp into its split representation.
func Encode(t uint64) Time {
	return Time{
		Lo: uint32(t & 0x7fffffff),
		Hi: uint32((t >> 31) & 0xffffffff),
	}
}

// Decode reconstructs the raw timestamp. Lossy for t >= 2^63.
func (t Time) Decode() uint64 {
	return (uint64(t.Hi) << 31) | uint64(t.Lo)
}

// Open is the encoding of the open-box sentinel (u64::MAX), stored
// verbatim in CallBox.EndTime for boxes that have not yet closed.
var Open = Encode(math.MaxUint64)

// IsOpen reports whether t is the open-box sentinel.
func (t Time) IsOpen() bool {
	return t == Open
}

// Box is the 24-byte GPU-visible call-box record: one continuous span
// during which a method was on a thread's stack (spec.md §3, GLOSSARY).
// Field order matches the C layout the renderer's vertex buffer expects
// and must not be reordered.
type Box struct {
	StartTime Time
	EndTime   Time
	MethodID  uint32
	Depth     uint32
}

// NewOpen constructs a Box that starts at start and has not yet closed.
func NewOpen(start uint64, methodID uint32, depth uint32) Box {
	return Box{
		StartTime: Encode(start),
		EndTime:   Open,
		MethodID:  methodID,
		Depth:     depth,
	}
}

// Close sets the box's end time, per spec.md §4.3: "a CallBox's end is
// strictly start at the moment of a suspend/GC/return".
func (b *Box) Close(end uint64) {
	b.EndTime = Encode(end)
}
