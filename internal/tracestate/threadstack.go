// Package tracestate holds the live, authoritative per-thread call-box
// geometry (spec.md §4.5): one ThreadStack per traced thread, each
// backed by a gpuvec.GpuSyncVec of callbox.Box, plus the slot-recycling
// bookkeeping that keeps that vector as small as the visibility window
// allows. TraceState drives these stacks directly off the raw event
// stream, independent of (and not blocked by) slowtrace's geometry
// preview: slowtrace's worker output may be dropped as stale under
// load (spec.md §4.3, §7), and ThreadStack's own replay is what must
// never lose an event.
package tracestate

import (
	"container/heap"
	"sort"

	"go.uber.org/zap"

	"github.com/rrprof/rrprof/internal/callbox"
	"github.com/rrprof/rrprof/internal/gpuvec"
)

// noVertex marks a call-stack frame with no live vertex slot, e.g.
// while cut by a GC or thread suspension (spec.md §4.5: "vertex_index =
// NONE").
const noVertex = -1

type callStackFrame struct {
	vertexIndex int
	methodID    uint64
}

type freeSlotEntry struct {
	index  int
	exitAt uint64
}

type freeDepthEntry struct {
	depth    uint32
	closedAt uint64
}

type intHeap []int

func (h intHeap) Len() int            { return len(h) }
func (h intHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h intHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *intHeap) Push(x interface{}) { *h = append(*h, x.(int)) }
func (h *intHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// ThreadStack is one traced thread's open/closed call geometry: a
// call-stack mirror plus the GPU-mirrored vector of CallBox records it
// writes into, and the bookkeeping that lets freed slots be reused
// before the vector is ever grown (spec.md §4.4, §4.5).
type ThreadStack struct {
	threadID uint64

	callStack []callStackFrame
	vertices  *gpuvec.GpuSyncVec[callbox.Box]

	usedSlot []int // ascending ordered set of live vertex indices

	freeSlot intHeap // min-heap: smallest reusable index first

	readyForFree []freeSlotEntry // FIFO, ordered by exitAt

	visibleDepth map[uint32]int   // depth -> count of frames open at that depth
	freeDepthQ   []freeDepthEntry // FIFO, ordered by closedAt

	log *zap.SugaredLogger
}

func newThreadStack(tid uint64, device gpuvec.Device, usage gpuvec.Usage, maxBufferSize uint64, log *zap.SugaredLogger) *ThreadStack {
	return &ThreadStack{
		threadID:     tid,
		vertices:     gpuvec.New[callbox.Box](device, usage, maxBufferSize),
		visibleDepth: make(map[uint32]int),
		log:          log,
	}
}

func insertSorted(s []int, v int) []int {
	i := sort.SearchInts(s, v)
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func removeSorted(s []int, v int) []int {
	i := sort.SearchInts(s, v)
	if i < len(s) && s[i] == v {
		s = append(s[:i], s[i+1:]...)
	}
	return s
}

func (t *ThreadStack) addDepth(d uint32) {
	t.visibleDepth[d]++
}

func (t *ThreadStack) removeDepthCount(d uint32) {
	c := t.visibleDepth[d]
	if c <= 1 {
		delete(t.visibleDepth, d)
		return
	}
	t.visibleDepth[d] = c - 1
}

// MaxDepth returns the deepest depth with at least one visible frame,
// and false if none is currently visible.
func (t *ThreadStack) MaxDepth() (uint32, bool) {
	var max uint32
	found := false
	for d := range t.visibleDepth {
		if !found || d > max {
			max = d
			found = true
		}
	}
	return max, found
}

// allocateSlot reuses the smallest free slot still addressable in the
// host vector, skipping any that were left behind by a prior Truncate,
// and falls back to appending a new element (spec.md §4.5: "Reuse the
// smallest free slot if any and still addressable, else append").
func (t *ThreadStack) allocateSlot(box callbox.Box) int {
	for t.freeSlot.Len() > 0 {
		idx := heap.Pop(&t.freeSlot).(int)
		if idx < t.vertices.Len() {
			*t.vertices.IndexMut(idx) = box
			return idx
		}
	}
	return t.vertices.Push(box)
}

func (t *ThreadStack) drainReadyForFree(now uint64) {
	for len(t.readyForFree) > 0 {
		head := t.readyForFree[0]
		if head.exitAt+callbox.VisibleDuration >= now {
			break
		}
		t.readyForFree = t.readyForFree[1:]
		heap.Push(&t.freeSlot, head.index)
		t.usedSlot = removeSorted(t.usedSlot, head.index)
	}
}

// enter opens a new call-stack frame for methodID at time at (spec.md
// §4.5). Newly freed slots older than the visibility window are
// reclaimed first.
func (t *ThreadStack) enter(at uint64, methodID uint64) {
	t.drainReadyForFree(at)

	depth := uint32(len(t.callStack))
	box := callbox.NewOpen(at, uint32(methodID), depth)
	idx := t.allocateSlot(box)

	t.callStack = append(t.callStack, callStackFrame{vertexIndex: idx, methodID: methodID})
	t.usedSlot = insertSorted(t.usedSlot, idx)
	t.addDepth(depth)
}

// exit pops call-stack frames until one matching methodID is popped
// (or the stack empties), closing each popped frame's box and
// scheduling its slot for reuse (spec.md §4.5, and §7's tolerance for
// a Return with no matching Call).
func (t *ThreadStack) exit(at uint64, methodID uint64) {
	for len(t.callStack) > 0 {
		n := len(t.callStack)
		frame := t.callStack[n-1]
		t.callStack = t.callStack[:n-1]
		depth := uint32(n - 1)

		t.freeDepthQ = append(t.freeDepthQ, freeDepthEntry{depth: depth, closedAt: at})

		if frame.vertexIndex != noVertex {
			if box := t.vertices.GetMut(frame.vertexIndex); box != nil {
				box.Close(at)
			}
			t.readyForFree = append(t.readyForFree, freeSlotEntry{index: frame.vertexIndex, exitAt: at})
		}

		if frame.methodID == methodID {
			return
		}
	}
}

// cutAll closes every currently open frame without popping it from the
// call stack, marking each frame's vertex as NONE (spec.md §4.3: used
// for GCStart on the current thread and ThreadSuspended on its tid).
func (t *ThreadStack) cutAll(at uint64) {
	for i := range t.callStack {
		frame := &t.callStack[i]
		if frame.vertexIndex == noVertex {
			continue
		}
		depth := uint32(i)
		if box := t.vertices.GetMut(frame.vertexIndex); box != nil {
			box.Close(at)
		}
		t.readyForFree = append(t.readyForFree, freeSlotEntry{index: frame.vertexIndex, exitAt: at})
		t.freeDepthQ = append(t.freeDepthQ, freeDepthEntry{depth: depth, closedAt: at})
		frame.vertexIndex = noVertex
	}
}

// resumeAll reopens every frame on the call stack as a fresh box
// segment starting at at (spec.md §4.3: used for GCEnd and
// ThreadResume).
func (t *ThreadStack) resumeAll(at uint64) {
	t.drainReadyForFree(at)
	for i := range t.callStack {
		frame := &t.callStack[i]
		depth := uint32(i)
		box := callbox.NewOpen(at, uint32(frame.methodID), depth)
		idx := t.allocateSlot(box)
		frame.vertexIndex = idx
		t.usedSlot = insertSorted(t.usedSlot, idx)
		t.addDepth(depth)
	}
}

func saturatingSub(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}

// sync truncates the host vector back down to the highest still-live
// slot, uploads the result to the GPU, and evicts free_depth entries
// that have aged out of the visibility window (spec.md §4.4, §4.5).
func (t *ThreadStack) sync(now uint64) {
	requiredLen := 0
	if n := len(t.usedSlot); n > 0 {
		requiredLen = t.usedSlot[n-1] + 1
	}
	t.vertices.Truncate(requiredLen)
	t.vertices.Sync()

	cutoff := saturatingSub(now, callbox.VisibleDuration)
	for len(t.freeDepthQ) > 0 && t.freeDepthQ[0].closedAt < cutoff {
		entry := t.freeDepthQ[0]
		t.freeDepthQ = t.freeDepthQ[1:]
		t.removeDepthCount(entry.depth)
	}
}
