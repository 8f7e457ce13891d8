package tracestate

import (
	"sort"

	"go.uber.org/zap"

	"github.com/rrprof/rrprof/internal/callbox"
	"github.com/rrprof/rrprof/internal/gpuvec"
	"github.com/rrprof/rrprof/internal/shmring"
)

type threadSlot struct {
	id    uint64
	stack *ThreadStack
}

type exitedEntry struct {
	threadID uint64
	exitAt   uint64
}

// TraceState is the authoritative, live mapping from thread id to its
// ThreadStack (spec.md §4.5). It is driven directly by the raw event
// stream rather than by slowtrace's worker output, so that a batch
// dropped as stale under GPU backpressure (spec.md §4.3, §7) never
// loses geometry: slowtrace only ever supplies a preview.
type TraceState struct {
	threads      []threadSlot // ascending by id
	baseTime     uint64
	lastThreadID uint64

	exitedThreads []exitedEntry

	device        gpuvec.Device
	usage         gpuvec.Usage
	maxBufferSize uint64
	log           *zap.SugaredLogger
}

// New returns an empty TraceState. device/usage/maxBufferSize are
// forwarded to every ThreadStack's GpuSyncVec as threads are
// discovered.
func New(device gpuvec.Device, usage gpuvec.Usage, maxBufferSize uint64, log *zap.SugaredLogger) *TraceState {
	return &TraceState{
		device:        device,
		usage:         usage,
		maxBufferSize: maxBufferSize,
		log:           log,
	}
}

func (s *TraceState) getOrCreate(tid uint64) *ThreadStack {
	i := sort.Search(len(s.threads), func(i int) bool { return s.threads[i].id >= tid })
	if i < len(s.threads) && s.threads[i].id == tid {
		return s.threads[i].stack
	}

	ts := newThreadStack(tid, s.device, s.usage, s.maxBufferSize, s.log)
	s.threads = append(s.threads, threadSlot{})
	copy(s.threads[i+1:], s.threads[i:])
	s.threads[i] = threadSlot{id: tid, stack: ts}
	return ts
}

func (s *TraceState) removeThread(tid uint64) {
	i := sort.Search(len(s.threads), func(i int) bool { return s.threads[i].id >= tid })
	if i < len(s.threads) && s.threads[i].id == tid {
		s.threads = append(s.threads[:i], s.threads[i+1:]...)
	}
}

// ApplyBatch folds a contiguous event batch into the live state,
// dispatching each event to a ThreadStack per spec.md §4.5's
// tid-selection rule: Call/Return/GCStart/GCEnd target last_thread_id;
// ThreadSuspended/ThreadResume/ThreadExit carry their target tid in
// Data, and ThreadResume additionally updates last_thread_id.
func (s *TraceState) ApplyBatch(events []shmring.TraceEvent) {
	for _, ev := range events {
		ts := ev.Timestamp()
		if ts > s.baseTime {
			s.baseTime = ts
		}

		switch ev.Kind() {
		case shmring.EventCall:
			s.getOrCreate(s.lastThreadID).enter(ts, ev.Data)
		case shmring.EventReturn:
			s.getOrCreate(s.lastThreadID).exit(ts, ev.Data)
		case shmring.EventGCStart:
			s.getOrCreate(s.lastThreadID).cutAll(ts)
		case shmring.EventGCEnd:
			s.getOrCreate(s.lastThreadID).resumeAll(ts)
		case shmring.EventThreadSuspended:
			s.getOrCreate(ev.Data).cutAll(ts)
		case shmring.EventThreadResume:
			s.lastThreadID = ev.Data
			s.getOrCreate(ev.Data).resumeAll(ts)
		case shmring.EventThreadExit:
			s.exitedThreads = append(s.exitedThreads, exitedEntry{threadID: ev.Data, exitAt: ts})
		default:
			// ThreadStart, ThreadReady, and unknown codes: no geometry
			// effect (spec.md §4.3, §7).
		}
	}
}

// Sync flushes every thread's GPU vector and evicts threads whose exit
// has aged out of the visibility window (spec.md §3: exited_threads).
func (s *TraceState) Sync(now uint64) {
	cutoff := saturatingSub(now, callbox.VisibleDuration)
	for len(s.exitedThreads) > 0 && s.exitedThreads[0].exitAt < cutoff {
		dead := s.exitedThreads[0]
		s.exitedThreads = s.exitedThreads[1:]
		s.removeThread(dead.threadID)
	}

	for _, slot := range s.threads {
		slot.stack.sync(now)
	}
}

// MaxDepth reports the deepest visible call depth across every thread,
// or 0 if nothing is visible (spec.md §4.5: max_depth()).
func (s *TraceState) MaxDepth() uint32 {
	var maxDepth uint32
	for _, slot := range s.threads {
		if d, ok := slot.stack.MaxDepth(); ok && d > maxDepth {
			maxDepth = d
		}
	}
	return maxDepth
}

// BaseTime returns the latest event timestamp folded into this state.
func (s *TraceState) BaseTime() uint64 {
	return s.baseTime
}

// ThreadCount returns how many threads currently have live state.
func (s *TraceState) ThreadCount() int {
	return len(s.threads)
}

// ThreadIDs returns every tracked thread id in ascending order, the
// lane order the renderer assigns thread rows in (SPEC_FULL.md §12).
func (s *TraceState) ThreadIDs() []uint64 {
	ids := make([]uint64, len(s.threads))
	for i, slot := range s.threads {
		ids[i] = slot.id
	}
	return ids
}

// ReadVertices invokes f once per GPU buffer fragment across every
// thread, in thread order, reporting each thread's lane index so the
// renderer can issue one draw call per (lane, buffer) pair (spec.md
// §4.6).
func (s *TraceState) ReadVertices(f func(lane int, tid uint64, buf gpuvec.Buffer, count int)) {
	for lane, slot := range s.threads {
		tid := slot.id
		slot.stack.vertices.ReadBuffers(func(buf gpuvec.Buffer, count int) {
			f(lane, tid, buf, count)
		})
	}
}

// ThreadView is a read-only snapshot of one thread's bookkeeping,
// exposed for tests and diagnostics.
type ThreadView struct {
	CallStackDepth int
	UsedSlotCount  int
	VertexCount    int
}

// View returns tid's current bookkeeping snapshot, and false if tid is
// not tracked.
func (s *TraceState) View(tid uint64) (ThreadView, bool) {
	i := sort.Search(len(s.threads), func(i int) bool { return s.threads[i].id >= tid })
	if i >= len(s.threads) || s.threads[i].id != tid {
		return ThreadView{}, false
	}
	ts := s.threads[i].stack
	return ThreadView{
		CallStackDepth: len(ts.callStack),
		UsedSlotCount:  len(ts.usedSlot),
		VertexCount:    ts.vertices.Len(),
	}, true
}

// Boxes returns every live CallBox currently held for tid, in vertex
// index order, and false if tid is not tracked. Exposed for tests.
func (s *TraceState) Boxes(tid uint64) ([]callbox.Box, bool) {
	i := sort.Search(len(s.threads), func(i int) bool { return s.threads[i].id >= tid })
	if i >= len(s.threads) || s.threads[i].id != tid {
		return nil, false
	}
	ts := s.threads[i].stack
	boxes := make([]callbox.Box, ts.vertices.Len())
	for idx := range boxes {
		b, _ := ts.vertices.Get(idx)
		boxes[idx] = b
	}
	return boxes, true
}
