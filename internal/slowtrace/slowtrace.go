// Package slowtrace reconstructs CallBox geometry for one contiguous
// event batch (spec.md §4.3). It is a pure, side-effect-free
// computation: no GPU calls, no slot recycling, nothing the caller
// needs to serialize against. That is what lets it run on a worker
// pool and be discarded outright when stale — the live geometry of
// record lives in tracestate, which replays the same raw events
// independently and never drops a batch. SlowTrace's output is a
// preview: useful to the renderer for threads tracestate hasn't caught
// up to yet, never required for correctness.
package slowtrace

import (
	"sort"

	"github.com/rrprof/rrprof/internal/callbox"
	"github.com/rrprof/rrprof/internal/fasttrace"
	"github.com/rrprof/rrprof/internal/shmring"
)

// noBox marks a CallStackEntry with no associated box, e.g. while cut
// by a GC or suspend within this batch (spec.md §4.3: "vertex_index =
// NONE").
const noBox = -1

// CallStackEntry is one frame of a thread's call stack as of the end
// of a batch, referencing its owning box by index into the sibling
// Boxes slice.
type CallStackEntry struct {
	BoxIndex int
	MethodID uint64
}

// ThreadResult is one thread's reconstructed geometry for a batch.
type ThreadResult struct {
	ThreadID uint64
	Stack    []CallStackEntry
	Boxes    []callbox.Box
}

// Result is the full output of one SlowTrace pass: every thread in the
// snapshot plus every thread the batch resumed, in ascending thread-id
// order, and the deepest call depth observed while replaying it.
type Result struct {
	StartTime uint64
	EndTime   uint64
	MaxDepth  uint32
	Threads   []ThreadResult
}

type workItem struct {
	threadID uint64
	stack    []CallStackEntry
	boxes    []callbox.Box
}

// Process replays events against a FastTrace snapshot taken at
// start_time, producing the geometry spec.md §4.3 describes. events
// must be contiguous and non-decreasing in timestamp. hasCurrentThread
// and currentThreadID mirror FastTrace.CurrentThreadID() at start_time;
// inGC mirrors FastTrace.InGC() at the same instant.
func Process(startTime uint64, snapshot []fasttrace.ThreadSnapshot, currentThreadID uint64, hasCurrentThread bool, inGC bool, events []shmring.TraceEvent) Result {
	endTime := startTime
	if len(events) > 0 {
		endTime = events[len(events)-1].Timestamp()
	}

	items := make([]*workItem, len(snapshot))
	index := make(map[uint64]int, len(snapshot))
	for i, th := range snapshot {
		stack := make([]CallStackEntry, len(th.Stack))
		for d, methodID := range th.Stack {
			stack[d] = CallStackEntry{BoxIndex: noBox, MethodID: methodID}
		}
		items[i] = &workItem{threadID: th.ThreadID, stack: stack}
		index[th.ThreadID] = i
	}

	var maxDepth uint32
	recordDepth := func(d uint32) {
		if d > maxDepth {
			maxDepth = d
		}
	}

	find := func(tid uint64) *workItem {
		if i, ok := index[tid]; ok {
			return items[i]
		}
		items = append(items, &workItem{threadID: tid})
		index[tid] = len(items) - 1
		return items[len(items)-1]
	}

	// materialize open-as-of-batch-start boxes for every frame of item,
	// provisionally closed at the batch's own end (spec.md §4.3 step 2:
	// "end=end_time, open-at-batch-end"). This is distinct from the true
	// open sentinel tracestate uses: a preview doesn't know the future.
	materialize := func(item *workItem, at uint64) {
		for d := range item.stack {
			box := callbox.NewOpen(at, uint32(item.stack[d].MethodID), uint32(d))
			box.Close(endTime)
			item.boxes = append(item.boxes, box)
			item.stack[d].BoxIndex = len(item.boxes) - 1
			recordDepth(uint32(d))
		}
	}

	push := func(item *workItem, at, methodID uint64) {
		depth := uint32(len(item.stack))
		box := callbox.NewOpen(at, uint32(methodID), depth)
		box.Close(endTime)
		item.boxes = append(item.boxes, box)
		item.stack = append(item.stack, CallStackEntry{BoxIndex: len(item.boxes) - 1, MethodID: methodID})
		recordDepth(depth)
	}

	pop := func(item *workItem, at, methodID uint64) {
		for len(item.stack) > 0 {
			n := len(item.stack)
			top := item.stack[n-1]
			item.stack = item.stack[:n-1]
			if top.BoxIndex != noBox {
				item.boxes[top.BoxIndex].Close(at)
			}
			if top.MethodID == methodID {
				return
			}
		}
	}

	cutAll := func(item *workItem, at uint64) {
		for i := range item.stack {
			if item.stack[i].BoxIndex == noBox {
				continue
			}
			item.boxes[item.stack[i].BoxIndex].Close(at)
			item.stack[i].BoxIndex = noBox
		}
	}

	resumeAll := func(item *workItem, at uint64) {
		for i := range item.stack {
			depth := uint32(i)
			box := callbox.NewOpen(at, uint32(item.stack[i].MethodID), depth)
			box.Close(endTime)
			item.boxes = append(item.boxes, box)
			item.stack[i].BoxIndex = len(item.boxes) - 1
			recordDepth(depth)
		}
	}

	var current *uint64
	if hasCurrentThread {
		tid := currentThreadID
		current = &tid
	}
	if !inGC && current != nil {
		materialize(find(*current), startTime)
	}

	for _, ev := range events {
		at := ev.Timestamp()
		switch ev.Kind() {
		case shmring.EventCall:
			if current != nil {
				push(find(*current), at, ev.Data)
			}
		case shmring.EventReturn:
			if current != nil {
				pop(find(*current), at, ev.Data)
			}
		case shmring.EventGCStart:
			if current != nil {
				cutAll(find(*current), at)
			}
		case shmring.EventGCEnd:
			if current != nil {
				resumeAll(find(*current), at)
			}
		case shmring.EventThreadSuspended:
			if current != nil {
				cutAll(find(*current), at)
			}
		case shmring.EventThreadResume:
			tid := ev.Data
			current = &tid
			resumeAll(find(tid), at)
		case shmring.EventThreadExit:
			// no geometry effect; tracestate owns eviction timing.
		default:
			// ThreadStart, ThreadReady, unknown codes: no geometry effect.
		}
	}

	sort.Slice(items, func(i, j int) bool { return items[i].threadID < items[j].threadID })

	threads := make([]ThreadResult, len(items))
	for i, item := range items {
		threads[i] = ThreadResult{ThreadID: item.threadID, Stack: item.stack, Boxes: item.boxes}
	}

	return Result{StartTime: startTime, EndTime: endTime, MaxDepth: maxDepth, Threads: threads}
}
