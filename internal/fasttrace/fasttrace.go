// Package fasttrace maintains a maximally cheap mirror of the traced
// program's call stacks, kept synchronously in step with the event
// stream (spec.md §4.2). It holds method ids only — no geometry — so
// that the ingestion thread stays fast enough to match the producer;
// the expensive geometry reconstruction lives in slowtrace, which
// bootstraps itself from a cloned FastTrace snapshot.
package fasttrace

import (
	"sort"

	"github.com/rrprof/rrprof/internal/shmring"
)

// noThread is the sentinel "current_thread = ∞" state from spec.md
// §4.2: no thread is current, e.g. while suspended.
const noThread = -1

type threadEntry struct {
	ThreadID uint64
	Stack    []uint64 // method ids, bottom of stack first
}

// FastTrace is a cheaply cloneable snapshot of per-thread call stacks.
// The zero value is not usable; construct with New.
type FastTrace struct {
	threads       []threadEntry // ordered ascending by ThreadID
	currentThread int           // index into threads, or noThread
	inGC          bool
}

// New returns a FastTrace with a single, empty thread 0 current. This
// reproduces the documented behavior for events arriving before any
// ThreadResume (spec.md §9 Design Notes, Open Question: "last_thread_id
// initialization to 0").
func New() *FastTrace {
	return &FastTrace{
		threads:       []threadEntry{{ThreadID: 0}},
		currentThread: 0,
	}
}

// Clone returns an independent deep copy: a value clone with no shared
// backing arrays, safe to hand to a worker goroutine (spec.md §4.2
// contract).
func (f *FastTrace) Clone() *FastTrace {
	threads := make([]threadEntry, len(f.threads))
	for i, t := range f.threads {
		stack := make([]uint64, len(t.Stack))
		copy(stack, t.Stack)
		threads[i] = threadEntry{ThreadID: t.ThreadID, Stack: stack}
	}
	return &FastTrace{
		threads:       threads,
		currentThread: f.currentThread,
		inGC:          f.inGC,
	}
}

// Apply folds a contiguous event batch into the stack mirror, in order.
func (f *FastTrace) Apply(events []shmring.TraceEvent) {
	for _, ev := range events {
		switch ev.Kind() {
		case shmring.EventCall:
			f.push(ev.Data)
		case shmring.EventReturn:
			f.popUntil(ev.Data)
		case shmring.EventThreadSuspended:
			f.currentThread = noThread
		case shmring.EventThreadResume:
			f.currentThread = f.indexForThread(ev.Data)
		case shmring.EventThreadExit:
			f.removeThread(ev.Data)
		default:
			// GCStart, GCEnd, ThreadStart, ThreadReady, and any unknown
			// code: no stack-mirror state change (spec.md §4.2, §7).
		}
	}
	if len(events) > 0 {
		f.inGC = events[len(events)-1].Kind() == shmring.EventGCStart
	}
}

func (f *FastTrace) push(methodID uint64) {
	if f.currentThread == noThread {
		return
	}
	t := &f.threads[f.currentThread]
	t.Stack = append(t.Stack, methodID)
}

func (f *FastTrace) popUntil(methodID uint64) {
	if f.currentThread == noThread {
		return
	}
	t := &f.threads[f.currentThread]
	for len(t.Stack) > 0 {
		popped := t.Stack[len(t.Stack)-1]
		t.Stack = t.Stack[:len(t.Stack)-1]
		if popped == methodID {
			return
		}
	}
}

// indexForThread finds tid's entry via binary search, inserting a new,
// empty entry in sorted position if it doesn't exist yet (spec.md
// §4.2: "locate or insert the thread in the ordered list via binary
// search").
func (f *FastTrace) indexForThread(tid uint64) int {
	i := sort.Search(len(f.threads), func(i int) bool { return f.threads[i].ThreadID >= tid })
	if i < len(f.threads) && f.threads[i].ThreadID == tid {
		return i
	}

	f.threads = append(f.threads, threadEntry{})
	copy(f.threads[i+1:], f.threads[i:])
	f.threads[i] = threadEntry{ThreadID: tid}

	if f.currentThread >= i {
		f.currentThread++
	}
	return i
}

func (f *FastTrace) removeThread(tid uint64) {
	i := sort.Search(len(f.threads), func(i int) bool { return f.threads[i].ThreadID >= tid })
	if i >= len(f.threads) || f.threads[i].ThreadID != tid {
		// ThreadExit for an unknown thread: tolerate (spec.md §7).
		return
	}

	f.threads = append(f.threads[:i], f.threads[i+1:]...)
	switch {
	case f.currentThread == i:
		f.currentThread = noThread
	case f.currentThread > i:
		f.currentThread--
	}
}

// ThreadSnapshot is a read-only view of one thread's mirrored stack,
// used by slowtrace to seed per-thread work items.
type ThreadSnapshot struct {
	ThreadID uint64
	Stack    []uint64
}

// Threads returns every mirrored thread in ascending thread-id order.
// The returned stacks are owned by the caller and safe to mutate.
func (f *FastTrace) Threads() []ThreadSnapshot {
	out := make([]ThreadSnapshot, len(f.threads))
	for i, t := range f.threads {
		stack := make([]uint64, len(t.Stack))
		copy(stack, t.Stack)
		out[i] = ThreadSnapshot{ThreadID: t.ThreadID, Stack: stack}
	}
	return out
}

// CurrentThreadID returns the thread id FastTrace currently dispatches
// Call/Return events to, and false if there is none (suspended).
func (f *FastTrace) CurrentThreadID() (uint64, bool) {
	if f.currentThread == noThread {
		return 0, false
	}
	return f.threads[f.currentThread].ThreadID, true
}

// InGC reports whether the last event folded into this snapshot was
// GCStart.
func (f *FastTrace) InGC() bool {
	return f.inGC
}
