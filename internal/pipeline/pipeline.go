// Package pipeline wires the reader, trace, worker-pool, and UI
// threads described in spec.md §5 into one runnable unit: it drains
// the shared-memory ring, mirrors stacks with fasttrace, reconstructs
// geometry with slowtrace on a worker pool, and folds the raw events
// into tracestate's live GPU-backed geometry, all coordinated through
// golang.org/x/sync/errgroup the way cmd/yncp-director supervises its
// own goroutines in the teacher repo.
package pipeline

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/alphadose/zenq/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rrprof/rrprof/internal/callbox"
	"github.com/rrprof/rrprof/internal/fasttrace"
	"github.com/rrprof/rrprof/internal/gpuvec"
	"github.com/rrprof/rrprof/internal/shmring"
	"github.com/rrprof/rrprof/internal/slowtrace"
	"github.com/rrprof/rrprof/internal/tracestate"
)

// ReadBatchSize bounds how many events are pulled from the ring per
// reader iteration, and therefore the size of one event_queue entry.
const ReadBatchSize = 4096

// rawBatch is a contiguous slice of events handed from the reader role
// to the trace role through rawQueue, unmediated by FastTrace. Done
// marks the shutdown sentinel.
type rawBatch struct {
	Done   bool
	Events []shmring.TraceEvent
}

// rawQueue is an unbounded single-producer/single-consumer handoff
// between the reader role and the trace role. Unlike the zenq-backed
// event_queue/result_queue further downstream, push never blocks and
// never drops: the reader thread must never block (spec.md §5, §1's
// "reader busy-loops"), and dropping here would silently lose events
// tracestate's own replay is supposed to never lose (see
// internal/tracestate's package doc). Backpressure from a slow
// consumer surfaces as unbounded growth here instead of a stall, the
// same tradeoff an unbounded lock-free queue (e.g. the single-producer
// SegQueue spec.md §5 mentions for result_queue's ordering guarantee)
// makes.
type rawQueue struct {
	mu    sync.Mutex
	items []rawBatch
}

func (q *rawQueue) push(b rawBatch) {
	q.mu.Lock()
	q.items = append(q.items, b)
	q.mu.Unlock()
}

// pop blocks until an item is available or ctx is done, yielding the
// processor between polls the same way readLoop does on an empty ring
// read (original_source/src/main.rs's yield_now spin policy).
func (q *rawQueue) pop(ctx context.Context) (rawBatch, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			b := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return b, true
		}
		q.mu.Unlock()

		if err := ctx.Err(); err != nil {
			return rawBatch{}, false
		}
		runtime.Gosched()
	}
}

// eventBatch is one event_queue entry (spec.md §5): a contiguous slice
// of events plus enough FastTrace context for a worker to bootstrap
// SlowTrace without touching the live stack mirror itself. Done marks
// the shutdown sentinel.
type eventBatch struct {
	Done             bool
	StartTime        uint64
	Events           []shmring.TraceEvent
	Snapshot         []fasttrace.ThreadSnapshot
	CurrentThreadID  uint64
	HasCurrentThread bool
	InGC             bool
}

// workerResult is one result_queue entry: the same raw events (so the
// UI thread can drive tracestate's authoritative replay) alongside the
// worker's SlowTrace preview.
type workerResult struct {
	Done   bool
	Events []shmring.TraceEvent
	Trace  slowtrace.Result
}

// Pipeline owns the ring reader, the two queues, and the live trace
// state, and runs the four-thread pipeline until its context is
// canceled.
type Pipeline struct {
	reader *shmring.RingReader
	fast   *fasttrace.FastTrace
	trace  *tracestate.TraceState

	raw         rawQueue
	eventQueue  *zenq.ZenQ[eventBatch]
	resultQueue *zenq.ZenQ[workerResult]

	latestEndTime uint64 // accessed only via sync/atomic
	workerCount   int

	log     *zap.SugaredLogger
	onFrame func(slowtrace.Result, *tracestate.TraceState)
}

// New constructs a Pipeline. workerCount must be at least 1; it is the
// size of the SlowTrace worker pool (spec.md §5).
func New(reader *shmring.RingReader, device gpuvec.Device, usage gpuvec.Usage, maxBufferSize uint64, workerCount int, log *zap.SugaredLogger, onFrame func(slowtrace.Result, *tracestate.TraceState)) *Pipeline {
	if workerCount < 1 {
		workerCount = 1
	}
	return &Pipeline{
		reader:      reader,
		fast:        fasttrace.New(),
		trace:       tracestate.New(device, usage, maxBufferSize, log),
		eventQueue:  zenq.New[eventBatch](),
		resultQueue: zenq.New[workerResult](),
		workerCount: workerCount,
		log:         log,
		onFrame:     onFrame,
	}
}

// Run starts the reader, worker pool, and UI threads and blocks until
// ctx is canceled or one of them returns an error.
func (p *Pipeline) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return p.readLoop(ctx) })
	g.Go(func() error { return p.traceLoop(ctx) })
	for i := 0; i < p.workerCount; i++ {
		g.Go(func() error { return p.workerLoop(ctx) })
	}
	g.Go(func() error { return p.uiLoop(ctx) })

	return g.Wait()
}

// readLoop is the reader role (spec.md §5's "Reader thread"): a tight
// loop that only ever touches RingReader.Read and the unbounded raw
// handoff queue, so it can never block regardless of how far behind
// the trace/worker/UI roles fall. It yields the processor when the
// ring is empty rather than spinning it hot (original_source/src/
// main.rs's yield_now spin policy), never sleeps, and never applies
// FastTrace or writes to the zenq queues itself — that is the trace
// role's job.
func (p *Pipeline) readLoop(ctx context.Context) error {
	defer p.raw.push(rawBatch{Done: true})

	buf := make([]shmring.TraceEvent, ReadBatchSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n := p.reader.Read(buf)
		if n == 0 {
			runtime.Gosched()
			continue
		}

		events := make([]shmring.TraceEvent, n)
		copy(events, buf[:n])
		p.raw.push(rawBatch{Events: events})
	}
}

// traceLoop is the trace role (spec.md §5's "Trace thread"): it drains
// the raw handoff queue, applies each batch to its own FastTrace
// mirror, records LATEST_END_TIME, and forwards the batch plus the
// FastTrace context a worker needs onto event_queue. Unlike readLoop,
// this goroutine is allowed to block — on an empty raw queue, or on
// event_queue.Write when the worker pool is backed up — since only the
// reader role carries spec.md's never-blocks guarantee.
func (p *Pipeline) traceLoop(ctx context.Context) error {
	defer p.eventQueue.Write(eventBatch{Done: true})

	for {
		batch, ok := p.raw.pop(ctx)
		if !ok {
			return ctx.Err()
		}
		if batch.Done {
			return nil
		}

		events := batch.Events
		startTime := events[0].Timestamp()
		snapshot := p.fast.Threads()
		currentTID, hasCurrent := p.fast.CurrentThreadID()
		inGC := p.fast.InGC()

		p.fast.Apply(events)

		endTime := events[len(events)-1].Timestamp()
		atomic.StoreUint64(&p.latestEndTime, endTime)

		p.eventQueue.Write(eventBatch{
			StartTime:        startTime,
			Events:           events,
			Snapshot:         snapshot,
			CurrentThreadID:  currentTID,
			HasCurrentThread: hasCurrent,
			InGC:             inGC,
		})
	}
}

// isStale applies the drop-if-stale policy of spec.md §4.3: a batch
// whose visibility window has already fully elapsed by the time a
// worker would start on it is not worth computing.
func (p *Pipeline) isStale(startTime uint64) bool {
	latest := atomic.LoadUint64(&p.latestEndTime)
	return startTime+callbox.VisibleDuration < latest
}

// workerLoop computes SlowTrace previews off the hot path, skipping the
// preview for batches that have gone stale under backpressure instead of
// blocking the pipeline on a slow GPU (spec.md §4.3, §7). A stale
// batch's raw events are still forwarded to the UI loop.
func (p *Pipeline) workerLoop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch := p.eventQueue.Read()
		if batch.Done {
			p.eventQueue.Write(batch) // forward the sentinel to sibling workers
			p.resultQueue.Write(workerResult{Done: true})
			return ctx.Err()
		}

		if p.isStale(batch.StartTime) {
			p.log.Debugw("dropping stale preview", "start_time", batch.StartTime)
			p.resultQueue.Write(workerResult{Events: batch.Events})
			continue
		}

		result := slowtrace.Process(batch.StartTime, batch.Snapshot, batch.CurrentThreadID, batch.HasCurrentThread, batch.InGC, batch.Events)
		p.resultQueue.Write(workerResult{Events: batch.Events, Trace: result})
	}
}

// uiLoop drains the result queue, replays each batch's raw events into
// the authoritative tracestate (never blocked on whether a SlowTrace
// preview survived), and invokes onFrame with whatever preview
// accompanied it.
func (p *Pipeline) uiLoop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		res := p.resultQueue.Read()
		if res.Done {
			return ctx.Err()
		}

		p.trace.ApplyBatch(res.Events)
		p.trace.Sync(p.trace.BaseTime())

		if p.onFrame != nil {
			p.onFrame(res.Trace, p.trace)
		}
	}
}

// TraceState returns the live trace state, for diagnostics and tests.
func (p *Pipeline) TraceState() *tracestate.TraceState {
	return p.trace
}
