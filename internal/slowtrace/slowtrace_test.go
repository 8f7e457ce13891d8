package slowtrace_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rrprof/rrprof/internal/fasttrace"
	"github.com/rrprof/rrprof/internal/shmring"
	"github.com/rrprof/rrprof/internal/slowtrace"
)

func findThread(t *testing.T, res slowtrace.Result, tid uint64) slowtrace.ThreadResult {
	t.Helper()
	for _, th := range res.Threads {
		if th.ThreadID == tid {
			return th
		}
	}
	require.Fail(t, "thread not found in result", "tid=%d", tid)
	return slowtrace.ThreadResult{}
}

func TestProcess_CallReturnProducesOneBox(t *testing.T) {
	res := slowtrace.Process(100, nil, 0, true, false, []shmring.TraceEvent{
		shmring.NewTraceEvent(shmring.EventCall, 100, 7),
		shmring.NewTraceEvent(shmring.EventReturn, 200, 7),
	})

	th := findThread(t, res, 0)
	require.Len(t, th.Boxes, 1)
	assert.Equal(t, uint64(100), th.Boxes[0].StartTime.Decode())
	assert.Equal(t, uint64(200), th.Boxes[0].EndTime.Decode())
	assert.Empty(t, th.Stack)
	assert.Equal(t, uint64(200), res.EndTime)
}

func TestProcess_GCSpanProducesTwoBoxes(t *testing.T) {
	res := slowtrace.Process(100, nil, 0, true, false, []shmring.TraceEvent{
		shmring.NewTraceEvent(shmring.EventCall, 100, 7),
		shmring.NewTraceEvent(shmring.EventGCStart, 150, 0),
		shmring.NewTraceEvent(shmring.EventGCEnd, 180, 0),
		shmring.NewTraceEvent(shmring.EventReturn, 200, 7),
	})

	th := findThread(t, res, 0)
	require.Len(t, th.Boxes, 2)
	assert.Equal(t, uint64(150), th.Boxes[0].EndTime.Decode())
	assert.Equal(t, uint64(180), th.Boxes[1].StartTime.Decode())
}

func TestProcess_BootstrapsAlreadyOpenFramesFromSnapshot(t *testing.T) {
	snapshot := []fasttrace.ThreadSnapshot{
		{ThreadID: 0, Stack: []uint64{1, 2}},
	}
	res := slowtrace.Process(500, snapshot, 0, true, false, nil)

	th := findThread(t, res, 0)
	require.Len(t, th.Boxes, 2)
	assert.Equal(t, uint64(500), th.Boxes[0].StartTime.Decode())
	assert.Equal(t, uint32(0), th.Boxes[0].Depth)
	assert.Equal(t, uint32(1), th.Boxes[1].Depth)
}

func TestProcess_InGCSkipsBootstrapMaterialization(t *testing.T) {
	snapshot := []fasttrace.ThreadSnapshot{
		{ThreadID: 0, Stack: []uint64{1}},
	}
	res := slowtrace.Process(500, snapshot, 0, true, true, nil)

	th := findThread(t, res, 0)
	assert.Empty(t, th.Boxes)
}

func TestProcess_ThreadResumeSwitchesCurrentThread(t *testing.T) {
	res := slowtrace.Process(0, nil, 0, false, false, []shmring.TraceEvent{
		shmring.NewTraceEvent(shmring.EventThreadResume, 10, 5),
		shmring.NewTraceEvent(shmring.EventCall, 20, 9),
	})

	th := findThread(t, res, 5)
	require.Len(t, th.Stack, 1)
	assert.Equal(t, uint64(9), th.Stack[0].MethodID)
}

func TestProcess_MaxDepthReflectsDeepestBox(t *testing.T) {
	res := slowtrace.Process(0, nil, 0, true, false, []shmring.TraceEvent{
		shmring.NewTraceEvent(shmring.EventCall, 10, 1),
		shmring.NewTraceEvent(shmring.EventCall, 20, 2),
		shmring.NewTraceEvent(shmring.EventCall, 30, 3),
	})
	assert.Equal(t, uint32(2), res.MaxDepth)
}

func TestProcess_ThreadSuspendedCutsCurrentThreadWithoutLosingIt(t *testing.T) {
	res := slowtrace.Process(100, nil, 7, true, false, []shmring.TraceEvent{
		shmring.NewTraceEvent(shmring.EventCall, 100, 42),
		shmring.NewTraceEvent(shmring.EventThreadSuspended, 150, 7),
		shmring.NewTraceEvent(shmring.EventReturn, 200, 42),
	})

	th := findThread(t, res, 7)
	require.Len(t, th.Boxes, 1)
	assert.Equal(t, uint64(150), th.Boxes[0].EndTime.Decode(), "ThreadSuspended must cut the open box in place")
	assert.Empty(t, th.Stack, "the later Return must still apply to the suspended-but-still-current thread")
}

func TestProcess_ThreadsSortedAscendingByID(t *testing.T) {
	res := slowtrace.Process(0, nil, 0, false, false, []shmring.TraceEvent{
		shmring.NewTraceEvent(shmring.EventThreadResume, 1, 9),
		shmring.NewTraceEvent(shmring.EventThreadResume, 2, 3),
	})
	require.Len(t, res.Threads, 2)
	assert.Equal(t, uint64(3), res.Threads[0].ThreadID)
	assert.Equal(t, uint64(9), res.Threads[1].ThreadID)
}
