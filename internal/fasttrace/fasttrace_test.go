package fasttrace_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rrprof/rrprof/internal/fasttrace"
	"github.com/rrprof/rrprof/internal/shmring"
)

func TestFastTrace_DefaultsToThreadZero(t *testing.T) {
	ft := fasttrace.New()
	tid, ok := ft.CurrentThreadID()
	require.True(t, ok)
	assert.Equal(t, uint64(0), tid)
}

func TestFastTrace_CallReturnBalanced(t *testing.T) {
	ft := fasttrace.New()
	ft.Apply([]shmring.TraceEvent{
		shmring.NewTraceEvent(shmring.EventCall, 100, 7),
		shmring.NewTraceEvent(shmring.EventReturn, 200, 7),
	})

	threads := ft.Threads()
	require.Len(t, threads, 1)
	assert.Empty(t, threads[0].Stack)
}

func TestFastTrace_MismatchedReturnUnwinds(t *testing.T) {
	ft := fasttrace.New()
	ft.Apply([]shmring.TraceEvent{
		shmring.NewTraceEvent(shmring.EventCall, 100, 1),
		shmring.NewTraceEvent(shmring.EventCall, 110, 2),
		shmring.NewTraceEvent(shmring.EventReturn, 120, 1),
	})

	threads := ft.Threads()
	require.Len(t, threads, 1)
	assert.Empty(t, threads[0].Stack)
}

func TestFastTrace_ThreadSuspendResume(t *testing.T) {
	ft := fasttrace.New()
	ft.Apply([]shmring.TraceEvent{
		shmring.NewTraceEvent(shmring.EventThreadResume, 100, 5),
		shmring.NewTraceEvent(shmring.EventCall, 110, 9),
		shmring.NewTraceEvent(shmring.EventThreadSuspended, 120, 5),
	})
	_, ok := ft.CurrentThreadID()
	assert.False(t, ok)

	ft.Apply([]shmring.TraceEvent{
		shmring.NewTraceEvent(shmring.EventThreadResume, 130, 5),
	})
	tid, ok := ft.CurrentThreadID()
	require.True(t, ok)
	assert.Equal(t, uint64(5), tid)

	threads := ft.Threads()
	var found bool
	for _, th := range threads {
		if th.ThreadID == 5 {
			found = true
			assert.Equal(t, []uint64{9}, th.Stack)
		}
	}
	assert.True(t, found)
}

func TestFastTrace_ThreadExitRemovesEntry(t *testing.T) {
	ft := fasttrace.New()
	ft.Apply([]shmring.TraceEvent{
		shmring.NewTraceEvent(shmring.EventThreadResume, 100, 5),
		shmring.NewTraceEvent(shmring.EventThreadExit, 200, 5),
	})

	for _, th := range ft.Threads() {
		assert.NotEqual(t, uint64(5), th.ThreadID)
	}
	_, ok := ft.CurrentThreadID()
	assert.False(t, ok)
}

func TestFastTrace_InGCFlagTracksLastEvent(t *testing.T) {
	ft := fasttrace.New()
	ft.Apply([]shmring.TraceEvent{shmring.NewTraceEvent(shmring.EventGCStart, 100, 0)})
	assert.True(t, ft.InGC())

	ft.Apply([]shmring.TraceEvent{shmring.NewTraceEvent(shmring.EventGCEnd, 150, 0)})
	assert.False(t, ft.InGC())
}

func TestFastTrace_CloneIsIndependent(t *testing.T) {
	ft := fasttrace.New()
	ft.Apply([]shmring.TraceEvent{shmring.NewTraceEvent(shmring.EventCall, 100, 1)})

	clone := ft.Clone()
	ft.Apply([]shmring.TraceEvent{shmring.NewTraceEvent(shmring.EventCall, 110, 2)})

	assert.Equal(t, []uint64{1}, clone.Threads()[0].Stack)
	assert.Equal(t, []uint64{1, 2}, ft.Threads()[0].Stack)
}

func TestFastTrace_UnknownEventCodeIgnored(t *testing.T) {
	ft := fasttrace.New()
	ft.Apply([]shmring.TraceEvent{shmring.NewTraceEvent(shmring.EventKind(15), 100, 0)})
	tid, ok := ft.CurrentThreadID()
	require.True(t, ok)
	assert.Equal(t, uint64(0), tid)
}
