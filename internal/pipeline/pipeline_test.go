package pipeline_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rrprof/rrprof/internal/gpuvec/gpuvectest"
	"github.com/rrprof/rrprof/internal/pipeline"
	"github.com/rrprof/rrprof/internal/shmring"
	"github.com/rrprof/rrprof/internal/shmring/shmringtest"
	"github.com/rrprof/rrprof/internal/slowtrace"
	"github.com/rrprof/rrprof/internal/tracestate"
)

func TestPipeline_DrainsRingIntoTraceState(t *testing.T) {
	data, writer := shmringtest.NewBackedRing()
	reader, err := shmring.NewRingReader(data)
	require.NoError(t, err)

	writer.Write(
		shmring.NewTraceEvent(shmring.EventCall, 100, 7),
		shmring.NewTraceEvent(shmring.EventReturn, 200, 7),
	)

	dev := &gpuvectest.Device{}
	frames := make(chan struct{}, 16)
	p := pipeline.New(reader, dev, 0, 1<<20, 2, zaptest.NewLogger(t).Sugar(), func(_ slowtrace.Result, _ *tracestate.TraceState) {
		select {
		case frames <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	select {
	case <-frames:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a frame")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not shut down")
	}

	boxes, ok := p.TraceState().Boxes(0)
	require.True(t, ok)
	require.Len(t, boxes, 1)
	assert.Equal(t, uint64(100), boxes[0].StartTime.Decode())
	assert.Equal(t, uint64(200), boxes[0].EndTime.Decode())
}
