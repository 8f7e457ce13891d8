package gpuvec_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rrprof/rrprof/internal/gpuvec"
)

// fakeBuffer and fakeDevice are an in-memory stand-in for a real GPU
// device, used only to exercise GpuSyncVec's bookkeeping.
type fakeBuffer struct {
	size  uint64
	bytes []byte
}

func (b *fakeBuffer) Size() uint64 { return b.size }

type fakeDevice struct {
	buffers []*fakeBuffer
	writes  [][]byte // one entry per WriteBuffer call, for assertions
}

func (d *fakeDevice) CreateBuffer(size uint64, usage gpuvec.Usage) gpuvec.Buffer {
	b := &fakeBuffer{size: size, bytes: make([]byte, size)}
	d.buffers = append(d.buffers, b)
	return b
}

func (d *fakeDevice) WriteBuffer(buf gpuvec.Buffer, offset uint64, data []byte) {
	fb := buf.(*fakeBuffer)
	copy(fb.bytes[offset:], data)
	cp := make([]byte, len(data))
	copy(cp, data)
	d.writes = append(d.writes, cp)
}

func TestGpuSyncVec_PushAndSyncUploadsDirtyRange(t *testing.T) {
	dev := &fakeDevice{}
	v := gpuvec.New[uint32](dev, 0, 1<<20)

	v.Push(1)
	v.Push(2)

	lo, hi := v.DirtyRange()
	assert.Equal(t, 0, lo)
	assert.Equal(t, 2, hi)

	v.Sync()
	loAfter, hiAfter := v.DirtyRange()
	assert.Equal(t, 0, hiAfter)
	assert.NotEqual(t, 0, loAfter) // reset to sentinel, not 0

	require.Len(t, dev.buffers, 1)
}

func TestGpuSyncVec_S6_IncrementalDirtyRange(t *testing.T) {
	dev := &fakeDevice{}
	v := gpuvec.New[uint32](dev, 0, 1<<20)

	v.Push(10)
	v.Push(20)
	v.Sync()

	require.Len(t, dev.writes, 1)

	// Grow into index 5 (requires zero-padding indices 2..5) and flush
	// that growth first, matching "after any needed growth" in the
	// scenario description.
	for v.Len() <= 5 {
		v.Push(0)
	}
	v.Sync()
	dev.writes = nil

	*v.IndexMut(5) = 99

	lo, hi := v.DirtyRange()
	assert.Equal(t, 5, lo)
	assert.Equal(t, 6, hi)

	v.Sync()
	require.Len(t, dev.writes, 1)
	assert.Len(t, dev.writes[0], 4) // one uint32
}

func TestGpuSyncVec_SyncNoOpWhenClean(t *testing.T) {
	dev := &fakeDevice{}
	v := gpuvec.New[uint32](dev, 0, 1<<20)
	v.Sync()
	assert.Empty(t, dev.writes)
}

func TestGpuSyncVec_GrowsPastSingleBufferIntoChain(t *testing.T) {
	dev := &fakeDevice{}
	// maxBufferSize fits exactly 4 uint32 elements per buffer.
	v := gpuvec.New[uint32](dev, 0, 16)

	for i := uint32(0); i < 10; i++ {
		v.Push(i)
	}
	v.Sync()

	assert.Equal(t, 3, v.BufferCount()) // ceil(10/4) = 3
}

func TestGpuSyncVec_Truncate(t *testing.T) {
	dev := &fakeDevice{}
	v := gpuvec.New[uint32](dev, 0, 1<<20)
	for i := uint32(0); i < 5; i++ {
		v.Push(i)
	}
	v.Sync()

	v.Truncate(2)
	assert.Equal(t, 2, v.Len())
}

func TestGpuSyncVec_GetMutOutOfRange(t *testing.T) {
	dev := &fakeDevice{}
	v := gpuvec.New[uint32](dev, 0, 1<<20)
	assert.Nil(t, v.GetMut(3))
}

func TestGpuSyncVec_ReadBuffersReportsPartialTail(t *testing.T) {
	dev := &fakeDevice{}
	v := gpuvec.New[uint32](dev, 0, 16) // 4 elements per buffer
	for i := uint32(0); i < 10; i++ {
		v.Push(i)
	}
	v.Sync()

	var counts []int
	v.ReadBuffers(func(buf gpuvec.Buffer, count int) {
		counts = append(counts, count)
	})
	assert.Equal(t, []int{4, 4, 2}, counts)
}
