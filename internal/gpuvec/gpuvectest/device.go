// Package gpuvectest is an in-memory stand-in for a real GPU device,
// shared by tests in packages that build on gpuvec.GpuSyncVec but have
// no access to an actual graphics backend.
package gpuvectest

import "github.com/rrprof/rrprof/internal/gpuvec"

// Buffer is a fake gpuvec.Buffer backed by a plain byte slice.
type Buffer struct {
	size  uint64
	Bytes []byte
}

// Size implements gpuvec.Buffer.
func (b *Buffer) Size() uint64 { return b.size }

// Device is a fake gpuvec.Device that records every buffer it creates
// and every write made to them.
type Device struct {
	Buffers []*Buffer
	Writes  int
}

// CreateBuffer implements gpuvec.Device.
func (d *Device) CreateBuffer(size uint64, usage gpuvec.Usage) gpuvec.Buffer {
	b := &Buffer{size: size, Bytes: make([]byte, size)}
	d.Buffers = append(d.Buffers, b)
	return b
}

// WriteBuffer implements gpuvec.Device.
func (d *Device) WriteBuffer(buf gpuvec.Buffer, byteOffset uint64, data []byte) {
	b := buf.(*Buffer)
	copy(b.Bytes[byteOffset:], data)
	d.Writes++
}
