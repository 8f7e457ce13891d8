// Package shm maps an OS shared-memory object into the process address
// space. It is deliberately thin: argument parsing, the actual producer
// side, and everything downstream of the mapped bytes live elsewhere.
// This is the one named collaborator contract from spec.md §6 that this
// repository implements rather than merely declaring, because the ring
// reader cannot exist without it.
package shm

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Mapping is a live mapping of a named shared-memory object. The zero
// value is not usable; construct with Open.
//
// The mapping's lifetime must outlast any RingReader built on top of
// Bytes(): closing it while a reader is in flight is undefined
// behavior, same as spec.md §4.1 states for the ring itself.
type Mapping struct {
	name string
	fd   int
	data []byte
}

// Open opens the POSIX shared-memory object named by name (as created by
// the traced producer under /dev/shm) read-write and maps size bytes of
// it. The returned Mapping owns the file descriptor and the mapping; call
// Close to release both.
func Open(name string, size int) (*Mapping, error) {
	path := "/dev/shm/" + name

	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open shared memory object %q: %w", name, err)
	}

	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to map shared memory object %q: %w", name, err)
	}

	return &Mapping{name: name, fd: fd, data: data}, nil
}

// Bytes returns the mapped region. The slice is valid until Close.
func (m *Mapping) Bytes() []byte {
	return m.data
}

// Name returns the shared-memory object name this mapping was opened
// from.
func (m *Mapping) Name() string {
	return m.name
}

// Close unmaps the region and closes the underlying file descriptor. It
// is safe to call once; a second call is a no-op.
func (m *Mapping) Close() error {
	if m.data == nil {
		return nil
	}

	var errs []error
	if err := unix.Munmap(m.data); err != nil {
		errs = append(errs, fmt.Errorf("failed to unmap %q: %w", m.name, err))
	}
	m.data = nil

	if err := unix.Close(m.fd); err != nil {
		errs = append(errs, fmt.Errorf("failed to close %q: %w", m.name, err))
	}

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}
