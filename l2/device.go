package l2

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// Device is one flash-backed region the tier writes extents into.
// ReadAt/WriteAt follow io.ReaderAt/io.WriterAt semantics and must be
// safe for concurrent use on disjoint ranges.
type Device interface {
	ID() uuid.UUID
	Size() int64
	io.ReaderAt
	io.WriterAt
	Close() error
}

// ---- MemDevice ----

// ErrDeviceFault is returned by a MemDevice with injected failures.
var ErrDeviceFault = errors.New("l2: injected device fault")

// MemDevice is a Device backed by a byte slice. It supports fault
// injection for tests.
type MemDevice struct {
	id  uuid.UUID
	mu  sync.RWMutex
	buf []byte

	failWrites atomic.Int64
	failReads  atomic.Int64
	writes     atomic.Int64
}

// NewMemDevice returns a zeroed in-memory device of the given size.
func NewMemDevice(size int64) *MemDevice {
	return &MemDevice{id: uuid.New(), buf: make([]byte, size)}
}

func (d *MemDevice) ID() uuid.UUID { return d.id }
func (d *MemDevice) Size() int64   { return int64(len(d.buf)) }

func (d *MemDevice) ReadAt(p []byte, off int64) (int, error) {
	if consume(&d.failReads) {
		return 0, ErrDeviceFault
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if off < 0 || off+int64(len(p)) > int64(len(d.buf)) {
		return 0, io.EOF
	}
	return copy(p, d.buf[off:]), nil
}

func (d *MemDevice) WriteAt(p []byte, off int64) (int, error) {
	if consume(&d.failWrites) {
		return 0, ErrDeviceFault
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if off < 0 || off+int64(len(p)) > int64(len(d.buf)) {
		return 0, io.ErrShortWrite
	}
	d.writes.Add(1)
	return copy(d.buf[off:], p), nil
}

func (d *MemDevice) Close() error { return nil }

// FailWrites makes the next n writes fail.
func (d *MemDevice) FailWrites(n int64) { d.failWrites.Store(n) }

// FailReads makes the next n reads fail.
func (d *MemDevice) FailReads(n int64) { d.failReads.Store(n) }

// Corrupt flips one byte at off.
func (d *MemDevice) Corrupt(off int64) {
	d.mu.Lock()
	d.buf[off] ^= 0xff
	d.mu.Unlock()
}

// Writes returns the number of successful writes.
func (d *MemDevice) Writes() int64 { return d.writes.Load() }

func consume(n *atomic.Int64) bool {
	for {
		v := n.Load()
		if v <= 0 {
			return false
		}
		if n.CompareAndSwap(v, v-1) {
			return true
		}
	}
}

// ---- FileDevice ----

// FileDevice is a Device backed by a preallocated file.
// Concurrent I/O is bounded by a weighted semaphore.
type FileDevice struct {
	id   uuid.UUID
	f    *os.File
	size int64
	sem  *semaphore.Weighted
}

// OpenFile creates (or reuses) path and preallocates size bytes.
// maxIO bounds concurrent ReadAt/WriteAt calls; <= 0 selects 16.
func OpenFile(path string, size int64, maxIO int64) (*FileDevice, error) {
	if size <= 0 {
		return nil, fmt.Errorf("l2: device size must be > 0, got %d", size)
	}
	if maxIO <= 0 {
		maxIO = 16
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("l2: open device %s: %w", path, err)
	}
	if err := preallocate(f, size); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("l2: preallocate %s: %w", path, err)
	}
	return &FileDevice{id: uuid.New(), f: f, size: size, sem: semaphore.NewWeighted(maxIO)}, nil
}

func (d *FileDevice) ID() uuid.UUID { return d.id }
func (d *FileDevice) Size() int64   { return d.size }

func (d *FileDevice) ReadAt(p []byte, off int64) (int, error) {
	if err := d.sem.Acquire(context.Background(), 1); err != nil {
		return 0, err
	}
	defer d.sem.Release(1)
	return d.f.ReadAt(p, off)
}

func (d *FileDevice) WriteAt(p []byte, off int64) (int, error) {
	if off+int64(len(p)) > d.size {
		return 0, io.ErrShortWrite
	}
	if err := d.sem.Acquire(context.Background(), 1); err != nil {
		return 0, err
	}
	defer d.sem.Release(1)
	return d.f.WriteAt(p, off)
}

func (d *FileDevice) Close() error { return d.f.Close() }
