package ring

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrNoMemory is returned when the arena cannot satisfy an allocation. The
// engines treat it as backpressure, never as fatal.
var ErrNoMemory = errors.New("arena: out of memory")

const allocAlign = 8

// Arena hands out packet buffers from a slice of the shared area, so every
// buffer has a stable address the device can be pointed at. It also keeps
// count of buffers currently mapped into descriptors; map and unmap must pair
// 1:1 or Mapped stays nonzero at detach, which the driver reports.
type Arena struct {
	shm  *Shared
	base uint32

	mu     sync.Mutex
	free   []span
	live   int
	mapped int
}

type span struct {
	off  uint32
	size uint32
}

func NewArena(shm *Shared, off, size int) *Arena {
	return &Arena{
		shm:  shm,
		base: uint32(off),
		free: []span{{off: uint32(off), size: uint32(size)}},
	}
}

// Buffer is one allocation. Addr is the device-visible address of its first
// byte.
type Buffer struct {
	a    *Arena
	off  uint32
	size uint32

	mapped bool
}

func (b *Buffer) Addr() uint64 {
	return uint64(b.off)
}

func (b *Buffer) Size() uint32 {
	return b.size
}

func (b *Buffer) Bytes() []byte {
	return b.a.shm.b[b.off : b.off+b.size]
}

// MapDevice marks the buffer as referenced by a descriptor the device can
// see. Unmap must follow before the buffer is released.
func (b *Buffer) MapDevice() {
	if b.mapped {
		panic("arena: buffer mapped twice")
	}
	b.mapped = true

	b.a.mu.Lock()
	b.a.mapped++
	b.a.mu.Unlock()
}

func (b *Buffer) UnmapDevice() {
	if !b.mapped {
		panic("arena: unmap of unmapped buffer")
	}
	b.mapped = false

	b.a.mu.Lock()
	b.a.mapped--
	b.a.mu.Unlock()
}

// Alloc carves a buffer out of the first free span large enough. First-fit
// keeps the implementation small; rings recycle fixed buffer sizes, so
// fragmentation settles quickly.
func (a *Arena) Alloc(size uint32) (*Buffer, error) {
	if size == 0 {
		return nil, errors.New("arena: zero-size allocation")
	}

	need := (size + allocAlign - 1) &^ (allocAlign - 1)

	a.mu.Lock()
	defer a.mu.Unlock()

	for i := range a.free {
		s := &a.free[i]
		if s.size < need {
			continue
		}

		off := s.off
		s.off += need
		s.size -= need
		if s.size == 0 {
			a.free = append(a.free[:i], a.free[i+1:]...)
		}

		a.live++

		return &Buffer{a: a, off: off, size: need}, nil
	}

	return nil, ErrNoMemory
}

// Release returns a buffer to the free list, merging with neighbors.
func (a *Arena) Release(b *Buffer) {
	if b.mapped {
		panic("arena: release of device-mapped buffer")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.live--

	i := 0
	for i < len(a.free) && a.free[i].off < b.off {
		i++
	}

	a.free = append(a.free, span{})
	copy(a.free[i+1:], a.free[i:])
	a.free[i] = span{off: b.off, size: b.size}

	// merge with the next span, then the previous
	if i+1 < len(a.free) && a.free[i].off+a.free[i].size == a.free[i+1].off {
		a.free[i].size += a.free[i+1].size
		a.free = append(a.free[:i+1], a.free[i+2:]...)
	}
	if i > 0 && a.free[i-1].off+a.free[i-1].size == a.free[i].off {
		a.free[i-1].size += a.free[i].size
		a.free = append(a.free[:i], a.free[i+1:]...)
	}
}

// Live reports buffers not yet released.
func (a *Arena) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.live
}

// Mapped reports buffers still referenced by device-visible descriptors.
func (a *Arena) Mapped() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.mapped
}
