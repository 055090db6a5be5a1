// Package ring holds the memory layout shared between the guest-side driver
// and the device model: the descriptor rings, their slot accessors, and the
// buffer arena that descriptor addresses point into. Everything here operates
// on a single mmap'd byte region so that both parties see the same bytes, the
// same way a paravirtual NIC and its guest driver share DMA memory.
package ring

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Shared is the raw memory area visible to both the driver and the device.
// Descriptor "addresses" are absolute byte offsets into it.
type Shared struct {
	b []byte
}

func NewShared(size int) (*Shared, error) {
	pg := unix.Getpagesize()
	size = (size + pg - 1) &^ (pg - 1)

	b, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, errors.Wrapf(err, "mapping shared region")
	}

	return &Shared{b: b}, nil
}

func (s *Shared) Bytes() []byte {
	return s.b
}

func (s *Shared) Size() int {
	return len(s.b)
}

// Slice resolves a descriptor address to the underlying bytes, bounds-checked
// against the mapped area.
func (s *Shared) Slice(addr uint64, n uint32) ([]byte, error) {
	end := addr + uint64(n)
	if end > uint64(len(s.b)) || end < addr {
		return nil, errors.Errorf("address out of region: %d+%d", addr, n)
	}

	return s.b[addr:end], nil
}

func (s *Shared) Close() error {
	if s.b == nil {
		return nil
	}

	b := s.b
	s.b = nil

	return unix.Munmap(b)
}
