package driver

import (
	"sync"
	"testing"

	"github.com/lab47/lsvd/logger"
	"github.com/lab47/pvnic/ring"
	"github.com/stretchr/testify/require"
)

// fakeRegs is the register file of a device that never does anything on its
// own. Tests drive the ring from the device side directly.
type fakeRegs struct {
	caps  Capabilities
	sizes ring.Sizes

	mu       sync.Mutex
	notifies []Command
	acks     int

	regionAddr uint64
	regionLen  uint32
}

func (f *fakeRegs) NotifyDevice(c Command) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.notifies = append(f.notifies, c)
}

func (f *fakeRegs) AcknowledgeInterrupt() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.acks++
}

func (f *fakeRegs) ReadCommand(c Command) uint32 {
	switch c {
	case CmdGetCapabilities:
		return uint32(f.caps)
	case CmdGetTxRingLen:
		return f.sizes.Tx
	case CmdGetRxRingLen:
		return f.sizes.Rx
	case CmdGetFragRingLen:
		return f.sizes.Frag
	}
	return 0
}

func (f *fakeRegs) ProgramRegion(addr uint64, length uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.regionAddr = addr
	f.regionLen = length
}

func (f *fakeRegs) sent(c Command) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, got := range f.notifies {
		if got == c {
			n++
		}
	}
	return n
}

// fakeLine delivers synchronously through fire. The delivery mutex makes
// Release block out an in-flight handler, per the InterruptLine contract.
type fakeLine struct {
	mu      sync.Mutex
	handler func()
}

func (l *fakeLine) Request(h func()) bool {
	if l.handler != nil {
		return false
	}
	l.handler = h
	return true
}

func (l *fakeLine) fire() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.handler != nil {
		l.handler()
	}
}

func (l *fakeLine) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.handler = nil
}

type captureSink struct {
	pkts []*RxPacket
}

func (s *captureSink) Deliver(pkt *RxPacket) {
	s.pkts = append(s.pkts, pkt)
}

func (s *captureSink) release() {
	for _, p := range s.pkts {
		p.Release()
	}
	s.pkts = nil
}

// failAlloc delegates to the real arena until its allowance runs out.
type failAlloc struct {
	Allocator
	allow int
}

func (f *failAlloc) Alloc(size uint32) (*ring.Buffer, error) {
	if f.allow <= 0 {
		return nil, ring.ErrNoMemory
	}
	f.allow--
	return f.Allocator.Alloc(size)
}

func testDevice(t *testing.T, caps Capabilities, sizes ring.Sizes, cfg Config) (*Device, *fakeRegs, *fakeLine, *captureSink, *ring.Shared) {
	t.Helper()

	shm, err := ring.NewShared(1 << 20)
	require.NoError(t, err)
	t.Cleanup(func() {
		shm.Close()
	})

	regs := &fakeRegs{caps: caps, sizes: sizes}
	line := &fakeLine{}
	sink := &captureSink{}

	d, err := Attach(logger.New(logger.Info), regs, line, shm, sink, cfg)
	require.NoError(t, err)

	return d, regs, line, sink, shm
}

// mkPacket allocates one arena buffer per segment length and wires a Done hook
// that releases them and bumps *done.
func mkPacket(t *testing.T, d *Device, done *int, segLens ...uint32) *TxPacket {
	t.Helper()

	var segs []Segment
	for _, n := range segLens {
		buf, err := d.arena.Alloc(n)
		require.NoError(t, err)

		b := buf.Bytes()
		for i := uint32(0); i < n; i++ {
			b[i] = byte(i)
		}

		segs = append(segs, Segment{Buf: buf, Len: n})
	}

	return &TxPacket{
		Segs: segs,
		Done: func() {
			*done++
			for _, s := range segs {
				d.arena.Release(s.Buf)
			}
		},
	}
}

// completeTx plays the device: every device-owned transmit slot is handed
// back, in ascending order so a chain's terminal slot flips last.
func completeTx(d *Device) {
	tx := d.region.Tx
	for i := uint32(0); i < tx.Len(); i++ {
		if tx.Owner(i) == ring.OwnDevice {
			tx.SetOwner(i, ring.OwnDriver)
		}
	}
}

func completeTxSlots(d *Device, first, count uint32) {
	tx := d.region.Tx
	for k := uint32(0); k < count; k++ {
		tx.SetOwner(tx.Add(first, k), ring.OwnDriver)
	}
}
