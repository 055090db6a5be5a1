// Package devsim is the other side of the shared ring protocol: a software
// model of the paravirtual NIC device. It consumes transmit descriptors,
// produces receive descriptors (spilling oversized frames onto the fragment
// ring), and raises interrupts over an eventfd line. The driver package
// never imports it; they meet only through the shared region and the
// register interface.
package devsim

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/davecgh/go-spew/spew"
	"github.com/lab47/lsvd/logger"
	"github.com/lab47/pvnic/driver"
	"github.com/lab47/pvnic/pkg/tap"
	"github.com/lab47/pvnic/ring"
)

type Config struct {
	Caps  driver.Capabilities
	Sizes ring.Sizes
}

type inbound struct {
	hdr   tap.VirtioHdr
	frame []byte
}

// Sim implements driver.Registers and runs the device side of the rings on a
// single goroutine, so device cursors need no locking of their own.
type Sim struct {
	log     logger.Logger
	shm     *ring.Shared
	cfg     Config
	backend Backend
	line    *EventLine

	cmds   chan driver.Command
	frames chan inbound

	// armed models the interrupt-ack contract: no further interrupts
	// until the driver acknowledges the last one.
	armed   atomic.Bool
	pending atomic.Bool

	mu         sync.Mutex
	regionAddr uint64
	regionLen  uint32

	// loop goroutine only
	region  *ring.Region
	ready   bool
	txDev   uint32
	rxDev   uint32
	fragDev uint32

	rxDrops atomic.Int64
}

func New(ctx context.Context, log logger.Logger, shm *ring.Shared, cfg Config, backend Backend) (*Sim, error) {
	line, err := NewEventLine(log)
	if err != nil {
		return nil, err
	}

	s := &Sim{
		log:     log,
		shm:     shm,
		cfg:     cfg,
		backend: backend,
		line:    line,
		cmds:    make(chan driver.Command, 128),
		frames:  make(chan inbound, 128),
	}
	s.armed.Store(true)

	go s.run(ctx)
	go backend.Receive(ctx, s.inject)

	return s, nil
}

// IntrLine is the interrupt line the driver should attach to.
func (s *Sim) IntrLine() driver.InterruptLine {
	return s.line
}

// RxDrops counts frames the device had nowhere to put.
func (s *Sim) RxDrops() int64 {
	return s.rxDrops.Load()
}

// NotifyDevice is the command register. Commands are queued to the device
// loop; the register write itself never blocks the driver.
func (s *Sim) NotifyDevice(cmd driver.Command) {
	select {
	case s.cmds <- cmd:
	default:
		s.log.Warn("command register overrun, dropping", "cmd", cmd.String())
	}
}

func (s *Sim) AcknowledgeInterrupt() {
	s.armed.Store(true)

	if s.pending.CompareAndSwap(true, false) {
		s.raise()
	}
}

func (s *Sim) ReadCommand(cmd driver.Command) uint32 {
	switch cmd {
	case driver.CmdGetCapabilities:
		return uint32(s.cfg.Caps)
	case driver.CmdGetTxRingLen:
		return s.cfg.Sizes.Tx
	case driver.CmdGetRxRingLen:
		return s.cfg.Sizes.Rx
	case driver.CmdGetFragRingLen:
		return s.cfg.Sizes.Frag
	}

	return 0
}

func (s *Sim) ProgramRegion(addr uint64, length uint32) {
	s.mu.Lock()
	s.regionAddr = addr
	s.regionLen = length
	s.mu.Unlock()
}

func (s *Sim) raise() {
	if s.armed.CompareAndSwap(true, false) {
		s.line.Raise()
	} else {
		s.pending.Store(true)
	}
}

func (s *Sim) inject(hdr tap.VirtioHdr, frame []byte) error {
	cp := append([]byte(nil), frame...)

	select {
	case s.frames <- inbound{hdr: hdr, frame: cp}:
	default:
		s.rxDrops.Add(1)
	}

	return nil
}

func (s *Sim) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case cmd := <-s.cmds:
			s.handle(ctx, cmd)

		case in := <-s.frames:
			s.deposit(in)
		}
	}
}

func (s *Sim) handle(ctx context.Context, cmd driver.Command) {
	s.log.Trace("device command", "cmd", cmd.String())

	switch cmd {
	case driver.CmdInitRings:
		s.initRings()

	case driver.CmdTxRequest:
		s.consumeTx(ctx)

	case driver.CmdUpdateMulticast:
		if s.ready && s.log.IsTrace() {
			spew.Dump(s.region.Multicast())
		}

	case driver.CmdUpdateIfFlags:
		if s.ready {
			s.log.Info("interface flags updated", "flags", s.region.IfFlags())
		}
	}
}

func (s *Sim) initRings() {
	s.mu.Lock()
	addr := s.regionAddr
	length := s.regionLen
	s.mu.Unlock()

	if length == 0 {
		s.log.Error("init-rings before region registers were programmed")
		return
	}

	region, err := ring.AttachRegion(s.shm, int(addr), s.cfg.Sizes)
	if err != nil {
		s.log.Error("attaching ring region failed", "error", err)
		return
	}

	if !region.ValidMagic() {
		s.log.Error("ring region has bad magic")
		return
	}

	s.region = region
	s.ready = true
	s.txDev = 0
	s.rxDev = 0
	s.fragDev = 0

	s.log.Info("rings initialized", "addr", addr, "len", length)
}

// consumeTx walks device-owned transmit slots, reassembling chained packets
// and handing them to the backend. Ownership goes back ascending, terminal
// slot last, so the driver never sees a completed terminal ahead of its
// chain.
func (s *Sim) consumeTx(ctx context.Context) {
	if !s.ready {
		return
	}

	tx := s.region.Tx
	completed := false

	for tx.Owner(s.txDev) == ring.OwnDevice {
		first := s.txDev

		var frame []byte
		count := uint32(0)
		idx := first

		for {
			if count > 0 && tx.Owner(idx) != ring.OwnDevice {
				s.log.Error("chain handed over incomplete", "slot", idx)
				return
			}

			for j := 0; j < int(tx.SGCount(idx)); j++ {
				addr, l := tx.SG(idx, j)

				b, err := s.shm.Slice(addr, l)
				if err != nil {
					s.log.Error("descriptor points outside shared area",
						"slot", idx, "error", err)
					continue
				}

				frame = append(frame, b...)
			}

			eop := tx.Flags(idx)&ring.TxEOP != 0
			count++
			idx = tx.Next(idx)

			if eop || count == tx.Len() {
				break
			}
		}

		var hdr tap.VirtioHdr
		fl := tx.Flags(first)
		if fl&ring.TxCsum != 0 {
			hdr.Flags = tap.VirtioNeedsCsum
			hdr.CsumStart, hdr.CsumOffset = tx.Csum(first)
		}
		if fl&ring.TxTSO != 0 {
			hdr.Flags = tap.VirtioNeedsCsum
			hdr.GSOType = tap.VirtioGSOTCPv4
			hdr.GSOSize = tx.MSS(first)
		}

		j := first
		for k := uint32(0); k < count; k++ {
			tx.SetOwner(j, ring.OwnDriver)
			j = tx.Next(j)
		}
		s.txDev = j
		completed = true

		if err := s.backend.Transmit(ctx, hdr, frame); err != nil {
			s.log.Error("backend transmit failed", "error", err)
		}
	}

	if completed {
		s.raise()
	}
}

// deposit places one inbound frame into the receive rings: as much as fits
// into the primary slot's buffer, the rest across fragment slots. Fragments
// are committed before the primary, so the driver can walk the whole chain
// the moment it sees the primary.
func (s *Sim) deposit(in inbound) {
	if !s.ready {
		s.rxDrops.Add(1)
		return
	}

	rx := s.region.Rx
	idx := s.rxDev

	if rx.Owner(idx) != ring.OwnDevice {
		s.rxDrops.Add(1)
		return
	}

	buf, err := s.shm.Slice(rx.BufAddr(idx), rx.BufLen(idx))
	if err != nil {
		s.log.Error("receive slot points outside shared area", "error", err)
		s.rxDrops.Add(1)
		return
	}

	n := copy(buf, in.frame)
	rest := in.frame[n:]

	var flags uint32

	if len(rest) > 0 {
		if !s.cfg.Caps.Has(driver.CapFragRx) {
			s.rxDrops.Add(1)
			return
		}

		fragEnd, ok := s.spillFragments(rest)
		if !ok {
			s.rxDrops.Add(1)
			return
		}

		s.fragDev = fragEnd
		flags |= ring.RxFrag
	}

	if in.hdr.Flags&tap.VirtioDataValid != 0 {
		flags |= ring.RxCsumOK
	}

	rx.SetWritten(idx, uint32(n))
	rx.SetVlanTag(idx, 0)
	rx.SetFlags(idx, flags)
	rx.SetOwner(idx, ring.OwnDriver)
	s.rxDev = rx.Next(idx)

	s.raise()
}

type fragFill struct {
	idx uint32
	n   uint32
}

// spillFragments writes rest across fragment slots starting at the device
// cursor. Returns the new cursor position; nothing is committed if the chain
// cannot be fully placed.
func (s *Sim) spillFragments(rest []byte) (uint32, bool) {
	fr := s.region.Frag

	var fills []fragFill

	fi := s.fragDev
	for len(rest) > 0 {
		if fr.Owner(fi) != ring.OwnDeviceFrag {
			return 0, false
		}

		fb, err := s.shm.Slice(fr.BufAddr(fi), fr.BufLen(fi))
		if err != nil {
			s.log.Error("fragment slot points outside shared area", "error", err)
			return 0, false
		}

		m := copy(fb, rest)
		rest = rest[m:]

		fills = append(fills, fragFill{idx: fi, n: uint32(m)})
		fi = fr.Next(fi)

		if len(fills) > int(fr.Len()) {
			return 0, false
		}
	}

	for i, f := range fills {
		fr.SetWritten(f.idx, f.n)

		var fl uint32
		if i == len(fills)-1 {
			fl = ring.FragEnd
		}
		fr.SetFlags(f.idx, fl)
	}

	for _, f := range fills {
		fr.SetOwner(f.idx, ring.OwnDriverFrag)
	}

	return fi, true
}
