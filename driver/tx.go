package driver

import (
	"github.com/lab47/pvnic/ring"
	"github.com/pkg/errors"
)

type OffloadKind int

const (
	OffloadNone OffloadKind = iota
	OffloadChecksum
	OffloadSegment
)

// Offload is the caller's per-packet offload request. For OffloadChecksum the
// device computes the checksum at CsumStart+CsumOffset; for OffloadSegment it
// additionally splits the payload at MSS boundaries.
type Offload struct {
	Kind       OffloadKind
	CsumStart  uint16
	CsumOffset uint16
	MSS        uint16
}

// Segment is one contiguous piece of an outbound packet, backed by an arena
// buffer the caller owns until completion.
type Segment struct {
	Buf *ring.Buffer
	Len uint32
}

// TxPacket is an outbound packet: a small number of contiguous segments plus
// a completion hook. Done runs exactly once, when the device has returned the
// packet's slots (or at forced teardown), after all segment mappings have
// been reversed.
type TxPacket struct {
	Segs []Segment
	Done func()
}

func (p *TxPacket) total() uint32 {
	var n uint32
	for _, s := range p.Segs {
		n += s.Len
	}
	return n
}

type SendStatus int

const (
	// StatusBackpressure means no slots were consumed; the caller must
	// hold the packet and stop offering new ones until OnResume fires.
	StatusBackpressure SendStatus = iota

	// StatusSent means the packet was placed on the ring and the device
	// notified.
	StatusSent

	// StatusDeferred means the packet was placed on the ring but the
	// notification was batched; callers treat it as success.
	StatusDeferred
)

var (
	// ErrOffloadUnsupported is returned when Send is asked for an offload
	// the negotiated capabilities cannot carry. Segmentation in particular
	// requires scatter/gather and chaining to have been negotiated; that
	// is checked here rather than trusted to caller discipline.
	ErrOffloadUnsupported = errors.New("offload not negotiated with device")

	ErrEmptyPacket = errors.New("packet has no segments")
)

// Send maps the packet onto one or more transmit slots and hands them to the
// device. If the packet needs more slots than the device can chain, it is
// first coalesced into a single buffer; a failed coalesce fails the send with
// no ring state touched.
func (d *Device) Send(pkt *TxPacket, off Offload) (SendStatus, error) {
	if len(pkt.Segs) == 0 {
		return StatusBackpressure, ErrEmptyPacket
	}

	switch off.Kind {
	case OffloadChecksum:
		if !d.caps.Has(CapCsum) {
			return StatusBackpressure, ErrOffloadUnsupported
		}
	case OffloadSegment:
		if !d.caps.Has(CapTSO | CapSG | CapChain) {
			return StatusBackpressure, ErrOffloadUnsupported
		}
		if off.MSS == 0 {
			return StatusBackpressure, errors.New("segmentation offload with zero mss")
		}
	}

	sgPerSlot := 1
	if d.caps.Has(CapSG) {
		sgPerSlot = ring.MaxSG
	}

	maxSlots := uint32(1)
	if d.caps.Has(CapChain) {
		maxSlots = d.cfg.MaxDescsPerPacket
	}

	need := uint32((len(pkt.Segs) + sgPerSlot - 1) / sgPerSlot)
	if need > maxSlots {
		coalesced, err := d.coalesce(pkt)
		if err != nil {
			return StatusBackpressure, err
		}
		pkt = coalesced
		need = 1
	}

	d.mu.Lock()

	if d.txFree < need {
		d.txStopped = true
		d.reclaimLocked()

		if d.txFree < need {
			d.stats.txBackpressure.Inc(1)
			d.mu.Unlock()
			return StatusBackpressure, nil
		}

		d.txStopped = false
	}

	tx := d.region.Tx
	first := d.txProduce

	si := 0
	idx := first
	for s := uint32(0); s < need; s++ {
		idx = tx.Add(first, s)
		tx.Reset(idx)

		var slotLen uint32
		cnt := 0
		for cnt < sgPerSlot && si < len(pkt.Segs) {
			seg := pkt.Segs[si]
			seg.Buf.MapDevice()
			tx.SetSG(idx, cnt, seg.Buf.Addr(), seg.Len)
			slotLen += seg.Len
			cnt++
			si++
		}

		tx.SetSGCount(idx, uint16(cnt))
		tx.SetTotalLen(idx, slotLen)
	}
	last := idx

	var firstFlags uint32
	switch off.Kind {
	case OffloadChecksum:
		firstFlags = ring.TxCsum
		tx.SetCsum(first, off.CsumStart, off.CsumOffset)
	case OffloadSegment:
		firstFlags = ring.TxTSO
		tx.SetMSS(first, off.MSS)
	}

	if first == last {
		tx.SetFlags(first, firstFlags|ring.TxEOP)
	} else {
		tx.SetFlags(first, firstFlags)
		tx.SetFlags(last, ring.TxEOP)
	}

	d.txPend[first] = pendingTx{pkt: pkt, count: need, last: last}

	// Hand the slots over in reverse population order so the device can
	// never observe a partially populated chain: by the time the first
	// slot reads as device-owned, every later slot already does.
	for k := int(need) - 1; k >= 0; k-- {
		tx.SetOwner(tx.Add(first, uint32(k)), ring.OwnDevice)
	}

	d.txProduce = tx.Add(first, need)
	d.txFree -= need
	d.txOutstanding += need
	d.txUnnotified++

	d.stats.txPackets.Inc(1)
	d.stats.txBytes.Inc(int64(pkt.total()))

	notify := d.txUnnotified >= d.cfg.ClusterThreshold || d.txFree <= d.cfg.LowWatermark
	if notify {
		d.txUnnotified = 0
	}

	d.mu.Unlock()

	if notify {
		d.regs.NotifyDevice(CmdTxRequest)
		return StatusSent, nil
	}

	d.stats.txDeferred.Inc(1)
	return StatusDeferred, nil
}

// Flush pushes out a pending batched notification.
func (d *Device) Flush() {
	d.mu.Lock()
	n := d.txUnnotified
	d.txUnnotified = 0
	d.mu.Unlock()

	if n > 0 {
		d.regs.NotifyDevice(CmdTxRequest)
	}
}

// coalesce copies a packet the ring cannot describe into one contiguous
// buffer. The original completion hook still fires when the coalesced copy
// completes.
func (d *Device) coalesce(pkt *TxPacket) (*TxPacket, error) {
	total := pkt.total()

	buf, err := d.alloc.Alloc(total)
	if err != nil {
		d.stats.txCoalesceFailed.Inc(1)
		return nil, errors.Wrapf(err, "coalescing %d segments", len(pkt.Segs))
	}

	b := buf.Bytes()[:0]
	for _, seg := range pkt.Segs {
		b = append(b, seg.Buf.Bytes()[:seg.Len]...)
	}

	d.stats.txCoalesced.Inc(1)

	orig := pkt
	return &TxPacket{
		Segs: []Segment{{Buf: buf, Len: total}},
		Done: func() {
			d.alloc.Release(buf)
			if orig.Done != nil {
				orig.Done()
			}
		},
	}, nil
}

// ReclaimCompleted frees the slots of every transmit the device has finished
// with, then clears backpressure if enough slots came back. Safe to call
// repeatedly; a second run with no device activity does nothing.
func (d *Device) ReclaimCompleted() {
	d.mu.Lock()
	d.reclaimLocked()
	resume := d.checkResumeLocked()
	d.mu.Unlock()

	if resume && d.cfg.OnResume != nil {
		d.cfg.OnResume()
	}
}

func (d *Device) reclaimLocked() {
	tx := d.region.Tx

	for {
		idx := d.txReclaim
		p := &d.txPend[idx]
		if p.count == 0 {
			return
		}

		if tx.Owner(idx) != ring.OwnDriver || tx.Owner(p.last) != ring.OwnDriver {
			return
		}

		for _, seg := range p.pkt.Segs {
			seg.Buf.UnmapDevice()
		}
		if p.pkt.Done != nil {
			p.pkt.Done()
		}

		n := p.count
		*p = pendingTx{}

		d.txReclaim = tx.Add(idx, n)
		d.txFree += n
		d.txOutstanding -= n
	}
}

func (d *Device) checkResumeLocked() bool {
	if !d.txStopped || d.txFree < d.cfg.MaxDescsPerPacket {
		return false
	}

	d.txStopped = false
	return true
}

// Stopped reports whether the transmit side is under backpressure.
func (d *Device) Stopped() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.txStopped
}
