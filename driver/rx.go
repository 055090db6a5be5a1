package driver

import (
	"github.com/lab47/pvnic/ring"
)

// minFrameLen is the shortest acceptable ethernet frame, FCS excluded. A
// stripped VLAN tag lowers the bar by its 4 bytes.
const minFrameLen = 60

// drain consumes every completed primary slot in cursor order. It runs only
// on the interrupt dispatch goroutine, so it takes no lock; the transmit
// mutex guards a different ring and a different cursor.
func (d *Device) drain() {
	rx := d.region.Rx

	for {
		idx := d.rxCursor
		if rx.Owner(idx) != ring.OwnDriver {
			return
		}

		d.rxOne(idx)
		d.rxCursor = rx.Next(idx)
	}
}

func (d *Device) rxOne(idx uint32) {
	rx := d.region.Rx

	flags := rx.Flags(idx)
	written := rx.Written(idx)
	vlan := rx.VlanTag(idx)
	fragmented := flags&ring.RxFrag != 0

	if written == 0 || written > rx.BufLen(idx) {
		if written == 0 {
			d.stats.rxErrors.Inc(1)
		} else {
			d.stats.protocolErrors.Inc(1)
		}
		d.requeueRx(idx)
		if fragmented {
			d.walkFragChain(nil)
		}
		return
	}

	// The ring must never sit with an empty slot, so a replacement buffer
	// is found before the filled one is taken. No replacement, no packet.
	repl, err := d.alloc.Alloc(d.cfg.RxBufSize)
	if err != nil {
		d.stats.rxAllocFailures.Inc(1)
		d.requeueRx(idx)
		if fragmented {
			d.walkFragChain(nil)
		}
		return
	}

	head := d.rxBufs[idx]
	head.UnmapDevice()

	pkt := newRxPacket(d.alloc)
	pkt.attach(head, written)

	d.rxBufs[idx] = repl
	repl.MapDevice()
	rx.SetBuf(idx, repl.Addr(), repl.Size())
	d.requeueRx(idx)

	if fragmented {
		if !d.walkFragChain(pkt) {
			return
		}
	}

	min := uint32(minFrameLen)
	if flags&ring.RxVlanStripped != 0 {
		min -= 4
	}
	if pkt.Len() < min {
		d.stats.rxRunts.Inc(1)
		pkt.Release()
		return
	}

	pkt.Info = RxInfo{
		CsumOK:  flags&ring.RxCsumOK != 0,
		HasVlan: flags&ring.RxVlanStripped != 0,
		VlanTag: vlan,
	}

	d.stats.rxPackets.Inc(1)
	d.stats.rxBytes.Inc(int64(pkt.Len()))

	d.sink.Deliver(pkt)
}

// walkFragChain consumes fragment slots until the terminal flag, attaching
// each fragment's buffer to pkt and restocking the slot. A nil pkt walks the
// chain in discard mode. If a replacement allocation fails partway, the
// packet is released and the rest of the chain is still consumed and
// returned to the device; the fragment cursor must never be left inside a
// chain, or it desynchronizes from the device's.
func (d *Device) walkFragChain(pkt *RxPacket) bool {
	fr := d.region.Frag

	if d.sizes.Frag == 0 {
		d.stats.protocolErrors.Inc(1)
		if pkt != nil {
			pkt.Release()
		}
		return false
	}

	failed := pkt == nil

	for steps := uint32(0); steps < fr.Len(); steps++ {
		fi := d.fragCursor

		if fr.Owner(fi) != ring.OwnDriverFrag {
			// The device committed the primary before its
			// fragments, or we lost track of the chain. Count it
			// and stop at the slot boundary; consuming a slot we
			// do not own would corrupt it under the device.
			d.stats.protocolErrors.Inc(1)
			if pkt != nil {
				pkt.Release()
			}
			return false
		}

		terminal := fr.Flags(fi)&ring.FragEnd != 0
		written := fr.Written(fi)

		if pkt != nil && (written == 0 || written > fr.BufLen(fi)) {
			d.stats.rxErrors.Inc(1)
			pkt.Release()
			pkt = nil
			failed = true
		}

		if pkt != nil {
			repl, err := d.alloc.Alloc(d.cfg.FragBufSize)
			if err != nil {
				d.stats.rxAllocFailures.Inc(1)
				pkt.Release()
				pkt = nil
				failed = true
			} else {
				fbuf := d.fragBufs[fi]
				fbuf.UnmapDevice()
				pkt.attach(fbuf, written)

				d.fragBufs[fi] = repl
				repl.MapDevice()
				fr.SetBuf(fi, repl.Addr(), repl.Size())
			}
		}

		fr.SetWritten(fi, 0)
		fr.SetFlags(fi, 0)
		fr.SetOwner(fi, ring.OwnDeviceFrag)
		d.fragCursor = fr.Next(fi)

		if terminal {
			return !failed
		}
	}

	// A full revolution without a terminal flag: the chain is broken.
	d.stats.protocolErrors.Inc(1)
	if pkt != nil {
		pkt.Release()
	}
	return false
}

func (d *Device) requeueRx(idx uint32) {
	rx := d.region.Rx

	rx.SetWritten(idx, 0)
	rx.SetFlags(idx, 0)
	rx.SetVlanTag(idx, 0)
	rx.SetOwner(idx, ring.OwnDevice)
}
