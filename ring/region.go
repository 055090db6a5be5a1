package ring

import (
	"encoding/binary"
	"net"

	"github.com/pkg/errors"
)

const Magic = 0x70766e31 // "pvn1"

// Region header layout. The header is written once by the driver before the
// region address is programmed into the device; after that only the interface
// flags and multicast block change, always followed by an explicit command.
const (
	hdrMagic      = 0
	hdrIfFlags    = 4
	hdrTxLen      = 8
	hdrRxLen      = 12
	hdrFragLen    = 16
	hdrMcastCount = 20
	hdrMcastTable = 24

	MaxMulticast = 16
	headerSize   = 128
)

// Interface flag bits, mirrored to the device via CmdUpdateIfFlags.
const (
	IfPromiscuous uint32 = 1 << iota
	IfBroadcast
	IfAllMulticast
)

// Sizes carries the ring lengths the device reported at attach time. They are
// fixed for the life of the region.
type Sizes struct {
	Tx   uint32
	Rx   uint32
	Frag uint32
}

func (s Sizes) valid() bool {
	return s.Tx > 0 && s.Rx > 0
}

// RegionSize returns the number of bytes a region with the given ring lengths
// occupies, header included.
func RegionSize(s Sizes) int {
	return headerSize +
		int(s.Tx)*txSlotSize +
		int(s.Rx)*rxSlotSize +
		int(s.Frag)*fragSlotSize
}

// Region is a view over the shared descriptor area: the header plus the three
// rings. Both the driver and the device model attach their own Region over
// the same bytes; the ownership words inside the slots arbitrate access.
type Region struct {
	b []byte

	Tx   TxRing
	Rx   RxRing
	Frag FragRing
}

// AttachRegion lays a Region view over shm at the given offset. The offset
// must be 8-byte aligned so the per-slot ownership words can be accessed
// atomically.
func AttachRegion(shm *Shared, off int, s Sizes) (*Region, error) {
	if !s.valid() {
		return nil, errors.Errorf("bad ring sizes: tx=%d rx=%d", s.Tx, s.Rx)
	}

	if off%8 != 0 {
		return nil, errors.Errorf("region offset %d not 8-byte aligned", off)
	}

	size := RegionSize(s)
	b, err := shm.Slice(uint64(off), uint32(size))
	if err != nil {
		return nil, errors.Wrapf(err, "attaching region")
	}

	r := &Region{b: b}

	p := headerSize
	r.Tx = TxRing{ringView{b: b[p : p+int(s.Tx)*txSlotSize], slot: txSlotSize, n: s.Tx}}
	p += int(s.Tx) * txSlotSize
	r.Rx = RxRing{ringView{b: b[p : p+int(s.Rx)*rxSlotSize], slot: rxSlotSize, n: s.Rx}}
	p += int(s.Rx) * rxSlotSize
	if s.Frag > 0 {
		r.Frag = FragRing{ringView{b: b[p : p+int(s.Frag)*fragSlotSize], slot: fragSlotSize, n: s.Frag}}
	}

	return r, nil
}

// Init writes the header and clears every slot. Driver side only, before the
// region is made visible to the device.
func (r *Region) Init(s Sizes) {
	clear(r.b)

	binary.NativeEndian.PutUint32(r.b[hdrMagic:], Magic)
	binary.NativeEndian.PutUint32(r.b[hdrTxLen:], s.Tx)
	binary.NativeEndian.PutUint32(r.b[hdrRxLen:], s.Rx)
	binary.NativeEndian.PutUint32(r.b[hdrFragLen:], s.Frag)
}

func (r *Region) ValidMagic() bool {
	return binary.NativeEndian.Uint32(r.b[hdrMagic:]) == Magic
}

func (r *Region) IfFlags() uint32 {
	return binary.NativeEndian.Uint32(r.b[hdrIfFlags:])
}

func (r *Region) SetIfFlags(v uint32) {
	binary.NativeEndian.PutUint32(r.b[hdrIfFlags:], v)
}

// SetMulticast writes the multicast filter block. Addresses past MaxMulticast
// are dropped; callers wanting more flip the device to all-multicast instead.
func (r *Region) SetMulticast(addrs []net.HardwareAddr) int {
	if len(addrs) > MaxMulticast {
		addrs = addrs[:MaxMulticast]
	}

	tbl := r.b[hdrMcastTable:]
	for i, a := range addrs {
		copy(tbl[i*6:i*6+6], a)
	}

	binary.NativeEndian.PutUint32(r.b[hdrMcastCount:], uint32(len(addrs)))

	return len(addrs)
}

func (r *Region) Multicast() []net.HardwareAddr {
	n := binary.NativeEndian.Uint32(r.b[hdrMcastCount:])
	if n > MaxMulticast {
		n = MaxMulticast
	}

	tbl := r.b[hdrMcastTable:]

	var out []net.HardwareAddr
	for i := 0; i < int(n); i++ {
		hw := make(net.HardwareAddr, 6)
		copy(hw, tbl[i*6:i*6+6])
		out = append(out, hw)
	}

	return out
}
