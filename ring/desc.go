package ring

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"
)

// Ownership tags who may touch a descriptor slot. The FRAGMENT variants are
// distinct values, not flag bits: a fragment slot handed to the driver is
// never interchangeable with a primary slot, so confusing the two is made
// impossible at the protocol level.
type Ownership uint32

const (
	OwnNone Ownership = iota // slot not initialized
	OwnDriver
	OwnDevice
	OwnDriverFrag
	OwnDeviceFrag
)

func (o Ownership) String() string {
	switch o {
	case OwnNone:
		return "none"
	case OwnDriver:
		return "driver"
	case OwnDevice:
		return "device"
	case OwnDriverFrag:
		return "driver-frag"
	case OwnDeviceFrag:
		return "device-frag"
	}
	return "invalid"
}

// Transmit slot layout. The ownership word sits at offset 0 of every slot
// kind and must stay 8-byte aligned within the mapped region.
const (
	MaxSG = 4 // scatter/gather entries per transmit slot

	txOwn      = 0
	txFlags    = 4
	txTotalLen = 8
	txSGCount  = 12
	txMSS      = 14
	txCsumAt   = 16 // start u16, offset u16
	txSGTable  = 24 // MaxSG entries of {addr u64, len u32, pad u32}

	sgEntrySize = 16
	txSlotSize  = txSGTable + MaxSG*sgEntrySize
)

// Transmit slot flags.
const (
	TxEOP  uint32 = 1 << iota // terminal slot of a packet
	TxCsum                    // checksum offload requested (first slot)
	TxTSO                     // segmentation offload requested (first slot)
)

// Primary receive slot layout.
const (
	rxOwn     = 0
	rxFlags   = 4
	rxBufAddr = 8
	rxBufLen  = 16
	rxWritten = 20
	rxVlanTag = 24

	rxSlotSize = 32
)

// Primary receive slot flags, written by the device.
const (
	RxFrag         uint32 = 1 << iota // packet continues on the fragment ring
	RxVlanStripped                    // VLAN tag removed, value in the tag field
	RxCsumOK                          // device validated the L4 checksum
)

// Fragment slot layout. Deliberately a different size from the primary slot.
const (
	frOwn     = 0
	frFlags   = 4
	frBufAddr = 8
	frBufLen  = 16
	frWritten = 20

	fragSlotSize = 24
)

// Fragment slot flags.
const (
	FragEnd uint32 = 1 << iota // terminal fragment of a chain
)

// ownWord returns the slot's ownership word as an atomic. The store side uses
// release ordering and the load side acquire ordering, which is exactly the
// "data writes, barrier, ownership write / ownership read, barrier, data
// reads" discipline the protocol requires.
func ownWord(b []byte) *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&b[0]))
}

type ringView struct {
	b    []byte
	slot int
	n    uint32
}

func (r ringView) Len() uint32 {
	return r.n
}

// Next advances a cursor one slot, wrapping at the ring length.
func (r ringView) Next(i uint32) uint32 {
	return (i + 1) % r.n
}

// Add advances a cursor by k slots, wrapping at the ring length.
func (r ringView) Add(i, k uint32) uint32 {
	return (i + k) % r.n
}

func (r ringView) at(i uint32) []byte {
	return r.b[int(i)*r.slot:]
}

func (r ringView) Owner(i uint32) Ownership {
	return Ownership(ownWord(r.at(i)).Load())
}

func (r ringView) SetOwner(i uint32, o Ownership) {
	ownWord(r.at(i)).Store(uint32(o))
}

// TxRing is the transmit descriptor ring. The driver produces slots, the
// device consumes them and returns ownership on completion.
type TxRing struct {
	ringView
}

func (t TxRing) Flags(i uint32) uint32 {
	return binary.NativeEndian.Uint32(t.at(i)[txFlags:])
}

func (t TxRing) SetFlags(i uint32, f uint32) {
	binary.NativeEndian.PutUint32(t.at(i)[txFlags:], f)
}

func (t TxRing) TotalLen(i uint32) uint32 {
	return binary.NativeEndian.Uint32(t.at(i)[txTotalLen:])
}

func (t TxRing) SetTotalLen(i uint32, v uint32) {
	binary.NativeEndian.PutUint32(t.at(i)[txTotalLen:], v)
}

func (t TxRing) SGCount(i uint32) uint16 {
	return binary.NativeEndian.Uint16(t.at(i)[txSGCount:])
}

func (t TxRing) SetSGCount(i uint32, v uint16) {
	binary.NativeEndian.PutUint16(t.at(i)[txSGCount:], v)
}

func (t TxRing) MSS(i uint32) uint16 {
	return binary.NativeEndian.Uint16(t.at(i)[txMSS:])
}

func (t TxRing) SetMSS(i uint32, v uint16) {
	binary.NativeEndian.PutUint16(t.at(i)[txMSS:], v)
}

func (t TxRing) Csum(i uint32) (start, offset uint16) {
	b := t.at(i)[txCsumAt:]
	return binary.NativeEndian.Uint16(b), binary.NativeEndian.Uint16(b[2:])
}

func (t TxRing) SetCsum(i uint32, start, offset uint16) {
	b := t.at(i)[txCsumAt:]
	binary.NativeEndian.PutUint16(b, start)
	binary.NativeEndian.PutUint16(b[2:], offset)
}

func (t TxRing) SG(i uint32, j int) (addr uint64, length uint32) {
	e := t.at(i)[txSGTable+j*sgEntrySize:]
	return binary.NativeEndian.Uint64(e), binary.NativeEndian.Uint32(e[8:])
}

func (t TxRing) SetSG(i uint32, j int, addr uint64, length uint32) {
	e := t.at(i)[txSGTable+j*sgEntrySize:]
	binary.NativeEndian.PutUint64(e, addr)
	binary.NativeEndian.PutUint32(e[8:], length)
}

// Reset clears a slot's payload fields. The ownership word is left alone;
// ownership only ever changes through SetOwner.
func (t TxRing) Reset(i uint32) {
	clear(t.at(i)[txFlags:txSlotSize])
}

// RxRing is the primary receive ring. The driver stocks slots with empty
// buffers and hands them to the device; the device fills them and hands them
// back.
type RxRing struct {
	ringView
}

func (r RxRing) Flags(i uint32) uint32 {
	return binary.NativeEndian.Uint32(r.at(i)[rxFlags:])
}

func (r RxRing) SetFlags(i uint32, f uint32) {
	binary.NativeEndian.PutUint32(r.at(i)[rxFlags:], f)
}

func (r RxRing) BufAddr(i uint32) uint64 {
	return binary.NativeEndian.Uint64(r.at(i)[rxBufAddr:])
}

func (r RxRing) BufLen(i uint32) uint32 {
	return binary.NativeEndian.Uint32(r.at(i)[rxBufLen:])
}

func (r RxRing) SetBuf(i uint32, addr uint64, length uint32) {
	b := r.at(i)
	binary.NativeEndian.PutUint64(b[rxBufAddr:], addr)
	binary.NativeEndian.PutUint32(b[rxBufLen:], length)
}

func (r RxRing) Written(i uint32) uint32 {
	return binary.NativeEndian.Uint32(r.at(i)[rxWritten:])
}

func (r RxRing) SetWritten(i uint32, v uint32) {
	binary.NativeEndian.PutUint32(r.at(i)[rxWritten:], v)
}

func (r RxRing) VlanTag(i uint32) uint16 {
	return binary.NativeEndian.Uint16(r.at(i)[rxVlanTag:])
}

func (r RxRing) SetVlanTag(i uint32, v uint16) {
	binary.NativeEndian.PutUint16(r.at(i)[rxVlanTag:], v)
}

// FragRing is the secondary receive ring used for multi-buffer frames.
type FragRing struct {
	ringView
}

func (f FragRing) Flags(i uint32) uint32 {
	return binary.NativeEndian.Uint32(f.at(i)[frFlags:])
}

func (f FragRing) SetFlags(i uint32, v uint32) {
	binary.NativeEndian.PutUint32(f.at(i)[frFlags:], v)
}

func (f FragRing) BufAddr(i uint32) uint64 {
	return binary.NativeEndian.Uint64(f.at(i)[frBufAddr:])
}

func (f FragRing) BufLen(i uint32) uint32 {
	return binary.NativeEndian.Uint32(f.at(i)[frBufLen:])
}

func (f FragRing) SetBuf(i uint32, addr uint64, length uint32) {
	b := f.at(i)
	binary.NativeEndian.PutUint64(b[frBufAddr:], addr)
	binary.NativeEndian.PutUint32(b[frBufLen:], length)
}

func (f FragRing) Written(i uint32) uint32 {
	return binary.NativeEndian.Uint32(f.at(i)[frWritten:])
}

func (f FragRing) SetWritten(i uint32, v uint32) {
	binary.NativeEndian.PutUint32(f.at(i)[frWritten:], v)
}
