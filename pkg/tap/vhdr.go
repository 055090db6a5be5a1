package tap

import (
	"encoding/binary"
	"io"
)

// VirtioHdr mirrors struct virtio_net_hdr from include/uapi/linux/virtio_net.h.
// It rides in front of every frame on a tap opened with IFF_VNET_HDR and is
// how checksum and segmentation requests cross the tap boundary.
type VirtioHdr struct {
	Flags      uint8
	GSOType    uint8
	HdrLen     uint16
	GSOSize    uint16
	CsumStart  uint16
	CsumOffset uint16
}

const VirtioHdrLen = 10

// virtio_net_hdr flag and GSO type values.
const (
	VirtioNeedsCsum uint8 = 1
	VirtioDataValid uint8 = 2

	VirtioGSONone  uint8 = 0
	VirtioGSOTCPv4 uint8 = 1
	VirtioGSOUDP   uint8 = 3
	VirtioGSOTCPv6 uint8 = 4
)

func (v *VirtioHdr) Decode(b []byte) error {
	if len(b) < VirtioHdrLen {
		return io.ErrShortBuffer
	}

	v.Flags = b[0]
	v.GSOType = b[1]
	v.HdrLen = binary.NativeEndian.Uint16(b[2:])
	v.GSOSize = binary.NativeEndian.Uint16(b[4:])
	v.CsumStart = binary.NativeEndian.Uint16(b[6:])
	v.CsumOffset = binary.NativeEndian.Uint16(b[8:])

	return nil
}

func (v *VirtioHdr) Encode(b []byte) error {
	if len(b) < VirtioHdrLen {
		return io.ErrShortBuffer
	}

	b[0] = v.Flags
	b[1] = v.GSOType
	binary.NativeEndian.PutUint16(b[2:], v.HdrLen)
	binary.NativeEndian.PutUint16(b[4:], v.GSOSize)
	binary.NativeEndian.PutUint16(b[6:], v.CsumStart)
	binary.NativeEndian.PutUint16(b[8:], v.CsumOffset)

	return nil
}
