package driver

import (
	"sync"
	"sync/atomic"

	"github.com/lab47/pvnic/ring"
)

// RxInfo carries the offload metadata the device reported with a received
// frame.
type RxInfo struct {
	CsumOK  bool
	HasVlan bool
	VlanTag uint16
}

type chunk struct {
	buf *ring.Buffer
	n   uint32
}

// RxPacket is a fully assembled received packet: the head buffer taken from
// the primary ring plus any fragment buffers, in order. It is ring
// independent; the slots the data arrived in have already been restocked and
// returned to the device by the time a sink sees it. Release returns the
// buffers to the arena, so a consumer must not touch the data afterwards.
type RxPacket struct {
	ref    atomic.Int32
	chunks []chunk
	length uint32
	alloc  Allocator

	Info RxInfo
}

var rxPacketPool = sync.Pool{
	New: func() any {
		return &RxPacket{}
	},
}

func newRxPacket(alloc Allocator) *RxPacket {
	p := rxPacketPool.Get().(*RxPacket)
	p.chunks = p.chunks[:0]
	p.length = 0
	p.alloc = alloc
	p.Info = RxInfo{}
	p.ref.Store(1)

	return p
}

func (p *RxPacket) attach(b *ring.Buffer, n uint32) {
	p.chunks = append(p.chunks, chunk{buf: b, n: n})
	p.length += n
}

func (p *RxPacket) Len() uint32 {
	return p.length
}

func (p *RxPacket) IncRef(cnt int32) {
	p.ref.Add(cnt)
}

// Release drops a reference; the last one returns the buffers to the arena
// and the packet to the pool.
func (p *RxPacket) Release() {
	if p.ref.Add(-1) != 0 {
		return
	}

	for _, c := range p.chunks {
		p.alloc.Release(c.buf)
	}

	p.chunks = p.chunks[:0]
	p.alloc = nil

	rxPacketPool.Put(p)
}

// AppendTo appends the assembled frame bytes to dst.
func (p *RxPacket) AppendTo(dst []byte) []byte {
	for _, c := range p.chunks {
		dst = append(dst, c.buf.Bytes()[:c.n]...)
	}

	return dst
}
