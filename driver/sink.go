package driver

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/lab47/lsvd/logger"
	ringbuf "github.com/lab47/pvnic/pkg/ring_buf"
)

// PacketSink receives fully assembled packets from the drain path. Deliver
// must never block; the drain loop runs in interrupt dispatch.
type PacketSink interface {
	Deliver(pkt *RxPacket)
}

// BufferedSink decouples the drain path from a possibly slow consumer with a
// fixed-depth ring. When the ring is full the packet is dropped and counted
// rather than ever stalling the interrupt path.
type BufferedSink struct {
	log logger.Logger
	q   *ringbuf.RingBuf[*RxPacket]
	fn  func(*RxPacket)

	charge chan struct{}
	tick   *time.Ticker

	drops atomic.Int64
}

// NewBufferedSink starts the consumer goroutine. fn owns each packet it is
// handed and must Release it.
func NewBufferedSink(ctx context.Context, log logger.Logger, depth int, fn func(*RxPacket)) *BufferedSink {
	b := &BufferedSink{
		log:    log,
		q:      ringbuf.New[*RxPacket](depth),
		fn:     fn,
		charge: make(chan struct{}, 1),
		tick:   time.NewTicker(10 * time.Millisecond),
	}

	go b.poll(ctx)

	return b
}

func (b *BufferedSink) Deliver(pkt *RxPacket) {
	if !b.q.Push(pkt) {
		pkt.Release()
		b.drops.Add(1)
		return
	}

	select {
	case b.charge <- struct{}{}:
	default:
	}
}

func (b *BufferedSink) Drops() int64 {
	return b.drops.Load()
}

func (b *BufferedSink) poll(ctx context.Context) {
	defer b.tick.Stop()

	for {
		select {
		case <-ctx.Done():
			for {
				pkt, ok := b.q.Pop()
				if !ok {
					return
				}
				pkt.Release()
			}

		case <-b.tick.C:
			//ok

		case <-b.charge:
			//ok
		}

		for {
			pkt, ok := b.q.Pop()
			if !ok {
				break
			}

			b.fn(pkt)
		}
	}
}
