package driver

import (
	"context"
	"testing"
	"time"

	"github.com/lab47/lsvd/logger"
	"github.com/lab47/pvnic/ring"
	"github.com/stretchr/testify/require"
)

func testArena(t *testing.T) *ring.Arena {
	t.Helper()

	shm, err := ring.NewShared(1 << 20)
	require.NoError(t, err)
	t.Cleanup(func() {
		shm.Close()
	})

	return ring.NewArena(shm, 0, shm.Size())
}

func testRxPacket(t *testing.T, a *ring.Arena, n uint32) *RxPacket {
	t.Helper()

	buf, err := a.Alloc(n)
	require.NoError(t, err)

	pkt := newRxPacket(a)
	pkt.attach(buf, n)

	return pkt
}

func TestRxPacketRefCount(t *testing.T) {
	r := require.New(t)

	a := testArena(t)

	pkt := testRxPacket(t, a, 128)
	r.Equal(1, a.Live())

	pkt.IncRef(1)
	pkt.Release()
	r.Equal(1, a.Live())

	pkt.Release()
	r.Zero(a.Live())
}

func TestBufferedSink(t *testing.T) {
	t.Run("consumer sees packets in order", func(t *testing.T) {
		r := require.New(t)

		a := testArena(t)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		got := make(chan uint32, 16)
		sink := NewBufferedSink(ctx, logger.New(logger.Info), 8, func(p *RxPacket) {
			got <- p.Len()
			p.Release()
		})

		for i := uint32(1); i <= 3; i++ {
			sink.Deliver(testRxPacket(t, a, i*10))
		}

		for i := uint32(1); i <= 3; i++ {
			select {
			case n := <-got:
				r.Equal(i*10, n)
			case <-time.After(2 * time.Second):
				t.Fatal("sink consumer stalled")
			}
		}

		r.Zero(sink.Drops())
		r.Eventually(func() bool { return a.Live() == 0 }, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("overflow drops instead of blocking the producer", func(t *testing.T) {
		r := require.New(t)

		a := testArena(t)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		entered := make(chan struct{}, 32)
		gate := make(chan struct{})

		sink := NewBufferedSink(ctx, logger.New(logger.Info), 4, func(p *RxPacket) {
			entered <- struct{}{}
			<-gate
			p.Release()
		})

		// park the consumer on the first packet
		sink.Deliver(testRxPacket(t, a, 10))
		select {
		case <-entered:
		case <-time.After(2 * time.Second):
			t.Fatal("sink consumer never started")
		}

		// fill the queue behind it, then one more
		for i := 0; i < 4; i++ {
			sink.Deliver(testRxPacket(t, a, 10))
		}
		sink.Deliver(testRxPacket(t, a, 10))

		r.Equal(int64(1), sink.Drops())

		close(gate)

		r.Eventually(func() bool { return a.Live() == 0 }, 2*time.Second, 10*time.Millisecond)
	})
}
