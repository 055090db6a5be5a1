package ring

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func testShared(t *testing.T, size int) *Shared {
	t.Helper()

	shm, err := NewShared(size)
	require.NoError(t, err)

	t.Cleanup(func() {
		shm.Close()
	})

	return shm
}

func TestRegion(t *testing.T) {
	sizes := Sizes{Tx: 8, Rx: 8, Frag: 4}

	t.Run("attach validates alignment and bounds", func(t *testing.T) {
		r := require.New(t)

		shm := testShared(t, 1<<20)

		_, err := AttachRegion(shm, 4, sizes)
		r.Error(err)

		_, err = AttachRegion(shm, shm.Size(), sizes)
		r.Error(err)

		_, err = AttachRegion(shm, 0, Sizes{Tx: 8})
		r.Error(err)

		reg, err := AttachRegion(shm, 0, sizes)
		r.NoError(err)
		r.NotNil(reg)
	})

	t.Run("init writes the header", func(t *testing.T) {
		r := require.New(t)

		shm := testShared(t, 1<<20)

		reg, err := AttachRegion(shm, 0, sizes)
		r.NoError(err)

		r.False(reg.ValidMagic())
		reg.Init(sizes)
		r.True(reg.ValidMagic())

		// a second view over the same bytes sees the same header
		reg2, err := AttachRegion(shm, 0, sizes)
		r.NoError(err)
		r.True(reg2.ValidMagic())
	})

	t.Run("cursor arithmetic wraps modulo ring length", func(t *testing.T) {
		r := require.New(t)

		shm := testShared(t, 1<<20)

		reg, err := AttachRegion(shm, 0, sizes)
		r.NoError(err)

		// advancing the cursor ring-length times returns it to start
		i := uint32(3)
		for k := uint32(0); k < reg.Tx.Len(); k++ {
			i = reg.Tx.Next(i)
		}
		r.Equal(uint32(3), i)

		r.Equal(uint32(1), reg.Tx.Add(7, 2))
		r.Equal(uint32(0), reg.Frag.Add(2, 2))
	})

	t.Run("ownership handoff is visible to the peer view", func(t *testing.T) {
		r := require.New(t)

		shm := testShared(t, 1<<20)

		drv, err := AttachRegion(shm, 0, sizes)
		r.NoError(err)
		drv.Init(sizes)

		dev, err := AttachRegion(shm, 0, sizes)
		r.NoError(err)

		r.Equal(OwnNone, dev.Tx.Owner(2))

		drv.Tx.SetSG(2, 0, 4096, 128)
		drv.Tx.SetFlags(2, TxEOP)
		drv.Tx.SetOwner(2, OwnDevice)

		r.Equal(OwnDevice, dev.Tx.Owner(2))
		addr, l := dev.Tx.SG(2, 0)
		r.Equal(uint64(4096), addr)
		r.Equal(uint32(128), l)

		r.Equal(OwnDriverFrag.String(), "driver-frag")
	})

	t.Run("slot reset clears payload but not ownership", func(t *testing.T) {
		r := require.New(t)

		shm := testShared(t, 1<<20)

		reg, err := AttachRegion(shm, 0, sizes)
		r.NoError(err)
		reg.Init(sizes)

		reg.Tx.SetOwner(1, OwnDriver)
		reg.Tx.SetFlags(1, TxEOP|TxCsum)
		reg.Tx.SetCsum(1, 14, 16)
		reg.Tx.SetMSS(1, 1460)
		reg.Tx.SetSGCount(1, 2)

		reg.Tx.Reset(1)

		r.Equal(OwnDriver, reg.Tx.Owner(1))
		r.Zero(reg.Tx.Flags(1))
		r.Zero(reg.Tx.SGCount(1))
		r.Zero(reg.Tx.MSS(1))
	})

	t.Run("multicast filter round trip", func(t *testing.T) {
		r := require.New(t)

		shm := testShared(t, 1<<20)

		reg, err := AttachRegion(shm, 0, sizes)
		r.NoError(err)
		reg.Init(sizes)

		a1, _ := net.ParseMAC("01:00:5e:00:00:01")
		a2, _ := net.ParseMAC("01:00:5e:00:00:fb")

		n := reg.SetMulticast([]net.HardwareAddr{a1, a2})
		r.Equal(2, n)

		got := reg.Multicast()
		r.Len(got, 2)
		r.Equal(a1, got[0])
		r.Equal(a2, got[1])

		// oversized lists are truncated at the table size
		var many []net.HardwareAddr
		for i := 0; i < MaxMulticast+5; i++ {
			many = append(many, a1)
		}
		r.Equal(MaxMulticast, reg.SetMulticast(many))
		r.Len(reg.Multicast(), MaxMulticast)
	})

	t.Run("fragment slots are a different size from primary slots", func(t *testing.T) {
		r := require.New(t)

		r.NotEqual(rxSlotSize, fragSlotSize)
		r.Equal(headerSize+8*txSlotSize+8*rxSlotSize+4*fragSlotSize, RegionSize(sizes))
	})
}
