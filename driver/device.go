package driver

import (
	"net"
	"sync"
	"time"

	"github.com/lab47/lsvd/logger"
	"github.com/lab47/pvnic/ring"
	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"
)

// Allocator hands out packet buffers addressable by the device. The arena
// implements it; tests substitute failing variants.
type Allocator interface {
	Alloc(size uint32) (*ring.Buffer, error)
	Release(b *ring.Buffer)
}

type Config struct {
	// RxBufSize is the buffer size stocked into primary receive slots.
	RxBufSize uint32

	// FragBufSize is the buffer size stocked into fragment slots.
	FragBufSize uint32

	// MaxDescsPerPacket bounds how many ring slots one packet may chain
	// across when the device supports chaining.
	MaxDescsPerPacket uint32

	// ClusterThreshold is how many sends may accumulate before the device
	// is notified. 1 disables clustering.
	ClusterThreshold int

	// LowWatermark forces an immediate notify when free slots drop to or
	// below it. Defaults to MaxDescsPerPacket.
	LowWatermark uint32

	// DetachRetries and DetachWait bound how long Detach polls for
	// outstanding transmits before forcibly releasing them.
	DetachRetries int
	DetachWait    time.Duration

	// OnResume is invoked after backpressure clears, outside the engine
	// lock. Callers use it to start offering packets again.
	OnResume func()
}

func (c Config) withDefaults() Config {
	if c.RxBufSize == 0 {
		c.RxBufSize = 1920
	}
	if c.FragBufSize == 0 {
		c.FragBufSize = 4096
	}
	if c.MaxDescsPerPacket == 0 {
		c.MaxDescsPerPacket = 8
	}
	if c.ClusterThreshold == 0 {
		c.ClusterThreshold = 4
	}
	if c.LowWatermark == 0 {
		c.LowWatermark = c.MaxDescsPerPacket
	}
	if c.DetachRetries == 0 {
		c.DetachRetries = 20
	}
	if c.DetachWait == 0 {
		c.DetachWait = 5 * time.Millisecond
	}
	return c
}

type pendingTx struct {
	pkt   *TxPacket
	count uint32 // slots consumed, 0 means no packet starts here
	last  uint32 // index of the slot carrying the end-of-packet flag
}

// Device is the per-device context: its rings, cursors, lock, and counters.
// Nothing here is process global; two attached devices share nothing.
type Device struct {
	log   logger.Logger
	regs  Registers
	line  InterruptLine
	caps  Capabilities
	sizes ring.Sizes

	region *ring.Region
	arena  *ring.Arena
	alloc  Allocator
	sink   PacketSink
	cfg    Config

	registry metrics.Registry
	stats    *stats

	// mu serializes the transmit side: producer cursor, slot ownership
	// handoff, and reclaim. The receive side runs only on the interrupt
	// dispatch goroutine and needs no lock of its own.
	mu            sync.Mutex
	txProduce     uint32
	txReclaim     uint32
	txFree        uint32
	txOutstanding uint32
	txPend        []pendingTx
	txStopped     bool
	txUnnotified  int

	rxCursor   uint32
	fragCursor uint32
	rxBufs     []*ring.Buffer
	fragBufs   []*ring.Buffer
}

// Attach negotiates capabilities and ring sizes with the device, lays out the
// shared region at the front of shm and the buffer arena behind it, stocks
// the receive rings, and enables interrupts. The returned device owns the
// region until Detach.
func Attach(log logger.Logger, regs Registers, line InterruptLine, shm *ring.Shared, sink PacketSink, cfg Config) (*Device, error) {
	cfg = cfg.withDefaults()

	caps := Capabilities(regs.ReadCommand(CmdGetCapabilities))

	sizes := ring.Sizes{
		Tx: regs.ReadCommand(CmdGetTxRingLen),
		Rx: regs.ReadCommand(CmdGetRxRingLen),
	}
	if caps.Has(CapFragRx) {
		sizes.Frag = regs.ReadCommand(CmdGetFragRingLen)
		if sizes.Frag == 0 {
			return nil, errors.New("device reports fragment receive but no fragment ring")
		}
	}
	if sizes.Tx == 0 || sizes.Rx == 0 {
		return nil, errors.Errorf("device reports unusable ring sizes: tx=%d rx=%d", sizes.Tx, sizes.Rx)
	}

	region, err := ring.AttachRegion(shm, 0, sizes)
	if err != nil {
		return nil, err
	}
	region.Init(sizes)

	arenaOff := (ring.RegionSize(sizes) + 7) &^ 7
	if arenaOff >= shm.Size() {
		return nil, errors.Errorf("shared area too small: %d bytes for a %d byte region", shm.Size(), arenaOff)
	}
	arena := ring.NewArena(shm, arenaOff, shm.Size()-arenaOff)

	d := &Device{
		log:      log,
		regs:     regs,
		line:     line,
		caps:     caps,
		sizes:    sizes,
		region:   region,
		arena:    arena,
		alloc:    arena,
		sink:     sink,
		cfg:      cfg,
		registry: metrics.NewRegistry(),
		txFree:   sizes.Tx,
		txPend:   make([]pendingTx, sizes.Tx),
		rxBufs:   make([]*ring.Buffer, sizes.Rx),
		fragBufs: make([]*ring.Buffer, sizes.Frag),
	}
	d.stats = newStats(d.registry)

	for i := uint32(0); i < sizes.Tx; i++ {
		region.Tx.SetOwner(i, ring.OwnDriver)
	}

	if err := d.stockRxRings(); err != nil {
		d.releaseRxRings()
		return nil, errors.Wrapf(err, "stocking receive rings")
	}

	regs.ProgramRegion(0, uint32(ring.RegionSize(sizes)))
	regs.NotifyDevice(CmdInitRings)

	if !line.Request(d.interrupt) {
		d.releaseRxRings()
		return nil, errors.New("interrupt request refused")
	}

	log.Info("device attached",
		"caps", caps.String(),
		"tx", sizes.Tx, "rx", sizes.Rx, "frag", sizes.Frag)

	return d, nil
}

func (d *Device) Capabilities() Capabilities {
	return d.caps
}

func (d *Device) Allocator() Allocator {
	return d.alloc
}

func (d *Device) stockRxRings() error {
	rx := d.region.Rx
	for i := uint32(0); i < rx.Len(); i++ {
		buf, err := d.alloc.Alloc(d.cfg.RxBufSize)
		if err != nil {
			return err
		}

		buf.MapDevice()
		d.rxBufs[i] = buf
		rx.SetBuf(i, buf.Addr(), buf.Size())
		rx.SetOwner(i, ring.OwnDevice)
	}

	fr := d.region.Frag
	for i := uint32(0); i < d.sizes.Frag; i++ {
		buf, err := d.alloc.Alloc(d.cfg.FragBufSize)
		if err != nil {
			return err
		}

		buf.MapDevice()
		d.fragBufs[i] = buf
		fr.SetBuf(i, buf.Addr(), buf.Size())
		fr.SetOwner(i, ring.OwnDeviceFrag)
	}

	return nil
}

func (d *Device) releaseRxRings() {
	for i, buf := range d.rxBufs {
		if buf == nil {
			continue
		}
		d.region.Rx.SetOwner(uint32(i), ring.OwnNone)
		buf.UnmapDevice()
		d.alloc.Release(buf)
		d.rxBufs[i] = nil
	}

	for i, buf := range d.fragBufs {
		if buf == nil {
			continue
		}
		d.region.Frag.SetOwner(uint32(i), ring.OwnNone)
		buf.UnmapDevice()
		d.alloc.Release(buf)
		d.fragBufs[i] = nil
	}
}

// interrupt is the per-delivery dispatch: acknowledge first, then drain
// completed receive slots and reclaim completed transmit slots.
func (d *Device) interrupt() {
	d.regs.AcknowledgeInterrupt()

	d.drain()
	d.ReclaimCompleted()
}

// SetMulticast installs the multicast filter. If the list exceeds the
// region's table, the device is flipped to all-multicast instead of silently
// filtering.
func (d *Device) SetMulticast(addrs []net.HardwareAddr) {
	n := d.region.SetMulticast(addrs)
	if n < len(addrs) {
		d.region.SetIfFlags(d.region.IfFlags() | ring.IfAllMulticast)
		d.regs.NotifyDevice(CmdUpdateIfFlags)
	}

	d.regs.NotifyDevice(CmdUpdateMulticast)
}

// SetInterfaceFlags replaces the interface flag word and tells the device.
func (d *Device) SetInterfaceFlags(flags uint32) {
	d.region.SetIfFlags(flags)
	d.regs.NotifyDevice(CmdUpdateIfFlags)
}

// Detach tears the device down. Outstanding transmits are polled for a
// bounded number of rounds; whatever the device still has not completed is
// then forcibly released, since a detached device may never complete them.
func (d *Device) Detach() error {
	d.line.Release()

	for i := 0; i < d.cfg.DetachRetries; i++ {
		d.mu.Lock()
		d.reclaimLocked()
		out := d.txOutstanding
		d.mu.Unlock()

		if out == 0 {
			break
		}

		time.Sleep(d.cfg.DetachWait)
	}

	d.mu.Lock()
	forced := d.forceReleaseLocked()
	d.mu.Unlock()

	if forced > 0 {
		d.stats.txForcedReleases.Inc(int64(forced))
		d.log.Error("released stuck transmit descriptors at teardown; device and driver state may disagree",
			"packets", forced)
	}

	d.releaseRxRings()

	if n := d.arena.Mapped(); n != 0 {
		d.log.Error("device-visible buffer mappings leaked at detach", "count", n)
	}

	return nil
}

// forceReleaseLocked unwinds every pending transmit regardless of ownership.
// Only valid once the interrupt line is down.
func (d *Device) forceReleaseLocked() int {
	forced := 0

	for i := range d.txPend {
		p := &d.txPend[i]
		if p.count == 0 {
			continue
		}

		for _, seg := range p.pkt.Segs {
			seg.Buf.UnmapDevice()
		}
		if p.pkt.Done != nil {
			p.pkt.Done()
		}

		for k := uint32(0); k < p.count; k++ {
			d.region.Tx.SetOwner(d.region.Tx.Add(uint32(i), k), ring.OwnDriver)
		}

		d.txFree += p.count
		d.txOutstanding -= p.count
		*p = pendingTx{}
		forced++
	}

	return forced
}
