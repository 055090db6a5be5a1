package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/lab47/lsvd/logger"
	"github.com/lab47/pvnic/devsim"
	"github.com/lab47/pvnic/driver"
	"github.com/lab47/pvnic/ring"
	"github.com/mdlayher/ethernet"
)

var (
	fConfig = flag.String("config", "", "path to a yaml config file")
	fMode   = flag.String("mode", "", "device backend: echo or tap")
	fTap    = flag.String("tap", "", "tap interface name")
	fTrace  = flag.Bool("trace", false, "enable trace logging")
)

func main() {
	flag.Parse()

	cfg := DefaultConfig()
	if *fConfig != "" {
		var err error
		cfg, err = LoadConfig(*fConfig)
		if err != nil {
			panic(err)
		}
	}

	if *fMode != "" {
		cfg.Mode = *fMode
	}
	if *fTap != "" {
		cfg.Tap = *fTap
	}

	level := logger.Info
	if *fTrace || cfg.LogLevel == "trace" {
		level = logger.Trace
	}

	log := logger.New(level)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	shm, err := ring.NewShared(cfg.SharedSize)
	if err != nil {
		panic(err)
	}
	defer shm.Close()

	var backend devsim.Backend
	switch cfg.Mode {
	case "echo":
		backend = devsim.NewEchoBackend(log)
	case "tap":
		backend, err = devsim.NewTapBackend(log, cfg.Tap)
		if err != nil {
			panic(err)
		}
	default:
		panic(fmt.Sprintf("unknown mode %q", cfg.Mode))
	}

	sim, err := devsim.New(ctx, log, shm, devsim.Config{
		Caps: driver.CapSG | driver.CapCsum | driver.CapTSO |
			driver.CapChain | driver.CapFragRx,
		Sizes: ring.Sizes{Tx: cfg.TxRing, Rx: cfg.RxRing, Frag: cfg.FragRing},
	}, backend)
	if err != nil {
		panic(err)
	}

	sink := driver.NewBufferedSink(ctx, log, 512, func(pkt *driver.RxPacket) {
		log.Info("received packet", "len", pkt.Len(), "csum-ok", pkt.Info.CsumOK)

		if log.IsTrace() {
			data := pkt.AppendTo(nil)
			decoded := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Default)
			fmt.Println(decoded.Dump())
		}

		pkt.Release()
	})

	dev, err := driver.Attach(log, sim, sim.IntrLine(), shm, sink, driver.Config{
		ClusterThreshold: cfg.TxCluster,
	})
	if err != nil {
		panic(err)
	}

	dev.SetInterfaceFlags(ring.IfBroadcast)

	if cfg.Mode == "echo" {
		if err := sendProbe(dev); err != nil {
			log.Error("sending probe frame failed", "error", err)
		}
	}

	<-ctx.Done()

	dev.Detach()

	c := dev.Counters()
	log.Info("detached",
		"tx-packets", c.TxPackets, "tx-bytes", c.TxBytes,
		"rx-packets", c.RxPackets, "rx-bytes", c.RxBytes,
		"rx-errors", c.RxErrors, "sink-drops", sink.Drops())
}

var probeMAC = net.HardwareAddr{0x02, 0x47, 0x70, 0x76, 0x6e, 0x01}

// sendProbe puts one broadcast ARP request on the wire so an echo run shows
// the full path working.
func sendProbe(dev *driver.Device) error {
	fr := ethernet.Frame{
		Destination: ethernet.Broadcast,
		Source:      probeMAC,
		EtherType:   ethernet.EtherTypeARP,
		Payload:     arpRequest(probeMAC),
	}

	data, err := fr.MarshalBinary()
	if err != nil {
		return err
	}

	buf, err := dev.Allocator().Alloc(uint32(len(data)))
	if err != nil {
		return err
	}
	copy(buf.Bytes(), data)

	pkt := &driver.TxPacket{
		Segs: []driver.Segment{{Buf: buf, Len: uint32(len(data))}},
		Done: func() {
			dev.Allocator().Release(buf)
		},
	}

	_, err = dev.Send(pkt, driver.Offload{})
	dev.Flush()

	return err
}

func arpRequest(src net.HardwareAddr) []byte {
	b := make([]byte, 28)

	binary.BigEndian.PutUint16(b[0:], 1)      // ethernet
	binary.BigEndian.PutUint16(b[2:], 0x0800) // ipv4
	b[4] = 6
	b[5] = 4
	binary.BigEndian.PutUint16(b[6:], 1) // request
	copy(b[8:14], src)
	copy(b[14:18], net.IP{192, 168, 0, 2}.To4())
	copy(b[24:28], net.IP{192, 168, 0, 1}.To4())

	return b
}
