package devsim

import (
	"context"
	"fmt"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/lab47/lsvd/logger"
	"github.com/lab47/pvnic/pkg/tap"
)

// Backend is where the simulated device puts transmitted frames and gets
// received ones: a loopback for tests, or a tap device for real traffic. The
// vnet header carries offload metadata across the boundary.
type Backend interface {
	Transmit(ctx context.Context, hdr tap.VirtioHdr, frame []byte) error
	Receive(ctx context.Context, fn func(hdr tap.VirtioHdr, frame []byte) error)
}

type echoFrame struct {
	hdr   tap.VirtioHdr
	frame []byte
}

// EchoBackend loops every transmitted frame straight back as a received one.
type EchoBackend struct {
	log logger.Logger
	q   chan echoFrame
}

func NewEchoBackend(log logger.Logger) *EchoBackend {
	return &EchoBackend{
		log: log,
		q:   make(chan echoFrame, 64),
	}
}

func (e *EchoBackend) Transmit(ctx context.Context, hdr tap.VirtioHdr, frame []byte) error {
	if e.log.IsTrace() {
		pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
		e.log.Trace("echo backend frame", "len", len(frame))
		fmt.Println(pkt.Dump())
		spew.Dump(hdr)
	}

	cp := append([]byte(nil), frame...)

	select {
	case e.q <- echoFrame{hdr: hdr, frame: cp}:
	case <-ctx.Done():
		return ctx.Err()
	default:
		e.log.Warn("echo backend full, dropping frame", "len", len(frame))
	}

	return nil
}

func (e *EchoBackend) Receive(ctx context.Context, fn func(hdr tap.VirtioHdr, frame []byte) error) {
	for {
		select {
		case <-ctx.Done():
			return

		case f := <-e.q:
			if err := fn(f.hdr, f.frame); err != nil {
				e.log.Error("error handling echoed frame", "error", err)
			}
		}
	}
}

// TapBackend bridges the device to a kernel tap interface.
type TapBackend struct {
	log   logger.Logger
	iface *tap.Interface
}

func NewTapBackend(log logger.Logger, name string) (*TapBackend, error) {
	iface, err := tap.Open(name)
	if err != nil {
		return nil, err
	}

	log.Info("tap backend ready", "interface", iface.Name())

	return &TapBackend{log: log, iface: iface}, nil
}

func (t *TapBackend) Transmit(ctx context.Context, hdr tap.VirtioHdr, frame []byte) error {
	t.log.Trace("writing frame to tap", "len", len(frame))

	return t.iface.WriteFrame(hdr, frame)
}

func (t *TapBackend) Receive(ctx context.Context, fn func(hdr tap.VirtioHdr, frame []byte) error) {
	buf := make([]byte, 65536+tap.VirtioHdrLen)

	for {
		if ctx.Err() != nil {
			return
		}

		hdr, frame, err := t.iface.ReadFrame(buf)
		if err != nil {
			t.log.Error("reading tap frame failed", "error", err)
			return
		}

		if err := fn(hdr, frame); err != nil {
			t.log.Error("error handling tap frame", "error", err)
		}
	}
}

func (t *TapBackend) Close() error {
	return t.iface.Close()
}
