// Package tap opens Linux tap devices in vnet-header mode, so offload
// metadata travels with each frame instead of being lost at the tap
// boundary.
package tap

import (
	"os"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

type Interface struct {
	f    *os.File
	fd   int
	name string

	whdr [VirtioHdrLen]byte
}

// Open creates (or attaches to) a tap device with IFF_VNET_HDR set. Every
// read yields a VirtioHdr followed by the frame; every write must supply
// one.
func Open(name string) (*Interface, error) {
	fd, err := unix.Open("/dev/net/tun", os.O_RDWR|syscall.O_NONBLOCK, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "opening /dev/net/tun")
	}

	req, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	req.SetUint16(unix.IFF_TAP | unix.IFF_NO_PI | unix.IFF_VNET_HDR)

	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, req); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "configuring tap %q", name)
	}

	if err := unix.IoctlSetPointerInt(fd, unix.TUNSETVNETHDRSZ, VirtioHdrLen); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "setting vnet header size")
	}

	return &Interface{
		f:    os.NewFile(uintptr(fd), "tap"),
		fd:   fd,
		name: req.Name(),
	}, nil
}

func (i *Interface) Name() string {
	return i.name
}

// ReadFrame reads one frame into buf, returning the vnet header and the
// frame bytes (a prefix of buf).
func (i *Interface) ReadFrame(buf []byte) (VirtioHdr, []byte, error) {
	var hdr VirtioHdr

	n, err := i.f.Read(buf)
	if err != nil {
		return hdr, nil, err
	}

	if err := hdr.Decode(buf[:n]); err != nil {
		return hdr, nil, err
	}

	return hdr, buf[VirtioHdrLen:n], nil
}

// WriteFrame writes one frame preceded by its vnet header, without copying
// the frame into a joined buffer.
func (i *Interface) WriteFrame(hdr VirtioHdr, frame []byte) error {
	if err := hdr.Encode(i.whdr[:]); err != nil {
		return err
	}

	iovs := [][]byte{i.whdr[:], frame}

	_, err := unix.Writev(i.fd, iovs)
	return err
}

func (i *Interface) Close() error {
	return i.f.Close()
}
