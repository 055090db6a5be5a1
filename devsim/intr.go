package devsim

import (
	"encoding/binary"
	"os"

	"github.com/lab47/lsvd/logger"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

var kickBuf = make([]byte, 8)

func init() {
	binary.NativeEndian.PutUint64(kickBuf, 1)
}

// EventLine is an eventfd-backed interrupt line. The device writes to raise;
// a dedicated goroutine reads and invokes the handler, one delivery at a
// time, which is what keeps the receive path free of re-entrancy.
type EventLine struct {
	log logger.Logger
	fd  int
	f   *os.File

	requested bool
	done      chan struct{}
}

func NewEventLine(log logger.Logger) (*EventLine, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, errors.Wrapf(err, "creating eventfd")
	}

	return &EventLine{
		log: log,
		fd:  fd,
		f:   os.NewFile(uintptr(fd), "intr"),
	}, nil
}

// Raise signals one interrupt. Coalescing multiple raises into one delivery
// is fine; the handler drains rings, not events.
func (l *EventLine) Raise() {
	if _, err := unix.Write(l.fd, kickBuf); err != nil {
		l.log.Error("raising interrupt failed", "error", err)
	}
}

func (l *EventLine) Request(handler func()) bool {
	if l.requested {
		return false
	}
	l.requested = true
	l.done = make(chan struct{})

	go func() {
		defer close(l.done)

		buf := make([]byte, 8)

		for {
			_, err := l.f.Read(buf)
			if err != nil {
				return
			}

			handler()
		}
	}()

	return true
}

// Release closes the line and joins the dispatch goroutine. Once it returns
// no delivery is running and none will start, so the caller may tear down
// the state the handler touches.
func (l *EventLine) Release() {
	l.f.Close()

	if l.done != nil {
		<-l.done
	}
}
