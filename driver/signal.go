// Package driver implements the guest-side engine of a paravirtual NIC: it
// produces transmit descriptors into a shared ring region, consumes completed
// receive descriptors (including fragment-chained jumbo frames), and talks to
// the device only through a command register and an interrupt line.
package driver

// Command codes written to the device command register.
type Command uint32

const (
	CmdInitRings Command = iota + 1
	CmdGetCapabilities
	CmdGetTxRingLen
	CmdGetRxRingLen
	CmdGetFragRingLen
	CmdUpdateMulticast
	CmdUpdateIfFlags
	CmdTxRequest
)

var commandNames = map[Command]string{
	CmdInitRings:       "init-rings",
	CmdGetCapabilities: "get-capabilities",
	CmdGetTxRingLen:    "get-tx-ring-len",
	CmdGetRxRingLen:    "get-rx-ring-len",
	CmdGetFragRingLen:  "get-frag-ring-len",
	CmdUpdateMulticast: "update-multicast",
	CmdUpdateIfFlags:   "update-if-flags",
	CmdTxRequest:       "tx-request",
}

func (c Command) String() string {
	if s, ok := commandNames[c]; ok {
		return s
	}
	return "unknown"
}

// Capabilities is the feature bitset the device reports once at attach time.
// It is never mutated afterwards; the engines select code paths from it.
type Capabilities uint32

const (
	CapSG     Capabilities = 1 << iota // scatter/gather entries per slot
	CapCsum                            // transmit checksum offload
	CapTSO                             // transmit segmentation offload
	CapChain                           // multi-slot packets
	CapFragRx                          // fragment ring for jumbo receive
)

func (c Capabilities) Has(f Capabilities) bool {
	return c&f == f
}

func (c Capabilities) String() string {
	names := []struct {
		bit  Capabilities
		name string
	}{
		{CapSG, "sg"},
		{CapCsum, "csum"},
		{CapTSO, "tso"},
		{CapChain, "chain"},
		{CapFragRx, "frag-rx"},
	}

	out := ""
	for _, n := range names {
		if c&n.bit == 0 {
			continue
		}
		if out != "" {
			out += "+"
		}
		out += n.name
	}

	if out == "" {
		return "none"
	}
	return out
}

// DeviceSignal is the narrow notify surface the engines use at runtime.
// NotifyDevice is fire-and-forget; failures are not observable here.
// AcknowledgeInterrupt must be called once per interrupt delivery before any
// ring work, or the device may withhold further interrupts.
type DeviceSignal interface {
	NotifyDevice(Command)
	AcknowledgeInterrupt()
}

// Registers adds the attach-time surface: commands that read back a value,
// and the two registers holding the ring region's address and length.
type Registers interface {
	DeviceSignal

	ReadCommand(Command) uint32
	ProgramRegion(addr uint64, length uint32)
}

// InterruptLine delivers device interrupts to a handler. The implementation
// must never invoke the handler re-entrantly, and Release must not return
// while a delivery is in flight: detach tears down the ring state the
// handler walks, so an unjoined handler would race it.
type InterruptLine interface {
	Request(handler func()) bool
	Release()
}
