package vmm

import (
	"encoding/binary"
	"sync"

	"golang.org/x/sys/unix"
)

// virtioNet is a deliberately simplified tap-backed network device. A
// conformant virtio-net device negotiates features, exposes a PCI
// transport, and drives split virtqueues with chained descriptors; none
// of that machinery is present in the retrieval pack (the only gokvm file
// available to this module is machine.go — its pci/virtio/tap packages
// were never retrieved), so this models only the one behavior Cloudlet's
// agent channel needs: move whole Ethernet frames between one guest-
// physical scratch buffer and the host tap, one frame at a time, over a
// small fixed ioport window instead of a PCI BAR. See DESIGN.md.
const (
	virtioNetPortBase  = 0xd000
	virtioNetPortRange = 16

	regStatus = 0 // guest reads: 1 = a frame is waiting in the RX buffer
	regCmd    = 1 // guest writes: 1 = send, 2 = RX-buffer consumed
	regLen    = 2 // 4 bytes, little-endian: frame length for the active op
	regAddr   = 6 // 8 bytes, little-endian: guest-physical buffer address

	cmdSend   = 1
	cmdRXDone = 2

	netIRQ = 5

	maxFrame = 1600
)

type virtioNet struct {
	mu     sync.Mutex
	tapFd  int
	mem    []byte
	closed chan struct{}

	pendingAddr uint64
	pendingLen  uint32
	rxPending   bool
}

func newVirtioNet(tapFd int, mem []byte) *virtioNet {
	return &virtioNet{tapFd: tapFd, mem: mem, closed: make(chan struct{})}
}

// In services guest IN instructions against the device's ioport window.
func (v *virtioNet) In(port uint64, data []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	switch port - virtioNetPortBase {
	case regStatus:
		if v.rxPending {
			data[0] = 1
		} else {
			data[0] = 0
		}
	case regLen:
		binary.LittleEndian.PutUint32(data, v.pendingLen)
	}
	return nil
}

// Out services guest OUT instructions. The guest stages a buffer address
// in regAddr, a length in regLen, then writes regCmd to trigger the
// transfer; this mirrors, at far lower fidelity, a virtqueue "kick".
func (v *virtioNet) Out(port uint64, data []byte) error {
	v.mu.Lock()
	switch port - virtioNetPortBase {
	case regAddr:
		v.pendingAddr = binary.LittleEndian.Uint64(extend8(data))
	case regLen:
		v.pendingLen = binary.LittleEndian.Uint32(extend4(data))
	case regCmd:
		cmd := data[0]
		addr, length := v.pendingAddr, v.pendingLen
		if cmd == cmdRXDone {
			v.rxPending = false
		}
		v.mu.Unlock()
		if cmd == cmdSend && length > 0 && length <= maxFrame && addr+uint64(length) <= uint64(len(v.mem)) {
			_, _ = unix.Write(v.tapFd, v.mem[addr:addr+uint64(length)])
		}
		return nil
	}
	v.mu.Unlock()
	return nil
}

func extend8(data []byte) []byte {
	out := make([]byte, 8)
	copy(out, data)
	return out
}

func extend4(data []byte) []byte {
	out := make([]byte, 4)
	copy(out, data)
	return out
}

// rxBufferAddr is the fixed guest-physical address the device copies
// inbound frames to, just below the kernel command line.
const rxBufferAddr = cmdlineAddr - maxFrame - 16

// rxLoop reads frames off the tap and stages them at rxBufferAddr,
// setting rxPending so the next guest poll of regStatus sees them. Runs
// until Close. One frame is held at a time; a guest that polls slowly
// drops frames rather than the device blocking indefinitely, matching the
// fabric's documented best-effort, no-NAT, no-queueing behavior.
func (v *virtioNet) rxLoop() {
	buf := make([]byte, maxFrame)
	for {
		select {
		case <-v.closed:
			return
		default:
		}
		n, err := unix.Read(v.tapFd, buf)
		if err != nil || n <= 0 {
			continue
		}

		v.mu.Lock()
		if !v.rxPending {
			copy(v.mem[rxBufferAddr:], buf[:n])
			v.pendingLen = uint32(n)
			v.pendingAddr = rxBufferAddr
			v.rxPending = true
		}
		v.mu.Unlock()
	}
}

func (v *virtioNet) Close() {
	close(v.closed)
	unix.Close(v.tapFd)
}
