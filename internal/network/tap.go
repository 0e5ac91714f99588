package network

import (
	"fmt"
	"os"
	"os/exec"
	"unsafe"

	"golang.org/x/sys/unix"
)

// EnableIPForward turns on IPv4 forwarding for the host. Best-effort: most
// deployments already have this set globally.
func EnableIPForward() error {
	return os.WriteFile("/proc/sys/net/ipv4/ip_forward", []byte("1"), 0644)
}

// CreateTap creates a tap device, assigns hostIP/mask to it, and brings it
// up. On any failure it tears down whatever partial state it created
// before returning, matching the VMM Core invariant that partial
// construction must fully release host resources.
func CreateTap(name, hostIP, mask string) error {
	if err := runCmd("ip", "tuntap", "add", "dev", name, "mode", "tap"); err != nil {
		return fmt.Errorf("ip tuntap add: %w", err)
	}
	cidr, err := maskToCIDR(hostIP, mask)
	if err != nil {
		DestroyTap(name)
		return err
	}
	if err := runCmd("ip", "addr", "add", cidr, "dev", name); err != nil {
		DestroyTap(name)
		return fmt.Errorf("ip addr add: %w", err)
	}
	if err := runCmd("ip", "link", "set", name, "up"); err != nil {
		DestroyTap(name)
		return fmt.Errorf("ip link set up: %w", err)
	}
	return nil
}

// DestroyTap removes a tap device. Best-effort: errors are swallowed
// since this runs on teardown paths where the device may already be gone.
func DestroyTap(name string) {
	_ = runCmd("ip", "link", "del", name)
}

const (
	ifNameSize = 16
	tunSetIff  = 0x400454ca
	iffTap     = 0x0002
	iffNoPI    = 0x1000
)

type ifReq struct {
	Name  [ifNameSize]byte
	Flags uint16
	_     [22]byte
}

// OpenTap opens /dev/net/tun and binds the returned file descriptor to the
// already-created tap device name (see CreateTap), in IFF_TAP|IFF_NO_PI
// mode so every read/write is one raw Ethernet frame with no extra
// tun_pi header.
func OpenTap(name string) (int, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR, 0)
	if err != nil {
		return -1, fmt.Errorf("open /dev/net/tun: %w", err)
	}

	var req ifReq
	copy(req.Name[:], name)
	req.Flags = iffTap | iffNoPI

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), tunSetIff, uintptr(unsafe.Pointer(&req)))
	if errno != 0 {
		unix.Close(fd)
		return -1, fmt.Errorf("TUNSETIFF: %w", errno)
	}
	return fd, nil
}

func runCmd(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// maskToCIDR converts a dotted-decimal netmask into its CIDR prefix
// length, appended to ip.
func maskToCIDR(ip, mask string) (string, error) {
	bits, err := prefixLen(mask)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%d", ip, bits), nil
}

func prefixLen(mask string) (int, error) {
	var a, b, c, d int
	if _, err := fmt.Sscanf(mask, "%d.%d.%d.%d", &a, &b, &c, &d); err != nil {
		return 0, fmt.Errorf("network: invalid netmask %q: %w", mask, err)
	}
	v := uint32(a)<<24 | uint32(b)<<16 | uint32(c)<<8 | uint32(d)
	n := 0
	for v != 0 {
		n += int(v & 1)
		v >>= 1
	}
	return n, nil
}
