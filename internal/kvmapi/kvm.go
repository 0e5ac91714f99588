// Package kvmapi wraps the raw KVM ioctl interface: opening /dev/kvm,
// creating a VM and its vCPUs, and the register/memory-region structures
// the VMM Core needs to drive a guest's run loop.
package kvmapi

import (
	"errors"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	ioctlGetAPIVersion       = 44544
	ioctlCreateVM            = 44545
	ioctlCreateVCPU          = 44609
	ioctlRun                 = 44672
	ioctlGetVCPUMMapSize     = 44548
	ioctlGetSregs            = 0x8138ae83
	ioctlSetSregs            = 0x4138ae84
	ioctlGetRegs             = 0x8090ae81
	ioctlSetRegs             = 0x4090ae82
	ioctlSetUserMemoryRegion = 1075883590
	ioctlSetTSSAddr          = 0xae47
	ioctlSetIdentityMapAddr  = 0x4008AE48
	ioctlCreateIRQChip       = 0xAE60
	ioctlCreatePIT2          = 0x4040AE77
	ioctlGetSupportedCPUID   = 0xC008AE05
	ioctlSetCPUID2           = 0x4008AE90
	ioctlIRQLine             = 0xc008ae67
)

// ExitType is a VM exit reason, as reported in RunData.ExitReason.
type ExitType uint32

const (
	ExitUnknown       ExitType = 0
	ExitException     ExitType = 1
	ExitIO            ExitType = 2
	ExitHypercall     ExitType = 3
	ExitDebug         ExitType = 4
	ExitHlt           ExitType = 5
	ExitMMIO          ExitType = 6
	ExitIRQWindowOpen ExitType = 7
	ExitShutdown      ExitType = 8
	ExitFailEntry     ExitType = 9
	ExitIntr          ExitType = 10
	ExitSetTPR        ExitType = 11
	ExitTPRAccess     ExitType = 12
	ExitInternalError ExitType = 17
)

const (
	IODirectionIn  = 0
	IODirectionOut = 1
)

var ErrUnexpectedExitReason = errors.New("kvmapi: unexpected exit reason")

const numInterrupts = 0x100

// Regs are the general purpose registers for a vCPU.
type Regs struct {
	RAX, RBX, RCX, RDX    uint64
	RSI, RDI, RSP, RBP    uint64
	R8, R9, R10, R11      uint64
	R12, R13, R14, R15    uint64
	RIP, RFLAGS           uint64
}

// Segment is an x86 segment descriptor.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Typ      uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

// Descriptor describes a GDT or IDT pointer.
type Descriptor struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

// Sregs are the special (segment/control) registers for a vCPU.
type Sregs struct {
	CS, DS, ES, FS, GS, SS Segment
	TR, LDT                Segment
	GDT, IDT               Descriptor
	CR0, CR2, CR3, CR4     uint64
	CR8                    uint64
	EFER                   uint64
	ApicBase               uint64
	InterruptBitmap        [(numInterrupts + 63) / 64]uint64
}

// RunData is the kernel/userspace shared run structure, mmap'd once per
// vCPU at the size reported by GetVCPUMMapSize.
type RunData struct {
	RequestInterruptWindow     uint8
	ImmediateExit              uint8
	_                          [6]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// IO unpacks an EXITIO's direction, operand size, port, repeat count, and
// data offset from RunData.Data[0:1].
func (r *RunData) IO() (direction, size, port, count, offset uint64) {
	direction = r.Data[0] & 0xFF
	size = (r.Data[0] >> 8) & 0xFF
	port = (r.Data[0] >> 16) & 0xFFFF
	count = (r.Data[0] >> 32) & 0xFFFFFFFF
	offset = r.Data[1]
	return
}

// UserspaceMemoryRegion describes one guest-physical-to-host-virtual
// memory mapping.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// IRQLevel requests an interrupt line transition.
type IRQLevel struct {
	IRQ   uint32
	Level uint32
}

// PitConfig configures the in-kernel programmable interrupt timer.
type PitConfig struct {
	Flags uint32
	_     [15]uint32
}

func ioctl(fd uintptr, op uintptr, arg uintptr) (uintptr, error) {
	res, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, op, arg)
	if errno != 0 {
		return res, errno
	}
	return res, nil
}

// OpenDevice opens /dev/kvm and returns its file descriptor.
func OpenDevice() (uintptr, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_RDWR, 0)
	if err != nil {
		return 0, err
	}
	return uintptr(fd), nil
}

// GetAPIVersion returns the KVM API version, which changes rarely if at
// all; callers use it as a basic sanity check after opening /dev/kvm.
func GetAPIVersion(kvmFd uintptr) (uintptr, error) {
	return ioctl(kvmFd, ioctlGetAPIVersion, 0)
}

// CreateVM creates a VM object from the /dev/kvm fd and returns its fd.
func CreateVM(kvmFd uintptr) (uintptr, error) {
	return ioctl(kvmFd, ioctlCreateVM, 0)
}

// CreateVCPU creates a vCPU from the VM fd and returns its fd.
func CreateVCPU(vmFd uintptr, vcpuID int) (uintptr, error) {
	return ioctl(vmFd, ioctlCreateVCPU, uintptr(vcpuID))
}

// Run executes the vCPU until its next exit. EAGAIN/EINTR are not
// reported as errors: the caller is expected to re-inspect RunData and
// continue the run loop.
func Run(vcpuFd uintptr) error {
	_, err := ioctl(vcpuFd, ioctlRun, 0)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return nil
		}
	}
	return err
}

// GetVCPUMMapSize returns the size of the shared RunData mmap region.
func GetVCPUMMapSize(kvmFd uintptr) (uintptr, error) {
	return ioctl(kvmFd, ioctlGetVCPUMMapSize, 0)
}

func GetSregs(vcpuFd uintptr) (Sregs, error) {
	var sregs Sregs
	_, err := ioctl(vcpuFd, ioctlGetSregs, uintptr(unsafe.Pointer(&sregs)))
	return sregs, err
}

func SetSregs(vcpuFd uintptr, sregs Sregs) error {
	_, err := ioctl(vcpuFd, ioctlSetSregs, uintptr(unsafe.Pointer(&sregs)))
	return err
}

func GetRegs(vcpuFd uintptr) (Regs, error) {
	var regs Regs
	_, err := ioctl(vcpuFd, ioctlGetRegs, uintptr(unsafe.Pointer(&regs)))
	return regs, err
}

func SetRegs(vcpuFd uintptr, regs Regs) error {
	_, err := ioctl(vcpuFd, ioctlSetRegs, uintptr(unsafe.Pointer(&regs)))
	return err
}

// SetUserMemoryRegion installs or updates a guest memory slot on the VM.
func SetUserMemoryRegion(vmFd uintptr, region *UserspaceMemoryRegion) error {
	_, err := ioctl(vmFd, ioctlSetUserMemoryRegion, uintptr(unsafe.Pointer(region)))
	return err
}

// SetTSSAddr sets the guest Task State Segment address, required on x86
// before entering protected/long mode.
func SetTSSAddr(vmFd uintptr) error {
	_, err := ioctl(vmFd, ioctlSetTSSAddr, 0xffffd000)
	return err
}

// SetIdentityMapAddr sets the address of the identity-mapped page KVM
// uses internally for real-mode emulation.
func SetIdentityMapAddr(vmFd uintptr) error {
	var mapAddr uint64 = 0xffffc000
	_, err := ioctl(vmFd, ioctlSetIdentityMapAddr, uintptr(unsafe.Pointer(&mapAddr)))
	return err
}

// CreateIRQChip creates the in-kernel interrupt controller.
func CreateIRQChip(vmFd uintptr) error {
	_, err := ioctl(vmFd, ioctlCreateIRQChip, 0)
	return err
}

// CreatePIT2 creates the in-kernel programmable interrupt timer.
func CreatePIT2(vmFd uintptr) error {
	pit := PitConfig{}
	_, err := ioctl(vmFd, ioctlCreatePIT2, uintptr(unsafe.Pointer(&pit)))
	return err
}

// IRQLine raises or lowers an interrupt line.
func IRQLine(vmFd uintptr, irq uint32, level uint32) error {
	il := IRQLevel{IRQ: irq, Level: level}
	_, err := ioctl(vmFd, ioctlIRQLine, uintptr(unsafe.Pointer(&il)))
	return err
}
