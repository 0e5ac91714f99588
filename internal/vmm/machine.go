// Package vmm is the VMM Core: it owns a guest's KVM file descriptors,
// guest memory, vCPU threads, and the minimal device model (a 16550
// console and a tap-backed virtio-net interface) needed to boot a Linux
// bzImage kernel plus initramfs and let the in-guest agent reach the host
// network.
package vmm

import (
	"context"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/virt-do/project-2024/internal/kvmapi"
	"github.com/virt-do/project-2024/internal/network"
	"github.com/virt-do/project-2024/internal/schema"
)

// state is the VmHandle's one-way lifecycle.
type state int

const (
	stateFresh state = iota
	stateConfigured
	stateRunning
	stateTerminated
)

const (
	// MinMemSize is the smallest guest memory size accepted by Configure;
	// below this the zero page, the kernel, and a trivial initramfs loaded
	// at initrdAddr (96 MiB) do not all fit in guest memory.
	MinMemSize = 128 << 20

	serialIRQ = 4
)

// Poison is written across unused guest memory above highMemBase so a
// guest that jumps to the wrong address executes HLT, ending the vCPU run
// loop, instead of silently executing zeroes.
var Poison = []byte{0xf4} // x86 HLT

var (
	// ErrZeroSizeKernel is returned when LoadLinux reads zero kernel bytes.
	ErrZeroSizeKernel = errors.New("vmm: kernel image is empty")
	errNotConfigured  = errors.New("vmm: VmHandle is not Configured")
	errAlreadyRunning = errors.New("vmm: VmHandle already Running or Terminated")
)

// VmHandle is the exclusive owner of one MicroVM: its KVM file
// descriptors, guest memory mapping, vCPU threads, and attached devices.
// The zero value is not usable; construct one with NewVMM.
type VmHandle struct {
	mu    sync.Mutex
	state state

	kvmFd, vmFd uintptr
	vcpuFds     []uintptr
	runs        []*kvmapi.RunData
	mem         []byte

	lease *network.Lease

	serial         *serial
	net            *virtioNet
	ioportHandlers [0x10000][2]func(port uint64, data []byte) error

	bootLog chan byte
}

// NewVMM opens /dev/kvm, creates the VM object, and creates the tap device
// for the given lease's host/guest IP pair. The returned VmHandle is
// Fresh: no vCPUs or guest memory exist yet.
func NewVMM(lease *network.Lease) (*VmHandle, error) {
	if err := network.CreateTap(lease.TapName, lease.HostIP, lease.HostMask); err != nil {
		return nil, schema.NewError(schema.ErrVmmNew, fmt.Errorf("tap setup: %w", err))
	}

	kvmFd, err := kvmapi.OpenDevice()
	if err != nil {
		network.DestroyTap(lease.TapName)
		return nil, schema.NewError(schema.ErrVmmNew, fmt.Errorf("open /dev/kvm: %w", err))
	}

	vmFd, err := kvmapi.CreateVM(kvmFd)
	if err != nil {
		unix.Close(int(kvmFd))
		network.DestroyTap(lease.TapName)
		return nil, schema.NewError(schema.ErrVmmNew, fmt.Errorf("create VM: %w", err))
	}
	release := func() {
		unix.Close(int(vmFd))
		unix.Close(int(kvmFd))
		network.DestroyTap(lease.TapName)
	}

	if err := kvmapi.SetTSSAddr(vmFd); err != nil {
		release()
		return nil, schema.NewError(schema.ErrVmmNew, err)
	}
	if err := kvmapi.SetIdentityMapAddr(vmFd); err != nil {
		release()
		return nil, schema.NewError(schema.ErrVmmNew, err)
	}
	if err := kvmapi.CreateIRQChip(vmFd); err != nil {
		release()
		return nil, schema.NewError(schema.ErrVmmNew, err)
	}
	if err := kvmapi.CreatePIT2(vmFd); err != nil {
		release()
		return nil, schema.NewError(schema.ErrVmmNew, err)
	}

	return &VmHandle{
		kvmFd:   kvmFd,
		vmFd:    vmFd,
		lease:   lease,
		bootLog: make(chan byte, 4096),
	}, nil
}

// BootLog returns the channel the guest's serial console output is
// streamed to, one byte at a time, as it is produced by the vCPU run
// loop. Closed when the VmHandle terminates.
func (h *VmHandle) BootLog() <-chan byte {
	return h.bootLog
}

// Configure installs vcpus vCPUs with memMiB of guest RAM, loads
// kernelPath (a bzImage) and initramfsPath into guest memory, wires a
// tap-backed virtio-net device and a 16550 console, and prepares (but does
// not start) the vCPU threads.
func (h *VmHandle) Configure(ctx context.Context, vcpus, memMiB int, kernelPath, initramfsPath string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != stateFresh {
		return schema.NewError(schema.ErrVmmConfigure, errAlreadyRunning)
	}

	memSize := memMiB << 20
	if memSize < MinMemSize {
		memSize = MinMemSize
	}

	mem, err := unix.Mmap(-1, 0, memSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return schema.NewError(schema.ErrVmmConfigure, fmt.Errorf("mmap guest memory: %w", err))
	}
	h.mem = mem

	if err := kvmapi.SetUserMemoryRegion(h.vmFd, &kvmapi.UserspaceMemoryRegion{
		Slot: 0, GuestPhysAddr: 0, MemorySize: uint64(memSize),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}); err != nil {
		return schema.NewError(schema.ErrVmmConfigure, fmt.Errorf("install memory region: %w", err))
	}

	// Fill high memory with Poison in O(log n) copies: seed one Poison
	// worth of bytes, then repeatedly double the filled region by copying
	// it onto itself, instead of one copy call per Poison-sized chunk
	// (the naive loop costs billions of calls at the 4000 MiB default).
	if region := h.mem[highMemBase:]; len(region) > 0 {
		n := copy(region, Poison)
		for n < len(region) {
			n += copy(region[n:], region[:n])
		}
	}

	mmapSize, err := kvmapi.GetVCPUMMapSize(h.kvmFd)
	if err != nil {
		return schema.NewError(schema.ErrVmmConfigure, err)
	}

	h.vcpuFds = make([]uintptr, vcpus)
	h.runs = make([]*kvmapi.RunData, vcpus)
	for cpu := 0; cpu < vcpus; cpu++ {
		fd, err := kvmapi.CreateVCPU(h.vmFd, cpu)
		if err != nil {
			return schema.NewError(schema.ErrVmmConfigure, fmt.Errorf("create vCPU %d: %w", cpu, err))
		}
		h.vcpuFds[cpu] = fd

		runMem, err := unix.Mmap(int(fd), 0, int(mmapSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			return schema.NewError(schema.ErrVmmConfigure, fmt.Errorf("mmap vCPU %d run struct: %w", cpu, err))
		}
		h.runs[cpu] = (*kvmapi.RunData)(unsafe.Pointer(&runMem[0]))
	}

	if err := h.loadLinux(kernelPath, initramfsPath); err != nil {
		return schema.NewError(schema.ErrVmmConfigure, err)
	}

	h.serial = newSerial(h.bootLog, func(irq, level uint32) error { return kvmapi.IRQLine(h.vmFd, irq, level) })

	tapFd, err := network.OpenTap(h.lease.TapName)
	if err != nil {
		return schema.NewError(schema.ErrVmmConfigure, fmt.Errorf("open tap: %w", err))
	}
	h.net = newVirtioNet(tapFd, h.mem)
	go h.net.rxLoop()

	h.initIOPortHandlers()
	h.state = stateConfigured
	return nil
}

// cmdline builds the kernel command line: console output, the static IP
// configuration matching the lease, and the init path the rootfs build
// script installs at /init.
func (h *VmHandle) cmdline() string {
	return fmt.Sprintf(
		"console=ttyS0 reboot=k panic=1 pci=off root=/dev/ram rdinit=/init "+
			"ip=%s::%s:%s::eth0:off",
		h.lease.GuestIP, h.lease.HostIP, h.lease.HostMask,
	)
}

func (h *VmHandle) loadLinux(kernelPath, initramfsPath string) error {
	kernelFile, err := os.Open(kernelPath)
	if err != nil {
		return err
	}
	defer kernelFile.Close()

	initrdFile, err := os.Open(initramfsPath)
	if err != nil {
		return err
	}
	defer initrdFile.Close()

	initrdInfo, err := initrdFile.Stat()
	if err != nil {
		return err
	}
	initrdSize := int(initrdInfo.Size())
	if _, err := initrdFile.ReadAt(h.mem[initrdAddr:initrdAddr+initrdSize], 0); err != nil {
		return fmt.Errorf("loading initramfs: %w", err)
	}

	params := h.cmdline()
	copy(h.mem[cmdlineAddr:], params)
	h.mem[cmdlineAddr+len(params)] = 0

	// Guard against being handed an ELF kernel build (some cross
	// toolchains emit vmlinux rather than bzImage); Cloudlet only boots
	// bzImage kernels, so surface a clear error rather than misloading.
	if probe, err := elf.NewFile(kernelFile); err == nil {
		_ = probe
		return ErrNotBzImage
	}

	bootParam, err := NewBootParam(kernelFile)
	if err != nil {
		return err
	}
	for _, e := range standardE820Map(len(h.mem)) {
		bootParam.AddE820Entry(e.Addr, e.Size, e.Type)
	}
	bootParam.Hdr.VidMode = 0xFFFF
	bootParam.Hdr.TypeOfLoader = 0xFF
	bootParam.Hdr.RamdiskImage = initrdAddr
	bootParam.Hdr.RamdiskSize = uint32(initrdSize)
	bootParam.Hdr.LoadFlags |= canUseHeap | loadedHigh | keepSegments
	bootParam.Hdr.HeapEndPtr = 0xFE00
	bootParam.Hdr.ExtLoaderVer = 0
	bootParam.Hdr.CmdlinePtr = cmdlineAddr
	bootParam.Hdr.CmdlineSize = uint32(len(params) + 1)

	zeroPage, err := bootParam.Bytes()
	if err != nil {
		return err
	}
	copy(h.mem[bootParamAddr:], zeroPage)

	setupSects := int(bootParam.Hdr.SetupSects)
	setupSize := (setupSects + 1) * 512
	kernSize, err := kernelFile.ReadAt(h.mem[highMemBase:], int64(setupSize))
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("loading kernel image: %w", err)
	}
	if kernSize == 0 {
		return ErrZeroSizeKernel
	}

	return h.setupRegs(highMemBase, bootParamAddr)
}

func (h *VmHandle) setupRegs(rip, bp uint64) error {
	for _, fd := range h.vcpuFds {
		regs, err := kvmapi.GetRegs(fd)
		if err != nil {
			return err
		}
		regs.RFLAGS = 2
		regs.RIP = rip
		regs.RSI = bp
		if err := kvmapi.SetRegs(fd, regs); err != nil {
			return err
		}

		sregs, err := kvmapi.GetSregs(fd)
		if err != nil {
			return err
		}
		flat := func(s *kvmapi.Segment) { s.Base, s.Limit, s.G = 0, 0xFFFFFFFF, 1 }
		flat(&sregs.CS)
		flat(&sregs.DS)
		flat(&sregs.ES)
		flat(&sregs.FS)
		flat(&sregs.GS)
		flat(&sregs.SS)
		sregs.CS.DB, sregs.SS.DB = 1, 1
		sregs.CR0 |= 1 // enable protected mode; the bzImage decompressor
		// transitions to long mode itself once running.
		if err := kvmapi.SetSregs(fd, sregs); err != nil {
			return err
		}
	}
	return nil
}

// Run starts every vCPU thread and blocks until the guest halts or shuts
// down, or a vCPU reports a fault. Must be called at most once, after
// Configure.
func (h *VmHandle) Run(ctx context.Context) error {
	h.mu.Lock()
	if h.state != stateConfigured {
		h.mu.Unlock()
		return schema.NewError(schema.ErrVmmRun, errNotConfigured)
	}
	h.state = stateRunning
	h.mu.Unlock()

	errCh := make(chan error, len(h.vcpuFds))
	var wg sync.WaitGroup
	for cpu := range h.vcpuFds {
		wg.Add(1)
		go func(cpu int) {
			defer wg.Done()
			errCh <- h.runVCPU(ctx, cpu)
		}(cpu)
	}
	wg.Wait()
	close(errCh)
	close(h.bootLog)

	h.mu.Lock()
	h.state = stateTerminated
	h.mu.Unlock()

	for err := range errCh {
		if err != nil {
			return schema.NewError(schema.ErrVmmRun, err)
		}
	}
	return nil
}

func (h *VmHandle) runVCPU(ctx context.Context, cpu int) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	fd := h.vcpuFds[cpu]
	run := h.runs[cpu]

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := kvmapi.Run(fd); err != nil {
			return err
		}

		switch kvmapi.ExitType(run.ExitReason) {
		case kvmapi.ExitHlt, kvmapi.ExitShutdown:
			return nil
		case kvmapi.ExitIO:
			direction, size, port, count, offset := run.IO()
			handler := h.ioportHandlers[port][direction]
			data := (*(*[8]byte)(unsafe.Pointer(uintptr(unsafe.Pointer(run)) + uintptr(offset))))[:size]
			for i := uint64(0); i < count; i++ {
				if handler != nil {
					if err := handler(port, data); err != nil {
						return err
					}
				}
			}
		case kvmapi.ExitIntr, kvmapi.ExitUnknown:
			// benign; re-enter the run loop
		default:
			return fmt.Errorf("%w: reason %d", kvmapi.ErrUnexpectedExitReason, run.ExitReason)
		}
	}
}

func (h *VmHandle) registerIOPortRange(start, end uint64, in, out func(port uint64, data []byte) error) {
	for p := start; p < end; p++ {
		h.ioportHandlers[p][kvmapi.IODirectionIn] = in
		h.ioportHandlers[p][kvmapi.IODirectionOut] = out
	}
}

func (h *VmHandle) initIOPortHandlers() {
	noop := func(uint64, []byte) error { return nil }
	h.registerIOPortRange(0, 0x10000, noop, noop)
	h.registerIOPortRange(com1Addr, com1Addr+8, h.serial.In, h.serial.Out)
	h.registerIOPortRange(virtioNetPortBase, virtioNetPortBase+virtioNetPortRange, h.net.In, h.net.Out)
}

// Close releases guest memory, the tap device, and all KVM file
// descriptors. Safe to call after Run returns or in place of Run if
// Configure failed partway through.
func (h *VmHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.net != nil {
		h.net.Close()
	}
	network.DestroyTap(h.lease.TapName)
	for _, fd := range h.vcpuFds {
		unix.Close(int(fd))
	}
	if h.vmFd != 0 {
		unix.Close(int(h.vmFd))
	}
	if h.kvmFd != 0 {
		unix.Close(int(h.kvmFd))
	}
	if h.mem != nil {
		unix.Munmap(h.mem)
	}
	return nil
}
