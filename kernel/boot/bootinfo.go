// Package boot decodes the information block that the loader hands to the
// kernel entry point.
package boot

import (
	"aurora/kernel"
	"encoding/binary"
	"unsafe"
)

const (
	// Magic identifies a valid boot information block ("AURA").
	Magic = uint32(0x41555241)

	// Version is the only boot protocol revision understood by the kernel.
	Version = uint32(1)

	// InfoSize is the packed size of the boot information block.
	InfoSize = 0x178

	// CmdLineSize is the size of the NUL-terminated command line field.
	CmdLineSize = 256

	// GraphicsInfoSize is the packed size of the graphics information block.
	GraphicsInfoSize = 32
)

// Flag describes how the system was booted.
type Flag uint32

// Boot flags.
const (
	FlagEFI Flag = 1 << iota
	FlagLegacy
	FlagACPI
	FlagGraphics
)

// Field offsets within the packed boot information block.
const (
	offMagic          = 0x00
	offVersion        = 0x04
	offFlags          = 0x08
	offMemMapSize     = 0x0c
	offMemMapAddr     = 0x10
	offMemDescSize    = 0x18
	offKernelPhysBase = 0x20
	offKernelVirtBase = 0x28
	offKernelSize     = 0x30
	offInitrdBase     = 0x38
	offInitrdSize     = 0x40
	offGraphics       = 0x48
	offAcpiRsdp       = 0x68
	offEfiSystemTable = 0x70
	offCmdLine        = 0x78
)

// PixelFormat describes the framebuffer pixel layout.
type PixelFormat uint16

// Supported pixel formats.
const (
	PixelRGB PixelFormat = iota
	PixelBGR
	PixelBitmask
	PixelBltOnly
)

// GraphicsInfo describes the framebuffer set up by the loader.
type GraphicsInfo struct {
	HorizontalResolution uint32
	VerticalResolution   uint32
	PixelsPerScanLine    uint32
	PixelFormat          PixelFormat
	FramebufferBase      uint64
	FramebufferSize      uint64
}

// Info is the decoded boot information block.
type Info struct {
	Magic                uint32
	Version              uint32
	Flags                Flag
	MemoryMapSize        uint32
	MemoryMapAddress     uint64
	MemoryDescriptorSize uint32
	KernelPhysicalBase   uint64
	KernelVirtualBase    uint64
	KernelSize           uint64
	InitrdPhysicalBase   uint64
	InitrdSize           uint64
	Graphics             GraphicsInfo
	AcpiRsdpAddress      uint64
	EfiSystemTable       uint64
	CmdLine              string
}

var (
	// physMemFn returns a byte slice view of physical memory. The first
	// gigabyte is identity mapped so physical addresses can be used as
	// pointers. Tests override it with a fake physical memory.
	physMemFn = func(addr uintptr, size uintptr) []byte {
		return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	}

	errShortInfo   = &kernel.Error{Module: "boot", Message: "boot info block is truncated", Status: kernel.StatusInvalidParameter}
	errBadMagic    = &kernel.Error{Module: "boot", Message: "boot info magic mismatch", Status: kernel.StatusInvalidParameter}
	errBadVersion  = &kernel.Error{Module: "boot", Message: "unsupported boot protocol version", Status: kernel.StatusNotSupported}
	errNullInfo    = &kernel.Error{Module: "boot", Message: "boot info pointer is null", Status: kernel.StatusInvalidParameter}
	errCmdLineSize = &kernel.Error{Module: "boot", Message: "command line does not fit in the boot info block", Status: kernel.StatusInvalidParameter}
)

// Decode parses a packed boot information block.
func Decode(b []byte) (*Info, *kernel.Error) {
	if len(b) < InfoSize {
		return nil, errShortInfo
	}

	le := binary.LittleEndian
	info := &Info{
		Magic:                le.Uint32(b[offMagic:]),
		Version:              le.Uint32(b[offVersion:]),
		Flags:                Flag(le.Uint32(b[offFlags:])),
		MemoryMapSize:        le.Uint32(b[offMemMapSize:]),
		MemoryMapAddress:     le.Uint64(b[offMemMapAddr:]),
		MemoryDescriptorSize: le.Uint32(b[offMemDescSize:]),
		KernelPhysicalBase:   le.Uint64(b[offKernelPhysBase:]),
		KernelVirtualBase:    le.Uint64(b[offKernelVirtBase:]),
		KernelSize:           le.Uint64(b[offKernelSize:]),
		InitrdPhysicalBase:   le.Uint64(b[offInitrdBase:]),
		InitrdSize:           le.Uint64(b[offInitrdSize:]),
		Graphics:             decodeGraphics(b[offGraphics : offGraphics+GraphicsInfoSize]),
		AcpiRsdpAddress:      le.Uint64(b[offAcpiRsdp:]),
		EfiSystemTable:       le.Uint64(b[offEfiSystemTable:]),
		CmdLine:              cString(b[offCmdLine : offCmdLine+CmdLineSize]),
	}

	if info.Magic != Magic {
		return nil, errBadMagic
	}

	if info.Version != Version {
		return nil, errBadVersion
	}

	return info, nil
}

// FromAddress decodes the boot information block located at the supplied
// physical address.
func FromAddress(addr uintptr) (*Info, *kernel.Error) {
	if addr == 0 {
		return nil, errNullInfo
	}

	return Decode(physMemFn(addr, InfoSize))
}

// Encode serializes info into a packed boot information block. It is the
// inverse of Decode and is used by loaders and host tools.
func (info *Info) Encode() ([]byte, *kernel.Error) {
	if len(info.CmdLine) >= CmdLineSize {
		return nil, errCmdLineSize
	}

	b := make([]byte, InfoSize)
	le := binary.LittleEndian
	le.PutUint32(b[offMagic:], info.Magic)
	le.PutUint32(b[offVersion:], info.Version)
	le.PutUint32(b[offFlags:], uint32(info.Flags))
	le.PutUint32(b[offMemMapSize:], info.MemoryMapSize)
	le.PutUint64(b[offMemMapAddr:], info.MemoryMapAddress)
	le.PutUint32(b[offMemDescSize:], info.MemoryDescriptorSize)
	le.PutUint64(b[offKernelPhysBase:], info.KernelPhysicalBase)
	le.PutUint64(b[offKernelVirtBase:], info.KernelVirtualBase)
	le.PutUint64(b[offKernelSize:], info.KernelSize)
	le.PutUint64(b[offInitrdBase:], info.InitrdPhysicalBase)
	le.PutUint64(b[offInitrdSize:], info.InitrdSize)
	encodeGraphics(b[offGraphics:offGraphics+GraphicsInfoSize], &info.Graphics)
	le.PutUint64(b[offAcpiRsdp:], info.AcpiRsdpAddress)
	le.PutUint64(b[offEfiSystemTable:], info.EfiSystemTable)
	copy(b[offCmdLine:offCmdLine+CmdLineSize-1], info.CmdLine)

	return b, nil
}

// HasFlag returns true if the loader set f.
func (info *Info) HasFlag(f Flag) bool {
	return info.Flags&f != 0
}

// MemoryMap decodes the memory descriptors referenced by the block.
func (info *Info) MemoryMap() ([]MemoryDescriptor, *kernel.Error) {
	if info.MemoryMapSize == 0 {
		return nil, nil
	}

	raw := physMemFn(uintptr(info.MemoryMapAddress), uintptr(info.MemoryMapSize))
	return DecodeMemoryMap(raw, info.MemoryDescriptorSize)
}

// Initrd returns a view of the initial ramdisk or nil if the loader did not
// provide one.
func (info *Info) Initrd() []byte {
	if info.InitrdPhysicalBase == 0 || info.InitrdSize == 0 {
		return nil
	}

	return physMemFn(uintptr(info.InitrdPhysicalBase), uintptr(info.InitrdSize))
}

func decodeGraphics(b []byte) GraphicsInfo {
	le := binary.LittleEndian
	return GraphicsInfo{
		HorizontalResolution: le.Uint32(b[0:]),
		VerticalResolution:   le.Uint32(b[4:]),
		PixelsPerScanLine:    le.Uint32(b[8:]),
		PixelFormat:          PixelFormat(le.Uint16(b[12:])),
		FramebufferBase:      le.Uint64(b[16:]),
		FramebufferSize:      le.Uint64(b[24:]),
	}
}

// Encode returns the packed GraphicsInfoSize-byte representation of g.
func (g *GraphicsInfo) Encode() []byte {
	b := make([]byte, GraphicsInfoSize)
	encodeGraphics(b, g)
	return b
}

func encodeGraphics(b []byte, g *GraphicsInfo) {
	le := binary.LittleEndian
	le.PutUint32(b[0:], g.HorizontalResolution)
	le.PutUint32(b[4:], g.VerticalResolution)
	le.PutUint32(b[8:], g.PixelsPerScanLine)
	le.PutUint16(b[12:], uint16(g.PixelFormat))
	le.PutUint64(b[16:], g.FramebufferBase)
	le.PutUint64(b[24:], g.FramebufferSize)
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
