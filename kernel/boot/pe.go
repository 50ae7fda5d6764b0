package boot

import (
	"aurora/kernel"
	"encoding/binary"
)

// KernelImageName is the file the loader reads from the EFI system partition.
const KernelImageName = "aurkern.exe"

const (
	dosSignature   = uint16(0x5a4d)     // "MZ"
	peSignature    = uint32(0x00004550) // "PE\0\0"
	pe32PlusMagic  = uint16(0x020b)
	machineAmd64   = uint16(0x8664)
	offLfanew      = 0x3c
	offMachine     = 0x04
	offOptMagic    = 0x18
	offEntryRVA    = 0x28
	offImageBase   = 0x30
	minHeaderBytes = offImageBase + 8
)

// ImageHeader holds the fields of a PE32+ image that the loader needs to
// transfer control to the kernel.
type ImageHeader struct {
	// Offset of the PE signature from the start of the file.
	Lfanew uint32

	Machine   uint16
	EntryRVA  uint32
	ImageBase uint64
}

var (
	errNotDOSImage   = &kernel.Error{Module: "boot", Message: "image lacks the MZ signature", Status: kernel.StatusInvalidParameter}
	errNotPEImage    = &kernel.Error{Module: "boot", Message: "image lacks the PE signature", Status: kernel.StatusInvalidParameter}
	errNotPE32Plus   = &kernel.Error{Module: "boot", Message: "image is not a PE32+ executable", Status: kernel.StatusNotSupported}
	errWrongMachine  = &kernel.Error{Module: "boot", Message: "image is not built for amd64", Status: kernel.StatusNotSupported}
	errTruncatedHead = &kernel.Error{Module: "boot", Message: "image headers are truncated", Status: kernel.StatusInvalidParameter}
)

// ParseImageHeader validates the DOS and PE signatures of a kernel image and
// extracts its entry point RVA and preferred image base.
func ParseImageHeader(image []byte) (*ImageHeader, *kernel.Error) {
	le := binary.LittleEndian

	if len(image) < offLfanew+4 {
		return nil, errTruncatedHead
	}

	if le.Uint16(image) != dosSignature {
		return nil, errNotDOSImage
	}

	lfanew := le.Uint32(image[offLfanew:])
	if uint64(lfanew)+minHeaderBytes > uint64(len(image)) {
		return nil, errTruncatedHead
	}

	pe := image[lfanew:]
	if le.Uint32(pe) != peSignature {
		return nil, errNotPEImage
	}

	hdr := &ImageHeader{
		Lfanew:    lfanew,
		Machine:   le.Uint16(pe[offMachine:]),
		EntryRVA:  le.Uint32(pe[offEntryRVA:]),
		ImageBase: le.Uint64(pe[offImageBase:]),
	}

	if hdr.Machine != machineAmd64 {
		return nil, errWrongMachine
	}

	if le.Uint16(pe[offOptMagic:]) != pe32PlusMagic {
		return nil, errNotPE32Plus
	}

	return hdr, nil
}

// EntryPoint returns the address the loader jumps to when the image has been
// loaded at loadBase.
func (h *ImageHeader) EntryPoint(loadBase uint64) uint64 {
	return loadBase + uint64(h.EntryRVA)
}

// NeedsRelocation returns true if the image was not loaded at its preferred
// base.
func (h *ImageHeader) NeedsRelocation(loadBase uint64) bool {
	return loadBase != h.ImageBase
}

// BuildImageHeader produces a minimal PE32+ header block with the supplied
// entry point and image base. Host tools use it to emit test images.
func BuildImageHeader(entryRVA uint32, imageBase uint64) []byte {
	const lfanew = 0x80

	b := make([]byte, lfanew+minHeaderBytes)
	le := binary.LittleEndian
	le.PutUint16(b, dosSignature)
	le.PutUint32(b[offLfanew:], lfanew)

	pe := b[lfanew:]
	le.PutUint32(pe, peSignature)
	le.PutUint16(pe[offMachine:], machineAmd64)
	le.PutUint16(pe[offOptMagic:], pe32PlusMagic)
	le.PutUint32(pe[offEntryRVA:], entryRVA)
	le.PutUint64(pe[offImageBase:], imageBase)
	return b
}
