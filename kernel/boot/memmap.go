package boot

import (
	"aurora/kernel"
	"encoding/binary"
)

// MemoryType describes the contents of a physical memory region.
type MemoryType uint32

// Memory region types reported by the loader.
const (
	MemAvailable MemoryType = iota + 1
	MemReserved
	MemAcpiReclaim
	MemAcpiNvs
	MemBad
	MemBootloader
	MemKernel
)

// MemoryDescriptorSize is the packed size of a memory descriptor.
const MemoryDescriptorSize = 24

// MemoryDescriptor describes a physical memory region.
type MemoryDescriptor struct {
	BaseAddress uint64
	Length      uint64
	Type        MemoryType
	Attributes  uint32
}

// String implements fmt.Stringer for MemoryType.
func (t MemoryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaim:
		return "ACPI (reclaimable)"
	case MemAcpiNvs:
		return "ACPI (NVS)"
	case MemBad:
		return "bad"
	case MemBootloader:
		return "bootloader"
	case MemKernel:
		return "kernel"
	default:
		return "unknown"
	}
}

var errBadDescriptorSize = &kernel.Error{Module: "boot", Message: "memory descriptor size is smaller than the descriptor layout", Status: kernel.StatusInvalidParameter}

// DecodeMemoryMap parses a memory map made of descriptors that are descSize
// bytes apart. Loaders may report a descriptor size larger than the packed
// layout; the extra bytes are skipped. Descriptors with an unknown type are
// reported as reserved.
func DecodeMemoryMap(b []byte, descSize uint32) ([]MemoryDescriptor, *kernel.Error) {
	if descSize < MemoryDescriptorSize {
		return nil, errBadDescriptorSize
	}

	le := binary.LittleEndian
	count := len(b) / int(descSize)
	descs := make([]MemoryDescriptor, 0, count)
	for i := 0; i < count; i++ {
		d := b[i*int(descSize):]
		desc := MemoryDescriptor{
			BaseAddress: le.Uint64(d[0:]),
			Length:      le.Uint64(d[8:]),
			Type:        MemoryType(le.Uint32(d[16:])),
			Attributes:  le.Uint32(d[20:]),
		}
		if desc.Type < MemAvailable || desc.Type > MemKernel {
			desc.Type = MemReserved
		}
		descs = append(descs, desc)
	}

	return descs, nil
}

// EncodeMemoryMap serializes descs using the packed descriptor layout.
func EncodeMemoryMap(descs []MemoryDescriptor) []byte {
	b := make([]byte, len(descs)*MemoryDescriptorSize)
	le := binary.LittleEndian
	for i, desc := range descs {
		d := b[i*MemoryDescriptorSize:]
		le.PutUint64(d[0:], desc.BaseAddress)
		le.PutUint64(d[8:], desc.Length)
		le.PutUint32(d[16:], uint32(desc.Type))
		le.PutUint32(d[20:], desc.Attributes)
	}
	return b
}
