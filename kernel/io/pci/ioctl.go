package pci

import (
	"aurora/kernel"
	"aurora/kernel/io"
	"encoding/binary"

	"github.com/tchajed/marshal"
)

// Ioctl codes handled by PCI devices.
const (
	// IoctlGetInfo copies the encoded Function into the IRP buffer.
	IoctlGetInfo = uint32(0x00060001)

	// IoctlReadConfig reads the config dword at the offset stored in the
	// first four buffer bytes into the next four.
	IoctlReadConfig = uint32(0x00060002)

	// IoctlWriteConfig writes the second buffer dword to the config dword
	// at the offset held in the first.
	IoctlWriteConfig = uint32(0x00060003)

	// IoctlEnableMSI enables MSI delivery. The IRP offset selects the
	// vector; zero selects the interrupt line of the function.
	IoctlEnableMSI  = uint32(0x00060004)
	IoctlDisableMSI = uint32(0x00060005)
)

// InfoSize is the size of an encoded Function.
const InfoSize = 16 * 8

var (
	errBadIoctl    = &kernel.Error{Module: "pci", Message: "unsupported ioctl code", Status: kernel.StatusNotImplemented}
	errShortBuffer = &kernel.Error{Module: "pci", Message: "IRP buffer too small", Status: kernel.StatusBufferTooSmall}
	errBadOffset   = &kernel.Error{Module: "pci", Message: "config offset outside the header", Status: kernel.StatusInvalidParameter}
)

// Encode packs f into InfoSize bytes of little-endian words: location,
// ids, class and revision, irq and MSI state, then the BAR bases and sizes.
func (f *Function) Encode() []byte {
	enc := marshal.NewEnc(InfoSize)
	enc.PutInt(uint64(f.Bus)<<16 | uint64(f.Device)<<8 | uint64(f.Function))
	enc.PutInt(uint64(f.DeviceID)<<16 | uint64(f.VendorID))
	enc.PutInt(uint64(f.ClassCode)<<8 | uint64(f.Revision))

	irq := uint64(f.IRQ)
	if f.MSIEnabled {
		irq |= 1 << 8
	}
	enc.PutInt(irq)

	for _, bar := range f.BARs {
		enc.PutInt(bar.Base)
	}
	for _, bar := range f.BARs {
		enc.PutInt(bar.Size)
	}
	return enc.Finish()
}

// DecodeInfo unpacks a buffer filled by IoctlGetInfo. BAR kinds are not
// carried.
func DecodeInfo(b []byte) Function {
	dec := marshal.NewDec(b)

	loc, ids, class, irq := dec.GetInt(), dec.GetInt(), dec.GetInt(), dec.GetInt()
	f := Function{
		Address:    Address{Bus: uint8(loc >> 16), Device: uint8(loc >> 8), Function: uint8(loc)},
		VendorID:   uint16(ids),
		DeviceID:   uint16(ids >> 16),
		ClassCode:  uint32(class >> 8),
		Revision:   uint8(class),
		IRQ:        uint8(irq),
		MSIEnabled: irq&(1<<8) != 0,
	}
	for i := range f.BARs {
		f.BARs[i].Base = dec.GetInt()
	}
	for i := range f.BARs {
		f.BARs[i].Size = dec.GetInt()
	}
	return f
}

func openClose(_ *io.Device, irp *io.Irp) *kernel.Error {
	return io.CompleteIrp(irp, kernel.StatusSuccess, 0)
}

func ioctl(dev *io.Device, irp *io.Irp) *kernel.Error {
	f := FunctionOf(dev)
	if f == nil {
		return errNotFunction
	}

	switch irp.IoctlCode {
	case IoctlGetInfo:
		if irp.Length() < InfoSize {
			return errShortBuffer
		}
		irql := buses.lock.Acquire()
		info := f.Encode()
		buses.lock.Release(irql)
		copy(irp.Buffer, info)
		return io.CompleteIrp(irp, kernel.StatusSuccess, InfoSize)
	case IoctlReadConfig, IoctlWriteConfig:
		if irp.Length() < 8 {
			return errShortBuffer
		}
		offset := binary.LittleEndian.Uint32(irp.Buffer)
		if offset > 0xfc {
			return errBadOffset
		}
		if irp.IoctlCode == IoctlReadConfig {
			binary.LittleEndian.PutUint32(irp.Buffer[4:], ReadConfig32(f.Address, uint8(offset)))
		} else {
			WriteConfig32(f.Address, uint8(offset), binary.LittleEndian.Uint32(irp.Buffer[4:]))
		}
		return io.CompleteIrp(irp, kernel.StatusSuccess, 8)
	case IoctlEnableMSI:
		vector := uint8(irp.Offset)
		if vector == 0 {
			vector = f.IRQ
		}
		if err := EnableMSI(f, vector); err != nil {
			return err
		}
		return io.CompleteIrp(irp, kernel.StatusSuccess, uint64(vector))
	case IoctlDisableMSI:
		if err := DisableMSI(f); err != nil {
			return err
		}
		return io.CompleteIrp(irp, kernel.StatusSuccess, 0)
	default:
		return errBadIoctl
	}
}
