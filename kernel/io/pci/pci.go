// Package pci enumerates the functions on the PCI buses through the legacy
// configuration ports and publishes each one as a bus device of the I/O
// manager.
package pci

import (
	"aurora/kernel"
	"aurora/kernel/io"
	"aurora/kernel/kfmt"
	"aurora/kernel/sync"
	goio "io"
)

// DriverName is the name of the I/O driver that owns every PCI device.
const DriverName = "pci"

// Capability ids.
const (
	CapPowerManagement = uint8(0x01)
	CapMSI             = uint8(0x05)
	CapExpress         = uint8(0x10)
	CapMSIX            = uint8(0x11)
)

// MSI capability layout.
const (
	msiFlags       = uint8(0x02)
	msiAddressLow  = uint8(0x04)
	msiAddressHigh = uint8(0x08)
	msiData32      = uint8(0x08)
	msiData64      = uint8(0x0c)

	msiFlagEnable = uint16(0x0001)
	msiFlag64Bit  = uint16(0x0080)

	// msiAddress targets the local APIC of the boot processor.
	msiAddress = uint32(0xfee00000)
	msiEdge    = uint16(0x4000)
)

// NumBARs is the number of base address registers of a type 0 header.
const NumBARs = 6

var (
	log = kfmt.Logger{Module: "pci"}

	errNoMSI       = &kernel.Error{Module: "pci", Message: "function has no MSI capability", Status: kernel.StatusNotSupported}
	errNotFunction = &kernel.Error{Module: "pci", Message: "device is not a PCI function", Status: kernel.StatusInvalidParameter}

	// probeEnabled is cleared by the "nopci" boot argument.
	probeEnabled = true

	// buses is the table filled by the last scan.
	buses Table
)

// SetProbe enables or disables the bus scan.
func SetProbe(enabled bool) {
	probeEnabled = enabled
}

// BAR is a decoded base address register.
type BAR struct {
	Base uint64
	Size uint64

	// IO is set for port ranges, cleared for memory ranges.
	IO           bool
	Wide         bool
	Prefetchable bool
}

// Function describes a PCI function found by the scan.
type Function struct {
	Address

	VendorID uint16
	DeviceID uint16

	// ClassCode holds class, subclass and programming interface in its low
	// 24 bits.
	ClassCode  uint32
	Revision   uint8
	HeaderType uint8
	IRQ        uint8
	BARs       [NumBARs]BAR

	MSIEnabled bool
}

// Class returns the base class of the function.
func (f *Function) Class() uint8 {
	return uint8(f.ClassCode >> 16)
}

// readFunction decodes the header of the function at a.
func readFunction(a Address) *Function {
	f := &Function{
		Address:    a,
		VendorID:   ReadConfig16(a, RegVendorID),
		DeviceID:   ReadConfig16(a, RegDeviceID),
		ClassCode:  ReadConfig32(a, RegClassCode) >> 8,
		Revision:   ReadConfig8(a, RegRevision),
		HeaderType: ReadConfig8(a, RegHeaderType),
		IRQ:        ReadConfig8(a, RegInterruptLine),
	}

	// bridges only have two BARs
	count := NumBARs
	if f.HeaderType&0x7f != 0 {
		count = 2
	}
	for i := 0; i < count; i++ {
		if readBAR(a, i, &f.BARs[i]) {
			i++
		}
	}
	return f
}

// readBAR decodes BAR index and sizes it by writing all ones and reading
// back the writable bits. It reports whether the BAR consumed the next slot
// as its upper half.
func readBAR(a Address, index int, bar *BAR) bool {
	offset := RegBAR0 + uint8(index)*4
	val := ReadConfig32(a, offset)
	if val == 0 {
		return false
	}

	WriteConfig32(a, offset, 0xffffffff)
	mask := ReadConfig32(a, offset)
	WriteConfig32(a, offset, val)

	if val&1 != 0 {
		bar.IO = true
		bar.Base = uint64(val &^ 3)
		bar.Size = uint64(^(mask&^3)+1) & 0xffff
		return false
	}

	bar.Prefetchable = val&8 != 0
	bar.Base = uint64(val &^ 0xf)
	if val&6 != 4 || index == NumBARs-1 {
		bar.Size = uint64(^(mask &^ 0xf) + 1)
		return false
	}

	bar.Wide = true
	high := ReadConfig32(a, offset+4)
	WriteConfig32(a, offset+4, 0xffffffff)
	highMask := ReadConfig32(a, offset+4)
	WriteConfig32(a, offset+4, high)

	bar.Base |= uint64(high) << 32
	bar.Size = ^(uint64(highMask)<<32 | uint64(mask&^0xf)) + 1
	return true
}

// FindCapability walks the capability list of f and returns the config
// space offset of capability id, or 0 when the function lacks it.
func FindCapability(f *Function, id uint8) uint8 {
	if ReadConfig16(f.Address, RegStatus)&statusCapList == 0 {
		return 0
	}

	pos := ReadConfig8(f.Address, RegCapabilities) &^ 3
	for hops := 0; pos != 0 && hops < maxCapabilityHops; hops++ {
		if ReadConfig8(f.Address, pos) == id {
			return pos
		}
		pos = ReadConfig8(f.Address, pos+1) &^ 3
	}
	return 0
}

// EnableMSI programs the MSI capability of f to deliver vector to the boot
// processor and turns MSI on.
func EnableMSI(f *Function, vector uint8) *kernel.Error {
	pos := FindCapability(f, CapMSI)
	if pos == 0 {
		return errNoMSI
	}

	flags := ReadConfig16(f.Address, pos+msiFlags)
	data := msiEdge | uint16(vector)

	WriteConfig32(f.Address, pos+msiAddressLow, msiAddress)
	if flags&msiFlag64Bit != 0 {
		WriteConfig32(f.Address, pos+msiAddressHigh, 0)
		WriteConfig16(f.Address, pos+msiData64, data)
	} else {
		WriteConfig16(f.Address, pos+msiData32, data)
	}
	WriteConfig16(f.Address, pos+msiFlags, flags|msiFlagEnable)

	irql := buses.lock.Acquire()
	f.MSIEnabled = true
	buses.lock.Release(irql)
	return nil
}

// DisableMSI clears the MSI enable bit of f.
func DisableMSI(f *Function) *kernel.Error {
	pos := FindCapability(f, CapMSI)
	if pos == 0 {
		return errNoMSI
	}

	flags := ReadConfig16(f.Address, pos+msiFlags)
	WriteConfig16(f.Address, pos+msiFlags, flags&^msiFlagEnable)

	irql := buses.lock.Acquire()
	f.MSIEnabled = false
	buses.lock.Release(irql)
	return nil
}

// Table holds the functions found by a scan in discovery order.
type Table struct {
	lock      sync.Spinlock
	functions []*Function
}

// Scan enumerates every device of every bus. Function 0 of a device
// decides through its header type whether functions 1-7 are probed.
func (t *Table) Scan() int {
	var found []*Function
	for bus := 0; bus < 256; bus++ {
		for dev := uint8(0); dev < 32; dev++ {
			a := Address{Bus: uint8(bus), Device: dev}
			if ReadConfig16(a, RegVendorID) == invalidVendorID {
				continue
			}
			found = append(found, readFunction(a))

			if ReadConfig8(a, RegHeaderType)&headerMultiFunc == 0 {
				continue
			}
			for fn := uint8(1); fn < 8; fn++ {
				a.Function = fn
				if ReadConfig16(a, RegVendorID) == invalidVendorID {
					continue
				}
				found = append(found, readFunction(a))
			}
		}
	}

	irql := t.lock.Acquire()
	t.functions = found
	t.lock.Release(irql)
	return len(found)
}

// Functions returns the functions found by the last scan.
func (t *Table) Functions() []*Function {
	irql := t.lock.Acquire()
	defer t.lock.Release(irql)

	return append([]*Function(nil), t.functions...)
}

// FindByVendor returns the first function with the given vendor and device
// ids, or nil.
func (t *Table) FindByVendor(vendorID, deviceID uint16) *Function {
	irql := t.lock.Acquire()
	defer t.lock.Release(irql)

	for _, f := range t.functions {
		if f.VendorID == vendorID && f.DeviceID == deviceID {
			return f
		}
	}
	return nil
}

// FindByClass returns the first function whose class and subclass match
// those of classCode. The programming interface is ignored.
func (t *Table) FindByClass(classCode uint32) *Function {
	irql := t.lock.Acquire()
	defer t.lock.Release(irql)

	for _, f := range t.functions {
		if f.ClassCode&0xffff00 == classCode&0xffff00 {
			return f
		}
	}
	return nil
}

// Bus returns the table filled when the PCI driver was probed.
func Bus() *Table {
	return &buses
}

// FunctionOf returns the function behind a PCI device, or nil.
func FunctionOf(dev *io.Device) *Function {
	if dev == nil {
		return nil
	}
	f, _ := dev.Extension.(*Function)
	return f
}

// deviceName formats a as pciBB:DD.F in hex.
func deviceName(a Address) string {
	const digits = "0123456789abcdef"
	return string([]byte{
		'p', 'c', 'i',
		digits[a.Bus>>4], digits[a.Bus&0xf], ':',
		digits[a.Device>>4], digits[a.Device&0xf], '.',
		digits[a.Function&0x7],
	})
}

type pciDriver struct{}

func (pciDriver) DriverName() string { return DriverName }

func (pciDriver) DriverVersion() (uint16, uint16, uint16) { return 0, 1, 0 }

// DriverInit scans the buses and creates a bus device per function.
func (pciDriver) DriverInit(m *io.Manager, w goio.Writer) *kernel.Error {
	drv := &io.Driver{Name: DriverName}
	drv.Dispatch[io.IrpMajorCreate] = openClose
	drv.Dispatch[io.IrpMajorClose] = openClose
	drv.Dispatch[io.IrpMajorIoctl] = ioctl
	if err := m.RegisterDriver(drv); err != nil {
		return err
	}

	count := buses.Scan()
	for _, f := range buses.Functions() {
		name := deviceName(f.Address)
		if _, err := m.CreateDevice(drv, name, io.MakeDeviceType(io.ClassBus, io.BusPCI), f); err != nil {
			return err
		}
		kfmt.Fprintf(w, "%s: %4x:%4x class %6x irq %d\n", name, f.VendorID, f.DeviceID, f.ClassCode, f.IRQ)
	}

	log.Printf("%d functions", uint64(count))
	return nil
}

func init() {
	io.RegisterBuiltin(&io.DriverInfo{
		Order: io.DetectOrderBus,
		Probe: func() io.BuiltinDriver {
			if !probeEnabled || !mechanismPresent() {
				return nil
			}
			return pciDriver{}
		},
	})
}
