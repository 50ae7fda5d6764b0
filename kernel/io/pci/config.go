package pci

import (
	"aurora/kernel/cpu"
	"aurora/kernel/sync"
)

// Configuration mechanism #1 ports.
const (
	configAddressPort = uint16(0xcf8)
	configDataPort    = uint16(0xcfc)

	configEnable = uint32(0x80000000)
)

// Configuration space registers of a type 0 header.
const (
	RegVendorID       = uint8(0x00)
	RegDeviceID       = uint8(0x02)
	RegCommand        = uint8(0x04)
	RegStatus         = uint8(0x06)
	RegRevision       = uint8(0x08)
	RegClassCode      = uint8(0x08)
	RegHeaderType     = uint8(0x0e)
	RegBAR0           = uint8(0x10)
	RegCapabilities   = uint8(0x34)
	RegInterruptLine  = uint8(0x3c)
	statusCapList     = uint16(0x0010)
	headerMultiFunc   = uint8(0x80)
	invalidVendorID   = uint16(0xffff)
	maxCapabilityHops = 48
)

var (
	// port accessors are mocked by tests.
	portReadDwordFn  = cpu.PortReadDword
	portWriteDwordFn = cpu.PortWriteDword

	// configLock serializes the address/data port pairs.
	configLock sync.Spinlock
)

// Address locates a function on the bus.
type Address struct {
	Bus      uint8
	Device   uint8
	Function uint8
}

func (a Address) configAddress(offset uint8) uint32 {
	return configEnable | uint32(a.Bus)<<16 | uint32(a.Device&0x1f)<<11 | uint32(a.Function&0x7)<<8 | uint32(offset&0xfc)
}

// ReadConfig32 reads the aligned dword that contains offset.
func ReadConfig32(a Address, offset uint8) uint32 {
	irql := configLock.Acquire()
	defer configLock.Release(irql)

	portWriteDwordFn(configAddressPort, a.configAddress(offset))
	return portReadDwordFn(configDataPort)
}

// WriteConfig32 writes the aligned dword that contains offset.
func WriteConfig32(a Address, offset uint8, val uint32) {
	irql := configLock.Acquire()
	defer configLock.Release(irql)

	portWriteDwordFn(configAddressPort, a.configAddress(offset))
	portWriteDwordFn(configDataPort, val)
}

// ReadConfig16 reads the word at offset. Offsets that straddle a dword are
// not supported.
func ReadConfig16(a Address, offset uint8) uint16 {
	return uint16(ReadConfig32(a, offset) >> ((offset & 2) * 8))
}

// ReadConfig8 reads the byte at offset.
func ReadConfig8(a Address, offset uint8) uint8 {
	return uint8(ReadConfig32(a, offset) >> ((offset & 3) * 8))
}

// WriteConfig16 replaces the word at offset and preserves the rest of its
// dword.
func WriteConfig16(a Address, offset uint8, val uint16) {
	shift := uint32(offset&2) * 8
	old := ReadConfig32(a, offset)
	WriteConfig32(a, offset, old&^(0xffff<<shift)|uint32(val)<<shift)
}

// mechanismPresent checks that the address port latches a written value.
// Without a host bridge the port floats and reads back as all ones.
func mechanismPresent() bool {
	irql := configLock.Acquire()
	defer configLock.Release(irql)

	orig := portReadDwordFn(configAddressPort)
	portWriteDwordFn(configAddressPort, configEnable)
	latched := portReadDwordFn(configAddressPort) == configEnable
	portWriteDwordFn(configAddressPort, orig)
	return latched
}
