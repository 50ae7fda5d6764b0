// Package block implements the block layer that sits on top of the I/O
// manager. Block devices carry an *Extension describing their geometry and
// transport; reads and writes are routed to the read/write handler that the
// transport registered for its Type.
package block

import (
	"aurora/kernel"
	"aurora/kernel/io"
	"aurora/kernel/kfmt"
)

// Type identifies the transport behind a block device.
type Type uint8

// Supported transports.
const (
	TypeATA Type = iota
	TypeAHCI
	TypeNVMe
	TypeVirtioBlk
	TypeRAM

	typeCount
)

// String implements fmt.Stringer for Type.
func (t Type) String() string {
	switch t {
	case TypeATA:
		return "ata"
	case TypeAHCI:
		return "ahci"
	case TypeNVMe:
		return "nvme"
	case TypeVirtioBlk:
		return "virtio-blk"
	case TypeRAM:
		return "ram"
	default:
		return "unknown"
	}
}

// RwFn transfers count blocks starting at lba between the device and buf.
// buf is at least count*BlockSize bytes long.
type RwFn func(dev *io.Device, lba uint64, count uint32, buf []byte, write bool) *kernel.Error

// Extension is the device extension shared by all block devices.
type Extension struct {
	BlockSize  uint32
	BlockCount uint64
	Type       Type

	// Transport holds state private to the transport handler.
	Transport interface{}
}

// Size returns the capacity of the device in bytes.
func (e *Extension) Size() uint64 {
	return e.BlockCount * uint64(e.BlockSize)
}

var (
	log = kfmt.Logger{Module: "block"}

	handlers [typeCount]RwFn

	errNotBlockDevice = &kernel.Error{Module: "block", Message: "device has no block extension", Status: kernel.StatusInvalidParameter}
	errBadType        = &kernel.Error{Module: "block", Message: "unknown block device type", Status: kernel.StatusInvalidParameter}
	errNoHandler      = &kernel.Error{Module: "block", Message: "no read/write handler for block device type", Status: kernel.StatusNotImplemented}
	errZeroCount      = &kernel.Error{Module: "block", Message: "zero block count", Status: kernel.StatusInvalidParameter}
	errOutOfRange     = &kernel.Error{Module: "block", Message: "LBA range beyond end of device", Status: kernel.StatusInvalidParameter}
	errShortBuffer    = &kernel.Error{Module: "block", Message: "buffer smaller than the requested transfer", Status: kernel.StatusInvalidParameter}
	errHandlerSet     = &kernel.Error{Module: "block", Message: "read/write handler already registered", Status: kernel.StatusNameCollision}
)

// RegisterRwHandler installs the read/write handler of a transport. Each
// transport calls it once from an init block.
func RegisterRwHandler(t Type, fn RwFn) *kernel.Error {
	if t >= typeCount || fn == nil {
		return errBadType
	}
	if handlers[t] != nil {
		return errHandlerSet
	}

	handlers[t] = fn
	return nil
}

// ExtensionOf returns the block extension of dev or nil if dev is not a
// block device.
func ExtensionOf(dev *io.Device) *Extension {
	if dev == nil {
		return nil
	}
	ext, _ := dev.Extension.(*Extension)
	return ext
}

// Read reads count blocks starting at lba into buf.
func Read(dev *io.Device, lba uint64, count uint32, buf []byte) *kernel.Error {
	return transfer(dev, lba, count, buf, false)
}

// Write writes count blocks from buf starting at lba.
func Write(dev *io.Device, lba uint64, count uint32, buf []byte) *kernel.Error {
	return transfer(dev, lba, count, buf, true)
}

func transfer(dev *io.Device, lba uint64, count uint32, buf []byte, write bool) *kernel.Error {
	ext := ExtensionOf(dev)
	switch {
	case ext == nil:
		return errNotBlockDevice
	case ext.Type >= typeCount:
		return errBadType
	case handlers[ext.Type] == nil:
		return errNoHandler
	case count == 0:
		return errZeroCount
	case lba >= ext.BlockCount || uint64(count) > ext.BlockCount-lba:
		return errOutOfRange
	case uint64(len(buf)) < uint64(count)*uint64(ext.BlockSize):
		return errShortBuffer
	}

	return handlers[ext.Type](dev, lba, count, buf, write)
}
