// Package io implements the I/O manager: the registry of drivers and device
// objects and the I/O request packets (IRPs) routed to driver dispatch
// routines.
package io

import (
	"aurora/kernel"
	"aurora/kernel/kfmt"
	"aurora/kernel/mm/heap"
	"aurora/kernel/sync"
)

// MajorFunction selects the dispatch routine that handles an IRP.
type MajorFunction uint8

// IRP major function codes.
const (
	IrpMajorCreate MajorFunction = iota
	IrpMajorClose
	IrpMajorRead
	IrpMajorWrite
	IrpMajorIoctl
	IrpMajorCleanup
	IrpMajorPower
	IrpMajorScsi

	// IrpMajorMax bounds the dispatch table of a driver.
	IrpMajorMax
)

// String implements fmt.Stringer for MajorFunction.
func (m MajorFunction) String() string {
	switch m {
	case IrpMajorCreate:
		return "create"
	case IrpMajorClose:
		return "close"
	case IrpMajorRead:
		return "read"
	case IrpMajorWrite:
		return "write"
	case IrpMajorIoctl:
		return "ioctl"
	case IrpMajorCleanup:
		return "cleanup"
	case IrpMajorPower:
		return "power"
	case IrpMajorScsi:
		return "scsi"
	default:
		return "invalid"
	}
}

// DeviceClass is the coarse category of a device.
type DeviceClass uint16

// Device classes.
const (
	ClassUnspecified DeviceClass = iota
	ClassBlock
	ClassChar
	ClassHID
	ClassDisplay
	ClassAudio
	ClassBus
)

// Subtypes used with the built-in device classes.
const (
	HIDKeyboard  = uint16(1)
	HIDMouse     = uint16(2)
	DisplayFB    = uint16(1)
	AudioPCM     = uint16(1)
	CharPosixVfs = uint16(1)
	BusPCI       = uint16(1)
)

// DeviceType packs a device class in the upper 16 bits and a class-specific
// subtype in the lower 16 bits.
type DeviceType uint32

// MakeDeviceType builds a DeviceType from its class and subtype.
func MakeDeviceType(class DeviceClass, subtype uint16) DeviceType {
	return DeviceType(uint32(class)<<16 | uint32(subtype))
}

// Class returns the class part of the device type.
func (t DeviceType) Class() DeviceClass {
	return DeviceClass(t >> 16)
}

// Subtype returns the subtype part of the device type.
func (t DeviceType) Subtype() uint16 {
	return uint16(t)
}

// MaxNameLen bounds driver and device names.
const MaxNameLen = 63

// DispatchFn handles an IRP sent to a device owned by the driver. The
// routine either completes the IRP itself or returns an error which the I/O
// manager turns into the completion status.
type DispatchFn func(dev *Device, irp *Irp) *kernel.Error

// Driver is a driver object.
type Driver struct {
	Name     string
	Flags    uint32
	Dispatch [IrpMajorMax]DispatchFn

	devices    uint32
	registered bool
	next       *Driver
}

// DeviceCount returns the number of devices owned by the driver.
func (d *Driver) DeviceCount() uint32 {
	return d.devices
}

// Device is a device object created by a driver.
type Device struct {
	Name   string
	Type   DeviceType
	Driver *Driver

	// Extension holds driver-private state.
	Extension interface{}

	next *Device
}

var (
	log = kfmt.Logger{Module: "io"}

	errNilObject       = &kernel.Error{Module: "io", Message: "nil driver, device or IRP", Status: kernel.StatusInvalidParameter}
	errBadName         = &kernel.Error{Module: "io", Message: "name is empty or too long", Status: kernel.StatusInvalidParameter}
	errDriverExists    = &kernel.Error{Module: "io", Message: "driver already registered", Status: kernel.StatusNameCollision}
	errDriverNotFound  = &kernel.Error{Module: "io", Message: "driver not registered", Status: kernel.StatusNotFound}
	errDriverBusy      = &kernel.Error{Module: "io", Message: "driver still owns devices", Status: kernel.StatusInvalidTransaction}
	errDeviceExists    = &kernel.Error{Module: "io", Message: "driver already owns a device with this name", Status: kernel.StatusNameCollision}
	errDeviceNotFound  = &kernel.Error{Module: "io", Message: "device not found", Status: kernel.StatusNotFound}
	errManagerDisabled = &kernel.Error{Module: "io", Message: "I/O manager not initialized", Status: kernel.StatusNotInitialized}
)

// Manager owns the global driver and device lists.
type Manager struct {
	lock        sync.Spinlock
	initialized bool

	drivers *Driver
	devices *Device

	// pools backs IRP buffers. When nil, buffers come from the Go heap.
	pools *heap.Pools

	stats Stats
}

// Stats holds the I/O manager counters.
type Stats struct {
	Drivers       uint32
	Devices       uint32
	IrpsAllocated uint64
	IrpsFreed     uint64
	IrpsSubmitted uint64
	IrpsFailed    uint64
}

// Init resets the manager. IRP buffers are carved from the non-paged pool
// of pools when it is not nil.
func (m *Manager) Init(pools *heap.Pools) {
	m.drivers = nil
	m.devices = nil
	m.pools = pools
	m.stats = Stats{}
	m.initialized = true
	log.Printf("initialized")
}

// RegisterDriver prepends drv to the driver list.
func (m *Manager) RegisterDriver(drv *Driver) *kernel.Error {
	if !m.initialized {
		return errManagerDisabled
	}
	if drv == nil {
		return errNilObject
	}
	if !validName(drv.Name) {
		return errBadName
	}

	irql := m.lock.Acquire()
	defer m.lock.Release(irql)

	for cur := m.drivers; cur != nil; cur = cur.next {
		if cur == drv || cur.Name == drv.Name {
			return errDriverExists
		}
	}

	drv.next = m.drivers
	drv.registered = true
	drv.devices = 0
	m.drivers = drv
	m.stats.Drivers++

	log.Debugf("driver registered %s", drv.Name)
	return nil
}

// UnregisterDriver removes drv from the driver list. Drivers that still own
// devices cannot be removed.
func (m *Manager) UnregisterDriver(drv *Driver) *kernel.Error {
	if drv == nil {
		return errNilObject
	}

	irql := m.lock.Acquire()
	defer m.lock.Release(irql)

	if drv.devices != 0 {
		return errDriverBusy
	}

	for link := &m.drivers; *link != nil; link = &(*link).next {
		if *link != drv {
			continue
		}

		*link = drv.next
		drv.next = nil
		drv.registered = false
		m.stats.Drivers--
		return nil
	}

	return errDriverNotFound
}

// FindDriver looks up a registered driver by name.
func (m *Manager) FindDriver(name string) (*Driver, *kernel.Error) {
	irql := m.lock.Acquire()
	defer m.lock.Release(irql)

	for cur := m.drivers; cur != nil; cur = cur.next {
		if cur.Name == name {
			return cur, nil
		}
	}
	return nil, errDriverNotFound
}

// CreateDevice creates a device owned by drv. Device names are unique per
// driver.
func (m *Manager) CreateDevice(drv *Driver, name string, devType DeviceType, ext interface{}) (*Device, *kernel.Error) {
	if drv == nil {
		return nil, errNilObject
	}
	if !validName(name) {
		return nil, errBadName
	}

	irql := m.lock.Acquire()
	defer m.lock.Release(irql)

	if !drv.registered {
		return nil, errDriverNotFound
	}
	for cur := m.devices; cur != nil; cur = cur.next {
		if cur.Driver == drv && cur.Name == name {
			return nil, errDeviceExists
		}
	}

	dev := &Device{
		Name:      name,
		Type:      devType,
		Driver:    drv,
		Extension: ext,
		next:      m.devices,
	}
	m.devices = dev
	drv.devices++
	m.stats.Devices++

	log.Debugf("device created %s (driver %s, type 0x%x)", name, drv.Name, uint32(devType))
	return dev, nil
}

// DeleteDevice unlinks dev from the device list.
func (m *Manager) DeleteDevice(dev *Device) *kernel.Error {
	if dev == nil {
		return errNilObject
	}

	irql := m.lock.Acquire()
	defer m.lock.Release(irql)

	for link := &m.devices; *link != nil; link = &(*link).next {
		if *link != dev {
			continue
		}

		*link = dev.next
		dev.next = nil
		dev.Driver.devices--
		m.stats.Devices--
		return nil
	}

	return errDeviceNotFound
}

// FindDevice returns the most recently created device called name.
func (m *Manager) FindDevice(name string) (*Device, *kernel.Error) {
	irql := m.lock.Acquire()
	defer m.lock.Release(irql)

	for cur := m.devices; cur != nil; cur = cur.next {
		if cur.Name == name {
			return cur, nil
		}
	}
	return nil, errDeviceNotFound
}

// Devices returns the devices in list order, optionally restricted to a
// class. ClassUnspecified selects every device.
func (m *Manager) Devices(class DeviceClass) []*Device {
	irql := m.lock.Acquire()
	defer m.lock.Release(irql)

	var list []*Device
	for cur := m.devices; cur != nil; cur = cur.next {
		if class == ClassUnspecified || cur.Type.Class() == class {
			list = append(list, cur)
		}
	}
	return list
}

// Drivers returns the registered drivers in list order.
func (m *Manager) Drivers() []*Driver {
	irql := m.lock.Acquire()
	defer m.lock.Release(irql)

	var list []*Driver
	for cur := m.drivers; cur != nil; cur = cur.next {
		list = append(list, cur)
	}
	return list
}

// GetStats returns a snapshot of the manager counters.
func (m *Manager) GetStats() Stats {
	irql := m.lock.Acquire()
	defer m.lock.Release(irql)
	return m.stats
}

func validName(name string) bool {
	return len(name) != 0 && len(name) <= MaxNameLen
}
