package io

import (
	"aurora/kernel"
	"aurora/kernel/kfmt"
	"bytes"
	goio "io"
	"sort"
)

// DetectOrder specifies when each built-in driver is probed relative to the
// other registered drivers.
type DetectOrder int

const (
	// DetectOrderEarly drivers are probed before any other driver. The
	// POSIX VFS layer uses it so that the other drivers can publish their
	// devices through it.
	DetectOrderEarly DetectOrder = -128

	// DetectOrderBus is used by bus drivers. They run before the device
	// drivers that look up the functions a bus enumerated.
	DetectOrderBus = -96

	// DetectOrderStorage is used by block device drivers.
	DetectOrderStorage = -64

	// DetectOrderDisplay is used by display drivers.
	DetectOrderDisplay = -32

	// DetectOrderAudio is used by audio drivers.
	DetectOrderAudio = -16

	// DetectOrderHID is used by input drivers.
	DetectOrderHID = 0

	// DetectOrderLast drivers are probed after all other drivers.
	DetectOrderLast = 127
)

// BuiltinDriver is implemented by the drivers compiled into the kernel.
type BuiltinDriver interface {
	// DriverName returns the name of the driver.
	DriverName() string

	// DriverVersion returns the driver version.
	DriverVersion() (major uint16, minor uint16, patch uint16)

	// DriverInit registers the driver object with the I/O manager and
	// creates its devices. If the driver init code needs to log some
	// output, it can use the supplied io.Writer in conjunction with a call
	// to kfmt.Fprintf.
	DriverInit(m *Manager, w goio.Writer) *kernel.Error
}

// ProbeFn is a function that scans for the presence of a particular piece
// of hardware and returns a driver for it, or nil if it is absent.
type ProbeFn func() BuiltinDriver

// DriverInfo is a driver registered with the built-in driver list.
type DriverInfo struct {
	// Order specifies at which stage of the probing process this driver
	// should be probed.
	Order DetectOrder

	// Probe is the function that detects the hardware.
	Probe ProbeFn
}

// DriverInfoList is a list of registered drivers that implements
// sort.Interface.
type DriverInfoList []*DriverInfo

// Len returns the length of the driver info list.
func (l DriverInfoList) Len() int { return len(l) }

// Swap exchanges 2 elements in the driver info list.
func (l DriverInfoList) Swap(i, j int) { l[i], l[j] = l[j], l[i] }

// Less compares 2 elements of the driver info list.
func (l DriverInfoList) Less(i, j int) bool { return l[i].Order < l[j].Order }

var (
	// registeredDrivers tracks the drivers registered via RegisterBuiltin.
	registeredDrivers DriverInfoList

	strBuf bytes.Buffer
)

// RegisterBuiltin adds the supplied driver info to the list of built-in
// drivers. Drivers call it from an init() block.
func RegisterBuiltin(info *DriverInfo) {
	registeredDrivers = append(registeredDrivers, info)
}

// BuiltinList returns the list of registered built-in drivers.
func BuiltinList() DriverInfoList {
	return registeredDrivers
}

// ProbeBuiltins probes every registered built-in driver in detection order
// and initializes the ones whose hardware is present. It returns the names
// of the initialized drivers.
func (m *Manager) ProbeBuiltins() []string {
	drivers := make(DriverInfoList, len(registeredDrivers))
	copy(drivers, registeredDrivers)
	sort.Stable(drivers)

	return m.probe(drivers)
}

func (m *Manager) probe(driverInfoList DriverInfoList) []string {
	var (
		w           = kfmt.PrefixWriter{Sink: kfmt.GetOutputSink()}
		initialized []string
	)

	for _, info := range driverInfoList {
		drv := info.Probe()
		if drv == nil {
			continue
		}

		strBuf.Reset()
		major, minor, patch := drv.DriverVersion()
		kfmt.Fprintf(&strBuf, "[io] %s(%d.%d.%d): ", drv.DriverName(), major, minor, patch)
		w.Prefix = strBuf.Bytes()

		if err := drv.DriverInit(m, &w); err != nil {
			kfmt.Fprintf(&w, "init failed: %s\n", err.Message)
			continue
		}

		kfmt.Fprintf(&w, "initialized\n")
		initialized = append(initialized, drv.DriverName())
	}

	return initialized
}
