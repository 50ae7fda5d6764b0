package io

import (
	"aurora/kernel"
	"aurora/kernel/boot"
	goio "io"
)

// Ioctl codes understood by the built-in category drivers.
const (
	// IoctlDisplayQueryMode copies the packed boot.GraphicsInfo of the
	// active video mode into the IRP buffer.
	IoctlDisplayQueryMode = uint32(0x00040001)

	// IoctlHIDPending reports the number of buffered scancodes in the IRP
	// information field.
	IoctlHIDPending = uint32(0x00030001)
)

// ScancodeRingSize is the capacity of the keyboard scancode buffer.
const ScancodeRingSize = 256

var (
	errNotImplementedIoctl = &kernel.Error{Module: "io", Message: "unsupported ioctl code", Status: kernel.StatusNotImplemented}
	errShortBuffer         = &kernel.Error{Module: "io", Message: "IRP buffer too small", Status: kernel.StatusInvalidParameter}
	errNoGraphics          = &kernel.Error{Module: "io", Message: "no graphics mode reported by the loader", Status: kernel.StatusDeviceNotConnected}

	// graphicsInfo is the video mode handed over by the loader. The display
	// driver is only probed when it is set.
	graphicsInfo *boot.GraphicsInfo
)

// SetGraphicsInfo records the video mode that the display driver exposes.
// Passing nil disables the display driver.
func SetGraphicsInfo(info *boot.GraphicsInfo) {
	graphicsInfo = info
}

// simpleDriver implements BuiltinDriver for the category drivers that own a
// single device.
type simpleDriver struct {
	drv     Driver
	devName string
	devType DeviceType
	ext     func() interface{}
}

func (d *simpleDriver) DriverName() string { return d.drv.Name }

func (d *simpleDriver) DriverVersion() (uint16, uint16, uint16) { return 0, 1, 0 }

func (d *simpleDriver) DriverInit(m *Manager, w goio.Writer) *kernel.Error {
	if err := m.RegisterDriver(&d.drv); err != nil {
		return err
	}

	var ext interface{}
	if d.ext != nil {
		ext = d.ext()
	}

	if _, err := m.CreateDevice(&d.drv, d.devName, d.devType, ext); err != nil {
		_ = m.UnregisterDriver(&d.drv)
		return err
	}

	return nil
}

func completeOK(irp *Irp, info uint64) *kernel.Error {
	return CompleteIrp(irp, kernel.StatusSuccess, info)
}

// posixvfs exposes a character device through which the POSIX layer opens
// files. Only create and close are meaningful at this level.
func newPosixVfsDriver() *simpleDriver {
	d := &simpleDriver{
		drv:     Driver{Name: "posixvfs"},
		devName: "posixvfs0",
		devType: MakeDeviceType(ClassChar, CharPosixVfs),
	}
	d.drv.Dispatch[IrpMajorCreate] = func(_ *Device, irp *Irp) *kernel.Error { return completeOK(irp, 0) }
	d.drv.Dispatch[IrpMajorClose] = func(_ *Device, irp *Irp) *kernel.Error { return completeOK(irp, 0) }
	d.drv.Dispatch[IrpMajorCleanup] = func(_ *Device, irp *Irp) *kernel.Error { return completeOK(irp, 0) }
	return d
}

// DisplayExtension is the device extension of the display device.
type DisplayExtension struct {
	Mode boot.GraphicsInfo
}

func newDisplayDriver() *simpleDriver {
	d := &simpleDriver{
		drv:     Driver{Name: "display"},
		devName: "display0",
		devType: MakeDeviceType(ClassDisplay, DisplayFB),
		ext: func() interface{} {
			return &DisplayExtension{Mode: *graphicsInfo}
		},
	}
	d.drv.Dispatch[IrpMajorIoctl] = displayIoctl
	return d
}

func displayIoctl(dev *Device, irp *Irp) *kernel.Error {
	ext, ok := dev.Extension.(*DisplayExtension)
	if !ok {
		return errNoGraphics
	}

	switch irp.IoctlCode {
	case IoctlDisplayQueryMode:
		if irp.Length() < boot.GraphicsInfoSize {
			return errShortBuffer
		}
		copy(irp.Buffer, ext.Mode.Encode())
		return completeOK(irp, boot.GraphicsInfoSize)
	default:
		return errNotImplementedIoctl
	}
}

// AudioExtension is the device extension of the PCM output device.
type AudioExtension struct {
	// BytesQueued counts the PCM bytes accepted by the device.
	BytesQueued uint64
}

func newAudioDriver() *simpleDriver {
	d := &simpleDriver{
		drv:     Driver{Name: "audio"},
		devName: "audio0",
		devType: MakeDeviceType(ClassAudio, AudioPCM),
		ext:     func() interface{} { return &AudioExtension{} },
	}
	d.drv.Dispatch[IrpMajorWrite] = func(dev *Device, irp *Irp) *kernel.Error {
		ext := dev.Extension.(*AudioExtension)
		ext.BytesQueued += uint64(irp.Length())
		return completeOK(irp, uint64(irp.Length()))
	}
	return d
}

// HIDExtension buffers the scancodes delivered by the keyboard interrupt
// until a read request drains them.
type HIDExtension struct {
	ring       [ScancodeRingSize]byte
	head, tail uint32

	// Dropped counts the scancodes lost while the ring was full.
	Dropped uint64
}

// Pending returns the number of buffered scancodes.
func (h *HIDExtension) Pending() uint32 {
	return h.tail - h.head
}

// Inject appends a scancode to the ring. When the ring is full the code is
// dropped.
func (h *HIDExtension) Inject(code byte) {
	if h.Pending() == ScancodeRingSize {
		h.Dropped++
		return
	}
	h.ring[h.tail%ScancodeRingSize] = code
	h.tail++
}

func (h *HIDExtension) drain(buf []byte) int {
	n := 0
	for n < len(buf) && h.head != h.tail {
		buf[n] = h.ring[h.head%ScancodeRingSize]
		h.head++
		n++
	}
	return n
}

func newHIDDriver() *simpleDriver {
	d := &simpleDriver{
		drv:     Driver{Name: "hid"},
		devName: "kbd0",
		devType: MakeDeviceType(ClassHID, HIDKeyboard),
		ext:     func() interface{} { return &HIDExtension{} },
	}
	d.drv.Dispatch[IrpMajorRead] = func(dev *Device, irp *Irp) *kernel.Error {
		ext := dev.Extension.(*HIDExtension)
		return completeOK(irp, uint64(ext.drain(irp.Buffer)))
	}
	d.drv.Dispatch[IrpMajorIoctl] = func(dev *Device, irp *Irp) *kernel.Error {
		if irp.IoctlCode != IoctlHIDPending {
			return errNotImplementedIoctl
		}
		return completeOK(irp, uint64(dev.Extension.(*HIDExtension).Pending()))
	}
	return d
}

func init() {
	RegisterBuiltin(&DriverInfo{
		Order: DetectOrderEarly,
		Probe: func() BuiltinDriver { return newPosixVfsDriver() },
	})
	RegisterBuiltin(&DriverInfo{
		Order: DetectOrderDisplay,
		Probe: func() BuiltinDriver {
			if graphicsInfo == nil {
				return nil
			}
			return newDisplayDriver()
		},
	})
	RegisterBuiltin(&DriverInfo{
		Order: DetectOrderAudio,
		Probe: func() BuiltinDriver { return newAudioDriver() },
	})
	RegisterBuiltin(&DriverInfo{
		Order: DetectOrderHID,
		Probe: func() BuiltinDriver { return newHIDDriver() },
	})
}
