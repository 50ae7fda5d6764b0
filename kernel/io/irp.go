package io

import (
	"aurora/kernel"
	"aurora/kernel/mm/heap"
	"unsafe"
)

// IrpPoolTag marks IRP buffers in the non-paged pool ("Irp ").
const IrpPoolTag = uint32(0x20707249)

var (
	errBadMajor        = &kernel.Error{Module: "io", Message: "invalid IRP major function", Status: kernel.StatusInvalidParameter}
	errAlreadyComplete = &kernel.Error{Module: "io", Message: "IRP already completed", Status: kernel.StatusInvalidTransaction}
)

// Irp is an I/O request packet.
type Irp struct {
	Major MajorFunction
	Minor uint8

	// Device is set by SubmitIrp.
	Device *Device

	// Buffer holds the data to write or receives the data read.
	Buffer []byte

	// Offset is the byte offset of the transfer on the device.
	Offset uint64

	// IoctlCode selects the control operation of an IrpMajorIoctl request.
	IoctlCode uint32

	status      kernel.Status
	information uint64
	completed   bool

	poolAddr uintptr
}

// Length returns the size of the IRP buffer.
func (irp *Irp) Length() int {
	return len(irp.Buffer)
}

// Status returns the completion status. The second result is false while
// the IRP has not been completed.
func (irp *Irp) Status() (kernel.Status, bool) {
	return irp.status, irp.completed
}

// Information returns the number of bytes transferred, or an
// operation-specific value, as reported at completion.
func (irp *Irp) Information() uint64 {
	return irp.information
}

// Completed returns true once CompleteIrp has been called for the IRP.
func (irp *Irp) Completed() bool {
	return irp.completed
}

// AllocateIrp allocates an IRP with a zeroed buffer of length bytes.
func (m *Manager) AllocateIrp(major MajorFunction, length uint32) (*Irp, *kernel.Error) {
	if major >= IrpMajorMax {
		return nil, errBadMajor
	}

	irp := &Irp{Major: major}
	if length != 0 {
		if m.pools != nil {
			addr, err := m.pools.AllocatePoolWithTag(heap.NonPagedPool, uintptr(length), IrpPoolTag)
			if err != nil {
				return nil, err
			}
			irp.poolAddr = addr
			irp.Buffer = unsafe.Slice((*byte)(unsafe.Pointer(addr)), length)
		} else {
			irp.Buffer = make([]byte, length)
		}
	}

	m.updateStats(func(s *Stats) { s.IrpsAllocated++ })
	return irp, nil
}

// FreeIrp releases the IRP buffer. The IRP must not be used afterwards.
func (m *Manager) FreeIrp(irp *Irp) *kernel.Error {
	if irp == nil {
		return errNilObject
	}

	if irp.poolAddr != 0 && m.pools != nil {
		if err := m.pools.FreePool(irp.poolAddr, heap.NonPagedPool); err != nil {
			return err
		}
	}

	*irp = Irp{}
	m.updateStats(func(s *Stats) { s.IrpsFreed++ })
	return nil
}

// CompleteIrp records the final status of an IRP. The status and
// information stay unchanged until the IRP is freed.
func CompleteIrp(irp *Irp, status kernel.Status, information uint64) *kernel.Error {
	if irp == nil {
		return errNilObject
	}
	if irp.completed {
		return errAlreadyComplete
	}

	irp.status = status
	irp.information = information
	irp.completed = true
	return nil
}

// SubmitIrp sends irp to the driver that owns dev and returns the
// completion status. Dispatch is synchronous: when the routine returns
// without completing the IRP, the I/O manager completes it with the status
// of the returned error. A driver without a routine for the major function
// fails the request with StatusNotImplemented and never sees the buffer.
func (m *Manager) SubmitIrp(dev *Device, irp *Irp) kernel.Status {
	if dev == nil || irp == nil || dev.Driver == nil {
		return kernel.StatusInvalidParameter
	}
	if irp.Major >= IrpMajorMax {
		return kernel.StatusInvalidParameter
	}
	if irp.completed {
		return kernel.StatusInvalidTransaction
	}

	irp.Device = dev

	fn := dev.Driver.Dispatch[irp.Major]
	if fn == nil {
		_ = CompleteIrp(irp, kernel.StatusNotImplemented, 0)
		m.updateStats(func(s *Stats) {
			s.IrpsSubmitted++
			s.IrpsFailed++
		})
		return kernel.StatusNotImplemented
	}

	// the lock is not held across dispatch; drivers call back into the
	// manager
	m.updateStats(func(s *Stats) { s.IrpsSubmitted++ })

	err := fn(dev, irp)
	if !irp.completed {
		_ = CompleteIrp(irp, kernel.StatusOf(err), 0)
	}

	if irp.status.IsError() {
		m.updateStats(func(s *Stats) { s.IrpsFailed++ })
	}
	return irp.status
}

// updateStats applies fn to the counters with the manager lock held.
func (m *Manager) updateStats(fn func(*Stats)) {
	irql := m.lock.Acquire()
	fn(&m.stats)
	m.lock.Release(irql)
}

// Call allocates an IRP around buf, submits it and frees it again. Data
// returned by read and ioctl requests is copied back into buf. It returns
// the completion status and the information field reported by the driver.
func (m *Manager) Call(dev *Device, major MajorFunction, offset uint64, ioctl uint32, buf []byte) (kernel.Status, uint64) {
	irp, err := m.AllocateIrp(major, uint32(len(buf)))
	if err != nil {
		return kernel.StatusOf(err), 0
	}

	copy(irp.Buffer, buf)
	irp.Offset = offset
	irp.IoctlCode = ioctl

	status := m.SubmitIrp(dev, irp)
	info := irp.information
	if major == IrpMajorRead || major == IrpMajorIoctl {
		copy(buf, irp.Buffer)
	}

	_ = m.FreeIrp(irp)
	return status, info
}
