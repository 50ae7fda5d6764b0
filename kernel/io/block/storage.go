package block

import (
	"aurora/kernel"
	"aurora/kernel/io"
	"aurora/kernel/kfmt"
	goio "io"
)

// StorageDriverName is the name of the I/O driver that owns every block
// device.
const StorageDriverName = "storage"

// Ioctl codes handled by the storage driver. The result is returned in the
// IRP information field.
const (
	IoctlGetBlockSize = uint32(0x00010001)
	IoctlGetDiskSize  = uint32(0x00010002)
)

var (
	errUnaligned = &kernel.Error{Module: "block", Message: "transfer is not block aligned", Status: kernel.StatusInvalidParameter}
	errBadIoctl  = &kernel.Error{Module: "block", Message: "unsupported ioctl code", Status: kernel.StatusNotImplemented}

	// ramDiskBlocks and ramDiskSeed configure the RAM disk created when the
	// storage driver is probed. No RAM disk is created while ramDiskBlocks
	// is zero.
	ramDiskBlocks uint64
	ramDiskSeed   []byte

	// ataProbeEnabled is cleared by the "noata" boot argument.
	ataProbeEnabled = true
)

// SetATAProbe enables or disables probing of the legacy ATA channel.
func SetATAProbe(enabled bool) {
	ataProbeEnabled = enabled
}

// ConfigureRamDisk requests a RAM disk of the given number of blocks whose
// leading blocks are copied from seed. It must be called before the
// built-in drivers are probed.
func ConfigureRamDisk(blocks uint64, seed []byte) {
	ramDiskBlocks = blocks
	ramDiskSeed = seed
}

type storageDriver struct{}

func (storageDriver) DriverName() string { return StorageDriverName }

func (storageDriver) DriverVersion() (uint16, uint16, uint16) { return 0, 1, 0 }

// DriverInit registers the storage driver and runs the transport probes.
// A missing ATA controller is not an error.
func (storageDriver) DriverInit(m *io.Manager, w goio.Writer) *kernel.Error {
	if _, err := StorageDriver(m); err != nil {
		return err
	}

	if ataProbeEnabled {
		if dev, err := ProbeATA(m); err == nil {
			kfmt.Fprintf(w, "%s: %d sectors\n", dev.Name, ExtensionOf(dev).BlockCount)
		} else if err.Status != kernel.StatusDeviceNotConnected {
			kfmt.Fprintf(w, "ata probe failed: %s\n", err.Message)
		}
	}

	if ramDiskBlocks != 0 {
		dev, err := AttachRamDisk(m, "ram0", ramDiskBlocks, ramDiskSeed)
		if err != nil {
			return err
		}
		kfmt.Fprintf(w, "%s: %d blocks\n", dev.Name, ramDiskBlocks)
	}

	return nil
}

// StorageDriver returns the storage driver registered with m. The driver is
// registered on first use.
func StorageDriver(m *io.Manager) (*io.Driver, *kernel.Error) {
	if drv, err := m.FindDriver(StorageDriverName); err == nil {
		return drv, nil
	}

	drv := &io.Driver{Name: StorageDriverName}
	drv.Dispatch[io.IrpMajorCreate] = storageOpenClose
	drv.Dispatch[io.IrpMajorClose] = storageOpenClose
	drv.Dispatch[io.IrpMajorRead] = storageReadWrite
	drv.Dispatch[io.IrpMajorWrite] = storageReadWrite
	drv.Dispatch[io.IrpMajorIoctl] = storageIoctl

	if err := m.RegisterDriver(drv); err != nil {
		return nil, err
	}
	return drv, nil
}

// CreateDevice creates a block device owned by the storage driver.
func CreateDevice(m *io.Manager, name string, ext *Extension) (*io.Device, *kernel.Error) {
	drv, err := StorageDriver(m)
	if err != nil {
		return nil, err
	}

	dev, err := m.CreateDevice(drv, name, io.MakeDeviceType(io.ClassBlock, uint16(ext.Type)), ext)
	if err != nil {
		return nil, err
	}

	log.Printf("%s: %s, %d x %d bytes", name, ext.Type.String(), ext.BlockCount, ext.BlockSize)
	return dev, nil
}

func storageOpenClose(_ *io.Device, irp *io.Irp) *kernel.Error {
	return io.CompleteIrp(irp, kernel.StatusSuccess, 0)
}

// storageReadWrite maps the byte offset and length of the IRP to a block
// range.
func storageReadWrite(dev *io.Device, irp *io.Irp) *kernel.Error {
	ext := ExtensionOf(dev)
	if ext == nil {
		return errNotBlockDevice
	}

	bs := uint64(ext.BlockSize)
	length := uint64(irp.Length())
	if length == 0 || irp.Offset%bs != 0 || length%bs != 0 {
		return errUnaligned
	}

	var (
		lba   = irp.Offset / bs
		count = uint32(length / bs)
		err   *kernel.Error
	)
	if irp.Major == io.IrpMajorWrite {
		err = Write(dev, lba, count, irp.Buffer)
	} else {
		err = Read(dev, lba, count, irp.Buffer)
	}
	if err != nil {
		return err
	}

	return io.CompleteIrp(irp, kernel.StatusSuccess, length)
}

func storageIoctl(dev *io.Device, irp *io.Irp) *kernel.Error {
	ext := ExtensionOf(dev)
	if ext == nil {
		return errNotBlockDevice
	}

	switch irp.IoctlCode {
	case IoctlGetBlockSize:
		return io.CompleteIrp(irp, kernel.StatusSuccess, uint64(ext.BlockSize))
	case IoctlGetDiskSize:
		return io.CompleteIrp(irp, kernel.StatusSuccess, ext.Size())
	default:
		return errBadIoctl
	}
}

func init() {
	io.RegisterBuiltin(&io.DriverInfo{
		Order: io.DetectOrderStorage,
		Probe: func() io.BuiltinDriver { return storageDriver{} },
	})
}
