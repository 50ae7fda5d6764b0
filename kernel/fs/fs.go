// Package fs implements the VFS registry: a fixed table of file system
// drivers, a fixed table of named mounts and the file handles opened on
// them. The registry does not define a path namespace; files are addressed
// by mount name and a driver-specific path.
package fs

import (
	"aurora/kernel"
	"aurora/kernel/io"
	"aurora/kernel/kfmt"
	"aurora/kernel/sync"
)

// Table sizes.
const (
	MaxMounts    = 16
	MaxDrivers   = 8
	MaxOpenFiles = 64

	// MaxMountNameLen bounds mount names.
	MaxMountNameLen = 31
)

// Volume is the opaque context a driver returns from Mount.
type Volume interface{}

// File is the opaque per-open context a driver returns from Open.
type File interface{}

// Driver is a file system driver. Only Mount is mandatory; missing file
// operations fail with StatusNotImplemented.
type Driver struct {
	Name string

	Mount   func(device, options string) (Volume, *kernel.Error)
	Unmount func(vol Volume) *kernel.Error
	Open    func(vol Volume, path string) (File, *kernel.Error)
	Close   func(f File) *kernel.Error
	Read    func(f File, buf []byte) (uint32, *kernel.Error)
	Write   func(f File, buf []byte) (uint32, *kernel.Error)
}

// Handle identifies an open file. The zero Handle is never valid.
type Handle uint32

// MountInfo describes an active mount.
type MountInfo struct {
	Name    string
	Device  string
	FsType  string
	Options string
}

type slotState uint8

const (
	slotFree slotState = iota
	slotReserved
	slotMounted
)

type mountSlot struct {
	state   slotState
	info    MountInfo
	driver  *Driver
	volume  Volume
	handles uint32
}

type openFile struct {
	used    bool
	opening bool
	slot    int
	file    File
	owner   *Driver
}

var (
	log = kfmt.Logger{Module: "fs"}

	errAlreadyInitialized = &kernel.Error{Module: "fs", Message: "VFS already initialized", Status: kernel.StatusAlreadyInitialized}
	errBadDriver          = &kernel.Error{Module: "fs", Message: "driver must have a name and a mount routine", Status: kernel.StatusInvalidParameter}
	errDriverExists       = &kernel.Error{Module: "fs", Message: "file system driver already registered", Status: kernel.StatusNameCollision}
	errDriverTableFull    = &kernel.Error{Module: "fs", Message: "file system driver table full", Status: kernel.StatusInsufficientResources}
	errUnknownFs          = &kernel.Error{Module: "fs", Message: "unknown file system type", Status: kernel.StatusNotFound}
	errDriverInUse        = &kernel.Error{Module: "fs", Message: "file system driver has active mounts", Status: kernel.StatusInvalidTransaction}
	errBadMountName       = &kernel.Error{Module: "fs", Message: "mount name is empty or too long", Status: kernel.StatusInvalidParameter}
	errBadDevice          = &kernel.Error{Module: "fs", Message: "empty device name", Status: kernel.StatusInvalidParameter}
	errMountExists        = &kernel.Error{Module: "fs", Message: "mount name already in use", Status: kernel.StatusNameCollision}
	errMountTableFull     = &kernel.Error{Module: "fs", Message: "mount table full", Status: kernel.StatusInsufficientResources}
	errMountNotFound      = &kernel.Error{Module: "fs", Message: "no such mount", Status: kernel.StatusNotFound}
	errVolumeBusy         = &kernel.Error{Module: "fs", Message: "volume has open files", Status: kernel.StatusInvalidTransaction}
	errHandleTableFull    = &kernel.Error{Module: "fs", Message: "too many open files", Status: kernel.StatusInsufficientResources}
	errBadHandle          = &kernel.Error{Module: "fs", Message: "invalid file handle", Status: kernel.StatusInvalidParameter}
	errNotSupported       = &kernel.Error{Module: "fs", Message: "operation not supported by the file system", Status: kernel.StatusNotImplemented}
)

// VFS holds the driver, mount and open file tables.
type VFS struct {
	lock        sync.Spinlock
	initialized bool

	drivers [MaxDrivers]*Driver
	mounts  [MaxMounts]mountSlot
	files   [MaxOpenFiles]openFile
}

// Init clears the tables and registers the built-in drivers. The ramfs
// driver resolves block devices through m and is skipped when m is nil.
func (v *VFS) Init(m *io.Manager) *kernel.Error {
	if v.initialized {
		return errAlreadyInitialized
	}

	v.drivers = [MaxDrivers]*Driver{}
	v.mounts = [MaxMounts]mountSlot{}
	v.files = [MaxOpenFiles]openFile{}

	for _, drv := range builtinDrivers(m) {
		if err := v.RegisterDriver(drv); err != nil {
			log.Warnf("built-in driver %s not registered: %s", drv.Name, err.Message)
		}
	}

	v.initialized = true
	log.Printf("initialized")
	return nil
}

// Shutdown unmounts every volume and marks the VFS uninitialized. Open
// files are closed first.
func (v *VFS) Shutdown() {
	if !v.initialized {
		return
	}

	for i := range v.files {
		if v.files[i].used {
			_ = v.Close(Handle(i + 1))
		}
	}
	for _, info := range v.Mounts() {
		if err := v.Unmount(info.Name); err != nil {
			log.Warnf("unmount %s failed: %s", info.Name, err.Message)
		}
	}

	v.initialized = false
	log.Printf("shutdown")
}

// RegisterDriver adds drv to the driver table.
func (v *VFS) RegisterDriver(drv *Driver) *kernel.Error {
	if drv == nil || drv.Name == "" || drv.Mount == nil {
		return errBadDriver
	}

	irql := v.lock.Acquire()
	defer v.lock.Release(irql)

	free := -1
	for i, cur := range v.drivers {
		switch {
		case cur == nil:
			if free == -1 {
				free = i
			}
		case cur == drv || cur.Name == drv.Name:
			return errDriverExists
		}
	}
	if free == -1 {
		return errDriverTableFull
	}

	v.drivers[free] = drv
	log.Debugf("driver registered %s", drv.Name)
	return nil
}

// UnregisterDriver removes the driver called name. Drivers that back a
// mount, or a mount in progress, cannot be removed.
func (v *VFS) UnregisterDriver(name string) *kernel.Error {
	irql := v.lock.Acquire()
	defer v.lock.Release(irql)

	idx := v.findDriver(name)
	if idx < 0 {
		return errUnknownFs
	}
	for i := range v.mounts {
		if v.mounts[i].state != slotFree && v.mounts[i].driver == v.drivers[idx] {
			return errDriverInUse
		}
	}

	v.drivers[idx] = nil
	return nil
}

// Drivers returns the names of the registered drivers in table order.
func (v *VFS) Drivers() []string {
	irql := v.lock.Acquire()
	defer v.lock.Release(irql)

	var names []string
	for _, drv := range v.drivers {
		if drv != nil {
			names = append(names, drv.Name)
		}
	}
	return names
}

// Mount mounts device with the fstype driver under name. The slot is
// reserved under the lock and the driver's Mount routine runs with the lock
// released so it may perform I/O.
func (v *VFS) Mount(device, fstype, name, options string) *kernel.Error {
	if name == "" || len(name) > MaxMountNameLen {
		return errBadMountName
	}
	if device == "" {
		return errBadDevice
	}

	irql := v.lock.Acquire()
	idx := v.findDriver(fstype)
	if idx < 0 {
		v.lock.Release(irql)
		return errUnknownFs
	}
	drv := v.drivers[idx]

	free := -1
	for i := range v.mounts {
		slot := &v.mounts[i]
		if slot.state == slotFree {
			if free == -1 {
				free = i
			}
			continue
		}
		if slot.info.Name == name {
			v.lock.Release(irql)
			return errMountExists
		}
	}
	if free == -1 {
		v.lock.Release(irql)
		return errMountTableFull
	}

	slot := &v.mounts[free]
	slot.state = slotReserved
	slot.info = MountInfo{Name: name, Device: device, FsType: fstype, Options: options}
	slot.driver = drv
	v.lock.Release(irql)

	vol, err := drv.Mount(device, options)

	irql = v.lock.Acquire()
	defer v.lock.Release(irql)

	if err != nil {
		*slot = mountSlot{}
		return err
	}

	slot.state = slotMounted
	slot.volume = vol
	log.Printf("mounted %s (%s) as %s", device, fstype, name)
	return nil
}

// Unmount detaches the mount called name and hands its volume to the
// driver's Unmount routine. Mounts with open files cannot be detached.
func (v *VFS) Unmount(name string) *kernel.Error {
	irql := v.lock.Acquire()

	idx := v.findMount(name)
	if idx < 0 {
		v.lock.Release(irql)
		return errMountNotFound
	}

	slot := &v.mounts[idx]
	if slot.handles != 0 {
		v.lock.Release(irql)
		return errVolumeBusy
	}

	drv, vol := slot.driver, slot.volume
	*slot = mountSlot{}
	v.lock.Release(irql)

	log.Printf("unmounted %s", name)
	if drv.Unmount == nil {
		return nil
	}
	return drv.Unmount(vol)
}

// Mounts returns a snapshot of the committed mounts in slot order.
func (v *VFS) Mounts() []MountInfo {
	irql := v.lock.Acquire()
	defer v.lock.Release(irql)

	var list []MountInfo
	for i := range v.mounts {
		if v.mounts[i].state == slotMounted {
			list = append(list, v.mounts[i].info)
		}
	}
	return list
}

// Open opens path on the mount called mountName.
func (v *VFS) Open(mountName, path string) (Handle, *kernel.Error) {
	irql := v.lock.Acquire()
	idx := v.findMount(mountName)
	if idx < 0 {
		v.lock.Release(irql)
		return 0, errMountNotFound
	}
	slot := &v.mounts[idx]
	drv, vol := slot.driver, slot.volume
	if drv.Open == nil {
		v.lock.Release(irql)
		return 0, errNotSupported
	}

	fd := -1
	for i := range v.files {
		if !v.files[i].used {
			fd = i
			break
		}
	}
	if fd == -1 {
		v.lock.Release(irql)
		return 0, errHandleTableFull
	}

	// hold the slot and the mount while the driver runs
	v.files[fd] = openFile{used: true, opening: true, slot: idx, owner: drv}
	slot.handles++
	v.lock.Release(irql)

	f, err := drv.Open(vol, path)

	irql = v.lock.Acquire()
	defer v.lock.Release(irql)

	if err != nil {
		v.files[fd] = openFile{}
		slot.handles--
		return 0, err
	}

	v.files[fd].file = f
	v.files[fd].opening = false
	return Handle(fd + 1), nil
}

// Close releases an open file.
func (v *VFS) Close(h Handle) *kernel.Error {
	irql := v.lock.Acquire()
	of, err := v.lookupFile(h)
	if err != nil {
		v.lock.Release(irql)
		return err
	}

	entry := *of
	*of = openFile{}
	v.mounts[entry.slot].handles--
	v.lock.Release(irql)

	if entry.owner.Close == nil {
		return nil
	}
	return entry.owner.Close(entry.file)
}

// Read reads up to len(buf) bytes from the current file position.
func (v *VFS) Read(h Handle, buf []byte) (uint32, *kernel.Error) {
	drv, f, err := v.fileOp(h)
	if err != nil {
		return 0, err
	}
	if drv.Read == nil {
		return 0, errNotSupported
	}
	return drv.Read(f, buf)
}

// Write writes buf at the current file position.
func (v *VFS) Write(h Handle, buf []byte) (uint32, *kernel.Error) {
	drv, f, err := v.fileOp(h)
	if err != nil {
		return 0, err
	}
	if drv.Write == nil {
		return 0, errNotSupported
	}
	return drv.Write(f, buf)
}

func (v *VFS) fileOp(h Handle) (*Driver, File, *kernel.Error) {
	irql := v.lock.Acquire()
	defer v.lock.Release(irql)

	of, err := v.lookupFile(h)
	if err != nil {
		return nil, nil, err
	}
	return of.owner, of.file, nil
}

func (v *VFS) lookupFile(h Handle) (*openFile, *kernel.Error) {
	if h == 0 || int(h) > MaxOpenFiles || !v.files[h-1].used || v.files[h-1].opening {
		return nil, errBadHandle
	}
	return &v.files[h-1], nil
}

func (v *VFS) findDriver(name string) int {
	for i, drv := range v.drivers {
		if drv != nil && drv.Name == name {
			return i
		}
	}
	return -1
}

// findMount only matches committed mounts.
func (v *VFS) findMount(name string) int {
	for i := range v.mounts {
		if v.mounts[i].state == slotMounted && v.mounts[i].info.Name == name {
			return i
		}
	}
	return -1
}
