package fs

import (
	"aurora/kernel"
	"aurora/kernel/hal"
	"aurora/kernel/io"
	"aurora/kernel/io/block"
	"aurora/kernel/sync"
	"bytes"
	"encoding/binary"
	"strings"

	"github.com/google/uuid"
	"github.com/tchajed/marshal"
)

// RamfsName is the file system type of the ramfs driver.
const RamfsName = "ramfs"

const (
	// ramfsMagic reads "AURRAMFS" on disk.
	ramfsMagic   = uint64(0x53464d4152525541)
	ramfsVersion = uint64(1)

	// RamfsMaxFiles is the size of the flat file table.
	RamfsMaxFiles = 64

	// RamfsMaxNameLen bounds file names.
	RamfsMaxNameLen = 31

	ramfsNameWords   = 4
	ramfsEntrySize   = 8 * 8
	ramfsMinBlock    = 512
	ramfsTableLBA    = 1
	ramfsEntryInUse  = uint64(1)
	ramfsFormatToken = "format"
)

var (
	errNotBlockDevice  = &kernel.Error{Module: "ramfs", Message: "device is not a block device", Status: kernel.StatusInvalidParameter}
	errBadBlockSize    = &kernel.Error{Module: "ramfs", Message: "unsupported block size", Status: kernel.StatusInvalidParameter}
	errVolumeTooSmall  = &kernel.Error{Module: "ramfs", Message: "device too small for a ramfs volume", Status: kernel.StatusInvalidParameter}
	errNotRamfs        = &kernel.Error{Module: "ramfs", Message: "no ramfs superblock on device", Status: kernel.StatusUnsuccessful}
	errGeometry        = &kernel.Error{Module: "ramfs", Message: "superblock geometry does not match the device", Status: kernel.StatusUnsuccessful}
	errBadPath         = &kernel.Error{Module: "ramfs", Message: "invalid file name", Status: kernel.StatusInvalidParameter}
	errVolumeFull      = &kernel.Error{Module: "ramfs", Message: "no space left on volume", Status: kernel.StatusInsufficientResources}
	errFileFull        = &kernel.Error{Module: "ramfs", Message: "file extent is full", Status: kernel.StatusInsufficientResources}
	errUUID            = &kernel.Error{Module: "ramfs", Message: "could not generate a volume identifier", Status: kernel.StatusUnsuccessful}
	errVolumeUnmounted = &kernel.Error{Module: "ramfs", Message: "volume is unmounted", Status: kernel.StatusInvalidTransaction}

	// volume identifiers draw from the kernel entropy source; the host
	// random device does not exist in the kernel
	newUUIDFn = func() (uuid.UUID, error) { return uuid.NewRandomFromReader(hal.Entropy{}) }
)

type superblock struct {
	magic        uint64
	version      uint64
	blockSize    uint64
	blockCount   uint64
	tableLBA     uint64
	tableBlocks  uint64
	dataLBA      uint64
	extentBlocks uint64
	nextFree     uint64
	id           uuid.UUID
}

func (sb *superblock) encode() []byte {
	enc := marshal.NewEnc(sb.blockSize)
	enc.PutInt(sb.magic)
	enc.PutInt(sb.version)
	enc.PutInt(sb.blockSize)
	enc.PutInt(sb.blockCount)
	enc.PutInt(sb.tableLBA)
	enc.PutInt(sb.tableBlocks)
	enc.PutInt(sb.dataLBA)
	enc.PutInt(sb.extentBlocks)
	enc.PutInt(sb.nextFree)
	enc.PutInts([]uint64{
		binary.BigEndian.Uint64(sb.id[:8]),
		binary.BigEndian.Uint64(sb.id[8:]),
	})
	return enc.Finish()
}

func decodeSuperblock(b []byte) superblock {
	dec := marshal.NewDec(b)
	sb := superblock{
		magic:        dec.GetInt(),
		version:      dec.GetInt(),
		blockSize:    dec.GetInt(),
		blockCount:   dec.GetInt(),
		tableLBA:     dec.GetInt(),
		tableBlocks:  dec.GetInt(),
		dataLBA:      dec.GetInt(),
		extentBlocks: dec.GetInt(),
		nextFree:     dec.GetInt(),
	}
	id := dec.GetInts(2)
	binary.BigEndian.PutUint64(sb.id[:8], id[0])
	binary.BigEndian.PutUint64(sb.id[8:], id[1])
	return sb
}

type fileEntry struct {
	name     string
	startLBA uint64
	size     uint64
	blocks   uint64
	flags    uint64
}

func (e *fileEntry) inUse() bool {
	return e.flags&ramfsEntryInUse != 0
}

func encodeName(name string) []uint64 {
	var raw [ramfsNameWords * 8]byte
	copy(raw[:], name)

	words := make([]uint64, ramfsNameWords)
	for i := range words {
		words[i] = binary.LittleEndian.Uint64(raw[i*8:])
	}
	return words
}

func decodeName(words []uint64) string {
	var raw [ramfsNameWords * 8]byte
	for i, w := range words {
		binary.LittleEndian.PutUint64(raw[i*8:], w)
	}
	if n := bytes.IndexByte(raw[:], 0); n >= 0 {
		return string(raw[:n])
	}
	return string(raw[:])
}

// RamfsFileInfo describes a file stored on a ramfs volume.
type RamfsFileInfo struct {
	Name     string
	Size     uint64
	Capacity uint64
}

// RamfsVolume is the mounted state of a ramfs volume.
type RamfsVolume struct {
	lock sync.Spinlock

	dev     *io.Device
	sb      superblock
	entries [RamfsMaxFiles]fileEntry
}

// UUID returns the volume identifier stored in the superblock.
func (v *RamfsVolume) UUID() uuid.UUID {
	return v.sb.id
}

// Files lists the files of the volume in table order.
func (v *RamfsVolume) Files() []RamfsFileInfo {
	irql := v.lock.Acquire()
	defer v.lock.Release(irql)

	var list []RamfsFileInfo
	for i := range v.entries {
		e := &v.entries[i]
		if e.inUse() {
			list = append(list, RamfsFileInfo{Name: e.name, Size: e.size, Capacity: e.blocks * v.sb.blockSize})
		}
	}
	return list
}

type ramfsFile struct {
	vol   *RamfsVolume
	index int
	pos   uint64
}

// ramfsLayout computes the superblock of a fresh volume on a device with
// the given geometry.
func ramfsLayout(ext *block.Extension) (superblock, *kernel.Error) {
	bs := uint64(ext.BlockSize)
	if bs < ramfsMinBlock || bs&(bs-1) != 0 {
		return superblock{}, errBadBlockSize
	}

	tableBlocks := (RamfsMaxFiles*ramfsEntrySize + bs - 1) / bs
	dataLBA := ramfsTableLBA + tableBlocks
	if ext.BlockCount <= dataLBA {
		return superblock{}, errVolumeTooSmall
	}

	extent := (ext.BlockCount - dataLBA) / RamfsMaxFiles
	if extent == 0 {
		extent = 1
	}

	return superblock{
		magic:        ramfsMagic,
		version:      ramfsVersion,
		blockSize:    bs,
		blockCount:   ext.BlockCount,
		tableLBA:     ramfsTableLBA,
		tableBlocks:  tableBlocks,
		dataLBA:      dataLBA,
		extentBlocks: extent,
		nextFree:     dataLBA,
	}, nil
}

// FormatRamfs writes an empty ramfs volume to dev and returns its
// identifier.
func FormatRamfs(dev *io.Device) (uuid.UUID, *kernel.Error) {
	ext := block.ExtensionOf(dev)
	if ext == nil {
		return uuid.Nil, errNotBlockDevice
	}

	sb, err := ramfsLayout(ext)
	if err != nil {
		return uuid.Nil, err
	}

	id, uerr := newUUIDFn()
	if uerr != nil {
		return uuid.Nil, errUUID
	}
	sb.id = id

	vol := &RamfsVolume{dev: dev, sb: sb}
	if err = vol.writeTable(); err != nil {
		return uuid.Nil, err
	}
	if err = vol.writeSuperblock(); err != nil {
		return uuid.Nil, err
	}

	log.Printf("ramfs: formatted %s (%d blocks, volume %s)", dev.Name, sb.blockCount, id.String())
	return id, nil
}

// openRamfs loads the superblock and file table of dev.
func openRamfs(dev *io.Device) (*RamfsVolume, *kernel.Error) {
	ext := block.ExtensionOf(dev)
	if ext == nil {
		return nil, errNotBlockDevice
	}
	if ext.BlockSize < ramfsMinBlock {
		return nil, errBadBlockSize
	}

	buf := make([]byte, ext.BlockSize)
	if err := block.Read(dev, 0, 1, buf); err != nil {
		return nil, err
	}

	sb := decodeSuperblock(buf)
	switch {
	case sb.magic != ramfsMagic || sb.version != ramfsVersion:
		return nil, errNotRamfs
	case sb.blockSize != uint64(ext.BlockSize) || sb.blockCount > ext.BlockCount:
		return nil, errGeometry
	case sb.tableLBA+sb.tableBlocks > sb.dataLBA || sb.nextFree > sb.blockCount:
		return nil, errGeometry
	}

	vol := &RamfsVolume{dev: dev, sb: sb}
	if err := vol.readTable(); err != nil {
		return nil, err
	}
	return vol, nil
}

func (v *RamfsVolume) writeSuperblock() *kernel.Error {
	blk := make([]byte, v.sb.blockSize)
	copy(blk, v.sb.encode())
	return block.Write(v.dev, 0, 1, blk)
}

func (v *RamfsVolume) writeTable() *kernel.Error {
	enc := marshal.NewEnc(v.sb.tableBlocks * v.sb.blockSize)
	for i := range v.entries {
		e := &v.entries[i]
		enc.PutInts(encodeName(e.name))
		enc.PutInt(e.startLBA)
		enc.PutInt(e.size)
		enc.PutInt(e.blocks)
		enc.PutInt(e.flags)
	}

	buf := make([]byte, v.sb.tableBlocks*v.sb.blockSize)
	copy(buf, enc.Finish())
	return block.Write(v.dev, v.sb.tableLBA, uint32(v.sb.tableBlocks), buf)
}

func (v *RamfsVolume) readTable() *kernel.Error {
	buf := make([]byte, v.sb.tableBlocks*v.sb.blockSize)
	if err := block.Read(v.dev, v.sb.tableLBA, uint32(v.sb.tableBlocks), buf); err != nil {
		return err
	}

	dec := marshal.NewDec(buf)
	for i := range v.entries {
		v.entries[i] = fileEntry{
			name:     decodeName(dec.GetInts(ramfsNameWords)),
			startLBA: dec.GetInt(),
			size:     dec.GetInt(),
			blocks:   dec.GetInt(),
			flags:    dec.GetInt(),
		}
	}
	return nil
}

// lookupOrCreate returns the table index of name, allocating a new extent
// for it when the file does not exist.
func (v *RamfsVolume) lookupOrCreate(name string) (int, *kernel.Error) {
	free := -1
	for i := range v.entries {
		e := &v.entries[i]
		if !e.inUse() {
			if free == -1 {
				free = i
			}
			continue
		}
		if e.name == name {
			return i, nil
		}
	}

	if free == -1 || v.sb.nextFree+v.sb.extentBlocks > v.sb.blockCount {
		return -1, errVolumeFull
	}

	v.entries[free] = fileEntry{
		name:     name,
		startLBA: v.sb.nextFree,
		blocks:   v.sb.extentBlocks,
		flags:    ramfsEntryInUse,
	}
	v.sb.nextFree += v.sb.extentBlocks

	if err := v.writeTable(); err != nil {
		return -1, err
	}
	if err := v.writeSuperblock(); err != nil {
		return -1, err
	}
	return free, nil
}

func validFileName(path string) (string, bool) {
	name := strings.TrimPrefix(path, "/")
	if name == "" || len(name) > RamfsMaxNameLen || strings.ContainsAny(name, "/\x00") {
		return "", false
	}
	return name, true
}

// NewRamfsDriver returns the ramfs driver. Devices are looked up by name in
// m. The "format" mount option formats the device before mounting it.
func NewRamfsDriver(m *io.Manager) *Driver {
	return &Driver{
		Name: RamfsName,
		Mount: func(device, options string) (Volume, *kernel.Error) {
			dev, err := m.FindDevice(device)
			if err != nil {
				return nil, err
			}

			for _, opt := range strings.Split(options, ",") {
				if strings.TrimSpace(opt) == ramfsFormatToken {
					if _, err = FormatRamfs(dev); err != nil {
						return nil, err
					}
				}
			}

			return openRamfs(dev)
		},
		Unmount: func(vol Volume) *kernel.Error {
			v := vol.(*RamfsVolume)
			irql := v.lock.Acquire()
			v.dev = nil
			v.lock.Release(irql)
			return nil
		},
		Open:  ramfsOpen,
		Close: func(File) *kernel.Error { return nil },
		Read:  ramfsRead,
		Write: ramfsWrite,
	}
}

func ramfsOpen(vol Volume, path string) (File, *kernel.Error) {
	v := vol.(*RamfsVolume)
	name, ok := validFileName(path)
	if !ok {
		return nil, errBadPath
	}

	irql := v.lock.Acquire()
	defer v.lock.Release(irql)

	if v.dev == nil {
		return nil, errVolumeUnmounted
	}

	idx, err := v.lookupOrCreate(name)
	if err != nil {
		return nil, err
	}
	return &ramfsFile{vol: v, index: idx}, nil
}

func ramfsRead(file File, buf []byte) (uint32, *kernel.Error) {
	f := file.(*ramfsFile)
	v := f.vol

	irql := v.lock.Acquire()
	defer v.lock.Release(irql)

	if v.dev == nil {
		return 0, errVolumeUnmounted
	}

	e := &v.entries[f.index]
	if f.pos >= e.size {
		return 0, nil
	}
	n := e.size - f.pos
	if uint64(len(buf)) < n {
		n = uint64(len(buf))
	}

	if err := v.transfer(e, f.pos, buf[:n], false); err != nil {
		return 0, err
	}
	f.pos += n
	return uint32(n), nil
}

func ramfsWrite(file File, buf []byte) (uint32, *kernel.Error) {
	f := file.(*ramfsFile)
	v := f.vol

	irql := v.lock.Acquire()
	defer v.lock.Release(irql)

	if v.dev == nil {
		return 0, errVolumeUnmounted
	}
	if len(buf) == 0 {
		return 0, nil
	}

	e := &v.entries[f.index]
	capacity := e.blocks * v.sb.blockSize
	if f.pos >= capacity {
		return 0, errFileFull
	}
	n := capacity - f.pos
	if uint64(len(buf)) < n {
		n = uint64(len(buf))
	}

	if err := v.transfer(e, f.pos, buf[:n], true); err != nil {
		return 0, err
	}
	f.pos += n

	if f.pos > e.size {
		e.size = f.pos
		if err := v.writeTable(); err != nil {
			return 0, err
		}
	}
	return uint32(n), nil
}

// transfer moves data between buf and the file extent starting at byte
// offset pos. Partial blocks are read, patched and written back.
func (v *RamfsVolume) transfer(e *fileEntry, pos uint64, buf []byte, write bool) *kernel.Error {
	bs := v.sb.blockSize
	scratch := make([]byte, bs)

	for done := uint64(0); done < uint64(len(buf)); {
		off := (pos + done) % bs
		lba := e.startLBA + (pos+done)/bs
		chunk := bs - off
		if rem := uint64(len(buf)) - done; rem < chunk {
			chunk = rem
		}

		if err := block.Read(v.dev, lba, 1, scratch); err != nil {
			return err
		}

		if write {
			copy(scratch[off:off+chunk], buf[done:done+chunk])
			if err := block.Write(v.dev, lba, 1, scratch); err != nil {
				return err
			}
		} else {
			copy(buf[done:done+chunk], scratch[off:off+chunk])
		}
		done += chunk
	}
	return nil
}
