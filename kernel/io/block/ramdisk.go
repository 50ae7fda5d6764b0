package block

import (
	"aurora/kernel"
	"aurora/kernel/io"

	"github.com/tchajed/goose/machine/disk"
)

// RamBlockSize is the block size of RAM disks.
const RamBlockSize = uint32(disk.BlockSize)

var (
	errRamDiskSize = &kernel.Error{Module: "block", Message: "RAM disk must hold at least one block", Status: kernel.StatusInvalidParameter}
	errSeedTooBig  = &kernel.Error{Module: "block", Message: "RAM disk seed exceeds the disk capacity", Status: kernel.StatusInsufficientResources}
)

// RamDisk is a block transport backed by an in-memory disk.
type RamDisk struct {
	d disk.Disk
}

// NewRamDisk allocates a zeroed RAM disk of blocks blocks and copies seed
// into its leading blocks.
func NewRamDisk(blocks uint64, seed []byte) (*RamDisk, *kernel.Error) {
	if blocks == 0 {
		return nil, errRamDiskSize
	}
	if uint64(len(seed)) > blocks*disk.BlockSize {
		return nil, errSeedTooBig
	}

	r := &RamDisk{d: disk.NewMemDisk(blocks)}
	for lba := uint64(0); lba*disk.BlockSize < uint64(len(seed)); lba++ {
		blk := make(disk.Block, disk.BlockSize)
		copy(blk, seed[lba*disk.BlockSize:])
		r.d.Write(lba, blk)
	}
	return r, nil
}

// Blocks returns the number of blocks of the disk.
func (r *RamDisk) Blocks() uint64 {
	return r.d.Size()
}

// Disk returns the underlying disk.
func (r *RamDisk) Disk() disk.Disk {
	return r.d
}

// AttachRamDisk creates a RAM disk and publishes it as a block device
// called name.
func AttachRamDisk(m *io.Manager, name string, blocks uint64, seed []byte) (*io.Device, *kernel.Error) {
	r, err := NewRamDisk(blocks, seed)
	if err != nil {
		return nil, err
	}

	return CreateDevice(m, name, &Extension{
		BlockSize:  RamBlockSize,
		BlockCount: blocks,
		Type:       TypeRAM,
		Transport:  r,
	})
}

func ramReadWrite(dev *io.Device, lba uint64, count uint32, buf []byte, write bool) *kernel.Error {
	r, ok := ExtensionOf(dev).Transport.(*RamDisk)
	if !ok {
		return errNotBlockDevice
	}

	for i := uint64(0); i < uint64(count); i++ {
		chunk := buf[i*disk.BlockSize : (i+1)*disk.BlockSize]
		if write {
			blk := make(disk.Block, disk.BlockSize)
			copy(blk, chunk)
			r.d.Write(lba+i, blk)
			continue
		}
		copy(chunk, r.d.Read(lba+i))
	}

	if write {
		r.d.Barrier()
	}
	return nil
}

func init() {
	_ = RegisterRwHandler(TypeRAM, ramReadWrite)
}
