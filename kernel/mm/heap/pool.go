package heap

import (
	"aurora/kernel"
	"aurora/kernel/sync"
	"unsafe"
)

// PoolType selects one of the kernel pools.
type PoolType uint32

// Kernel pools.
const (
	NonPagedPool PoolType = iota
	PagedPool
	NonPagedExecutePool
	SessionPool

	poolTypeCount
)

// String implements fmt.Stringer for PoolType.
func (t PoolType) String() string {
	switch t {
	case NonPagedPool:
		return "NonPaged"
	case PagedPool:
		return "Paged"
	case NonPagedExecutePool:
		return "NonPagedExecute"
	case SessionPool:
		return "Session"
	default:
		return "invalid"
	}
}

const (
	// PoolSignature is written into every pool header ("POOL").
	PoolSignature = uint32(0x504f4f4c)

	// DefaultTag is used by AllocatePool.
	DefaultTag = uint32(0x656e6f4e) // "None"

	poolHeaderSize = unsafe.Sizeof(poolHeader{})
)

// poolHeader prefixes every pool block. It is 32 bytes.
type poolHeader struct {
	size      uint64
	poolType  PoolType
	signature uint32
	next      uintptr
	tag       uint32
	_         uint32
}

// Block describes a pool allocation.
type Block struct {
	Address  uintptr
	Size     uintptr
	PoolType PoolType
	Tag      uint32
}

// PoolStats holds the counters of a single pool.
type PoolStats struct {
	Allocations uint64
	Frees       uint64
	BytesInUse  uint64
	Blocks      uint64
}

var (
	errInvalidPoolType = &kernel.Error{Module: "pool", Message: "invalid pool type", Status: kernel.StatusInvalidParameter}
	errPoolZeroSize    = &kernel.Error{Module: "pool", Message: "zero-size pool allocation", Status: kernel.StatusInvalidParameter}
	errPoolNotFound    = &kernel.Error{Module: "pool", Message: "address does not belong to the pool", Status: kernel.StatusNotFound}
	errPoolCorrupted   = &kernel.Error{Module: "pool", Message: "pool header corrupted", Status: kernel.StatusInvalidParameter}
)

// Pools manages the four kernel pools. Each pool links the headers of its
// live blocks so every allocation can be traced back to its pool and tag.
type Pools struct {
	lock sync.Spinlock

	heap  *Heap
	heads [poolTypeCount]uintptr
	stats [poolTypeCount]PoolStats
}

// NewPools returns pools whose blocks are carved out of h.
func NewPools(h *Heap) *Pools {
	return &Pools{heap: h}
}

// AllocatePool allocates size bytes from the pool using DefaultTag.
func (p *Pools) AllocatePool(poolType PoolType, size uintptr) (uintptr, *kernel.Error) {
	return p.AllocatePoolWithTag(poolType, size, DefaultTag)
}

// AllocatePoolWithTag allocates size zeroed bytes from the pool and records
// tag in the block header. It returns the address right after the header.
func (p *Pools) AllocatePoolWithTag(poolType PoolType, size uintptr, tag uint32) (uintptr, *kernel.Error) {
	if poolType >= poolTypeCount {
		return 0, errInvalidPoolType
	}
	if size == 0 {
		return 0, errPoolZeroSize
	}

	hdrAddr, err := p.heap.AllocZero(poolHeaderSize + size)
	if err != nil {
		return 0, err
	}

	irql := p.lock.Acquire()
	defer p.lock.Release(irql)

	hdr := headerAt(hdrAddr)
	hdr.size = uint64(size)
	hdr.poolType = poolType
	hdr.signature = PoolSignature
	hdr.tag = tag
	hdr.next = p.heads[poolType]
	p.heads[poolType] = hdrAddr

	stats := &p.stats[poolType]
	stats.Allocations++
	stats.Blocks++
	stats.BytesInUse += uint64(size)

	return hdrAddr + poolHeaderSize, nil
}

// FreePool unlinks the block at addr from the pool. The underlying heap
// memory is not reused.
func (p *Pools) FreePool(addr uintptr, poolType PoolType) *kernel.Error {
	if poolType >= poolTypeCount {
		return errInvalidPoolType
	}
	if addr < poolHeaderSize {
		return errPoolNotFound
	}

	target := addr - poolHeaderSize

	irql := p.lock.Acquire()
	for link := &p.heads[poolType]; *link != 0; link = &headerAt(*link).next {
		if *link != target {
			continue
		}

		hdr := headerAt(target)
		*link = hdr.next
		hdr.next = 0

		stats := &p.stats[poolType]
		stats.Frees++
		stats.Blocks--
		stats.BytesInUse -= hdr.size
		p.lock.Release(irql)

		p.heap.Free(target)
		return nil
	}
	p.lock.Release(irql)

	return errPoolNotFound
}

// Walk invokes fn for every live block of the pool, most recent first,
// until fn returns false.
func (p *Pools) Walk(poolType PoolType, fn func(Block) bool) *kernel.Error {
	if poolType >= poolTypeCount {
		return errInvalidPoolType
	}

	irql := p.lock.Acquire()
	defer p.lock.Release(irql)

	for cur := p.heads[poolType]; cur != 0; {
		hdr := headerAt(cur)
		next := hdr.next
		if !fn(Block{Address: cur + poolHeaderSize, Size: uintptr(hdr.size), PoolType: hdr.poolType, Tag: hdr.tag}) {
			break
		}
		cur = next
	}

	return nil
}

// Validate checks that every header carries the pool signature and belongs
// to the list it is linked into.
func (p *Pools) Validate() *kernel.Error {
	irql := p.lock.Acquire()
	defer p.lock.Release(irql)

	for poolType := PoolType(0); poolType < poolTypeCount; poolType++ {
		var blocks uint64
		for cur := p.heads[poolType]; cur != 0; cur = headerAt(cur).next {
			hdr := headerAt(cur)
			if hdr.signature != PoolSignature || hdr.poolType != poolType || !p.heap.Contains(cur) {
				return errPoolCorrupted
			}

			if blocks++; blocks > p.stats[poolType].Blocks {
				// a cycle or a stray link
				return errPoolCorrupted
			}
		}

		if blocks != p.stats[poolType].Blocks {
			return errPoolCorrupted
		}
	}

	return nil
}

// Stats returns the counters of a pool.
func (p *Pools) Stats(poolType PoolType) PoolStats {
	if poolType >= poolTypeCount {
		return PoolStats{}
	}
	return p.stats[poolType]
}

func headerAt(addr uintptr) *poolHeader {
	return (*poolHeader)(unsafe.Pointer(addr))
}
