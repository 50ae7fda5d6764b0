package heap

import (
	"aurora/kernel"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolHeaderLayout(t *testing.T) {
	assert.Equal(t, uintptr(32), poolHeaderSize)
}

func TestAllocatePool(t *testing.T) {
	h := newTestHeap(t, 8192)
	pools := NewPools(h)

	a, err := pools.AllocatePool(NonPagedPool, 100)
	require.Nil(t, err)
	b, err := pools.AllocatePoolWithTag(NonPagedPool, 40, 0x74736554)
	require.Nil(t, err)
	c, err := pools.AllocatePool(PagedPool, 8)
	require.Nil(t, err)

	hdr := headerAt(a - poolHeaderSize)
	assert.Equal(t, PoolSignature, hdr.signature)
	assert.Equal(t, uint64(100), hdr.size)
	assert.Equal(t, NonPagedPool, hdr.poolType)

	// raw signature bytes are "LOOP" in memory order
	raw := (*[32]byte)(unsafe.Pointer(a - poolHeaderSize))
	assert.Equal(t, []byte{0x4c, 0x4f, 0x4f, 0x50}, raw[12:16])

	var blocks []Block
	require.Nil(t, pools.Walk(NonPagedPool, func(blk Block) bool {
		blocks = append(blocks, blk)
		return true
	}))
	assert.Equal(t, []Block{
		{Address: b, Size: 40, PoolType: NonPagedPool, Tag: 0x74736554},
		{Address: a, Size: 100, PoolType: NonPagedPool, Tag: DefaultTag},
	}, blocks)

	assert.Equal(t, PoolStats{Allocations: 2, Blocks: 2, BytesInUse: 140}, pools.Stats(NonPagedPool))
	assert.Equal(t, PoolStats{Allocations: 1, Blocks: 1, BytesInUse: 8}, pools.Stats(PagedPool))
	assert.Nil(t, pools.Validate())

	// the block memory is zeroed and usable
	for i := uintptr(0); i < 8; i++ {
		assert.Zero(t, *(*byte)(unsafe.Pointer(c + i)))
	}
}

func TestFreePool(t *testing.T) {
	h := newTestHeap(t, 8192)
	pools := NewPools(h)

	var addrs []uintptr
	for i := 0; i < 3; i++ {
		addr, err := pools.AllocatePool(SessionPool, 16)
		require.Nil(t, err)
		addrs = append(addrs, addr)
	}

	// unlink from the middle of the list
	require.Nil(t, pools.FreePool(addrs[1], SessionPool))

	var seen []uintptr
	pools.Walk(SessionPool, func(blk Block) bool {
		seen = append(seen, blk.Address)
		return true
	})
	assert.Equal(t, []uintptr{addrs[2], addrs[0]}, seen)

	// double free and wrong pool are rejected
	assert.Equal(t, errPoolNotFound, pools.FreePool(addrs[1], SessionPool))
	assert.Equal(t, errPoolNotFound, pools.FreePool(addrs[0], PagedPool))
	assert.Equal(t, errPoolNotFound, pools.FreePool(8, SessionPool))
	assert.Equal(t, kernel.StatusNotFound, kernel.StatusOf(pools.FreePool(0xdead0, SessionPool)))

	require.Nil(t, pools.FreePool(addrs[2], SessionPool))
	require.Nil(t, pools.FreePool(addrs[0], SessionPool))

	assert.Equal(t, PoolStats{Allocations: 3, Frees: 3}, pools.Stats(SessionPool))
	assert.Equal(t, uint64(3), h.Stats().Deallocations)
	assert.Nil(t, pools.Validate())
}

func TestPoolErrors(t *testing.T) {
	pools := NewPools(newTestHeap(t, 256))

	_, err := pools.AllocatePool(PoolType(4), 8)
	assert.Equal(t, errInvalidPoolType, err)
	_, err = pools.AllocatePool(PagedPool, 0)
	assert.Equal(t, errPoolZeroSize, err)
	_, err = pools.AllocatePool(PagedPool, 512)
	assert.Equal(t, errHeapExhausted, err)

	assert.Equal(t, errInvalidPoolType, pools.FreePool(0x1000, PoolType(9)))
	assert.Equal(t, errInvalidPoolType, pools.Walk(PoolType(9), func(Block) bool { return true }))
	assert.Equal(t, PoolStats{}, pools.Stats(PoolType(9)))
	assert.Equal(t, "invalid", PoolType(9).String())
	assert.Equal(t, "NonPagedExecute", NonPagedExecutePool.String())
}

func TestPoolValidateDetectsCorruption(t *testing.T) {
	pools := NewPools(newTestHeap(t, 1024))

	a, err := pools.AllocatePool(NonPagedExecutePool, 8)
	require.Nil(t, err)
	require.Nil(t, pools.Validate())

	hdr := headerAt(a - poolHeaderSize)
	hdr.signature = 0
	assert.Equal(t, errPoolCorrupted, pools.Validate())

	hdr.signature = PoolSignature
	hdr.poolType = PagedPool
	assert.Equal(t, errPoolCorrupted, pools.Validate())

	hdr.poolType = NonPagedExecutePool
	hdr.next = a - poolHeaderSize
	assert.Equal(t, errPoolCorrupted, pools.Validate(), "self-referencing link")
}

func TestWalkStopsEarly(t *testing.T) {
	pools := NewPools(newTestHeap(t, 1024))
	for i := 0; i < 4; i++ {
		_, err := pools.AllocatePool(PagedPool, 8)
		require.Nil(t, err)
	}

	var visited int
	pools.Walk(PagedPool, func(Block) bool {
		visited++
		return visited < 2
	})
	assert.Equal(t, 2, visited)
}
