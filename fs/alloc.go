package fs

import (
	"sync/atomic"
	"unsafe"
)

// InumAllocator hands out fresh inode numbers with a CPU-sharded hint
// (spec.md §4.5 create's "allocate inode number (CPU-sharded hint to
// reduce contention)"): each shard owns its own atomic counter, and the
// shard a given call lands on is picked the same stack-address-hash way
// accounting.PerCPUVec picks its shard, so concurrent creates spread
// across shards instead of serializing on one counter.
type InumAllocator struct {
	shards []uint64
}

// NewInumAllocator builds an allocator with the given shard count
// (typically GOMAXPROCS). Shard 0's counter is seeded at RootInum so
// its first allocation can never collide with the reserved root inode
// number; every other shard already starts above RootInum once its
// index is folded into the high bits.
func NewInumAllocator(shards int) *InumAllocator {
	if shards < 1 {
		shards = 1
	}
	a := &InumAllocator{shards: make([]uint64, shards)}
	a.shards[0] = RootInum
	return a
}

func allocShardIndex(nShards int) int {
	var probe byte
	return int(uintptr(unsafe.Pointer(&probe))) % nShards
}

// Next returns a fresh, globally unique inode number: the chosen
// shard's index in the high bits, its per-shard counter in the low
// bits.
func (a *InumAllocator) Next() uint64 {
	idx := allocShardIndex(len(a.shards))
	next := atomic.AddUint64(&a.shards[idx], 1)
	return (uint64(idx) << 56) | next
}
