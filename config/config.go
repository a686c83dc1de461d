// Copyright 2024 The Erigon Authors
// This file is part of Erigon.
//
// Erigon is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Erigon is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Erigon. If not, see <http://www.gnu.org/licenses/>.

// Package config holds the tunables spec.md §9's design notes left as
// open questions instead of magic numbers: the avail_inodes divisor
// and the GC/cache sizing knobs a mount-time operator would want to
// set without a rebuild. Loaded from TOML with
// github.com/pelletier/go-toml/v2, the way erigon-lib's own config
// surfaces use it, with github.com/c2h5oh/datasize for human-typed
// size fields ("64B", "4MiB") instead of raw integers.
package config

import (
	"os"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/pelletier/go-toml/v2"

	"github.com/coldtrie/bcachefs-go/mathutil"
)

// Tunables is the full set of knobs this mount's FsHandle is
// configured with. Zero-value Tunables is invalid; callers must go
// through Default() or Load() so every field gets an explicit value.
type Tunables struct {
	// AvgInodeSize resolves spec.md §9's first open question: the
	// source computed avail_inodes from a hardcoded 64-byte average
	// inode assumption smuggled into a shift (`(capacity-used) << 3`).
	// Here it is an explicit, documented tunable instead.
	AvgInodeSize datasize.ByteSize `toml:"avg_inode_size"`

	// InodeCacheCapacity bounds fs.InodeCache's backing freelru store.
	InodeCacheCapacity uint32 `toml:"inode_cache_capacity"`

	// InumAllocatorShards is the number of CPU-sharded hint buckets
	// fs.InumAllocator stripes across. accounting.PerCPUVec does not use
	// it; its shard count comes from GOMAXPROCS.
	InumAllocatorShards int `toml:"inum_allocator_shards"`

	// GCConcurrency bounds accounting.GC's parallel shadow-recount
	// fan-out (errgroup.Group.SetLimit). Zero means unbounded.
	GCConcurrency int `toml:"gc_concurrency"`

	// RetryMaxInterval caps the backoff delay between successive
	// transaction-restart retries. Applied by assigning
	// fsutil.MaxRetryInterval once at mount time; MaxElapsedTime
	// itself is never configurable — retries never expire, only the
	// delay between them is bounded, per spec.md §5 "no timeouts in
	// the core".
	RetryMaxInterval time.Duration `toml:"retry_max_interval"`
}

// Default returns the tunables a fresh mount uses absent a config
// file: a 64-byte average inode (matching the source's assumption,
// now named instead of buried in a shift), an unbounded GC fan-out,
// and a modest inode-cache capacity sized for a single-host workload.
func Default() Tunables {
	return Tunables{
		AvgInodeSize:        64 * datasize.B,
		InodeCacheCapacity:  1 << 16,
		InumAllocatorShards: 16,
		GCConcurrency:       0,
		RetryMaxInterval:    5 * time.Second,
	}
}

// Load reads tunables from a TOML file at path, starting from
// Default() so an omitted field keeps its default rather than
// zeroing out.
func Load(path string) (Tunables, error) {
	t := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Tunables{}, err
	}
	if err := toml.Unmarshal(data, &t); err != nil {
		return Tunables{}, err
	}
	return t, nil
}

// AvailInodes is spec.md §9's avail_inodes computation, with the
// magic number replaced by t.AvgInodeSize: free bytes divided by the
// configured average inode size, rounded up so a partially-filled
// final inode's worth of space still counts as one available inode.
func (t Tunables) AvailInodes(capacityBytes, usedBytes int64) int64 {
	free := capacityBytes - usedBytes
	if free <= 0 {
		return 0
	}
	avg := int64(t.AvgInodeSize)
	if avg <= 0 {
		avg = int64(Default().AvgInodeSize)
	}
	return mathutil.CeilDiv(free, avg)
}
