package fs

import (
	"sync"

	"github.com/elastic/go-freelru"
	"github.com/google/btree"

	"github.com/coldtrie/bcachefs-go/fsutil"
)

// inodeKey is the InodeCache's lookup key: (subvol, inum).
type inodeKey struct {
	subvol uint32
	inum   uint64
}

func hashInodeKey(k inodeKey) uint32 {
	h := uint64(k.subvol)*0x9E3779B97F4A7C15 + k.inum
	h ^= h >> 33
	h *= 0xFF51AFD7ED558CCD
	h ^= h >> 33
	return uint32(h)
}

// entrySlot is what InodeCache actually stores per key: the cached
// inode plus the freeing-in-flight bit C6's find/remove protocol needs.
// A slot has no condition of its own: waiters block on InodeCache.cond,
// which every slot shares.
type entrySlot struct {
	inode   *CachedInode
	freeing bool
}

// subvolEntry is one bySubvol btree leaf: the key it's hashed under
// (inum ordering is enough to compare, since a given btree only ever
// holds one subvolume's entries) plus the slot itself, so Evict's walk
// doesn't need a second lookup.
type subvolEntry struct {
	key  inodeKey
	slot *entrySlot
}

func lessSubvolEntry(a, b subvolEntry) bool { return a.key.inum < b.key.inum }

// InodeCache is the concurrent hash table from spec.md §4.6, keyed by
// (subvol, inum). github.com/elastic/go-freelru supplies the backing
// storage (bounded, LRU-evicting); InodeCache layers its own
// find/insert-race/remove protocol and the vfs_inodes_lock-equivalent
// per-subvolume membership index on top, since freelru alone has no
// notion of "wait for a slot mid-removal" or "bulk-evict one
// subvolume's entries." bySubvol itself is backed by
// github.com/google/btree rather than a plain map so Evict's bulk walk
// runs in inum order, the same order a real vfs_inodes_lock linked-list
// walk would visit entries in.
type InodeCache struct {
	mu   sync.Mutex
	cond *sync.Cond
	lru  *freelru.LRU[inodeKey, *entrySlot]

	// bySubvol mirrors vfs_inodes_lock's linked list: every currently
	// hashed entry, grouped by subvolume, for Evict's bulk walk.
	bySubvol map[uint32]*btree.BTreeG[subvolEntry]

	// OnHit/OnMiss/OnWait are optional observation hooks Find calls on
	// every lookup outcome. nil by default; cmd/bcachefs-acctd wires
	// them to metrics.Collectors at startup. Kept as plain func fields
	// rather than a hard metrics import so this package stays free of
	// a prometheus dependency on its own.
	OnHit  func()
	OnMiss func()
	OnWait func()
}

// NewInodeCache builds an InodeCache bounded to capacity entries.
func NewInodeCache(capacity uint32) (*InodeCache, error) {
	lru, err := freelru.New[inodeKey, *entrySlot](capacity, hashInodeKey)
	if err != nil {
		return nil, fsutil.Wrap(fsutil.CodeOutOfMemory, "fs: allocate inode cache", err)
	}
	c := &InodeCache{lru: lru, bySubvol: make(map[uint32]*btree.BTreeG[subvolEntry])}
	c.cond = sync.NewCond(&c.mu)
	return c, nil
}

// Find looks up (subvol, inum). If the located entry is mid-removal it
// waits on the per-table condition until that resolves, then returns
// fsutil.ErrTransactionRestart: per spec.md §4.6/§5, waiting on a
// freeing entry is a suspension point, and the caller's transaction
// must restart from the top rather than trust any state it read before
// the wait.
func (c *InodeCache) Find(subvol uint32, inum uint64) (*CachedInode, error) {
	key := inodeKey{subvol, inum}
	c.mu.Lock()
	defer c.mu.Unlock()

	slot, ok := c.lru.Get(key)
	if !ok {
		if c.OnMiss != nil {
			c.OnMiss()
		}
		return nil, nil
	}
	if !slot.freeing {
		if c.OnHit != nil {
			c.OnHit()
		}
		return slot.inode, nil
	}
	if c.OnWait != nil {
		c.OnWait()
	}
	for slot.freeing {
		c.cond.Wait()
		slot, ok = c.lru.Get(key)
		if !ok {
			break
		}
	}
	return nil, fsutil.ErrTransactionRestart
}

// Insert attempts to hash entry under (subvol, inum). If another
// goroutine already inserted that key first, the existing entry wins:
// Insert discards entry and returns the existing one, so exactly one
// CachedInode for a given key is ever live (spec.md §4.6's insert-race
// rule).
func (c *InodeCache) Insert(subvol uint32, inum uint64, entry *CachedInode) *CachedInode {
	key := inodeKey{subvol, inum}
	c.mu.Lock()
	defer c.mu.Unlock()

	if slot, ok := c.lru.Get(key); ok && !slot.freeing {
		return slot.inode
	}

	slot := &entrySlot{inode: entry}
	c.lru.Add(key, slot)
	if c.bySubvol[subvol] == nil {
		c.bySubvol[subvol] = btree.NewG[subvolEntry](32, lessSubvolEntry)
	}
	c.bySubvol[subvol].ReplaceOrInsert(subvolEntry{key: key, slot: slot})
	return entry
}

// Remove is idempotent: removing an already-removed or already-freeing
// key is a no-op, matching the one-shot HASHED flag in spec.md §4.6.
func (c *InodeCache) Remove(subvol uint32, inum uint64) {
	key := inodeKey{subvol, inum}
	c.mu.Lock()
	defer c.mu.Unlock()

	slot, ok := c.lru.Get(key)
	if !ok || slot.freeing {
		return
	}
	slot.freeing = true
	c.lru.Remove(key)
	if bt := c.bySubvol[subvol]; bt != nil {
		bt.Delete(subvolEntry{key: key})
	}
	c.cond.Broadcast()
}

// Evict bulk-removes every cached entry belonging to subvol — the
// supplemented bch2_evict_subvolume_inodes operation (SPEC_FULL.md's
// C6 supplement), used when a subvolume is deleted or its snapshot
// scope is torn down.
func (c *InodeCache) Evict(subvol uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if bt := c.bySubvol[subvol]; bt != nil {
		bt.Ascend(func(e subvolEntry) bool {
			e.slot.freeing = true
			c.lru.Remove(e.key)
			return true
		})
	}
	delete(c.bySubvol, subvol)
	c.cond.Broadcast()
}

// Len reports the number of currently hashed entries.
func (c *InodeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
