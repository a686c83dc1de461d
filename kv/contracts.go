// Package kv holds the collaborator contracts the accounting and fs
// packages are built against: the storage tree, the write buffer, the
// journal, the replica registry, the superblock usage counters and the
// snapshot-aware hash index. These are "out of scope" in the spec
// (storage engine, journal, etc. belong to lower layers not covered by
// this excerpt) — kv only fixes their contracts and ships one concrete,
// in-process implementation (MemTree, backed by tidwall/btree) good
// enough to exercise and test the accounting/fs packages against.
package kv

import (
	"bytes"
	"context"
)

// TreeID names one of the four indexed trees the namespace layer
// coordinates across, plus the accounting tree.
type TreeID uint8

const (
	TreeAccounting TreeID = iota
	TreeInode
	TreeDirent
	TreeSubvolume
	TreeXattr
)

func (t TreeID) String() string {
	switch t {
	case TreeAccounting:
		return "accounting"
	case TreeInode:
		return "inode"
	case TreeDirent:
		return "dirent"
	case TreeSubvolume:
		return "subvolume"
	case TreeXattr:
		return "xattr"
	default:
		return "unknown"
	}
}

// VersionStamp is (journal_sequence, offset_in_journal_buffer) from
// spec.md §3: monotone per commit, never zero on a valid update.
type VersionStamp struct {
	Seq    uint64
	Offset uint32
}

func (v VersionStamp) IsZero() bool { return v.Seq == 0 && v.Offset == 0 }

// Less gives VersionStamp a total order for "CTE's version is >= the
// journal key's version" comparisons during replay.
func (v VersionStamp) Less(o VersionStamp) bool {
	if v.Seq != o.Seq {
		return v.Seq < o.Seq
	}
	return v.Offset < o.Offset
}

func (v VersionStamp) GreaterOrEqual(o VersionStamp) bool {
	return !v.Less(o)
}

// Record is one (key, value) pairing as returned by an Iterator, tagged
// with the snapshot it was found at and the version it was written
// with.
type Record struct {
	Key      []byte
	Value    []byte
	Snapshot uint32
	Version  VersionStamp
}

// Iterator is the storage-tree collaborator's cursor contract (§6):
// peek_slot, peek_upto, set_pos, set_snapshot, traverse, advance.
type Iterator interface {
	SetPos(key []byte)
	SetSnapshot(snapshot uint32)
	// Traverse (re)locates the iterator at its current (pos, snapshot)
	// after structural changes or a dropped transaction; a suspension
	// point per §5 invalidates any outstanding iterator until this is
	// called again.
	Traverse(ctx context.Context) error
	Advance(ctx context.Context) error
	PeekSlot(ctx context.Context) (Record, bool, error)
	PeekUpTo(ctx context.Context, end []byte) (Record, bool, error)
}

// Tree is the storage-tree collaborator contract: iterators keyed by
// (tree_id, pos, snapshot); point reads/writes for the namespace trees
// (accounting trees use the delta semantics on WriteBuffer instead).
type Tree interface {
	NewIterator(treeID TreeID) Iterator
	Get(ctx context.Context, treeID TreeID, key []byte, snapshot uint32) (Record, bool, error)
	Set(ctx context.Context, treeID TreeID, key []byte, snapshot uint32, value []byte, version VersionStamp) error
	Delete(ctx context.Context, treeID TreeID, key []byte, snapshot uint32) error
}

// WriteBufferItem is one deferred write: for TreeAccounting, Value is
// interpreted as a delta to apply additively to the existing value at
// Key (or inserted as zero+delta if absent); for every other tree it is
// a point write.
type WriteBufferItem struct {
	TreeID   TreeID
	Key      []byte
	Snapshot uint32
	Value    []byte
}

// WriteBuffer is the deferred-write staging area in front of the
// storage tree (§6). Flush assigns a single monotone VersionStamp to
// the whole batch, matching "the commit path assigns a monotone version
// stamp" in §4.3.
type WriteBuffer interface {
	Enqueue(items ...WriteBufferItem)
	Flush(ctx context.Context) (VersionStamp, error)
}

// JournalEntry is one pending accounting key as supplied by the journal
// at mount (§6): "a journal_keys list in insertion order, each tagged
// with a version stamp".
type JournalEntry struct {
	Key     []byte
	Value   []byte
	Version VersionStamp
}

// Journal supplies the pending accounting keys seen at mount, in
// insertion order, for C4's replay to dedupe against the accounting
// tree's on-disk values.
type Journal interface {
	PendingAccounting() []JournalEntry
	Drop(key []byte)
}

// ReplicaRegistry is the superblock's set of marked replicas (§6):
// mark, marked, validate.
type ReplicaRegistry interface {
	Mark(entry []byte) error
	Marked(entry []byte) bool
	Validate(entry []byte) error
}

// UsageShard is the fs_usage_base derived structure from §4.7: hidden,
// btree, data, cached, reserved, nr_inodes, kept per-CPU and folded at
// commit time.
type UsageShard struct {
	Hidden    int64
	Btree     int64
	Data      int64
	Cached    int64
	Reserved  int64
	NrInodes  int64
}

func (u *UsageShard) Add(o UsageShard) {
	u.Hidden += o.Hidden
	u.Btree += o.Btree
	u.Data += o.Data
	u.Cached += o.Cached
	u.Reserved += o.Reserved
	u.NrInodes += o.NrInodes
}

// DeviceUsage is one device's per-data-type counters (buckets, sectors,
// fragmented), the "typed per-device counters" of §4.3 step 4.
type DeviceUsage struct {
	Buckets    int64
	Sectors    int64
	Fragmented int64
}

// SuperblockUsage is the superblock usage-counters collaborator (§6).
type SuperblockUsage interface {
	FoldFsUsage(delta UsageShard)
	FsUsage() UsageShard
	FoldDeviceUsage(dev uint32, dataType uint8, delta DeviceUsage)
	DeviceUsage(dev uint32, dataType uint8) DeviceUsage
}

// HashEntry is one (name, value) pairing under a parent, as returned by
// HashIndex.List — the readdir enumeration spec.md §6 expects a dirent
// index to support alongside point lookup.
type HashEntry struct {
	Offset uint64
	Name   string
	Value  []byte
}

// HashIndex is the open-addressed, string-keyed, snapshot-aware dirent
// index (§6): lookup, create(must_create), delete_at, list. Lookup
// returns the entry's slot offset alongside its value so a caller that
// wants to remove or rename what it just found (fs's unlink/rename) can
// address it with DeleteAt without a second scan.
type HashIndex interface {
	Lookup(ctx context.Context, parent uint64, name string, snapshot uint32) (offset uint64, value []byte, found bool, err error)
	Create(ctx context.Context, parent uint64, name string, snapshot uint32, value []byte, mustCreate bool) (offset uint64, err error)
	DeleteAt(ctx context.Context, parent uint64, offset uint64, snapshot uint32) error
	List(ctx context.Context, parent uint64, snapshot uint32) ([]HashEntry, error)
	// GetAt recovers the (name, value) at a known (parent, offset) slot
	// — what path reverse-walk needs to turn an inode's back-pointer
	// (bi_dir, bi_dir_offset) into the name it was reached by.
	GetAt(ctx context.Context, parent uint64, offset uint64, snapshot uint32) (name string, value []byte, found bool, err error)
}

func compareKeys(a, b []byte) int { return bytes.Compare(a, b) }
