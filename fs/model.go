// Package fs implements the namespace-mutation transactions (C5), the
// inode-cache hash table (C6) and the path reverse-walk (C7), plus the
// abstract Inode/Dirent/Subvolume data model they share.
//
// Grounded on original_source/libbcachefs/{fs.c,fs-common.c,
// fs-common.h}, which split the same data into bch_inode_unpacked
// (plain, on-disk-shaped data — mirrored here as Inode) and
// bch_inode_info (the VFS-facing cached wrapper — mirrored here as
// CachedInode).
package fs

import (
	"sync"
	"sync/atomic"
)

// InodeFlags are the persisted bits of Inode.Flags.
type InodeFlags uint32

const (
	// InodeUnlinked marks a tmpfile-created inode that has no dirent
	// (spec.md §4.5's create TMPFILE path).
	InodeUnlinked InodeFlags = 1 << iota
)

// File-type bits of Inode.Mode, a deliberately small subset — enough to
// distinguish directories, regular files, symlinks and the
// char-device-typed whiteout marker rename's WHITEOUT flag creates
// (spec.md §6).
const (
	ModeTypeMask = 0xF000
	ModeDir      = 0x4000
	ModeReg      = 0x8000
	ModeLnk      = 0xA000
	ModeChr      = 0x2000

	// WhiteoutMode is the well-known mode constant of a whiteout. Rename's
	// WHITEOUT mode does not use it: the dirent it leaves behind at the
	// source name is marked only by its DirentWhiteout type.
	WhiteoutMode = ModeChr
)

// Inode is the plain, on-disk-shaped inode record (spec.md §3's
// "Inode (abstract)"), supplemented from fs.c with the fields the
// distilled spec only gestures at ("timestamps", "back-pointer",
// "projection/quota ids"):
//   - four timestamps (atime/mtime/ctime/otime), not three
//   - DirOffset, not just a directory inum
//   - Generation, used by the export-fid encoding (§6, out of scope
//     here but the field must round-trip)
//   - Project, an opaque quota/project id (quota bookkeeping itself is
//     out of scope, but fs.SetAttr must not clobber it)
type Inode struct {
	Subvol uint32
	Inum   uint64

	Mode uint32
	UID  uint32
	GID  uint32
	Rdev uint32

	Nlink   uint32
	Size    uint64
	Sectors uint64

	Atime int64
	Mtime int64
	Ctime int64
	Otime int64

	// Back-pointer: the dirent that names this inode.
	DirInum   uint64
	DirOffset uint64

	ParentSubvol uint32
	// SubvolRoot is non-zero when this inode is itself a subvolume
	// root, naming the subvolume it roots.
	SubvolRoot uint32

	Depth uint16
	Flags InodeFlags

	Generation uint32
	Project    uint32
}

func (i *Inode) IsDir() bool  { return i.Mode&ModeTypeMask == ModeDir }
func (i *Inode) IsReg() bool  { return i.Mode&ModeTypeMask == ModeReg }
func (i *Inode) IsSubvolumeRoot() bool { return i.SubvolRoot != 0 }
func (i *Inode) Unlinked() bool        { return i.Flags&InodeUnlinked != 0 }

// HasBackpointer reports whether bi_dir is set — non-tmpfile inodes
// should always have one (spec.md §8's back-pointer mutual-consistency
// property).
func (i *Inode) HasBackpointer() bool { return i.DirInum != 0 }

// DirentType distinguishes what a Dirent's target is.
type DirentType uint8

const (
	DirentRegular DirentType = iota
	DirentDir
	DirentSubvol
	DirentWhiteout
)

// Dirent is {(parent_inum, hash_offset, snapshot) -> target}, spec.md
// §3.
type Dirent struct {
	ParentInum uint64
	HashOffset uint64
	Snapshot   uint32

	TargetInum   uint64
	TargetSubvol uint32
	Type         DirentType
	Name         string
}

// Subvolume is {id, root_inode, fs_path_parent, is_snapshot, is_ro},
// spec.md §3.
type Subvolume struct {
	ID           uint32
	RootInode    uint64
	FsPathParent uint32
	IsSnapshot   bool
	IsRO         bool
}

// CachedInode wraps Inode with the VFS-facing state C6 manages: an
// update lock serializing concurrent operations on the same inode's
// on-disk image, a reference count, and hash-table linkage. The
// page-cache stand-in is a plain offset->bytes map; real buffered I/O
// is out of scope (spec.md §1).
type CachedInode struct {
	UpdateLock sync.Mutex

	mu        sync.Mutex
	inode     Inode
	refs      int32
	hashed    bool
	pageCache map[int64][]byte
}

// NewCachedInode wraps inode for insertion into an InodeCache.
func NewCachedInode(inode Inode) *CachedInode {
	return &CachedInode{inode: inode, refs: 1}
}

func (c *CachedInode) Inode() Inode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inode
}

func (c *CachedInode) SetInode(i Inode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inode = i
}

func (c *CachedInode) Ref() int32   { return atomic.AddInt32(&c.refs, 1) }
func (c *CachedInode) Unref() int32 { return atomic.AddInt32(&c.refs, -1) }

// ReadPage/WritePage are the page-cache stand-in the cached inode owns.
func (c *CachedInode) ReadPage(offset int64) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.pageCache[offset]
	return b, ok
}

func (c *CachedInode) WritePage(offset int64, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pageCache == nil {
		c.pageCache = make(map[int64][]byte)
	}
	c.pageCache[offset] = append([]byte(nil), data...)
}

// DropPagesFrom discards cached pages at or beyond offset, used by
// SetAttr's truncate path.
func (c *CachedInode) DropPagesFrom(offset int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for off := range c.pageCache {
		if off >= offset {
			delete(c.pageCache, off)
		}
	}
}
