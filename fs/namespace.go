package fs

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/coldtrie/bcachefs-go/accounting"
	"github.com/coldtrie/bcachefs-go/fsutil"
	"github.com/coldtrie/bcachefs-go/kv"
	"github.com/coldtrie/bcachefs-go/mathutil"
)

// nowNanos is the one place namespace operations read wall-clock time,
// so tests can see exactly which fields a given operation touches.
func nowNanos() int64 { return time.Now().UnixNano() }

// Namespace is C5: the multi-index transactional operations
// (create/link/unlink/rename) spec.md §4.5 describes as "locking-order
// disciplined, multi-B-tree updates, wrapped in the same
// commit-and-restart envelope as everything else." Grounded on
// original_source/libbcachefs/fs-common.c's
// bch2_{create,link,unlink,rename}_trans functions.
type Namespace struct {
	Tree       kv.Tree
	Hash       kv.HashIndex
	Accounting *accounting.Pipeline
	Cache      *InodeCache
	Inums      *InumAllocator

	seq          uint64
	nextSubvolID uint32
}

// NewNamespace wires a Namespace against its storage, hash-index,
// accounting pipeline, inode cache and inode-number allocator.
// nextSubvolID is seeded past RootSubvol so the first subvolume created
// doesn't collide with the reserved root subvolume id.
func NewNamespace(tree kv.Tree, hash kv.HashIndex, acct *accounting.Pipeline, cache *InodeCache, inums *InumAllocator) *Namespace {
	return &Namespace{Tree: tree, Hash: hash, Accounting: acct, Cache: cache, Inums: inums, nextSubvolID: RootSubvol}
}

func (n *Namespace) nextVersion() kv.VersionStamp {
	return kv.VersionStamp{Seq: atomic.AddUint64(&n.seq, 1)}
}

func (n *Namespace) getInode(ctx context.Context, subvol uint32, inum uint64, snapshot uint32) (Inode, bool, error) {
	return lookupInode(ctx, n.Tree, subvol, inum, snapshot)
}

// lookupInode is the shared inode-tree read path Namespace and
// PathWalker both build on.
func lookupInode(ctx context.Context, tree kv.Tree, subvol uint32, inum uint64, snapshot uint32) (Inode, bool, error) {
	rec, ok, err := tree.Get(ctx, kv.TreeInode, inodeKey(subvol, inum), snapshot)
	if err != nil || !ok {
		return Inode{}, ok, err
	}
	i, err := decodeInode(rec.Value)
	return i, true, err
}

func (n *Namespace) putInode(ctx context.Context, i Inode, snapshot uint32) error {
	return n.Tree.Set(ctx, kv.TreeInode, inodeKey(i.Subvol, i.Inum), snapshot, encodeInode(i), n.nextVersion())
}

func (n *Namespace) cacheInode(i Inode) {
	if n.Cache != nil {
		n.Cache.Insert(i.Subvol, i.Inum, NewCachedInode(i))
	}
}

func (n *Namespace) countInode(ctx context.Context, delta int64) error {
	if n.Accounting == nil {
		return nil
	}
	return n.Accounting.AccountMod(ctx, accounting.Position{Tag: accounting.TagNrInodes}, accounting.Value{delta})
}

// CreateFlags mirror spec.md §6's BCH_CREATE_* open-call flags.
type CreateFlags uint32

const (
	CreateSnapshot CreateFlags = 1 << iota
	CreateSubvol
	CreateSnapshotRO
	CreateTmpfile
)

// CreateRequest bundles everything create's numbered sequence (spec.md
// §4.5) needs beyond the destination directory. POSIX-ACL encoding
// itself is out of scope (§1); DefaultACL/ACL are stored as opaque
// bytes under a fixed xattr name rather than decoded.
type CreateRequest struct {
	Name string

	Mode uint32
	UID  uint32
	GID  uint32
	Rdev uint32
	Flags CreateFlags

	// CallerUID gates the snapshot-source permission check: only root
	// or the source inode's owner may snapshot it.
	CallerUID uint32

	SnapshotSrcSubvol uint32
	SnapshotSrcInum   uint64

	DefaultACL []byte
	ACL        []byte
}

// CreateResult is what a successful Create committed.
type CreateResult struct {
	NewInode Inode
	Dir      Inode
}

// Create implements spec.md §4.5's create sequence: resolve the
// directory, optionally clone a snapshot source or allocate a fresh
// inode, optionally register a new subvolume, link a dirent (unless
// TMPFILE), bump the parent's nlink/mtime/size, fold the NrInodes
// accounting counter, and hash the new inode into the cache. The whole
// sequence is retried from scratch on a transaction restart (§5).
func (n *Namespace) Create(ctx context.Context, dirSubvol uint32, dirInum uint64, snapshot uint32, req CreateRequest) (CreateResult, error) {
	return fsutil.Retry[CreateResult](ctx, nil, func() fsutil.Outcome[CreateResult] {
		return n.createOnce(ctx, dirSubvol, dirInum, snapshot, req)
	})
}

func (n *Namespace) createOnce(ctx context.Context, dirSubvol uint32, dirInum uint64, snapshot uint32, req CreateRequest) fsutil.Outcome[CreateResult] {
	dir, ok, err := n.getInode(ctx, dirSubvol, dirInum, snapshot)
	if err != nil {
		return fsutil.Fail[CreateResult](err)
	}
	if !ok {
		return fsutil.Fail[CreateResult](fsutil.ErrNotFound)
	}
	if !dir.IsDir() {
		return fsutil.Fail[CreateResult](fsutil.ErrNotDir)
	}

	nowTime := nowNanos()
	var newInode Inode

	if req.Flags&CreateSnapshot != 0 {
		src, ok, err := n.getInode(ctx, req.SnapshotSrcSubvol, req.SnapshotSrcInum, snapshot)
		if err != nil {
			return fsutil.Fail[CreateResult](err)
		}
		if !ok {
			return fsutil.Fail[CreateResult](fsutil.ErrNotFound)
		}
		if req.CallerUID != 0 && req.CallerUID != src.UID {
			return fsutil.Fail[CreateResult](fsutil.ErrPermissionDenied)
		}
		newInode = src
		newInode.Ctime = nowTime
		req.Flags |= CreateSubvol
	} else {
		newInode = Inode{
			Subvol: dirSubvol,
			Mode:   req.Mode,
			UID:    req.UID,
			GID:    req.GID,
			Rdev:   req.Rdev,
			Nlink:  1,
			Atime:  nowTime, Mtime: nowTime, Ctime: nowTime, Otime: nowTime,
		}
		newInode.Inum = n.Inums.Next()
		if req.Flags&CreateTmpfile != 0 {
			newInode.Flags |= InodeUnlinked
		}
	}

	if req.Flags&CreateSubvol != 0 {
		subID := atomic.AddUint32(&n.nextSubvolID, 1)
		sub := Subvolume{
			ID:           subID,
			RootInode:    newInode.Inum,
			FsPathParent: dirSubvol,
			IsSnapshot:   req.Flags&CreateSnapshot != 0,
			IsRO:         req.Flags&CreateSnapshotRO != 0,
		}
		if err := n.Tree.Set(ctx, kv.TreeSubvolume, subvolumeKey(sub.ID), snapshot, encodeSubvolume(sub), n.nextVersion()); err != nil {
			return fsutil.Fail[CreateResult](err)
		}
		newInode.SubvolRoot = subID
		newInode.ParentSubvol = dirSubvol
		newInode.Subvol = subID
	}

	// Attribute inheritance (project id, default ACL -> ACL) beyond the
	// opaque blob copy below is out of scope: this module doesn't model
	// mount-option-driven inheritable attributes, so there is nothing
	// else for link/create's "reject if inheritance would change
	// attributes" check to compare against.
	if req.Flags&(CreateSnapshot|CreateTmpfile) == 0 {
		if len(req.DefaultACL) > 0 {
			if err := n.Tree.Set(ctx, kv.TreeXattr, xattrKey(newInode.Subvol, newInode.Inum, "default_acl"), snapshot, req.DefaultACL, n.nextVersion()); err != nil {
				return fsutil.Fail[CreateResult](err)
			}
		}
		if len(req.ACL) > 0 {
			if err := n.Tree.Set(ctx, kv.TreeXattr, xattrKey(newInode.Subvol, newInode.Inum, "acl"), snapshot, req.ACL, n.nextVersion()); err != nil {
				return fsutil.Fail[CreateResult](err)
			}
		}
	}

	if req.Flags&CreateTmpfile == 0 {
		if newInode.IsDir() && newInode.SubvolRoot == 0 {
			if nlink, overflowed := mathutil.SafeAddUint32(dir.Nlink, 1); !overflowed {
				dir.Nlink = nlink
			}
		}
		dir.Mtime = nowTime
		dir.Ctime = nowTime
		dir.Size += direntOccupiedSize(req.Name)

		direntType := DirentRegular
		switch {
		case req.Flags&CreateSubvol != 0:
			direntType = DirentSubvol
		case newInode.IsDir():
			direntType = DirentDir
		}
		targetSubvol := uint32(0)
		if req.Flags&CreateSubvol != 0 {
			targetSubvol = newInode.SubvolRoot
		}
		offset, err := n.Hash.Create(ctx, dirInum, req.Name, snapshot, encodeDirentValue(newInode.Inum, targetSubvol, direntType), true)
		if err != nil {
			// The demo hash index only ever fails must_create on a
			// name collision; a real open-addressed index could also
			// fail on exhaustion, which would map to CodeOutOfMemory.
			return fsutil.Fail[CreateResult](fsutil.Wrap(fsutil.CodeAlreadyExists, "fs: create dirent", err))
		}
		newInode.DirInum = dirInum
		newInode.DirOffset = offset
	}

	if newInode.IsDir() && newInode.SubvolRoot == 0 {
		newInode.Depth = dir.Depth + 1
	}

	if err := n.putInode(ctx, newInode, snapshot); err != nil {
		return fsutil.Fail[CreateResult](err)
	}
	if req.Flags&CreateTmpfile == 0 {
		if err := n.putInode(ctx, dir, snapshot); err != nil {
			return fsutil.Fail[CreateResult](err)
		}
	}
	if err := n.countInode(ctx, 1); err != nil {
		return fsutil.Fail[CreateResult](err)
	}

	n.cacheInode(newInode)
	return fsutil.Ok(CreateResult{NewInode: newInode, Dir: dir})
}

// Link implements spec.md §4.5's link sequence: the target must not be
// a directory, unlinked, or already at the nlink ceiling, and a new
// dirent is added under the destination name. Link takes no separate
// target subvolume: the target inode is looked up in dirSubvol, so a
// cross-subvolume link cannot be expressed and Link never returns
// EXDEV.
func (n *Namespace) Link(ctx context.Context, dirSubvol uint32, dirInum uint64, snapshot uint32, targetInum uint64, name string) (Inode, error) {
	return fsutil.Retry[Inode](ctx, nil, func() fsutil.Outcome[Inode] {
		return n.linkOnce(ctx, dirSubvol, dirInum, snapshot, targetInum, name)
	})
}

func (n *Namespace) linkOnce(ctx context.Context, dirSubvol uint32, dirInum uint64, snapshot uint32, targetInum uint64, name string) fsutil.Outcome[Inode] {
	dir, ok, err := n.getInode(ctx, dirSubvol, dirInum, snapshot)
	if err != nil {
		return fsutil.Fail[Inode](err)
	}
	if !ok {
		return fsutil.Fail[Inode](fsutil.ErrNotFound)
	}
	if !dir.IsDir() {
		return fsutil.Fail[Inode](fsutil.ErrNotDir)
	}

	target, ok, err := n.getInode(ctx, dirSubvol, targetInum, snapshot)
	if err != nil {
		return fsutil.Fail[Inode](err)
	}
	if !ok {
		return fsutil.Fail[Inode](fsutil.ErrNotFound)
	}
	if target.IsDir() {
		return fsutil.Fail[Inode](fsutil.New(fsutil.CodeInconsistency, "fs: cannot hardlink a directory"))
	}
	if target.Unlinked() {
		return fsutil.Fail[Inode](fsutil.ErrNotFound)
	}
	nlink, overflowed := mathutil.SafeAddUint32(target.Nlink, 1)
	if overflowed {
		return fsutil.Fail[Inode](fsutil.New(fsutil.CodeInconsistency, "fs: nlink overflow"))
	}

	nowTime := nowNanos()
	target.Nlink = nlink
	target.Ctime = nowTime

	dir.Mtime = nowTime
	dir.Ctime = nowTime
	dir.Size += direntOccupiedSize(name)

	offset, err := n.Hash.Create(ctx, dirInum, name, snapshot, encodeDirentValue(target.Inum, 0, DirentRegular), true)
	if err != nil {
		return fsutil.Fail[Inode](fsutil.Wrap(fsutil.CodeAlreadyExists, "fs: link dirent", err))
	}
	target.DirInum = dirInum
	target.DirOffset = offset

	if err := n.putInode(ctx, target, snapshot); err != nil {
		return fsutil.Fail[Inode](err)
	}
	if err := n.putInode(ctx, dir, snapshot); err != nil {
		return fsutil.Fail[Inode](err)
	}

	n.cacheInode(target)
	return fsutil.Ok(target)
}

func (n *Namespace) dirIsEmpty(ctx context.Context, subvol uint32, inum uint64, snapshot uint32) (bool, error) {
	_ = subvol
	entries, err := n.Hash.List(ctx, inum, snapshot)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if _, _, typ, err := decodeDirentValue(e.Value); err == nil && typ != DirentWhiteout {
			return false, nil
		}
	}
	return true, nil
}

// Unlink implements spec.md §4.5's unlink sequence, including the
// supplemented subvolume-deletion path (deleteSubvol): resolve the
// dirent, reject a non-empty directory target unless deleting a whole
// subvolume, drop the dirent and the target's nlink, and evict the
// subvolume's cached inodes when the target was a subvolume root.
func (n *Namespace) Unlink(ctx context.Context, dirSubvol uint32, dirInum uint64, snapshot uint32, name string, deleteSubvol bool) error {
	_, err := fsutil.Retry[struct{}](ctx, nil, func() fsutil.Outcome[struct{}] {
		return n.unlinkOnce(ctx, dirSubvol, dirInum, snapshot, name, deleteSubvol)
	})
	return err
}

func (n *Namespace) unlinkOnce(ctx context.Context, dirSubvol uint32, dirInum uint64, snapshot uint32, name string, deleteSubvol bool) fsutil.Outcome[struct{}] {
	dir, ok, err := n.getInode(ctx, dirSubvol, dirInum, snapshot)
	if err != nil {
		return fsutil.Fail[struct{}](err)
	}
	if !ok {
		return fsutil.Fail[struct{}](fsutil.ErrNotFound)
	}

	offset, val, ok, err := n.Hash.Lookup(ctx, dirInum, name, snapshot)
	if err != nil {
		return fsutil.Fail[struct{}](err)
	}
	if !ok {
		return fsutil.Fail[struct{}](fsutil.ErrNotFound)
	}
	targetInum, targetSubvolField, typ, err := decodeDirentValue(val)
	if err != nil {
		return fsutil.Fail[struct{}](err)
	}

	targetSubvol := dirSubvol
	if typ == DirentSubvol {
		targetSubvol = targetSubvolField
	}

	target, ok, err := n.getInode(ctx, targetSubvol, targetInum, snapshot)
	if err != nil {
		return fsutil.Fail[struct{}](err)
	}
	if !ok {
		return fsutil.Fail[struct{}](fsutil.ErrNotFound)
	}

	if target.SubvolRoot != 0 && !deleteSubvol {
		return fsutil.Fail[struct{}](fsutil.New(fsutil.CodeInconsistency, "fs: use deleteSubvol to remove a subvolume root"))
	}
	if target.IsDir() && target.SubvolRoot == 0 {
		empty, err := n.dirIsEmpty(ctx, targetSubvol, targetInum, snapshot)
		if err != nil {
			return fsutil.Fail[struct{}](err)
		}
		if !empty {
			return fsutil.Fail[struct{}](fsutil.ErrNotEmpty)
		}
	}

	nowTime := nowNanos()
	if err := n.Hash.DeleteAt(ctx, dirInum, offset, snapshot); err != nil {
		return fsutil.Fail[struct{}](err)
	}

	dir.Mtime = nowTime
	dir.Ctime = nowTime
	if dir.Size >= direntOccupiedSize(name) {
		dir.Size -= direntOccupiedSize(name)
	}
	if target.IsDir() && target.SubvolRoot == 0 {
		if dir.Nlink > 0 {
			dir.Nlink--
		}
	}
	if err := n.putInode(ctx, dir, snapshot); err != nil {
		return fsutil.Fail[struct{}](err)
	}

	inodesRemoved := int64(0)

	if target.SubvolRoot != 0 {
		if err := n.Tree.Delete(ctx, kv.TreeSubvolume, subvolumeKey(target.SubvolRoot), snapshot); err != nil {
			return fsutil.Fail[struct{}](err)
		}
		if err := n.Tree.Delete(ctx, kv.TreeInode, inodeKey(targetSubvol, targetInum), snapshot); err != nil {
			return fsutil.Fail[struct{}](err)
		}
		inodesRemoved = 1
		if n.Cache != nil {
			n.Cache.Evict(target.SubvolRoot)
		}
	} else {
		target.Ctime = nowTime
		if target.Nlink > 0 {
			target.Nlink--
		}
		if target.Nlink == 0 {
			target.Flags |= InodeUnlinked
			if err := n.Tree.Delete(ctx, kv.TreeInode, inodeKey(targetSubvol, targetInum), snapshot); err != nil {
				return fsutil.Fail[struct{}](err)
			}
			inodesRemoved = 1
			if n.Cache != nil {
				n.Cache.Remove(targetSubvol, targetInum)
			}
		} else {
			if err := n.putInode(ctx, target, snapshot); err != nil {
				return fsutil.Fail[struct{}](err)
			}
			n.cacheInode(target)
		}
	}

	if inodesRemoved != 0 {
		if err := n.countInode(ctx, -inodesRemoved); err != nil {
			return fsutil.Fail[struct{}](err)
		}
	}

	return fsutil.Ok(struct{}{})
}

// RenameMode selects plain rename, exchange (both dirents swap
// targets, neither is deleted) or whiteout (source name is left behind
// as a DirentWhiteout-typed dirent instead of being removed), per
// spec.md §6's BCH_RENAME_* flags.
type RenameMode uint8

const (
	RenamePlain RenameMode = iota
	RenameExchange
	RenameWhiteout
)

// Rename implements spec.md §4.5's rename sequence. Source and
// destination directories must share a subvolume unless the moved
// entry is itself a subvolume root (§4.5: cross-subvolume moves are
// rejected unless the moved entry is a subvolume root) — an exchange
// moves both entries, so crossing subvolumes requires both sides to be
// subvolume roots. A plain rename onto an existing non-empty directory
// is rejected the same way unlink rejects it.
func (n *Namespace) Rename(ctx context.Context, srcDirSubvol uint32, srcDirInum uint64, srcName string, dstDirSubvol uint32, dstDirInum uint64, dstName string, snapshot uint32, mode RenameMode) error {
	_, err := fsutil.Retry[struct{}](ctx, nil, func() fsutil.Outcome[struct{}] {
		return n.renameOnce(ctx, srcDirSubvol, srcDirInum, srcName, dstDirSubvol, dstDirInum, dstName, snapshot, mode)
	})
	return err
}

func (n *Namespace) renameOnce(ctx context.Context, srcDirSubvol uint32, srcDirInum uint64, srcName string, dstDirSubvol uint32, dstDirInum uint64, dstName string, snapshot uint32, mode RenameMode) fsutil.Outcome[struct{}] {
	srcDir, ok, err := n.getInode(ctx, srcDirSubvol, srcDirInum, snapshot)
	if err != nil {
		return fsutil.Fail[struct{}](err)
	}
	if !ok || !srcDir.IsDir() {
		return fsutil.Fail[struct{}](fsutil.ErrNotDir)
	}

	srcOffset, srcVal, ok, err := n.Hash.Lookup(ctx, srcDirInum, srcName, snapshot)
	if err != nil {
		return fsutil.Fail[struct{}](err)
	}
	if !ok {
		return fsutil.Fail[struct{}](fsutil.ErrNotFound)
	}
	srcTargetInum, srcTargetSubvol, srcType, err := decodeDirentValue(srcVal)
	if err != nil {
		return fsutil.Fail[struct{}](err)
	}

	crossSubvol := srcDirSubvol != dstDirSubvol
	if crossSubvol && srcType != DirentSubvol {
		return fsutil.Fail[struct{}](fsutil.ErrCrossDevice)
	}

	dstDir, ok, err := n.getInode(ctx, dstDirSubvol, dstDirInum, snapshot)
	if err != nil {
		return fsutil.Fail[struct{}](err)
	}
	if !ok || !dstDir.IsDir() {
		return fsutil.Fail[struct{}](fsutil.ErrNotDir)
	}

	dstOffset, dstVal, dstExists, err := n.Hash.Lookup(ctx, dstDirInum, dstName, snapshot)
	if err != nil {
		return fsutil.Fail[struct{}](err)
	}
	var dstTargetInum uint64
	var dstTargetSubvol uint32
	var dstType DirentType
	if dstExists {
		dstTargetInum, dstTargetSubvol, dstType, err = decodeDirentValue(dstVal)
		if err != nil {
			return fsutil.Fail[struct{}](err)
		}
		if crossSubvol && mode == RenameExchange && dstType != DirentSubvol {
			return fsutil.Fail[struct{}](fsutil.ErrCrossDevice)
		}
		if mode == RenamePlain {
			dstEffSubvol := dstDirSubvol
			if dstType == DirentSubvol {
				dstEffSubvol = dstTargetSubvol
			}
			dstInode, ok, err := n.getInode(ctx, dstEffSubvol, dstTargetInum, snapshot)
			if err != nil {
				return fsutil.Fail[struct{}](err)
			}
			if ok && dstInode.IsDir() {
				empty, err := n.dirIsEmpty(ctx, dstEffSubvol, dstTargetInum, snapshot)
				if err != nil {
					return fsutil.Fail[struct{}](err)
				}
				if !empty {
					return fsutil.Fail[struct{}](fsutil.ErrNotEmpty)
				}
			}
		}
	} else if mode == RenameExchange {
		return fsutil.Fail[struct{}](fsutil.ErrNotFound)
	}

	nowTime := nowNanos()

	var srcNewOffset, dstNewOffset uint64
	switch mode {
	case RenameExchange:
		if err := n.Hash.DeleteAt(ctx, dstDirInum, dstOffset, snapshot); err != nil {
			return fsutil.Fail[struct{}](err)
		}
		if dstNewOffset, err = n.Hash.Create(ctx, dstDirInum, dstName, snapshot, encodeDirentValue(srcTargetInum, srcTargetSubvol, srcType), true); err != nil {
			return fsutil.Fail[struct{}](err)
		}
		if err := n.Hash.DeleteAt(ctx, srcDirInum, srcOffset, snapshot); err != nil {
			return fsutil.Fail[struct{}](err)
		}
		if srcNewOffset, err = n.Hash.Create(ctx, srcDirInum, srcName, snapshot, encodeDirentValue(dstTargetInum, dstTargetSubvol, dstType), true); err != nil {
			return fsutil.Fail[struct{}](err)
		}
	default:
		if dstExists {
			if err := n.Hash.DeleteAt(ctx, dstDirInum, dstOffset, snapshot); err != nil {
				return fsutil.Fail[struct{}](err)
			}
		}
		if dstNewOffset, err = n.Hash.Create(ctx, dstDirInum, dstName, snapshot, encodeDirentValue(srcTargetInum, srcTargetSubvol, srcType), true); err != nil {
			return fsutil.Fail[struct{}](err)
		}
		if err := n.Hash.DeleteAt(ctx, srcDirInum, srcOffset, snapshot); err != nil {
			return fsutil.Fail[struct{}](err)
		}
		if mode == RenameWhiteout {
			if _, err := n.Hash.Create(ctx, srcDirInum, srcName, snapshot, encodeDirentValue(0, 0, DirentWhiteout), true); err != nil {
				return fsutil.Fail[struct{}](err)
			}
		}
	}

	// Fix up back-pointers on every inode whose naming dirent moved. The
	// moved entry's new containing subvolume is the destination dir's
	// (source dir's, for the exchanged-back entry); repointBackpointer
	// updates ParentSubvol on a subvolume-root target to match.
	if err := n.repointBackpointer(ctx, dstDirSubvol, srcTargetInum, srcTargetSubvol, srcType, dstDirInum, dstNewOffset, snapshot); err != nil {
		return fsutil.Fail[struct{}](err)
	}
	if dstExists && mode == RenameExchange {
		if err := n.repointBackpointer(ctx, srcDirSubvol, dstTargetInum, dstTargetSubvol, dstType, srcDirInum, srcNewOffset, snapshot); err != nil {
			return fsutil.Fail[struct{}](err)
		}
	}

	inodesRemoved := int64(0)
	if dstExists && mode == RenamePlain {
		removed, err := n.dropRenameOverwritten(ctx, dstDirSubvol, dstTargetInum, dstTargetSubvol, dstType, snapshot)
		if err != nil {
			return fsutil.Fail[struct{}](err)
		}
		inodesRemoved = removed
	}

	srcDir.Mtime, srcDir.Ctime = nowTime, nowTime
	dstDir.Mtime, dstDir.Ctime = nowTime, nowTime
	if srcType == DirentDir && srcTargetSubvol == 0 {
		if srcDirInum != dstDirInum {
			if srcDir.Nlink > 0 {
				srcDir.Nlink--
			}
			if nlink, overflowed := mathutil.SafeAddUint32(dstDir.Nlink, 1); !overflowed {
				dstDir.Nlink = nlink
			}
		}
	}
	if err := n.putInode(ctx, srcDir, snapshot); err != nil {
		return fsutil.Fail[struct{}](err)
	}
	if dstDirInum != srcDirInum {
		if err := n.putInode(ctx, dstDir, snapshot); err != nil {
			return fsutil.Fail[struct{}](err)
		}
	}

	if inodesRemoved != 0 {
		if err := n.countInode(ctx, -inodesRemoved); err != nil {
			return fsutil.Fail[struct{}](err)
		}
	}

	return fsutil.Ok(struct{}{})
}

// repointBackpointer updates the moved inode's (bi_dir, bi_dir_offset)
// to the dirent it's now named by, per spec.md §8's back-pointer
// mutual-consistency invariant. A subvolume-crossing target (typ ==
// DirentSubvol) repoints the subvolume root inode in its own subvolume
// namespace, not the dirent's containing subvolume, and also has its
// bi_parent_subvol pointer updated to newParentSubvol — the §4.5
// parent-subvolume repoint a cross-subvolume move of a subvolume root
// requires.
func (n *Namespace) repointBackpointer(ctx context.Context, newParentSubvol uint32, targetInum uint64, targetSubvolField uint32, typ DirentType, newDirInum uint64, newDirOffset uint64, snapshot uint32) error {
	targetSubvol := newParentSubvol
	if typ == DirentSubvol {
		targetSubvol = targetSubvolField
	}
	target, ok, err := n.getInode(ctx, targetSubvol, targetInum, snapshot)
	if err != nil || !ok {
		return err
	}
	target.DirInum = newDirInum
	target.DirOffset = newDirOffset
	if typ == DirentSubvol {
		target.ParentSubvol = newParentSubvol
	}
	if err := n.putInode(ctx, target, snapshot); err != nil {
		return err
	}
	n.cacheInode(target)
	return nil
}

// dropRenameOverwritten finalizes the destination name's prior
// occupant after a plain (non-exchange) rename clobbers it: a
// directory is removed outright (it was already proven empty), a file
// has its nlink decremented and is removed once it reaches zero.
func (n *Namespace) dropRenameOverwritten(ctx context.Context, parentSubvol uint32, inum uint64, subvolField uint32, typ DirentType, snapshot uint32) (int64, error) {
	targetSubvol := parentSubvol
	if typ == DirentSubvol {
		targetSubvol = subvolField
	}
	target, ok, err := n.getInode(ctx, targetSubvol, inum, snapshot)
	if err != nil || !ok {
		return 0, err
	}

	if target.SubvolRoot != 0 {
		if err := n.Tree.Delete(ctx, kv.TreeSubvolume, subvolumeKey(target.SubvolRoot), snapshot); err != nil {
			return 0, err
		}
		if err := n.Tree.Delete(ctx, kv.TreeInode, inodeKey(targetSubvol, inum), snapshot); err != nil {
			return 0, err
		}
		if n.Cache != nil {
			n.Cache.Evict(target.SubvolRoot)
		}
		return 1, nil
	}

	if target.Nlink > 0 {
		target.Nlink--
	}
	if target.Nlink == 0 {
		target.Flags |= InodeUnlinked
		if err := n.Tree.Delete(ctx, kv.TreeInode, inodeKey(targetSubvol, inum), snapshot); err != nil {
			return 0, err
		}
		if n.Cache != nil {
			n.Cache.Remove(targetSubvol, inum)
		}
		return 1, nil
	}

	target.Ctime = nowNanos()
	if err := n.putInode(ctx, target, snapshot); err != nil {
		return 0, err
	}
	n.cacheInode(target)
	return 0, nil
}

// SetAttrRequest bundles the mutable attributes chmod/chown/utimes can
// change. A nil pointer field means "leave unchanged."
type SetAttrRequest struct {
	Mode  *uint32
	UID   *uint32
	GID   *uint32
	Atime *int64
	Mtime *int64
	Size  *uint64 // truncate target, regular files only
}

// SetAttr is the SPEC_FULL.md supplement covering chmod/chown/truncate/
// utimes, none of which spec.md's distillation names explicitly but
// which every complete namespace layer needs. Truncation drops any
// cached pages at or beyond the new size.
func (n *Namespace) SetAttr(ctx context.Context, subvol uint32, inum uint64, snapshot uint32, req SetAttrRequest) (Inode, error) {
	return fsutil.Retry[Inode](ctx, nil, func() fsutil.Outcome[Inode] {
		return n.setAttrOnce(ctx, subvol, inum, snapshot, req)
	})
}

func (n *Namespace) setAttrOnce(ctx context.Context, subvol uint32, inum uint64, snapshot uint32, req SetAttrRequest) fsutil.Outcome[Inode] {
	i, ok, err := n.getInode(ctx, subvol, inum, snapshot)
	if err != nil {
		return fsutil.Fail[Inode](err)
	}
	if !ok {
		return fsutil.Fail[Inode](fsutil.ErrNotFound)
	}

	if req.Mode != nil {
		i.Mode = (i.Mode &^ 0o7777) | (*req.Mode & 0o7777) | (i.Mode & ModeTypeMask)
	}
	if req.UID != nil {
		i.UID = *req.UID
	}
	if req.GID != nil {
		i.GID = *req.GID
	}
	if req.Atime != nil {
		i.Atime = *req.Atime
	}
	if req.Mtime != nil {
		i.Mtime = *req.Mtime
	}
	truncated := false
	if req.Size != nil && i.IsReg() {
		i.Size = *req.Size
		truncated = true
	}
	i.Ctime = nowNanos()

	if err := n.putInode(ctx, i, snapshot); err != nil {
		return fsutil.Fail[Inode](err)
	}

	if n.Cache != nil {
		if cached, _ := n.Cache.Find(subvol, inum); cached != nil {
			cached.SetInode(i)
			if truncated {
				cached.DropPagesFrom(int64(i.Size))
			}
		} else {
			n.cacheInode(i)
		}
	}

	return fsutil.Ok(i)
}

// DirEntry is one Readdir result row.
type DirEntry struct {
	Name         string
	TargetInum   uint64
	TargetSubvol uint32
	Type         DirentType
}

// Readdir is the SPEC_FULL.md supplement listing a directory's
// dirents, via kv.HashIndex.List (§6 names lookup/create/delete_at;
// enumeration is the operation readdir needs on top of those).
// Whiteout tombstones are filtered out, same as dirIsEmpty treats them
// as not occupying the directory.
func (n *Namespace) Readdir(ctx context.Context, subvol uint32, dirInum uint64, snapshot uint32) ([]DirEntry, error) {
	i, ok, err := n.getInode(ctx, subvol, dirInum, snapshot)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fsutil.ErrNotFound
	}
	if !i.IsDir() {
		return nil, fsutil.ErrNotDir
	}

	entries, err := n.Hash.List(ctx, dirInum, snapshot)
	if err != nil {
		return nil, err
	}
	out := make([]DirEntry, 0, len(entries))
	for _, e := range entries {
		targetInum, targetSubvol, typ, err := decodeDirentValue(e.Value)
		if err != nil {
			return nil, err
		}
		if typ == DirentWhiteout {
			continue
		}
		out = append(out, DirEntry{Name: e.Name, TargetInum: targetInum, TargetSubvol: targetSubvol, Type: typ})
	}
	return out, nil
}
