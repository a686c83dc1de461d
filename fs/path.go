package fs

import (
	"context"

	"github.com/coldtrie/bcachefs-go/kv"
)

// Root subvolume/inode sentinels the walk terminates at, per
// original_source/libbcachefs/fs-common.c's BCACHEFS_ROOT_SUBVOL /
// BCACHEFS_ROOT_INO.
const (
	RootSubvol uint32 = 1
	RootInum   uint64 = 4096
)

const disconnectedSuffix = "(disconnected)"

// PathWalker is C7: reconstructing a human-readable path from an
// (subvol, inode) pair by following back-pointers up to the root,
// grounded on bch2_inum_to_path. It only needs read access to the
// inode tree and the dirent hash index, so it's kept independent of
// Namespace even though both build on lookupInode.
type PathWalker struct {
	Tree kv.Tree
	Hash kv.HashIndex
}

// NewPathWalker wires a PathWalker against the same storage and
// hash-index collaborators a Namespace uses.
func NewPathWalker(tree kv.Tree, hash kv.HashIndex) *PathWalker {
	return &PathWalker{Tree: tree, Hash: hash}
}

// ReverseWalk resolves (subvol, inum) to a path string. Snapshot is the
// caller's read snapshot and is used for the whole walk; a subvolume
// crossing switches to the inode's ParentSubvol without reading any
// subvolume record or looking up a different snapshot, since this
// module doesn't model the full subvolume->snapshot-tree mapping C7
// would otherwise need (spec.md's Non-goals exclude the snapshot B-tree
// itself; only "switch to parent_subvol when crossing a subvolume" is
// in scope). A missing back-pointer or an unreadable dirent appends the
// literal "(disconnected)" marker and stops, matching the original's
// goto disconnected path.
func (w *PathWalker) ReverseWalk(ctx context.Context, subvol uint32, inum uint64, snapshot uint32) (string, error) {
	var reversed []byte // segments appended back-to-front, reversed once at the end

	appendReversed := func(s string) {
		for i := len(s) - 1; i >= 0; i-- {
			reversed = append(reversed, s[i])
		}
	}

	curSubvol, curInum := subvol, inum

	for !(curSubvol == RootSubvol && curInum == RootInum) {
		inode, ok, err := lookupInode(ctx, w.Tree, curSubvol, curInum, snapshot)
		if err != nil {
			return "", err
		}
		if !ok || !inode.HasBackpointer() {
			appendReversed(disconnectedSuffix)
			break
		}

		parentSubvol := curSubvol
		if inode.ParentSubvol != 0 {
			parentSubvol = inode.ParentSubvol
		}

		name, _, found, err := w.Hash.GetAt(ctx, inode.DirInum, inode.DirOffset, snapshot)
		if err != nil {
			return "", err
		}
		if !found {
			appendReversed(disconnectedSuffix)
			break
		}

		appendReversed(name)
		appendReversed("/")

		curSubvol, curInum = parentSubvol, inode.DirInum
	}

	if len(reversed) == 0 {
		// The walk terminated immediately: subvol/inum named the root
		// itself.
		appendReversed("/")
	}

	reverseBytes(reversed)
	return string(reversed), nil
}

func reverseBytes(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}
