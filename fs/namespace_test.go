package fs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldtrie/bcachefs-go/accounting"
	"github.com/coldtrie/bcachefs-go/fsutil"
	"github.com/coldtrie/bcachefs-go/kv"
)

func newTestNamespace(t *testing.T) (*Namespace, *kv.MemTree) {
	t.Helper()
	tree := kv.NewMemTree()
	table := accounting.NewTable()
	pipeline := accounting.NewPipeline(table, nil, nil, nil)
	cache, err := NewInodeCache(64)
	require.NoError(t, err)
	ns := NewNamespace(tree, tree, pipeline, cache, NewInumAllocator(4))

	root := Inode{Subvol: RootSubvol, Inum: RootInum, Mode: ModeDir, Nlink: 2}
	require.NoError(t, ns.putInode(context.Background(), root, 0))
	return ns, tree
}

func TestNamespaceCreateRegularFile(t *testing.T) {
	ns, _ := newTestNamespace(t)
	ctx := context.Background()

	res, err := ns.Create(ctx, RootSubvol, RootInum, 0, CreateRequest{Name: "a.txt", Mode: ModeReg | 0o644})
	require.NoError(t, err)
	assert.True(t, res.NewInode.IsReg())
	assert.Equal(t, RootInum, res.NewInode.DirInum)
	assert.Equal(t, uint32(1), res.NewInode.Nlink)

	dir, ok, err := ns.getInode(ctx, RootSubvol, RootInum, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(2), dir.Nlink) // unchanged: only directories bump parent nlink

	found, err := ns.Cache.Find(res.NewInode.Subvol, res.NewInode.Inum)
	require.NoError(t, err)
	assert.Equal(t, res.NewInode, found.Inode())
}

func TestNamespaceCreateDirectoryBumpsParentNlinkAndDepth(t *testing.T) {
	ns, _ := newTestNamespace(t)
	ctx := context.Background()

	res, err := ns.Create(ctx, RootSubvol, RootInum, 0, CreateRequest{Name: "sub", Mode: ModeDir | 0o755})
	require.NoError(t, err)
	assert.True(t, res.NewInode.IsDir())
	assert.Equal(t, uint16(1), res.NewInode.Depth)
	assert.Equal(t, uint32(3), res.Dir.Nlink)
}

func TestNamespaceCreateTmpfileHasNoDirentAndUnlinkedFlag(t *testing.T) {
	ns, _ := newTestNamespace(t)
	ctx := context.Background()

	res, err := ns.Create(ctx, RootSubvol, RootInum, 0, CreateRequest{Name: "ignored", Mode: ModeReg | 0o600, Flags: CreateTmpfile})
	require.NoError(t, err)
	assert.True(t, res.NewInode.Unlinked())
	assert.Equal(t, uint64(0), res.NewInode.DirInum)

	_, _, found, err := ns.Hash.Lookup(ctx, RootInum, "ignored", 0)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestNamespaceCreateDuplicateNameFails(t *testing.T) {
	ns, _ := newTestNamespace(t)
	ctx := context.Background()

	_, err := ns.Create(ctx, RootSubvol, RootInum, 0, CreateRequest{Name: "dup", Mode: ModeReg})
	require.NoError(t, err)

	_, err = ns.Create(ctx, RootSubvol, RootInum, 0, CreateRequest{Name: "dup", Mode: ModeReg})
	require.Error(t, err)
	assert.ErrorIs(t, err, fsutil.ErrAlreadyExists)
}

func TestNamespaceLinkIncrementsNlinkAndRejectsDirectories(t *testing.T) {
	ns, _ := newTestNamespace(t)
	ctx := context.Background()

	f, err := ns.Create(ctx, RootSubvol, RootInum, 0, CreateRequest{Name: "f", Mode: ModeReg})
	require.NoError(t, err)

	linked, err := ns.Link(ctx, RootSubvol, RootInum, 0, f.NewInode.Inum, "g")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), linked.Nlink)

	d, err := ns.Create(ctx, RootSubvol, RootInum, 0, CreateRequest{Name: "d", Mode: ModeDir})
	require.NoError(t, err)
	_, err = ns.Link(ctx, RootSubvol, RootInum, 0, d.NewInode.Inum, "d2")
	require.Error(t, err)
}

func TestNamespaceUnlinkRemovesDirentAndDropsInodeAtZeroNlink(t *testing.T) {
	ns, _ := newTestNamespace(t)
	ctx := context.Background()

	f, err := ns.Create(ctx, RootSubvol, RootInum, 0, CreateRequest{Name: "f", Mode: ModeReg})
	require.NoError(t, err)

	require.NoError(t, ns.Unlink(ctx, RootSubvol, RootInum, 0, "f", false))

	_, _, found, err := ns.Hash.Lookup(ctx, RootInum, "f", 0)
	require.NoError(t, err)
	assert.False(t, found)

	_, ok, err := ns.getInode(ctx, f.NewInode.Subvol, f.NewInode.Inum, 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNamespaceUnlinkRejectsNonEmptyDirectory(t *testing.T) {
	ns, _ := newTestNamespace(t)
	ctx := context.Background()

	d, err := ns.Create(ctx, RootSubvol, RootInum, 0, CreateRequest{Name: "d", Mode: ModeDir})
	require.NoError(t, err)
	_, err = ns.Create(ctx, RootSubvol, d.NewInode.Inum, 0, CreateRequest{Name: "child", Mode: ModeReg})
	require.NoError(t, err)

	err = ns.Unlink(ctx, RootSubvol, RootInum, 0, "d", false)
	require.Error(t, err)
	assert.ErrorIs(t, err, fsutil.ErrNotEmpty)
}

func TestNamespaceRenamePlainMovesDirentAndRepointsBackpointer(t *testing.T) {
	ns, _ := newTestNamespace(t)
	ctx := context.Background()

	d1, err := ns.Create(ctx, RootSubvol, RootInum, 0, CreateRequest{Name: "d1", Mode: ModeDir})
	require.NoError(t, err)
	d2, err := ns.Create(ctx, RootSubvol, RootInum, 0, CreateRequest{Name: "d2", Mode: ModeDir})
	require.NoError(t, err)
	f, err := ns.Create(ctx, RootSubvol, d1.NewInode.Inum, 0, CreateRequest{Name: "f", Mode: ModeReg})
	require.NoError(t, err)

	err = ns.Rename(ctx, RootSubvol, d1.NewInode.Inum, "f", RootSubvol, d2.NewInode.Inum, "f2", 0, RenamePlain)
	require.NoError(t, err)

	_, _, found, err := ns.Hash.Lookup(ctx, d1.NewInode.Inum, "f", 0)
	require.NoError(t, err)
	assert.False(t, found)

	_, _, found, err = ns.Hash.Lookup(ctx, d2.NewInode.Inum, "f2", 0)
	require.NoError(t, err)
	assert.True(t, found)

	moved, ok, err := ns.getInode(ctx, f.NewInode.Subvol, f.NewInode.Inum, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, d2.NewInode.Inum, moved.DirInum)
}

func TestNamespaceRenameExchangeSwapsBothTargetsWithoutDeleting(t *testing.T) {
	ns, _ := newTestNamespace(t)
	ctx := context.Background()

	a, err := ns.Create(ctx, RootSubvol, RootInum, 0, CreateRequest{Name: "a", Mode: ModeReg})
	require.NoError(t, err)
	b, err := ns.Create(ctx, RootSubvol, RootInum, 0, CreateRequest{Name: "b", Mode: ModeReg})
	require.NoError(t, err)

	err = ns.Rename(ctx, RootSubvol, RootInum, "a", RootSubvol, RootInum, "b", 0, RenameExchange)
	require.NoError(t, err)

	_, val, found, err := ns.Hash.Lookup(ctx, RootInum, "a", 0)
	require.NoError(t, err)
	require.True(t, found)
	inumAtA, _, _, err := decodeDirentValue(val)
	require.NoError(t, err)
	assert.Equal(t, b.NewInode.Inum, inumAtA)

	_, val, found, err = ns.Hash.Lookup(ctx, RootInum, "b", 0)
	require.NoError(t, err)
	require.True(t, found)
	inumAtB, _, _, err := decodeDirentValue(val)
	require.NoError(t, err)
	assert.Equal(t, a.NewInode.Inum, inumAtB)
}

func TestNamespaceRenameWhiteoutLeavesMarkerAtSource(t *testing.T) {
	ns, _ := newTestNamespace(t)
	ctx := context.Background()

	f, err := ns.Create(ctx, RootSubvol, RootInum, 0, CreateRequest{Name: "f", Mode: ModeReg})
	require.NoError(t, err)
	_ = f

	err = ns.Rename(ctx, RootSubvol, RootInum, "f", RootSubvol, RootInum, "f2", 0, RenameWhiteout)
	require.NoError(t, err)

	_, val, found, err := ns.Hash.Lookup(ctx, RootInum, "f", 0)
	require.NoError(t, err)
	require.True(t, found)
	_, _, typ, err := decodeDirentValue(val)
	require.NoError(t, err)
	assert.Equal(t, DirentWhiteout, typ)
}

func TestNamespaceRenameAcrossSubvolumesIsRejected(t *testing.T) {
	ns, _ := newTestNamespace(t)
	ctx := context.Background()

	_, err := ns.Create(ctx, RootSubvol, RootInum, 0, CreateRequest{Name: "x", Mode: ModeReg})
	require.NoError(t, err)

	err = ns.Rename(ctx, RootSubvol, RootInum, "x", RootSubvol+1, RootInum, "y", 0, RenamePlain)
	require.Error(t, err)
	assert.ErrorIs(t, err, fsutil.ErrCrossDevice)
}

func TestNamespaceRenameExchangesSubvolumeRootsAcrossSubvolumesAndRepointsParent(t *testing.T) {
	ns, _ := newTestNamespace(t)
	ctx := context.Background()

	p1, err := ns.Create(ctx, RootSubvol, RootInum, 0, CreateRequest{Name: "p1", Mode: ModeDir, Flags: CreateSubvol})
	require.NoError(t, err)
	p2, err := ns.Create(ctx, RootSubvol, RootInum, 0, CreateRequest{Name: "p2", Mode: ModeDir, Flags: CreateSubvol})
	require.NoError(t, err)

	child1, err := ns.Create(ctx, p1.NewInode.Subvol, p1.NewInode.Inum, 0, CreateRequest{Name: "child1", Mode: ModeDir, Flags: CreateSubvol})
	require.NoError(t, err)
	child2, err := ns.Create(ctx, p2.NewInode.Subvol, p2.NewInode.Inum, 0, CreateRequest{Name: "child2", Mode: ModeDir, Flags: CreateSubvol})
	require.NoError(t, err)

	require.True(t, child1.NewInode.IsSubvolumeRoot())
	require.True(t, child2.NewInode.IsSubvolumeRoot())
	require.Equal(t, p1.NewInode.Subvol, child1.NewInode.ParentSubvol)
	require.Equal(t, p2.NewInode.Subvol, child2.NewInode.ParentSubvol)

	err = ns.Rename(ctx, p1.NewInode.Subvol, p1.NewInode.Inum, "child1", p2.NewInode.Subvol, p2.NewInode.Inum, "child2", 0, RenameExchange)
	require.NoError(t, err)

	movedChild1, ok, err := ns.getInode(ctx, child1.NewInode.Subvol, child1.NewInode.Inum, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, p2.NewInode.Inum, movedChild1.DirInum)
	assert.Equal(t, p2.NewInode.Subvol, movedChild1.ParentSubvol)

	movedChild2, ok, err := ns.getInode(ctx, child2.NewInode.Subvol, child2.NewInode.Inum, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, p1.NewInode.Inum, movedChild2.DirInum)
	assert.Equal(t, p1.NewInode.Subvol, movedChild2.ParentSubvol)

	_, val, found, err := ns.Hash.Lookup(ctx, p2.NewInode.Inum, "child2", 0)
	require.NoError(t, err)
	require.True(t, found)
	inumAtChild2, subvolAtChild2, typAtChild2, err := decodeDirentValue(val)
	require.NoError(t, err)
	assert.Equal(t, child1.NewInode.Inum, inumAtChild2)
	assert.Equal(t, child1.NewInode.Subvol, subvolAtChild2)
	assert.Equal(t, DirentSubvol, typAtChild2)

	_, val, found, err = ns.Hash.Lookup(ctx, p1.NewInode.Inum, "child1", 0)
	require.NoError(t, err)
	require.True(t, found)
	inumAtChild1, subvolAtChild1, typAtChild1, err := decodeDirentValue(val)
	require.NoError(t, err)
	assert.Equal(t, child2.NewInode.Inum, inumAtChild1)
	assert.Equal(t, child2.NewInode.Subvol, subvolAtChild1)
	assert.Equal(t, DirentSubvol, typAtChild1)
}

func TestNamespaceCreateSnapshotSubvolumeRequiresCallerOwnsSource(t *testing.T) {
	ns, _ := newTestNamespace(t)
	ctx := context.Background()

	src, err := ns.Create(ctx, RootSubvol, RootInum, 0, CreateRequest{
		Name: "vol", Mode: ModeDir, UID: 0, Flags: CreateSubvol,
	})
	require.NoError(t, err)

	_, err = ns.Create(ctx, RootSubvol, RootInum, 0, CreateRequest{
		Name:              "snap",
		Flags:             CreateSnapshot,
		CallerUID:         1000,
		SnapshotSrcSubvol: src.NewInode.Subvol,
		SnapshotSrcInum:   src.NewInode.Inum,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, fsutil.ErrPermissionDenied)

	ok, err := ns.Create(ctx, RootSubvol, RootInum, 0, CreateRequest{
		Name:              "snap2",
		Flags:             CreateSnapshot,
		CallerUID:         0,
		SnapshotSrcSubvol: src.NewInode.Subvol,
		SnapshotSrcInum:   src.NewInode.Inum,
	})
	require.NoError(t, err)
	assert.True(t, ok.NewInode.IsSubvolumeRoot())
}

func TestNamespaceSetAttrUpdatesModeAndTruncatesPageCache(t *testing.T) {
	ns, _ := newTestNamespace(t)
	ctx := context.Background()

	f, err := ns.Create(ctx, RootSubvol, RootInum, 0, CreateRequest{Name: "f", Mode: ModeReg | 0o644})
	require.NoError(t, err)

	cached, err := ns.Cache.Find(f.NewInode.Subvol, f.NewInode.Inum)
	require.NoError(t, err)
	cached.WritePage(0, []byte("hello"))
	cached.WritePage(4096, []byte("world"))

	newMode := uint32(0o600)
	newSize := uint64(10)
	updated, err := ns.SetAttr(ctx, f.NewInode.Subvol, f.NewInode.Inum, 0, SetAttrRequest{Mode: &newMode, Size: &newSize})
	require.NoError(t, err)
	assert.Equal(t, uint32(ModeReg|0o600), updated.Mode)
	assert.Equal(t, uint64(10), updated.Size)

	_, ok := cached.ReadPage(4096)
	assert.False(t, ok)
	_, ok = cached.ReadPage(0)
	assert.True(t, ok)
}

func TestNamespaceReaddirListsEntriesAndSkipsWhiteouts(t *testing.T) {
	ns, _ := newTestNamespace(t)
	ctx := context.Background()

	_, err := ns.Create(ctx, RootSubvol, RootInum, 0, CreateRequest{Name: "a", Mode: ModeReg})
	require.NoError(t, err)
	_, err = ns.Create(ctx, RootSubvol, RootInum, 0, CreateRequest{Name: "b", Mode: ModeDir})
	require.NoError(t, err)

	entries, err := ns.Readdir(ctx, RootSubvol, RootInum, 0)
	require.NoError(t, err)
	names := map[string]DirentType{}
	for _, e := range entries {
		names[e.Name] = e.Type
	}
	assert.Equal(t, DirentRegular, names["a"])
	assert.Equal(t, DirentDir, names["b"])
	assert.Len(t, entries, 2)
}
