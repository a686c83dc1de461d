package fs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathWalkerReverseWalkBuildsFullPath(t *testing.T) {
	ns, tree := newTestNamespace(t)
	ctx := context.Background()

	d, err := ns.Create(ctx, RootSubvol, RootInum, 0, CreateRequest{Name: "a", Mode: ModeDir})
	require.NoError(t, err)
	d2, err := ns.Create(ctx, RootSubvol, d.NewInode.Inum, 0, CreateRequest{Name: "b", Mode: ModeDir})
	require.NoError(t, err)
	f, err := ns.Create(ctx, RootSubvol, d2.NewInode.Inum, 0, CreateRequest{Name: "c.txt", Mode: ModeReg})
	require.NoError(t, err)

	w := NewPathWalker(tree, tree)
	path, err := w.ReverseWalk(ctx, f.NewInode.Subvol, f.NewInode.Inum, 0)
	require.NoError(t, err)
	assert.Equal(t, "/a/b/c.txt", path)
}

func TestPathWalkerReverseWalkOfRootIsSlash(t *testing.T) {
	ns, tree := newTestNamespace(t)
	_ = ns
	w := NewPathWalker(tree, tree)
	path, err := w.ReverseWalk(context.Background(), RootSubvol, RootInum, 0)
	require.NoError(t, err)
	assert.Equal(t, "/", path)
}

func TestPathWalkerReverseWalkAppendsDisconnectedOnMissingBackpointer(t *testing.T) {
	ns, tree := newTestNamespace(t)
	ctx := context.Background()

	res, err := ns.Create(ctx, RootSubvol, RootInum, 0, CreateRequest{Name: "orphan", Mode: ModeReg, Flags: CreateTmpfile})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), res.NewInode.DirInum)

	w := NewPathWalker(tree, tree)
	path, err := w.ReverseWalk(ctx, res.NewInode.Subvol, res.NewInode.Inum, 0)
	require.NoError(t, err)
	assert.Equal(t, disconnectedSuffix, path)
}

func TestPathWalkerReverseWalkOfSubvolumeRootCrossesToParentSubvol(t *testing.T) {
	ns, tree := newTestNamespace(t)
	ctx := context.Background()

	sub, err := ns.Create(ctx, RootSubvol, RootInum, 0, CreateRequest{Name: "vol", Mode: ModeDir, Flags: CreateSubvol})
	require.NoError(t, err)
	require.True(t, sub.NewInode.IsSubvolumeRoot())

	w := NewPathWalker(tree, tree)
	path, err := w.ReverseWalk(ctx, sub.NewInode.Subvol, sub.NewInode.Inum, 0)
	require.NoError(t, err)
	assert.Equal(t, "/vol", path)
}

