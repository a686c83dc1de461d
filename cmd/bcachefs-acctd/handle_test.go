package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/anacrolix/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldtrie/bcachefs-go/config"
	"github.com/coldtrie/bcachefs-go/fs"
)

func TestFsHandleMountReplaysAndAllowsNamespaceOps(t *testing.T) {
	cfg := config.Default()
	cfg.InodeCacheCapacity = 1024
	cfg.InumAllocatorShards = 2
	h := NewFsHandle(cfg, log.Default, nil)

	ctx := context.Background()
	lockPath := filepath.Join(t.TempDir(), ".bcachefs-acctd.lock")
	require.NoError(t, h.Mount(ctx, lockPath))
	defer h.Unmount()

	res, err := h.Namespace.Create(ctx, fs.RootSubvol, fs.RootInum, 0, fs.CreateRequest{Name: "hello.txt", Mode: fs.ModeReg})
	require.NoError(t, err)
	assert.True(t, res.NewInode.IsReg())

	path, err := h.PathWalker.ReverseWalk(ctx, res.NewInode.Subvol, res.NewInode.Inum, 0)
	require.NoError(t, err)
	assert.Equal(t, "/hello.txt", path)
}

func TestFsHandleMountRejectsSecondLockHolder(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), ".bcachefs-acctd.lock")

	h1 := NewFsHandle(config.Default(), log.Default, nil)
	require.NoError(t, h1.Mount(context.Background(), lockPath))
	defer h1.Unmount()

	h2 := NewFsHandle(config.Default(), log.Default, nil)
	err := h2.Mount(context.Background(), lockPath)
	require.Error(t, err)
}

func TestFsHandleRunGCAndVerifyCleanOnFreshMount(t *testing.T) {
	h := NewFsHandle(config.Default(), log.Default, nil)
	lockPath := filepath.Join(t.TempDir(), ".bcachefs-acctd.lock")
	ctx := context.Background()
	require.NoError(t, h.Mount(ctx, lockPath))
	defer h.Unmount()

	stats, err := h.RunGC(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Corrected)
	assert.NoError(t, h.VerifyClean())
}

func TestFsHandleAvailInodesUsesConfiguredDivisor(t *testing.T) {
	cfg := config.Default()
	cfg.AvgInodeSize = 100
	h := NewFsHandle(cfg, log.Default, nil)
	assert.EqualValues(t, 9, h.AvailInodes(1000, 100))
}
