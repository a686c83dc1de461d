package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsFullyPopulated(t *testing.T) {
	d := Default()
	assert.EqualValues(t, 64, d.AvgInodeSize)
	assert.NotZero(t, d.InodeCacheCapacity)
	assert.NotZero(t, d.InumAllocatorShards)
	assert.Zero(t, d.GCConcurrency)
}

func TestLoadOverridesOnlyGivenFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bcachefs-acctd.toml")
	require.NoError(t, os.WriteFile(path, []byte("gc_concurrency = 4\n"), 0o644))

	tn, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, tn.GCConcurrency)
	assert.EqualValues(t, 64, tn.AvgInodeSize) // untouched field keeps its default
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestAvailInodesRoundsUpPartialInode(t *testing.T) {
	tn := Default()
	tn.AvgInodeSize = 64

	// 65 free bytes at 64 bytes/inode is one full inode plus one
	// leftover byte, which still occupies a whole available inode.
	assert.EqualValues(t, 2, tn.AvailInodes(165, 100))
}

func TestAvailInodesIsZeroWhenFull(t *testing.T) {
	tn := Default()
	assert.EqualValues(t, 0, tn.AvailInodes(100, 100))
	assert.EqualValues(t, 0, tn.AvailInodes(100, 150))
}
