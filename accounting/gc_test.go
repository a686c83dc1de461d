package accounting

import (
	"context"
	"testing"

	"github.com/anacrolix/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldtrie/bcachefs-go/fsutil"
	"github.com/coldtrie/bcachefs-go/kv"
)

func TestGCRunReconcilesDriftAgainstOnDiskTree(t *testing.T) {
	tree := kv.NewMemTree()
	var seq uint64
	buf := tree.NewWriteBuffer(&seq)
	table := NewTable()
	p := NewPipeline(table, buf, tree, tree)
	ctx := context.Background()

	require.NoError(t, p.AccountMod(ctx, Position{Tag: TagNrInodes}, Value{10}))
	_, err := buf.Flush(ctx)
	require.NoError(t, err)

	// Drift the in-memory live counter away from what's committed to
	// the tree, simulating a counter that needs correcting.
	idx, ok := table.Find(mustKey(t, Position{Tag: TagNrInodes}))
	require.True(t, ok)
	require.NoError(t, table.Mod(idx, Value{1000}))

	gc := NewGC(table, p, tree, tree, fsutil.NewFsckPrompt(log.Default))
	stats, err := gc.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Corrected)

	v, err := table.Read(idx)
	require.NoError(t, err)
	assert.Equal(t, Value{10}, v)
}

func TestGCReplayRebuildsTableFromTreeAndJournal(t *testing.T) {
	tree := kv.NewMemTree()
	var seq uint64
	buf := tree.NewWriteBuffer(&seq)
	table := NewTable()
	p := NewPipeline(table, buf, tree, tree)
	ctx := context.Background()

	require.NoError(t, p.AccountMod(ctx, Position{Tag: TagNrInodes}, Value{7}))
	_, err := buf.Flush(ctx)
	require.NoError(t, err)

	// A second update that never gets flushed stays pending in the
	// journal, simulating a crash after commit but before flush.
	require.NoError(t, p.AccountMod(ctx, Position{Tag: TagNrInodes}, Value{3}))

	fresh := NewTable()
	freshPipeline := NewPipeline(fresh, buf, tree, tree)
	gc := NewGC(fresh, freshPipeline, tree, tree, nil)
	require.NoError(t, gc.Replay(ctx))

	idx, ok := fresh.Find(mustKey(t, Position{Tag: TagNrInodes}))
	require.True(t, ok)
	v, err := fresh.Read(idx)
	require.NoError(t, err)
	assert.Equal(t, Value{10}, v)
}

func TestGCReplayMarksUnregisteredNonZeroReplicas(t *testing.T) {
	tree := kv.NewMemTree()
	var seq uint64
	buf := tree.NewWriteBuffer(&seq)
	table := NewTable()
	p := NewPipeline(table, buf, tree, tree)
	ctx := context.Background()

	key := mustKey(t, CachedReplicas(9))
	require.NoError(t, tree.Mark(key))
	require.NoError(t, p.CachedSectorsMod(ctx, 9, 5))
	_, err := buf.Flush(ctx)
	require.NoError(t, err)

	// Simulate a superblock that forgot this replicas entry was marked.
	tree2 := kv.NewMemTree()
	var seq2 uint64
	buf2 := tree2.NewWriteBuffer(&seq2)
	_ = buf2
	fresh := NewTable()
	freshPipeline := NewPipeline(fresh, buf, tree2, tree)
	gc := NewGC(fresh, freshPipeline, tree, tree, nil)
	require.False(t, tree2.Marked(key))
	require.NoError(t, gc.Replay(ctx))

	assert.True(t, tree2.Marked(key))
	_ = tree2
}
