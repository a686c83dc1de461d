package accounting

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldtrie/bcachefs-go/fsutil"
	"github.com/coldtrie/bcachefs-go/kv"
)

func TestPipelineAccountModCommitsAndFoldsUsage(t *testing.T) {
	tree := kv.NewMemTree()
	var seq uint64
	buf := tree.NewWriteBuffer(&seq)
	p := NewPipeline(NewTable(), buf, tree, tree)

	ctx := context.Background()
	require.NoError(t, p.AccountMod(ctx, Position{Tag: TagNrInodes}, Value{3}))
	require.NoError(t, p.AccountMod(ctx, Position{Tag: TagNrInodes}, Value{2}))

	idx, ok := p.Table.Find(mustKey(t, Position{Tag: TagNrInodes}))
	require.True(t, ok)
	v, err := p.Table.Read(idx)
	require.NoError(t, err)
	assert.Equal(t, Value{5}, v)

	assert.Equal(t, int64(5), tree.FsUsage().NrInodes)

	vs, err := buf.Flush(ctx)
	require.NoError(t, err)
	assert.True(t, vs.Seq > 0)
}

func TestPipelineAccountModRequiresReplicasMarkedFirst(t *testing.T) {
	tree := kv.NewMemTree()
	var seq uint64
	buf := tree.NewWriteBuffer(&seq)
	p := NewPipeline(NewTable(), buf, tree, tree)
	ctx := context.Background()

	pos := Position{Tag: TagReplicas, Devices: NewDeviceSet(1), RequiredCount: 1}
	err := p.AccountMod(ctx, pos, Value{100})
	require.ErrorIs(t, err, fsutil.ErrNeedMarkReplicas)

	key, err := ApToAk(pos)
	require.NoError(t, err)

	_, err = fsutil.Retry[struct{}](ctx, p.MarkReplicasFunc(key), func() fsutil.Outcome[struct{}] {
		if err := p.AccountMod(ctx, pos, Value{100}); err != nil {
			if err == fsutil.ErrNeedMarkReplicas {
				return fsutil.NeedMark[struct{}]()
			}
			return fsutil.Fail[struct{}](err)
		}
		return fsutil.Ok(struct{}{})
	})
	require.NoError(t, err)

	idx, ok := p.Table.Find(key)
	require.True(t, ok)
	v, rerr := p.Table.Read(idx)
	require.NoError(t, rerr)
	assert.Equal(t, Value{100}, v)
}

func TestPipelineDevDataTypeModFoldsDeviceUsage(t *testing.T) {
	tree := kv.NewMemTree()
	var seq uint64
	buf := tree.NewWriteBuffer(&seq)
	p := NewPipeline(NewTable(), buf, tree, tree)
	ctx := context.Background()

	require.NoError(t, p.DevDataTypeMod(ctx, 7, 1, 10, 2000, 5))
	du := tree.DeviceUsage(7, 1)
	assert.Equal(t, int64(10), du.Buckets)
	assert.Equal(t, int64(2000), du.Sectors)
	assert.Equal(t, int64(5), du.Fragmented)
}

func TestPipelineCachedSectorsMod(t *testing.T) {
	tree := kv.NewMemTree()
	var seq uint64
	buf := tree.NewWriteBuffer(&seq)
	p := NewPipeline(NewTable(), buf, tree, tree)
	ctx := context.Background()

	require.NoError(t, tree.Mark(mustKey(t, CachedReplicas(3))))
	require.NoError(t, p.CachedSectorsMod(ctx, 3, 42))

	idx, ok := p.Table.Find(mustKey(t, CachedReplicas(3)))
	require.True(t, ok)
	v, err := p.Table.Read(idx)
	require.NoError(t, err)
	assert.Equal(t, Value{42}, v)
	assert.Equal(t, int64(42), tree.FsUsage().Cached)
}
