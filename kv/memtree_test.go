package kv_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coldtrie/bcachefs-go/kv"
)

func TestMemTreeSetGetDelete(t *testing.T) {
	ctx := context.Background()
	tr := kv.NewMemTree()

	key := []byte("inode-1")
	_, found, err := tr.Get(ctx, kv.TreeInode, key, 0)
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, tr.Set(ctx, kv.TreeInode, key, 0, []byte("v1"), kv.VersionStamp{Seq: 1}))
	rec, found, err := tr.Get(ctx, kv.TreeInode, key, 0)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v1"), rec.Value)

	require.NoError(t, tr.Delete(ctx, kv.TreeInode, key, 0))
	_, found, err = tr.Get(ctx, kv.TreeInode, key, 0)
	require.NoError(t, err)
	require.False(t, found)
}

func TestMemTreeSnapshotAncestorRead(t *testing.T) {
	ctx := context.Background()
	tr := kv.NewMemTree()
	tr.SetSnapshotParent(2, 1)
	tr.SetSnapshotParent(1, 0)

	key := []byte("dirent-a")
	require.NoError(t, tr.Set(ctx, kv.TreeDirent, key, 0, []byte("root-value"), kv.VersionStamp{Seq: 1}))

	// Snapshot 2 has no entry of its own; it must see the root's value
	// via the nearest-ancestor rule.
	rec, found, err := tr.Get(ctx, kv.TreeDirent, key, 2)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("root-value"), rec.Value)

	// Writing at snapshot 1 shadows the root for snapshots 1 and 2.
	require.NoError(t, tr.Set(ctx, kv.TreeDirent, key, 1, []byte("snap1-value"), kv.VersionStamp{Seq: 2}))
	rec, found, err = tr.Get(ctx, kv.TreeDirent, key, 2)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("snap1-value"), rec.Value)
}

func TestMemTreeIteratorAscends(t *testing.T) {
	ctx := context.Background()
	tr := kv.NewMemTree()
	require.NoError(t, tr.Set(ctx, kv.TreeAccounting, []byte{0x01}, 0, []byte("a"), kv.VersionStamp{Seq: 1}))
	require.NoError(t, tr.Set(ctx, kv.TreeAccounting, []byte{0x02}, 0, []byte("b"), kv.VersionStamp{Seq: 1}))
	require.NoError(t, tr.Set(ctx, kv.TreeAccounting, []byte{0x03}, 0, []byte("c"), kv.VersionStamp{Seq: 1}))

	it := tr.NewIterator(kv.TreeAccounting)
	it.SetSnapshot(0)
	require.NoError(t, it.Advance(ctx))

	var keys [][]byte
	for {
		rec, ok, err := it.PeekSlot(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		keys = append(keys, rec.Key)
		require.NoError(t, it.Advance(ctx))
	}
	require.Equal(t, [][]byte{{0x01}, {0x02}, {0x03}}, keys)
}

func TestMemTreeWriteBufferMergesAdditiveDeltas(t *testing.T) {
	ctx := context.Background()
	tr := kv.NewMemTree()
	var seq uint64
	wb := tr.NewWriteBuffer(&seq)

	enc := func(v int64) []byte {
		b := make([]byte, 8)
		for i := 0; i < 8; i++ {
			b[i] = byte(v >> (8 * i))
		}
		return b
	}

	key := []byte{0x07}
	wb.Enqueue(kv.WriteBufferItem{TreeID: kv.TreeAccounting, Key: key, Value: enc(10)})
	wb.Enqueue(kv.WriteBufferItem{TreeID: kv.TreeAccounting, Key: key, Value: enc(20)})
	wb.Enqueue(kv.WriteBufferItem{TreeID: kv.TreeAccounting, Key: key, Value: enc(30)})

	version, err := wb.Flush(ctx)
	require.NoError(t, err)
	require.NotZero(t, version.Seq)

	rec, found, err := tr.Get(ctx, kv.TreeAccounting, key, 0)
	require.NoError(t, err)
	require.True(t, found)
	got := int64(0)
	for i := 0; i < 8; i++ {
		got |= int64(rec.Value[i]) << (8 * i)
	}
	require.Equal(t, int64(60), got)

	pending := tr.PendingAccounting()
	require.Len(t, pending, 0)
}

func TestMemTreeHashIndexMustCreate(t *testing.T) {
	ctx := context.Background()
	tr := kv.NewMemTree()

	off, err := tr.Create(ctx, 1, "foo", 0, []byte("target"), true)
	require.NoError(t, err)

	_, err = tr.Create(ctx, 1, "foo", 0, []byte("other"), true)
	require.Error(t, err)

	foundOff, v, found, err := tr.Lookup(ctx, 1, "foo", 0)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, off, foundOff)
	require.Equal(t, []byte("target"), v)

	require.NoError(t, tr.DeleteAt(ctx, 1, off, 0))
	_, _, found, err = tr.Lookup(ctx, 1, "foo", 0)
	require.NoError(t, err)
	require.False(t, found)
}
