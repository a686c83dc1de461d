package fs

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldtrie/bcachefs-go/fsutil"
)

func TestInodeCacheInsertAndFind(t *testing.T) {
	c, err := NewInodeCache(64)
	require.NoError(t, err)

	entry := NewCachedInode(Inode{Subvol: 1, Inum: 5})
	got := c.Insert(1, 5, entry)
	assert.Same(t, entry, got)

	found, err := c.Find(1, 5)
	require.NoError(t, err)
	assert.Same(t, entry, found)

	missing, err := c.Find(1, 999)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestInodeCacheInsertRaceKeepsFirstInserter(t *testing.T) {
	c, err := NewInodeCache(64)
	require.NoError(t, err)

	a := NewCachedInode(Inode{Subvol: 2, Inum: 10})
	b := NewCachedInode(Inode{Subvol: 2, Inum: 10})

	const n = 16
	results := make([]*CachedInode, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		entry := a
		if i%2 == 1 {
			entry = b
		}
		go func(i int, e *CachedInode) {
			defer wg.Done()
			results[i] = c.Insert(2, 10, e)
		}(i, entry)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.Same(t, results[0], results[i])
	}
}

func TestInodeCacheRemoveIsIdempotent(t *testing.T) {
	c, err := NewInodeCache(64)
	require.NoError(t, err)
	entry := NewCachedInode(Inode{Subvol: 3, Inum: 1})
	c.Insert(3, 1, entry)

	c.Remove(3, 1)
	c.Remove(3, 1) // must not panic or double-broadcast badly

	found, err := c.Find(3, 1)
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestInodeCacheFindWaitsOnFreeingThenRestarts(t *testing.T) {
	c, err := NewInodeCache(64)
	require.NoError(t, err)
	entry := NewCachedInode(Inode{Subvol: 4, Inum: 1})
	c.Insert(4, 1, entry)

	c.mu.Lock()
	slot, ok := c.lru.Get(inodeKey{4, 1})
	require.True(t, ok)
	slot.freeing = true
	c.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := c.Find(4, 1)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	c.mu.Lock()
	c.lru.Remove(inodeKey{4, 1})
	c.cond.Broadcast()
	c.mu.Unlock()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, fsutil.ErrTransactionRestart)
	case <-time.After(time.Second):
		t.Fatal("Find did not return after freeing entry was resolved")
	}
}

func TestInodeCacheEvictDropsWholeSubvolume(t *testing.T) {
	c, err := NewInodeCache(64)
	require.NoError(t, err)
	c.Insert(5, 1, NewCachedInode(Inode{Subvol: 5, Inum: 1}))
	c.Insert(5, 2, NewCachedInode(Inode{Subvol: 5, Inum: 2}))
	c.Insert(6, 1, NewCachedInode(Inode{Subvol: 6, Inum: 1}))

	c.Evict(5)

	f1, _ := c.Find(5, 1)
	f2, _ := c.Find(5, 2)
	f3, _ := c.Find(6, 1)
	assert.Nil(t, f1)
	assert.Nil(t, f2)
	assert.NotNil(t, f3)
}
