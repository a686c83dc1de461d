package kv

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/tidwall/btree"
)

// MemTree is the one concrete Tree/WriteBuffer/Journal/ReplicaRegistry/
// SuperblockUsage/HashIndex implementation this module ships: an
// in-process, tidwall/btree-backed store good enough to exercise and
// test the accounting and fs packages against. It is explicitly a
// test/demo backend, standing in for the out-of-scope real B-tree
// storage engine (§1).
//
// Keys for a given TreeID are assumed self-delimiting/fixed-width (true
// of every key the accounting and fs codecs produce), so a composite
// key of treeID||key||snapshot sorts lexicographically the same way
// (key, snapshot) would.
type MemTree struct {
	mu   sync.RWMutex
	data *btree.Map[string, Record]

	// snapshot DAG: child -> parent. Snapshot 0 is the root and has no
	// parent entry.
	parents map[uint32]uint32

	replicas map[string]bool

	journalMu sync.Mutex
	journal   []JournalEntry

	fsUsage UsageShard
	devUsage map[devKey]DeviceUsage

	hashMu sync.Mutex
	hash   map[hashKey][]byte
	nextOffset uint64
}

type devKey struct {
	dev      uint32
	dataType uint8
}

type hashKey struct {
	parent uint64
	offset uint64
}

func NewMemTree() *MemTree {
	return &MemTree{
		data:     btree.NewMap[string, Record](32),
		parents:  make(map[uint32]uint32),
		replicas: make(map[string]bool),
		devUsage: make(map[devKey]DeviceUsage),
		hash:     make(map[hashKey][]byte),
	}
}

// SetSnapshotParent records that child's nearest ancestor is parent,
// for the "nearest ancestor of S in the snapshot DAG" read rule (§5).
func (m *MemTree) SetSnapshotParent(child, parent uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parents[child] = parent
}

func compositeKey(treeID TreeID, key []byte, snapshot uint32) string {
	buf := make([]byte, 1+len(key)+4)
	buf[0] = byte(treeID)
	copy(buf[1:], key)
	binary.BigEndian.PutUint32(buf[1+len(key):], snapshot)
	return string(buf)
}

// ancestorChain returns [snapshot, parent(snapshot), ...] ending at the
// root, without holding the lock (caller must hold m.mu).
func (m *MemTree) ancestorChain(snapshot uint32) []uint32 {
	chain := []uint32{snapshot}
	seen := map[uint32]bool{snapshot: true}
	cur := snapshot
	for {
		p, ok := m.parents[cur]
		if !ok || seen[p] {
			break
		}
		chain = append(chain, p)
		seen[p] = true
		cur = p
	}
	return chain
}

func (m *MemTree) Get(ctx context.Context, treeID TreeID, key []byte, snapshot uint32) (Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.ancestorChain(snapshot) {
		if rec, ok := m.data.Get(compositeKey(treeID, key, s)); ok {
			return rec, true, nil
		}
	}
	return Record{}, false, nil
}

func (m *MemTree) Set(ctx context.Context, treeID TreeID, key []byte, snapshot uint32, value []byte, version VersionStamp) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.Set(compositeKey(treeID, key, snapshot), Record{
		Key: append([]byte(nil), key...), Value: append([]byte(nil), value...),
		Snapshot: snapshot, Version: version,
	})
	return nil
}

func (m *MemTree) Delete(ctx context.Context, treeID TreeID, key []byte, snapshot uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.Delete(compositeKey(treeID, key, snapshot))
	return nil
}

// memIterator walks one TreeID in ascending key order at a fixed
// snapshot (resolved via ancestor climbing on every PeekSlot, matching
// the real storage tree's snapshot-scoped iteration).
type memIterator struct {
	tree     *MemTree
	treeID   TreeID
	pos      []byte
	snapshot uint32
}

func (m *MemTree) NewIterator(treeID TreeID) Iterator {
	return &memIterator{tree: m, treeID: treeID}
}

func (it *memIterator) SetPos(key []byte)         { it.pos = append([]byte(nil), key...) }
func (it *memIterator) SetSnapshot(snapshot uint32) { it.snapshot = snapshot }

func (it *memIterator) Traverse(ctx context.Context) error { return nil }

// Advance moves pos to the next distinct key (across all snapshots) in
// this tree strictly greater than the current pos.
func (it *memIterator) Advance(ctx context.Context) error {
	it.tree.mu.RLock()
	defer it.tree.mu.RUnlock()

	var pivot string
	if it.pos == nil {
		pivot = string([]byte{byte(it.treeID)})
	} else {
		pivot = compositeKey(it.treeID, it.pos, math.MaxUint32)
	}

	var next []byte
	it.tree.data.Ascend(pivot, func(k string, v Record) bool {
		if len(k) == 0 || TreeID(k[0]) != it.treeID {
			return false
		}
		if it.pos != nil && compareKeys(v.Key, it.pos) == 0 {
			return true
		}
		next = append([]byte(nil), v.Key...)
		return false
	})
	it.pos = next
	return nil
}

func (it *memIterator) PeekSlot(ctx context.Context) (Record, bool, error) {
	if it.pos == nil {
		return Record{}, false, nil
	}
	return it.tree.Get(ctx, it.treeID, it.pos, it.snapshot)
}

func (it *memIterator) PeekUpTo(ctx context.Context, end []byte) (Record, bool, error) {
	rec, ok, err := it.PeekSlot(ctx)
	if err != nil || !ok {
		return rec, ok, err
	}
	if compareKeys(rec.Key, end) > 0 {
		return Record{}, false, nil
	}
	return rec, ok, nil
}

// AscendAll returns every live record in treeID at snapshot, in key
// order, resolved through the ancestor chain. C4's replay scan does not
// use it; it walks the tree through NewIterator.
func (m *MemTree) AscendAll(treeID TreeID, snapshot uint32) []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]bool)
	var out []Record
	prefix := []byte{byte(treeID)}
	m.data.Ascend(string(prefix), func(k string, v Record) bool {
		if len(k) == 0 || k[0] != byte(treeID) {
			return false
		}
		if seen[string(v.Key)] {
			return true
		}
		for _, s := range m.ancestorChain(snapshot) {
			if rec, ok := m.data.Get(compositeKey(treeID, v.Key, s)); ok {
				out = append(out, rec)
				seen[string(v.Key)] = true
				break
			}
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return compareKeys(out[i].Key, out[j].Key) < 0 })
	return out
}

// --- WriteBuffer ---

type memWriteBuffer struct {
	tree  *MemTree
	items []WriteBufferItem
	seq   *uint64
}

func (m *MemTree) NewWriteBuffer(seqCounter *uint64) WriteBuffer {
	return &memWriteBuffer{tree: m, seq: seqCounter}
}

// Enqueue stages items for the next Flush. A TreeAccounting item is
// also journaled immediately, with its own version stamp, the way a
// real commit's journal entry is durable before the write buffer ever
// gets around to folding it into the on-disk tree (§4.3) — Flush drops
// it again once that fold happens, so a crash between the two leaves
// exactly the pending delta behind for C4's replay to recover.
func (w *memWriteBuffer) Enqueue(items ...WriteBufferItem) {
	w.items = append(w.items, items...)

	for _, it := range items {
		if it.TreeID != TreeAccounting {
			continue
		}
		*w.seq++
		v := VersionStamp{Seq: *w.seq, Offset: 0}
		w.tree.journalMu.Lock()
		w.tree.journal = append(w.tree.journal, JournalEntry{
			Key:     append([]byte(nil), it.Key...),
			Value:   append([]byte(nil), it.Value...),
			Version: v,
		})
		w.tree.journalMu.Unlock()
	}
}

// Flush applies accounting items additively (merging same-key deltas
// within the batch first, matching "multiple deltas for the same key
// within one commit merge additively"), and every other tree item as a
// point write, then assigns one monotone VersionStamp to the batch.
// Each flushed accounting key's journal entries are dropped since the
// tree record now durably reflects them.
func (w *memWriteBuffer) Flush(ctx context.Context) (VersionStamp, error) {
	*w.seq++
	version := VersionStamp{Seq: *w.seq, Offset: 0}

	merged := make(map[string]WriteBufferItem)
	order := make([]string, 0, len(w.items))
	for _, it := range w.items {
		if it.TreeID != TreeAccounting {
			continue
		}
		k := string(it.Key)
		if ex, ok := merged[k]; ok {
			merged[k] = WriteBufferItem{TreeID: it.TreeID, Key: it.Key, Snapshot: it.Snapshot, Value: addDeltas(ex.Value, it.Value)}
		} else {
			merged[k] = it
			order = append(order, k)
		}
	}
	for i, off := 0, uint32(0); i < len(order); i, off = i+1, off+1 {
		it := merged[order[i]]
		entryVersion := VersionStamp{Seq: version.Seq, Offset: off}
		if err := w.tree.applyAccountingDelta(it.Key, it.Value, entryVersion); err != nil {
			return VersionStamp{}, err
		}
		w.tree.Drop(it.Key)
	}

	for _, it := range w.items {
		if it.TreeID == TreeAccounting {
			continue
		}
		if err := w.tree.Set(ctx, it.TreeID, it.Key, it.Snapshot, it.Value, version); err != nil {
			return VersionStamp{}, err
		}
	}

	w.items = nil
	return version, nil
}

func (w *memWriteBuffer) Flushed() bool { return len(w.items) == 0 }

// applyAccountingDelta adds delta onto the existing accounting value at
// key (inserting zero+delta if absent) — the write buffer's additive
// semantics for TreeAccounting keys.
func (m *MemTree) applyAccountingDelta(key, delta []byte, version VersionStamp) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ck := compositeKey(TreeAccounting, key, 0)
	existing, ok := m.data.Get(ck)
	var merged []byte
	if ok {
		merged = addDeltas(existing.Value, delta)
	} else {
		merged = append([]byte(nil), delta...)
	}
	m.data.Set(ck, Record{Key: append([]byte(nil), key...), Value: merged, Snapshot: 0, Version: version})
	return nil
}

// addDeltas adds two equal-length little-endian-int64-array encoded
// accounting values elementwise. Both must be a whole number of 8-byte
// counters; accounting.Value.Marshal guarantees this.
func addDeltas(a, b []byte) []byte {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	out := make([]byte, n)
	copy(out, a)
	for i := 0; i+8 <= len(b); i += 8 {
		av := int64(binary.LittleEndian.Uint64(out[i : i+8]))
		bv := int64(binary.LittleEndian.Uint64(b[i : i+8]))
		binary.LittleEndian.PutUint64(out[i:i+8], uint64(av+bv))
	}
	return out
}

// --- Journal ---

func (m *MemTree) PendingAccounting() []JournalEntry {
	m.journalMu.Lock()
	defer m.journalMu.Unlock()
	out := make([]JournalEntry, len(m.journal))
	copy(out, m.journal)
	return out
}

func (m *MemTree) Drop(key []byte) {
	m.journalMu.Lock()
	defer m.journalMu.Unlock()
	out := m.journal[:0]
	for _, e := range m.journal {
		if string(e.Key) != string(key) {
			out = append(out, e)
		}
	}
	m.journal = out
}

// --- ReplicaRegistry ---

func (m *MemTree) Mark(entry []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replicas[string(entry)] = true
	return nil
}

func (m *MemTree) Marked(entry []byte) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.replicas[string(entry)]
}

func (m *MemTree) Validate(entry []byte) error {
	if len(entry) == 0 {
		return fmt.Errorf("kv: empty replica entry")
	}
	return nil
}

// --- SuperblockUsage ---

func (m *MemTree) FoldFsUsage(delta UsageShard) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fsUsage.Add(delta)
}

func (m *MemTree) FsUsage() UsageShard {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fsUsage
}

func (m *MemTree) FoldDeviceUsage(dev uint32, dataType uint8, delta DeviceUsage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := devKey{dev, dataType}
	u := m.devUsage[k]
	u.Buckets += delta.Buckets
	u.Sectors += delta.Sectors
	u.Fragmented += delta.Fragmented
	m.devUsage[k] = u
}

func (m *MemTree) DeviceUsage(dev uint32, dataType uint8) DeviceUsage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.devUsage[devKey{dev, dataType}]
}

// --- HashIndex ---
//
// Entries are stored as nameLen(4 BE) || name || value so Lookup can
// recover the caller's value without guessing where the name ends.

func encodeHashEntry(name string, value []byte) []byte {
	buf := make([]byte, 4+len(name)+len(value))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(name)))
	copy(buf[4:], name)
	copy(buf[4+len(name):], value)
	return buf
}

func decodeHashEntry(entry []byte) (name string, value []byte) {
	n := binary.BigEndian.Uint32(entry[:4])
	name = string(entry[4 : 4+n])
	value = entry[4+n:]
	return name, value
}

func (m *MemTree) Lookup(ctx context.Context, parent uint64, name string, snapshot uint32) (uint64, []byte, bool, error) {
	m.hashMu.Lock()
	defer m.hashMu.Unlock()
	_ = snapshot
	// Linear scan keeps the demo backend simple; a real open-addressed
	// table would hash (parent, name) directly.
	for hk, entry := range m.hash {
		if hk.parent != parent {
			continue
		}
		if n, v := decodeHashEntry(entry); n == name {
			return hk.offset, v, true, nil
		}
	}
	return 0, nil, false, nil
}

func (m *MemTree) Create(ctx context.Context, parent uint64, name string, snapshot uint32, value []byte, mustCreate bool) (uint64, error) {
	m.hashMu.Lock()
	defer m.hashMu.Unlock()
	if mustCreate {
		for hk, entry := range m.hash {
			if hk.parent != parent {
				continue
			}
			if n, _ := decodeHashEntry(entry); n == name {
				return 0, fmt.Errorf("kv: dirent %q already exists", name)
			}
		}
	}
	off := m.nextOffset
	m.nextOffset++
	m.hash[hashKey{parent, off}] = encodeHashEntry(name, value)
	return off, nil
}

func (m *MemTree) DeleteAt(ctx context.Context, parent uint64, offset uint64, snapshot uint32) error {
	m.hashMu.Lock()
	defer m.hashMu.Unlock()
	delete(m.hash, hashKey{parent, offset})
	return nil
}

func (m *MemTree) GetAt(ctx context.Context, parent uint64, offset uint64, snapshot uint32) (string, []byte, bool, error) {
	m.hashMu.Lock()
	defer m.hashMu.Unlock()
	_ = snapshot
	entry, ok := m.hash[hashKey{parent, offset}]
	if !ok {
		return "", nil, false, nil
	}
	name, value := decodeHashEntry(entry)
	return name, value, true, nil
}

func (m *MemTree) List(ctx context.Context, parent uint64, snapshot uint32) ([]HashEntry, error) {
	m.hashMu.Lock()
	defer m.hashMu.Unlock()
	_ = snapshot
	var out []HashEntry
	for hk, entry := range m.hash {
		if hk.parent != parent {
			continue
		}
		name, value := decodeHashEntry(entry)
		out = append(out, HashEntry{Offset: hk.offset, Name: name, Value: value})
	}
	return out, nil
}
