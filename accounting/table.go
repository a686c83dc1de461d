package accounting

import (
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/coldtrie/bcachefs-go/fsutil"
	"github.com/coldtrie/bcachefs-go/kv"
)

// cte is one Counter Table Entry: a live PerCPUVec plus, while a GC pass
// is in flight, a shadow PerCPUVec the GC scan recounts into
// independently (spec.md §4.4). version is the stamp of the newest
// update this entry's live counters already reflect — replay's dedup
// guard against re-applying a journal entry the tree already counted.
type cte struct {
	key     Key
	arity   int
	live    *PerCPUVec
	shadow  *PerCPUVec
	version kv.VersionStamp
}

// Table is the in-memory Counter Table (C2): every currently-known
// accounting key, physically laid out in Eytzinger order over the key
// comparator so find is O(log n) and wait-free under concurrent
// readers. mu is the mark_lock from spec.md §4.2 — reads and mods take
// the shared side and never block each other; insert and compaction
// take the exclusive side, since they mutate Table.entries' length and
// the derived layout.
type Table struct {
	mu       sync.RWMutex
	entries  []*cte
	layout   []eytzingerNode
	gcActive bool
	inflight singleflight.Group
}

// NewTable returns an empty Counter Table.
func NewTable() *Table {
	return &Table{}
}

// Find returns the stable index of key, or false if it isn't present.
// Callers never synchronize with insert — Find alone never blocks a
// concurrent Mod or another Find.
func (t *Table) Find(key Key) (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return eytzingerFind(t.layout, key)
}

// Read sums the live counters at idx across every shard.
func (t *Table) Read(idx int) (Value, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if idx < 0 || idx >= len(t.entries) {
		return nil, fsutil.New(fsutil.CodeInconsistency, "accounting: read index out of range")
	}
	return t.entries[idx].live.Read(t.entries[idx].arity), nil
}

// Mod applies delta to the live counters at idx. While a GC pass is
// running, the same delta is mirrored into the shadow counters so a
// write landing mid-pass is reflected on both sides and doesn't show up
// as a spurious corrective delta at gc_done (spec.md §4.4).
func (t *Table) Mod(idx int, delta Value) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if idx < 0 || idx >= len(t.entries) {
		return fsutil.New(fsutil.CodeInconsistency, "accounting: mod index out of range")
	}
	e := t.entries[idx]
	e.live.Mod(delta)
	if t.gcActive && e.shadow != nil {
		e.shadow.Mod(delta)
	}
	return nil
}

// SetVersion stamps the CTE at idx with v, recording that its live
// value now reflects every update up to and including v. Replay calls
// this after folding a tree record or a journal entry into the entry.
func (t *Table) SetVersion(idx int, v kv.VersionStamp) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if idx < 0 || idx >= len(t.entries) {
		return fsutil.New(fsutil.CodeInconsistency, "accounting: set_version index out of range")
	}
	t.entries[idx].version = v
	return nil
}

// checkVersion reports whether idx's CTE already reflects v, per
// spec.md §4.4 step 2's replay guard: "locate its CTE; if the CTE's
// version is >= the journal key's version, skip."
func (t *Table) checkVersion(idx int, v kv.VersionStamp) (bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if idx < 0 || idx >= len(t.entries) {
		return false, fsutil.New(fsutil.CodeInconsistency, "accounting: check_version index out of range")
	}
	return t.entries[idx].version.GreaterOrEqual(v), nil
}

// IsZero reports whether the live counters at idx are all zero.
func (t *Table) IsZero(idx int) (bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if idx < 0 || idx >= len(t.entries) {
		return false, fsutil.New(fsutil.CodeInconsistency, "accounting: is_zero index out of range")
	}
	e := t.entries[idx]
	return e.live.IsZero(e.arity), nil
}

// Len returns the current number of table entries, live or not.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// FindOrInsert returns key's index, inserting a zero-valued entry of
// the given arity if it isn't already present. This follows spec.md
// §4.2's protocol: look up under the shared lock first (the common
// case once the table is warm), and only drop to the exclusive lock,
// re-check (another goroutine may have inserted it first), and insert
// when the key truly hasn't been seen. singleflight collapses
// concurrent first-inserts of the same key into a single real
// Table.entries append.
func (t *Table) FindOrInsert(key Key, arity int) (int, error) {
	if idx, ok := t.Find(key); ok {
		return idx, nil
	}

	v, err, _ := t.inflight.Do(string(key), func() (interface{}, error) {
		t.mu.Lock()
		defer t.mu.Unlock()

		if idx, ok := eytzingerFind(t.layout, key); ok {
			return idx, nil
		}

		e := &cte{key: append(Key(nil), key...), arity: arity, live: newPerCPUVec()}
		if t.gcActive {
			e.shadow = newPerCPUVec()
		}
		t.entries = append(t.entries, e)
		t.rebuildLayoutLocked()
		return len(t.entries) - 1, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

// rebuildLayoutLocked recomputes the Eytzinger physical layout from
// Table.entries. Callers must hold mu for writing. Entries may be in any
// order going in (insert appends, so we sort once here rather than
// maintaining sortedness incrementally — cheap next to how rarely
// structural mutation happens relative to Mod/Read).
func (t *Table) rebuildLayoutLocked() {
	sorted := make([]eytzingerNode, len(t.entries))
	for i, e := range t.entries {
		sorted[i] = eytzingerNode{key: e.key, idx: i}
	}
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && compareKeysBytes(sorted[j-1].key, sorted[j].key) > 0; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	t.layout = eytzingerBuild(sorted)
}

// GCStart begins a GC pass: every existing entry gets a fresh, zeroed
// shadow vector that the GC scan and any concurrent Mod calls both
// write into (spec.md §4.4's gc_start).
func (t *Table) GCStart() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gcActive = true
	for _, e := range t.entries {
		e.shadow = newPerCPUVec()
	}
}

// SetShadow overwrites idx's shadow counters to equal total, for use by
// the GC scan phase as it recounts each entry from the on-disk source
// of truth. It must only be called between GCStart and GCFinish.
func (t *Table) SetShadow(idx int, total Value) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if idx < 0 || idx >= len(t.entries) {
		return fsutil.New(fsutil.CodeInconsistency, "accounting: set_shadow index out of range")
	}
	e := t.entries[idx]
	if e.shadow == nil {
		return fsutil.New(fsutil.CodeInconsistency, "accounting: set_shadow called outside a GC pass")
	}
	cur := e.shadow.Read(e.arity)
	e.shadow.Mod(total.Sub(cur))
	return nil
}

// CorrectiveDelta is one (key, delta) pair GCFinish produces for every
// entry whose live counters disagree with the GC scan's shadow
// recount. Callers apply these through the normal commit pipeline
// (C3), not directly, so the correction is itself journaled and
// replayed like any other accounting update (spec.md §4.4).
type CorrectiveDelta struct {
	Key   Key
	Delta Value
}

// GCFinish ends the in-flight GC pass and returns the corrective deltas
// needed to reconcile every entry's live counters with its shadow
// recount (shadow - live, the amount by which live is currently wrong).
// It does not apply them; gc.go drives that through the commit
// pipeline.
func (t *Table) GCFinish() []CorrectiveDelta {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []CorrectiveDelta
	for _, e := range t.entries {
		if e.shadow == nil {
			continue
		}
		live := e.live.Read(e.arity)
		shadow := e.shadow.Read(e.arity)
		delta := shadow.Sub(live)
		if !delta.IsZero() {
			out = append(out, CorrectiveDelta{Key: append(Key(nil), e.key...), Delta: delta})
		}
		e.shadow = nil
	}
	t.gcActive = false
	return out
}

// Compact drops every zero-valued entry from the table and rebuilds the
// Eytzinger layout, per spec.md §4.2's gc_compact. It must not run
// concurrently with a GC pass (callers serialize via gc.go).
func (t *Table) Compact() {
	t.mu.Lock()
	defer t.mu.Unlock()

	kept := t.entries[:0:0]
	for _, e := range t.entries {
		if !e.live.IsZero(e.arity) {
			kept = append(kept, e)
		}
	}
	t.entries = kept
	t.rebuildLayoutLocked()
}

// Snapshot returns every (key, live value) pair currently in the table,
// in ascending key order. Used by GC's shadow-vs-live comparison and by
// fs_usage_base reconstruction at replay.
func (t *Table) Snapshot() []struct {
	Key   Key
	Value Value
} {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]struct {
		Key   Key
		Value Value
	}, len(t.entries))
	// In-order walk of the Eytzinger layout (children of k at 2k+1 and
	// 2k+2) visits the nodes in ascending key order.
	i := 0
	var walk func(k int)
	walk = func(k int) {
		if k >= len(t.layout) {
			return
		}
		walk(2*k + 1)
		e := t.entries[t.layout[k].idx]
		out[i] = struct {
			Key   Key
			Value Value
		}{Key: e.key, Value: e.live.Read(e.arity)}
		i++
		walk(2*k + 2)
	}
	walk(0)
	return out
}
