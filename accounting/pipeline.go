package accounting

import (
	"context"

	"github.com/coldtrie/bcachefs-go/fsutil"
	"github.com/coldtrie/bcachefs-go/kv"
)

// Pipeline is the transaction-time accounting update path (C3): locate
// or create a Counter Table Entry, apply the delta in memory, enqueue
// the same delta onto the write buffer for eventual flush to the
// on-disk accounting tree, and fold the change into whichever derived
// aggregate the key's tag feeds (fs_usage_base, per-device usage).
// Grounded on original_source/libbcachefs/disk_accounting.c's
// bch2_accounting_mem_mod / bch2_disk_accounting_mod commit path.
type Pipeline struct {
	Table    *Table
	Buffer   kv.WriteBuffer
	Replicas kv.ReplicaRegistry
	Usage    kv.SuperblockUsage
}

// NewPipeline wires a Pipeline against an already-constructed Table and
// the kv-layer collaborators it needs at commit time.
func NewPipeline(table *Table, buf kv.WriteBuffer, replicas kv.ReplicaRegistry, usage kv.SuperblockUsage) *Pipeline {
	return &Pipeline{Table: table, Buffer: buf, Replicas: replicas, Usage: usage}
}

// AccountMod applies delta to pos's counters. For the Replicas variant,
// a position whose device set hasn't yet been marked into the
// superblock's replica registry yields fsutil.ErrNeedMarkReplicas
// instead of committing — per spec.md §4.3, callers drive this through
// fsutil.Retry with a MarkReplicasFunc that marks the registry and
// retries the whole transaction, rather than this method marking it
// itself (marking must happen before the transaction that depends on
// it is allowed to commit, not as a side effect buried inside it).
func (p *Pipeline) AccountMod(ctx context.Context, pos Position, delta Value) error {
	key, err := ApToAk(pos)
	if err != nil {
		return err
	}

	if pos.Tag == TagReplicas && p.Replicas != nil {
		if !p.Replicas.Marked(key) {
			return fsutil.ErrNeedMarkReplicas
		}
	}

	idx, err := p.Table.FindOrInsert(key, pos.Arity())
	if err != nil {
		return err
	}
	if err := p.Table.Mod(idx, delta); err != nil {
		return err
	}

	if p.Buffer != nil {
		p.Buffer.Enqueue(kv.WriteBufferItem{TreeID: kv.TreeAccounting, Key: key, Value: delta.Marshal()})
	}

	p.foldDerived(pos, delta)
	return nil
}

// foldDerived updates the in-memory fs_usage_base / per-device usage
// shadows that ride along with certain accounting variants, per
// spec.md §4.7.
func (p *Pipeline) foldDerived(pos Position, delta Value) {
	if p.Usage == nil {
		return
	}
	switch pos.Tag {
	case TagNrInodes:
		p.Usage.FoldFsUsage(kv.UsageShard{NrInodes: firstOrZero(delta)})
	case TagPersistentReserved:
		p.Usage.FoldFsUsage(kv.UsageShard{Reserved: firstOrZero(delta)})
	case TagReplicas:
		shard := kv.UsageShard{Data: firstOrZero(delta)}
		if pos.DataType == dataTypeCached {
			shard = kv.UsageShard{Cached: firstOrZero(delta)}
		}
		p.Usage.FoldFsUsage(shard)
	case TagDevDataType:
		var d kv.DeviceUsage
		if len(delta) > 0 {
			d.Buckets = delta[0]
		}
		if len(delta) > 1 {
			d.Sectors = delta[1]
		}
		if len(delta) > 2 {
			d.Fragmented = delta[2]
		}
		p.Usage.FoldDeviceUsage(pos.DevID, pos.DataType, d)
	}
}

func firstOrZero(v Value) int64 {
	if len(v) == 0 {
		return 0
	}
	return v[0]
}

// CachedSectorsMod is the shorthand from spec.md §4.3 for adjusting a
// device's cached-replicas sector count.
func (p *Pipeline) CachedSectorsMod(ctx context.Context, dev uint32, sectorDelta int64) error {
	return p.AccountMod(ctx, CachedReplicas(dev), Value{sectorDelta})
}

// DevDataTypeMod adjusts a device's {buckets, sectors, fragmented}
// triple for one data type.
func (p *Pipeline) DevDataTypeMod(ctx context.Context, dev uint32, dataType uint8, buckets, sectors, fragmented int64) error {
	pos := Position{Tag: TagDevDataType, DevID: dev, DataType: dataType}
	return p.AccountMod(ctx, pos, Value{buckets, sectors, fragmented})
}

// MarkReplicasFunc returns a fsutil.MarkReplicasFunc that marks key in
// this Pipeline's registry; wire it into fsutil.Retry for any body that
// may call AccountMod with a TagReplicas position. The caller supplies
// the key that needs marking. With a nil registry the returned func
// does nothing.
func (p *Pipeline) MarkReplicasFunc(key Key) fsutil.MarkReplicasFunc {
	return func(ctx context.Context) error {
		if p.Replicas == nil {
			return nil
		}
		return p.Replicas.Mark(key)
	}
}
