// Package accounting implements the disk-accounting engine (C1-C4,
// C4.7): the accounting-key codec, the in-memory Eytzinger-ordered
// counter table, the transaction-time update pipeline, and garbage
// collection / startup replay.
//
// Grounded on _examples/original_source/libbcachefs/disk_accounting.c
// and the erigon-lib family's way of pairing a tidwall/btree-backed
// store with a RoaringBitmap-backed sorted set (see
// _examples/other_examples/2d630f06_*domain_shared.go and
// 2d736a52_*state_recon_writer.go for the idiom this mirrors).
package accounting

import (
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"
)

// MaxCounters bounds the per-variant counter arity (spec.md §3: "1 to
// MAX_COUNTERS, a compile-time small constant, typically <=3").
const MaxCounters = 3

// Tag discriminates an Accounting Position's variant. Go has no sum
// types; Position is a single struct carrying only the fields that
// apply to its Tag, validated by the codec.
type Tag uint8

const (
	TagNrInodes Tag = iota
	TagPersistentReserved
	TagReplicas
	TagDevDataType
	TagCompression
	TagSnapshot
	TagBtree
	TagRebalanceWork

	// tagReservedUnknownMin marks the start of the "reserved unknown"
	// tag space: tolerated on read (treated opaque, skipped by
	// consumers) but never producible by ApToAk (spec.md §4.1).
	tagReservedUnknownMin Tag = 0xF0
)

func (t Tag) String() string {
	switch t {
	case TagNrInodes:
		return "nr_inodes"
	case TagPersistentReserved:
		return "persistent_reserved"
	case TagReplicas:
		return "replicas"
	case TagDevDataType:
		return "dev_data_type"
	case TagCompression:
		return "compression"
	case TagSnapshot:
		return "snapshot"
	case TagBtree:
		return "btree"
	case TagRebalanceWork:
		return "rebalance_work"
	default:
		if t >= tagReservedUnknownMin {
			return fmt.Sprintf("unknown(%#x)", uint8(t))
		}
		return fmt.Sprintf("invalid(%#x)", uint8(t))
	}
}

// DeviceSet is the Replicas variant's device-id list. It is backed by a
// roaring bitmap so that construction from an arbitrary-order slice is
// always canonical (sorted, deduplicated) by the time it's read back —
// the "sort is part of canonical form" rule in spec.md §3.
type DeviceSet struct {
	bm *roaring.Bitmap
}

// NewDeviceSet builds a canonical DeviceSet from devs in any order,
// with duplicates collapsed.
func NewDeviceSet(devs ...uint32) DeviceSet {
	bm := roaring.New()
	bm.AddMany(devs)
	return DeviceSet{bm: bm}
}

// Slice returns the device ids in ascending canonical order.
func (d DeviceSet) Slice() []uint32 {
	if d.bm == nil {
		return nil
	}
	return d.bm.ToArray()
}

func (d DeviceSet) Len() int {
	if d.bm == nil {
		return 0
	}
	return int(d.bm.GetCardinality())
}

func (d DeviceSet) Equal(o DeviceSet) bool {
	a, b := d.Slice(), o.Slice()
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Position is the tagged-union Accounting Position (AP) from spec.md
// §3: NrInodes, PersistentReserved{replica_count}, Replicas{device_list,
// required_count, data_type}, DevDataType{dev_id, data_type},
// Compression{type}, Snapshot{id}, Btree{id}, RebalanceWork, and
// reserved-unknown tags.
type Position struct {
	Tag Tag

	// PersistentReserved
	ReplicaCount uint8

	// Replicas
	Devices       DeviceSet
	RequiredCount uint8
	DataType      uint8

	// DevDataType (reuses DataType above)
	DevID uint32

	// Compression
	CompressionType uint8

	// Snapshot / Btree
	ID uint32

	// Reserved-unknown tags carry their payload opaquely; read-only.
	RawPayload []byte
}

// Arity returns this variant's counter count, per spec.md §3's
// per-variant semantics table.
func (p Position) Arity() int {
	switch p.Tag {
	case TagReplicas:
		return 1 // sectors
	case TagDevDataType:
		return 3 // buckets, sectors, fragmented
	default:
		return 1
	}
}
