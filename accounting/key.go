package accounting

import (
	"encoding/binary"
	"fmt"

	"github.com/coldtrie/bcachefs-go/fsutil"
)

// Key is the canonical serialized form of a Position (AK), suitable as
// a storage-tree key: little-endian on the wire by construction (every
// multi-byte field below is written with binary.LittleEndian), so the
// "byte-swap on big-endian hosts" step from the original C is a
// documented no-op here rather than a runtime branch — see
// SwapForHostOrder.
type Key []byte

const (
	keyTagOffset     = 0
	keyPayloadOffset = 1
	keyPayloadLen    = 23
	keyLen           = keyPayloadOffset + keyPayloadLen

	// maxReplicaDevices bounds the Replicas variant's device list. Each
	// device id is stored as a single byte (0-255), matching the small
	// per-host device counts this accounting scheme targets.
	maxReplicaDevices = 20
)

// SwapForHostOrder is a no-op on every host Go runs on today: Key is
// always written in explicit little-endian form via encoding/binary
// regardless of the host's native byte order, so there is nothing to
// swap. Kept as a named step, matching the original design's explicit
// byte-swap stage, so a future reader doesn't have to rediscover why
// there's no conditional here.
func (k Key) SwapForHostOrder() Key { return k }

// ApToAk serializes a Position into its canonical Key. The Replicas
// variant's device list is canonicalized (sorted+deduped) by DeviceSet
// itself, so two Positions differing only in device-list order produce
// byte-identical keys (spec.md §4.1's canonicalization rule).
func ApToAk(p Position) (Key, error) {
	if p.Tag >= tagReservedUnknownMin {
		return nil, fsutil.New(fsutil.CodeInconsistency, "accounting: cannot produce a reserved-unknown accounting key")
	}

	k := make(Key, keyLen)
	k[keyTagOffset] = byte(p.Tag)
	payload := k[keyPayloadOffset:]

	switch p.Tag {
	case TagNrInodes, TagRebalanceWork:
		// no payload
	case TagPersistentReserved:
		payload[0] = p.ReplicaCount
	case TagReplicas:
		devs := p.Devices.Slice()
		if len(devs) > maxReplicaDevices {
			return nil, fsutil.New(fsutil.CodeInconsistency, fmt.Sprintf("accounting: replicas entry has %d devices, max %d", len(devs), maxReplicaDevices))
		}
		payload[0] = uint8(len(devs))
		payload[1] = p.RequiredCount
		payload[2] = p.DataType
		for i, d := range devs {
			if d > 255 {
				return nil, fsutil.New(fsutil.CodeInconsistency, fmt.Sprintf("accounting: device id %d does not fit in a byte", d))
			}
			payload[3+i] = uint8(d)
		}
	case TagDevDataType:
		binary.LittleEndian.PutUint32(payload[0:4], p.DevID)
		payload[4] = p.DataType
	case TagCompression:
		payload[0] = p.CompressionType
	case TagSnapshot, TagBtree:
		binary.LittleEndian.PutUint32(payload[0:4], p.ID)
	default:
		return nil, fsutil.New(fsutil.CodeInconsistency, fmt.Sprintf("accounting: unhandled tag %s", p.Tag))
	}

	if err := Validate(k); err != nil {
		return nil, err
	}
	return k, nil
}

// AkToAp deserializes a Key back into a Position. Unknown (reserved)
// tags are tolerated: the payload is kept opaque in RawPayload rather
// than rejected, per spec.md §4.1 ("unknown tag is tolerated on read").
func AkToAp(k Key) (Position, error) {
	if len(k) != keyLen {
		return Position{}, fsutil.New(fsutil.CodeCorruption, fmt.Sprintf("accounting: key has length %d, want %d", len(k), keyLen))
	}
	tag := Tag(k[keyTagOffset])
	payload := k[keyPayloadOffset:]

	if tag >= tagReservedUnknownMin {
		raw := make([]byte, len(payload))
		copy(raw, payload)
		return Position{Tag: tag, RawPayload: raw}, nil
	}

	p := Position{Tag: tag}
	switch tag {
	case TagNrInodes, TagRebalanceWork:
	case TagPersistentReserved:
		p.ReplicaCount = payload[0]
	case TagReplicas:
		nDevs := payload[0]
		p.RequiredCount = payload[1]
		p.DataType = payload[2]
		devs := make([]uint32, nDevs)
		for i := range devs {
			devs[i] = uint32(payload[3+i])
		}
		p.Devices = NewDeviceSet(devs...)
	case TagDevDataType:
		p.DevID = binary.LittleEndian.Uint32(payload[0:4])
		p.DataType = payload[4]
	case TagCompression:
		p.CompressionType = payload[0]
	case TagSnapshot, TagBtree:
		p.ID = binary.LittleEndian.Uint32(payload[0:4])
	default:
		return Position{}, fsutil.New(fsutil.CodeCorruption, fmt.Sprintf("accounting: unrecognized tag %s", tag))
	}
	return p, nil
}

// Validate applies the hard-reject structural rules from spec.md §4.1.
// It does not check the CTE's version stamp (that's a property of the
// stored record, not the key) — see Table.checkVersion.
func Validate(k Key) error {
	if len(k) != keyLen {
		return fsutil.New(fsutil.CodeCorruption, fmt.Sprintf("accounting: key has length %d, want %d", len(k), keyLen))
	}
	tag := Tag(k[keyTagOffset])
	payload := k[keyPayloadOffset:]

	if tag >= tagReservedUnknownMin {
		return nil // opaque, tolerated
	}

	used := 0
	switch tag {
	case TagNrInodes, TagRebalanceWork:
		used = 0
	case TagPersistentReserved:
		used = 1
	case TagReplicas:
		nDevs := int(payload[0])
		required := payload[1]
		if nDevs == 0 {
			return fsutil.New(fsutil.CodeCorruption, "accounting: replicas entry with nr_devs=0")
		}
		if nDevs > maxReplicaDevices {
			return fsutil.New(fsutil.CodeCorruption, "accounting: replicas entry with too many devices")
		}
		if int(required) > nDevs || (required > 1 && int(required) == nDevs) {
			return fsutil.New(fsutil.CodeCorruption, "accounting: replicas entry with bad required count")
		}
		for i := 0; i+1 < nDevs; i++ {
			if payload[3+i] >= payload[3+i+1] {
				return fsutil.New(fsutil.CodeCorruption, "accounting: replicas entry with unsorted devices")
			}
		}
		used = 3 + nDevs
	case TagDevDataType:
		used = 5
	case TagCompression:
		used = 1
	case TagSnapshot, TagBtree:
		used = 4
	default:
		return fsutil.New(fsutil.CodeCorruption, fmt.Sprintf("accounting: unrecognized tag %s", tag))
	}

	for i := used; i < len(payload); i++ {
		if payload[i] != 0 {
			return fsutil.New(fsutil.CodeCorruption, "accounting: non-zero padding beyond variant payload")
		}
	}
	return nil
}

// CachedReplicas builds the Replicas{devs:[dev], required:0} Position
// used by the cached-sectors shorthand (spec.md §4.3).
func CachedReplicas(dev uint32) Position {
	return Position{Tag: TagReplicas, Devices: NewDeviceSet(dev), RequiredCount: 0, DataType: dataTypeCached}
}

// dataTypeCached is an opaque marker distinguishing "cached" replicas
// entries from normal ones; the real data-type enum (user, btree,
// cached, parity, ...) belongs to the out-of-scope extent-I/O layer, so
// this module only needs to round-trip whatever byte it's given.
const dataTypeCached = 0xFE
