package accounting

import (
	"encoding/binary"

	"github.com/coldtrie/bcachefs-go/fsutil"
)

// Value is the ordered tuple of 1..MaxCounters signed 64-bit counters
// from spec.md §3.
type Value []int64

// Marshal encodes v as a little-endian array of int64 counters — the
// wire format kv.MemTree's write buffer adds elementwise.
func (v Value) Marshal() []byte {
	out := make([]byte, 8*len(v))
	for i, c := range v {
		binary.LittleEndian.PutUint64(out[i*8:i*8+8], uint64(c))
	}
	return out
}

// UnmarshalValue decodes a Marshal-encoded counter array.
func UnmarshalValue(b []byte) (Value, error) {
	if len(b)%8 != 0 {
		return nil, fsutil.New(fsutil.CodeCorruption, "accounting: value length not a multiple of 8")
	}
	n := len(b) / 8
	if n > MaxCounters {
		return nil, fsutil.New(fsutil.CodeCorruption, "accounting: value has more than MaxCounters counters")
	}
	v := make(Value, n)
	for i := range v {
		v[i] = int64(binary.LittleEndian.Uint64(b[i*8 : i*8+8]))
	}
	return v, nil
}

// IsZero reports whether every counter is zero — used by GC compaction
// (§4.2's is_zero) and by the live-vs-shadow comparison in GC.
func (v Value) IsZero() bool {
	for _, c := range v {
		if c != 0 {
			return false
		}
	}
	return true
}

// Add returns the elementwise sum of v and o, padding the shorter with
// zeros — additivity holds regardless of application order (spec.md
// §8's Additivity property).
func (v Value) Add(o Value) Value {
	n := len(v)
	if len(o) > n {
		n = len(o)
	}
	out := make(Value, n)
	for i := 0; i < n; i++ {
		var a, b int64
		if i < len(v) {
			a = v[i]
		}
		if i < len(o) {
			b = o[i]
		}
		out[i] = a + b
	}
	return out
}

// Sub returns v - o elementwise, used by GC's corrective-delta
// computation (shadow - live).
func (v Value) Sub(o Value) Value {
	neg := make(Value, len(o))
	for i, c := range o {
		neg[i] = -c
	}
	return v.Add(neg)
}
