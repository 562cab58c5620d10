// Copyright (C) 2024 CoreDB Authors.
// See LICENSE for copying information

// Package clustering defines the order of fragments within a partition:
// clustering keys and the position-in-partition sentinels that let the
// merge engine and reader contract express half-open clustering ranges
// without special-casing "before the first row" or "after the last".
package clustering

// Key is an opaque clustering key; comparison is delegated to a
// Comparator, since it is schema (column-type) dependent.
type Key []byte

// Comparator orders clustering keys for a given schema.
type Comparator interface {
	Compare(a, b Key) int
}

// BytesComparator compares clustering keys as raw bytes. It is the
// Comparator storetest and boltsource use; a real schema-aware comparator
// would decode typed columns first.
type BytesComparator struct{}

// Compare implements Comparator.
func (BytesComparator) Compare(a, b Key) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// boundKind is the sentinel a Position can carry in addition to, or
// instead of, a clustering key.
type boundKind int8

const (
	boundBeforeAll boundKind = -2
	boundBefore    boundKind = -1
	boundAt        boundKind = 0
	boundAfter     boundKind = 1
	boundAfterAll  boundKind = 2
)

// Position is a position_in_partition: either a sentinel
// (BeforeAllClusteredRows/AfterAllClusteredRows) or a clustering key
// bracketed by BeforeKey/AtKey/AfterKey.
type Position struct {
	key  Key
	kind boundKind
}

// BeforeAllClusteredRows precedes every clustering row and range tombstone
// boundary in the partition; partition_start lives here.
func BeforeAllClusteredRows() Position { return Position{kind: boundBeforeAll} }

// AfterAllClusteredRows follows every in-partition fragment; partition_end
// lives here.
func AfterAllClusteredRows() Position { return Position{kind: boundAfterAll} }

// BeforeKey is just before an actual clustering row with this key.
func BeforeKey(key Key) Position { return Position{key: key, kind: boundBefore} }

// AtKey is the position of the clustering row with this key.
func AtKey(key Key) Position { return Position{key: key, kind: boundAt} }

// AfterKey is just after an actual clustering row with this key.
func AfterKey(key Key) Position { return Position{key: key, kind: boundAfter} }

// Compare orders positions using cmp to break ties between two AtKey (or
// Before/After) positions with different keys.
func Compare(cmp Comparator, a, b Position) int {
	if a.kind == boundBeforeAll || a.kind == boundAfterAll || b.kind == boundBeforeAll || b.kind == boundAfterAll {
		if a.kind != b.kind {
			return int(a.kind) - int(b.kind)
		}
		return 0
	}
	if c := cmp.Compare(a.key, b.key); c != 0 {
		return c
	}
	return int(a.kind) - int(b.kind)
}

// Key returns the clustering key this position brackets, and true unless
// it is the BeforeAll/AfterAll sentinel.
func (p Position) Key() (Key, bool) {
	return p.key, p.kind != boundBeforeAll && p.kind != boundAfterAll
}

// IsBeforeAll reports whether p is BeforeAllClusteredRows.
func (p Position) IsBeforeAll() bool { return p.kind == boundBeforeAll }

// IsAfterAll reports whether p is AfterAllClusteredRows.
func (p Position) IsAfterAll() bool { return p.kind == boundAfterAll }

// WireKind and WireKey expose a Position's sentinel kind and key for
// serialization by sources (e.g. boltsource) that cannot otherwise see past
// Position's unexported fields.
func (p Position) WireKind() int8 { return int8(p.kind) }

// WireKey returns the raw key bytes regardless of kind; callers should
// ignore it for the BeforeAll/AfterAll kinds.
func (p Position) WireKey() Key { return p.key }

// FromWire reconstructs a Position from values previously produced by
// WireKind/WireKey.
func FromWire(kind int8, key Key) Position {
	return Position{key: key, kind: boundKind(kind)}
}

// Range is a half-open clustering range [Start, End).
type Range struct {
	Start Position
	End   Position
}

// Contains reports whether pos falls in [r.Start, r.End).
func (r Range) Contains(cmp Comparator, pos Position) bool {
	return Compare(cmp, r.Start, pos) <= 0 && Compare(cmp, pos, r.End) < 0
}

// All is the clustering range spanning the whole partition.
var All = Range{Start: BeforeAllClusteredRows(), End: AfterAllClusteredRows()}
