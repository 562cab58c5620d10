// Copyright (C) 2024 CoreDB Authors.
// See LICENSE for copying information

package mutationreader

import (
	"coredb.dev/coredb/clustering"
)

// InSlice reports whether pos falls inside any of the slice's ranges.
func InSlice(cmp clustering.Comparator, slice Slice, pos clustering.Position) bool {
	if len(slice.Ranges) == 0 {
		return true
	}
	for _, r := range slice.Ranges {
		if r.Contains(cmp, pos) {
			return true
		}
	}
	return false
}

// ClipRange intersects [start, end) with every range in the slice,
// returning the (possibly several, possibly zero) overlapping sub-ranges in
// order. A source uses this to clip a range tombstone to a requested slice
// (spec §8 S6) instead of dropping or fully emitting it.
func ClipRange(cmp clustering.Comparator, slice Slice, start, end clustering.Position) []clustering.Range {
	if len(slice.Ranges) == 0 {
		return []clustering.Range{{Start: start, End: end}}
	}
	var out []clustering.Range
	for _, r := range slice.Ranges {
		s := start
		if clustering.Compare(cmp, r.Start, s) > 0 {
			s = r.Start
		}
		e := end
		if clustering.Compare(cmp, r.End, e) < 0 {
			e = r.End
		}
		if clustering.Compare(cmp, s, e) < 0 {
			out = append(out, clustering.Range{Start: s, End: e})
		}
	}
	return out
}
