// Copyright (C) 2024 CoreDB Authors.
// See LICENSE for copying information

package fragment

import (
	"sort"

	"coredb.dev/coredb/clustering"
	"coredb.dev/coredb/ring"
)

// ClusteredRow is one clustering row inside a Mutation.
type ClusteredRow struct {
	Position clustering.Position
	Cells    Row
}

// RangeTombstoneRow is one range tombstone inside a Mutation.
type RangeTombstoneRow struct {
	Start, End clustering.Position
	Tombstone  Tombstone
}

// Mutation is the logical state of a single partition (spec §3): it is the
// value a fragment stream for one partition converts to and from, and the
// unit P1/P3 compare equality over.
type Mutation struct {
	Key             ring.DecoratedKey
	PartitionTS     Tombstone
	Static          Row
	Clustered       []ClusteredRow
	RangeTombstones []RangeTombstoneRow
}

// ToStream renders m as the fragment sequence spec §3 describes:
// partition_start, (static_row)?, interleaved clustering rows/range
// tombstones in position order, partition_end.
func (m Mutation) ToStream(cmp clustering.Comparator) []Fragment {
	out := make([]Fragment, 0, len(m.Clustered)+len(m.RangeTombstones)+2)
	out = append(out, NewPartitionStart(m.Key, m.PartitionTS))
	if len(m.Static) > 0 {
		out = append(out, NewStaticRow(m.Static))
	}

	type event struct {
		pos   clustering.Position
		atEnd bool
		frag  Fragment
	}
	events := make([]event, 0, len(m.Clustered)+2*len(m.RangeTombstones))
	for _, row := range m.Clustered {
		events = append(events, event{pos: row.Position, frag: NewClusteringRow(row.Position, row.Cells)})
	}
	for _, rt := range m.RangeTombstones {
		events = append(events, event{pos: rt.Start, frag: NewRangeTombstone(rt.Start, rt.End, rt.Tombstone)})
	}
	sort.SliceStable(events, func(i, j int) bool {
		return Less(cmp, events[i].frag, events[i].atEnd, events[j].frag, events[j].atEnd)
	})
	for _, e := range events {
		out = append(out, e.frag)
	}

	out = append(out, NewPartitionEnd())
	return out
}

// FromFragments collects one partition's worth of fragments (as produced by
// a single reader, or by the merge engine) back into a Mutation. It panics
// if fragments is not exactly one partition (partition_start ... partition_end).
func FromFragments(fragments []Fragment) Mutation {
	if len(fragments) < 2 || fragments[0].Kind != PartitionStart || fragments[len(fragments)-1].Kind != PartitionEnd {
		panic("fragment.FromFragments: not a single well-formed partition")
	}
	m := Mutation{
		Key:         fragments[0].PartitionKey,
		PartitionTS: fragments[0].PartitionTombstone,
	}
	for _, f := range fragments[1 : len(fragments)-1] {
		switch f.Kind {
		case StaticRow:
			m.Static = f.Cells
		case ClusteringRow:
			m.Clustered = append(m.Clustered, ClusteredRow{Position: f.Position, Cells: f.Cells})
		case RangeTombstone:
			m.RangeTombstones = append(m.RangeTombstones, RangeTombstoneRow{Start: f.Position, End: f.RangeEnd, Tombstone: f.Tombstone})
		}
	}
	return m
}

// SplitPartitions groups a multi-partition stream into one Mutation per
// partition, in stream order; used by tests asserting P1/P2/P3 against the
// combined reader's output.
func SplitPartitions(fragments []Fragment) []Mutation {
	var out []Mutation
	var current []Fragment
	for _, f := range fragments {
		current = append(current, f)
		if f.Kind == PartitionEnd {
			out = append(out, FromFragments(current))
			current = nil
		}
	}
	return out
}
