// Copyright (C) 2024 CoreDB Authors.
// See LICENSE for copying information

// Package storetest provides the simplest possible mutationreader.Reader:
// an in-memory ordered fragment source built from a fixed set of
// mutations. It stands in for the on-disk sstable/memtable sources that
// spec §1 places out of scope, so the merge engine, selector and admission
// semaphore can be exercised end-to-end in tests and in cmd/mergebench.
package storetest

import (
	"context"
	"sort"

	"coredb.dev/coredb/clustering"
	"coredb.dev/coredb/fragment"
	"coredb.dev/coredb/mutationerrs"
	"coredb.dev/coredb/mutationreader"
	"coredb.dev/coredb/ring"
	"coredb.dev/coredb/schema"
)

const defaultBufferBudget = 64

// MemSource is an in-memory mutationreader.Reader over a fixed slice of
// mutations, sorted by decorated key at construction.
type MemSource struct {
	schema     schema.Schema
	mutations  []fragment.Mutation
	slice      mutationreader.Slice
	forwarding mutationreader.Forwarding

	partitionRange ring.Range
	idx            int // index of the next not-yet-started mutation

	buffer []fragment.Fragment

	current       *fragment.Mutation
	pending       []partitionEvent // remaining in-partition events for `current`, windowed by sm_forwarding
	staticEmitted bool
	windowStart   clustering.Position // inclusive start of the last-accepted FastForwardToPositionRange
	windowEnd     clustering.Position // exclusive; BeforeAllClusteredRows until a window is opened
	windowOpen    bool

	endOfStream bool
}

type partitionEvent struct {
	pos   clustering.Position
	atEnd bool
	frag  fragment.Fragment
}

// New builds a MemSource over mutations restricted to partitionRange,
// applying slice and the given forwarding capabilities.
func New(sch schema.Schema, mutations []fragment.Mutation, partitionRange ring.Range, slice mutationreader.Slice, forwarding mutationreader.Forwarding) *MemSource {
	sorted := append([]fragment.Mutation(nil), mutations...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Key.Compare(sorted[j].Key) < 0
	})

	var inRange []fragment.Mutation
	for _, m := range sorted {
		if partitionRange.Contains(m.Key) {
			inRange = append(inRange, m)
		}
	}

	return &MemSource{
		schema:         sch,
		mutations:      inRange,
		slice:          slice,
		forwarding:     forwarding,
		partitionRange: partitionRange,
	}
}

// Factory adapts New to mutationreader.Factory, closing over the full
// mutation universe a demo/test wants every reader to draw from.
func Factory(sch schema.Schema, universe []fragment.Mutation) mutationreader.Factory {
	return func(_ context.Context, _ schema.Schema, partitionRange ring.Range, slice mutationreader.Slice, forwarding mutationreader.Forwarding) (mutationreader.Reader, error) {
		return New(sch, universe, partitionRange, slice, forwarding), nil
	}
}

// FillBuffer implements mutationreader.Reader.
func (s *MemSource) FillBuffer(ctx context.Context) error {
	for len(s.buffer) < defaultBufferBudget {
		select {
		case <-ctx.Done():
			return mutationerrs.FromContext(ctx)
		default:
		}

		if s.current == nil {
			if !s.startNextPartition() {
				return nil
			}
			continue
		}
		if !s.advanceCurrent() {
			// withheld by sm_forwarding: nothing more until the caller
			// calls fast_forward_to(position_range).
			return nil
		}
	}
	return nil
}

// startNextPartition begins the next in-range mutation, if any, queuing its
// partition_start (and static row, unless withheld by sm_forwarding) into
// the buffer. It returns false when there is nothing left.
//
// Under mr_forwarding, partitionRange may be narrower than the mutation
// universe the source was built from: once the next mutation falls outside
// it, the source is end-of-stream for the *current* range without having
// consumed that mutation, so a later fast_forward_to(partition_range) that
// widens the range can still reach it.
func (s *MemSource) startNextPartition() bool {
	if s.idx >= len(s.mutations) {
		s.endOfStream = true
		return false
	}
	m := &s.mutations[s.idx]
	if !s.partitionRange.Contains(m.Key) {
		s.endOfStream = true
		return false
	}
	s.idx++
	s.current = m
	s.staticEmitted = false
	s.windowOpen = false
	s.windowStart = clustering.BeforeAllClusteredRows()
	s.windowEnd = clustering.BeforeAllClusteredRows()

	s.buffer = append(s.buffer, fragment.NewPartitionStart(m.Key, m.PartitionTS))

	cmp := s.schema.ClusteringComparator()
	s.pending = buildPartitionEvents(cmp, s.slice, m)

	if !s.forwarding.Position {
		// no sm_forwarding: the whole partition, including its static row,
		// is immediately visible.
		s.windowOpen = true
		s.windowEnd = clustering.AfterAllClusteredRows()
		s.emitStaticIfAny(m)
	}
	return true
}

func (s *MemSource) emitStaticIfAny(m *fragment.Mutation) {
	if !s.staticEmitted && len(m.Static) > 0 {
		s.buffer = append(s.buffer, fragment.NewStaticRow(m.Static))
	}
	s.staticEmitted = true
}

// advanceCurrent queues the next fragment(s) for the in-progress partition,
// respecting the sm_forwarding window, and closes the partition out with
// partition_end once its content (within the window) is exhausted. It
// reports whether it made progress; false means the partition is withheld
// pending fast_forward_to(position_range), at which point the source
// becomes end-of-stream per spec §4.B even though partition_end was never
// reached.
func (s *MemSource) advanceCurrent() bool {
	cmp := s.schema.ClusteringComparator()

	if s.forwarding.Position && !s.staticEmitted {
		// the static row sits at before_all_clustered_rows, so it is
		// visible immediately regardless of whether the window has been
		// opened yet.
		s.emitStaticIfAny(s.current)
		return true
	}
	if s.forwarding.Position && !s.windowOpen {
		s.endOfStream = true
		return false
	}

	for len(s.pending) > 0 {
		ev := s.pending[0]
		cmpPos := ev.pos
		if ev.atEnd {
			cmpPos = ev.frag.RangeEnd
		}
		if clustering.Compare(cmp, cmpPos, s.windowEnd) >= 0 {
			break
		}
		s.pending = s.pending[1:]
		s.buffer = append(s.buffer, ev.frag)
		return true
	}

	if s.windowEndReachesPartitionEnd(cmp) && len(s.pending) == 0 {
		s.buffer = append(s.buffer, fragment.NewPartitionEnd())
		s.current = nil
		return true
	}

	// window exhausted short of the partition's end: nothing more until a
	// further FastForwardToPositionRange.
	s.windowOpen = false
	s.endOfStream = true
	return false
}

func (s *MemSource) windowEndReachesPartitionEnd(cmp clustering.Comparator) bool {
	return s.windowEnd.IsAfterAll() || clustering.Compare(cmp, s.windowEnd, clustering.AfterAllClusteredRows()) == 0
}

// buildPartitionEvents renders m's clustering rows and range tombstones
// (clipped to slice) as position-ordered events, mirroring
// fragment.Mutation.ToStream but slice-filtered.
func buildPartitionEvents(cmp clustering.Comparator, slice mutationreader.Slice, m *fragment.Mutation) []partitionEvent {
	var events []partitionEvent
	for _, row := range m.Clustered {
		if mutationreader.InSlice(cmp, slice, row.Position) {
			events = append(events, partitionEvent{pos: row.Position, frag: fragment.NewClusteringRow(row.Position, row.Cells)})
		}
	}
	for _, rt := range m.RangeTombstones {
		for _, clipped := range mutationreader.ClipRange(cmp, slice, rt.Start, rt.End) {
			events = append(events, partitionEvent{pos: clipped.Start, frag: fragment.NewRangeTombstone(clipped.Start, clipped.End, rt.Tombstone)})
		}
	}
	sort.SliceStable(events, func(i, j int) bool {
		return fragment.Less(cmp, events[i].frag, events[i].atEnd, events[j].frag, events[j].atEnd)
	})
	return events
}

// PopFragment implements mutationreader.Reader.
func (s *MemSource) PopFragment() fragment.Fragment {
	f := s.buffer[0]
	s.buffer = s.buffer[1:]
	return f
}

// IsBufferEmpty implements mutationreader.Reader.
func (s *MemSource) IsBufferEmpty() bool { return len(s.buffer) == 0 }

// IsEndOfStream implements mutationreader.Reader.
func (s *MemSource) IsEndOfStream() bool {
	return len(s.buffer) == 0 && s.endOfStream
}

// NextPartition implements mutationreader.Reader.
func (s *MemSource) NextPartition(_ context.Context) error {
	for len(s.buffer) > 0 {
		f := s.buffer[0]
		s.buffer = s.buffer[1:]
		if f.Kind == fragment.PartitionEnd {
			s.current = nil
			return nil
		}
	}
	if s.current != nil {
		s.pending = nil
		s.current = nil
	}
	return nil
}

// FastForwardToPartitionRange implements mutationreader.Reader.
func (s *MemSource) FastForwardToPartitionRange(_ context.Context, pr ring.Range) error {
	if !s.forwarding.Partition {
		return mutationerrs.ProtocolMisuse.New("fast_forward_to(partition_range) requires mr_forwarding")
	}
	if pr.Start.Compare(s.partitionRange.Start) < 0 {
		return mutationerrs.ProtocolMisuse.New("fast_forward_to(partition_range) must not move backwards")
	}

	s.buffer = nil
	s.current = nil
	s.pending = nil
	s.partitionRange = pr

	newIdx := len(s.mutations)
	for i := s.idx; i < len(s.mutations); i++ {
		if pr.Contains(s.mutations[i].Key) || s.mutations[i].Key.Compare(mustKey(pr)) >= 0 {
			newIdx = i
			break
		}
	}
	s.idx = newIdx
	s.endOfStream = false
	return nil
}

func mustKey(pr ring.Range) ring.DecoratedKey {
	// a synthetic key at pr.Start's token, used only to compare ordering
	// of mutation keys against the range's lower bound.
	return ring.DecoratedKey{Token: pr.Start.Token()}
}

// FastForwardToPositionRange implements mutationreader.Reader.
func (s *MemSource) FastForwardToPositionRange(_ context.Context, pr clustering.Range) error {
	if !s.forwarding.Position {
		return mutationerrs.ProtocolMisuse.New("fast_forward_to(position_range) requires sm_forwarding")
	}
	if s.current == nil {
		return mutationerrs.ProtocolMisuse.New("fast_forward_to(position_range) with no active partition")
	}
	cmp := s.schema.ClusteringComparator()
	if clustering.Compare(cmp, pr.Start, s.windowStart) < 0 {
		return mutationerrs.ProtocolMisuse.New("fast_forward_to(position_range) must be monotonically non-decreasing")
	}

	// drop any buffered content below the new start.
	filtered := s.buffer[:0]
	for _, f := range s.buffer {
		if f.Kind == fragment.PartitionStart || f.Kind == fragment.StaticRow || clustering.Compare(cmp, f.Position, pr.Start) >= 0 {
			filtered = append(filtered, f)
		}
	}
	s.buffer = filtered

	s.emitStaticIfAny(s.current)
	s.windowStart = pr.Start
	s.windowEnd = pr.End
	s.windowOpen = true
	s.endOfStream = false
	return nil
}

// Close implements mutationreader.Reader.
func (s *MemSource) Close() error { return nil }
