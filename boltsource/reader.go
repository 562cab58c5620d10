// Copyright (C) 2024 CoreDB Authors.
// See LICENSE for copying information

package boltsource

import (
	"context"
	"sort"
	"unsafe"

	"go.uber.org/zap"

	"coredb.dev/coredb/admission"
	"coredb.dev/coredb/clustering"
	"coredb.dev/coredb/fragment"
	"coredb.dev/coredb/internal/memory"
	"coredb.dev/coredb/mutationerrs"
	"coredb.dev/coredb/mutationreader"
	"coredb.dev/coredb/ring"
	"coredb.dev/coredb/schema"
)

const defaultBufferBudget = 64

// reader streams the mutations s.scan loaded for one partitionRange,
// charging each buffered fragment's approximate size against permit
// (spec §4.E: every buffer a reader produces is tracked, not just the
// reader's own admission).
type reader struct {
	log    *zap.Logger
	sch    schema.Schema
	permit *admission.Permit

	mutations      []fragment.Mutation
	slice          mutationreader.Slice
	forwarding     mutationreader.Forwarding
	partitionRange ring.Range // narrowed by FastForwardToPartitionRange; s.scan already filtered to the initial range

	idx int

	buffer  []fragment.Fragment
	tracked []*admission.TrackedFile

	endOfStream bool
}

func newReader(log *zap.Logger, sch schema.Schema, mutations []fragment.Mutation, partitionRange ring.Range, slice mutationreader.Slice, forwarding mutationreader.Forwarding, permit *admission.Permit) *reader {
	return &reader{log: log, sch: sch, permit: permit, mutations: mutations, partitionRange: partitionRange, slice: slice, forwarding: forwarding}
}

// FillBuffer implements mutationreader.Reader. mutations was already
// filtered to the initial partitionRange by Store.scan, but a subsequent
// FastForwardToPartitionRange narrows partitionRange without re-scanning,
// so every emission is still checked against it here (spec §4.B
// mr_forwarding): otherwise a mutation beyond a narrowed range, loaded at
// construction time, would be emitted anyway.
func (r *reader) FillBuffer(ctx context.Context) error {
	for len(r.buffer) < defaultBufferBudget {
		select {
		case <-ctx.Done():
			return mutationerrs.FromContext(ctx)
		default:
		}

		if r.idx >= len(r.mutations) || !r.partitionRange.Contains(r.mutations[r.idx].Key) {
			r.endOfStream = true
			return nil
		}
		r.emitPartition(r.mutations[r.idx])
		r.idx++
	}
	return nil
}

// emitPartition renders m as a fragment sequence (slice-filtered), tracking
// the approximate buffer size of each fragment against r.permit.
func (r *reader) emitPartition(m fragment.Mutation) {
	cmp := r.sch.ClusteringComparator()

	push := func(f fragment.Fragment) {
		r.buffer = append(r.buffer, f)
		if r.permit != nil {
			r.tracked = append(r.tracked, r.permit.Track(fragmentSize(f)))
		}
	}

	push(fragment.NewPartitionStart(m.Key, m.PartitionTS))
	if len(m.Static) > 0 {
		push(fragment.NewStaticRow(m.Static))
	}

	type event struct {
		pos  clustering.Position
		frag fragment.Fragment
	}
	var events []event
	for _, row := range m.Clustered {
		if mutationreader.InSlice(cmp, r.slice, row.Position) {
			events = append(events, event{pos: row.Position, frag: fragment.NewClusteringRow(row.Position, row.Cells)})
		}
	}
	for _, rt := range m.RangeTombstones {
		for _, clipped := range mutationreader.ClipRange(cmp, r.slice, rt.Start, rt.End) {
			events = append(events, event{pos: clipped.Start, frag: fragment.NewRangeTombstone(clipped.Start, clipped.End, rt.Tombstone)})
		}
	}
	sort.SliceStable(events, func(i, j int) bool {
		return clustering.Compare(cmp, events[i].pos, events[j].pos) < 0
	})
	for _, e := range events {
		push(e.frag)
	}
	push(fragment.NewPartitionEnd())
}

// fragmentSize approximates a fragment's in-memory footprint for admission
// accounting; exactness does not matter, only that larger payloads cost
// proportionally more (spec §4.E).
func fragmentSize(f fragment.Fragment) memory.Size {
	size := memory.Size(unsafe.Sizeof(f))
	for col, cell := range f.Cells {
		size += memory.Size(len(col)) + memory.Size(len(cell.Value)) + 32
	}
	return size
}

// PopFragment implements mutationreader.Reader.
func (r *reader) PopFragment() fragment.Fragment {
	f := r.buffer[0]
	r.buffer = r.buffer[1:]
	if len(r.tracked) > 0 {
		tf := r.tracked[0]
		r.tracked = r.tracked[1:]
		tf.Release()
	}
	return f
}

// IsBufferEmpty implements mutationreader.Reader.
func (r *reader) IsBufferEmpty() bool { return len(r.buffer) == 0 }

// IsEndOfStream implements mutationreader.Reader.
func (r *reader) IsEndOfStream() bool { return len(r.buffer) == 0 && r.endOfStream }

// NextPartition implements mutationreader.Reader.
func (r *reader) NextPartition(_ context.Context) error {
	for len(r.buffer) > 0 {
		if r.PopFragment().Kind == fragment.PartitionEnd {
			return nil
		}
	}
	return nil
}

// FastForwardToPartitionRange implements mutationreader.Reader.
func (r *reader) FastForwardToPartitionRange(_ context.Context, pr ring.Range) error {
	if !r.forwarding.Partition {
		return mutationerrs.ProtocolMisuse.New("fast_forward_to(partition_range) requires mr_forwarding")
	}
	for len(r.buffer) > 0 {
		r.PopFragment()
	}
	r.partitionRange = pr

	// Stop at the first mutation either inside pr or at/after pr.Start,
	// never past it: a mutation beyond pr.End must stay unconsumed so a
	// later fast_forward_to(partition_range) that widens past it can still
	// reach it (spec §4.B mr_forwarding).
	newIdx := len(r.mutations)
	for i := r.idx; i < len(r.mutations); i++ {
		if pr.Contains(r.mutations[i].Key) || ring.At(r.mutations[i].Key).Compare(pr.Start) >= 0 {
			newIdx = i
			break
		}
	}
	r.idx = newIdx
	r.endOfStream = false
	return nil
}

// FastForwardToPositionRange implements mutationreader.Reader. boltsource
// loads whole partitions eagerly (spec §1: no on-disk index is modeled),
// so this only needs to reject requests made without sm_forwarding; the
// buffer already holds the full partition regardless of window.
func (r *reader) FastForwardToPositionRange(_ context.Context, pr clustering.Range) error {
	if !r.forwarding.Position {
		return mutationerrs.ProtocolMisuse.New("fast_forward_to(position_range) requires sm_forwarding")
	}
	return nil
}

// Close implements mutationreader.Reader, releasing any still-outstanding
// tracked buffer charges.
func (r *reader) Close() error {
	for _, tf := range r.tracked {
		tf.Release()
	}
	r.tracked = nil
	return nil
}
