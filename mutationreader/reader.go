// Copyright (C) 2024 CoreDB Authors.
// See LICENSE for copying information

// Package mutationreader defines the pull-based, bufferable, forward-only
// stream contract every mutation source must honour (spec §4.B), and the
// external reader-factory signature (spec §6).
package mutationreader

import (
	"context"

	"coredb.dev/coredb/clustering"
	"coredb.dev/coredb/fragment"
	"coredb.dev/coredb/ring"
	"coredb.dev/coredb/schema"
)

// Forwarding carries the two creation-time capability flags of spec §4.B:
// Position enables streamed_mutation::forwarding (fast_forward_to over a
// clustering position_range), Partition enables mutation_reader::forwarding
// (fast_forward_to over a partition_range).
type Forwarding struct {
	Position  bool
	Partition bool
}

// Slice enumerates the clustering-row ranges a caller cares about, plus a
// column selector; fragments outside the slice may be elided by the source
// (spec §6.2).
type Slice struct {
	Ranges  []clustering.Range
	Columns []fragment.ColumnID
}

// FullSlice selects every row and every column.
var FullSlice = Slice{Ranges: []clustering.Range{clustering.All}}

// Reader is the contract of spec §4.B. Implementations: storetest.MemSource,
// the reader boltsource.Store.Factory builds, merge.CombinedReader and
// filtering.Reader. No implementation acquires an admission permit itself;
// a permit is passed to boltsource.Store.Factory by the caller.
type Reader interface {
	// FillBuffer advances production into an internal buffer until full,
	// end-of-stream, or ctx's deadline elapses (in which case it returns a
	// mutationerrs.Timeout). It may suspend but must not block an OS
	// thread; ctx governs both cancellation and the spec's "deadline".
	FillBuffer(ctx context.Context) error

	// PopFragment removes and returns the next buffered fragment. Its
	// behavior is undefined if IsBufferEmpty is true.
	PopFragment() fragment.Fragment

	// IsBufferEmpty reports whether PopFragment has any fragment to give.
	IsBufferEmpty() bool

	// IsEndOfStream reports whether the reader has nothing more to
	// produce right now. Under Forwarding.Partition a later
	// FastForwardToPartitionRange may clear it; under Forwarding.Position
	// it may likewise mean only "withheld mid-partition", clearable by a
	// later FastForwardToPositionRange (spec §4.B).
	IsEndOfStream() bool

	// NextPartition drops buffered fragments up to and including the next
	// partition_end, skipping within the underlying source if the buffer
	// was already consumed past it. Non-suspending.
	NextPartition(ctx context.Context) error

	// FastForwardToPartitionRange repositions the reader so its next
	// partition is the first one within pr; pr.Start must be at or after
	// the reader's current cursor. Only legal if created with
	// Forwarding.Partition; otherwise returns mutationerrs.ProtocolMisuse.
	FastForwardToPartitionRange(ctx context.Context, pr ring.Range) error

	// FastForwardToPositionRange repositions within the current partition
	// so the next clustering fragment has position >= pr.Start; the
	// stream reports end-of-stream once it reaches pr.End. Only legal if
	// created with Forwarding.Position.
	FastForwardToPositionRange(ctx context.Context, pr clustering.Range) error

	// Close releases any resources (permits, file handles) held by the
	// reader.
	Close() error
}

// Factory is the external reader-factory signature of spec §6.1, with
// priority/trace/IO-scheduling parameters dropped as out-of-scope
// collaborators (spec §1).
type Factory func(ctx context.Context, sch schema.Schema, partitionRange ring.Range, slice Slice, forwarding Forwarding) (Reader, error)
