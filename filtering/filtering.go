// Copyright (C) 2024 CoreDB Authors.
// See LICENSE for copying information

// Package filtering wraps a mutationreader.Reader with a partition-level
// predicate, dropping whole partitions the predicate rejects without
// disturbing fragment order or the forwarding contract (spec §6.2 slice
// filtering's partition-grained sibling).
package filtering

import (
	"context"

	"coredb.dev/coredb/clustering"
	"coredb.dev/coredb/fragment"
	"coredb.dev/coredb/mutationreader"
	"coredb.dev/coredb/ring"
)

// Predicate decides whether a partition should be surfaced at all.
type Predicate func(key ring.DecoratedKey) bool

// Reader filters an underlying mutationreader.Reader by Predicate,
// skipping whole partitions it rejects.
type Reader struct {
	inner mutationreader.Reader
	keep  Predicate

	buffer      []fragment.Fragment
	dropping    bool // currently discarding a rejected partition's fragments
	endOfStream bool
}

// New wraps inner, surfacing only partitions for which keep returns true.
func New(inner mutationreader.Reader, keep Predicate) *Reader {
	return &Reader{inner: inner, keep: keep}
}

// FillBuffer implements mutationreader.Reader.
func (r *Reader) FillBuffer(ctx context.Context) error {
	if err := r.inner.FillBuffer(ctx); err != nil {
		return err
	}
	for !r.inner.IsBufferEmpty() {
		f := r.inner.PopFragment()
		switch f.Kind {
		case fragment.PartitionStart:
			r.dropping = !r.keep(f.PartitionKey)
			if !r.dropping {
				r.buffer = append(r.buffer, f)
			}
		case fragment.PartitionEnd:
			if !r.dropping {
				r.buffer = append(r.buffer, f)
			}
			r.dropping = false
		default:
			if !r.dropping {
				r.buffer = append(r.buffer, f)
			}
		}
	}
	if r.inner.IsEndOfStream() {
		r.endOfStream = true
	}
	return nil
}

// PopFragment implements mutationreader.Reader.
func (r *Reader) PopFragment() fragment.Fragment {
	f := r.buffer[0]
	r.buffer = r.buffer[1:]
	return f
}

// IsBufferEmpty implements mutationreader.Reader.
func (r *Reader) IsBufferEmpty() bool { return len(r.buffer) == 0 }

// IsEndOfStream implements mutationreader.Reader.
func (r *Reader) IsEndOfStream() bool { return len(r.buffer) == 0 && r.endOfStream }

// NextPartition implements mutationreader.Reader.
func (r *Reader) NextPartition(ctx context.Context) error {
	for len(r.buffer) > 0 {
		f := r.buffer[0]
		r.buffer = r.buffer[1:]
		if f.Kind == fragment.PartitionEnd {
			return nil
		}
	}
	return r.inner.NextPartition(ctx)
}

// FastForwardToPartitionRange implements mutationreader.Reader.
func (r *Reader) FastForwardToPartitionRange(ctx context.Context, pr ring.Range) error {
	r.buffer = nil
	r.dropping = false
	r.endOfStream = false
	return r.inner.FastForwardToPartitionRange(ctx, pr)
}

// FastForwardToPositionRange implements mutationreader.Reader.
func (r *Reader) FastForwardToPositionRange(ctx context.Context, pr clustering.Range) error {
	return r.inner.FastForwardToPositionRange(ctx, pr)
}

// Close implements mutationreader.Reader.
func (r *Reader) Close() error { return r.inner.Close() }
