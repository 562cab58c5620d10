// Copyright (C) 2024 CoreDB Authors.
// See LICENSE for copying information

// Package selector implements the lazy reader selector of spec §4.C: it
// holds pending (not yet activated) readers and hands them to the merge
// engine only once the merge cursor approaches their partition range.
package selector

import (
	"context"
	"sort"

	"go.uber.org/zap"
	"gopkg.in/spacemonkeygo/monkit.v2"

	"coredb.dev/coredb/mutationerrs"
	"coredb.dev/coredb/mutationreader"
	"coredb.dev/coredb/ring"
)

var mon = monkit.Package()

// Candidate is a not-yet-activated reader together with the partition
// range it was created to cover; the selector uses FirstPossible to decide
// when it becomes reachable and LastPossible to decide when it can never
// be reached (so it can be discarded on fast-forward).
type Candidate struct {
	Reader        mutationreader.Reader
	FirstPossible ring.RingPosition
	LastPossible  ring.RingPosition
}

// Selector maintains a monotonically increasing selector position: the
// lowest partition for which no reader has yet been handed to the merger.
type Selector struct {
	log *zap.Logger

	pending  []Candidate
	position ring.RingPosition // +inf once exhausted

	emittedBySource map[mutationreader.Reader]bool
}

// New creates a Selector over the given pending candidates, sorted by
// FirstPossible.
func New(log *zap.Logger, pending []Candidate) *Selector {
	sorted := append([]Candidate(nil), pending...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].FirstPossible.Compare(sorted[j].FirstPossible) < 0
	})

	s := &Selector{
		log:             log,
		pending:         sorted,
		emittedBySource: make(map[mutationreader.Reader]bool),
	}
	s.recomputePosition()
	return s
}

func (s *Selector) recomputePosition() {
	if len(s.pending) == 0 {
		s.position = ring.MaxPosition
		return
	}
	s.position = s.pending[0].FirstPossible
}

// Position returns the selector's current position: the lowest partition no
// reader has yet been produced for.
func (s *Selector) Position() ring.RingPosition { return s.position }

// Empty reports whether there are no more pending readers.
func (s *Selector) Empty() bool { return len(s.pending) == 0 }

// CreateNewReaders returns every pending reader whose first partition's
// token is <= cursorToken, or, if cursor is nil, exactly the earliest
// pending reader (seeding the merge per spec §4.D bootstrapping). The
// selector position advances past every reader it returns.
func (s *Selector) CreateNewReaders(ctx context.Context, cursor *ring.RingPosition) ([]mutationreader.Reader, error) {
	defer mon.Task()(&ctx)(nil)

	if len(s.pending) == 0 {
		return nil, nil
	}

	if cursor == nil {
		first := s.pending[0]
		s.pending = s.pending[1:]
		s.recomputePosition()
		return []mutationreader.Reader{s.emit(first)}, nil
	}

	var out []mutationreader.Reader
	remaining := s.pending[:0]
	for _, c := range s.pending {
		if c.FirstPossible.Compare(*cursor) <= 0 {
			out = append(out, s.emit(c))
		} else {
			remaining = append(remaining, c)
		}
	}
	s.pending = remaining
	s.recomputePosition()
	return out, nil
}

// FastForwardTo discards every pending reader whose last possible position
// is strictly below pr.Start, then returns every pending reader that
// intersects pr (spec §4.C).
func (s *Selector) FastForwardTo(ctx context.Context, pr ring.Range) ([]mutationreader.Reader, error) {
	defer mon.Task()(&ctx)(nil)

	var out []mutationreader.Reader
	var remaining []Candidate
	var closeErr error
	for _, c := range s.pending {
		if c.LastPossible.Compare(pr.Start) < 0 {
			// discarded: can never fall inside pr, so it is never handed
			// to the merger and must be closed here instead.
			if err := c.Reader.Close(); err != nil && closeErr == nil {
				closeErr = err
			}
			continue
		}
		if (ring.Range{Start: c.FirstPossible, End: c.LastPossible}).Overlaps(pr) {
			out = append(out, s.emit(c))
			continue
		}
		remaining = append(remaining, c)
	}
	s.pending = remaining
	s.recomputePosition()
	return out, closeErr
}

// emit marks a candidate as produced, enforcing the half of the selector
// invariant (spec §4.C/§9) that no reader may be emitted twice. It does not
// inspect the reader's first key; the merge engine checks ordering with
// CheckMonotonic.
func (s *Selector) emit(c Candidate) mutationreader.Reader {
	if s.emittedBySource[c.Reader] {
		// A selector bug, not a runtime condition: emit has no error
		// return in the CreateNewReaders/FastForwardTo call shape, so this
		// is surfaced loudly rather than silently miscomputing (spec §7
		// ProtocolMisuse).
		s.log.DPanic("selector: reader emitted twice")
	}
	s.emittedBySource[c.Reader] = true
	return c.Reader
}

// CheckMonotonic validates that a newly surfaced reader's head decorated
// key is >= the merge engine's last-emitted decorated key, per the
// selector-integration design note (spec §9): violating this is
// ProtocolMisuse, not a value to silently tolerate.
func CheckMonotonic(lastEmitted ring.RingPosition, head ring.RingPosition) error {
	if head.Compare(lastEmitted) < 0 {
		return mutationerrs.ProtocolMisuse.New("selector returned a reader behind the merge cursor")
	}
	return nil
}
