// Copyright (C) 2024 CoreDB Authors.
// See LICENSE for copying information

// Package mutationerrs defines the error taxonomy shared by the reader
// contract, the merge engine, the selector and the admission semaphore:
// Timeout, QueueOverflow, ProtocolMisuse and SourceFailure.
package mutationerrs

import (
	"context"
	"errors"

	"github.com/zeebo/errs"
)

// Error classes. Classifying with errs.Class (rather than sentinel values)
// lets callers use errs.Is/errors.As against the class and lets the classes
// wrap an underlying cause without losing their identity.
var (
	// Timeout is returned when a deadline elapses while a suspending
	// operation (fill_buffer, fast_forward_to, wait_admission) is pending.
	Timeout = errs.Class("timeout")

	// QueueOverflow is returned by wait_admission when the waiting queue
	// is already at max_queue.
	QueueOverflow = errs.Class("queue overflow")

	// ProtocolMisuse marks a violated precondition: fast-forwarding a
	// reader that was not created with the matching forwarding flag,
	// non-monotonic fast-forward ranges, a selector reader surfacing
	// behind the merge cursor. These are bugs in the caller, not runtime
	// conditions to recover from.
	ProtocolMisuse = errs.Class("protocol misuse")

	// SourceFailure wraps an error propagated from an external collaborator
	// (an sstable/memtable reader) during fill_buffer.
	SourceFailure = errs.Class("source failure")
)

// FromContext converts ctx.Err() into a Timeout error when the context was
// cancelled by deadline, or returns the raw error otherwise (e.g. explicit
// cancellation is left as context.Canceled so callers can tell the two
// apart).
func FromContext(ctx context.Context) error {
	err := ctx.Err()
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout.Wrap(err)
	}
	return err
}
