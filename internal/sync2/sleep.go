// Copyright (C) 2024 CoreDB Authors.
// See LICENSE for copying information

package sync2

import (
	"context"
	"time"
)

// Sleep blocks for duration or until ctx is cancelled, whichever comes
// first. It reports whether the full duration elapsed.
func Sleep(ctx context.Context, duration time.Duration) bool {
	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
