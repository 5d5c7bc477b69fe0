// Package clock provides the nanosecond time source and the
// sleep-until-deadline primitive used for pacing.
package clock

import (
	"context"
	"time"
)

// Now returns the current time in nanoseconds since the Unix epoch.
func Now() int64 {
	return time.Now().UnixNano()
}

// SleepUntil blocks until the absolute deadline (nanoseconds since the Unix
// epoch) or until ctx is done, whichever comes first. It returns false when
// ctx expired before the deadline. A deadline in the past returns true
// immediately.
//
// Pacing loops must sleep to absolute deadlines computed from an
// accumulator, never for fixed intervals: fixed sleeps add scheduling
// jitter to the achieved rate instead of absorbing it.
func SleepUntil(ctx context.Context, deadline int64) bool {
	d := time.Duration(deadline - Now())
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
