package obs

import (
	"sync/atomic"
	"time"
)

// TraceIDs hands out trace ids anchored to the wall clock in nanoseconds, so ids keep
// increasing across restarts. Within a process every id is greater than the one before,
// even when the clock stalls or steps back.
type TraceIDs struct {
	last  atomic.Uint64
	clock func() time.Time
}

// NewTraceIDs uses clock, time.Now when nil.
func NewTraceIDs(clock func() time.Time) *TraceIDs {
	if clock == nil {
		clock = time.Now
	}
	return &TraceIDs{clock: clock}
}

// Next returns a fresh id. A nil receiver returns 0, meaning untraced.
func (t *TraceIDs) Next() uint64 {
	if t == nil {
		return 0
	}
	now := uint64(t.clock().UnixNano())
	for {
		last := t.last.Load()
		next := max(now, last+1)
		if t.last.CompareAndSwap(last, next) {
			return next
		}
	}
}
