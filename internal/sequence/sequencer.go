package sequence

import "sync/atomic"

// Sequencer hands out strictly increasing sequence numbers.
// The zero value starts at 1.
type Sequencer struct {
	last atomic.Uint64
}

// New creates a sequencer whose first Next returns baseline+1.
// Use 0 on a fresh start or the last recovered sequence after replay.
func New(baseline uint64) *Sequencer {
	s := &Sequencer{}
	s.last.Store(baseline)
	return s
}

// Next returns the next sequence number.
func (s *Sequencer) Next() uint64 {
	return s.last.Add(1)
}

// Current returns the last issued sequence number.
func (s *Sequencer) Current() uint64 {
	return s.last.Load()
}

// Advance moves the baseline forward to v. It never moves backwards,
// so numbers already handed out are not reused.
func (s *Sequencer) Advance(v uint64) bool {
	for {
		cur := s.last.Load()
		if v < cur {
			return false
		}
		if s.last.CompareAndSwap(cur, v) {
			return true
		}
	}
}

// Reset sets the last issued number to v. It is only safe before any emission starts,
// for example when seeding from a recovered snapshot.
func (s *Sequencer) Reset(v uint64) {
	s.last.Store(v)
}
