package sequence

import "sync/atomic"

// Sequencer hands out strictly monotonic sequence numbers for journal
// commands. Sequence numbers double as the time-priority tie-break.
type Sequencer struct {
	next atomic.Uint64
}

// New creates a sequencer whose first Next returns start+1.
func New(start uint64) *Sequencer {
	s := &Sequencer{}
	s.next.Store(start)
	return s
}

// Next returns the next sequence number.
func (s *Sequencer) Next() uint64 {
	return s.next.Add(1)
}

// Current returns the last issued sequence.
func (s *Sequencer) Current() uint64 {
	return s.next.Load()
}

// Observe raises the sequencer to v if v is ahead of it.
func (s *Sequencer) Observe(v uint64) {
	for {
		cur := s.next.Load()
		if v <= cur || s.next.CompareAndSwap(cur, v) {
			return
		}
	}
}
