package engine

import "sync/atomic"

// sequence numbers transitions. Rejected and discarded transitions take a
// number too, so seqs have no gaps and a replay reproduces them.
type sequence struct {
	last atomic.Uint64
}

func (s *sequence) next() uint64 { return s.last.Add(1) }

func (s *sequence) current() uint64 { return s.last.Load() }
