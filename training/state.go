package training

import (
	"sync"
)

// Progress holds the counters of a run.
type Progress struct {
	Epoch        int // epochs completed
	Step         int // steps completed in total
	MainLR       float64
	MetaLR       float64
	BestAccuracy float64
	LastValid    EvalResult
}

// State is the committed state of a run. Parameter tensors are owned by the
// networks; the lock guards them together with the counters, so evaluation
// and checkpointing never observe a half-applied step.
type State struct {
	mu       sync.RWMutex
	progress Progress
}

// Progress returns a copy of the counters.
func (s *State) Progress() Progress {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.progress
}
