package training

import (
	"math"
	"sort"
)

// LRScheduler defines the interface for learning rate scheduling strategies.
// Schedulers are pure functions of the epoch.
type LRScheduler interface {
	// GetLR returns the learning rate for the current epoch/step
	GetLR(epoch int, step int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// MultiStepLRScheduler multiplies the learning rate by Gamma once for every
// milestone epoch that has been reached.
type MultiStepLRScheduler struct {
	Milestones []int   // Ascending epochs at which the LR decays
	Gamma      float64 // Multiplicative factor of LR decay
}

// NewMultiStepLRScheduler creates a milestone scheduler. Milestones are
// sorted; gamma outside (0, 1] falls back to 0.1.
func NewMultiStepLRScheduler(milestones []int, gamma float64) *MultiStepLRScheduler {
	m := append([]int(nil), milestones...)
	sort.Ints(m)
	if gamma <= 0 || gamma > 1 {
		gamma = 0.1
	}
	return &MultiStepLRScheduler{
		Milestones: m,
		Gamma:      gamma,
	}
}

func (s *MultiStepLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	// Number of milestones <= epoch
	passed := sort.SearchInts(s.Milestones, epoch+1)
	return baseLR * math.Pow(s.Gamma, float64(passed))
}

func (s *MultiStepLRScheduler) GetName() string {
	return "MultiStepLR"
}

// NoOpScheduler maintains constant learning rate (default behavior)
type NoOpScheduler struct{}

func (s *NoOpScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR
}

func (s *NoOpScheduler) GetName() string {
	return "ConstantLR"
}

// NewScheduler returns a MultiStepLR over milestones, or a constant schedule
// when there are none.
func NewScheduler(milestones []int, gamma float64) LRScheduler {
	if len(milestones) == 0 {
		return &NoOpScheduler{}
	}
	return NewMultiStepLRScheduler(milestones, gamma)
}
