package training

import (
	"math"
	"sort"
)

// LRScheduler defines the interface for learning rate scheduling strategies.
// Schedulers are pure functions of the epoch so that a run can be resumed
// at any epoch without replaying history.
type LRScheduler interface {
	// GetLR returns the learning rate for the given 1-based epoch
	GetLR(epoch int, step int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// MultiStepLRScheduler multiplies the learning rate by Gamma once for every
// milestone that the epoch has reached.
type MultiStepLRScheduler struct {
	Milestones []int   // epochs at which a decay takes effect
	Gamma      float64 // Multiplicative factor of LR decay
}

// NewMultiStepLRScheduler creates a multi-step scheduler
func NewMultiStepLRScheduler(milestones []int, gamma float64) *MultiStepLRScheduler {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1 // Default: reduce by 10x
	}
	m := append([]int(nil), milestones...)
	sort.Ints(m)
	return &MultiStepLRScheduler{
		Milestones: m,
		Gamma:      gamma,
	}
}

func (s *MultiStepLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	times := sort.SearchInts(s.Milestones, epoch+1) // milestones <= epoch
	return baseLR * math.Pow(s.Gamma, float64(times))
}

func (s *MultiStepLRScheduler) GetName() string {
	return "MultiStepLR"
}
