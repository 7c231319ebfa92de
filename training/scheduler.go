package training

import (
	"math"
	"sort"

	"github.com/pkg/errors"
)

// LRScheduler defines the interface for learning rate scheduling strategies.
// GetLR is a pure function of its arguments.
type LRScheduler interface {
	GetLR(iteration int, step int, baseLR float64) float64
	GetName() string
}

// MilestoneScheduler decays the base rate by Gamma each time training crosses
// one of a fixed, ascending list of iteration milestones. The rate is
// piecewise constant between milestones.
type MilestoneScheduler struct {
	BaseLR     float64
	Gamma      float64
	Milestones []int
}

var _ LRScheduler = (*MilestoneScheduler)(nil)

// NewMilestoneScheduler validates and copies milestones.
func NewMilestoneScheduler(baseLR, gamma float64, milestones []int) (*MilestoneScheduler, error) {
	if baseLR <= 0 {
		return nil, errors.Errorf("base learning rate must be positive, got %g", baseLR)
	}
	if gamma <= 0 {
		return nil, errors.Errorf("gamma must be positive, got %g", gamma)
	}
	for i := 1; i < len(milestones); i++ {
		if milestones[i] <= milestones[i-1] {
			return nil, errors.Errorf("milestones must be strictly ascending, got %v", milestones)
		}
	}

	ms := make([]int, len(milestones))
	copy(ms, milestones)
	return &MilestoneScheduler{
		BaseLR:     baseLR,
		Gamma:      gamma,
		Milestones: ms,
	}, nil
}

// Adjust returns BaseLR * Gamma^step.
func (s *MilestoneScheduler) Adjust(step int) float64 {
	return s.GetLR(0, step, s.BaseLR)
}

func (s *MilestoneScheduler) GetLR(iteration int, step int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(step))
}

func (s *MilestoneScheduler) GetName() string {
	return "MultiStepLR"
}

// IsMilestone reports whether iteration is one of the milestones.
func (s *MilestoneScheduler) IsMilestone(iteration int) bool {
	i := sort.SearchInts(s.Milestones, iteration)
	return i < len(s.Milestones) && s.Milestones[i] == iteration
}

// StepIndexAt counts the milestones at or below iteration, which is the step
// index a run that started at 0 would hold once iteration has begun.
func (s *MilestoneScheduler) StepIndexAt(iteration int) int {
	return sort.SearchInts(s.Milestones, iteration+1)
}
