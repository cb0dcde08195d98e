package training

import (
	"fmt"
	"math"

	"github.com/tsawler/go-medseg/config"
)

// LRScheduler defines the interface for learning rate scheduling strategies.
// All schedulers are stateless pure functions of the optimization step.
type LRScheduler interface {
	// GetLR returns the learning rate for the given global optimization step.
	GetLR(step int, baseLR float64) float64

	// GetName returns the scheduler name for logging.
	GetName() string
}

// PolyLRScheduler decays the learning rate polynomially toward zero over
// maxIter steps: lr = base * (1 - step/maxIter)^power.
type PolyLRScheduler struct {
	MaxIter int
	Power   float64
}

// NewPolyLRScheduler creates a polynomial decay scheduler.
func NewPolyLRScheduler(maxIter int, power float64) *PolyLRScheduler {
	if maxIter <= 0 {
		maxIter = 10000
	}
	if power <= 0 {
		power = 0.9
	}
	return &PolyLRScheduler{MaxIter: maxIter, Power: power}
}

func (s *PolyLRScheduler) GetLR(step int, baseLR float64) float64 {
	if step >= s.MaxIter {
		return 0
	}
	frac := 1.0 - float64(step)/float64(s.MaxIter)
	return baseLR * math.Pow(frac, s.Power)
}

func (s *PolyLRScheduler) GetName() string {
	return "PolyLR"
}

// StepLRScheduler reduces the learning rate by a factor every stepSize steps.
type StepLRScheduler struct {
	StepSize int
	Gamma    float64
}

// NewStepLRScheduler creates a step learning rate scheduler.
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 1000
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.5
	}
	return &StepLRScheduler{StepSize: stepSize, Gamma: gamma}
}

func (s *StepLRScheduler) GetLR(step int, baseLR float64) float64 {
	times := step / s.StepSize
	return baseLR * math.Pow(s.Gamma, float64(times))
}

func (s *StepLRScheduler) GetName() string {
	return "StepLR"
}

// NoOpScheduler maintains a constant learning rate.
type NoOpScheduler struct{}

func (s *NoOpScheduler) GetLR(step int, baseLR float64) float64 {
	return baseLR
}

func (s *NoOpScheduler) GetName() string {
	return "ConstantLR"
}

// SchedulerFromConfig builds the scheduler named by the training config.
func SchedulerFromConfig(tc config.TrainingConfig) (LRScheduler, error) {
	switch tc.Scheduler {
	case "poly", "":
		return NewPolyLRScheduler(tc.IterMax, tc.SchedulerPow), nil
	case "step":
		return NewStepLRScheduler(tc.StepSize, tc.StepGamma), nil
	case "constant":
		return &NoOpScheduler{}, nil
	default:
		return nil, fmt.Errorf("unknown lr_scheduler %q", tc.Scheduler)
	}
}
