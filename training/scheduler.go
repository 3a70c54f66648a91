package training

import (
	"math"

	"github.com/pkg/errors"

	"github.com/tsawler/go-harmonize/checkpoints"
)

// LRScheduler computes the learning rate for an epoch. Implementations are
// pure functions of (epoch, step, baseLR); run position lives in
// ScheduleState so it can be checkpointed.
type LRScheduler interface {
	GetLR(epoch int, step int, baseLR float64) float64
	GetName() string
}

// StepLRScheduler reduces the learning rate by a factor every stepSize
// epochs.
type StepLRScheduler struct {
	StepSize int
	Gamma    float64
}

// NewStepLRScheduler creates a step learning rate scheduler.
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 30
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1
	}
	return &StepLRScheduler{StepSize: stepSize, Gamma: gamma}
}

func (s *StepLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	times := epoch / s.StepSize
	return baseLR * math.Pow(s.Gamma, float64(times))
}

func (s *StepLRScheduler) GetName() string {
	return "StepLR"
}

// ExponentialLRScheduler decays the learning rate exponentially per epoch.
type ExponentialLRScheduler struct {
	Gamma float64
}

// NewExponentialLRScheduler creates an exponential learning rate scheduler.
func NewExponentialLRScheduler(gamma float64) *ExponentialLRScheduler {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.95
	}
	return &ExponentialLRScheduler{Gamma: gamma}
}

func (s *ExponentialLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch))
}

func (s *ExponentialLRScheduler) GetName() string {
	return "ExponentialLR"
}

// CosineAnnealingLRScheduler implements a cosine annealing schedule.
type CosineAnnealingLRScheduler struct {
	TMax   int
	EtaMin float64
}

// NewCosineAnnealingLRScheduler creates a cosine annealing scheduler.
func NewCosineAnnealingLRScheduler(tMax int, etaMin float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 100
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &CosineAnnealingLRScheduler{TMax: tMax, EtaMin: etaMin}
}

func (s *CosineAnnealingLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if epoch >= s.TMax {
		return s.EtaMin
	}
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLRScheduler) GetName() string {
	return "CosineAnnealingLR"
}

// ScheduleState binds a pure scheduler to an optimizer and tracks the run
// position. The trainer advances it once per training epoch; its position
// travels in checkpoint bundles.
type ScheduleState struct {
	sched     LRScheduler
	optim     Optimizer
	baseLR    float64
	lastEpoch int
}

// NewScheduleState wraps a scheduler. startEpoch fast-forwards the position
// for runs that begin mid-schedule, applying the corresponding rate
// immediately.
func NewScheduleState(sched LRScheduler, optim Optimizer, baseLR float64, startEpoch int) (*ScheduleState, error) {
	if sched == nil {
		return nil, errors.New("nil scheduler")
	}
	if optim == nil {
		return nil, errors.New("nil optimizer")
	}
	s := &ScheduleState{sched: sched, optim: optim, baseLR: baseLR, lastEpoch: startEpoch}
	optim.SetLR(s.LastLR())
	return s, nil
}

// Step advances the schedule one epoch and applies the new rate.
func (s *ScheduleState) Step() {
	s.lastEpoch++
	s.optim.SetLR(s.LastLR())
}

// LastLR returns the learning rate at the current schedule position.
func (s *ScheduleState) LastLR() float64 {
	return s.sched.GetLR(s.lastEpoch, 0, s.baseLR)
}

// StateDict serializes the schedule position.
func (s *ScheduleState) StateDict() *checkpoints.SchedulerState {
	return &checkpoints.SchedulerState{
		Name:      s.sched.GetName(),
		LastEpoch: s.lastEpoch,
	}
}

// LoadStateDict restores the schedule position and reapplies the rate.
func (s *ScheduleState) LoadStateDict(state *checkpoints.SchedulerState) error {
	if state.Name != s.sched.GetName() {
		return errors.Errorf("checkpoint scheduler %q does not match configured %q", state.Name, s.sched.GetName())
	}
	s.lastEpoch = state.LastEpoch
	s.optim.SetLR(s.LastLR())
	return nil
}
