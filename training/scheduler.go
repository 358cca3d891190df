package training

import (
	"github.com/chewxy/math32"
)

// LRScheduler maps an epoch to the learning rate the trainer hands to
// Network.TrainBatch. Schedulers other than ReduceLROnPlateau are pure.
type LRScheduler interface {
	// Rate returns the learning rate for the zero-based epoch
	Rate(epoch int, base float32) float32

	// Name returns the scheduler name for logging
	Name() string
}

// PlateauObserver is implemented by schedulers that react to the
// validation error at the end of each epoch
type PlateauObserver interface {
	Observe(metric float32)
}

// StepLRScheduler multiplies the learning rate by Gamma every StepSize
// epochs. This is the classic alpha interval / alpha multiplier decay.
type StepLRScheduler struct {
	StepSize int
	Gamma    float32
}

// NewStepLRScheduler creates a step learning rate scheduler
func NewStepLRScheduler(stepSize int, gamma float32) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 20
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.8
	}
	return &StepLRScheduler{StepSize: stepSize, Gamma: gamma}
}

func (s *StepLRScheduler) Rate(epoch int, base float32) float32 {
	return base * math32.Pow(s.Gamma, float32(epoch/s.StepSize))
}

func (s *StepLRScheduler) Name() string { return "StepLR" }

// ExponentialLRScheduler decays the learning rate by Gamma every epoch
type ExponentialLRScheduler struct {
	Gamma float32
}

// NewExponentialLRScheduler creates an exponential learning rate scheduler
func NewExponentialLRScheduler(gamma float32) *ExponentialLRScheduler {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.95
	}
	return &ExponentialLRScheduler{Gamma: gamma}
}

func (s *ExponentialLRScheduler) Rate(epoch int, base float32) float32 {
	return base * math32.Pow(s.Gamma, float32(epoch))
}

func (s *ExponentialLRScheduler) Name() string { return "ExponentialLR" }

// CosineAnnealingLRScheduler anneals from the base rate to EtaMin over
// TMax epochs and stays at EtaMin afterwards
type CosineAnnealingLRScheduler struct {
	TMax   int
	EtaMin float32
}

// NewCosineAnnealingLRScheduler creates a cosine annealing scheduler
func NewCosineAnnealingLRScheduler(tMax int, etaMin float32) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 100
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &CosineAnnealingLRScheduler{TMax: tMax, EtaMin: etaMin}
}

func (s *CosineAnnealingLRScheduler) Rate(epoch int, base float32) float32 {
	if epoch >= s.TMax {
		return s.EtaMin
	}
	return s.EtaMin + (base-s.EtaMin)*(1+math32.Cos(math32.Pi*float32(epoch)/float32(s.TMax)))/2
}

func (s *CosineAnnealingLRScheduler) Name() string { return "CosineAnnealingLR" }

// ReduceLROnPlateauScheduler cuts the learning rate by Factor once the
// observed error has not improved by Threshold for Patience epochs
type ReduceLROnPlateauScheduler struct {
	Factor    float32
	Patience  int
	Threshold float32

	best      float32
	badEpochs int
	scale     float32
	observed  bool
}

// NewReduceLROnPlateauScheduler creates a plateau scheduler
func NewReduceLROnPlateauScheduler(factor float32, patience int, threshold float32) *ReduceLROnPlateauScheduler {
	if factor <= 0 || factor >= 1 {
		factor = 0.1
	}
	if patience <= 0 {
		patience = 10
	}
	if threshold < 0 {
		threshold = 1e-4
	}
	return &ReduceLROnPlateauScheduler{Factor: factor, Patience: patience, Threshold: threshold, scale: 1}
}

// Observe records one epoch's error
func (s *ReduceLROnPlateauScheduler) Observe(metric float32) {
	if !s.observed {
		s.best, s.observed = metric, true
		return
	}
	if metric < s.best-s.Threshold {
		s.best = metric
		s.badEpochs = 0
		return
	}
	s.badEpochs++
	if s.badEpochs >= s.Patience {
		s.scale *= s.Factor
		s.badEpochs = 0
	}
}

func (s *ReduceLROnPlateauScheduler) Rate(epoch int, base float32) float32 {
	return base * s.scale
}

func (s *ReduceLROnPlateauScheduler) Name() string { return "ReduceLROnPlateau" }

// NoOpScheduler keeps the base rate
type NoOpScheduler struct{}

func (NoOpScheduler) Rate(epoch int, base float32) float32 { return base }

func (NoOpScheduler) Name() string { return "ConstantLR" }
