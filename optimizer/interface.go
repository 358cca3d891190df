// Package optimizer holds the parameter update rules applied by
// Weight.UpdateWeights and the bookkeeping needed to checkpoint their state.
//
// Gradient buffers passed to the rules hold the descent direction
// -(1/(sharingCount*batch)) Xᵀδ, so every rule moves weights along +g.
package optimizer

import (
	"fmt"
	"strings"
)

// TrainingMode selects the update rule
type TrainingMode uint32

const (
	SGD TrainingMode = iota
	Momentum
	AdaGrad
	Nesterov
	RMSProp
	AdaDelta
	Adam
)

func (m TrainingMode) String() string {
	switch m {
	case SGD:
		return "SGD"
	case Momentum:
		return "Momentum"
	case AdaGrad:
		return "AdaGrad"
	case Nesterov:
		return "Nesterov"
	case RMSProp:
		return "RMSProp"
	case AdaDelta:
		return "AdaDelta"
	case Adam:
		return "Adam"
	default:
		return "Unknown"
	}
}

// ParseTrainingMode maps a mode name (case-insensitive) to its value
func ParseTrainingMode(name string) (TrainingMode, error) {
	for m := SGD; m <= Adam; m++ {
		if strings.EqualFold(m.String(), name) {
			return m, nil
		}
	}
	return SGD, fmt.Errorf("unknown training mode %q", name)
}

// NeedsVelocity reports whether mode keeps a per-parameter velocity buffer
func (m TrainingMode) NeedsVelocity() bool {
	return m != SGD
}

// NeedsGradientVelocity reports whether mode keeps a second accumulator
func (m TrainingMode) NeedsGradientVelocity() bool {
	return m == AdaDelta || m == Adam
}

// Params are the scalars one update step runs with
type Params struct {
	Alpha  float32 // learning rate
	Lambda float32 // L2 weight decay
	Mu     float32 // momentum or decay rate; beta1 for Adam

	// Adam only
	Beta2   float32
	Epsilon float32
	Step    uint64
}

// WithoutDecay returns p with Lambda cleared, as used for bias updates
func (p Params) WithoutDecay() Params {
	p.Lambda = 0
	return p
}

// Slots are the buffers one parameter tensor is updated through. Velocity and
// GradientVelocity may be nil when the mode does not use them.
type Slots struct {
	Weights          []float32
	Gradient         []float32
	Velocity         []float32
	GradientVelocity []float32
}

// Apply runs one update of mode over s
func Apply(mode TrainingMode, p Params, s Slots) error {
	n := len(s.Weights)
	if len(s.Gradient) < n {
		return fmt.Errorf("gradient has %d elements, weights have %d", len(s.Gradient), n)
	}
	if mode.NeedsVelocity() && len(s.Velocity) < n {
		return fmt.Errorf("%s needs a velocity buffer of %d elements, got %d", mode, n, len(s.Velocity))
	}
	if mode.NeedsGradientVelocity() && len(s.GradientVelocity) < n {
		return fmt.Errorf("%s needs a gradient velocity buffer of %d elements, got %d",
			mode, n, len(s.GradientVelocity))
	}

	switch mode {
	case SGD:
		sgdUpdate(p, s.Weights, s.Gradient)
	case Momentum:
		momentumUpdate(p, s.Weights, s.Gradient, s.Velocity)
	case AdaGrad:
		adagradUpdate(p, s.Weights, s.Gradient, s.Velocity)
	case Nesterov:
		nesterovUpdate(p, s.Weights, s.Gradient, s.Velocity)
	case RMSProp:
		rmspropUpdate(p, s.Weights, s.Gradient, s.Velocity)
	case AdaDelta:
		adadeltaUpdate(p, s.Weights, s.Gradient, s.Velocity, s.GradientVelocity)
	case Adam:
		adamUpdate(p, s.Weights, s.Gradient, s.Velocity, s.GradientVelocity)
	default:
		return fmt.Errorf("unknown training mode %d", mode)
	}
	return nil
}

// decayed returns the regularized descent direction g - lambda*w
func decayed(p Params, g, w float32) float32 {
	return g - p.Lambda*w
}
