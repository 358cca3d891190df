package kernels

import (
	"github.com/chewxy/math32"
	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/go-dsstne/layers"
)

// Margins carries the network-wide cost parameters
type Margins struct {
	OneTarget  float32
	ZeroTarget float32
	OneScale   float32
	ZeroScale  float32

	// DeltaBoostOne and DeltaBoostZero scale L2 and cross entropy deltas at
	// nonzero and zero targets respectively
	DeltaBoostOne  float32
	DeltaBoostZero float32
}

// DefaultMargins returns the network defaults
func DefaultMargins() Margins {
	return Margins{
		OneTarget:      0.9,
		ZeroTarget:     0.1,
		OneScale:       1,
		ZeroScale:      1,
		DeltaBoostOne:  1,
		DeltaBoostZero: 1,
	}
}

func (m Margins) boost(t float32) float32 {
	if t != 0 {
		return m.DeltaBoostOne
	}
	return m.DeltaBoostZero
}

func safeLog(x float32) float32 {
	return math32.Log(math32.Max(layers.MinError, x))
}

// rowSums evaluates f on every element of a [rows][cols] block, sums each
// row in float32 and totals the rows in float64
func rowSums(unit, target []float32, rows, cols int, f func(a, t float32) float32) float32 {
	sums := make([]float64, rows)
	for r := 0; r < rows; r++ {
		var s float32
		off := r * cols
		for c := 0; c < cols; c++ {
			s += f(unit[off+c], target[off+c])
		}
		sums[r] = float64(s)
	}
	return float32(floats.Sum(sums))
}

// L1Error returns sum |a - t|
func L1Error(unit, target []float32, rows, cols int) float32 {
	return rowSums(unit, target, rows, cols, func(a, t float32) float32 {
		return math32.Abs(a - t)
	})
}

// L2Error returns 0.5 * sum (a - t)²
func L2Error(unit, target []float32, rows, cols int) float32 {
	return rowSums(unit, target, rows, cols, func(a, t float32) float32 {
		d := a - t
		return 0.5 * d * d
	})
}

// CrossEntropyError returns -sum [t log a + (1 - t) log(1 - a)]
func CrossEntropyError(unit, target []float32, rows, cols int) float32 {
	return rowSums(unit, target, rows, cols, func(a, t float32) float32 {
		return -t*safeLog(a) - (1-t)*safeLog(1-a)
	})
}

// MultinomialCrossEntropyError returns -sum t log a
func MultinomialCrossEntropyError(unit, target []float32, rows, cols int) float32 {
	return rowSums(unit, target, rows, cols, func(a, t float32) float32 {
		if t == 0 {
			return 0
		}
		return -t * safeLog(a)
	})
}

// ScaledMarginalCrossEntropyError penalizes nonzero targets only while the
// output is below OneTarget and zero targets only while it is above
// ZeroTarget
func ScaledMarginalCrossEntropyError(unit, target []float32, rows, cols int, m Margins) float32 {
	return rowSums(unit, target, rows, cols, func(a, t float32) float32 {
		switch {
		case t != 0 && a < m.OneTarget:
			return -t * m.OneScale * safeLog(a)
		case t == 0 && a > m.ZeroTarget:
			return -m.ZeroScale * safeLog(1-a)
		}
		return 0
	})
}

// MultinomialScaledMarginalCrossEntropyError is the SoftMax variant, which
// only scores nonzero targets
func MultinomialScaledMarginalCrossEntropyError(unit, target []float32, rows, cols int, m Margins) float32 {
	return rowSums(unit, target, rows, cols, func(a, t float32) float32 {
		if t != 0 && a < m.OneTarget {
			return -t * m.OneScale * safeLog(a)
		}
		return 0
	})
}

// DataScaledMarginalCrossEntropyError scales the error at nonzero targets by
// the target value and treats zero targets as ScaledMarginalCrossEntropy
func DataScaledMarginalCrossEntropyError(unit, target []float32, rows, cols int, m Margins) float32 {
	return rowSums(unit, target, rows, cols, func(a, t float32) float32 {
		switch {
		case t != 0:
			return -t * m.OneScale * safeLog(a)
		case a > m.ZeroTarget:
			return -m.ZeroScale * safeLog(1-a)
		}
		return 0
	})
}

func deltas(act layers.Activation, unit, delta, target []float32, n int, f func(a, t float32) float32) error {
	if err := CheckActivation(act); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		delta[i] = f(unit[i], target[i])
	}
	return nil
}

// L1OutputDelta writes sign(a - t) * f'(a)
func L1OutputDelta(act layers.Activation, unit, delta, target []float32, rows, cols int) error {
	return deltas(act, unit, delta, target, rows*cols, func(a, t float32) float32 {
		var s float32
		switch {
		case a > t:
			s = 1
		case a < t:
			s = -1
		}
		return s * derivative(act, a)
	})
}

// L2OutputDelta writes (a - t) * f'(a), boosted by target class
func L2OutputDelta(act layers.Activation, unit, delta, target []float32, rows, cols int, m Margins) error {
	return deltas(act, unit, delta, target, rows*cols, func(a, t float32) float32 {
		return m.boost(t) * (a - t) * derivative(act, a)
	})
}

// CrossEntropyOutputDelta writes a - t for Sigmoid and SoftMax outputs, whose
// derivative cancels, and (a - t) * f'(a) otherwise
func CrossEntropyOutputDelta(act layers.Activation, unit, delta, target []float32, rows, cols int, m Margins) error {
	cancels := act == layers.Sigmoid || act == layers.SoftMax
	return deltas(act, unit, delta, target, rows*cols, func(a, t float32) float32 {
		d := m.boost(t) * (a - t)
		if cancels {
			return d
		}
		return d * derivative(act, a)
	})
}

// ScaledMarginalCrossEntropyOutputDelta writes OneScale*(a - 1) at nonzero
// targets below OneTarget and ZeroScale*a at zero targets above ZeroTarget
func ScaledMarginalCrossEntropyOutputDelta(act layers.Activation, unit, delta, target []float32, rows, cols int, m Margins) error {
	cancels := act == layers.Sigmoid || act == layers.SoftMax
	return deltas(act, unit, delta, target, rows*cols, func(a, t float32) float32 {
		var d float32
		switch {
		case t != 0 && a < m.OneTarget:
			d = m.OneScale * (a - 1)
		case t == 0 && a > m.ZeroTarget:
			d = m.ZeroScale * a
		}
		if cancels {
			return d
		}
		return d * derivative(act, a)
	})
}

// DataScaledMarginalCrossEntropyOutputDelta writes t*OneScale*(a - 1) at
// nonzero targets and ZeroScale*a at zero targets above ZeroTarget
func DataScaledMarginalCrossEntropyOutputDelta(act layers.Activation, unit, delta, target []float32, rows, cols int, m Margins) error {
	return deltas(act, unit, delta, target, rows*cols, func(a, t float32) float32 {
		var d float32
		switch {
		case t != 0:
			d = t * m.OneScale * (a - 1)
		case a > m.ZeroTarget:
			d = m.ZeroScale * a
		}
		if act == layers.Sigmoid {
			return d
		}
		return d * derivative(act, a)
	})
}
