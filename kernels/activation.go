package kernels

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"

	"github.com/tsawler/go-dsstne/layers"
)

const (
	// LeakySlope is the negative-side slope of ParametricRectifiedLinear
	LeakySlope float32 = 0.01

	// ELUAlpha scales the negative side of ExponentialLinear
	ELUAlpha float32 = 1.0
)

// ErrUnsupportedActivation is returned for activations the engine cannot run
var ErrUnsupportedActivation = errors.New("unsupported activation")

// CheckActivation reports whether act can be evaluated and differentiated
func CheckActivation(act layers.Activation) error {
	switch act {
	case layers.Sigmoid, layers.Tanh, layers.RectifiedLinear, layers.Linear,
		layers.ParametricRectifiedLinear, layers.SoftPlus, layers.SoftSign,
		layers.SoftMax, layers.ExponentialLinear:
		return nil
	default:
		return errors.Wrapf(ErrUnsupportedActivation, "%s", act)
	}
}

// Activate applies act in place to a [rows][cols] unit buffer. SoftMax is
// normalized per row.
func Activate(act layers.Activation, unit []float32, rows, cols int) error {
	if err := CheckActivation(act); err != nil {
		return err
	}
	n := rows * cols
	u := unit[:n]
	switch act {
	case layers.Sigmoid:
		for i, x := range u {
			u[i] = 1 / (1 + math32.Exp(-x))
		}
	case layers.Tanh:
		for i, x := range u {
			u[i] = math32.Tanh(x)
		}
	case layers.RectifiedLinear:
		for i, x := range u {
			if x < 0 {
				u[i] = 0
			}
		}
	case layers.ParametricRectifiedLinear:
		for i, x := range u {
			if x < 0 {
				u[i] = LeakySlope * x
			}
		}
	case layers.ExponentialLinear:
		for i, x := range u {
			if x < 0 {
				u[i] = ELUAlpha * (math32.Exp(x) - 1)
			}
		}
	case layers.SoftPlus:
		for i, x := range u {
			u[i] = math32.Log(1 + math32.Exp(x))
		}
	case layers.SoftSign:
		for i, x := range u {
			u[i] = x / (1 + math32.Abs(x))
		}
	case layers.SoftMax:
		for r := 0; r < rows; r++ {
			softmaxRow(u[r*cols : (r+1)*cols])
		}
	}
	return nil
}

func softmaxRow(row []float32) {
	if len(row) == 0 {
		return
	}
	hi := row[0]
	for _, x := range row[1:] {
		if x > hi {
			hi = x
		}
	}
	var sum float32
	for i, x := range row {
		e := math32.Exp(x - hi)
		row[i] = e
		sum += e
	}
	inv := 1 / sum
	for i := range row {
		row[i] *= inv
	}
}

// derivative returns f'(x) expressed in terms of the activation's output a
func derivative(act layers.Activation, a float32) float32 {
	switch act {
	case layers.Sigmoid:
		return a * (1 - a)
	case layers.Tanh:
		return 1 - a*a
	case layers.RectifiedLinear:
		if a > 0 {
			return 1
		}
		return 0
	case layers.ParametricRectifiedLinear:
		if a > 0 {
			return 1
		}
		return LeakySlope
	case layers.ExponentialLinear:
		if a >= 0 {
			return 1
		}
		return a + ELUAlpha
	case layers.SoftPlus:
		return 1 - math32.Exp(-a)
	case layers.SoftSign:
		d := 1 - math32.Abs(a)
		return d * d
	default:
		return 1
	}
}

// Derivative returns f'(x) for an output value a of act
func Derivative(act layers.Activation, a float32) (float32, error) {
	if err := CheckActivation(act); err != nil {
		return 0, err
	}
	return derivative(act, a), nil
}

// HadamardProduct multiplies delta in place by the activation derivative of
// unit. When random is non-nil the unit was passed through inverted dropout
// with probability p: dropped positions get a zero delta, the derivative is
// taken on the unscaled activation and the result is scaled back up.
func HadamardProduct(act layers.Activation, unit, delta, random []float32, p float32) error {
	if err := CheckActivation(act); err != nil {
		return err
	}
	if random == nil || p <= 0 {
		for i, a := range unit[:len(delta)] {
			delta[i] *= derivative(act, a)
		}
		return nil
	}

	scale := 1 / (1 - p)
	for i, a := range unit[:len(delta)] {
		if random[i] < p {
			delta[i] = 0
			continue
		}
		delta[i] *= derivative(act, a/scale) * scale
	}
	return nil
}

// Dropout applies inverted dropout in place: positions whose random draw is
// below p are zeroed and survivors are scaled by 1/(1-p)
func Dropout(unit, random []float32, p float32) {
	if p <= 0 {
		return
	}
	scale := 1 / (1 - p)
	for i, r := range random[:len(unit)] {
		if r < p {
			unit[i] = 0
		} else {
			unit[i] *= scale
		}
	}
}

// SparsenessPenalty adds the KL sparseness gradient for target activation p
// to every delta of a [rows][cols] block
func SparsenessPenalty(rows, cols int, unit, delta []float32, p, beta float32) {
	if rows == 0 {
		return
	}
	for c := 0; c < cols; c++ {
		var avg float32
		for r := 0; r < rows; r++ {
			avg += unit[r*cols+c]
		}
		avg /= float32(rows)
		avg = math32.Max(layers.MinActivation, math32.Min(layers.MaxActivation, avg))
		penalty := beta * (-p/avg + (1-p)/(1-avg))
		for r := 0; r < rows; r++ {
			delta[r*cols+c] += penalty
		}
	}
}
