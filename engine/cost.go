package engine

import (
	"context"

	"github.com/pkg/errors"

	"github.com/tsawler/go-dsstne/layers"
)

// CalculateError scores this rank's part of an output layer's units against
// its data set. The caller sums the result across ranks.
func (l *Layer) CalculateError(ctx context.Context, position, batch uint32, ef layers.ErrorFunction) (float32, error) {
	op := "Layer.CalculateError"
	if l.kind != layers.Output {
		return 0, l.net.dctx.ConfigError(op, "layer %s is not an output layer", l.name)
	}
	if l.data == nil {
		return 0, l.net.dctx.ConfigError(op, "output layer %s has no data set", l.name)
	}
	lb := l.LocalBatch(batch)
	unit, stride, m := l.units(), l.localStride, l.net.margins
	softmax := l.desc.Activation == layers.SoftMax

	var (
		e   float32
		err error
	)
	switch ef {
	case layers.L1:
		e, err = l.data.CalculateL1Error(position, lb, stride, unit)
	case layers.L2:
		e, err = l.data.CalculateL2Error(position, lb, stride, unit)
	case layers.CrossEntropy:
		if softmax {
			e, err = l.data.CalculateMultinomialCrossEntropyError(position, lb, stride, unit)
		} else {
			e, err = l.data.CalculateCrossEntropyError(position, lb, stride, unit)
		}
	case layers.ScaledMarginalCrossEntropy:
		if softmax {
			e, err = l.data.CalculateMultinomialScaledMarginalCrossEntropyError(position, lb, stride, unit, m)
		} else {
			e, err = l.data.CalculateScaledMarginalCrossEntropyError(position, lb, stride, unit, m)
		}
	case layers.DataScaledMarginalCrossEntropy:
		if softmax {
			return 0, l.net.dctx.ConfigError(op, "layer %s: data scaled marginal cross entropy does not support SoftMax", l.name)
		}
		e, err = l.data.CalculateDataScaledMarginalCrossEntropyError(position, lb, stride, unit, m)
	default:
		return 0, l.net.dctx.ConfigError(op, "layer %s: unknown error function %s", l.name, ef)
	}
	if err != nil {
		return 0, errors.Wrapf(err, "layer %s", l.name)
	}
	return e, nil
}

// CalculateOutputDelta computes the derivative of ef with respect to an
// output layer's pre-activation and clips it to the layer's delta norm
func (l *Layer) CalculateOutputDelta(ctx context.Context, position, batch uint32, ef layers.ErrorFunction) error {
	op := "Layer.CalculateOutputDelta"
	if l.kind != layers.Output {
		return l.net.dctx.ConfigError(op, "layer %s is not an output layer", l.name)
	}
	if l.delta == nil {
		return l.net.dctx.ConfigError(op, "layer %s has no deltas; is the network in training mode?", l.name)
	}
	lb := l.LocalBatch(batch)
	act, unit, delta := l.desc.Activation, l.units(), l.deltas()
	stride, m := l.localStride, l.net.margins

	var err error
	switch ef {
	case layers.L1:
		err = l.data.CalculateL1OutputDelta(act, position, lb, stride, unit, delta)
	case layers.L2:
		err = l.data.CalculateL2OutputDelta(act, position, lb, stride, unit, delta, m)
	case layers.CrossEntropy:
		err = l.data.CalculateCrossEntropyOutputDelta(act, position, lb, stride, unit, delta, m)
	case layers.ScaledMarginalCrossEntropy:
		err = l.data.CalculateScaledMarginalCrossEntropyOutputDelta(act, position, lb, stride, unit, delta, m)
	case layers.DataScaledMarginalCrossEntropy:
		err = l.data.CalculateDataScaledMarginalCrossEntropyOutputDelta(act, position, lb, stride, unit, delta, m)
	default:
		return l.net.dctx.ConfigError(op, "layer %s: unknown error function %s", l.name, ef)
	}
	if err != nil {
		return errors.Wrapf(err, "layer %s", l.name)
	}
	l.deltaUpdateCount++
	return l.normalizeDeltas(ctx, lb)
}
