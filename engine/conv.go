package engine

import (
	"context"

	"github.com/tsawler/go-dsstne/kernels"
	"github.com/tsawler/go-dsstne/layers"
)

// convolutional layers sum filter banks applied to each source
type convolutional struct{}

// local reports whether l and its sources hold whole examples on this
// rank, so a data-parallel pass needs no exchange
func (l *Layer) local() bool {
	if l.net.dctx.NumProcs() == 1 {
		return true
	}
	if l.parallelization != layers.Data {
		return false
	}
	for _, id := range l.sources {
		if l.layer(id).parallelization != layers.Data {
			return false
		}
	}
	return true
}

func (convolutional) forward(ctx context.Context, l *Layer, position, batch uint32, training bool) error {
	if !l.local() {
		return l.net.dctx.ConfigError("Layer.ForwardPropagate",
			"convolution %s across %d ranks needs data-parallel sources", l.name, l.net.dctx.NumProcs())
	}
	lb := l.LocalBatch(batch)
	unit := l.units()
	for i, id := range l.incomingWeights {
		w := l.weight(id)
		kernels.ConvForward(&w.shape, w.input().units(), w.Weights(), unit, int(lb), beta(uint32(i)))
		kernels.AddConvBias(&w.shape, unit, w.Biases(), int(lb))
	}
	return l.finishForward(lb, training)
}

func (convolutional) backward(ctx context.Context, l *Layer, position, batch uint32) error {
	if l.net.dctx.NumProcs() > 1 {
		return l.net.dctx.ConfigError("Layer.BackPropagate", "convolution %s: backpropagation across ranks is not implemented", l.name)
	}
	lb := l.LocalBatch(batch)
	if l.kind == layers.Hidden {
		if err := l.prepareDeltas(ctx, lb); err != nil {
			return err
		}
	}
	delta := l.deltas()
	for _, id := range l.incomingWeights {
		w := l.weight(id)
		in := w.input()
		if !w.locked {
			src := w.params()
			alpha := gradientAlpha(w, batch)
			kernels.ConvBackwardFilter(&w.shape, in.units(), delta, src.gradient.Device(), int(lb), alpha, beta(src.updateCount))
			kernels.ConvBackwardBias(&w.shape, delta, w.biasGradient.Device(), int(lb), alpha, 0)
			src.updateCount++
		}
		if in.kind != layers.Input && in.delta != nil {
			kernels.ConvBackwardData(&w.shape, w.Weights(), delta, in.deltas(), int(lb), beta(in.deltaUpdateCount))
			in.deltaUpdateCount++
		}
	}
	l.backpropSkips(lb)
	return nil
}
