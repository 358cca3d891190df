package engine

import (
	"context"

	"github.com/pkg/errors"

	"github.com/tsawler/go-dsstne/kernels"
	"github.com/tsawler/go-dsstne/layers"
)

// fullyConnected layers sum their sources through dense weight matrices
type fullyConnected struct{}

func (fullyConnected) forward(ctx context.Context, l *Layer, position, batch uint32, training bool) error {
	if l.net.dctx.NumProcs() == 1 {
		return fcForwardLocal(l, position, batch, training)
	}
	return fcForwardSharded(ctx, l, position, batch, training)
}

func (fullyConnected) backward(ctx context.Context, l *Layer, position, batch uint32) error {
	if l.net.dctx.NumProcs() == 1 {
		return fcBackwardLocal(ctx, l, position, batch)
	}
	return fcBackwardSharded(ctx, l, position, batch)
}

// sparseZ multiplies a fast sparse source straight into dst
func sparseZ(src *Layer, position, batch, stride uint32, w, dst []float32, beta float32, training bool) error {
	if training && src.denoising {
		return src.data.CalculateSparseDenoisedZ(position, batch, stride, w, dst, beta)
	}
	return src.data.CalculateSparseZ(position, batch, stride, w, dst, beta)
}

func wrapGemm(l *Layer, err error) error {
	if err == nil {
		return nil
	}
	return l.net.dctx.LibraryError("Layer.ForwardPropagate", 0, errors.Wrapf(err, "layer %s", l.name))
}

func fcForwardLocal(l *Layer, position, batch uint32, training bool) error {
	if l.kind == layers.Input {
		return nil
	}
	if len(l.incomingWeights) > maxFanIn {
		return l.net.dctx.ConfigError("Layer.ForwardPropagate", "layer %s has %d incoming weights, at most %d are supported",
			l.name, len(l.incomingWeights), maxFanIn)
	}
	lb := l.LocalBatch(batch)
	unit := l.units()
	stride := int(l.localStride)

	biases := make([][]float32, 0, len(l.incomingWeights))
	for _, id := range l.incomingWeights {
		biases = append(biases, l.weight(id).Biases())
	}
	kernels.ClearUnit(unit, int(lb), stride, biases...)

	for _, id := range l.incomingWeights {
		w := l.weight(id)
		in := w.input()
		W := w.Weights()
		if in.fastSparse {
			if err := sparseZ(in, position, lb, l.localStride, W, unit, 1, training); err != nil {
				return errors.Wrapf(err, "layer %s", l.name)
			}
			continue
		}
		ldb := stride
		if w.transposed {
			ldb = int(in.stride)
		}
		err := kernels.Sgemm(false, w.transposed, int(lb), stride, int(in.stride),
			1, in.units(), int(in.stride), W, ldb, 1, unit, stride)
		if err != nil {
			return wrapGemm(l, err)
		}
	}
	return l.finishForward(lb, training)
}

// fcForwardSharded runs the model-parallel forward pass. Incoming edges
// from larger layers are reduced into this layer's shard; edges into larger
// layers multiply the gathered units into each consumer's shard.
func fcForwardSharded(ctx context.Context, l *Layer, position, batch uint32, training bool) error {
	lb := l.LocalBatch(batch)
	send := l.net.dctx.SendBuffer()

	if l.kind != layers.Input {
		if len(l.incomingLarger) > 0 {
			for i, id := range l.incomingLarger {
				w := l.weight(id)
				in := w.input()
				b := beta(uint32(i))
				if in.fastSparse {
					if err := sparseZ(in, position, lb, l.stride, w.Weights(), send, b, training); err != nil {
						return errors.Wrapf(err, "layer %s", l.name)
					}
					continue
				}
				err := kernels.Sgemm(false, false, int(lb), int(l.stride), int(in.localStride),
					1, in.units(), int(in.localStride), w.Weights(), int(l.stride), b, send, int(l.stride))
				if err != nil {
					return wrapGemm(l, err)
				}
			}
			if err := l.Reduce(ctx, lb, l.stride, l.units(), l.localStride, l.unitUpdateCount); err != nil {
				return err
			}
			l.unitUpdateCount++
		}

		biases := make([][]float32, 0, len(l.incomingWeights))
		for _, id := range l.incomingWeights {
			biases = append(biases, l.weight(id).Biases())
		}
		if l.unitUpdateCount == 0 {
			kernels.ClearUnit(l.units(), int(lb), int(l.localStride), biases...)
		} else {
			kernels.AddBias(l.units(), int(lb), int(l.localStride), biases...)
		}
		if err := l.finishForward(lb, training); err != nil {
			return err
		}
	}

	if len(l.outgoingLarger) > 0 {
		if err := l.Gather(ctx, lb, l.stride, l.units(), l.localStride); err != nil {
			return err
		}
		for _, id := range l.outgoingLarger {
			w := l.weight(id)
			out := w.output()
			err := kernels.Sgemm(false, false, int(lb), int(out.localStride), int(l.stride),
				1, send, int(l.stride), w.Weights(), int(out.localStride),
				beta(out.unitUpdateCount), out.units(), int(out.localStride))
			if err != nil {
				return wrapGemm(l, err)
			}
			out.unitUpdateCount++
		}
	}
	return nil
}

func fcBackwardLocal(ctx context.Context, l *Layer, position, batch uint32) error {
	if l.kind == layers.Input {
		return nil
	}
	lb := l.LocalBatch(batch)
	if l.kind == layers.Hidden {
		if err := l.prepareDeltas(ctx, lb); err != nil {
			return err
		}
	}
	delta := l.deltas()
	stride := int(l.stride)

	for _, id := range l.incomingWeights {
		w := l.weight(id)
		in := w.input()
		src := w.params()
		alpha := gradientAlpha(w, batch)

		if !w.locked {
			G := src.gradient.Device()
			b := beta(src.updateCount)
			var err error
			switch {
			case in.fastSparse && !w.transposed:
				err = in.data.CalculateSparseTransposedWeightGradient(alpha, b, in.localStride, l.localStride, delta, G)
			case w.transposed:
				err = kernels.Sgemm(true, false, stride, int(in.stride), int(lb),
					alpha, delta, stride, in.units(), int(in.stride), b, G, int(in.stride))
			default:
				err = kernels.Sgemm(true, false, int(in.stride), stride, int(lb),
					alpha, in.units(), int(in.stride), delta, stride, b, G, stride)
			}
			if err != nil {
				return wrapGemm(l, err)
			}
			src.updateCount++
		}

		if in.kind != layers.Input && in.delta != nil {
			var err error
			if w.transposed {
				err = kernels.Sgemm(false, false, int(lb), int(in.stride), stride,
					1, delta, stride, w.Weights(), int(in.stride), beta(in.deltaUpdateCount), in.deltas(), int(in.stride))
			} else {
				err = kernels.Sgemm(false, true, int(lb), int(in.stride), stride,
					1, delta, stride, w.Weights(), stride, beta(in.deltaUpdateCount), in.deltas(), int(in.stride))
			}
			if err != nil {
				return wrapGemm(l, err)
			}
			in.deltaUpdateCount++
		}
	}
	l.backpropSkips(lb)
	return nil
}

// fcBackwardSharded mirrors fcForwardSharded: deltas from larger consumers
// are reduced into this shard before the activation derivative, then the
// full delta is gathered to drive gradients of edges from larger sources.
func fcBackwardSharded(ctx context.Context, l *Layer, position, batch uint32) error {
	lb := l.LocalBatch(batch)
	send := l.net.dctx.SendBuffer()
	stride := int(l.stride)

	if len(l.outgoingLarger) > 0 {
		if err := l.Gather(ctx, lb, l.stride, l.units(), l.localStride); err != nil {
			return err
		}
		for _, id := range l.outgoingLarger {
			w := l.weight(id)
			if w.locked {
				continue
			}
			out, src := w.output(), w.params()
			ols := int(out.localStride)
			err := kernels.Sgemm(true, false, stride, ols, int(lb),
				gradientAlpha(w, batch), send, stride, out.deltas(), ols,
				beta(src.updateCount), src.gradient.Device(), ols)
			if err != nil {
				return wrapGemm(l, err)
			}
			src.updateCount++
		}

		if l.kind != layers.Input {
			for i, id := range l.outgoingLarger {
				w := l.weight(id)
				out := w.output()
				ols := int(out.localStride)
				err := kernels.Sgemm(false, true, int(lb), stride, ols,
					1, out.deltas(), ols, w.Weights(), ols, beta(uint32(i)), send, stride)
				if err != nil {
					return wrapGemm(l, err)
				}
			}
			if err := l.Reduce(ctx, lb, l.stride, l.deltas(), l.localStride, l.deltaUpdateCount); err != nil {
				return err
			}
			l.deltaUpdateCount++
		}
	}

	if l.kind == layers.Input {
		return nil
	}
	if l.kind == layers.Hidden {
		if err := l.prepareDeltas(ctx, lb); err != nil {
			return err
		}
	}
	l.backpropSkips(lb)

	if len(l.incomingLarger) == 0 {
		return nil
	}
	if err := l.Gather(ctx, lb, l.stride, l.deltas(), l.localStride); err != nil {
		return err
	}
	for _, id := range l.incomingLarger {
		w := l.weight(id)
		in := w.input()
		if !w.locked {
			src := w.params()
			alpha := gradientAlpha(w, batch)
			G := src.gradient.Device()
			b := beta(src.updateCount)
			var err error
			if in.fastSparse {
				err = in.data.CalculateSparseTransposedWeightGradient(alpha, b, in.localStride, l.stride, send, G)
			} else {
				err = kernels.Sgemm(true, false, int(in.localStride), stride, int(lb),
					alpha, in.units(), int(in.localStride), send, stride, b, G, stride)
			}
			if err != nil {
				return wrapGemm(l, err)
			}
			src.updateCount++
		}
		if in.kind != layers.Input {
			ils := int(in.localStride)
			err := kernels.Sgemm(false, true, int(lb), ils, stride,
				1, send, stride, w.Weights(), stride, beta(in.deltaUpdateCount), in.deltas(), ils)
			if err != nil {
				return wrapGemm(l, err)
			}
			in.deltaUpdateCount++
		}
	}
	return nil
}
