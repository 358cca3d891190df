package engine

import (
	"context"

	"github.com/tsawler/go-dsstne/kernels"
	"github.com/tsawler/go-dsstne/layers"
)

// pooling layers reduce windows of their source (Max, Average), normalize
// across channels (LRN) or take the elementwise maximum of several
// same-shaped sources (Maxout). They have no weights and no activation.
type pooling struct {
	fn    layers.PoolingFunction
	shape *kernels.ConvShape
}

// poolShape describes the window of a Max or Average pooling layer over
// its single source
func poolShape(src, l *Layer) *kernels.ConvShape {
	channels := int(src.desc.Extent(src.desc.ChannelAxis()))
	s := &kernels.ConvShape{
		Spatial:     int(l.desc.Dimensions) - 1,
		InChannels:  channels,
		OutChannels: channels,
	}
	for a := 0; a < s.Spatial && a < 3; a++ {
		k, stride, pad := l.desc.Kernel(a)
		s.In[a] = int(src.desc.Extent(a))
		s.Out[a] = int(l.desc.Extent(a))
		s.Kernel[a], s.Stride[a], s.Padding[a] = int(k), int(stride), int(pad)
	}
	return s
}

// lrnShape returns the channel count and per-channel volume of l
func lrnShape(l *Layer) (channels, vol int) {
	channels = int(l.desc.Extent(l.desc.ChannelAxis()))
	return channels, int(l.stride) / channels
}

// shardable reports whether the pooling function can run on this rank's
// shard without an exchange
func (p pooling) shardable(l *Layer) bool {
	if l.net.dctx.NumProcs() == 1 {
		return true
	}
	if p.fn != layers.PoolMaxout {
		return l.local()
	}
	for _, id := range l.sources {
		if l.layer(id).parallelization != l.parallelization {
			return false
		}
	}
	return true
}

func (p pooling) forward(ctx context.Context, l *Layer, position, batch uint32, training bool) error {
	if !p.shardable(l) {
		return l.net.dctx.ConfigError("Layer.ForwardPropagate",
			"%s pooling %s across %d ranks needs sources sharded like the layer", p.fn, l.name, l.net.dctx.NumProcs())
	}
	lb := int(l.LocalBatch(batch))
	unit := l.units()
	first := l.layer(l.sources[0])

	switch p.fn {
	case layers.PoolMax:
		kernels.MaxPoolForward(p.shape, first.units(), unit, lb, 0)
	case layers.PoolAverage:
		kernels.AvgPoolForward(p.shape, first.units(), unit, lb, 0)
	case layers.PoolLRN:
		channels, vol := lrnShape(l)
		l.net.lrn.Forward(first.units(), unit, lb, channels, vol, 0)
	case layers.PoolMaxout:
		n := lb * int(l.localStride)
		copy(unit[:n], first.units()[:n])
		for _, id := range l.sources[1:] {
			kernels.Maxout(l.layer(id).units()[:n], unit[:n])
		}
	default:
		return l.net.dctx.ConfigError("Layer.ForwardPropagate", "layer %s: unsupported pooling function %s", l.name, p.fn)
	}
	l.addSkips(uint32(lb))
	return nil
}

func (p pooling) backward(ctx context.Context, l *Layer, position, batch uint32) error {
	if l.net.dctx.NumProcs() > 1 {
		return l.net.dctx.ConfigError("Layer.BackPropagate", "%s pooling %s: backpropagation across ranks is not implemented", p.fn, l.name)
	}
	lb := int(l.LocalBatch(batch))
	n := lb * int(l.localStride)
	delta := l.deltas()
	if l.deltaUpdateCount == 0 {
		clear(delta[:n])
	}

	for _, id := range l.sources {
		in := l.layer(id)
		if in.kind == layers.Input || in.delta == nil {
			continue
		}
		b := beta(in.deltaUpdateCount)
		switch p.fn {
		case layers.PoolMax:
			kernels.MaxPoolBackward(p.shape, in.units(), delta, in.deltas(), lb, b)
		case layers.PoolAverage:
			kernels.AvgPoolBackward(p.shape, delta, in.deltas(), lb, b)
		case layers.PoolLRN:
			channels, vol := lrnShape(l)
			l.net.lrn.Backward(in.units(), l.units(), delta, in.deltas(), lb, channels, vol, b)
		case layers.PoolMaxout:
			kernels.MaxoutDelta(l.units()[:n], delta[:n], b, in.units(), in.deltas())
		}
		in.deltaUpdateCount++
	}
	l.backpropSkips(uint32(lb))
	return nil
}
