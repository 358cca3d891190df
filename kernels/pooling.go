package kernels

import (
	"github.com/chewxy/math32"
)

// Pooling windows reuse ConvShape with InChannels == OutChannels; every
// channel is pooled independently.

// MaxPoolForward computes y = max over each window of x, plus beta*y
func MaxPoolForward(s *ConvShape, x, y []float32, batch int, beta float32) {
	taps := s.Taps()
	inVol, outVol, kVol := s.InVolume(), s.OutVolume(), s.KernelVolume()
	for b := 0; b < batch; b++ {
		for c := 0; c < s.InChannels; c++ {
			xc := x[(b*s.InChannels+c)*inVol : (b*s.InChannels+c+1)*inVol]
			yc := y[(b*s.InChannels+c)*outVol : (b*s.InChannels+c+1)*outVol]
			for op := range yc {
				best := math32.Inf(-1)
				for _, t := range taps[op*kVol : (op+1)*kVol] {
					if t >= 0 && xc[t] > best {
						best = xc[t]
					}
				}
				yc[op] = blend(best, yc[op], beta)
			}
		}
	}
}

// MaxPoolBackward routes each output gradient to the window's maximum input,
// dx = route(dy) + beta*dx
func MaxPoolBackward(s *ConvShape, x, dy, dx []float32, batch int, beta float32) {
	taps := s.Taps()
	inVol, outVol, kVol := s.InVolume(), s.OutVolume(), s.KernelVolume()
	scale(dx[:batch*s.InChannels*inVol], beta)
	for b := 0; b < batch; b++ {
		for c := 0; c < s.InChannels; c++ {
			xc := x[(b*s.InChannels+c)*inVol : (b*s.InChannels+c+1)*inVol]
			dxc := dx[(b*s.InChannels+c)*inVol : (b*s.InChannels+c+1)*inVol]
			dyc := dy[(b*s.InChannels+c)*outVol : (b*s.InChannels+c+1)*outVol]
			for op, g := range dyc {
				arg := int32(-1)
				best := math32.Inf(-1)
				for _, t := range taps[op*kVol : (op+1)*kVol] {
					if t >= 0 && xc[t] > best {
						best, arg = xc[t], t
					}
				}
				if arg >= 0 {
					dxc[arg] += g
				}
			}
		}
	}
}

// AvgPoolForward averages each window over the taps that fall inside the
// input, plus beta*y
func AvgPoolForward(s *ConvShape, x, y []float32, batch int, beta float32) {
	taps := s.Taps()
	inVol, outVol, kVol := s.InVolume(), s.OutVolume(), s.KernelVolume()
	for b := 0; b < batch; b++ {
		for c := 0; c < s.InChannels; c++ {
			xc := x[(b*s.InChannels+c)*inVol : (b*s.InChannels+c+1)*inVol]
			yc := y[(b*s.InChannels+c)*outVol : (b*s.InChannels+c+1)*outVol]
			for op := range yc {
				var sum float32
				n := 0
				for _, t := range taps[op*kVol : (op+1)*kVol] {
					if t >= 0 {
						sum += xc[t]
						n++
					}
				}
				if n > 0 {
					sum /= float32(n)
				}
				yc[op] = blend(sum, yc[op], beta)
			}
		}
	}
}

// AvgPoolBackward spreads each output gradient evenly over its window
func AvgPoolBackward(s *ConvShape, dy, dx []float32, batch int, beta float32) {
	taps := s.Taps()
	inVol, outVol, kVol := s.InVolume(), s.OutVolume(), s.KernelVolume()
	scale(dx[:batch*s.InChannels*inVol], beta)
	for b := 0; b < batch; b++ {
		for c := 0; c < s.InChannels; c++ {
			dxc := dx[(b*s.InChannels+c)*inVol : (b*s.InChannels+c+1)*inVol]
			dyc := dy[(b*s.InChannels+c)*outVol : (b*s.InChannels+c+1)*outVol]
			for op, g := range dyc {
				row := taps[op*kVol : (op+1)*kVol]
				n := 0
				for _, t := range row {
					if t >= 0 {
						n++
					}
				}
				if n == 0 {
					continue
				}
				share := g / float32(n)
				for _, t := range row {
					if t >= 0 {
						dxc[t] += share
					}
				}
			}
		}
	}
}

// LRN holds cross-channel local response normalization parameters:
// y = x / (K + Alpha/N * sum of x² over N neighbouring channels)^Beta
type LRN struct {
	K, Alpha, Beta float32
	N              int
}

// window returns the channel range [lo, hi] normalizing channel c
func (l LRN) window(c, channels int) (int, int) {
	before := (l.N - 1) / 2
	after := l.N - 1 - before
	lo, hi := c-before, c+after
	if lo < 0 {
		lo = 0
	}
	if hi > channels-1 {
		hi = channels - 1
	}
	return lo, hi
}

func (l LRN) denominators(x []float32, channels, vol int, den []float32) {
	coeff := l.Alpha / float32(l.N)
	for c := 0; c < channels; c++ {
		lo, hi := l.window(c, channels)
		for p := 0; p < vol; p++ {
			var sum float32
			for j := lo; j <= hi; j++ {
				v := x[j*vol+p]
				sum += v * v
			}
			den[c*vol+p] = l.K + coeff*sum
		}
	}
}

// Forward normalizes x into y, plus beta*y. Each example holds channels
// blocks of vol positions.
func (l LRN) Forward(x, y []float32, batch, channels, vol int, beta float32) {
	size := channels * vol
	den := make([]float32, size)
	for b := 0; b < batch; b++ {
		xb := x[b*size : (b+1)*size]
		yb := y[b*size : (b+1)*size]
		l.denominators(xb, channels, vol, den)
		for i, v := range xb {
			yb[i] = blend(v*math32.Pow(den[i], -l.Beta), yb[i], beta)
		}
	}
}

// Backward computes dx from x, the forward output y and dy, plus beta*dx
func (l LRN) Backward(x, y, dy, dx []float32, batch, channels, vol int, beta float32) {
	size := channels * vol
	den := make([]float32, size)
	before := (l.N - 1) / 2
	after := l.N - 1 - before
	coeff := 2 * l.Alpha * l.Beta / float32(l.N)
	for b := 0; b < batch; b++ {
		xb := x[b*size : (b+1)*size]
		yb := y[b*size : (b+1)*size]
		dyb := dy[b*size : (b+1)*size]
		dxb := dx[b*size : (b+1)*size]
		l.denominators(xb, channels, vol, den)
		for c := 0; c < channels; c++ {
			// channel c sits in the window of every j in [c-after, c+before]
			lo, hi := c-after, c+before
			if lo < 0 {
				lo = 0
			}
			if hi > channels-1 {
				hi = channels - 1
			}
			for p := 0; p < vol; p++ {
				i := c*vol + p
				var cross float32
				for j := lo; j <= hi; j++ {
					k := j*vol + p
					cross += dyb[k] * yb[k] / den[k]
				}
				g := dyb[i]*math32.Pow(den[i], -l.Beta) - coeff*xb[i]*cross
				dxb[i] = blend(g, dxb[i], beta)
			}
		}
	}
}

// Maxout folds src into dst elementwise by maximum
func Maxout(src, dst []float32) {
	for i, v := range src[:len(dst)] {
		if v > dst[i] {
			dst[i] = v
		}
	}
}

// MaxoutDelta routes the delta of a maxout output back to one source:
// dstDelta = (unit == dstUnit ? delta : 0) + beta*dstDelta
func MaxoutDelta(unit, delta []float32, beta float32, dstUnit, dstDelta []float32) {
	for i, u := range unit[:len(delta)] {
		var g float32
		if u == dstUnit[i] {
			g = delta[i]
		}
		dstDelta[i] = blend(g, dstDelta[i], beta)
	}
}
