package kernels

import (
	"fmt"
)

// ConvShape describes a convolution or pooling window over 1 to 3 spatial
// axes. Examples are laid out channel-major: the spatial block of channel c
// starts at c*InVolume() and within it x varies fastest.
type ConvShape struct {
	Spatial     int
	In, Out     [3]int
	Kernel      [3]int
	Stride      [3]int
	Padding     [3]int
	InChannels  int
	OutChannels int

	taps []int32
}

// Validate checks that Out matches what the kernel geometry produces from In
func (s *ConvShape) Validate() error {
	if s.Spatial < 1 || s.Spatial > 3 {
		return fmt.Errorf("convolution needs 1 to 3 spatial axes, got %d", s.Spatial)
	}
	if s.InChannels <= 0 || s.OutChannels <= 0 {
		return fmt.Errorf("channel counts must be positive, got %d and %d", s.InChannels, s.OutChannels)
	}
	for a := 0; a < s.Spatial; a++ {
		if s.Kernel[a] <= 0 || s.Stride[a] <= 0 {
			return fmt.Errorf("axis %d: kernel %d and stride %d must be positive", a, s.Kernel[a], s.Stride[a])
		}
		padded := s.In[a] + 2*s.Padding[a]
		if padded < s.Kernel[a] {
			return fmt.Errorf("axis %d: kernel %d exceeds padded input %d", a, s.Kernel[a], padded)
		}
		want := (padded-s.Kernel[a])/s.Stride[a] + 1
		if s.Out[a] != want {
			return fmt.Errorf("axis %d: output extent %d does not match computed %d", a, s.Out[a], want)
		}
	}
	return nil
}

// InVolume is the number of spatial positions per input channel
func (s *ConvShape) InVolume() int { return volume(s.In, s.Spatial) }

// OutVolume is the number of spatial positions per output channel
func (s *ConvShape) OutVolume() int { return volume(s.Out, s.Spatial) }

// KernelVolume is the number of taps in one kernel window
func (s *ConvShape) KernelVolume() int { return volume(s.Kernel, s.Spatial) }

// FilterSize is the element count of the [out][in][kernel] filter tensor
func (s *ConvShape) FilterSize() int {
	return s.OutChannels * s.InChannels * s.KernelVolume()
}

func volume(ext [3]int, n int) int {
	v := 1
	for a := 0; a < n; a++ {
		v *= ext[a]
	}
	return v
}

// Taps returns, for every output position and kernel offset, the input
// position it reads or -1 when the tap falls in padding. Entry
// op*KernelVolume()+k belongs to output position op and kernel offset k.
func (s *ConvShape) Taps() []int32 {
	if s.taps != nil {
		return s.taps
	}
	outVol, kVol := s.OutVolume(), s.KernelVolume()
	taps := make([]int32, outVol*kVol)

	var o, k [3]int
	for op := 0; op < outVol; op++ {
		unflatten(op, s.Out, s.Spatial, &o)
		for kk := 0; kk < kVol; kk++ {
			unflatten(kk, s.Kernel, s.Spatial, &k)
			idx, stride := 0, 1
			for a := 0; a < s.Spatial; a++ {
				p := o[a]*s.Stride[a] - s.Padding[a] + k[a]
				if p < 0 || p >= s.In[a] {
					idx = -1
					break
				}
				idx += p * stride
				stride *= s.In[a]
			}
			taps[op*kVol+kk] = int32(idx)
		}
	}
	s.taps = taps
	return taps
}

func unflatten(i int, ext [3]int, n int, dst *[3]int) {
	for a := 0; a < n; a++ {
		dst[a] = i % ext[a]
		i /= ext[a]
	}
}

// ConvForward computes y = conv(x, w) + beta*y over a batch. Filters are laid
// out [out][in][kernel].
func ConvForward(s *ConvShape, x, w, y []float32, batch int, beta float32) {
	taps := s.Taps()
	inVol, outVol, kVol := s.InVolume(), s.OutVolume(), s.KernelVolume()
	inSize, outSize := inVol*s.InChannels, outVol*s.OutChannels

	for b := 0; b < batch; b++ {
		xb := x[b*inSize : (b+1)*inSize]
		yb := y[b*outSize : (b+1)*outSize]
		for o := 0; o < s.OutChannels; o++ {
			for op := 0; op < outVol; op++ {
				var sum float32
				row := taps[op*kVol : (op+1)*kVol]
				for i := 0; i < s.InChannels; i++ {
					xc := xb[i*inVol : (i+1)*inVol]
					wf := w[(o*s.InChannels+i)*kVol : (o*s.InChannels+i+1)*kVol]
					for kk, t := range row {
						if t >= 0 {
							sum += xc[t] * wf[kk]
						}
					}
				}
				yb[o*outVol+op] = blend(sum, yb[o*outVol+op], beta)
			}
		}
	}
}

// ConvBackwardData computes dx = conv_transpose(dy, w) + beta*dx
func ConvBackwardData(s *ConvShape, w, dy, dx []float32, batch int, beta float32) {
	taps := s.Taps()
	inVol, outVol, kVol := s.InVolume(), s.OutVolume(), s.KernelVolume()
	inSize, outSize := inVol*s.InChannels, outVol*s.OutChannels

	scale(dx[:batch*inSize], beta)
	for b := 0; b < batch; b++ {
		dxb := dx[b*inSize : (b+1)*inSize]
		dyb := dy[b*outSize : (b+1)*outSize]
		for o := 0; o < s.OutChannels; o++ {
			for op := 0; op < outVol; op++ {
				g := dyb[o*outVol+op]
				if g == 0 {
					continue
				}
				row := taps[op*kVol : (op+1)*kVol]
				for i := 0; i < s.InChannels; i++ {
					dxc := dxb[i*inVol : (i+1)*inVol]
					wf := w[(o*s.InChannels+i)*kVol : (o*s.InChannels+i+1)*kVol]
					for kk, t := range row {
						if t >= 0 {
							dxc[t] += g * wf[kk]
						}
					}
				}
			}
		}
	}
}

// ConvBackwardFilter computes dw = alpha*corr(x, dy) + beta*dw
func ConvBackwardFilter(s *ConvShape, x, dy, dw []float32, batch int, alpha, beta float32) {
	taps := s.Taps()
	inVol, outVol, kVol := s.InVolume(), s.OutVolume(), s.KernelVolume()
	inSize, outSize := inVol*s.InChannels, outVol*s.OutChannels

	scale(dw[:s.FilterSize()], beta)
	for b := 0; b < batch; b++ {
		xb := x[b*inSize : (b+1)*inSize]
		dyb := dy[b*outSize : (b+1)*outSize]
		for o := 0; o < s.OutChannels; o++ {
			for op := 0; op < outVol; op++ {
				g := alpha * dyb[o*outVol+op]
				if g == 0 {
					continue
				}
				row := taps[op*kVol : (op+1)*kVol]
				for i := 0; i < s.InChannels; i++ {
					xc := xb[i*inVol : (i+1)*inVol]
					dwf := dw[(o*s.InChannels+i)*kVol : (o*s.InChannels+i+1)*kVol]
					for kk, t := range row {
						if t >= 0 {
							dwf[kk] += g * xc[t]
						}
					}
				}
			}
		}
	}
}

// ConvBackwardBias computes db = alpha*sum(dy) per output channel + beta*db
func ConvBackwardBias(s *ConvShape, dy, db []float32, batch int, alpha, beta float32) {
	outVol := s.OutVolume()
	outSize := outVol * s.OutChannels
	scale(db[:s.OutChannels], beta)
	for b := 0; b < batch; b++ {
		for o := 0; o < s.OutChannels; o++ {
			var sum float32
			for _, g := range dy[b*outSize+o*outVol : b*outSize+(o+1)*outVol] {
				sum += g
			}
			db[o] += alpha * sum
		}
	}
}

// AddConvBias adds bias[c] to every position of output channel c
func AddConvBias(s *ConvShape, y, bias []float32, batch int) {
	outVol := s.OutVolume()
	outSize := outVol * s.OutChannels
	for b := 0; b < batch; b++ {
		for o := 0; o < s.OutChannels; o++ {
			ch := y[b*outSize+o*outVol : b*outSize+(o+1)*outVol]
			for i := range ch {
				ch[i] += bias[o]
			}
		}
	}
}

// blend returns v + beta*old without reading old when beta is 0
func blend(v, old, beta float32) float32 {
	if beta == 0 {
		return v
	}
	return v + beta*old
}

func scale(x []float32, beta float32) {
	switch beta {
	case 1:
	case 0:
		clear(x)
	default:
		Sscal(len(x), beta, x)
	}
}
