package layers

import (
	"fmt"
)

// Extent returns the layer's size along axis 0..3 (x, y, z, w)
func (ld *LayerDescriptor) Extent(axis int) uint32 {
	switch axis {
	case 0:
		return ld.Nx
	case 1:
		return ld.Ny
	case 2:
		return ld.Nz
	default:
		return ld.Nw
	}
}

// SetExtent sets the layer's size along axis 0..3
func (ld *LayerDescriptor) SetExtent(axis int, n uint32) {
	switch axis {
	case 0:
		ld.Nx = n
	case 1:
		ld.Ny = n
	case 2:
		ld.Nz = n
	default:
		ld.Nw = n
	}
}

// Kernel returns the kernel size, stride and padding along spatial axis 0..2
func (ld *LayerDescriptor) Kernel(axis int) (size, stride, padding uint32) {
	switch axis {
	case 0:
		return ld.KernelX, ld.KernelStrideX, ld.KernelPaddingX
	case 1:
		return ld.KernelY, ld.KernelStrideY, ld.KernelPaddingY
	default:
		return ld.KernelZ, ld.KernelStrideZ, ld.KernelPaddingZ
	}
}

// ChannelAxis is the axis holding channels for layers of more than one
// dimension; the axes before it are spatial
func (ld *LayerDescriptor) ChannelAxis() int {
	return int(ld.Dimensions) - 1
}

// CalculateDerivedDimensions fills in the extents of convolution and pooling
// layers whose dimensions were not provided, in dependency order
func (nd *NetworkDescriptor) CalculateDerivedDimensions() error {
	index := make(map[string]int, len(nd.Layers))
	for i := range nd.Layers {
		index[nd.Layers[i].Name] = i
	}

	for {
		progress := false
		pending := 0
		for i := range nd.Layers {
			ld := &nd.Layers[i]
			if ld.DimensionsProvided {
				continue
			}
			pending++
			if len(ld.Sources) == 0 {
				return fmt.Errorf("layer %s: cannot derive dimensions without a source", ld.Name)
			}
			si, ok := index[ld.Sources[0]]
			if !ok {
				return fmt.Errorf("layer %s: unknown source layer %s", ld.Name, ld.Sources[0])
			}
			src := &nd.Layers[si]
			if !src.DimensionsProvided {
				continue
			}
			if err := deriveFrom(ld, src); err != nil {
				return err
			}
			ld.DimensionsProvided = true
			progress = true
			pending--
		}
		if pending == 0 {
			break
		}
		if !progress {
			return fmt.Errorf("cyclic or unresolved layer dimensions")
		}
	}
	nd.ConvLayersCalculated = true
	return nil
}

func deriveFrom(ld, src *LayerDescriptor) error {
	dims := src.Dimensions
	if dims < 2 && !(ld.Type == Pooling && ld.PoolingFunction == PoolMaxout) && ld.Type != FullyConnected {
		return fmt.Errorf("layer %s: %s layers need a source of at least 2 dimensions, %s has %d",
			ld.Name, ld.Type, src.Name, dims)
	}

	channels := src.Extent(int(dims) - 1)
	if ld.Type == Convolutional {
		// the builder parks the requested channel count on Nw
		channels = ld.Nw
	}
	shrink := ld.Type == Convolutional ||
		(ld.Type == Pooling && (ld.PoolingFunction == PoolMax || ld.PoolingFunction == PoolAverage))

	ld.Dimensions = dims
	ld.KernelDimensions = dims - 1
	for axis := 0; axis < 4; axis++ {
		ld.SetExtent(axis, 1)
	}
	for axis := 0; axis < int(dims)-1; axis++ {
		in := src.Extent(axis)
		if !shrink {
			ld.SetExtent(axis, in)
			continue
		}
		k, s, p := ld.Kernel(axis)
		if s == 0 {
			return fmt.Errorf("layer %s: kernel stride must be positive", ld.Name)
		}
		if in+2*p < k {
			return fmt.Errorf("layer %s: kernel %d larger than padded input %d on axis %d", ld.Name, k, in+2*p, axis)
		}
		ld.SetExtent(axis, (in+2*p-k)/s+1)
	}
	if dims >= 2 {
		ld.SetExtent(int(dims)-1, channels)
	} else {
		ld.Nx = src.Nx
	}
	return nil
}

// Validate checks the descriptor for structural errors that would make the
// network impossible to build
func (nd *NetworkDescriptor) Validate() error {
	if len(nd.Layers) == 0 {
		return fmt.Errorf("network %q has no layers", nd.Name)
	}

	names := make(map[string]*LayerDescriptor, len(nd.Layers))
	for i := range nd.Layers {
		ld := &nd.Layers[i]
		if ld.Name == "" {
			return fmt.Errorf("layer %d has no name", i)
		}
		if _, dup := names[ld.Name]; dup {
			return fmt.Errorf("duplicate layer name %s", ld.Name)
		}
		names[ld.Name] = ld
	}

	inputs, outputs := 0, 0
	for i := range nd.Layers {
		ld := &nd.Layers[i]
		if err := ld.validate(names); err != nil {
			return err
		}
		switch ld.Kind {
		case Input:
			inputs++
		case Output:
			outputs++
		}
	}
	if inputs == 0 {
		return fmt.Errorf("network %q has no input layer", nd.Name)
	}
	if outputs == 0 {
		return fmt.Errorf("network %q has no output layer", nd.Name)
	}

	for i := range nd.Weights {
		wd := &nd.Weights[i]
		for _, name := range []string{wd.InputLayer, wd.OutputLayer} {
			if _, ok := names[name]; !ok {
				return fmt.Errorf("weight %d references unknown layer %q", i, name)
			}
		}
		out := names[wd.OutputLayer]
		if !contains(out.Sources, wd.InputLayer) {
			return fmt.Errorf("weight %s -> %s does not match a layer source", wd.InputLayer, wd.OutputLayer)
		}
		if wd.Shared {
			if _, ok := names[wd.SourceInputLayer]; !ok {
				return fmt.Errorf("shared weight %s -> %s references unknown source layer %q",
					wd.InputLayer, wd.OutputLayer, wd.SourceInputLayer)
			}
			if _, ok := names[wd.SourceOutputLayer]; !ok {
				return fmt.Errorf("shared weight %s -> %s references unknown source layer %q",
					wd.InputLayer, wd.OutputLayer, wd.SourceOutputLayer)
			}
		}
	}

	if nd.MaxoutK == 0 {
		return fmt.Errorf("maxout_k must be positive")
	}
	if nd.LRNN == 0 {
		return fmt.Errorf("LRN_n must be positive")
	}
	return nil
}

func (ld *LayerDescriptor) validate(names map[string]*LayerDescriptor) error {
	if ld.Dimensions < 1 || ld.Dimensions > 4 {
		return fmt.Errorf("layer %s: dimensions must be 1 to 4, got %d", ld.Name, ld.Dimensions)
	}
	if ld.Nx == 0 || ld.Ny == 0 || ld.Nz == 0 || ld.Nw == 0 {
		return fmt.Errorf("layer %s: extents must be positive", ld.Name)
	}
	if !ld.DimensionsProvided {
		return fmt.Errorf("layer %s: dimensions were never derived", ld.Name)
	}
	if ld.PDropout < 0 || ld.PDropout >= 1 {
		return fmt.Errorf("layer %s: dropout probability must be in [0, 1), got %g", ld.Name, ld.PDropout)
	}

	switch ld.Kind {
	case Input:
		if ld.DataSet == "" {
			return fmt.Errorf("input layer %s has no data set", ld.Name)
		}
		if len(ld.Sources) > 0 {
			return fmt.Errorf("input layer %s cannot have sources", ld.Name)
		}
	case Output:
		if ld.DataSet == "" {
			return fmt.Errorf("output layer %s has no data set", ld.Name)
		}
		fallthrough
	default:
		if ld.Kind != Target && len(ld.Sources) == 0 {
			return fmt.Errorf("layer %s has no sources", ld.Name)
		}
	}

	for _, s := range ld.Sources {
		if s == ld.Name {
			return fmt.Errorf("layer %s lists itself as a source", ld.Name)
		}
		src, ok := names[s]
		if !ok {
			return fmt.Errorf("layer %s: unknown source layer %s", ld.Name, s)
		}
		if ld.Type == Convolutional && src.Dimensions != ld.Dimensions {
			return fmt.Errorf("layer %s: convolution source %s has %d dimensions, want %d",
				ld.Name, s, src.Dimensions, ld.Dimensions)
		}
		if ld.Type == Pooling && src.Stride() != ld.Stride() && ld.PoolingFunction != PoolMax && ld.PoolingFunction != PoolAverage {
			return fmt.Errorf("layer %s: %s pooling source %s has stride %d, want %d",
				ld.Name, ld.PoolingFunction, s, src.Stride(), ld.Stride())
		}
	}
	for _, s := range ld.Skips {
		src, ok := names[s]
		if !ok {
			return fmt.Errorf("layer %s: unknown skip layer %s", ld.Name, s)
		}
		if src.Stride() != ld.Stride() {
			return fmt.Errorf("layer %s: skip layer %s has stride %d, want %d", ld.Name, s, src.Stride(), ld.Stride())
		}
	}

	if ld.Type == Pooling {
		switch ld.PoolingFunction {
		case PoolMax, PoolAverage, PoolLRN, PoolMaxout:
		default:
			return fmt.Errorf("layer %s: pooling function %s is not supported", ld.Name, ld.PoolingFunction)
		}
		if (ld.PoolingFunction == PoolMax || ld.PoolingFunction == PoolAverage) && len(ld.Sources) != 1 {
			return fmt.Errorf("layer %s: %s pooling takes exactly one source", ld.Name, ld.PoolingFunction)
		}
	}
	if ld.Type == Convolutional && ld.Dimensions < 2 {
		return fmt.Errorf("layer %s: convolution needs at least 2 dimensions", ld.Name)
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
