package layers

import (
	"fmt"
)

// NetworkBuilder helps construct network descriptors
type NetworkBuilder struct {
	desc     NetworkDescriptor
	compiled bool
}

// NewNetworkBuilder creates a builder for a network with default settings
func NewNetworkBuilder(name string) *NetworkBuilder {
	desc := DefaultNetworkDescriptor()
	desc.Name = name
	return &NetworkBuilder{desc: desc}
}

// SetKind sets the network kind
func (nb *NetworkBuilder) SetKind(kind NetworkKind) *NetworkBuilder {
	nb.desc.Kind = kind
	return nb
}

// SetErrorFunction sets the training cost
func (nb *NetworkBuilder) SetErrorFunction(ef ErrorFunction) *NetworkBuilder {
	nb.desc.ErrorFunction = ef
	return nb
}

// Configure applies fn to the network-wide scalars
func (nb *NetworkBuilder) Configure(fn func(nd *NetworkDescriptor)) *NetworkBuilder {
	fn(&nb.desc)
	nb.compiled = false
	return nb
}

// AddLayer adds a layer to the network
func (nb *NetworkBuilder) AddLayer(layer LayerDescriptor) *NetworkBuilder {
	nb.desc.Layers = append(nb.desc.Layers, layer.Clone())
	nb.compiled = false
	return nb
}

// AddInput adds an input layer fed from dataSet. extents are Nx, Ny, Nz, Nw
// in that order; missing ones default to 1 and the count of extents given
// sets the layer's dimensionality. The last given extent is the channel
// axis for convolutional consumers.
func (nb *NetworkBuilder) AddInput(name, dataSet string, attributes Attributes, extents ...uint32) *NetworkBuilder {
	ld := DefaultLayerDescriptor()
	ld.Name = name
	ld.Kind = Input
	ld.DataSet = dataSet
	ld.Attributes = attributes
	setExtents(&ld, extents)
	return nb.AddLayer(ld)
}

// AddHidden adds a fully connected hidden layer
func (nb *NetworkBuilder) AddHidden(name string, nx uint32, activation Activation, sources ...string) *NetworkBuilder {
	ld := DefaultLayerDescriptor()
	ld.Name = name
	ld.Nx = nx
	ld.Activation = activation
	ld.Sources = sources
	return nb.AddLayer(ld)
}

// AddOutput adds a fully connected output layer scored against dataSet
func (nb *NetworkBuilder) AddOutput(name, dataSet string, nx uint32, activation Activation, sources ...string) *NetworkBuilder {
	ld := DefaultLayerDescriptor()
	ld.Name = name
	ld.Kind = Output
	ld.DataSet = dataSet
	ld.Nx = nx
	ld.Activation = activation
	ld.Sources = sources
	return nb.AddLayer(ld)
}

// AddConvolution adds a hidden convolutional layer with the given number of
// output channels and a square kernel. Spatial extents are derived from the
// source at compile time with padding kernel/2.
func (nb *NetworkBuilder) AddConvolution(name string, channels, kernel, stride uint32, activation Activation, source string) *NetworkBuilder {
	ld := DefaultLayerDescriptor()
	ld.Name = name
	ld.Type = Convolutional
	ld.Activation = activation
	ld.Sources = []string{source}
	ld.DimensionsProvided = false
	ld.Nw = channels // placed on the channel axis once dimensions are known
	setKernel(&ld, kernel, stride, kernel/2)
	return nb.AddLayer(ld)
}

// AddPooling adds a hidden pooling layer. Max and Average reduce each
// kernel window; LRN and Maxout keep the source's shape.
func (nb *NetworkBuilder) AddPooling(name string, fn PoolingFunction, kernel, stride uint32, sources ...string) *NetworkBuilder {
	ld := DefaultLayerDescriptor()
	ld.Name = name
	ld.Type = Pooling
	ld.PoolingFunction = fn
	ld.Activation = Linear
	ld.Sources = sources
	ld.DimensionsProvided = false
	setKernel(&ld, kernel, stride, 0)
	return nb.AddLayer(ld)
}

// AddWeight adds preloaded or shared weight configuration for an edge
func (nb *NetworkBuilder) AddWeight(weight WeightDescriptor) *NetworkBuilder {
	nb.desc.Weights = append(nb.desc.Weights, weight.Clone())
	nb.compiled = false
	return nb
}

// ShareWeight makes the input→output edge use the parameters of the
// sourceInput→sourceOutput edge
func (nb *NetworkBuilder) ShareWeight(input, output, sourceInput, sourceOutput string, transposed bool) *NetworkBuilder {
	wd := DefaultWeightDescriptor()
	wd.InputLayer = input
	wd.OutputLayer = output
	wd.Shared = true
	wd.Transposed = transposed
	wd.SourceInputLayer = sourceInput
	wd.SourceOutputLayer = sourceOutput
	return nb.AddWeight(wd)
}

// Compile derives convolution and pooling extents from their sources and
// validates the result
func (nb *NetworkBuilder) Compile() (*NetworkDescriptor, error) {
	if len(nb.desc.Layers) == 0 {
		return nil, fmt.Errorf("cannot compile empty network")
	}

	desc := nb.desc.Clone()
	if err := desc.CalculateDerivedDimensions(); err != nil {
		return nil, err
	}
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	nb.compiled = true
	return desc, nil
}

// Compiled reports whether the builder is unchanged since its last Compile
func (nb *NetworkBuilder) Compiled() bool {
	return nb.compiled
}

func setExtents(ld *LayerDescriptor, extents []uint32) {
	dst := []*uint32{&ld.Nx, &ld.Ny, &ld.Nz, &ld.Nw}
	for i := range dst {
		*dst[i] = 1
		if i < len(extents) && extents[i] > 0 {
			*dst[i] = extents[i]
		}
	}
	ld.Dimensions = uint32(len(extents))
	if ld.Dimensions < 1 {
		ld.Dimensions = 1
	}
	if ld.Dimensions > 4 {
		ld.Dimensions = 4
	}
}

func setKernel(ld *LayerDescriptor, kernel, stride, padding uint32) {
	ld.KernelX, ld.KernelY, ld.KernelZ = kernel, kernel, kernel
	ld.KernelStrideX, ld.KernelStrideY, ld.KernelStrideZ = stride, stride, stride
	ld.KernelPaddingX, ld.KernelPaddingY, ld.KernelPaddingZ = padding, padding, padding
}
