// Package layers holds the pure configuration of a network: enums, layer,
// weight and network descriptors, and a builder that assembles and checks
// them. Nothing here allocates buffers or runs computations.
package layers

import (
	"fmt"
	"strings"
)

// LayerDescriptor is the configuration of a single layer
type LayerDescriptor struct {
	Name            string          `json:"name"`
	Kind            Kind            `json:"kind"`
	Type            Type            `json:"type"`
	PoolingFunction PoolingFunction `json:"pooling_function"`
	DataSet         string          `json:"data_set,omitempty"`
	Sources         []string        `json:"sources,omitempty"`
	Skips           []string        `json:"skips,omitempty"`

	Nx                 uint32 `json:"nx"`
	Ny                 uint32 `json:"ny"`
	Nz                 uint32 `json:"nz"`
	Nw                 uint32 `json:"nw"`
	Dimensions         uint32 `json:"dimensions"`
	DimensionsProvided bool   `json:"dimensions_provided"`

	WeightInit      WeightInit `json:"weight_init"`
	WeightInitScale float32    `json:"weight_init_scale"`
	BiasInit        float32    `json:"bias_init"`

	KernelX          uint32 `json:"kernel_x"`
	KernelY          uint32 `json:"kernel_y"`
	KernelZ          uint32 `json:"kernel_z"`
	KernelStrideX    uint32 `json:"kernel_stride_x"`
	KernelStrideY    uint32 `json:"kernel_stride_y"`
	KernelStrideZ    uint32 `json:"kernel_stride_z"`
	KernelPaddingX   uint32 `json:"kernel_padding_x"`
	KernelPaddingY   uint32 `json:"kernel_padding_y"`
	KernelPaddingZ   uint32 `json:"kernel_padding_z"`
	KernelDimensions uint32 `json:"kernel_dimensions"`

	WeightNorm float32    `json:"weight_norm"`
	DeltaNorm  float32    `json:"delta_norm"`
	PDropout   float32    `json:"p_dropout"`
	Activation Activation `json:"activation"`

	SparsenessPenaltyP    float32 `json:"sparseness_penalty_p"`
	SparsenessPenaltyBeta float32 `json:"sparseness_penalty_beta"`

	Attributes Attributes `json:"attributes"`
}

// DefaultLayerDescriptor returns a hidden fully connected sigmoid layer of
// unit extents
func DefaultLayerDescriptor() LayerDescriptor {
	return LayerDescriptor{
		Kind:               Hidden,
		Type:               FullyConnected,
		PoolingFunction:    PoolNone,
		Nx:                 1,
		Ny:                 1,
		Nz:                 1,
		Nw:                 1,
		Dimensions:         1,
		DimensionsProvided: true,
		WeightInit:         Xavier,
		WeightInitScale:    1,
		KernelX:            1,
		KernelY:            1,
		KernelZ:            1,
		KernelStrideX:      1,
		KernelStrideY:      1,
		KernelStrideZ:      1,
		KernelDimensions:   1,
		Activation:         Sigmoid,
		Attributes:         AttributeNone,
	}
}

// Stride is the number of units per example
func (ld *LayerDescriptor) Stride() uint32 {
	return ld.Nx * ld.Ny * ld.Nz * ld.Nw
}

// Sparse reports whether the layer consumes sparse data
func (ld *LayerDescriptor) Sparse() bool {
	return ld.Attributes&AttributeSparse != 0
}

// Denoising reports whether the layer's input is randomly masked in training
func (ld *LayerDescriptor) Denoising() bool {
	return ld.Attributes&AttributeDenoising != 0
}

// Clone returns a deep copy
func (ld LayerDescriptor) Clone() LayerDescriptor {
	ld.Sources = append([]string(nil), ld.Sources...)
	ld.Skips = append([]string(nil), ld.Skips...)
	return ld
}

func (ld *LayerDescriptor) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Name:                  %s\n", ld.Name)
	fmt.Fprintf(&sb, "Kind:                  %s\n", ld.Kind)
	fmt.Fprintf(&sb, "Type:                  %s\n", ld.Type)
	if ld.Type == Pooling {
		fmt.Fprintf(&sb, "Pooling Function:      %s\n", ld.PoolingFunction)
	}
	fmt.Fprintf(&sb, "Dimensions:            %d [%d, %d, %d, %d]\n", ld.Dimensions, ld.Nx, ld.Ny, ld.Nz, ld.Nw)
	if ld.Type != FullyConnected {
		fmt.Fprintf(&sb, "Kernel:                [%d, %d, %d] stride [%d, %d, %d] padding [%d, %d, %d]\n",
			ld.KernelX, ld.KernelY, ld.KernelZ,
			ld.KernelStrideX, ld.KernelStrideY, ld.KernelStrideZ,
			ld.KernelPaddingX, ld.KernelPaddingY, ld.KernelPaddingZ)
	}
	if ld.DataSet != "" {
		fmt.Fprintf(&sb, "DataSet:               %s\n", ld.DataSet)
	}
	if len(ld.Sources) > 0 {
		fmt.Fprintf(&sb, "Sources:               %s\n", strings.Join(ld.Sources, ", "))
	}
	if len(ld.Skips) > 0 {
		fmt.Fprintf(&sb, "Skips:                 %s\n", strings.Join(ld.Skips, ", "))
	}
	if ld.Type != Pooling {
		fmt.Fprintf(&sb, "Activation:            %s\n", ld.Activation)
		fmt.Fprintf(&sb, "Weight Init:           %s (scale %g, bias %g)\n", ld.WeightInit, ld.WeightInitScale, ld.BiasInit)
	}
	fmt.Fprintf(&sb, "Dropout:               %g\n", ld.PDropout)
	fmt.Fprintf(&sb, "Weight Norm:           %g\n", ld.WeightNorm)
	fmt.Fprintf(&sb, "Delta Norm:            %g\n", ld.DeltaNorm)
	fmt.Fprintf(&sb, "Attributes:            %s\n", ld.Attributes)
	return sb.String()
}

// WeightDescriptor is the configuration and optional parameter data of one
// edge between two layers
type WeightDescriptor struct {
	InputLayer  string `json:"input_layer"`
	OutputLayer string `json:"output_layer"`

	Width   uint64 `json:"width"`
	Height  uint64 `json:"height"`
	Length  uint64 `json:"length"`
	Depth   uint64 `json:"depth"`
	Breadth uint64 `json:"breadth"`

	Weights []float32 `json:"weights,omitempty"`
	Biases  []float32 `json:"biases,omitempty"`

	Shared     bool    `json:"shared"`
	Transposed bool    `json:"transposed"`
	Locked     bool    `json:"locked"`
	Norm       float32 `json:"norm"`

	// SourceInputLayer and SourceOutputLayer name the weight whose
	// parameters a shared weight uses.
	SourceInputLayer  string `json:"source_input_layer,omitempty"`
	SourceOutputLayer string `json:"source_output_layer,omitempty"`
}

// DefaultWeightDescriptor returns an unshared, unlocked descriptor of unit extents
func DefaultWeightDescriptor() WeightDescriptor {
	return WeightDescriptor{
		Width:   1,
		Height:  1,
		Length:  1,
		Depth:   1,
		Breadth: 1,
	}
}

// Clone returns a deep copy
func (wd WeightDescriptor) Clone() WeightDescriptor {
	wd.Weights = append([]float32(nil), wd.Weights...)
	wd.Biases = append([]float32(nil), wd.Biases...)
	return wd
}

func (wd *WeightDescriptor) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Input Layer:        %s\n", wd.InputLayer)
	fmt.Fprintf(&sb, "Output Layer:       %s\n", wd.OutputLayer)
	fmt.Fprintf(&sb, "Width               %d\n", wd.Width)
	fmt.Fprintf(&sb, "Height              %d\n", wd.Height)
	fmt.Fprintf(&sb, "Length              %d\n", wd.Length)
	fmt.Fprintf(&sb, "Depth               %d\n", wd.Depth)
	fmt.Fprintf(&sb, "Breadth             %d\n", wd.Breadth)
	fmt.Fprintf(&sb, "Shared:             %t\n", wd.Shared)
	fmt.Fprintf(&sb, "Locked:             %t\n", wd.Locked)
	fmt.Fprintf(&sb, "Norm:               %g\n", wd.Norm)
	if wd.Shared {
		fmt.Fprintf(&sb, "Transposed:         %t\n", wd.Transposed)
		fmt.Fprintf(&sb, "Source:             %s -> %s\n", wd.SourceInputLayer, wd.SourceOutputLayer)
	}
	return sb.String()
}

// NetworkDescriptor is the full configuration of a network
type NetworkDescriptor struct {
	Name          string        `json:"name"`
	Kind          NetworkKind   `json:"kind"`
	ErrorFunction ErrorFunction `json:"error_function"`

	Layers  []LayerDescriptor  `json:"layers"`
	Weights []WeightDescriptor `json:"weights,omitempty"`

	ShuffleIndices bool `json:"shuffle_indices"`

	MaxoutK  uint32  `json:"maxout_k"`
	LRNK     float32 `json:"lrn_k"`
	LRNN     uint32  `json:"lrn_n"`
	LRNAlpha float32 `json:"lrn_alpha"`
	LRNBeta  float32 `json:"lrn_beta"`

	SparsenessPenalty     bool    `json:"sparseness_penalty"`
	SparsenessPenaltyP    float32 `json:"sparseness_penalty_p"`
	SparsenessPenaltyBeta float32 `json:"sparseness_penalty_beta"`

	Denoising  bool    `json:"denoising"`
	DenoisingP float32 `json:"denoising_p"`

	DeltaBoostOne  float32 `json:"delta_boost_one"`
	DeltaBoostZero float32 `json:"delta_boost_zero"`

	SMCEOneTarget  float32 `json:"smce_one_target"`
	SMCEZeroTarget float32 `json:"smce_zero_target"`
	SMCEOneScale   float32 `json:"smce_one_scale"`
	SMCEZeroScale  float32 `json:"smce_zero_scale"`

	CheckpointName     string `json:"checkpoint_name"`
	CheckpointInterval int32  `json:"checkpoint_interval"`
	CheckpointEpochs   int32  `json:"checkpoint_epochs"`

	ConvLayersCalculated bool `json:"conv_layers_calculated"`
}

// DefaultNetworkDescriptor returns an empty feed-forward cross-entropy network
func DefaultNetworkDescriptor() NetworkDescriptor {
	return NetworkDescriptor{
		Kind:           FeedForward,
		ErrorFunction:  CrossEntropy,
		ShuffleIndices: true,
		MaxoutK:        2,
		LRNK:           2,
		LRNN:           5,
		LRNAlpha:       0.0001,
		LRNBeta:        0.75,
		DeltaBoostOne:  1,
		DeltaBoostZero: 1,
		SMCEOneTarget:  0.9,
		SMCEZeroTarget: 0.1,
		SMCEOneScale:   1,
		SMCEZeroScale:  1,
		CheckpointName: "checkpoint",
	}
}

// Clone returns a deep copy
func (nd *NetworkDescriptor) Clone() *NetworkDescriptor {
	c := *nd
	c.Layers = make([]LayerDescriptor, len(nd.Layers))
	for i := range nd.Layers {
		c.Layers[i] = nd.Layers[i].Clone()
	}
	c.Weights = make([]WeightDescriptor, len(nd.Weights))
	for i := range nd.Weights {
		c.Weights[i] = nd.Weights[i].Clone()
	}
	return &c
}

// Layer returns the descriptor of the named layer
func (nd *NetworkDescriptor) Layer(name string) (*LayerDescriptor, bool) {
	for i := range nd.Layers {
		if nd.Layers[i].Name == name {
			return &nd.Layers[i], true
		}
	}
	return nil, false
}

// Weight returns the descriptor of the edge between two layers
func (nd *NetworkDescriptor) Weight(input, output string) (*WeightDescriptor, bool) {
	for i := range nd.Weights {
		if nd.Weights[i].InputLayer == input && nd.Weights[i].OutputLayer == output {
			return &nd.Weights[i], true
		}
	}
	return nil, false
}

// Summary returns a human-readable network summary
func (nd *NetworkDescriptor) Summary() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Network Summary:\n")
	fmt.Fprintf(&sb, "Name:           %s\n", nd.Name)
	fmt.Fprintf(&sb, "Kind:           %s\n", nd.Kind)
	fmt.Fprintf(&sb, "Error Function: %s\n", nd.ErrorFunction)
	fmt.Fprintf(&sb, "Layers:         %d\n", len(nd.Layers))
	fmt.Fprintf(&sb, "Weights:        %d\n\n", len(nd.Weights))
	for i := range nd.Layers {
		fmt.Fprintf(&sb, "Layer %d:\n%s\n", i, nd.Layers[i].String())
	}
	for i := range nd.Weights {
		fmt.Fprintf(&sb, "Weight %d:\n%s\n", i, nd.Weights[i].String())
	}
	return sb.String()
}
