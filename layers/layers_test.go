package layers

import (
	"strings"
	"testing"
)

func TestEnumStrings(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"kind", Output.String(), "Output"},
		{"type", Convolutional.String(), "Convolutional"},
		{"attributes", (AttributeSparse | AttributeDenoising).String(), "Sparse|Denoising"},
		{"parallelization", Model.String(), "Model"},
		{"activation", ExponentialLinear.String(), "ExponentialLinear"},
		{"weight_init", CaffeXavier.String(), "CaffeXavier"},
		{"pooling", PoolLRN.String(), "LRN"},
		{"error_function", DataScaledMarginalCrossEntropy.String(), "DataScaledMarginalCrossEntropy"},
		{"network_kind", AutoEncoder.String(), "AutoEncoder"},
		{"mode", Validation.String(), "Validation"},
		{"unknown", Activation(99).String(), "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("String() = %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestDefaultDescriptors(t *testing.T) {
	ld := DefaultLayerDescriptor()
	if ld.Kind != Hidden || ld.Type != FullyConnected || ld.Activation != Sigmoid {
		t.Errorf("unexpected layer defaults: %+v", ld)
	}
	if ld.Stride() != 1 || ld.WeightInit != Xavier || ld.WeightInitScale != 1 {
		t.Errorf("unexpected layer defaults: %+v", ld)
	}

	nd := DefaultNetworkDescriptor()
	if nd.ErrorFunction != CrossEntropy || !nd.ShuffleIndices || nd.MaxoutK != 2 {
		t.Errorf("unexpected network defaults: %+v", nd)
	}
	if nd.SMCEOneTarget != 0.9 || nd.SMCEZeroTarget != 0.1 || nd.CheckpointName != "checkpoint" {
		t.Errorf("unexpected SMCE/checkpoint defaults: %+v", nd)
	}
	if nd.LRNN != 5 || nd.LRNBeta != 0.75 {
		t.Errorf("unexpected LRN defaults: %+v", nd)
	}

	wd := DefaultWeightDescriptor()
	if wd.Width != 1 || wd.Breadth != 1 || wd.Shared || wd.Locked {
		t.Errorf("unexpected weight defaults: %+v", wd)
	}
}

func TestBuilderFullyConnected(t *testing.T) {
	desc, err := NewNetworkBuilder("ae").
		SetKind(AutoEncoder).
		SetErrorFunction(ScaledMarginalCrossEntropy).
		AddInput("input", "data", AttributeSparse, 1000).
		AddHidden("hidden", 128, RectifiedLinear, "input").
		AddOutput("output", "data", 1000, Sigmoid, "hidden").
		Compile()
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	if len(desc.Layers) != 3 {
		t.Fatalf("got %d layers, want 3", len(desc.Layers))
	}
	in, ok := desc.Layer("input")
	if !ok || !in.Sparse() || in.Denoising() || in.Stride() != 1000 {
		t.Errorf("bad input layer: %+v", in)
	}
	if desc.Kind != AutoEncoder || desc.ErrorFunction != ScaledMarginalCrossEntropy {
		t.Errorf("network settings not applied")
	}
	if !strings.Contains(desc.Summary(), "Layer 1:") {
		t.Errorf("summary missing layer listing")
	}
}

func TestBuilderDerivedDimensions(t *testing.T) {
	tests := []struct {
		name  string
		build func(nb *NetworkBuilder)
		layer string
		want  [5]uint32 // dims, Nx, Ny, Nz, Nw
	}{
		{
			name: "same_convolution",
			build: func(nb *NetworkBuilder) {
				nb.AddInput("input", "data", AttributeNone, 28, 28, 1).
					AddConvolution("conv", 8, 3, 1, RectifiedLinear, "input").
					AddOutput("output", "labels", 10, SoftMax, "conv")
			},
			layer: "conv",
			want:  [5]uint32{3, 28, 28, 8, 1},
		},
		{
			name: "strided_convolution",
			build: func(nb *NetworkBuilder) {
				nb.AddInput("input", "data", AttributeNone, 9, 9, 3).
					AddConvolution("conv", 4, 3, 2, RectifiedLinear, "input").
					AddOutput("output", "labels", 10, SoftMax, "conv")
			},
			layer: "conv",
			want:  [5]uint32{3, 5, 5, 4, 1},
		},
		{
			name: "max_pooling_chain",
			build: func(nb *NetworkBuilder) {
				nb.AddInput("input", "data", AttributeNone, 8, 8, 2).
					AddPooling("pool", PoolMax, 2, 2, "conv").
					AddConvolution("conv", 6, 3, 1, RectifiedLinear, "input").
					AddOutput("output", "labels", 10, SoftMax, "pool")
			},
			layer: "pool",
			want:  [5]uint32{3, 4, 4, 6, 1},
		},
		{
			name: "lrn_keeps_shape",
			build: func(nb *NetworkBuilder) {
				nb.AddInput("input", "data", AttributeNone, 6, 6, 4).
					AddPooling("lrn", PoolLRN, 1, 1, "input").
					AddOutput("output", "labels", 2, SoftMax, "lrn")
			},
			layer: "lrn",
			want:  [5]uint32{3, 6, 6, 4, 1},
		},
		{
			name: "one_dimensional_convolution",
			build: func(nb *NetworkBuilder) {
				nb.AddInput("input", "data", AttributeNone, 16, 2).
					AddConvolution("conv", 3, 5, 1, Tanh, "input").
					AddOutput("output", "labels", 2, Sigmoid, "conv")
			},
			layer: "conv",
			want:  [5]uint32{2, 16, 3, 1, 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nb := NewNetworkBuilder(tt.name)
			tt.build(nb)
			desc, err := nb.Compile()
			if err != nil {
				t.Fatalf("Compile failed: %v", err)
			}
			ld, _ := desc.Layer(tt.layer)
			got := [5]uint32{ld.Dimensions, ld.Nx, ld.Ny, ld.Nz, ld.Nw}
			if got != tt.want {
				t.Errorf("dims = %v, want %v", got, tt.want)
			}
			if !desc.ConvLayersCalculated {
				t.Errorf("ConvLayersCalculated not set")
			}
		})
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		build   func(nb *NetworkBuilder)
		wantErr string
	}{
		{
			name: "duplicate_name",
			build: func(nb *NetworkBuilder) {
				nb.AddInput("a", "data", AttributeNone, 4).
					AddOutput("a", "data", 4, Sigmoid, "a")
			},
			wantErr: "duplicate layer name",
		},
		{
			name: "unknown_source",
			build: func(nb *NetworkBuilder) {
				nb.AddInput("in", "data", AttributeNone, 4).
					AddOutput("out", "data", 4, Sigmoid, "missing")
			},
			wantErr: "unknown source layer",
		},
		{
			name: "input_without_dataset",
			build: func(nb *NetworkBuilder) {
				nb.AddInput("in", "", AttributeNone, 4).
					AddOutput("out", "data", 4, Sigmoid, "in")
			},
			wantErr: "has no data set",
		},
		{
			name: "no_output",
			build: func(nb *NetworkBuilder) {
				nb.AddInput("in", "data", AttributeNone, 4).
					AddHidden("h", 4, Sigmoid, "in")
			},
			wantErr: "no output layer",
		},
		{
			name: "skip_stride_mismatch",
			build: func(nb *NetworkBuilder) {
				ld := DefaultLayerDescriptor()
				ld.Name = "h2"
				ld.Nx = 8
				ld.Sources = []string{"h1"}
				ld.Skips = []string{"in"}
				nb.AddInput("in", "data", AttributeNone, 4).
					AddHidden("h1", 8, Sigmoid, "in").
					AddLayer(ld).
					AddOutput("out", "data", 4, Sigmoid, "h2")
			},
			wantErr: "skip layer in has stride",
		},
		{
			name: "unsupported_pooling",
			build: func(nb *NetworkBuilder) {
				nb.AddInput("in", "data", AttributeNone, 4, 4, 1).
					AddPooling("p", PoolStochastic, 2, 2, "in").
					AddOutput("out", "data", 4, Sigmoid, "p")
			},
			wantErr: "not supported",
		},
		{
			name: "dropout_out_of_range",
			build: func(nb *NetworkBuilder) {
				ld := DefaultLayerDescriptor()
				ld.Name = "h"
				ld.Nx = 4
				ld.PDropout = 1
				ld.Sources = []string{"in"}
				nb.AddInput("in", "data", AttributeNone, 4).
					AddLayer(ld).
					AddOutput("out", "data", 4, Sigmoid, "h")
			},
			wantErr: "dropout probability",
		},
		{
			name: "weight_not_an_edge",
			build: func(nb *NetworkBuilder) {
				nb.AddInput("in", "data", AttributeNone, 4).
					AddHidden("h", 4, Sigmoid, "in").
					AddOutput("out", "data", 4, Sigmoid, "h").
					ShareWeight("in", "out", "in", "h", false)
			},
			wantErr: "does not match a layer source",
		},
		{
			name: "convolution_of_flat_input",
			build: func(nb *NetworkBuilder) {
				nb.AddInput("in", "data", AttributeNone, 16).
					AddConvolution("c", 2, 3, 1, Sigmoid, "in").
					AddOutput("out", "data", 4, Sigmoid, "c")
			},
			wantErr: "at least 2 dimensions",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nb := NewNetworkBuilder(tt.name)
			tt.build(nb)
			_, err := nb.Compile()
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestCloneIsDeep(t *testing.T) {
	nb := NewNetworkBuilder("clone").
		AddInput("in", "data", AttributeNone, 2).
		AddOutput("out", "data", 2, Sigmoid, "in").
		AddWeight(WeightDescriptor{InputLayer: "in", OutputLayer: "out", Weights: []float32{1, 2, 3, 4}})
	desc, err := nb.Compile()
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	c := desc.Clone()
	c.Layers[1].Sources[0] = "changed"
	c.Weights[0].Weights[0] = 42
	if desc.Layers[1].Sources[0] != "in" || desc.Weights[0].Weights[0] != 1 {
		t.Errorf("Clone shares storage with the original")
	}
	if _, ok := desc.Weight("in", "out"); !ok {
		t.Errorf("Weight lookup failed")
	}
}
