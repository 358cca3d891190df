// Package engine is the layer graph execution core. A Network owns an arena
// of Layers and Weights addressed by LayerID and WeightID, drives forward and
// backward propagation over them in topological order and, when more than
// one rank takes part, shards layers by data or model and exchanges
// activations and deltas through ring Reduce and Gather collectives on the
// execution context's communication buffers.
package engine

import (
	"math/rand/v2"

	"github.com/tsawler/go-dsstne/dataset"
	"github.com/tsawler/go-dsstne/kernels"
	"github.com/tsawler/go-dsstne/layers"
)

// LayerID indexes a layer in its network's arena
type LayerID int

// WeightID indexes a weight in its network's arena
type WeightID int

// NoWeight marks an absent weight reference
const NoWeight WeightID = -1

// sparseDensityLimit is the highest density the fused sparse path accepts
const sparseDensityLimit float32 = 0.1

// maxFanIn is the most incoming edges a fully connected layer can clear its
// unit buffer from
const maxFanIn = 4

// DataSet is what a layer needs from the data bound to it. Every method that
// touches examples takes the batch position, the local batch and the local
// stride of the calling layer.
type DataSet interface {
	Name() string
	Dimensions() dataset.Dimensions
	Examples() uint32
	IsSparse() bool
	IsBoolean() bool
	MaxSparseDatapoints() uint32
	SparseDensity() float32
	LocalStride() uint32

	Shard(mode dataset.Sharding, rank, np int) error
	UnShard()
	Shuffle(rng *rand.Rand)

	SetDenoising(enabled bool)
	Denoising() bool
	GenerateDenoisingData(rng *rand.Rand, p float32) error

	LoadInputUnit(position, batch, stride uint32, unit []float32) error
	LoadSparseInputUnit(position, batch, stride uint32, unit []float32) error
	LoadSparseDenoisedInputUnit(position, batch, stride uint32, unit []float32) error

	CalculateSparseZ(position, batch, stride uint32, weight, unit []float32, beta float32) error
	CalculateSparseDenoisedZ(position, batch, stride uint32, weight, unit []float32, beta float32) error
	CalculateSparseTransposedMatrix(position, batch uint32) error
	CalculateSparseTransposedDenoisedMatrix(position, batch uint32) error
	CalculateSparseTransposedWeightGradient(alpha, beta float32, m, n uint32, delta, weightGradient []float32) error

	CalculateL1Error(position, batch, stride uint32, unit []float32) (float32, error)
	CalculateL2Error(position, batch, stride uint32, unit []float32) (float32, error)
	CalculateCrossEntropyError(position, batch, stride uint32, unit []float32) (float32, error)
	CalculateMultinomialCrossEntropyError(position, batch, stride uint32, unit []float32) (float32, error)
	CalculateScaledMarginalCrossEntropyError(position, batch, stride uint32, unit []float32, m kernels.Margins) (float32, error)
	CalculateMultinomialScaledMarginalCrossEntropyError(position, batch, stride uint32, unit []float32, m kernels.Margins) (float32, error)
	CalculateDataScaledMarginalCrossEntropyError(position, batch, stride uint32, unit []float32, m kernels.Margins) (float32, error)

	CalculateL1OutputDelta(act layers.Activation, position, batch, stride uint32, unit, delta []float32) error
	CalculateL2OutputDelta(act layers.Activation, position, batch, stride uint32, unit, delta []float32, m kernels.Margins) error
	CalculateCrossEntropyOutputDelta(act layers.Activation, position, batch, stride uint32, unit, delta []float32, m kernels.Margins) error
	CalculateScaledMarginalCrossEntropyOutputDelta(act layers.Activation, position, batch, stride uint32, unit, delta []float32, m kernels.Margins) error
	CalculateDataScaledMarginalCrossEntropyOutputDelta(act layers.Activation, position, batch, stride uint32, unit, delta []float32, m kernels.Margins) error

	MemoryUsage() (cpu, gpu uint64)
}

var _ DataSet = (*dataset.DataSet)(nil)

// beta returns the GEMM accumulation factor for a buffer that has already
// received count contributions this step
func beta(count uint32) float32 {
	if count == 0 {
		return 0
	}
	return 1
}
