package engine

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/pkg/errors"

	"github.com/tsawler/go-dsstne/dataset"
	"github.com/tsawler/go-dsstne/kernels"
	"github.com/tsawler/go-dsstne/layers"
	"github.com/tsawler/go-dsstne/memory"
)

// behavior is what a layer computes. The set of implementations is closed:
// fullyConnected, convolutional and pooling.
type behavior interface {
	forward(ctx context.Context, l *Layer, position, batch uint32, training bool) error
	backward(ctx context.Context, l *Layer, position, batch uint32) error
}

// allocation records what a layer's buffers were last sized for
type allocation struct {
	batch      uint32
	stride     uint32
	training   bool
	validate   bool
	fastSparse bool
}

// Layer is one node of the network graph. Neighbours and edges are arena
// handles into the owning Network.
type Layer struct {
	net  *Network
	id   LayerID
	desc layers.LayerDescriptor
	name string
	kind layers.Kind
	typ  layers.Type

	behavior behavior
	data     DataSet

	sources       []LayerID
	skips         []LayerID
	skipConsumers []LayerID
	consumers     []LayerID

	incomingWeights []WeightID
	outgoingWeights []WeightID
	incomingLarger  []WeightID
	outgoingLarger  []WeightID

	parallelization          layers.Parallelization
	transposeParallelization bool
	stride                   uint32
	localStride              uint32
	maxLocalStride           uint32
	minX, maxX               uint32

	batch      uint32
	localBatch uint32

	sparse     bool
	denoising  bool
	fastSparse bool

	training  bool
	validate  bool
	allocated allocation

	unit    *memory.Buffer[float32]
	delta   *memory.Buffer[float32]
	dropout *memory.Buffer[float32]

	unitUpdateCount  uint32
	deltaUpdateCount uint32
}

func newLayer(n *Network, id LayerID, ld *layers.LayerDescriptor) (Layer, error) {
	l := Layer{
		net:             n,
		id:              id,
		desc:            ld.Clone(),
		name:            ld.Name,
		kind:            ld.Kind,
		typ:             ld.Type,
		parallelization: layers.Serial,
		stride:          ld.Stride(),
		sparse:          ld.Sparse(),
	}
	switch ld.Type {
	case layers.FullyConnected:
		l.behavior = fullyConnected{}
	case layers.Convolutional:
		l.behavior = convolutional{}
	case layers.Pooling:
		l.behavior = pooling{fn: ld.PoolingFunction}
	default:
		return Layer{}, n.dctx.ConfigError("NewLayer", "layer %s: unknown type %s", ld.Name, ld.Type)
	}
	if ld.Type != layers.Pooling {
		if err := kernels.CheckActivation(ld.Activation); err != nil {
			return Layer{}, n.dctx.ConfigError("NewLayer", "layer %s: %v", ld.Name, err)
		}
	}
	l.refreshGeometry()
	return l, nil
}

func (l *Layer) ID() LayerID                             { return l.id }
func (l *Layer) Name() string                            { return l.name }
func (l *Layer) Kind() layers.Kind                       { return l.kind }
func (l *Layer) Type() layers.Type                       { return l.typ }
func (l *Layer) Stride() uint32                          { return l.stride }
func (l *Layer) LocalStride() uint32                     { return l.localStride }
func (l *Layer) Parallelization() layers.Parallelization { return l.parallelization }
func (l *Layer) FastSparse() bool                        { return l.fastSparse }
func (l *Layer) Descriptor() layers.LayerDescriptor      { return l.desc.Clone() }
func (l *Layer) DataSet() DataSet                        { return l.data }
func (l *Layer) Dimensions() (nx, ny, nz, nw, dims uint32) {
	return l.desc.Nx, l.desc.Ny, l.desc.Nz, l.desc.Nw, l.desc.Dimensions
}

func (l *Layer) layer(id LayerID) *Layer    { return &l.net.layers[id] }
func (l *Layer) weight(id WeightID) *Weight { return &l.net.weights[id] }

// RefreshParallelization picks data or model sharding from the types of
// the layers around this one. With a single rank every layer is serial.
// A hidden layer whose neighbors use the other sharding is marked for
// transposition between the two layouts.
func (l *Layer) RefreshParallelization() {
	l.transposeParallelization = false
	if l.net.dctx.NumProcs() == 1 {
		l.parallelization = layers.Serial
		l.refreshGeometry()
		return
	}
	convIn, convOut, fcOut := 0, 0, 0
	for _, id := range l.sources {
		if l.layer(id).typ == layers.Convolutional {
			convIn++
		}
	}
	for _, id := range l.consumers {
		switch l.layer(id).typ {
		case layers.Convolutional:
			convOut++
		case layers.FullyConnected:
			fcOut++
		}
	}

	l.parallelization = layers.Model
	switch l.kind {
	case layers.Input:
		if convOut > 0 {
			l.parallelization = layers.Data
		}
	case layers.Output:
		if convIn > 0 {
			l.parallelization = layers.Data
		}
	default:
		switch l.typ {
		case layers.Convolutional:
			l.parallelization = layers.Data
			l.transposeParallelization = fcOut > 0
		case layers.Pooling:
			if convIn > 0 {
				l.parallelization = layers.Data
				l.transposeParallelization = fcOut > 0
			} else {
				l.transposeParallelization = convOut > 0
			}
		default:
			l.transposeParallelization = convOut > 0
		}
	}
	l.refreshGeometry()
}

// TransposeParallelization reports whether this layer's activations
// change between data and model layout on their way to its consumers
func (l *Layer) TransposeParallelization() bool { return l.transposeParallelization }

// refreshGeometry derives the local stride and batch from the current
// parallelization
func (l *Layer) refreshGeometry() {
	np := l.net.dctx.NumProcs()
	l.localStride, l.maxLocalStride = l.stride, l.stride
	l.minX, l.maxX = 0, l.desc.Nx
	if l.parallelization == layers.Model && np > 1 {
		inner := l.stride / l.desc.Nx
		l.minX, l.maxX = dataset.ShardRange(l.desc.Nx, l.net.dctx.ID(), np)
		l.localStride = (l.maxX - l.minX) * inner
		l.maxLocalStride = (l.desc.Nx + uint32(np) - 1) / uint32(np) * inner
	}
	l.localBatch = l.LocalBatch(l.batch)
}

// LocalBatch returns how many of batch examples this rank handles for l
func (l *Layer) LocalBatch(batch uint32) uint32 {
	if l.parallelization == layers.Data {
		return batch / uint32(l.net.dctx.NumProcs())
	}
	return batch
}

// SetBatch sizes the layer for batch examples; buffers follow on the next
// RefreshState
func (l *Layer) SetBatch(batch uint32) error {
	np := uint32(l.net.dctx.NumProcs())
	if l.parallelization == layers.Data && batch%np != 0 {
		return l.net.dctx.ConfigError("Layer.SetBatch", "layer %s: batch %d is not divisible by %d ranks", l.name, batch, np)
	}
	l.batch = batch
	l.localBatch = l.LocalBatch(batch)
	return nil
}

// refreshFastSparse decides whether a sparse input layer multiplies its
// data straight into the next layer instead of expanding it
func (l *Layer) refreshFastSparse() {
	l.fastSparse = false
	if l.kind != layers.Input || l.data == nil || !l.data.IsSparse() {
		return
	}
	dctx := l.net.dctx
	limit := dctx.MaxSparseAnalog()
	if l.data.IsBoolean() {
		limit = dctx.MaxSparse()
	}
	log := dctx.Logger()
	switch {
	case l.data.SparseDensity() > sparseDensityLimit:
		log.Debug("fast sparse disabled by density", "layer", l.name, "density", l.data.SparseDensity())
		return
	case l.batch > limit:
		if dctx.ID() == 0 {
			log.Info("fast sparse disabled by batch size", "layer", l.name, "batch", l.batch, "limit", limit)
		}
		return
	case l.data.MaxSparseDatapoints() > limit:
		log.Debug("fast sparse disabled by datapoints", "layer", l.name,
			"datapoints", l.data.MaxSparseDatapoints(), "limit", limit)
		return
	case dctx.NumProcs() > 1 && len(l.outgoingLarger) > 0:
		if dctx.ID() == 0 {
			log.Info("fast sparse disabled for layer feeding larger model-parallel layers", "layer", l.name)
		}
		return
	case len(l.skipConsumers) > 0:
		return
	}
	for _, id := range l.consumers {
		if l.layer(id).typ != layers.FullyConnected {
			return
		}
	}
	l.fastSparse = true
}

// RefreshState prepares the layer for training or inference and resizes
// its buffers when anything they depend on changed
func (l *Layer) RefreshState(training, validate bool) error {
	l.training = training
	l.validate = validate
	l.refreshFastSparse()
	if l.data != nil && l.kind == layers.Input {
		l.data.SetDenoising(training && l.denoising)
	}

	want := allocation{
		batch:      l.localBatch,
		stride:     l.localStride,
		training:   training,
		validate:   validate,
		fastSparse: l.fastSparse,
	}
	if want == l.allocated && want.batch > 0 {
		return nil
	}
	l.Deallocate()
	if err := l.Allocate(); err != nil {
		return err
	}
	l.allocated = want
	return nil
}

// Allocate creates the unit, delta and dropout buffers for the current
// batch and state
func (l *Layer) Allocate() error {
	size := uint64(l.localBatch) * uint64(l.maxLocalStride)
	var err error
	if !l.fastSparse {
		if l.unit, err = l.net.newBuffer(size); err != nil {
			return errors.Wrapf(err, "layer %s units", l.name)
		}
	}
	if l.kind != layers.Input && (l.training || l.validate) {
		if l.delta, err = l.net.newBuffer(size); err != nil {
			return errors.Wrapf(err, "layer %s deltas", l.name)
		}
	}
	if l.training && l.desc.PDropout > 0 && !l.fastSparse {
		if l.dropout, err = l.net.newBuffer(size); err != nil {
			return errors.Wrapf(err, "layer %s dropout", l.name)
		}
	}
	return nil
}

// Deallocate frees every buffer the layer owns
func (l *Layer) Deallocate() {
	for _, b := range []**memory.Buffer[float32]{&l.unit, &l.delta, &l.dropout} {
		if *b != nil {
			(*b).Deallocate()
			*b = nil
		}
	}
	l.allocated = allocation{}
}

func (l *Layer) units() []float32 {
	if l.unit == nil {
		return nil
	}
	return l.active(l.unit)
}

func (l *Layer) deltas() []float32 {
	if l.delta == nil {
		return nil
	}
	return l.active(l.delta)
}

// active is the part of b this rank's shard occupies. Buffers hold
// maxLocalStride columns so every rank allocates the same amount on
// uneven shards.
func (l *Layer) active(b *memory.Buffer[float32]) []float32 {
	data := b.Device()
	return data[:min(uint64(len(data)), uint64(l.localBatch)*uint64(l.localStride))]
}

func (l *Layer) dropoutMask() []float32 {
	if l.dropout == nil || !l.training || l.desc.PDropout <= 0 {
		return nil
	}
	return l.active(l.dropout)
}

// clearUpdates resets the per-step accumulation counters
func (l *Layer) clearUpdates() {
	l.unitUpdateCount = 0
	l.deltaUpdateCount = 0
	for _, id := range l.incomingWeights {
		l.weight(id).updateCount = 0
	}
}

// LoadPredictionBatch loads an input layer's examples for inference
func (l *Layer) LoadPredictionBatch(position, batch uint32) error {
	return l.loadBatch(position, batch, false)
}

// LoadTrainingBatch loads an input layer's examples, denoised when
// enabled, and applies input dropout
func (l *Layer) LoadTrainingBatch(position, batch uint32) error {
	return l.loadBatch(position, batch, true)
}

// LoadValidationBatch loads an input layer's examples for validation
func (l *Layer) LoadValidationBatch(position, batch uint32) error {
	return l.loadBatch(position, batch, false)
}

func (l *Layer) loadBatch(position, batch uint32, training bool) error {
	if l.kind != layers.Input {
		return nil
	}
	if l.data == nil {
		return l.net.dctx.ConfigError("Layer.LoadBatch", "input layer %s has no data set", l.name)
	}
	lb := l.LocalBatch(batch)
	denoise := training && l.denoising
	var err error
	switch {
	case l.data.IsSparse() && l.fastSparse:
		if !training {
			return nil
		}
		if denoise {
			err = l.data.CalculateSparseTransposedDenoisedMatrix(position, lb)
		} else {
			err = l.data.CalculateSparseTransposedMatrix(position, lb)
		}
	case l.data.IsSparse():
		if denoise {
			err = l.data.LoadSparseDenoisedInputUnit(position, lb, l.localStride, l.units())
		} else {
			err = l.data.LoadSparseInputUnit(position, lb, l.localStride, l.units())
		}
	default:
		err = l.data.LoadInputUnit(position, lb, l.localStride, l.units())
		if err == nil && training && l.desc.PDropout > 0 {
			l.CalculateDropout(lb)
		}
	}
	if err != nil {
		return errors.Wrapf(err, "layer %s", l.name)
	}
	return nil
}

// ForwardPropagate computes this layer's units for the batch
func (l *Layer) ForwardPropagate(ctx context.Context, position, batch uint32, training bool) error {
	return l.behavior.forward(ctx, l, position, batch, training)
}

// BackPropagate pushes this layer's deltas to its sources and accumulates
// the gradients of its incoming weights
func (l *Layer) BackPropagate(ctx context.Context, position, batch uint32) error {
	if l.kind != layers.Input && l.delta == nil {
		return l.net.dctx.ConfigError("Layer.BackPropagate", "layer %s has no deltas; is the network in training mode?", l.name)
	}
	return l.behavior.backward(ctx, l, position, batch)
}

// CalculateActivation applies the layer's nonlinearity to its units
func (l *Layer) CalculateActivation(batch uint32) error {
	lb := l.LocalBatch(batch)
	if err := kernels.Activate(l.desc.Activation, l.units(), int(lb), int(l.localStride)); err != nil {
		return errors.Wrapf(err, "layer %s", l.name)
	}
	return nil
}

// CalculateDropout draws a fresh mask and applies inverted dropout
func (l *Layer) CalculateDropout(batch uint32) {
	mask := l.dropoutMask()
	if mask == nil {
		return
	}
	n := int(batch) * int(l.localStride)
	rng := l.net.dctx.Rand()
	for i := range mask[:n] {
		mask[i] = rng.Float32()
	}
	kernels.Dropout(l.units()[:n], mask[:n], l.desc.PDropout)
}

// addSkips adds the units of every skip source to this layer's units
func (l *Layer) addSkips(lb uint32) {
	n := int(lb) * int(l.localStride)
	for _, id := range l.skips {
		kernels.AddBuffers(l.units()[:n], l.layer(id).units()[:n])
	}
}

// finishForward runs skips, activation and dropout after the linear part
func (l *Layer) finishForward(lb uint32, training bool) error {
	l.addSkips(lb)
	if err := l.CalculateActivation(lb); err != nil {
		return err
	}
	if training {
		l.CalculateDropout(lb)
	}
	return nil
}

// prepareDeltas turns the deltas flowing into a hidden layer into deltas
// with respect to its pre-activation: sparseness penalty, activation
// derivative and delta norm clipping
func (l *Layer) prepareDeltas(ctx context.Context, lb uint32) error {
	rows, cols := int(lb), int(l.localStride)
	delta := l.deltas()[:rows*cols]
	if l.deltaUpdateCount == 0 {
		clear(delta)
	}
	nd := &l.net.desc
	if l.sparse && nd.SparsenessPenalty {
		p, beta := l.desc.SparsenessPenaltyP, l.desc.SparsenessPenaltyBeta
		if p <= 0 {
			p = nd.SparsenessPenaltyP
		}
		if beta <= 0 {
			beta = nd.SparsenessPenaltyBeta
		}
		kernels.SparsenessPenalty(rows, cols, l.units(), delta, p, beta)
	}
	if err := kernels.HadamardProduct(l.desc.Activation, l.units(), delta, l.dropoutMask(), l.desc.PDropout); err != nil {
		return errors.Wrapf(err, "layer %s", l.name)
	}
	return l.normalizeDeltas(ctx, lb)
}

// normalizeDeltas clips each example's delta to the layer's delta norm.
// Model-parallel rows span every rank, so their magnitudes are summed.
func (l *Layer) normalizeDeltas(ctx context.Context, lb uint32) error {
	norm := l.desc.DeltaNorm
	if norm <= 0 {
		return nil
	}
	rows, cols := int(lb), int(l.localStride)
	delta := l.deltas()
	if l.net.dctx.NumProcs() == 1 || l.parallelization != layers.Model {
		kernels.NormalizeDeltas(norm, delta, rows, cols)
		return nil
	}
	mag := l.net.ScratchBuffer(uint64(rows))
	kernels.DeltaMagnitudes(delta, rows, cols, mag)
	if err := l.net.P2PAllreduce(ctx, mag); err != nil {
		return err
	}
	kernels.NormalizeDeltaMagnitudes(norm, delta, rows, cols, mag)
	return nil
}

// backpropSkips hands this layer's delta to every skip source
func (l *Layer) backpropSkips(lb uint32) {
	n := int(lb) * int(l.localStride)
	for _, id := range l.skips {
		s := l.layer(id)
		if s.delta == nil {
			continue
		}
		if s.deltaUpdateCount == 0 {
			copy(s.deltas()[:n], l.deltas()[:n])
		} else {
			kernels.AddBuffers(s.deltas()[:n], l.deltas()[:n])
		}
		s.deltaUpdateCount++
	}
}

// gradientAlpha is the descent scale for gradients of w over batch
func gradientAlpha(w *Weight, batch uint32) float32 {
	return -1 / (float32(w.params().sharingCount) * float32(batch))
}

func (l *Layer) checkBuffer(op string, buf []float32, have []float32) error {
	if have == nil {
		return l.net.dctx.ConfigError(op, "layer %s has no such buffer allocated", l.name)
	}
	if need := int(l.localBatch) * int(l.localStride); len(buf) < need {
		return l.net.dctx.ConfigError(op, "layer %s: buffer holds %d values, need %d", l.name, len(buf), need)
	}
	return nil
}

// GetUnits copies this rank's [localBatch][localStride] units into dst
func (l *Layer) GetUnits(dst []float32) error {
	if err := l.checkBuffer("Layer.GetUnits", dst, l.units()); err != nil {
		return err
	}
	copy(dst, l.units())
	return nil
}

// SetUnits overwrites this rank's units with src
func (l *Layer) SetUnits(src []float32) error {
	if err := l.checkBuffer("Layer.SetUnits", src, l.units()); err != nil {
		return err
	}
	copy(l.units(), src)
	return nil
}

// GetDeltas copies this rank's deltas into dst
func (l *Layer) GetDeltas(dst []float32) error {
	if err := l.checkBuffer("Layer.GetDeltas", dst, l.deltas()); err != nil {
		return err
	}
	copy(dst, l.deltas())
	return nil
}

// SetDeltas overwrites this rank's deltas with src
func (l *Layer) SetDeltas(src []float32) error {
	if err := l.checkBuffer("Layer.SetDeltas", src, l.deltas()); err != nil {
		return err
	}
	copy(l.deltas(), src)
	return nil
}

// Dump writes the current units as text, one example per line. Model
// parallel shards are gathered first; rank 0 writes.
func (l *Layer) Dump(ctx context.Context, dst io.Writer) error {
	if l.unit == nil {
		return l.net.dctx.ConfigError("Layer.Dump", "layer %s has no units", l.name)
	}
	rows, cols := int(l.localBatch), int(l.localStride)
	data := l.units()
	if l.parallelization == layers.Model && l.net.dctx.NumProcs() > 1 {
		if err := l.Gather(ctx, l.batch, l.stride, data, l.localStride); err != nil {
			return err
		}
		data, cols = l.net.dctx.SendBuffer(), int(l.stride)
	}
	if l.net.dctx.ID() != 0 {
		return nil
	}
	bw := bufio.NewWriter(dst)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			sep := " "
			if c == cols-1 {
				sep = "\n"
			}
			fmt.Fprintf(bw, "%f%s", data[r*cols+c], sep)
		}
	}
	return bw.Flush()
}
