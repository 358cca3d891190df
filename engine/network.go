package engine

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/go-dsstne/checkpoints"
	"github.com/tsawler/go-dsstne/dataset"
	"github.com/tsawler/go-dsstne/device"
	"github.com/tsawler/go-dsstne/kernels"
	"github.com/tsawler/go-dsstne/layers"
	"github.com/tsawler/go-dsstne/memory"
	"github.com/tsawler/go-dsstne/optimizer"
)

// Network owns the layer and weight arenas of one model on one rank
type Network struct {
	dctx *device.Context
	desc layers.NetworkDescriptor

	layers  []Layer
	weights []Weight
	byName  map[string]LayerID
	order   []LayerID
	inputs  []LayerID
	outputs []LayerID

	batch        uint32
	trainingMode optimizer.TrainingMode
	state        layers.Mode
	dirty        bool
	step         uint64

	margins kernels.Margins
	lrn     kernels.LRN

	scratch   *memory.Buffer[float32]
	workspace *memory.Buffer[float32]
	closed    bool
}

// NewNetwork builds the arena described by desc on dctx, binds each input
// and output layer to the data set it names and attaches the network to
// the context. Every rank must call it with the same descriptor.
func NewNetwork(dctx *device.Context, desc *layers.NetworkDescriptor, datasets ...DataSet) (*Network, error) {
	if dctx == nil {
		return nil, errors.New("NewNetwork: execution context is nil")
	}
	if desc == nil {
		return nil, dctx.ConfigError("NewNetwork", "network descriptor is nil")
	}
	d := desc.Clone()
	if !d.ConvLayersCalculated {
		if err := d.CalculateDerivedDimensions(); err != nil {
			return nil, dctx.ConfigError("NewNetwork", "%v", err)
		}
	}
	if err := d.Validate(); err != nil {
		return nil, dctx.ConfigError("NewNetwork", "%v", err)
	}

	n := &Network{
		dctx:         dctx,
		desc:         *d,
		byName:       make(map[string]LayerID, len(d.Layers)),
		batch:        layers.DefaultBatch,
		trainingMode: optimizer.SGD,
		dirty:        true,
		margins: kernels.Margins{
			OneTarget:      d.SMCEOneTarget,
			ZeroTarget:     d.SMCEZeroTarget,
			OneScale:       d.SMCEOneScale,
			ZeroScale:      d.SMCEZeroScale,
			DeltaBoostOne:  d.DeltaBoostOne,
			DeltaBoostZero: d.DeltaBoostZero,
		},
		lrn: kernels.LRN{K: d.LRNK, Alpha: d.LRNAlpha, Beta: d.LRNBeta, N: int(d.LRNN)},
	}

	ok := false
	defer func() {
		if !ok {
			n.release()
		}
	}()

	if err := n.buildLayers(); err != nil {
		return nil, err
	}
	if err := n.bindData(datasets); err != nil {
		return nil, err
	}
	if err := n.buildWeights(); err != nil {
		return nil, err
	}
	if err := n.buildPooling(); err != nil {
		return nil, err
	}
	if err := n.sortLayers(); err != nil {
		return nil, err
	}
	if err := n.SetBatch(layers.DefaultBatch); err != nil {
		return nil, err
	}
	if err := dctx.Attach(d.Name); err != nil {
		return nil, dctx.ConfigError("NewNetwork", "%v", err)
	}

	ok = true
	if dctx.ID() == 0 {
		dctx.Logger().Info("network created", "name", d.Name, "layers", len(n.layers),
			"weights", len(n.weights), "ranks", dctx.NumProcs())
	}
	return n, nil
}

// buildLayers creates every layer, links neighbours and picks the
// parallelization of each
func (n *Network) buildLayers() error {
	n.layers = make([]Layer, len(n.desc.Layers))
	for i := range n.desc.Layers {
		l, err := newLayer(n, LayerID(i), &n.desc.Layers[i])
		if err != nil {
			return err
		}
		n.layers[i] = l
		n.byName[l.name] = l.id
		switch l.kind {
		case layers.Input:
			n.inputs = append(n.inputs, l.id)
		case layers.Output:
			n.outputs = append(n.outputs, l.id)
		}
	}
	for i := range n.layers {
		l := &n.layers[i]
		for _, s := range l.desc.Sources {
			id := n.byName[s]
			l.sources = append(l.sources, id)
			n.layers[id].consumers = append(n.layers[id].consumers, l.id)
		}
		for _, s := range l.desc.Skips {
			id := n.byName[s]
			l.skips = append(l.skips, id)
			n.layers[id].skipConsumers = append(n.layers[id].skipConsumers, l.id)
		}
	}

	np := n.dctx.NumProcs()
	for i := range n.layers {
		l := &n.layers[i]
		l.RefreshParallelization()
		if np == 1 || l.parallelization != layers.Model {
			continue
		}
		if l.desc.Nx < uint32(np) {
			return n.dctx.ConfigError("NewNetwork", "model parallel layer %s has Nx %d, fewer than %d ranks", l.name, l.desc.Nx, np)
		}
		if l.desc.Activation == layers.SoftMax && l.typ != layers.Pooling {
			return n.dctx.ConfigError("NewNetwork", "layer %s: SoftMax cannot be split across %d ranks", l.name, np)
		}
	}
	return nil
}

// bindData matches data sets to input and output layers by name and shards
// them the way their layers are sharded
func (n *Network) bindData(datasets []DataSet) error {
	byName := make(map[string]DataSet, len(datasets))
	for _, ds := range datasets {
		if ds != nil {
			byName[ds.Name()] = ds
		}
	}
	np, id := n.dctx.NumProcs(), n.dctx.ID()
	sharding := make(map[string]dataset.Sharding)

	for _, lid := range append(append([]LayerID(nil), n.inputs...), n.outputs...) {
		l := &n.layers[lid]
		ds, found := byName[l.desc.DataSet]
		if !found {
			return n.dctx.ConfigError("NewNetwork", "layer %s: data set %q was not supplied", l.name, l.desc.DataSet)
		}
		dims := ds.Dimensions()
		if dims.Stride() != l.stride {
			return n.dctx.ConfigError("NewNetwork", "layer %s has stride %d but data set %s has %d",
				l.name, l.stride, ds.Name(), dims.Stride())
		}

		mode := dataset.ShardNone
		switch l.parallelization {
		case layers.Model:
			mode = dataset.ShardModel
			if dims.Width != l.desc.Nx {
				return n.dctx.ConfigError("NewNetwork", "layer %s: data set %s width %d does not match Nx %d",
					l.name, ds.Name(), dims.Width, l.desc.Nx)
			}
		case layers.Data:
			mode = dataset.ShardData
		}
		if prev, seen := sharding[ds.Name()]; seen && prev != mode {
			return n.dctx.ConfigError("NewNetwork", "data set %s is shared by layers sharded as %s and %s", ds.Name(), prev, mode)
		}
		sharding[ds.Name()] = mode
		if err := ds.Shard(mode, id, np); err != nil {
			return n.dctx.ConfigError("NewNetwork", "%v", err)
		}

		l.data = ds
		if l.kind == layers.Input {
			l.sparse = l.sparse || ds.IsSparse()
			l.denoising = ds.IsSparse() && (l.desc.Denoising() || n.desc.Denoising)
		}
	}
	return nil
}

// buildWeights creates one weight per source edge of every layer that has
// parameters, then resolves shared weights to their sources
func (n *Network) buildWeights() error {
	count := 0
	for i := range n.layers {
		if n.layers[i].typ != layers.Pooling {
			count += len(n.layers[i].sources)
		}
	}
	n.weights = make([]Weight, 0, count)
	np := n.dctx.NumProcs()

	for i := range n.layers {
		out := &n.layers[i]
		if out.typ == layers.Pooling {
			continue
		}
		for _, sid := range out.sources {
			in := &n.layers[sid]
			if np > 1 && out.typ == layers.FullyConnected &&
				(in.parallelization != layers.Model || out.parallelization != layers.Model) {
				return n.dctx.ConfigError("NewNetwork", "fully connected edge %s->%s joins %s and %s layers across %d ranks",
					in.name, out.name, in.parallelization, out.parallelization, np)
			}
			wd, _ := n.desc.Weight(in.name, out.name)
			w, err := newWeight(n, WeightID(len(n.weights)), in, out, wd)
			if err != nil {
				return err
			}
			n.weights = append(n.weights, w)
			in.outgoingWeights = append(in.outgoingWeights, w.id)
			out.incomingWeights = append(out.incomingWeights, w.id)
			if w.transform == linear {
				if w.outgoingLarger {
					in.outgoingLarger = append(in.outgoingLarger, w.id)
				} else {
					out.incomingLarger = append(out.incomingLarger, w.id)
				}
			}
		}
	}

	for i := range n.weights {
		w := &n.weights[i]
		if !w.shared {
			continue
		}
		in, out := w.input(), w.output()
		wd, _ := n.desc.Weight(in.name, out.name)
		src, found := n.Weight(wd.SourceInputLayer, wd.SourceOutputLayer)
		if !found {
			return n.dctx.ConfigError("NewNetwork", "shared weight %s: source %s->%s does not exist",
				w, wd.SourceInputLayer, wd.SourceOutputLayer)
		}
		if src.shared {
			return n.dctx.ConfigError("NewNetwork", "shared weight %s: source %s is itself shared", w, src)
		}
		if src.transform != w.transform {
			return n.dctx.ConfigError("NewNetwork", "shared weight %s: source %s is a %s weight", w, src, src.transform)
		}
		if w.transposed && np > 1 {
			return n.dctx.ConfigError("NewNetwork", "transposed shared weight %s is not supported across %d ranks", w, np)
		}
		wantIn, wantOut := in.stride, out.stride
		if w.transposed {
			wantIn, wantOut = wantOut, wantIn
		}
		if w.transform == linear && (src.input().stride != wantIn || src.output().stride != wantOut) {
			return n.dctx.ConfigError("NewNetwork", "shared weight %s: source %s has dimensions %dx%d, need %dx%d",
				w, src, src.input().stride, src.output().stride, wantIn, wantOut)
		}
		if w.transform == linear && w.outgoingLarger != src.outgoingLarger && np > 1 {
			return n.dctx.ConfigError("NewNetwork", "shared weight %s is sharded unlike its source %s", w, src)
		}
		w.source = src.id
		src.sharingCount++
	}
	return nil
}

// buildPooling attaches window geometry to Max and Average pooling layers
func (n *Network) buildPooling() error {
	for i := range n.layers {
		l := &n.layers[i]
		p, isPool := l.behavior.(pooling)
		if !isPool {
			continue
		}
		switch p.fn {
		case layers.PoolMax, layers.PoolAverage:
			if len(l.sources) != 1 {
				return n.dctx.ConfigError("NewNetwork", "%s pooling layer %s needs exactly one source", p.fn, l.name)
			}
			p.shape = poolShape(&n.layers[l.sources[0]], l)
			if err := p.shape.Validate(); err != nil {
				return n.dctx.ConfigError("NewNetwork", "pooling layer %s: %v", l.name, err)
			}
		case layers.PoolLRN:
			if channels := l.desc.Extent(l.desc.ChannelAxis()); channels == 0 || l.stride%channels != 0 {
				return n.dctx.ConfigError("NewNetwork", "LRN layer %s: stride %d does not split into %d channels", l.name, l.stride, channels)
			}
		case layers.PoolMaxout:
			for _, id := range l.sources {
				if n.layers[id].stride != l.stride {
					return n.dctx.ConfigError("NewNetwork", "maxout layer %s: source %s has stride %d, want %d",
						l.name, n.layers[id].name, n.layers[id].stride, l.stride)
				}
			}
		}
		l.behavior = p
	}
	return nil
}

// sortLayers orders layers so every layer follows its sources and skips
func (n *Network) sortLayers() error {
	pending := make([]int, len(n.layers))
	queue := make([]LayerID, 0, len(n.layers))
	for i := range n.layers {
		pending[i] = len(n.layers[i].sources) + len(n.layers[i].skips)
		if pending[i] == 0 {
			queue = append(queue, LayerID(i))
		}
	}
	n.order = n.order[:0]
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		n.order = append(n.order, id)
		l := &n.layers[id]
		for _, list := range [][]LayerID{l.consumers, l.skipConsumers} {
			for _, c := range list {
				pending[c]--
				if pending[c] == 0 {
					queue = append(queue, c)
				}
			}
		}
	}
	if len(n.order) != len(n.layers) {
		return n.dctx.ConfigError("NewNetwork", "network %s contains a cycle", n.desc.Name)
	}
	return nil
}

// newBuffer allocates a device buffer charged to the context's memory
// manager
func (n *Network) newBuffer(size uint64) (*memory.Buffer[float32], error) {
	b, err := memory.NewBuffer[float32](n.dctx.Memory(), size, false, false)
	if err != nil {
		return nil, n.dctx.ResourceError("Network.Allocate", err)
	}
	return b, nil
}

// grow returns b sized for at least size elements, replacing it if needed
func (n *Network) grow(b *memory.Buffer[float32], size uint64) (*memory.Buffer[float32], error) {
	if b != nil && b.Len() >= size {
		return b, nil
	}
	nb, err := n.newBuffer(size)
	if err != nil {
		return b, err
	}
	if b != nil {
		b.Deallocate()
	}
	return nb, nil
}

// ScratchBuffer returns a temporary of size elements. Its contents are
// undefined and it is reused by the next call.
func (n *Network) ScratchBuffer(size uint64) []float32 {
	b, err := n.grow(n.scratch, size)
	if err != nil {
		n.dctx.Logger().Warn("scratch buffer falls back to the heap", "elements", size, "error", err)
		return make([]float32, size)
	}
	n.scratch = b
	return b.Device()[:size]
}

// SetWorkspace reserves size elements of convolution workspace
func (n *Network) SetWorkspace(size uint64) error {
	b, err := n.grow(n.workspace, size)
	if err != nil {
		return err
	}
	n.workspace = b
	return nil
}

// SendBuffer returns the context's send buffer
func (n *Network) SendBuffer() []float32 { return n.dctx.SendBuffer() }

// ReceiveBuffer returns the context's receive buffer
func (n *Network) ReceiveBuffer() []float32 { return n.dctx.ReceiveBuffer() }

// PeerBuffer returns the previous rank's receive buffer
func (n *Network) PeerBuffer() []float32 { return n.dctx.PeerBuffer() }

// PeerBackBuffer returns the previous rank's send buffer
func (n *Network) PeerBackBuffer() []float32 { return n.dctx.PeerBackBuffer() }

// CPUBuffer returns the host staging buffer
func (n *Network) CPUBuffer() []float32 { return n.dctx.CPUBuffer() }

// Context returns the execution context the network runs on
func (n *Network) Context() *device.Context { return n.dctx }

// Name returns the network's name
func (n *Network) Name() string { return n.desc.Name }

// ErrorFunction returns the cost the network trains against
func (n *Network) ErrorFunction() layers.ErrorFunction { return n.desc.ErrorFunction }

// ShuffleIndices reports whether the network asks for a fresh example
// order every epoch
func (n *Network) ShuffleIndices() bool { return n.desc.ShuffleIndices }

// Checkpoint returns the checkpoint file stem and the interval in epochs
// between checkpoints; zero disables them
func (n *Network) Checkpoint() (name string, interval int) {
	return n.desc.CheckpointName, int(n.desc.CheckpointInterval)
}

// Batch returns the current batch size
func (n *Network) Batch() uint32 { return n.batch }

// Examples returns the number of examples in the first input's data set
func (n *Network) Examples() uint32 {
	if len(n.inputs) == 0 {
		return 0
	}
	return n.layers[n.inputs[0]].data.Examples()
}

// Step returns the number of completed training steps
func (n *Network) Step() uint64 { return n.step }

// SetStep restores the training step count, for example from a checkpoint
func (n *Network) SetStep(step uint64) { n.step = step }

// SetBatch sizes every layer for batch examples. Buffers are resized on the
// next pass.
func (n *Network) SetBatch(batch uint32) error {
	if batch == 0 {
		return n.dctx.ConfigError("Network.SetBatch", "batch size must be positive")
	}
	for i := range n.layers {
		if err := n.layers[i].SetBatch(batch); err != nil {
			return err
		}
	}
	n.batch = batch
	n.dirty = true
	return nil
}

// SetTrainingMode selects the update rule for subsequent training steps
func (n *Network) SetTrainingMode(mode optimizer.TrainingMode) {
	if mode != n.trainingMode {
		n.trainingMode = mode
		n.dirty = true
	}
}

// TrainingMode returns the update rule in use
func (n *Network) TrainingMode() optimizer.TrainingMode { return n.trainingMode }

// Randomize initializes every unshared weight
func (n *Network) Randomize() {
	for i := range n.weights {
		n.weights[i].Randomize()
	}
}

// LockWeights freezes the edge input→output
func (n *Network) LockWeights(input, output string) error {
	w, found := n.Weight(input, output)
	if !found {
		return n.dctx.ConfigError("Network.LockWeights", "no weight %s->%s", input, output)
	}
	w.Freeze()
	return nil
}

// UnlockWeights lets the edge input→output train again
func (n *Network) UnlockWeights(input, output string) error {
	w, found := n.Weight(input, output)
	if !found {
		return n.dctx.ConfigError("Network.UnlockWeights", "no weight %s->%s", input, output)
	}
	w.Thaw()
	return nil
}

// ClearVelocity zeroes every optimizer accumulator
func (n *Network) ClearVelocity() {
	for i := range n.weights {
		n.weights[i].ClearVelocity()
	}
}

// Shuffle reorders the examples of every bound data set with the
// permutation drawn from seed. Data sets with the same example count get
// the same order, so inputs stay paired with their targets, and ranks
// passing the same seed agree on it.
func (n *Network) Shuffle(seed uint64) {
	seen := make(map[string]bool)
	for _, id := range append(append([]LayerID(nil), n.inputs...), n.outputs...) {
		ds := n.layers[id].data
		if ds == nil || seen[ds.Name()] {
			continue
		}
		seen[ds.Name()] = true
		ds.Shuffle(rand.New(rand.NewPCG(seed, 0x9e3779b97f4a7c15)))
	}
}

// OptimizerBuffers lists this rank's optimizer accumulators, named so
// optimizer.GetState and LoadState can match them across runs
func (n *Network) OptimizerBuffers() []optimizer.StateBuffer {
	var out []optimizer.StateBuffer
	for i := range n.weights {
		out = append(out, n.weights[i].stateBuffers()...)
	}
	return out
}

// Layer returns the named layer
func (n *Network) Layer(name string) (*Layer, bool) {
	id, found := n.byName[name]
	if !found {
		return nil, false
	}
	return &n.layers[id], true
}

// Weight returns the edge input→output
func (n *Network) Weight(input, output string) (*Weight, bool) {
	in, okIn := n.byName[input]
	out, okOut := n.byName[output]
	if !okIn || !okOut {
		return nil, false
	}
	for _, id := range n.layers[out].incomingWeights {
		if n.weights[id].in == in {
			return &n.weights[id], true
		}
	}
	return nil, false
}

// Layers returns the layers in propagation order
func (n *Network) Layers() []*Layer {
	out := make([]*Layer, len(n.order))
	for i, id := range n.order {
		out[i] = &n.layers[id]
	}
	return out
}

// Outputs returns the output layers
func (n *Network) Outputs() []*Layer {
	out := make([]*Layer, len(n.outputs))
	for i, id := range n.outputs {
		out[i] = &n.layers[id]
	}
	return out
}

// Weights returns every weight in creation order
func (n *Network) Weights() []*Weight {
	out := make([]*Weight, len(n.weights))
	for i := range n.weights {
		out[i] = &n.weights[i]
	}
	return out
}

// RefreshState prepares layers, weights and communication buffers for mode.
// It is collective on more than one rank and does nothing when neither the
// mode nor any setting changed since the last call.
func (n *Network) RefreshState(ctx context.Context, mode layers.Mode) error {
	if n.closed {
		return n.dctx.ConfigError("Network.RefreshState", "network %s is closed", n.desc.Name)
	}
	if !n.dirty && mode == n.state {
		return nil
	}
	training := mode == layers.Training
	validate := mode == layers.Validation

	for i := range n.layers {
		if err := n.layers[i].RefreshState(training, validate); err != nil {
			return err
		}
	}
	for i := range n.weights {
		w := &n.weights[i]
		if w.transposed && w.input().fastSparse {
			return n.dctx.ConfigError("Network.RefreshState", "transposed weight %s cannot read a fast sparse input", w)
		}
		if err := w.RefreshState(n.trainingMode); err != nil {
			return err
		}
	}

	if n.dctx.NumProcs() > 1 {
		var maxStride uint32
		for i := range n.layers {
			if n.layers[i].parallelization == layers.Model && n.layers[i].stride > maxStride {
				maxStride = n.layers[i].stride
			}
		}
		if err := n.dctx.SetCommBufferSize(ctx, uint64(n.batch)*uint64(maxStride)); err != nil {
			return err
		}
	}

	if training {
		for _, id := range n.inputs {
			l := &n.layers[id]
			if !l.denoising {
				continue
			}
			if err := l.data.GenerateDenoisingData(n.dctx.Rand(), n.desc.DenoisingP); err != nil {
				return errors.Wrapf(err, "layer %s", l.name)
			}
		}
	}

	n.state = mode
	n.dirty = false
	return nil
}

func (n *Network) checkBatch(op string, batch uint32) error {
	if batch == 0 || batch > n.batch {
		return n.dctx.ConfigError(op, "batch %d outside 1..%d", batch, n.batch)
	}
	np := uint32(n.dctx.NumProcs())
	for i := range n.layers {
		if n.layers[i].parallelization == layers.Data && batch%np != 0 {
			return n.dctx.ConfigError(op, "batch %d is not divisible by %d ranks", batch, np)
		}
	}
	return nil
}

func (n *Network) clearUpdates() {
	for i := range n.layers {
		n.layers[i].clearUpdates()
	}
}

func (n *Network) forward(ctx context.Context, position, batch uint32, training bool) error {
	for _, id := range n.order {
		if err := n.layers[id].ForwardPropagate(ctx, position, batch, training); err != nil {
			return err
		}
	}
	return nil
}

// batchError sums the cost of every output layer over all ranks
func (n *Network) batchError(ctx context.Context, position, batch uint32, lambda float32) (float32, error) {
	var total float32
	for _, id := range n.outputs {
		e, err := n.layers[id].CalculateError(ctx, position, batch, n.desc.ErrorFunction)
		if err != nil {
			return 0, err
		}
		total += e
	}
	if lambda > 0 {
		total += n.CalculateRegularizationError(lambda)
	}
	if n.dctx.NumProcs() == 1 {
		return total, nil
	}
	sum := []float32{total}
	if err := n.dctx.Comm().AllreduceFloat32(ctx, sum); err != nil {
		return 0, n.dctx.ResourceError("Network.CalculateError", err)
	}
	return sum[0], nil
}

// PredictBatch runs a forward pass over batch examples starting at position
func (n *Network) PredictBatch(ctx context.Context, position, batch uint32) error {
	if err := n.checkBatch("Network.PredictBatch", batch); err != nil {
		return err
	}
	if err := n.RefreshState(ctx, layers.Prediction); err != nil {
		return err
	}
	n.clearUpdates()
	for _, id := range n.inputs {
		if err := n.layers[id].LoadPredictionBatch(position, batch); err != nil {
			return err
		}
	}
	return n.forward(ctx, position, batch, false)
}

// ValidateBatch runs a forward pass and returns the batch error summed over
// ranks
func (n *Network) ValidateBatch(ctx context.Context, position, batch uint32) (float32, error) {
	if err := n.checkBatch("Network.ValidateBatch", batch); err != nil {
		return 0, err
	}
	if err := n.RefreshState(ctx, layers.Validation); err != nil {
		return 0, err
	}
	n.clearUpdates()
	for _, id := range n.inputs {
		if err := n.layers[id].LoadValidationBatch(position, batch); err != nil {
			return 0, err
		}
	}
	if err := n.forward(ctx, position, batch, false); err != nil {
		return 0, err
	}
	return n.batchError(ctx, position, batch, 0)
}

// TrainBatch runs one optimizer step on batch examples starting at position
// and returns the batch error, including the regularization term, summed
// over ranks
func (n *Network) TrainBatch(ctx context.Context, position, batch uint32, alpha, lambda, mu float32) (float32, error) {
	if err := n.checkBatch("Network.TrainBatch", batch); err != nil {
		return 0, err
	}
	if err := n.RefreshState(ctx, layers.Training); err != nil {
		return 0, err
	}
	n.clearUpdates()
	for _, id := range n.inputs {
		if err := n.layers[id].LoadTrainingBatch(position, batch); err != nil {
			return 0, err
		}
	}
	if err := n.forward(ctx, position, batch, true); err != nil {
		return 0, err
	}
	e, err := n.batchError(ctx, position, batch, lambda)
	if err != nil {
		return 0, err
	}

	for _, id := range n.outputs {
		if err := n.layers[id].CalculateOutputDelta(ctx, position, batch, n.desc.ErrorFunction); err != nil {
			return 0, err
		}
	}
	for i := len(n.order) - 1; i >= 0; i-- {
		if err := n.layers[n.order[i]].BackPropagate(ctx, position, batch); err != nil {
			return 0, err
		}
	}

	defaults := optimizer.DefaultConfig()
	p := optimizer.Params{
		Alpha:   alpha,
		Lambda:  lambda,
		Mu:      mu,
		Beta2:   defaults.Beta2,
		Epsilon: defaults.Epsilon,
		Step:    n.step + 1,
	}
	for i := range n.weights {
		if err := n.weights[i].UpdateWeights(ctx, n.trainingMode, batch, p); err != nil {
			return 0, err
		}
	}
	n.step++
	return e, nil
}

// CalculateRegularizationError returns this rank's share of the weight
// decay penalty. Parameters replicated on every rank are counted on rank 0.
func (n *Network) CalculateRegularizationError(lambda float32) float32 {
	var total float32
	replicatedHere := n.dctx.ID() == 0
	for i := range n.weights {
		w := &n.weights[i]
		if w.transform == convolution && !replicatedHere {
			continue
		}
		total += w.CalculateRegularizationError(lambda)
	}
	return total
}

// Descriptor returns the network's persisted form with current weights.
// It is collective; only rank 0's copy holds complete parameters.
func (n *Network) Descriptor(ctx context.Context) (*layers.NetworkDescriptor, error) {
	d := n.desc.Clone()
	d.Weights = d.Weights[:0]
	for i := range n.weights {
		wd, err := n.weights[i].Descriptor(ctx)
		if err != nil {
			return nil, err
		}
		d.Weights = append(d.Weights, wd)
	}
	for i := range n.layers {
		d.Layers[n.layers[i].id] = n.layers[i].desc.Clone()
	}
	d.ConvLayersCalculated = true
	return d, nil
}

// Save writes the network to path in the checkpoint container format. It is
// collective; rank 0 writes and the outcome is shared so every rank
// returns the same verdict.
func (n *Network) Save(ctx context.Context, path string) error {
	d, err := n.Descriptor(ctx)
	if err != nil {
		return err
	}
	var saveErr error
	if n.dctx.ID() == 0 {
		saveErr = checkpoints.SaveNetwork(path, d)
	}
	failed, err := n.dctx.BroadcastFailure(ctx, saveErr != nil)
	if err != nil {
		return n.dctx.ResourceError("Network.Save", err)
	}
	if saveErr != nil {
		return n.dctx.ResourceError("Network.Save", saveErr)
	}
	if failed {
		return n.dctx.ResourceError("Network.Save", errors.Errorf("rank 0 failed to write %s", path))
	}
	return nil
}

// Summary describes the layers and their sharding
func (n *Network) Summary() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Network %s (%s, %s), %d ranks\n", n.desc.Name, n.desc.Kind, n.desc.ErrorFunction, n.dctx.NumProcs())
	for _, id := range n.order {
		l := &n.layers[id]
		fmt.Fprintf(&sb, "  %-16s %-6s %-14s stride %-6d local %-6d %s\n",
			l.name, l.kind, l.typ, l.stride, l.localStride, l.parallelization)
	}
	for i := range n.weights {
		w := &n.weights[i]
		fmt.Fprintf(&sb, "  %-33s %-11s %dx%d", w, w.transform, w.height, w.width)
		if w.shared {
			fmt.Fprintf(&sb, " shared with %s", w.params())
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// release frees every buffer the network holds
func (n *Network) release() {
	for i := range n.weights {
		n.weights[i].deallocate()
	}
	for i := range n.layers {
		n.layers[i].Deallocate()
	}
	for _, b := range []**memory.Buffer[float32]{&n.scratch, &n.workspace} {
		if *b != nil {
			(*b).Deallocate()
			*b = nil
		}
	}
}

// Close frees the network's buffers, restores its data sets to their full
// view and detaches it from the context
func (n *Network) Close() error {
	if n.closed {
		return nil
	}
	n.release()
	for _, id := range append(append([]LayerID(nil), n.inputs...), n.outputs...) {
		if ds := n.layers[id].data; ds != nil {
			ds.UnShard()
			ds.SetDenoising(false)
		}
	}
	n.dctx.Detach()
	n.closed = true
	return nil
}
