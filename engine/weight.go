package engine

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"

	"github.com/tsawler/go-dsstne/kernels"
	"github.com/tsawler/go-dsstne/layers"
	"github.com/tsawler/go-dsstne/memory"
	"github.com/tsawler/go-dsstne/optimizer"
)

// transform is the computation a weight applies between its layers
type transform uint32

const (
	linear transform = iota
	convolution
)

func (t transform) String() string {
	if t == convolution {
		return "Convolution"
	}
	return "Linear"
}

// Weight is the parameter block of one edge of the layer graph. A shared
// weight borrows the matrix of its source weight and owns only its bias.
type Weight struct {
	net *Network
	id  WeightID

	in, out   LayerID
	transform transform

	width, height, length, depth, breadth uint32
	size, biasSize                        uint64

	sharingCount   uint32
	updateCount    uint32
	outgoingLarger bool

	shared     bool
	transposed bool
	locked     bool
	source     WeightID
	norm       float32

	// convolution geometry; zero for linear weights
	shape kernels.ConvShape

	weights          *memory.Buffer[float32]
	gradient         *memory.Buffer[float32]
	velocity         *memory.Buffer[float32]
	gradientVelocity *memory.Buffer[float32]

	bias                 *memory.Buffer[float32]
	biasGradient         *memory.Buffer[float32]
	biasVelocity         *memory.Buffer[float32]
	biasGradientVelocity *memory.Buffer[float32]
}

// newWeight sizes the edge in→out from the layers' current geometry and
// allocates its buffers. wd, when non-nil, supplies sharing flags and
// stored parameters.
func newWeight(n *Network, id WeightID, in, out *Layer, wd *layers.WeightDescriptor) (Weight, error) {
	w := Weight{
		net:          n,
		id:           id,
		in:           in.id,
		out:          out.id,
		source:       NoWeight,
		sharingCount: 1,
		norm:         out.desc.WeightNorm,
	}
	if wd != nil {
		w.shared = wd.Shared
		w.transposed = wd.Transposed && wd.Shared
		w.locked = wd.Locked
		if wd.Norm > 0 {
			w.norm = wd.Norm
		}
	}

	switch out.typ {
	case layers.FullyConnected:
		w.transform = linear
		w.length, w.depth, w.breadth = 1, 1, 1
		if out.stride*3 > in.stride*2 {
			w.outgoingLarger = true
			w.width, w.height = out.localStride, in.stride
		} else {
			w.width, w.height = out.stride, in.localStride
		}
		w.size = uint64(w.width) * uint64(w.height)
		w.biasSize = uint64(out.localStride)
	case layers.Convolutional:
		w.transform = convolution
		w.shape = convShape(in, out)
		w.width = uint32(w.shape.OutChannels)
		w.height = uint32(w.shape.InChannels)
		w.length, w.depth, w.breadth = 1, 1, 1
		for a, dst := range []*uint32{&w.length, &w.depth, &w.breadth} {
			if a < w.shape.Spatial {
				*dst = uint32(w.shape.Kernel[a])
			}
		}
		w.size = uint64(w.shape.FilterSize())
		w.biasSize = uint64(w.shape.OutChannels)
	default:
		return Weight{}, n.dctx.ConfigError("NewWeight", "layer %s of type %s cannot receive weights", out.name, out.typ)
	}

	if err := w.allocate(wd); err != nil {
		w.deallocate()
		return Weight{}, err
	}
	return w, nil
}

func (w *Weight) allocate(wd *layers.WeightDescriptor) error {
	n := w.net
	var err error
	if !w.shared {
		if w.weights, err = n.newBuffer(w.size); err != nil {
			return err
		}
		if w.gradient, err = n.newBuffer(w.size); err != nil {
			return err
		}
	}
	if w.bias, err = n.newBuffer(w.biasSize); err != nil {
		return err
	}
	if w.transform == convolution {
		if w.biasGradient, err = n.newBuffer(w.biasSize); err != nil {
			return err
		}
	}
	if wd != nil {
		return w.load(wd)
	}
	return nil
}

// convShape describes the convolution from in to out. The last axis of
// both layers holds channels; the axes before it are spatial.
func convShape(in, out *Layer) kernels.ConvShape {
	spatial := int(out.desc.Dimensions) - 1
	s := kernels.ConvShape{
		Spatial:     spatial,
		InChannels:  int(in.desc.Extent(in.desc.ChannelAxis())),
		OutChannels: int(out.desc.Extent(out.desc.ChannelAxis())),
	}
	for a := 0; a < spatial && a < 3; a++ {
		k, stride, pad := out.desc.Kernel(a)
		s.In[a] = int(in.desc.Extent(a))
		s.Out[a] = int(out.desc.Extent(a))
		s.Kernel[a], s.Stride[a], s.Padding[a] = int(k), int(stride), int(pad)
	}
	return s
}

func (w *Weight) input() *Layer  { return &w.net.layers[w.in] }
func (w *Weight) output() *Layer { return &w.net.layers[w.out] }

// params returns the weight that owns the matrix this edge multiplies by
func (w *Weight) params() *Weight {
	if w.shared {
		return &w.net.weights[w.source]
	}
	return w
}

// ID returns the weight's arena handle
func (w *Weight) ID() WeightID { return w.id }

// Size returns the element count of the local matrix
func (w *Weight) Size() uint64 { return w.size }

// Dimensions returns width, height, length, depth and breadth
func (w *Weight) Dimensions() (width, height, length, depth, breadth uint32) {
	return w.width, w.height, w.length, w.depth, w.breadth
}

// OutgoingLarger reports whether the edge is owned by its input layer
func (w *Weight) OutgoingLarger() bool { return w.outgoingLarger }

// Shared reports whether the edge borrows another weight's matrix
func (w *Weight) Shared() bool { return w.shared }

// Locked reports whether updates are suppressed
func (w *Weight) Locked() bool { return w.locked }

// Freeze stops UpdateWeights from changing the parameters
func (w *Weight) Freeze() { w.locked = true }

// Thaw lets UpdateWeights change the parameters again
func (w *Weight) Thaw() { w.locked = false }

// Weights returns this rank's part of the matrix
func (w *Weight) Weights() []float32 { return w.params().weights.Device() }

// Biases returns this rank's part of the bias
func (w *Weight) Biases() []float32 { return w.bias.Device() }

// Gradient returns the accumulated descent direction of the matrix
func (w *Weight) Gradient() []float32 { return w.params().gradient.Device() }

// fullDims is the unsharded matrix shape in rows and columns
func (w *Weight) fullDims() (rows, cols int) {
	if w.transform == convolution {
		return int(w.width) * int(w.height), w.shape.KernelVolume()
	}
	return int(w.input().stride), int(w.output().stride)
}

// window returns the block of the full matrix held by rank pos
func (w *Weight) window(pos int) (rlo, rhi, clo, chi int) {
	rows, cols := w.fullDims()
	if w.transform == convolution || w.net.dctx.NumProcs() == 1 {
		return 0, rows, 0, cols
	}
	if w.outgoingLarger {
		clo, chi = w.output().shardColumns(pos)
		return 0, rows, clo, chi
	}
	rlo, rhi = w.input().shardColumns(pos)
	return rlo, rhi, 0, cols
}

// biasWindow returns the bias columns held by rank pos
func (w *Weight) biasWindow(pos int) (lo, hi int) {
	if w.transform == convolution || w.net.dctx.NumProcs() == 1 {
		return 0, int(w.biasSize)
	}
	return w.output().shardColumns(pos)
}

func extract(full []float32, pitch, rlo, rhi, clo, chi int, dst []float32) {
	kernels.Copy2D(dst, chi-clo, full[rlo*pitch+clo:], pitch, chi-clo, rhi-rlo)
}

// load copies stored parameters into this rank's buffers. Stored weights
// may be the full matrix or exactly this rank's part.
func (w *Weight) load(wd *layers.WeightDescriptor) error {
	op := "Weight.Load"
	// Shared edges and bias-only descriptors carry no matrix of their own,
	// so their dimensions are left at the defaults.
	if w.transform == linear && !w.shared && len(wd.Weights) > 0 && wd.Width > 0 && wd.Height > 0 {
		in, out := w.input(), w.output()
		if wd.Width != uint64(out.stride) || wd.Height != uint64(in.stride) {
			return w.net.dctx.ConfigError(op, "weight %s: stored %dx%d does not match %dx%d",
				w, wd.Height, wd.Width, in.stride, out.stride)
		}
	}

	if !w.shared && len(wd.Weights) > 0 {
		rows, cols := w.fullDims()
		dst := w.weights.Device()
		switch uint64(len(wd.Weights)) {
		case uint64(rows) * uint64(cols):
			rlo, rhi, clo, chi := w.window(w.net.dctx.ID())
			extract(wd.Weights, cols, rlo, rhi, clo, chi, dst)
		case w.size:
			copy(dst, wd.Weights)
		default:
			return w.net.dctx.ConfigError(op, "weight %s: %d stored weights, want %d or %d",
				w, len(wd.Weights), rows*cols, w.size)
		}
	}
	if len(wd.Biases) > 0 {
		lo, hi := w.biasWindow(w.net.dctx.ID())
		dst := w.bias.Device()
		switch {
		case len(wd.Biases) == int(w.biasSize):
			copy(dst, wd.Biases)
		case hi <= len(wd.Biases):
			copy(dst, wd.Biases[lo:hi])
		default:
			return w.net.dctx.ConfigError(op, "weight %s: %d stored biases, want %d", w, len(wd.Biases), w.biasSize)
		}
	}
	return nil
}

// String names the edge
func (w *Weight) String() string {
	return w.input().name + "->" + w.output().name
}

// Randomize fills an unshared matrix using the output layer's
// initialization scheme and sets every bias to -biasInit
func (w *Weight) Randomize() {
	if w.shared {
		return
	}
	out, in := w.output(), w.input()
	rng := w.net.dctx.Rand()
	s := out.desc.WeightInitScale
	data := w.weights.Device()

	uniform := func(scale, bias float32) {
		for i := range data {
			data[i] = rng.Float32()
		}
		kernels.ScaleAndBias(data, scale, bias)
	}
	switch out.desc.WeightInit {
	case layers.CaffeXavier:
		scale := s * 2 * math32.Sqrt(3/float32(out.stride))
		uniform(scale, -0.5*scale)
	case layers.Xavier:
		scale := s * math32.Sqrt(6/float32(out.stride+in.stride))
		uniform(2*scale, -scale)
	case layers.Uniform:
		uniform(2*s, -s)
	case layers.Gaussian:
		for i := range data {
			data[i] = float32(rng.NormFloat64()) * s
		}
	case layers.UnitBall:
		uniform(s, 0)
	case layers.Constant:
		for i := range data {
			data[i] = s
		}
	}
	kernels.ScaleAndBias(w.bias.Device(), 0, -out.desc.BiasInit)
}

// RefreshState allocates or frees the optimizer accumulators mode needs
// and, for convolutions, checks the geometry and reserves workspace
func (w *Weight) RefreshState(mode optimizer.TrainingMode) error {
	n := w.net
	ensure := func(b **memory.Buffer[float32], size uint64, need bool) error {
		if !need {
			if *b != nil {
				(*b).Deallocate()
				*b = nil
			}
			return nil
		}
		if *b != nil {
			return nil
		}
		var err error
		*b, err = n.newBuffer(size)
		return err
	}

	needV := mode.NeedsVelocity()
	needGV := mode.NeedsGradientVelocity()
	if err := ensure(&w.velocity, w.size, needV && !w.shared); err != nil {
		return err
	}
	if err := ensure(&w.gradientVelocity, w.size, needGV && !w.shared); err != nil {
		return err
	}
	if err := ensure(&w.biasVelocity, w.biasSize, needV); err != nil {
		return err
	}
	if err := ensure(&w.biasGradientVelocity, w.biasSize, needGV); err != nil {
		return err
	}

	if w.transform == convolution {
		if err := w.shape.Validate(); err != nil {
			return n.dctx.ConfigError("Weight.RefreshState", "convolution %s: %v", w, err)
		}
		out := w.output()
		ws := uint64(out.localBatch) * uint64(w.shape.OutVolume()) *
			uint64(w.shape.KernelVolume()) * uint64(w.shape.InChannels)
		if err := n.SetWorkspace(ws); err != nil {
			return err
		}
	}
	return nil
}

// UpdateWeights applies one optimizer step to the matrix and bias. Locked
// weights are left untouched; a shared weight only updates its bias since
// its source applies the accumulated matrix gradient.
func (w *Weight) UpdateWeights(ctx context.Context, mode optimizer.TrainingMode, batch uint32, p optimizer.Params) error {
	if w.locked {
		return nil
	}
	op := "Weight.UpdateWeights"
	wrap := func(err error) error {
		return errors.Wrapf(err, "%s %s", op, w)
	}

	if !w.shared {
		err := optimizer.Apply(mode, p, optimizer.Slots{
			Weights:          w.weights.Device(),
			Gradient:         w.gradient.Device(),
			Velocity:         deviceOrNil(w.velocity),
			GradientVelocity: deviceOrNil(w.gradientVelocity),
		})
		if err != nil {
			return wrap(err)
		}
	}

	var biasGradient []float32
	if w.transform == convolution {
		biasGradient = w.biasGradient.Device()
	} else {
		out := w.output()
		lb := out.LocalBatch(batch)
		biasGradient = w.net.ScratchBuffer(w.biasSize)
		kernels.BiasGradient(out.deltas(), int(lb), int(out.localStride), biasGradient)
	}
	err := optimizer.Apply(mode, p.WithoutDecay(), optimizer.Slots{
		Weights:          w.bias.Device(),
		Gradient:         biasGradient,
		Velocity:         deviceOrNil(w.biasVelocity),
		GradientVelocity: deviceOrNil(w.biasGradientVelocity),
	})
	if err != nil {
		return wrap(err)
	}

	if w.norm > 0 && !w.shared && w.transform == linear {
		return w.normalize(ctx)
	}
	return nil
}

// normalize clips each output unit's incoming weight vector to the norm.
// When rows are sharded across ranks the column magnitudes are summed first.
func (w *Weight) normalize(ctx context.Context) error {
	rows, cols := int(w.height), int(w.width)
	data := w.weights.Device()
	if w.net.dctx.NumProcs() == 1 || w.outgoingLarger {
		kernels.NormalizeWeights(w.norm, data, rows, cols)
		return nil
	}
	mag := w.net.ScratchBuffer(uint64(cols))
	kernels.WeightMagnitudes(data, rows, cols, mag)
	if err := w.net.P2PAllreduce(ctx, mag); err != nil {
		return err
	}
	kernels.NormalizeWeightMagnitudes(w.norm, data, rows, cols, mag)
	return nil
}

func deviceOrNil(b *memory.Buffer[float32]) []float32 {
	if b == nil {
		return nil
	}
	return b.Device()
}

// CalculateRegularizationError returns 0.5*lambda*|W|² over this rank's
// part of an unshared matrix
func (w *Weight) CalculateRegularizationError(lambda float32) float32 {
	if w.shared {
		return 0
	}
	return kernels.RegularizationError(lambda, w.weights.Device())
}

// ClearVelocity zeroes every optimizer accumulator
func (w *Weight) ClearVelocity() {
	for _, b := range []*memory.Buffer[float32]{w.velocity, w.gradientVelocity, w.biasVelocity, w.biasGradientVelocity} {
		if b != nil {
			b.Zero()
		}
	}
}

// stateBuffers exposes the allocated accumulators. Indices are unique per
// network: four slots per weight.
func (w *Weight) stateBuffers() []optimizer.StateBuffer {
	slots := []struct {
		typ string
		buf *memory.Buffer[float32]
	}{
		{"velocity", w.velocity},
		{"gradient_velocity", w.gradientVelocity},
		{"bias_velocity", w.biasVelocity},
		{"bias_gradient_velocity", w.biasGradientVelocity},
	}
	var out []optimizer.StateBuffer
	for k, s := range slots {
		if s.buf == nil {
			continue
		}
		out = append(out, optimizer.StateBuffer{
			Name:      fmt.Sprintf("%s_%d", s.typ, int(w.id)*len(slots)+k),
			StateType: s.typ,
			Data:      s.buf.Device(),
		})
	}
	return out
}

// ClearGradient zeroes the matrix gradient
func (w *Weight) ClearGradient() {
	if !w.shared {
		w.gradient.Zero()
	}
}

// CopyWeights copies the matrix and bias of src, which must have the same
// dimensions. Shared weights on either side resolve to their source.
func (w *Weight) CopyWeights(src *Weight) error {
	if src == nil {
		return errors.New("CopyWeights: source weight is nil")
	}
	dst := w.params()
	src = src.params()
	if dst.width != src.width || dst.height != src.height || dst.length != src.length ||
		dst.depth != src.depth || dst.breadth != src.breadth {
		return w.net.dctx.ConfigError("Weight.CopyWeights",
			"mismatched dimensions: %s is %dx%dx%dx%dx%d, %s is %dx%dx%dx%dx%d",
			dst, dst.width, dst.height, dst.length, dst.depth, dst.breadth,
			src, src.width, src.height, src.length, src.depth, src.breadth)
	}
	if err := dst.weights.CopyFrom(src.weights.Device()); err != nil {
		return errors.Wrapf(err, "CopyWeights %s", w)
	}
	if dst.biasSize == src.biasSize {
		copy(dst.bias.Device(), src.bias.Device())
	}
	return nil
}

// assemble collects every rank's block of a rows×cols matrix on rank 0.
// Other ranks send their block and get nil back.
func (w *Weight) assemble(ctx context.Context, local []float32, rows, cols int, window func(pos int) (rlo, rhi, clo, chi int)) ([]float32, error) {
	dctx := w.net.dctx
	np, id := dctx.NumProcs(), dctx.ID()
	if np == 1 {
		return append([]float32(nil), local[:rows*cols]...), nil
	}
	if id != 0 {
		if err := dctx.Comm().Send(ctx, 0, local); err != nil {
			return nil, dctx.ResourceError("Weight.Descriptor", err)
		}
		return nil, nil
	}

	full := make([]float32, rows*cols)
	place := func(block []float32, pos int) {
		rlo, rhi, clo, chi := window(pos)
		kernels.Copy2D(full[rlo*cols+clo:], cols, block, chi-clo, chi-clo, rhi-rlo)
	}
	place(local, 0)
	for pos := 1; pos < np; pos++ {
		block, err := dctx.Comm().Recv(ctx, pos)
		if err != nil {
			return nil, dctx.ResourceError("Weight.Descriptor", err)
		}
		place(block, pos)
	}
	return full, nil
}

// Descriptor returns the edge's persisted form. On more than one rank it
// is collective and the stored parameters are complete on rank 0 only.
func (w *Weight) Descriptor(ctx context.Context) (layers.WeightDescriptor, error) {
	in, out := w.input(), w.output()
	wd := layers.DefaultWeightDescriptor()
	wd.InputLayer, wd.OutputLayer = in.name, out.name
	wd.Shared, wd.Transposed, wd.Locked, wd.Norm = w.shared, w.transposed, w.locked, w.norm
	if w.shared {
		src := w.params()
		wd.SourceInputLayer, wd.SourceOutputLayer = src.input().name, src.output().name
	}

	if w.transform == linear {
		if w.transposed {
			wd.Width, wd.Height = uint64(in.stride), uint64(out.stride)
		} else {
			wd.Width, wd.Height = uint64(out.stride), uint64(in.stride)
		}
	} else {
		wd.Width, wd.Height = uint64(w.width), uint64(w.height)
	}
	wd.Length, wd.Depth, wd.Breadth = uint64(w.length), uint64(w.depth), uint64(w.breadth)

	if !w.shared {
		rows, cols := w.fullDims()
		full, err := w.assemble(ctx, w.weights.Device(), rows, cols, w.window)
		if err != nil {
			return wd, err
		}
		wd.Weights = full
	}
	biasCols := int(w.biasSize)
	if w.transform == linear {
		biasCols = int(out.stride)
	}
	biases, err := w.assemble(ctx, w.bias.Device(), 1, biasCols, func(pos int) (int, int, int, int) {
		lo, hi := w.biasWindow(pos)
		return 0, 1, lo, hi
	})
	if err != nil {
		return wd, err
	}
	wd.Biases = biases
	return wd, nil
}

// Dump writes the assembled matrix as text, one row per line, followed by
// the bias row. Only rank 0 writes.
func (w *Weight) Dump(ctx context.Context, dst io.Writer) error {
	wd, err := w.Descriptor(ctx)
	if err != nil {
		return err
	}
	if w.net.dctx.ID() != 0 {
		return nil
	}
	bw := bufio.NewWriter(dst)
	if !w.shared {
		_, cols := w.fullDims()
		for i, v := range wd.Weights {
			sep := " "
			if (i+1)%cols == 0 {
				sep = "\n"
			}
			fmt.Fprintf(bw, "%12.9f%s", v, sep)
		}
	}
	for i, v := range wd.Biases {
		sep := " "
		if i == len(wd.Biases)-1 {
			sep = "\n"
		}
		fmt.Fprintf(bw, "%12.9f%s", v, sep)
	}
	return bw.Flush()
}

// deallocate frees every buffer the weight owns
func (w *Weight) deallocate() {
	for _, b := range []**memory.Buffer[float32]{
		&w.weights, &w.gradient, &w.velocity, &w.gradientVelocity,
		&w.bias, &w.biasGradient, &w.biasVelocity, &w.biasGradientVelocity,
	} {
		if *b != nil {
			(*b).Deallocate()
			*b = nil
		}
	}
}
