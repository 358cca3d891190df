package checkpoints

import (
	"context"

	"github.com/pkg/errors"

	"github.com/tsawler/go-dsstne/comm"
	"github.com/tsawler/go-dsstne/device"
	"github.com/tsawler/go-dsstne/layers"
)

// bcaster broadcasts from rank 0 in call order and keeps the first error.
// Every rank must issue the same sequence of calls.
type bcaster struct {
	ctx context.Context
	c   comm.Communicator
	err error
}

func (b *bcaster) str(s *string) {
	if b.err == nil {
		b.err = comm.BcastString(b.ctx, b.c, 0, s)
	}
}

func (b *bcaster) u32(v *uint32) {
	if b.err != nil {
		return
	}
	buf := []uint32{*v}
	b.err = b.c.BcastUint32(b.ctx, 0, buf)
	*v = buf[0]
}

func (b *bcaster) i32(v *int32) {
	u := uint32(*v)
	b.u32(&u)
	*v = int32(u)
}

func (b *bcaster) u64(v *uint64) {
	if b.err != nil {
		return
	}
	buf := []uint64{*v}
	b.err = b.c.BcastUint64(b.ctx, 0, buf)
	*v = buf[0]
}

func (b *bcaster) f32(v *float32) {
	if b.err != nil {
		return
	}
	buf := []float32{*v}
	b.err = b.c.BcastFloat32(b.ctx, 0, buf)
	*v = buf[0]
}

func (b *bcaster) flag(v *bool) {
	if b.err != nil {
		return
	}
	*v, b.err = comm.BcastBool(b.ctx, b.c, 0, *v)
}

// enum broadcasts any uint32-backed enumeration
func enum[E ~uint32](b *bcaster, v *E) {
	u := uint32(*v)
	b.u32(&u)
	*v = E(u)
}

func (b *bcaster) strings(list *[]string) {
	n := uint32(len(*list))
	b.u32(&n)
	if b.err != nil {
		return
	}
	if b.c.Rank() != 0 {
		*list = nil
		if n > 0 {
			*list = make([]string, n)
		}
	}
	for i := range *list {
		b.str(&(*list)[i])
	}
}

func (b *bcaster) floats(data *[]float32) {
	n := uint64(len(*data))
	b.u64(&n)
	if b.err != nil {
		return
	}
	if b.c.Rank() != 0 {
		*data = nil
		if n > 0 {
			*data = make([]float32, n)
		}
	}
	if n > 0 {
		b.err = b.c.BcastFloat32(b.ctx, 0, *data)
	}
}

// BroadcastNetworkDescriptor makes every rank's desc equal to rank 0's.
// Fields go out in a fixed order: network scalars, then each layer, then
// each weight; strings and arrays are length-prefixed.
func BroadcastNetworkDescriptor(ctx context.Context, c comm.Communicator, desc *layers.NetworkDescriptor) error {
	if c.Size() == 1 {
		return nil
	}
	b := &bcaster{ctx: ctx, c: c}

	b.str(&desc.Name)
	enum(b, &desc.Kind)
	enum(b, &desc.ErrorFunction)
	b.u32(&desc.MaxoutK)
	b.f32(&desc.LRNK)
	b.u32(&desc.LRNN)
	b.f32(&desc.LRNAlpha)
	b.f32(&desc.LRNBeta)
	b.flag(&desc.SparsenessPenalty)
	b.f32(&desc.SparsenessPenaltyP)
	b.f32(&desc.SparsenessPenaltyBeta)
	b.flag(&desc.Denoising)
	b.f32(&desc.DenoisingP)
	b.f32(&desc.DeltaBoostOne)
	b.f32(&desc.DeltaBoostZero)
	b.f32(&desc.SMCEOneTarget)
	b.f32(&desc.SMCEZeroTarget)
	b.f32(&desc.SMCEOneScale)
	b.f32(&desc.SMCEZeroScale)
	b.flag(&desc.ShuffleIndices)
	b.str(&desc.CheckpointName)
	b.i32(&desc.CheckpointInterval)
	b.i32(&desc.CheckpointEpochs)
	b.flag(&desc.ConvLayersCalculated)

	nLayers := uint32(len(desc.Layers))
	b.u32(&nLayers)
	if b.err == nil && c.Rank() != 0 {
		desc.Layers = make([]layers.LayerDescriptor, nLayers)
	}
	for i := range desc.Layers {
		if b.err != nil {
			break
		}
		broadcastLayer(b, &desc.Layers[i])
	}

	nWeights := uint32(len(desc.Weights))
	b.u32(&nWeights)
	if b.err == nil && c.Rank() != 0 {
		desc.Weights = make([]layers.WeightDescriptor, nWeights)
	}
	for i := range desc.Weights {
		if b.err != nil {
			break
		}
		broadcastWeight(b, &desc.Weights[i])
	}

	if b.err != nil {
		return errors.Wrap(b.err, "failed to broadcast network descriptor")
	}
	return nil
}

func broadcastLayer(b *bcaster, ld *layers.LayerDescriptor) {
	b.str(&ld.Name)
	enum(b, &ld.Kind)
	enum(b, &ld.Type)
	enum(b, &ld.PoolingFunction)
	b.u32(&ld.Nx)
	b.u32(&ld.Ny)
	b.u32(&ld.Nz)
	b.u32(&ld.Nw)
	b.u32(&ld.Dimensions)
	b.flag(&ld.DimensionsProvided)
	b.u32(&ld.KernelX)
	b.u32(&ld.KernelY)
	b.u32(&ld.KernelZ)
	b.u32(&ld.KernelStrideX)
	b.u32(&ld.KernelStrideY)
	b.u32(&ld.KernelStrideZ)
	b.u32(&ld.KernelPaddingX)
	b.u32(&ld.KernelPaddingY)
	b.u32(&ld.KernelPaddingZ)
	b.u32(&ld.KernelDimensions)
	b.f32(&ld.PDropout)
	enum(b, &ld.WeightInit)
	b.f32(&ld.WeightInitScale)
	b.f32(&ld.BiasInit)
	b.f32(&ld.WeightNorm)
	b.f32(&ld.DeltaNorm)
	enum(b, &ld.Activation)
	b.f32(&ld.SparsenessPenaltyP)
	b.f32(&ld.SparsenessPenaltyBeta)
	enum(b, &ld.Attributes)
	b.str(&ld.DataSet)
	b.strings(&ld.Sources)
	b.strings(&ld.Skips)
}

func broadcastWeight(b *bcaster, wd *layers.WeightDescriptor) {
	b.str(&wd.InputLayer)
	b.str(&wd.OutputLayer)
	b.flag(&wd.Shared)
	b.flag(&wd.Transposed)
	b.flag(&wd.Locked)
	b.f32(&wd.Norm)
	b.str(&wd.SourceInputLayer)
	b.str(&wd.SourceOutputLayer)
	b.u64(&wd.Width)
	b.u64(&wd.Height)
	b.u64(&wd.Length)
	b.u64(&wd.Depth)
	b.u64(&wd.Breadth)
	b.floats(&wd.Weights)
	b.floats(&wd.Biases)
}

// LoadNetworkDescriptor reads path on rank 0 and broadcasts the result.
// Rank 0's success flag goes out first so a bad file fails every rank with
// a Format error instead of leaving peers blocked in the broadcast.
func LoadNetworkDescriptor(ctx context.Context, dctx *device.Context, path string) (*layers.NetworkDescriptor, error) {
	var desc *layers.NetworkDescriptor
	var readErr error
	if dctx.ID() == 0 {
		desc, readErr = ReadNetwork(path)
	}

	failed, err := dctx.BroadcastFailure(ctx, readErr != nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to share network load status")
	}
	if failed {
		if readErr == nil {
			readErr = errors.Errorf("rank 0 could not read %s", path)
		}
		return nil, dctx.FormatError("LoadNetworkDescriptor", readErr)
	}

	if desc == nil {
		d := layers.DefaultNetworkDescriptor()
		desc = &d
	}
	if err := BroadcastNetworkDescriptor(ctx, dctx.Comm(), desc); err != nil {
		return nil, err
	}
	if dctx.ID() == 0 {
		dctx.Logger().Info("loaded network", "path", path, "name", desc.Name,
			"layers", len(desc.Layers), "weights", len(desc.Weights))
	}
	return desc, nil
}
