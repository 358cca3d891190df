package checkpoints

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/tsawler/go-dsstne/layers"
)

// EncodeNetwork writes every network, layer and weight field of desc as
// global attributes, plus bias and (unshared) weight variables
func EncodeNetwork(desc *layers.NetworkDescriptor) (*File, error) {
	f := NewFile()
	f.PutFloat32("version", layers.Version)
	f.PutString("name", desc.Name)
	f.PutUint32("kind", uint32(desc.Kind))
	f.PutUint32("errorFunction", uint32(desc.ErrorFunction))
	f.PutUint32("maxout_k", desc.MaxoutK)
	f.PutFloat32("LRN_k", desc.LRNK)
	f.PutUint32("LRN_n", desc.LRNN)
	f.PutFloat32("LRN_alpha", desc.LRNAlpha)
	f.PutFloat32("LRN_beta", desc.LRNBeta)
	f.PutBool("bSparsenessPenalty", desc.SparsenessPenalty)
	f.PutFloat32("sparsenessPenalty_p", desc.SparsenessPenaltyP)
	f.PutFloat32("sparsenessPenalty_beta", desc.SparsenessPenaltyBeta)
	f.PutBool("bDenoising", desc.Denoising)
	f.PutFloat32("denoising_p", desc.DenoisingP)
	f.PutFloat32("deltaBoost_one", desc.DeltaBoostOne)
	f.PutFloat32("deltaBoost_zero", desc.DeltaBoostZero)
	f.PutFloat32("SMCE_oneTarget", desc.SMCEOneTarget)
	f.PutFloat32("SMCE_zeroTarget", desc.SMCEZeroTarget)
	f.PutFloat32("SMCE_oneScale", desc.SMCEOneScale)
	f.PutFloat32("SMCE_zeroScale", desc.SMCEZeroScale)
	f.PutBool("ShuffleIndices", desc.ShuffleIndices)
	f.PutString("checkpoint_name", desc.CheckpointName)
	f.PutUint32("checkpoint_interval", uint32(desc.CheckpointInterval))
	f.PutUint32("checkpoint_epochs", uint32(desc.CheckpointEpochs))

	f.PutUint32("layers", uint32(len(desc.Layers)))
	for i := range desc.Layers {
		encodeLayer(f, i, &desc.Layers[i])
	}

	f.PutUint32("weights", uint32(len(desc.Weights)))
	for i := range desc.Weights {
		if err := encodeWeight(f, i, &desc.Weights[i]); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func encodeLayer(f *File, index int, ld *layers.LayerDescriptor) {
	p := fmt.Sprintf("layer%d_", index)
	f.PutString(p+"name", ld.Name)
	f.PutUint32(p+"kind", uint32(ld.Kind))
	f.PutUint32(p+"type", uint32(ld.Type))
	f.PutUint32(p+"poolingfunction", uint32(ld.PoolingFunction))
	f.PutString(p+"dataSet", ld.DataSet)
	f.PutUint32(p+"Nx", ld.Nx)
	f.PutUint32(p+"Ny", ld.Ny)
	f.PutUint32(p+"Nz", ld.Nz)
	f.PutUint32(p+"Nw", ld.Nw)
	f.PutUint32(p+"dimensions", ld.Dimensions)
	f.PutUint32(p+"kernelX", ld.KernelX)
	f.PutUint32(p+"kernelY", ld.KernelY)
	f.PutUint32(p+"kernelZ", ld.KernelZ)
	f.PutUint32(p+"kernelDimensions", ld.KernelDimensions)
	f.PutUint32(p+"kernelStrideX", ld.KernelStrideX)
	f.PutUint32(p+"kernelStrideY", ld.KernelStrideY)
	f.PutUint32(p+"kernelStrideZ", ld.KernelStrideZ)
	f.PutUint32(p+"kernelPaddingX", ld.KernelPaddingX)
	f.PutUint32(p+"kernelPaddingY", ld.KernelPaddingY)
	f.PutUint32(p+"kernelPaddingZ", ld.KernelPaddingZ)
	f.PutFloat32(p+"pDropout", ld.PDropout)
	f.PutUint32(p+"weightInit", uint32(ld.WeightInit))
	f.PutFloat32(p+"weightInitScale", ld.WeightInitScale)
	f.PutFloat32(p+"biasInit", ld.BiasInit)
	f.PutFloat32(p+"weightNorm", ld.WeightNorm)
	f.PutFloat32(p+"deltaNorm", ld.DeltaNorm)
	f.PutUint32(p+"activation", uint32(ld.Activation))
	f.PutFloat32(p+"sparsenessPenalty_p", ld.SparsenessPenaltyP)
	f.PutFloat32(p+"sparsenessPenalty_beta", ld.SparsenessPenaltyBeta)
	f.PutUint32(p+"attributes", uint32(ld.Attributes))
	f.PutUint32(p+"sources", uint32(len(ld.Sources)))
	for i, s := range ld.Sources {
		f.PutString(fmt.Sprintf("%ssource%d", p, i), s)
	}
	f.PutUint32(p+"skips", uint32(len(ld.Skips)))
	for i, s := range ld.Skips {
		f.PutString(fmt.Sprintf("%sskip%d", p, i), s)
	}
}

func encodeWeight(f *File, index int, wd *layers.WeightDescriptor) error {
	p := fmt.Sprintf("weight%d_", index)
	f.PutString(p+"inputLayer", wd.InputLayer)
	f.PutString(p+"outputLayer", wd.OutputLayer)
	f.PutUint64(p+"width", wd.Width)
	f.PutUint64(p+"height", wd.Height)
	f.PutUint64(p+"length", wd.Length)
	f.PutUint64(p+"depth", wd.Depth)
	f.PutUint64(p+"breadth", wd.Breadth)
	f.PutBool(p+"bShared", wd.Shared)
	f.PutBool(p+"bLocked", wd.Locked)
	f.PutFloat32(p+"norm", wd.Norm)

	if err := f.AddDimension(p+"biasDim", uint64(len(wd.Biases))); err != nil {
		return err
	}
	if err := f.AddVariable(p+"bias", p+"biasDim", wd.Biases); err != nil {
		return err
	}
	if wd.Shared {
		f.PutBool(p+"bTransposed", wd.Transposed)
		f.PutString(p+"sourceInputLayer", wd.SourceInputLayer)
		f.PutString(p+"sourceOutputLayer", wd.SourceOutputLayer)
		return nil
	}
	if err := f.AddDimension(p+"weightDim", uint64(len(wd.Weights))); err != nil {
		return err
	}
	return f.AddVariable(p+"weights", p+"weightDim", wd.Weights)
}

// reader collects the first failed lookup so decoding reads as a flat list
// of fields
type reader struct {
	f     *File
	fname string
	err   error
}

func (r *reader) fail(err error) {
	if r.err == nil {
		r.err = errors.Wrapf(err, "in network file %s", r.fname)
	}
}

func (r *reader) str(name string) string {
	v, err := r.f.GetString(name)
	if err != nil {
		r.fail(err)
	}
	return v
}

func (r *reader) u32(name string) uint32 {
	v, err := r.f.GetUint32(name)
	if err != nil {
		r.fail(err)
	}
	return v
}

func (r *reader) u64(name string) uint64 {
	v, err := r.f.GetUint64(name)
	if err != nil {
		r.fail(err)
	}
	return v
}

func (r *reader) f32(name string) float32 {
	v, err := r.f.GetFloat32(name)
	if err != nil {
		r.fail(err)
	}
	return v
}

func (r *reader) flag(name string) bool {
	return r.u32(name) != 0
}

// optional leaves *dst untouched when the attribute is absent
func (r *reader) optionalF32(name string, dst *float32) {
	if r.f.Has(name) {
		*dst = r.f32(name)
	}
}

func (r *reader) variable(name, dim string) []float32 {
	n, ok := r.f.Dimension(dim)
	if !ok {
		r.fail(errors.Errorf("missing dimension %s", dim))
		return nil
	}
	data, ok := r.f.Variable(name)
	if !ok {
		r.fail(errors.Errorf("missing variable %s", name))
		return nil
	}
	if uint64(len(data)) != n {
		r.fail(errors.Errorf("variable %s has %d values, want %d", name, len(data), n))
		return nil
	}
	return append([]float32(nil), data...)
}

// DecodeNetwork rebuilds a network descriptor from f. fname is only used in
// error messages. A missing required attribute fails with an error naming
// both the file and the attribute.
func DecodeNetwork(f *File, fname string) (*layers.NetworkDescriptor, error) {
	r := &reader{f: f, fname: fname}
	desc := layers.DefaultNetworkDescriptor()

	if v := r.f32("version"); r.err == nil && v > layers.Version {
		r.fail(errors.Errorf("file version %g is newer than supported %g", v, layers.Version))
	}
	desc.Name = r.str("name")
	desc.Kind = layers.NetworkKind(r.u32("kind"))
	desc.ErrorFunction = layers.ErrorFunction(r.u32("errorFunction"))

	// scalars added after the first format revision default when absent
	if f.Has("maxout_k") {
		desc.MaxoutK = r.u32("maxout_k")
	}
	r.optionalF32("LRN_k", &desc.LRNK)
	if f.Has("LRN_n") {
		desc.LRNN = r.u32("LRN_n")
	}
	r.optionalF32("LRN_alpha", &desc.LRNAlpha)
	r.optionalF32("LRN_beta", &desc.LRNBeta)
	if f.Has("bSparsenessPenalty") {
		desc.SparsenessPenalty = r.flag("bSparsenessPenalty")
	}
	r.optionalF32("sparsenessPenalty_p", &desc.SparsenessPenaltyP)
	r.optionalF32("sparsenessPenalty_beta", &desc.SparsenessPenaltyBeta)
	if f.Has("bDenoising") {
		desc.Denoising = r.flag("bDenoising")
	}
	r.optionalF32("denoising_p", &desc.DenoisingP)
	r.optionalF32("deltaBoost_one", &desc.DeltaBoostOne)
	r.optionalF32("deltaBoost_zero", &desc.DeltaBoostZero)
	r.optionalF32("SMCE_oneTarget", &desc.SMCEOneTarget)
	r.optionalF32("SMCE_zeroTarget", &desc.SMCEZeroTarget)
	r.optionalF32("SMCE_oneScale", &desc.SMCEOneScale)
	r.optionalF32("SMCE_zeroScale", &desc.SMCEZeroScale)
	if f.Has("ShuffleIndices") {
		desc.ShuffleIndices = r.flag("ShuffleIndices")
	}
	if f.Has("checkpoint_name") {
		desc.CheckpointName = r.str("checkpoint_name")
	}
	if f.Has("checkpoint_interval") {
		desc.CheckpointInterval = int32(r.u32("checkpoint_interval"))
	}
	if f.Has("checkpoint_epochs") {
		desc.CheckpointEpochs = int32(r.u32("checkpoint_epochs"))
	}

	nLayers := r.u32("layers")
	for i := uint32(0); i < nLayers && r.err == nil; i++ {
		desc.Layers = append(desc.Layers, decodeLayer(r, int(i)))
	}
	nWeights := r.u32("weights")
	for i := uint32(0); i < nWeights && r.err == nil; i++ {
		desc.Weights = append(desc.Weights, decodeWeight(r, int(i)))
	}

	if r.err != nil {
		return nil, r.err
	}
	return &desc, nil
}

func decodeLayer(r *reader, index int) layers.LayerDescriptor {
	p := fmt.Sprintf("layer%d_", index)
	ld := layers.DefaultLayerDescriptor()
	ld.Name = r.str(p + "name")
	ld.Kind = layers.Kind(r.u32(p + "kind"))
	ld.Type = layers.Type(r.u32(p + "type"))
	ld.PoolingFunction = layers.PoolingFunction(r.u32(p + "poolingfunction"))
	ld.DataSet = r.str(p + "dataSet")
	ld.Nx = r.u32(p + "Nx")
	ld.Ny = r.u32(p + "Ny")
	ld.Nz = r.u32(p + "Nz")
	ld.Nw = r.u32(p + "Nw")
	ld.Dimensions = r.u32(p + "dimensions")
	ld.KernelX = r.u32(p + "kernelX")
	ld.KernelY = r.u32(p + "kernelY")
	ld.KernelZ = r.u32(p + "kernelZ")
	ld.KernelStrideX = r.u32(p + "kernelStrideX")
	ld.KernelStrideY = r.u32(p + "kernelStrideY")
	ld.KernelStrideZ = r.u32(p + "kernelStrideZ")
	ld.KernelPaddingX = r.u32(p + "kernelPaddingX")
	ld.KernelPaddingY = r.u32(p + "kernelPaddingY")
	ld.KernelPaddingZ = r.u32(p + "kernelPaddingZ")
	ld.KernelDimensions = r.u32(p + "kernelDimensions")
	ld.WeightInit = layers.WeightInit(r.u32(p + "weightInit"))
	ld.WeightInitScale = r.f32(p + "weightInitScale")
	ld.BiasInit = r.f32(p + "biasInit")
	ld.WeightNorm = r.f32(p + "weightNorm")
	ld.DeltaNorm = r.f32(p + "deltaNorm")
	ld.PDropout = r.f32(p + "pDropout")
	ld.Activation = layers.Activation(r.u32(p + "activation"))
	ld.SparsenessPenaltyP = r.f32(p + "sparsenessPenalty_p")
	ld.SparsenessPenaltyBeta = r.f32(p + "sparsenessPenalty_beta")
	ld.Attributes = layers.Attributes(r.u32(p + "attributes"))

	// dimensions stored in the file always came from the writer
	ld.DimensionsProvided = true

	for i, n := 0, int(r.u32(p+"sources")); i < n && r.err == nil; i++ {
		ld.Sources = append(ld.Sources, r.str(fmt.Sprintf("%ssource%d", p, i)))
	}
	for i, n := 0, int(r.u32(p+"skips")); i < n && r.err == nil; i++ {
		ld.Skips = append(ld.Skips, r.str(fmt.Sprintf("%sskip%d", p, i)))
	}
	return ld
}

func decodeWeight(r *reader, index int) layers.WeightDescriptor {
	p := fmt.Sprintf("weight%d_", index)
	wd := layers.DefaultWeightDescriptor()
	wd.InputLayer = r.str(p + "inputLayer")
	wd.OutputLayer = r.str(p + "outputLayer")
	wd.Norm = r.f32(p + "norm")
	wd.Shared = r.flag(p + "bShared")
	if wd.Shared {
		wd.SourceInputLayer = r.str(p + "sourceInputLayer")
		wd.SourceOutputLayer = r.str(p + "sourceOutputLayer")
		wd.Transposed = r.flag(p + "bTransposed")
	}
	wd.Locked = r.flag(p + "bLocked")
	wd.Width = r.u64(p + "width")
	wd.Height = r.u64(p + "height")
	wd.Length = r.u64(p + "length")
	wd.Depth = r.u64(p + "depth")
	wd.Breadth = r.u64(p + "breadth")

	wd.Biases = r.variable(p+"bias", p+"biasDim")
	if !wd.Shared {
		wd.Weights = r.variable(p+"weights", p+"weightDim")
	}
	return wd
}

// SaveNetwork encodes desc and writes it to path
func SaveNetwork(path string, desc *layers.NetworkDescriptor) error {
	f, err := EncodeNetwork(desc)
	if err != nil {
		return errors.Wrapf(err, "failed to encode network %s", desc.Name)
	}
	return f.WriteFile(path)
}

// ReadNetwork reads and decodes the network file at path
func ReadNetwork(path string) (*layers.NetworkDescriptor, error) {
	f, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	return DecodeNetwork(f, path)
}
