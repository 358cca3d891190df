// Package dataset holds the training and target data a network reads. A
// DataSet wraps one Payload variant (dense numeric or sparse index lists)
// and implements the load, fused sparse and cost operations the engine
// invokes through its DataSet interface.
package dataset

import (
	"fmt"
	"math/rand/v2"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/tsawler/go-dsstne/memory"
)

// Attributes is a bit set of data set properties
type Attributes uint32

const (
	AttributeSparse Attributes = 1 << iota
	AttributeBoolean
	AttributeCompressed
	AttributeRecurrent
	AttributeMutable
	AttributeSparseIgnoreZero
	AttributeStreaming
)

func (a Attributes) String() string {
	if a == 0 {
		return "None"
	}
	names := []string{"Sparse", "Boolean", "Compressed", "Recurrent", "Mutable", "SparseIgnoreZero", "Streaming"}
	s := ""
	for i, name := range names {
		if a&(1<<i) != 0 {
			if s != "" {
				s += "|"
			}
			s += name
		}
	}
	return s
}

// Sharding is how a data set is split across ranks
type Sharding uint32

const (
	ShardNone Sharding = iota
	ShardModel
	ShardData
)

func (s Sharding) String() string {
	switch s {
	case ShardNone:
		return "None"
	case ShardModel:
		return "Model"
	case ShardData:
		return "Data"
	default:
		return "Unknown"
	}
}

// Dimensions are the per-example extents
type Dimensions struct {
	Dimensions uint32
	Width      uint32
	Height     uint32
	Length     uint32
}

// Stride is the number of values in one example
func (d Dimensions) Stride() uint32 {
	return d.Width * d.Height * d.Length
}

// Numeric is the set of dense element types
type Numeric interface {
	~float32 | ~uint8 | ~uint32
}

// Payload is the data carried by a DataSet: either Dense[T] or Sparse
type Payload interface {
	examples(stride uint32) (uint32, error)
	bytes() uint64
}

// Dense holds [examples][stride] values
type Dense[T Numeric] struct {
	Data []T
}

func (d Dense[T]) examples(stride uint32) (uint32, error) {
	if stride == 0 || uint64(len(d.Data))%uint64(stride) != 0 {
		return 0, errors.Errorf("dense data of length %d is not a multiple of stride %d", len(d.Data), stride)
	}
	return uint32(uint64(len(d.Data)) / uint64(stride)), nil
}

func (d Dense[T]) bytes() uint64 {
	var zero T
	return uint64(len(d.Data)) * uint64(unsafe.Sizeof(zero))
}

// value converts element i to float32; uint8 data is scaled to [0, 1]
func (d Dense[T]) value(i uint64) float32 {
	v := d.Data[i]
	switch any(v).(type) {
	case uint8:
		return float32(v) / 255
	}
	return float32(v)
}

// Sparse holds per-example index lists. Example i owns positions
// [Start[i], End[i]) of Index and Values. Values is nil for boolean data,
// where every listed index has value 1.
type Sparse struct {
	Start  []uint64
	End    []uint64
	Index  []uint32
	Values []float32
}

func (s Sparse) examples(stride uint32) (uint32, error) {
	if len(s.Start) != len(s.End) {
		return 0, errors.Errorf("sparse start/end lengths differ (%d, %d)", len(s.Start), len(s.End))
	}
	if s.Values != nil && len(s.Values) != len(s.Index) {
		return 0, errors.Errorf("sparse values length %d does not match index length %d", len(s.Values), len(s.Index))
	}
	for i := range s.Start {
		if s.Start[i] > s.End[i] || s.End[i] > uint64(len(s.Index)) {
			return 0, errors.Errorf("example %d has invalid range [%d, %d)", i, s.Start[i], s.End[i])
		}
		for _, idx := range s.Index[s.Start[i]:s.End[i]] {
			if idx >= stride {
				return 0, errors.Errorf("example %d index %d exceeds stride %d", i, idx, stride)
			}
		}
	}
	return uint32(len(s.Start)), nil
}

func (s Sparse) bytes() uint64 {
	return uint64(len(s.Start)+len(s.End))*8 + uint64(len(s.Index))*4 + uint64(len(s.Values))*4
}

func (s Sparse) value(j uint64) float32 {
	if s.Values == nil {
		return 1
	}
	return s.Values[j]
}

// DataSet is a named, optionally sharded collection of examples
type DataSet struct {
	name       string
	dims       Dimensions
	attributes Attributes
	payload    Payload
	examples   uint32

	sharding Sharding
	rank     int
	numprocs int
	lo, hi   uint32

	shuffle []uint32

	denoising bool
	keep      []float32

	maxSparseDatapoints uint32
	sparseDensity       float32

	// transposed view of the current batch, one column per local index
	tStart []uint32
	tEnd   []uint32
	tRow   []uint32
	tValue []float32

	scratch *memory.ScratchPool
}

// New creates a data set over payload. Sparse payloads get the Sparse
// attribute, and Boolean too when they carry no values.
func New(name string, dims Dimensions, payload Payload) (*DataSet, error) {
	if payload == nil {
		return nil, fmt.Errorf("data set %s has no payload", name)
	}
	if dims.Dimensions == 0 {
		dims.Dimensions = 1
	}
	if dims.Height == 0 {
		dims.Height = 1
	}
	if dims.Length == 0 {
		dims.Length = 1
	}
	examples, err := payload.examples(dims.Stride())
	if err != nil {
		return nil, errors.Wrapf(err, "data set %s", name)
	}

	d := &DataSet{
		name:     name,
		dims:     dims,
		payload:  payload,
		examples: examples,
		numprocs: 1,
		hi:       dims.Stride(),
		scratch:  memory.NewScratchPool(),
	}
	if sp, ok := payload.(Sparse); ok {
		d.attributes |= AttributeSparse
		if sp.Values == nil {
			d.attributes |= AttributeBoolean
		}
		d.calculateSparseDatapointCounts(sp)
	}
	return d, nil
}

// SetAttributes adds attrs, such as AttributeSparseIgnoreZero, to the data set
func (d *DataSet) SetAttributes(attrs Attributes) {
	d.attributes |= attrs &^ (AttributeSparse | AttributeBoolean)
}

func (d *DataSet) calculateSparseDatapointCounts(sp Sparse) {
	var total uint64
	for i := range sp.Start {
		n := sp.End[i] - sp.Start[i]
		total += n
		if uint32(n) > d.maxSparseDatapoints {
			d.maxSparseDatapoints = uint32(n)
		}
	}
	if d.examples > 0 {
		d.sparseDensity = float32(float64(total) / (float64(d.examples) * float64(d.dims.Stride())))
	}
}

func (d *DataSet) Name() string           { return d.name }
func (d *DataSet) Dimensions() Dimensions { return d.dims }
func (d *DataSet) Examples() uint32       { return d.examples }
func (d *DataSet) Attributes() Attributes { return d.attributes }
func (d *DataSet) Payload() Payload       { return d.payload }
func (d *DataSet) Sharding() Sharding     { return d.sharding }

// IsSparse reports whether the payload is a Sparse variant
func (d *DataSet) IsSparse() bool { return d.attributes&AttributeSparse != 0 }

// IsBoolean reports whether sparse values are implicit ones
func (d *DataSet) IsBoolean() bool { return d.attributes&AttributeBoolean != 0 }

// MaxSparseDatapoints is the largest per-example datapoint count
func (d *DataSet) MaxSparseDatapoints() uint32 { return d.maxSparseDatapoints }

// SparseDensity is the fraction of nonzero values across the data set
func (d *DataSet) SparseDensity() float32 { return d.sparseDensity }

// ShardRange splits n into np contiguous ranges and returns rank's
func ShardRange(n uint32, rank, np int) (uint32, uint32) {
	lo := uint64(n) * uint64(rank) / uint64(np)
	hi := uint64(n) * uint64(rank+1) / uint64(np)
	return uint32(lo), uint32(hi)
}

// Shard restricts this rank's view. Model sharding keeps the column
// window of Width owned by rank; Data sharding offsets every batch by
// rank times the local batch.
func (d *DataSet) Shard(mode Sharding, rank, np int) error {
	if np < 1 || rank < 0 || rank >= np {
		return errors.Errorf("invalid shard rank %d of %d for data set %s", rank, np, d.name)
	}
	d.UnShard()
	if np == 1 || mode == ShardNone {
		return nil
	}
	d.sharding = mode
	d.rank = rank
	d.numprocs = np
	if mode == ShardModel {
		inner := d.dims.Height * d.dims.Length
		minX, maxX := ShardRange(d.dims.Width, rank, np)
		d.lo, d.hi = minX*inner, maxX*inner
	}
	return nil
}

// UnShard restores the full view
func (d *DataSet) UnShard() {
	d.sharding = ShardNone
	d.rank = 0
	d.numprocs = 1
	d.lo, d.hi = 0, d.dims.Stride()
}

// Window is the half-open column range this rank owns
func (d *DataSet) Window() (uint32, uint32) { return d.lo, d.hi }

// LocalStride is the width of the column window
func (d *DataSet) LocalStride() uint32 { return d.hi - d.lo }

// Shuffle draws a new example order from rng
func (d *DataSet) Shuffle(rng *rand.Rand) {
	if d.shuffle == nil {
		d.shuffle = make([]uint32, d.examples)
	}
	for i := range d.shuffle {
		d.shuffle[i] = uint32(i)
	}
	rng.Shuffle(len(d.shuffle), func(i, j int) {
		d.shuffle[i], d.shuffle[j] = d.shuffle[j], d.shuffle[i]
	})
}

// ClearShuffle restores file order
func (d *DataSet) ClearShuffle() { d.shuffle = nil }

// example maps row r of the batch at position to an example index, or -1
// when the row lies past the end of the data
func (d *DataSet) example(position, batch uint32, r int) int {
	p := uint64(position) + uint64(r)
	if d.sharding == ShardData {
		p += uint64(d.rank) * uint64(batch)
	}
	if p >= uint64(d.examples) {
		return -1
	}
	if d.shuffle != nil {
		return int(d.shuffle[p])
	}
	return int(p)
}

// MemoryUsage returns the host and device bytes held by the data set
func (d *DataSet) MemoryUsage() (cpu, gpu uint64) {
	gpu = d.payload.bytes()
	gpu += uint64(len(d.keep)) * 4
	gpu += uint64(len(d.tStart)+len(d.tEnd)+len(d.tRow)+len(d.tValue)) * 4
	cpu = uint64(len(d.shuffle)) * 4
	return cpu, gpu
}

func checkUnit(op string, unit []float32, batch, stride uint32) error {
	if need := uint64(batch) * uint64(stride); uint64(len(unit)) < need {
		return errors.Errorf("%s: buffer holds %d values, need %d", op, len(unit), need)
	}
	return nil
}

// LoadInputUnit copies the dense examples of a batch into unit, which is
// [batch][stride] over this rank's column window
func (d *DataSet) LoadInputUnit(position, batch, stride uint32, unit []float32) error {
	if err := checkUnit("LoadInputUnit", unit, batch, stride); err != nil {
		return err
	}
	if stride != d.LocalStride() {
		return errors.Errorf("LoadInputUnit: stride %d does not match window %d of data set %s", stride, d.LocalStride(), d.name)
	}
	switch p := d.payload.(type) {
	case Dense[float32]:
		loadDense(d, p, position, batch, stride, unit)
	case Dense[uint8]:
		loadDense(d, p, position, batch, stride, unit)
	case Dense[uint32]:
		loadDense(d, p, position, batch, stride, unit)
	case Sparse:
		return d.LoadSparseInputUnit(position, batch, stride, unit)
	default:
		return errors.Errorf("LoadInputUnit: unsupported payload %T", p)
	}
	return nil
}

func loadDense[T Numeric](d *DataSet, p Dense[T], position, batch, stride uint32, unit []float32) {
	full := uint64(d.dims.Stride())
	for r := 0; r < int(batch); r++ {
		row := unit[r*int(stride) : (r+1)*int(stride)]
		ex := d.example(position, batch, r)
		if ex < 0 {
			clear(row)
			continue
		}
		base := uint64(ex)*full + uint64(d.lo)
		for c := range row {
			row[c] = p.value(base + uint64(c))
		}
	}
}

// target densifies the batch's targets into a [batch][stride] slice
// from the scratch pool; callers return it with Put
func (d *DataSet) target(position, batch, stride uint32, multinomial bool) []float32 {
	t := d.scratch.Get(int(batch) * int(stride))
	switch p := d.payload.(type) {
	case Dense[float32]:
		loadDense(d, p, position, batch, stride, t)
	case Dense[uint8]:
		loadDense(d, p, position, batch, stride, t)
	case Dense[uint32]:
		loadDense(d, p, position, batch, stride, t)
	case Sparse:
		d.scatter(p, position, batch, stride, t, nil, multinomial)
	}
	return t
}
