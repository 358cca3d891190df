package dataset

import (
	"math/rand/v2"

	"github.com/pkg/errors"

	"github.com/tsawler/go-dsstne/kernels"
)

var errNotSparse = errors.New("data set is not sparse")

func (d *DataSet) sparse(op string) (Sparse, error) {
	sp, ok := d.payload.(Sparse)
	if !ok {
		return Sparse{}, errors.Wrapf(errNotSparse, "%s on %s", op, d.name)
	}
	return sp, nil
}

// scatter writes each example's windowed datapoints into a dense
// [batch][stride] block. keep, when set, holds the denoising scale per
// datapoint. Multinomial boolean targets become 1/count.
func (d *DataSet) scatter(sp Sparse, position, batch, stride uint32, dst, keep []float32, multinomial bool) {
	for r := 0; r < int(batch); r++ {
		row := dst[r*int(stride) : (r+1)*int(stride)]
		clear(row)
		ex := d.example(position, batch, r)
		if ex < 0 {
			continue
		}
		start, end := sp.Start[ex], sp.End[ex]
		one := float32(1)
		if multinomial && sp.Values == nil && end > start {
			one = 1 / float32(end-start)
		}
		for j := start; j < end; j++ {
			idx := sp.Index[j]
			if idx < d.lo || idx >= d.hi {
				continue
			}
			v := one
			if sp.Values != nil {
				v = sp.Values[j]
			}
			if keep != nil {
				v *= keep[j]
			}
			row[idx-d.lo] = v
		}
	}
}

// LoadSparseInputUnit expands the batch's sparse examples into unit
func (d *DataSet) LoadSparseInputUnit(position, batch, stride uint32, unit []float32) error {
	sp, err := d.sparse("LoadSparseInputUnit")
	if err != nil {
		return err
	}
	if err := checkUnit("LoadSparseInputUnit", unit, batch, stride); err != nil {
		return err
	}
	if stride != d.LocalStride() {
		return errors.Errorf("LoadSparseInputUnit: stride %d does not match window %d of data set %s", stride, d.LocalStride(), d.name)
	}
	d.scatter(sp, position, batch, stride, unit, nil, false)
	return nil
}

// LoadSparseDenoisedInputUnit is LoadSparseInputUnit with the current
// denoising mask applied
func (d *DataSet) LoadSparseDenoisedInputUnit(position, batch, stride uint32, unit []float32) error {
	sp, err := d.sparse("LoadSparseDenoisedInputUnit")
	if err != nil {
		return err
	}
	if err := d.checkDenoising("LoadSparseDenoisedInputUnit", sp); err != nil {
		return err
	}
	if err := checkUnit("LoadSparseDenoisedInputUnit", unit, batch, stride); err != nil {
		return err
	}
	d.scatter(sp, position, batch, stride, unit, d.keep, false)
	return nil
}

// SetDenoising turns denoising on or off for this data set
func (d *DataSet) SetDenoising(enabled bool) {
	d.denoising = enabled
	if !enabled {
		d.keep = nil
	}
}

// Denoising reports whether denoising is on
func (d *DataSet) Denoising() bool { return d.denoising }

// GenerateDenoisingData draws a new mask over every sparse datapoint. A
// datapoint survives with probability 1-p and is then scaled by 1/(1-p).
func (d *DataSet) GenerateDenoisingData(rng *rand.Rand, p float32) error {
	sp, err := d.sparse("GenerateDenoisingData")
	if err != nil {
		return err
	}
	if !d.denoising {
		return nil
	}
	if p < 0 || p >= 1 {
		return errors.Errorf("GenerateDenoisingData: denoising probability %g outside [0, 1)", p)
	}
	if len(d.keep) != len(sp.Index) {
		d.keep = make([]float32, len(sp.Index))
	}
	q := 1 / (1 - p)
	for i := range d.keep {
		if rng.Float32() >= p {
			d.keep[i] = q
		} else {
			d.keep[i] = 0
		}
	}
	return nil
}

func (d *DataSet) checkDenoising(op string, sp Sparse) error {
	if !d.denoising || len(d.keep) != len(sp.Index) {
		return errors.Errorf("%s: no denoising data generated for %s", op, d.name)
	}
	return nil
}

// CalculateSparseZ computes unit = beta*unit + X·W for the batch without
// expanding X. weight is [LocalStride][stride]; rows follow the window.
func (d *DataSet) CalculateSparseZ(position, batch, stride uint32, weight, unit []float32, beta float32) error {
	sp, err := d.sparse("CalculateSparseZ")
	if err != nil {
		return err
	}
	return d.sparseZ(sp, position, batch, stride, weight, unit, beta, nil)
}

// CalculateSparseDenoisedZ is CalculateSparseZ over the denoised input
func (d *DataSet) CalculateSparseDenoisedZ(position, batch, stride uint32, weight, unit []float32, beta float32) error {
	sp, err := d.sparse("CalculateSparseDenoisedZ")
	if err != nil {
		return err
	}
	if err := d.checkDenoising("CalculateSparseDenoisedZ", sp); err != nil {
		return err
	}
	return d.sparseZ(sp, position, batch, stride, weight, unit, beta, d.keep)
}

func (d *DataSet) sparseZ(sp Sparse, position, batch, stride uint32, weight, unit []float32, beta float32, keep []float32) error {
	if err := checkUnit("CalculateSparseZ", unit, batch, stride); err != nil {
		return err
	}
	if err := checkUnit("CalculateSparseZ weight", weight, d.LocalStride(), stride); err != nil {
		return err
	}
	n := int(stride)
	for r := 0; r < int(batch); r++ {
		row := unit[r*n : (r+1)*n]
		switch beta {
		case 0:
			clear(row)
		case 1:
		default:
			kernels.Sscal(n, beta, row)
		}
		ex := d.example(position, batch, r)
		if ex < 0 {
			continue
		}
		for j := sp.Start[ex]; j < sp.End[ex]; j++ {
			idx := sp.Index[j]
			if idx < d.lo || idx >= d.hi {
				continue
			}
			v := sp.value(j)
			if keep != nil {
				v *= keep[j]
				if v == 0 {
					continue
				}
			}
			w := int(idx-d.lo) * n
			kernels.Saxpy(n, v, weight[w:w+n], row)
		}
	}
	return nil
}

// CalculateSparseTransposedMatrix builds the column-major view of the
// batch used by CalculateSparseTransposedWeightGradient
func (d *DataSet) CalculateSparseTransposedMatrix(position, batch uint32) error {
	sp, err := d.sparse("CalculateSparseTransposedMatrix")
	if err != nil {
		return err
	}
	d.transpose(sp, position, batch, nil)
	return nil
}

// CalculateSparseTransposedDenoisedMatrix is CalculateSparseTransposedMatrix
// over the denoised input
func (d *DataSet) CalculateSparseTransposedDenoisedMatrix(position, batch uint32) error {
	sp, err := d.sparse("CalculateSparseTransposedDenoisedMatrix")
	if err != nil {
		return err
	}
	if err := d.checkDenoising("CalculateSparseTransposedDenoisedMatrix", sp); err != nil {
		return err
	}
	d.transpose(sp, position, batch, d.keep)
	return nil
}

func (d *DataSet) transpose(sp Sparse, position, batch uint32, keep []float32) {
	cols := int(d.LocalStride())
	if len(d.tStart) != cols {
		d.tStart = make([]uint32, cols)
		d.tEnd = make([]uint32, cols)
	}
	clear(d.tEnd)

	each := func(fn func(r int, col uint32, v float32)) {
		for r := 0; r < int(batch); r++ {
			ex := d.example(position, batch, r)
			if ex < 0 {
				continue
			}
			for j := sp.Start[ex]; j < sp.End[ex]; j++ {
				idx := sp.Index[j]
				if idx < d.lo || idx >= d.hi {
					continue
				}
				v := sp.value(j)
				if keep != nil {
					v *= keep[j]
					if v == 0 {
						continue
					}
				}
				fn(r, idx-d.lo, v)
			}
		}
	}

	// count, prefix sum, then fill
	each(func(_ int, col uint32, _ float32) { d.tEnd[col]++ })
	var total uint32
	for c := 0; c < cols; c++ {
		d.tStart[c] = total
		total += d.tEnd[c]
		d.tEnd[c] = d.tStart[c]
	}
	if cap(d.tRow) < int(total) {
		d.tRow = make([]uint32, total)
		d.tValue = make([]float32, total)
	}
	d.tRow = d.tRow[:total]
	d.tValue = d.tValue[:total]
	each(func(r int, col uint32, v float32) {
		k := d.tEnd[col]
		d.tRow[k] = uint32(r)
		d.tValue[k] = v
		d.tEnd[col]++
	})
}

// CalculateSparseTransposedWeightGradient computes
// weightGradient = beta*weightGradient + alpha*Xᵀ·delta for the batch last
// passed to CalculateSparseTransposed(Denoised)Matrix. weightGradient is
// [m][n] with m the window width; delta is [batch][n].
func (d *DataSet) CalculateSparseTransposedWeightGradient(alpha, beta float32, m, n uint32, delta, weightGradient []float32) error {
	if int(m) != len(d.tStart) {
		return errors.Errorf("CalculateSparseTransposedWeightGradient: %d rows requested but transposed matrix of %s has %d", m, d.name, len(d.tStart))
	}
	if err := checkUnit("CalculateSparseTransposedWeightGradient", weightGradient, m, n); err != nil {
		return err
	}
	cols := int(n)
	for j := 0; j < int(m); j++ {
		row := weightGradient[j*cols : (j+1)*cols]
		switch beta {
		case 0:
			clear(row)
		case 1:
		default:
			kernels.Sscal(cols, beta, row)
		}
		for k := d.tStart[j]; k < d.tEnd[j]; k++ {
			r := int(d.tRow[k]) * cols
			if r+cols > len(delta) {
				return errors.Errorf("CalculateSparseTransposedWeightGradient: delta too short for row %d", d.tRow[k])
			}
			kernels.Saxpy(cols, alpha*d.tValue[k], delta[r:r+cols], row)
		}
	}
	return nil
}
