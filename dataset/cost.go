package dataset

import (
	"github.com/pkg/errors"

	"github.com/tsawler/go-dsstne/kernels"
	"github.com/tsawler/go-dsstne/layers"
)

type errorKernel func(unit, target []float32, rows, cols int) float32

type deltaKernel func(unit, delta, target []float32, rows, cols int) error

// validRows is the number of leading batch rows that map to an example
func (d *DataSet) validRows(position, batch uint32) int {
	n := 0
	for n < int(batch) && d.example(position, batch, n) >= 0 {
		n++
	}
	return n
}

func (d *DataSet) ignoreZero() bool {
	return d.attributes&(AttributeSparse|AttributeSparseIgnoreZero) == AttributeSparse|AttributeSparseIgnoreZero
}

// margins returns m with delta boosting disabled for dense targets
func (d *DataSet) margins(m kernels.Margins) kernels.Margins {
	if !d.IsSparse() {
		m.DeltaBoostOne = 1
		m.DeltaBoostZero = 1
	}
	return m
}

// present lists the unit offsets of the batch's windowed datapoints
func (d *DataSet) present(sp Sparse, position, batch, stride uint32) []int {
	var offs []int
	for r := 0; r < int(batch); r++ {
		ex := d.example(position, batch, r)
		if ex < 0 {
			continue
		}
		for j := sp.Start[ex]; j < sp.End[ex]; j++ {
			if idx := sp.Index[j]; idx >= d.lo && idx < d.hi {
				offs = append(offs, r*int(stride)+int(idx-d.lo))
			}
		}
	}
	return offs
}

// gather packs the listed offsets of unit and the densified target
func (d *DataSet) gather(offs []int, unit, target []float32) ([]float32, []float32) {
	u := d.scratch.Get(len(offs))
	t := d.scratch.Get(len(offs))
	for i, o := range offs {
		u[i] = unit[o]
		t[i] = target[o]
	}
	return u, t
}

func (d *DataSet) checkWindow(op string, stride uint32) error {
	if stride != d.LocalStride() {
		return errors.Errorf("%s: stride %d does not match window %d of data set %s", op, stride, d.LocalStride(), d.name)
	}
	return nil
}

func (d *DataSet) evalError(op string, position, batch, stride uint32, unit []float32, multinomial bool, f errorKernel) (float32, error) {
	if err := d.checkWindow(op, stride); err != nil {
		return 0, err
	}
	if err := checkUnit(op, unit, batch, stride); err != nil {
		return 0, err
	}
	target := d.target(position, batch, stride, multinomial)
	defer d.scratch.Put(target)

	if d.ignoreZero() {
		offs := d.present(d.payload.(Sparse), position, batch, stride)
		if len(offs) == 0 {
			return 0, nil
		}
		u, t := d.gather(offs, unit, target)
		defer d.scratch.Put(u)
		defer d.scratch.Put(t)
		return f(u, t, 1, len(offs)), nil
	}
	rows := d.validRows(position, batch)
	return f(unit, target, rows, int(stride)), nil
}

func (d *DataSet) evalDelta(op string, act layers.Activation, position, batch, stride uint32, unit, delta []float32, multinomial bool, f deltaKernel) error {
	if err := d.checkWindow(op, stride); err != nil {
		return err
	}
	if err := checkUnit(op, unit, batch, stride); err != nil {
		return err
	}
	if err := checkUnit(op, delta, batch, stride); err != nil {
		return err
	}
	if err := kernels.CheckActivation(act); err != nil {
		return errors.Wrapf(err, "%s on %s", op, d.name)
	}
	target := d.target(position, batch, stride, multinomial)
	defer d.scratch.Put(target)

	n := int(batch) * int(stride)
	if d.ignoreZero() {
		offs := d.present(d.payload.(Sparse), position, batch, stride)
		clear(delta[:n])
		if len(offs) == 0 {
			return nil
		}
		u, t := d.gather(offs, unit, target)
		dl := d.scratch.Get(len(offs))
		defer d.scratch.Put(u)
		defer d.scratch.Put(t)
		defer d.scratch.Put(dl)
		if err := f(u, dl, t, 1, len(offs)); err != nil {
			return err
		}
		for i, o := range offs {
			delta[o] = dl[i]
		}
		return nil
	}
	rows := d.validRows(position, batch)
	if err := f(unit, delta, target, rows, int(stride)); err != nil {
		return err
	}
	clear(delta[rows*int(stride) : n])
	return nil
}

// CalculateL1Error returns the batch's L1 error over this rank's window
func (d *DataSet) CalculateL1Error(position, batch, stride uint32, unit []float32) (float32, error) {
	return d.evalError("CalculateL1Error", position, batch, stride, unit, false, kernels.L1Error)
}

// CalculateL2Error returns the batch's L2 error over this rank's window
func (d *DataSet) CalculateL2Error(position, batch, stride uint32, unit []float32) (float32, error) {
	return d.evalError("CalculateL2Error", position, batch, stride, unit, false, kernels.L2Error)
}

func (d *DataSet) CalculateCrossEntropyError(position, batch, stride uint32, unit []float32) (float32, error) {
	return d.evalError("CalculateCrossEntropyError", position, batch, stride, unit, false, kernels.CrossEntropyError)
}

// CalculateMultinomialCrossEntropyError scores SoftMax outputs; boolean
// sparse targets spread 1/count over an example's datapoints
func (d *DataSet) CalculateMultinomialCrossEntropyError(position, batch, stride uint32, unit []float32) (float32, error) {
	return d.evalError("CalculateMultinomialCrossEntropyError", position, batch, stride, unit, true, kernels.MultinomialCrossEntropyError)
}

func (d *DataSet) CalculateScaledMarginalCrossEntropyError(position, batch, stride uint32, unit []float32, m kernels.Margins) (float32, error) {
	m = d.margins(m)
	return d.evalError("CalculateScaledMarginalCrossEntropyError", position, batch, stride, unit, false,
		func(u, t []float32, rows, cols int) float32 {
			return kernels.ScaledMarginalCrossEntropyError(u, t, rows, cols, m)
		})
}

func (d *DataSet) CalculateMultinomialScaledMarginalCrossEntropyError(position, batch, stride uint32, unit []float32, m kernels.Margins) (float32, error) {
	m = d.margins(m)
	return d.evalError("CalculateMultinomialScaledMarginalCrossEntropyError", position, batch, stride, unit, true,
		func(u, t []float32, rows, cols int) float32 {
			return kernels.MultinomialScaledMarginalCrossEntropyError(u, t, rows, cols, m)
		})
}

func (d *DataSet) CalculateDataScaledMarginalCrossEntropyError(position, batch, stride uint32, unit []float32, m kernels.Margins) (float32, error) {
	m = d.margins(m)
	return d.evalError("CalculateDataScaledMarginalCrossEntropyError", position, batch, stride, unit, false,
		func(u, t []float32, rows, cols int) float32 {
			return kernels.DataScaledMarginalCrossEntropyError(u, t, rows, cols, m)
		})
}

// CalculateL1OutputDelta writes the L1 output delta for the batch
func (d *DataSet) CalculateL1OutputDelta(act layers.Activation, position, batch, stride uint32, unit, delta []float32) error {
	return d.evalDelta("CalculateL1OutputDelta", act, position, batch, stride, unit, delta, false,
		func(u, dl, t []float32, rows, cols int) error {
			return kernels.L1OutputDelta(act, u, dl, t, rows, cols)
		})
}

// CalculateL2OutputDelta writes the L2 output delta for the batch
func (d *DataSet) CalculateL2OutputDelta(act layers.Activation, position, batch, stride uint32, unit, delta []float32, m kernels.Margins) error {
	m = d.margins(m)
	return d.evalDelta("CalculateL2OutputDelta", act, position, batch, stride, unit, delta, false,
		func(u, dl, t []float32, rows, cols int) error {
			return kernels.L2OutputDelta(act, u, dl, t, rows, cols, m)
		})
}

// CalculateCrossEntropyOutputDelta writes the cross entropy delta; SoftMax
// outputs compare against multinomial targets
func (d *DataSet) CalculateCrossEntropyOutputDelta(act layers.Activation, position, batch, stride uint32, unit, delta []float32, m kernels.Margins) error {
	m = d.margins(m)
	return d.evalDelta("CalculateCrossEntropyOutputDelta", act, position, batch, stride, unit, delta, act == layers.SoftMax,
		func(u, dl, t []float32, rows, cols int) error {
			return kernels.CrossEntropyOutputDelta(act, u, dl, t, rows, cols, m)
		})
}

func (d *DataSet) CalculateScaledMarginalCrossEntropyOutputDelta(act layers.Activation, position, batch, stride uint32, unit, delta []float32, m kernels.Margins) error {
	m = d.margins(m)
	return d.evalDelta("CalculateScaledMarginalCrossEntropyOutputDelta", act, position, batch, stride, unit, delta, false,
		func(u, dl, t []float32, rows, cols int) error {
			return kernels.ScaledMarginalCrossEntropyOutputDelta(act, u, dl, t, rows, cols, m)
		})
}

func (d *DataSet) CalculateDataScaledMarginalCrossEntropyOutputDelta(act layers.Activation, position, batch, stride uint32, unit, delta []float32, m kernels.Margins) error {
	m = d.margins(m)
	return d.evalDelta("CalculateDataScaledMarginalCrossEntropyOutputDelta", act, position, batch, stride, unit, delta, false,
		func(u, dl, t []float32, rows, cols int) error {
			return kernels.DataScaledMarginalCrossEntropyOutputDelta(act, u, dl, t, rows, cols, m)
		})
}
