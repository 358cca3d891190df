package dataset

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/tsawler/go-dsstne/kernels"
	"github.com/tsawler/go-dsstne/layers"
)

func approx(a, b float32) bool {
	return math.Abs(float64(a-b)) <= 1e-5
}

func equalSlices(t *testing.T, got, want []float32) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("length %d, want %d", len(got), len(want))
	}
	for i := range want {
		if !approx(got[i], want[i]) {
			t.Errorf("[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

// sparseFixture has 3 examples over stride 6:
// ex0 = {0, 4}, ex1 = {1}, ex2 = {2, 3, 5}
func sparseFixture(t *testing.T, analog bool) *DataSet {
	t.Helper()
	sp := Sparse{
		Start: []uint64{0, 2, 3},
		End:   []uint64{2, 3, 6},
		Index: []uint32{0, 4, 1, 2, 3, 5},
	}
	if analog {
		sp.Values = []float32{0.5, 2, 3, 1, 4, 6}
	}
	d, err := New("sparse", Dimensions{Width: 6}, sp)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return d
}

// expand returns the dense [rows][stride] form of the fixture
func expand(d *DataSet, position, batch uint32) []float32 {
	out := make([]float32, int(batch)*int(d.LocalStride()))
	d.scatter(d.payload.(Sparse), position, batch, d.LocalStride(), out, nil, false)
	return out
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name    string
		payload Payload
		wantErr bool
	}{
		{"dense", Dense[float32]{Data: make([]float32, 12)}, false},
		{"dense_ragged", Dense[float32]{Data: make([]float32, 13)}, true},
		{"sparse", Sparse{Start: []uint64{0}, End: []uint64{1}, Index: []uint32{5}}, false},
		{"sparse_index_past_stride", Sparse{Start: []uint64{0}, End: []uint64{1}, Index: []uint32{6}}, true},
		{"sparse_bad_range", Sparse{Start: []uint64{1}, End: []uint64{0}, Index: []uint32{1}}, true},
		{"sparse_values_mismatch", Sparse{Start: []uint64{0}, End: []uint64{1}, Index: []uint32{1}, Values: []float32{1, 2}}, true},
		{"nil", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.name, Dimensions{Width: 6}, tt.payload)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAttributesAndCounts(t *testing.T) {
	d := sparseFixture(t, false)
	if !d.IsSparse() || !d.IsBoolean() {
		t.Errorf("attributes = %s, want Sparse|Boolean", d.Attributes())
	}
	if d.Examples() != 3 {
		t.Errorf("Examples() = %d, want 3", d.Examples())
	}
	if d.MaxSparseDatapoints() != 3 {
		t.Errorf("MaxSparseDatapoints() = %d, want 3", d.MaxSparseDatapoints())
	}
	if !approx(d.SparseDensity(), 6.0/18.0) {
		t.Errorf("SparseDensity() = %v, want %v", d.SparseDensity(), 6.0/18.0)
	}

	a := sparseFixture(t, true)
	if a.IsBoolean() {
		t.Error("analog data set marked Boolean")
	}
	a.SetAttributes(AttributeSparseIgnoreZero | AttributeBoolean)
	if a.IsBoolean() || a.Attributes()&AttributeSparseIgnoreZero == 0 {
		t.Errorf("SetAttributes gave %s", a.Attributes())
	}
}

func TestShardRange(t *testing.T) {
	var covered uint32
	for r := 0; r < 3; r++ {
		lo, hi := ShardRange(10, r, 3)
		if lo != covered {
			t.Errorf("rank %d starts at %d, want %d", r, lo, covered)
		}
		covered = hi
	}
	if covered != 10 {
		t.Errorf("ranges end at %d, want 10", covered)
	}
}

func TestLoadInputUnit(t *testing.T) {
	data := []float32{
		0, 1, 2, 3,
		10, 11, 12, 13,
		20, 21, 22, 23,
	}
	d, err := New("dense", Dimensions{Width: 4}, Dense[float32]{Data: data})
	if err != nil {
		t.Fatal(err)
	}

	t.Run("full", func(t *testing.T) {
		unit := make([]float32, 8)
		if err := d.LoadInputUnit(1, 2, 4, unit); err != nil {
			t.Fatal(err)
		}
		equalSlices(t, unit, data[4:12])
	})

	t.Run("past_end_rows_zero", func(t *testing.T) {
		unit := []float32{9, 9, 9, 9, 9, 9, 9, 9}
		if err := d.LoadInputUnit(2, 2, 4, unit); err != nil {
			t.Fatal(err)
		}
		equalSlices(t, unit, []float32{20, 21, 22, 23, 0, 0, 0, 0})
	})

	t.Run("model_window", func(t *testing.T) {
		if err := d.Shard(ShardModel, 1, 2); err != nil {
			t.Fatal(err)
		}
		defer d.UnShard()
		unit := make([]float32, 4)
		if err := d.LoadInputUnit(0, 2, 2, unit); err != nil {
			t.Fatal(err)
		}
		equalSlices(t, unit, []float32{2, 3, 12, 13})
		if err := d.LoadInputUnit(0, 2, 4, make([]float32, 8)); err == nil {
			t.Error("expected stride mismatch error")
		}
	})

	t.Run("data_offset", func(t *testing.T) {
		if err := d.Shard(ShardData, 1, 2); err != nil {
			t.Fatal(err)
		}
		defer d.UnShard()
		unit := make([]float32, 4)
		if err := d.LoadInputUnit(0, 1, 4, unit); err != nil {
			t.Fatal(err)
		}
		equalSlices(t, unit, data[4:8])
	})

	t.Run("uint8_scaled", func(t *testing.T) {
		b, err := New("bytes", Dimensions{Width: 2}, Dense[uint8]{Data: []uint8{0, 255}})
		if err != nil {
			t.Fatal(err)
		}
		unit := make([]float32, 2)
		if err := b.LoadInputUnit(0, 1, 2, unit); err != nil {
			t.Fatal(err)
		}
		equalSlices(t, unit, []float32{0, 1})
	})
}

func TestShuffle(t *testing.T) {
	data := make([]float32, 8)
	for i := range data {
		data[i] = float32(i)
	}
	d, err := New("dense", Dimensions{Width: 1}, Dense[float32]{Data: data})
	if err != nil {
		t.Fatal(err)
	}
	d.Shuffle(rand.New(rand.NewPCG(1, 2)))
	unit := make([]float32, 8)
	if err := d.LoadInputUnit(0, 8, 1, unit); err != nil {
		t.Fatal(err)
	}
	seen := make(map[float32]bool)
	for _, v := range unit {
		seen[v] = true
	}
	if len(seen) != 8 {
		t.Errorf("shuffled batch has %d distinct examples, want 8", len(seen))
	}
	d.ClearShuffle()
	if err := d.LoadInputUnit(0, 8, 1, unit); err != nil {
		t.Fatal(err)
	}
	equalSlices(t, unit, data)
}

func TestLoadSparseInputUnit(t *testing.T) {
	tests := []struct {
		name   string
		analog bool
		shard  bool
		want   []float32
	}{
		{"boolean", false, false, []float32{
			1, 0, 0, 0, 1, 0,
			0, 1, 0, 0, 0, 0,
			0, 0, 1, 1, 0, 1,
		}},
		{"analog", true, false, []float32{
			0.5, 0, 0, 0, 2, 0,
			0, 3, 0, 0, 0, 0,
			0, 0, 1, 4, 0, 6,
		}},
		// rank 1 of 2 owns columns [3, 6)
		{"analog_window", true, true, []float32{
			0, 2, 0,
			0, 0, 0,
			4, 0, 6,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := sparseFixture(t, tt.analog)
			if tt.shard {
				if err := d.Shard(ShardModel, 1, 2); err != nil {
					t.Fatal(err)
				}
			}
			unit := make([]float32, len(tt.want))
			if err := d.LoadSparseInputUnit(0, 3, d.LocalStride(), unit); err != nil {
				t.Fatal(err)
			}
			equalSlices(t, unit, tt.want)
		})
	}

	dense, _ := New("dense", Dimensions{Width: 2}, Dense[float32]{Data: []float32{1, 2}})
	if err := dense.LoadSparseInputUnit(0, 1, 2, make([]float32, 2)); err == nil {
		t.Error("expected error loading sparse unit from dense data")
	}
}

func TestCalculateSparseZMatchesDense(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	const outStride = 5
	for _, shard := range []bool{false, true} {
		for _, beta := range []float32{0, 1} {
			d := sparseFixture(t, true)
			if shard {
				if err := d.Shard(ShardModel, 0, 2); err != nil {
					t.Fatal(err)
				}
			}
			k := int(d.LocalStride())
			w := make([]float32, k*outStride)
			for i := range w {
				w[i] = rng.Float32()*2 - 1
			}
			init := make([]float32, 3*outStride)
			for i := range init {
				init[i] = rng.Float32()
			}

			got := append([]float32(nil), init...)
			if err := d.CalculateSparseZ(0, 3, outStride, w, got, beta); err != nil {
				t.Fatal(err)
			}
			want := append([]float32(nil), init...)
			x := expand(d, 0, 3)
			if err := kernels.Sgemm(false, false, 3, outStride, k, 1, x, k, w, outStride, beta, want, outStride); err != nil {
				t.Fatal(err)
			}
			equalSlices(t, got, want)
		}
	}
}

func TestSparseTransposedWeightGradientMatchesDense(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 6))
	const n = 4
	d := sparseFixture(t, true)
	if err := d.CalculateSparseTransposedMatrix(0, 3); err != nil {
		t.Fatal(err)
	}
	m := int(d.LocalStride())
	delta := make([]float32, 3*n)
	for i := range delta {
		delta[i] = rng.Float32()*2 - 1
	}
	init := make([]float32, m*n)
	for i := range init {
		init[i] = rng.Float32()
	}

	const alpha = -0.5
	got := append([]float32(nil), init...)
	if err := d.CalculateSparseTransposedWeightGradient(alpha, 1, uint32(m), n, delta, got); err != nil {
		t.Fatal(err)
	}
	want := append([]float32(nil), init...)
	x := expand(d, 0, 3)
	if err := kernels.Sgemm(true, false, m, n, 3, alpha, x, m, delta, n, 1, want, n); err != nil {
		t.Fatal(err)
	}
	equalSlices(t, got, want)

	if err := d.CalculateSparseTransposedWeightGradient(alpha, 1, uint32(m+1), n, delta, make([]float32, (m+1)*n)); err == nil {
		t.Error("expected row count mismatch error")
	}
}

func TestDenoising(t *testing.T) {
	d := sparseFixture(t, false)
	rng := rand.New(rand.NewPCG(7, 8))

	if err := d.LoadSparseDenoisedInputUnit(0, 3, 6, make([]float32, 18)); err == nil {
		t.Error("expected error before denoising data exists")
	}
	d.SetDenoising(true)
	if err := d.GenerateDenoisingData(rng, 0.5); err != nil {
		t.Fatal(err)
	}
	unit := make([]float32, 18)
	if err := d.LoadSparseDenoisedInputUnit(0, 3, 6, unit); err != nil {
		t.Fatal(err)
	}
	plain := expand(d, 0, 3)
	for i := range unit {
		switch {
		case plain[i] == 0 && unit[i] != 0:
			t.Errorf("unit[%d] = %v where input is zero", i, unit[i])
		case plain[i] != 0 && unit[i] != 0 && !approx(unit[i], 2):
			t.Errorf("surviving unit[%d] = %v, want 2", i, unit[i])
		}
	}

	// the denoised Z and the denoised transposed matrix see the same input
	w := make([]float32, 6*2)
	for i := range w {
		w[i] = float32(i + 1)
	}
	z := make([]float32, 3*2)
	if err := d.CalculateSparseDenoisedZ(0, 3, 2, w, z, 0); err != nil {
		t.Fatal(err)
	}
	want := make([]float32, 3*2)
	if err := kernels.Sgemm(false, false, 3, 2, 6, 1, unit, 6, w, 2, 0, want, 2); err != nil {
		t.Fatal(err)
	}
	equalSlices(t, z, want)

	if err := d.GenerateDenoisingData(rng, 1); err == nil {
		t.Error("expected error for p = 1")
	}
	d.SetDenoising(false)
	if err := d.CalculateSparseTransposedDenoisedMatrix(0, 3); err == nil {
		t.Error("expected error with denoising off")
	}
}

func TestCostMatchesDenseKernels(t *testing.T) {
	m := kernels.DefaultMargins()
	m.DeltaBoostOne = 2
	d := sparseFixture(t, false)
	unit := make([]float32, 18)
	for i := range unit {
		unit[i] = 0.05 + 0.05*float32(i%6)
	}
	target := expand(d, 0, 3)

	errTests := []struct {
		name string
		got  func() (float32, error)
		want float32
	}{
		{"L1", func() (float32, error) { return d.CalculateL1Error(0, 3, 6, unit) }, kernels.L1Error(unit, target, 3, 6)},
		{"L2", func() (float32, error) { return d.CalculateL2Error(0, 3, 6, unit) }, kernels.L2Error(unit, target, 3, 6)},
		{"CE", func() (float32, error) { return d.CalculateCrossEntropyError(0, 3, 6, unit) }, kernels.CrossEntropyError(unit, target, 3, 6)},
		{"SMCE", func() (float32, error) { return d.CalculateScaledMarginalCrossEntropyError(0, 3, 6, unit, m) },
			kernels.ScaledMarginalCrossEntropyError(unit, target, 3, 6, m)},
	}
	for _, tt := range errTests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.got()
			if err != nil {
				t.Fatal(err)
			}
			if !approx(got, tt.want) {
				t.Errorf("error = %v, want %v", got, tt.want)
			}
		})
	}

	t.Run("multinomial_target", func(t *testing.T) {
		// ex2 has three datapoints so each target is 1/3
		multi := []float32{
			0.5, 0, 0, 0, 0.5, 0,
			0, 1, 0, 0, 0, 0,
			0, 0, 1.0 / 3, 1.0 / 3, 0, 1.0 / 3,
		}
		got, err := d.CalculateMultinomialCrossEntropyError(0, 3, 6, unit)
		if err != nil {
			t.Fatal(err)
		}
		if want := kernels.MultinomialCrossEntropyError(unit, multi, 3, 6); !approx(got, want) {
			t.Errorf("error = %v, want %v", got, want)
		}
	})

	t.Run("L2_delta_boosted", func(t *testing.T) {
		delta := make([]float32, 18)
		if err := d.CalculateL2OutputDelta(layers.Linear, 0, 3, 6, unit, delta, m); err != nil {
			t.Fatal(err)
		}
		want := make([]float32, 18)
		if err := kernels.L2OutputDelta(layers.Linear, unit, want, target, 3, 6, m); err != nil {
			t.Fatal(err)
		}
		equalSlices(t, delta, want)
	})

	t.Run("dense_targets_not_boosted", func(t *testing.T) {
		dense, err := New("dense", Dimensions{Width: 6}, Dense[float32]{Data: target})
		if err != nil {
			t.Fatal(err)
		}
		delta := make([]float32, 18)
		if err := dense.CalculateL2OutputDelta(layers.Linear, 0, 3, 6, unit, delta, m); err != nil {
			t.Fatal(err)
		}
		for i := range delta {
			if want := unit[i] - target[i]; !approx(delta[i], want) {
				t.Errorf("delta[%d] = %v, want %v", i, delta[i], want)
			}
		}
	})

	t.Run("rows_past_end", func(t *testing.T) {
		delta := make([]float32, 18)
		for i := range delta {
			delta[i] = 7
		}
		if err := d.CalculateL1OutputDelta(layers.Linear, 2, 3, 6, unit, delta); err != nil {
			t.Fatal(err)
		}
		for i := 6; i < 18; i++ {
			if delta[i] != 0 {
				t.Fatalf("delta[%d] = %v past the last example, want 0", i, delta[i])
			}
		}
	})
}

func TestSparseIgnoreZero(t *testing.T) {
	d := sparseFixture(t, true)
	d.SetAttributes(AttributeSparseIgnoreZero)
	unit := make([]float32, 18)
	for i := range unit {
		unit[i] = 1
	}
	// only the six datapoints count: |1-0.5| + |1-2| + |1-3| + |1-1| + |1-4| + |1-6|
	got, err := d.CalculateL1Error(0, 3, 6, unit)
	if err != nil {
		t.Fatal(err)
	}
	if !approx(got, 11.5) {
		t.Errorf("L1 error = %v, want 11.5", got)
	}

	delta := make([]float32, 18)
	if err := d.CalculateL1OutputDelta(layers.Linear, 0, 3, 6, unit, delta); err != nil {
		t.Fatal(err)
	}
	target := expand(d, 0, 3)
	for i := range delta {
		if target[i] == 0 && delta[i] != 0 {
			t.Errorf("delta[%d] = %v at an absent datapoint", i, delta[i])
		}
	}
}

func TestMemoryUsage(t *testing.T) {
	d := sparseFixture(t, true)
	_, gpu := d.MemoryUsage()
	// 3 starts + 3 ends (8 bytes), 6 indices + 6 values (4 bytes)
	if gpu != 96 {
		t.Errorf("gpu bytes = %d, want 96", gpu)
	}
	d.Shuffle(rand.New(rand.NewPCG(1, 1)))
	if cpu, _ := d.MemoryUsage(); cpu != 12 {
		t.Errorf("cpu bytes = %d, want 12", cpu)
	}
}
