package kernels

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/tsawler/go-dsstne/layers"
)

func approx(a, b, tol float32) bool {
	return math.Abs(float64(a-b)) <= float64(tol)
}

func randSlice(rng *rand.Rand, n int) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = rng.Float32()*2 - 1
	}
	return s
}

func dot(a, b []float32) float32 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return float32(s)
}

func TestSgemm(t *testing.T) {
	// A is 2x3, B is 3x2
	a := []float32{1, 2, 3, 4, 5, 6}
	b := []float32{7, 8, 9, 10, 11, 12}
	bt := []float32{7, 9, 11, 8, 10, 12}

	tests := []struct {
		name   string
		transB bool
		b      []float32
		ldb    int
		beta   float32
		c      []float32
		want   []float32
	}{
		{"plain", false, b, 2, 0, make([]float32, 4), []float32{58, 64, 139, 154}},
		{"transposed_b", true, bt, 3, 0, make([]float32, 4), []float32{58, 64, 139, 154}},
		{"accumulate", false, b, 2, 1, []float32{1, 1, 1, 1}, []float32{59, 65, 140, 155}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := Sgemm(false, tt.transB, 2, 2, 3, 1, a, 3, tt.b, tt.ldb, tt.beta, tt.c, 2); err != nil {
				t.Fatalf("Sgemm failed: %v", err)
			}
			for i := range tt.want {
				if tt.c[i] != tt.want[i] {
					t.Errorf("c[%d] = %v, want %v", i, tt.c[i], tt.want[i])
				}
			}
		})
	}

	t.Run("empty_inner_dimension_scales", func(t *testing.T) {
		c := []float32{2, 4}
		if err := Sgemm(false, false, 1, 2, 0, 1, nil, 1, nil, 2, 0.5, c, 2); err != nil {
			t.Fatalf("Sgemm failed: %v", err)
		}
		if c[0] != 1 || c[1] != 2 {
			t.Errorf("c = %v, want [1 2]", c)
		}
	})

	t.Run("bad_leading_dimension", func(t *testing.T) {
		c := make([]float32, 4)
		if err := Sgemm(false, false, 2, 2, 3, 1, a, 1, b, 2, 0, c, 2); err == nil {
			t.Errorf("expected an error for lda < k")
		}
	})
}

func TestActivate(t *testing.T) {
	tests := []struct {
		name string
		act  layers.Activation
		in   []float32
		want []float32
	}{
		{"sigmoid", layers.Sigmoid, []float32{0}, []float32{0.5}},
		{"tanh", layers.Tanh, []float32{0, 1}, []float32{0, 0.7615942}},
		{"relu", layers.RectifiedLinear, []float32{-1, 2}, []float32{0, 2}},
		{"leaky", layers.ParametricRectifiedLinear, []float32{-1, 2}, []float32{-0.01, 2}},
		{"elu", layers.ExponentialLinear, []float32{-1, 2}, []float32{-0.6321206, 2}},
		{"softsign", layers.SoftSign, []float32{1, -3}, []float32{0.5, -0.75}},
		{"softplus", layers.SoftPlus, []float32{0}, []float32{0.6931472}},
		{"linear", layers.Linear, []float32{-5, 5}, []float32{-5, 5}},
		{"softmax", layers.SoftMax, []float32{1, 1}, []float32{0.5, 0.5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := append([]float32(nil), tt.in...)
			if err := Activate(tt.act, u, 1, len(u)); err != nil {
				t.Fatalf("Activate failed: %v", err)
			}
			for i := range tt.want {
				if !approx(u[i], tt.want[i], 1e-6) {
					t.Errorf("u[%d] = %v, want %v", i, u[i], tt.want[i])
				}
			}
		})
	}

	t.Run("softmax_rows_sum_to_one", func(t *testing.T) {
		u := []float32{1, 2, 3, 100, 101, 102}
		if err := Activate(layers.SoftMax, u, 2, 3); err != nil {
			t.Fatalf("Activate failed: %v", err)
		}
		for r := 0; r < 2; r++ {
			s := u[r*3] + u[r*3+1] + u[r*3+2]
			if !approx(s, 1, 1e-6) {
				t.Errorf("row %d sums to %v", r, s)
			}
		}
	})

	for _, act := range []layers.Activation{layers.ReluMax, layers.LinearMax} {
		t.Run("unsupported_"+act.String(), func(t *testing.T) {
			err := Activate(act, []float32{1}, 1, 1)
			if !errors.Is(err, ErrUnsupportedActivation) {
				t.Errorf("err = %v, want ErrUnsupportedActivation", err)
			}
		})
	}
}

func TestDerivativeMatchesFiniteDifference(t *testing.T) {
	acts := []layers.Activation{
		layers.Sigmoid, layers.Tanh, layers.SoftPlus, layers.SoftSign, layers.ExponentialLinear,
	}
	const h = 1e-3
	for _, act := range acts {
		t.Run(act.String(), func(t *testing.T) {
			for _, x := range []float32{-1.5, -0.3, 0.4, 1.2} {
				v := []float32{x - h, x, x + h}
				if err := Activate(act, v, 1, 3); err != nil {
					t.Fatalf("Activate failed: %v", err)
				}
				numeric := (v[2] - v[0]) / (2 * h)
				got, err := Derivative(act, v[1])
				if err != nil {
					t.Fatalf("Derivative failed: %v", err)
				}
				if !approx(got, numeric, 2e-3) {
					t.Errorf("f'(%v) = %v, finite difference %v", x, got, numeric)
				}
			}
		})
	}
}

func TestDropoutAndHadamard(t *testing.T) {
	unit := []float32{0.5, 0.5, 0.5, 0.5}
	random := []float32{0.1, 0.9, 0.2, 0.7}
	Dropout(unit, random, 0.5)
	want := []float32{0, 1, 0, 1}
	for i := range want {
		if unit[i] != want[i] {
			t.Fatalf("unit after dropout = %v, want %v", unit, want)
		}
	}

	delta := []float32{1, 1, 1, 1}
	if err := HadamardProduct(layers.Sigmoid, unit, delta, random, 0.5); err != nil {
		t.Fatalf("HadamardProduct failed: %v", err)
	}
	// survivors use the unscaled 0.5: 0.25 * scale 2
	wantDelta := []float32{0, 0.5, 0, 0.5}
	for i := range wantDelta {
		if !approx(delta[i], wantDelta[i], 1e-6) {
			t.Errorf("delta = %v, want %v", delta, wantDelta)
			break
		}
	}

	t.Run("no_dropout", func(t *testing.T) {
		d := []float32{2}
		if err := HadamardProduct(layers.Tanh, []float32{0.5}, d, nil, 0); err != nil {
			t.Fatalf("HadamardProduct failed: %v", err)
		}
		if !approx(d[0], 1.5, 1e-6) {
			t.Errorf("delta = %v, want 1.5", d[0])
		}
	})
}

func TestSparsenessPenalty(t *testing.T) {
	unit := []float32{0.2, 0.2}
	delta := []float32{0, 0}
	SparsenessPenalty(2, 1, unit, delta, 0.2, 1)
	for i, d := range delta {
		if !approx(d, 0, 1e-5) {
			t.Errorf("delta[%d] = %v, want 0 at the target activation", i, d)
		}
	}

	SparsenessPenalty(2, 1, []float32{0.5, 0.5}, delta, 0.2, 1)
	if delta[0] <= 0 {
		t.Errorf("penalty should push over-active units down, got %v", delta[0])
	}
}

func TestElementwise(t *testing.T) {
	unit := make([]float32, 4)
	ClearUnit(unit, 2, 2, []float32{1, 2}, []float32{10, 20})
	if unit[0] != 11 || unit[3] != 22 {
		t.Errorf("ClearUnit = %v", unit)
	}
	ClearUnit(unit, 2, 2)
	if unit[0] != 0 || unit[3] != 0 {
		t.Errorf("ClearUnit without biases = %v", unit)
	}
	AddBias(unit, 2, 2, []float32{1, 2})
	if unit[2] != 1 || unit[3] != 2 {
		t.Errorf("AddBias = %v", unit)
	}

	dst := make([]float32, 6)
	src := []float32{1, 2, 3, 4}
	Copy2D(dst, 3, src, 2, 2, 2)
	AddBuffers2D(dst, 3, src, 2, 2, 2)
	want := []float32{2, 4, 0, 6, 8, 0}
	for i := range want {
		if dst[i] != want[i] {
			t.Fatalf("2D copy/add = %v, want %v", dst, want)
		}
	}

	grad := make([]float32, 2)
	BiasGradient([]float32{1, 2, 3, 4}, 2, 2, grad)
	if grad[0] != -2 || grad[1] != -3 {
		t.Errorf("BiasGradient = %v, want [-2 -3]", grad)
	}
}

func TestNormalize(t *testing.T) {
	// columns have norms 5 and 0.5
	w := []float32{3, 0.3, 4, 0.4}
	NormalizeWeights(1, w, 2, 2)
	if !approx(w[0], 0.6, 1e-6) || !approx(w[2], 0.8, 1e-6) {
		t.Errorf("clipped column = %v", w)
	}
	if w[1] != 0.3 || w[3] != 0.4 {
		t.Errorf("column inside the ball was changed: %v", w)
	}

	d := []float32{3, 4, 0.1, 0.1}
	NormalizeDeltas(2, d, 2, 2)
	if !approx(d[0], 1.2, 1e-6) || !approx(d[1], 1.6, 1e-6) || d[2] != 0.1 {
		t.Errorf("NormalizeDeltas = %v", d)
	}

	if got := RegularizationError(2, []float32{1, 2}); !approx(got, 5, 1e-6) {
		t.Errorf("RegularizationError = %v, want 5", got)
	}
}

func TestConvShapeValidate(t *testing.T) {
	s := ConvShape{Spatial: 2, In: [3]int{5, 5}, Out: [3]int{3, 3}, Kernel: [3]int{3, 3},
		Stride: [3]int{1, 1}, InChannels: 1, OutChannels: 1}
	if err := s.Validate(); err != nil {
		t.Errorf("valid shape rejected: %v", err)
	}
	s.Out[0] = 4
	if err := s.Validate(); err == nil {
		t.Errorf("mismatched output extent accepted")
	}
}

func TestConvForward(t *testing.T) {
	s := &ConvShape{Spatial: 2, In: [3]int{3, 3}, Out: [3]int{3, 3}, Kernel: [3]int{3, 3},
		Stride: [3]int{1, 1}, Padding: [3]int{1, 1}, InChannels: 1, OutChannels: 1}
	x := []float32{1, 2, 3, 4, 5, 6, 7, 8, 9}
	w := make([]float32, 9)
	w[4] = 2 // centre tap
	y := make([]float32, 9)
	ConvForward(s, x, w, y, 1, 0)
	for i := range x {
		if y[i] != 2*x[i] {
			t.Fatalf("centre-tap convolution = %v", y)
		}
	}

	AddConvBias(s, y, []float32{1}, 1)
	if y[0] != 3 {
		t.Errorf("AddConvBias: y[0] = %v, want 3", y[0])
	}

	// box filter sums the padded neighbourhood
	for i := range w {
		w[i] = 1
	}
	ConvForward(s, x, w, y, 1, 0)
	if y[4] != 45 || y[0] != 12 {
		t.Errorf("box filter: centre %v corner %v, want 45 and 12", y[4], y[0])
	}
}

// The backward passes are adjoints of the forward pass:
// <conv(x, w), dy> = <x, dconv_x(dy)> = <w, dconv_w(dy)>.
func TestConvAdjoint(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	shapes := []ConvShape{
		{Spatial: 1, In: [3]int{7}, Out: [3]int{4}, Kernel: [3]int{3}, Stride: [3]int{2}, Padding: [3]int{1},
			InChannels: 2, OutChannels: 3},
		{Spatial: 2, In: [3]int{5, 4}, Out: [3]int{5, 4}, Kernel: [3]int{3, 3}, Stride: [3]int{1, 1},
			Padding: [3]int{1, 1}, InChannels: 3, OutChannels: 2},
		{Spatial: 3, In: [3]int{3, 3, 3}, Out: [3]int{2, 2, 2}, Kernel: [3]int{2, 2, 2}, Stride: [3]int{1, 1, 1},
			InChannels: 1, OutChannels: 2},
	}
	const batch = 2
	for i := range shapes {
		s := &shapes[i]
		if err := s.Validate(); err != nil {
			t.Fatalf("shape %d invalid: %v", i, err)
		}
		inSize := batch * s.InChannels * s.InVolume()
		outSize := batch * s.OutChannels * s.OutVolume()
		x := randSlice(rng, inSize)
		w := randSlice(rng, s.FilterSize())
		dy := randSlice(rng, outSize)

		y := make([]float32, outSize)
		ConvForward(s, x, w, y, batch, 0)
		lhs := dot(y, dy)

		dx := make([]float32, inSize)
		ConvBackwardData(s, w, dy, dx, batch, 0)
		if got := dot(x, dx); !approx(got, lhs, 1e-3) {
			t.Errorf("shape %d: <x, dx> = %v, want %v", i, got, lhs)
		}

		dw := make([]float32, s.FilterSize())
		ConvBackwardFilter(s, x, dy, dw, batch, 1, 0)
		if got := dot(w, dw); !approx(got, lhs, 1e-3) {
			t.Errorf("shape %d: <w, dw> = %v, want %v", i, got, lhs)
		}

		db := make([]float32, s.OutChannels)
		ConvBackwardBias(s, dy, db, batch, -0.5, 0)
		var total float32
		for _, g := range dy {
			total += g
		}
		var sum float32
		for _, g := range db {
			sum += g
		}
		if !approx(sum, -0.5*total, 1e-4) {
			t.Errorf("shape %d: bias gradient sums to %v, want %v", i, sum, -0.5*total)
		}
	}
}

func TestPooling(t *testing.T) {
	s := &ConvShape{Spatial: 2, In: [3]int{4, 4}, Out: [3]int{2, 2}, Kernel: [3]int{2, 2},
		Stride: [3]int{2, 2}, InChannels: 1, OutChannels: 1}
	x := []float32{
		1, 2, 5, 6,
		3, 4, 7, 8,
		9, 10, 13, 14,
		11, 12, 15, 16,
	}

	t.Run("max", func(t *testing.T) {
		y := make([]float32, 4)
		MaxPoolForward(s, x, y, 1, 0)
		want := []float32{4, 8, 12, 16}
		for i := range want {
			if y[i] != want[i] {
				t.Fatalf("max pool = %v, want %v", y, want)
			}
		}
		dx := make([]float32, 16)
		MaxPoolBackward(s, x, []float32{1, 2, 3, 4}, dx, 1, 0)
		if dx[5] != 1 || dx[7] != 2 || dx[13] != 3 || dx[15] != 4 || dx[0] != 0 {
			t.Errorf("max pool gradient = %v", dx)
		}
	})

	t.Run("average", func(t *testing.T) {
		y := make([]float32, 4)
		AvgPoolForward(s, x, y, 1, 0)
		want := []float32{2.5, 6.5, 10.5, 14.5}
		for i := range want {
			if y[i] != want[i] {
				t.Fatalf("avg pool = %v, want %v", y, want)
			}
		}
		dx := make([]float32, 16)
		AvgPoolBackward(s, []float32{4, 0, 0, 0}, dx, 1, 0)
		if dx[0] != 1 || dx[1] != 1 || dx[4] != 1 || dx[5] != 1 || dx[2] != 0 {
			t.Errorf("avg pool gradient = %v", dx)
		}
	})
}

func TestLRNGradient(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	l := LRN{K: 2, Alpha: 0.5, Beta: 0.75, N: 3}
	const channels, vol = 4, 2
	x := randSlice(rng, channels*vol)
	dy := randSlice(rng, channels*vol)

	y := make([]float32, len(x))
	l.Forward(x, y, 1, channels, vol, 0)
	dx := make([]float32, len(x))
	l.Backward(x, y, dy, dx, 1, channels, vol, 0)

	const h = 1e-2
	loss := func(in []float32) float32 {
		out := make([]float32, len(in))
		l.Forward(in, out, 1, channels, vol, 0)
		return dot(out, dy)
	}
	for i := range x {
		xp := append([]float32(nil), x...)
		xm := append([]float32(nil), x...)
		xp[i] += h
		xm[i] -= h
		numeric := (loss(xp) - loss(xm)) / (2 * h)
		if !approx(dx[i], numeric, 2e-3) {
			t.Errorf("dx[%d] = %v, finite difference %v", i, dx[i], numeric)
		}
	}
}

func TestMaxout(t *testing.T) {
	a := []float32{1, 5, 3}
	b := []float32{4, 2, 3}
	unit := append([]float32(nil), a...)
	Maxout(b, unit)
	if unit[0] != 4 || unit[1] != 5 || unit[2] != 3 {
		t.Fatalf("Maxout = %v", unit)
	}

	delta := []float32{10, 20, 30}
	da := make([]float32, 3)
	MaxoutDelta(unit, delta, 0, a, da)
	if da[0] != 0 || da[1] != 20 || da[2] != 30 {
		t.Errorf("delta to first source = %v", da)
	}
	db := []float32{1, 1, 1}
	MaxoutDelta(unit, delta, 1, b, db)
	if db[0] != 11 || db[1] != 1 || db[2] != 31 {
		t.Errorf("accumulated delta to second source = %v", db)
	}
}

func TestCostErrors(t *testing.T) {
	m := DefaultMargins()
	unit := []float32{0.8, 0.3}
	target := []float32{1, 0}

	tests := []struct {
		name string
		got  float32
		want float64
	}{
		{"l1", L1Error(unit, target, 1, 2), 0.5},
		{"l2", L2Error(unit, target, 1, 2), 0.5 * (0.04 + 0.09)},
		{"cross_entropy", CrossEntropyError(unit, target, 1, 2), -math.Log(0.8) - math.Log(0.7)},
		{"multinomial", MultinomialCrossEntropyError(unit, target, 1, 2), -math.Log(0.8)},
		{"smce", ScaledMarginalCrossEntropyError(unit, target, 1, 2, m), -math.Log(0.8) - math.Log(0.7)},
		{"smce_multinomial", MultinomialScaledMarginalCrossEntropyError(unit, target, 1, 2, m), -math.Log(0.8)},
		{"dsmce", DataScaledMarginalCrossEntropyError(unit, []float32{2, 0}, 1, 2, m), -2*math.Log(0.8) - math.Log(0.7)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if math.Abs(float64(tt.got)-tt.want) > 1e-5 {
				t.Errorf("error = %v, want %v", tt.got, tt.want)
			}
		})
	}

	t.Run("smce_inside_margins", func(t *testing.T) {
		got := ScaledMarginalCrossEntropyError([]float32{0.95, 0.05}, target, 1, 2, m)
		if got != 0 {
			t.Errorf("error inside margins = %v, want 0", got)
		}
	})

	t.Run("clamped_log", func(t *testing.T) {
		got := CrossEntropyError([]float32{0}, []float32{1}, 1, 1)
		if math.IsInf(float64(got), 0) || math.IsNaN(float64(got)) {
			t.Errorf("cross entropy at a=0 is not finite: %v", got)
		}
	})
}

func TestOutputDeltas(t *testing.T) {
	m := DefaultMargins()
	unit := []float32{0.8, 0.3}
	target := []float32{1, 0}
	delta := make([]float32, 2)

	tests := []struct {
		name string
		run  func() error
		want []float32
	}{
		{"l1_linear", func() error { return L1OutputDelta(layers.Linear, unit, delta, target, 1, 2) },
			[]float32{-1, 1}},
		{"l2_sigmoid", func() error { return L2OutputDelta(layers.Sigmoid, unit, delta, target, 1, 2, m) },
			[]float32{-0.2 * 0.16, 0.3 * 0.21}},
		{"cross_entropy_sigmoid", func() error { return CrossEntropyOutputDelta(layers.Sigmoid, unit, delta, target, 1, 2, m) },
			[]float32{-0.2, 0.3}},
		{"smce_sigmoid", func() error {
			return ScaledMarginalCrossEntropyOutputDelta(layers.Sigmoid, unit, delta, target, 1, 2, m)
		}, []float32{-0.2, 0.3}},
		{"dsmce_sigmoid", func() error {
			return DataScaledMarginalCrossEntropyOutputDelta(layers.Sigmoid, unit, delta, []float32{2, 0}, 1, 2, m)
		}, []float32{-0.4, 0.3}},
		{"boosted_l2", func() error {
			b := m
			b.DeltaBoostOne, b.DeltaBoostZero = 2, 0.5
			return L2OutputDelta(layers.Linear, unit, delta, target, 1, 2, b)
		}, []float32{-0.4, 0.15}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.run(); err != nil {
				t.Fatalf("delta failed: %v", err)
			}
			for i := range tt.want {
				if !approx(delta[i], tt.want[i], 1e-6) {
					t.Errorf("delta = %v, want %v", delta, tt.want)
					break
				}
			}
		})
	}

	if err := L2OutputDelta(layers.ReluMax, unit, delta, target, 1, 2, m); err == nil {
		t.Errorf("expected an error for an unsupported activation")
	}
}
