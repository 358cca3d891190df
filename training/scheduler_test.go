package training

import (
	"math"
	"testing"
)

func near(a, b, tol float32) bool {
	return math.Abs(float64(a-b)) <= float64(tol)
}

func TestStepLRScheduler(t *testing.T) {
	scheduler := NewStepLRScheduler(2, 0.5)
	baseLR := float32(0.1)

	tests := []struct {
		epoch      int
		expectedLR float32
	}{
		{0, 0.1},
		{1, 0.1},
		{2, 0.05},
		{3, 0.05},
		{4, 0.025},
		{6, 0.0125},
	}

	for _, tt := range tests {
		lr := scheduler.Rate(tt.epoch, baseLR)
		if !near(lr, tt.expectedLR, 1e-7) {
			t.Errorf("Epoch %d: expected LR %f, got %f", tt.epoch, tt.expectedLR, lr)
		}
	}
}

func TestExponentialLRScheduler(t *testing.T) {
	scheduler := NewExponentialLRScheduler(0.9)
	baseLR := float32(0.1)

	tests := []struct {
		epoch      int
		expectedLR float32
	}{
		{0, 0.1},
		{1, 0.09},
		{2, 0.081},
		{3, 0.0729},
		{5, 0.059049},
	}

	for _, tt := range tests {
		lr := scheduler.Rate(tt.epoch, baseLR)
		if !near(lr, tt.expectedLR, 1e-6) {
			t.Errorf("Epoch %d: expected LR %f, got %f", tt.epoch, tt.expectedLR, lr)
		}
	}
}

func TestCosineAnnealingLRScheduler(t *testing.T) {
	scheduler := NewCosineAnnealingLRScheduler(5, 0.0001)
	baseLR := float32(0.01)

	tests := []struct {
		epoch      int
		expectedLR float32
	}{
		{0, 0.01},
		{2, 0.0065796},
		{5, 0.0001},
		{10, 0.0001},
	}

	for _, tt := range tests {
		lr := scheduler.Rate(tt.epoch, baseLR)
		if !near(lr, tt.expectedLR, 1e-6) {
			t.Errorf("Epoch %d: expected LR %f, got %f", tt.epoch, tt.expectedLR, lr)
		}
	}
}

func TestReduceLROnPlateauScheduler(t *testing.T) {
	scheduler := NewReduceLROnPlateauScheduler(0.5, 2, 0.01)
	base := float32(0.1)

	steps := []struct {
		metric float32
		want   float32
	}{
		{1.0, 0.1},   // first observation sets the best
		{0.98, 0.1},  // improvement
		{0.99, 0.1},  // one bad epoch
		{0.99, 0.05}, // patience exhausted
		{0.99, 0.05},
		{0.99, 0.025},
	}
	for i, s := range steps {
		scheduler.Observe(s.metric)
		if lr := scheduler.Rate(i, base); !near(lr, s.want, 1e-7) {
			t.Errorf("Step %d: expected LR %f, got %f", i, s.want, lr)
		}
	}
}

func TestSchedulerNames(t *testing.T) {
	tests := []struct {
		scheduler LRScheduler
		expected  string
	}{
		{NewStepLRScheduler(10, 0.1), "StepLR"},
		{NewExponentialLRScheduler(0.95), "ExponentialLR"},
		{NewCosineAnnealingLRScheduler(100, 0.0), "CosineAnnealingLR"},
		{NewReduceLROnPlateauScheduler(0.1, 10, 0.001), "ReduceLROnPlateau"},
		{NoOpScheduler{}, "ConstantLR"},
	}

	for _, tt := range tests {
		if name := tt.scheduler.Name(); name != tt.expected {
			t.Errorf("Expected name %s, got %s", tt.expected, name)
		}
	}
}

func TestSchedulerDefaults(t *testing.T) {
	if s := NewStepLRScheduler(0, 2); s.StepSize != 20 || s.Gamma != 0.8 {
		t.Errorf("StepLR defaults: got %d, %f", s.StepSize, s.Gamma)
	}
	if s := NewExponentialLRScheduler(-1); s.Gamma != 0.95 {
		t.Errorf("ExponentialLR default gamma: got %f", s.Gamma)
	}
	if s := NewCosineAnnealingLRScheduler(-5, -1); s.TMax != 100 || s.EtaMin != 0 {
		t.Errorf("CosineAnnealing defaults: got %d, %f", s.TMax, s.EtaMin)
	}
}
