package training

import (
	"math"
	"strings"
	"testing"
	"time"
)

func TestCalculateRegressionMetrics(t *testing.T) {
	t.Run("PerfectPredictions", func(t *testing.T) {
		values := []float32{1.0, 2.0, 3.0, 4.0, 5.0}
		metrics := CalculateRegressionMetrics(values, values)

		if metrics.MAE != 0 || metrics.MSE != 0 || metrics.RMSE != 0 {
			t.Errorf("Expected zero error for perfect predictions, got %+v", metrics)
		}
		if metrics.R2 != 1.0 {
			t.Errorf("Expected R² 1.0 for perfect predictions, got %f", metrics.R2)
		}
	})

	t.Run("KnownValues", func(t *testing.T) {
		predictions := []float32{2.5, 0.0, 2.0, 8.0}
		trueValues := []float32{3.0, -0.5, 2.0, 7.0}
		metrics := CalculateRegressionMetrics(predictions, trueValues)

		// errors -0.5, 0.5, 0, 1; SS_tot = 29.1875, SS_res = 1.5
		checks := []struct {
			name      string
			got, want float64
		}{
			{"MAE", metrics.MAE, 0.5},
			{"MSE", metrics.MSE, 0.375},
			{"RMSE", metrics.RMSE, math.Sqrt(0.375)},
			{"R2", metrics.R2, 1 - 1.5/29.1875},
		}
		for _, c := range checks {
			if math.Abs(c.got-c.want) > 1e-6 {
				t.Errorf("Expected %s %f, got %f", c.name, c.want, c.got)
			}
		}
	})

	t.Run("Empty", func(t *testing.T) {
		metrics := CalculateRegressionMetrics(nil, []float32{1, 2})
		if metrics != (RegressionMetrics{}) {
			t.Errorf("Expected zero metrics without predictions, got %+v", metrics)
		}
	})

	t.Run("ConstantTarget", func(t *testing.T) {
		predictions := []float32{5.1, 4.9, 5.2, 4.8}
		trueValues := []float32{5.0, 5.0, 5.0, 5.0}
		metrics := CalculateRegressionMetrics(predictions, trueValues)
		if math.IsNaN(metrics.R2) || math.IsInf(metrics.R2, 0) {
			t.Errorf("R² should be finite for constant targets, got %f", metrics.R2)
		}
	})
}

func TestCalculateTopK(t *testing.T) {
	// two examples of stride 5
	predictions := []float32{
		0.9, 0.1, 0.8, 0.2, 0.0,
		0.1, 0.2, 0.3, 0.4, 0.5,
	}
	targets := []float32{
		1, 0, 0, 1, 0,
		0, 0, 0, 0, 0,
	}

	tests := []struct {
		k             int
		wantPrecision float64
		wantRecall    float64
	}{
		{1, 1.0, 0.5},
		{2, 0.5, 0.5},
		{3, 2.0 / 3, 1.0},
	}
	for _, tt := range tests {
		m := CalculateTopK(predictions, targets, 5, tt.k)
		if m.Examples != 1 {
			t.Errorf("k=%d: examples without targets should be skipped, got %d examples", tt.k, m.Examples)
		}
		if math.Abs(m.Precision-tt.wantPrecision) > 1e-9 || math.Abs(m.Recall-tt.wantRecall) > 1e-9 {
			t.Errorf("k=%d: expected precision %f recall %f, got %f %f",
				tt.k, tt.wantPrecision, tt.wantRecall, m.Precision, m.Recall)
		}
	}
}

func TestHistoryBest(t *testing.T) {
	t.Run("Empty", func(t *testing.T) {
		if _, ok := History(nil).Best(); ok {
			t.Error("Expected no best epoch in an empty history")
		}
	})

	t.Run("TrainOnly", func(t *testing.T) {
		h := History{
			{Epoch: 0, TrainError: 0.9},
			{Epoch: 1, TrainError: 0.4},
			{Epoch: 2, TrainError: 0.6},
		}
		if best, _ := h.Best(); best.Epoch != 1 {
			t.Errorf("Expected epoch 1, got %d", best.Epoch)
		}
	})

	t.Run("PrefersValidation", func(t *testing.T) {
		h := History{
			{Epoch: 0, TrainError: 0.9, ValidError: 0.3, Validated: true},
			{Epoch: 1, TrainError: 0.1},
			{Epoch: 2, TrainError: 0.5, ValidError: 0.7, Validated: true},
		}
		if best, _ := h.Best(); best.Epoch != 0 {
			t.Errorf("Expected epoch 0, got %d", best.Epoch)
		}
	})
}

func TestEpochMetricsString(t *testing.T) {
	m := EpochMetrics{
		Epoch:        2,
		TrainError:   0.25,
		LearningRate: 0.01,
		Batches:      4,
		Examples:     1000,
		Duration:     2 * time.Second,
	}
	if rate := m.ExamplesPerSecond(); rate != 500 {
		t.Errorf("Expected 500 examples/s, got %f", rate)
	}
	s := m.String()
	if !strings.HasPrefix(s, "epoch 3:") || strings.Contains(s, "validation") {
		t.Errorf("Unexpected summary %q", s)
	}
	m.Validated, m.ValidError = true, 0.5
	if !strings.Contains(m.String(), "validation error 0.500000") {
		t.Errorf("Expected validation error in %q", m.String())
	}
	if (EpochMetrics{}).ExamplesPerSecond() != 0 {
		t.Error("Expected zero throughput without a duration")
	}
}
