package training

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
)

// EpochMetrics holds the results of one training epoch
type EpochMetrics struct {
	Epoch        int
	TrainError   float32 // batch error summed over the epoch, per example
	ValidError   float32 // zero when the epoch was not validated
	Validated    bool
	LearningRate float32
	Batches      int
	Examples     uint32
	Duration     time.Duration
}

// ExamplesPerSecond is the epoch's training throughput
func (m EpochMetrics) ExamplesPerSecond() float64 {
	if m.Duration <= 0 {
		return 0
	}
	return float64(m.Examples) / m.Duration.Seconds()
}

func (m EpochMetrics) String() string {
	s := fmt.Sprintf("epoch %d: error %.6f, alpha %g, %d batches in %s",
		m.Epoch+1, m.TrainError, m.LearningRate, m.Batches, m.Duration.Round(time.Millisecond))
	if m.Validated {
		s += fmt.Sprintf(", validation error %.6f", m.ValidError)
	}
	return s
}

// History is the per-epoch record of a run
type History []EpochMetrics

// TrainErrors returns the training error of every epoch
func (h History) TrainErrors() []float64 {
	out := make([]float64, len(h))
	for i, m := range h {
		out[i] = float64(m.TrainError)
	}
	return out
}

// Best returns the epoch with the lowest validation error, or the lowest
// training error when no epoch was validated
func (h History) Best() (EpochMetrics, bool) {
	if len(h) == 0 {
		return EpochMetrics{}, false
	}
	var valid []float64
	var idx []int
	for i, m := range h {
		if m.Validated {
			valid = append(valid, float64(m.ValidError))
			idx = append(idx, i)
		}
	}
	if len(valid) > 0 {
		return h[idx[floats.MinIdx(valid)]], true
	}
	return h[floats.MinIdx(h.TrainErrors())], true
}

// RegressionMetrics summarizes how far output units are from their targets
type RegressionMetrics struct {
	MAE  float64 // Mean Absolute Error
	MSE  float64 // Mean Squared Error
	RMSE float64 // Root Mean Squared Error
	R2   float64 // R-squared
}

// regressionSums are the additive terms behind RegressionMetrics. Being
// sums they can be accumulated per batch and added across ranks.
type regressionSums struct {
	n, absErr, sqErr, y, y2 float64
}

func (s *regressionSums) add(pred, target []float64) {
	s.n += float64(len(pred))
	s.absErr += floats.Distance(pred, target, 1)
	d := floats.Distance(pred, target, 2)
	s.sqErr += d * d
	s.y += floats.Sum(target)
	s.y2 += floats.Dot(target, target)
}

func (s *regressionSums) slice() []float64 {
	return []float64{s.n, s.absErr, s.sqErr, s.y, s.y2}
}

func (s *regressionSums) metrics() RegressionMetrics {
	if s.n == 0 {
		return RegressionMetrics{}
	}
	m := RegressionMetrics{
		MAE: s.absErr / s.n,
		MSE: s.sqErr / s.n,
	}
	m.RMSE = math.Sqrt(m.MSE)
	if total := s.y2 - s.y*s.y/s.n; total > 0 {
		m.R2 = 1 - s.sqErr/total
	}
	return m
}

// CalculateRegressionMetrics compares predictions with targets elementwise
func CalculateRegressionMetrics(predictions, targets []float32) RegressionMetrics {
	n := min(len(predictions), len(targets))
	var s regressionSums
	s.add(widen(predictions[:n]), widen(targets[:n]))
	return s.metrics()
}

// TopKMetrics scores ranked predictions against the non-zero targets of
// each example, the usual measure for recommendation outputs
type TopKMetrics struct {
	K         int
	Precision float64 // hits / (examples * K)
	Recall    float64 // hits / relevant targets
	Examples  int
}

type topKSums struct {
	hits, relevant, examples float64
}

// add ranks one example's predictions and counts how many of the K best
// are targets
func (s *topKSums) add(pred, target []float64, k int) {
	relevant := 0
	for _, t := range target {
		if t != 0 {
			relevant++
		}
	}
	if relevant == 0 {
		return
	}
	ranked := append([]float64(nil), pred...)
	order := make([]int, len(ranked))
	floats.Argsort(ranked, order)
	hits := 0
	for i := len(order) - 1; i >= 0 && i >= len(order)-k; i-- {
		if target[order[i]] != 0 {
			hits++
		}
	}
	s.hits += float64(hits)
	s.relevant += float64(relevant)
	s.examples++
}

func (s *topKSums) slice() []float64 {
	return []float64{s.hits, s.relevant, s.examples}
}

func (s *topKSums) metrics(k int) TopKMetrics {
	m := TopKMetrics{K: k, Examples: int(s.examples)}
	if s.examples > 0 && k > 0 {
		m.Precision = s.hits / (s.examples * float64(k))
	}
	if s.relevant > 0 {
		m.Recall = s.hits / s.relevant
	}
	return m
}

// CalculateTopK scores a [rows][stride] block of predictions
func CalculateTopK(predictions, targets []float32, stride, k int) TopKMetrics {
	var s topKSums
	for r := 0; (r+1)*stride <= min(len(predictions), len(targets)); r++ {
		s.add(widen(predictions[r*stride:(r+1)*stride]), widen(targets[r*stride:(r+1)*stride]), k)
	}
	return s.metrics(k)
}

func widen(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}
