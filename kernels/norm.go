package kernels

import (
	"github.com/chewxy/math32"
)

// WeightMagnitudes writes the squared L2 norm of each column of a
// [rows][cols] weight matrix into mag
func WeightMagnitudes(w []float32, rows, cols int, mag []float32) {
	clear(mag[:cols])
	for r := 0; r < rows; r++ {
		row := w[r*cols : (r+1)*cols]
		for c, x := range row {
			mag[c] += x * x
		}
	}
}

// NormalizeWeightMagnitudes rescales every column whose squared magnitude in
// mag exceeds norm² back onto the norm ball
func NormalizeWeightMagnitudes(norm float32, w []float32, rows, cols int, mag []float32) {
	limit := norm * norm
	for c := 0; c < cols; c++ {
		if mag[c] <= limit {
			continue
		}
		scale := norm / math32.Sqrt(mag[c])
		for r := 0; r < rows; r++ {
			w[r*cols+c] *= scale
		}
	}
}

// NormalizeWeights clips every column of a [rows][cols] matrix to L2 norm
func NormalizeWeights(norm float32, w []float32, rows, cols int) {
	mag := make([]float32, cols)
	WeightMagnitudes(w, rows, cols, mag)
	NormalizeWeightMagnitudes(norm, w, rows, cols, mag)
}

// DeltaMagnitudes writes the squared L2 norm of each row of a [rows][cols]
// delta block into mag
func DeltaMagnitudes(delta []float32, rows, cols int, mag []float32) {
	for r := 0; r < rows; r++ {
		row := delta[r*cols : (r+1)*cols]
		mag[r] = Sdot(cols, row, row)
	}
}

// NormalizeDeltaMagnitudes rescales every row whose squared magnitude exceeds
// norm²
func NormalizeDeltaMagnitudes(norm float32, delta []float32, rows, cols int, mag []float32) {
	limit := norm * norm
	for r := 0; r < rows; r++ {
		if mag[r] <= limit {
			continue
		}
		Sscal(cols, norm/math32.Sqrt(mag[r]), delta[r*cols:(r+1)*cols])
	}
}

// NormalizeDeltas clips every row of a [rows][cols] delta block to L2 norm
func NormalizeDeltas(norm float32, delta []float32, rows, cols int) {
	mag := make([]float32, rows)
	DeltaMagnitudes(delta, rows, cols, mag)
	NormalizeDeltaMagnitudes(norm, delta, rows, cols, mag)
}

// RegularizationError returns 0.5*lambda*sum(w²)
func RegularizationError(lambda float32, w []float32) float32 {
	return 0.5 * lambda * Sdot(len(w), w, w)
}
