// Package kernels is the numeric primitive library the layer engine runs on.
//
// Every routine works on row-major float32 slices: unit and delta buffers are
// [batch][stride], weight matrices are [rows][cols]. The package is a CPU
// reference implementation; GEMM and the level 1 routines go through gonum's
// BLAS so a faster blas32 implementation can be swapped in with blas32.Use.
package kernels

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

func transpose(t bool) blas.Transpose {
	if t {
		return blas.Trans
	}
	return blas.NoTrans
}

// Sgemm computes C = alpha*op(A)*op(B) + beta*C for row-major matrices where
// op(A) is m×k, op(B) is k×n and C is m×n. A beta of 0 overwrites C.
func Sgemm(transA, transB bool, m, n, k int, alpha float32, a []float32, lda int,
	b []float32, ldb int, beta float32, c []float32, ldc int) (err error) {
	if m == 0 || n == 0 {
		return nil
	}
	if k == 0 {
		for i := 0; i < m; i++ {
			row := c[i*ldc : i*ldc+n]
			if beta == 0 {
				clear(row)
				continue
			}
			for j := range row {
				row[j] *= beta
			}
		}
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("sgemm %dx%dx%d failed: %v", m, n, k, r)
		}
	}()
	blas32.Implementation().Sgemm(transpose(transA), transpose(transB), m, n, k,
		alpha, a, lda, b, ldb, beta, c, ldc)
	return nil
}

// Saxpy computes y += alpha*x over the first n elements
func Saxpy(n int, alpha float32, x, y []float32) {
	if n == 0 {
		return
	}
	blas32.Implementation().Saxpy(n, alpha, x, 1, y, 1)
}

// Sscal computes x *= alpha over the first n elements
func Sscal(n int, alpha float32, x []float32) {
	if n == 0 {
		return
	}
	blas32.Implementation().Sscal(n, alpha, x, 1)
}

// Sdot returns the dot product of the first n elements of x and y
func Sdot(n int, x, y []float32) float32 {
	if n == 0 {
		return 0
	}
	return blas32.Implementation().Sdot(n, x, 1, y, 1)
}

// Snrm2 returns the Euclidean norm of the first n elements of x
func Snrm2(n int, x []float32) float32 {
	if n == 0 {
		return 0
	}
	return blas32.Implementation().Snrm2(n, x, 1)
}
