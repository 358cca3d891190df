package optimizer

import (
	"github.com/chewxy/math32"
)

// adadeltaFloor keeps both accumulators away from zero
const adadeltaFloor float32 = 1e-9

// adadeltaUpdate is learning-rate free: the step is the gradient scaled by
// the ratio of the running update magnitude gv to the running gradient
// magnitude v
func adadeltaUpdate(p Params, w, g, v, gv []float32) {
	for i := range w {
		gd := decayed(p, g[i], w[i])
		v[i] = p.Mu*v[i] + (1-p.Mu)*gd*gd
		dw := math32.Sqrt(math32.Max(adadeltaFloor, gv[i])/math32.Max(adadeltaFloor, v[i])) * gd
		w[i] += dw
		gv[i] = p.Mu*gv[i] + (1-p.Mu)*dw*dw
	}
}
