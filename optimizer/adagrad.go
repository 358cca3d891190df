package optimizer

import (
	"github.com/chewxy/math32"
)

// adagradUpdate accumulates squared gradients in v and scales each step by
// their root
func adagradUpdate(p Params, w, g, v []float32) {
	for i := range w {
		gd := decayed(p, g[i], w[i])
		v[i] += gd * gd
		if v[i] > 0 {
			w[i] += p.Alpha * gd / math32.Sqrt(v[i])
		}
	}
}

// rmspropUpdate keeps a decaying mean of squared gradients in v
func rmspropUpdate(p Params, w, g, v []float32) {
	for i := range w {
		gd := decayed(p, g[i], w[i])
		v[i] = p.Mu*v[i] + (1-p.Mu)*gd*gd
		if v[i] > 0 {
			w[i] += p.Alpha * gd / math32.Sqrt(v[i])
		}
	}
}
