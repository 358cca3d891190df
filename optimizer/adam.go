package optimizer

import (
	"github.com/chewxy/math32"
)

// adamUpdate keeps the first moment in m and the second in v, with bias
// correction for step p.Step (counted from 1). Mu is beta1.
func adamUpdate(p Params, w, g, m, v []float32) {
	step := p.Step
	if step == 0 {
		step = 1
	}
	beta1, beta2 := p.Mu, p.Beta2
	c1 := 1 - math32.Pow(beta1, float32(step))
	c2 := 1 - math32.Pow(beta2, float32(step))
	if c1 == 0 {
		c1 = 1
	}
	if c2 == 0 {
		c2 = 1
	}
	for i := range w {
		gd := decayed(p, g[i], w[i])
		m[i] = beta1*m[i] + (1-beta1)*gd
		v[i] = beta2*v[i] + (1-beta2)*gd*gd
		mHat := m[i] / c1
		vHat := v[i] / c2
		w[i] += p.Alpha * mHat / (math32.Sqrt(vHat) + p.Epsilon)
	}
}
