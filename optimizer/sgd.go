package optimizer

// sgdUpdate: w += alpha*(g - lambda*w)
func sgdUpdate(p Params, w, g []float32) {
	for i := range w {
		w[i] += p.Alpha * decayed(p, g[i], w[i])
	}
}

// momentumUpdate: v = mu*v + alpha*(g - lambda*w); w += v
func momentumUpdate(p Params, w, g, v []float32) {
	for i := range w {
		v[i] = p.Mu*v[i] + p.Alpha*decayed(p, g[i], w[i])
		w[i] += v[i]
	}
}

// nesterovUpdate: vOld = v; v = mu*v + alpha*g'; w += -mu*vOld + (1+mu)*v
func nesterovUpdate(p Params, w, g, v []float32) {
	for i := range w {
		old := v[i]
		v[i] = p.Mu*v[i] + p.Alpha*decayed(p, g[i], w[i])
		w[i] += -p.Mu*old + (1+p.Mu)*v[i]
	}
}
