package ivim

import "math"

// Signal evaluates the normalized biexponential signal at b
func Signal(b float64, p Params) float64 {
	return (1-p.F)*math.Exp(-b*p.D) + p.F*math.Exp(-b*(p.D+p.DStar))
}

// monoSignal is the high-b approximation (1-f)·exp(-b·D)
func monoSignal(b, f, d float64) float64 {
	return (1 - f) * math.Exp(-b*d)
}

// signalJacobian writes dS/d(f, D, D*) at b into dst
func signalJacobian(dst []float64, b float64, p Params) {
	slow := math.Exp(-b * p.D)
	fast := math.Exp(-b * (p.D + p.DStar))
	dst[0] = fast - slow
	dst[1] = -b*(1-p.F)*slow - b*p.F*fast
	dst[2] = -b * p.F * fast
}

// residualNorm returns the Euclidean norm of meas - S(b; p)
func residualNorm(meas, bvals []float64, p Params) float64 {
	sum := 0.0
	for i, m := range meas {
		d := m - Signal(bvals[i], p)
		sum += d * d
	}
	return math.Sqrt(sum)
}

// Clamp limits v to [lo, hi]
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
