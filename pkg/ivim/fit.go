package ivim

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"dwifit/pkg/dwi"
	"dwifit/pkg/lsq"
)

// Minimum number of valid measurements per parameterization
const (
	minPointsFitAll   = 3
	minPointsTwoParam = 2
	minPointsDStar    = 2
)

// Estimate is the outcome of one IVIM fit
type Estimate struct {
	Params

	// FUnceiled is f before clamping to [0,1]
	FUnceiled float64

	// Fitted is false when there were too few valid measurements
	Fitted bool

	// HighB and HighMeas are the valid high-b points used by the two-stage methods
	HighB    []float64
	HighMeas []float64

	// FitB and FitMeas are the S0-thresholded points
	FitB    []float64
	FitMeas []float64

	// Staged is the full high-b measurement vector, invalid channels
	// included, kept by the Regularized method for refinement
	Staged dwi.Measurements
}

// FitMeasurements fits the configured method to one measurement vector.
// bvals is parallel to meas. Too few valid points leave every output at zero.
// The Regularized method returns the per-voxel initial guess and is always
// marked fitted.
func FitMeasurements(meas dwi.Measurements, bvals []float64, cfg Config) Estimate {
	est := Estimate{}
	est.FitMeas, est.FitB = meas.Select(bvals)

	var p Params
	switch cfg.Method {
	case FitAll:
		p, est.Fitted = fitAll(est.FitMeas, est.FitB, cfg)
	case DStarFix:
		p, est.Fitted = fitFixedDStar(est.FitMeas, est.FitB, cfg)
	case DThenDStar, LinearDThenF:
		est.HighMeas, est.HighB, _ = meas.SelectAbove(bvals, cfg.BThreshold)
		p, est.Fitted = fitTwoStage(est, cfg, cfg.Method == LinearDThenF, cfg.FitDStar)
	case Regularized:
		est.HighMeas, est.HighB, _ = meas.SelectAbove(bvals, cfg.BThreshold)
		est.Staged, _ = meas.Above(bvals, cfg.BThreshold)
		p, est.Fitted = initialGuess(est, cfg), true
	}
	if !est.Fitted {
		return est
	}

	est.FUnceiled = p.F
	est.Params = p
	est.F = Clamp(p.F, 0, 1)
	return est
}

// fitAll runs the three-parameter nonlinear fit
func fitAll(meas, bvals []float64, cfg Config) (Params, bool) {
	if len(meas) < minPointsFitAll {
		return Params{}, false
	}
	problem := lsq.Problem{
		M: len(meas),
		Residual: func(dst, x []float64) {
			p := Params{F: x[0], D: x[1], DStar: x[2]}
			for i, m := range meas {
				dst[i] = math.Abs(m - Signal(bvals[i], p))
			}
		},
	}
	g := cfg.InitialGuess
	x, ok := solve(problem, []float64{g.F, g.D, g.DStar}, cfg)
	if !ok {
		return Params{}, false
	}
	return Params{F: x[0], D: x[1], DStar: x[2]}, true
}

// fitFixedDStar fits f and D with D* held at cfg.FixedDStar
func fitFixedDStar(meas, bvals []float64, cfg Config) (Params, bool) {
	if len(meas) < minPointsTwoParam {
		return Params{}, false
	}
	dstar := cfg.FixedDStar
	problem := lsq.Problem{
		M: len(meas),
		Residual: func(dst, x []float64) {
			p := Params{F: x[0], D: x[1], DStar: dstar}
			for i, m := range meas {
				dst[i] = math.Abs(m - Signal(bvals[i], p))
			}
		},
	}
	g := cfg.InitialGuess
	x, ok := solve(problem, []float64{g.F, g.D}, cfg)
	if !ok {
		return Params{}, false
	}
	return Params{F: x[0], D: x[1], DStar: dstar}, true
}

// fitTwoStage estimates D and f from the high-b points, then optionally D*
// from all thresholded points.
func fitTwoStage(est Estimate, cfg Config, linear, searchDStar bool) (Params, bool) {
	switch len(est.HighMeas) {
	case 0:
		return Params{}, false
	case 1:
		if est.HighMeas[0] <= 0 {
			return Params{}, false
		}
		return singlePoint(est.HighMeas[0], est.HighB[0]), true
	}

	var f, d float64
	var ok bool
	if linear {
		f, d, ok = fitLogLinear(est.HighMeas, est.HighB)
	} else {
		f, d, ok = fitDAndF(est.HighMeas, est.HighB, cfg)
	}
	if !ok {
		return Params{}, false
	}

	p := Params{F: f, D: d}
	if searchDStar && len(est.FitMeas) >= minPointsDStar {
		p.DStar = SearchDStar(est.FitMeas, est.FitB, f, d, cfg.DStarSearch)
	}
	return p, true
}

// initialGuess produces the Regularized starting point: the nonlinear (D, f)
// fit on the valid high-b points, or the configured guess with fewer than two
// of them. D* always starts from the configured guess.
func initialGuess(est Estimate, cfg Config) Params {
	p := cfg.InitialGuess
	if len(est.HighMeas) >= minPointsTwoParam {
		if f, d, ok := fitDAndF(est.HighMeas, est.HighB, cfg); ok {
			p.F, p.D = f, d
		}
	}
	return p
}

// singlePoint solves the mono-exponential model through one point, with f = D* = 0
func singlePoint(meas, b float64) Params {
	return Params{D: -math.Log(meas) / b}
}

// fitDAndF fits (1-f)·exp(-b·D) to the high-b points
func fitDAndF(meas, bvals []float64, cfg Config) (f, d float64, ok bool) {
	problem := lsq.Problem{
		M: len(meas),
		Residual: func(dst, x []float64) {
			for i, m := range meas {
				dst[i] = math.Abs(m - monoSignal(bvals[i], x[1], x[0]))
			}
		},
	}
	g := cfg.InitialGuess
	x, ok := solve(problem, []float64{g.D, g.F}, cfg)
	if !ok {
		return 0, 0, false
	}
	return x[1], x[0], true
}

// fitLogLinear fits ln(meas) = ln(1-f) - b·D along the principal axis of the
// (b, ln meas) point cloud. Non-positive measurements are skipped.
func fitLogLinear(meas, bvals []float64) (f, d float64, ok bool) {
	var xs, ys []float64
	for i, m := range meas {
		if m > 0 {
			xs = append(xs, bvals[i])
			ys = append(ys, math.Log(m))
		}
	}
	switch len(xs) {
	case 0:
		return 0, 0, false
	case 1:
		return 0, -ys[0] / xs[0], true
	}

	data := mat.NewDense(len(xs), 2, nil)
	for i := range xs {
		data.Set(i, 0, xs[i])
		data.Set(i, 1, ys[i])
	}
	var cov mat.SymDense
	stat.CovarianceMatrix(&cov, data, nil)

	var eig mat.EigenSym
	if !eig.Factorize(&cov, true) {
		return 0, 0, false
	}
	values := eig.Values(nil)
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	// eigenvalues come back ascending, so the last column is the principal axis
	principal := len(values) - 1
	vx, vy := vecs.At(0, principal), vecs.At(1, principal)
	if vx == 0 {
		return 0, 0, false
	}
	slope := vy / vx
	intercept := stat.Mean(ys, nil) - slope*stat.Mean(xs, nil)
	return 1 - math.Exp(intercept), -slope, true
}

// SearchDStar scans the grid for the D* minimizing the residual norm with f
// and D fixed. Ties keep the lowest grid index.
func SearchDStar(meas, bvals []float64, f, d float64, grid GridSearch) float64 {
	pts := grid.Points()
	best := math.Inf(1)
	bestIdx := 0
	for i, ds := range pts {
		e := residualNorm(meas, bvals, Params{F: f, D: d, DStar: ds})
		if e < best {
			best = e
			bestIdx = i
		}
	}
	return pts[bestIdx]
}

// solve runs the Levenberg-Marquardt solver and rejects non-finite solutions
func solve(problem lsq.Problem, x0 []float64, cfg Config) ([]float64, bool) {
	res, err := lsq.LevenbergMarquardt(problem, x0, cfg.Solver)
	if err != nil {
		return nil, false
	}
	for _, v := range res.X {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, false
		}
	}
	return res.X, true
}
