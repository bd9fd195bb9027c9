// Package lsq implements a Levenberg-Marquardt solver for small nonlinear
// least-squares problems, such as fitting a diffusion signal model to the
// measurements of a single voxel.
package lsq

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// ErrUnderdetermined is returned when there are fewer residuals than parameters
var ErrUnderdetermined = errors.New("fewer residuals than parameters")

// Status describes why the solver stopped
type Status int

const (
	// IterationLimit means MaxIterations was reached
	IterationLimit Status = iota
	// FunctionConvergence means the relative cost reduction fell below FunctionTolerance
	FunctionConvergence
	// StepConvergence means the parameter update fell below StepTolerance
	StepConvergence
	// ZeroCost means the residual vanished
	ZeroCost
	// Stalled means no damping value produced a decrease of the cost
	Stalled
)

func (s Status) String() string {
	switch s {
	case IterationLimit:
		return "IterationLimit"
	case FunctionConvergence:
		return "FunctionConvergence"
	case StepConvergence:
		return "StepConvergence"
	case ZeroCost:
		return "ZeroCost"
	case Stalled:
		return "Stalled"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Problem is a vector-valued residual function r(x) with M components.
// The solver minimizes the sum of squared components.
type Problem struct {
	// Residual writes r(x) into dst, which has length M
	Residual func(dst, x []float64)

	// M is the number of residual components
	M int
}

// Settings controls termination of the solver
type Settings struct {
	MaxIterations     int
	FunctionTolerance float64
	StepTolerance     float64
	InitialLambda     float64
}

// DefaultSettings returns the settings used by the diffusion fits
func DefaultSettings() *Settings {
	return &Settings{
		MaxIterations:     400,
		FunctionTolerance: 1e-12,
		StepTolerance:     1e-12,
		InitialLambda:     1e-3,
	}
}

// Result holds the solution and diagnostics
type Result struct {
	X          []float64
	Cost       float64
	Iterations int
	Status     Status
}

// maxDampingTries bounds the number of lambda increases per iteration
const maxDampingTries = 30

// LevenbergMarquardt minimizes |r(x)|^2 starting from x0.
// The Jacobian is approximated with forward differences. Damping is scaled by
// the diagonal of JᵀJ so that parameters of very different magnitude are
// treated alike.
func LevenbergMarquardt(p Problem, x0 []float64, settings *Settings) (*Result, error) {
	if settings == nil {
		settings = DefaultSettings()
	}
	n := len(x0)
	if n == 0 {
		return nil, errors.New("no parameters")
	}
	if p.M < n {
		return nil, fmt.Errorf("%w: %d residuals for %d parameters", ErrUnderdetermined, p.M, n)
	}

	x := make([]float64, n)
	copy(x, x0)
	r := make([]float64, p.M)
	p.Residual(r, x)
	cost := floats.Dot(r, r)
	if math.IsNaN(cost) || math.IsInf(cost, 0) {
		return nil, fmt.Errorf("non-finite initial cost %v", cost)
	}

	res := &Result{X: x, Cost: cost, Status: IterationLimit}
	if cost == 0 {
		res.Status = ZeroCost
		return res, nil
	}

	jac := mat.NewDense(p.M, n, nil)
	var jtj mat.Dense
	grad := mat.NewVecDense(n, nil)
	a := mat.NewDense(n, n, nil)
	var step mat.VecDense
	xNew := make([]float64, n)
	rNew := make([]float64, p.M)
	lambda := settings.InitialLambda
	nu := 2.0

	for iter := 0; iter < settings.MaxIterations; iter++ {
		res.Iterations = iter + 1

		fd.Jacobian(jac, p.Residual, x, &fd.JacobianSettings{
			Formula:     fd.Forward,
			OriginValue: r,
		})
		jtj.Mul(jac.T(), jac)
		grad.MulVec(jac.T(), mat.NewVecDense(p.M, r))

		accepted := false
		for try := 0; try < maxDampingTries; try++ {
			a.Copy(&jtj)
			for i := 0; i < n; i++ {
				d := jtj.At(i, i)
				if d == 0 {
					d = 1
				}
				a.Set(i, i, jtj.At(i, i)+lambda*d)
			}
			if err := step.SolveVec(a, grad); err != nil {
				var cond mat.Condition
				if !errors.As(err, &cond) || math.IsInf(float64(cond), 1) {
					lambda *= nu
					nu *= 2
					continue
				}
			}

			for i := 0; i < n; i++ {
				xNew[i] = x[i] - step.AtVec(i)
			}
			p.Residual(rNew, xNew)
			costNew := floats.Dot(rNew, rNew)

			if costNew < cost {
				improvement := (cost - costNew) / cost
				stepNorm := floats.Norm(step.RawVector().Data, 2)
				copy(x, xNew)
				copy(r, rNew)
				cost = costNew
				res.Cost = cost
				lambda = math.Max(lambda/3, 1e-15)
				nu = 2
				accepted = true

				switch {
				case cost == 0:
					res.Status = ZeroCost
					return res, nil
				case improvement < settings.FunctionTolerance:
					res.Status = FunctionConvergence
					return res, nil
				case stepNorm <= settings.StepTolerance*(floats.Norm(x, 2)+settings.StepTolerance):
					res.Status = StepConvergence
					return res, nil
				}
				break
			}
			lambda *= nu
			nu *= 2
			if lambda > 1e16 {
				break
			}
		}
		if !accepted {
			res.Status = Stalled
			return res, nil
		}
	}
	return res, nil
}
