// Package ivim fits the intravoxel incoherent motion (IVIM) biexponential
// model to diffusion-weighted measurements:
//
//	S(b)/S0 = (1-f)·exp(-b·D) + f·exp(-b·(D+D*))
//
// where f is the perfusion fraction, D the diffusion coefficient and D* the
// pseudo-diffusion coefficient.
package ivim

import (
	"errors"
	"fmt"
	"strings"

	"dwifit/pkg/lsq"
)

// Method selects the fitting strategy
type Method int

const (
	// FitAll fits f, D and D* jointly
	FitAll Method = iota
	// DStarFix fits f and D with D* held at a supplied value
	DStarFix
	// DThenDStar fits D and f on the high-b channels, then searches D*
	DThenDStar
	// LinearDThenF fits D and f by a log-linear regression on the high-b channels, then searches D*
	LinearDThenF
	// Regularized computes per-voxel initial guesses refined by total-variation regularization
	Regularized
)

var methodNames = map[Method]string{
	FitAll:       "fit_all",
	DStarFix:     "dstar_fix",
	DThenDStar:   "d_then_dstar",
	LinearDThenF: "linear_d_then_f",
	Regularized:  "regularized",
}

func (m Method) String() string {
	if s, ok := methodNames[m]; ok {
		return s
	}
	return fmt.Sprintf("Method(%d)", int(m))
}

// ErrUnknownMethod is returned by ParseMethod for unrecognized names
var ErrUnknownMethod = errors.New("unknown IVIM method")

// ParseMethod converts a method name such as "d_then_dstar" to a Method
func ParseMethod(s string) (Method, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for m, n := range methodNames {
		if n == name {
			return m, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownMethod, s)
}

// Params is one (f, D, D*) triple
type Params struct {
	F, D, DStar float64
}

// GridSearch describes the brute-force D* scan
type GridSearch struct {
	Min   float64
	Max   float64
	Steps int
}

// Points returns Steps values Min + i·(Max-Min)/Steps, i = 0..Steps-1.
// Max itself is not sampled.
func (g GridSearch) Points() []float64 {
	if g.Steps <= 1 {
		return []float64{g.Min}
	}
	pts := make([]float64, g.Steps)
	step := (g.Max - g.Min) / float64(g.Steps)
	for i := range pts {
		pts[i] = g.Min + float64(i)*step
	}
	return pts
}

// Config is the immutable set of knobs for one IVIM fit run
type Config struct {
	// Method selects the fitting strategy
	Method Method

	// S0Threshold marks channels with lower raw intensity as unusable
	S0Threshold float64

	// BThreshold selects the high-b channels for the two-stage methods
	BThreshold float64

	// FixedDStar is the D* used by DStarFix
	FixedDStar float64

	// FitDStar enables the D* grid search after the two-stage methods
	FitDStar bool

	// Iterations is the number of regularization sweeps
	Iterations int

	// Lambda weights the total-variation term of the regularization
	Lambda float64

	// DStarSearch is the grid scanned for D*
	DStarSearch GridSearch

	// InitialGuess seeds the nonlinear fits
	InitialGuess Params

	// ParameterScale maps (f, D, D*) to comparable magnitudes for the regularization
	ParameterScale [3]float64

	// Solver controls the Levenberg-Marquardt iterations; nil uses lsq.DefaultSettings
	Solver *lsq.Settings
}

// DefaultConfig returns the defaults of the interactive tool
func DefaultConfig() Config {
	return Config{
		Method:      DThenDStar,
		S0Threshold: 0,
		BThreshold:  170,
		FixedDStar:  0.01,
		FitDStar:    true,
		Iterations:  10,
		Lambda:      0.0001,
		DStarSearch: GridSearch{
			Min:   0.001,
			Max:   0.15,
			Steps: 100,
		},
		InitialGuess: Params{
			F:     0.1,
			D:     0.001,
			DStar: 0.01,
		},
		ParameterScale: [3]float64{1, 1000, 100},
	}
}

// Validate checks the configuration for values no fit can use
func (c Config) Validate() error {
	if _, ok := methodNames[c.Method]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownMethod, int(c.Method))
	}
	if c.DStarSearch.Steps < 1 {
		return fmt.Errorf("D* search needs at least one step, got %d", c.DStarSearch.Steps)
	}
	if c.DStarSearch.Max < c.DStarSearch.Min {
		return fmt.Errorf("D* search range [%g, %g] is inverted", c.DStarSearch.Min, c.DStarSearch.Max)
	}
	if c.Method == Regularized {
		if c.Iterations < 0 {
			return fmt.Errorf("negative iteration count %d", c.Iterations)
		}
		if c.Lambda < 0 {
			return fmt.Errorf("negative lambda %g", c.Lambda)
		}
		for i, s := range c.ParameterScale {
			if s <= 0 {
				return fmt.Errorf("parameter scale %d must be positive, got %g", i, s)
			}
		}
	}
	return nil
}
