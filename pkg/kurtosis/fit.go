package kurtosis

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"dwifit/pkg/dwi"
	"dwifit/pkg/lsq"
)

// ErrDegenerateSignal is returned when a logarithmic fit meets a non-positive measurement
var ErrDegenerateSignal = errors.New("non-positive measurement on logarithmic scale")

// machineEpsilon separates b=0 channels and positive measurements
const machineEpsilon = 2.220446049250313e-16

// Soft bound penalty: weight·exp(-distance/margin) inside a margin of
// penaltyMargin times the bound range.
const (
	penaltyWeight = 1e6
	penaltyMargin = 0.02
)

// Initial values of the nonlinear fit
const (
	initialD = 0.001
	initialK = 1.0
)

// Snapshot records one kurtosis fit
type Snapshot struct {
	// BValues and Measurements are the unfiltered inputs, one per channel
	BValues      []float64
	Measurements []float64

	// FitBValues and FitMeasurements are the points actually fitted
	FitBValues      []float64
	FitMeasurements []float64

	D float64
	K float64

	// BZero is the fitted b=0 signal when FittedBZero is set
	BZero       float64
	FittedBZero bool

	// Fitted is false when there were too few points
	Fitted bool

	// Skipped is set when the fit was aborted, with the reason
	Skipped    bool
	SkipReason string
}

// Penalty returns the soft bound penalty added to every residual for (d, k).
// It is zero when bounds are disabled or both values are well inside.
func Penalty(d, k float64, cfg Config) float64 {
	if !cfg.UseBounds {
		return 0
	}
	return boundPenalty(d, cfg.DBounds) + boundPenalty(k, cfg.KBounds)
}

func boundPenalty(v float64, b Bounds) float64 {
	margin := penaltyMargin * (b.Upper - b.Lower)
	pen := 0.0
	if dist := v - b.Lower; dist < margin {
		pen += penaltyWeight * math.Exp(-dist/margin)
	}
	if dist := b.Upper - v; dist < margin {
		pen += penaltyWeight * math.Exp(-dist/margin)
	}
	return pen
}

// exponent is the kurtosis model exponent -b·D + b²·D²·K/6
func exponent(b, d, k float64) float64 {
	return -b*d + b*b*d*d*k/6
}

// Signal evaluates the normalized kurtosis model at b
func Signal(b, d, k float64) float64 {
	return math.Exp(exponent(b, d, k))
}

// Fit fits the kurtosis model to one signal vector. bvals holds the b-value
// of every channel, zero for baselines.
//
// With OmitBZero (or without any baseline channel) the baselines are dropped
// and B0 is fitted with D and K on the raw signal. Otherwise the signal is
// divided by the mean baseline and only D and K are fitted.
//
// A logarithmic fit over a non-positive measurement is not attempted: the
// snapshot is marked Skipped and an error wrapping ErrDegenerateSignal is
// returned.
func Fit(pixel, bvals []float64, cfg Config) (*Snapshot, error) {
	if len(pixel) != len(bvals) {
		return nil, fmt.Errorf("%w: %d measurements for %d b-values", dwi.ErrChannelMismatch, len(pixel), len(bvals))
	}
	snap := &Snapshot{
		BValues:      append([]float64(nil), bvals...),
		Measurements: append([]float64(nil), pixel...),
	}

	var baseline []float64
	for i, b := range bvals {
		if b < machineEpsilon {
			baseline = append(baseline, pixel[i])
		}
	}
	fitB0 := cfg.OmitBZero || len(baseline) == 0
	s0 := 0.0
	if !fitB0 {
		s0 = stat.Mean(baseline, nil)
	}

	for i, b := range bvals {
		if fitB0 && b < machineEpsilon {
			continue
		}
		if cfg.MaxBForFit > 0 && b > cfg.MaxBForFit {
			continue
		}
		m := pixel[i]
		if !fitB0 {
			m /= s0 + dwi.Epsilon
		}
		snap.FitBValues = append(snap.FitBValues, b)
		snap.FitMeasurements = append(snap.FitMeasurements, m)
	}

	nParams := 2
	if fitB0 {
		nParams = 3
	}
	if len(snap.FitMeasurements) < nParams {
		return snap, nil
	}

	logScale := cfg.FitScale == Logarithmic
	target := snap.FitMeasurements
	if logScale {
		target = make([]float64, len(snap.FitMeasurements))
		for i, m := range snap.FitMeasurements {
			if m <= machineEpsilon {
				snap.Skipped = true
				snap.SkipReason = fmt.Sprintf("measurement %g at b=%g is not positive", m, snap.FitBValues[i])
				return snap, fmt.Errorf("%w: %s", ErrDegenerateSignal, snap.SkipReason)
			}
			target[i] = math.Log(m)
		}
	}

	bv := snap.FitBValues
	problem := lsq.Problem{
		M: len(target),
		Residual: func(dst, x []float64) {
			d, k := x[0], x[1]
			pen := Penalty(d, k, cfg)
			for i, b := range bv {
				var model float64
				switch {
				case logScale && fitB0:
					model = x[2] + exponent(b, d, k)
				case logScale:
					model = exponent(b, d, k)
				case fitB0:
					model = x[2] * Signal(b, d, k)
				default:
					model = Signal(b, d, k)
				}
				dst[i] = target[i] - model + pen
			}
		},
	}

	x0 := []float64{initialD, initialK}
	if fitB0 {
		b0 := floats.Max(snap.FitMeasurements)
		if logScale {
			b0 = math.Log(b0)
		}
		x0 = append(x0, b0)
	}

	res, err := lsq.LevenbergMarquardt(problem, x0, cfg.Solver)
	if err != nil {
		return snap, fmt.Errorf("kurtosis fit: %w", err)
	}
	for _, v := range res.X {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return snap, nil
		}
	}

	snap.D = res.X[0]
	snap.K = res.X[1]
	snap.Fitted = true
	if fitB0 {
		snap.FittedBZero = true
		snap.BZero = res.X[2]
		if logScale {
			snap.BZero = math.Exp(res.X[2])
		}
	}
	return snap, nil
}
