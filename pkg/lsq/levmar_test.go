package lsq

import (
	"errors"
	"math"
	"testing"
)

func TestLevenbergMarquardtExponential(t *testing.T) {
	ts := []float64{0, 0.5, 1, 1.5, 2, 3, 4}
	ys := make([]float64, len(ts))
	for i, x := range ts {
		ys[i] = 2 * math.Exp(-0.7*x)
	}

	p := Problem{
		M: len(ts),
		Residual: func(dst, x []float64) {
			for i, v := range ts {
				dst[i] = ys[i] - x[0]*math.Exp(-x[1]*v)
			}
		},
	}
	res, err := LevenbergMarquardt(p, []float64{1, 0.1}, nil)
	if err != nil {
		t.Fatalf("LevenbergMarquardt failed: %v", err)
	}
	if math.Abs(res.X[0]-2) > 1e-5 || math.Abs(res.X[1]-0.7) > 1e-5 {
		t.Errorf("Expected (2, 0.7), got (%v, %v) after %d iterations (%v)", res.X[0], res.X[1], res.Iterations, res.Status)
	}
	if res.Cost > 1e-10 {
		t.Errorf("Expected near zero cost, got %v", res.Cost)
	}
}

func TestLevenbergMarquardtScaledParameters(t *testing.T) {
	// parameters six orders of magnitude apart, as for f and D
	bs := []float64{0, 200, 400, 600, 800, 1000}
	p := Problem{
		M: len(bs),
		Residual: func(dst, x []float64) {
			for i, b := range bs {
				dst[i] = 0.9*math.Exp(-b*0.0012) - x[0]*math.Exp(-b*x[1])
			}
		},
	}
	res, err := LevenbergMarquardt(p, []float64{1, 0.001}, nil)
	if err != nil {
		t.Fatalf("LevenbergMarquardt failed: %v", err)
	}
	if math.Abs(res.X[0]-0.9) > 1e-6 || math.Abs(res.X[1]-0.0012) > 5e-8 {
		t.Errorf("Expected (0.9, 0.0012), got (%v, %v)", res.X[0], res.X[1])
	}
}

func TestLevenbergMarquardtUnderdetermined(t *testing.T) {
	p := Problem{M: 1, Residual: func(dst, x []float64) { dst[0] = x[0] + x[1] }}
	_, err := LevenbergMarquardt(p, []float64{1, 1}, nil)
	if !errors.Is(err, ErrUnderdetermined) {
		t.Errorf("Expected ErrUnderdetermined, got %v", err)
	}
}

func TestLevenbergMarquardtZeroCost(t *testing.T) {
	p := Problem{M: 2, Residual: func(dst, x []float64) { dst[0], dst[1] = x[0]-1, x[0]-1 }}
	res, err := LevenbergMarquardt(p, []float64{1}, nil)
	if err != nil {
		t.Fatalf("LevenbergMarquardt failed: %v", err)
	}
	if res.Status != ZeroCost || res.Iterations != 0 {
		t.Errorf("Expected immediate ZeroCost, got %v after %d iterations", res.Status, res.Iterations)
	}
}

func TestLevenbergMarquardtNonFinite(t *testing.T) {
	p := Problem{M: 1, Residual: func(dst, x []float64) { dst[0] = math.Log(x[0]) }}
	if _, err := LevenbergMarquardt(p, []float64{-1}, nil); err == nil {
		t.Error("Expected error for non-finite initial cost")
	}
}

func TestLevenbergMarquardtIterationLimit(t *testing.T) {
	p := Problem{
		M: 2,
		Residual: func(dst, x []float64) {
			dst[0] = 10 * (x[1] - x[0]*x[0])
			dst[1] = 1 - x[0]
		},
	}
	settings := DefaultSettings()
	settings.MaxIterations = 1
	res, err := LevenbergMarquardt(p, []float64{-1.2, 1}, settings)
	if err != nil {
		t.Fatalf("LevenbergMarquardt failed: %v", err)
	}
	if res.Iterations != 1 {
		t.Errorf("Expected 1 iteration, got %d", res.Iterations)
	}

	res, err = LevenbergMarquardt(p, []float64{-1.2, 1}, nil)
	if err != nil {
		t.Fatalf("LevenbergMarquardt failed: %v", err)
	}
	if math.Abs(res.X[0]-1) > 1e-4 || math.Abs(res.X[1]-1) > 1e-4 {
		t.Errorf("Expected Rosenbrock minimum (1,1), got %v", res.X)
	}
}

func TestStatusString(t *testing.T) {
	if s := StepConvergence.String(); s != "StepConvergence" {
		t.Errorf("Expected StepConvergence, got %s", s)
	}
	if s := Status(42).String(); s != "Status(42)" {
		t.Errorf("Expected Status(42), got %s", s)
	}
}
