package kurtosis

import (
	"errors"
	"math"
	"testing"

	"dwifit/pkg/dwi"
)

var testBValues = []float64{0, 250, 500, 1000, 1500, 2000, 2500}

func syntheticPixel(s0, d, k float64) []float64 {
	pix := make([]float64, len(testBValues))
	for i, b := range testBValues {
		pix[i] = s0 * Signal(b, d, k)
	}
	return pix
}

func TestPenalty(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UseBounds = true
	midD := 0.5 * (cfg.DBounds.Lower + cfg.DBounds.Upper)
	midK := 0.5 * (cfg.KBounds.Lower + cfg.KBounds.Upper)

	if got := Penalty(midD, cfg.KBounds.Lower, cfg); got != 1e6 {
		t.Errorf("Expected penalty 1e6 at the K lower bound, got %v", got)
	}
	if got := Penalty(cfg.DBounds.Upper, midK, cfg); got != 1e6 {
		t.Errorf("Expected penalty 1e6 at the D upper bound, got %v", got)
	}
	if got := Penalty(midD, midK, cfg); got != 0 {
		t.Errorf("Expected no penalty inside the bounds, got %v", got)
	}

	// one margin away the penalty has decayed by e
	margin := 0.02 * (cfg.KBounds.Upper - cfg.KBounds.Lower)
	got := Penalty(midD, cfg.KBounds.Lower+0.5*margin, cfg)
	if want := 1e6 * math.Exp(-0.5); math.Abs(got-want) > 1e-6 {
		t.Errorf("Expected %v inside the margin, got %v", want, got)
	}

	cfg.UseBounds = false
	if got := Penalty(midD, cfg.KBounds.Lower, cfg); got != 0 {
		t.Errorf("Expected no penalty with bounds disabled, got %v", got)
	}
}

func TestFitNormalized(t *testing.T) {
	pix := syntheticPixel(1000, 0.0012, 0.8)
	snap, err := Fit(pix, testBValues, DefaultConfig())
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	if !snap.Fitted || snap.FittedBZero {
		t.Fatalf("Expected a two-parameter fit, got %+v", snap)
	}
	if math.Abs(snap.D-0.0012) > 1e-6 || math.Abs(snap.K-0.8) > 1e-3 {
		t.Errorf("Expected D=0.0012 K=0.8, got D=%v K=%v", snap.D, snap.K)
	}
	if len(snap.FitBValues) != len(testBValues) {
		t.Errorf("Expected the baseline kept as a fit point, got %d points", len(snap.FitBValues))
	}
	if want := 1000 / (1000 + dwi.Epsilon); math.Abs(snap.FitMeasurements[0]-want) > 1e-12 {
		t.Errorf("Expected normalized baseline %v, got %v", want, snap.FitMeasurements[0])
	}
}

func TestFitOmitBZero(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OmitBZero = true

	pix := syntheticPixel(500, 0.0009, 1.2)
	snap, err := Fit(pix, testBValues, cfg)
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	if !snap.Fitted || !snap.FittedBZero {
		t.Fatalf("Expected a three-parameter fit, got %+v", snap)
	}
	if len(snap.FitBValues) != len(testBValues)-1 {
		t.Errorf("Expected the baseline dropped, got %d points", len(snap.FitBValues))
	}
	if math.Abs(snap.D-0.0009) > 1e-6 || math.Abs(snap.K-1.2) > 1e-3 || math.Abs(snap.BZero-500) > 0.05 {
		t.Errorf("Expected D=0.0009 K=1.2 B0=500, got D=%v K=%v B0=%v", snap.D, snap.K, snap.BZero)
	}
}

func TestFitLogarithmic(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FitScale = Logarithmic
	cfg.OmitBZero = true

	pix := syntheticPixel(500, 0.0011, 0.9)
	snap, err := Fit(pix, testBValues, cfg)
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	if math.Abs(snap.D-0.0011) > 1e-6 || math.Abs(snap.K-0.9) > 1e-3 || math.Abs(snap.BZero-500) > 0.05 {
		t.Errorf("Expected D=0.0011 K=0.9 B0=500, got D=%v K=%v B0=%v", snap.D, snap.K, snap.BZero)
	}
}

func TestFitLogarithmicZeroMeasurement(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FitScale = Logarithmic

	pix := syntheticPixel(1000, 0.001, 1)
	pix[3] = 0
	snap, err := Fit(pix, testBValues, cfg)
	if !errors.Is(err, ErrDegenerateSignal) {
		t.Fatalf("Expected ErrDegenerateSignal, got %v", err)
	}
	if snap == nil || !snap.Skipped || snap.Fitted {
		t.Fatalf("Expected a skipped snapshot, got %+v", snap)
	}
	if snap.SkipReason == "" {
		t.Error("Expected a skip reason")
	}
	if snap.D != 0 || snap.K != 0 {
		t.Errorf("Expected default outputs, got D=%v K=%v", snap.D, snap.K)
	}
}

func TestFitMaxB(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBForFit = 1000

	snap, err := Fit(syntheticPixel(1000, 0.0012, 0.8), testBValues, cfg)
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	for _, b := range snap.FitBValues {
		if b > 1000 {
			t.Errorf("b=%v exceeds the fit limit", b)
		}
	}
	if len(snap.BValues) != len(testBValues) {
		t.Errorf("Expected all inputs recorded, got %d", len(snap.BValues))
	}
}

func TestFitTooFewPoints(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OmitBZero = true
	snap, err := Fit([]float64{1000, 600, 400}, []float64{0, 500, 1000}, cfg)
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	if snap.Fitted {
		t.Error("Expected no fit with two points for three parameters")
	}
}

func TestFitChannelMismatch(t *testing.T) {
	if _, err := Fit([]float64{1, 2}, testBValues, DefaultConfig()); !errors.Is(err, dwi.ErrChannelMismatch) {
		t.Errorf("Expected ErrChannelMismatch, got %v", err)
	}
}

func TestParseFitScale(t *testing.T) {
	tests := map[string]FitScale{
		"straight":    Straight,
		"Linear":      Straight,
		"logarithmic": Logarithmic,
		" log ":       Logarithmic,
	}
	for in, want := range tests {
		got, err := ParseFitScale(in)
		if err != nil || got != want {
			t.Errorf("ParseFitScale(%q): expected %v, got %v (%v)", in, want, got, err)
		}
	}
	if _, err := ParseFitScale("cubic"); !errors.Is(err, ErrUnknownFitScale) {
		t.Errorf("Expected ErrUnknownFitScale, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default configuration should be valid: %v", err)
	}
	cfg.UseBounds = true
	cfg.KBounds = Bounds{Lower: 2, Upper: 1}
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for empty K bounds")
	}
	cfg = DefaultConfig()
	cfg.SmoothingSigma = -1
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for negative sigma")
	}
}
