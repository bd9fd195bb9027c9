package dwi

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"

	"dwifit/internal/models"
)

// tableFromB builds a table along x whose weighted channels have the given b-values
func tableFromB(bvals ...float64) GradientTable {
	ref := 0.0
	for _, b := range bvals {
		ref = math.Max(ref, b)
	}
	t := GradientTable{ReferenceB: ref}
	for _, b := range bvals {
		if b == 0 {
			t.Directions = append(t.Directions, r3.Vec{})
			continue
		}
		t.Directions = append(t.Directions, r3.Vec{X: math.Sqrt(b / ref)})
	}
	return t
}

func TestClassify(t *testing.T) {
	acq, err := Classify(tableFromB(0, 100, 0, 400, 1000))
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if got := acq.BaselineIndices; len(got) != 2 || got[0] != 0 || got[1] != 2 {
		t.Errorf("Expected baseline indices [0 2], got %v", got)
	}
	if got := acq.WeightedIndices; len(got) != 3 || got[0] != 1 || got[1] != 3 || got[2] != 4 {
		t.Errorf("Expected weighted indices [1 3 4], got %v", got)
	}
	want := []float64{100, 400, 1000}
	for i, b := range acq.BValues {
		if math.Abs(b-want[i]) > 1e-9 {
			t.Errorf("b-value %d: expected %g, got %g", i, want[i], b)
		}
	}
	if acq.Interleaved {
		t.Error("Expected a non-interleaved acquisition")
	}

	all := acq.AllBValues()
	if len(all) != 5 || all[0] != 0 || all[2] != 0 || math.Abs(all[4]-1000) > 1e-9 {
		t.Errorf("Unexpected per-channel b-values %v", all)
	}
}

func TestClassifyNoWeighted(t *testing.T) {
	_, err := Classify(tableFromB(0, 0))
	if !errors.Is(err, ErrNoWeightedChannels) {
		t.Errorf("Expected ErrNoWeightedChannels, got %v", err)
	}
}

func TestClassifyTinyGradient(t *testing.T) {
	table := GradientTable{
		ReferenceB: 1000,
		Directions: []r3.Vec{{}, {X: 1e-9}, {Z: 1}},
	}
	acq, err := Classify(table)
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if len(acq.BaselineIndices) != 1 || acq.BaselineIndices[0] != 0 {
		t.Errorf("Expected only the zero direction as baseline, got %v", acq.BaselineIndices)
	}
	if len(acq.WeightedIndices) != 2 || acq.WeightedIndices[0] != 1 {
		t.Errorf("Expected the tiny gradient to be weighted, got %v", acq.WeightedIndices)
	}
}

func TestInterleaved(t *testing.T) {
	tests := []struct {
		name  string
		bvals []float64
		want  bool
	}{
		{"baseline even", []float64{0, 500, 0, 800, 0, 1000}, true},
		{"baseline odd", []float64{500, 0, 800, 0}, true},
		{"unequal counts", []float64{0, 500, 0, 800, 0}, false},
		{"mixed parity", []float64{0, 0, 500, 800}, false},
		{"no baseline", []float64{500, 800}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acq, err := Classify(tableFromB(tt.bvals...))
			if err != nil {
				t.Fatalf("Classify failed: %v", err)
			}
			if acq.Interleaved != tt.want {
				t.Errorf("Expected interleaved=%v, got %v", tt.want, acq.Interleaved)
			}
		})
	}
}

func TestNormalizeMeanBaseline(t *testing.T) {
	acq, err := Classify(tableFromB(0, 0, 500, 1000))
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	sig, err := acq.Normalize([]float64{90, 110, 50, 20}, 0)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	for k, raw := range []float64{50, 20} {
		want := raw / (100 + Epsilon)
		if sig.All[k] != want {
			t.Errorf("Channel %d: expected ratio %v, got %v", k, want, sig.All[k])
		}
		if sig.B0[k] != 100 {
			t.Errorf("Channel %d: expected baseline 100, got %v", k, sig.B0[k])
		}
	}
	if sig.Meas.Count() != 2 {
		t.Errorf("Expected 2 valid measurements, got %d", sig.Meas.Count())
	}
}

func TestNormalizeInterleaved(t *testing.T) {
	acq, err := Classify(tableFromB(0, 500, 0, 1000))
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	sig, err := acq.Normalize([]float64{200, 100, 50, 10}, 0)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if want := 100 / (200 + Epsilon); sig.All[0] != want {
		t.Errorf("Expected paired ratio %v, got %v", want, sig.All[0])
	}
	if want := 10 / (50 + Epsilon); sig.All[1] != want {
		t.Errorf("Expected paired ratio %v, got %v", want, sig.All[1])
	}
}

func TestNormalizeThreshold(t *testing.T) {
	acq, err := Classify(tableFromB(0, 100, 500, 1000, 1500))
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	sig, err := acq.Normalize([]float64{100, 80, 31, 30, 5}, 30)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	// a raw value equal to the threshold is excluded
	wantValid := []bool{true, true, false, false}
	for k, want := range wantValid {
		if sig.Meas.Valid[k] != want {
			t.Errorf("Channel %d: expected valid=%v, got %v", k, want, sig.Meas.Valid[k])
		}
	}
	// thresholded channels keep their ratio in All
	base, raw := 100.0, 5.0 // float64 evaluation, matching Normalize's runtime arithmetic
	if sig.All[3] != raw/(base+Epsilon) {
		t.Errorf("Expected unthresholded ratio in All, got %v", sig.All[3])
	}

	values, b := sig.Meas.Select(acq.BValues)
	if len(values) != 2 || len(b) != 2 {
		t.Fatalf("Expected 2 selected points, got %d", len(values))
	}
	high, hb, idx := sig.Meas.SelectAbove(acq.BValues, 200)
	if len(high) != 1 || math.Abs(hb[0]-500) > 1e-9 || idx[0] != 1 {
		t.Errorf("Expected one high-b point at b=500, got %v %v %v", high, hb, idx)
	}
}

func TestNormalizeThresholdRejectsNaN(t *testing.T) {
	acq, err := Classify(tableFromB(0, 100))
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	sig, err := acq.Normalize([]float64{100, math.NaN()}, 0)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if sig.Meas.Valid[0] {
		t.Error("Expected a NaN channel to be invalid")
	}
}

func TestNormalizeChannelMismatch(t *testing.T) {
	acq, err := Classify(tableFromB(0, 500))
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if _, err := acq.Normalize([]float64{1, 2, 3}, 0); !errors.Is(err, ErrChannelMismatch) {
		t.Errorf("Expected ErrChannelMismatch, got %v", err)
	}
}

func TestSuggestS0Threshold(t *testing.T) {
	acq, err := Classify(tableFromB(0, 500))
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}

	// mostly background at 10, a few tissue voxels at 1000
	vol := models.NewVectorVolume(10, 10, 1, 2)
	for i := 0; i < vol.Len(); i++ {
		b0 := 10.0
		if i%10 == 0 {
			b0 = 1000
		}
		copy(vol.PixelAt(i), []float64{b0, b0 / 2})
	}

	thr := SuggestS0Threshold(vol, acq)
	// range [10, 500], bin width 4.9, background falls in the first bin
	want := 2 * (10 + 0.5*4.9)
	if math.Abs(thr-want) > 1e-9 {
		t.Errorf("Expected threshold %v, got %v", want, thr)
	}
}

func TestSuggestS0ThresholdFlat(t *testing.T) {
	acq, err := Classify(tableFromB(0, 500))
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	vol := models.NewVectorVolume(2, 2, 1, 2)
	for i := range vol.Data {
		vol.Data[i] = 7
	}
	if thr := SuggestS0Threshold(vol, acq); thr != 14 {
		t.Errorf("Expected 14 on a flat volume, got %v", thr)
	}
}
