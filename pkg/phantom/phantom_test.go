package phantom

import (
	"math"
	"testing"

	"dwifit/pkg/dwi"
	"dwifit/pkg/ivim"
	"dwifit/pkg/kurtosis"
)

func TestParseDims(t *testing.T) {
	tests := []struct {
		in      string
		want    Dims
		wantErr bool
	}{
		{"16x8x2", Dims{16, 8, 2}, false},
		{"1x1x1", Dims{1, 1, 1}, false},
		{"16x8", Dims{}, true},
		{"0x4x4", Dims{}, true},
		{"axbxc", Dims{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDims(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Expected error for %q", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseDims failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %+v, got %+v", tt.want, got)
			}
		})
	}
}

func TestTableReproducesBValues(t *testing.T) {
	bvals := []float64{0, 100, 0, 500, 1000}
	acq, err := dwi.Classify(Table(bvals))
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if len(acq.BaselineIndices) != 2 || acq.BaselineIndices[0] != 0 || acq.BaselineIndices[1] != 2 {
		t.Errorf("Expected baselines at 0 and 2, got %v", acq.BaselineIndices)
	}
	want := []float64{100, 500, 1000}
	if len(acq.BValues) != len(want) {
		t.Fatalf("Expected %d weighted channels, got %d", len(want), len(acq.BValues))
	}
	for i, b := range want {
		if math.Abs(acq.BValues[i]-b) > 1e-9 {
			t.Errorf("Expected b=%v at %d, got %v", b, i, acq.BValues[i])
		}
	}
}

func TestNoiselessVolumes(t *testing.T) {
	bvals := []float64{0, 200, 800}
	table := Table(bvals)
	dims := Dims{Width: 2, Height: 2, Depth: 1}

	p := ivim.Params{F: 0.1, D: 0.001, DStar: 0.02}
	vol := IVIMVolume(dims, table, Uniform(p), 500, 0, 1)
	if vol.Channels != 3 || vol.Len() != 4 {
		t.Fatalf("Unexpected volume shape %dx%d", vol.Len(), vol.Channels)
	}
	pix := vol.Pixel(1, 1, 0)
	for c, b := range bvals {
		want := 500 * ivim.Signal(b, p)
		if math.Abs(pix[c]-want) > 1e-9 {
			t.Errorf("Expected %v at b=%v, got %v", want, b, pix[c])
		}
	}

	kvol := KurtosisVolume(dims, table, func(x, y, z int) KurtosisParams {
		return KurtosisParams{D: 0.001 * float64(x+1), K: 1}
	}, 100, 0, 1)
	if got, want := kvol.Pixel(1, 0, 0)[2], 100*kurtosis.Signal(800, 0.002, 1); math.Abs(got-want) > 1e-9 {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestNoiseIsSeeded(t *testing.T) {
	table := Table([]float64{0, 500, 1000})
	dims := Dims{Width: 3, Height: 3, Depth: 2}
	p := Uniform(ivim.Params{F: 0.1, D: 0.001, DStar: 0.02})

	a := IVIMVolume(dims, table, p, 1000, 5, 42)
	b := IVIMVolume(dims, table, p, 1000, 5, 42)
	c := IVIMVolume(dims, table, p, 1000, 5, 43)

	same, differ := true, false
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			same = false
		}
		if a.Data[i] != c.Data[i] {
			differ = true
		}
	}
	if !same {
		t.Error("Expected equal seeds to give equal volumes")
	}
	if !differ {
		t.Error("Expected different seeds to give different volumes")
	}
}
