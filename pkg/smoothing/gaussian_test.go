package smoothing

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/floats"

	"dwifit/internal/models"
)

func TestKernel1D(t *testing.T) {
	k := Kernel1D(1.5)
	if len(k) != 2*6+1 {
		t.Errorf("Expected kernel length 13, got %d", len(k))
	}
	if math.Abs(floats.Sum(k)-1) > 1e-12 {
		t.Errorf("Expected normalized kernel, sum %v", floats.Sum(k))
	}
	for i := 0; i < len(k)/2; i++ {
		if k[i] != k[len(k)-1-i] {
			t.Errorf("Kernel not symmetric at %d", i)
		}
		if k[i] > k[i+1] {
			t.Errorf("Kernel not increasing towards the centre at %d", i)
		}
	}
}

func TestGaussianConstant(t *testing.T) {
	vol := models.NewVectorVolume(5, 4, 3, 2)
	for i := 0; i < vol.Len(); i++ {
		copy(vol.PixelAt(i), []float64{7, -2})
	}
	out := Gaussian(vol, 1)
	for i := 0; i < out.Len(); i++ {
		p := out.PixelAt(i)
		if math.Abs(p[0]-7) > 1e-12 || math.Abs(p[1]+2) > 1e-12 {
			t.Fatalf("Voxel %d: expected (7, -2), got %v", i, p)
		}
	}
}

func TestGaussianImpulse(t *testing.T) {
	vol := models.NewVectorVolume(9, 9, 9, 1)
	vol.SetPixel(4, 4, 4, []float64{1})

	out := Gaussian(vol, 1)
	if math.Abs(floats.Sum(out.Data)-1) > 1e-12 {
		t.Errorf("Expected mass preserved away from borders, got %v", floats.Sum(out.Data))
	}
	centre := out.Pixel(4, 4, 4)[0]
	k := Kernel1D(1)
	if want := math.Pow(k[len(k)/2], 3); math.Abs(centre-want) > 1e-12 {
		t.Errorf("Expected centre %v, got %v", want, centre)
	}
	if math.Abs(out.Pixel(3, 4, 4)[0]-out.Pixel(5, 4, 4)[0]) > 1e-15 || math.Abs(out.Pixel(4, 3, 4)[0]-out.Pixel(4, 4, 5)[0]) > 1e-15 {
		t.Error("Expected an isotropic response")
	}
	if vol.Pixel(4, 4, 4)[0] != 1 {
		t.Error("Input volume was modified")
	}
}

func TestGaussianZeroSigma(t *testing.T) {
	vol := models.NewVectorVolume(2, 2, 2, 1)
	vol.Data[3] = 5
	out := Gaussian(vol, 0)
	if out == vol || out.Data[3] != 5 || out.Data[0] != 0 {
		t.Error("Expected an unmodified copy for sigma 0")
	}
}
