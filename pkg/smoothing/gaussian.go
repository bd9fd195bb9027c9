// Package smoothing applies separable Gaussian smoothing to vector volumes.
package smoothing

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"dwifit/internal/models"
)

// Kernel1D returns a normalized Gaussian kernel with radius ceil(4·sigma)
func Kernel1D(sigma float64) []float64 {
	radius := int(math.Ceil(4 * sigma))
	k := make([]float64, 2*radius+1)
	sfactor := -0.5 / (sigma * sigma)
	for i := range k {
		x := float64(i - radius)
		k[i] = math.Exp(sfactor * x * x)
	}
	floats.Scale(1/floats.Sum(k), k)
	return k
}

// Gaussian returns a copy of vol with every channel smoothed along x, y and z.
// Samples beyond the border are clamped to the nearest voxel. A non-positive
// sigma returns an unmodified copy.
func Gaussian(vol *models.VectorVolume, sigma float64) *models.VectorVolume {
	out := models.NewVectorVolume(vol.Width, vol.Height, vol.Depth, vol.Channels)
	out.Geometry = vol.Geometry
	copy(out.Data, vol.Data)
	if sigma <= 0 {
		return out
	}

	k := Kernel1D(sigma)
	tmp := make([]float64, len(out.Data))
	dims := [3]int{vol.Width, vol.Height, vol.Depth}
	for axis := 0; axis < 3; axis++ {
		convolveAxis(tmp, out.Data, dims, vol.Channels, axis, k)
		out.Data, tmp = tmp, out.Data
	}
	return out
}

// convolveAxis convolves src with k along one axis into dst
func convolveAxis(dst, src []float64, dims [3]int, channels, axis int, k []float64) {
	radius := len(k) / 2
	w, h, d := dims[0], dims[1], dims[2]
	stride := [3]int{1, w, w * h}[axis]
	n := dims[axis]

	for z := 0; z < d; z++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				pos := [3]int{x, y, z}[axis]
				vox := (z*h+y)*w + x
				base := vox - pos*stride
				for c := 0; c < channels; c++ {
					sum := 0.0
					for t, kv := range k {
						p := pos + t - radius
						if p < 0 {
							p = 0
						} else if p >= n {
							p = n - 1
						}
						sum += kv * src[(base+p*stride)*channels+c]
					}
					dst[vox*channels+c] = sum
				}
			}
		}
	}
}
