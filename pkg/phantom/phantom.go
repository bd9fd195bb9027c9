// Package phantom synthesizes diffusion-weighted volumes from known model
// parameters, for testing the fits and for demonstration runs.
package phantom

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat/distuv"

	"dwifit/internal/models"
	"dwifit/pkg/dwi"
	"dwifit/pkg/ivim"
	"dwifit/pkg/kurtosis"
)

// Dims is the size of a phantom grid
type Dims struct {
	Width, Height, Depth int
}

// ParseDims parses "WxHxD"
func ParseDims(s string) (Dims, error) {
	var d Dims
	if _, err := fmt.Sscanf(s, "%dx%dx%d", &d.Width, &d.Height, &d.Depth); err != nil {
		return d, fmt.Errorf("invalid dimensions %q: %w", s, err)
	}
	if d.Width < 1 || d.Height < 1 || d.Depth < 1 {
		return d, fmt.Errorf("invalid dimensions %q", s)
	}
	return d, nil
}

// Table builds a gradient table reproducing the given b-values: zero entries
// become baseline channels and positive ones are scaled directions along
// cycling axes, relative to the largest b-value.
func Table(bvals []float64) dwi.GradientTable {
	ref := 0.0
	for _, b := range bvals {
		ref = math.Max(ref, b)
	}
	axes := []r3.Vec{{X: 1}, {Y: 1}, {Z: 1}}
	t := dwi.GradientTable{ReferenceB: ref, Directions: make([]r3.Vec, len(bvals))}
	n := 0
	for i, b := range bvals {
		if b <= 0 {
			continue
		}
		t.Directions[i] = r3.Scale(math.Sqrt(b/ref), axes[n%len(axes)])
		n++
	}
	return t
}

// KurtosisParams is one (D, K) pair
type KurtosisParams struct {
	D, K float64
}

// noise adds zero-mean Gaussian noise of the given standard deviation
type noise struct {
	dist *distuv.Normal
}

func newNoise(sigma float64, seed uint64) noise {
	if sigma <= 0 {
		return noise{}
	}
	return noise{dist: &distuv.Normal{Mu: 0, Sigma: sigma, Src: rand.NewSource(seed)}}
}

func (n noise) add(v float64) float64 {
	if n.dist == nil {
		return v
	}
	return v + n.dist.Rand()
}

// IVIMVolume fills a volume with s0·S(b; params(x,y,z)) for every channel of
// table, plus Gaussian noise with standard deviation sigma. Equal seeds give
// equal volumes.
func IVIMVolume(dims Dims, table dwi.GradientTable, params func(x, y, z int) ivim.Params, s0, sigma float64, seed uint64) *models.VectorVolume {
	return synthesize(dims, table, sigma, seed, func(x, y, z int, b float64) float64 {
		return s0 * ivim.Signal(b, params(x, y, z))
	})
}

// KurtosisVolume fills a volume with s0·exp(-bD + b²D²K/6) for every channel
// of table, plus Gaussian noise with standard deviation sigma
func KurtosisVolume(dims Dims, table dwi.GradientTable, params func(x, y, z int) KurtosisParams, s0, sigma float64, seed uint64) *models.VectorVolume {
	return synthesize(dims, table, sigma, seed, func(x, y, z int, b float64) float64 {
		p := params(x, y, z)
		return s0 * kurtosis.Signal(b, p.D, p.K)
	})
}

func synthesize(dims Dims, table dwi.GradientTable, sigma float64, seed uint64, signal func(x, y, z int, b float64) float64) *models.VectorVolume {
	channels := len(table.Directions)
	vol := models.NewVectorVolume(dims.Width, dims.Height, dims.Depth, channels)
	bvals := make([]float64, channels)
	for i := range bvals {
		bvals[i] = table.BValue(i)
	}
	nz := newNoise(sigma, seed)
	for z := 0; z < dims.Depth; z++ {
		for y := 0; y < dims.Height; y++ {
			for x := 0; x < dims.Width; x++ {
				pix := vol.Pixel(x, y, z)
				for c, b := range bvals {
					pix[c] = nz.add(signal(x, y, z, b))
				}
			}
		}
	}
	return vol
}

// Uniform returns a parameter function that is constant over the volume
func Uniform[T any](p T) func(x, y, z int) T {
	return func(int, int, int) T { return p }
}
