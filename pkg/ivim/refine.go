package ivim

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"

	"dwifit/internal/models"
	"dwifit/pkg/dwi"
)

// localVariationFloor keeps the local variation strictly positive on flat regions
const localVariationFloor = 1e-4

// Staging holds the volume-wide buffers filled voxel by voxel during the
// per-voxel pass and read in full by Refine.
type Staging struct {
	Width, Height, Depth int
	Geometry             models.Geometry

	// Initial holds the per-voxel initial guess
	Initial []Params

	// Meas holds each voxel's high-b measurement vector with S0 validity flags
	Meas []dwi.Measurements

	// Active marks voxels that produced an initial guess
	Active []bool
}

// NewStaging allocates empty buffers for a width×height×depth grid
func NewStaging(width, height, depth int, geom models.Geometry) *Staging {
	n := width * height * depth
	return &Staging{
		Width:    width,
		Height:   height,
		Depth:    depth,
		Geometry: geom,
		Initial:  make([]Params, n),
		Meas:     make([]dwi.Measurements, n),
		Active:   make([]bool, n),
	}
}

// Stage records one voxel's measurements and initial guess.
// Distinct voxels may be staged concurrently.
func (s *Staging) Stage(idx int, meas dwi.Measurements, est Estimate) {
	s.Meas[idx] = meas
	if est.Fitted {
		s.Initial[idx] = Params{F: est.FUnceiled, D: est.D, DStar: est.DStar}
		s.Active[idx] = true
	}
}

// HighBValues returns the b-values above threshold, in channel order. They are
// the b-values of every staged measurement vector.
func HighBValues(bvals []float64, threshold float64) []float64 {
	var out []float64
	for _, b := range bvals {
		if b > threshold {
			out = append(out, b)
		}
	}
	return out
}

// RefineParams controls the total-variation refinement
type RefineParams struct {
	Lambda     float64
	Iterations int
	Scale      [3]float64
}

// RefineParamsFrom extracts the refinement knobs of a configuration
func RefineParamsFrom(cfg Config) RefineParams {
	return RefineParams{Lambda: cfg.Lambda, Iterations: cfg.Iterations, Scale: cfg.ParameterScale}
}

var neighbourOffsets = [6][3]int{
	{-1, 0, 0}, {1, 0, 0},
	{0, -1, 0}, {0, 1, 0},
	{0, 0, -1}, {0, 0, 1},
}

// Refine runs a fixed number of total-variation sweeps over the staged
// initial guesses and returns the refined maps.
//
// Each sweep computes the local variation |∇u| of every voxel from its six
// neighbours in scaled parameter space, then moves each voxel by one
// Gauss-Newton step on
//
//	|meas - S(u)|² + λ·Σ w·(u - u_n)²,   w = 1/|∇u|(x) + 1/|∇u|(n)
//
// reading only the previous sweep's values. Execution is sequential.
func Refine(s *Staging, bvals []float64, rp RefineParams) *Maps {
	n := s.Width * s.Height * s.Depth
	cur := make([][3]float64, n)
	for i, p := range s.Initial {
		cur[i] = scaleParams(p, rp.Scale)
	}
	next := make([][3]float64, n)
	variation := make([]float64, n)

	for iter := 0; iter < rp.Iterations; iter++ {
		s.localVariation(cur, variation)
		for z := 0; z < s.Depth; z++ {
			for y := 0; y < s.Height; y++ {
				for x := 0; x < s.Width; x++ {
					idx := s.index(x, y, z)
					next[idx] = cur[idx]
					if !s.Active[idx] {
						continue
					}
					if v, ok := s.updateVoxel(x, y, z, cur, variation, bvals, rp); ok {
						next[idx] = v
					}
				}
			}
		}
		cur, next = next, cur
	}

	maps := NewMaps(s.Width, s.Height, s.Depth, s.Geometry)
	for i := 0; i < n; i++ {
		if !s.Active[i] {
			continue
		}
		p := unscaleParams(cur[i], rp.Scale)
		maps.Store(i, Estimate{
			Params:    Params{F: Clamp(p.F, 0, 1), D: p.D, DStar: p.DStar},
			FUnceiled: p.F,
			Fitted:    true,
		})
	}
	return maps
}

func (s *Staging) index(x, y, z int) int {
	return (z*s.Height+y)*s.Width + x
}

func (s *Staging) neighbour(x, y, z int, off [3]int) (int, bool) {
	nx, ny, nz := x+off[0], y+off[1], z+off[2]
	if nx < 0 || ny < 0 || nz < 0 || nx >= s.Width || ny >= s.Height || nz >= s.Depth {
		return 0, false
	}
	idx := s.index(nx, ny, nz)
	return idx, s.Active[idx]
}

// localVariation computes sqrt(floor² + Σ|u(x)-u(n)|²) over active neighbours
func (s *Staging) localVariation(cur [][3]float64, dst []float64) {
	for z := 0; z < s.Depth; z++ {
		for y := 0; y < s.Height; y++ {
			for x := 0; x < s.Width; x++ {
				idx := s.index(x, y, z)
				sum := localVariationFloor * localVariationFloor
				if s.Active[idx] {
					for _, off := range neighbourOffsets {
						nb, ok := s.neighbour(x, y, z, off)
						if !ok {
							continue
						}
						for k := 0; k < 3; k++ {
							d := cur[idx][k] - cur[nb][k]
							sum += d * d
						}
					}
				}
				dst[idx] = math.Sqrt(sum)
			}
		}
	}
}

// updateVoxel solves the 3×3 damped normal equations of one voxel
func (s *Staging) updateVoxel(x, y, z int, cur [][3]float64, variation, bvals []float64, rp RefineParams) ([3]float64, bool) {
	idx := s.index(x, y, z)
	u := cur[idx]
	p := unscaleParams(u, rp.Scale)

	a := mat.NewSymDense(3, nil)
	g := mat.NewVecDense(3, nil)

	// data term, with the Jacobian expressed in scaled coordinates
	var jac [3]float64
	meas := s.Meas[idx]
	for c, ok := range meas.Valid {
		if !ok {
			continue
		}
		b := bvals[c]
		r := meas.Values[c] - Signal(b, p)
		signalJacobian(jac[:], b, p)
		for k := 0; k < 3; k++ {
			jac[k] /= rp.Scale[k]
		}
		for i := 0; i < 3; i++ {
			g.SetVec(i, g.AtVec(i)+jac[i]*r)
			for j := i; j < 3; j++ {
				a.SetSym(i, j, a.At(i, j)+jac[i]*jac[j])
			}
		}
	}

	// total-variation term
	for _, off := range neighbourOffsets {
		nb, ok := s.neighbour(x, y, z, off)
		if !ok {
			continue
		}
		w := rp.Lambda * (1/variation[idx] + 1/variation[nb])
		for k := 0; k < 3; k++ {
			a.SetSym(k, k, a.At(k, k)+w)
			g.SetVec(k, g.AtVec(k)+w*(cur[nb][k]-u[k]))
		}
	}

	var step mat.VecDense
	if err := step.SolveVec(a, g); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) || math.IsInf(float64(cond), 1) {
			return u, false
		}
	}

	var out [3]float64
	for k := 0; k < 3; k++ {
		out[k] = u[k] + step.AtVec(k)
		if math.IsNaN(out[k]) || math.IsInf(out[k], 0) {
			return u, false
		}
	}
	// D and D* stay non-negative
	out[1] = math.Max(out[1], 0)
	out[2] = math.Max(out[2], 0)
	return out, true
}

func scaleParams(p Params, scale [3]float64) [3]float64 {
	return [3]float64{p.F * scale[0], p.D * scale[1], p.DStar * scale[2]}
}

func unscaleParams(v [3]float64, scale [3]float64) Params {
	return Params{F: v[0] / scale[0], D: v[1] / scale[1], DStar: v[2] / scale[2]}
}
