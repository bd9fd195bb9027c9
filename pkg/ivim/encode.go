package ivim

import (
	"math"

	"dwifit/internal/models"
)

// Fixed-point scale factors of the integral output maps
const (
	FScale     = 10000
	DScale     = 1000000
	DStarScale = 100000
)

// EncodeF stores f as round(f·10000)
func EncodeF(f float64) int32 { return int32(math.Round(f * FScale)) }

// EncodeD stores D as round(D·1000000)
func EncodeD(d float64) int32 { return int32(math.Round(d * DScale)) }

// EncodeDStar stores D* as round(D*·100000)
func EncodeDStar(dstar float64) int32 { return int32(math.Round(dstar * DStarScale)) }

// Maps holds the f, D and D* parameter volumes
type Maps struct {
	F     *models.Volume
	D     *models.Volume
	DStar *models.Volume

	// FUnceiled keeps f before clamping
	FUnceiled *models.Volume
}

// NewMaps allocates zeroed maps on the grid of like
func NewMaps(width, height, depth int, geom models.Geometry) *Maps {
	alloc := func() *models.Volume {
		v := models.NewVolume(width, height, depth)
		v.Geometry = geom
		return v
	}
	return &Maps{F: alloc(), D: alloc(), DStar: alloc(), FUnceiled: alloc()}
}

// Store writes one estimate into voxel idx
func (m *Maps) Store(idx int, est Estimate) {
	m.F.Data[idx] = est.F
	m.D.Data[idx] = est.D
	m.DStar.Data[idx] = est.DStar
	m.FUnceiled.Data[idx] = est.FUnceiled
}

// FixedPointMaps holds the integer encoded parameter volumes
type FixedPointMaps struct {
	Width, Height, Depth int
	F, D, DStar          []int32
}

// Encode converts the maps to their fixed-point representation
func (m *Maps) Encode() *FixedPointMaps {
	n := len(m.F.Data)
	out := &FixedPointMaps{
		Width:  m.F.Width,
		Height: m.F.Height,
		Depth:  m.F.Depth,
		F:      make([]int32, n),
		D:      make([]int32, n),
		DStar:  make([]int32, n),
	}
	for i := 0; i < n; i++ {
		out.F[i] = EncodeF(m.F.Data[i])
		out.D[i] = EncodeD(m.D.Data[i])
		out.DStar[i] = EncodeDStar(m.DStar.Data[i])
	}
	return out
}
