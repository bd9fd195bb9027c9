// Package roi extracts representative signal vectors from a diffusion volume,
// either a single voxel under a crosshair or the average under a mask.
package roi

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r3"

	"dwifit/internal/models"
)

var (
	// ErrEmptyMask is returned when a mask selects no voxel of the diffusion volume
	ErrEmptyMask = errors.New("mask selects no voxels")

	// ErrOutOfBounds is returned for positions outside the volume
	ErrOutOfBounds = errors.New("position outside of the volume")
)

// Resampler answers whether a voxel of the diffusion grid falls on a non-zero
// mask voxel. Lookups go through physical space with nearest-neighbour rounding,
// so the mask may use a different grid.
type Resampler struct {
	mask   *models.Volume
	src    models.Geometry
	mapper *models.PointMapper
}

// NewResampler prepares lookups of mask values for voxels of a grid with geometry src
func NewResampler(mask *models.Volume, src models.Geometry) (*Resampler, error) {
	pm, err := models.NewPointMapper(mask.Geometry)
	if err != nil {
		return nil, fmt.Errorf("mask geometry: %w", err)
	}
	return &Resampler{mask: mask, src: src, mapper: pm}, nil
}

// Selected reports whether voxel (x,y,z) of the source grid lies on a non-zero mask voxel
func (rs *Resampler) Selected(x, y, z int) bool {
	p := rs.src.IndexToPoint(float64(x), float64(y), float64(z))
	idx := rs.mapper.Index(p)
	if !rs.mask.Contains(idx[0], idx[1], idx[2]) {
		return false
	}
	return rs.mask.At(idx[0], idx[1], idx[2]) != 0
}

// Average returns the mean signal vector over all voxels selected by mask,
// together with the number of voxels averaged. ErrEmptyMask is returned when
// nothing is selected.
func Average(vol *models.VectorVolume, mask *models.Volume) ([]float64, int, error) {
	rs, err := NewResampler(mask, vol.Geometry)
	if err != nil {
		return nil, 0, err
	}
	avg := make([]float64, vol.Channels)
	count := 0
	for z := 0; z < vol.Depth; z++ {
		for y := 0; y < vol.Height; y++ {
			for x := 0; x < vol.Width; x++ {
				if !rs.Selected(x, y, z) {
					continue
				}
				floats.Add(avg, vol.Pixel(x, y, z))
				count++
			}
		}
	}
	if count == 0 {
		return nil, 0, ErrEmptyMask
	}
	floats.Scale(1/float64(count), avg)
	return avg, count, nil
}

// Voxel returns a copy of the signal vector at (x,y,z)
func Voxel(vol *models.VectorVolume, x, y, z int) ([]float64, error) {
	if !vol.Contains(x, y, z) {
		return nil, fmt.Errorf("%w: (%d,%d,%d)", ErrOutOfBounds, x, y, z)
	}
	return append([]float64(nil), vol.Pixel(x, y, z)...), nil
}

// WorldToIndex maps a physical position to the nearest voxel of vol
func WorldToIndex(vol *models.VectorVolume, p r3.Vec) ([3]int, error) {
	idx, err := vol.Geometry.PointToIndex(p)
	if err != nil {
		return idx, err
	}
	if !vol.Contains(idx[0], idx[1], idx[2]) {
		return idx, fmt.Errorf("%w: crosshair at %v", ErrOutOfBounds, p)
	}
	return idx, nil
}
