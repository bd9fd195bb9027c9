package kurtosis

import "dwifit/internal/models"

// Maps holds the D and K parameter volumes, stored as floating point
type Maps struct {
	D *models.Volume
	K *models.Volume
}

// NewMaps allocates zeroed maps
func NewMaps(width, height, depth int, geom models.Geometry) *Maps {
	d := models.NewVolume(width, height, depth)
	d.Geometry = geom
	k := models.NewVolume(width, height, depth)
	k.Geometry = geom
	return &Maps{D: d, K: k}
}
