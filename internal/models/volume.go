package models

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Geometry places a voxel grid in physical space
type Geometry struct {
	// Origin is the physical position of voxel (0,0,0)
	Origin r3.Vec

	// Spacing is the physical size of each voxel in mm
	Spacing r3.Vec

	// Direction holds the grid axes as columns
	Direction [3][3]float64
}

// IdentityGeometry returns a unit-spaced grid at the origin
func IdentityGeometry() Geometry {
	return Geometry{
		Spacing:   r3.Vec{X: 1, Y: 1, Z: 1},
		Direction: [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}},
	}
}

// IndexToPoint maps a (continuous) voxel index to a physical point
func (g Geometry) IndexToPoint(x, y, z float64) r3.Vec {
	s := [3]float64{x * g.Spacing.X, y * g.Spacing.Y, z * g.Spacing.Z}
	var p [3]float64
	for i := 0; i < 3; i++ {
		p[i] = g.Direction[i][0]*s[0] + g.Direction[i][1]*s[1] + g.Direction[i][2]*s[2]
	}
	return r3.Add(g.Origin, r3.Vec{X: p[0], Y: p[1], Z: p[2]})
}

// PointToIndex maps a physical point to the nearest voxel index.
// The result may lie outside the grid; callers check bounds.
func (g Geometry) PointToIndex(p r3.Vec) ([3]int, error) {
	inv, err := g.inverse()
	if err != nil {
		return [3]int{}, err
	}
	return inv.nearest(p), nil
}

// indexer caches the inverse of the index-to-point transform
type indexer struct {
	origin r3.Vec
	m      [3][3]float64
}

func (g Geometry) inverse() (*indexer, error) {
	a := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		a.Set(i, 0, g.Direction[i][0]*g.Spacing.X)
		a.Set(i, 1, g.Direction[i][1]*g.Spacing.Y)
		a.Set(i, 2, g.Direction[i][2]*g.Spacing.Z)
	}
	var inv mat.Dense
	if err := inv.Inverse(a); err != nil {
		return nil, fmt.Errorf("geometry is not invertible: %w", err)
	}
	idx := &indexer{origin: g.Origin}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			idx.m[i][j] = inv.At(i, j)
		}
	}
	return idx, nil
}

func (idx *indexer) nearest(p r3.Vec) [3]int {
	d := r3.Sub(p, idx.origin)
	v := [3]float64{d.X, d.Y, d.Z}
	var out [3]int
	for i := 0; i < 3; i++ {
		c := idx.m[i][0]*v[0] + idx.m[i][1]*v[1] + idx.m[i][2]*v[2]
		out[i] = int(math.Round(c))
	}
	return out
}

// PointMapper converts physical points to voxel indices of one geometry.
// It inverts the geometry once and is safe for concurrent use.
type PointMapper struct {
	idx *indexer
}

// NewPointMapper prepares repeated point-to-index lookups
func NewPointMapper(g Geometry) (*PointMapper, error) {
	idx, err := g.inverse()
	if err != nil {
		return nil, err
	}
	return &PointMapper{idx: idx}, nil
}

// Index returns the nearest voxel index of p
func (pm *PointMapper) Index(p r3.Vec) [3]int {
	return pm.idx.nearest(p)
}

// Volume represents a scalar 3D image such as a parameter map or a mask
type Volume struct {
	// Data is the 3D volume data as a 1D array in row-major order (x fastest)
	Data []float64

	// Width is the width of the volume in voxels
	Width int

	// Height is the height of the volume in voxels
	Height int

	// Depth is the depth of the volume in voxels
	Depth int

	// Geometry places the volume in physical space
	Geometry Geometry
}

// NewVolume allocates a zero-filled scalar volume with identity geometry
func NewVolume(width, height, depth int) *Volume {
	return &Volume{
		Data:     make([]float64, width*height*depth),
		Width:    width,
		Height:   height,
		Depth:    depth,
		Geometry: IdentityGeometry(),
	}
}

// Len returns the number of voxels
func (v *Volume) Len() int { return v.Width * v.Height * v.Depth }

// Contains reports whether the index lies inside the grid
func (v *Volume) Contains(x, y, z int) bool {
	return x >= 0 && y >= 0 && z >= 0 && x < v.Width && y < v.Height && z < v.Depth
}

// Index returns the linear offset of voxel (x,y,z)
func (v *Volume) Index(x, y, z int) int {
	return (z*v.Height+y)*v.Width + x
}

// At returns the value at (x,y,z)
func (v *Volume) At(x, y, z int) float64 {
	return v.Data[v.Index(x, y, z)]
}

// Set stores a value at (x,y,z)
func (v *Volume) Set(x, y, z int, val float64) {
	v.Data[v.Index(x, y, z)] = val
}

// VectorVolume is a multi-channel 3D image, one signal vector per voxel.
// Channels are stored contiguously per voxel.
type VectorVolume struct {
	Data                 []float64
	Width, Height, Depth int
	Channels             int
	Geometry             Geometry
}

// NewVectorVolume allocates a zero-filled vector volume with identity geometry
func NewVectorVolume(width, height, depth, channels int) *VectorVolume {
	return &VectorVolume{
		Data:     make([]float64, width*height*depth*channels),
		Width:    width,
		Height:   height,
		Depth:    depth,
		Channels: channels,
		Geometry: IdentityGeometry(),
	}
}

// Len returns the number of voxels
func (v *VectorVolume) Len() int { return v.Width * v.Height * v.Depth }

// Contains reports whether the index lies inside the grid
func (v *VectorVolume) Contains(x, y, z int) bool {
	return x >= 0 && y >= 0 && z >= 0 && x < v.Width && y < v.Height && z < v.Depth
}

// Index returns the linear voxel offset of (x,y,z)
func (v *VectorVolume) Index(x, y, z int) int {
	return (z*v.Height+y)*v.Width + x
}

// Pixel returns the signal vector at (x,y,z). The slice aliases the volume.
func (v *VectorVolume) Pixel(x, y, z int) []float64 {
	return v.PixelAt(v.Index(x, y, z))
}

// PixelAt returns the signal vector at a linear voxel offset
func (v *VectorVolume) PixelAt(idx int) []float64 {
	off := idx * v.Channels
	return v.Data[off : off+v.Channels : off+v.Channels]
}

// SetPixel copies a signal vector into voxel (x,y,z)
func (v *VectorVolume) SetPixel(x, y, z int, pix []float64) {
	copy(v.Pixel(x, y, z), pix)
}

// NewVolumeLike allocates a scalar volume sharing the grid of v
func (v *VectorVolume) NewVolumeLike() *Volume {
	out := NewVolume(v.Width, v.Height, v.Depth)
	out.Geometry = v.Geometry
	return out
}
