package models

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"
)

func TestGeometryRoundTrip(t *testing.T) {
	g := Geometry{
		Origin:  r3.Vec{X: 10, Y: -20, Z: 5},
		Spacing: r3.Vec{X: 0.8, Y: 0.8, Z: 4},
		// 90 degree rotation about z
		Direction: [3][3]float64{{0, -1, 0}, {1, 0, 0}, {0, 0, 1}},
	}

	p := g.IndexToPoint(3, 2, 1)
	want := r3.Vec{X: 10 - 1.6, Y: -20 + 2.4, Z: 9}
	if r3.Norm(r3.Sub(p, want)) > 1e-12 {
		t.Errorf("Expected %v, got %v", want, p)
	}

	idx, err := g.PointToIndex(p)
	if err != nil {
		t.Fatalf("PointToIndex failed: %v", err)
	}
	if idx != [3]int{3, 2, 1} {
		t.Errorf("Expected (3,2,1), got %v", idx)
	}

	pm, err := NewPointMapper(g)
	if err != nil {
		t.Fatalf("NewPointMapper failed: %v", err)
	}
	// a point 0.3 voxels off still maps to the nearest voxel
	if got := pm.Index(g.IndexToPoint(3.3, 1.7, 1.2)); got != [3]int{3, 2, 1} {
		t.Errorf("Expected nearest voxel (3,2,1), got %v", got)
	}
}

func TestGeometrySingular(t *testing.T) {
	g := IdentityGeometry()
	g.Spacing.Z = 0
	if _, err := g.PointToIndex(r3.Vec{}); err == nil {
		t.Error("Expected error for a singular geometry")
	}
	if _, err := NewPointMapper(g); err == nil {
		t.Error("Expected error for a singular geometry")
	}
}

func TestVolumeIndexing(t *testing.T) {
	v := NewVolume(4, 3, 2)
	if v.Len() != 24 {
		t.Errorf("Expected 24 voxels, got %d", v.Len())
	}
	v.Set(3, 2, 1, 7)
	if v.Data[23] != 7 || v.At(3, 2, 1) != 7 {
		t.Errorf("Expected x-fastest layout, got %v", v.Data)
	}
	if v.Contains(4, 0, 0) || v.Contains(0, -1, 0) || !v.Contains(0, 0, 1) {
		t.Error("Unexpected bounds check result")
	}
}

func TestVectorVolume(t *testing.T) {
	v := NewVectorVolume(2, 2, 1, 3)
	v.SetPixel(1, 1, 0, []float64{1, 2, 3})
	if got := v.PixelAt(3); got[0] != 1 || got[2] != 3 {
		t.Errorf("Expected pixel (1,2,3), got %v", got)
	}
	if got := v.Data[9:12]; got[1] != 2 {
		t.Errorf("Expected channels stored contiguously, got %v", v.Data)
	}

	pix := v.Pixel(1, 1, 0)
	if cap(pix) != 3 {
		t.Errorf("Expected pixel capacity limited to the channel count, got %d", cap(pix))
	}

	like := v.NewVolumeLike()
	if like.Width != 2 || like.Height != 2 || like.Depth != 1 || like.Geometry != v.Geometry {
		t.Errorf("Unexpected scalar volume %+v", like)
	}
	if math.IsNaN(like.At(0, 0, 0)) {
		t.Error("Expected zero-filled scalar volume")
	}
}
