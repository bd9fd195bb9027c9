// Package visualization renders slices of parameter maps as images.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"

	colorful "github.com/lucasb-eyer/go-colorful"

	"dwifit/internal/models"
)

// Viewer extracts windowed 2D slices from a scalar parameter map
type Viewer struct {
	// vol holds the parameter map
	vol *models.Volume

	// lo and hi map to black and white (or the ends of the palette)
	lo, hi float64

	// palette is nil for grayscale output
	palette []colorful.Color
}

// NewViewer creates a grayscale viewer mapping [lo, hi] to the full intensity range
func NewViewer(vol *models.Volume, lo, hi float64) *Viewer {
	return &Viewer{vol: vol, lo: lo, hi: hi}
}

// Rainbow is a blue-cyan-yellow-red palette for parameter maps
func Rainbow() []colorful.Color {
	hexes := []string{"#000080", "#0080ff", "#00ffff", "#ffff00", "#ff8000", "#800000"}
	cs := make([]colorful.Color, len(hexes))
	for i, h := range hexes {
		c, err := colorful.Hex(h)
		if err != nil {
			panic(err)
		}
		cs[i] = c
	}
	return cs
}

// WithPalette switches the viewer to colour output. The palette stops are
// spread evenly over the window and interpolated in HCL space.
func (v *Viewer) WithPalette(stops []colorful.Color) *Viewer {
	v.palette = stops
	return v
}

// normalize maps a value to [0,1] inside the window
func (v *Viewer) normalize(val float64) float64 {
	if v.hi <= v.lo || math.IsNaN(val) {
		return 0
	}
	return math.Max(0, math.Min(1, (val-v.lo)/(v.hi-v.lo)))
}

func (v *Viewer) colorAt(t float64) color.Color {
	n := len(v.palette)
	if n == 1 {
		return v.palette[0]
	}
	pos := t * float64(n-1)
	i := int(pos)
	if i >= n-1 {
		return v.palette[n-1]
	}
	frac := pos - float64(i)
	if frac == 0 {
		return v.palette[i]
	}
	return v.palette[i].BlendHcl(v.palette[i+1], frac).Clamped()
}

// ExtractSlice extracts a 2D slice from the map along the specified axis
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}

	var w, h, limit int
	var at func(i, j int) float64
	switch axis {
	case "x", "X":
		// YZ plane
		w, h, limit = v.vol.Depth, v.vol.Height, v.vol.Width
		at = func(i, j int) float64 { return v.vol.At(position, j, i) }
	case "y", "Y":
		// XZ plane
		w, h, limit = v.vol.Width, v.vol.Depth, v.vol.Height
		at = func(i, j int) float64 { return v.vol.At(i, position, j) }
	case "z", "Z":
		// XY plane
		w, h, limit = v.vol.Width, v.vol.Height, v.vol.Depth
		at = func(i, j int) float64 { return v.vol.At(i, j, position) }
	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}
	if position >= limit {
		return nil, fmt.Errorf("position %d exceeds %s extent %d", position, axis, limit)
	}

	if len(v.palette) > 0 {
		img := image.NewRGBA(image.Rect(0, 0, w, h))
		for j := 0; j < h; j++ {
			for i := 0; i < w; i++ {
				img.Set(i, j, v.colorAt(v.normalize(at(i, j))))
			}
		}
		return img, nil
	}

	img := image.NewGray16(image.Rect(0, 0, w, h))
	for j := 0; j < h; j++ {
		for i := 0; i < w; i++ {
			img.SetGray16(i, j, color.Gray16{Y: uint16(math.Round(v.normalize(at(i, j)) * 65535))})
		}
	}
	return img, nil
}

// SaveSlice saves an extracted slice as a PNG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return png.Encode(file, img)
}

// SaveSliceSequence extracts and saves every slice along the specified axis
// as <prefix>_<axis>_NNN.png
func (v *Viewer) SaveSliceSequence(axis, prefix, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	var maxPos int
	switch axis {
	case "x", "X":
		maxPos = v.vol.Width
	case "y", "Y":
		maxPos = v.vol.Height
	case "z", "Z":
		maxPos = v.vol.Depth
	default:
		return fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("%s_%s_%03d.png", prefix, axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}
