// Package dwi prepares diffusion-weighted signal vectors for model fitting.
// It classifies acquisition channels into baseline and weighted sets and
// normalizes per-voxel intensities against the baseline signal.
package dwi

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat"
)

// Epsilon is added to the baseline before dividing to avoid division by zero
const Epsilon = 1e-4

var (
	// ErrNoWeightedChannels is returned when every gradient direction is zero
	ErrNoWeightedChannels = errors.New("gradient table has no diffusion-weighted channels")

	// ErrChannelMismatch is returned when a signal vector does not match the gradient table
	ErrChannelMismatch = errors.New("signal length does not match gradient table")
)

// GradientTable describes the acquisition: one direction per channel plus
// the reference b-value. A zero direction marks a baseline channel.
type GradientTable struct {
	Directions []r3.Vec
	ReferenceB float64
}

// BValue returns the effective b-value of channel i, referenceB * |g|^2
func (t GradientTable) BValue(i int) float64 {
	return t.ReferenceB * r3.Norm2(t.Directions[i])
}

// Acquisition is the channel classification derived once from a gradient table.
// It is shared read-only by every voxel fitted in the same run.
type Acquisition struct {
	// Channels is the total number of channels per voxel
	Channels int

	// BaselineIndices lists the zero-gradient channels in acquisition order
	BaselineIndices []int

	// WeightedIndices lists the diffusion-weighted channels in acquisition order
	WeightedIndices []int

	// BValues holds the b-value of each weighted channel, parallel to WeightedIndices
	BValues []float64

	// Interleaved is set when every weighted channel has its own paired baseline
	Interleaved bool

	table GradientTable
}

// Classify splits the channels of a gradient table into baseline and weighted sets
func Classify(table GradientTable) (*Acquisition, error) {
	acq := &Acquisition{
		Channels: len(table.Directions),
		table:    table,
	}
	for i, g := range table.Directions {
		if isBaseline(g) {
			acq.BaselineIndices = append(acq.BaselineIndices, i)
			continue
		}
		acq.WeightedIndices = append(acq.WeightedIndices, i)
		acq.BValues = append(acq.BValues, table.BValue(i))
	}
	if len(acq.WeightedIndices) == 0 {
		return nil, ErrNoWeightedChannels
	}
	acq.Interleaved = isInterleaved(acq.BaselineIndices, acq.WeightedIndices)
	return acq, nil
}

// isBaseline reports whether g is exactly the zero direction. Any non-zero
// component, however small, makes the channel diffusion-weighted.
func isBaseline(g r3.Vec) bool {
	return math.Abs(g.X)+math.Abs(g.Y)+math.Abs(g.Z) <= 0
}

// isInterleaved reports whether baseline and weighted channels alternate:
// equal counts, baselines all of one parity, weighted all of the other.
func isInterleaved(baseline, weighted []int) bool {
	if len(baseline) == 0 || len(baseline) != len(weighted) {
		return false
	}
	bp := baseline[0] % 2
	for _, i := range baseline {
		if i%2 != bp {
			return false
		}
	}
	for _, i := range weighted {
		if i%2 == bp {
			return false
		}
	}
	return true
}

// Table returns the gradient table the acquisition was built from
func (a *Acquisition) Table() GradientTable { return a.table }

// AllBValues returns the b-value of every channel in acquisition order,
// with zero for baseline channels.
func (a *Acquisition) AllBValues() []float64 {
	out := make([]float64, a.Channels)
	for k, i := range a.WeightedIndices {
		out[i] = a.BValues[k]
	}
	return out
}

// MeanBaseline averages the baseline channels of a pixel; zero when there are none
func (a *Acquisition) MeanBaseline(pixel []float64) float64 {
	if len(a.BaselineIndices) == 0 {
		return 0
	}
	vals := make([]float64, len(a.BaselineIndices))
	for k, i := range a.BaselineIndices {
		vals[k] = pixel[i]
	}
	return stat.Mean(vals, nil)
}

// Measurements is a vector of normalized signals with a validity flag per entry.
// Invalid entries were excluded by the S0 threshold and must not be fitted.
type Measurements struct {
	Values []float64
	Valid  []bool
}

// NewMeasurements wraps values with every entry marked valid
func NewMeasurements(values []float64) Measurements {
	valid := make([]bool, len(values))
	for i := range valid {
		valid[i] = true
	}
	return Measurements{Values: values, Valid: valid}
}

// Len returns the number of entries, valid or not
func (m Measurements) Len() int { return len(m.Values) }

// Count returns the number of valid entries
func (m Measurements) Count() int {
	n := 0
	for _, ok := range m.Valid {
		if ok {
			n++
		}
	}
	return n
}

// Select returns the valid values and their b-values
func (m Measurements) Select(bvals []float64) (values, b []float64) {
	for i, ok := range m.Valid {
		if ok {
			values = append(values, m.Values[i])
			b = append(b, bvals[i])
		}
	}
	return values, b
}

// SelectAbove returns the valid values whose b-value exceeds threshold,
// together with their b-values and channel positions.
func (m Measurements) SelectAbove(bvals []float64, threshold float64) (values, b []float64, idx []int) {
	for i, ok := range m.Valid {
		if ok && bvals[i] > threshold {
			values = append(values, m.Values[i])
			b = append(b, bvals[i])
			idx = append(idx, i)
		}
	}
	return values, b, idx
}

// Above returns every entry whose b-value exceeds threshold, keeping the
// validity flags, together with those b-values
func (m Measurements) Above(bvals []float64, threshold float64) (Measurements, []float64) {
	var out Measurements
	var b []float64
	for i, v := range m.Values {
		if bvals[i] > threshold {
			out.Values = append(out.Values, v)
			out.Valid = append(out.Valid, m.Valid[i])
			b = append(b, bvals[i])
		}
	}
	return out, b
}

// Signal is the normalized form of one voxel's signal vector
type Signal struct {
	// Raw holds the weighted channel intensities before normalization
	Raw []float64

	// B0 holds the baseline each weighted channel was divided by
	B0 []float64

	// All holds every normalized ratio, with no thresholding
	All []float64

	// Meas holds the same ratios with sub-threshold channels marked invalid
	Meas Measurements
}

// Normalize divides each weighted channel by its baseline plus Epsilon.
// Interleaved acquisitions use the paired baseline; otherwise the mean of all
// baseline channels is used (zero when there are none). Only channels whose raw
// intensity exceeds s0Threshold stay valid in Meas.
func (a *Acquisition) Normalize(pixel []float64, s0Threshold float64) (Signal, error) {
	if len(pixel) != a.Channels {
		return Signal{}, fmt.Errorf("%w: got %d channels, want %d", ErrChannelMismatch, len(pixel), a.Channels)
	}
	n := len(a.WeightedIndices)
	sig := Signal{
		Raw: make([]float64, n),
		B0:  make([]float64, n),
		All: make([]float64, n),
		Meas: Measurements{
			Values: make([]float64, n),
			Valid:  make([]bool, n),
		},
	}

	b0 := 0.0
	if !a.Interleaved {
		b0 = a.MeanBaseline(pixel)
	}
	for k, i := range a.WeightedIndices {
		base := b0
		if a.Interleaved {
			base = pixel[a.BaselineIndices[k]]
		}
		raw := pixel[i]
		ratio := raw / (base + Epsilon)

		sig.Raw[k] = raw
		sig.B0[k] = base
		sig.All[k] = ratio
		sig.Meas.Values[k] = ratio
		sig.Meas.Valid[k] = raw > s0Threshold
	}
	return sig, nil
}
