package ivim

import (
	"fmt"

	"dwifit/pkg/dwi"
)

// Snapshot records the inputs, intermediates and result of fitting one
// voxel (or one mask-averaged signal). Each call to Fit builds a new one.
type Snapshot struct {
	Method Method

	// Channel classification
	BaselineIndices []int
	WeightedIndices []int
	Interleaved     bool

	// BValues of the weighted channels
	BValues []float64

	// Raw weighted intensities, all normalized ratios and the S0-thresholded ratios
	Raw     []float64
	AllMeas []float64
	Meas    dwi.Measurements

	Estimate
}

// Fitter binds an acquisition to an IVIM configuration. It holds no
// per-voxel state and may be shared by concurrent callers.
type Fitter struct {
	acq *dwi.Acquisition
	cfg Config
}

// NewFitter validates the configuration against the acquisition
func NewFitter(acq *dwi.Acquisition, cfg Config) (*Fitter, error) {
	if acq == nil {
		return nil, fmt.Errorf("nil acquisition")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid IVIM configuration: %w", err)
	}
	return &Fitter{acq: acq, cfg: cfg}, nil
}

// Config returns the configuration the fitter was built with
func (ft *Fitter) Config() Config { return ft.cfg }

// Acquisition returns the channel classification
func (ft *Fitter) Acquisition() *dwi.Acquisition { return ft.acq }

// Fit normalizes one signal vector and fits the configured method
func (ft *Fitter) Fit(pixel []float64) (*Snapshot, error) {
	sig, err := ft.acq.Normalize(pixel, ft.cfg.S0Threshold)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{
		Method:          ft.cfg.Method,
		BaselineIndices: ft.acq.BaselineIndices,
		WeightedIndices: ft.acq.WeightedIndices,
		Interleaved:     ft.acq.Interleaved,
		BValues:         ft.acq.BValues,
		Raw:             sig.Raw,
		AllMeas:         sig.All,
		Meas:            sig.Meas,
	}
	snap.Estimate = FitMeasurements(sig.Meas, ft.acq.BValues, ft.cfg)
	return snap, nil
}

// MaxB returns the largest weighted b-value
func (s *Snapshot) MaxB() float64 {
	maxB := 0.0
	for _, b := range s.BValues {
		if b > maxB {
			maxB = b
		}
	}
	return maxB
}
