// Package kurtosis fits the diffusion kurtosis signal model
//
//	S(b)/S0 = exp(-b·D + b²·D²·K/6)
//
// to diffusion-weighted measurements, either on the straight signal scale or
// on its logarithm.
package kurtosis

import (
	"errors"
	"fmt"
	"strings"

	"dwifit/pkg/lsq"
)

// FitScale selects the scale on which residuals are computed
type FitScale int

const (
	// Straight fits the signal itself
	Straight FitScale = iota
	// Logarithmic fits the logarithm of the signal
	Logarithmic
)

func (s FitScale) String() string {
	switch s {
	case Straight:
		return "straight"
	case Logarithmic:
		return "logarithmic"
	}
	return fmt.Sprintf("FitScale(%d)", int(s))
}

// ErrUnknownFitScale is returned by ParseFitScale for unrecognized names
var ErrUnknownFitScale = errors.New("unknown kurtosis fit scale")

// ParseFitScale converts "straight" or "logarithmic" (also "linear", "log") to a FitScale
func ParseFitScale(s string) (FitScale, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "straight", "linear":
		return Straight, nil
	case "logarithmic", "log":
		return Logarithmic, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownFitScale, s)
}

// Bounds is a closed [Lower, Upper] interval
type Bounds struct {
	Lower, Upper float64
}

// Config is the immutable set of knobs for one kurtosis fit run
type Config struct {
	// OmitBZero drops the b=0 channels; B0 then becomes a fitted parameter
	OmitBZero bool

	// FitScale selects straight or logarithmic residuals
	FitScale FitScale

	// UseBounds enables the soft penalty on D and K
	UseBounds bool

	// KBounds and DBounds are the penalty intervals
	KBounds Bounds
	DBounds Bounds

	// MaxBForFit excludes channels with a larger b-value; zero disables the limit
	MaxBForFit float64

	// SmoothingSigma is the Gaussian prior smoothing in voxels; zero disables it
	SmoothingSigma float64

	// Solver controls the Levenberg-Marquardt iterations; nil uses lsq.DefaultSettings
	Solver *lsq.Settings
}

// DefaultConfig returns the defaults of the interactive tool
func DefaultConfig() Config {
	return Config{
		FitScale: Straight,
		KBounds:  Bounds{Lower: 0, Upper: 5},
		DBounds:  Bounds{Lower: 0, Upper: 0.005},
	}
}

// Validate checks the configuration for values no fit can use
func (c Config) Validate() error {
	if c.FitScale != Straight && c.FitScale != Logarithmic {
		return fmt.Errorf("%w: %d", ErrUnknownFitScale, int(c.FitScale))
	}
	if c.UseBounds {
		if !(c.KBounds.Upper > c.KBounds.Lower) {
			return fmt.Errorf("empty K bounds [%g, %g]", c.KBounds.Lower, c.KBounds.Upper)
		}
		if !(c.DBounds.Upper > c.DBounds.Lower) {
			return fmt.Errorf("empty D bounds [%g, %g]", c.DBounds.Lower, c.DBounds.Upper)
		}
	}
	if c.MaxBForFit < 0 {
		return fmt.Errorf("negative maximal b-value %g", c.MaxBForFit)
	}
	if c.SmoothingSigma < 0 {
		return fmt.Errorf("negative smoothing sigma %g", c.SmoothingSigma)
	}
	return nil
}
