// Package config provides configuration loading and management for dwifit.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"

	"dwifit/pkg/ivim"
	"dwifit/pkg/kurtosis"
	"dwifit/pkg/lsq"
)

// Model names accepted by processing.model
const (
	ModelIVIM     = "ivim"
	ModelKurtosis = "kurtosis"
)

// ErrUnknownMethod is returned when the configuration names a model, IVIM method
// or kurtosis fit scale that does not exist
var ErrUnknownMethod = errors.New("unknown fitting method")

// Range is a closed interval as written in YAML
type Range struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// NumCores specifies how many CPU cores to use for parallel processing
		NumCores int `yaml:"numCores"`

		// Model selects the signal model, "ivim" or "kurtosis"
		Model string `yaml:"model"`
	} `yaml:"processing"`

	// IVIM fitting parameters
	IVIMFit struct {
		// Method is one of fit_all, dstar_fix, d_then_dstar, linear_d_then_f, regularized
		Method string `yaml:"method"`

		// S0Threshold marks channels below this raw intensity as unusable
		S0Threshold float64 `yaml:"s0Threshold"`

		// AutoThreshold derives the S0 threshold from the baseline histogram
		AutoThreshold bool `yaml:"autoThreshold"`

		// BThreshold separates the high-b channels for the two-stage methods
		BThreshold float64 `yaml:"bThreshold"`

		FixedDStar float64 `yaml:"fixedDStar"`
		FitDStar   bool    `yaml:"fitDStar"`

		// Iterations and Lambda control the regularized method
		Iterations int     `yaml:"iterations"`
		Lambda     float64 `yaml:"lambda"`

		DStarSearch struct {
			Min   float64 `yaml:"min"`
			Max   float64 `yaml:"max"`
			Steps int     `yaml:"steps"`
		} `yaml:"dstarSearch"`

		InitialGuess struct {
			F     float64 `yaml:"f"`
			D     float64 `yaml:"d"`
			DStar float64 `yaml:"dstar"`
		} `yaml:"initialGuess"`

		// ParameterScale maps f, D and D* to comparable magnitudes
		ParameterScale []float64 `yaml:"parameterScale"`
	} `yaml:"ivim"`

	// Kurtosis fitting parameters
	KurtosisFit struct {
		OmitBZero bool `yaml:"omitBZero"`

		// FitScale is "straight" or "logarithmic"
		FitScale string `yaml:"fitScale"`

		UseKBounds bool  `yaml:"useKBounds"`
		KBounds    Range `yaml:"kBounds"`
		DBounds    Range `yaml:"dBounds"`

		// MaxBForFit excludes larger b-values; 0 keeps every channel
		MaxBForFit float64 `yaml:"maxBForFit"`

		// SmoothingSigma is the Gaussian prior smoothing in voxels
		SmoothingSigma float64 `yaml:"smoothingSigma"`
	} `yaml:"kurtosis"`

	// Nonlinear solver parameters shared by both models
	Solver struct {
		MaxIterations     int     `yaml:"maxIterations"`
		FunctionTolerance float64 `yaml:"functionTolerance"`
		StepTolerance     float64 `yaml:"stepTolerance"`
	} `yaml:"solver"`

	// Output parameters
	Output struct {
		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`

		// LogLevel is a logrus level name
		LogLevel string `yaml:"logLevel"`

		// FixedPoint prints IVIM maps in their integer encoding
		FixedPoint bool `yaml:"fixedPoint"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default processing parameters
	cfg.Processing.NumCores = runtime.NumCPU() // Use all available cores by default
	cfg.Processing.Model = ModelIVIM

	// Set default IVIM parameters
	iv := ivim.DefaultConfig()
	cfg.IVIMFit.Method = iv.Method.String()
	cfg.IVIMFit.S0Threshold = iv.S0Threshold
	cfg.IVIMFit.BThreshold = iv.BThreshold
	cfg.IVIMFit.FixedDStar = iv.FixedDStar
	cfg.IVIMFit.FitDStar = iv.FitDStar
	cfg.IVIMFit.Iterations = iv.Iterations
	cfg.IVIMFit.Lambda = iv.Lambda
	cfg.IVIMFit.DStarSearch.Min = iv.DStarSearch.Min
	cfg.IVIMFit.DStarSearch.Max = iv.DStarSearch.Max
	cfg.IVIMFit.DStarSearch.Steps = iv.DStarSearch.Steps
	cfg.IVIMFit.InitialGuess.F = iv.InitialGuess.F
	cfg.IVIMFit.InitialGuess.D = iv.InitialGuess.D
	cfg.IVIMFit.InitialGuess.DStar = iv.InitialGuess.DStar
	cfg.IVIMFit.ParameterScale = iv.ParameterScale[:]

	// Set default kurtosis parameters
	ku := kurtosis.DefaultConfig()
	cfg.KurtosisFit.OmitBZero = ku.OmitBZero
	cfg.KurtosisFit.FitScale = ku.FitScale.String()
	cfg.KurtosisFit.UseKBounds = ku.UseBounds
	cfg.KurtosisFit.KBounds = Range{Min: ku.KBounds.Lower, Max: ku.KBounds.Upper}
	cfg.KurtosisFit.DBounds = Range{Min: ku.DBounds.Lower, Max: ku.DBounds.Upper}
	cfg.KurtosisFit.MaxBForFit = ku.MaxBForFit
	cfg.KurtosisFit.SmoothingSigma = ku.SmoothingSigma

	// Set default solver parameters
	s := lsq.DefaultSettings()
	cfg.Solver.MaxIterations = s.MaxIterations
	cfg.Solver.FunctionTolerance = s.FunctionTolerance
	cfg.Solver.StepTolerance = s.StepTolerance

	// Set default output parameters
	cfg.Output.Verbose = true
	cfg.Output.LogLevel = "info"
	cfg.Output.FixedPoint = false

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

// ModelName returns the normalized model name, or ErrUnknownMethod
func (c *Config) ModelName() (string, error) {
	m := strings.ToLower(strings.TrimSpace(c.Processing.Model))
	switch m {
	case ModelIVIM, ModelKurtosis:
		return m, nil
	}
	return "", fmt.Errorf("%w: model %q", ErrUnknownMethod, c.Processing.Model)
}

// SolverSettings converts the solver section
func (c *Config) SolverSettings() *lsq.Settings {
	s := lsq.DefaultSettings()
	if c.Solver.MaxIterations > 0 {
		s.MaxIterations = c.Solver.MaxIterations
	}
	if c.Solver.FunctionTolerance > 0 {
		s.FunctionTolerance = c.Solver.FunctionTolerance
	}
	if c.Solver.StepTolerance > 0 {
		s.StepTolerance = c.Solver.StepTolerance
	}
	return s
}

// IVIM converts the ivim section into a validated fit configuration
func (c *Config) IVIM() (ivim.Config, error) {
	method, err := ivim.ParseMethod(c.IVIMFit.Method)
	if err != nil {
		return ivim.Config{}, fmt.Errorf("%w: %v", ErrUnknownMethod, err)
	}
	out := ivim.Config{
		Method:      method,
		S0Threshold: c.IVIMFit.S0Threshold,
		BThreshold:  c.IVIMFit.BThreshold,
		FixedDStar:  c.IVIMFit.FixedDStar,
		FitDStar:    c.IVIMFit.FitDStar,
		Iterations:  c.IVIMFit.Iterations,
		Lambda:      c.IVIMFit.Lambda,
		DStarSearch: ivim.GridSearch{
			Min:   c.IVIMFit.DStarSearch.Min,
			Max:   c.IVIMFit.DStarSearch.Max,
			Steps: c.IVIMFit.DStarSearch.Steps,
		},
		InitialGuess: ivim.Params{
			F:     c.IVIMFit.InitialGuess.F,
			D:     c.IVIMFit.InitialGuess.D,
			DStar: c.IVIMFit.InitialGuess.DStar,
		},
		ParameterScale: ivim.DefaultConfig().ParameterScale,
		Solver:         c.SolverSettings(),
	}
	if len(c.IVIMFit.ParameterScale) > 0 {
		if len(c.IVIMFit.ParameterScale) != 3 {
			return ivim.Config{}, fmt.Errorf("parameterScale needs 3 entries, got %d", len(c.IVIMFit.ParameterScale))
		}
		copy(out.ParameterScale[:], c.IVIMFit.ParameterScale)
	}
	if err := out.Validate(); err != nil {
		return ivim.Config{}, err
	}
	return out, nil
}

// Kurtosis converts the kurtosis section into a validated fit configuration
func (c *Config) Kurtosis() (kurtosis.Config, error) {
	scale, err := kurtosis.ParseFitScale(c.KurtosisFit.FitScale)
	if err != nil {
		return kurtosis.Config{}, fmt.Errorf("%w: %v", ErrUnknownMethod, err)
	}
	out := kurtosis.Config{
		OmitBZero:      c.KurtosisFit.OmitBZero,
		FitScale:       scale,
		UseBounds:      c.KurtosisFit.UseKBounds,
		KBounds:        kurtosis.Bounds{Lower: c.KurtosisFit.KBounds.Min, Upper: c.KurtosisFit.KBounds.Max},
		DBounds:        kurtosis.Bounds{Lower: c.KurtosisFit.DBounds.Min, Upper: c.KurtosisFit.DBounds.Max},
		MaxBForFit:     c.KurtosisFit.MaxBForFit,
		SmoothingSigma: c.KurtosisFit.SmoothingSigma,
		Solver:         c.SolverSettings(),
	}
	if err := out.Validate(); err != nil {
		return kurtosis.Config{}, err
	}
	return out, nil
}
