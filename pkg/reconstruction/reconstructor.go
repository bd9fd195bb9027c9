// Package reconstruction drives diffusion model fitting over whole volumes.
//
// The reconstruction process consists of several steps:
// 1. Classifying the acquisition into baseline and diffusion-weighted channels
// 2. Resolving the optional mask onto the diffusion grid
// 3. Fitting every selected voxel in parallel, one z-slab per core
// 4. For the regularized IVIM method, refining the staged initial guesses
// 5. Calculating summary statistics of the parameter maps
package reconstruction

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/pbnjay/memory"
	log "github.com/sirupsen/logrus"

	"dwifit/internal/models"
	"dwifit/pkg/dwi"
	"dwifit/pkg/ivim"
	"dwifit/pkg/kurtosis"
	"dwifit/pkg/roi"
	"dwifit/pkg/smoothing"
)

// Model selects the signal model fitted by the reconstructor
type Model int

const (
	// IVIM fits f, D and D*
	IVIM Model = iota
	// Kurtosis fits D and K
	Kurtosis
)

func (m Model) String() string {
	switch m {
	case IVIM:
		return "ivim"
	case Kurtosis:
		return "kurtosis"
	}
	return fmt.Sprintf("Model(%d)", int(m))
}

// ParseModel converts "ivim" or "kurtosis" to a Model
func ParseModel(s string) (Model, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ivim":
		return IVIM, nil
	case "kurtosis", "dki":
		return Kurtosis, nil
	}
	return 0, fmt.Errorf("unknown model %q", s)
}

// ErrInsufficientMemory is returned when the regularized method's staging
// buffers would not fit into physical memory
var ErrInsufficientMemory = errors.New("not enough memory for regularization buffers")

// totalMemory reports physical memory in bytes
var totalMemory = memory.TotalMemory

// Params holds the reconstruction parameters.
type Params struct {
	// Model selects IVIM or kurtosis fitting
	Model Model

	// NumCores specifies how many CPU cores to use for the per-voxel fits.
	// Values below one use every core.
	NumCores int

	// Table is the gradient table of the acquisition, one entry per channel
	Table dwi.GradientTable

	// IVIM and Kurtosis configure the respective model
	IVIM     ivim.Config
	Kurtosis kurtosis.Config

	// Mask restricts the fit to voxels lying on non-zero mask voxels.
	// It may use a different grid; nil selects every voxel.
	Mask *models.Volume
}

// voxel outcome of the last Process call
type voxelStatus uint8

const (
	statusMasked voxelStatus = iota
	statusInsufficient
	statusFitted
	statusSkipped
)

// Reconstructor fits one model to every voxel of a diffusion volume.
type Reconstructor struct {
	// params stores the reconstruction configuration
	params *Params

	// acq is the channel classification of params.Table
	acq *dwi.Acquisition

	ivimMaps     *ivim.Maps
	kurtosisMaps *kurtosis.Maps

	// status holds the outcome of every voxel
	status []voxelStatus

	// metrics stores the map statistics after reconstruction
	metrics Metrics
}

// NewReconstructor creates a new reconstructor instance with the provided parameters.
func NewReconstructor(params *Params) *Reconstructor {
	return &Reconstructor{
		params: params,
	}
}

func (r *Reconstructor) numCores() int {
	if r.params.NumCores < 1 {
		return runtime.NumCPU()
	}
	return r.params.NumCores
}

// Process runs the complete fitting pipeline on vol
func (r *Reconstructor) Process(vol *models.VectorVolume) error {
	start := time.Now()
	r.ivimMaps, r.kurtosisMaps, r.status = nil, nil, nil

	// Step 1: Classify the acquisition
	log.WithFields(log.Fields{
		"channels": len(r.params.Table.Directions),
		"b":        r.params.Table.ReferenceB,
	}).Info("Step 1: Classifying acquisition")
	if err := r.classify(vol); err != nil {
		return err
	}

	// Step 2: Resolve the mask
	log.Info("Step 2: Resolving mask")
	selected, err := r.selection(vol)
	if err != nil {
		return err
	}

	// Step 3+: Model specific fitting
	switch r.params.Model {
	case IVIM:
		err = r.processIVIM(vol, selected)
	case Kurtosis:
		err = r.processKurtosis(vol, selected)
	default:
		err = fmt.Errorf("unknown model %v", r.params.Model)
	}
	if err != nil {
		return err
	}

	log.Info("Calculating map statistics")
	r.calculateMetrics()
	r.metrics.Duration = time.Since(start)

	log.WithFields(log.Fields{
		"fitted":       r.metrics.Fitted,
		"skipped":      r.metrics.Skipped,
		"insufficient": r.metrics.Insufficient,
		"elapsed":      r.metrics.Duration,
	}).Info("Reconstruction complete")
	return nil
}

func (r *Reconstructor) classify(vol *models.VectorVolume) error {
	acq, err := dwi.Classify(r.params.Table)
	if err != nil {
		return fmt.Errorf("failed to classify acquisition: %w", err)
	}
	if vol.Channels != acq.Channels {
		return fmt.Errorf("%w: volume has %d channels, table has %d", dwi.ErrChannelMismatch, vol.Channels, acq.Channels)
	}
	r.acq = acq
	log.WithFields(log.Fields{
		"baseline":    len(acq.BaselineIndices),
		"weighted":    len(acq.WeightedIndices),
		"interleaved": acq.Interleaved,
	}).Debug("Acquisition classified")
	return nil
}

// selection returns the voxels to fit, one flag per voxel of vol
func (r *Reconstructor) selection(vol *models.VectorVolume) ([]bool, error) {
	selected := make([]bool, vol.Len())
	if r.params.Mask == nil {
		for i := range selected {
			selected[i] = true
		}
		return selected, nil
	}
	rs, err := roi.NewResampler(r.params.Mask, vol.Geometry)
	if err != nil {
		return nil, fmt.Errorf("failed to resample mask: %w", err)
	}
	count := 0
	for z := 0; z < vol.Depth; z++ {
		for y := 0; y < vol.Height; y++ {
			for x := 0; x < vol.Width; x++ {
				if rs.Selected(x, y, z) {
					selected[vol.Index(x, y, z)] = true
					count++
				}
			}
		}
	}
	if count == 0 {
		return nil, roi.ErrEmptyMask
	}
	log.WithField("voxels", count).Debug("Mask resolved")
	return selected, nil
}

// forEachSlice runs fn for every z-slice, dividing the slices among the cores
func (r *Reconstructor) forEachSlice(depth int, fn func(z int) error) error {
	numCores := r.numCores()
	slicesPerCore := (depth + numCores - 1) / numCores

	var wg sync.WaitGroup
	errs := make([]error, numCores)
	for c := 0; c < numCores; c++ {
		startSlice := c * slicesPerCore
		endSlice := startSlice + slicesPerCore
		if endSlice > depth {
			endSlice = depth
		}
		if startSlice >= endSlice {
			break
		}

		wg.Add(1)
		go func(coreID, startSlice, endSlice int) {
			defer wg.Done()
			for z := startSlice; z < endSlice; z++ {
				if err := fn(z); err != nil {
					errs[coreID] = err
					return
				}
			}
		}(c, startSlice, endSlice)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (r *Reconstructor) processIVIM(vol *models.VectorVolume, selected []bool) error {
	cfg := r.params.IVIM
	fitter, err := ivim.NewFitter(r.acq, cfg)
	if err != nil {
		return err
	}

	var staging *ivim.Staging
	var highB []float64
	if cfg.Method == ivim.Regularized {
		highB = ivim.HighBValues(r.acq.BValues, cfg.BThreshold)
		if err := checkStagingMemory(vol.Len(), len(highB)); err != nil {
			return err
		}
		staging = ivim.NewStaging(vol.Width, vol.Height, vol.Depth, vol.Geometry)
	}

	maps := ivim.NewMaps(vol.Width, vol.Height, vol.Depth, vol.Geometry)
	status := make([]voxelStatus, vol.Len())

	log.WithFields(log.Fields{
		"method": cfg.Method,
		"voxels": vol.Len(),
		"cores":  r.numCores(),
	}).Info("Step 3: Fitting IVIM model per voxel")
	err = r.forEachSlice(vol.Depth, func(z int) error {
		for y := 0; y < vol.Height; y++ {
			for x := 0; x < vol.Width; x++ {
				idx := vol.Index(x, y, z)
				if !selected[idx] {
					continue
				}
				snap, err := fitter.Fit(vol.PixelAt(idx))
				if err != nil {
					return fmt.Errorf("voxel (%d,%d,%d): %w", x, y, z, err)
				}
				if !snap.Fitted {
					status[idx] = statusInsufficient
				} else {
					status[idx] = statusFitted
				}
				if staging != nil {
					staging.Stage(idx, snap.Staged, snap.Estimate)
					continue
				}
				maps.Store(idx, snap.Estimate)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("IVIM fit failed: %w", err)
	}

	if staging != nil {
		log.WithFields(log.Fields{
			"iterations": cfg.Iterations,
			"lambda":     cfg.Lambda,
			"highB":      len(highB),
		}).Info("Step 4: Refining with total variation regularization")
		maps = ivim.Refine(staging, highB, ivim.RefineParamsFrom(cfg))
	}

	r.ivimMaps = maps
	r.status = status
	return nil
}

// checkStagingMemory estimates the regularization buffers for n voxels with
// the given number of staged high-b channels and compares them to physical memory
func checkStagingMemory(n, channels int) error {
	const (
		perVoxel   = 24 + 1 + 48 + 2*24 + 8 + 4*8 // guess, flag, measurement headers, sweep buffers, maps
		perChannel = 8 + 1
	)
	need := uint64(n) * uint64(perVoxel+channels*perChannel)
	total := totalMemory()
	log.WithFields(log.Fields{
		"needMiB":  need / 1024 / 1024,
		"totalMiB": total / 1024 / 1024,
	}).Debug("Regularization memory estimate")
	if total > 0 && need > total/2 {
		return fmt.Errorf("%w: need %d MiB of %d MiB", ErrInsufficientMemory, need/1024/1024, total/1024/1024)
	}
	return nil
}

func (r *Reconstructor) processKurtosis(vol *models.VectorVolume, selected []bool) error {
	cfg := r.params.Kurtosis
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid kurtosis configuration: %w", err)
	}

	src := vol
	if cfg.SmoothingSigma > 0 {
		log.WithField("sigma", cfg.SmoothingSigma).Info("Step 3: Smoothing diffusion volume")
		src = smoothing.Gaussian(vol, cfg.SmoothingSigma)
	}

	bvals := r.acq.AllBValues()
	maps := kurtosis.NewMaps(vol.Width, vol.Height, vol.Depth, vol.Geometry)
	status := make([]voxelStatus, vol.Len())

	log.WithFields(log.Fields{
		"scale":  cfg.FitScale,
		"voxels": vol.Len(),
		"cores":  r.numCores(),
	}).Info("Step 4: Fitting kurtosis model per voxel")
	err := r.forEachSlice(vol.Depth, func(z int) error {
		for y := 0; y < vol.Height; y++ {
			for x := 0; x < vol.Width; x++ {
				idx := vol.Index(x, y, z)
				if !selected[idx] {
					continue
				}
				snap, err := kurtosis.Fit(src.PixelAt(idx), bvals, cfg)
				switch {
				case errors.Is(err, kurtosis.ErrDegenerateSignal):
					status[idx] = statusSkipped
					log.WithFields(log.Fields{"x": x, "y": y, "z": z}).Debug(snap.SkipReason)
					continue
				case err != nil:
					return fmt.Errorf("voxel (%d,%d,%d): %w", x, y, z, err)
				case !snap.Fitted:
					status[idx] = statusInsufficient
					continue
				}
				status[idx] = statusFitted
				maps.D.Data[idx] = snap.D
				maps.K.Data[idx] = snap.K
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("kurtosis fit failed: %w", err)
	}

	r.kurtosisMaps = maps
	r.status = status
	return nil
}

// IVIMMaps returns the maps of the last IVIM run, or nil
func (r *Reconstructor) IVIMMaps() *ivim.Maps {
	return r.ivimMaps
}

// KurtosisMaps returns the maps of the last kurtosis run, or nil
func (r *Reconstructor) KurtosisMaps() *kurtosis.Maps {
	return r.kurtosisMaps
}

// Acquisition returns the channel classification of the last run
func (r *Reconstructor) Acquisition() *dwi.Acquisition {
	return r.acq
}
