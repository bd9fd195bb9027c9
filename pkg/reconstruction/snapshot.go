package reconstruction

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"dwifit/internal/models"
	"dwifit/pkg/dwi"
	"dwifit/pkg/ivim"
	"dwifit/pkg/kurtosis"
	"dwifit/pkg/roi"
)

// Snapshot is the display record of one voxel or one mask-averaged signal
type Snapshot struct {
	Model Model

	// Voxel is the crosshair position; Voxels is 1 for a single voxel
	// and the number of averaged voxels for a region
	Voxel  [3]int
	Voxels int

	// Exactly one of IVIM and Kurtosis is set
	IVIM     *ivim.Snapshot
	Kurtosis *kurtosis.Snapshot

	// Refined holds the regularized parameters at Voxel when the last
	// Process call used the regularized method
	Refined *ivim.Params
}

// SnapshotAt fits the signal vector at (x,y,z) and returns the full record.
// The voxel is fitted from the unsmoothed volume.
func (r *Reconstructor) SnapshotAt(vol *models.VectorVolume, x, y, z int) (*Snapshot, error) {
	pixel, err := roi.Voxel(vol, x, y, z)
	if err != nil {
		return nil, err
	}
	snap, err := r.snapshot(pixel)
	if snap != nil {
		snap.Voxel = [3]int{x, y, z}
		snap.Voxels = 1
	}
	if err != nil {
		return snap, err
	}

	if r.ivimMaps != nil && r.params.Model == IVIM && r.params.IVIM.Method == ivim.Regularized &&
		r.ivimMaps.F.Contains(x, y, z) {
		idx := r.ivimMaps.F.Index(x, y, z)
		snap.Refined = &ivim.Params{
			F:     r.ivimMaps.F.Data[idx],
			D:     r.ivimMaps.D.Data[idx],
			DStar: r.ivimMaps.DStar.Data[idx],
		}
	}
	return snap, nil
}

// SnapshotROI averages the signal under mask and fits the average
func (r *Reconstructor) SnapshotROI(vol *models.VectorVolume, mask *models.Volume) (*Snapshot, error) {
	avg, count, err := roi.Average(vol, mask)
	if err != nil {
		return nil, err
	}
	log.WithField("voxels", count).Debug("Averaged region of interest")
	snap, err := r.snapshot(avg)
	if snap != nil {
		snap.Voxel = [3]int{-1, -1, -1}
		snap.Voxels = count
	}
	return snap, err
}

func (r *Reconstructor) snapshot(pixel []float64) (*Snapshot, error) {
	acq := r.acq
	if acq == nil {
		var err error
		if acq, err = dwi.Classify(r.params.Table); err != nil {
			return nil, fmt.Errorf("failed to classify acquisition: %w", err)
		}
	}

	snap := &Snapshot{Model: r.params.Model}
	switch r.params.Model {
	case IVIM:
		fitter, err := ivim.NewFitter(acq, r.params.IVIM)
		if err != nil {
			return nil, err
		}
		if snap.IVIM, err = fitter.Fit(pixel); err != nil {
			return nil, err
		}
	case Kurtosis:
		ks, err := kurtosis.Fit(pixel, acq.AllBValues(), r.params.Kurtosis)
		snap.Kurtosis = ks
		if err != nil {
			return snap, err
		}
	default:
		return nil, fmt.Errorf("unknown model %v", r.params.Model)
	}
	return snap, nil
}
