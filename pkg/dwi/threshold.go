package dwi

import (
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"dwifit/internal/models"
)

// histogramBins is the number of bins used to locate the background peak
const histogramBins = 100

// SuggestS0Threshold estimates an S0 threshold from the baseline intensity histogram.
// The histogram of the first baseline channel (the last channel when there is
// none) is built over [min, 0.5*max]; the most populated bin is taken as the
// background level and twice its centre is returned.
func SuggestS0Threshold(vol *models.VectorVolume, acq *Acquisition) float64 {
	channel := vol.Channels - 1
	if len(acq.BaselineIndices) > 0 && acq.BaselineIndices[0] < vol.Channels {
		channel = acq.BaselineIndices[0]
	}

	n := vol.Len()
	if n == 0 {
		return 0
	}
	values := make([]float64, n)
	for i := 0; i < n; i++ {
		values[i] = vol.PixelAt(i)[channel]
	}
	sort.Float64s(values)

	lo := values[0]
	hi := values[n-1] * 0.5
	if hi <= lo {
		return 2 * lo
	}

	dividers := floats.Span(make([]float64, histogramBins+1), lo, hi)
	end := sort.SearchFloat64s(values, hi)
	counts := stat.Histogram(nil, dividers, values[:end], nil)

	peak := 0
	for i, c := range counts {
		if c > counts[peak] {
			peak = i
		}
	}
	centre := 0.5 * (dividers[peak] + dividers[peak+1])
	return 2 * centre
}
