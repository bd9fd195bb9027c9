package reconstruction

import (
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"dwifit/internal/models"
)

// MapStatistics summarizes one parameter map over its fitted voxels
type MapStatistics struct {
	Name string

	// Mean and StdDev of the fitted values
	Mean   float64
	StdDev float64

	// P01, Median and P99 are the 1%, 50% and 99% empirical quantiles
	P01    float64
	Median float64
	P99    float64

	// Count is the number of fitted voxels contributing
	Count int
}

// Metrics describes the outcome of a reconstruction
type Metrics struct {
	// Maps holds one entry per parameter map, in output order
	Maps []MapStatistics

	// Voxel counts by outcome
	Selected     int
	Fitted       int
	Skipped      int
	Insufficient int

	Duration time.Duration
}

func (r *Reconstructor) calculateMetrics() {
	m := Metrics{}
	for _, s := range r.status {
		switch s {
		case statusFitted:
			m.Fitted++
		case statusSkipped:
			m.Skipped++
		case statusInsufficient:
			m.Insufficient++
		}
	}
	m.Selected = m.Fitted + m.Skipped + m.Insufficient

	switch {
	case r.ivimMaps != nil:
		m.Maps = []MapStatistics{
			r.summarize("f", r.ivimMaps.F),
			r.summarize("D", r.ivimMaps.D),
			r.summarize("D*", r.ivimMaps.DStar),
		}
	case r.kurtosisMaps != nil:
		m.Maps = []MapStatistics{
			r.summarize("D", r.kurtosisMaps.D),
			r.summarize("K", r.kurtosisMaps.K),
		}
	}
	r.metrics = m
}

// summarize computes the statistics of vol over the fitted voxels
func (r *Reconstructor) summarize(name string, vol *models.Volume) MapStatistics {
	values := make([]float64, 0, len(vol.Data))
	for i, v := range vol.Data {
		if r.status[i] == statusFitted {
			values = append(values, v)
		}
	}
	return Summarize(name, values)
}

// Summarize computes mean, standard deviation and quantiles of values
func Summarize(name string, values []float64) MapStatistics {
	ms := MapStatistics{Name: name, Count: len(values)}
	if len(values) == 0 {
		return ms
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	ms.Mean, ms.StdDev = stat.MeanStdDev(sorted, nil)
	if len(sorted) == 1 {
		ms.StdDev = 0
	}
	ms.P01 = stat.Quantile(0.01, stat.Empirical, sorted, nil)
	ms.Median = stat.Quantile(0.5, stat.Empirical, sorted, nil)
	ms.P99 = stat.Quantile(0.99, stat.Empirical, sorted, nil)
	return ms
}

// GetMetrics returns the metrics of the last reconstruction
func (r *Reconstructor) GetMetrics() Metrics {
	return r.metrics
}
