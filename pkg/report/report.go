// Package report renders fit snapshots and map statistics as tab separated
// text, suitable for pasting into a spreadsheet.
package report

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"gonum.org/v1/gonum/floats"

	"dwifit/pkg/ivim"
	"dwifit/pkg/kurtosis"
	"dwifit/pkg/reconstruction"
)

// CurveSamples is the number of model samples written between b=0 and the largest b-value
const CurveSamples = 50

func writeRow(sb *strings.Builder, values []float64, prec int) {
	for _, v := range values {
		fmt.Fprintf(sb, "%.*f \t", prec, v)
	}
	sb.WriteString("\n")
}

// sampleB returns CurveSamples b-values i/CurveSamples·maxB, i = 0..CurveSamples-1
func sampleB(maxB float64) []float64 {
	b := make([]float64, CurveSamples)
	for i := range b {
		b[i] = float64(i) / CurveSamples * maxB
	}
	return b
}

// IVIMCurve renders the measurement points, the first-stage D/f line and the
// sampled final model of an IVIM snapshot
func IVIMCurve(s *ivim.Snapshot) string {
	var sb strings.Builder
	sb.WriteString("Measurement Points\n")
	writeRow(&sb, s.BValues, 2)
	writeRow(&sb, s.AllMeas, 2)

	maxB := s.MaxB()
	intercept := 1 - s.FUnceiled
	sb.WriteString("1st Linear Fit of D and f \n")
	fmt.Fprintf(&sb, "%.2f \t %.2f \n %.2f \t %.2f \n", 0.0, maxB, intercept, intercept*ivim.Signal(maxB, ivim.Params{D: s.D}))

	sb.WriteString("Final Model\n")
	bs := sampleB(maxB)
	writeRow(&sb, bs, 2)
	model := ivim.Params{F: s.FUnceiled, D: s.D, DStar: s.DStar}
	ys := make([]float64, len(bs))
	for i, b := range bs {
		ys[i] = ivim.Signal(b, model)
	}
	writeRow(&sb, ys, 2)
	return sb.String()
}

// IVIMStatistics renders the fitted f, D and D* with ten decimals
func IVIMStatistics(s *ivim.Snapshot) string {
	return fmt.Sprintf("f \t D \t D* \n%.10f \t %.10f \t %.10f", s.F, s.D, s.DStar)
}

// KurtosisCurve renders the measurement points, the fitted values and the
// sampled model of a kurtosis snapshot
func KurtosisCurve(s *kurtosis.Snapshot) string {
	var sb strings.Builder
	sb.WriteString("Measurement Points\n")
	writeRow(&sb, s.BValues, 2)
	writeRow(&sb, s.Measurements, 2)
	sb.WriteString("\n")

	sb.WriteString("Fitted Values ( D  K  [b_0] ) \n")
	fmt.Fprintf(&sb, "%g %g", s.D, s.K)
	if s.FittedBZero {
		fmt.Fprintf(&sb, " %g", s.BZero)
	}
	sb.WriteString("\n\n")

	if !s.Fitted || len(s.BValues) == 0 {
		return sb.String()
	}
	scale := 1.0
	if s.FittedBZero {
		scale = s.BZero
	}
	sb.WriteString("Final Model\n")
	bs := sampleB(floats.Max(s.BValues))
	writeRow(&sb, bs, 2)
	ys := make([]float64, len(bs))
	for i, b := range bs {
		ys[i] = scale * kurtosis.Signal(b, s.D, s.K)
	}
	writeRow(&sb, ys, 4)
	return sb.String()
}

// KurtosisStatistics renders the fitted D and K with ten decimals
func KurtosisStatistics(s *kurtosis.Snapshot) string {
	return fmt.Sprintf("D \t K \n%.10f \t %.10f", s.D, s.K)
}

// Snapshot renders the statistics and curve of a reconstruction snapshot
func Snapshot(s *reconstruction.Snapshot) string {
	var sb strings.Builder
	if s.Voxels == 1 {
		fmt.Fprintf(&sb, "Voxel (%d,%d,%d)\n", s.Voxel[0], s.Voxel[1], s.Voxel[2])
	} else {
		fmt.Fprintf(&sb, "Region of %d voxels\n", s.Voxels)
	}
	switch {
	case s.IVIM != nil:
		sb.WriteString(IVIMStatistics(s.IVIM))
		sb.WriteString("\n\n")
		sb.WriteString(IVIMCurve(s.IVIM))
		if s.Refined != nil {
			fmt.Fprintf(&sb, "Regularized \n%.10f \t %.10f \t %.10f\n", s.Refined.F, s.Refined.D, s.Refined.DStar)
		}
	case s.Kurtosis != nil:
		if s.Kurtosis.Skipped {
			fmt.Fprintf(&sb, "Skipped: %s\n", s.Kurtosis.SkipReason)
		}
		sb.WriteString(KurtosisStatistics(s.Kurtosis))
		sb.WriteString("\n\n")
		sb.WriteString(KurtosisCurve(s.Kurtosis))
	}
	return sb.String()
}

// MapSummary writes one aligned row per parameter map followed by the voxel counts
func MapSummary(w io.Writer, m reconstruction.Metrics) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "map\tmean\tstddev\tp01\tmedian\tp99\tvoxels")
	for _, ms := range m.Maps {
		fmt.Fprintf(tw, "%s\t%.6g\t%.6g\t%.6g\t%.6g\t%.6g\t%d\n",
			ms.Name, ms.Mean, ms.StdDev, ms.P01, ms.Median, ms.P99, ms.Count)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "selected %d, fitted %d, skipped %d, insufficient data %d, elapsed %v\n",
		m.Selected, m.Fitted, m.Skipped, m.Insufficient, m.Duration)
	return err
}

// FixedPointSummary writes the encoded value range of each IVIM map
func FixedPointSummary(w io.Writer, fp *ivim.FixedPointMaps) error {
	rows := []struct {
		name  string
		scale int
		data  []int32
	}{
		{"f", ivim.FScale, fp.F},
		{"D", ivim.DScale, fp.D},
		{"D*", ivim.DStarScale, fp.DStar},
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "map\tscale\tmin\tmax")
	for _, r := range rows {
		lo, hi := int32(0), int32(0)
		for i, v := range r.data {
			if i == 0 || v < lo {
				lo = v
			}
			if i == 0 || v > hi {
				hi = v
			}
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\n", r.name, r.scale, lo, hi)
	}
	return tw.Flush()
}
