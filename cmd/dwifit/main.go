package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"dwifit/internal/models"
	"dwifit/pkg/config"
	"dwifit/pkg/dwi"
	"dwifit/pkg/ivim"
	"dwifit/pkg/phantom"
	"dwifit/pkg/reconstruction"
	"dwifit/pkg/report"
	"dwifit/pkg/visualization"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "dwifit.yaml", "YAML configuration file (defaults are used if it does not exist)")
	writeConfig := flag.Bool("write-config", false, "Write the default configuration to -config and exit")
	model := flag.String("model", "", "Signal model: ivim or kurtosis (overrides the configuration)")
	method := flag.String("method", "", "IVIM method: fit_all, dstar_fix, d_then_dstar, linear_d_then_f, regularized")
	dims := flag.String("phantom", "16x16x4", "Phantom dimensions WxHxD")
	bvalList := flag.String("bvals", "0,10,20,40,80,110,140,170,200,300,400,500,600,700,800,900,1000", "Comma separated b-values in s/mm², 0 for baseline")
	noise := flag.Float64("noise", 0.005, "Standard deviation of the Gaussian phantom noise, relative to S0")
	seed := flag.Uint64("seed", 1, "Seed of the phantom noise")
	voxel := flag.String("voxel", "", "Print the fit snapshot of voxel x,y,z")
	roiRadius := flag.Int("roi-radius", 0, "Average a cube of this half-width around -voxel instead of fitting the single voxel")
	numCores := flag.Int("cores", 0, "Number of CPU cores to use (overrides the configuration)")
	fixedPoint := flag.Bool("fixed-point", false, "Print the fixed-point encoded IVIM maps")
	slicesDir := flag.String("slices-dir", "", "Directory to save PNG slices of every parameter map")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()

	if *writeConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			log.Fatalf("Failed to write configuration: %v", err)
		}
		fmt.Printf("Default configuration written to %s\n", *configPath)
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	applyOverrides(cfg, *model, *method, *numCores, *fixedPoint, *verbose)
	setupLogging(cfg)

	modelName, err := cfg.ModelName()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	recModel, err := reconstruction.ParseModel(modelName)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	fmt.Println("================================")
	fmt.Println("DIFFUSION MODEL FITTING: IVIM AND KURTOSIS PARAMETER MAPS")
	fmt.Println("================================")

	bvals, err := parseFloats(*bvalList)
	if err != nil {
		log.Fatalf("Invalid -bvals: %v", err)
	}
	grid, err := phantom.ParseDims(*dims)
	if err != nil {
		log.Fatalf("Invalid -phantom: %v", err)
	}
	table := phantom.Table(bvals)

	// Initialize reconstruction parameters
	params := &reconstruction.Params{
		Model:    recModel,
		NumCores: cfg.Processing.NumCores,
		Table:    table,
	}

	var vol *models.VectorVolume
	switch recModel {
	case reconstruction.IVIM:
		if params.IVIM, err = cfg.IVIM(); err != nil {
			log.Fatalf("Invalid IVIM configuration: %v", err)
		}
		vol = phantom.IVIMVolume(grid, table, ivimPhantom(grid), 1, *noise, *seed)
		if cfg.IVIMFit.AutoThreshold {
			acq, err := dwi.Classify(table)
			if err != nil {
				log.Fatalf("Invalid gradient table: %v", err)
			}
			params.IVIM.S0Threshold = dwi.SuggestS0Threshold(vol, acq)
			log.WithField("threshold", params.IVIM.S0Threshold).Info("Using suggested S0 threshold")
		}
	case reconstruction.Kurtosis:
		if params.Kurtosis, err = cfg.Kurtosis(); err != nil {
			log.Fatalf("Invalid kurtosis configuration: %v", err)
		}
		vol = phantom.KurtosisVolume(grid, table, kurtosisPhantom(grid), 1, *noise, *seed)
	}

	// Create reconstructor instance
	reconstructor := reconstruction.NewReconstructor(params)

	// Run the fitting pipeline
	fmt.Printf("Fitting %s model on a %dx%dx%d phantom with %d channels...\n",
		recModel, grid.Width, grid.Height, grid.Depth, len(bvals))
	startTime := time.Now()
	if err := reconstructor.Process(vol); err != nil {
		log.Fatalf("Reconstruction failed: %v", err)
	}
	processingTime := time.Since(startTime)

	fmt.Printf("\nFitting completed successfully in %.2f seconds!\n\n", processingTime.Seconds())
	if err := report.MapSummary(os.Stdout, reconstructor.GetMetrics()); err != nil {
		log.Fatalf("Failed to write summary: %v", err)
	}

	if cfg.Output.FixedPoint && reconstructor.IVIMMaps() != nil {
		fmt.Println("\nFixed-point maps:")
		if err := report.FixedPointSummary(os.Stdout, reconstructor.IVIMMaps().Encode()); err != nil {
			log.Fatalf("Failed to write fixed-point summary: %v", err)
		}
	}

	if *voxel != "" {
		printSnapshot(reconstructor, vol, *voxel, *roiRadius)
	}

	if *slicesDir != "" {
		saveSlices(reconstructor, *slicesDir)
	}
}

// applyOverrides copies explicitly set flags over the configuration
func applyOverrides(cfg *config.Config, model, method string, numCores int, fixedPoint, verbose bool) {
	if model != "" {
		cfg.Processing.Model = model
	}
	if method != "" {
		cfg.IVIMFit.Method = method
	}
	if numCores > 0 {
		cfg.Processing.NumCores = numCores
	}
	if fixedPoint {
		cfg.Output.FixedPoint = true
	}
	if verbose {
		cfg.Output.LogLevel = "debug"
	}
}

func setupLogging(cfg *config.Config) {
	log.SetOutput(os.Stderr)
	level, err := log.ParseLevel(cfg.Output.LogLevel)
	if err != nil {
		log.Warnf("Unknown log level %q, using info", cfg.Output.LogLevel)
		level = log.InfoLevel
	}
	if !cfg.Output.Verbose && level > log.WarnLevel {
		level = log.WarnLevel
	}
	log.SetLevel(level)
}

// ivimPhantom varies f along x and D along y
func ivimPhantom(grid phantom.Dims) func(x, y, z int) ivim.Params {
	return func(x, y, z int) ivim.Params {
		return ivim.Params{
			F:     0.05 + 0.25*ratio(x, grid.Width),
			D:     0.0007 + 0.0008*ratio(y, grid.Height),
			DStar: 0.02,
		}
	}
}

// kurtosisPhantom varies D along x and K along y
func kurtosisPhantom(grid phantom.Dims) func(x, y, z int) phantom.KurtosisParams {
	return func(x, y, z int) phantom.KurtosisParams {
		return phantom.KurtosisParams{
			D: 0.0008 + 0.0008*ratio(x, grid.Width),
			K: 0.5 + 1.0*ratio(y, grid.Height),
		}
	}
}

func ratio(i, n int) float64 {
	if n < 2 {
		return 0
	}
	return float64(i) / float64(n-1)
}

func printSnapshot(r *reconstruction.Reconstructor, vol *models.VectorVolume, voxel string, radius int) {
	pos, err := parseInts(voxel, 3)
	if err != nil {
		log.Fatalf("Invalid -voxel: %v", err)
	}

	var snap *reconstruction.Snapshot
	if radius > 0 {
		mask := vol.NewVolumeLike()
		for z := pos[2] - radius; z <= pos[2]+radius; z++ {
			for y := pos[1] - radius; y <= pos[1]+radius; y++ {
				for x := pos[0] - radius; x <= pos[0]+radius; x++ {
					if mask.Contains(x, y, z) {
						mask.Set(x, y, z, 1)
					}
				}
			}
		}
		snap, err = r.SnapshotROI(vol, mask)
	} else {
		snap, err = r.SnapshotAt(vol, pos[0], pos[1], pos[2])
	}
	if snap != nil {
		fmt.Println()
		fmt.Print(report.Snapshot(snap))
		fmt.Println()
	}
	if err != nil {
		log.Warnf("Snapshot: %v", err)
	}
}

func saveSlices(r *reconstruction.Reconstructor, dir string) {
	maps := map[string]*models.Volume{}
	if m := r.IVIMMaps(); m != nil {
		maps["f"], maps["d"], maps["dstar"] = m.F, m.D, m.DStar
	}
	if m := r.KurtosisMaps(); m != nil {
		maps["d"], maps["k"] = m.D, m.K
	}
	windows := map[string]reconstruction.MapStatistics{}
	for _, ms := range r.GetMetrics().Maps {
		windows[strings.ToLower(strings.ReplaceAll(ms.Name, "*", "star"))] = ms
	}

	for name, vol := range maps {
		w := windows[name]
		viewer := visualization.NewViewer(vol, w.P01, w.P99).WithPalette(visualization.Rainbow())
		mapDir := filepath.Join(dir, name)
		fmt.Printf("Saving %s slices to: %s\n", name, mapDir)
		if err := viewer.SaveSliceSequence("z", name, mapDir); err != nil {
			log.Warnf("Failed to save %s slices: %v", name, err)
		}
	}
}

func parseFloats(s string) ([]float64, error) {
	fields := strings.Split(s, ",")
	out := make([]float64, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func parseInts(s string, n int) ([]int, error) {
	fields := strings.Split(s, ",")
	if len(fields) != n {
		return nil, fmt.Errorf("expected %d comma separated values, got %q", n, s)
	}
	out := make([]int, n)
	for i, f := range fields {
		v, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
