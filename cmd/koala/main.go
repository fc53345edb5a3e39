// Command koala runs the KOALA reduction steps on FITS files.
//
// Usage:
//
//	koala [-config file] <command> [flags] args
//
// Commands:
//
//	solar-offset    measure fibre wavelength offsets from a twilight RSS
//	apply-offset    resample an RSS with a stored wavelength offset
//	flux-calib      derive the spectral response from standard stars
//	apply-response  divide an RSS or cube by a response curve
//	extinction      correct an RSS or cube for atmospheric extinction
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"koala/internal/config"
	"koala/internal/logger"
	"koala/pkg/koala"
)

type command struct {
	name  string
	usage string
	run   func(ctx context.Context, cfg *config.Config, args []string) error
}

var commands = []command{
	{"solar-offset", "solar-offset [-sun file] [-o offset.fits] [-plots dir] twilight.fits", runSolarOffset},
	{"apply-offset", "apply-offset -offset offset.fits -o out.fits rss.fits", runApplyOffset},
	{"flux-calib", "flux-calib [-library dir] [-save dir] [-summary file] star=rss.fits ...", runFluxCalib},
	{"apply-response", "apply-response -response file [-cube] -o out.fits in.fits", runApplyResponse},
	{"extinction", "extinction [-file ext.dat] [-airmass X] [-cube] -o out.fits in.fits", runExtinction},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("koala", flag.ContinueOnError)
	cfgPath := fs.String("config", os.Getenv("KOALA_CONFIG"), "YAML configuration file")
	logLevel := fs.String("log-level", "", "override log_level from the configuration")
	fs.Usage = func() { printUsage(fs) }
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		printUsage(fs)
		return errors.New("missing command")
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	logger.SetLevel(cfg.LogLevel)

	name := fs.Arg(0)
	for _, c := range commands {
		if c.name != name {
			continue
		}
		start := time.Now()
		if err := c.run(ctx, cfg, fs.Args()[1:]); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		logger.Infof("%s finished in %.1fs", name, time.Since(start).Seconds())
		return nil
	}
	printUsage(fs)
	return fmt.Errorf("unknown command %q", name)
}

func printUsage(fs *flag.FlagSet) {
	out := fs.Output()
	fmt.Fprintf(out, "Usage: koala [-config file] <command> [flags] args\n\nCommands:\n")
	for _, c := range commands {
		fmt.Fprintf(out, "  %s\n", c.usage)
	}
	fmt.Fprintf(out, "\nGlobal flags:\n")
	fs.PrintDefaults()
}

func runSolarOffset(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("solar-offset", flag.ContinueOnError)
	sunPath := fs.String("sun", cfg.Solar.SunFile, "solar spectrum, FITS table or two-column text in vacuum wavelengths")
	output := fs.String("o", "", "offset FITS file to write")
	plots := fs.String("plots", "", "directory for diagnostic JPEG plots")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("expected one twilight RSS file")
	}
	if *sunPath == "" {
		return errors.New("no solar spectrum given (-sun or solar.sun_file)")
	}

	solar, err := loadSun(*sunPath, cfg.Solar.SunExtension)
	if err != nil {
		return err
	}
	rss, err := koala.ReadRSSFits(fs.Arg(0))
	if err != nil {
		return err
	}
	fmt.Printf("Loaded: %s (%d fibres, %d wavelengths)\n", fs.Arg(0), rss.NumSpectra(), len(rss.Wavelength))

	result, err := solar.ComputeShiftFromTwilight(ctx, rss, cfg.Solar.Params())
	if err != nil {
		return err
	}
	median, mad := koala.MedianMAD(result.Offset.Offset)
	errMedian, _ := koala.MedianMAD(result.Offset.Error)
	fmt.Println()
	fmt.Println("=== Solar Cross-Correlation ===")
	fmt.Printf("  Fibres:          %d\n", len(result.Offset.Offset))
	fmt.Printf("  Valid pixels:    %d\n", result.ValidPixels)
	fmt.Printf("  Grid:            %d shifts x %d sigmas\n", len(result.ShiftGrid), len(result.SigmaGrid))
	fmt.Printf("  Offset (median): %.3f +/- %.3f px\n", median, mad)
	fmt.Printf("  Error (median):  %.3f px\n", errMedian)
	fmt.Println("===============================")

	if *output != "" {
		if err := result.Offset.ToFits(*output); err != nil {
			return err
		}
	}
	if *plots != "" {
		if err := writeSolarPlots(*plots, result); err != nil {
			return err
		}
	}
	return nil
}

func loadSun(path string, extension int) (*koala.SolarCrossCorrOffset, error) {
	if isFits(path) {
		if extension < 1 {
			extension = 1
		}
		return koala.SolarCrossCorrOffsetFromFits(path, extension)
	}
	return koala.SolarCrossCorrOffsetFromText(path)
}

func writeSolarPlots(dir string, result *koala.SolarOffsetResult) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating plot directory: %w", err)
	}
	if err := koala.RenderOffsets(result.Offset, filepath.Join(dir, "wavelength_offset.jpg")); err != nil {
		return err
	}
	for fibre, surface := range result.Likelihood {
		path := filepath.Join(dir, fmt.Sprintf("likelihood_fibre_%04d.jpg", fibre))
		if err := koala.RenderLikelihoodMap(surface, result.ShiftGrid, result.SigmaGrid, path); err != nil {
			return err
		}
	}
	fmt.Printf("Plots written to %s\n", dir)
	return nil
}

func runApplyOffset(_ context.Context, _ *config.Config, args []string) error {
	fs := flag.NewFlagSet("apply-offset", flag.ContinueOnError)
	offsetPath := fs.String("offset", "", "offset FITS file")
	output := fs.String("o", "", "corrected RSS FITS file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 || *offsetPath == "" || *output == "" {
		return errors.New("expected -offset, -o and one RSS file")
	}
	correction, err := koala.NewWavelengthCorrectionFromFits(*offsetPath)
	if err != nil {
		return err
	}
	rss, err := koala.ReadRSSFits(fs.Arg(0))
	if err != nil {
		return err
	}
	corrected, err := correction.Apply(rss)
	if err != nil {
		return err
	}
	return saveContainer(*output, corrected)
}

func runFluxCalib(ctx context.Context, cfg *config.Config, args []string) error {
	params := cfg.FluxCal.Params()
	fs := flag.NewFlagSet("flux-calib", flag.ContinueOnError)
	fs.StringVar(&params.LibraryDir, "library", params.LibraryDir, "directory of reference star spectra")
	fs.StringVar(&params.SaveDir, "save", params.SaveDir, "directory for response files")
	summary := fs.String("summary", "", "YAML file for the per-star extraction summary")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("expected at least one star=rss.fits pair")
	}
	if params.LibraryDir == "" {
		return errors.New("no star library given (-library or flux_calibration.library_dir)")
	}

	stars := make([]string, 0, fs.NArg())
	data := make([]koala.SpectraContainer, 0, fs.NArg())
	for _, arg := range fs.Args() {
		star, path, ok := strings.Cut(arg, "=")
		if !ok || star == "" || path == "" {
			return fmt.Errorf("argument %q is not star=file", arg)
		}
		rss, err := koala.ReadRSSFits(path)
		if err != nil {
			return err
		}
		stars = append(stars, star)
		data = append(data, rss)
	}

	if params.SaveDir != "" {
		if err := os.MkdirAll(params.SaveDir, 0o755); err != nil {
			return fmt.Errorf("creating save directory: %w", err)
		}
	}
	fc := koala.NewFluxCalibration(params)
	results, err := fc.Auto(ctx, data, stars)
	if err != nil {
		return err
	}

	fmt.Println()
	fmt.Println("=== Flux Calibration ===")
	for _, r := range results {
		fmt.Printf("  %-12s %s\n", r.Name, r.Extraction.Metrics)
	}
	fmt.Println("========================")

	if params.SaveDir != "" {
		master := koala.MasterResponse(results)
		path := filepath.Join(params.SaveDir, "master_response")
		if err := koala.SaveResponse(path, data[0].Base().Wavelength, master, fc.Units); err != nil {
			return err
		}
	}
	if *summary != "" {
		return koala.SaveSummary(*summary, results)
	}
	return nil
}

func runApplyResponse(_ context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("apply-response", flag.ContinueOnError)
	responsePath := fs.String("response", "", "response file written by flux-calib")
	cube := fs.Bool("cube", false, "input is a cube")
	output := fs.String("o", "", "calibrated FITS file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 || *responsePath == "" || *output == "" {
		return errors.New("expected -response, -o and one input file")
	}
	wave, resp, err := koala.ReadSpectrumText(*responsePath)
	if err != nil {
		return err
	}
	sc, err := loadContainer(fs.Arg(0), *cube)
	if err != nil {
		return err
	}
	response, err := koala.Interp(sc.Base().Wavelength, wave, resp)
	if err != nil {
		return err
	}
	if err := koala.NewFluxCalibration(cfg.FluxCal.Params()).Apply(sc, response); err != nil {
		return err
	}
	return saveContainer(*output, sc)
}

func runExtinction(_ context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("extinction", flag.ContinueOnError)
	file := fs.String("file", cfg.Extinction.File, "two-column extinction curve in mag/airmass")
	airmass := fs.Float64("airmass", cfg.Extinction.Airmass, "airmass, 0 uses the value from the header")
	cube := fs.Bool("cube", false, "input is a cube")
	output := fs.String("o", "", "corrected FITS file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 || *file == "" || *output == "" {
		return errors.New("expected -file, -o and one input file")
	}
	ext, err := koala.AtmosphericExtinctionFromText(*file)
	if err != nil {
		return err
	}
	sc, err := loadContainer(fs.Arg(0), *cube)
	if err != nil {
		return err
	}
	corrected, err := ext.Apply(sc, *airmass)
	if err != nil {
		return err
	}
	return saveContainer(*output, corrected)
}

func loadContainer(path string, cube bool) (koala.SpectraContainer, error) {
	if cube {
		return koala.ReadCubeFits(path)
	}
	return koala.ReadRSSFits(path)
}

func saveContainer(path string, sc koala.SpectraContainer) error {
	var err error
	switch c := sc.(type) {
	case *koala.RSS:
		err = koala.WriteRSSFits(path, c)
	case *koala.Cube:
		err = koala.WriteCubeFits(path, c)
	default:
		err = fmt.Errorf("unsupported container %T", sc)
	}
	if err != nil {
		return err
	}
	fmt.Printf("Saved: %s\n", path)
	return nil
}

func isFits(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasSuffix(lower, ".fits") || strings.HasSuffix(lower, ".fit") || strings.HasSuffix(lower, ".fts")
}
