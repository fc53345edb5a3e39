package koala

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ReadSpectrumText loads the first two columns of a whitespace separated
// text file. Lines starting with '#' and blank lines are skipped.
func ReadSpectrumText(path string) (wave, flux []float64, err error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("%s: %w", path, ErrFileNotFound)
		}
		return nil, nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	wave, flux, err = parseColumns(f)
	if err != nil {
		return nil, nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return wave, flux, nil
}

// ParseSpectrumText is ReadSpectrumText for an arbitrary reader.
func ParseSpectrumText(r io.Reader) (wave, flux []float64, err error) {
	return parseColumns(r)
}

func parseColumns(r io.Reader) (wave, flux []float64, err error) {
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		if i := strings.IndexByte(text, '#'); i >= 0 {
			text = text[:i]
		}
		fields := strings.Fields(text)
		if len(fields) < 2 {
			return nil, nil, fmt.Errorf("line %d: expected 2 columns, got %d", line, len(fields))
		}
		w, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return nil, nil, fmt.Errorf("line %d: %w", line, err)
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, nil, fmt.Errorf("line %d: %w", line, err)
		}
		wave = append(wave, w)
		flux = append(flux, v)
	}
	return wave, flux, scanner.Err()
}

// SaveResponse writes <fname>_transfer_function.dat with the wavelength
// and the response in counts per calibrated flux unit.
func SaveResponse(fname string, wave, response []float64, units float64) error {
	if len(wave) != len(response) {
		return fmt.Errorf("response has %d samples, wavelength %d: %w", len(response), len(wave), ErrShapeMismatch)
	}
	if units == 0 {
		units = DefaultCalibUnits
	}
	path := fname + "_transfer_function.dat"
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create response file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "# Spectral Response curve \n")
	fmt.Fprintf(w, "#  wavelength (AA), R (%g counts / [erg/s/cm2/AA])\n", 1/units)
	for i := range wave {
		fmt.Fprintf(w, "%.18e %.18e\n", wave[i], response[i])
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("write response file: %w", err)
	}
	return f.Close()
}

type starSummary struct {
	Name        string    `yaml:"name"`
	Chunks      int       `yaml:"chunks"`
	EmptyChunks int       `yaml:"empty_chunks"`
	FailedFits  int       `yaml:"failed_fits"`
	MeanRSquare float64   `yaml:"mean_r_square"`
	MeanWave    []float64 `yaml:"mean_wave,flow"`
	Flux        []float64 `yaml:"flux,flow"`
	Residuals   []float64 `yaml:"residuals,flow"`
}

// SaveSummary writes the per-star extraction results as YAML.
func SaveSummary(path string, results []*StarCalibration) error {
	out := make([]starSummary, 0, len(results))
	for _, r := range results {
		s := starSummary{Name: r.Name}
		if e := r.Extraction; e != nil {
			s.MeanWave = e.MeanWave
			s.Flux = e.Flux()
			s.Residuals = e.Residuals
			if m := e.Metrics; m != nil {
				s.Chunks, s.EmptyChunks, s.FailedFits, s.MeanRSquare = m.Chunks, m.EmptyChunks, m.FailedFits, m.MeanRSquare
			}
		}
		out = append(out, s)
	}
	data, err := yaml.Marshal(map[string]any{"stars": out})
	if err != nil {
		return fmt.Errorf("encoding summary: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
