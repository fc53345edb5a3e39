package koala

import (
	"fmt"
	"math"

	"github.com/google/uuid"
)

// Info holds the observation metadata shared by every container.
type Info struct {
	Name         string
	Airmass      float64 // 0 when unknown
	ExposureTime float64
	// Per-fibre sky offsets in arcsec, RSS only.
	FibreRAOffset  []float64
	FibreDecOffset []float64
}

// CorrectionRecord is one entry in a container's processing history.
type CorrectionRecord struct {
	ID      uuid.UUID
	Name    string
	Status  string
	Comment string
	Units   string
}

const (
	StatusApplied = "applied"
	StatusFailed  = "failed"
)

type History []CorrectionRecord

func (h *History) Add(name, status, comment, units string) CorrectionRecord {
	rec := CorrectionRecord{
		ID:      uuid.New(),
		Name:    name,
		Status:  status,
		Comment: comment,
		Units:   units,
	}
	*h = append(*h, rec)
	return rec
}

// IsCorrected reports whether a correction with the given name was applied.
func (h History) IsCorrected(name string) bool {
	for _, rec := range h {
		if rec.Name == name && rec.Status == StatusApplied {
			return true
		}
	}
	return false
}

// Container is the state common to RSS and Cube data.
type Container struct {
	Wavelength []float64
	Info       Info
	History    History
}

func (c *Container) clone() Container {
	out := Container{
		Wavelength: append([]float64(nil), c.Wavelength...),
		Info:       c.Info,
		History:    append(History(nil), c.History...),
	}
	out.Info.FibreRAOffset = append([]float64(nil), c.Info.FibreRAOffset...)
	out.Info.FibreDecOffset = append([]float64(nil), c.Info.FibreDecOffset...)
	return out
}

// SpectraContainer is a uniform "spectrum i" view over RSS and Cube data.
// Spectrum and SpectrumVariance return copies.
type SpectraContainer interface {
	Base() *Container
	NumSpectra() int
	Spectrum(i int) []float64
	SpectrumVariance(i int) []float64
	SetSpectrum(i int, intensity, variance []float64)
	Position(i int) (ra, dec float64)
	Copy() SpectraContainer
	Validate() error
}

// RSS holds row-stacked spectra indexed [fibre][wavelength].
type RSS struct {
	Container
	Intensity [][]float64
	Variance  [][]float64
}

// NewRSS builds an RSS. A nil variance is filled with NaN.
func NewRSS(wavelength []float64, intensity, variance [][]float64) (*RSS, error) {
	if variance == nil {
		variance = nanMatrix(len(intensity), len(wavelength))
	}
	r := &RSS{
		Container: Container{Wavelength: wavelength},
		Intensity: intensity,
		Variance:  variance,
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *RSS) Base() *Container { return &r.Container }
func (r *RSS) NumSpectra() int  { return len(r.Intensity) }

func (r *RSS) Spectrum(i int) []float64 {
	return append([]float64(nil), r.Intensity[i]...)
}

func (r *RSS) SpectrumVariance(i int) []float64 {
	return append([]float64(nil), r.Variance[i]...)
}

func (r *RSS) SetSpectrum(i int, intensity, variance []float64) {
	copy(r.Intensity[i], intensity)
	copy(r.Variance[i], variance)
}

func (r *RSS) Position(i int) (float64, float64) {
	ra, dec := math.NaN(), math.NaN()
	if i < len(r.Info.FibreRAOffset) {
		ra = r.Info.FibreRAOffset[i]
	}
	if i < len(r.Info.FibreDecOffset) {
		dec = r.Info.FibreDecOffset[i]
	}
	return ra, dec
}

func (r *RSS) Copy() SpectraContainer {
	return &RSS{
		Container: r.Container.clone(),
		Intensity: copyMatrix(r.Intensity),
		Variance:  copyMatrix(r.Variance),
	}
}

func (r *RSS) Validate() error {
	nw := len(r.Wavelength)
	if len(r.Variance) != len(r.Intensity) {
		return fmt.Errorf("rss variance has %d fibres, intensity %d: %w",
			len(r.Variance), len(r.Intensity), ErrShapeMismatch)
	}
	for i := range r.Intensity {
		if len(r.Intensity[i]) != nw || len(r.Variance[i]) != nw {
			return fmt.Errorf("rss fibre %d has %d/%d pixels, wavelength has %d: %w",
				i, len(r.Intensity[i]), len(r.Variance[i]), nw, ErrShapeMismatch)
		}
	}
	if n := len(r.Info.FibreRAOffset); n != 0 && n != len(r.Intensity) {
		return fmt.Errorf("rss has %d fibre RA offsets for %d fibres: %w", n, len(r.Intensity), ErrShapeMismatch)
	}
	if n := len(r.Info.FibreDecOffset); n != 0 && n != len(r.Intensity) {
		return fmt.Errorf("rss has %d fibre Dec offsets for %d fibres: %w", n, len(r.Intensity), ErrShapeMismatch)
	}
	return nil
}

// Cube holds a data cube indexed [wavelength][y][x]. Spectrum i is the
// spaxel at y = i / nx, x = i % nx.
type Cube struct {
	Container
	Intensity [][][]float64
	Variance  [][][]float64
	RAOffset  []float64 // arcsec, len nx
	DecOffset []float64 // arcsec, len ny
}

// NewCube builds a Cube. A nil variance is filled with NaN.
func NewCube(wavelength []float64, intensity, variance [][][]float64, raOffset, decOffset []float64) (*Cube, error) {
	if variance == nil {
		variance = make([][][]float64, len(intensity))
		for k := range intensity {
			variance[k] = nanMatrix(len(intensity[k]), len(raOffset))
		}
	}
	c := &Cube{
		Container: Container{Wavelength: wavelength},
		Intensity: intensity,
		Variance:  variance,
		RAOffset:  raOffset,
		DecOffset: decOffset,
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cube) Base() *Container { return &c.Container }
func (c *Cube) Nx() int          { return len(c.RAOffset) }
func (c *Cube) Ny() int          { return len(c.DecOffset) }
func (c *Cube) NumSpectra() int  { return c.Nx() * c.Ny() }

func (c *Cube) Spectrum(i int) []float64 {
	return c.column(c.Intensity, i)
}

func (c *Cube) SpectrumVariance(i int) []float64 {
	return c.column(c.Variance, i)
}

func (c *Cube) column(data [][][]float64, i int) []float64 {
	nx := c.Nx()
	y, x := i/nx, i%nx
	out := make([]float64, len(data))
	for k := range data {
		out[k] = data[k][y][x]
	}
	return out
}

func (c *Cube) SetSpectrum(i int, intensity, variance []float64) {
	nx := c.Nx()
	y, x := i/nx, i%nx
	for k := range c.Intensity {
		c.Intensity[k][y][x] = intensity[k]
		c.Variance[k][y][x] = variance[k]
	}
}

func (c *Cube) Position(i int) (float64, float64) {
	nx := c.Nx()
	return c.RAOffset[i%nx], c.DecOffset[i/nx]
}

func (c *Cube) Copy() SpectraContainer {
	out := &Cube{
		Container: c.Container.clone(),
		Intensity: make([][][]float64, len(c.Intensity)),
		Variance:  make([][][]float64, len(c.Variance)),
		RAOffset:  append([]float64(nil), c.RAOffset...),
		DecOffset: append([]float64(nil), c.DecOffset...),
	}
	for k := range c.Intensity {
		out.Intensity[k] = copyMatrix(c.Intensity[k])
	}
	for k := range c.Variance {
		out.Variance[k] = copyMatrix(c.Variance[k])
	}
	return out
}

func (c *Cube) Validate() error {
	nw := len(c.Wavelength)
	if len(c.Intensity) != nw || len(c.Variance) != nw {
		return fmt.Errorf("cube has %d/%d spectral planes, wavelength has %d: %w",
			len(c.Intensity), len(c.Variance), nw, ErrShapeMismatch)
	}
	nx, ny := c.Nx(), c.Ny()
	for k := 0; k < nw; k++ {
		for _, plane := range [][][]float64{c.Intensity[k], c.Variance[k]} {
			if len(plane) != ny {
				return fmt.Errorf("cube plane %d has %d rows, expected %d: %w", k, len(plane), ny, ErrShapeMismatch)
			}
			for _, row := range plane {
				if len(row) != nx {
					return fmt.Errorf("cube plane %d has %d columns, expected %d: %w", k, len(row), nx, ErrShapeMismatch)
				}
			}
		}
	}
	return nil
}

func copyMatrix(m [][]float64) [][]float64 {
	out := make([][]float64, len(m))
	for i := range m {
		out[i] = append([]float64(nil), m[i]...)
	}
	return out
}

func nanMatrix(rows, cols int) [][]float64 {
	out := make([][]float64, rows)
	for i := range out {
		out[i] = make([]float64, cols)
		for j := range out[i] {
			out[i][j] = math.NaN()
		}
	}
	return out
}
