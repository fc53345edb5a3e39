package koala

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/astrogo/fitsio"
)

// FitsMetadata holds parsed FITS header key-value pairs.
type FitsMetadata struct {
	Headers map[string]string
}

// NewFitsMetadata collects the cards of a FITS header.
func NewFitsMetadata(hdr *fitsio.Header) *FitsMetadata {
	m := &FitsMetadata{Headers: make(map[string]string)}
	if hdr == nil {
		return m
	}
	for _, key := range hdr.Keys() {
		if card := hdr.Get(key); card != nil && card.Value != nil {
			m.Headers[strings.ToUpper(key)] = fmt.Sprint(card.Value)
		}
	}
	return m
}

func (m *FitsMetadata) GetString(key string) string {
	if v, ok := m.Headers[strings.ToUpper(key)]; ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func (m *FitsMetadata) GetDouble(key string) (float64, bool) {
	v, ok := m.Headers[strings.ToUpper(key)]
	if !ok {
		return 0, false
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, false
	}
	return d, true
}

func (m *FitsMetadata) GetInt(key string) (int, bool) {
	v, ok := m.Headers[strings.ToUpper(key)]
	if !ok {
		return 0, false
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, false
	}
	return i, true
}

func (m *FitsMetadata) ObjectName() string { return m.GetString("OBJECT") }

func (m *FitsMetadata) ExposureTime() (float64, bool) {
	if v, ok := m.GetDouble("EXPTIME"); ok {
		return v, true
	}
	return m.GetDouble("EXPOSURE")
}

func (m *FitsMetadata) Airmass() (float64, bool) { return m.GetDouble("AIRMASS") }

// LinearWavelength evaluates the linear WCS of the given axis (1-based).
func (m *FitsMetadata) LinearWavelength(axis, n int) ([]float64, bool) {
	crval, ok1 := m.GetDouble(fmt.Sprintf("CRVAL%d", axis))
	cdelt, ok2 := m.GetDouble(fmt.Sprintf("CDELT%d", axis))
	if !ok1 || !ok2 {
		return nil, false
	}
	crpix, ok := m.GetDouble(fmt.Sprintf("CRPIX%d", axis))
	if !ok {
		crpix = 1
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = crval + (float64(i+1)-crpix)*cdelt
	}
	return out, true
}

func openFits(path string) (*os.File, *fitsio.File, error) {
	r, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("%s: %w", path, ErrFileNotFound)
		}
		return nil, nil, fmt.Errorf("opening FITS file: %w", err)
	}
	f, err := fitsio.Open(r)
	if err != nil {
		r.Close()
		return nil, nil, fmt.Errorf("decoding FITS file %s: %w", path, err)
	}
	return r, f, nil
}

func readImage(hdu fitsio.HDU) ([]float64, []int, error) {
	img, ok := hdu.(fitsio.Image)
	if !ok {
		return nil, nil, fmt.Errorf("HDU %q is not an image", hdu.Name())
	}
	hdr := hdu.Header()
	var (
		data []float64
		err  error
	)
	switch hdr.Bitpix() {
	case 8:
		data, err = readPixels[uint8](img)
	case 16:
		data, err = readPixels[int16](img)
	case 32:
		data, err = readPixels[int32](img)
	case 64:
		data, err = readPixels[int64](img)
	case -32:
		data, err = readPixels[float32](img)
	case -64:
		data, err = readPixels[float64](img)
	default:
		return nil, nil, fmt.Errorf("image %q: unsupported BITPIX %d", hdu.Name(), hdr.Bitpix())
	}
	if err != nil {
		return nil, nil, fmt.Errorf("reading image %q: %w", hdu.Name(), err)
	}

	meta := NewFitsMetadata(hdr)
	bscale, ok := meta.GetDouble("BSCALE")
	if !ok {
		bscale = 1
	}
	bzero, _ := meta.GetDouble("BZERO")
	if bscale != 1 || bzero != 0 {
		for i, v := range data {
			data[i] = v*bscale + bzero
		}
	}
	return data, hdr.Axes(), nil
}

type pixel interface {
	~uint8 | ~int16 | ~int32 | ~int64 | ~float32 | ~float64
}

// readPixels reads an image stored with the element type T and widens it.
func readPixels[T pixel](img fitsio.Image) ([]float64, error) {
	var raw []T
	if err := img.Read(&raw); err != nil {
		return nil, err
	}
	out := make([]float64, len(raw))
	for i, v := range raw {
		out[i] = float64(v)
	}
	return out, nil
}

// readColumns reads the named numeric columns of a table, whatever their
// stored type, as float64.
func readColumns(tbl *fitsio.Table, names ...string) ([][]float64, error) {
	for _, name := range names {
		if tbl.Index(name) < 0 {
			return nil, fmt.Errorf("table %q has no column %s", tbl.Name(), name)
		}
	}
	rows, err := tbl.Read(0, tbl.NumRows())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([][]float64, len(names))
	row := make(map[string]interface{}, len(names))
	for rows.Next() {
		for _, name := range names {
			row[name] = nil
		}
		if err := rows.Scan(&row); err != nil {
			return nil, err
		}
		for i, name := range names {
			v, err := toFloat64(row[name])
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", name, err)
			}
			out[i] = append(out[i], v)
		}
	}
	return out, rows.Err()
}

func toFloat64(v interface{}) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int16:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint8:
		return float64(x), nil
	default:
		return 0, fmt.Errorf("unsupported value type %T", v)
	}
}

func newImageHDU(name string, data []float64, axes []int, cards ...fitsio.Card) (fitsio.Image, error) {
	img := fitsio.NewImage(-64, axes)
	if name != "" {
		cards = append([]fitsio.Card{{Name: "EXTNAME", Value: name}}, cards...)
	}
	if len(cards) > 0 {
		if err := img.Header().Append(cards...); err != nil {
			return nil, fmt.Errorf("image %q header: %w", name, err)
		}
	}
	if err := img.Write(&data); err != nil {
		return nil, fmt.Errorf("image %q data: %w", name, err)
	}
	return img, nil
}

func newPrimaryImage(data []float64, axes []int, cards []fitsio.Card) (fitsio.HDU, error) {
	hdr := fitsio.NewHeader(cards, fitsio.IMAGE_HDU, -64, axes)
	phdu, err := fitsio.NewPrimaryHDU(hdr)
	if err != nil {
		return nil, fmt.Errorf("primary HDU: %w", err)
	}
	if data != nil {
		if err := phdu.(fitsio.Image).Write(&data); err != nil {
			return nil, fmt.Errorf("primary HDU data: %w", err)
		}
	}
	return phdu, nil
}

func writeFits(path string, hdus ...fitsio.HDU) error {
	w, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create FITS file: %w", err)
	}
	defer w.Close()
	if err := encodeFits(w, hdus...); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return w.Close()
}

func encodeFits(w io.Writer, hdus ...fitsio.HDU) error {
	f, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	for _, hdu := range hdus {
		if err := f.Write(hdu); err != nil {
			return err
		}
	}
	return f.Close()
}

func writeOffsetFits(path string, o *WavelengthOffset) error {
	primary, err := newPrimaryImage(nil, nil, nil)
	if err != nil {
		return err
	}
	offset, err := newImageHDU("OFFSET", o.Offset, []int{len(o.Offset)})
	if err != nil {
		return err
	}
	offsetErr, err := newImageHDU("OFFSET_ERR", o.Error, []int{len(o.Error)})
	if err != nil {
		return err
	}
	return writeFits(path, primary, offset, offsetErr)
}

// ReadWavelengthOffset loads an offset file: extension 1 holds the offset
// and extension 2 its error.
func ReadWavelengthOffset(path string) (*WavelengthOffset, error) {
	r, f, err := openFits(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	defer f.Close()

	if len(f.HDUs()) < 3 {
		return nil, fmt.Errorf("offset file %s has %d HDUs, expected 3", path, len(f.HDUs()))
	}
	offset, _, err := readImage(f.HDU(1))
	if err != nil {
		return nil, err
	}
	offsetErr, _, err := readImage(f.HDU(2))
	if err != nil {
		return nil, err
	}
	return &WavelengthOffset{Offset: offset, Error: offsetErr, Path: path}, nil
}

type solarRow struct {
	Wavelength float64 `fits:"WAVELENGTH"`
	Flux       float64 `fits:"FLUX"`
}

// ReadSolarTable reads the WAVELENGTH and FLUX columns of the binary
// table stored in HDU extension.
func ReadSolarTable(path string, extension int) (wave, flux []float64, err error) {
	r, f, err := openFits(path)
	if err != nil {
		return nil, nil, err
	}
	defer r.Close()
	defer f.Close()

	if extension < 0 || extension >= len(f.HDUs()) {
		return nil, nil, fmt.Errorf("%s has no extension %d", path, extension)
	}
	tbl, ok := f.HDU(extension).(*fitsio.Table)
	if !ok {
		return nil, nil, fmt.Errorf("%s extension %d is not a table", path, extension)
	}
	cols, err := readColumns(tbl, "WAVELENGTH", "FLUX")
	if err != nil {
		return nil, nil, fmt.Errorf("reading solar table: %w", err)
	}
	return cols[0], cols[1], nil
}

// WriteSolarTable stores a solar spectrum (vacuum wavelengths) as a
// binary table in extension 1.
func WriteSolarTable(path string, wave, flux []float64) error {
	if len(wave) != len(flux) {
		return fmt.Errorf("solar table with %d wavelengths and %d fluxes: %w", len(wave), len(flux), ErrShapeMismatch)
	}
	primary, err := newPrimaryImage(nil, nil, nil)
	if err != nil {
		return err
	}
	tbl, err := fitsio.NewTable("SUN", []fitsio.Column{
		{Name: "WAVELENGTH", Format: "D", Unit: "Angstrom"},
		{Name: "FLUX", Format: "D"},
	}, fitsio.BINARY_TBL)
	if err != nil {
		return fmt.Errorf("solar table: %w", err)
	}
	defer tbl.Close()
	for i := range wave {
		row := solarRow{Wavelength: wave[i], Flux: flux[i]}
		if err := tbl.Write(&row); err != nil {
			return fmt.Errorf("solar table row %d: %w", i, err)
		}
	}
	return writeFits(path, primary, tbl)
}

type fibreRow struct {
	RAOffset  float64 `fits:"RA_OFFSET"`
	DecOffset float64 `fits:"DEC_OFFSET"`
}

func infoCards(c *Container) []fitsio.Card {
	cards := []fitsio.Card{{Name: "OBJECT", Value: c.Info.Name}}
	if c.Info.Airmass > 0 {
		cards = append(cards, fitsio.Card{Name: "AIRMASS", Value: c.Info.Airmass})
	}
	if c.Info.ExposureTime > 0 {
		cards = append(cards, fitsio.Card{Name: "EXPTIME", Value: c.Info.ExposureTime})
	}
	for _, rec := range c.History {
		cards = append(cards, fitsio.Card{
			Name:    "HISTORY",
			Comment: fmt.Sprintf("%s %s %s", rec.Name, rec.Status, rec.Comment),
		})
	}
	return cards
}

func infoFromMetadata(m *FitsMetadata) Info {
	info := Info{Name: m.ObjectName()}
	info.Airmass, _ = m.Airmass()
	info.ExposureTime, _ = m.ExposureTime()
	return info
}

// WriteRSSFits stores an RSS as a primary [fibre][wavelength] image with
// VARIANCE and WAVELENGTH images and a FIBRES table of sky offsets.
func WriteRSSFits(path string, r *RSS) error {
	if err := r.Validate(); err != nil {
		return err
	}
	nFib, nw := len(r.Intensity), len(r.Wavelength)
	cards := infoCards(&r.Container)
	if nw > 1 {
		cards = append(cards,
			fitsio.Card{Name: "CRVAL1", Value: r.Wavelength[0]},
			fitsio.Card{Name: "CDELT1", Value: (r.Wavelength[nw-1] - r.Wavelength[0]) / float64(nw-1)},
			fitsio.Card{Name: "CRPIX1", Value: 1.0},
		)
	}
	primary, err := newPrimaryImage(flatten(r.Intensity), []int{nw, nFib}, cards)
	if err != nil {
		return err
	}
	variance, err := newImageHDU("VARIANCE", flatten(r.Variance), []int{nw, nFib})
	if err != nil {
		return err
	}
	wave, err := newImageHDU("WAVELENGTH", r.Wavelength, []int{nw})
	if err != nil {
		return err
	}
	hdus := []fitsio.HDU{primary, variance, wave}

	if len(r.Info.FibreRAOffset) == nFib && len(r.Info.FibreDecOffset) == nFib {
		tbl, err := fitsio.NewTable("FIBRES", []fitsio.Column{
			{Name: "RA_OFFSET", Format: "D", Unit: "arcsec"},
			{Name: "DEC_OFFSET", Format: "D", Unit: "arcsec"},
		}, fitsio.BINARY_TBL)
		if err != nil {
			return fmt.Errorf("fibre table: %w", err)
		}
		defer tbl.Close()
		for i := 0; i < nFib; i++ {
			row := fibreRow{RAOffset: r.Info.FibreRAOffset[i], DecOffset: r.Info.FibreDecOffset[i]}
			if err := tbl.Write(&row); err != nil {
				return fmt.Errorf("fibre table row %d: %w", i, err)
			}
		}
		hdus = append(hdus, tbl)
	}
	return writeFits(path, hdus...)
}

// ReadRSSFits loads an RSS written by WriteRSSFits. The wavelength comes
// from the WAVELENGTH extension when present, otherwise from the linear
// WCS of axis 1.
func ReadRSSFits(path string) (*RSS, error) {
	r, f, err := openFits(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	defer f.Close()
	return decodeRSS(f)
}

// ReadRSSFitsBytes loads an RSS from an in-memory FITS file.
func ReadRSSFitsBytes(data []byte) (*RSS, error) {
	f, err := fitsio.Open(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding FITS data: %w", err)
	}
	defer f.Close()
	return decodeRSS(f)
}

func decodeRSS(f *fitsio.File) (*RSS, error) {
	flat, axes, err := readImage(f.HDU(0))
	if err != nil {
		return nil, err
	}
	if len(axes) != 2 {
		return nil, fmt.Errorf("RSS primary image has %d axes: %w", len(axes), ErrShapeMismatch)
	}
	nw, nFib := axes[0], axes[1]
	meta := NewFitsMetadata(f.HDU(0).Header())

	var wave []float64
	if f.Has("WAVELENGTH") {
		if wave, _, err = readImage(f.Get("WAVELENGTH")); err != nil {
			return nil, err
		}
	} else if w, ok := meta.LinearWavelength(1, nw); ok {
		wave = w
	} else {
		return nil, fmt.Errorf("RSS without wavelength information: %w", ErrShapeMismatch)
	}

	var variance [][]float64
	if f.Has("VARIANCE") {
		vflat, _, err := readImage(f.Get("VARIANCE"))
		if err != nil {
			return nil, err
		}
		variance = reshape(vflat, nFib, nw)
	}
	rss, err := NewRSS(wave, reshape(flat, nFib, nw), variance)
	if err != nil {
		return nil, err
	}
	rss.Info = infoFromMetadata(meta)

	if f.Has("FIBRES") {
		tbl, ok := f.Get("FIBRES").(*fitsio.Table)
		if !ok {
			return nil, fmt.Errorf("FIBRES extension is not a table")
		}
		cols, err := readColumns(tbl, "RA_OFFSET", "DEC_OFFSET")
		if err != nil {
			return nil, fmt.Errorf("reading fibre table: %w", err)
		}
		rss.Info.FibreRAOffset, rss.Info.FibreDecOffset = cols[0], cols[1]
	}
	return rss, rss.Validate()
}

// WriteCubeFits stores a cube as a primary [wavelength][y][x] image with
// VARIANCE, WAVELENGTH, RA_OFFSET and DEC_OFFSET images.
func WriteCubeFits(path string, c *Cube) error {
	if err := c.Validate(); err != nil {
		return err
	}
	nx, ny, nw := c.Nx(), c.Ny(), len(c.Wavelength)
	axes := []int{nx, ny, nw}
	flatI := make([]float64, 0, nx*ny*nw)
	flatV := make([]float64, 0, nx*ny*nw)
	for k := 0; k < nw; k++ {
		flatI = append(flatI, flatten(c.Intensity[k])...)
		flatV = append(flatV, flatten(c.Variance[k])...)
	}
	primary, err := newPrimaryImage(flatI, axes, infoCards(&c.Container))
	if err != nil {
		return err
	}
	hdus := []fitsio.HDU{primary}
	for _, ext := range []struct {
		name string
		data []float64
		axes []int
	}{
		{"VARIANCE", flatV, axes},
		{"WAVELENGTH", c.Wavelength, []int{nw}},
		{"RA_OFFSET", c.RAOffset, []int{nx}},
		{"DEC_OFFSET", c.DecOffset, []int{ny}},
	} {
		hdu, err := newImageHDU(ext.name, ext.data, ext.axes)
		if err != nil {
			return err
		}
		hdus = append(hdus, hdu)
	}
	return writeFits(path, hdus...)
}

// ReadCubeFits loads a cube written by WriteCubeFits.
func ReadCubeFits(path string) (*Cube, error) {
	r, f, err := openFits(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	defer f.Close()

	flat, axes, err := readImage(f.HDU(0))
	if err != nil {
		return nil, err
	}
	if len(axes) != 3 {
		return nil, fmt.Errorf("cube primary image has %d axes: %w", len(axes), ErrShapeMismatch)
	}
	nx, ny, nw := axes[0], axes[1], axes[2]
	ext := make(map[string][]float64)
	for _, name := range []string{"VARIANCE", "WAVELENGTH", "RA_OFFSET", "DEC_OFFSET"} {
		if !f.Has(name) {
			return nil, fmt.Errorf("cube without %s extension: %w", name, ErrShapeMismatch)
		}
		if ext[name], _, err = readImage(f.Get(name)); err != nil {
			return nil, err
		}
	}
	intensity := make([][][]float64, nw)
	variance := make([][][]float64, nw)
	plane := nx * ny
	for k := 0; k < nw; k++ {
		intensity[k] = reshape(flat[k*plane:(k+1)*plane], ny, nx)
		variance[k] = reshape(ext["VARIANCE"][k*plane:(k+1)*plane], ny, nx)
	}
	cube, err := NewCube(ext["WAVELENGTH"], intensity, variance, ext["RA_OFFSET"], ext["DEC_OFFSET"])
	if err != nil {
		return nil, err
	}
	cube.Info = infoFromMetadata(NewFitsMetadata(f.HDU(0).Header()))
	return cube, nil
}

func flatten(m [][]float64) []float64 {
	if len(m) == 0 {
		return nil
	}
	out := make([]float64, 0, len(m)*len(m[0]))
	for _, row := range m {
		out = append(out, row...)
	}
	return out
}

func reshape(flat []float64, rows, cols int) [][]float64 {
	out := make([][]float64, rows)
	for i := range out {
		out[i] = append([]float64(nil), flat[i*cols:(i+1)*cols]...)
	}
	return out
}
