package koala

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"math"
	"os"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// RenderLikelihoodMap draws the likelihood surface of one fibre over the
// (shift, sigma) grid as a JPG file.
func RenderLikelihoodMap(surface [][]float64, shifts, sigmas []float64, outputPath string) error {
	img, err := renderLikelihoodImage(surface, shifts, sigmas)
	if err != nil {
		return err
	}
	return writeJPEGFile(outputPath, img)
}

// RenderLikelihoodMapBytes is RenderLikelihoodMap returning JPEG bytes.
func RenderLikelihoodMapBytes(surface [][]float64, shifts, sigmas []float64) ([]byte, error) {
	img, err := renderLikelihoodImage(surface, shifts, sigmas)
	if err != nil {
		return nil, err
	}
	return imageBytes(img)
}

// RenderOffsets plots the per-fibre offset with its error bars as a JPG file.
func RenderOffsets(offset *WavelengthOffset, outputPath string) error {
	img, err := renderOffsetImage(offset)
	if err != nil {
		return err
	}
	return writeJPEGFile(outputPath, img)
}

// RenderOffsetsBytes is RenderOffsets returning JPEG bytes.
func RenderOffsetsBytes(offset *WavelengthOffset) ([]byte, error) {
	img, err := renderOffsetImage(offset)
	if err != nil {
		return nil, err
	}
	return imageBytes(img)
}

func imageBytes(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeJPEG(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeJPEGFile(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create image file: %w", err)
	}
	defer f.Close()
	if err := encodeJPEG(f, img); err != nil {
		return err
	}
	return f.Close()
}

func encodeJPEG(w io.Writer, img image.Image) error {
	return jpeg.Encode(w, img, &jpeg.Options{Quality: 90})
}

const (
	plotMargin = 50
	plotWidth  = 600
	plotHeight = 400
)

func newCanvas() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, plotWidth+2*plotMargin, plotHeight+2*plotMargin))
	bg := color.RGBA{0, 0, 0, 255}
	for y := img.Rect.Min.Y; y < img.Rect.Max.Y; y++ {
		for x := img.Rect.Min.X; x < img.Rect.Max.X; x++ {
			img.Set(x, y, bg)
		}
	}
	return img
}

func renderLikelihoodImage(surface [][]float64, shifts, sigmas []float64) (*image.RGBA, error) {
	if len(surface) == 0 || len(surface) != len(shifts) || len(surface[0]) != len(sigmas) {
		return nil, fmt.Errorf("likelihood surface does not match the (shift, sigma) grid: %w", ErrShapeMismatch)
	}
	img := newCanvas()

	peak := 0.0
	bi, bj := 0, 0
	for i := range surface {
		for j, v := range surface[i] {
			if v > peak {
				peak, bi, bj = v, i, j
			}
		}
	}
	if peak <= 0 {
		peak = 1
	}

	cellW := float64(plotWidth) / float64(len(shifts))
	cellH := float64(plotHeight) / float64(len(sigmas))
	for i := range surface {
		x0 := plotMargin + int(float64(i)*cellW)
		x1 := plotMargin + int(float64(i+1)*cellW)
		for j, v := range surface[i] {
			// sigma grows upwards
			y1 := plotMargin + plotHeight - int(float64(j)*cellH)
			y0 := plotMargin + plotHeight - int(float64(j+1)*cellH)
			c := heatColor(v / peak)
			for y := y0; y < y1; y++ {
				for x := x0; x < x1; x++ {
					img.Set(x, y, c)
				}
			}
		}
	}

	mark := color.RGBA{255, 255, 255, 255}
	cx := plotMargin + int((float64(bi)+0.5)*cellW)
	cy := plotMargin + plotHeight - int((float64(bj)+0.5)*cellH)
	drawCircle(img, cx, cy, 6, mark)

	face := basicfont.Face7x13
	text := color.RGBA{220, 220, 220, 255}
	drawAxes(img, face, text,
		fmt.Sprintf("%.2f", shifts[0]), fmt.Sprintf("%.2f", shifts[len(shifts)-1]),
		fmt.Sprintf("%.2f", sigmas[0]), fmt.Sprintf("%.2f", sigmas[len(sigmas)-1]))
	drawCenteredText(img, face, "shift (pixel)", plotMargin+plotWidth/2, plotMargin+plotHeight+35, text)
	drawText(img, face, fmt.Sprintf("best: shift=%.2f sigma=%.2f", shifts[bi], sigmas[bj]), plotMargin, plotMargin-15, text)
	return img, nil
}

func renderOffsetImage(offset *WavelengthOffset) (*image.RGBA, error) {
	if offset == nil || len(offset.Offset) == 0 {
		return nil, fmt.Errorf("no wavelength offset to render")
	}
	n := len(offset.Offset)
	lo, hi := math.Inf(1), math.Inf(-1)
	for i, v := range offset.Offset {
		e := offset.Error[i]
		if math.IsNaN(e) {
			e = 0
		}
		if isFinite(v) {
			lo = math.Min(lo, v-e)
			hi = math.Max(hi, v+e)
		}
	}
	if math.IsInf(lo, 0) {
		return nil, fmt.Errorf("wavelength offset has no finite values: %w", ErrNoValidPixels)
	}
	if hi-lo < 1e-3 {
		lo, hi = lo-0.5, hi+0.5
	}

	img := newCanvas()
	toX := func(i int) int {
		if n == 1 {
			return plotMargin + plotWidth/2
		}
		return plotMargin + int(float64(i)/float64(n-1)*plotWidth)
	}
	toY := func(v float64) int {
		return plotMargin + plotHeight - int((v-lo)/(hi-lo)*plotHeight)
	}

	if lo < 0 && hi > 0 {
		zero := color.RGBA{90, 90, 90, 255}
		drawLine(img, plotMargin, toY(0), plotMargin+plotWidth, toY(0), zero)
	}
	bar := color.RGBA{80, 140, 255, 255}
	point := color.RGBA{255, 200, 60, 255}
	for i, v := range offset.Offset {
		if !isFinite(v) {
			continue
		}
		x := toX(i)
		if e := offset.Error[i]; isFinite(e) && e > 0 {
			drawLine(img, x, toY(v-e), x, toY(v+e), bar)
		}
		drawCircle(img, x, toY(v), 2, point)
	}

	median, mad := MedianMAD(offset.Offset)
	face := basicfont.Face7x13
	text := color.RGBA{220, 220, 220, 255}
	drawAxes(img, face, text, "0", fmt.Sprintf("%d", n-1), fmt.Sprintf("%.2f", lo), fmt.Sprintf("%.2f", hi))
	drawCenteredText(img, face, "fibre", plotMargin+plotWidth/2, plotMargin+plotHeight+35, text)
	drawText(img, face, fmt.Sprintf("offset: median=%.3f MAD=%.3f pixel", median, mad), plotMargin, plotMargin-15, text)
	return img, nil
}

// drawAxes frames the plot area and labels both ends of each axis.
func drawAxes(img *image.RGBA, face font.Face, c color.RGBA, xMin, xMax, yMin, yMax string) {
	x0, x1 := plotMargin, plotMargin+plotWidth
	y0, y1 := plotMargin, plotMargin+plotHeight
	drawLine(img, x0, y1, x1, y1, c)
	drawLine(img, x0, y0, x0, y1, c)
	drawCenteredText(img, face, xMin, x0, y1+18, c)
	drawCenteredText(img, face, xMax, x1, y1+18, c)
	drawText(img, face, yMin, 2, y1, c)
	drawText(img, face, yMax, 2, y0+10, c)
}

// heatColor maps t in [0, 1] from dark blue to yellow.
func heatColor(t float64) color.RGBA {
	t = math.Max(0, math.Min(1, t))
	switch {
	case t < 0.5:
		s := t / 0.5
		return color.RGBA{uint8(s * 200), uint8(s * 40), uint8(80 + s*40), 255}
	default:
		s := (t - 0.5) / 0.5
		return color.RGBA{uint8(200 + s*55), uint8(40 + s*215), uint8(120 - s*100), 255}
	}
}

func drawText(img *image.RGBA, face font.Face, s string, x, y int, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}

func drawCenteredText(img *image.RGBA, face font.Face, s string, cx, cy int, c color.RGBA) {
	advance := font.MeasureString(face, s)
	drawText(img, face, s, cx-advance.Round()/2, cy, c)
}

// drawCircle draws a circle outline using the midpoint algorithm.
func drawCircle(img *image.RGBA, cx, cy, radius int, c color.RGBA) {
	x, y, err := radius, 0, 0
	for x >= y {
		img.Set(cx+x, cy+y, c)
		img.Set(cx+y, cy+x, c)
		img.Set(cx-y, cy+x, c)
		img.Set(cx-x, cy+y, c)
		img.Set(cx-x, cy-y, c)
		img.Set(cx-y, cy-x, c)
		img.Set(cx+y, cy-x, c)
		img.Set(cx+x, cy-y, c)
		y++
		err += 1 + 2*y
		if 2*(err-x)+1 > 0 {
			x--
			err += 1 - 2*x
		}
	}
}

// drawLine uses Bresenham's algorithm.
func drawLine(img *image.RGBA, x0, y0, x1, y1 int, c color.RGBA) {
	dx := intAbs(x1 - x0)
	dy := -intAbs(y1 - y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	err := dx + dy
	for {
		img.Set(x0, y0, c)
		if x0 == x1 && y0 == y1 {
			break
		}
		e2 := 2 * err
		if e2 >= dy {
			err += dy
			x0 += sx
		}
		if e2 <= dx {
			err += dx
			y0 += sy
		}
	}
}

func intAbs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
