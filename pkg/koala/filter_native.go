//go:build !purego && !js

package koala

import (
	"image"

	"gocv.io/x/gocv"
)

// correlateReflect runs the 1D correlation through OpenCV's separable
// filter. Kernels wider than the signal fall back to the Go path.
func correlateReflect(src, kernel []float64) []float64 {
	if len(kernel)/2 >= len(src) {
		return correlateReflectGo(src, kernel)
	}
	row := rowMat(src)
	defer row.Close()
	kx := rowMat(kernel)
	defer kx.Close()
	ky := rowMat([]float64{1})
	defer ky.Close()

	dst := gocv.NewMat()
	defer dst.Close()
	gocv.SepFilter2D(row, &dst, gocv.MatTypeCV64F, kx, ky, image.Pt(-1, -1), 0, gocv.BorderReflect)

	data, err := dst.DataPtrFloat64()
	if err != nil || len(data) != len(src) {
		return correlateReflectGo(src, kernel)
	}
	return append([]float64(nil), data...)
}

func rowMat(values []float64) gocv.Mat {
	m := gocv.NewMatWithSize(1, len(values), gocv.MatTypeCV64F)
	for i, v := range values {
		m.SetDoubleAt(0, i, v)
	}
	return m
}
