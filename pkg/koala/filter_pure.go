//go:build purego || js

package koala

func correlateReflect(src, kernel []float64) []float64 {
	return correlateReflectGo(src, kernel)
}
