//go:build js && wasm

package main

import (
	"bytes"
	"context"
	"syscall/js"

	"koala/pkg/koala"
)

var lastResult *koala.SolarOffsetResult

func main() {
	js.Global().Set("solarOffset", js.FuncOf(solarOffset))
	js.Global().Set("renderLikelihood", js.FuncOf(renderLikelihood))
	js.Global().Set("renderOffsets", js.FuncOf(renderOffsets))
	select {} // block forever
}

// solarOffset(rssBytes, sunTextBytes, options) measures the fibre offsets
// of a twilight RSS. The solar spectrum is a two-column text file in
// vacuum wavelengths.
func solarOffset(this js.Value, args []js.Value) interface{} {
	if len(args) < 2 {
		return errorResult("usage: solarOffset(rssBytes, sunTextBytes, options)")
	}
	rssBytes := copyBytes(args[0])
	sunBytes := copyBytes(args[1])

	params := koala.NewSolarOffsetParams()
	params.InspectFibres = []int{0}
	if len(args) >= 3 && args[2].Type() == js.TypeObject {
		opts := args[2]
		if v := opts.Get("useMean"); v.Type() == js.TypeBoolean {
			params.UseMean = v.Bool()
		}
		if v := opts.Get("keepFeaturesFrac"); v.Type() == js.TypeNumber {
			params.KeepFeaturesFrac = v.Float()
		}
		if v := opts.Get("autoCentre"); v.Type() == js.TypeBoolean {
			params.AutoCentre = v.Bool()
		}
		if v := opts.Get("fibre"); v.Type() == js.TypeNumber {
			params.InspectFibres = []int{v.Int()}
		}
	}

	rss, err := koala.ReadRSSFitsBytes(rssBytes)
	if err != nil {
		return errorResult("FITS parse error: " + err.Error())
	}
	wave, flux, err := koala.ParseSpectrumText(bytes.NewReader(sunBytes))
	if err != nil {
		return errorResult("solar spectrum error: " + err.Error())
	}
	solar, err := koala.NewSolarCrossCorrOffset(koala.VacToAir(wave), flux)
	if err != nil {
		return errorResult("solar spectrum error: " + err.Error())
	}

	result, err := solar.ComputeShiftFromTwilight(context.Background(), rss, params)
	if err != nil {
		return errorResult("cross-correlation error: " + err.Error())
	}
	lastResult = result

	median, mad := koala.MedianMAD(result.Offset.Offset)
	jsOffsets := make([]interface{}, len(result.Offset.Offset))
	for i := range result.Offset.Offset {
		jsOffsets[i] = map[string]interface{}{
			"offset": result.Offset.Offset[i],
			"error":  result.Offset.Error[i],
			"shift":  result.MeanShift[i],
			"sigma":  result.MeanSigma[i],
		}
	}
	return js.ValueOf(map[string]interface{}{
		"fibres":       len(result.Offset.Offset),
		"wavelengths":  len(rss.Wavelength),
		"validPixels":  result.ValidPixels,
		"medianOffset": median,
		"madOffset":    mad,
		"offsets":      jsOffsets,
	})
}

// renderLikelihood(fibre) returns a JPEG of the likelihood surface kept
// by the last solarOffset call.
func renderLikelihood(this js.Value, args []js.Value) interface{} {
	if lastResult == nil || len(args) < 1 {
		return js.Null()
	}
	surface, ok := lastResult.Likelihood[args[0].Int()]
	if !ok {
		return js.Null()
	}
	jpegBytes, err := koala.RenderLikelihoodMapBytes(surface, lastResult.ShiftGrid, lastResult.SigmaGrid)
	if err != nil {
		return js.Null()
	}
	return toUint8Array(jpegBytes)
}

func renderOffsets(this js.Value, args []js.Value) interface{} {
	if lastResult == nil {
		return js.Null()
	}
	jpegBytes, err := koala.RenderOffsetsBytes(lastResult.Offset)
	if err != nil {
		return js.Null()
	}
	return toUint8Array(jpegBytes)
}

func copyBytes(v js.Value) []byte {
	out := make([]byte, v.Get("length").Int())
	js.CopyBytesToGo(out, v)
	return out
}

func toUint8Array(data []byte) js.Value {
	uint8Array := js.Global().Get("Uint8Array").New(len(data))
	js.CopyBytesToJS(uint8Array, data)
	return uint8Array
}

func errorResult(msg string) interface{} {
	return js.ValueOf(map[string]interface{}{
		"error": msg,
	})
}
