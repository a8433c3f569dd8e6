// norm.go - Normalisierung
//
// Dieses Modul enthaelt:
// - PixelNorm: normalisiert jede Zeile auf RMS 1 (StyleGAN-Mapping-Input)
//
// PixelNorm hat keine Parameter und steht nur vor dem Mapping-MLP;
// Latents erhalten keinen Gradienten, daher genuegt der Forward-Pfad.
package nn

import "math"

const pixelNormEps = 1e-8

// PixelNormalize scales each row of width dim to unit RMS.
func PixelNormalize(x []float32, rows, dim int) []float32 {
	out := make([]float32, len(x))
	for r := range rows {
		xr := x[r*dim : (r+1)*dim]
		var ss float64
		for _, v := range xr {
			ss += float64(v) * float64(v)
		}
		inv := float32(1 / math.Sqrt(ss/float64(dim)+pixelNormEps))
		or := out[r*dim : (r+1)*dim]
		for i, v := range xr {
			or[i] = v * inv
		}
	}
	return out
}
