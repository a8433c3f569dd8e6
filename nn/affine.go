// affine.go - Kanalweise Affintransformation
//
// Dieses Modul enthaelt:
// - Affine: lernbare per-Kanal-Skalierung und -Verschiebung
//   (Gewicht init 1, Bias init 0)
package nn

// Affine applies y = x*w + b per channel over rows of width Dim.
type Affine struct {
	Dim    int
	Weight *Param // [Dim]
	Bias   *Param // [Dim]
}

func NewAffine(name string, dim int) *Affine {
	a := &Affine{
		Dim:    dim,
		Weight: NewParam(name+".weight", dim),
		Bias:   NewParam(name+".bias", dim),
	}
	a.Weight.InitConst(1)
	return a
}

func (a *Affine) Forward(x []float32, rows int) []float32 {
	y := make([]float32, len(x))
	w, b := a.Weight.Data, a.Bias.Data
	for r := range rows {
		xr := x[r*a.Dim : (r+1)*a.Dim]
		yr := y[r*a.Dim : (r+1)*a.Dim]
		for i, v := range xr {
			yr[i] = v*w[i] + b[i]
		}
	}
	return y
}

// Backward accumulates parameter gradients and writes dx when non-nil.
func (a *Affine) Backward(x, dout []float32, rows int, dx []float32) {
	w := a.Weight.Data
	dw, db := a.Weight.Grad, a.Bias.Grad
	for r := range rows {
		xr := x[r*a.Dim : (r+1)*a.Dim]
		dr := dout[r*a.Dim : (r+1)*a.Dim]
		for i, dv := range dr {
			dw[i] += dv * xr[i]
			db[i] += dv
		}
		if dx != nil {
			dxr := dx[r*a.Dim : (r+1)*a.Dim]
			for i, dv := range dr {
				dxr[i] += dv * w[i]
			}
		}
	}
}

func (a *Affine) Params() []*Param {
	return []*Param{a.Weight, a.Bias}
}
