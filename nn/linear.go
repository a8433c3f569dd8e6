// linear.go - Linearschichten mit Equalized Learning Rate
//
// Dieses Modul enthaelt:
// - EqualizedLinear: linear layer, dessen Gewichte zur Laufzeit mit
//   he_std*lrMul skaliert werden (StyleGAN-Initialisierung)
//
// Die Parameter werden unskaliert gespeichert; WMul/BMul werden in
// Forward und Backward konsistent angewendet.
package nn

import (
	"math"
	"math/rand"
)

const sqrt2 = float32(math.Sqrt2)

// EqualizedLinear is a fully connected layer with runtime weight scaling:
// y = x * (W*WMul)^T + B*BMul. Weights are stored with init std 1/lrMul so
// the effective learning rate of all layers matches.
type EqualizedLinear struct {
	In, Out int
	Weight  *Param // [Out, In]
	Bias    *Param // [Out]
	WMul    float32
	BMul    float32
}

// NewEqualizedLinear builds a layer with he-scaled runtime multipliers.
// gain is typically sqrt(2); lrMul shrinks the effective step size of the
// mapping network (0.01 in the variational mapping).
func NewEqualizedLinear(name string, in, out int, gain, lrMul float32, rng *rand.Rand) *EqualizedLinear {
	heStd := gain / float32(math.Sqrt(float64(in)))
	initStd := 1 / lrMul

	l := &EqualizedLinear{
		In:     in,
		Out:    out,
		Weight: NewParam(name+".weight", out, in),
		Bias:   NewParam(name+".bias", out),
		WMul:   heStd * lrMul,
		BMul:   lrMul,
	}
	l.Weight.InitNormal(rng, initStd)
	return l
}

// Forward computes rows outputs from rows inputs of width In.
func (l *EqualizedLinear) Forward(x []float32, rows int) []float32 {
	y := make([]float32, rows*l.Out)
	w, b := l.Weight.Data, l.Bias.Data
	for r := range rows {
		xr := x[r*l.In : (r+1)*l.In]
		yr := y[r*l.Out : (r+1)*l.Out]
		for o := range l.Out {
			wo := w[o*l.In : (o+1)*l.In]
			sum := b[o] * l.BMul
			for i, xv := range xr {
				sum += xv * wo[i] * l.WMul
			}
			yr[o] = sum
		}
	}
	return y
}

// Backward accumulates parameter gradients for the batch and, when dx is
// non-nil, writes the input gradient into it. x must be the forward input.
func (l *EqualizedLinear) Backward(x, dout []float32, rows int, dx []float32) {
	w := l.Weight.Data
	dw, db := l.Weight.Grad, l.Bias.Grad

	for r := range rows {
		xr := x[r*l.In : (r+1)*l.In]
		dr := dout[r*l.Out : (r+1)*l.Out]
		for o, dv := range dr {
			if dv == 0 {
				continue
			}
			db[o] += dv * l.BMul
			dwo := dw[o*l.In : (o+1)*l.In]
			for i, xv := range xr {
				dwo[i] += dv * xv * l.WMul
			}
		}
		if dx != nil {
			dxr := dx[r*l.In : (r+1)*l.In]
			for o, dv := range dr {
				if dv == 0 {
					continue
				}
				wo := w[o*l.In : (o+1)*l.In]
				for i := range dxr {
					dxr[i] += dv * wo[i] * l.WMul
				}
			}
		}
	}
}

// Params returns the layer's trainable parameters.
func (l *EqualizedLinear) Params() []*Param {
	return []*Param{l.Weight, l.Bias}
}
