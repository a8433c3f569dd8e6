// nn_test.go - Tests fuer Bloecke und Gradienten
package nn

import (
	"errors"
	"math"
	"math/rand"
	"testing"
)

func almost(t *testing.T, name string, got, want, tol float64) {
	t.Helper()
	if math.Abs(got-want) > tol {
		t.Errorf("%s = %v, want %v (tol %v)", name, got, want, tol)
	}
}

func TestParseActivation(t *testing.T) {
	if a, err := ParseActivation("gelu"); err != nil || a != GELU {
		t.Errorf("ParseActivation(gelu) = %v, %v", a, err)
	}
	if _, err := ParseActivation("swish"); !errors.Is(err, ErrUnknownActivation) {
		t.Errorf("ParseActivation(swish) err = %v", err)
	}
}

func TestLeakyReLU(t *testing.T) {
	out := make([]float32, 2)
	LeakyReLU.Apply(out, []float32{2, -2})
	if out[0] != 2 || out[1] != -0.4 {
		t.Errorf("leakyrelu = %v", out)
	}

	dout := []float32{1, 1}
	LeakyReLU.Grad(dout, []float32{2, -2})
	if dout[0] != 1 || dout[1] != 0.2 {
		t.Errorf("leakyrelu grad = %v", dout)
	}
}

func TestGELU(t *testing.T) {
	out := make([]float32, 3)
	GELU.Apply(out, []float32{0, 10, -10})
	if out[0] != 0 {
		t.Errorf("gelu(0) = %v", out[0])
	}
	almost(t, "gelu(10)", float64(out[1]), 10, 1e-3)
	almost(t, "gelu(-10)", float64(out[2]), 0, 1e-3)
}

func TestPixelNormalize(t *testing.T) {
	out := PixelNormalize([]float32{3, 4, 0, 0}, 2, 2)

	// Zeile 1: rms = sqrt((9+16)/2)
	rms := math.Sqrt(12.5)
	almost(t, "row0[0]", float64(out[0]), 3/rms, 1e-5)
	almost(t, "row0[1]", float64(out[1]), 4/rms, 1e-5)
	// Nullzeile bleibt (bis auf eps) null
	almost(t, "row1[0]", float64(out[2]), 0, 1e-3)
}

func TestEqualizedLinearForwardBackward(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	l := NewEqualizedLinear("l", 2, 1, 1, 1, rng)
	// Feste Werte: W=[2,3], B=[1]; wMul = 1/sqrt(2), bMul = 1
	l.Weight.Data[0], l.Weight.Data[1] = 2, 3
	l.Bias.Data[0] = 1

	wMul := 1 / math.Sqrt2
	x := []float32{4, 5}
	y := l.Forward(x, 1)
	almost(t, "forward", float64(y[0]), (4*2+5*3)*wMul+1, 1e-4)

	l.Backward(x, []float32{2}, 1, nil)
	almost(t, "dW[0]", float64(l.Weight.Grad[0]), 2*4*wMul, 1e-4)
	almost(t, "dW[1]", float64(l.Weight.Grad[1]), 2*5*wMul, 1e-4)
	almost(t, "dB", float64(l.Bias.Grad[0]), 2, 1e-4)

	dx := make([]float32, 2)
	l.Backward(x, []float32{2}, 1, dx)
	almost(t, "dx[0]", float64(dx[0]), 2*2*wMul, 1e-4)
	almost(t, "dx[1]", float64(dx[1]), 2*3*wMul, 1e-4)
}

// numGrad bildet den zentralen Differenzenquotienten einer Loss-Funktion
// nach einem einzelnen Parameterwert.
func numGrad(f func() float64, x *float32, h float32) float64 {
	old := *x
	*x = old + h
	lp := f()
	*x = old - h
	lm := f()
	*x = old
	return (lp - lm) / float64(2*h)
}

func TestMLPGradCheck(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	m := NewMLP("m", 3, 4, 2, 2, GELU, false, 1, 1, rng)

	x := make([]float32, 2*3)
	coef := make([]float32, 2*2)
	for i := range x {
		x[i] = float32(rng.NormFloat64())
	}
	for i := range coef {
		coef[i] = float32(rng.NormFloat64())
	}

	loss := func() float64 {
		out, _ := m.Forward(x, 2)
		var l float64
		for i, v := range out {
			l += float64(coef[i]) * float64(v)
		}
		return l
	}

	for _, p := range m.Params() {
		p.ZeroGrad()
	}
	_, cache := m.Forward(x, 2)
	dout := make([]float32, len(coef))
	copy(dout, coef)
	dx := make([]float32, len(x))
	m.Backward(cache, dout, dx)

	for _, probe := range []struct {
		name string
		p    *Param
		idx  int
	}{
		{"layer0.weight", m.Layers[0].Weight, 2},
		{"layer0.bias", m.Layers[0].Bias, 1},
		{"layer1.weight", m.Layers[1].Weight, 5},
		{"layer1.bias", m.Layers[1].Bias, 0},
	} {
		want := numGrad(loss, &probe.p.Data[probe.idx], 1e-2)
		got := float64(probe.p.Grad[probe.idx])
		if math.Abs(got-want) > 0.05*(1+math.Abs(want)) {
			t.Errorf("grad %s[%d] = %v, numeric %v", probe.name, probe.idx, got, want)
		}
	}

	want := numGrad(loss, &x[1], 1e-2)
	if math.Abs(float64(dx[1])-want) > 0.05*(1+math.Abs(want)) {
		t.Errorf("dx[1] = %v, numeric %v", dx[1], want)
	}
}

func TestAffineBackward(t *testing.T) {
	a := NewAffine("a", 2)
	a.Weight.Data[0], a.Weight.Data[1] = 2, -1
	a.Bias.Data[0], a.Bias.Data[1] = 0.5, 0

	x := []float32{3, 4}
	y := a.Forward(x, 1)
	almost(t, "affine[0]", float64(y[0]), 6.5, 1e-5)
	almost(t, "affine[1]", float64(y[1]), -4, 1e-5)

	dx := make([]float32, 2)
	a.Backward(x, []float32{1, 2}, 1, dx)
	almost(t, "dw[0]", float64(a.Weight.Grad[0]), 3, 1e-5)
	almost(t, "dw[1]", float64(a.Weight.Grad[1]), 8, 1e-5)
	almost(t, "db[1]", float64(a.Bias.Grad[1]), 2, 1e-5)
	almost(t, "dx[0]", float64(dx[0]), 2, 1e-5)
	almost(t, "dx[1]", float64(dx[1]), -2, 1e-5)
}

func TestAdaINExact(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	a := NewAdaIN("a", 1, 1, 1, false, rng)
	a.NormalizeZ = false

	// Mapping 1 -> 2 (mean, std); Gewichte so, dass LeakyReLU linear bleibt
	l := a.Mapping.Layers[0]
	l.Weight.Data[0], l.Weight.Data[1] = 1, 0.5 // stored
	l.Bias.Data[0], l.Bias.Data[1] = 0, 0
	wMul := float64(l.WMul) // sqrt(2)/sqrt(1) * 0.01
	bMul := float64(l.BMul)

	tok := []float32{2, 3} // 1 Beispiel, 2 Patches, Dim 1
	z := []float32{4}      // 1 Replikat
	out, cache := a.Forward(tok, 1, 2, z, 1)

	mean := 1 * wMul * 4
	std := 0.5 * wMul * 4
	almost(t, "out[0]", float64(out[0]), mean+2*(1+std), 1e-4)
	almost(t, "out[1]", float64(out[1]), mean+3*(1+std), 1e-4)

	g := []float32{1, 2}
	dtok := make([]float32, 2)
	a.Backward(cache, g, dtok)

	almost(t, "dtok[0]", float64(dtok[0]), 1+std, 1e-4)
	almost(t, "dtok[1]", float64(dtok[1]), 2*(1+std), 1e-4)
	// dW_mean = (g0+g1)*z*wMul, dW_std = (g0*t0+g1*t1)*z*wMul
	almost(t, "dW[0]", float64(l.Weight.Grad[0]), 3*4*wMul, 1e-4)
	almost(t, "dW[1]", float64(l.Weight.Grad[1]), (1*2+2*3)*4*wMul, 1e-4)
	almost(t, "dB[0]", float64(l.Bias.Grad[0]), 3*bMul, 1e-4)
}

func TestAdaINIgnoreLatents(t *testing.T) {
	a := NewAdaIN("a", 2, 4, 1, true, rand.New(rand.NewSource(1)))
	if a.Mapping != nil {
		t.Fatal("ignore-latents block built a mapping")
	}

	tok := []float32{1, 2, 3, 4} // 1 Beispiel, 2 Patches, Dim 2
	z := make([]float32, 3*4)    // 3 Replikate
	out, cache := a.Forward(tok, 1, 2, z, 3)

	for r := range 3 {
		for i := range 4 {
			if out[r*4+i] != tok[i] {
				t.Fatalf("replica %d differs from input: %v", r, out[r*4:(r+1)*4])
			}
		}
	}

	dtok := make([]float32, 4)
	dout := make([]float32, 12)
	for i := range dout {
		dout[i] = 1
	}
	a.Backward(cache, dout, dtok)
	for i := range dtok {
		if dtok[i] != 3 {
			t.Fatalf("dtok = %v, want replica sum 3", dtok)
		}
	}
}

func TestLocalAdaINExact(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	a := NewLocalAdaIN("a", 1, 2, 1, 1, false, rng)
	a.NormalizeZ = false

	// Mapping 1 -> 4: [mean_p0, mean_p1, std_p0, std_p1]
	l := a.Mapping.Layers[0]
	l.Weight.Data[0], l.Weight.Data[1], l.Weight.Data[2], l.Weight.Data[3] = 1, 2, 0.5, 0.25
	wMul := float64(l.WMul)

	tok := []float32{2, 3}
	z := []float32{1}
	out, _ := a.Forward(tok, 1, 2, z, 1)

	m0, m1 := 1*wMul, 2*wMul
	s0, s1 := 0.5*wMul, 0.25*wMul
	almost(t, "out[0]", float64(out[0]), m0+2*(1+s0), 1e-4)
	almost(t, "out[1]", float64(out[1]), m1+3*(1+s1), 1e-4)
}
