// param.go - Trainierbare Parameter
//
// Dieses Modul enthaelt:
// - Param: benannter float32-Parameter mit Gradientenpuffer
// - Initialisierungen (Normal, Konstanten)
//
// Gradienten werden vom Backward der Bloecke akkumuliert und vom
// Optimizer gelesen; ZeroGrad setzt sie nach jedem Schritt zurueck.
package nn

import "math/rand"

// Param is a named trainable tensor stored row-major as float32.
type Param struct {
	Name  string
	Shape []int
	Data  []float32
	Grad  []float32
}

// NewParam allocates a zero-initialized parameter.
func NewParam(name string, shape ...int) *Param {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &Param{
		Name:  name,
		Shape: shape,
		Data:  make([]float32, n),
		Grad:  make([]float32, n),
	}
}

func (p *Param) Numel() int {
	return len(p.Data)
}

// ZeroGrad clears the gradient buffer.
func (p *Param) ZeroGrad() {
	clear(p.Grad)
}

// InitNormal fills the parameter with N(0, std) draws from rng.
func (p *Param) InitNormal(rng *rand.Rand, std float32) {
	for i := range p.Data {
		p.Data[i] = float32(rng.NormFloat64()) * std
	}
}

// InitConst fills the parameter with a constant.
func (p *Param) InitConst(v float32) {
	for i := range p.Data {
		p.Data[i] = v
	}
}
