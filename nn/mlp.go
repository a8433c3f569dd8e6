// mlp.go - Mehrschichtiges Perzeptron
//
// Dieses Modul enthaelt:
// - MLP: Stapel von EqualizedLinear-Schichten mit Aktivierung
// - MLPCache: Zwischenergebnisse fuer den Backward-Pass
//
// depth == 1 ergibt eine einzelne Schicht in -> out; sonst
// in -> hidden -> ... -> hidden -> out.
package nn

import (
	"fmt"
	"math/rand"
)

// MLP is a stack of equalized linear layers with an activation after each
// layer; EndWithAct controls whether the final layer is activated too.
type MLP struct {
	Layers     []*EqualizedLinear
	Act        Activation
	EndWithAct bool
}

// MLPCache keeps the per-layer inputs and pre-activations of one forward
// call, which Backward consumes.
type MLPCache struct {
	inputs  [][]float32
	preacts [][]float32
	rows    int
}

// NewMLP builds a depth-layer MLP. gain and lrMul apply to every layer.
func NewMLP(name string, in, hidden, out, depth int, act Activation, endWithAct bool, gain, lrMul float32, rng *rand.Rand) *MLP {
	if depth < 1 {
		panic(fmt.Sprintf("nn: mlp depth %d", depth))
	}

	m := &MLP{Act: act, EndWithAct: endWithAct}
	for i := range depth {
		li, lo := hidden, hidden
		if i == 0 {
			li = in
		}
		if i == depth-1 {
			lo = out
		}
		m.Layers = append(m.Layers, NewEqualizedLinear(fmt.Sprintf("%s.%d", name, i), li, lo, gain, lrMul, rng))
	}
	return m
}

// Forward runs rows inputs through the stack and returns the activations
// plus the cache Backward needs.
func (m *MLP) Forward(x []float32, rows int) ([]float32, *MLPCache) {
	cache := &MLPCache{rows: rows}
	cur := x
	for i, l := range m.Layers {
		cache.inputs = append(cache.inputs, cur)
		pre := l.Forward(cur, rows)
		cache.preacts = append(cache.preacts, pre)

		if i < len(m.Layers)-1 || m.EndWithAct {
			act := make([]float32, len(pre))
			m.Act.Apply(act, pre)
			cur = act
		} else {
			cur = pre
		}
	}
	return cur, cache
}

// Backward accumulates parameter gradients from dout. When dx is non-nil it
// receives the gradient with respect to the original input.
func (m *MLP) Backward(cache *MLPCache, dout []float32, dx []float32) {
	cur := dout
	for i := len(m.Layers) - 1; i >= 0; i-- {
		if i < len(m.Layers)-1 || m.EndWithAct {
			// dout liegt hinter der Aktivierung; zurueck auf pre-act
			d := make([]float32, len(cur))
			copy(d, cur)
			m.Act.Grad(d, cache.preacts[i])
			cur = d
		}

		var into []float32
		if i > 0 {
			into = make([]float32, len(cache.inputs[i]))
		} else {
			into = dx
		}
		m.Layers[i].Backward(cache.inputs[i], cur, cache.rows, into)
		cur = into
	}
}

// Params returns all layer parameters in order.
func (m *MLP) Params() []*Param {
	var ps []*Param
	for _, l := range m.Layers {
		ps = append(ps, l.Params()...)
	}
	return ps
}
