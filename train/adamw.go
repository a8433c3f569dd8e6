// adamw.go - AdamW-Optimierer
//
// Dieses Modul enthaelt:
// - AdamW: Adam mit entkoppeltem Weight-Decay und Bias-Korrektur
// - AdamWState: serialisierbarer Zustand fuer Checkpoints
//
// Der Optimierer liest die Gradientenpuffer der Parameter; skalierte
// Gradienten muessen vor Step durch den GradScaler geteilt worden sein.
package train

import (
	"fmt"
	"math"
	"slices"

	"github.com/ursa-ml/ursa/nn"
)

const (
	adamBeta1 = 0.9
	adamBeta2 = 0.999
	adamEps   = 1e-8
)

// AdamW implements Adam with decoupled weight decay. Weight decay is
// applied to the parameter directly, not folded into the gradient.
type AdamW struct {
	params []*nn.Param
	lr     float32
	wd     float32

	step int
	m    [][]float32
	v    [][]float32
}

// NewAdamW returns an optimizer over params with the given learning rate
// and decoupled weight decay. Moment buffers start at zero.
func NewAdamW(params []*nn.Param, lr, weightDecay float32) *AdamW {
	o := &AdamW{
		params: params,
		lr:     lr,
		wd:     weightDecay,
		m:      make([][]float32, len(params)),
		v:      make([][]float32, len(params)),
	}
	for i, p := range params {
		o.m[i] = make([]float32, p.Numel())
		o.v[i] = make([]float32, p.Numel())
	}
	return o
}

// SetLR sets the learning rate for subsequent steps. The scheduler calls
// this before every step.
func (o *AdamW) SetLR(lr float32) { o.lr = lr }

// LR returns the current learning rate.
func (o *AdamW) LR() float32 { return o.lr }

// StepCount returns how many updates have been applied.
func (o *AdamW) StepCount() int { return o.step }

// Grads returns the gradient buffers of all parameters in parameter
// order. The scaler unscales these in place before a step.
func (o *AdamW) Grads() [][]float32 {
	gs := make([][]float32, len(o.params))
	for i, p := range o.params {
		gs[i] = p.Grad
	}
	return gs
}

// Step applies one update from the accumulated gradients. Gradient
// buffers are left untouched; call ZeroGrad before the next backward.
func (o *AdamW) Step() {
	o.step++
	bc1 := 1 - math.Pow(adamBeta1, float64(o.step))
	bc2 := 1 - math.Pow(adamBeta2, float64(o.step))
	lr := float64(o.lr)
	decay := 1 - float64(o.lr)*float64(o.wd)

	for i, p := range o.params {
		m, v := o.m[i], o.v[i]
		for j, gj := range p.Grad {
			g := float64(gj)
			mj := adamBeta1*float64(m[j]) + (1-adamBeta1)*g
			vj := adamBeta2*float64(v[j]) + (1-adamBeta2)*g*g
			m[j], v[j] = float32(mj), float32(vj)

			x := float64(p.Data[j]) * decay
			x -= lr * (mj / bc1) / (math.Sqrt(vj/bc2) + adamEps)
			p.Data[j] = float32(x)
		}
	}
}

// ZeroGrad clears every parameter's gradient buffer.
func (o *AdamW) ZeroGrad() {
	for _, p := range o.params {
		p.ZeroGrad()
	}
}

// AdamWState is the serialized optimizer state. Moment buffers are keyed
// by parameter name.
type AdamWState struct {
	Step int
	LR   float32
	M    map[string][]float32
	V    map[string][]float32
}

// State captures the optimizer for checkpointing.
func (o *AdamW) State() AdamWState {
	st := AdamWState{
		Step: o.step,
		LR:   o.lr,
		M:    make(map[string][]float32, len(o.params)),
		V:    make(map[string][]float32, len(o.params)),
	}
	for i, p := range o.params {
		st.M[p.Name] = slices.Clone(o.m[i])
		st.V[p.Name] = slices.Clone(o.v[i])
	}
	return st
}

// Restore loads serialized state. Every parameter must have moment
// buffers of matching size.
func (o *AdamW) Restore(st AdamWState) error {
	for i, p := range o.params {
		m, ok := st.M[p.Name]
		if !ok {
			return fmt.Errorf("optimizer state is missing parameter %q", p.Name)
		}
		v, ok := st.V[p.Name]
		if !ok {
			return fmt.Errorf("optimizer state is missing parameter %q", p.Name)
		}
		if len(m) != p.Numel() || len(v) != p.Numel() {
			return fmt.Errorf("optimizer state for %q holds %d/%d values, parameter has %d", p.Name, len(m), len(v), p.Numel())
		}
		copy(o.m[i], m)
		copy(o.v[i], v)
	}
	o.step = st.Step
	o.lr = st.LR
	return nil
}
