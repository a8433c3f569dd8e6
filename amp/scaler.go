// scaler.go - Dynamischer Loss-Scaler
//
// Dieses Modul enthaelt:
// - GradScaler: skaliert den Loss vor dem Backward, prueft Gradienten auf
//   Overflow, halbiert den Scale bei Overflow und verdoppelt ihn nach
//   einer Reihe stabiler Schritte
//
// Der dynamische Scale ist Laufzeitzustand des Runs und wird nicht
// mit in Checkpoints geschrieben.
package amp

import (
	"log/slog"
	"math"
)

const (
	defaultScale   = 65536
	growthFactor   = 2
	backoffFactor  = 0.5
	growthInterval = 2000
)

// GradScaler implements dynamic loss scaling for reduced-precision training.
// Gradients are produced pre-multiplied by Scale(); Unscale divides them back
// and reports whether the step is usable.
type GradScaler struct {
	scale     float32
	goodSteps int
	enabled   bool
}

// NewGradScaler returns a scaler starting at scale 65536. A disabled scaler
// reports Scale() == 1 and never changes it; overflow checking stays active.
func NewGradScaler(enabled bool) *GradScaler {
	s := &GradScaler{scale: 1, enabled: enabled}
	if enabled {
		s.scale = defaultScale
	}
	return s
}

// Scale returns the factor to multiply the loss by before the backward pass.
func (s *GradScaler) Scale() float32 {
	return s.scale
}

// Unscale scans the scaled gradients for NaN/Inf and, when finite, divides
// them by the current scale in place. It returns false on overflow; the
// optimizer step must then be skipped and Update(false) called.
func (s *GradScaler) Unscale(grads ...[]float32) bool {
	for _, g := range grads {
		for _, v := range g {
			f := float64(v)
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return false
			}
		}
	}

	if s.scale != 1 {
		inv := 1 / s.scale
		for _, g := range grads {
			for i := range g {
				g[i] *= inv
			}
		}
	}

	return true
}

// Update adjusts the scale after a step: halve on overflow, double after
// growthInterval consecutive good steps.
func (s *GradScaler) Update(ok bool) {
	if !s.enabled {
		return
	}

	if !ok {
		s.scale *= backoffFactor
		if s.scale < 1 {
			s.scale = 1
		}
		s.goodSteps = 0
		slog.Debug("gradient overflow, reduced loss scale", "scale", s.scale)
		return
	}

	s.goodSteps++
	if s.goodSteps >= growthInterval {
		s.scale *= growthFactor
		s.goodSteps = 0
		slog.Debug("increased loss scale", "scale", s.scale)
	}
}
