// act.go - Aktivierungsfunktionen
//
// Dieses Modul enthaelt:
// - Activation: Registry der unterstuetzten Aktivierungen
// - Forward/Grad fuer GELU und LeakyReLU(0.2)
package nn

import (
	"errors"
	"fmt"
	"math"
)

// ErrUnknownActivation reports an unsupported activation name.
var ErrUnknownActivation = errors.New("unknown activation")

// Activation is a tagged activation kind.
type Activation int

const (
	GELU Activation = iota
	LeakyReLU
)

const leakySlope = 0.2

func (a Activation) String() string {
	switch a {
	case GELU:
		return "gelu"
	case LeakyReLU:
		return "leakyrelu"
	default:
		return fmt.Sprintf("activation(%d)", int(a))
	}
}

// ParseActivation maps a configuration string onto an Activation.
func ParseActivation(s string) (Activation, error) {
	switch s {
	case "gelu":
		return GELU, nil
	case "leakyrelu":
		return LeakyReLU, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownActivation, s)
	}
}

// Apply writes a(x) into out. out may alias x.
func (a Activation) Apply(out, x []float32) {
	switch a {
	case GELU:
		for i, v := range x {
			out[i] = v * 0.5 * float32(1+math.Erf(float64(v)/math.Sqrt2))
		}
	case LeakyReLU:
		for i, v := range x {
			if v >= 0 {
				out[i] = v
			} else {
				out[i] = v * leakySlope
			}
		}
	}
}

// Grad multiplies dout in place by a'(x), where x is the pre-activation input.
func (a Activation) Grad(dout, x []float32) {
	switch a {
	case GELU:
		for i, v := range x {
			fv := float64(v)
			cdf := 0.5 * (1 + math.Erf(fv/math.Sqrt2))
			pdf := math.Exp(-fv*fv/2) / math.Sqrt(2*math.Pi)
			dout[i] *= float32(cdf + fv*pdf)
		}
	case LeakyReLU:
		for i, v := range x {
			if v < 0 {
				dout[i] *= leakySlope
			}
		}
	}
}
